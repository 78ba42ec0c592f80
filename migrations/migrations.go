// Package migrations embeds the SQL schema. The statements stay inside the
// dialect shared by Postgres and SQLite so one set of files serves both.
package migrations

import "embed"

//go:embed *.sql
var FS embed.FS
