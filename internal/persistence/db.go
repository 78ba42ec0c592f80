package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"strings"
	"time"

	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"
)

// Dialect selects placeholder syntax and connection setup.
type Dialect int

const (
	DialectPostgres Dialect = iota
	DialectSQLite
)

func (d Dialect) String() string {
	if d == DialectSQLite {
		return "sqlite"
	}
	return "postgres"
}

// DB is a connection pool that knows its dialect. Queries in this package
// are written with '?' placeholders and rebound for Postgres.
type DB struct {
	*sql.DB
	Dialect Dialect
}

// Open connects to url. postgres:// and postgresql:// URLs use lib/pq;
// anything else is a SQLite DSN ("sqlite://" prefix optional, ":memory:"
// for an in-memory store).
func Open(ctx context.Context, url string) (*DB, error) {
	dialect, dsn := parseURL(url)

	var (
		raw *sql.DB
		err error
	)
	switch dialect {
	case DialectPostgres:
		raw, err = sql.Open("postgres", dsn)
	default:
		raw, err = sql.Open("sqlite", dsn)
	}
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", dialect, err)
	}

	if dialect == DialectSQLite {
		// One writer connection: an in-memory database lives per
		// connection, and a single connection never sees SQLITE_BUSY.
		raw.SetMaxOpenConns(1)
		for _, pragma := range []string{"PRAGMA journal_mode=WAL", "PRAGMA foreign_keys=ON", "PRAGMA busy_timeout=5000"} {
			if _, err := raw.ExecContext(ctx, pragma); err != nil {
				raw.Close()
				return nil, fmt.Errorf("%s: %w", pragma, err)
			}
		}
	} else {
		raw.SetMaxOpenConns(20)
		raw.SetConnMaxIdleTime(5 * time.Minute)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := raw.PingContext(pingCtx); err != nil {
		raw.Close()
		return nil, fmt.Errorf("ping %s: %w", dialect, err)
	}
	return &DB{DB: raw, Dialect: dialect}, nil
}

func parseURL(url string) (Dialect, string) {
	switch {
	case strings.HasPrefix(url, "postgres://"), strings.HasPrefix(url, "postgresql://"):
		return DialectPostgres, url
	case strings.HasPrefix(url, "sqlite://"):
		return DialectSQLite, strings.TrimPrefix(url, "sqlite://")
	default:
		return DialectSQLite, url
	}
}

// Rebind rewrites '?' placeholders as $1..$n for Postgres.
func (db *DB) Rebind(query string) string {
	return rebind(db.Dialect, query)
}

func rebind(d Dialect, query string) string {
	if d != DialectPostgres || !strings.Contains(query, "?") {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteByte(query[i])
	}
	return b.String()
}

// placeholders returns "(?, ?, ...)" groups for a multi-row insert.
func placeholders(rows, cols int) string {
	group := "(" + strings.TrimSuffix(strings.Repeat("?, ", cols), ", ") + ")"
	parts := make([]string, rows)
	for i := range parts {
		parts[i] = group
	}
	return strings.Join(parts, ", ")
}

// execer is satisfied by *sql.DB and *sql.Tx.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}
