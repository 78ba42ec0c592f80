package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io/fs"
	"sort"
	"strings"
	"time"

	"TrancheLedger/internal/observability"

	"github.com/rs/zerolog"
)

// Migrator runs SQL migration files in order.
// Files follow golang-migrate naming: {version}_{name}.up.sql / .down.sql
type Migrator struct {
	db     *DB
	files  fs.FS
	logger zerolog.Logger
}

func NewMigrator(db *DB, files fs.FS) *Migrator {
	return &Migrator{db: db, files: files, logger: observability.NewLogger("migrator")}
}

// MigrationStatus is one known migration and whether it is applied.
type MigrationStatus struct {
	Version   string
	Filename  string
	Applied   bool
	AppliedAt time.Time
}

// Up applies all pending up-migrations in order and returns how many ran.
func (m *Migrator) Up(ctx context.Context) (int, error) {
	if err := m.ensureMigrationTable(ctx); err != nil {
		return 0, fmt.Errorf("ensure migration table: %w", err)
	}

	applied, err := m.getAppliedVersions(ctx)
	if err != nil {
		return 0, fmt.Errorf("get applied versions: %w", err)
	}

	files, err := m.listMigrationFiles(".up.sql")
	if err != nil {
		return 0, fmt.Errorf("list migrations: %w", err)
	}

	count := 0
	for _, f := range files {
		version := extractVersion(f)
		if _, ok := applied[version]; ok {
			continue
		}
		content, err := fs.ReadFile(m.files, f)
		if err != nil {
			return count, fmt.Errorf("read migration %s: %w", f, err)
		}
		err = m.inTx(ctx, func(tx *sql.Tx) error {
			if _, err := tx.ExecContext(ctx, string(content)); err != nil {
				return fmt.Errorf("exec migration %s: %w", f, err)
			}
			_, err := tx.ExecContext(ctx, m.db.Rebind(
				`INSERT INTO schema_migrations (version, filename, applied_at) VALUES (?, ?, ?)`),
				version, f, time.Now().Unix(),
			)
			if err != nil {
				return fmt.Errorf("record migration %s: %w", f, err)
			}
			return nil
		})
		if err != nil {
			return count, err
		}
		count++
		m.logger.Info().Str("file", f).Msg("applied migration")
	}
	return count, nil
}

// Down rolls back the last applied migration. It returns false when
// nothing was applied.
func (m *Migrator) Down(ctx context.Context) (bool, error) {
	if err := m.ensureMigrationTable(ctx); err != nil {
		return false, err
	}

	var version, filename string
	err := m.db.QueryRowContext(ctx,
		`SELECT version, filename FROM schema_migrations ORDER BY version DESC LIMIT 1`,
	).Scan(&version, &filename)
	if errors.Is(err, sql.ErrNoRows) {
		m.logger.Info().Msg("no migrations to roll back")
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("get latest migration: %w", err)
	}

	downFile := strings.Replace(filename, ".up.sql", ".down.sql", 1)
	content, err := fs.ReadFile(m.files, downFile)
	if err != nil {
		return false, fmt.Errorf("read down migration %s: %w", downFile, err)
	}

	err = m.inTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, string(content)); err != nil {
			return fmt.Errorf("exec down migration %s: %w", downFile, err)
		}
		if _, err := tx.ExecContext(ctx, m.db.Rebind(`DELETE FROM schema_migrations WHERE version = ?`), version); err != nil {
			return fmt.Errorf("remove migration record %s: %w", version, err)
		}
		return nil
	})
	if err != nil {
		return false, err
	}
	m.logger.Info().Str("file", downFile).Msg("rolled back migration")
	return true, nil
}

// Status lists every up-migration with its applied state.
func (m *Migrator) Status(ctx context.Context) ([]MigrationStatus, error) {
	if err := m.ensureMigrationTable(ctx); err != nil {
		return nil, err
	}
	applied, err := m.getAppliedVersions(ctx)
	if err != nil {
		return nil, err
	}
	files, err := m.listMigrationFiles(".up.sql")
	if err != nil {
		return nil, err
	}
	out := make([]MigrationStatus, 0, len(files))
	for _, f := range files {
		version := extractVersion(f)
		at, ok := applied[version]
		st := MigrationStatus{Version: version, Filename: f, Applied: ok}
		if ok {
			st.AppliedAt = time.Unix(at, 0).UTC()
		}
		out = append(out, st)
	}
	return out, nil
}

func (m *Migrator) inTx(ctx context.Context, fn func(*sql.Tx) error) error {
	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

func (m *Migrator) ensureMigrationTable(ctx context.Context) error {
	_, err := m.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version    TEXT   PRIMARY KEY,
			filename   TEXT   NOT NULL,
			applied_at BIGINT NOT NULL
		)
	`)
	return err
}

// getAppliedVersions maps version to applied_at (unix seconds).
func (m *Migrator) getAppliedVersions(ctx context.Context) (map[string]int64, error) {
	rows, err := m.db.QueryContext(ctx, `SELECT version, applied_at FROM schema_migrations`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	applied := make(map[string]int64)
	for rows.Next() {
		var (
			v  string
			at int64
		)
		if err := rows.Scan(&v, &at); err != nil {
			return nil, err
		}
		applied[v] = at
	}
	return applied, rows.Err()
}

func (m *Migrator) listMigrationFiles(suffix string) ([]string, error) {
	entries, err := fs.ReadDir(m.files, ".")
	if err != nil {
		return nil, err
	}

	var files []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), suffix) {
			files = append(files, e.Name())
		}
	}

	sort.Strings(files)
	return files, nil
}

// extractVersion returns the numeric prefix from a migration filename.
// e.g. "000001_event_log.up.sql" -> "000001"
func extractVersion(filename string) string {
	parts := strings.SplitN(filename, "_", 2)
	if len(parts) > 0 {
		return parts[0]
	}
	return filename
}
