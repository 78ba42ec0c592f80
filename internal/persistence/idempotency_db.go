package persistence

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

// SQLIdempotencyChecker is the database tier of command deduplication,
// consulted when a key misses the engine's LRU.
type SQLIdempotencyChecker struct {
	db      *DB
	timeout time.Duration
}

func NewSQLIdempotencyChecker(db *DB) *SQLIdempotencyChecker {
	return &SQLIdempotencyChecker{db: db, timeout: 500 * time.Millisecond}
}

// IsDuplicate reports whether the event log already holds the command.
func (c *SQLIdempotencyChecker) IsDuplicate(eventType string, idempotencyKey string) (bool, error) {
	ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
	defer cancel()

	var exists int
	err := c.db.QueryRowContext(ctx, c.db.Rebind(`
		SELECT 1 FROM events WHERE event_type = ? AND idempotency_key = ? LIMIT 1
	`), eventType, idempotencyKey).Scan(&exists)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}
