package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// UsageStore keeps one request counter row per user per day.
type UsageStore struct {
	db *DB
}

// NewUsageStore creates a usage counter store using the given database.
func NewUsageStore(db *DB) *UsageStore {
	return &UsageStore{db: db}
}

// Consume increments the (userID, day) counter if it is below limit and
// reports whether it did. The check and the increment are one statement,
// so concurrent callers cannot push the count past limit. A refused call
// leaves the row untouched. The returned count is the value after the call.
func (s *UsageStore) Consume(ctx context.Context, userID, day string, limit int) (bool, int, error) {
	if limit < 1 {
		count, err := s.Count(ctx, userID, day)
		return false, count, err
	}

	res, err := s.db.sql.ExecContext(ctx, s.db.sql.Rebind(`
		INSERT INTO user_requests (user_id, day, count, updated_at)
		VALUES (?, ?, 1, ?)
		ON CONFLICT (user_id, day) DO UPDATE SET
			count = user_requests.count + 1,
			updated_at = excluded.updated_at
		WHERE user_requests.count < ?`),
		userID, day, s.db.timestamp(), limit,
	)
	if err != nil {
		return false, 0, fmt.Errorf("incrementing usage for %s: %w", userID, err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return false, 0, fmt.Errorf("reading usage result: %w", err)
	}

	count, err := s.Count(ctx, userID, day)
	if err != nil {
		return false, 0, err
	}
	return affected > 0, count, nil
}

// Count returns the stored counter for (userID, day), or 0 if absent.
func (s *UsageStore) Count(ctx context.Context, userID, day string) (int, error) {
	var count int
	err := s.db.sql.GetContext(ctx, &count, s.db.sql.Rebind(
		`SELECT count FROM user_requests WHERE user_id = ? AND day = ?`), userID, day)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("reading usage for %s: %w", userID, err)
	}
	return count, nil
}
