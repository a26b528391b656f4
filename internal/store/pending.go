package store

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// PendingNotification is one undelivered push: a (device, event) pair
// awaiting dispatch. Rows are created when fan-out finds the target device
// offline, and deleted on confirmed delivery, token invalidation, or
// attempt exhaustion. Keeping them durable means a crash mid-dispatch
// cannot silently lose a notification.
type PendingNotification struct {
	ID            int64
	FamilyID      string
	DeviceID      string
	EventSeq      int64
	Attempts      int
	NextAttemptAt time.Time
	CreatedAt     time.Time
}

// EnqueuePending records an undelivered event for a device. Due
// immediately; the dispatcher's next cycle picks it up.
func (s *Store) EnqueuePending(ctx context.Context, familyID, deviceID string, eventSeq int64) error {
	now := time.Now().UTC().Format(time.RFC3339Nano)
	query := `
	INSERT INTO push_pending (family_id, device_id, event_seq, attempts, next_attempt_at, created_at)
	VALUES (?, ?, ?, 0, ?, ?)
	`
	_, err := s.conn.ExecContext(ctx, query, familyID, deviceID, eventSeq, now, now)
	if err != nil {
		return fmt.Errorf("failed to enqueue pending for %s/%d: %w", deviceID, eventSeq, err)
	}
	return nil
}

// DuePending returns pending notifications whose next attempt time has
// passed, oldest first. A limit of 0 means no limit.
func (s *Store) DuePending(ctx context.Context, now time.Time, limit int) ([]*PendingNotification, error) {
	query := `
	SELECT id, family_id, device_id, event_seq, attempts, next_attempt_at, created_at
	FROM push_pending
	WHERE next_attempt_at <= ?
	ORDER BY created_at ASC
	`
	args := []interface{}{now.UTC().Format(time.RFC3339Nano)}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query due pendings: %w", err)
	}
	defer rows.Close()

	var pendings []*PendingNotification
	for rows.Next() {
		var p PendingNotification
		var nextAt, createdAt string
		if err := rows.Scan(&p.ID, &p.FamilyID, &p.DeviceID, &p.EventSeq, &p.Attempts, &nextAt, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan pending: %w", err)
		}
		if t, err := time.Parse(time.RFC3339Nano, nextAt); err == nil {
			p.NextAttemptAt = t
		}
		if t, err := time.Parse(time.RFC3339Nano, createdAt); err == nil {
			p.CreatedAt = t
		}
		pendings = append(pendings, &p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating pendings: %w", err)
	}
	return pendings, nil
}

// DeletePending removes pending rows by id. Idempotent.
func (s *Store) DeletePending(ctx context.Context, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}

	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",")
	query := `DELETE FROM push_pending WHERE id IN (` + placeholders + `)`

	args := make([]interface{}, len(ids))
	for i, id := range ids {
		args[i] = id
	}

	_, err := s.conn.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to delete pendings: %w", err)
	}
	return nil
}

// RetryPending increments the attempt counter on the given rows and
// schedules the next attempt.
func (s *Store) RetryPending(ctx context.Context, ids []int64, nextAttemptAt time.Time) error {
	if len(ids) == 0 {
		return nil
	}

	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",")
	query := `
	UPDATE push_pending
	SET attempts = attempts + 1, next_attempt_at = ?
	WHERE id IN (` + placeholders + `)`

	args := make([]interface{}, 0, len(ids)+1)
	args = append(args, nextAttemptAt.UTC().Format(time.RFC3339Nano))
	for _, id := range ids {
		args = append(args, id)
	}

	_, err := s.conn.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to reschedule pendings: %w", err)
	}
	return nil
}

// PendingCount returns the number of undelivered notifications.
func (s *Store) PendingCount(ctx context.Context) (int, error) {
	var count int
	err := s.conn.QueryRowContext(ctx, "SELECT COUNT(*) FROM push_pending").Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count pendings: %w", err)
	}
	return count, nil
}
