package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/hearth-app/hearth/internal/event"
)

// InsertEvent appends a fully-formed event row. The caller (the event log
// layer) is responsible for having assigned a correct, gapless seq under
// its per-family serialization; the primary key rejects anything else.
func (s *Store) InsertEvent(ctx context.Context, ev event.Event) error {
	query := `
	INSERT INTO events (
		family_id, seq, kind, payload, author_device_id,
		idempotency_key, server_ts, client_ts
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := s.conn.ExecContext(ctx, query,
		ev.FamilyID,
		ev.Seq,
		string(ev.Kind),
		string(ev.Payload),
		ev.AuthorDeviceID,
		ev.IdempotencyKey,
		ev.ServerTS.UTC().Format(time.RFC3339Nano),
		ev.ClientTS.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("failed to insert event %s/%d: %w", ev.FamilyID, ev.Seq, err)
	}

	return nil
}

// MaxSeq returns the highest committed sequence for a family, or 0 if the
// family has no events.
func (s *Store) MaxSeq(ctx context.Context, familyID string) (int64, error) {
	var seq sql.NullInt64
	query := `SELECT MAX(seq) FROM events WHERE family_id = ?`
	if err := s.conn.QueryRowContext(ctx, query, familyID).Scan(&seq); err != nil {
		return 0, fmt.Errorf("failed to query max seq for %s: %w", familyID, err)
	}
	if !seq.Valid {
		return 0, nil
	}
	return seq.Int64, nil
}

// MaxSeqs returns the highest committed sequence per family, for the
// health probe and status reporting.
func (s *Store) MaxSeqs(ctx context.Context) (map[string]int64, error) {
	query := `SELECT family_id, MAX(seq) FROM events GROUP BY family_id`
	rows, err := s.conn.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to query max seqs: %w", err)
	}
	defer rows.Close()

	seqs := make(map[string]int64)
	for rows.Next() {
		var familyID string
		var seq int64
		if err := rows.Scan(&familyID, &seq); err != nil {
			return nil, fmt.Errorf("failed to scan max seq: %w", err)
		}
		seqs[familyID] = seq
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating max seqs: %w", err)
	}
	return seqs, nil
}

// EventsSince returns up to limit events for a family with seq strictly
// greater than after, in ascending seq order. A limit of 0 means no limit.
func (s *Store) EventsSince(ctx context.Context, familyID string, after int64, limit int) ([]event.Event, error) {
	query := `
	SELECT family_id, seq, kind, payload, author_device_id,
	       idempotency_key, server_ts, client_ts
	FROM events
	WHERE family_id = ? AND seq > ?
	ORDER BY seq ASC
	`
	args := []interface{}{familyID, after}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query events for %s: %w", familyID, err)
	}
	defer rows.Close()

	return scanEvents(rows)
}

// EventBySeq fetches a single event. Returns sql.ErrNoRows if absent.
func (s *Store) EventBySeq(ctx context.Context, familyID string, seq int64) (event.Event, error) {
	query := `
	SELECT family_id, seq, kind, payload, author_device_id,
	       idempotency_key, server_ts, client_ts
	FROM events
	WHERE family_id = ? AND seq = ?
	`
	rows, err := s.conn.QueryContext(ctx, query, familyID, seq)
	if err != nil {
		return event.Event{}, fmt.Errorf("failed to query event %s/%d: %w", familyID, seq, err)
	}
	defer rows.Close()

	events, err := scanEvents(rows)
	if err != nil {
		return event.Event{}, err
	}
	if len(events) == 0 {
		return event.Event{}, sql.ErrNoRows
	}
	return events[0], nil
}

// EventCount returns the total number of events across all families.
func (s *Store) EventCount(ctx context.Context) (int, error) {
	var count int
	err := s.conn.QueryRowContext(ctx, "SELECT COUNT(*) FROM events").Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count events: %w", err)
	}
	return count, nil
}

// scanEvents is a helper to scan multiple events from query results.
func scanEvents(rows *sql.Rows) ([]event.Event, error) {
	var events []event.Event

	for rows.Next() {
		var ev event.Event
		var kind, payload, serverTS, clientTS string

		err := rows.Scan(
			&ev.FamilyID,
			&ev.Seq,
			&kind,
			&payload,
			&ev.AuthorDeviceID,
			&ev.IdempotencyKey,
			&serverTS,
			&clientTS,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}

		ev.Kind = event.Kind(kind)
		ev.Payload = []byte(payload)

		if t, err := time.Parse(time.RFC3339Nano, serverTS); err == nil {
			ev.ServerTS = t
		}
		if t, err := time.Parse(time.RFC3339Nano, clientTS); err == nil {
			ev.ClientTS = t
		}

		events = append(events, ev)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating events: %w", err)
	}

	return events, nil
}
