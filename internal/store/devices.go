package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// Device is a registered caregiver device. PushToken is nil until the
// client registers one; LastAckedSeq is the pull-sync cursor and only
// ever moves forward.
type Device struct {
	ID           string
	FamilyID     string
	Platform     string
	PushToken    *string
	LastAckedSeq int64
	LastSeenAt   time.Time
}

// RegisterDevice upserts a device row. Devices are auto-registered on
// first sync; re-registration refreshes platform and last_seen_at but
// never moves the cursor backward or touches the push token.
func (s *Store) RegisterDevice(ctx context.Context, d Device) error {
	if d.ID == "" {
		return fmt.Errorf("device id is required")
	}
	if d.FamilyID == "" {
		return fmt.Errorf("family id is required")
	}

	if d.LastSeenAt.IsZero() {
		d.LastSeenAt = time.Now()
	}

	query := `
	INSERT INTO devices (id, family_id, platform, push_token, last_acked_seq, last_seen_at)
	VALUES (?, ?, ?, NULL, ?, ?)
	ON CONFLICT(id) DO UPDATE SET
		platform = CASE WHEN excluded.platform != '' THEN excluded.platform ELSE devices.platform END,
		last_seen_at = excluded.last_seen_at
	`

	_, err := s.conn.ExecContext(ctx, query,
		d.ID,
		d.FamilyID,
		d.Platform,
		d.LastAckedSeq,
		d.LastSeenAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("failed to register device %s: %w", d.ID, err)
	}

	return nil
}

// GetDevice retrieves a single device. Returns sql.ErrNoRows if absent.
func (s *Store) GetDevice(ctx context.Context, deviceID string) (*Device, error) {
	query := `
	SELECT id, family_id, platform, push_token, last_acked_seq, last_seen_at
	FROM devices
	WHERE id = ?
	`
	row := s.conn.QueryRowContext(ctx, query, deviceID)
	return scanDevice(row)
}

// ListFamilyDevices returns all devices registered to a family.
func (s *Store) ListFamilyDevices(ctx context.Context, familyID string) ([]*Device, error) {
	query := `
	SELECT id, family_id, platform, push_token, last_acked_seq, last_seen_at
	FROM devices
	WHERE family_id = ?
	ORDER BY id ASC
	`
	rows, err := s.conn.QueryContext(ctx, query, familyID)
	if err != nil {
		return nil, fmt.Errorf("failed to query devices for %s: %w", familyID, err)
	}
	defer rows.Close()

	var devices []*Device
	for rows.Next() {
		d, err := scanDevice(rows)
		if err != nil {
			return nil, err
		}
		devices = append(devices, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating devices: %w", err)
	}
	return devices, nil
}

// SetPushToken records the device's push token.
func (s *Store) SetPushToken(ctx context.Context, deviceID, token string) error {
	query := `UPDATE devices SET push_token = ? WHERE id = ?`
	_, err := s.conn.ExecContext(ctx, query, token, deviceID)
	if err != nil {
		return fmt.Errorf("failed to set push token for %s: %w", deviceID, err)
	}
	return nil
}

// ClearPushToken permanently unregisters a device's push token. Called
// when the push provider reports the token invalid. Idempotent.
func (s *Store) ClearPushToken(ctx context.Context, deviceID string) error {
	query := `UPDATE devices SET push_token = NULL WHERE id = ?`
	_, err := s.conn.ExecContext(ctx, query, deviceID)
	if err != nil {
		return fmt.Errorf("failed to clear push token for %s: %w", deviceID, err)
	}
	return nil
}

// AdvanceCursor moves a device's acked cursor forward. Backward moves are
// silently ignored: the cursor lags or equals the family max seq, never
// regresses.
func (s *Store) AdvanceCursor(ctx context.Context, deviceID string, seq int64) error {
	query := `UPDATE devices SET last_acked_seq = ? WHERE id = ? AND last_acked_seq < ?`
	_, err := s.conn.ExecContext(ctx, query, seq, deviceID, seq)
	if err != nil {
		return fmt.Errorf("failed to advance cursor for %s: %w", deviceID, err)
	}
	return nil
}

// DeviceCount returns the total number of registered devices.
func (s *Store) DeviceCount(ctx context.Context) (int, error) {
	var count int
	err := s.conn.QueryRowContext(ctx, "SELECT COUNT(*) FROM devices").Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count devices: %w", err)
	}
	return count, nil
}

// scanner covers both sql.Row and sql.Rows.
type scanner interface {
	Scan(dest ...interface{}) error
}

func scanDevice(row scanner) (*Device, error) {
	var d Device
	var token sql.NullString
	var lastSeen string

	err := row.Scan(&d.ID, &d.FamilyID, &d.Platform, &token, &d.LastAckedSeq, &lastSeen)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, err
		}
		return nil, fmt.Errorf("failed to scan device: %w", err)
	}

	if token.Valid {
		d.PushToken = &token.String
	}
	if t, err := time.Parse(time.RFC3339Nano, lastSeen); err == nil {
		d.LastSeenAt = t
	}

	return &d, nil
}
