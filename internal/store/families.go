package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// Family is the account-sharing unit. Families are created at onboarding
// (seed import or first sync auto-registration) and never deleted.
type Family struct {
	ID        string
	Name      string
	CreatedAt time.Time
}

// Child belongs to exactly one family.
type Child struct {
	ID        string
	FamilyID  string
	Name      string
	BirthDate *time.Time
}

// EnsureFamily creates the family row if it doesn't exist. Used by device
// auto-registration, where the gateway has already authenticated the
// (device, family) pairing.
func (s *Store) EnsureFamily(ctx context.Context, familyID string) error {
	query := `INSERT OR IGNORE INTO families (id, name, created_at) VALUES (?, '', ?)`
	_, err := s.conn.ExecContext(ctx, query, familyID, time.Now().UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("failed to ensure family %s: %w", familyID, err)
	}
	return nil
}

// UpsertFamily inserts or updates a family.
func (s *Store) UpsertFamily(ctx context.Context, f Family) error {
	if f.ID == "" {
		return fmt.Errorf("family id is required")
	}
	if f.CreatedAt.IsZero() {
		f.CreatedAt = time.Now()
	}

	query := `
	INSERT INTO families (id, name, created_at)
	VALUES (?, ?, ?)
	ON CONFLICT(id) DO UPDATE SET
		name = excluded.name
	`
	_, err := s.conn.ExecContext(ctx, query, f.ID, f.Name, f.CreatedAt.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("failed to upsert family %s: %w", f.ID, err)
	}
	return nil
}

// GetFamily retrieves a family. Returns sql.ErrNoRows if absent.
func (s *Store) GetFamily(ctx context.Context, familyID string) (*Family, error) {
	query := `SELECT id, name, created_at FROM families WHERE id = ?`
	var f Family
	var createdAt string
	err := s.conn.QueryRowContext(ctx, query, familyID).Scan(&f.ID, &f.Name, &createdAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, err
		}
		return nil, fmt.Errorf("failed to get family %s: %w", familyID, err)
	}
	if t, err := time.Parse(time.RFC3339Nano, createdAt); err == nil {
		f.CreatedAt = t
	}
	return &f, nil
}

// ListFamilyIDs returns the ids of all registered families.
func (s *Store) ListFamilyIDs(ctx context.Context) ([]string, error) {
	rows, err := s.conn.QueryContext(ctx, `SELECT id FROM families ORDER BY id ASC`)
	if err != nil {
		return nil, fmt.Errorf("failed to list families: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan family id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating families: %w", err)
	}
	return ids, nil
}

// FamilyCount returns the total number of families.
func (s *Store) FamilyCount(ctx context.Context) (int, error) {
	var count int
	err := s.conn.QueryRowContext(ctx, "SELECT COUNT(*) FROM families").Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count families: %w", err)
	}
	return count, nil
}

// UpsertChild inserts or updates a child.
func (s *Store) UpsertChild(ctx context.Context, c Child) error {
	if c.ID == "" {
		return fmt.Errorf("child id is required")
	}
	if c.FamilyID == "" {
		return fmt.Errorf("family id is required")
	}

	query := `
	INSERT INTO children (id, family_id, name, birth_date)
	VALUES (?, ?, ?, ?)
	ON CONFLICT(id) DO UPDATE SET
		name = excluded.name,
		birth_date = excluded.birth_date
	`
	_, err := s.conn.ExecContext(ctx, query, c.ID, c.FamilyID, c.Name, timeToNullString(c.BirthDate))
	if err != nil {
		return fmt.Errorf("failed to upsert child %s: %w", c.ID, err)
	}
	return nil
}

// ListChildren returns all children of a family.
func (s *Store) ListChildren(ctx context.Context, familyID string) ([]*Child, error) {
	query := `SELECT id, family_id, name, birth_date FROM children WHERE family_id = ? ORDER BY id ASC`
	rows, err := s.conn.QueryContext(ctx, query, familyID)
	if err != nil {
		return nil, fmt.Errorf("failed to query children for %s: %w", familyID, err)
	}
	defer rows.Close()

	var children []*Child
	for rows.Next() {
		var c Child
		var birth sql.NullString
		if err := rows.Scan(&c.ID, &c.FamilyID, &c.Name, &birth); err != nil {
			return nil, fmt.Errorf("failed to scan child: %w", err)
		}
		c.BirthDate = nullStringToTime(birth)
		children = append(children, &c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating children: %w", err)
	}
	return children, nil
}
