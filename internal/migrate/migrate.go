// Package migrate moves family event logs in and out of the database as
// JSONL, one event per line. Export is a portable backup; import
// restores it byte-for-byte, preserving server-assigned sequences.
package migrate

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/hearth-app/hearth/internal/event"
	"github.com/hearth-app/hearth/internal/store"
)

// ExportOptions configures an export run.
type ExportOptions struct {
	// FamilyID restricts the export to one family; empty exports all.
	FamilyID string

	// Output is the JSONL destination path.
	Output string
}

// ExportResult reports export statistics.
type ExportResult struct {
	Families int
	Events   int
}

// ImportOptions configures an import run.
type ImportOptions struct {
	// Input is the JSONL source path.
	Input string

	// DryRun validates the file without writing.
	DryRun bool

	// Backup copies the database file aside before writing.
	Backup bool
}

// ImportResult reports import statistics.
type ImportResult struct {
	Families      int
	Events        int
	BackupCreated string
}

const exportPage = 500

// Export writes events to opts.Output in sequence order, grouped by
// family. The file is written to a temp path and renamed so a failed
// export never leaves a truncated backup behind.
func Export(ctx context.Context, st *store.Store, opts ExportOptions) (*ExportResult, error) {
	families := []string{opts.FamilyID}
	if opts.FamilyID == "" {
		var err error
		families, err = st.ListFamilyIDs(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to list families: %w", err)
		}
	}

	tmpPath := opts.Output + ".tmp"
	f, err := os.OpenFile(tmpPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0600)
	if err != nil {
		return nil, fmt.Errorf("failed to create export file: %w", err)
	}
	defer f.Close()

	result := &ExportResult{}
	encoder := json.NewEncoder(f)
	for _, familyID := range families {
		wrote := false
		after := int64(0)
		for {
			events, err := st.EventsSince(ctx, familyID, after, exportPage)
			if err != nil {
				_ = os.Remove(tmpPath)
				return nil, fmt.Errorf("failed to read events for %s: %w", familyID, err)
			}
			if len(events) == 0 {
				break
			}
			for _, ev := range events {
				if err := encoder.Encode(ev); err != nil {
					_ = os.Remove(tmpPath)
					return nil, fmt.Errorf("failed to encode event %s/%d: %w", familyID, ev.Seq, err)
				}
				result.Events++
				wrote = true
			}
			after = events[len(events)-1].Seq
		}
		if wrote {
			result.Families++
		}
	}

	if err := f.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return nil, fmt.Errorf("failed to flush export: %w", err)
	}
	if err := os.Rename(tmpPath, opts.Output); err != nil {
		_ = os.Remove(tmpPath)
		return nil, fmt.Errorf("failed to finalize export: %w", err)
	}
	return result, nil
}

// ReadJSONL parses an export file, enforcing the log invariants: per
// family, sequences must be gapless and strictly increasing from the
// first line seen.
func ReadJSONL(path string) ([]event.Event, error) {
	// #nosec G304 - controlled path from CLI
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open import file: %w", err)
	}
	defer f.Close()

	var events []event.Event
	lastSeq := make(map[string]int64)
	decoder := json.NewDecoder(f)
	line := 0

	for {
		var ev event.Event
		if err := decoder.Decode(&ev); err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return nil, fmt.Errorf("invalid JSON at line %d: %w", line+1, err)
		}
		line++

		if ev.FamilyID == "" || ev.Seq < 1 || ev.IdempotencyKey == "" {
			return nil, fmt.Errorf("malformed event at line %d", line)
		}
		if prev, ok := lastSeq[ev.FamilyID]; ok && ev.Seq != prev+1 {
			return nil, fmt.Errorf("sequence gap for family %s at line %d: %d after %d",
				ev.FamilyID, line, ev.Seq, prev)
		} else if !ok && ev.Seq != 1 {
			return nil, fmt.Errorf("family %s starts at seq %d, expected 1", ev.FamilyID, ev.Seq)
		}
		lastSeq[ev.FamilyID] = ev.Seq

		events = append(events, ev)
	}

	return events, nil
}

// Import restores an export file into the store. Target families must
// be empty; import never splices into a live log.
func Import(ctx context.Context, st *store.Store, opts ImportOptions) (*ImportResult, error) {
	events, err := ReadJSONL(opts.Input)
	if err != nil {
		return nil, err
	}

	result := &ImportResult{}
	seen := make(map[string]bool)
	for _, ev := range events {
		if !seen[ev.FamilyID] {
			seen[ev.FamilyID] = true
			result.Families++
			max, err := st.MaxSeq(ctx, ev.FamilyID)
			if err != nil {
				return nil, fmt.Errorf("failed to check family %s: %w", ev.FamilyID, err)
			}
			if max > 0 {
				return nil, fmt.Errorf("family %s already has %d events, refusing to import", ev.FamilyID, max)
			}
		}
	}
	result.Events = len(events)

	if opts.DryRun {
		return result, nil
	}

	if opts.Backup {
		backupPath, err := backupDB(st.Path())
		if err != nil {
			return nil, err
		}
		result.BackupCreated = backupPath
	}

	for familyID := range seen {
		if err := st.EnsureFamily(ctx, familyID); err != nil {
			return nil, fmt.Errorf("failed to create family %s: %w", familyID, err)
		}
	}
	for _, ev := range events {
		if err := st.InsertEvent(ctx, ev); err != nil {
			return nil, fmt.Errorf("failed to insert event %s/%d: %w", ev.FamilyID, ev.Seq, err)
		}
	}

	return result, nil
}

func backupDB(dbPath string) (string, error) {
	data, err := os.ReadFile(dbPath)
	if err != nil {
		return "", fmt.Errorf("failed to read database for backup: %w", err)
	}
	backupPath := dbPath + ".backup." + time.Now().Format("20060102-150405")
	if err := os.WriteFile(backupPath, data, 0600); err != nil {
		return "", fmt.Errorf("failed to write backup: %w", err)
	}
	return backupPath, nil
}
