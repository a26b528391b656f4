// Package eventlog implements the append-only, per-family sequenced
// mutation log, the source of truth for all family state.
//
// Appends for one family are strictly serialized behind a per-family
// mutex so sequence numbers come out gapless and strictly increasing.
// Different families append independently and concurrently; there is no
// global lock. The per-family highest-sequence counter is owned here
// exclusively and never cached by callers.
package eventlog

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/hearth-app/hearth/internal/event"
	"github.com/hearth-app/hearth/internal/store"
)

// NoPrecondition disables the optimistic sequence check on Append.
const NoPrecondition int64 = -1

// Config holds event log tuning knobs.
type Config struct {
	// OpTimeout bounds each storage operation. A deadline hit maps to
	// ErrStorageUnavailable, never to an ambiguous partial success.
	OpTimeout time.Duration

	// PageLimit is the default page size for ReadSince when the caller
	// passes limit <= 0.
	PageLimit int
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		OpTimeout: 5 * time.Second,
		PageLimit: 200,
	}
}

// Log is the event log store. Safe for concurrent use.
type Log struct {
	store  *store.Store
	config *Config

	// familyMu serializes appends per family.
	familyMu   map[string]*sync.Mutex
	familyMuMu sync.Mutex
}

// New creates an event log over an opened, schema-initialized store.
func New(st *store.Store, config *Config) *Log {
	if config == nil {
		config = DefaultConfig()
	}
	return &Log{
		store:    st,
		config:   config,
		familyMu: make(map[string]*sync.Mutex),
	}
}

// lockFamily returns the mutex serializing appends for one family,
// creating it on first use.
func (l *Log) lockFamily(familyID string) *sync.Mutex {
	l.familyMuMu.Lock()
	defer l.familyMuMu.Unlock()

	mu, ok := l.familyMu[familyID]
	if !ok {
		mu = &sync.Mutex{}
		l.familyMu[familyID] = mu
	}
	return mu
}

// Append assigns the next sequence number to proposed and commits it.
//
// The proposed event's Seq and ServerTS are overwritten here; clients
// never assign sequence numbers. If baseSeq is not NoPrecondition and the
// family's current sequence has moved past it, Append fails with
// ErrConflict and commits nothing; the caller re-resolves against the
// refreshed projection and retries.
func (l *Log) Append(ctx context.Context, familyID string, proposed event.Event, baseSeq int64) (event.Event, error) {
	mu := l.lockFamily(familyID)
	mu.Lock()
	defer mu.Unlock()

	opCtx, cancel := context.WithTimeout(ctx, l.config.OpTimeout)
	defer cancel()

	current, err := l.store.MaxSeq(opCtx, familyID)
	if err != nil {
		return event.Event{}, l.mapStorageErr("read current seq", err)
	}

	if baseSeq != NoPrecondition && current != baseSeq {
		return event.Event{}, fmt.Errorf("family %s at seq %d, resolved against %d: %w",
			familyID, current, baseSeq, ErrConflict)
	}

	proposed.FamilyID = familyID
	proposed.Seq = current + 1
	proposed.ServerTS = time.Now().UTC()

	if err := l.store.InsertEvent(opCtx, proposed); err != nil {
		if isUniqueViolation(err) {
			// The seq slot is ours under the family mutex, so a unique
			// violation can only be the idempotency index: this logical
			// mutation already committed in an earlier call.
			return event.Event{}, fmt.Errorf("event %s/%s: %w",
				familyID, proposed.IdempotencyKey, ErrDuplicate)
		}
		return event.Event{}, l.mapStorageErr("insert event", err)
	}

	return proposed, nil
}

// ReadSince returns events with seq strictly greater than fromSeq, in
// ascending order, at most limit per call (the configured page limit when
// limit <= 0). Callers page until a short page.
func (l *Log) ReadSince(ctx context.Context, familyID string, fromSeq int64, limit int) ([]event.Event, error) {
	if limit <= 0 {
		limit = l.config.PageLimit
	}

	opCtx, cancel := context.WithTimeout(ctx, l.config.OpTimeout)
	defer cancel()

	events, err := l.store.EventsSince(opCtx, familyID, fromSeq, limit)
	if err != nil {
		return nil, l.mapStorageErr("read events", err)
	}
	return events, nil
}

// ReadAll pages through the full log tail after fromSeq. Used for
// projection rebuilds and export tooling, not for client deltas.
func (l *Log) ReadAll(ctx context.Context, familyID string, fromSeq int64) ([]event.Event, error) {
	var all []event.Event
	cursor := fromSeq
	for {
		page, err := l.ReadSince(ctx, familyID, cursor, 0)
		if err != nil {
			return nil, err
		}
		all = append(all, page...)
		if len(page) < l.config.PageLimit {
			return all, nil
		}
		cursor = page[len(page)-1].Seq
	}
}

// CurrentSeq returns the family's highest committed sequence, 0 if none.
func (l *Log) CurrentSeq(ctx context.Context, familyID string) (int64, error) {
	opCtx, cancel := context.WithTimeout(ctx, l.config.OpTimeout)
	defer cancel()

	seq, err := l.store.MaxSeq(opCtx, familyID)
	if err != nil {
		return 0, l.mapStorageErr("read current seq", err)
	}
	return seq, nil
}

// mapStorageErr folds driver and deadline errors into the retryable
// ErrStorageUnavailable sentinel.
func (l *Log) mapStorageErr(op string, err error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return fmt.Errorf("%s timed out: %w", op, ErrStorageUnavailable)
	}
	return fmt.Errorf("%s: %v: %w", op, err, ErrStorageUnavailable)
}

// isUniqueViolation detects a SQLite unique-constraint failure. Both the
// embedded and libSQL drivers surface the constraint name in the message.
func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}
