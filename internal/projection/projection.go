// Package projection materializes the event log into current-state views.
//
// A Family projection is a pure fold over the family's events: folding
// from any snapshot plus the remaining log tail yields the same terminal
// state as folding from sequence 0. Projections are derived and
// rebuildable at any time; the log, not the projection, is authoritative.
//
// The projection doubles as the conflict resolver's baseline: each entity
// records the client timestamp that last wrote each field, and the family
// records every idempotency key it has folded.
package projection

import (
	"context"
	"fmt"
	"time"

	"github.com/hearth-app/hearth/internal/event"
)

// ScheduleItem is the materialized state of one schedule entry.
type ScheduleItem struct {
	ID       string    `json:"id"`
	ChildID  string    `json:"child_id"`
	Title    string    `json:"title"`
	Notes    string    `json:"notes,omitempty"`
	StartsAt time.Time `json:"starts_at"`
	EndsAt   time.Time `json:"ends_at"`

	// Deleted items stay as tombstones so late updates resolve as
	// not_found instead of resurrecting the item.
	Deleted bool `json:"deleted,omitempty"`

	// FieldTS records the client timestamp that last wrote each field,
	// the baseline for field-level last-writer-wins.
	FieldTS map[string]time.Time `json:"field_ts"`

	// LastEventSeq is the sequence of the event that last touched this
	// item. Never exceeds the log's highest committed sequence.
	LastEventSeq int64 `json:"last_event_seq"`
}

// FeedItem is the materialized state of one activity feed entry.
type FeedItem struct {
	ID             string    `json:"id"`
	ChildID        string    `json:"child_id"`
	AuthorDeviceID string    `json:"author_device_id"`
	Body           string    `json:"body"`
	Pinned         bool      `json:"pinned"`
	CreatedTS      time.Time `json:"created_ts"`
	PinTS          time.Time `json:"pin_ts,omitempty"`
	LastEventSeq   int64     `json:"last_event_seq"`
}

// Family is the full materialized state for one family.
type Family struct {
	FamilyID string
	Schedule map[string]*ScheduleItem
	Feed     map[string]*FeedItem

	// Seen maps every folded idempotency key to the sequence of the
	// event that committed it, for duplicate detection and for
	// recovering the outcome of an ambiguously timed-out append.
	Seen map[string]int64

	// LastSeq is the sequence of the last folded event.
	LastSeq int64
}

// NewFamily returns an empty projection for a family.
func NewFamily(familyID string) *Family {
	return &Family{
		FamilyID: familyID,
		Schedule: make(map[string]*ScheduleItem),
		Feed:     make(map[string]*FeedItem),
		Seen:     make(map[string]int64),
	}
}

// Apply folds one event into the projection. The fold is deterministic:
// the same event order always produces the same state, which is what
// makes full rebuilds cheap and replays exact.
//
// Events below or at LastSeq are skipped, so replays after a partial
// catch-up are harmless.
func (f *Family) Apply(ev event.Event) error {
	if ev.Seq <= f.LastSeq {
		return nil
	}

	payload, err := event.DecodePayload(ev.Kind, ev.Payload)
	if err != nil {
		return fmt.Errorf("event %s/%d: %w", ev.FamilyID, ev.Seq, err)
	}

	switch p := payload.(type) {
	case *event.ScheduleCreate:
		f.applyScheduleCreate(ev, p)
	case *event.ScheduleUpdate:
		f.applyScheduleUpdate(ev, p)
	case *event.ScheduleDelete:
		f.applyScheduleDelete(ev, p)
	case *event.FeedPost:
		f.applyFeedPost(ev, p)
	case *event.FeedPin:
		f.applyFeedPin(ev, p)
	}

	if ev.IdempotencyKey != "" {
		f.Seen[ev.IdempotencyKey] = ev.Seq
	}
	f.LastSeq = ev.Seq
	return nil
}

func (f *Family) applyScheduleCreate(ev event.Event, p *event.ScheduleCreate) {
	if _, exists := f.Schedule[p.ItemID]; exists {
		return
	}
	item := &ScheduleItem{
		ID:           p.ItemID,
		ChildID:      p.ChildID,
		Title:        p.Title,
		Notes:        p.Notes,
		StartsAt:     p.StartsAt,
		EndsAt:       p.EndsAt,
		FieldTS:      make(map[string]time.Time),
		LastEventSeq: ev.Seq,
	}
	for _, field := range []string{event.FieldTitle, event.FieldNotes, event.FieldStartsAt, event.FieldEndsAt} {
		item.FieldTS[field] = ev.ClientTS
	}
	f.Schedule[p.ItemID] = item
}

func (f *Family) applyScheduleUpdate(ev event.Event, p *event.ScheduleUpdate) {
	item, exists := f.Schedule[p.ItemID]
	if !exists || item.Deleted {
		// Delete wins over update; nothing to fold.
		return
	}

	// Same last-writer-wins rule the resolver uses: strictly newer
	// client timestamps win per field. The resolver already strips
	// stale fields from committed payloads, so on the live path this
	// check is a no-op; on refolds it keeps the fold associative.
	apply := func(field string, set func()) {
		if ev.ClientTS.After(item.FieldTS[field]) {
			set()
			item.FieldTS[field] = ev.ClientTS
		}
	}
	if p.Title != nil {
		apply(event.FieldTitle, func() { item.Title = *p.Title })
	}
	if p.Notes != nil {
		apply(event.FieldNotes, func() { item.Notes = *p.Notes })
	}
	if p.StartsAt != nil {
		apply(event.FieldStartsAt, func() { item.StartsAt = *p.StartsAt })
	}
	if p.EndsAt != nil {
		apply(event.FieldEndsAt, func() { item.EndsAt = *p.EndsAt })
	}
	item.LastEventSeq = ev.Seq
}

func (f *Family) applyScheduleDelete(ev event.Event, p *event.ScheduleDelete) {
	item, exists := f.Schedule[p.ItemID]
	if !exists {
		// Delete of an unknown item still folds to a tombstone so a
		// later out-of-order update cannot create a ghost item.
		f.Schedule[p.ItemID] = &ScheduleItem{
			ID:           p.ItemID,
			Deleted:      true,
			FieldTS:      make(map[string]time.Time),
			LastEventSeq: ev.Seq,
		}
		return
	}
	item.Deleted = true
	item.LastEventSeq = ev.Seq
}

func (f *Family) applyFeedPost(ev event.Event, p *event.FeedPost) {
	if _, exists := f.Feed[p.ItemID]; exists {
		return
	}
	f.Feed[p.ItemID] = &FeedItem{
		ID:             p.ItemID,
		ChildID:        p.ChildID,
		AuthorDeviceID: ev.AuthorDeviceID,
		Body:           p.Body,
		CreatedTS:      ev.ClientTS,
		LastEventSeq:   ev.Seq,
	}
}

func (f *Family) applyFeedPin(ev event.Event, p *event.FeedPin) {
	item, exists := f.Feed[p.ItemID]
	if !exists {
		return
	}
	// Last writer wins on the pin flag.
	if ev.ClientTS.After(item.PinTS) {
		item.Pinned = p.Pinned
		item.PinTS = ev.ClientTS
	}
	item.LastEventSeq = ev.Seq
}

// OverlapConflict reports the id of an unexpired, undeleted schedule item
// for the same child whose time range intersects [startsAt, endsAt),
// excluding excludeID. Returns "" if there is no conflict. now defines
// "unexpired": items that already ended do not block new bookings.
func (f *Family) OverlapConflict(childID string, startsAt, endsAt time.Time, excludeID string, now time.Time) string {
	for _, item := range f.Schedule {
		if item.ID == excludeID || item.Deleted || item.ChildID != childID {
			continue
		}
		if !item.EndsAt.After(now) {
			continue
		}
		if item.StartsAt.Before(endsAt) && startsAt.Before(item.EndsAt) {
			return item.ID
		}
	}
	return ""
}

// ScheduleFor returns the item, including tombstones, or nil.
func (f *Family) ScheduleFor(itemID string) *ScheduleItem {
	return f.Schedule[itemID]
}

// FeedFor returns the feed item or nil.
func (f *Family) FeedFor(itemID string) *FeedItem {
	return f.Feed[itemID]
}

// Reader is the slice of the event log the materializer needs.
type Reader interface {
	ReadSince(ctx context.Context, familyID string, fromSeq int64, limit int) ([]event.Event, error)
}

// Rebuild refolds a family projection from sequence 0 by paging through
// the full log. Used after storage recovery and on first touch of a
// family after process start.
func Rebuild(ctx context.Context, log Reader, familyID string) (*Family, error) {
	f := NewFamily(familyID)
	if err := CatchUp(ctx, log, f); err != nil {
		return nil, err
	}
	return f, nil
}

// CatchUp folds the log tail after f.LastSeq into f. Because the fold is
// associative, catching up from any snapshot converges to the same state
// as a full rebuild.
func CatchUp(ctx context.Context, log Reader, f *Family) error {
	for {
		page, err := log.ReadSince(ctx, f.FamilyID, f.LastSeq, 0)
		if err != nil {
			return fmt.Errorf("failed to read log tail for %s: %w", f.FamilyID, err)
		}
		if len(page) == 0 {
			return nil
		}
		for _, ev := range page {
			if err := f.Apply(ev); err != nil {
				return err
			}
		}
	}
}
