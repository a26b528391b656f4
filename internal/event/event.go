// Package event defines the wire and log formats for family state changes.
//
// Every change to a family's schedule or activity feed is recorded as an
// immutable Event with a per-family sequence number assigned by the event
// log at append time. Clients submit Mutations; the server resolves them
// and appends the surviving payload as an Event. The set of event kinds is
// closed so the materializer and resolver can switch exhaustively.
package event

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Kind identifies the type of change an event records.
type Kind string

const (
	// KindScheduleCreate adds a schedule item for a child.
	KindScheduleCreate Kind = "schedule_create"

	// KindScheduleUpdate changes fields of an existing schedule item.
	KindScheduleUpdate Kind = "schedule_update"

	// KindScheduleDelete removes a schedule item. Idempotent: deleting an
	// already-deleted item still commits a no-op event for audit and fan-out.
	KindScheduleDelete Kind = "schedule_delete"

	// KindFeedPost adds an entry to a child's activity feed.
	KindFeedPost Kind = "feed_post"

	// KindFeedPin pins or unpins a feed entry.
	KindFeedPin Kind = "feed_pin"
)

// IsValid reports whether k is one of the known event kinds.
func (k Kind) IsValid() bool {
	switch k {
	case KindScheduleCreate, KindScheduleUpdate, KindScheduleDelete,
		KindFeedPost, KindFeedPin:
		return true
	}
	return false
}

// Event is one committed change to family state. Events are immutable
// once appended; Seq is assigned by the event log and is the sole
// ordering authority within a family.
type Event struct {
	FamilyID string `json:"family_id"`

	// Seq is monotonic, gapless and strictly increasing per family,
	// starting at 1.
	Seq int64 `json:"seq"`

	Kind    Kind            `json:"kind"`
	Payload json.RawMessage `json:"payload"`

	// AuthorDeviceID is the device that submitted the mutation.
	AuthorDeviceID string `json:"author_device_id"`

	// IdempotencyKey is the client-supplied key of the originating
	// mutation, used to detect retransmits after timeouts.
	IdempotencyKey string `json:"idempotency_key"`

	ServerTS time.Time `json:"server_ts"`
	ClientTS time.Time `json:"client_ts"`
}

// Mutation is a client-submitted change proposal. It has no sequence
// number; the server assigns one if (and only if) the mutation survives
// conflict resolution.
type Mutation struct {
	Kind Kind `json:"kind"`

	// IdempotencyKey must be unique per logical mutation and stable
	// across client retries. Required for every kind.
	IdempotencyKey string `json:"idempotency_key"`

	// ClientTS is the device-local authoring timestamp used for
	// field-level last-writer-wins. Receivers must never replace it
	// with server time.
	ClientTS time.Time `json:"client_ts"`

	Payload json.RawMessage `json:"payload"`
}

// Validate checks the mutation envelope. Payload contents are validated
// by the kind-specific Decode helpers.
func (m *Mutation) Validate() error {
	if !m.Kind.IsValid() {
		return fmt.Errorf("unknown mutation kind %q", m.Kind)
	}
	if m.IdempotencyKey == "" {
		return fmt.Errorf("idempotency_key is required")
	}
	if m.ClientTS.IsZero() {
		return fmt.Errorf("client_ts is required")
	}
	if len(m.Payload) == 0 {
		return fmt.Errorf("payload is required")
	}
	return nil
}

// ScheduleCreate is the payload for KindScheduleCreate.
type ScheduleCreate struct {
	ItemID   string    `json:"item_id"`
	ChildID  string    `json:"child_id"`
	Title    string    `json:"title"`
	Notes    string    `json:"notes,omitempty"`
	StartsAt time.Time `json:"starts_at"`
	EndsAt   time.Time `json:"ends_at"`
}

// Validate checks required fields and the time range.
func (p *ScheduleCreate) Validate() error {
	if p.ItemID == "" {
		return fmt.Errorf("item_id is required")
	}
	if p.ChildID == "" {
		return fmt.Errorf("child_id is required")
	}
	if p.Title == "" {
		return fmt.Errorf("title is required")
	}
	if p.StartsAt.IsZero() || p.EndsAt.IsZero() {
		return fmt.Errorf("starts_at and ends_at are required")
	}
	if !p.EndsAt.After(p.StartsAt) {
		return fmt.Errorf("ends_at must be after starts_at")
	}
	return nil
}

// ScheduleUpdate is the payload for KindScheduleUpdate. Pointer fields
// mark which fields the client touched; nil fields are untouched and
// never participate in conflict resolution. When the resolver drops a
// stale field, the committed event carries the reduced payload so that
// refolding the log reproduces the live projection exactly.
type ScheduleUpdate struct {
	ItemID   string     `json:"item_id"`
	Title    *string    `json:"title,omitempty"`
	Notes    *string    `json:"notes,omitempty"`
	StartsAt *time.Time `json:"starts_at,omitempty"`
	EndsAt   *time.Time `json:"ends_at,omitempty"`
}

// Validate checks required fields and that at least one field is touched.
func (p *ScheduleUpdate) Validate() error {
	if p.ItemID == "" {
		return fmt.Errorf("item_id is required")
	}
	if len(p.TouchedFields()) == 0 {
		return fmt.Errorf("update touches no fields")
	}
	if p.StartsAt != nil && p.EndsAt != nil && !p.EndsAt.After(*p.StartsAt) {
		return fmt.Errorf("ends_at must be after starts_at")
	}
	return nil
}

// Schedule item field names as reported in sync responses when a stale
// field is dropped.
const (
	FieldTitle    = "title"
	FieldNotes    = "notes"
	FieldStartsAt = "starts_at"
	FieldEndsAt   = "ends_at"
)

// TouchedFields returns the names of the fields this update carries,
// in a fixed order.
func (p *ScheduleUpdate) TouchedFields() []string {
	var fields []string
	if p.Title != nil {
		fields = append(fields, FieldTitle)
	}
	if p.Notes != nil {
		fields = append(fields, FieldNotes)
	}
	if p.StartsAt != nil {
		fields = append(fields, FieldStartsAt)
	}
	if p.EndsAt != nil {
		fields = append(fields, FieldEndsAt)
	}
	return fields
}

// Drop returns a copy of the update without the named fields. Used by
// the resolver to strip stale fields before the event is committed.
func (p *ScheduleUpdate) Drop(fields []string) *ScheduleUpdate {
	out := *p
	for _, f := range fields {
		switch f {
		case FieldTitle:
			out.Title = nil
		case FieldNotes:
			out.Notes = nil
		case FieldStartsAt:
			out.StartsAt = nil
		case FieldEndsAt:
			out.EndsAt = nil
		}
	}
	return &out
}

// ScheduleDelete is the payload for KindScheduleDelete.
type ScheduleDelete struct {
	ItemID string `json:"item_id"`
}

// Validate checks required fields.
func (p *ScheduleDelete) Validate() error {
	if p.ItemID == "" {
		return fmt.Errorf("item_id is required")
	}
	return nil
}

// FeedPost is the payload for KindFeedPost.
type FeedPost struct {
	ItemID  string `json:"item_id"`
	ChildID string `json:"child_id"`
	Body    string `json:"body"`
}

// Validate checks required fields.
func (p *FeedPost) Validate() error {
	if p.ItemID == "" {
		return fmt.Errorf("item_id is required")
	}
	if p.ChildID == "" {
		return fmt.Errorf("child_id is required")
	}
	if p.Body == "" {
		return fmt.Errorf("body is required")
	}
	return nil
}

// FeedPin is the payload for KindFeedPin. Pinned false unpins.
type FeedPin struct {
	ItemID string `json:"item_id"`
	Pinned bool   `json:"pinned"`
}

// Validate checks required fields.
func (p *FeedPin) Validate() error {
	if p.ItemID == "" {
		return fmt.Errorf("item_id is required")
	}
	return nil
}

// DecodePayload unmarshals and validates the kind-specific payload of a
// mutation or event. The returned value is one of *ScheduleCreate,
// *ScheduleUpdate, *ScheduleDelete, *FeedPost, *FeedPin.
func DecodePayload(kind Kind, raw json.RawMessage) (interface{}, error) {
	switch kind {
	case KindScheduleCreate:
		var p ScheduleCreate
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, fmt.Errorf("failed to decode %s payload: %w", kind, err)
		}
		if err := p.Validate(); err != nil {
			return nil, fmt.Errorf("invalid %s payload: %w", kind, err)
		}
		return &p, nil
	case KindScheduleUpdate:
		var p ScheduleUpdate
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, fmt.Errorf("failed to decode %s payload: %w", kind, err)
		}
		if err := p.Validate(); err != nil {
			return nil, fmt.Errorf("invalid %s payload: %w", kind, err)
		}
		return &p, nil
	case KindScheduleDelete:
		var p ScheduleDelete
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, fmt.Errorf("failed to decode %s payload: %w", kind, err)
		}
		if err := p.Validate(); err != nil {
			return nil, fmt.Errorf("invalid %s payload: %w", kind, err)
		}
		return &p, nil
	case KindFeedPost:
		var p FeedPost
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, fmt.Errorf("failed to decode %s payload: %w", kind, err)
		}
		if err := p.Validate(); err != nil {
			return nil, fmt.Errorf("invalid %s payload: %w", kind, err)
		}
		return &p, nil
	case KindFeedPin:
		var p FeedPin
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, fmt.Errorf("failed to decode %s payload: %w", kind, err)
		}
		if err := p.Validate(); err != nil {
			return nil, fmt.Errorf("invalid %s payload: %w", kind, err)
		}
		return &p, nil
	default:
		return nil, fmt.Errorf("unknown event kind %q", kind)
	}
}

// MarshalPayload is the inverse of DecodePayload for building mutations
// and events programmatically.
func MarshalPayload(p interface{}) (json.RawMessage, error) {
	data, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal payload: %w", err)
	}
	return data, nil
}

// NewID returns a fresh entity identifier. Schedule items, feed items,
// devices and families all use the same format.
func NewID() string {
	return uuid.NewString()
}
