// Package coordinator serves the client sync protocol.
//
// A sync call ingests a device's queued mutations, runs each through the
// conflict resolver against the family's live projection, appends the
// survivors to the event log, and returns the delta since the client's
// cursor. The coordinator is stateless across calls: everything durable
// lives in the log, and the in-memory projections are rebuildable caches.
//
// Within one family, resolution and append are serialized; calls for
// different families never block each other. Committed events are handed
// to fan-out subscribers after the append commits, off the append's
// critical path.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	"golang.org/x/mod/semver"

	"github.com/hearth-app/hearth/internal/event"
	"github.com/hearth-app/hearth/internal/eventlog"
	"github.com/hearth-app/hearth/internal/projection"
	"github.com/hearth-app/hearth/internal/resolve"
	"github.com/hearth-app/hearth/internal/store"
)

// ErrUpgradeRequired is returned when the client's protocol version is
// older than the configured minimum. The client must update before
// syncing again.
var ErrUpgradeRequired = errors.New("client upgrade required")

// Mutation statuses reported per request slot.
const (
	StatusApplied  = "applied"
	StatusRejected = "rejected"
	StatusMerged   = "merged"

	// StatusBusy means the bounded conflict-retry budget ran out under
	// heavy concurrent writes. The client retries the mutation; the
	// idempotency key makes the retry safe.
	StatusBusy = "busy"
)

// Request is one sync call from a device.
type Request struct {
	DeviceID string `json:"device_id"`
	FamilyID string `json:"family_id"`

	// LastAckedSeq is the client's cursor: the highest event sequence
	// it has consumed. The delta starts after it.
	LastAckedSeq int64 `json:"last_acked_seq"`

	// AckSeq confirms receipt of the cursor returned by the previous
	// response. Zero means nothing new to acknowledge.
	AckSeq int64 `json:"ack_seq,omitempty"`

	Platform      string           `json:"platform,omitempty"`
	ClientVersion string           `json:"client_version,omitempty"`
	PushToken     string           `json:"push_token,omitempty"`
	Mutations     []event.Mutation `json:"mutations,omitempty"`
}

// MutationResult reports the outcome of one submitted mutation, in
// submission order, even though server sequences interleave with other
// devices' concurrent writes.
type MutationResult struct {
	Status string `json:"status"`

	// Seq is the committed sequence for applied and merged outcomes
	// that produced an event.
	Seq int64 `json:"seq,omitempty"`

	// Reason and ConflictingID detail rejections.
	Reason        string `json:"reason,omitempty"`
	ConflictingID string `json:"conflicting_id,omitempty"`

	// DroppedFields lists fields discarded as stale on a merge, so the
	// client can refresh instead of believing its write stuck.
	DroppedFields []string `json:"dropped_fields,omitempty"`
}

// Response is the sync reply.
type Response struct {
	// CursorInvalid tells the client its cursor is ahead of the server
	// log and it must resync from 0.
	CursorInvalid bool `json:"cursor_invalid,omitempty"`

	Results []MutationResult `json:"results,omitempty"`

	// Delta ships the committed events after the client's cursor. The
	// client refolds them with the same logic the server uses.
	Delta []event.Event `json:"delta,omitempty"`

	// NewCursor is the client's next cursor; acknowledged via AckSeq on
	// the next call (at-least-once delivery toward the client).
	NewCursor int64 `json:"new_cursor"`

	// HasMore signals a capped delta; the client syncs again from
	// NewCursor to keep paging.
	HasMore bool `json:"has_more,omitempty"`
}

// Config holds coordinator tuning knobs.
type Config struct {
	// MaxAppendRetries bounds re-resolution when a concurrent append
	// invalidates the resolver's baseline.
	MaxAppendRetries int

	// DeltaLimit caps events per response; clients page via HasMore.
	DeltaLimit int

	// MinClientVersion rejects older clients when non-empty. Semver,
	// with or without the leading v. Adjustable at runtime.
	MinClientVersion string

	// Logger for coordinator activity
	Logger *log.Logger
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		MaxAppendRetries: 3,
		DeltaLimit:       500,
		Logger:           log.New(os.Stderr, "[coordinator] ", log.LstdFlags),
	}
}

// EventLog is the slice of the append log the coordinator drives. The
// production implementation is *eventlog.Log; tests wrap it to inject
// storage failures.
type EventLog interface {
	Append(ctx context.Context, familyID string, proposed event.Event, baseSeq int64) (event.Event, error)
	ReadSince(ctx context.Context, familyID string, fromSeq int64, limit int) ([]event.Event, error)
}

// familyState is the per-family serialization unit: the cached projection
// plus the mutex that orders resolution for the family.
type familyState struct {
	mu   sync.Mutex
	proj *projection.Family
}

// Coordinator implements the sync operation.
type Coordinator struct {
	log    EventLog
	store  *store.Store
	config *Config

	families   map[string]*familyState
	familiesMu sync.Mutex

	hooks   []func(event.Event)
	hooksMu sync.RWMutex

	minVersion   string
	minVersionMu sync.RWMutex
}

// New creates a coordinator over an opened log and store.
func New(l EventLog, st *store.Store, config *Config) *Coordinator {
	if config == nil {
		config = DefaultConfig()
	}
	if config.Logger == nil {
		config.Logger = log.New(os.Stderr, "[coordinator] ", log.LstdFlags)
	}
	return &Coordinator{
		log:        l,
		store:      st,
		config:     config,
		families:   make(map[string]*familyState),
		minVersion: config.MinClientVersion,
	}
}

// OnEventCommitted registers a fan-out hook invoked for every committed
// event, after the append. Hooks must not block: the realtime hub and
// push enqueuer both hand off to their own workers.
func (c *Coordinator) OnEventCommitted(fn func(event.Event)) {
	c.hooksMu.Lock()
	defer c.hooksMu.Unlock()
	c.hooks = append(c.hooks, fn)
}

// SetMinClientVersion adjusts the version floor at runtime (config
// hot-reload).
func (c *Coordinator) SetMinClientVersion(v string) {
	c.minVersionMu.Lock()
	defer c.minVersionMu.Unlock()
	c.minVersion = v
}

func (c *Coordinator) emit(ev event.Event) {
	c.hooksMu.RLock()
	hooks := c.hooks
	c.hooksMu.RUnlock()
	for _, fn := range hooks {
		fn(ev)
	}
}

// family returns the serialization unit for a family, creating it on
// first touch.
func (c *Coordinator) family(familyID string) *familyState {
	c.familiesMu.Lock()
	defer c.familiesMu.Unlock()

	fs, ok := c.families[familyID]
	if !ok {
		fs = &familyState{}
		c.families[familyID] = fs
	}
	return fs
}

// Sync executes one sync call. Storage failures return an error wrapping
// eventlog.ErrStorageUnavailable, which the transport surfaces as
// retryable; mutations appended before the failure remain committed.
func (c *Coordinator) Sync(ctx context.Context, req Request) (*Response, error) {
	if req.DeviceID == "" || req.FamilyID == "" {
		return nil, fmt.Errorf("device_id and family_id are required")
	}
	if err := c.checkClientVersion(req.ClientVersion); err != nil {
		return nil, err
	}

	if err := c.registerDevice(ctx, req); err != nil {
		return nil, err
	}

	fs := c.family(req.FamilyID)
	fs.mu.Lock()
	defer fs.mu.Unlock()

	if err := c.catchUp(ctx, fs, req.FamilyID); err != nil {
		return nil, err
	}

	// A device claiming a cursor past the log has corrupted state; it
	// must resync from 0.
	if req.LastAckedSeq > fs.proj.LastSeq {
		c.config.Logger.Printf("device %s cursor %d ahead of family %s seq %d",
			req.DeviceID, req.LastAckedSeq, req.FamilyID, fs.proj.LastSeq)
		return &Response{CursorInvalid: true}, nil
	}

	resp := &Response{}
	for _, m := range req.Mutations {
		result, err := c.processMutation(ctx, fs, req, m)
		if err != nil {
			return nil, err
		}
		resp.Results = append(resp.Results, result)
	}

	delta, err := c.log.ReadSince(ctx, req.FamilyID, req.LastAckedSeq, c.config.DeltaLimit)
	if err != nil {
		return nil, fmt.Errorf("failed to read delta: %w", err)
	}
	resp.Delta = delta
	resp.NewCursor = req.LastAckedSeq
	if len(delta) > 0 {
		resp.NewCursor = delta[len(delta)-1].Seq
	}
	resp.HasMore = resp.NewCursor < fs.proj.LastSeq

	// The previous response's cursor is confirmed only now: at-least-once
	// delivery toward the client, replays detectable via stable seqs.
	// The ack is clamped to the log head so a buggy client can never
	// store a cursor past it.
	if req.AckSeq > 0 {
		ack := req.AckSeq
		if ack > fs.proj.LastSeq {
			c.config.Logger.Printf("device %s acked %d past family %s seq %d",
				req.DeviceID, ack, req.FamilyID, fs.proj.LastSeq)
			ack = fs.proj.LastSeq
		}
		if ack > 0 {
			if err := c.store.AdvanceCursor(ctx, req.DeviceID, ack); err != nil {
				c.config.Logger.Printf("failed to advance cursor for %s: %v", req.DeviceID, err)
			}
		}
	}

	return resp, nil
}

// processMutation resolves and appends one mutation, re-resolving a
// bounded number of times when a concurrent append moves the baseline.
func (c *Coordinator) processMutation(ctx context.Context, fs *familyState, req Request, m event.Mutation) (MutationResult, error) {
	if err := m.Validate(); err != nil {
		return MutationResult{Status: StatusRejected, Reason: resolve.ReasonInvalid}, nil
	}

	for attempt := 0; attempt <= c.config.MaxAppendRetries; attempt++ {
		decision := resolve.Resolve(m, fs.proj, time.Now().UTC())

		switch decision.Outcome {
		case resolve.OutcomeRejected:
			return MutationResult{
				Status:        StatusRejected,
				Reason:        decision.Reason,
				ConflictingID: decision.ConflictingID,
			}, nil

		case resolve.OutcomeMerged:
			if decision.Payload == nil {
				// Everything stale: report the merge, append nothing.
				return MutationResult{
					Status:        StatusMerged,
					DroppedFields: decision.DroppedFields,
				}, nil
			}
		}

		proposed := event.Event{
			Kind:           m.Kind,
			Payload:        decision.Payload,
			AuthorDeviceID: req.DeviceID,
			IdempotencyKey: m.IdempotencyKey,
			ClientTS:       m.ClientTS,
		}

		committed, err := c.log.Append(ctx, req.FamilyID, proposed, fs.proj.LastSeq)
		if err == nil {
			if applyErr := fs.proj.Apply(committed); applyErr != nil {
				c.config.Logger.Printf("fold of committed event %s/%d failed: %v",
					committed.FamilyID, committed.Seq, applyErr)
			}
			c.emit(committed)

			result := MutationResult{Status: StatusApplied, Seq: committed.Seq}
			if decision.Outcome == resolve.OutcomeMerged {
				result.Status = StatusMerged
				result.DroppedFields = decision.DroppedFields
			}
			return result, nil
		}

		switch {
		case errors.Is(err, eventlog.ErrDuplicate):
			// Retransmit raced us to the log; same shape as a resolver
			// duplicate.
			return MutationResult{Status: StatusRejected, Reason: resolve.ReasonDuplicate}, nil

		case errors.Is(err, eventlog.ErrConflict):
			// Someone else committed between resolve and append.
			// Refresh the baseline and re-resolve.
			if err := c.catchUp(ctx, fs, req.FamilyID); err != nil {
				return MutationResult{}, err
			}
			continue

		case errors.Is(err, eventlog.ErrStorageUnavailable):
			// A timed-out append is ambiguous: re-read the log tail to
			// learn whether it landed before giving up, so a client
			// retry can't double-append. The projection records the
			// committing seq per key, which may sit below the head when
			// a concurrent writer landed after us.
			if cerr := c.catchUp(ctx, fs, req.FamilyID); cerr == nil {
				if seq, landed := fs.proj.Seen[m.IdempotencyKey]; landed {
					return MutationResult{Status: StatusApplied, Seq: seq}, nil
				}
			}
			return MutationResult{}, fmt.Errorf("append failed: %w", err)

		default:
			return MutationResult{}, fmt.Errorf("append failed: %w", err)
		}
	}

	c.config.Logger.Printf("mutation %s for family %s exhausted %d conflict retries",
		m.IdempotencyKey, req.FamilyID, c.config.MaxAppendRetries)
	return MutationResult{Status: StatusBusy}, nil
}

// catchUp folds the log tail into the family's cached projection,
// rebuilding from 0 on first touch.
func (c *Coordinator) catchUp(ctx context.Context, fs *familyState, familyID string) error {
	if fs.proj == nil {
		fs.proj = projection.NewFamily(familyID)
	}
	if err := projection.CatchUp(ctx, c.log, fs.proj); err != nil {
		return fmt.Errorf("failed to refresh projection for %s: %w", familyID, err)
	}
	return nil
}

// registerDevice auto-registers the calling device and records its push
// token if the client sent one. Unknown devices are created on their
// first call; there is no separate enrollment step.
func (c *Coordinator) registerDevice(ctx context.Context, req Request) error {
	if err := c.store.EnsureFamily(ctx, req.FamilyID); err != nil {
		return fmt.Errorf("%v: %w", err, eventlog.ErrStorageUnavailable)
	}
	d := store.Device{
		ID:           req.DeviceID,
		FamilyID:     req.FamilyID,
		Platform:     req.Platform,
		LastAckedSeq: 0,
		LastSeenAt:   time.Now(),
	}
	if err := c.store.RegisterDevice(ctx, d); err != nil {
		return fmt.Errorf("%v: %w", err, eventlog.ErrStorageUnavailable)
	}
	if req.PushToken != "" {
		if err := c.store.SetPushToken(ctx, req.DeviceID, req.PushToken); err != nil {
			c.config.Logger.Printf("failed to record push token for %s: %v", req.DeviceID, err)
		}
	}
	return nil
}

func (c *Coordinator) checkClientVersion(clientVersion string) error {
	c.minVersionMu.RLock()
	min := c.minVersion
	c.minVersionMu.RUnlock()

	if min == "" || clientVersion == "" {
		return nil
	}
	if semver.Compare(canonicalVersion(clientVersion), canonicalVersion(min)) < 0 {
		return fmt.Errorf("client %s below minimum %s: %w", clientVersion, min, ErrUpgradeRequired)
	}
	return nil
}

func canonicalVersion(v string) string {
	if len(v) > 0 && v[0] != 'v' {
		return "v" + v
	}
	return v
}
