package coordinator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/hearth-app/hearth/internal/event"
	"github.com/hearth-app/hearth/internal/eventlog"
	"github.com/hearth-app/hearth/internal/projection"
	"github.com/hearth-app/hearth/internal/store"
)

var base = time.Date(2026, 8, 1, 9, 0, 0, 0, time.UTC)

func testCoordinator(t *testing.T) (*Coordinator, *store.Store) {
	t.Helper()

	s, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("store.Open() failed: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })

	if err := s.InitSchema(context.Background()); err != nil {
		t.Fatalf("InitSchema() failed: %v", err)
	}

	l := eventlog.New(s, nil)
	return New(l, s, nil), s
}

func scheduleCreate(t *testing.T, itemID string, clientTS time.Time, starts, ends time.Time) event.Mutation {
	t.Helper()

	raw, err := json.Marshal(&event.ScheduleCreate{
		ItemID: itemID, ChildID: "child-1", Title: "Swimming",
		StartsAt: starts, EndsAt: ends,
	})
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}
	return event.Mutation{
		Kind:           event.KindScheduleCreate,
		IdempotencyKey: event.NewID(),
		ClientTS:       clientTS,
		Payload:        raw,
	}
}

func scheduleMove(t *testing.T, itemID string, clientTS, starts, ends time.Time) event.Mutation {
	t.Helper()

	raw, err := json.Marshal(&event.ScheduleUpdate{
		ItemID: itemID, StartsAt: &starts, EndsAt: &ends,
	})
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}
	return event.Mutation{
		Kind:           event.KindScheduleUpdate,
		IdempotencyKey: event.NewID(),
		ClientTS:       clientTS,
		Payload:        raw,
	}
}

// TestSync_TwoDeviceConvergence is the protocol walkthrough: A creates,
// B receives the delta and updates, A receives B's update and both
// devices converge on the same state.
func TestSync_TwoDeviceConvergence(t *testing.T) {
	c, _ := testCoordinator(t)
	ctx := context.Background()

	// Device A at cursor 0 creates the 9:00-10:00 item.
	respA, err := c.Sync(ctx, Request{
		DeviceID: "dev-a", FamilyID: "fam-1", LastAckedSeq: 0,
		Mutations: []event.Mutation{
			scheduleCreate(t, "item-s", base, base, base.Add(time.Hour)),
		},
	})
	if err != nil {
		t.Fatalf("A sync failed: %v", err)
	}
	if len(respA.Results) != 1 || respA.Results[0].Status != StatusApplied || respA.Results[0].Seq != 1 {
		t.Fatalf("A results = %+v, want applied seq 1", respA.Results)
	}
	if respA.NewCursor != 1 {
		t.Errorf("A new cursor = %d, want 1", respA.NewCursor)
	}

	// Device B at cursor 0 receives [event#1].
	respB, err := c.Sync(ctx, Request{DeviceID: "dev-b", FamilyID: "fam-1", LastAckedSeq: 0})
	if err != nil {
		t.Fatalf("B sync failed: %v", err)
	}
	if len(respB.Delta) != 1 || respB.Delta[0].Seq != 1 {
		t.Fatalf("B delta = %+v, want [event#1]", respB.Delta)
	}
	if respB.NewCursor != 1 {
		t.Errorf("B new cursor = %d, want 1", respB.NewCursor)
	}

	// B moves the item to 9:30-10:30 with a later client timestamp.
	respB2, err := c.Sync(ctx, Request{
		DeviceID: "dev-b", FamilyID: "fam-1", LastAckedSeq: 1, AckSeq: 1,
		Mutations: []event.Mutation{
			scheduleMove(t, "item-s", base.Add(time.Minute),
				base.Add(30*time.Minute), base.Add(90*time.Minute)),
		},
	})
	if err != nil {
		t.Fatalf("B second sync failed: %v", err)
	}
	if respB2.Results[0].Status != StatusApplied || respB2.Results[0].Seq != 2 {
		t.Fatalf("B results = %+v, want applied seq 2", respB2.Results)
	}

	// A syncs from cursor 1 and receives [event#2].
	respA2, err := c.Sync(ctx, Request{DeviceID: "dev-a", FamilyID: "fam-1", LastAckedSeq: 1, AckSeq: 1})
	if err != nil {
		t.Fatalf("A second sync failed: %v", err)
	}
	if len(respA2.Delta) != 1 || respA2.Delta[0].Seq != 2 {
		t.Fatalf("A delta = %+v, want [event#2]", respA2.Delta)
	}

	// Both devices fold their deltas; terminal states must match.
	foldA := projection.NewFamily("fam-1")
	for _, ev := range append(respB.Delta, respA2.Delta...) {
		if err := foldA.Apply(ev); err != nil {
			t.Fatalf("A fold failed: %v", err)
		}
	}
	item := foldA.ScheduleFor("item-s")
	if item == nil || !item.StartsAt.Equal(base.Add(30*time.Minute)) {
		t.Errorf("converged item = %+v, want 9:30 start", item)
	}
}

func TestSync_CursorInvalid(t *testing.T) {
	c, _ := testCoordinator(t)

	resp, err := c.Sync(context.Background(), Request{
		DeviceID: "dev-a", FamilyID: "fam-1", LastAckedSeq: 42,
	})
	if err != nil {
		t.Fatalf("Sync() failed: %v", err)
	}
	if !resp.CursorInvalid {
		t.Error("cursor ahead of log not flagged CursorInvalid")
	}
}

func TestSync_DuplicateCreateAppendsOnce(t *testing.T) {
	c, _ := testCoordinator(t)
	ctx := context.Background()

	m := scheduleCreate(t, "item-s", base, base, base.Add(time.Hour))

	resp1, err := c.Sync(ctx, Request{DeviceID: "dev-a", FamilyID: "fam-1", Mutations: []event.Mutation{m}})
	if err != nil {
		t.Fatalf("first Sync() failed: %v", err)
	}
	if resp1.Results[0].Status != StatusApplied {
		t.Fatalf("first submit = %+v, want applied", resp1.Results[0])
	}

	// Retry after timeout: same idempotency key.
	resp2, err := c.Sync(ctx, Request{DeviceID: "dev-a", FamilyID: "fam-1", Mutations: []event.Mutation{m}})
	if err != nil {
		t.Fatalf("second Sync() failed: %v", err)
	}
	if resp2.Results[0].Status != StatusRejected || resp2.Results[0].Reason != "duplicate" {
		t.Errorf("retransmit = %+v, want rejected duplicate", resp2.Results[0])
	}
	if resp2.NewCursor != 1 {
		t.Errorf("cursor = %d after duplicate, want 1 (exactly one event)", resp2.NewCursor)
	}
}

func TestSync_OverlapRejectedNoEvent(t *testing.T) {
	c, _ := testCoordinator(t)
	ctx := context.Background()

	if _, err := c.Sync(ctx, Request{
		DeviceID: "dev-a", FamilyID: "fam-1",
		Mutations: []event.Mutation{scheduleCreate(t, "item-s", base, base.Add(time.Hour), base.Add(2*time.Hour))},
	}); err != nil {
		t.Fatalf("setup sync failed: %v", err)
	}

	resp, err := c.Sync(ctx, Request{
		DeviceID: "dev-b", FamilyID: "fam-1", LastAckedSeq: 1,
		Mutations: []event.Mutation{
			scheduleCreate(t, "item-t", base.Add(time.Minute),
				base.Add(90*time.Minute), base.Add(150*time.Minute)),
		},
	})
	if err != nil {
		t.Fatalf("Sync() failed: %v", err)
	}

	r := resp.Results[0]
	if r.Status != StatusRejected || r.Reason != "overlap" || r.ConflictingID != "item-s" {
		t.Errorf("result = %+v, want rejected overlap conflicting item-s", r)
	}
	if resp.NewCursor != 1 {
		t.Errorf("cursor = %d, want 1 (no event appended)", resp.NewCursor)
	}
}

func TestSync_MergedFieldsReported(t *testing.T) {
	c, _ := testCoordinator(t)
	ctx := context.Background()

	if _, err := c.Sync(ctx, Request{
		DeviceID: "dev-a", FamilyID: "fam-1",
		Mutations: []event.Mutation{scheduleCreate(t, "item-s", base, base.Add(time.Hour), base.Add(2*time.Hour))},
	}); err != nil {
		t.Fatalf("setup sync failed: %v", err)
	}

	// An update authored before the create's timestamp: every touched
	// field is stale.
	title := "old edit"
	raw, _ := json.Marshal(&event.ScheduleUpdate{ItemID: "item-s", Title: &title})
	resp, err := c.Sync(ctx, Request{
		DeviceID: "dev-b", FamilyID: "fam-1", LastAckedSeq: 1,
		Mutations: []event.Mutation{{
			Kind:           event.KindScheduleUpdate,
			IdempotencyKey: event.NewID(),
			ClientTS:       base.Add(-time.Hour),
			Payload:        raw,
		}},
	})
	if err != nil {
		t.Fatalf("Sync() failed: %v", err)
	}

	r := resp.Results[0]
	if r.Status != StatusMerged {
		t.Fatalf("result = %+v, want merged", r)
	}
	if len(r.DroppedFields) != 1 || r.DroppedFields[0] != event.FieldTitle {
		t.Errorf("dropped fields = %v, want [title]", r.DroppedFields)
	}
	if resp.NewCursor != 1 {
		t.Errorf("cursor = %d, want 1 (fully-stale merge appends nothing)", resp.NewCursor)
	}
}

func TestSync_DeltaPaging(t *testing.T) {
	c, _ := testCoordinator(t)
	ctx := context.Background()

	var mutations []event.Mutation
	for i := 0; i < 5; i++ {
		raw, _ := json.Marshal(&event.FeedPost{ItemID: event.NewID(), ChildID: "child-1", Body: "post"})
		mutations = append(mutations, event.Mutation{
			Kind:           event.KindFeedPost,
			IdempotencyKey: event.NewID(),
			ClientTS:       base.Add(time.Duration(i) * time.Second),
			Payload:        raw,
		})
	}
	if _, err := c.Sync(ctx, Request{DeviceID: "dev-a", FamilyID: "fam-1", Mutations: mutations}); err != nil {
		t.Fatalf("setup sync failed: %v", err)
	}

	small := New(eventlogFrom(c), c.store, &Config{MaxAppendRetries: 3, DeltaLimit: 2})
	resp, err := small.Sync(ctx, Request{DeviceID: "dev-b", FamilyID: "fam-1", LastAckedSeq: 0})
	if err != nil {
		t.Fatalf("Sync() failed: %v", err)
	}
	if len(resp.Delta) != 2 || !resp.HasMore || resp.NewCursor != 2 {
		t.Fatalf("page 1 = %d events, hasMore=%v, cursor=%d; want 2/true/2",
			len(resp.Delta), resp.HasMore, resp.NewCursor)
	}

	// Page until exhausted.
	var got []int64
	for _, ev := range resp.Delta {
		got = append(got, ev.Seq)
	}
	cursor := resp.NewCursor
	for resp.HasMore {
		resp, err = small.Sync(ctx, Request{DeviceID: "dev-b", FamilyID: "fam-1", LastAckedSeq: cursor, AckSeq: cursor})
		if err != nil {
			t.Fatalf("paging Sync() failed: %v", err)
		}
		for _, ev := range resp.Delta {
			got = append(got, ev.Seq)
		}
		cursor = resp.NewCursor
	}
	for i, seq := range got {
		if seq != int64(i+1) {
			t.Fatalf("paged seqs = %v, want gapless 1..5", got)
		}
	}
}

// eventlogFrom lets a second coordinator share the first one's log.
func eventlogFrom(c *Coordinator) EventLog {
	return c.log
}

// flakyLog wraps the real log to fail appends the way a saturated store
// would: either before the insert reaches storage, or after it commits,
// which is the ambiguous-timeout case.
type flakyLog struct {
	*eventlog.Log

	mu             sync.Mutex
	failNext       bool
	commitThenFail bool

	// afterCommit runs between the commit and the reported failure, so
	// tests can land a concurrent writer's event before the re-read.
	afterCommit func(committed event.Event)
}

func (f *flakyLog) Append(ctx context.Context, familyID string, proposed event.Event, baseSeq int64) (event.Event, error) {
	f.mu.Lock()
	failNext, commitThenFail := f.failNext, f.commitThenFail
	f.failNext, f.commitThenFail = false, false
	f.mu.Unlock()

	if failNext {
		return event.Event{}, fmt.Errorf("insert event timed out: %w", eventlog.ErrStorageUnavailable)
	}
	committed, err := f.Log.Append(ctx, familyID, proposed, baseSeq)
	if err != nil || !commitThenFail {
		return committed, err
	}
	if f.afterCommit != nil {
		f.afterCommit(committed)
	}
	return event.Event{}, fmt.Errorf("insert event timed out: %w", eventlog.ErrStorageUnavailable)
}

func TestSync_StorageFailureSurfacedRetryable(t *testing.T) {
	_, s := testCoordinator(t)
	ctx := context.Background()

	fl := &flakyLog{Log: eventlog.New(s, nil), failNext: true}
	c := New(fl, s, nil)

	_, err := c.Sync(ctx, Request{
		DeviceID: "dev-a", FamilyID: "fam-1",
		Mutations: []event.Mutation{scheduleCreate(t, "item-s", base, base, base.Add(time.Hour))},
	})
	if !errors.Is(err, eventlog.ErrStorageUnavailable) {
		t.Fatalf("Sync() error = %v, want ErrStorageUnavailable", err)
	}

	// Nothing landed, so the client's retry starts clean.
	seq, err := fl.Log.CurrentSeq(ctx, "fam-1")
	if err != nil {
		t.Fatalf("CurrentSeq() failed: %v", err)
	}
	if seq != 0 {
		t.Errorf("seq = %d after failed append, want 0", seq)
	}
}

// TestSync_TimedOutAppendRecovered covers the ambiguous timeout: the
// insert commits but the store reports a timeout, and a concurrent
// writer lands another event before the coordinator re-reads the tail.
// The re-read must recognize the landed append by its idempotency key
// and report that event's sequence, not the log head.
func TestSync_TimedOutAppendRecovered(t *testing.T) {
	_, s := testCoordinator(t)
	ctx := context.Background()

	real := eventlog.New(s, nil)
	fl := &flakyLog{Log: real, commitThenFail: true}
	fl.afterCommit = func(committed event.Event) {
		raw, err := json.Marshal(&event.FeedPost{ItemID: event.NewID(), ChildID: "child-1", Body: "post"})
		if err != nil {
			t.Errorf("marshal payload: %v", err)
			return
		}
		if _, err := real.Append(ctx, "fam-1", event.Event{
			Kind:           event.KindFeedPost,
			Payload:        raw,
			AuthorDeviceID: "dev-b",
			IdempotencyKey: event.NewID(),
			ClientTS:       base,
		}, eventlog.NoPrecondition); err != nil {
			t.Errorf("concurrent append failed: %v", err)
		}
	}
	c := New(fl, s, nil)

	resp, err := c.Sync(ctx, Request{
		DeviceID: "dev-a", FamilyID: "fam-1",
		Mutations: []event.Mutation{scheduleCreate(t, "item-s", base, base, base.Add(time.Hour))},
	})
	if err != nil {
		t.Fatalf("Sync() failed: %v", err)
	}
	if len(resp.Results) != 1 {
		t.Fatalf("results = %+v, want 1", resp.Results)
	}
	if r := resp.Results[0]; r.Status != StatusApplied || r.Seq != 1 {
		t.Errorf("result = %+v, want applied seq 1 (the committed event, not the head)", r)
	}

	// Exactly one event carries the mutation; recovery never re-appends.
	events, err := real.ReadAll(ctx, "fam-1", 0)
	if err != nil {
		t.Fatalf("ReadAll() failed: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("log holds %d events, want 2", len(events))
	}
	if events[0].Kind != event.KindScheduleCreate || events[1].Kind != event.KindFeedPost {
		t.Errorf("log = [%s %s], want [schedule_create feed_post]", events[0].Kind, events[1].Kind)
	}
}

func TestSync_AckAdvancesDeviceCursor(t *testing.T) {
	c, s := testCoordinator(t)
	ctx := context.Background()

	if _, err := c.Sync(ctx, Request{
		DeviceID: "dev-a", FamilyID: "fam-1",
		Mutations: []event.Mutation{scheduleCreate(t, "item-s", base, base, base.Add(time.Hour))},
	}); err != nil {
		t.Fatalf("setup sync failed: %v", err)
	}

	// Cursor not advanced until the client acknowledges.
	d, err := s.GetDevice(ctx, "dev-a")
	if err != nil {
		t.Fatalf("GetDevice() failed: %v", err)
	}
	if d.LastAckedSeq != 0 {
		t.Errorf("cursor = %d before ack, want 0", d.LastAckedSeq)
	}

	if _, err := c.Sync(ctx, Request{DeviceID: "dev-a", FamilyID: "fam-1", LastAckedSeq: 1, AckSeq: 1}); err != nil {
		t.Fatalf("ack sync failed: %v", err)
	}
	d, _ = s.GetDevice(ctx, "dev-a")
	if d.LastAckedSeq != 1 {
		t.Errorf("cursor = %d after ack, want 1", d.LastAckedSeq)
	}
}

// TestSync_AckBeyondHeadClamped: a device cursor never exceeds the
// family's highest committed sequence, whatever the client acks.
func TestSync_AckBeyondHeadClamped(t *testing.T) {
	c, s := testCoordinator(t)
	ctx := context.Background()

	if _, err := c.Sync(ctx, Request{
		DeviceID: "dev-a", FamilyID: "fam-1",
		Mutations: []event.Mutation{scheduleCreate(t, "item-s", base, base, base.Add(time.Hour))},
	}); err != nil {
		t.Fatalf("setup sync failed: %v", err)
	}

	if _, err := c.Sync(ctx, Request{
		DeviceID: "dev-a", FamilyID: "fam-1", LastAckedSeq: 1, AckSeq: 999999,
	}); err != nil {
		t.Fatalf("ack sync failed: %v", err)
	}

	d, err := s.GetDevice(ctx, "dev-a")
	if err != nil {
		t.Fatalf("GetDevice() failed: %v", err)
	}
	if d.LastAckedSeq != 1 {
		t.Errorf("cursor = %d, want clamped to family head 1", d.LastAckedSeq)
	}
}

func TestSync_MinClientVersion(t *testing.T) {
	c, _ := testCoordinator(t)
	c.SetMinClientVersion("2.1.0")

	_, err := c.Sync(context.Background(), Request{
		DeviceID: "dev-a", FamilyID: "fam-1", ClientVersion: "2.0.9",
	})
	if !errors.Is(err, ErrUpgradeRequired) {
		t.Errorf("old client error = %v, want ErrUpgradeRequired", err)
	}

	if _, err := c.Sync(context.Background(), Request{
		DeviceID: "dev-a", FamilyID: "fam-1", ClientVersion: "2.1.0",
	}); err != nil {
		t.Errorf("current client rejected: %v", err)
	}
}

func TestSync_CommittedEventsReachHooks(t *testing.T) {
	c, _ := testCoordinator(t)

	var mu sync.Mutex
	var seen []int64
	c.OnEventCommitted(func(ev event.Event) {
		mu.Lock()
		defer mu.Unlock()
		seen = append(seen, ev.Seq)
	})

	if _, err := c.Sync(context.Background(), Request{
		DeviceID: "dev-a", FamilyID: "fam-1",
		Mutations: []event.Mutation{
			scheduleCreate(t, "item-1", base, base, base.Add(time.Hour)),
			scheduleCreate(t, "item-2", base, base.Add(2*time.Hour), base.Add(3*time.Hour)),
		},
	}); err != nil {
		t.Fatalf("Sync() failed: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(seen) != 2 || seen[0] != 1 || seen[1] != 2 {
		t.Errorf("hook saw %v, want [1 2]", seen)
	}
}

// TestSync_ConcurrentFamiliesIndependent checks that syncs for different
// families proceed in parallel and each family's log stays gapless.
func TestSync_ConcurrentFamiliesIndependent(t *testing.T) {
	c, _ := testCoordinator(t)
	ctx := context.Background()

	const families = 4
	const perFamily = 6

	var wg sync.WaitGroup
	for f := 0; f < families; f++ {
		familyID := "fam-" + string(rune('a'+f))
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < perFamily; i++ {
				raw, _ := json.Marshal(&event.FeedPost{ItemID: event.NewID(), ChildID: "child-1", Body: "post"})
				_, err := c.Sync(ctx, Request{
					DeviceID: "dev-" + familyID, FamilyID: familyID,
					Mutations: []event.Mutation{{
						Kind:           event.KindFeedPost,
						IdempotencyKey: event.NewID(),
						ClientTS:       time.Now(),
						Payload:        raw,
					}},
				})
				if err != nil {
					t.Errorf("Sync(%s) failed: %v", familyID, err)
					return
				}
			}
		}()
	}
	wg.Wait()

	for f := 0; f < families; f++ {
		familyID := "fam-" + string(rune('a'+f))
		resp, err := c.Sync(ctx, Request{DeviceID: "reader", FamilyID: familyID, LastAckedSeq: 0})
		if err != nil {
			t.Fatalf("readback sync failed: %v", err)
		}
		if resp.NewCursor != perFamily {
			t.Errorf("family %s cursor = %d, want %d", familyID, resp.NewCursor, perFamily)
		}
		for i, ev := range resp.Delta {
			if ev.Seq != int64(i+1) {
				t.Fatalf("family %s has gap at index %d (seq %d)", familyID, i, ev.Seq)
			}
		}
	}
}
