package push

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/hearth-app/hearth/internal/event"
	"github.com/hearth-app/hearth/internal/push/provider"
	"github.com/hearth-app/hearth/internal/store"
)

// fakeProvider returns scripted per-token statuses, or a whole-batch
// error when batchErr is set.
type fakeProvider struct {
	statuses map[string]provider.Status
	batchErr error
	calls    int
	lastSent []provider.Notification
}

func (f *fakeProvider) Name() string { return "fake" }

func (f *fakeProvider) Send(ctx context.Context, batch []provider.Notification) ([]provider.Result, error) {
	f.calls++
	f.lastSent = batch
	if f.batchErr != nil {
		return nil, f.batchErr
	}
	results := make([]provider.Result, 0, len(batch))
	for _, n := range batch {
		status, ok := f.statuses[n.Token]
		if !ok {
			status = provider.StatusDelivered
		}
		results = append(results, provider.Result{Token: n.Token, Status: status, Detail: string(status)})
	}
	return results, nil
}

func testDispatcher(t *testing.T, prov provider.Provider) (*Dispatcher, *store.Store) {
	t.Helper()
	ctx := context.Background()

	st, err := store.Open(filepath.Join(t.TempDir(), "hearth.db"))
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	if err := st.InitSchema(ctx); err != nil {
		t.Fatalf("failed to init schema: %v", err)
	}

	cfg := DefaultConfig()
	cfg.MaxAttempts = 3
	cfg.Backoff = time.Minute
	return New(st, prov, nil, nil, cfg), st
}

// seedDevice registers a device with a push token and one pending
// notification backed by a real event.
func seedDevice(t *testing.T, st *store.Store, familyID, deviceID, token string, seq int64) {
	t.Helper()
	ctx := context.Background()

	if err := st.EnsureFamily(ctx, familyID); err != nil {
		t.Fatalf("failed to ensure family: %v", err)
	}
	if err := st.RegisterDevice(ctx, store.Device{ID: deviceID, FamilyID: familyID, Platform: "ios"}); err != nil {
		t.Fatalf("failed to register device: %v", err)
	}
	if token != "" {
		if err := st.SetPushToken(ctx, deviceID, token); err != nil {
			t.Fatalf("failed to set push token: %v", err)
		}
	}

	payload, err := event.MarshalPayload(&event.ScheduleCreate{
		ItemID:   event.NewID(),
		ChildID:  "child-1",
		Title:    fmt.Sprintf("Soccer practice %d", seq),
		StartsAt: time.Now().Add(time.Hour),
		EndsAt:   time.Now().Add(2 * time.Hour),
	})
	if err != nil {
		t.Fatalf("failed to marshal payload: %v", err)
	}
	ev := event.Event{
		FamilyID:       familyID,
		Seq:            seq,
		Kind:           event.KindScheduleCreate,
		Payload:        payload,
		AuthorDeviceID: "author-device",
		IdempotencyKey: event.NewID(),
		ServerTS:       time.Now().UTC(),
		ClientTS:       time.Now().UTC(),
	}
	if err := st.InsertEvent(ctx, ev); err != nil {
		t.Fatalf("failed to insert event: %v", err)
	}
	if err := st.EnqueuePending(ctx, familyID, deviceID, seq); err != nil {
		t.Fatalf("failed to enqueue pending: %v", err)
	}
}

func TestRunCycle_PartialFailure(t *testing.T) {
	ctx := context.Background()
	prov := &fakeProvider{statuses: map[string]provider.Status{
		"tok-ok":      provider.StatusDelivered,
		"tok-invalid": provider.StatusTokenInvalid,
		"tok-flaky":   provider.StatusFailed,
	}}
	d, st := testDispatcher(t, prov)

	seedDevice(t, st, "fam-1", "dev-ok", "tok-ok", 1)
	seedDevice(t, st, "fam-1", "dev-invalid", "tok-invalid", 2)
	seedDevice(t, st, "fam-1", "dev-flaky", "tok-flaky", 3)

	stats, err := d.RunCycle(ctx)
	if err != nil {
		t.Fatalf("cycle failed: %v", err)
	}
	if stats.Loaded != 3 {
		t.Errorf("expected 3 loaded, got %d", stats.Loaded)
	}
	if stats.Delivered != 1 {
		t.Errorf("expected 1 delivered, got %d", stats.Delivered)
	}
	if stats.TokensDropped != 1 {
		t.Errorf("expected 1 token dropped, got %d", stats.TokensDropped)
	}
	if stats.Retried != 1 {
		t.Errorf("expected 1 retried, got %d", stats.Retried)
	}

	// The delivered and invalid rows are gone; the flaky row remains
	// with exactly one extra attempt.
	count, err := st.PendingCount(ctx)
	if err != nil {
		t.Fatalf("failed to count pendings: %v", err)
	}
	if count != 1 {
		t.Fatalf("expected 1 pending row left, got %d", count)
	}
	remaining, err := st.DuePending(ctx, time.Now().Add(time.Hour), 10)
	if err != nil {
		t.Fatalf("failed to load pendings: %v", err)
	}
	if len(remaining) != 1 || remaining[0].DeviceID != "dev-flaky" {
		t.Fatalf("expected dev-flaky retained, got %+v", remaining)
	}
	if remaining[0].Attempts != 1 {
		t.Errorf("expected attempts incremented to 1, got %d", remaining[0].Attempts)
	}
	if !remaining[0].NextAttemptAt.After(time.Now()) {
		t.Error("expected retry pushed into the future")
	}

	// The invalid token was unregistered permanently.
	device, err := st.GetDevice(ctx, "dev-invalid")
	if err != nil {
		t.Fatalf("failed to load device: %v", err)
	}
	if device.PushToken != nil {
		t.Errorf("expected invalid token cleared, got %q", *device.PushToken)
	}
}

func TestRunCycle_CoalescesPerDevice(t *testing.T) {
	ctx := context.Background()
	prov := &fakeProvider{}
	d, st := testDispatcher(t, prov)

	seedDevice(t, st, "fam-1", "dev-a", "tok-a", 1)
	seedDevice(t, st, "fam-1", "dev-a", "tok-a", 2)
	seedDevice(t, st, "fam-1", "dev-a", "tok-a", 3)

	stats, err := d.RunCycle(ctx)
	if err != nil {
		t.Fatalf("cycle failed: %v", err)
	}
	if len(prov.lastSent) != 1 {
		t.Fatalf("expected one coalesced notification, got %d", len(prov.lastSent))
	}
	n := prov.lastSent[0]
	if !strings.Contains(n.Title, "3") {
		t.Errorf("expected digest title with count, got %q", n.Title)
	}
	if n.Data["max_seq"] != "3" {
		t.Errorf("expected max_seq 3, got %q", n.Data["max_seq"])
	}
	if stats.Delivered != 3 {
		t.Errorf("expected all 3 rows cleared, got %d", stats.Delivered)
	}
}

func TestRunCycle_BatchErrorRetriesAll(t *testing.T) {
	ctx := context.Background()
	prov := &fakeProvider{batchErr: fmt.Errorf("gateway timeout")}
	d, st := testDispatcher(t, prov)

	seedDevice(t, st, "fam-1", "dev-a", "tok-a", 1)
	seedDevice(t, st, "fam-1", "dev-b", "tok-b", 2)

	stats, err := d.RunCycle(ctx)
	if err != nil {
		t.Fatalf("cycle failed: %v", err)
	}
	if stats.Retried != 2 {
		t.Errorf("expected both rows retried, got %d", stats.Retried)
	}
	count, err := st.PendingCount(ctx)
	if err != nil {
		t.Fatalf("failed to count pendings: %v", err)
	}
	if count != 2 {
		t.Errorf("expected both rows retained, got %d", count)
	}
}

func TestRunCycle_ExhaustedAttemptsDropped(t *testing.T) {
	ctx := context.Background()
	prov := &fakeProvider{statuses: map[string]provider.Status{"tok-a": provider.StatusFailed}}
	d, st := testDispatcher(t, prov)

	seedDevice(t, st, "fam-1", "dev-a", "tok-a", 1)

	// MaxAttempts is 3: two failing cycles retry, the third drops.
	for i := 0; i < 2; i++ {
		if _, err := d.RunCycle(ctx); err != nil {
			t.Fatalf("cycle %d failed: %v", i, err)
		}
		// Make the row due again without touching attempts.
		if _, err := dueNow(ctx, st); err != nil {
			t.Fatalf("failed to make row due: %v", err)
		}
	}
	stats, err := d.RunCycle(ctx)
	if err != nil {
		t.Fatalf("final cycle failed: %v", err)
	}
	if stats.Exhausted != 1 {
		t.Errorf("expected 1 exhausted, got %d", stats.Exhausted)
	}
	count, err := st.PendingCount(ctx)
	if err != nil {
		t.Fatalf("failed to count pendings: %v", err)
	}
	if count != 0 {
		t.Errorf("expected no pendings left, got %d", count)
	}
}

// dueNow rewinds next_attempt_at so a retried row is immediately due.
func dueNow(ctx context.Context, st *store.Store) (int64, error) {
	res, err := st.RawDB().ExecContext(ctx,
		"UPDATE push_pending SET next_attempt_at = ?", time.Now().Add(-time.Second).UTC().Format(time.RFC3339Nano))
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func TestRunCycle_DropsOrphanedRows(t *testing.T) {
	ctx := context.Background()
	prov := &fakeProvider{}
	d, st := testDispatcher(t, prov)

	// A pending row whose device was never registered.
	if err := st.EnsureFamily(ctx, "fam-1"); err != nil {
		t.Fatalf("failed to ensure family: %v", err)
	}
	if err := st.EnqueuePending(ctx, "fam-1", "dev-gone", 1); err != nil {
		t.Fatalf("failed to enqueue: %v", err)
	}
	// And one for a device whose token was pruned.
	seedDevice(t, st, "fam-1", "dev-bare", "", 1)

	if _, err := d.RunCycle(ctx); err != nil {
		t.Fatalf("cycle failed: %v", err)
	}
	if prov.calls != 0 {
		t.Errorf("expected no provider call, got %d", prov.calls)
	}
	count, err := st.PendingCount(ctx)
	if err != nil {
		t.Fatalf("failed to count pendings: %v", err)
	}
	if count != 0 {
		t.Errorf("expected orphaned rows pruned, got %d", count)
	}
}

func TestTemplates_Render(t *testing.T) {
	tpl := DefaultTemplates()

	payload, _ := event.MarshalPayload(&event.ScheduleCreate{
		ItemID: "i1", ChildID: "c1", Title: "Dentist",
		StartsAt: time.Now(), EndsAt: time.Now().Add(time.Hour),
	})
	title, body := tpl.Render(event.Event{Kind: event.KindScheduleCreate, Payload: payload})
	if title != "New schedule item" {
		t.Errorf("unexpected title %q", title)
	}
	if !strings.Contains(body, "Dentist") {
		t.Errorf("expected item title in body, got %q", body)
	}

	post, _ := event.MarshalPayload(&event.FeedPost{ItemID: "i2", ChildID: "c1", Body: "First day of school!"})
	_, body = tpl.Render(event.Event{Kind: event.KindFeedPost, Payload: post})
	if body != "First day of school!" {
		t.Errorf("expected feed body passthrough, got %q", body)
	}

	// Broken payloads must not leak placeholders.
	_, body = tpl.Render(event.Event{Kind: event.KindScheduleCreate, Payload: []byte("{nope")})
	if strings.Contains(body, "{") {
		t.Errorf("placeholder leaked: %q", body)
	}
}

func TestTemplates_LoadOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "templates.toml")
	content := `
[feed_post]
title = "Nytt innlegg"
body = "{body}"
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("failed to write templates: %v", err)
	}

	tpl, err := LoadTemplates(path)
	if err != nil {
		t.Fatalf("failed to load templates: %v", err)
	}
	if tpl.FeedPost.Title != "Nytt innlegg" {
		t.Errorf("override not applied: %q", tpl.FeedPost.Title)
	}
	// Sections missing from the file keep the built-in copy.
	if tpl.ScheduleCreate.Title != "New schedule item" {
		t.Errorf("default lost: %q", tpl.ScheduleCreate.Title)
	}
}

func TestTemplates_RenderDigest(t *testing.T) {
	tpl := DefaultTemplates()
	title, _ := tpl.RenderDigest(make([]event.Event, 4))
	if title != "4 family updates" {
		t.Errorf("unexpected digest title %q", title)
	}
}
