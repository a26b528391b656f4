package resolve

import (
	"encoding/json"
	"reflect"
	"testing"
	"time"

	"github.com/hearth-app/hearth/internal/event"
	"github.com/hearth-app/hearth/internal/projection"
)

var base = time.Date(2026, 8, 1, 9, 0, 0, 0, time.UTC)

func mutation(t *testing.T, kind event.Kind, clientTS time.Time, payload interface{}) event.Mutation {
	t.Helper()

	raw, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}
	return event.Mutation{
		Kind:           kind,
		IdempotencyKey: event.NewID(),
		ClientTS:       clientTS,
		Payload:        raw,
	}
}

// viewWith folds the given events into a fresh projection.
func viewWith(t *testing.T, events ...event.Event) *projection.Family {
	t.Helper()

	f := projection.NewFamily("fam-1")
	for _, ev := range events {
		if err := f.Apply(ev); err != nil {
			t.Fatalf("Apply() failed: %v", err)
		}
	}
	return f
}

func committed(t *testing.T, seq int64, m event.Mutation) event.Event {
	t.Helper()

	return event.Event{
		FamilyID:       "fam-1",
		Seq:            seq,
		Kind:           m.Kind,
		Payload:        m.Payload,
		AuthorDeviceID: "dev-1",
		IdempotencyKey: m.IdempotencyKey,
		ServerTS:       m.ClientTS,
		ClientTS:       m.ClientTS,
	}
}

func strPtr(s string) *string { return &s }

func timePtr(ts time.Time) *time.Time { return &ts }

func swimCreate(t *testing.T) event.Mutation {
	return mutation(t, event.KindScheduleCreate, base, &event.ScheduleCreate{
		ItemID: "sched-1", ChildID: "child-1", Title: "Swimming",
		StartsAt: base.Add(1 * time.Hour), EndsAt: base.Add(2 * time.Hour),
	})
}

func TestResolve_CreateApplied(t *testing.T) {
	d := Resolve(swimCreate(t), projection.NewFamily("fam-1"), base)
	if d.Outcome != OutcomeApplied {
		t.Fatalf("Resolve() = %+v, want applied", d)
	}
	if d.Payload == nil {
		t.Error("applied decision carries no payload")
	}
}

func TestResolve_DuplicateIdempotencyKey(t *testing.T) {
	create := swimCreate(t)
	view := viewWith(t, committed(t, 1, create))

	// Same mutation retransmitted after a timeout.
	d := Resolve(create, view, base)
	if d.Outcome != OutcomeRejected || d.Reason != ReasonDuplicate {
		t.Errorf("Resolve() = %+v, want rejected duplicate", d)
	}
}

func TestResolve_CreateOverlapRejected(t *testing.T) {
	view := viewWith(t, committed(t, 1, swimCreate(t)))

	// 9:30-10:30 against the existing 10:00-11:00 slot (base+1h..+2h).
	m := mutation(t, event.KindScheduleCreate, base.Add(time.Minute), &event.ScheduleCreate{
		ItemID: "sched-2", ChildID: "child-1", Title: "Dentist",
		StartsAt: base.Add(90 * time.Minute), EndsAt: base.Add(150 * time.Minute),
	})

	d := Resolve(m, view, base)
	if d.Outcome != OutcomeRejected || d.Reason != ReasonOverlap {
		t.Fatalf("Resolve() = %+v, want rejected overlap", d)
	}
	if d.ConflictingID != "sched-1" {
		t.Errorf("conflicting id = %q, want sched-1", d.ConflictingID)
	}
}

func TestResolve_CreateOverlapOtherChildAllowed(t *testing.T) {
	view := viewWith(t, committed(t, 1, swimCreate(t)))

	m := mutation(t, event.KindScheduleCreate, base.Add(time.Minute), &event.ScheduleCreate{
		ItemID: "sched-2", ChildID: "child-2", Title: "Dentist",
		StartsAt: base.Add(90 * time.Minute), EndsAt: base.Add(150 * time.Minute),
	})

	if d := Resolve(m, view, base); d.Outcome != OutcomeApplied {
		t.Errorf("Resolve() = %+v, want applied (different child)", d)
	}
}

func TestResolve_UpdateFieldLWW(t *testing.T) {
	create := swimCreate(t)
	view := viewWith(t, committed(t, 1, create))

	tests := []struct {
		name     string
		clientTS time.Time
		update   *event.ScheduleUpdate
		outcome  Outcome
		dropped  []string
	}{
		{
			name:     "newer timestamp applies",
			clientTS: base.Add(time.Minute),
			update:   &event.ScheduleUpdate{ItemID: "sched-1", Title: strPtr("Swim class")},
			outcome:  OutcomeApplied,
		},
		{
			name:     "equal timestamp is stale",
			clientTS: base,
			update:   &event.ScheduleUpdate{ItemID: "sched-1", Title: strPtr("Swim class")},
			outcome:  OutcomeMerged,
			dropped:  []string{event.FieldTitle},
		},
		{
			name:     "older timestamp is stale",
			clientTS: base.Add(-time.Minute),
			update:   &event.ScheduleUpdate{ItemID: "sched-1", Title: strPtr("Swim class"), Notes: strPtr("towel")},
			outcome:  OutcomeMerged,
			dropped:  []string{event.FieldTitle, event.FieldNotes},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := mutation(t, event.KindScheduleUpdate, tt.clientTS, tt.update)
			d := Resolve(m, view, base)
			if d.Outcome != tt.outcome {
				t.Fatalf("Resolve() = %+v, want %s", d, tt.outcome)
			}
			if !reflect.DeepEqual(d.DroppedFields, tt.dropped) {
				t.Errorf("dropped = %v, want %v", d.DroppedFields, tt.dropped)
			}
		})
	}
}

func TestResolve_MergeCommitsReducedPayload(t *testing.T) {
	create := swimCreate(t)
	view := viewWith(t, committed(t, 1, create))

	// Age the notes field past the title field: create wrote everything
	// at base, this update moves notes to base+1m.
	m := mutation(t, event.KindScheduleUpdate, base.Add(time.Minute), &event.ScheduleUpdate{
		ItemID: "sched-1", Notes: strPtr("towel day"),
	})
	if d := Resolve(m, view, base); d.Outcome != OutcomeApplied {
		t.Fatalf("setup update = %+v, want applied", d)
	}
	view = viewWith(t, committed(t, 1, create), committed(t, 2, m))

	// Now: title at base (stale for base ts), notes at base+1m.
	mixed := mutation(t, event.KindScheduleUpdate, base.Add(30*time.Second), &event.ScheduleUpdate{
		ItemID: "sched-1", Title: strPtr("Swim class"), Notes: strPtr("no towel"),
	})
	d := Resolve(mixed, view, base)
	if d.Outcome != OutcomeMerged {
		t.Fatalf("Resolve() = %+v, want merged", d)
	}
	if !reflect.DeepEqual(d.DroppedFields, []string{event.FieldNotes}) {
		t.Errorf("dropped = %v, want [notes]", d.DroppedFields)
	}

	var reduced event.ScheduleUpdate
	if err := json.Unmarshal(d.Payload, &reduced); err != nil {
		t.Fatalf("unmarshal reduced payload: %v", err)
	}
	if reduced.Notes != nil {
		t.Error("stale notes field leaked into committed payload")
	}
	if reduced.Title == nil || *reduced.Title != "Swim class" {
		t.Errorf("surviving title = %v, want Swim class", reduced.Title)
	}
}

func TestResolve_AllFieldsStaleCommitsNothing(t *testing.T) {
	view := viewWith(t, committed(t, 1, swimCreate(t)))

	m := mutation(t, event.KindScheduleUpdate, base.Add(-time.Hour), &event.ScheduleUpdate{
		ItemID: "sched-1", Title: strPtr("old news"),
	})
	d := Resolve(m, view, base)
	if d.Outcome != OutcomeMerged {
		t.Fatalf("Resolve() = %+v, want merged", d)
	}
	if d.Payload != nil {
		t.Error("fully-stale update produced a payload to commit")
	}
}

func TestResolve_UpdateMovingRangeIntoOverlap(t *testing.T) {
	other := mutation(t, event.KindScheduleCreate, base, &event.ScheduleCreate{
		ItemID: "sched-2", ChildID: "child-1", Title: "Dentist",
		StartsAt: base.Add(3 * time.Hour), EndsAt: base.Add(4 * time.Hour),
	})
	view := viewWith(t, committed(t, 1, swimCreate(t)), committed(t, 2, other))

	// Move sched-1 (10:00-11:00) onto sched-2 (12:00-13:00).
	m := mutation(t, event.KindScheduleUpdate, base.Add(time.Minute), &event.ScheduleUpdate{
		ItemID:   "sched-1",
		StartsAt: timePtr(base.Add(3*time.Hour + 30*time.Minute)),
		EndsAt:   timePtr(base.Add(4*time.Hour + 30*time.Minute)),
	})
	d := Resolve(m, view, base)
	if d.Outcome != OutcomeRejected || d.Reason != ReasonOverlap {
		t.Fatalf("Resolve() = %+v, want rejected overlap", d)
	}
	if d.ConflictingID != "sched-2" {
		t.Errorf("conflicting id = %q, want sched-2", d.ConflictingID)
	}
}

func TestResolve_UpdateUnknownOrDeleted(t *testing.T) {
	create := swimCreate(t)
	del := mutation(t, event.KindScheduleDelete, base.Add(time.Minute), &event.ScheduleDelete{ItemID: "sched-1"})
	view := viewWith(t, committed(t, 1, create), committed(t, 2, del))

	m := mutation(t, event.KindScheduleUpdate, base.Add(2*time.Minute), &event.ScheduleUpdate{
		ItemID: "sched-1", Title: strPtr("too late"),
	})
	if d := Resolve(m, view, base); d.Outcome != OutcomeRejected || d.Reason != ReasonNotFound {
		t.Errorf("update of deleted item = %+v, want rejected not_found", d)
	}

	m2 := mutation(t, event.KindScheduleUpdate, base, &event.ScheduleUpdate{
		ItemID: "no-such-item", Title: strPtr("ghost"),
	})
	if d := Resolve(m2, view, base); d.Outcome != OutcomeRejected || d.Reason != ReasonNotFound {
		t.Errorf("update of unknown item = %+v, want rejected not_found", d)
	}
}

func TestResolve_DeleteIdempotent(t *testing.T) {
	create := swimCreate(t)
	del := mutation(t, event.KindScheduleDelete, base.Add(time.Minute), &event.ScheduleDelete{ItemID: "sched-1"})
	view := viewWith(t, committed(t, 1, create), committed(t, 2, del))

	// Deleting the already-deleted item applies; the no-op event is
	// still worth logging for audit and fan-out.
	again := mutation(t, event.KindScheduleDelete, base.Add(2*time.Minute), &event.ScheduleDelete{ItemID: "sched-1"})
	if d := Resolve(again, view, base); d.Outcome != OutcomeApplied {
		t.Errorf("repeat delete = %+v, want applied", d)
	}
}

func TestResolve_FeedPostAndPin(t *testing.T) {
	post := mutation(t, event.KindFeedPost, base, &event.FeedPost{
		ItemID: "feed-1", ChildID: "child-1", Body: "First steps!",
	})
	view := viewWith(t, committed(t, 1, post))

	// Same item id posted again under a fresh key: duplicate.
	repost := mutation(t, event.KindFeedPost, base.Add(time.Minute), &event.FeedPost{
		ItemID: "feed-1", ChildID: "child-1", Body: "First steps!",
	})
	if d := Resolve(repost, view, base); d.Outcome != OutcomeRejected || d.Reason != ReasonDuplicate {
		t.Errorf("repost = %+v, want rejected duplicate", d)
	}

	pin := mutation(t, event.KindFeedPin, base.Add(time.Minute), &event.FeedPin{ItemID: "feed-1", Pinned: true})
	if d := Resolve(pin, view, base); d.Outcome != OutcomeApplied {
		t.Errorf("pin = %+v, want applied", d)
	}

	missing := mutation(t, event.KindFeedPin, base.Add(time.Minute), &event.FeedPin{ItemID: "feed-404", Pinned: true})
	if d := Resolve(missing, view, base); d.Outcome != OutcomeRejected || d.Reason != ReasonNotFound {
		t.Errorf("pin of unknown item = %+v, want rejected not_found", d)
	}

	// A stale pin loses to the newer one already folded.
	view = viewWith(t, committed(t, 1, post), committed(t, 2, pin))
	stale := mutation(t, event.KindFeedPin, base.Add(30*time.Second), &event.FeedPin{ItemID: "feed-1", Pinned: false})
	if d := Resolve(stale, view, base); d.Outcome != OutcomeMerged {
		t.Errorf("stale unpin = %+v, want merged", d)
	}
}

func TestResolve_InvalidPayload(t *testing.T) {
	m := event.Mutation{
		Kind:           event.KindScheduleCreate,
		IdempotencyKey: event.NewID(),
		ClientTS:       base,
		Payload:        json.RawMessage(`{"item_id": ""}`),
	}
	if d := Resolve(m, projection.NewFamily("fam-1"), base); d.Outcome != OutcomeRejected || d.Reason != ReasonInvalid {
		t.Errorf("invalid payload = %+v, want rejected invalid", d)
	}
}
