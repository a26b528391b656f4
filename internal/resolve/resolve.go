// Package resolve decides the fate of client mutations against the
// current materialized state.
//
// Resolve is a pure function: mutation plus projection in, decision out.
// No I/O, no clock reads (the caller supplies now), which is what keeps
// resolution deterministic and replayable.
package resolve

import (
	"encoding/json"
	"time"

	"github.com/hearth-app/hearth/internal/event"
	"github.com/hearth-app/hearth/internal/projection"
)

// Outcome classifies a resolution decision.
type Outcome string

const (
	// OutcomeApplied means the mutation survives unchanged and an event
	// is committed.
	OutcomeApplied Outcome = "applied"

	// OutcomeRejected means a business rule refused the mutation. Not
	// retried; the reason and conflicting entity go back to the client.
	OutcomeRejected Outcome = "rejected"

	// OutcomeMerged means some fields were dropped as stale under
	// last-writer-wins. The surviving fields commit (when any remain)
	// and the dropped field names go back to the client so it can
	// refresh.
	OutcomeMerged Outcome = "merged"
)

// Rejection reasons surfaced to clients.
const (
	ReasonDuplicate = "duplicate"
	ReasonOverlap   = "overlap"
	ReasonNotFound  = "not_found"
	ReasonInvalid   = "invalid"
)

// Decision is the result of resolving one mutation.
type Decision struct {
	Outcome Outcome

	// Reason is set for rejections.
	Reason string

	// ConflictingID names the schedule item blocking an overlap
	// rejection.
	ConflictingID string

	// DroppedFields lists fields discarded as stale on a merge.
	DroppedFields []string

	// Payload is the (possibly reduced) payload to commit. Nil means
	// nothing survives and no event is appended.
	Payload json.RawMessage
}

// Resolve decides a proposed mutation against the family projection.
// now anchors the "unexpired" check for schedule overlaps.
func Resolve(m event.Mutation, view *projection.Family, now time.Time) Decision {
	if _, dup := view.Seen[m.IdempotencyKey]; dup {
		// Retry-after-timeout: the mutation already committed once.
		return Decision{Outcome: OutcomeRejected, Reason: ReasonDuplicate}
	}

	payload, err := event.DecodePayload(m.Kind, m.Payload)
	if err != nil {
		return Decision{Outcome: OutcomeRejected, Reason: ReasonInvalid}
	}

	switch p := payload.(type) {
	case *event.ScheduleCreate:
		return resolveScheduleCreate(m, p, view, now)
	case *event.ScheduleUpdate:
		return resolveScheduleUpdate(m, p, view, now)
	case *event.ScheduleDelete:
		// Deletes are idempotent: deleting an already-deleted or unknown
		// item still applies, and the no-op event is logged for audit
		// and fan-out consistency.
		return Decision{Outcome: OutcomeApplied, Payload: m.Payload}
	case *event.FeedPost:
		if view.FeedFor(p.ItemID) != nil {
			return Decision{Outcome: OutcomeRejected, Reason: ReasonDuplicate}
		}
		return Decision{Outcome: OutcomeApplied, Payload: m.Payload}
	case *event.FeedPin:
		return resolveFeedPin(m, p, view)
	}

	return Decision{Outcome: OutcomeRejected, Reason: ReasonInvalid}
}

func resolveScheduleCreate(m event.Mutation, p *event.ScheduleCreate, view *projection.Family, now time.Time) Decision {
	if view.ScheduleFor(p.ItemID) != nil {
		return Decision{Outcome: OutcomeRejected, Reason: ReasonDuplicate}
	}
	if conflict := view.OverlapConflict(p.ChildID, p.StartsAt, p.EndsAt, "", now); conflict != "" {
		return Decision{
			Outcome:       OutcomeRejected,
			Reason:        ReasonOverlap,
			ConflictingID: conflict,
		}
	}
	return Decision{Outcome: OutcomeApplied, Payload: m.Payload}
}

func resolveScheduleUpdate(m event.Mutation, p *event.ScheduleUpdate, view *projection.Family, now time.Time) Decision {
	item := view.ScheduleFor(p.ItemID)
	if item == nil || item.Deleted {
		// Delete wins over update.
		return Decision{Outcome: OutcomeRejected, Reason: ReasonNotFound}
	}

	// Field-level last-writer-wins: a touched field applies only when
	// the incoming client timestamp is strictly newer than the one that
	// last wrote it.
	var dropped []string
	for _, field := range p.TouchedFields() {
		if !m.ClientTS.After(item.FieldTS[field]) {
			dropped = append(dropped, field)
		}
	}

	surviving := p.Drop(dropped)
	if len(surviving.TouchedFields()) == 0 {
		// Everything was stale. Report the merge, commit nothing.
		return Decision{Outcome: OutcomeMerged, DroppedFields: dropped}
	}

	// If the surviving fields move the time range, the effective new
	// range must not overlap another unexpired item for the same child.
	if surviving.StartsAt != nil || surviving.EndsAt != nil {
		starts, ends := item.StartsAt, item.EndsAt
		if surviving.StartsAt != nil {
			starts = *surviving.StartsAt
		}
		if surviving.EndsAt != nil {
			ends = *surviving.EndsAt
		}
		if !ends.After(starts) {
			return Decision{Outcome: OutcomeRejected, Reason: ReasonInvalid}
		}
		if conflict := view.OverlapConflict(item.ChildID, starts, ends, item.ID, now); conflict != "" {
			return Decision{
				Outcome:       OutcomeRejected,
				Reason:        ReasonOverlap,
				ConflictingID: conflict,
			}
		}
	}

	if len(dropped) == 0 {
		return Decision{Outcome: OutcomeApplied, Payload: m.Payload}
	}

	// Commit the reduced payload so refolding the log reproduces the
	// live projection exactly.
	reduced, err := event.MarshalPayload(surviving)
	if err != nil {
		return Decision{Outcome: OutcomeRejected, Reason: ReasonInvalid}
	}
	return Decision{Outcome: OutcomeMerged, DroppedFields: dropped, Payload: reduced}
}

func resolveFeedPin(m event.Mutation, p *event.FeedPin, view *projection.Family) Decision {
	item := view.FeedFor(p.ItemID)
	if item == nil {
		return Decision{Outcome: OutcomeRejected, Reason: ReasonNotFound}
	}
	if !m.ClientTS.After(item.PinTS) {
		// A newer pin/unpin already won.
		return Decision{Outcome: OutcomeMerged, DroppedFields: []string{"pinned"}}
	}
	return Decision{Outcome: OutcomeApplied, Payload: m.Payload}
}
