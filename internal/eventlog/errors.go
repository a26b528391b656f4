package eventlog

import "errors"

// Errors returned by event log operations.
//
// Check with errors.Is():
//
//	if errors.Is(err, eventlog.ErrConflict) {
//	    // re-resolve against the refreshed projection and retry
//	}
var (
	// ErrConflict is returned when an append's sequence precondition no
	// longer matches: another device's write landed between resolution
	// and append. Retried internally by the coordinator, bounded.
	ErrConflict = errors.New("append precondition failed")

	// ErrDuplicate is returned when an append carries an idempotency key
	// that is already committed for the family. Safe to ignore
	// client-side; it means a retransmitted mutation already landed.
	ErrDuplicate = errors.New("idempotency key already committed")

	// ErrStorageUnavailable is returned on backing-store errors and
	// timeouts. Surfaced to clients as retryable; a timeout is never
	// treated as partial success; callers re-read CurrentSeq to learn
	// whether the append landed before retrying.
	ErrStorageUnavailable = errors.New("storage unavailable")
)
