package job

import (
	"fmt"
	"sort"
)

// transitions is the complete status relation. Each row maps the events
// accepted in a status to the status they produce. Terminal statuses have
// no row. CANCEL is accepted up to REVIEWING; a job in PR_OPEN is already
// handing the change set over and only the open's outcome settles it.
var transitions = map[Status]map[Event]Status{
	StatusQueued: {
		EventStartPlanning: StatusPlanning,
		EventFail:          StatusFailed,
		EventCancel:        StatusCancelled,
	},
	StatusPlanning: {
		EventPlanSucceeded: StatusCoding,
		EventPlanFailed:    StatusFailed,
		EventCancel:        StatusCancelled,
	},
	StatusCoding: {
		EventCodeSucceeded: StatusReviewing,
		EventCodeFailed:    StatusFailed,
		EventCancel:        StatusCancelled,
	},
	StatusReviewing: {
		EventReviewApproved: StatusPROpen,
		EventReviewRejected: StatusCoding,
		EventReviewFailed:   StatusFailed,
		EventCancel:         StatusCancelled,
	},
	StatusPROpen: {
		EventPROpened: StatusCompleted,
		EventPRFailed: StatusFailed,
	},
}

// InvalidTransitionError reports an event that the current status does not
// accept. Every rejected transition carries one so callers can distinguish
// ordering races from other storage failures.
type InvalidTransitionError struct {
	From  Status
	Event Event
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("invalid transition: event %s not accepted in status %s", e.Event, e.From)
}

// NextStatus returns the status produced by applying ev to cur. It is pure:
// same inputs, same result, no I/O. Unknown statuses, unknown events, and
// events a status does not accept all return *InvalidTransitionError.
func NextStatus(cur Status, ev Event) (Status, error) {
	if next, ok := transitions[cur][ev]; ok {
		return next, nil
	}
	return "", &InvalidTransitionError{From: cur, Event: ev}
}

// IsValidTransition reports whether at least one event moves a job from
// `from` to `to`.
func IsValidTransition(from, to Status) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// ValidTransitions returns the statuses reachable from `from` in one event,
// deduplicated and sorted. Terminal and unknown statuses return nil.
func ValidTransitions(from Status) []Status {
	row := transitions[from]
	if len(row) == 0 {
		return nil
	}
	seen := make(map[Status]struct{}, len(row))
	out := make([]Status, 0, len(row))
	for _, next := range row {
		if _, ok := seen[next]; ok {
			continue
		}
		seen[next] = struct{}{}
		out = append(out, next)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
