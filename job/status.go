// Package job defines the orchestration job model: its lifecycle statuses,
// the events that move a job between them, the pure transition rules, and
// the Store port the rest of the system persists jobs through.
package job

// Status is a job lifecycle state. The string values are persisted in
// jobs.status and reported on operational surfaces, so they never change.
type Status string

// Job lifecycle statuses.
const (
	// StatusQueued means the job is accepted and waiting for the planning
	// stage to pick it up.
	StatusQueued Status = "QUEUED"

	// StatusPlanning means the planning agent is producing a change plan.
	StatusPlanning Status = "PLANNING"

	// StatusCoding means the coding agent is producing the change set.
	StatusCoding Status = "CODING"

	// StatusReviewing means the review agent is evaluating the change set.
	StatusReviewing Status = "REVIEWING"

	// StatusPROpen means review approved the change set and the pull
	// request is being opened.
	StatusPROpen Status = "PR_OPEN"

	// StatusCompleted is terminal: the pull request was opened.
	StatusCompleted Status = "COMPLETED"

	// StatusFailed is terminal: a stage failed permanently.
	StatusFailed Status = "FAILED"

	// StatusCancelled is terminal: the job was cancelled before finishing.
	StatusCancelled Status = "CANCELLED"
)

// Event is a processing outcome that drives a status change.
type Event string

// Job lifecycle events. FAIL retires a job that never reached planning,
// for example when seeding the first queue failed after the row was
// inserted.
const (
	EventStartPlanning  Event = "START_PLANNING"
	EventFail           Event = "FAIL"
	EventPlanSucceeded  Event = "PLAN_SUCCEEDED"
	EventPlanFailed     Event = "PLAN_FAILED"
	EventCodeSucceeded  Event = "CODE_SUCCEEDED"
	EventCodeFailed     Event = "CODE_FAILED"
	EventReviewApproved Event = "REVIEW_APPROVED"
	EventReviewRejected Event = "REVIEW_REJECTED"
	EventReviewFailed   Event = "REVIEW_FAILED"
	EventPROpened       Event = "PR_OPENED"
	EventPRFailed       Event = "PR_FAILED"
	EventCancel         Event = "CANCEL"
)

// Statuses lists every status in pipeline order.
var Statuses = []Status{
	StatusQueued,
	StatusPlanning,
	StatusCoding,
	StatusReviewing,
	StatusPROpen,
	StatusCompleted,
	StatusFailed,
	StatusCancelled,
}

// Events lists every event.
var Events = []Event{
	EventStartPlanning,
	EventFail,
	EventPlanSucceeded,
	EventPlanFailed,
	EventCodeSucceeded,
	EventCodeFailed,
	EventReviewApproved,
	EventReviewRejected,
	EventReviewFailed,
	EventPROpened,
	EventPRFailed,
	EventCancel,
}

// IsTerminal reports whether the status admits no further transitions.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// Valid reports whether s is a known status value.
func (s Status) Valid() bool {
	switch s {
	case StatusQueued, StatusPlanning, StatusCoding, StatusReviewing,
		StatusPROpen, StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// Valid reports whether e is a known event value.
func (e Event) Valid() bool {
	switch e {
	case EventStartPlanning, EventFail, EventPlanSucceeded, EventPlanFailed,
		EventCodeSucceeded, EventCodeFailed, EventReviewApproved,
		EventReviewRejected, EventReviewFailed, EventPROpened,
		EventPRFailed, EventCancel:
		return true
	}
	return false
}
