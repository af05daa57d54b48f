package job

import (
	"context"
	"encoding/json"
	"errors"
)

// ErrNotFound is returned when a job id resolves to no row visible in the
// caller's tenant scope. A job owned by another tenant is indistinguishable
// from one that does not exist.
var ErrNotFound = errors.New("job not found")

// Store persists jobs. Implementations serialize Transition per job id:
// concurrent events on the same job apply one at a time against the freshest
// status, and a transition plus its history record commit atomically.
type Store interface {
	// Create persists a new job row. The job's tenant id must match the
	// caller's scope.
	Create(ctx context.Context, j *Job) error

	// Get returns the job visible in the caller's tenant scope.
	Get(ctx context.Context, id string) (*Job, error)

	// CurrentStatus returns the job's status without loading the row.
	CurrentStatus(ctx context.Context, id string) (Status, error)

	// Transition applies ev to the job's current status. It validates the
	// event against the transition rules, writes the new status together
	// with an appended history record, and returns the updated job. A
	// rejected event returns *InvalidTransitionError.
	Transition(ctx context.Context, id string, ev Event, opts ...TransitionOption) (*Job, error)

	// History returns the applied transitions for a job, oldest first.
	History(ctx context.Context, id string) ([]Transition, error)

	// List returns the tenant's jobs in the given status, oldest first. An
	// empty status lists all of the tenant's jobs.
	List(ctx context.Context, status Status) ([]Job, error)
}

// TransitionOption customizes a single Transition call.
type TransitionOption func(*TransitionSettings)

// TransitionSettings collects what a transition writes besides the status:
// a reason on the history record and patches applied to the job metadata
// under the same serialization as the status change.
type TransitionSettings struct {
	Reason  string
	Patches []func(*Metadata)
}

// Apply folds the options into settings.
func (s *TransitionSettings) Apply(opts []TransitionOption) {
	for _, opt := range opts {
		opt(s)
	}
}

// Patch returns md with all patches applied.
func (s *TransitionSettings) Patch(md Metadata) Metadata {
	for _, p := range s.Patches {
		p(&md)
	}
	return md
}

// WithReason records why the event fired on the history record.
func WithReason(reason string) TransitionOption {
	return func(s *TransitionSettings) { s.Reason = reason }
}

// WithMetadata applies an arbitrary metadata patch with the transition.
func WithMetadata(patch func(*Metadata)) TransitionOption {
	return func(s *TransitionSettings) { s.Patches = append(s.Patches, patch) }
}

// WithError records failure details and the status the job failed in.
func WithError(details string, failedAt Status) TransitionOption {
	return WithMetadata(func(m *Metadata) {
		m.ErrorDetails = details
		m.FailedAt = string(failedAt)
	})
}

// WithPlan stores the planning stage output.
func WithPlan(plan json.RawMessage) TransitionOption {
	return WithMetadata(func(m *Metadata) { m.Plan = plan })
}

// WithCode stores the coding stage output.
func WithCode(code json.RawMessage) TransitionOption {
	return WithMetadata(func(m *Metadata) { m.Code = code })
}

// WithReview stores the review stage output.
func WithReview(review json.RawMessage) TransitionOption {
	return WithMetadata(func(m *Metadata) { m.Review = review })
}

// WithAttempts records the review rejection count.
func WithAttempts(n int) TransitionOption {
	return WithMetadata(func(m *Metadata) { m.Attempts = n })
}

// WithReviewFeedback records the latest rejection feedback for the coding
// re-entry.
func WithReviewFeedback(feedback string) TransitionOption {
	return WithMetadata(func(m *Metadata) { m.ReviewFeedback = feedback })
}

// WithPullRequest records the opened pull request coordinates.
func WithPullRequest(number int, url string) TransitionOption {
	return WithMetadata(func(m *Metadata) {
		m.PRNumber = number
		m.PRURL = url
	})
}
