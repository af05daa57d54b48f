package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/pullsmith/pullsmith/agent"
	"github.com/pullsmith/pullsmith/forge"
	"github.com/pullsmith/pullsmith/job"
	"github.com/pullsmith/pullsmith/queue"
	"github.com/pullsmith/pullsmith/store"
	"github.com/pullsmith/pullsmith/tenant"
)

// Deps is everything a stage worker reaches: storage, the agent, the
// queues, and for the final stage the pull-request collaborator.
type Deps struct {
	Jobs   job.Store
	Repos  RepoDirectory
	Agent  agent.Agent
	Opener forge.Opener
	Queues *queue.Manager
	Config Config
	Logger *slog.Logger
}

// stageFunc runs one stage for one delivery. It returns the metric outcome
// label, or an error when the failure is transient and the delivery should
// be retried by the queue substrate.
type stageFunc func(ctx context.Context, w *Worker, j *job.Job, env *Envelope) (string, error)

// Worker consumes one stage queue. The transition discipline is: a worker
// transitions at its own exit, never on entry (the planning worker's
// START_PLANNING is the one exception, covering the producer's seed).
// A delivery whose job has already advanced past this stage re-forwards
// the next-stage message instead of dropping it, so a crash between the
// exit transition and the enqueue cannot strand the job; the broker
// deduplicates the re-forward by message id.
type Worker struct {
	stage   string
	timeout time.Duration
	run     stageFunc
	deps    Deps
	logger  *slog.Logger
}

func newWorker(stage string, timeout time.Duration, run stageFunc, deps Deps) *Worker {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Worker{
		stage:   stage,
		timeout: timeout,
		run:     run,
		deps:    deps,
		logger:  logger.With("stage", stage),
	}
}

// NewPlanningWorker consumes the planning queue: START_PLANNING, plan,
// PLAN_SUCCEEDED into coding.
func NewPlanningWorker(deps Deps) *Worker {
	return newWorker(queue.Planning, deps.Config.PlanningTimeout, runPlanning, deps)
}

// NewCodingWorker consumes the coding queue: code, CODE_SUCCEEDED into
// reviewing. Entered both from planning and from a review rejection.
func NewCodingWorker(deps Deps) *Worker {
	return newWorker(queue.Coding, deps.Config.CodingTimeout, runCoding, deps)
}

// NewReviewingWorker consumes the reviewing queue: review, then either
// REVIEW_APPROVED into pr-open or REVIEW_REJECTED back into coding, capped
// by MaxReviewRetries.
func NewReviewingWorker(deps Deps) *Worker {
	return newWorker(queue.Reviewing, deps.Config.ReviewingTimeout, runReviewing, deps)
}

// NewPROpenWorker consumes the pr-open queue: policy check, open the pull
// request, PR_OPENED.
func NewPROpenWorker(deps Deps) *Worker {
	return newWorker(queue.PROpen, deps.Config.PROpenTimeout, runPROpen, deps)
}

// Start attaches the worker to its queue and begins consuming.
func (w *Worker) Start(ctx context.Context) error {
	q, err := w.deps.Queues.Get(ctx, w.stage)
	if err != nil {
		return fmt.Errorf("start %s worker: %w", w.stage, err)
	}
	if err := q.Consume(ctx, w.handle); err != nil {
		return fmt.Errorf("start %s worker: %w", w.stage, err)
	}
	return nil
}

// handle is the queue handler: rebind the tenant scope from the envelope,
// load the job, drop deliveries for vanished or terminal jobs, and run the
// stage. A returned error requests a broker retry; anything else acks.
func (w *Worker) handle(ctx context.Context, msg *queue.Message) error {
	env, err := DecodeEnvelope(msg.Data)
	if err != nil {
		// Poison message: retrying cannot fix it.
		w.logger.Error("dropping undecodable message", "message_id", msg.ID, "error", err)
		stageOutcomesTotal.WithLabelValues(w.stage, outcomeDropped).Inc()
		return nil
	}

	ctx = tenant.WithScope(ctx, env.Scope())
	logger := w.logger.With("job_id", env.JobID, "tenant_id", env.TenantID)

	j, err := w.deps.Jobs.Get(ctx, env.JobID)
	if err != nil {
		if errors.Is(err, job.ErrNotFound) {
			logger.Error("dropping message for unknown job")
			stageOutcomesTotal.WithLabelValues(w.stage, outcomeDropped).Inc()
			return nil
		}
		return err
	}

	if j.Status.IsTerminal() {
		logger.Info("dropping message for finished job", "status", j.Status)
		stageOutcomesTotal.WithLabelValues(w.stage, outcomeDropped).Inc()
		return nil
	}

	start := time.Now()
	outcome, err := w.run(ctx, w, j, env)
	if err != nil {
		logger.Warn("stage handler failed, leaving retry to the queue",
			"attempt", msg.Attempt, "error", err)
		return err
	}
	stageSeconds.WithLabelValues(w.stage).Observe(time.Since(start).Seconds())
	stageOutcomesTotal.WithLabelValues(w.stage, outcome).Inc()
	logger.Info("stage finished", "outcome", outcome, "status", j.Status)
	return nil
}

// jobContext builds the agent's view of the job. Issue fields come from
// the job metadata, which the producer filled at creation.
func jobContext(j *job.Job) agent.JobContext {
	return agent.JobContext{
		JobID:        j.ID,
		TenantID:     j.TenantID,
		RepositoryID: j.RepositoryID,
		IssueNumber:  j.Metadata.IssueNumber,
		IssueTitle:   j.Metadata.IssueTitle,
		IssueBody:    j.Metadata.IssueBody,
		IssueURL:     j.Metadata.IssueURL,
	}
}

// transition applies ev and classifies the result: done, lost the race
// (another worker or a cancel got there first; drop), or a storage error
// worth retrying.
func (w *Worker) transition(ctx context.Context, jobID string, ev job.Event, opts ...job.TransitionOption) (applied bool, err error) {
	if _, err := w.deps.Jobs.Transition(ctx, jobID, ev, opts...); err != nil {
		var invalid *job.InvalidTransitionError
		if errors.As(err, &invalid) {
			w.logger.Info("transition lost the race, dropping",
				"job_id", jobID, "event", ev, "status", invalid.From)
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// failStage converts an agent or collaborator failure into the stage's
// failure event. If the job got cancelled meanwhile the event is simply
// dropped.
func (w *Worker) failStage(ctx context.Context, jobID string, ev job.Event, at job.Status, cause error) (string, error) {
	applied, err := w.transition(ctx, jobID, ev, job.WithError(cause.Error(), at))
	if err != nil {
		return "", err
	}
	if !applied {
		return outcomeDropped, nil
	}
	return outcomeFailed, nil
}

// forward enqueues the next-stage envelope. msgID carries the enqueue
// idempotency: re-forwards of the same logical hop use the same id and
// collapse at the broker.
func (w *Worker) forward(ctx context.Context, queueName, msgID string, env *Envelope) error {
	data, err := env.Encode()
	if err != nil {
		return err
	}
	q, err := w.deps.Queues.Get(ctx, queueName)
	if err != nil {
		return fmt.Errorf("forward to %s: %w", queueName, err)
	}
	if err := q.Enqueue(ctx, msgID, data); err != nil {
		return fmt.Errorf("forward to %s: %w", queueName, err)
	}
	return nil
}

// agentErr distinguishes a shutdown from a real agent failure: when the
// delivery context itself is gone the stage must be retried later, not
// failed.
func agentErr(ctx context.Context, err error) (retry bool) {
	return ctx.Err() != nil && !errors.Is(err, context.DeadlineExceeded)
}

// codingMsgID derives the coding-queue message id for a given rejection
// count. The first entry uses the bare job id; every rejection re-entry
// gets its own id so the broker's dedup window cannot swallow the loop.
func codingMsgID(jobID string, attempts int) string {
	if attempts == 0 {
		return jobID
	}
	return fmt.Sprintf("%s:retry-%d", jobID, attempts)
}

// decodeStageResult loads a stored stage output from job metadata.
func decodeStageResult[T any](raw json.RawMessage, what, jobID string) (*T, error) {
	if len(raw) == 0 {
		return nil, fmt.Errorf("job %s: no stored %s", jobID, what)
	}
	var v T
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, fmt.Errorf("job %s: decode stored %s: %w", jobID, what, err)
	}
	return &v, nil
}

// runPlanning handles one planning delivery.
func runPlanning(ctx context.Context, w *Worker, j *job.Job, env *Envelope) (string, error) {
	switch j.Status {
	case job.StatusQueued:
		applied, err := w.transition(ctx, j.ID, job.EventStartPlanning)
		if err != nil {
			return "", err
		}
		if !applied {
			return outcomeDropped, nil
		}
	case job.StatusPlanning:
		// Redelivery after a crash mid-stage; plan again.
	case job.StatusCoding:
		// Crash landed between the exit transition and the enqueue:
		// rebuild the forward from the stored plan.
		plan, err := decodeStageResult[agent.PlanResult](j.Metadata.Plan, "plan", j.ID)
		if err != nil {
			return "", err
		}
		next := *env
		next.Payload = Payload{Plan: plan}
		if err := w.forward(ctx, queue.Coding, codingMsgID(j.ID, 0), &next); err != nil {
			return "", err
		}
		return outcomeSucceeded, nil
	default:
		return outcomeDropped, nil
	}

	stageCtx, cancel := context.WithTimeout(ctx, w.timeout)
	plan, err := w.deps.Agent.Plan(stageCtx, jobContext(j))
	cancel()
	if err != nil {
		if agentErr(ctx, err) {
			return "", err
		}
		return w.failStage(ctx, j.ID, job.EventPlanFailed, job.StatusPlanning, err)
	}

	applied, err := w.transition(ctx, j.ID, job.EventPlanSucceeded, job.WithPlan(mustJSON(plan)))
	if err != nil {
		return "", err
	}
	if !applied {
		return outcomeDropped, nil
	}

	next := *env
	next.Payload = Payload{Plan: plan}
	if err := w.forward(ctx, queue.Coding, codingMsgID(j.ID, 0), &next); err != nil {
		return "", err
	}
	return outcomeSucceeded, nil
}

// runCoding handles one coding delivery, both the first pass and the
// rejection re-entries.
func runCoding(ctx context.Context, w *Worker, j *job.Job, env *Envelope) (string, error) {
	switch j.Status {
	case job.StatusCoding:
		// Expected entry state; work.
	case job.StatusReviewing:
		plan := env.Payload.Plan
		if plan == nil {
			var err error
			plan, err = decodeStageResult[agent.PlanResult](j.Metadata.Plan, "plan", j.ID)
			if err != nil {
				return "", err
			}
		}
		code, err := decodeStageResult[agent.CodeResult](j.Metadata.Code, "change set", j.ID)
		if err != nil {
			return "", err
		}
		next := *env
		next.Payload = Payload{Plan: plan, Code: code, Attempts: env.Payload.Attempts}
		if err := w.forward(ctx, queue.Reviewing, j.ID, &next); err != nil {
			return "", err
		}
		return outcomeSucceeded, nil
	default:
		return outcomeDropped, nil
	}

	plan := env.Payload.Plan
	if plan == nil {
		var err error
		plan, err = decodeStageResult[agent.PlanResult](j.Metadata.Plan, "plan", j.ID)
		if err != nil {
			return "", err
		}
	}

	// A rejection re-entry carries the reviewer's feedback; surface it to
	// the agent through the plan metadata.
	if env.Payload.ReviewFeedback != "" {
		revised := *plan
		revised.Metadata = make(map[string]string, len(plan.Metadata)+1)
		for k, v := range plan.Metadata {
			revised.Metadata[k] = v
		}
		revised.Metadata["reviewFeedback"] = env.Payload.ReviewFeedback
		plan = &revised
	}

	stageCtx, cancel := context.WithTimeout(ctx, w.timeout)
	code, err := w.deps.Agent.Code(stageCtx, jobContext(j), plan)
	cancel()
	if err != nil {
		if agentErr(ctx, err) {
			return "", err
		}
		return w.failStage(ctx, j.ID, job.EventCodeFailed, job.StatusCoding, err)
	}

	applied, err := w.transition(ctx, j.ID, job.EventCodeSucceeded, job.WithCode(mustJSON(code)))
	if err != nil {
		return "", err
	}
	if !applied {
		return outcomeDropped, nil
	}

	next := *env
	next.Payload = Payload{Plan: env.Payload.Plan, Code: code, Attempts: env.Payload.Attempts}
	if next.Payload.Plan == nil {
		next.Payload.Plan = plan
	}
	if err := w.forward(ctx, queue.Reviewing, j.ID, &next); err != nil {
		return "", err
	}
	return outcomeSucceeded, nil
}

// runReviewing handles one reviewing delivery: approve forward, reject
// back to coding until the cap, fail otherwise.
func runReviewing(ctx context.Context, w *Worker, j *job.Job, env *Envelope) (string, error) {
	switch j.Status {
	case job.StatusReviewing:
		// Expected entry state; work.
	case job.StatusPROpen:
		review, err := decodeStageResult[agent.ReviewResult](j.Metadata.Review, "review", j.ID)
		if err != nil {
			return "", err
		}
		next := *env
		next.Payload = Payload{Plan: env.Payload.Plan, Code: env.Payload.Code, Review: review}
		if err := w.forward(ctx, queue.PROpen, j.ID, &next); err != nil {
			return "", err
		}
		return outcomeSucceeded, nil
	case job.StatusCoding:
		// The rejection already happened; re-forward the re-entry with the
		// feedback persisted at rejection time.
		attempts := j.Metadata.Attempts
		next := *env
		next.Payload = Payload{
			Plan:           env.Payload.Plan,
			Attempts:       attempts,
			ReviewFeedback: j.Metadata.ReviewFeedback,
		}
		if err := w.forward(ctx, queue.Coding, codingMsgID(j.ID, attempts), &next); err != nil {
			return "", err
		}
		return outcomeSucceeded, nil
	default:
		return outcomeDropped, nil
	}

	stageCtx, cancel := context.WithTimeout(ctx, w.timeout)
	review, err := w.deps.Agent.Review(stageCtx, jobContext(j), env.Payload.Plan, env.Payload.Code)
	cancel()
	if err != nil {
		if agentErr(ctx, err) {
			return "", err
		}
		return w.failStage(ctx, j.ID, job.EventReviewFailed, job.StatusReviewing, err)
	}

	if review.Approved {
		applied, err := w.transition(ctx, j.ID, job.EventReviewApproved, job.WithReview(mustJSON(review)))
		if err != nil {
			return "", err
		}
		if !applied {
			return outcomeDropped, nil
		}
		next := *env
		next.Payload = Payload{Plan: env.Payload.Plan, Code: env.Payload.Code, Review: review}
		if err := w.forward(ctx, queue.PROpen, j.ID, &next); err != nil {
			return "", err
		}
		return outcomeSucceeded, nil
	}

	attempts := env.Payload.Attempts + 1
	if attempts > w.deps.Config.MaxReviewRetries {
		// The loop is exhausted; fail with a distinct reason instead of
		// thrashing between coding and review forever.
		applied, err := w.transition(ctx, j.ID, job.EventReviewFailed,
			job.WithReason("review retries exhausted"),
			job.WithError(fmt.Sprintf("review rejected %d times, last feedback: %s", attempts-1, review.Feedback), job.StatusReviewing),
			job.WithReview(mustJSON(review)))
		if err != nil {
			return "", err
		}
		if !applied {
			return outcomeDropped, nil
		}
		return outcomeFailed, nil
	}

	applied, err := w.transition(ctx, j.ID, job.EventReviewRejected,
		job.WithReason(review.Feedback),
		job.WithAttempts(attempts),
		job.WithReviewFeedback(review.Feedback))
	if err != nil {
		return "", err
	}
	if !applied {
		return outcomeDropped, nil
	}

	next := *env
	next.Payload = Payload{
		Plan:           env.Payload.Plan,
		Attempts:       attempts,
		ReviewFeedback: review.Feedback,
	}
	if err := w.forward(ctx, queue.Coding, codingMsgID(j.ID, attempts), &next); err != nil {
		return "", err
	}
	return outcomeRejected, nil
}

// runPROpen handles one pr-open delivery: enforce the repository policy,
// open the pull request, complete the job.
func runPROpen(ctx context.Context, w *Worker, j *job.Job, env *Envelope) (string, error) {
	if j.Status != job.StatusPROpen {
		return outcomeDropped, nil
	}

	code := env.Payload.Code
	if code == nil {
		var err error
		code, err = decodeStageResult[agent.CodeResult](j.Metadata.Code, "change set", j.ID)
		if err != nil {
			return "", err
		}
	}

	repo, err := w.deps.Repos.Get(ctx, j.RepositoryID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return w.failStage(ctx, j.ID, job.EventPRFailed, job.StatusPROpen,
				fmt.Errorf("repository %s no longer exists", j.RepositoryID))
		}
		return "", err
	}

	policy, err := repo.Policy()
	if err != nil {
		return w.failStage(ctx, j.ID, job.EventPRFailed, job.StatusPROpen, err)
	}
	if hit := protectedPathHit(policy.ProtectedPaths, code.Changes); hit != "" {
		return w.failStage(ctx, j.ID, job.EventPRFailed, job.StatusPROpen,
			fmt.Errorf("change set touches protected path %s", hit))
	}

	title := code.CommitMessage
	if title == "" {
		title = fmt.Sprintf("Fix %s (#%d)", j.Metadata.IssueTitle, j.Metadata.IssueNumber)
	}
	stageCtx, cancel := context.WithTimeout(ctx, w.timeout)
	pr, err := w.deps.Opener.OpenPullRequest(stageCtx, forge.OpenRequest{
		Owner:  repo.Owner,
		Repo:   repo.Name,
		Base:   policy.BaseBranch,
		Branch: code.Branch,
		Title:  title,
		Body:   prBody(j, env),
	})
	cancel()
	if err != nil {
		if agentErr(ctx, err) {
			return "", err
		}
		return w.failStage(ctx, j.ID, job.EventPRFailed, job.StatusPROpen, err)
	}

	applied, err := w.transition(ctx, j.ID, job.EventPROpened, job.WithPullRequest(pr.Number, pr.URL))
	if err != nil {
		return "", err
	}
	if !applied {
		return outcomeDropped, nil
	}
	return outcomeSucceeded, nil
}

// prBody renders the pull request description from the job and its plan.
func prBody(j *job.Job, env *Envelope) string {
	body := fmt.Sprintf("Automated change for issue #%d", j.Metadata.IssueNumber)
	if j.Metadata.IssueURL != "" {
		body += "\n\nCloses " + j.Metadata.IssueURL
	}
	if env.Payload.Plan != nil && env.Payload.Plan.Summary != "" {
		body += "\n\n## Plan\n\n" + env.Payload.Plan.Summary
	}
	return body
}
