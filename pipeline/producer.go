package pipeline

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/pullsmith/pullsmith/job"
	"github.com/pullsmith/pullsmith/queue"
	"github.com/pullsmith/pullsmith/store"
	"github.com/pullsmith/pullsmith/tenant"
)

// RepoDirectory resolves repository rows under the caller's tenant scope.
// *store.RepoStore is the production implementation.
type RepoDirectory interface {
	Get(ctx context.Context, id string) (*store.Repository, error)
}

// NewJob is a request to put an issue through the pipeline.
type NewJob struct {
	RepositoryID string
	IssueNumber  int
	IssueTitle   string
	IssueBody    string
	IssueURL     string
}

// Validate checks the request.
func (n *NewJob) Validate() error {
	if n.RepositoryID == "" {
		return fmt.Errorf("new job: repository id is required")
	}
	if n.IssueNumber <= 0 {
		return fmt.Errorf("new job: issue number is required")
	}
	if n.IssueTitle == "" {
		return fmt.Errorf("new job: issue title is required")
	}
	return nil
}

// Producer accepts issues and seeds the pipeline. CreateJob returns as
// soon as the job row exists and the planning queue holds the seed
// message; the stages run asynchronously.
type Producer struct {
	jobs   job.Store
	repos  RepoDirectory
	queues *queue.Manager
	logger *slog.Logger
}

// NewProducer wires a producer.
func NewProducer(jobs job.Store, repos RepoDirectory, queues *queue.Manager, logger *slog.Logger) *Producer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Producer{jobs: jobs, repos: repos, queues: queues, logger: logger}
}

// CreateJob creates the job row in QUEUED and enqueues the planning seed
// under the job id. It requires an active tenant scope; the repository
// must exist and be enabled for the tenant. When seeding the queue fails
// after the row was inserted, the job is retired via FAIL rather than left
// dangling in QUEUED.
func (p *Producer) CreateJob(ctx context.Context, req NewJob) (string, error) {
	scope, err := tenant.Current(ctx)
	if err != nil {
		return "", fmt.Errorf("create job: %w", err)
	}
	if err := req.Validate(); err != nil {
		return "", err
	}

	repo, err := p.repos.Get(ctx, req.RepositoryID)
	if err != nil {
		return "", fmt.Errorf("create job: resolve repository %s: %w", req.RepositoryID, err)
	}
	if !repo.Enabled {
		return "", fmt.Errorf("create job: repository %s is disabled", repo.FullName)
	}

	jobID := uuid.New().String()
	j := &job.Job{
		ID:           jobID,
		RepositoryID: repo.ID,
		Status:       job.StatusQueued,
		Metadata: job.Metadata{
			IssueNumber: req.IssueNumber,
			IssueTitle:  req.IssueTitle,
			IssueBody:   req.IssueBody,
			IssueURL:    req.IssueURL,
			RepoOwner:   repo.Owner,
			RepoName:    repo.Name,
		},
	}
	if err := p.jobs.Create(ctx, j); err != nil {
		return "", fmt.Errorf("create job: %w", err)
	}

	env := &Envelope{
		JobID:        jobID,
		TenantID:     scope.TenantID,
		OrgID:        scope.OrgID,
		RepositoryID: repo.ID,
		IssueNumber:  req.IssueNumber,
		Payload: Payload{
			Type:       payloadTypeQueued,
			IssueTitle: req.IssueTitle,
			IssueBody:  req.IssueBody,
			IssueURL:   req.IssueURL,
		},
	}
	if err := p.seed(ctx, env); err != nil {
		if _, failErr := p.jobs.Transition(ctx, jobID, job.EventFail,
			job.WithError(err.Error(), job.StatusQueued)); failErr != nil {
			p.logger.Error("retire unseeded job failed", "job_id", jobID, "error", failErr)
		}
		return "", fmt.Errorf("create job: %w", err)
	}

	jobsCreatedTotal.Inc()
	p.logger.Info("job created",
		"job_id", jobID,
		"tenant_id", scope.TenantID,
		"repository", repo.FullName,
		"issue", req.IssueNumber)
	return jobID, nil
}

// seed publishes the envelope on the planning queue with the job id as the
// message id.
func (p *Producer) seed(ctx context.Context, env *Envelope) error {
	data, err := env.Encode()
	if err != nil {
		return err
	}
	q, err := p.queues.Get(ctx, queue.Planning)
	if err != nil {
		return fmt.Errorf("seed planning queue: %w", err)
	}
	if err := q.Enqueue(ctx, env.JobID, data); err != nil {
		return fmt.Errorf("seed planning queue: %w", err)
	}
	return nil
}
