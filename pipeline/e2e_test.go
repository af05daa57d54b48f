package pipeline

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pullsmith/pullsmith/agent"
	"github.com/pullsmith/pullsmith/forge"
	"github.com/pullsmith/pullsmith/job"
	"github.com/pullsmith/pullsmith/queue"
	"github.com/pullsmith/pullsmith/store"
	"github.com/pullsmith/pullsmith/tenant"
)

// fakeRepos is an in-memory RepoDirectory with the same visibility rule as
// the storage plane: rows of other tenants do not exist.
type fakeRepos struct {
	repos map[string]*store.Repository
}

func (f *fakeRepos) Get(ctx context.Context, id string) (*store.Repository, error) {
	scope, err := tenant.Current(ctx)
	if err != nil {
		return nil, err
	}
	r, ok := f.repos[id]
	if !ok || r.TenantID != scope.TenantID {
		return nil, store.ErrNotFound
	}
	return r, nil
}

// recordingOpener captures open requests and answers with a fixed pull
// request, or fails when told to.
type recordingOpener struct {
	mu       sync.Mutex
	requests []forge.OpenRequest
	fail     bool
}

func (o *recordingOpener) OpenPullRequest(_ context.Context, req forge.OpenRequest) (*forge.PullRequest, error) {
	o.mu.Lock()
	o.requests = append(o.requests, req)
	fail := o.fail
	o.mu.Unlock()
	if fail {
		return nil, fmt.Errorf("platform rejected the pull request")
	}
	return &forge.PullRequest{Number: 42, URL: fmt.Sprintf("https://github.com/%s/%s/pull/42", req.Owner, req.Repo)}, nil
}

func (o *recordingOpener) all() []forge.OpenRequest {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]forge.OpenRequest(nil), o.requests...)
}

type pipelineFixture struct {
	jobs     *job.MemoryStore
	opener   *recordingOpener
	pipeline *Pipeline
}

// startPipeline boots an embedded broker and a full pipeline over the
// in-memory job store and the given agent.
func startPipeline(t *testing.T, ag agent.Agent, policy string) *pipelineFixture {
	t.Helper()

	ns, err := server.NewServer(&server.Options{
		Port:      -1,
		JetStream: true,
		StoreDir:  t.TempDir(),
		NoLog:     true,
		NoSigs:    true,
	})
	require.NoError(t, err)
	go ns.Start()
	require.True(t, ns.ReadyForConnections(5*time.Second))
	t.Cleanup(ns.Shutdown)

	nc, err := nats.Connect(ns.ClientURL())
	require.NoError(t, err)
	t.Cleanup(nc.Close)

	qcfg := queue.DefaultConfig()
	qcfg.RetryBackoff = 50 * time.Millisecond
	qcfg.AckWait = 10 * time.Second
	queues := queue.NewManager("", qcfg, queue.WithConn(nc))

	jobs := job.NewMemoryStore()
	opener := &recordingOpener{}
	repos := &fakeRepos{repos: map[string]*store.Repository{
		"repo-1": {
			ID:              "repo-1",
			TenantID:        "tenant-a",
			GitHubRepoID:    1001,
			Owner:           "acme",
			Name:            "widgets",
			FullName:        "acme/widgets",
			Enabled:         true,
			PolicyOverrides: []byte(policy),
		},
	}}

	cfg := DefaultConfig()
	p := New(Deps{
		Jobs:   jobs,
		Repos:  repos,
		Agent:  ag,
		Opener: opener,
		Queues: queues,
		Config: cfg,
	}, queues)

	require.NoError(t, p.Start(context.Background()))
	t.Cleanup(func() { _ = p.Stop(5 * time.Second) })

	return &pipelineFixture{jobs: jobs, opener: opener, pipeline: p}
}

// createJob runs the producer under scope A for the canonical test issue.
func (f *pipelineFixture) createJob(t *testing.T) string {
	t.Helper()
	ctx := tenant.WithScope(context.Background(), scopeA)
	id, err := f.pipeline.Producer().CreateJob(ctx, NewJob{
		RepositoryID: "repo-1",
		IssueNumber:  123,
		IssueTitle:   "Test Issue",
		IssueBody:    "Something is broken",
		IssueURL:     "https://github.com/acme/widgets/issues/123",
	})
	require.NoError(t, err)
	return id
}

// waitTerminal polls the job until it reaches a terminal status.
func (f *pipelineFixture) waitTerminal(t *testing.T, jobID string) *job.Job {
	t.Helper()
	ctx := tenant.WithScope(context.Background(), scopeA)
	var final *job.Job
	require.Eventually(t, func() bool {
		j, err := f.jobs.Get(ctx, jobID)
		if err != nil {
			return false
		}
		if !j.Status.IsTerminal() {
			return false
		}
		final = j
		return true
	}, 30*time.Second, 50*time.Millisecond, "job never reached a terminal status")
	return final
}

// statusSequence reads the observed statuses from the transition history,
// initial status included.
func (f *pipelineFixture) statusSequence(t *testing.T, jobID string) []job.Status {
	t.Helper()
	ctx := tenant.WithScope(context.Background(), scopeA)
	history, err := f.jobs.History(ctx, jobID)
	require.NoError(t, err)
	seq := []job.Status{job.StatusQueued}
	for _, tr := range history {
		seq = append(seq, tr.To)
	}
	return seq
}

func TestPipelineHappyPath(t *testing.T) {
	f := startPipeline(t, &agent.MockAgent{Delay: 50 * time.Millisecond}, `{}`)

	start := time.Now()
	jobID := f.createJob(t)
	final := f.waitTerminal(t, jobID)

	assert.Equal(t, job.StatusCompleted, final.Status)
	assert.Equal(t, []job.Status{
		job.StatusQueued,
		job.StatusPlanning,
		job.StatusCoding,
		job.StatusReviewing,
		job.StatusPROpen,
		job.StatusCompleted,
	}, f.statusSequence(t, jobID))
	assert.Less(t, time.Since(start), 30*time.Second)

	// The pull request coordinates land in the job metadata.
	assert.Equal(t, 42, final.Metadata.PRNumber)
	assert.Contains(t, final.Metadata.PRURL, "/pull/42")

	// The payload accumulated across stages into the open request.
	requests := f.opener.all()
	require.Len(t, requests, 1)
	assert.Equal(t, "acme", requests[0].Owner)
	assert.Equal(t, "widgets", requests[0].Repo)
	assert.Equal(t, "pullsmith/issue-123", requests[0].Branch)
	assert.Contains(t, requests[0].Body, "issues/123")
}

func TestPipelinePlanningFailure(t *testing.T) {
	f := startPipeline(t, &agent.MockAgent{FailPlan: true}, `{}`)

	jobID := f.createJob(t)
	final := f.waitTerminal(t, jobID)

	assert.Equal(t, job.StatusFailed, final.Status)
	assert.Equal(t, string(job.StatusPlanning), final.Metadata.FailedAt)
	assert.NotEmpty(t, final.Metadata.ErrorDetails)
	assert.Empty(t, f.opener.all())
}

func TestPipelineReviewRejectionLoopIsBounded(t *testing.T) {
	f := startPipeline(t, &agent.MockAgent{RejectReview: true}, `{}`)

	jobID := f.createJob(t)
	final := f.waitTerminal(t, jobID)

	require.Equal(t, job.StatusFailed, final.Status)

	ctx := tenant.WithScope(context.Background(), scopeA)
	history, err := f.jobs.History(ctx, jobID)
	require.NoError(t, err)

	var rejections int
	var exhausted bool
	for _, tr := range history {
		if tr.Event == job.EventReviewRejected {
			rejections++
			assert.Equal(t, job.StatusCoding, tr.To, "a rejection re-enters coding")
		}
		if tr.Event == job.EventReviewFailed && tr.Reason == "review retries exhausted" {
			exhausted = true
		}
	}
	assert.Equal(t, DefaultConfig().MaxReviewRetries, rejections)
	assert.True(t, exhausted, "exhaustion must fail with its distinct reason")
	assert.Equal(t, DefaultConfig().MaxReviewRetries, final.Metadata.Attempts)
}

func TestPipelinePullRequestFailure(t *testing.T) {
	f := startPipeline(t, &agent.MockAgent{}, `{}`)
	f.opener.fail = true

	jobID := f.createJob(t)
	final := f.waitTerminal(t, jobID)

	assert.Equal(t, job.StatusFailed, final.Status)
	assert.Equal(t, string(job.StatusPROpen), final.Metadata.FailedAt)
	assert.Contains(t, final.Metadata.ErrorDetails, "platform rejected")
}

func TestPipelineProtectedPathBlocksPullRequest(t *testing.T) {
	// The mock change set touches internal/fix.go.
	f := startPipeline(t, &agent.MockAgent{}, `{"protectedPaths": ["internal/**"]}`)

	jobID := f.createJob(t)
	final := f.waitTerminal(t, jobID)

	assert.Equal(t, job.StatusFailed, final.Status)
	assert.Contains(t, final.Metadata.ErrorDetails, "protected path")
	assert.Empty(t, f.opener.all(), "the collaborator must not be invoked")
}

func TestProducerRequiresTenantScope(t *testing.T) {
	f := startPipeline(t, &agent.MockAgent{}, `{}`)

	_, err := f.pipeline.Producer().CreateJob(context.Background(), NewJob{
		RepositoryID: "repo-1",
		IssueNumber:  1,
		IssueTitle:   "t",
	})
	assert.ErrorIs(t, err, tenant.ErrNoScope)
}

func TestProducerRejectsForeignRepository(t *testing.T) {
	f := startPipeline(t, &agent.MockAgent{}, `{}`)

	ctx := tenant.WithScope(context.Background(), tenant.Scope{TenantID: "tenant-b"})
	_, err := f.pipeline.Producer().CreateJob(ctx, NewJob{
		RepositoryID: "repo-1",
		IssueNumber:  1,
		IssueTitle:   "t",
	})
	assert.ErrorIs(t, err, store.ErrNotFound)
}
