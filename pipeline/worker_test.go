package pipeline

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pullsmith/pullsmith/agent"
	"github.com/pullsmith/pullsmith/job"
	"github.com/pullsmith/pullsmith/queue"
	"github.com/pullsmith/pullsmith/tenant"
)

var scopeA = tenant.Scope{TenantID: "tenant-a", OrgID: "acme"}

// seedJob creates a QUEUED job in the memory store under scope A.
func seedJob(t *testing.T, jobs *job.MemoryStore, id string) *job.Job {
	t.Helper()
	ctx := tenant.WithScope(context.Background(), scopeA)
	j := &job.Job{
		ID:           id,
		RepositoryID: "repo-1",
		Status:       job.StatusQueued,
		Metadata: job.Metadata{
			IssueNumber: 123,
			IssueTitle:  "Test Issue",
			IssueBody:   "Body",
			IssueURL:    "https://github.com/acme/widgets/issues/123",
		},
	}
	require.NoError(t, jobs.Create(ctx, j))
	return j
}

func envelopeFor(j *job.Job) *Envelope {
	return &Envelope{
		JobID:        j.ID,
		TenantID:     "tenant-a",
		OrgID:        "acme",
		RepositoryID: j.RepositoryID,
		IssueNumber:  123,
		Payload:      Payload{Type: payloadTypeQueued, IssueTitle: "Test Issue"},
	}
}

func message(t *testing.T, env *Envelope) *queue.Message {
	t.Helper()
	data, err := env.Encode()
	require.NoError(t, err)
	return &queue.Message{ID: env.JobID, Queue: queue.Planning, Data: data, Attempt: 1}
}

func TestHandleDropsPoisonMessage(t *testing.T) {
	w := NewPlanningWorker(Deps{Jobs: job.NewMemoryStore(), Config: DefaultConfig()})
	err := w.handle(context.Background(), &queue.Message{ID: "x", Data: []byte("not json")})
	assert.NoError(t, err, "undecodable messages must be acked, not retried")
}

func TestHandleDropsUnknownJob(t *testing.T) {
	w := NewPlanningWorker(Deps{Jobs: job.NewMemoryStore(), Config: DefaultConfig()})
	env := &Envelope{JobID: "ghost", TenantID: "tenant-a"}
	assert.NoError(t, w.handle(context.Background(), message(t, env)))
}

func TestHandleDropsTerminalJob(t *testing.T) {
	jobs := job.NewMemoryStore()
	j := seedJob(t, jobs, "job-cancelled")
	ctx := tenant.WithScope(context.Background(), scopeA)
	_, err := jobs.Transition(ctx, j.ID, job.EventCancel)
	require.NoError(t, err)

	w := NewPlanningWorker(Deps{Jobs: jobs, Agent: &agent.MockAgent{}, Config: DefaultConfig()})
	require.NoError(t, w.handle(context.Background(), message(t, envelopeFor(j))))

	// Terminal means terminal: the drop must not have written anything.
	got, err := jobs.Get(ctx, j.ID)
	require.NoError(t, err)
	assert.Equal(t, job.StatusCancelled, got.Status)
}

func TestHandleDropsWrongEntryState(t *testing.T) {
	jobs := job.NewMemoryStore()
	j := seedJob(t, jobs, "job-early")
	env := envelopeFor(j)
	env.Payload = Payload{}

	// A coding delivery while the job is still QUEUED: the predecessor has
	// not transitioned yet, so the worker must not work or transition.
	w := NewCodingWorker(Deps{Jobs: jobs, Agent: &agent.MockAgent{}, Config: DefaultConfig()})
	require.NoError(t, w.handle(context.Background(), message(t, env)))

	ctx := tenant.WithScope(context.Background(), scopeA)
	got, err := jobs.Get(ctx, j.ID)
	require.NoError(t, err)
	assert.Equal(t, job.StatusQueued, got.Status)
}

func TestPlanningFailureFailsJobWithDetails(t *testing.T) {
	jobs := job.NewMemoryStore()
	j := seedJob(t, jobs, "job-plan-fail")

	w := NewPlanningWorker(Deps{
		Jobs:   jobs,
		Agent:  &agent.MockAgent{FailPlan: true},
		Config: DefaultConfig(),
	})
	require.NoError(t, w.handle(context.Background(), message(t, envelopeFor(j))))

	ctx := tenant.WithScope(context.Background(), scopeA)
	got, err := jobs.Get(ctx, j.ID)
	require.NoError(t, err)
	assert.Equal(t, job.StatusFailed, got.Status)
	assert.Equal(t, string(job.StatusPlanning), got.Metadata.FailedAt)
	assert.NotEmpty(t, got.Metadata.ErrorDetails)

	history, err := jobs.History(ctx, j.ID)
	require.NoError(t, err)
	var events []job.Event
	for _, tr := range history {
		events = append(events, tr.Event)
	}
	assert.Equal(t, []job.Event{job.EventStartPlanning, job.EventPlanFailed}, events)
}

func TestCodingMsgID(t *testing.T) {
	assert.Equal(t, "job-1", codingMsgID("job-1", 0))
	assert.Equal(t, "job-1:retry-1", codingMsgID("job-1", 1))
	assert.Equal(t, "job-1:retry-3", codingMsgID("job-1", 3))
}

func TestProtectedPathHit(t *testing.T) {
	changes := []agent.FileChange{
		{Path: "internal/service/api.go", Operation: agent.OpUpdate},
		{Path: ".github/workflows/release.yml", Operation: agent.OpUpdate},
	}

	assert.Equal(t, "", protectedPathHit(nil, changes))
	assert.Equal(t, "", protectedPathHit([]string{"vendor/**"}, changes))
	assert.Equal(t, ".github/workflows/release.yml",
		protectedPathHit([]string{".github/**"}, changes[1:]))
	assert.Equal(t, "internal/service/api.go",
		protectedPathHit([]string{"**/*.go"}, changes))
	// An invalid pattern blocks rather than passes.
	assert.NotEmpty(t, protectedPathHit([]string{"[bad"}, changes))
}

func TestEnvelopeRoundTrip(t *testing.T) {
	env := &Envelope{
		JobID:        "job-1",
		TenantID:     "tenant-a",
		RepositoryID: "repo-1",
		IssueNumber:  7,
		Payload: Payload{
			Plan:     &agent.PlanResult{Summary: "s"},
			Attempts: 2,
		},
	}
	data, err := env.Encode()
	require.NoError(t, err)

	got, err := DecodeEnvelope(data)
	require.NoError(t, err)
	assert.Equal(t, env, got)
}

func TestDecodeEnvelopeRejectsMissingReference(t *testing.T) {
	_, err := DecodeEnvelope([]byte(`{"payload":{}}`))
	assert.Error(t, err)
}

func TestDecodeStageResult(t *testing.T) {
	plan, err := decodeStageResult[agent.PlanResult](json.RawMessage(`{"summary":"s"}`), "plan", "job-1")
	require.NoError(t, err)
	assert.Equal(t, "s", plan.Summary)

	_, err = decodeStageResult[agent.PlanResult](nil, "plan", "job-1")
	assert.Error(t, err)

	_, err = decodeStageResult[agent.PlanResult](json.RawMessage(`{`), "plan", "job-1")
	assert.Error(t, err)
}
