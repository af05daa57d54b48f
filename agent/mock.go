package agent

import (
	"context"
	"fmt"
	"time"
)

// MockAgent is the deterministic test double for the capability set. Its
// outputs are stable functions of the JobContext, so tests can assert on
// them, and the failure and rejection toggles drive the pipeline's error
// paths. Safe for concurrent use: configuration is fixed at construction.
type MockAgent struct {
	// Delay is slept before every call, simulating agent latency.
	Delay time.Duration

	// FailPlan, FailCode, and FailReview make the respective call return an
	// error.
	FailPlan   bool
	FailCode   bool
	FailReview bool

	// RejectReview makes Review return an unapproved verdict instead of an
	// error.
	RejectReview bool
}

var _ Agent = (*MockAgent)(nil)

// Plan returns a fixed two-step plan referencing the issue.
func (m *MockAgent) Plan(ctx context.Context, jc JobContext) (*PlanResult, error) {
	if err := m.wait(ctx); err != nil {
		return nil, err
	}
	if m.FailPlan {
		return nil, fmt.Errorf("mock planning failure for issue #%d", jc.IssueNumber)
	}
	return &PlanResult{
		Summary: fmt.Sprintf("Plan for issue #%d: %s", jc.IssueNumber, jc.IssueTitle),
		Steps: []string{
			"Reproduce the reported behavior",
			"Apply the fix and cover it with a test",
		},
		FilesChanged:        []string{"internal/fix.go", "internal/fix_test.go"},
		EstimatedComplexity: ComplexityLow,
		Metadata:            map[string]string{"agent": "mock"},
	}, nil
}

// Code returns a single-file change set on a branch derived from the issue
// number.
func (m *MockAgent) Code(ctx context.Context, jc JobContext, plan *PlanResult) (*CodeResult, error) {
	if err := m.wait(ctx); err != nil {
		return nil, err
	}
	if m.FailCode {
		return nil, fmt.Errorf("mock coding failure for issue #%d", jc.IssueNumber)
	}
	return &CodeResult{
		Changes: []FileChange{{
			Path:      "internal/fix.go",
			Operation: OpUpdate,
			Content:   fmt.Sprintf("// fix for issue #%d\n", jc.IssueNumber),
		}},
		CommitMessage: fmt.Sprintf("Fix %s (#%d)", jc.IssueTitle, jc.IssueNumber),
		Branch:        fmt.Sprintf("pullsmith/issue-%d", jc.IssueNumber),
		Metadata:      map[string]string{"agent": "mock"},
	}, nil
}

// Review approves unless RejectReview is set.
func (m *MockAgent) Review(ctx context.Context, jc JobContext, plan *PlanResult, code *CodeResult) (*ReviewResult, error) {
	if err := m.wait(ctx); err != nil {
		return nil, err
	}
	if m.FailReview {
		return nil, fmt.Errorf("mock review failure for issue #%d", jc.IssueNumber)
	}
	if m.RejectReview {
		return &ReviewResult{
			Approved:         false,
			Feedback:         "mock rejection: the change set needs another pass",
			SuggestedChanges: []string{"address the review feedback"},
			QualityScore:     40,
			Metadata:         map[string]string{"agent": "mock"},
		}, nil
	}
	return &ReviewResult{
		Approved:     true,
		QualityScore: 90,
		Metadata:     map[string]string{"agent": "mock"},
	}, nil
}

func (m *MockAgent) wait(ctx context.Context) error {
	if m.Delay <= 0 {
		return ctx.Err()
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(m.Delay):
		return nil
	}
}
