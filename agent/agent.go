// Package agent defines the capability contract the pipeline calls into at
// each stage: plan the change, produce it, review it. Implementations are
// pure with respect to core state: they never touch storage, queues, or job
// statuses. The worker owns all of that; an agent failure simply propagates
// as an error and the worker converts it into the stage's failure event.
package agent

import (
	"context"
	"fmt"
)

// Complexity is the planner's effort estimate.
type Complexity string

const (
	ComplexityLow    Complexity = "low"
	ComplexityMedium Complexity = "medium"
	ComplexityHigh   Complexity = "high"
)

// File change operations.
const (
	OpCreate = "create"
	OpUpdate = "update"
	OpDelete = "delete"
)

// JobContext identifies the job and the issue an agent is working on. It is
// everything an agent may know about the core.
type JobContext struct {
	JobID        string `json:"jobId"`
	TenantID     string `json:"tenantId"`
	RepositoryID string `json:"repositoryId"`
	IssueNumber  int    `json:"issueNumber"`
	IssueTitle   string `json:"issueTitle"`
	IssueBody    string `json:"issueBody"`
	IssueURL     string `json:"issueUrl"`
}

// Validate checks the fields every stage needs.
func (jc *JobContext) Validate() error {
	if jc.JobID == "" {
		return fmt.Errorf("job context: job id is required")
	}
	if jc.TenantID == "" {
		return fmt.Errorf("job context: tenant id is required")
	}
	return nil
}

// PlanResult is the planning stage output.
type PlanResult struct {
	Summary             string            `json:"summary"`
	Steps               []string          `json:"steps"`
	FilesChanged        []string          `json:"filesChanged"`
	EstimatedComplexity Complexity        `json:"estimatedComplexity"`
	Metadata            map[string]string `json:"metadata,omitempty"`
}

// FileChange is one file operation in a change set. Content carries the new
// file body for create and update; OriginalContent the previous body for
// update and delete.
type FileChange struct {
	Path            string `json:"path"`
	Operation       string `json:"operation"`
	Content         string `json:"content,omitempty"`
	OriginalContent string `json:"originalContent,omitempty"`
}

// CodeResult is the coding stage output.
type CodeResult struct {
	Changes       []FileChange      `json:"changes"`
	CommitMessage string            `json:"commitMessage"`
	Branch        string            `json:"branch"`
	Metadata      map[string]string `json:"metadata,omitempty"`
}

// ReviewResult is the review stage verdict. QualityScore ranges 0-100.
type ReviewResult struct {
	Approved         bool              `json:"approved"`
	Feedback         string            `json:"feedback,omitempty"`
	SuggestedChanges []string          `json:"suggestedChanges,omitempty"`
	SecurityIssues   []string          `json:"securityIssues,omitempty"`
	QualityScore     int               `json:"qualityScore"`
	Metadata         map[string]string `json:"metadata,omitempty"`
}

// Agent is the capability set the pipeline drives a job through.
type Agent interface {
	// Plan analyzes the issue and returns a change plan.
	Plan(ctx context.Context, jc JobContext) (*PlanResult, error)

	// Code produces the change set implementing the plan.
	Code(ctx context.Context, jc JobContext, plan *PlanResult) (*CodeResult, error)

	// Review evaluates the change set against the plan.
	Review(ctx context.Context, jc JobContext, plan *PlanResult, code *CodeResult) (*ReviewResult, error)
}
