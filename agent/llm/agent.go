package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/pullsmith/pullsmith/agent"
)

// Agent fronts the capability set with chat-completion calls. Each
// operation sends a strict-JSON prompt, extracts the object from the
// response, and unmarshals it into the stage's result type. Like every
// agent it is pure with respect to core state.
type Agent struct {
	client *Client
	logger *slog.Logger
}

var _ agent.Agent = (*Agent)(nil)

// NewAgent builds the production agent over the given client.
func NewAgent(client *Client, logger *slog.Logger) *Agent {
	if logger == nil {
		logger = slog.Default()
	}
	return &Agent{client: client, logger: logger}
}

const planSystemPrompt = `You are a software planning assistant. Given a
repository issue, produce a change plan. Respond with a single JSON object
and nothing else, shaped as:
{"summary": string, "steps": [string], "filesChanged": [string],
"estimatedComplexity": "low"|"medium"|"high"}`

const codeSystemPrompt = `You are a software engineer. Given an issue and a
change plan, produce the change set. Respond with a single JSON object and
nothing else, shaped as:
{"changes": [{"path": string, "operation": "create"|"update"|"delete",
"content": string}], "commitMessage": string, "branch": string}`

const reviewSystemPrompt = `You are a code reviewer. Given an issue, a plan,
and a change set, review the change set. Respond with a single JSON object
and nothing else, shaped as:
{"approved": bool, "feedback": string, "suggestedChanges": [string],
"securityIssues": [string], "qualityScore": number between 0 and 100}`

// Plan asks the model for a change plan.
func (a *Agent) Plan(ctx context.Context, jc agent.JobContext) (*agent.PlanResult, error) {
	var result agent.PlanResult
	if err := a.complete(ctx, planSystemPrompt, issuePrompt(jc), &result); err != nil {
		return nil, fmt.Errorf("plan issue #%d: %w", jc.IssueNumber, err)
	}
	if result.Summary == "" {
		return nil, fmt.Errorf("plan issue #%d: model returned no summary", jc.IssueNumber)
	}
	if result.EstimatedComplexity == "" {
		result.EstimatedComplexity = agent.ComplexityMedium
	}
	return &result, nil
}

// Code asks the model for the change set implementing the plan.
func (a *Agent) Code(ctx context.Context, jc agent.JobContext, plan *agent.PlanResult) (*agent.CodeResult, error) {
	prompt := issuePrompt(jc) + "\n\nThe agreed plan:\n" + mustJSON(plan)

	var result agent.CodeResult
	if err := a.complete(ctx, codeSystemPrompt, prompt, &result); err != nil {
		return nil, fmt.Errorf("code issue #%d: %w", jc.IssueNumber, err)
	}
	if len(result.Changes) == 0 {
		return nil, fmt.Errorf("code issue #%d: model returned no changes", jc.IssueNumber)
	}
	if result.Branch == "" {
		result.Branch = fmt.Sprintf("pullsmith/issue-%d", jc.IssueNumber)
	}
	return &result, nil
}

// Review asks the model for a verdict on the change set.
func (a *Agent) Review(ctx context.Context, jc agent.JobContext, plan *agent.PlanResult, code *agent.CodeResult) (*agent.ReviewResult, error) {
	prompt := issuePrompt(jc) +
		"\n\nThe plan:\n" + mustJSON(plan) +
		"\n\nThe change set:\n" + mustJSON(code)

	var result agent.ReviewResult
	if err := a.complete(ctx, reviewSystemPrompt, prompt, &result); err != nil {
		return nil, fmt.Errorf("review issue #%d: %w", jc.IssueNumber, err)
	}
	if result.QualityScore < 0 || result.QualityScore > 100 {
		return nil, fmt.Errorf("review issue #%d: quality score %d out of range", jc.IssueNumber, result.QualityScore)
	}
	return &result, nil
}

// complete runs one prompt and decodes the JSON object from the response.
func (a *Agent) complete(ctx context.Context, system, user string, dest any) error {
	resp, err := a.client.Complete(ctx, Request{
		Messages: []Message{
			{Role: "system", Content: system},
			{Role: "user", Content: user},
		},
	})
	if err != nil {
		return err
	}

	raw := ExtractJSON(resp.Content)
	if raw == "" {
		return fmt.Errorf("no JSON object in model response (model %s)", resp.Model)
	}
	if err := json.Unmarshal([]byte(raw), dest); err != nil {
		return fmt.Errorf("decode model response: %w", err)
	}
	a.logger.Debug("llm stage call complete",
		"model", resp.Model,
		"tokens", resp.TotalTokens,
		"finish_reason", resp.FinishReason)
	return nil
}

func issuePrompt(jc agent.JobContext) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Issue #%d: %s\n", jc.IssueNumber, jc.IssueTitle)
	if jc.IssueURL != "" {
		fmt.Fprintf(&b, "URL: %s\n", jc.IssueURL)
	}
	if jc.IssueBody != "" {
		b.WriteString("\n")
		b.WriteString(jc.IssueBody)
	}
	return b.String()
}

// mustJSON renders v for prompt embedding. Results were produced by
// unmarshaling, so marshaling cannot fail.
func mustJSON(v any) string {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Sprintf("%v", v)
	}
	return string(b)
}
