// Package pipeline drives a job through plan, code, review, and pull
// request. The producer seeds the planning queue; one worker per stage
// pulls its queue, invokes the agent, records the outcome as a state
// transition, and forwards the job to the next stage. The job row is the
// source of truth throughout; queue messages carry only a reference and
// the stage-local payload.
package pipeline

import (
	"encoding/json"
	"fmt"

	"github.com/pullsmith/pullsmith/agent"
	"github.com/pullsmith/pullsmith/tenant"
)

// payloadTypeQueued marks the seed message the producer puts on the
// planning queue.
const payloadTypeQueued = "queued"

// Envelope is the message carried between stages. It references the job
// and carries the tenant scope the handler rebinds before touching
// storage.
type Envelope struct {
	JobID        string  `json:"jobId"`
	TenantID     string  `json:"tenantId"`
	OrgID        string  `json:"orgId,omitempty"`
	RepositoryID string  `json:"repositoryId"`
	IssueNumber  int     `json:"issueNumber"`
	Payload      Payload `json:"payload"`
}

// Payload is the stage-local part of the envelope. Stages accumulate into
// it: planning adds the plan, coding the change set, review the verdict.
// A review rejection sends it back to coding with Attempts incremented and
// the feedback attached.
type Payload struct {
	Type       string `json:"type,omitempty"`
	IssueTitle string `json:"issueTitle,omitempty"`
	IssueBody  string `json:"issueBody,omitempty"`
	IssueURL   string `json:"issueUrl,omitempty"`

	Plan   *agent.PlanResult   `json:"plan,omitempty"`
	Code   *agent.CodeResult   `json:"code,omitempty"`
	Review *agent.ReviewResult `json:"review,omitempty"`

	Attempts       int    `json:"attempts,omitempty"`
	ReviewFeedback string `json:"reviewFeedback,omitempty"`
}

// Scope returns the tenant scope the envelope was produced under.
func (e *Envelope) Scope() tenant.Scope {
	return tenant.Scope{TenantID: e.TenantID, OrgID: e.OrgID}
}

// Validate checks the reference fields every handler needs.
func (e *Envelope) Validate() error {
	if e.JobID == "" {
		return fmt.Errorf("envelope: job id is required")
	}
	if e.TenantID == "" {
		return fmt.Errorf("envelope: tenant id is required")
	}
	return nil
}

// Encode serializes the envelope for the queue.
func (e *Envelope) Encode() ([]byte, error) {
	data, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("encode envelope for job %s: %w", e.JobID, err)
	}
	return data, nil
}

// DecodeEnvelope parses and validates a queue message body.
func DecodeEnvelope(data []byte) (*Envelope, error) {
	var e Envelope
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, fmt.Errorf("decode envelope: %w", err)
	}
	if err := e.Validate(); err != nil {
		return nil, err
	}
	return &e, nil
}

// mustJSON serializes a stage result for the job metadata. The results
// were built in-process, so marshaling cannot fail.
func mustJSON(v any) json.RawMessage {
	data, err := json.Marshal(v)
	if err != nil {
		return json.RawMessage(fmt.Sprintf("%q", err.Error()))
	}
	return data
}
