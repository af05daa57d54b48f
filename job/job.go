package job

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"
)

// Job is one issue-to-pull-request run. Rows live in the jobs table and are
// tenant-owned: every read and write goes through the tenant-scoped storage
// client.
type Job struct {
	ID           string    `db:"id" json:"id"`
	TenantID     string    `db:"tenant_id" json:"tenantId"`
	RepositoryID string    `db:"repository_id" json:"repositoryId"`
	Status       Status    `db:"status" json:"status"`
	Metadata     Metadata  `db:"metadata" json:"metadata"`
	CreatedAt    time.Time `db:"created_at" json:"createdAt"`
	UpdatedAt    time.Time `db:"updated_at" json:"updatedAt"`
}

// OwnerTenantID returns the owning tenant for ownership checks.
func (j *Job) OwnerTenantID() string {
	return j.TenantID
}

// Validate checks the fields a job row must carry before it is persisted.
func (j *Job) Validate() error {
	if j.ID == "" {
		return fmt.Errorf("job id is required")
	}
	if j.TenantID == "" {
		return fmt.Errorf("job %s: tenant id is required", j.ID)
	}
	if j.RepositoryID == "" {
		return fmt.Errorf("job %s: repository id is required", j.ID)
	}
	if !j.Status.Valid() {
		return fmt.Errorf("job %s: unknown status %q", j.ID, j.Status)
	}
	return nil
}

// Metadata is the free-form job record: the originating issue, each stage's
// output, and failure details. It is stored as one JSONB column and only
// ever rewritten under the transition lock, so stages cannot clobber each
// other's entries.
type Metadata struct {
	// Originating issue reference.
	IssueNumber int    `json:"issueNumber,omitempty"`
	IssueTitle  string `json:"issueTitle,omitempty"`
	IssueBody   string `json:"issueBody,omitempty"`
	IssueURL    string `json:"issueUrl,omitempty"`

	// Repository coordinates resolved at job creation.
	RepoOwner string `json:"repoOwner,omitempty"`
	RepoName  string `json:"repoName,omitempty"`

	// Stage outputs, set as each stage succeeds. Stored raw: the shapes
	// belong to the agent contract, not the job record.
	Plan   json.RawMessage `json:"plan,omitempty"`
	Code   json.RawMessage `json:"code,omitempty"`
	Review json.RawMessage `json:"review,omitempty"`

	// Attempts counts review rejections sent back to coding.
	// ReviewFeedback carries the latest rejection's feedback so a coding
	// re-entry rebuilt after a crash still sees it.
	Attempts       int    `json:"attempts,omitempty"`
	ReviewFeedback string `json:"reviewFeedback,omitempty"`

	// Failure details. FailedAt records the status the job failed in.
	ErrorDetails string `json:"errorDetails,omitempty"`
	FailedAt     string `json:"failedAt,omitempty"`

	// Pull request coordinates once opened.
	PRNumber int    `json:"prNumber,omitempty"`
	PRURL    string `json:"prUrl,omitempty"`

	CancelReason string `json:"cancelReason,omitempty"`
}

// Value implements driver.Valuer so Metadata round-trips through a JSONB
// column.
func (m Metadata) Value() (driver.Value, error) {
	return json.Marshal(m)
}

// Scan implements sql.Scanner.
func (m *Metadata) Scan(src any) error {
	switch v := src.(type) {
	case nil:
		*m = Metadata{}
		return nil
	case []byte:
		return json.Unmarshal(v, m)
	case string:
		return json.Unmarshal([]byte(v), m)
	default:
		return fmt.Errorf("cannot scan %T into job.Metadata", src)
	}
}

// Transition is one applied status change. Rows are append-only: together
// they are the observable history of a job, in the order the changes were
// serialized.
type Transition struct {
	ID        int64     `db:"id" json:"id"`
	TenantID  string    `db:"tenant_id" json:"tenantId"`
	JobID     string    `db:"job_id" json:"jobId"`
	From      Status    `db:"from_status" json:"from"`
	To        Status    `db:"to_status" json:"to"`
	Event     Event     `db:"event" json:"event"`
	Reason    string    `db:"reason" json:"reason,omitempty"`
	CreatedAt time.Time `db:"created_at" json:"createdAt"`
}
