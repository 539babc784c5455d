// internal/model/recipient_job.go
package model

type JobStatus string

const (
	JobPending JobStatus = "PENDING"
	JobSending JobStatus = "SENDING"
	JobSent    JobStatus = "SENT"
	JobFailed  JobStatus = "FAILED"
	JobSkipped JobStatus = "SKIPPED"
)

func (s JobStatus) IsTerminal() bool {
	return s == JobSent || s == JobFailed || s == JobSkipped
}

// Recipient is the normalized output of the recipient resolver.
type Recipient struct {
	Phone     string   `json:"phone"`
	Variables []string `json:"variables"`
}

// RecipientJob is one row of a campaign's job arena, keyed by (CampaignID, Index).
type RecipientJob struct {
	CampaignID  int64     `db:"campaign_id" json:"campaign_id"`
	Index       int       `db:"recipient_index" json:"index"`
	Phone       string    `db:"phone" json:"phone"`
	ContactName string    `db:"contact_name" json:"contact_name"`
	Variables   []string  `db:"variables" json:"variables"`
	Status      JobStatus `db:"status" json:"status"`
}
