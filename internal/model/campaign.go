// internal/model/campaign.go
package model

import "time"

type CampaignStatus string

const (
	StatusDraft     CampaignStatus = "DRAFT"
	StatusScheduled CampaignStatus = "SCHEDULED"
	StatusRunning   CampaignStatus = "RUNNING"
	StatusPaused    CampaignStatus = "PAUSED"
	StatusCompleted CampaignStatus = "COMPLETED"
	StatusCancelled CampaignStatus = "CANCELLED"
	StatusFailed    CampaignStatus = "FAILED"
)

// IsTerminal reports whether no further transition is possible except delete.
func (s CampaignStatus) IsTerminal() bool {
	return s == StatusCompleted || s == StatusCancelled || s == StatusFailed
}

func (s CampaignStatus) IsValid() bool {
	switch s {
	case StatusDraft, StatusScheduled, StatusRunning, StatusPaused,
		StatusCompleted, StatusCancelled, StatusFailed:
		return true
	}
	return false
}

type ContentType string

const (
	ContentText     ContentType = "text"
	ContentImage    ContentType = "image"
	ContentVideo    ContentType = "video"
	ContentAudio    ContentType = "audio"
	ContentDocument ContentType = "document"
	ContentTemplate ContentType = "template"
)

func (t ContentType) IsMedia() bool {
	return t == ContentImage || t == ContentVideo || t == ContentAudio || t == ContentDocument
}

type Campaign struct {
	ID                 int64          `db:"id" json:"id"`
	BusinessID         string         `db:"business_id" json:"business_id"`
	Name               string         `db:"name" json:"name"`
	ContentType        ContentType    `db:"content_type" json:"content_type"`
	Text               string         `db:"text_body" json:"text,omitempty"`
	MediaRef           string         `db:"media_ref" json:"media_ref,omitempty"`
	Caption            string         `db:"caption" json:"caption,omitempty"`
	TemplateID         *string        `db:"template_id" json:"template_id,omitempty"`
	FallbackTemplateID *string        `db:"fallback_template_id" json:"fallback_template_id,omitempty"`
	DelayMin           int            `db:"delay_min" json:"delay_min"`
	DelayMax           int            `db:"delay_max" json:"delay_max"`
	Status             CampaignStatus `db:"status" json:"status"`
	TotalContacts      int            `db:"total_contacts" json:"total_contacts"`
	SentCount          int            `db:"sent_count" json:"sent_count"`
	FailedCount        int            `db:"failed_count" json:"failed_count"`
	SkippedCount       int            `db:"skipped_count" json:"skipped_count"`
	FailureReason      string         `db:"failure_reason" json:"failure_reason,omitempty"`
	ScheduledAt        *time.Time     `db:"scheduled_at" json:"scheduled_at,omitempty"`
	CreatedAt          time.Time      `db:"created_at" json:"created_at"`
	StartedAt          *time.Time     `db:"started_at" json:"started_at,omitempty"`
	CompletedAt        *time.Time     `db:"completed_at" json:"completed_at,omitempty"`
	UpdatedAt          *time.Time     `db:"updated_at" json:"updated_at,omitempty"`
}

// Processed is the number of recipients whose job reached a terminal state.
func (c *Campaign) Processed() int {
	return c.SentCount + c.FailedCount + c.SkippedCount
}

func (c *Campaign) Pending() int {
	p := c.TotalContacts - c.Processed()
	if p < 0 {
		return 0
	}
	return p
}

func (c *Campaign) Progress() float64 {
	if c.TotalContacts == 0 {
		return 0
	}
	return float64(c.Processed()) / float64(c.TotalContacts) * 100
}

// HasContent reports whether the campaign carries something deliverable.
func (c *Campaign) HasContent() bool {
	switch {
	case c.ContentType == ContentText:
		return c.Text != ""
	case c.ContentType.IsMedia():
		return c.MediaRef != ""
	case c.ContentType == ContentTemplate:
		return c.TemplateID != nil && *c.TemplateID != ""
	}
	return false
}
