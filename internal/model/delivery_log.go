// internal/model/delivery_log.go
package model

import "time"

// DeliveryLogEntry is the immutable record of one job's terminal outcome.
type DeliveryLogEntry struct {
	ID             string     `db:"id" json:"id"`
	CampaignID     int64      `db:"campaign_id" json:"campaign_id"`
	RecipientIndex int        `db:"recipient_index" json:"recipient_index"`
	ContactPhone   string     `db:"contact_phone" json:"contact_phone"`
	ContactName    string     `db:"contact_name" json:"contact_name"`
	Status         JobStatus  `db:"status" json:"status"`
	UsedTemplate   bool       `db:"used_template" json:"used_template"`
	SentAt         *time.Time `db:"sent_at" json:"sent_at,omitempty"`
	Error          *string    `db:"error" json:"error,omitempty"`
	CreatedAt      time.Time  `db:"created_at" json:"created_at"`
}
