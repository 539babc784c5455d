// internal/model/contact.go
package model

import "time"

type Contact struct {
	BusinessID    string     `db:"business_id" json:"business_id"`
	Phone         string     `db:"phone" json:"phone"`
	DisplayName   string     `db:"display_name" json:"display_name"`
	LastInboundAt *time.Time `db:"last_inbound_at" json:"last_inbound_at,omitempty"`
}
