// internal/model/template.go
package model

type TemplateStatus string

const (
	TemplateApproved TemplateStatus = "APPROVED"
	TemplatePending  TemplateStatus = "PENDING"
	TemplateRejected TemplateStatus = "REJECTED"
	TemplatePaused   TemplateStatus = "PAUSED"
)

type Template struct {
	ID         string         `db:"id" json:"id"`
	BusinessID string         `db:"business_id" json:"business_id"`
	Name       string         `db:"name" json:"name"`
	Language   string         `db:"language" json:"language"`
	Status     TemplateStatus `db:"status" json:"status"`
	Body       string         `db:"body" json:"body"`
}

func (t *Template) Approved() bool {
	return t != nil && t.Status == TemplateApproved
}
