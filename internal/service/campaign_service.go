// internal/service/campaign_service.go
package service

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	appErrors "github.com/unclebandit/broadcast-engine/internal/errors"
	"github.com/unclebandit/broadcast-engine/internal/model"
	"github.com/unclebandit/broadcast-engine/internal/queue"
	"github.com/unclebandit/broadcast-engine/internal/recipient"
	"github.com/unclebandit/broadcast-engine/internal/repository"
)

const (
	ErrorCancelled   = "campaign cancelled"
	ErrorInterrupted = "interrupted: delivery outcome unknown"

	defaultLogLimit = 100
	maxLogLimit     = 500
)

var (
	startableFrom   = []model.CampaignStatus{model.StatusDraft, model.StatusScheduled, model.StatusPaused}
	cancellableFrom = []model.CampaignStatus{model.StatusDraft, model.StatusScheduled, model.StatusRunning, model.StatusPaused}
	deletableIn     = []model.CampaignStatus{model.StatusDraft, model.StatusCompleted, model.StatusCancelled, model.StatusFailed}
)

type CampaignService struct {
	CampaignRepo repository.CampaignRepositoryInterface
	ContactRepo  repository.ContactRepositoryInterface
	TemplateRepo repository.TemplateRepositoryInterface
	Queue        queue.Queue
	Log          *logrus.Entry
	Now          func() time.Time
}

func NewCampaignService(log *logrus.Entry, campaigns repository.CampaignRepositoryInterface, contacts repository.ContactRepositoryInterface, templates repository.TemplateRepositoryInterface, q queue.Queue) *CampaignService {
	return &CampaignService{
		CampaignRepo: campaigns,
		ContactRepo:  contacts,
		TemplateRepo: templates,
		Queue:        q,
		Log:          log.WithField("component", "campaign_service"),
		Now:          func() time.Time { return time.Now().UTC() },
	}
}

// CreateCampaignInput is the operator's create request. Recipients come from
// Phones (CRM selection), RecipientsCSV (pasted block) or both.
type CreateCampaignInput struct {
	BusinessID         string            `json:"business_id" validate:"required"`
	Name               string            `json:"name" validate:"required,max=200"`
	ContentType        model.ContentType `json:"content_type" validate:"required,oneof=text image video audio document template"`
	Text               string            `json:"text"`
	MediaRef           string            `json:"media_ref"`
	Caption            string            `json:"caption"`
	TemplateID         *string           `json:"template_id"`
	FallbackTemplateID *string           `json:"fallback_template_id"`
	Phones             []string          `json:"phones"`
	RecipientsCSV      string            `json:"recipients_csv"`
	DelayMin           int               `json:"delay_min" validate:"required,min=1"`
	DelayMax           int               `json:"delay_max" validate:"required,min=1,gtefield=DelayMin"`
	ScheduledAt        *time.Time        `json:"scheduled_at"`
}

// CampaignSnapshot is a campaign with its derived progress figures. Jobs
// still mid-send count as in flight, not pending.
type CampaignSnapshot struct {
	*model.Campaign
	Pending  int     `json:"pending"`
	InFlight int     `json:"in_flight"`
	Progress float64 `json:"progress"`
}

// Describe derives the progress figures of c.
func (s *CampaignService) Describe(ctx context.Context, c *model.Campaign) (*CampaignSnapshot, error) {
	inFlight, err := s.CampaignRepo.CountInFlight(ctx, c.ID)
	if err != nil {
		return nil, err
	}
	pending := c.Pending() - inFlight
	if pending < 0 {
		pending = 0
	}
	return &CampaignSnapshot{Campaign: c, Pending: pending, InFlight: inFlight, Progress: c.Progress()}, nil
}

func (s *CampaignService) CreateCampaign(ctx context.Context, in CreateCampaignInput) (*model.Campaign, error) {
	if err := validateStruct(in); err != nil {
		return nil, err
	}

	c := &model.Campaign{
		BusinessID:         in.BusinessID,
		Name:               strings.TrimSpace(in.Name),
		ContentType:        in.ContentType,
		Text:               in.Text,
		MediaRef:           in.MediaRef,
		Caption:            in.Caption,
		TemplateID:         in.TemplateID,
		FallbackTemplateID: in.FallbackTemplateID,
		DelayMin:           in.DelayMin,
		DelayMax:           in.DelayMax,
		Status:             model.StatusDraft,
		CreatedAt:          s.Now(),
	}
	if c.Name == "" {
		return nil, fieldError("name", "is required", nil)
	}
	if !c.HasContent() {
		return nil, fieldError("content", appErrors.ErrMissingContent.Error(), appErrors.ErrMissingContent)
	}
	if c.ContentType == model.ContentTemplate {
		if _, err := s.TemplateRepo.Get(ctx, *c.TemplateID); err != nil {
			if errors.Is(err, appErrors.ErrTemplateNotFound) {
				return nil, fieldError("template_id", "template not found", err)
			}
			return nil, err
		}
	}

	recipients := recipient.FromPhones(in.Phones)
	parsed, err := recipient.FromDelimited(in.RecipientsCSV)
	if err != nil {
		return nil, fieldError("recipients_csv", err.Error(), err)
	}
	recipients = recipient.Resolve(append(recipients, parsed...))
	if len(recipients) == 0 {
		return nil, fieldError("recipients", appErrors.ErrNoRecipients.Error(), appErrors.ErrNoRecipients)
	}

	jobs := make([]model.RecipientJob, len(recipients))
	for i, r := range recipients {
		jobs[i] = model.RecipientJob{Phone: r.Phone, Variables: r.Variables, ContactName: s.contactName(ctx, c.BusinessID, r.Phone)}
	}

	if in.ScheduledAt != nil && in.ScheduledAt.After(s.Now()) {
		at := in.ScheduledAt.UTC()
		c.ScheduledAt = &at
		c.Status = model.StatusScheduled
	}

	if err := s.CampaignRepo.Create(ctx, c, jobs); err != nil {
		return nil, err
	}
	countTransition(c.Status)
	s.Log.WithFields(logrus.Fields{"campaign_id": c.ID, "business_id": c.BusinessID, "recipients": len(jobs), "status": c.Status}).Info("campaign created")
	return c, nil
}

// contactName denormalizes the CRM display name; unknown phones get none.
func (s *CampaignService) contactName(ctx context.Context, businessID, phone string) string {
	contact, err := s.ContactRepo.Resolve(ctx, businessID, phone)
	if err != nil {
		if !errors.Is(err, appErrors.ErrContactNotFound) {
			s.Log.WithError(err).WithField("phone", phone).Warn("contact lookup failed")
		}
		return ""
	}
	return contact.DisplayName
}

func (s *CampaignService) StartCampaign(ctx context.Context, id int64) (*model.Campaign, error) {
	c, err := s.CampaignRepo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if c.TotalContacts == 0 {
		return nil, fieldError("recipients", appErrors.ErrNoRecipients.Error(), appErrors.ErrNoRecipients)
	}
	if !c.HasContent() {
		return nil, fieldError("content", appErrors.ErrMissingContent.Error(), appErrors.ErrMissingContent)
	}

	c, ok, err := s.CampaignRepo.Transition(ctx, id, startableFrom, model.StatusRunning, s.Now())
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, appErrors.NewInvalidTransition(id, string(c.Status), "start")
	}
	countTransition(model.StatusRunning)
	s.publish(ctx, queue.ActionStart, id)
	return c, nil
}

func (s *CampaignService) PauseCampaign(ctx context.Context, id int64) (*model.Campaign, error) {
	c, ok, err := s.CampaignRepo.Transition(ctx, id, []model.CampaignStatus{model.StatusRunning}, model.StatusPaused, s.Now())
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, appErrors.NewInvalidTransition(id, string(c.Status), "pause")
	}
	countTransition(model.StatusPaused)
	s.publish(ctx, queue.ActionPause, id)
	return c, nil
}

// CancelCampaign is idempotent: an already terminal campaign is returned
// unchanged.
func (s *CampaignService) CancelCampaign(ctx context.Context, id int64) (*model.Campaign, error) {
	c, skipped, ok, err := s.CampaignRepo.Terminate(ctx, id, cancellableFrom, model.StatusCancelled, "", ErrorCancelled, s.Now())
	if err != nil {
		return nil, err
	}
	if !ok {
		if c.Status.IsTerminal() {
			return c, nil
		}
		return nil, appErrors.NewInvalidTransition(id, string(c.Status), "cancel")
	}
	countTransition(model.StatusCancelled)
	s.Log.WithFields(logrus.Fields{"campaign_id": id, "skipped": skipped}).Info("campaign cancelled")
	s.publish(ctx, queue.ActionCancel, id)
	return c, nil
}

func (s *CampaignService) DeleteCampaign(ctx context.Context, id int64) error {
	return s.CampaignRepo.Delete(ctx, id, deletableIn)
}

// ListCampaigns fetches campaigns with pagination
func (s *CampaignService) ListCampaigns(ctx context.Context, businessID string, page, pageSize int, status string) ([]model.Campaign, map[string]int, error) {
	if page < 1 {
		page = 1
	}
	if pageSize < 1 {
		pageSize = 20
	}
	if pageSize > 100 {
		pageSize = 100
	}
	if status != "" && !model.CampaignStatus(status).IsValid() {
		return nil, nil, fieldError("status", "is invalid", nil)
	}
	offset := (page - 1) * pageSize

	ptrs, total, err := s.CampaignRepo.ListCampaigns(ctx, businessID, offset, pageSize, status)
	if err != nil {
		return nil, nil, err
	}

	campaigns := make([]model.Campaign, len(ptrs))
	for i, c := range ptrs {
		campaigns[i] = *c
	}

	totalPages := (total + pageSize - 1) / pageSize
	pagination := map[string]int{
		"page":        page,
		"page_size":   pageSize,
		"total_count": total,
		"total_pages": totalPages,
	}
	return campaigns, pagination, nil
}

func (s *CampaignService) GetCampaign(ctx context.Context, id int64) (*CampaignSnapshot, error) {
	c, err := s.CampaignRepo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	return s.Describe(ctx, c)
}

// ListDeliveryLogs returns entries in the order they were written.
func (s *CampaignService) ListDeliveryLogs(ctx context.Context, id int64, limit, offset int) ([]*model.DeliveryLogEntry, int, error) {
	if limit <= 0 {
		limit = defaultLogLimit
	}
	if limit > maxLogLimit {
		limit = maxLogLimit
	}
	if offset < 0 {
		offset = 0
	}
	if _, err := s.CampaignRepo.GetByID(ctx, id); err != nil {
		return nil, 0, err
	}
	return s.CampaignRepo.ListLogs(ctx, id, limit, offset)
}

func (s *CampaignService) ListContacts(ctx context.Context, businessID string) ([]model.Contact, error) {
	return s.ContactRepo.List(ctx, businessID)
}

func (s *CampaignService) ListApprovedTemplates(ctx context.Context, businessID string) ([]model.Template, error) {
	return s.TemplateRepo.List(ctx, businessID, model.TemplateApproved)
}

// publish notifies workers. A lost command is not fatal: loops re-check
// status every tick and the worker poller relaunches RUNNING campaigns.
func (s *CampaignService) publish(ctx context.Context, action queue.Action, id int64) {
	if s.Queue == nil {
		return
	}
	if err := s.Queue.Publish(ctx, queue.ControlTopic, queue.Command{Action: action, CampaignID: id}); err != nil {
		s.Log.WithError(err).WithFields(logrus.Fields{"campaign_id": id, "action": action}).Warn("failed to publish control command")
	}
}
