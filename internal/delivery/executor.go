// Package delivery performs the single send attempt for a recipient job and
// records its terminal outcome.
package delivery

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"

	"github.com/unclebandit/broadcast-engine/internal/compliance"
	appErrors "github.com/unclebandit/broadcast-engine/internal/errors"
	"github.com/unclebandit/broadcast-engine/internal/model"
	"github.com/unclebandit/broadcast-engine/internal/provider"
)

const (
	DefaultSendTimeout = 30 * time.Second

	defaultRecordAttempts = 3
	defaultRecordBackoff  = 250 * time.Millisecond
)

// OutcomeRecorder atomically terminates a job with its log entry.
type OutcomeRecorder interface {
	RecordOutcome(ctx context.Context, entry *model.DeliveryLogEntry) (*model.Campaign, error)
}

type MediaResolver interface {
	Resolve(ctx context.Context, mediaRef string) (string, error)
}

type Executor struct {
	recorder    OutcomeRecorder
	media       MediaResolver
	sendTimeout time.Duration
	now         func() time.Time
	log         *logrus.Entry

	// A failed outcome write is tried RecordAttempts times in total,
	// waiting RecordBackoff times the attempt number in between.
	RecordAttempts int
	RecordBackoff  time.Duration
}

func NewExecutor(log *logrus.Entry, recorder OutcomeRecorder, media MediaResolver, sendTimeout time.Duration) *Executor {
	if sendTimeout <= 0 {
		sendTimeout = DefaultSendTimeout
	}
	return &Executor{
		recorder:    recorder,
		media:       media,
		sendTimeout: sendTimeout,
		now:         func() time.Time { return time.Now().UTC() },
		log:         log.WithField("component", "delivery"),

		RecordAttempts: defaultRecordAttempts,
		RecordBackoff:  defaultRecordBackoff,
	}
}

// Execute sends one job exactly once and records its outcome. Per-recipient
// failures are recorded and swallowed; the returned error is non-nil only
// for a campaign-fatal provider failure or when the outcome could not be
// persisted. kind classifies a failed send and is empty otherwise.
func (e *Executor) Execute(ctx context.Context, prov provider.Provider, c *model.Campaign, job *model.RecipientJob, d compliance.Decision) (*model.DeliveryLogEntry, provider.ErrorKind, error) {
	entry := newEntry(c, job)
	if d.Contact != nil && d.Contact.DisplayName != "" {
		entry.ContactName = d.Contact.DisplayName
	}
	log := e.log.WithFields(logrus.Fields{"campaign_id": c.ID, "recipient_index": job.Index})

	// The outcome must be written even if the dispatch loop was cancelled
	// while the send was in flight.
	ctx = context.WithoutCancel(ctx)

	if d.Mode == compliance.ModeSkip {
		return entry, "", e.finish(ctx, prov, entry, model.JobSkipped, d.Reason, nil)
	}

	msg, err := e.buildMessage(ctx, prov, c, job, d)
	if err != nil {
		return entry, "", e.finish(ctx, prov, entry, model.JobFailed, err.Error(), nil)
	}
	entry.UsedTemplate = d.UsedTemplate

	sendCtx, cancel := context.WithTimeout(ctx, e.sendTimeout)
	timer := prometheus.NewTimer(sendDuration.WithLabelValues(string(prov.Type())))
	_, sendErr := prov.Send(sendCtx, msg)
	timer.ObserveDuration()
	cancel()

	if sendErr != nil {
		kind := provider.Classify(sendErr)
		sendFailures.WithLabelValues(string(prov.Type()), string(kind)).Inc()
		log.WithError(sendErr).WithField("kind", kind).Warn("send failed")

		if err := e.finish(ctx, prov, entry, model.JobFailed, sendErr.Error(), nil); err != nil {
			return entry, kind, err
		}
		if kind == provider.ErrUnavailable {
			return entry, kind, fmt.Errorf("%w: %s", appErrors.ErrProviderUnavailable, sendErr.Error())
		}
		return entry, kind, nil
	}

	sentAt := e.now()
	return entry, "", e.finish(ctx, prov, entry, model.JobSent, "", &sentAt)
}

// Fail terminates a claimed job as FAILED without attempting a send.
func (e *Executor) Fail(ctx context.Context, prov provider.Provider, c *model.Campaign, job *model.RecipientJob, reason string) (*model.DeliveryLogEntry, error) {
	entry := newEntry(c, job)
	return entry, e.finish(context.WithoutCancel(ctx), prov, entry, model.JobFailed, reason, nil)
}

func newEntry(c *model.Campaign, job *model.RecipientJob) *model.DeliveryLogEntry {
	return &model.DeliveryLogEntry{
		ID:             uuid.NewString(),
		CampaignID:     c.ID,
		RecipientIndex: job.Index,
		ContactPhone:   job.Phone,
		ContactName:    job.ContactName,
	}
}

func (e *Executor) finish(ctx context.Context, prov provider.Provider, entry *model.DeliveryLogEntry, status model.JobStatus, errMsg string, sentAt *time.Time) error {
	entry.Status = status
	entry.SentAt = sentAt
	entry.CreatedAt = e.now()
	if errMsg != "" {
		entry.Error = &errMsg
	}
	if err := e.record(ctx, entry); err != nil {
		return fmt.Errorf("record outcome for recipient %d: %w", entry.RecipientIndex, err)
	}
	jobsTotal.WithLabelValues(string(prov.Type()), string(status)).Inc()
	return nil
}

// record writes the outcome, retrying errors that may be transient. A job
// that is no longer in flight was already terminated elsewhere.
func (e *Executor) record(ctx context.Context, entry *model.DeliveryLogEntry) error {
	var err error
	for attempt := 1; ; attempt++ {
		if _, err = e.recorder.RecordOutcome(ctx, entry); err == nil {
			return nil
		}
		if attempt >= e.RecordAttempts || errors.Is(err, appErrors.ErrJobNotInFlight) || appErrors.IsNotFound(err) {
			return err
		}
		e.log.WithError(err).WithFields(logrus.Fields{
			"campaign_id":     entry.CampaignID,
			"recipient_index": entry.RecipientIndex,
			"attempt":         attempt,
		}).Warn("record outcome failed, retrying")
		time.Sleep(time.Duration(attempt) * e.RecordBackoff)
	}
}

func (e *Executor) buildMessage(ctx context.Context, prov provider.Provider, c *model.Campaign, job *model.RecipientJob, d compliance.Decision) (*provider.Message, error) {
	msg := &provider.Message{To: job.Phone}

	if d.Mode == compliance.ModeTemplate {
		if d.Template == nil {
			return nil, fmt.Errorf("template decision without template")
		}
		msg.Kind = provider.KindTemplate
		msg.TemplateName = d.Template.Name
		msg.TemplateLanguage = d.Template.Language
		msg.TemplateParams = job.Variables
		return msg, nil
	}

	switch {
	case c.ContentType == model.ContentText:
		msg.Kind = provider.KindText
		msg.Text = RenderPositional(c.Text, job.Variables)
	case c.ContentType.IsMedia():
		url, err := e.media.Resolve(ctx, c.MediaRef)
		if err != nil {
			return nil, fmt.Errorf("media unavailable: %w", err)
		}
		msg.Kind = provider.KindMedia
		msg.MediaType = string(c.ContentType)
		msg.MediaURL = url
		msg.Caption = RenderPositional(c.Caption, job.Variables)
	case c.ContentType == model.ContentTemplate:
		// Providers without template support get the body as plain text.
		if d.Template == nil {
			return nil, fmt.Errorf("template %v not found", derefOr(c.TemplateID, ""))
		}
		msg.Kind = provider.KindText
		msg.Text = RenderPositional(d.Template.Body, job.Variables)
	default:
		return nil, fmt.Errorf("unsupported content type %q", c.ContentType)
	}
	return msg, nil
}

func derefOr(s *string, def string) string {
	if s == nil {
		return def
	}
	return *s
}
