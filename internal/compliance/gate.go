// Package compliance decides, per recipient and at send time, whether a
// campaign's content may go out as-is under the WhatsApp Cloud 24-hour
// customer-care window.
package compliance

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	appErrors "github.com/unclebandit/broadcast-engine/internal/errors"
	"github.com/unclebandit/broadcast-engine/internal/model"
	"github.com/unclebandit/broadcast-engine/internal/provider"
)

const (
	ReasonOutsideWindow       = "outside messaging window, no approved template"
	ReasonTemplateNotApproved = "template not approved"
	DefaultWindow             = 24 * time.Hour
)

type Mode string

const (
	ModeDirect   Mode = "direct"
	ModeTemplate Mode = "template"
	ModeSkip     Mode = "skip"
)

// Decision is what the delivery executor acts on for one job.
type Decision struct {
	Mode Mode
	// Template is the template to send (ModeTemplate) or to render as text
	// when the campaign content itself is a template on a non-window provider.
	Template *model.Template
	Contact  *model.Contact
	// UsedTemplate is true only when a fallback template replaced the
	// campaign's free-form content.
	UsedTemplate bool
	Reason       string
}

type ContactResolver interface {
	Resolve(ctx context.Context, businessID, phone string) (*model.Contact, error)
}

type TemplateGetter interface {
	Get(ctx context.Context, id string) (*model.Template, error)
}

type Gate struct {
	contacts  ContactResolver
	templates TemplateGetter
	window    time.Duration
	now       func() time.Time
	log       *logrus.Entry
}

func NewGate(log *logrus.Entry, contacts ContactResolver, templates TemplateGetter, window time.Duration, now func() time.Time) *Gate {
	if window <= 0 {
		window = DefaultWindow
	}
	if now == nil {
		now = time.Now
	}
	return &Gate{
		contacts:  contacts,
		templates: templates,
		window:    window,
		now:       now,
		log:       log.WithField("component", "compliance"),
	}
}

func (g *Gate) Decide(ctx context.Context, c *model.Campaign, job *model.RecipientJob, pt provider.Type) (Decision, error) {
	contact := g.resolveContact(ctx, c.BusinessID, job.Phone)
	d := Decision{Contact: contact}

	if c.ContentType == model.ContentTemplate {
		tpl, err := g.lookupTemplate(ctx, c.TemplateID)
		if err != nil {
			return d, err
		}
		d.Template = tpl
		if !pt.RequiresWindow() {
			if tpl == nil {
				return g.skip(d, ReasonTemplateNotApproved), nil
			}
			d.Mode = ModeDirect
			return d, nil
		}
		if !tpl.Approved() {
			return g.skip(d, ReasonTemplateNotApproved), nil
		}
		d.Mode = ModeTemplate
		return d, nil
	}

	if !pt.RequiresWindow() {
		d.Mode = ModeDirect
		return d, nil
	}

	if contact != nil && contact.LastInboundAt != nil && g.now().Sub(*contact.LastInboundAt) <= g.window {
		d.Mode = ModeDirect
		return d, nil
	}

	fallback, err := g.lookupTemplate(ctx, c.FallbackTemplateID)
	if err != nil {
		return d, err
	}
	if !fallback.Approved() {
		return g.skip(d, ReasonOutsideWindow), nil
	}
	d.Mode = ModeTemplate
	d.Template = fallback
	d.UsedTemplate = true
	return d, nil
}

func (g *Gate) skip(d Decision, reason string) Decision {
	d.Mode = ModeSkip
	d.Template = nil
	d.Reason = reason
	return d
}

// resolveContact treats any lookup failure as "no inbound message known".
func (g *Gate) resolveContact(ctx context.Context, businessID, phone string) *model.Contact {
	contact, err := g.contacts.Resolve(ctx, businessID, phone)
	if err != nil {
		if !errors.Is(err, appErrors.ErrContactNotFound) {
			g.log.WithError(err).WithField("phone", phone).Warn("contact lookup failed")
		}
		return nil
	}
	return contact
}

// lookupTemplate returns nil (no error) for a missing id or unknown template.
func (g *Gate) lookupTemplate(ctx context.Context, id *string) (*model.Template, error) {
	if id == nil || *id == "" {
		return nil, nil
	}
	tpl, err := g.templates.Get(ctx, *id)
	if err != nil {
		if errors.Is(err, appErrors.ErrTemplateNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("template %s: %w", *id, err)
	}
	return tpl, nil
}
