// internal/errors/errors.go
package appErrors

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

var (
	ErrNoRecipients         = errors.New("no valid recipients after normalization")
	ErrMissingContent       = errors.New("campaign requires text, media or a template")
	ErrCampaignNotDeletable = errors.New("campaign can only be deleted in DRAFT or a terminal state")
	ErrTemplateNotFound     = errors.New("template not found")
	ErrContactNotFound      = errors.New("contact not found")
	ErrJobNotInFlight       = errors.New("recipient job is not in flight")
	ErrNoProvider           = errors.New("no messaging provider configured for business")
	ErrProviderUnavailable  = errors.New("messaging provider instance unavailable")
)

// ErrCampaignNotFound is returned when a campaign id does not exist
type ErrCampaignNotFound struct {
	CampaignID int64
}

func (e *ErrCampaignNotFound) Error() string {
	return fmt.Sprintf("campaign with ID %d not found", e.CampaignID)
}

// Helper constructor
func NewCampaignNotFound(id int64) error {
	return &ErrCampaignNotFound{CampaignID: id}
}

// ErrInvalidTransition is returned when an operator action is not allowed
// from the campaign's current status.
type ErrInvalidTransition struct {
	CampaignID int64
	From       string
	Action     string
}

func (e *ErrInvalidTransition) Error() string {
	return fmt.Sprintf("cannot %s campaign %d in status %s", e.Action, e.CampaignID, e.From)
}

func NewInvalidTransition(id int64, from, action string) error {
	return &ErrInvalidTransition{CampaignID: id, From: from, Action: action}
}

// ValidationError carries per-field messages for a rejected request.
type ValidationError struct {
	Fields map[string]string
	Err    error
}

func (e *ValidationError) Error() string {
	if e.Err != nil && len(e.Fields) == 0 {
		return e.Err.Error()
	}
	keys := make([]string, 0, len(e.Fields))
	for f := range e.Fields {
		keys = append(keys, f)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, f := range keys {
		parts = append(parts, f+": "+e.Fields[f])
	}
	msg := "validation failed: " + strings.Join(parts, "; ")
	if e.Err != nil {
		msg = e.Err.Error() + " (" + msg + ")"
	}
	return msg
}

func (e *ValidationError) Unwrap() error { return e.Err }

func NewValidation(err error) error {
	return &ValidationError{Err: err}
}

func IsNotFound(err error) bool {
	var nf *ErrCampaignNotFound
	return errors.As(err, &nf) || errors.Is(err, ErrTemplateNotFound) || errors.Is(err, ErrContactNotFound)
}
