// Package provider holds the WhatsApp transports a campaign sends through.
package provider

import (
	"context"
	"errors"
	"fmt"
	"net"
)

type Type string

const (
	TypeCloud   Type = "cloud"
	TypeSession Type = "session"
	TypeMock    Type = "mock"
)

// RequiresWindow reports whether the 24h customer-care window applies.
func (t Type) RequiresWindow() bool { return t == TypeCloud }

type MessageKind string

const (
	KindText     MessageKind = "text"
	KindMedia    MessageKind = "media"
	KindTemplate MessageKind = "template"
)

// Message is one outbound payload for a single destination.
type Message struct {
	To   string
	Kind MessageKind

	Text string

	MediaType string // image, video, audio, document
	MediaURL  string
	Caption   string

	TemplateName     string
	TemplateLanguage string
	TemplateParams   []string
}

type SendResult struct {
	ProviderMessageID string
}

type Provider interface {
	Send(ctx context.Context, msg *Message) (*SendResult, error)
	Type() Type
	// InstanceID identifies the connection that shares a concurrency budget.
	InstanceID() string
}

type ErrorKind string

const (
	// ErrTransient covers timeouts, connection resets and throttling.
	ErrTransient ErrorKind = "transient"
	// ErrRejected covers payload or destination validation errors.
	ErrRejected ErrorKind = "rejected"
	// ErrUnavailable means the instance itself cannot send at all.
	ErrUnavailable ErrorKind = "unavailable"
)

// SendError is returned by providers for any non-success response.
type SendError struct {
	Kind       ErrorKind
	StatusCode int
	Message    string
}

func (e *SendError) Error() string { return e.Message }

func newSendError(kind ErrorKind, status int, format string, args ...any) *SendError {
	return &SendError{Kind: kind, StatusCode: status, Message: fmt.Sprintf(format, args...)}
}

// Classify maps any send error onto an ErrorKind. A provider whose host
// cannot be resolved or refuses connections is unavailable; other errors that
// did not come from a provider response (timeouts, resets) are transient.
func Classify(err error) ErrorKind {
	if err == nil {
		return ""
	}
	var se *SendError
	if errors.As(err, &se) {
		return se.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return ErrTransient
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) && !dnsErr.IsTimeout {
		return ErrUnavailable
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) && opErr.Op == "dial" && !opErr.Timeout() {
		return ErrUnavailable
	}
	return ErrTransient
}
