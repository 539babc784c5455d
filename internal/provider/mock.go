package provider

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// MockProvider is an in-process provider for local runs and tests.
type MockProvider struct {
	log            *logrus.Entry
	ProviderType   Type
	Instance       string
	SimulatedDelay time.Duration
	// Failures maps a destination phone to the error its send returns.
	Failures map[string]error

	mu          sync.Mutex
	sent        []Message
	inFlight    int
	maxInFlight int
}

func NewMockProvider(log *logrus.Entry, typ Type, instance string, delay time.Duration) *MockProvider {
	return &MockProvider{
		log:            log.WithField("provider", "mock"),
		ProviderType:   typ,
		Instance:       instance,
		SimulatedDelay: delay,
		Failures:       map[string]error{},
	}
}

func (p *MockProvider) Send(ctx context.Context, msg *Message) (*SendResult, error) {
	p.mu.Lock()
	p.inFlight++
	if p.inFlight > p.maxInFlight {
		p.maxInFlight = p.inFlight
	}
	failure := p.Failures[msg.To]
	p.mu.Unlock()

	defer func() {
		p.mu.Lock()
		p.inFlight--
		p.mu.Unlock()
	}()

	if p.SimulatedDelay > 0 {
		select {
		case <-time.After(p.SimulatedDelay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if failure != nil {
		p.log.WithField("to", msg.To).Debug("mock send failure")
		return nil, failure
	}

	p.mu.Lock()
	p.sent = append(p.sent, *msg)
	p.mu.Unlock()
	return &SendResult{ProviderMessageID: "mock-" + uuid.NewString()}, nil
}

func (p *MockProvider) Type() Type { return p.ProviderType }

func (p *MockProvider) InstanceID() string { return "mock:" + p.Instance }

// Sent returns a copy of every successfully sent message in send order.
func (p *MockProvider) Sent() []Message {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]Message, len(p.sent))
	copy(out, p.sent)
	return out
}

// MaxInFlight is the highest number of concurrent Send calls observed.
func (p *MockProvider) MaxInFlight() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.maxInFlight
}

// Fail makes sends to phone return a SendError of the given kind.
func (p *MockProvider) Fail(phone string, kind ErrorKind, message string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.Failures[phone] = &SendError{Kind: kind, Message: message}
}
