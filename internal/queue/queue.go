package queue

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// ControlTopic carries campaign lifecycle commands from the API to workers.
const ControlTopic = "campaign_control"

type Action string

const (
	ActionStart  Action = "start"
	ActionPause  Action = "pause"
	ActionCancel Action = "cancel"
)

type Command struct {
	Action     Action `json:"action"`
	CampaignID int64  `json:"campaign_id"`
}

// Queue interface
type Queue interface {
	Publish(ctx context.Context, topic string, cmd Command) error
	Subscribe(topic string, handler func(Command) error) error
	Close() error
}

// InMemoryQueue delivers commands to in-process subscribers with retry. Each
// subscriber receives its commands one at a time in publish order, so a
// pause published before a start is never handled after it.
type InMemoryQueue struct {
	mu         sync.RWMutex
	subs       map[string][]chan job
	closed     bool
	maxRetries int
	backoff    time.Duration
	log        *logrus.Entry
	wg         sync.WaitGroup
}

const subscriberBuffer = 1024

// NewInMemoryQueue creates a new queue
func NewInMemoryQueue(log *logrus.Entry) *InMemoryQueue {
	return &InMemoryQueue{
		subs:       make(map[string][]chan job),
		maxRetries: 3,
		backoff:    500 * time.Millisecond,
		log:        log.WithField("component", "queue"),
	}
}

// job wraps a command with retry info
type job struct {
	cmd        Command
	retryCount int
}

// Publish sends a command to all subscribers
func (q *InMemoryQueue) Publish(ctx context.Context, topic string, cmd Command) error {
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.closed {
		return fmt.Errorf("queue closed")
	}
	subs := q.subs[topic]
	if len(subs) == 0 {
		return fmt.Errorf("no subscribers for topic %s", topic)
	}

	for _, ch := range subs {
		select {
		case ch <- job{cmd: cmd}:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// deliver drains one subscription serially.
func (q *InMemoryQueue) deliver(topic string, handler func(Command) error, jobs <-chan job) {
	defer q.wg.Done()
	for j := range jobs {
		q.process(topic, handler, j)
	}
}

// process handles retries with linear backoff
func (q *InMemoryQueue) process(topic string, handler func(Command) error, j job) {
	log := q.log.WithFields(logrus.Fields{"topic": topic, "action": j.cmd.Action, "campaign_id": j.cmd.CampaignID})
	for {
		err := handler(j.cmd)
		if err == nil {
			log.Debug("command processed")
			return
		}

		j.retryCount++
		if j.retryCount > q.maxRetries {
			log.WithError(err).Errorf("command permanently failed after %d attempts", q.maxRetries)
			return
		}
		log.WithError(err).Warnf("command failed (attempt %d/%d)", j.retryCount, q.maxRetries)
		time.Sleep(time.Duration(j.retryCount) * q.backoff)
	}
}

// Subscribe adds a handler for a topic
func (q *InMemoryQueue) Subscribe(topic string, handler func(Command) error) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return fmt.Errorf("queue closed")
	}
	ch := make(chan job, subscriberBuffer)
	q.subs[topic] = append(q.subs[topic], ch)
	q.wg.Add(1)
	go q.deliver(topic, handler, ch)
	return nil
}

// Close stops accepting commands and waits for queued ones to be handled.
func (q *InMemoryQueue) Close() error {
	q.mu.Lock()
	if !q.closed {
		q.closed = true
		for _, subs := range q.subs {
			for _, ch := range subs {
				close(ch)
			}
		}
	}
	q.mu.Unlock()
	q.wg.Wait()
	return nil
}

var _ Queue = (*InMemoryQueue)(nil)
