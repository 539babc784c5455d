package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"
	"github.com/streadway/amqp"
)

// AMQPQueue carries commands over RabbitMQ: one durable queue per topic,
// persistent messages, manual ack. A failed delivery is requeued once and
// dropped when it fails again.
type AMQPQueue struct {
	conn *amqp.Connection
	mu   sync.Mutex
	pub  *amqp.Channel
	subs []*amqp.Channel
	log  *logrus.Entry
}

func NewAMQPQueue(log *logrus.Entry, url string) (*AMQPQueue, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("connect to RabbitMQ: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("open channel: %w", err)
	}
	return &AMQPQueue{conn: conn, pub: ch, log: log.WithField("component", "amqp")}, nil
}

func declare(ch *amqp.Channel, topic string) (amqp.Queue, error) {
	return ch.QueueDeclare(
		topic, // name
		true,  // durable
		false, // delete when unused
		false, // exclusive
		false, // no-wait
		nil,   // arguments
	)
}

func (q *AMQPQueue) Publish(ctx context.Context, topic string, cmd Command) error {
	body, err := json.Marshal(cmd)
	if err != nil {
		return err
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	if _, err := declare(q.pub, topic); err != nil {
		return fmt.Errorf("declare queue %s: %w", topic, err)
	}
	return q.pub.Publish("", topic, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Body:         body,
	})
}

func (q *AMQPQueue) Subscribe(topic string, handler func(Command) error) error {
	ch, err := q.conn.Channel()
	if err != nil {
		return fmt.Errorf("open channel: %w", err)
	}
	if _, err := declare(ch, topic); err != nil {
		ch.Close()
		return fmt.Errorf("declare queue %s: %w", topic, err)
	}
	msgs, err := ch.Consume(
		topic,
		"",
		false, // autoAck = false for reliability
		false,
		false,
		false,
		nil,
	)
	if err != nil {
		ch.Close()
		return fmt.Errorf("register consumer: %w", err)
	}

	q.mu.Lock()
	q.subs = append(q.subs, ch)
	q.mu.Unlock()

	go func() {
		for d := range msgs {
			q.deliver(topic, d, handler)
		}
		q.log.WithField("topic", topic).Info("consumer stopped")
	}()
	return nil
}

// acknowledger is the subset of amqp.Delivery used to settle a message.
type acknowledger interface {
	Ack(multiple bool) error
	Nack(multiple, requeue bool) error
}

func (q *AMQPQueue) deliver(topic string, d amqp.Delivery, handler func(Command) error) {
	q.settle(topic, d.Body, d.Redelivered, d, handler)
}

func (q *AMQPQueue) settle(topic string, body []byte, redelivered bool, ack acknowledger, handler func(Command) error) {
	log := q.log.WithField("topic", topic)

	var cmd Command
	if err := json.Unmarshal(body, &cmd); err != nil {
		log.WithError(err).Warn("invalid command")
		_ = ack.Ack(false)
		return
	}
	log = log.WithFields(logrus.Fields{"action": cmd.Action, "campaign_id": cmd.CampaignID})

	if err := handler(cmd); err != nil {
		if redelivered {
			log.WithError(err).Error("command failed twice, dropping")
			_ = ack.Nack(false, false)
			return
		}
		log.WithError(err).Warn("command failed, requeueing")
		_ = ack.Nack(false, true)
		return
	}
	_ = ack.Ack(false)
}

func (q *AMQPQueue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, ch := range q.subs {
		ch.Close()
	}
	q.pub.Close()
	return q.conn.Close()
}

var _ Queue = (*AMQPQueue)(nil)
