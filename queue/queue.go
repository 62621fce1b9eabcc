// Package queue is a work queue with a dead-letter companion.
//
// Both sides are gocloud.dev pubsub topics with one subscription each, so the
// same code runs on the in-memory driver, SQS/SNS, or any other pubsub
// backend. Delivery is at least once. A message that is negatively
// acknowledged is re-published with its receive count incremented; once the
// count reaches MaxReceives the message moves to the dead-letter topic
// instead.
package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"gocloud.dev/pubsub"
	_ "gocloud.dev/pubsub/awssnssqs"
	_ "gocloud.dev/pubsub/mempubsub"
)

const (
	// DefaultMaxReceives is how many times a message is delivered before it
	// is dead-lettered.
	DefaultMaxReceives = 3

	defaultBatchWindow = 50 * time.Millisecond

	attemptKey = "deltaetl-attempt"
	errorKey   = "deltaetl-error"
)

// ErrClosed is returned by operations on a closed queue.
var ErrClosed = errors.New("queue closed")

// Message is a received message.
type Message struct {
	// Body is the payload as sent.
	Body []byte
	// Metadata holds the sender's attributes.
	Metadata map[string]string
	// Attempt is the 1-based receive count of this message.
	Attempt int
	// LastError is the failure recorded by the previous nack, if any.
	LastError string

	msg *pubsub.Message
}

// Config describes the URLs of a queue pair.
type Config struct {
	Name                      string `yaml:"name"`
	TopicURL                  string `yaml:"topic_url"`
	SubscriptionURL           string `yaml:"subscription_url"`
	DeadLetterTopicURL        string `yaml:"dead_letter_topic_url"`
	DeadLetterSubscriptionURL string `yaml:"dead_letter_subscription_url"`
	MaxReceives               int    `yaml:"max_receives"`
}

// Queue is a work queue paired with a dead-letter queue.
type Queue struct {
	name        string
	topic       *pubsub.Topic
	sub         *pubsub.Subscription
	dlqTopic    *pubsub.Topic
	dlqSub      *pubsub.Subscription
	maxReceives int
	batchWindow time.Duration
	logger      *slog.Logger
}

// Option configures a Queue.
type Option func(*Queue)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(q *Queue) {
		q.logger = logger.With("component", "queue", "queue", q.name)
	}
}

// WithMaxReceives overrides DefaultMaxReceives.
func WithMaxReceives(n int) Option {
	return func(q *Queue) {
		if n > 0 {
			q.maxReceives = n
		}
	}
}

// WithBatchWindow sets how long Receive waits for additional messages after
// the first one arrives.
func WithBatchWindow(d time.Duration) Option {
	return func(q *Queue) {
		q.batchWindow = d
	}
}

// New builds a Queue from opened topics and subscriptions. Subscriptions must
// be attached before anything is sent.
func New(name string, topic *pubsub.Topic, sub *pubsub.Subscription, dlqTopic *pubsub.Topic, dlqSub *pubsub.Subscription, opts ...Option) *Queue {
	q := &Queue{
		name:        name,
		topic:       topic,
		sub:         sub,
		dlqTopic:    dlqTopic,
		dlqSub:      dlqSub,
		maxReceives: DefaultMaxReceives,
		batchWindow: defaultBatchWindow,
		logger:      slog.Default().With("component", "queue", "queue", name),
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// Open opens all four endpoints described by cfg. Topics are opened before
// their subscriptions.
func Open(ctx context.Context, cfg Config, opts ...Option) (*Queue, error) {
	topic, err := pubsub.OpenTopic(ctx, cfg.TopicURL)
	if err != nil {
		return nil, fmt.Errorf("open topic %s: %w", cfg.TopicURL, err)
	}
	sub, err := pubsub.OpenSubscription(ctx, cfg.SubscriptionURL)
	if err != nil {
		topic.Shutdown(ctx)
		return nil, fmt.Errorf("open subscription %s: %w", cfg.SubscriptionURL, err)
	}
	dlqTopic, err := pubsub.OpenTopic(ctx, cfg.DeadLetterTopicURL)
	if err != nil {
		topic.Shutdown(ctx)
		sub.Shutdown(ctx)
		return nil, fmt.Errorf("open dead-letter topic %s: %w", cfg.DeadLetterTopicURL, err)
	}
	dlqSub, err := pubsub.OpenSubscription(ctx, cfg.DeadLetterSubscriptionURL)
	if err != nil {
		topic.Shutdown(ctx)
		sub.Shutdown(ctx)
		dlqTopic.Shutdown(ctx)
		return nil, fmt.Errorf("open dead-letter subscription %s: %w", cfg.DeadLetterSubscriptionURL, err)
	}
	if cfg.MaxReceives > 0 {
		opts = append([]Option{WithMaxReceives(cfg.MaxReceives)}, opts...)
	}
	return New(cfg.Name, topic, sub, dlqTopic, dlqSub, opts...), nil
}

// Name returns the queue name.
func (q *Queue) Name() string {
	return q.name
}

// MaxReceives returns the receive limit before dead-lettering.
func (q *Queue) MaxReceives() int {
	return q.maxReceives
}

// Send publishes a new message.
func (q *Queue) Send(ctx context.Context, body []byte, metadata map[string]string) error {
	return q.publish(ctx, q.topic, body, metadata, 0, "")
}

// Receive blocks until at least one message is available and returns up to
// max messages.
func (q *Queue) Receive(ctx context.Context, max int) ([]*Message, error) {
	if max < 1 {
		max = 1
	}
	first, err := q.receive(ctx, q.sub, true)
	if err != nil {
		return nil, err
	}
	batch := []*Message{first}
	for len(batch) < max {
		waitCtx, cancel := context.WithTimeout(ctx, q.batchWindow)
		m, err := q.receive(waitCtx, q.sub, true)
		cancel()
		if err != nil {
			break
		}
		batch = append(batch, m)
	}
	return batch, nil
}

// ReceiveDeadLetter blocks until a dead-lettered message is available. Its
// Attempt is the number of deliveries made before it was dead-lettered.
func (q *Queue) ReceiveDeadLetter(ctx context.Context) (*Message, error) {
	return q.receive(ctx, q.dlqSub, false)
}

// Ack acknowledges a message so it is not delivered again.
func (q *Queue) Ack(m *Message) {
	m.msg.Ack()
}

// Nack reports that processing m failed. The message is delivered again
// unless it has reached the receive limit, in which case it is moved to the
// dead-letter topic. It returns true when the message was dead-lettered.
func (q *Queue) Nack(ctx context.Context, m *Message, cause error) (deadLettered bool, err error) {
	reason := ""
	if cause != nil {
		reason = cause.Error()
	}

	if m.Attempt >= q.maxReceives {
		if err := q.publish(ctx, q.dlqTopic, m.Body, m.Metadata, m.Attempt, reason); err != nil {
			return false, fmt.Errorf("dead-lettering message: %w", err)
		}
		m.msg.Ack()
		q.logger.Warn("message dead-lettered", "attempt", m.Attempt, "error", reason)
		return true, nil
	}

	if err := q.publish(ctx, q.topic, m.Body, m.Metadata, m.Attempt, reason); err != nil {
		// Leave the original unacknowledged; the driver redelivers it
		// after its ack deadline.
		return false, fmt.Errorf("requeueing message: %w", err)
	}
	m.msg.Ack()
	q.logger.Debug("message requeued", "attempt", m.Attempt, "error", reason)
	return false, nil
}

// Close shuts down all topics and subscriptions.
func (q *Queue) Close(ctx context.Context) error {
	return errors.Join(
		q.sub.Shutdown(ctx),
		q.dlqSub.Shutdown(ctx),
		q.topic.Shutdown(ctx),
		q.dlqTopic.Shutdown(ctx),
	)
}

func (q *Queue) publish(ctx context.Context, topic *pubsub.Topic, body []byte, metadata map[string]string, attempt int, reason string) error {
	md := make(map[string]string, len(metadata)+2)
	for k, v := range metadata {
		md[k] = v
	}
	md[attemptKey] = strconv.Itoa(attempt)
	if reason != "" {
		md[errorKey] = reason
	} else {
		delete(md, errorKey)
	}
	if err := topic.Send(ctx, &pubsub.Message{Body: body, Metadata: md}); err != nil {
		return fmt.Errorf("send to %s: %w", q.name, err)
	}
	return nil
}

// receive reads one message. Deliveries from the work subscription count as
// a new attempt.
func (q *Queue) receive(ctx context.Context, sub *pubsub.Subscription, delivery bool) (*Message, error) {
	msg, err := sub.Receive(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("%w: %v", ErrClosed, err)
	}

	attempt, _ := strconv.Atoi(msg.Metadata[attemptKey])
	if delivery {
		attempt++
	}
	md := make(map[string]string, len(msg.Metadata))
	for k, v := range msg.Metadata {
		if k != attemptKey && k != errorKey {
			md[k] = v
		}
	}
	return &Message{
		Body:      msg.Body,
		Metadata:  md,
		Attempt:   attempt,
		LastError: msg.Metadata[errorKey],
		msg:       msg,
	}, nil
}
