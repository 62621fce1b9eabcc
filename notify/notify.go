// Package notify publishes failure notifications to a pubsub topic.
//
// Publishing is best effort: a notification that cannot be delivered is
// logged and dropped, never retried.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/nomis52/deltaetl/job"
	"gocloud.dev/pubsub"
	_ "gocloud.dev/pubsub/awssnssqs"
	_ "gocloud.dev/pubsub/mempubsub"
)

// Notification describes a failed execution.
type Notification struct {
	StateMachineID   string         `json:"stateMachineId"`
	StateMachineName string         `json:"stateMachineName"`
	StateName        string         `json:"stateName"`
	ExecutionName    string         `json:"executionName"`
	PipelineID       string         `json:"pipelineId"`
	Table            string         `json:"table"`
	ScheduleType     string         `json:"scheduleType"`
	SourceType       string         `json:"sourceType"`
	ArchivePath      string         `json:"archivePath"`
	Status           string         `json:"status"`
	Error            string         `json:"error,omitempty"`
	Cause            string         `json:"cause,omitempty"`
	Timestamp        time.Time      `json:"timestamp"`
	Metadata         job.Descriptor `json:"metadata"`
}

// Subject is a short human readable summary.
func (n Notification) Subject() string {
	return fmt.Sprintf("[%s] %s %s failed in %q", n.Status, n.StateMachineName, n.ExecutionName, n.StateName)
}

// Publisher sends notifications to a topic. A nil *Publisher discards them.
type Publisher struct {
	topic  *pubsub.Topic
	logger *slog.Logger
}

// Open opens the topic at url, e.g. "mem://alerts" or "awssns:///arn:...".
func Open(ctx context.Context, url string, logger *slog.Logger) (*Publisher, error) {
	topic, err := pubsub.OpenTopic(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("opening notification topic %s: %w", url, err)
	}
	return New(topic, logger), nil
}

// New wraps an opened topic.
func New(topic *pubsub.Topic, logger *slog.Logger) *Publisher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Publisher{topic: topic, logger: logger.With("component", "notify")}
}

// Publish sends n. Failures are logged and returned for callers that want
// to count them; they never need to act on them.
func (p *Publisher) Publish(ctx context.Context, n Notification) error {
	if p == nil || p.topic == nil {
		return nil
	}
	body, err := json.Marshal(n)
	if err != nil {
		p.logger.Error("encoding notification", "execution", n.ExecutionName, "error", err)
		return err
	}
	msg := &pubsub.Message{
		Body: body,
		Metadata: map[string]string{
			"subject":   n.Subject(),
			"pipeline":  n.PipelineID,
			"execution": n.ExecutionName,
		},
	}
	if err := p.topic.Send(ctx, msg); err != nil {
		p.logger.Warn("notification not delivered", "execution", n.ExecutionName, "error", err)
		return err
	}
	p.logger.Info("notification published", "execution", n.ExecutionName, "state", n.StateName)
	return nil
}

// Close shuts the topic down.
func (p *Publisher) Close(ctx context.Context) error {
	if p == nil || p.topic == nil {
		return nil
	}
	return p.topic.Shutdown(ctx)
}
