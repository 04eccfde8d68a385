// Package events publishes the job audit trail (job enqueued, claimed,
// heartbeat, completed, failed, dead-lettered) to Kafka so external
// consumers can observe job lifecycle without polling the registry.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	kafkago "github.com/segmentio/kafka-go"
)

// Writer is the minimal surface this package needs from a Kafka producer.
type Writer interface {
	WriteMessages(ctx context.Context, msgs ...kafkago.Message) error
}

// NewProducerFromBrokers builds a Writer from a comma-separated broker list.
func NewProducerFromBrokers(brokers string) (Writer, error) {
	if brokers = strings.TrimSpace(brokers); brokers == "" {
		return nil, fmt.Errorf("events: kafka brokers cannot be empty")
	}
	brokerList := strings.Split(brokers, ",")
	for i, b := range brokerList {
		brokerList[i] = strings.TrimSpace(b)
	}
	w := &kafkago.Writer{
		Addr:     kafkago.TCP(brokerList...),
		Topic:    "",
		Balancer: &kafkago.LeastBytes{},
	}
	return w, nil
}

// JobEvent is the audit record published for every job-state transition.
// It mirrors the job_events row written by internal/jobqueue to the registry.
type JobEvent struct {
	EventID     string         `json:"event_id"`
	JobID       string         `json:"job_id"`
	ContainerID string         `json:"container_id,omitempty"`
	Kind        string         `json:"kind"`
	Attempt     int            `json:"attempt,omitempty"`
	Message     string         `json:"message,omitempty"`
	OccurredAt  time.Time      `json:"occurred_at"`
	Attrs       map[string]any `json:"attrs,omitempty"`
}

// Event kinds recorded across a job's lifetime.
const (
	KindEnqueued  = "enqueued"
	KindClaimed   = "claimed"
	KindHeartbeat = "heartbeat"
	KindCompleted = "completed"
	KindFailed    = "failed"
	KindRetried   = "retried"
	KindDead      = "dead_letter"
)

// Publisher publishes JobEvents to a single Kafka topic. A nil Publisher (or
// one built with a nil Writer) is a valid no-op, so callers can wire it
// unconditionally and let configuration decide whether Kafka is enabled.
type Publisher struct {
	w     Writer
	topic string
}

// NewPublisher returns a Publisher. w may be nil, in which case Publish is a no-op.
func NewPublisher(w Writer, topic string) *Publisher {
	if topic == "" {
		topic = "jobs.events"
	}
	return &Publisher{w: w, topic: topic}
}

// Publish emits one job event. Errors are returned so the caller can log them;
// a publish failure never rolls back the job-state transition that triggered it,
// since the registry row is the source of truth and Kafka is a secondary feed.
func (p *Publisher) Publish(ctx context.Context, ev JobEvent) error {
	if p == nil || p.w == nil {
		return nil
	}
	if ev.EventID == "" {
		ev.EventID = uuid.NewString()
	}
	if ev.OccurredAt.IsZero() {
		ev.OccurredAt = time.Now().UTC()
	}
	body, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("events: marshal job event: %w", err)
	}
	msg := kafkago.Message{
		Topic: p.topic,
		Key:   []byte(ev.JobID),
		Value: body,
		Time:  ev.OccurredAt,
	}
	if err := p.w.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("events: publish job event %s for job %s: %w", ev.Kind, ev.JobID, err)
	}
	return nil
}
