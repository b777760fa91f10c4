// Package events publishes task lifecycle events to Kafka for downstream
// consumers. The engine does not depend on delivery: a failed publish is
// logged by the caller, never retried, and never affects task state.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"
	"go.opentelemetry.io/otel"

	"github.com/amxwer/File-downloader/internal/domain"
)

// Topic carries every lifecycle event; messages are keyed by task id so one
// task's events stay ordered within a partition.
const Topic = "downloads.events"

// Event types.
const (
	TypeCompleted = "download.completed"
	TypeFailed    = "download.failed"
)

// Event is the JSON payload published per terminal transition.
type Event struct {
	Type string       `json:"type"`
	Task *domain.Task `json:"task"`
	At   time.Time    `json:"at"`
}

// Publisher emits task lifecycle events.
type Publisher interface {
	Publish(ctx context.Context, eventType string, task *domain.Task) error
	Close() error
}

type publisher struct {
	writer *kafka.Writer
}

// NewPublisher creates a Kafka publisher connected to the given brokers.
func NewPublisher(brokers []string) Publisher {
	w := &kafka.Writer{
		Addr:                   kafka.TCP(brokers...),
		Topic:                  Topic,
		Balancer:               &kafka.Hash{}, // route by key → deterministic partition
		RequiredAcks:           kafka.RequireOne,
		MaxAttempts:            3,
		WriteTimeout:           10 * time.Second,
		ReadTimeout:            10 * time.Second,
		AllowAutoTopicCreation: true,
	}
	return &publisher{writer: w}
}

func (p *publisher) Publish(ctx context.Context, eventType string, task *domain.Task) error {
	value, err := json.Marshal(Event{Type: eventType, Task: task, At: time.Now().UTC()})
	if err != nil {
		return fmt.Errorf("marshal event for task %s: %w", task.ID, err)
	}

	// Inject the active trace context into message headers so downstream
	// consumers can extract and continue the trace.
	headers := make(HeaderCarrier, 0)
	otel.GetTextMapPropagator().Inject(ctx, &headers)

	err = p.writer.WriteMessages(ctx, kafka.Message{
		Key:     []byte(task.ID),
		Value:   value,
		Headers: []kafka.Header(headers),
		Time:    time.Now(),
	})
	if err != nil {
		return fmt.Errorf("kafka publish %s for task %s: %w", eventType, task.ID, err)
	}
	return nil
}

func (p *publisher) Close() error {
	return p.writer.Close()
}

// Noop discards events. Used when no brokers are configured.
type Noop struct{}

func (Noop) Publish(context.Context, string, *domain.Task) error { return nil }
func (Noop) Close() error                                        { return nil }
