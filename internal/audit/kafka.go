// Package audit streams moderation events to Kafka for external reporting
// and aggregate review.
package audit

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"time"

	"github.com/segmentio/kafka-go"
)

// ModerationEvent is the payload published for every level 2+ message.
type ModerationEvent struct {
	MessageID string    `json:"message_id"`
	GroupID   string    `json:"group_id"`
	UserID    string    `json:"user_id"`
	Level     int       `json:"level"`
	Category  string    `json:"category"`
	Rationale string    `json:"rationale,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Producer publishes moderation events. A nil Producer is a no-op, so
// callers never need to guard for disabled audit.
type Producer struct {
	writer *kafka.Writer
	log    *slog.Logger
}

// NewProducer creates a Producer for the given comma-separated broker list
// and topic.
func NewProducer(brokers, topic string, log *slog.Logger) *Producer {
	if log == nil {
		log = slog.Default()
	}
	w := &kafka.Writer{
		Addr:         kafka.TCP(strings.Split(brokers, ",")...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireOne,
		BatchTimeout: 50 * time.Millisecond,
	}
	return &Producer{writer: w, log: log}
}

// Publish sends one moderation event. Failures are logged, not returned:
// the audit stream never blocks or fails the message pipeline.
func (p *Producer) Publish(ctx context.Context, evt *ModerationEvent) {
	if p == nil || p.writer == nil {
		return
	}
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now().UTC()
	}

	payload, err := json.Marshal(evt)
	if err != nil {
		p.log.Error("marshal moderation event failed", "error", err)
		return
	}

	msg := kafka.Message{
		Key:   []byte(evt.GroupID),
		Value: payload,
	}
	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		p.log.Warn("publish moderation event failed",
			"message_id", evt.MessageID, "level", evt.Level, "error", err)
	}
}

// Close flushes and closes the underlying writer.
func (p *Producer) Close() error {
	if p == nil || p.writer == nil {
		return nil
	}
	return p.writer.Close()
}
