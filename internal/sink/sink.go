// Package sink publishes detection events to Kafka so downstream consumers
// (revenue dashboards, activity scoring) see opportunity focus changes.
package sink

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/oppwatch/oppwatch/internal/bus"
	"github.com/oppwatch/oppwatch/internal/config"
)

// envelope is the wire form of one detection event.
type envelope struct {
	Event          string    `json:"event"`
	OpportunityID  string    `json:"opportunity_id,omitempty"`
	OrganizationID string    `json:"organization_id,omitempty"`
	SourceURL      string    `json:"source_url,omitempty"`
	TabID          int64     `json:"tab_id,omitempty"`
	TraceID        string    `json:"trace_id,omitempty"`
	Timestamp      time.Time `json:"timestamp"`
}

// Sink forwards bus events to a Kafka topic.
type Sink struct {
	writer *kafka.Writer
	unsub  func()
}

// New builds a sink from config. Returns nil when the sink is disabled.
func New(cfg config.KafkaConfig) *Sink {
	if !cfg.Enabled {
		return nil
	}
	w := &kafka.Writer{
		Addr:         kafka.TCP(strings.Split(cfg.Brokers, ",")...),
		Topic:        cfg.Topic,
		Balancer:     &kafka.LeastBytes{},
		RequiredAcks: kafka.RequireOne,
		Async:        false,
	}
	return &Sink{writer: w}
}

// Attach subscribes the sink to the bus. Safe to call on a nil sink.
func (s *Sink) Attach(b *bus.Bus) {
	if s == nil {
		return
	}
	s.unsub = b.Subscribe(func(ev *bus.Event) {
		s.publish(ev)
	})
}

func (s *Sink) publish(ev *bus.Event) {
	value, err := json.Marshal(envelope{
		Event:          string(ev.Type),
		OpportunityID:  ev.OpportunityID,
		OrganizationID: ev.OrganizationID,
		SourceURL:      ev.SourceURL,
		TabID:          ev.TabID,
		TraceID:        ev.TraceID,
		Timestamp:      ev.Timestamp,
	})
	if err != nil {
		slog.Warn("Sink marshal failed", "error", err)
		return
	}

	key := ev.OpportunityID
	if key == "" {
		key = ev.TraceID
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	msg := kafka.Message{
		Key:   []byte(key),
		Value: value,
		Time:  ev.Timestamp,
	}
	if err := s.writer.WriteMessages(ctx, msg); err != nil {
		slog.Warn("Sink publish failed", "topic", s.writer.Topic, "error", err)
		return
	}
	slog.Debug("Sink published", "topic", s.writer.Topic, "event", ev.Type, "opportunity", ev.OpportunityID)
}

// Close detaches from the bus and closes the writer. Safe on nil.
func (s *Sink) Close() error {
	if s == nil {
		return nil
	}
	if s.unsub != nil {
		s.unsub()
	}
	return s.writer.Close()
}
