package sink

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/oppwatch/oppwatch/internal/config"
)

func TestNewDisabledReturnsNil(t *testing.T) {
	if s := New(config.KafkaConfig{Enabled: false, Brokers: "localhost:9092", Topic: "t"}); s != nil {
		t.Fatal("disabled sink should be nil")
	}
}

func TestNilSinkIsSafe(t *testing.T) {
	var s *Sink
	s.Attach(nil)
	if err := s.Close(); err != nil {
		t.Fatalf("Close on nil sink: %v", err)
	}
}

func TestEnvelopeShape(t *testing.T) {
	ts := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	raw, err := json.Marshal(envelope{
		Event:         "OPPORTUNITY_DETECTED",
		OpportunityID: "OPP-1",
		TabID:         3,
		Timestamp:     ts,
	})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if m["event"] != "OPPORTUNITY_DETECTED" || m["opportunity_id"] != "OPP-1" {
		t.Fatalf("envelope = %v", m)
	}
	if _, ok := m["organization_id"]; ok {
		t.Fatal("empty org id should be omitted")
	}
}

func TestNewEnabledConfiguresWriter(t *testing.T) {
	s := New(config.KafkaConfig{Enabled: true, Brokers: "a:9092,b:9092", Topic: "oppwatch.detections"})
	if s == nil {
		t.Fatal("enabled sink should not be nil")
	}
	defer s.Close()
	if s.writer.Topic != "oppwatch.detections" {
		t.Fatalf("topic = %q", s.writer.Topic)
	}
}
