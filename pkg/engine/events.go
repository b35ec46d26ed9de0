package engine

import (
	"context"

	"github.com/planforge/planforge/pkg/telemetry"
)

// PublisherSink forwards engine events to the telemetry event publisher so
// external subscribers can react to plan and job lifecycle changes. Publish
// failures are ignored; the durable audit record is the store, not the bus.
type PublisherSink struct {
	publisher *telemetry.EventPublisher
}

// NewPublisherSink wraps a telemetry event publisher as an EventSink.
func NewPublisherSink(publisher *telemetry.EventPublisher) *PublisherSink {
	return &PublisherSink{publisher: publisher}
}

// Publish implements EventSink.
func (s *PublisherSink) Publish(_ context.Context, event *Event) {
	if s.publisher == nil || event == nil {
		return
	}
	_ = s.publisher.Publish(telemetry.Event{
		ID:            event.ID,
		Timestamp:     event.Timestamp,
		Type:          event.Type,
		Source:        "engine",
		CorrelationID: event.CorrelationID,
		PlanID:        event.PlanID,
		JobID:         event.JobID,
		DeviceID:      event.DeviceID,
		Actor:         event.Actor,
		Message:       event.Message,
		Level:         event.Level,
		Data:          event.Details,
	})
}
