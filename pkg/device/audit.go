package device

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/planforge/planforge/pkg/engine"
	"github.com/planforge/planforge/pkg/telemetry"
)

// EventAppender persists audit events. engine.Store satisfies it.
type EventAppender interface {
	AppendEvent(ctx context.Context, event *engine.Event) error
}

// AuditRecorder is a CallRecorder that lands every device call in the
// audit event trail. Transport attempts become device.call events; command
// invocations become device.command events carrying the template, the
// resolved parameters, and the output.
type AuditRecorder struct {
	sink   EventAppender
	logger *telemetry.Logger
	now    func() time.Time
}

// NewAuditRecorder creates an audit recorder backed by the given sink.
func NewAuditRecorder(sink EventAppender, logger *telemetry.Logger) *AuditRecorder {
	return &AuditRecorder{
		sink:   sink,
		logger: logger.NewComponentLogger("device_audit"),
		now:    time.Now,
	}
}

// Record implements CallRecorder.
func (r *AuditRecorder) Record(ctx context.Context, rec CallRecord) {
	event := &engine.Event{
		ID:        uuid.New().String(),
		Timestamp: r.now().UTC(),
		DeviceID:  rec.DeviceID,
		Level:     telemetry.EventLevelInfo,
	}
	if !rec.OK {
		event.Level = telemetry.EventLevelError
	}

	if rec.Template != "" {
		event.Type = engine.EventTypeDeviceCommand
		event.Message = fmt.Sprintf("command %s on device %s", rec.Template, rec.DeviceID)
		event.Details = map[string]any{
			"template":   rec.Template,
			"output":     rec.Output,
			"ok":         rec.OK,
			"latency_ms": rec.Latency.Milliseconds(),
		}
		if len(rec.Params) > 0 {
			event.Details["params"] = rec.Params
		}
	} else {
		event.Type = engine.EventTypeDeviceCall
		event.Message = fmt.Sprintf("%s on device %s", rec.Operation, rec.DeviceID)
		event.Details = map[string]any{
			"operation":  rec.Operation,
			"attempt":    rec.Attempt,
			"ok":         rec.OK,
			"latency_ms": rec.Latency.Milliseconds(),
		}
	}
	if rec.Error != "" {
		event.Details["error"] = rec.Error
	}

	if err := r.sink.AppendEvent(ctx, event); err != nil {
		r.logger.WithDeviceID(rec.DeviceID).WithError(err).
			Warn("failed to persist device call event")
	}
}
