package engine

import (
	"context"
	"fmt"
	"reflect"

	"github.com/planforge/planforge/pkg/telemetry"
)

// Controller confirms a just-applied device change actually took effect and
// compensates when it did not. Rollback is attempted at most once per
// device per job; a failed rollback requires manual intervention.
type Controller struct {
	devices DeviceClient
	logger  *telemetry.Logger
}

// NewController creates a verification and rollback controller.
func NewController(devices DeviceClient, logger *telemetry.Logger) *Controller {
	return &Controller{
		devices: devices,
		logger:  logger.NewComponentLogger("verifier"),
	}
}

// Verify re-reads the affected resource and compares the observed values to
// the expected fields, then consults the device health signal. It returns a
// verification error with a field diff on mismatch, or a health check error
// when the device became unreachable right after the change.
func (c *Controller) Verify(ctx context.Context, deviceID, resource string, expected FieldMap) error {
	observed, err := c.devices.Read(ctx, deviceID, resource)
	if err != nil {
		return NewVerificationError("post-change read failed", err).
			WithCode(ErrCodeHealthCheck).WithDevice(deviceID)
	}

	var mismatches []FieldChange
	for field, want := range expected {
		got, ok := observed[field]
		if !ok || !reflect.DeepEqual(got, want) {
			mismatches = append(mismatches, FieldChange{
				Field:  field,
				Before: copyValue(got),
				After:  copyValue(want),
			})
		}
	}
	if len(mismatches) > 0 {
		return NewVerificationError(formatMismatch(mismatches), nil).
			WithCode(ErrCodeVerifyMismatch).WithDevice(deviceID)
	}

	if err := c.devices.Health(ctx, deviceID); err != nil {
		return NewVerificationError("device unhealthy after change", err).
			WithCode(ErrCodeHealthCheck).WithDevice(deviceID)
	}

	return nil
}

// Rollback re-applies the before snapshot captured at the moment of change
// and re-verifies it. A rollback whose own verification fails is terminal;
// the engine never loops rollback attempts.
func (c *Controller) Rollback(ctx context.Context, deviceID, resource string, before FieldMap) error {
	c.logger.WithDeviceID(deviceID).WithField("resource", resource).
		Warn("rolling back device change")

	if _, err := c.devices.ApplyChange(ctx, deviceID, resource, before); err != nil {
		return NewRollbackError("rollback apply failed, manual intervention required", err).
			WithCode(ErrCodeRollbackFailed).WithDevice(deviceID)
	}
	if err := c.Verify(ctx, deviceID, resource, before); err != nil {
		return NewRollbackError("rollback verification failed, manual intervention required", err).
			WithCode(ErrCodeRollbackFailed).WithDevice(deviceID)
	}

	c.logger.WithDeviceID(deviceID).Info("device rolled back")
	return nil
}

func formatMismatch(mismatches []FieldChange) string {
	msg := "observed state does not match expected state:"
	for _, m := range mismatches {
		msg += fmt.Sprintf(" %s (observed=%v expected=%v)", m.Field, m.Before, m.After)
	}
	return msg
}
