package device

import (
	"context"

	"github.com/planforge/planforge/pkg/engine"
)

// EligibilityChecker implements engine.EligibilityChecker against the
// device management API. A device is eligible when the API knows it and
// reports it healthy; capability checks beyond that belong to the
// management API itself.
type EligibilityChecker struct {
	client *Client
}

// NewEligibilityChecker creates an eligibility checker backed by a client.
func NewEligibilityChecker(client *Client) *EligibilityChecker {
	return &EligibilityChecker{client: client}
}

// CheckDevice implements engine.EligibilityChecker.
func (e *EligibilityChecker) CheckDevice(ctx context.Context, deviceID, operation string) error {
	if err := e.client.Health(ctx, deviceID); err != nil {
		return engine.NewValidationError("device is not reachable for "+operation, err).
			WithCode(engine.ErrCodeValidation).WithDevice(deviceID)
	}
	return nil
}
