package engine

import (
	"context"
	"fmt"
	"reflect"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/planforge/planforge/pkg/telemetry"
)

// Policy holds the deployment-level execution policy. It is re-read on
// every operation so configuration reloads take effect without restart.
type Policy struct {
	// RequireApproval gates plan execution behind an approval token.
	RequireApproval bool

	// JobTimeout is the optional wall-clock budget for a whole job.
	// Zero disables the budget.
	JobTimeout time.Duration
}

// PolicyProvider supplies the current policy.
type PolicyProvider interface {
	Policy() Policy
}

// StaticPolicy is a PolicyProvider returning a fixed policy.
type StaticPolicy Policy

// Policy implements PolicyProvider.
func (p StaticPolicy) Policy() Policy { return Policy(p) }

// PlanManager owns plan creation and the plan state machine. It computes
// the per-device change preview without modifying any device.
type PlanManager struct {
	store       Store
	devices     DeviceClient
	eligibility EligibilityChecker
	policy      PolicyProvider
	events      EventSink
	logger      *telemetry.Logger
	validate    *validator.Validate
	now         func() time.Time
}

// NewPlanManager creates a plan manager.
func NewPlanManager(
	store Store,
	devices DeviceClient,
	eligibility EligibilityChecker,
	policy PolicyProvider,
	events EventSink,
	logger *telemetry.Logger,
) *PlanManager {
	return &PlanManager{
		store:       store,
		devices:     devices,
		eligibility: eligibility,
		policy:      policy,
		events:      events,
		logger:      logger.NewComponentLogger("plan_manager"),
		validate:    validator.New(),
		now:         time.Now,
	}
}

// CreatePlan validates the request, checks device eligibility, computes the
// per-device change preview, and persists an immutable plan.
func (m *PlanManager) CreatePlan(ctx context.Context, req CreatePlanRequest) (*Plan, error) {
	if err := m.validate.Struct(req); err != nil {
		return nil, NewValidationError("invalid create plan request", err).
			WithCode(ErrCodeValidation)
	}
	if len(req.DeviceIDs) > MaxPlanDevices {
		return nil, NewValidationError(
			fmt.Sprintf("plan targets %d devices, maximum is %d", len(req.DeviceIDs), MaxPlanDevices), nil).
			WithCode(ErrCodeBatchTooLarge)
	}
	if req.Change.Resource == "" {
		return nil, NewValidationError("change spec has no resource", nil).
			WithCode(ErrCodeValidation)
	}

	seen := make(map[string]bool, len(req.DeviceIDs))
	for _, id := range req.DeviceIDs {
		if seen[id] {
			return nil, NewValidationError("duplicate device id: "+id, nil).
				WithCode(ErrCodeValidation)
		}
		seen[id] = true
	}
	for id := range req.Overrides {
		if !seen[id] {
			return nil, NewValidationError("override for device not in plan: "+id, nil).
				WithCode(ErrCodeValidation)
		}
	}

	// Eligibility is an external collaborator's decision; the engine only
	// relays it.
	for _, id := range req.DeviceIDs {
		if err := m.eligibility.CheckDevice(ctx, id, req.Operation); err != nil {
			return nil, NewValidationError("device not eligible: "+id, err).
				WithCode(ErrCodeValidation).WithDevice(id)
		}
	}

	changes := make(map[string]ChangeSpec, len(req.DeviceIDs))
	for _, id := range req.DeviceIDs {
		spec := req.Change
		if ov, ok := req.Overrides[id]; ok {
			spec = ov
		}
		spec.Desired = spec.Desired.Copy()
		changes[id] = spec
	}

	correlationID := req.CorrelationID
	if correlationID == "" {
		correlationID = uuid.New().String()
	}

	// Without an approval gate the plan starts as a draft and is applied
	// directly; no synthetic approval is recorded.
	status := PlanStatusDraft
	if m.policy.Policy().RequireApproval {
		status = PlanStatusPendingApproval
	}

	plan := &Plan{
		ID:                uuid.New().String(),
		CreatedAt:         m.now().UTC(),
		CreatedBy:         req.CreatedBy,
		Operation:         req.Operation,
		Status:            status,
		DeviceIDs:         append([]string(nil), req.DeviceIDs...),
		Summary:           req.Summary,
		Changes:           changes,
		ContinueOnFailure: req.ContinueOnFailure,
		CorrelationID:     correlationID,
	}
	plan.Previews = m.computePreviews(ctx, plan)

	if err := m.store.CreatePlan(ctx, plan); err != nil {
		return nil, fmt.Errorf("failed to persist plan: %w", err)
	}

	m.logger.WithPlanID(plan.ID).
		WithField("devices", len(plan.DeviceIDs)).
		WithField("operation", plan.Operation).
		Info("plan created")
	m.emit(ctx, &Event{
		Type:          EventTypePlanCreated,
		CorrelationID: plan.CorrelationID,
		PlanID:        plan.ID,
		Actor:         plan.CreatedBy,
		Message:       "plan created",
		Level:         telemetry.EventLevelInfo,
		Details: map[string]any{
			"operation":    plan.Operation,
			"device_count": len(plan.DeviceIDs),
			"status":       string(plan.Status),
		},
	})

	return plan, nil
}

// computePreviews reads current device state to diff against the desired
// fields, for display only. A failed read becomes a per-device warning.
func (m *PlanManager) computePreviews(ctx context.Context, plan *Plan) []DevicePreview {
	previews := make([]DevicePreview, 0, len(plan.DeviceIDs))
	for _, id := range plan.DeviceIDs {
		spec := plan.Changes[id]
		preview := DevicePreview{DeviceID: id}

		current, err := m.devices.Read(ctx, id, spec.Resource)
		if err != nil {
			preview.Warning = fmt.Sprintf("preview read failed: %v", err)
			m.logger.WithPlanID(plan.ID).WithDeviceID(id).WithError(err).
				Warn("preview read failed")
			previews = append(previews, preview)
			continue
		}

		for field, desired := range spec.Desired {
			before, ok := current[field]
			if !ok || !reflect.DeepEqual(before, desired) {
				preview.Changes = append(preview.Changes, FieldChange{
					Field:  field,
					Before: copyValue(before),
					After:  copyValue(desired),
				})
			}
		}
		previews = append(previews, preview)
	}
	return previews
}

// ApprovePlan records an approval and moves the plan to approved.
func (m *PlanManager) ApprovePlan(ctx context.Context, planID, approver string) (*Plan, error) {
	plan, err := m.store.GetPlan(ctx, planID)
	if err != nil {
		return nil, err
	}
	// Drafts are approvable too: a policy flipped to require approval
	// after creation must not strand them.
	if plan.Status != PlanStatusPendingApproval && plan.Status != PlanStatusDraft {
		return nil, NewStateConflictError(
			fmt.Sprintf("cannot approve plan in status %s", plan.Status), nil).
			WithCode(ErrCodeInvalidTransition).WithPlan(planID)
	}

	if err := m.store.TransitionPlan(ctx, planID, plan.Status, PlanStatusApproved); err != nil {
		return nil, err
	}
	at := m.now().UTC()
	if err := m.store.SetPlanApproval(ctx, planID, approver, at); err != nil {
		return nil, fmt.Errorf("failed to record approval: %w", err)
	}

	plan.Status = PlanStatusApproved
	plan.ApprovedBy = approver
	plan.ApprovedAt = &at

	m.logger.WithPlanID(planID).WithField("approver", approver).Info("plan approved")
	m.emit(ctx, &Event{
		Type:          EventTypePlanApproved,
		CorrelationID: plan.CorrelationID,
		PlanID:        planID,
		Actor:         approver,
		Message:       "plan approved",
		Level:         telemetry.EventLevelInfo,
	})
	return plan, nil
}

// CancelPlan cancels a plan that has not started executing.
func (m *PlanManager) CancelPlan(ctx context.Context, planID, actor string) error {
	plan, err := m.store.GetPlan(ctx, planID)
	if err != nil {
		return err
	}
	if !plan.Status.IsCancellable() {
		return NewStateConflictError(
			fmt.Sprintf("cannot cancel plan in status %s", plan.Status), nil).
			WithCode(ErrCodeInvalidTransition).WithPlan(planID)
	}

	if err := m.store.TransitionPlan(ctx, planID, plan.Status, PlanStatusCancelled); err != nil {
		return err
	}

	m.logger.WithPlanID(planID).WithField("actor", actor).Info("plan cancelled")
	m.emit(ctx, &Event{
		Type:          EventTypePlanCancelled,
		CorrelationID: plan.CorrelationID,
		PlanID:        planID,
		Actor:         actor,
		Message:       "plan cancelled",
		Level:         telemetry.EventLevelInfo,
	})
	return nil
}

// GetPlan retrieves a plan by ID.
func (m *PlanManager) GetPlan(ctx context.Context, planID string) (*Plan, error) {
	return m.store.GetPlan(ctx, planID)
}

// ListPlans lists plans, newest first.
func (m *PlanManager) ListPlans(ctx context.Context, limit, offset int) ([]*Plan, error) {
	return m.store.ListPlans(ctx, limit, offset)
}

func (m *PlanManager) emit(ctx context.Context, event *Event) {
	event.ID = uuid.New().String()
	event.Timestamp = m.now().UTC()
	if err := m.store.AppendEvent(ctx, event); err != nil {
		m.logger.WithError(err).Warn("failed to persist audit event")
	}
	if m.events != nil {
		m.events.Publish(ctx, event)
	}
}
