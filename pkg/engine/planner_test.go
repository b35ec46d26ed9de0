package engine

import (
	"context"
	"fmt"
	"testing"
)

func newTestPlanner(t *testing.T, store Store, devices DeviceClient, eligibility EligibilityChecker, policy PolicyProvider) *PlanManager {
	t.Helper()
	return NewPlanManager(store, devices, eligibility, policy, nil, testLogger(t))
}

func validRequest(deviceIDs ...string) CreatePlanRequest {
	return CreatePlanRequest{
		Operation: "dns.update",
		DeviceIDs: deviceIDs,
		Change: ChangeSpec{
			Resource: "dns",
			Desired:  FieldMap{"servers": "10.0.0.53"},
		},
		CreatedBy: "tester",
	}
}

// TestCreatePlanComputesPreview tests that plan creation diffs desired
// fields against current device state without modifying any device.
func TestCreatePlanComputesPreview(t *testing.T) {
	store := newMemStore()
	devices := newFakeDevices()
	devices.addDevice("sw-1", "dns", FieldMap{"servers": "10.0.0.1", "search": "corp"})
	devices.addDevice("sw-2", "dns", FieldMap{"servers": "10.0.0.53"})

	planner := newTestPlanner(t, store, devices, allowAll{}, StaticPolicy{RequireApproval: true})

	plan, err := planner.CreatePlan(context.Background(), validRequest("sw-1", "sw-2"))
	if err != nil {
		t.Fatalf("failed to create plan: %v", err)
	}

	if plan.Status != PlanStatusPendingApproval {
		t.Errorf("expected status %s, got %s", PlanStatusPendingApproval, plan.Status)
	}
	if len(plan.Previews) != 2 {
		t.Fatalf("expected 2 previews, got %d", len(plan.Previews))
	}

	// sw-1 differs, sw-2 already matches
	if len(plan.Previews[0].Changes) != 1 {
		t.Errorf("expected 1 field change for sw-1, got %d", len(plan.Previews[0].Changes))
	}
	if len(plan.Previews[1].Changes) != 0 {
		t.Errorf("expected no field changes for sw-2, got %d", len(plan.Previews[1].Changes))
	}

	// Preview never writes
	if got := devices.appliedOrder(); len(got) != 0 {
		t.Errorf("preview must not apply changes, applied to %v", got)
	}
}

// TestCreatePlanWithoutApprovalPolicy tests that plans start as drafts
// when policy does not gate on approval; nobody approved them.
func TestCreatePlanWithoutApprovalPolicy(t *testing.T) {
	store := newMemStore()
	devices := newFakeDevices()
	devices.addDevice("sw-1", "dns", FieldMap{"servers": "10.0.0.1"})

	planner := newTestPlanner(t, store, devices, allowAll{}, StaticPolicy{RequireApproval: false})

	plan, err := planner.CreatePlan(context.Background(), validRequest("sw-1"))
	if err != nil {
		t.Fatalf("failed to create plan: %v", err)
	}
	if plan.Status != PlanStatusDraft {
		t.Errorf("expected status %s, got %s", PlanStatusDraft, plan.Status)
	}
	if plan.ApprovedBy != "" {
		t.Errorf("unapproved plan must not carry an approver, got %s", plan.ApprovedBy)
	}
}

// TestApproveDraftPlan tests that a draft created while approval was off
// can still be approved after the policy is tightened.
func TestApproveDraftPlan(t *testing.T) {
	store := newMemStore()
	devices := newFakeDevices()
	devices.addDevice("sw-1", "dns", FieldMap{"servers": "10.0.0.1"})

	planner := newTestPlanner(t, store, devices, allowAll{}, StaticPolicy{RequireApproval: false})
	plan, err := planner.CreatePlan(context.Background(), validRequest("sw-1"))
	if err != nil {
		t.Fatalf("failed to create plan: %v", err)
	}

	approved, err := planner.ApprovePlan(context.Background(), plan.ID, "alice")
	if err != nil {
		t.Fatalf("failed to approve draft: %v", err)
	}
	if approved.Status != PlanStatusApproved {
		t.Errorf("expected status %s, got %s", PlanStatusApproved, approved.Status)
	}
}

// TestCreatePlanTooManyDevices tests the device count cap.
func TestCreatePlanTooManyDevices(t *testing.T) {
	store := newMemStore()
	devices := newFakeDevices()

	ids := make([]string, MaxPlanDevices+1)
	for i := range ids {
		ids[i] = fmt.Sprintf("sw-%d", i)
		devices.addDevice(ids[i], "dns", FieldMap{"servers": "10.0.0.1"})
	}

	planner := newTestPlanner(t, store, devices, allowAll{}, StaticPolicy{RequireApproval: true})

	_, err := planner.CreatePlan(context.Background(), validRequest(ids...))
	if err == nil {
		t.Fatal("expected error for oversized plan")
	}
	if CodeOf(err) != ErrCodeBatchTooLarge {
		t.Errorf("expected code %s, got %s", ErrCodeBatchTooLarge, CodeOf(err))
	}
}

// TestCreatePlanDuplicateDevice tests duplicate device rejection.
func TestCreatePlanDuplicateDevice(t *testing.T) {
	store := newMemStore()
	devices := newFakeDevices()
	devices.addDevice("sw-1", "dns", FieldMap{})

	planner := newTestPlanner(t, store, devices, allowAll{}, StaticPolicy{RequireApproval: true})

	_, err := planner.CreatePlan(context.Background(), validRequest("sw-1", "sw-1"))
	if err == nil {
		t.Fatal("expected error for duplicate device")
	}
	if !IsValidation(err) {
		t.Errorf("expected validation error, got %v", err)
	}
}

// TestCreatePlanOverrideForUnknownDevice tests that overrides must target
// devices in the plan.
func TestCreatePlanOverrideForUnknownDevice(t *testing.T) {
	store := newMemStore()
	devices := newFakeDevices()
	devices.addDevice("sw-1", "dns", FieldMap{})

	planner := newTestPlanner(t, store, devices, allowAll{}, StaticPolicy{RequireApproval: true})

	req := validRequest("sw-1")
	req.Overrides = map[string]ChangeSpec{
		"sw-9": {Resource: "dns", Desired: FieldMap{"servers": "10.9.9.9"}},
	}

	_, err := planner.CreatePlan(context.Background(), req)
	if err == nil {
		t.Fatal("expected error for override targeting unknown device")
	}
	if !IsValidation(err) {
		t.Errorf("expected validation error, got %v", err)
	}
}

// TestCreatePlanIneligibleDevice tests that eligibility failures abort
// plan creation.
func TestCreatePlanIneligibleDevice(t *testing.T) {
	store := newMemStore()
	devices := newFakeDevices()
	devices.addDevice("sw-1", "dns", FieldMap{})
	devices.addDevice("sw-2", "dns", FieldMap{})

	planner := newTestPlanner(t, store, devices, rejectDevices{"sw-2": true}, StaticPolicy{RequireApproval: true})

	_, err := planner.CreatePlan(context.Background(), validRequest("sw-1", "sw-2"))
	if err == nil {
		t.Fatal("expected error for ineligible device")
	}
	if !IsValidation(err) {
		t.Errorf("expected validation error, got %v", err)
	}
}

// TestCreatePlanPreviewReadFailure tests that a failed preview read
// becomes a warning rather than an error.
func TestCreatePlanPreviewReadFailure(t *testing.T) {
	store := newMemStore()
	devices := newFakeDevices()
	devices.addDevice("sw-1", "dns", FieldMap{"servers": "10.0.0.1"})
	devices.addDevice("sw-2", "dns", FieldMap{})
	devices.state("sw-2").readErr = NewTransientError("device timed out", nil).WithCode(ErrCodeTimeout)

	planner := newTestPlanner(t, store, devices, allowAll{}, StaticPolicy{RequireApproval: true})

	plan, err := planner.CreatePlan(context.Background(), validRequest("sw-1", "sw-2"))
	if err != nil {
		t.Fatalf("failed to create plan: %v", err)
	}
	if plan.Previews[1].Warning == "" {
		t.Error("expected a preview warning for the unreadable device")
	}
	if len(plan.Previews[1].Changes) != 0 {
		t.Errorf("expected no changes alongside the warning, got %d", len(plan.Previews[1].Changes))
	}
}

// TestApprovePlan tests the pending_approval -> approved transition.
func TestApprovePlan(t *testing.T) {
	store := newMemStore()
	devices := newFakeDevices()
	devices.addDevice("sw-1", "dns", FieldMap{"servers": "10.0.0.1"})

	planner := newTestPlanner(t, store, devices, allowAll{}, StaticPolicy{RequireApproval: true})

	plan, err := planner.CreatePlan(context.Background(), validRequest("sw-1"))
	if err != nil {
		t.Fatalf("failed to create plan: %v", err)
	}

	approved, err := planner.ApprovePlan(context.Background(), plan.ID, "alice")
	if err != nil {
		t.Fatalf("failed to approve plan: %v", err)
	}
	if approved.Status != PlanStatusApproved {
		t.Errorf("expected status %s, got %s", PlanStatusApproved, approved.Status)
	}
	if approved.ApprovedBy != "alice" {
		t.Errorf("expected approver alice, got %s", approved.ApprovedBy)
	}

	// Approving twice conflicts
	if _, err := planner.ApprovePlan(context.Background(), plan.ID, "bob"); !IsStateConflict(err) {
		t.Errorf("expected state conflict on double approval, got %v", err)
	}
}

// TestCancelPlan tests cancellation rules across plan states.
func TestCancelPlan(t *testing.T) {
	store := newMemStore()
	devices := newFakeDevices()
	devices.addDevice("sw-1", "dns", FieldMap{"servers": "10.0.0.1"})

	planner := newTestPlanner(t, store, devices, allowAll{}, StaticPolicy{RequireApproval: true})

	plan, err := planner.CreatePlan(context.Background(), validRequest("sw-1"))
	if err != nil {
		t.Fatalf("failed to create plan: %v", err)
	}

	if err := planner.CancelPlan(context.Background(), plan.ID, "tester"); err != nil {
		t.Fatalf("failed to cancel pending plan: %v", err)
	}

	got, err := planner.GetPlan(context.Background(), plan.ID)
	if err != nil {
		t.Fatalf("failed to get plan: %v", err)
	}
	if got.Status != PlanStatusCancelled {
		t.Errorf("expected status %s, got %s", PlanStatusCancelled, got.Status)
	}

	// A cancelled plan cannot be cancelled again
	if err := planner.CancelPlan(context.Background(), plan.ID, "tester"); !IsStateConflict(err) {
		t.Errorf("expected state conflict, got %v", err)
	}
}

// TestCreatePlanEmitsAuditEvent tests that plan creation lands in the
// audit trail under the plan's correlation ID.
func TestCreatePlanEmitsAuditEvent(t *testing.T) {
	store := newMemStore()
	devices := newFakeDevices()
	devices.addDevice("sw-1", "dns", FieldMap{"servers": "10.0.0.1"})

	planner := newTestPlanner(t, store, devices, allowAll{}, StaticPolicy{RequireApproval: true})

	plan, err := planner.CreatePlan(context.Background(), validRequest("sw-1"))
	if err != nil {
		t.Fatalf("failed to create plan: %v", err)
	}

	events, err := store.ListEventsByCorrelation(context.Background(), plan.CorrelationID)
	if err != nil {
		t.Fatalf("failed to list events: %v", err)
	}
	if len(events) != 1 || events[0].Type != EventTypePlanCreated {
		t.Fatalf("expected one %s event, got %v", EventTypePlanCreated, store.eventTypes())
	}
	if events[0].Actor != "tester" {
		t.Errorf("expected actor tester, got %s", events[0].Actor)
	}
}
