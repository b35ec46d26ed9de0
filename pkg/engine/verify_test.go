package engine

import (
	"context"
	"strings"
	"testing"
)

// TestVerifyMatch tests that matching state and healthy device pass.
func TestVerifyMatch(t *testing.T) {
	devices := newFakeDevices()
	devices.addDevice("sw-1", "dns", FieldMap{"servers": "10.0.0.53", "search": "corp"})

	verifier := NewController(devices, testLogger(t))

	err := verifier.Verify(context.Background(), "sw-1", "dns", FieldMap{"servers": "10.0.0.53"})
	if err != nil {
		t.Fatalf("expected verification to pass: %v", err)
	}
}

// TestVerifyMismatch tests that a field diff fails verification with the
// mismatching fields in the message.
func TestVerifyMismatch(t *testing.T) {
	devices := newFakeDevices()
	devices.addDevice("sw-1", "dns", FieldMap{"servers": "10.0.0.1"})

	verifier := NewController(devices, testLogger(t))

	err := verifier.Verify(context.Background(), "sw-1", "dns", FieldMap{"servers": "10.0.0.53"})
	if err == nil {
		t.Fatal("expected verification to fail")
	}
	if CodeOf(err) != ErrCodeVerifyMismatch {
		t.Errorf("expected code %s, got %s", ErrCodeVerifyMismatch, CodeOf(err))
	}
	if !strings.Contains(err.Error(), "servers") {
		t.Errorf("expected mismatching field in message, got %q", err.Error())
	}
}

// TestVerifyReadFailure tests that an unreadable device fails as a health
// check failure, not a mismatch.
func TestVerifyReadFailure(t *testing.T) {
	devices := newFakeDevices()
	devices.addDevice("sw-1", "dns", FieldMap{"servers": "10.0.0.53"})
	devices.state("sw-1").readErr = NewTransientError("connection refused", nil).WithCode(ErrCodeUnreachable)

	verifier := NewController(devices, testLogger(t))

	err := verifier.Verify(context.Background(), "sw-1", "dns", FieldMap{"servers": "10.0.0.53"})
	if CodeOf(err) != ErrCodeHealthCheck {
		t.Errorf("expected code %s, got %v", ErrCodeHealthCheck, err)
	}
}

// TestVerifyUnhealthyDevice tests that a device failing its health probe
// fails verification even when the fields match.
func TestVerifyUnhealthyDevice(t *testing.T) {
	devices := newFakeDevices()
	devices.addDevice("sw-1", "dns", FieldMap{"servers": "10.0.0.53"})
	devices.state("sw-1").healthErr = NewTransientError("device not responding", nil).WithCode(ErrCodeTimeout)

	verifier := NewController(devices, testLogger(t))

	err := verifier.Verify(context.Background(), "sw-1", "dns", FieldMap{"servers": "10.0.0.53"})
	if CodeOf(err) != ErrCodeHealthCheck {
		t.Errorf("expected code %s, got %v", ErrCodeHealthCheck, err)
	}
}

// TestRollbackRestoresState tests the happy rollback path.
func TestRollbackRestoresState(t *testing.T) {
	devices := newFakeDevices()
	devices.addDevice("sw-1", "dns", FieldMap{"servers": "10.0.0.53"})

	verifier := NewController(devices, testLogger(t))

	if err := verifier.Rollback(context.Background(), "sw-1", "dns", FieldMap{"servers": "10.0.0.1"}); err != nil {
		t.Fatalf("failed to roll back: %v", err)
	}

	state, err := devices.Read(context.Background(), "sw-1", "dns")
	if err != nil {
		t.Fatalf("failed to read device: %v", err)
	}
	if state["servers"] != "10.0.0.1" {
		t.Errorf("expected servers restored to 10.0.0.1, got %v", state["servers"])
	}
}

// TestRollbackApplyFailure tests that a failed rollback apply is terminal
// and classified for manual intervention.
func TestRollbackApplyFailure(t *testing.T) {
	devices := newFakeDevices()
	devices.addDevice("sw-1", "dns", FieldMap{"servers": "10.0.0.53"})
	devices.state("sw-1").applyErr = NewTransientError("write failed", nil).WithCode(ErrCodeUnreachable)

	verifier := NewController(devices, testLogger(t))

	err := verifier.Rollback(context.Background(), "sw-1", "dns", FieldMap{"servers": "10.0.0.1"})
	if err == nil {
		t.Fatal("expected rollback to fail")
	}
	if CodeOf(err) != ErrCodeRollbackFailed {
		t.Errorf("expected code %s, got %s", ErrCodeRollbackFailed, CodeOf(err))
	}
	if ClassOf(err) != ErrorClassRollback {
		t.Errorf("expected class %s, got %s", ErrorClassRollback, ClassOf(err))
	}
}

// TestRollbackVerifyFailure tests that a rollback whose own verification
// fails is reported as a rollback failure, with no second attempt.
func TestRollbackVerifyFailure(t *testing.T) {
	devices := newFakeDevices()
	devices.addDevice("sw-1", "dns", FieldMap{"servers": "10.0.0.53"})
	devices.state("sw-1").stuck = true

	verifier := NewController(devices, testLogger(t))

	err := verifier.Rollback(context.Background(), "sw-1", "dns", FieldMap{"servers": "10.0.0.1"})
	if CodeOf(err) != ErrCodeRollbackFailed {
		t.Errorf("expected code %s, got %v", ErrCodeRollbackFailed, err)
	}

	// Exactly one rollback apply was attempted
	if applies := devices.appliedOrder(); len(applies) != 1 {
		t.Errorf("expected a single rollback attempt, got %d", len(applies))
	}
}
