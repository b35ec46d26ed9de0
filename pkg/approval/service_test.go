package approval

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/planforge/planforge/pkg/engine"
	"github.com/planforge/planforge/pkg/telemetry"
)

func testLogger(t *testing.T) *telemetry.Logger {
	t.Helper()

	logger, err := telemetry.NewLogger(telemetry.LoggingConfig{
		Level:  "error",
		Format: "json",
		Output: "stderr",
	})
	if err != nil {
		t.Fatalf("failed to create logger: %v", err)
	}
	return logger
}

func newTestService(t *testing.T, opts ...Option) (*Service, *MemoryStore) {
	t.Helper()

	state := NewMemoryStore()
	svc, err := NewService(Config{SigningKey: []byte("test-signing-key")}, state, testLogger(t), opts...)
	if err != nil {
		t.Fatalf("failed to create service: %v", err)
	}
	return svc, state
}

// TestIssueAndConsume tests the round trip of a valid token.
func TestIssueAndConsume(t *testing.T) {
	svc, state := newTestService(t)
	ctx := context.Background()

	token, err := svc.Issue(ctx, "plan-1", "alice")
	if err != nil {
		t.Fatalf("failed to issue token: %v", err)
	}
	if token.Value == "" || token.TokenID == "" {
		t.Fatal("expected a token value and ID")
	}
	if token.PlanID != "plan-1" {
		t.Errorf("expected plan binding, got %s", token.PlanID)
	}

	if err := svc.ValidateAndConsume(ctx, token.Value, "plan-1"); err != nil {
		t.Fatalf("failed to consume valid token: %v", err)
	}

	rec, err := state.GetToken(ctx, token.TokenID)
	if err != nil {
		t.Fatalf("failed to load token state: %v", err)
	}
	if rec == nil || !rec.Used {
		t.Error("expected the token to be marked used")
	}
}

// TestConsumeTwice tests single-use enforcement.
func TestConsumeTwice(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	token, err := svc.Issue(ctx, "plan-1", "alice")
	if err != nil {
		t.Fatalf("failed to issue token: %v", err)
	}

	if err := svc.ValidateAndConsume(ctx, token.Value, "plan-1"); err != nil {
		t.Fatalf("first consume failed: %v", err)
	}

	err = svc.ValidateAndConsume(ctx, token.Value, "plan-1")
	if engine.CodeOf(err) != engine.ErrCodeApprovalReused {
		t.Errorf("expected code %s, got %v", engine.ErrCodeApprovalReused, err)
	}
}

// TestPlanMismatchDoesNotConsume tests that a token presented against the
// wrong plan is rejected but stays valid for its own plan.
func TestPlanMismatchDoesNotConsume(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	token, err := svc.Issue(ctx, "plan-1", "alice")
	if err != nil {
		t.Fatalf("failed to issue token: %v", err)
	}

	err = svc.ValidateAndConsume(ctx, token.Value, "plan-2")
	if engine.CodeOf(err) != engine.ErrCodeApprovalMismatch {
		t.Fatalf("expected code %s, got %v", engine.ErrCodeApprovalMismatch, err)
	}

	// Still spendable on the right plan
	if err := svc.ValidateAndConsume(ctx, token.Value, "plan-1"); err != nil {
		t.Errorf("mismatch must not consume the token: %v", err)
	}
}

// TestExpiredToken tests TTL enforcement with an injected clock.
func TestExpiredToken(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	var mu sync.Mutex
	clock := func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return now
	}

	state := NewMemoryStore()
	svc, err := NewService(Config{
		SigningKey: []byte("test-signing-key"),
		TTL:        5 * time.Minute,
	}, state, testLogger(t), WithNow(clock))
	if err != nil {
		t.Fatalf("failed to create service: %v", err)
	}

	ctx := context.Background()
	token, err := svc.Issue(ctx, "plan-1", "alice")
	if err != nil {
		t.Fatalf("failed to issue token: %v", err)
	}

	mu.Lock()
	now = now.Add(6 * time.Minute)
	mu.Unlock()

	err = svc.ValidateAndConsume(ctx, token.Value, "plan-1")
	if engine.CodeOf(err) != engine.ErrCodeApprovalExpired {
		t.Errorf("expected code %s, got %v", engine.ErrCodeApprovalExpired, err)
	}
}

// TestExpiredTokenStatePurged tests that expired token records do not
// outlive their validity window; issuing new tokens sweeps them out.
func TestExpiredTokenStatePurged(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	var mu sync.Mutex
	clock := func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return now
	}

	state := NewMemoryStore()
	state.now = clock
	svc, err := NewService(Config{
		SigningKey: []byte("test-signing-key"),
		TTL:        5 * time.Minute,
	}, state, testLogger(t), WithNow(clock))
	if err != nil {
		t.Fatalf("failed to create service: %v", err)
	}

	ctx := context.Background()
	stale, err := svc.Issue(ctx, "plan-1", "alice")
	if err != nil {
		t.Fatalf("failed to issue token: %v", err)
	}

	mu.Lock()
	now = now.Add(7 * 24 * time.Hour)
	mu.Unlock()

	if _, err := svc.Issue(ctx, "plan-2", "bob"); err != nil {
		t.Fatalf("failed to issue second token: %v", err)
	}

	rec, err := state.GetToken(ctx, stale.TokenID)
	if err != nil {
		t.Fatalf("failed to load token state: %v", err)
	}
	if rec != nil {
		t.Errorf("expected the expired record to be gone, got %+v", rec)
	}
}

// TestGarbageToken tests rejection of values that were never issued.
func TestGarbageToken(t *testing.T) {
	svc, _ := newTestService(t)

	err := svc.ValidateAndConsume(context.Background(), "not-a-token", "plan-1")
	if engine.CodeOf(err) != engine.ErrCodeApprovalNotFound {
		t.Errorf("expected code %s, got %v", engine.ErrCodeApprovalNotFound, err)
	}
}

// TestForeignKeyToken tests rejection of tokens signed with another key.
func TestForeignKeyToken(t *testing.T) {
	other, err := NewService(Config{SigningKey: []byte("another-key")}, NewMemoryStore(), testLogger(t))
	if err != nil {
		t.Fatalf("failed to create service: %v", err)
	}

	svc, _ := newTestService(t)

	token, err := other.Issue(context.Background(), "plan-1", "mallory")
	if err != nil {
		t.Fatalf("failed to issue foreign token: %v", err)
	}

	err = svc.ValidateAndConsume(context.Background(), token.Value, "plan-1")
	if engine.CodeOf(err) != engine.ErrCodeApprovalNotFound {
		t.Errorf("expected code %s, got %v", engine.ErrCodeApprovalNotFound, err)
	}
}

// TestConcurrentConsume tests that exactly one of many concurrent
// presentations of the same token wins.
func TestConcurrentConsume(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	token, err := svc.Issue(ctx, "plan-1", "alice")
	if err != nil {
		t.Fatalf("failed to issue token: %v", err)
	}

	const attempts = 16
	var wg sync.WaitGroup
	errs := make([]error, attempts)
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = svc.ValidateAndConsume(ctx, token.Value, "plan-1")
		}(i)
	}
	wg.Wait()

	wins := 0
	for _, err := range errs {
		if err == nil {
			wins++
		} else if engine.CodeOf(err) != engine.ErrCodeApprovalReused {
			t.Errorf("unexpected loser error: %v", err)
		}
	}
	if wins != 1 {
		t.Errorf("expected exactly one winner, got %d", wins)
	}
}

// TestIssueEmitsAuditEvent tests that issuance records the token ID but
// never the secret value.
func TestIssueEmitsAuditEvent(t *testing.T) {
	sink := &eventSink{}
	svc, _ := newTestService(t, WithAudit(sink))

	token, err := svc.Issue(context.Background(), "plan-1", "alice")
	if err != nil {
		t.Fatalf("failed to issue token: %v", err)
	}

	if len(sink.events) != 1 {
		t.Fatalf("expected 1 audit event, got %d", len(sink.events))
	}
	event := sink.events[0]
	if event.Type != engine.EventTypeTokenIssued {
		t.Errorf("expected type %s, got %s", engine.EventTypeTokenIssued, event.Type)
	}
	if event.Details["token_id"] != token.TokenID {
		t.Errorf("expected token ID in details, got %v", event.Details)
	}
	for _, v := range event.Details {
		if v == token.Value {
			t.Error("the secret token value must never reach the audit trail")
		}
	}
}

type eventSink struct {
	mu     sync.Mutex
	events []*engine.Event
}

func (s *eventSink) AppendEvent(_ context.Context, event *engine.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, event)
	return nil
}
