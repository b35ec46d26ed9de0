package stores

import (
	"context"
	"testing"
	"time"

	"github.com/planforge/planforge/pkg/approval"
)

// TestTokenStateRoundTrip tests token persistence and the single-use flag.
func TestTokenStateRoundTrip(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	rec := &approval.TokenRecord{
		ID:        "tok-1",
		PlanID:    "plan-1",
		Approver:  "alice",
		ExpiresAt: time.Now().UTC().Add(5 * time.Minute),
	}
	if err := store.SaveToken(ctx, rec); err != nil {
		t.Fatalf("failed to save token: %v", err)
	}

	got, err := store.GetToken(ctx, "tok-1")
	if err != nil {
		t.Fatalf("failed to get token: %v", err)
	}
	if got == nil || got.PlanID != "plan-1" || got.Approver != "alice" || got.Used {
		t.Fatalf("unexpected token record: %+v", got)
	}

	unknown, err := store.GetToken(ctx, "missing")
	if err != nil {
		t.Fatalf("failed to get unknown token: %v", err)
	}
	if unknown != nil {
		t.Errorf("expected nil for unknown token, got %+v", unknown)
	}

	ok, err := store.ConsumeToken(ctx, "tok-1")
	if err != nil {
		t.Fatalf("failed to consume token: %v", err)
	}
	if !ok {
		t.Fatal("expected first consume to win")
	}
	ok, err = store.ConsumeToken(ctx, "tok-1")
	if err != nil {
		t.Fatalf("failed to consume token twice: %v", err)
	}
	if ok {
		t.Error("expected second consume to lose")
	}
}

// TestSaveTokenPurgesExpired tests that expired token records are swept
// out when new tokens are saved; token state never outlives its window.
func TestSaveTokenPurgesExpired(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	stale := &approval.TokenRecord{
		ID:        "tok-stale",
		PlanID:    "plan-1",
		Approver:  "alice",
		ExpiresAt: time.Now().UTC().Add(-time.Hour),
	}
	if err := store.SaveToken(ctx, stale); err != nil {
		t.Fatalf("failed to save stale token: %v", err)
	}

	fresh := &approval.TokenRecord{
		ID:        "tok-fresh",
		PlanID:    "plan-2",
		Approver:  "bob",
		ExpiresAt: time.Now().UTC().Add(5 * time.Minute),
	}
	if err := store.SaveToken(ctx, fresh); err != nil {
		t.Fatalf("failed to save fresh token: %v", err)
	}

	got, err := store.GetToken(ctx, "tok-stale")
	if err != nil {
		t.Fatalf("failed to get token: %v", err)
	}
	if got != nil {
		t.Errorf("expected the expired record to be gone, got %+v", got)
	}

	got, err = store.GetToken(ctx, "tok-fresh")
	if err != nil {
		t.Fatalf("failed to get token: %v", err)
	}
	if got == nil {
		t.Error("expected the fresh record to survive the purge")
	}
}
