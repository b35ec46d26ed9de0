package device

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

// fakeClock advances instantly and records requested sleeps.
type fakeClock struct {
	mu     sync.Mutex
	now    time.Time
	sleeps []time.Duration
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Sleep(_ context.Context, d time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sleeps = append(c.sleeps, d)
	c.now = c.now.Add(d)
	return nil
}

// fakeTransport scripts per-operation responses. Each entry in failures
// is consumed by one call before the transport starts succeeding.
type fakeTransport struct {
	mu        sync.Mutex
	state     engine.FieldMap
	readFails []error
	patchFail []error
	patches   []engine.FieldMap
	execOut   string
	pingErr   error
}

func (f *fakeTransport) ReadResource(_ context.Context, _, _ string) (engine.FieldMap, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.readFails) > 0 {
		err := f.readFails[0]
		f.readFails = f.readFails[1:]
		return nil, err
	}
	return f.state.Copy(), nil
}

func (f *fakeTransport) PatchResource(_ context.Context, _, _ string, delta engine.FieldMap) (engine.FieldMap, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.patchFail) > 0 {
		err := f.patchFail[0]
		f.patchFail = f.patchFail[1:]
		return nil, err
	}
	f.patches = append(f.patches, delta.Copy())
	for k, v := range delta {
		f.state[k] = v
	}
	return f.state.Copy(), nil
}

func (f *fakeTransport) ExecCommand(_ context.Context, _, _ string) (string, error) {
	return f.execOut, nil
}

func (f *fakeTransport) Ping(_ context.Context, _ string) error {
	return f.pingErr
}

func (f *fakeTransport) patchCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.patches)
}

// recordingSink collects call records.
type recordingSink struct {
	mu      sync.Mutex
	records []CallRecord
}

func (r *recordingSink) Record(_ context.Context, rec CallRecord) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.records = append(r.records, rec)
}

func newTestClient(t *testing.T, transport Transport, clock Clock) *Client {
	t.Helper()
	return NewClient(transport, Config{
		MaxRetries:    3,
		BackoffBase:   time.Second,
		BackoffCap:    4 * time.Second,
		CallTimeout:   time.Second,
		RatePerSecond: 1000,
		RateBurst:     1000,
	}, testLogger(t), WithClock(clock))
}

// TestApplyChangePatchesOnlyDelta tests that only differing fields reach
// the device and untouched fields are never written.
func TestApplyChangePatchesOnlyDelta(t *testing.T) {
	transport := &fakeTransport{state: engine.FieldMap{
		"servers": "10.0.0.1",
		"search":  "corp",
		"ttl":     float64(300),
	}}
	client := newTestClient(t, transport, newFakeClock())

	result, err := client.ApplyChange(context.Background(), "sw-1", "dns", engine.FieldMap{
		"servers": "10.0.0.53",
		"search":  "corp",
	})
	if err != nil {
		t.Fatalf("failed to apply change: %v", err)
	}

	if !result.Changed {
		t.Error("expected Changed=true")
	}
	if result.Before["servers"] != "10.0.0.1" {
		t.Errorf("expected before snapshot 10.0.0.1, got %v", result.Before["servers"])
	}
	if result.After["servers"] != "10.0.0.53" {
		t.Errorf("expected after snapshot 10.0.0.53, got %v", result.After["servers"])
	}

	if transport.patchCount() != 1 {
		t.Fatalf("expected 1 patch, got %d", transport.patchCount())
	}
	transport.mu.Lock()
	patch := transport.patches[0]
	transport.mu.Unlock()
	if len(patch) != 1 {
		t.Errorf("expected a single-field delta, got %v", patch)
	}
	if _, ok := patch["search"]; ok {
		t.Error("matching field must not be part of the delta")
	}
}

// TestApplyChangeEmptyDelta tests that an in-sync device gets no write.
func TestApplyChangeEmptyDelta(t *testing.T) {
	transport := &fakeTransport{state: engine.FieldMap{"servers": "10.0.0.53"}}
	client := newTestClient(t, transport, newFakeClock())

	result, err := client.ApplyChange(context.Background(), "sw-1", "dns", engine.FieldMap{
		"servers": "10.0.0.53",
	})
	if err != nil {
		t.Fatalf("failed to apply change: %v", err)
	}
	if result.Changed {
		t.Error("expected Changed=false for matching state")
	}
	if transport.patchCount() != 0 {
		t.Errorf("expected no patch, got %d", transport.patchCount())
	}
}

// TestApplyChangeRetriesTransient tests bounded retry with exponential
// backoff for transient failures, and that the retry count is reported.
func TestApplyChangeRetriesTransient(t *testing.T) {
	transient := engine.NewTransientError("connection reset", nil).WithCode(engine.ErrCodeUnreachable)
	transport := &fakeTransport{
		state:     engine.FieldMap{"servers": "10.0.0.1"},
		readFails: []error{transient, transient},
	}
	clock := newFakeClock()
	client := newTestClient(t, transport, clock)

	result, err := client.ApplyChange(context.Background(), "sw-1", "dns", engine.FieldMap{
		"servers": "10.0.0.53",
	})
	if err != nil {
		t.Fatalf("failed to apply change: %v", err)
	}
	if result.Retries != 2 {
		t.Errorf("expected 2 retries consumed, got %d", result.Retries)
	}

	// First delay is the base, second doubles it
	clock.mu.Lock()
	sleeps := append([]time.Duration(nil), clock.sleeps...)
	clock.mu.Unlock()
	if len(sleeps) != 2 {
		t.Fatalf("expected 2 backoff sleeps, got %v", sleeps)
	}
	if sleeps[0] != time.Second || sleeps[1] != 2*time.Second {
		t.Errorf("expected backoff 1s then 2s, got %v", sleeps)
	}
}

// TestApplyChangeRetriesExhausted tests that retries stop at the limit
// and the last error propagates.
func TestApplyChangeRetriesExhausted(t *testing.T) {
	transient := engine.NewTransientError("connection reset", nil).WithCode(engine.ErrCodeUnreachable)
	transport := &fakeTransport{
		state:     engine.FieldMap{"servers": "10.0.0.1"},
		readFails: []error{transient, transient, transient, transient, transient},
	}
	clock := newFakeClock()
	client := newTestClient(t, transport, clock)

	result, err := client.ApplyChange(context.Background(), "sw-1", "dns", engine.FieldMap{
		"servers": "10.0.0.53",
	})
	if err == nil {
		t.Fatal("expected error after retry exhaustion")
	}
	if !engine.IsTransient(err) {
		t.Errorf("expected transient error, got %v", err)
	}
	if result == nil || result.Retries != 3 {
		t.Errorf("expected 3 retries consumed, got %+v", result)
	}
	if transport.patchCount() != 0 {
		t.Error("a failed read must not be followed by a write")
	}
}

// TestApplyChangeNoRetryOnRejection tests that device rejections fail
// immediately without retries.
func TestApplyChangeNoRetryOnRejection(t *testing.T) {
	rejected := engine.NewDeviceRejectedError("config locked", nil).WithCode(engine.ErrCodeDeviceRejected)
	transport := &fakeTransport{
		state:     engine.FieldMap{"servers": "10.0.0.1"},
		patchFail: []error{rejected, rejected},
	}
	clock := newFakeClock()
	client := newTestClient(t, transport, clock)

	result, err := client.ApplyChange(context.Background(), "sw-1", "dns", engine.FieldMap{
		"servers": "10.0.0.53",
	})
	if err == nil {
		t.Fatal("expected rejection to propagate")
	}
	if engine.ClassOf(err) != engine.ErrorClassDeviceRejected {
		t.Errorf("expected device_rejected, got %s", engine.ClassOf(err))
	}
	if len(clock.sleeps) != 0 {
		t.Errorf("rejections must not back off, slept %v", clock.sleeps)
	}
	// Before snapshot survives the failed write for diagnostics
	if result == nil || result.Before["servers"] != "10.0.0.1" {
		t.Errorf("expected before snapshot on failure, got %+v", result)
	}
}

// TestBackoffCap tests that backoff growth is capped.
func TestBackoffCap(t *testing.T) {
	transient := engine.NewTransientError("busy", nil).WithCode(engine.ErrCodeTimeout)
	transport := &fakeTransport{
		state:     engine.FieldMap{},
		readFails: []error{transient, transient, transient},
	}
	clock := newFakeClock()
	client := newTestClient(t, transport, clock)

	if _, err := client.Read(context.Background(), "sw-1", "dns"); err != nil {
		t.Fatalf("failed to read: %v", err)
	}

	// 1s, 2s, then 4s (the cap, not 4s<<1)
	want := []time.Duration{time.Second, 2 * time.Second, 4 * time.Second}
	if len(clock.sleeps) != len(want) {
		t.Fatalf("expected %d sleeps, got %v", len(want), clock.sleeps)
	}
	for i := range want {
		if clock.sleeps[i] != want[i] {
			t.Errorf("sleep[%d]: expected %v, got %v", i, want[i], clock.sleeps[i])
		}
	}
}

// TestCallRecorder tests that every attempt is recorded, including the
// failures before a success.
func TestCallRecorder(t *testing.T) {
	transient := engine.NewTransientError("busy", nil).WithCode(engine.ErrCodeTimeout)
	transport := &fakeTransport{
		state:     engine.FieldMap{"servers": "10.0.0.1"},
		readFails: []error{transient},
	}
	sink := &recordingSink{}
	client := NewClient(transport, Config{
		MaxRetries:    3,
		BackoffBase:   time.Second,
		RatePerSecond: 1000,
		RateBurst:     1000,
	}, testLogger(t), WithClock(newFakeClock()), WithRecorder(sink))

	if _, err := client.Read(context.Background(), "sw-1", "dns"); err != nil {
		t.Fatalf("failed to read: %v", err)
	}

	sink.mu.Lock()
	defer sink.mu.Unlock()
	if len(sink.records) != 2 {
		t.Fatalf("expected 2 call records, got %d", len(sink.records))
	}
	if sink.records[0].OK || sink.records[0].Error == "" {
		t.Errorf("first record should be the failure: %+v", sink.records[0])
	}
	if !sink.records[1].OK || sink.records[1].Attempt != 1 {
		t.Errorf("second record should be the retry success: %+v", sink.records[1])
	}
}

// TestRunCommandRejectsUnknownTemplate tests the command whitelist.
func TestRunCommandRejectsUnknownTemplate(t *testing.T) {
	transport := &fakeTransport{execOut: "pong"}
	client := newTestClient(t, transport, newFakeClock())

	_, err := client.RunCommand(context.Background(), "sw-1", "rm-rf", nil)
	if err == nil {
		t.Fatal("expected unknown template to be rejected")
	}
	if engine.CodeOf(err) != engine.ErrCodeNotFound {
		t.Errorf("expected code %s, got %s", engine.ErrCodeNotFound, engine.CodeOf(err))
	}
}

// TestRunCommandResolvesTemplate tests parameter substitution end to end.
func TestRunCommandResolvesTemplate(t *testing.T) {
	transport := &fakeTransport{execOut: "64 bytes from 10.0.0.1"}
	client := newTestClient(t, transport, newFakeClock())

	out, err := client.RunCommand(context.Background(), "sw-1", "ping-host", map[string]string{
		"host": "10.0.0.1",
	})
	if err != nil {
		t.Fatalf("failed to run command: %v", err)
	}
	if out != "64 bytes from 10.0.0.1" {
		t.Errorf("unexpected output: %q", out)
	}
}

// TestRunCommandRecordsInvocation tests that a command invocation produces
// a summary record with the template, the parameters, and the output, on
// top of the per-attempt transport record.
func TestRunCommandRecordsInvocation(t *testing.T) {
	transport := &fakeTransport{execOut: "64 bytes from 10.0.0.1"}
	sink := &recordingSink{}
	client := NewClient(transport, Config{
		RatePerSecond: 1000,
		RateBurst:     1000,
	}, testLogger(t), WithClock(newFakeClock()), WithRecorder(sink))

	params := map[string]string{"host": "10.0.0.1"}
	if _, err := client.RunCommand(context.Background(), "sw-1", "ping-host", params); err != nil {
		t.Fatalf("failed to run command: %v", err)
	}

	sink.mu.Lock()
	defer sink.mu.Unlock()
	if len(sink.records) != 2 {
		t.Fatalf("expected attempt and summary records, got %d", len(sink.records))
	}
	if sink.records[0].Operation != "command:ping-host" || sink.records[0].Template != "" {
		t.Errorf("first record should be the transport attempt: %+v", sink.records[0])
	}

	summary := sink.records[1]
	if summary.Template != "ping-host" {
		t.Errorf("expected template ping-host, got %q", summary.Template)
	}
	if summary.Params["host"] != "10.0.0.1" {
		t.Errorf("expected resolved params, got %v", summary.Params)
	}
	if summary.Output != "64 bytes from 10.0.0.1" {
		t.Errorf("expected command output, got %q", summary.Output)
	}
	if !summary.OK {
		t.Error("expected summary record to be OK")
	}
}
