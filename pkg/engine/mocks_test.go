package engine

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/planforge/planforge/pkg/telemetry"
)

// testLogger returns a quiet logger for tests.
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

// testMetrics returns a no-op metrics collector.
func testMetrics(t *testing.T) *telemetry.Metrics {
	t.Helper()

	metrics, err := telemetry.NewMetrics(telemetry.MetricsConfig{Enabled: false})
	if err != nil {
		t.Fatalf("failed to create metrics: %v", err)
	}
	return metrics
}

// memStore is an in-memory Store for engine tests.
type memStore struct {
	mu     sync.Mutex
	plans  map[string]*Plan
	jobs   map[string]*Job
	leases map[string]string
	events []*Event
}

func newMemStore() *memStore {
	return &memStore{
		plans:  make(map[string]*Plan),
		jobs:   make(map[string]*Job),
		leases: make(map[string]string),
	}
}

func (s *memStore) CreatePlan(_ context.Context, plan *Plan) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *plan
	s.plans[plan.ID] = &cp
	return nil
}

func (s *memStore) GetPlan(_ context.Context, planID string) (*Plan, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	plan, ok := s.plans[planID]
	if !ok {
		return nil, NewValidationError("plan not found: "+planID, nil).
			WithCode(ErrCodeNotFound).WithPlan(planID)
	}
	cp := *plan
	return &cp, nil
}

func (s *memStore) ListPlans(_ context.Context, limit, offset int) ([]*Plan, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	plans := make([]*Plan, 0, len(s.plans))
	for _, p := range s.plans {
		cp := *p
		plans = append(plans, &cp)
	}
	return plans, nil
}

func (s *memStore) TransitionPlan(_ context.Context, planID string, from, to PlanStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	plan, ok := s.plans[planID]
	if !ok {
		return NewValidationError("plan not found: "+planID, nil).WithCode(ErrCodeNotFound)
	}
	if !from.CanTransition(to) {
		return NewStateConflictError(
			fmt.Sprintf("plan cannot move from %s to %s", from, to), nil).
			WithCode(ErrCodeInvalidTransition).WithPlan(planID)
	}
	if plan.Status != from {
		return NewStateConflictError(
			fmt.Sprintf("plan is %s, expected %s", plan.Status, from), nil).
			WithCode(ErrCodeInvalidTransition).WithPlan(planID)
	}
	plan.Status = to
	return nil
}

func (s *memStore) SetPlanApproval(_ context.Context, planID, approver string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	plan, ok := s.plans[planID]
	if !ok {
		return NewValidationError("plan not found: "+planID, nil).WithCode(ErrCodeNotFound)
	}
	plan.ApprovedBy = approver
	plan.ApprovedAt = &at
	return nil
}

func (s *memStore) SetPlanLastJob(_ context.Context, planID, jobID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	plan, ok := s.plans[planID]
	if !ok {
		return NewValidationError("plan not found: "+planID, nil).WithCode(ErrCodeNotFound)
	}
	plan.LastJobID = jobID
	return nil
}

func (s *memStore) CreateJob(_ context.Context, job *Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *job
	cp.Results = append([]DeviceChangeResult(nil), job.Results...)
	s.jobs[job.ID] = &cp
	return nil
}

func (s *memStore) GetJob(_ context.Context, jobID string) (*Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[jobID]
	if !ok {
		return nil, NewValidationError("job not found: "+jobID, nil).WithCode(ErrCodeNotFound)
	}
	cp := *job
	cp.Results = append([]DeviceChangeResult(nil), job.Results...)
	return &cp, nil
}

func (s *memStore) ListJobsByPlan(_ context.Context, planID string) ([]*Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	jobs := []*Job{}
	for _, j := range s.jobs {
		if j.PlanID == planID {
			cp := *j
			jobs = append(jobs, &cp)
		}
	}
	return jobs, nil
}

func (s *memStore) UpdateJob(_ context.Context, job *Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.jobs[job.ID]; !ok {
		return NewValidationError("job not found: "+job.ID, nil).WithCode(ErrCodeNotFound)
	}
	cp := *job
	cp.Results = append([]DeviceChangeResult(nil), job.Results...)
	s.jobs[job.ID] = &cp
	return nil
}

func (s *memStore) AcquireJobLease(_ context.Context, planID, jobID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, held := s.leases[planID]; held {
		return NewStateConflictError("a job is already running for this plan", nil).
			WithCode(ErrCodeAlreadyRunning).WithPlan(planID)
	}
	s.leases[planID] = jobID
	return nil
}

func (s *memStore) ReleaseJobLease(_ context.Context, planID, jobID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.leases[planID] == jobID {
		delete(s.leases, planID)
	}
	return nil
}

func (s *memStore) AppendEvent(_ context.Context, event *Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *event
	s.events = append(s.events, &cp)
	return nil
}

func (s *memStore) ListEventsByCorrelation(_ context.Context, correlationID string) ([]*Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	events := []*Event{}
	for _, e := range s.events {
		if e.CorrelationID == correlationID {
			cp := *e
			events = append(events, &cp)
		}
	}
	return events, nil
}

func (s *memStore) eventTypes() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	types := make([]string, 0, len(s.events))
	for _, e := range s.events {
		types = append(types, e.Type)
	}
	return types
}

// deviceState is the scripted behavior of one fake device.
type deviceState struct {
	// fields is the device's current configuration per resource.
	fields map[string]FieldMap

	// readErr fails every Read with this error.
	readErr error

	// applyErr fails every ApplyChange with this error.
	applyErr error

	// healthErr fails every Health probe with this error.
	healthErr error

	// stuck freezes the device state so writes do not take effect, which
	// makes verification fail.
	stuck bool
}

// fakeDevices is a scriptable DeviceClient. It records the order in which
// devices were touched so tests can assert sequencing.
type fakeDevices struct {
	mu      sync.Mutex
	devices map[string]*deviceState
	applied []string

	// onCall, when set, runs at the start of every device operation.
	onCall func()
}

func (f *fakeDevices) call() {
	if f.onCall != nil {
		f.onCall()
	}
}

func newFakeDevices() *fakeDevices {
	return &fakeDevices{devices: make(map[string]*deviceState)}
}

func (f *fakeDevices) addDevice(id, resource string, fields FieldMap) *deviceState {
	f.mu.Lock()
	defer f.mu.Unlock()
	st := &deviceState{fields: map[string]FieldMap{resource: fields.Copy()}}
	f.devices[id] = st
	return st
}

func (f *fakeDevices) state(id string) *deviceState {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.devices[id]
}

func (f *fakeDevices) appliedOrder() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.applied...)
}

func (f *fakeDevices) Read(_ context.Context, deviceID, resource string) (FieldMap, error) {
	f.call()
	f.mu.Lock()
	defer f.mu.Unlock()
	st, ok := f.devices[deviceID]
	if !ok {
		return nil, NewValidationError("unknown device: "+deviceID, nil).WithCode(ErrCodeNotFound)
	}
	if st.readErr != nil {
		return nil, st.readErr
	}
	return st.fields[resource].Copy(), nil
}

func (f *fakeDevices) ApplyChange(_ context.Context, deviceID, resource string, desired FieldMap) (*ChangeResult, error) {
	f.call()
	f.mu.Lock()
	defer f.mu.Unlock()
	st, ok := f.devices[deviceID]
	if !ok {
		return nil, NewValidationError("unknown device: "+deviceID, nil).WithCode(ErrCodeNotFound)
	}
	f.applied = append(f.applied, deviceID)
	if st.applyErr != nil {
		return nil, st.applyErr
	}

	current := st.fields[resource]
	before := FieldMap{}
	after := FieldMap{}
	changed := false
	for field, want := range desired {
		got := current[field]
		before[field] = got
		after[field] = want
		if fmt.Sprintf("%v", got) != fmt.Sprintf("%v", want) {
			changed = true
			if !st.stuck {
				current[field] = want
			}
		}
	}
	if !changed {
		return &ChangeResult{Changed: false, Before: before, After: before}, nil
	}
	return &ChangeResult{Changed: true, Before: before, After: after}, nil
}

func (f *fakeDevices) RunCommand(_ context.Context, deviceID, templateID string, _ map[string]string) (string, error) {
	return "ok\n", nil
}

func (f *fakeDevices) Health(_ context.Context, deviceID string) error {
	f.call()
	f.mu.Lock()
	defer f.mu.Unlock()
	st, ok := f.devices[deviceID]
	if !ok {
		return NewValidationError("unknown device: "+deviceID, nil).WithCode(ErrCodeNotFound)
	}
	return st.healthErr
}

// allowAll is an EligibilityChecker that accepts every device.
type allowAll struct{}

func (allowAll) CheckDevice(context.Context, string, string) error { return nil }

// rejectDevices fails eligibility for the listed device IDs.
type rejectDevices map[string]bool

func (r rejectDevices) CheckDevice(_ context.Context, deviceID, _ string) error {
	if r[deviceID] {
		return NewValidationError("device not managed", nil).WithCode(ErrCodeNotFound)
	}
	return nil
}

// fakeTokens is a scriptable TokenService.
type fakeTokens struct {
	mu       sync.Mutex
	validate func(token, planID string) error
	consumed []string
}

func (f *fakeTokens) Issue(_ context.Context, planID, _ string) (*IssuedToken, error) {
	return &IssuedToken{TokenID: "tok-1", Value: "secret", PlanID: planID}, nil
}

func (f *fakeTokens) ValidateAndConsume(_ context.Context, token, planID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.validate != nil {
		if err := f.validate(token, planID); err != nil {
			return err
		}
	}
	f.consumed = append(f.consumed, token)
	return nil
}
