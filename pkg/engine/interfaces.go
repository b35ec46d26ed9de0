package engine

import (
	"context"
	"time"
)

// DeviceClient performs logical operations against one remote device.
// Implementations own retry, backoff, rate limiting, and the
// read-modify-write diffing pattern; callers see only terminal outcomes.
type DeviceClient interface {
	// Read fetches the authoritative current configuration of a resource.
	Read(ctx context.Context, deviceID, resource string) (FieldMap, error)

	// ApplyChange reads current state, computes the minimal delta against
	// the desired fields, and submits only that delta. An empty delta
	// returns Changed=false without a second device call.
	ApplyChange(ctx context.Context, deviceID, resource string, desired FieldMap) (*ChangeResult, error)

	// RunCommand executes a pre-registered command template on the device.
	// Free-form commands are never accepted.
	RunCommand(ctx context.Context, deviceID, templateID string, params map[string]string) (string, error)

	// Health probes basic device reachability.
	Health(ctx context.Context, deviceID string) error
}

// IssuedToken is the result of issuing an approval token. Value is the
// secret credential; only TokenID may appear in logs and audit records.
type IssuedToken struct {
	// TokenID identifies the token for audit purposes.
	TokenID string `json:"token_id"`

	// Value is the secret token credential. Never logged.
	Value string `json:"value"`

	// PlanID is the plan the token is bound to.
	PlanID string `json:"plan_id"`

	// ExpiresAt is when the token stops being valid.
	ExpiresAt time.Time `json:"expires_at"`
}

// TokenService issues and validates single-use, plan-bound, short-lived
// approval credentials.
type TokenService interface {
	// Issue creates a token bound to one plan.
	Issue(ctx context.Context, planID, approver string) (*IssuedToken, error)

	// ValidateAndConsume atomically checks and spends a token. It fails with
	// an approval error (not found, expired, plan mismatch, already used)
	// and otherwise marks the token used exactly once.
	ValidateAndConsume(ctx context.Context, token, planID string) error
}

// EligibilityChecker is the external collaborator contract for device
// existence and capability/environment checks at plan creation.
type EligibilityChecker interface {
	// CheckDevice returns a validation error when the device does not exist
	// or is not eligible for the operation.
	CheckDevice(ctx context.Context, deviceID, operation string) error
}

// Store persists plans, jobs, the per-plan job lease, and audit events.
type Store interface {
	// CreatePlan persists a new plan.
	CreatePlan(ctx context.Context, plan *Plan) error

	// GetPlan retrieves a plan by ID.
	GetPlan(ctx context.Context, planID string) (*Plan, error)

	// ListPlans lists plans ordered by creation time, newest first.
	ListPlans(ctx context.Context, limit, offset int) ([]*Plan, error)

	// TransitionPlan conditionally moves a plan from one status to another.
	// It fails with a state conflict when the plan is not in the expected
	// status at update time.
	TransitionPlan(ctx context.Context, planID string, from, to PlanStatus) error

	// SetPlanApproval records the approver identity and timestamp.
	SetPlanApproval(ctx context.Context, planID, approver string, at time.Time) error

	// SetPlanLastJob updates the trailing pointer to the most recent job.
	SetPlanLastJob(ctx context.Context, planID, jobID string) error

	// CreateJob persists a new job.
	CreateJob(ctx context.Context, job *Job) error

	// GetJob retrieves a job by ID.
	GetJob(ctx context.Context, jobID string) (*Job, error)

	// ListJobsByPlan lists all jobs for a plan, newest first.
	ListJobsByPlan(ctx context.Context, planID string) ([]*Job, error)

	// UpdateJob persists job status, results, and summary.
	UpdateJob(ctx context.Context, job *Job) error

	// AcquireJobLease atomically claims the single running-job slot for a
	// plan. It fails with a state conflict while another job holds it.
	AcquireJobLease(ctx context.Context, planID, jobID string) error

	// ReleaseJobLease releases the slot held by the given job.
	ReleaseJobLease(ctx context.Context, planID, jobID string) error

	// AppendEvent appends an audit event.
	AppendEvent(ctx context.Context, event *Event) error

	// ListEventsByCorrelation retrieves all events sharing a correlation ID,
	// oldest first.
	ListEventsByCorrelation(ctx context.Context, correlationID string) ([]*Event, error)
}

// Event is an audit record emitted by the engine. One event is produced per
// plan transition, per job transition, per device result, and per token
// issuance or consumption.
type Event struct {
	// ID is the unique identifier for this event.
	ID string `json:"id"`

	// Type is the event type (e.g. "plan.created", "job.completed").
	Type string `json:"type"`

	// Timestamp is when the event occurred.
	Timestamp time.Time `json:"timestamp"`

	// CorrelationID joins all events of one end-to-end operation.
	CorrelationID string `json:"correlation_id,omitempty"`

	// PlanID is the associated plan, if applicable.
	PlanID string `json:"plan_id,omitempty"`

	// JobID is the associated job, if applicable.
	JobID string `json:"job_id,omitempty"`

	// DeviceID is the associated device, if applicable.
	DeviceID string `json:"device_id,omitempty"`

	// Actor is the identity that triggered the event, if applicable.
	Actor string `json:"actor,omitempty"`

	// Message is a human-readable event message.
	Message string `json:"message"`

	// Level is the event severity (info, warning, error).
	Level string `json:"level"`

	// Details contains additional event-specific data. Token secrets are
	// never placed here; only token IDs.
	Details map[string]any `json:"details,omitempty"`
}

// Event type constants.
const (
	EventTypePlanCreated    = "plan.created"
	EventTypePlanApproved   = "plan.approved"
	EventTypePlanCancelled  = "plan.cancelled"
	EventTypeJobStarted     = "job.started"
	EventTypeJobCompleted   = "job.completed"
	EventTypeJobCancelled   = "job.cancelled"
	EventTypeDeviceResult   = "device.result"
	EventTypeDeviceCall     = "device.call"
	EventTypeDeviceCommand  = "device.command"
	EventTypeTokenIssued    = "token.issued"
	EventTypeTokenConsumed  = "token.consumed"
)

// EventSink receives engine events for forwarding to external consumers.
// Publishing must never block or fail plan execution.
type EventSink interface {
	Publish(ctx context.Context, event *Event)
}
