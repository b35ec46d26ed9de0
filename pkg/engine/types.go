package engine

import (
	"time"
)

// MaxPlanDevices caps the number of devices a single plan may target.
// This bounds the blast radius of one bad change.
const MaxPlanDevices = 50

// FieldMap holds a flat set of configuration fields for one device resource.
// Values are plain JSON-compatible types (string, bool, float64, []any,
// map[string]any).
type FieldMap map[string]any

// Copy returns a deep value copy of the field map. Snapshots stored in
// results must never alias live device state.
func (f FieldMap) Copy() FieldMap {
	if f == nil {
		return nil
	}
	out := make(FieldMap, len(f))
	for k, v := range f {
		out[k] = copyValue(v)
	}
	return out
}

// CopyValue returns a deep value copy of a single field value.
func CopyValue(v any) any { return copyValue(v) }

func copyValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		m := make(map[string]any, len(t))
		for k, e := range t {
			m[k] = copyValue(e)
		}
		return m
	case []any:
		s := make([]any, len(t))
		for i, e := range t {
			s[i] = copyValue(e)
		}
		return s
	case []string:
		s := make([]string, len(t))
		copy(s, t)
		return s
	default:
		return v
	}
}

// ChangeSpec describes the intended change for one device: the target
// resource and the desired values for the fields being changed. Fields not
// listed are left untouched on the device.
type ChangeSpec struct {
	// Resource is the device resource the change targets (e.g. "dns", "ntp").
	Resource string `json:"resource"`

	// Desired holds the desired values for the changed fields only.
	Desired FieldMap `json:"desired"`
}

// FieldChange describes one field-level difference for display purposes.
type FieldChange struct {
	// Field is the field name.
	Field string `json:"field"`

	// Before is the value currently on the device.
	Before any `json:"before,omitempty"`

	// After is the desired value.
	After any `json:"after,omitempty"`
}

// DevicePreview is the per-device change preview computed at plan creation.
// It is display-only; no device is modified to produce it.
type DevicePreview struct {
	// DeviceID is the device the preview belongs to.
	DeviceID string `json:"device_id"`

	// Changes lists the fields that would change.
	Changes []FieldChange `json:"changes,omitempty"`

	// Warning is set when the preview read failed. A failed preview never
	// aborts plan creation; the approver sees the warning instead.
	Warning string `json:"warning,omitempty"`
}

// Plan is an immutable description of an intended multi-device change.
// After creation only Status, the approver fields, and LastJobID change.
type Plan struct {
	// ID is the unique identifier for this plan.
	ID string `json:"id"`

	// CreatedAt is when the plan was created.
	CreatedAt time.Time `json:"created_at"`

	// CreatedBy is the identity that created the plan.
	CreatedBy string `json:"created_by"`

	// Operation is the originating operation name (e.g. "dns.update").
	Operation string `json:"operation"`

	// Status is the current lifecycle state.
	Status PlanStatus `json:"status"`

	// DeviceIDs is the ordered list of target devices. Execution and result
	// ordering follow this list exactly.
	DeviceIDs []string `json:"device_ids"`

	// Summary is a human-readable description of the intent.
	Summary string `json:"summary,omitempty"`

	// Changes maps each device ID to its change specification.
	Changes map[string]ChangeSpec `json:"changes"`

	// Previews holds the per-device change previews, in device order.
	Previews []DevicePreview `json:"previews,omitempty"`

	// ContinueOnFailure requests processing of remaining devices after one
	// fails. Defaults to off; halting bounds the blast radius.
	ContinueOnFailure bool `json:"continue_on_failure,omitempty"`

	// ApprovedBy is the approver identity, once approved.
	ApprovedBy string `json:"approved_by,omitempty"`

	// ApprovedAt is when the plan was approved.
	ApprovedAt *time.Time `json:"approved_at,omitempty"`

	// LastJobID points at the most recent job for this plan.
	LastJobID string `json:"last_job_id,omitempty"`

	// CorrelationID joins all events emitted for this plan's lifecycle.
	CorrelationID string `json:"correlation_id,omitempty"`
}

// DeviceChangeResult is the outcome for a single device within one job.
type DeviceChangeResult struct {
	// DeviceID is the device this result belongs to.
	DeviceID string `json:"device_id"`

	// Outcome is the final device outcome.
	Outcome DeviceOutcome `json:"outcome"`

	// Before is a value snapshot of the changed fields prior to the change.
	Before FieldMap `json:"before,omitempty"`

	// After is a value snapshot of the changed fields after the change.
	After FieldMap `json:"after,omitempty"`

	// Error is the classified failure, if any.
	Error *Error `json:"error,omitempty"`

	// Duration is how long the device's processing took.
	Duration time.Duration `json:"duration"`

	// RetryCount is the number of transport retries consumed.
	RetryCount int `json:"retry_count"`
}

// Job is one executable attempt to apply a plan.
type Job struct {
	// ID is the unique identifier for this job.
	ID string `json:"id"`

	// PlanID is the owning plan.
	PlanID string `json:"plan_id"`

	// Status is the current job state.
	Status JobStatus `json:"status"`

	// Results holds one entry per plan device, in plan device order.
	Results []DeviceChangeResult `json:"results"`

	// Attempt counts how many jobs have been created for the plan,
	// including this one.
	Attempt int `json:"attempt"`

	// NextRetryAt is the scheduled time of the next whole-job retry, if any.
	NextRetryAt *time.Time `json:"next_retry_at,omitempty"`

	// Summary is a free-text result summary.
	Summary string `json:"summary,omitempty"`

	// StartedAt is when execution began.
	StartedAt time.Time `json:"started_at"`

	// CompletedAt is when the job reached a terminal status.
	CompletedAt *time.Time `json:"completed_at,omitempty"`

	// CorrelationID joins all events emitted during this job.
	CorrelationID string `json:"correlation_id,omitempty"`
}

// Counts tallies device outcomes for status computation and summaries.
func (j *Job) Counts() (succeeded, failed, rolledBack, skipped, pending int) {
	for _, r := range j.Results {
		switch r.Outcome {
		case DeviceOutcomeSuccess:
			succeeded++
		case DeviceOutcomeFailed:
			failed++
		case DeviceOutcomeRolledBack:
			rolledBack++
		case DeviceOutcomeSkipped:
			skipped++
		case DeviceOutcomePending:
			pending++
		}
	}
	return
}

// ChangeResult is what the Device Client returns from an apply: whether a
// write was issued and value snapshots of the touched fields.
type ChangeResult struct {
	// Changed is false when the device already matched the desired fields
	// and no write was issued.
	Changed bool `json:"changed"`

	// Before holds the prior values of the fields named in the change.
	Before FieldMap `json:"before,omitempty"`

	// After holds the resulting values of those fields.
	After FieldMap `json:"after,omitempty"`

	// Retries is the number of transport retries consumed across the
	// read and write calls, including failed attempts.
	Retries int `json:"retries,omitempty"`
}

// CreatePlanRequest is the input to Plan Manager plan creation.
type CreatePlanRequest struct {
	// Operation is the operation name the change belongs to.
	Operation string `json:"operation" validate:"required"`

	// DeviceIDs is the ordered target device list.
	DeviceIDs []string `json:"device_ids" validate:"required,min=1,dive,required"`

	// Change is the default change specification applied to every device.
	Change ChangeSpec `json:"change" validate:"required"`

	// Overrides optionally replaces the change spec for specific devices.
	Overrides map[string]ChangeSpec `json:"overrides,omitempty"`

	// Summary is a human-readable description of the intent.
	Summary string `json:"summary,omitempty"`

	// CreatedBy is the identity creating the plan.
	CreatedBy string `json:"created_by" validate:"required"`

	// ContinueOnFailure requests continue-on-failure semantics for this plan.
	ContinueOnFailure bool `json:"continue_on_failure,omitempty"`

	// CorrelationID is a caller-supplied identifier joining all events for
	// this end-to-end operation. Generated when empty.
	CorrelationID string `json:"correlation_id,omitempty"`
}
