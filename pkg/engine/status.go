package engine

import (
	"encoding/json"
	"fmt"
)

// PlanStatus represents the lifecycle state of a plan.
type PlanStatus string

const (
	// PlanStatusDraft indicates the plan is created but not submitted for approval.
	PlanStatusDraft PlanStatus = "draft"

	// PlanStatusPendingApproval indicates the plan awaits an approver.
	PlanStatusPendingApproval PlanStatus = "pending_approval"

	// PlanStatusApproved indicates the plan may be applied.
	PlanStatusApproved PlanStatus = "approved"

	// PlanStatusApplying indicates a job is currently executing the plan.
	PlanStatusApplying PlanStatus = "applying"

	// PlanStatusApplied indicates the plan was applied to every device.
	PlanStatusApplied PlanStatus = "applied"

	// PlanStatusFailed indicates the last job failed or partially failed.
	PlanStatusFailed PlanStatus = "failed"

	// PlanStatusCancelled indicates the plan was cancelled before execution.
	PlanStatusCancelled PlanStatus = "cancelled"
)

// IsTerminal returns true if the plan can never re-enter execution.
func (s PlanStatus) IsTerminal() bool {
	return s == PlanStatusApplied || s == PlanStatusCancelled
}

// IsCancellable returns true if the plan may transition to cancelled.
func (s PlanStatus) IsCancellable() bool {
	return s == PlanStatusDraft || s == PlanStatusPendingApproval || s == PlanStatusApproved
}

// Validate checks if the plan status is valid.
func (s PlanStatus) Validate() error {
	switch s {
	case PlanStatusDraft, PlanStatusPendingApproval, PlanStatusApproved,
		PlanStatusApplying, PlanStatusApplied, PlanStatusFailed, PlanStatusCancelled:
		return nil
	default:
		return fmt.Errorf("invalid plan status: %s", s)
	}
}

// CanTransition reports whether the plan state machine allows s -> next.
// A draft plan may move straight to applying when the deployment does not
// gate on approval.
func (s PlanStatus) CanTransition(next PlanStatus) bool {
	switch s {
	case PlanStatusDraft:
		return next == PlanStatusPendingApproval || next == PlanStatusApproved ||
			next == PlanStatusApplying || next == PlanStatusCancelled
	case PlanStatusPendingApproval:
		return next == PlanStatusApproved || next == PlanStatusCancelled ||
			next == PlanStatusApplying
	case PlanStatusApproved:
		return next == PlanStatusApplying || next == PlanStatusCancelled
	case PlanStatusApplying:
		return next == PlanStatusApplied || next == PlanStatusFailed
	case PlanStatusFailed:
		return next == PlanStatusApplying
	default:
		return false
	}
}

// JobStatus represents the state of one execution attempt of a plan.
type JobStatus string

const (
	// JobStatusPending indicates the job is accepted but not yet executing.
	JobStatusPending JobStatus = "pending"

	// JobStatusRunning indicates the job is iterating devices.
	JobStatusRunning JobStatus = "running"

	// JobStatusSuccess indicates every device succeeded.
	JobStatusSuccess JobStatus = "success"

	// JobStatusPartialFailure indicates at least one device succeeded and at
	// least one failed, rolled back, or was skipped.
	JobStatusPartialFailure JobStatus = "partial_failure"

	// JobStatusFailed indicates the first device already failed.
	JobStatusFailed JobStatus = "failed"

	// JobStatusCancelled indicates the job was cancelled at a device boundary.
	JobStatusCancelled JobStatus = "cancelled"
)

// IsTerminal returns true if the job status represents a final state.
func (s JobStatus) IsTerminal() bool {
	return s == JobStatusSuccess || s == JobStatusPartialFailure ||
		s == JobStatusFailed || s == JobStatusCancelled
}

// Validate checks if the job status is valid.
func (s JobStatus) Validate() error {
	switch s {
	case JobStatusPending, JobStatusRunning, JobStatusSuccess,
		JobStatusPartialFailure, JobStatusFailed, JobStatusCancelled:
		return nil
	default:
		return fmt.Errorf("invalid job status: %s", s)
	}
}

// DeviceOutcome represents the result of one device within one job.
type DeviceOutcome string

const (
	// DeviceOutcomePending indicates the device has not been processed yet.
	DeviceOutcomePending DeviceOutcome = "pending"

	// DeviceOutcomeSuccess indicates the change was applied and verified.
	DeviceOutcomeSuccess DeviceOutcome = "success"

	// DeviceOutcomeFailed indicates the change could not be applied.
	DeviceOutcomeFailed DeviceOutcome = "failed"

	// DeviceOutcomeRolledBack indicates verification failed and the prior
	// values were restored.
	DeviceOutcomeRolledBack DeviceOutcome = "rolled_back"

	// DeviceOutcomeSkipped indicates the device was never attempted because
	// execution halted earlier in the sequence.
	DeviceOutcomeSkipped DeviceOutcome = "skipped"
)

// Validate checks if the device outcome is valid.
func (o DeviceOutcome) Validate() error {
	switch o {
	case DeviceOutcomePending, DeviceOutcomeSuccess, DeviceOutcomeFailed,
		DeviceOutcomeRolledBack, DeviceOutcomeSkipped:
		return nil
	default:
		return fmt.Errorf("invalid device outcome: %s", o)
	}
}

// MarshalJSON implements custom JSON marshaling for type-safe enum serialization.
func (s PlanStatus) MarshalJSON() ([]byte, error) {
	return json.Marshal(string(s))
}

// UnmarshalJSON implements custom JSON unmarshaling with validation.
func (s *PlanStatus) UnmarshalJSON(data []byte) error {
	var str string
	if err := json.Unmarshal(data, &str); err != nil {
		return err
	}
	*s = PlanStatus(str)
	return s.Validate()
}

// MarshalJSON implements custom JSON marshaling for type-safe enum serialization.
func (s JobStatus) MarshalJSON() ([]byte, error) {
	return json.Marshal(string(s))
}

// UnmarshalJSON implements custom JSON unmarshaling with validation.
func (s *JobStatus) UnmarshalJSON(data []byte) error {
	var str string
	if err := json.Unmarshal(data, &str); err != nil {
		return err
	}
	*s = JobStatus(str)
	return s.Validate()
}
