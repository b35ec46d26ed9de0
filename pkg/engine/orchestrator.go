package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/planforge/planforge/pkg/telemetry"
)

// Orchestrator converts one approved plan into exactly one running job and
// drives it to completion. The per-job device loop is strictly sequential:
// a bad change must be caught after affecting the fewest possible devices.
type Orchestrator struct {
	store    Store
	devices  DeviceClient
	tokens   TokenService
	verifier *Controller
	policy   PolicyProvider
	events   EventSink
	logger   *telemetry.Logger
	metrics  *telemetry.Metrics
	tracer   trace.Tracer
	now      func() time.Time

	// cancelMu guards cancellation requests for running jobs. Requests are
	// honored only at device boundaries; an in-flight device call always
	// finishes first.
	cancelMu  sync.Mutex
	cancelled map[string]bool
}

// NewOrchestrator creates an orchestrator.
func NewOrchestrator(
	store Store,
	devices DeviceClient,
	tokens TokenService,
	verifier *Controller,
	policy PolicyProvider,
	events EventSink,
	logger *telemetry.Logger,
	metrics *telemetry.Metrics,
) *Orchestrator {
	return &Orchestrator{
		store:     store,
		devices:   devices,
		tokens:    tokens,
		verifier:  verifier,
		policy:    policy,
		events:    events,
		logger:    logger.NewComponentLogger("orchestrator"),
		metrics:   metrics,
		tracer:    otel.Tracer("planforge/engine"),
		now:       time.Now,
		cancelled: make(map[string]bool),
	}
}

// ApplyPlan validates the approval token, claims the plan's single
// running-job slot, and executes the plan device-by-device. It always
// returns the job with per-device results when execution started, so the
// caller can see exactly how far the rollout got.
func (o *Orchestrator) ApplyPlan(ctx context.Context, planID, token string) (*Job, error) {
	ctx, span := o.tracer.Start(ctx, "job.apply",
		trace.WithAttributes(attribute.String("plan.id", planID)))
	defer span.End()

	plan, err := o.store.GetPlan(ctx, planID)
	if err != nil {
		return nil, err
	}

	policy := o.policy.Policy()
	if err := o.checkApplicable(plan, policy); err != nil {
		return nil, err
	}

	prior, err := o.store.ListJobsByPlan(ctx, planID)
	if err != nil {
		return nil, fmt.Errorf("failed to list prior jobs: %w", err)
	}

	job := &Job{
		ID:            uuid.New().String(),
		PlanID:        planID,
		Status:        JobStatusRunning,
		Results:       make([]DeviceChangeResult, len(plan.DeviceIDs)),
		Attempt:       len(prior) + 1,
		StartedAt:     o.now().UTC(),
		CorrelationID: plan.CorrelationID,
	}
	for i, id := range plan.DeviceIDs {
		job.Results[i] = DeviceChangeResult{DeviceID: id, Outcome: DeviceOutcomePending}
	}

	// The lease is the mutual exclusion point: at most one running job per
	// plan, across engine instances and restarts. It is claimed before the
	// token is spent so a caller losing this race keeps its approval.
	if err := o.store.AcquireJobLease(ctx, planID, job.ID); err != nil {
		return nil, err
	}

	if policy.RequireApproval {
		if token == "" {
			o.releaseLease(ctx, planID, job.ID)
			return nil, NewApprovalError(ErrCodeApprovalRequired, "plan requires an approval token").
				WithPlan(planID)
		}
		if o.tokens == nil {
			o.releaseLease(ctx, planID, job.ID)
			return nil, NewInternalError("approval is required but no token service is configured", nil).
				WithPlan(planID)
		}
		if err := o.tokens.ValidateAndConsume(ctx, token, planID); err != nil {
			o.releaseLease(ctx, planID, job.ID)
			return nil, err
		}
		o.emit(ctx, &Event{
			Type:          EventTypeTokenConsumed,
			CorrelationID: plan.CorrelationID,
			PlanID:        planID,
			Message:       "approval token consumed",
			Level:         telemetry.EventLevelInfo,
		})
	}

	// A plan still marked applying lost its engine mid-job and its lease
	// was reclaimed above; the status is already where it needs to be.
	if plan.Status != PlanStatusApplying {
		if err := o.store.TransitionPlan(ctx, planID, plan.Status, PlanStatusApplying); err != nil {
			o.releaseLease(ctx, planID, job.ID)
			return nil, err
		}
	}
	if err := o.store.CreateJob(ctx, job); err != nil {
		o.releaseLease(ctx, planID, job.ID)
		return nil, fmt.Errorf("failed to persist job: %w", err)
	}
	if err := o.store.SetPlanLastJob(ctx, planID, job.ID); err != nil {
		o.logger.WithPlanID(planID).WithError(err).Warn("failed to update plan job pointer")
	}

	o.metrics.RecordJobStarted()
	o.logger.WithPlanID(planID).WithJobID(job.ID).
		WithField("devices", len(plan.DeviceIDs)).
		WithField("attempt", job.Attempt).
		Info("job started")
	o.emit(ctx, &Event{
		Type:          EventTypeJobStarted,
		CorrelationID: job.CorrelationID,
		PlanID:        planID,
		JobID:         job.ID,
		Message:       "job started",
		Level:         telemetry.EventLevelInfo,
	})

	o.executeJob(ctx, plan, job, policy)
	return job, nil
}

// checkApplicable gates plan execution on the plan state machine.
func (o *Orchestrator) checkApplicable(plan *Plan, policy Policy) error {
	switch plan.Status {
	case PlanStatusApproved:
		return nil
	case PlanStatusDraft, PlanStatusPendingApproval:
		// Applyable only when the deployment does not gate on approval.
		if !policy.RequireApproval {
			return nil
		}
		return NewApprovalError(ErrCodeApprovalRequired, "plan is awaiting approval").
			WithPlan(plan.ID)
	case PlanStatusFailed:
		// A failed plan may be retried with a fresh job.
		return nil
	case PlanStatusApplying:
		// A previous engine may have died mid-job. The lease decides: a
		// live job still holds it, an expired lease lets a new job recover
		// the plan.
		return nil
	default:
		return NewStateConflictError(
			fmt.Sprintf("plan in status %s cannot be applied", plan.Status), nil).
			WithCode(ErrCodeInvalidState).WithPlan(plan.ID)
	}
}

// executeJob runs the device loop to a terminal job status and mirrors the
// outcome onto the plan.
func (o *Orchestrator) executeJob(ctx context.Context, plan *Plan, job *Job, policy Policy) {
	if policy.JobTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, policy.JobTimeout)
		defer cancel()
	}

	halted := false
	cancelledAt := -1

	for i, deviceID := range plan.DeviceIDs {
		if halted {
			job.Results[i].Outcome = DeviceOutcomeSkipped
			continue
		}

		// Cancellation is honored only here, between devices.
		if o.cancelRequested(job.ID) || ctx.Err() != nil {
			cancelledAt = i
			halted = true
			job.Results[i].Outcome = DeviceOutcomeSkipped
			continue
		}

		result := o.executeDevice(ctx, plan, job, deviceID)
		job.Results[i] = result
		o.recordDeviceResult(ctx, job, &job.Results[i])

		if result.Outcome != DeviceOutcomeSuccess && !plan.ContinueOnFailure {
			halted = true
		}

		// Persist incremental progress so observers see how far the
		// rollout got even if the process dies mid-job.
		if err := o.store.UpdateJob(ctx, job); err != nil {
			o.logger.WithJobID(job.ID).WithError(err).Warn("failed to persist job progress")
		}
	}

	o.finishJob(ctx, plan, job, cancelledAt >= 0)
}

// executeDevice applies and verifies the change for one device, rolling the
// device back when verification fails.
func (o *Orchestrator) executeDevice(ctx context.Context, plan *Plan, job *Job, deviceID string) DeviceChangeResult {
	ctx, span := o.tracer.Start(ctx, "device.execute",
		trace.WithAttributes(
			attribute.String("job.id", job.ID),
			attribute.String("device.id", deviceID),
		))
	defer span.End()

	spec := plan.Changes[deviceID]
	start := o.now()
	result := DeviceChangeResult{DeviceID: deviceID}

	change, err := o.devices.ApplyChange(ctx, deviceID, spec.Resource, spec.Desired)
	if change != nil {
		result.Before = change.Before
		result.After = change.After
		result.RetryCount = change.Retries
	}
	if err != nil {
		result.Outcome = DeviceOutcomeFailed
		result.Error = asEngineError(err, deviceID)
		result.Duration = o.now().Sub(start)
		telemetry.RecordError(span, err)
		return result
	}

	if verr := o.verifier.Verify(ctx, deviceID, spec.Resource, spec.Desired); verr != nil {
		telemetry.RecordError(span, verr)

		// Roll back only when we actually wrote something and captured the
		// prior values. Devices that succeeded earlier in the job are never
		// touched; their changes were independently verified. The duration
		// is taken after the rollback so it covers the whole attempt.
		if change.Changed && change.Before != nil {
			if rerr := o.verifier.Rollback(ctx, deviceID, spec.Resource, change.Before); rerr != nil {
				result.Outcome = DeviceOutcomeFailed
				result.Error = asEngineError(rerr, deviceID)
				result.Duration = o.now().Sub(start)
				return result
			}
			o.metrics.RecordRollback()
			result.Outcome = DeviceOutcomeRolledBack
			result.Error = asEngineError(verr, deviceID)
			result.Duration = o.now().Sub(start)
			return result
		}

		result.Outcome = DeviceOutcomeFailed
		result.Error = asEngineError(verr, deviceID)
		result.Duration = o.now().Sub(start)
		return result
	}

	result.Outcome = DeviceOutcomeSuccess
	result.Duration = o.now().Sub(start)
	telemetry.RecordSuccess(span)
	return result
}

// finishJob computes the terminal job status, persists it, and mirrors the
// outcome onto the owning plan.
func (o *Orchestrator) finishJob(ctx context.Context, plan *Plan, job *Job, wasCancelled bool) {
	succeeded, failed, rolledBack, skipped, _ := job.Counts()

	switch {
	case wasCancelled:
		job.Status = JobStatusCancelled
	case failed == 0 && rolledBack == 0 && skipped == 0:
		job.Status = JobStatusSuccess
	case succeeded == 0:
		job.Status = JobStatusFailed
	default:
		job.Status = JobStatusPartialFailure
	}

	completedAt := o.now().UTC()
	job.CompletedAt = &completedAt
	job.Summary = fmt.Sprintf("%d succeeded, %d failed, %d rolled back, %d skipped",
		succeeded, failed, rolledBack, skipped)

	if err := o.store.UpdateJob(ctx, job); err != nil {
		o.logger.WithJobID(job.ID).WithError(err).Error("failed to persist terminal job state")
	}

	planStatus := PlanStatusFailed
	if job.Status == JobStatusSuccess {
		planStatus = PlanStatusApplied
	}
	if err := o.store.TransitionPlan(ctx, plan.ID, PlanStatusApplying, planStatus); err != nil {
		o.logger.WithPlanID(plan.ID).WithError(err).Error("failed to update plan status")
	}

	o.releaseLease(ctx, plan.ID, job.ID)
	o.clearCancel(job.ID)

	o.metrics.RecordJobCompleted(string(job.Status), completedAt.Sub(job.StartedAt))
	o.logger.WithPlanID(plan.ID).WithJobID(job.ID).
		WithField("status", string(job.Status)).
		WithField("summary", job.Summary).
		Info("job finished")

	eventType := EventTypeJobCompleted
	level := telemetry.EventLevelInfo
	if job.Status == JobStatusCancelled {
		eventType = EventTypeJobCancelled
	} else if job.Status != JobStatusSuccess {
		level = telemetry.EventLevelError
	}
	o.emit(ctx, &Event{
		Type:          eventType,
		CorrelationID: job.CorrelationID,
		PlanID:        plan.ID,
		JobID:         job.ID,
		Message:       job.Summary,
		Level:         level,
		Details:       map[string]any{"status": string(job.Status)},
	})
}

// CancelJob requests cancellation of a running job. The request takes
// effect at the next device boundary; the in-flight device call finishes.
func (o *Orchestrator) CancelJob(ctx context.Context, jobID string) error {
	job, err := o.store.GetJob(ctx, jobID)
	if err != nil {
		return err
	}
	if job.Status.IsTerminal() {
		return NewStateConflictError(
			fmt.Sprintf("job in status %s cannot be cancelled", job.Status), nil).
			WithCode(ErrCodeInvalidTransition)
	}

	o.cancelMu.Lock()
	o.cancelled[jobID] = true
	o.cancelMu.Unlock()

	o.logger.WithJobID(jobID).Info("job cancellation requested")
	return nil
}

// GetJob retrieves a job by ID.
func (o *Orchestrator) GetJob(ctx context.Context, jobID string) (*Job, error) {
	return o.store.GetJob(ctx, jobID)
}

// ListJobs lists all jobs for a plan, newest first.
func (o *Orchestrator) ListJobs(ctx context.Context, planID string) ([]*Job, error) {
	return o.store.ListJobsByPlan(ctx, planID)
}

func (o *Orchestrator) cancelRequested(jobID string) bool {
	o.cancelMu.Lock()
	defer o.cancelMu.Unlock()
	return o.cancelled[jobID]
}

func (o *Orchestrator) clearCancel(jobID string) {
	o.cancelMu.Lock()
	defer o.cancelMu.Unlock()
	delete(o.cancelled, jobID)
}

func (o *Orchestrator) releaseLease(ctx context.Context, planID, jobID string) {
	if err := o.store.ReleaseJobLease(ctx, planID, jobID); err != nil {
		o.logger.WithPlanID(planID).WithError(err).Error("failed to release job lease")
	}
}

// recordDeviceResult emits the per-device audit event and metrics.
func (o *Orchestrator) recordDeviceResult(ctx context.Context, job *Job, result *DeviceChangeResult) {
	o.metrics.RecordDeviceResult(string(result.Outcome), result.Duration, result.RetryCount)

	log := o.logger.WithJobID(job.ID).WithDeviceID(result.DeviceID).
		WithField("outcome", string(result.Outcome)).
		WithField("retries", result.RetryCount)
	level := telemetry.EventLevelInfo
	if result.Outcome == DeviceOutcomeSuccess {
		log.Info("device processed")
	} else {
		level = telemetry.EventLevelError
		log.WithError(result.Error).Error("device failed")
	}

	details := map[string]any{
		"outcome":     string(result.Outcome),
		"retry_count": result.RetryCount,
		"duration_ms": result.Duration.Milliseconds(),
	}
	if result.Error != nil {
		details["error"] = result.Error.Error()
	}
	o.emit(ctx, &Event{
		Type:          EventTypeDeviceResult,
		CorrelationID: job.CorrelationID,
		PlanID:        job.PlanID,
		JobID:         job.ID,
		DeviceID:      result.DeviceID,
		Message:       fmt.Sprintf("device %s: %s", result.DeviceID, result.Outcome),
		Level:         level,
		Details:       details,
	})
}

func (o *Orchestrator) emit(ctx context.Context, event *Event) {
	event.ID = uuid.New().String()
	event.Timestamp = o.now().UTC()
	if err := o.store.AppendEvent(ctx, event); err != nil {
		o.logger.WithError(err).Warn("failed to persist audit event")
	}
	if o.events != nil {
		o.events.Publish(ctx, event)
	}
}

// asEngineError normalizes any error into a classified engine error with
// device context for result storage.
func asEngineError(err error, deviceID string) *Error {
	var e *Error
	if errors.As(err, &e) {
		if e.DeviceID == "" {
			e.DeviceID = deviceID
		}
		return e
	}
	return NewInternalError(err.Error(), err).WithCode(ErrCodeInternal).WithDevice(deviceID)
}
