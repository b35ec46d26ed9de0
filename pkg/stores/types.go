package stores

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/planforge/planforge/pkg/engine"
)

// planRow is the flat SQL shape of an engine.Plan. Structured fields are
// stored as JSON text columns.
type planRow struct {
	ID                string
	CreatedAt         time.Time
	CreatedBy         string
	Operation         string
	Status            string
	DeviceIDs         string
	Summary           string
	Changes           string
	Previews          string
	ContinueOnFailure bool
	ApprovedBy        string
	ApprovedAt        *time.Time
	LastJobID         string
	CorrelationID     string
}

func planToRow(plan *engine.Plan) (*planRow, error) {
	deviceIDs, err := marshalJSON(plan.DeviceIDs)
	if err != nil {
		return nil, fmt.Errorf("failed to encode device ids: %w", err)
	}
	changes, err := marshalJSON(plan.Changes)
	if err != nil {
		return nil, fmt.Errorf("failed to encode changes: %w", err)
	}
	previews, err := marshalJSON(plan.Previews)
	if err != nil {
		return nil, fmt.Errorf("failed to encode previews: %w", err)
	}

	return &planRow{
		ID:                plan.ID,
		CreatedAt:         plan.CreatedAt,
		CreatedBy:         plan.CreatedBy,
		Operation:         plan.Operation,
		Status:            string(plan.Status),
		DeviceIDs:         deviceIDs,
		Summary:           plan.Summary,
		Changes:           changes,
		Previews:          previews,
		ContinueOnFailure: plan.ContinueOnFailure,
		ApprovedBy:        plan.ApprovedBy,
		ApprovedAt:        plan.ApprovedAt,
		LastJobID:         plan.LastJobID,
		CorrelationID:     plan.CorrelationID,
	}, nil
}

func (r *planRow) toPlan() (*engine.Plan, error) {
	plan := &engine.Plan{
		ID:                r.ID,
		CreatedAt:         r.CreatedAt,
		CreatedBy:         r.CreatedBy,
		Operation:         r.Operation,
		Status:            engine.PlanStatus(r.Status),
		Summary:           r.Summary,
		ContinueOnFailure: r.ContinueOnFailure,
		ApprovedBy:        r.ApprovedBy,
		ApprovedAt:        r.ApprovedAt,
		LastJobID:         r.LastJobID,
		CorrelationID:     r.CorrelationID,
	}

	if err := unmarshalJSON(r.DeviceIDs, &plan.DeviceIDs); err != nil {
		return nil, fmt.Errorf("failed to decode device ids: %w", err)
	}
	if err := unmarshalJSON(r.Changes, &plan.Changes); err != nil {
		return nil, fmt.Errorf("failed to decode changes: %w", err)
	}
	if err := unmarshalJSON(r.Previews, &plan.Previews); err != nil {
		return nil, fmt.Errorf("failed to decode previews: %w", err)
	}

	return plan, nil
}

// jobRow is the flat SQL shape of an engine.Job.
type jobRow struct {
	ID            string
	PlanID        string
	Status        string
	Results       string
	Attempt       int
	NextRetryAt   *time.Time
	Summary       string
	StartedAt     time.Time
	CompletedAt   *time.Time
	CorrelationID string
}

func jobToRow(job *engine.Job) (*jobRow, error) {
	results, err := marshalJSON(job.Results)
	if err != nil {
		return nil, fmt.Errorf("failed to encode job results: %w", err)
	}

	return &jobRow{
		ID:            job.ID,
		PlanID:        job.PlanID,
		Status:        string(job.Status),
		Results:       results,
		Attempt:       job.Attempt,
		NextRetryAt:   job.NextRetryAt,
		Summary:       job.Summary,
		StartedAt:     job.StartedAt,
		CompletedAt:   job.CompletedAt,
		CorrelationID: job.CorrelationID,
	}, nil
}

func (r *jobRow) toJob() (*engine.Job, error) {
	job := &engine.Job{
		ID:            r.ID,
		PlanID:        r.PlanID,
		Status:        engine.JobStatus(r.Status),
		Attempt:       r.Attempt,
		NextRetryAt:   r.NextRetryAt,
		Summary:       r.Summary,
		StartedAt:     r.StartedAt,
		CompletedAt:   r.CompletedAt,
		CorrelationID: r.CorrelationID,
	}

	if err := unmarshalJSON(r.Results, &job.Results); err != nil {
		return nil, fmt.Errorf("failed to decode job results: %w", err)
	}

	return job, nil
}

func marshalJSON(v any) (string, error) {
	if v == nil {
		return "null", nil
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(raw), nil
}

func unmarshalJSON(raw string, out any) error {
	if raw == "" {
		return nil
	}
	return json.Unmarshal([]byte(raw), out)
}
