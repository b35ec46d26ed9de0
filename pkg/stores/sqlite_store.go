package stores

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"

	// SQLite driver
	_ "modernc.org/sqlite"

	"github.com/planforge/planforge/pkg/engine"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// SQLiteStore implements engine.Store using SQLite.
type SQLiteStore struct {
	db   *sql.DB
	path string
	cfg  Config
}

// Config holds SQLite store configuration.
type Config struct {
	Path            string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration

	// LeaseMaxAge is how long a job lease is honored before another job
	// may take it over. It bounds how long a crashed engine can block a
	// plan; a healthy job finishes and releases well inside it.
	LeaseMaxAge time.Duration
}

// NewSQLiteStore creates a new SQLite store instance.
func NewSQLiteStore(cfg Config) (*SQLiteStore, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("database path is required")
	}

	// Set defaults
	if cfg.MaxOpenConns == 0 {
		cfg.MaxOpenConns = 25
	}
	if cfg.MaxIdleConns == 0 {
		cfg.MaxIdleConns = 5
	}
	if cfg.ConnMaxLifetime == 0 {
		cfg.ConnMaxLifetime = 5 * time.Minute
	}
	if cfg.LeaseMaxAge == 0 {
		cfg.LeaseMaxAge = time.Hour
	}

	return &SQLiteStore{
		path: cfg.Path,
		cfg:  cfg,
	}, nil
}

// Init initializes the database connection and enables WAL mode.
func (s *SQLiteStore) Init(ctx context.Context) error {
	// Open database with SQLite-specific connection parameters
	dsn := fmt.Sprintf("%s?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000&_synchronous=NORMAL&_txlock=immediate", s.path)

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}

	// Configure connection pool
	db.SetMaxOpenConns(s.cfg.MaxOpenConns)
	db.SetMaxIdleConns(s.cfg.MaxIdleConns)
	db.SetConnMaxLifetime(s.cfg.ConnMaxLifetime)

	// Verify connection and set PRAGMAs
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to ping database: %w", err)
	}

	// Ensure foreign keys are enabled (connection-level setting)
	if _, err := db.ExecContext(ctx, "PRAGMA foreign_keys = ON"); err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	s.db = db
	return nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Migrate runs database migrations.
func (s *SQLiteStore) Migrate(_ context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}

	// Create migration source from embedded FS
	sourceDriver, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to create migration source: %w", err)
	}

	// Create database driver
	driver, err := sqlite3.WithInstance(s.db, &sqlite3.Config{})
	if err != nil {
		return fmt.Errorf("failed to create database driver: %w", err)
	}

	// Create migration instance
	m, err := migrate.NewWithInstance("iofs", sourceDriver, "sqlite3", driver)
	if err != nil {
		return fmt.Errorf("failed to create migration instance: %w", err)
	}

	// Run migrations
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	return nil
}

// Plan operations

// CreatePlan persists a new plan.
func (s *SQLiteStore) CreatePlan(ctx context.Context, plan *engine.Plan) error {
	row, err := planToRow(plan)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO plans (
			id, created_at, created_by, operation, status, device_ids,
			summary, changes, previews, continue_on_failure,
			approved_by, approved_at, last_job_id, correlation_id
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err = s.db.ExecContext(ctx, query,
		row.ID,
		row.CreatedAt,
		row.CreatedBy,
		row.Operation,
		row.Status,
		row.DeviceIDs,
		row.Summary,
		row.Changes,
		row.Previews,
		row.ContinueOnFailure,
		row.ApprovedBy,
		row.ApprovedAt,
		row.LastJobID,
		row.CorrelationID,
	)

	if err != nil {
		return fmt.Errorf("failed to create plan: %w", err)
	}

	return nil
}

// GetPlan retrieves a plan by ID.
func (s *SQLiteStore) GetPlan(ctx context.Context, planID string) (*engine.Plan, error) {
	query := `
		SELECT id, created_at, created_by, operation, status, device_ids,
			   summary, changes, previews, continue_on_failure,
			   approved_by, approved_at, last_job_id, correlation_id
		FROM plans
		WHERE id = ?
	`

	row := &planRow{}
	err := s.db.QueryRowContext(ctx, query, planID).Scan(
		&row.ID,
		&row.CreatedAt,
		&row.CreatedBy,
		&row.Operation,
		&row.Status,
		&row.DeviceIDs,
		&row.Summary,
		&row.Changes,
		&row.Previews,
		&row.ContinueOnFailure,
		&row.ApprovedBy,
		&row.ApprovedAt,
		&row.LastJobID,
		&row.CorrelationID,
	)

	if errors.Is(err, sql.ErrNoRows) {
		return nil, engine.NewValidationError("plan not found: "+planID, nil).
			WithCode(engine.ErrCodeNotFound).WithPlan(planID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get plan: %w", err)
	}

	return row.toPlan()
}

// ListPlans lists plans ordered by creation time, newest first.
func (s *SQLiteStore) ListPlans(ctx context.Context, limit, offset int) ([]*engine.Plan, error) {
	query := `
		SELECT id, created_at, created_by, operation, status, device_ids,
			   summary, changes, previews, continue_on_failure,
			   approved_by, approved_at, last_job_id, correlation_id
		FROM plans
		ORDER BY created_at DESC
		LIMIT ? OFFSET ?
	`

	rows, err := s.db.QueryContext(ctx, query, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list plans: %w", err)
	}
	defer rows.Close()

	plans := []*engine.Plan{}
	for rows.Next() {
		row := &planRow{}
		err := rows.Scan(
			&row.ID,
			&row.CreatedAt,
			&row.CreatedBy,
			&row.Operation,
			&row.Status,
			&row.DeviceIDs,
			&row.Summary,
			&row.Changes,
			&row.Previews,
			&row.ContinueOnFailure,
			&row.ApprovedBy,
			&row.ApprovedAt,
			&row.LastJobID,
			&row.CorrelationID,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan plan: %w", err)
		}
		plan, err := row.toPlan()
		if err != nil {
			return nil, err
		}
		plans = append(plans, plan)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating plans: %w", err)
	}

	return plans, nil
}

// TransitionPlan conditionally moves a plan from one status to another. The
// status check and update happen in one statement, so two concurrent
// transitions cannot both win.
func (s *SQLiteStore) TransitionPlan(ctx context.Context, planID string, from, to engine.PlanStatus) error {
	if err := from.Validate(); err != nil {
		return err
	}
	if err := to.Validate(); err != nil {
		return err
	}
	if !from.CanTransition(to) {
		return engine.NewStateConflictError(
			fmt.Sprintf("plan cannot move from %s to %s", from, to), nil).
			WithCode(engine.ErrCodeInvalidTransition).WithPlan(planID)
	}

	query := `UPDATE plans SET status = ? WHERE id = ? AND status = ?`

	result, err := s.db.ExecContext(ctx, query, string(to), planID, string(from))
	if err != nil {
		return fmt.Errorf("failed to transition plan: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		current, gerr := s.GetPlan(ctx, planID)
		if gerr != nil {
			return gerr
		}
		return engine.NewStateConflictError(
			fmt.Sprintf("plan is %s, expected %s", current.Status, from), nil).
			WithCode(engine.ErrCodeInvalidTransition).WithPlan(planID)
	}

	return nil
}

// SetPlanApproval records the approver identity and timestamp.
func (s *SQLiteStore) SetPlanApproval(ctx context.Context, planID, approver string, at time.Time) error {
	query := `UPDATE plans SET approved_by = ?, approved_at = ? WHERE id = ?`

	result, err := s.db.ExecContext(ctx, query, approver, at, planID)
	if err != nil {
		return fmt.Errorf("failed to set plan approval: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return engine.NewValidationError("plan not found: "+planID, nil).
			WithCode(engine.ErrCodeNotFound).WithPlan(planID)
	}

	return nil
}

// SetPlanLastJob updates the trailing pointer to the most recent job.
func (s *SQLiteStore) SetPlanLastJob(ctx context.Context, planID, jobID string) error {
	query := `UPDATE plans SET last_job_id = ? WHERE id = ?`

	result, err := s.db.ExecContext(ctx, query, jobID, planID)
	if err != nil {
		return fmt.Errorf("failed to set plan last job: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return engine.NewValidationError("plan not found: "+planID, nil).
			WithCode(engine.ErrCodeNotFound).WithPlan(planID)
	}

	return nil
}

// Job operations

// CreateJob persists a new job.
func (s *SQLiteStore) CreateJob(ctx context.Context, job *engine.Job) error {
	row, err := jobToRow(job)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO jobs (
			id, plan_id, status, results, attempt, next_retry_at,
			summary, started_at, completed_at, correlation_id
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err = s.db.ExecContext(ctx, query,
		row.ID,
		row.PlanID,
		row.Status,
		row.Results,
		row.Attempt,
		row.NextRetryAt,
		row.Summary,
		row.StartedAt,
		row.CompletedAt,
		row.CorrelationID,
	)

	if err != nil {
		return fmt.Errorf("failed to create job: %w", err)
	}

	return nil
}

// GetJob retrieves a job by ID.
func (s *SQLiteStore) GetJob(ctx context.Context, jobID string) (*engine.Job, error) {
	query := `
		SELECT id, plan_id, status, results, attempt, next_retry_at,
			   summary, started_at, completed_at, correlation_id
		FROM jobs
		WHERE id = ?
	`

	row := &jobRow{}
	err := s.db.QueryRowContext(ctx, query, jobID).Scan(
		&row.ID,
		&row.PlanID,
		&row.Status,
		&row.Results,
		&row.Attempt,
		&row.NextRetryAt,
		&row.Summary,
		&row.StartedAt,
		&row.CompletedAt,
		&row.CorrelationID,
	)

	if errors.Is(err, sql.ErrNoRows) {
		return nil, engine.NewValidationError("job not found: "+jobID, nil).
			WithCode(engine.ErrCodeNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get job: %w", err)
	}

	return row.toJob()
}

// ListJobsByPlan lists all jobs for a plan, newest first.
func (s *SQLiteStore) ListJobsByPlan(ctx context.Context, planID string) ([]*engine.Job, error) {
	query := `
		SELECT id, plan_id, status, results, attempt, next_retry_at,
			   summary, started_at, completed_at, correlation_id
		FROM jobs
		WHERE plan_id = ?
		ORDER BY started_at DESC
	`

	rows, err := s.db.QueryContext(ctx, query, planID)
	if err != nil {
		return nil, fmt.Errorf("failed to list jobs: %w", err)
	}
	defer rows.Close()

	jobs := []*engine.Job{}
	for rows.Next() {
		row := &jobRow{}
		err := rows.Scan(
			&row.ID,
			&row.PlanID,
			&row.Status,
			&row.Results,
			&row.Attempt,
			&row.NextRetryAt,
			&row.Summary,
			&row.StartedAt,
			&row.CompletedAt,
			&row.CorrelationID,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan job: %w", err)
		}
		job, err := row.toJob()
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating jobs: %w", err)
	}

	return jobs, nil
}

// UpdateJob persists job status, results, and summary.
func (s *SQLiteStore) UpdateJob(ctx context.Context, job *engine.Job) error {
	row, err := jobToRow(job)
	if err != nil {
		return err
	}

	query := `
		UPDATE jobs
		SET status = ?, results = ?, next_retry_at = ?, summary = ?, completed_at = ?
		WHERE id = ?
	`

	result, err := s.db.ExecContext(ctx, query,
		row.Status,
		row.Results,
		row.NextRetryAt,
		row.Summary,
		row.CompletedAt,
		row.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update job: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return engine.NewValidationError("job not found: "+job.ID, nil).
			WithCode(engine.ErrCodeNotFound)
	}

	return nil
}

// Lease operations

// AcquireJobLease atomically claims the single running-job slot for a plan.
// The upsert either wins the plan's primary-key slot, takes over a lease
// older than LeaseMaxAge, or touches zero rows; there is no window where
// two jobs both hold a live lease. The age cutoff is what lets a plan
// recover after the engine holding its lease died without releasing it.
func (s *SQLiteStore) AcquireJobLease(ctx context.Context, planID, jobID string) error {
	query := `
		INSERT INTO job_leases (plan_id, job_id, acquired_at)
		VALUES (?, ?, ?)
		ON CONFLICT(plan_id) DO UPDATE
		SET job_id = excluded.job_id, acquired_at = excluded.acquired_at
		WHERE job_leases.acquired_at <= ?
	`

	now := time.Now().UTC()
	result, err := s.db.ExecContext(ctx, query, planID, jobID, now, now.Add(-s.cfg.LeaseMaxAge))
	if err != nil {
		return fmt.Errorf("failed to acquire job lease: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return engine.NewStateConflictError("a job is already running for this plan", nil).
			WithCode(engine.ErrCodeAlreadyRunning).WithPlan(planID)
	}

	return nil
}

// ReleaseJobLease releases the slot held by the given job. Releasing a lease
// held by a different job is a no-op.
func (s *SQLiteStore) ReleaseJobLease(ctx context.Context, planID, jobID string) error {
	query := `DELETE FROM job_leases WHERE plan_id = ? AND job_id = ?`

	if _, err := s.db.ExecContext(ctx, query, planID, jobID); err != nil {
		return fmt.Errorf("failed to release job lease: %w", err)
	}
	return nil
}

// Event operations

// AppendEvent appends an audit event.
func (s *SQLiteStore) AppendEvent(ctx context.Context, event *engine.Event) error {
	details, err := marshalJSON(event.Details)
	if err != nil {
		return fmt.Errorf("failed to encode event details: %w", err)
	}

	query := `
		INSERT INTO events (
			id, type, timestamp, correlation_id, plan_id, job_id,
			device_id, actor, message, level, details
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err = s.db.ExecContext(ctx, query,
		event.ID,
		event.Type,
		event.Timestamp,
		event.CorrelationID,
		event.PlanID,
		event.JobID,
		event.DeviceID,
		event.Actor,
		event.Message,
		event.Level,
		details,
	)

	if err != nil {
		return fmt.Errorf("failed to append event: %w", err)
	}

	return nil
}

// ListEventsByCorrelation retrieves all events sharing a correlation ID,
// oldest first.
func (s *SQLiteStore) ListEventsByCorrelation(ctx context.Context, correlationID string) ([]*engine.Event, error) {
	query := `
		SELECT id, type, timestamp, correlation_id, plan_id, job_id,
			   device_id, actor, message, level, details
		FROM events
		WHERE correlation_id = ?
		ORDER BY timestamp ASC, id ASC
	`

	rows, err := s.db.QueryContext(ctx, query, correlationID)
	if err != nil {
		return nil, fmt.Errorf("failed to list events: %w", err)
	}
	defer rows.Close()

	events := []*engine.Event{}
	for rows.Next() {
		event := &engine.Event{}
		var details string
		err := rows.Scan(
			&event.ID,
			&event.Type,
			&event.Timestamp,
			&event.CorrelationID,
			&event.PlanID,
			&event.JobID,
			&event.DeviceID,
			&event.Actor,
			&event.Message,
			&event.Level,
			&details,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		if err := unmarshalJSON(details, &event.Details); err != nil {
			return nil, fmt.Errorf("failed to decode event details: %w", err)
		}
		events = append(events, event)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating events: %w", err)
	}

	return events, nil
}

// HealthCheck verifies the database connection is healthy.
func (s *SQLiteStore) HealthCheck(ctx context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}

	return s.db.PingContext(ctx)
}
