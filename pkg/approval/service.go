// Package approval issues and validates the single-use tokens that gate
// plan execution. Tokens are HMAC-signed, bound to exactly one plan, and
// expire after a short window; the secret value is never logged or stored,
// only the token ID is.
package approval

import (
	"context"
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/planforge/planforge/pkg/engine"
	"github.com/planforge/planforge/pkg/telemetry"
)

const (
	// DefaultTTL is the default validity window for an approval token.
	DefaultTTL = 5 * time.Minute

	issuer = "planforge"
)

// TokenRecord is the stored state of an issued token. It never contains
// the signed token value.
type TokenRecord struct {
	ID        string
	PlanID    string
	Approver  string
	ExpiresAt time.Time
	Used      bool
}

// StateStore persists token usage state so single-use holds across engine
// restarts. stores.SQLiteStore satisfies it.
type StateStore interface {
	// SaveToken records a freshly issued token.
	SaveToken(ctx context.Context, rec *TokenRecord) error

	// GetToken retrieves a token record by ID, or nil when unknown.
	GetToken(ctx context.Context, tokenID string) (*TokenRecord, error)

	// ConsumeToken atomically marks a token used. It reports false when
	// the token was already used.
	ConsumeToken(ctx context.Context, tokenID string) (bool, error)
}

// EventAppender persists audit events. engine.Store satisfies it.
type EventAppender interface {
	AppendEvent(ctx context.Context, event *engine.Event) error
}

// Config holds token service settings.
type Config struct {
	// SigningKey is the HMAC key used to sign tokens.
	SigningKey []byte

	// TTL is how long an issued token stays valid. Zero means DefaultTTL.
	TTL time.Duration
}

// Service implements engine.TokenService.
type Service struct {
	key    []byte
	ttl    time.Duration
	state  StateStore
	logger *telemetry.Logger
	audit  EventAppender
	now    func() time.Time
}

// Option customizes a Service.
type Option func(*Service)

// WithNow injects the clock, used by tests to control expiry.
func WithNow(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// WithAudit sets the audit event sink for token issuance records.
func WithAudit(audit EventAppender) Option {
	return func(s *Service) { s.audit = audit }
}

// NewService creates a token service.
func NewService(cfg Config, state StateStore, logger *telemetry.Logger, opts ...Option) (*Service, error) {
	if len(cfg.SigningKey) == 0 {
		return nil, engine.NewValidationError("approval signing key is required", nil).
			WithCode(engine.ErrCodeValidation)
	}
	if state == nil {
		return nil, engine.NewValidationError("approval state store is required", nil).
			WithCode(engine.ErrCodeValidation)
	}
	if cfg.TTL == 0 {
		cfg.TTL = DefaultTTL
	}

	s := &Service{
		key:    cfg.SigningKey,
		ttl:    cfg.TTL,
		state:  state,
		logger: logger.NewComponentLogger("approval"),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

type tokenClaims struct {
	PlanID string `json:"plan_id"`
	jwt.RegisteredClaims
}

// Issue creates a token bound to one plan. The returned Value is handed to
// the approver once and never retained by the engine.
func (s *Service) Issue(ctx context.Context, planID, approver string) (*engine.IssuedToken, error) {
	if planID == "" {
		return nil, engine.NewValidationError("plan ID is required", nil).
			WithCode(engine.ErrCodeValidation)
	}

	tokenID := uuid.New().String()
	issuedAt := s.now().UTC()
	expiresAt := issuedAt.Add(s.ttl)

	claims := tokenClaims{
		PlanID: planID,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        tokenID,
			Issuer:    issuer,
			Subject:   approver,
			IssuedAt:  jwt.NewNumericDate(issuedAt),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
	}
	value, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.key)
	if err != nil {
		return nil, engine.NewInternalError("failed to sign approval token", err).
			WithCode(engine.ErrCodeInternal).WithPlan(planID)
	}

	rec := &TokenRecord{
		ID:        tokenID,
		PlanID:    planID,
		Approver:  approver,
		ExpiresAt: expiresAt,
	}
	if err := s.state.SaveToken(ctx, rec); err != nil {
		return nil, engine.NewInternalError("failed to persist token state", err).
			WithCode(engine.ErrCodeInternal).WithPlan(planID)
	}

	s.logger.WithPlanID(planID).
		WithField("token_id", tokenID).
		WithField("approver", approver).
		Info("approval token issued")
	s.recordIssued(ctx, planID, approver, tokenID, expiresAt)

	return &engine.IssuedToken{
		TokenID:   tokenID,
		Value:     value,
		PlanID:    planID,
		ExpiresAt: expiresAt,
	}, nil
}

// ValidateAndConsume atomically checks and spends a token. A token bound to
// a different plan is rejected without being consumed; it is still valid
// for the plan it was issued for. A token presented twice loses the second
// time no matter how the two calls interleave.
func (s *Service) ValidateAndConsume(ctx context.Context, token, planID string) error {
	claims := &tokenClaims{}
	_, err := jwt.ParseWithClaims(token, claims, s.keyFunc,
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(issuer),
		jwt.WithTimeFunc(func() time.Time { return s.now() }),
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return engine.NewApprovalError(engine.ErrCodeApprovalExpired, "approval token has expired").
				WithPlan(planID)
		}
		return engine.NewApprovalError(engine.ErrCodeApprovalNotFound, "approval token is not valid").
			WithPlan(planID)
	}

	rec, err := s.state.GetToken(ctx, claims.ID)
	if err != nil {
		return engine.NewInternalError("failed to load token state", err).
			WithCode(engine.ErrCodeInternal).WithPlan(planID)
	}
	if rec == nil {
		return engine.NewApprovalError(engine.ErrCodeApprovalNotFound, "approval token is not known").
			WithPlan(planID)
	}
	if rec.Used {
		return engine.NewApprovalError(engine.ErrCodeApprovalReused, "approval token was already used").
			WithPlan(planID)
	}
	if !s.now().Before(rec.ExpiresAt) {
		return engine.NewApprovalError(engine.ErrCodeApprovalExpired, "approval token has expired").
			WithPlan(planID)
	}
	if rec.PlanID != planID || claims.PlanID != planID {
		return engine.NewApprovalError(engine.ErrCodeApprovalMismatch, "approval token is bound to a different plan").
			WithPlan(planID)
	}

	ok, err := s.state.ConsumeToken(ctx, claims.ID)
	if err != nil {
		return engine.NewInternalError("failed to consume token", err).
			WithCode(engine.ErrCodeInternal).WithPlan(planID)
	}
	if !ok {
		// Lost a race against a concurrent presentation of the same token.
		return engine.NewApprovalError(engine.ErrCodeApprovalReused, "approval token was already used").
			WithPlan(planID)
	}

	s.logger.WithPlanID(planID).WithField("token_id", claims.ID).Info("approval token consumed")
	return nil
}

func (s *Service) keyFunc(*jwt.Token) (any, error) {
	return s.key, nil
}

func (s *Service) recordIssued(ctx context.Context, planID, approver, tokenID string, expiresAt time.Time) {
	if s.audit == nil {
		return
	}
	event := &engine.Event{
		ID:        uuid.New().String(),
		Type:      engine.EventTypeTokenIssued,
		Timestamp: s.now().UTC(),
		PlanID:    planID,
		Actor:     approver,
		Message:   "approval token issued",
		Level:     telemetry.EventLevelInfo,
		Details: map[string]any{
			"token_id":   tokenID,
			"expires_at": expiresAt.Format(time.RFC3339),
		},
	}
	if err := s.audit.AppendEvent(ctx, event); err != nil {
		s.logger.WithError(err).Warn("failed to persist token issuance event")
	}
}
