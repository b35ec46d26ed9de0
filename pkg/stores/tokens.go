package stores

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/planforge/planforge/pkg/approval"
)

// Approval token state. SQLiteStore satisfies approval.StateStore so that
// single-use enforcement holds across engine restarts.

// SaveToken records a freshly issued token. Records past their expiry are
// purged first so token state never outlives its validity window; an
// expired token is invalid whether or not its row still exists.
func (s *SQLiteStore) SaveToken(ctx context.Context, rec *approval.TokenRecord) error {
	purge := `DELETE FROM approval_tokens WHERE expires_at <= ?`
	if _, err := s.db.ExecContext(ctx, purge, time.Now().UTC()); err != nil {
		return fmt.Errorf("failed to purge expired tokens: %w", err)
	}

	query := `
		INSERT INTO approval_tokens (id, plan_id, approver, expires_at, used)
		VALUES (?, ?, ?, ?, ?)
	`

	_, err := s.db.ExecContext(ctx, query,
		rec.ID,
		rec.PlanID,
		rec.Approver,
		rec.ExpiresAt,
		rec.Used,
	)

	if err != nil {
		return fmt.Errorf("failed to save token: %w", err)
	}

	return nil
}

// GetToken retrieves a token record by ID, or nil when unknown.
func (s *SQLiteStore) GetToken(ctx context.Context, tokenID string) (*approval.TokenRecord, error) {
	query := `
		SELECT id, plan_id, approver, expires_at, used
		FROM approval_tokens
		WHERE id = ?
	`

	rec := &approval.TokenRecord{}
	err := s.db.QueryRowContext(ctx, query, tokenID).Scan(
		&rec.ID,
		&rec.PlanID,
		&rec.Approver,
		&rec.ExpiresAt,
		&rec.Used,
	)

	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get token: %w", err)
	}

	return rec, nil
}

// ConsumeToken atomically marks a token used. The conditional update is
// the single-use guarantee: two concurrent consumers cannot both see one
// affected row.
func (s *SQLiteStore) ConsumeToken(ctx context.Context, tokenID string) (bool, error) {
	query := `UPDATE approval_tokens SET used = 1 WHERE id = ? AND used = 0`

	result, err := s.db.ExecContext(ctx, query, tokenID)
	if err != nil {
		return false, fmt.Errorf("failed to consume token: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}

	return rows == 1, nil
}
