package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/lexicon-cms/lexicon-api/internal/models"
)

const tokenColumns = `id, user_id, token_hash, expires_at, created_at, created_by_ip, revoked_at, revoked_by_ip, revoked_reason, replaced_by_hash`

// TokenRepository persists refresh-token records keyed by their hash. A
// unique constraint on token_hash backs the single-winner rotation guarantee.
type TokenRepository struct {
	db *sqlx.DB
}

// NewTokenRepository creates a new instance of TokenRepository.
func NewTokenRepository(db *sqlx.DB) *TokenRepository {
	return &TokenRepository{db: db}
}

// Create persists a refresh token record.
func (r *TokenRepository) Create(ctx context.Context, token *models.RefreshToken) error {
	if token.ID == "" {
		token.ID = uuid.NewString()
	}
	if token.CreatedAt.IsZero() {
		token.CreatedAt = time.Now().UTC()
	}
	const query = `INSERT INTO refresh_tokens (id, user_id, token_hash, expires_at, created_at, created_by_ip, revoked_at, revoked_by_ip, revoked_reason, replaced_by_hash)
		VALUES (:id, :user_id, :token_hash, :expires_at, :created_at, :created_by_ip, :revoked_at, :revoked_by_ip, :revoked_reason, :replaced_by_hash)`
	if _, err := r.db.NamedExecContext(ctx, query, token); err != nil {
		return fmt.Errorf("create refresh token: %w", err)
	}
	return nil
}

// FindByHash returns a refresh token record by its stored hash.
func (r *TokenRepository) FindByHash(ctx context.Context, tokenHash string) (*models.RefreshToken, error) {
	query := fmt.Sprintf(`SELECT %s FROM refresh_tokens WHERE token_hash = $1 LIMIT 1`, tokenColumns)
	var token models.RefreshToken
	if err := r.db.GetContext(ctx, &token, query, tokenHash); err != nil {
		if err == sql.ErrNoRows {
			return nil, err
		}
		return nil, fmt.Errorf("find refresh token: %w", err)
	}
	return &token, nil
}

// Rotate revokes the token identified by oldHash and persists its
// replacement in one transaction. The conditional UPDATE only touches a
// still-active row, so of two concurrent rotations of the same token exactly
// one observes a row change; the other returns false and must treat the
// token as inactive.
func (r *TokenRepository) Rotate(ctx context.Context, oldHash string, next *models.RefreshToken, ip, reason string) (bool, error) {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("begin rotation: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	now := time.Now().UTC()
	res, err := tx.ExecContext(ctx,
		`UPDATE refresh_tokens SET revoked_at = $2, revoked_by_ip = $3, revoked_reason = $4, replaced_by_hash = $5
		 WHERE token_hash = $1 AND revoked_at IS NULL AND expires_at > $2`,
		oldHash, now, ip, reason, next.TokenHash)
	if err != nil {
		return false, fmt.Errorf("revoke rotated token: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rotation rows affected: %w", err)
	}
	if affected == 0 {
		return false, nil
	}

	if next.ID == "" {
		next.ID = uuid.NewString()
	}
	if next.CreatedAt.IsZero() {
		next.CreatedAt = now
	}
	if _, err := tx.NamedExecContext(ctx,
		`INSERT INTO refresh_tokens (id, user_id, token_hash, expires_at, created_at, created_by_ip, revoked_at, revoked_by_ip, revoked_reason, replaced_by_hash)
		 VALUES (:id, :user_id, :token_hash, :expires_at, :created_at, :created_by_ip, :revoked_at, :revoked_by_ip, :revoked_reason, :replaced_by_hash)`,
		next); err != nil {
		return false, fmt.Errorf("persist replacement token: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("commit rotation: %w", err)
	}
	return true, nil
}

// Revoke marks a single active token revoked. Returns false when the token
// is absent or already inactive.
func (r *TokenRepository) Revoke(ctx context.Context, tokenHash, ip, reason string) (bool, error) {
	now := time.Now().UTC()
	res, err := r.db.ExecContext(ctx,
		`UPDATE refresh_tokens SET revoked_at = $2, revoked_by_ip = $3, revoked_reason = $4
		 WHERE token_hash = $1 AND revoked_at IS NULL AND expires_at > $2`,
		tokenHash, now, ip, reason)
	if err != nil {
		return false, fmt.Errorf("revoke refresh token: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("revoke rows affected: %w", err)
	}
	return affected > 0, nil
}

// RevokeAllForUser revokes every currently-active token of a user.
func (r *TokenRepository) RevokeAllForUser(ctx context.Context, userID, ip, reason string) (int64, error) {
	now := time.Now().UTC()
	res, err := r.db.ExecContext(ctx,
		`UPDATE refresh_tokens SET revoked_at = $2, revoked_by_ip = $3, revoked_reason = $4
		 WHERE user_id = $1 AND revoked_at IS NULL AND expires_at > $2`,
		userID, now, ip, reason)
	if err != nil {
		return 0, fmt.Errorf("revoke user refresh tokens: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("revoke all rows affected: %w", err)
	}
	return affected, nil
}
