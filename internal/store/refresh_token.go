package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/debtdesk/apiserver/internal/db"
	"github.com/debtdesk/apiserver/types"
)

// RefreshTokenRepository handles persistence for refresh tokens.
type RefreshTokenRepository struct {
	db *sql.DB
}

func NewRefreshTokenRepository(db *sql.DB) *RefreshTokenRepository {
	return &RefreshTokenRepository{db: db}
}

func (r *RefreshTokenRepository) Create(ctx context.Context, token types.RefreshToken) (types.RefreshToken, error) {
	return insertRefreshToken(ctx, r.db, token)
}

func (r *RefreshTokenRepository) GetByToken(ctx context.Context, token string) (types.RefreshToken, error) {
	const query = `
		SELECT id, token, user_id, expires_at, created_at
		FROM refresh_tokens
		WHERE token = $1`
	var rt types.RefreshToken
	err := r.db.QueryRowContext(ctx, query, token).Scan(
		&rt.ID,
		&rt.Token,
		&rt.UserID,
		&rt.ExpiresAt,
		&rt.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return types.RefreshToken{}, ErrNotFound
		}
		return types.RefreshToken{}, err
	}
	return rt, nil
}

// Rotate inserts next and deletes the consumed token in one transaction.
// If the consumed token no longer exists the transaction is rolled back and
// ErrNotFound is returned, so a token value can be exchanged at most once.
func (r *RefreshTokenRepository) Rotate(ctx context.Context, consumed string, next types.RefreshToken) (types.RefreshToken, error) {
	var created types.RefreshToken
	err := db.WithTx(ctx, r.db, nil, func(ctx context.Context, tx db.DBTX) error {
		var err error
		created, err = insertRefreshToken(ctx, tx, next)
		if err != nil {
			return err
		}
		deleted, err := deleteRefreshTokens(ctx, tx, `DELETE FROM refresh_tokens WHERE token = $1`, consumed)
		if err != nil {
			return err
		}
		if deleted == 0 {
			return ErrNotFound
		}
		return nil
	})
	if err != nil {
		return types.RefreshToken{}, err
	}
	return created, nil
}

// DeleteByToken removes rows matching the token value and reports how many were removed.
func (r *RefreshTokenRepository) DeleteByToken(ctx context.Context, token string) (int64, error) {
	return deleteRefreshTokens(ctx, r.db, `DELETE FROM refresh_tokens WHERE token = $1`, token)
}

// DeleteByUserID removes every refresh token owned by the user.
func (r *RefreshTokenRepository) DeleteByUserID(ctx context.Context, userID int) (int64, error) {
	return deleteRefreshTokens(ctx, r.db, `DELETE FROM refresh_tokens WHERE user_id = $1`, userID)
}

func insertRefreshToken(ctx context.Context, conn db.DBTX, token types.RefreshToken) (types.RefreshToken, error) {
	if token.CreatedAt.IsZero() {
		token.CreatedAt = time.Now()
	}

	const query = `
		INSERT INTO refresh_tokens (token, user_id, expires_at, created_at)
		VALUES ($1, $2, $3, $4)
		RETURNING id`
	if err := conn.QueryRowContext(
		ctx,
		query,
		token.Token,
		token.UserID,
		token.ExpiresAt,
		token.CreatedAt,
	).Scan(&token.ID); err != nil {
		return types.RefreshToken{}, err
	}
	return token, nil
}

func deleteRefreshTokens(ctx context.Context, conn db.DBTX, query string, arg any) (int64, error) {
	result, err := conn.ExecContext(ctx, query, arg)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}
