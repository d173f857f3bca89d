package token

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

var (
	// ErrInvalid signals an unknown or explicitly invalidated token.
	ErrInvalid = errors.New("token: invalid")
	// ErrUsed signals the single-use token was already spent.
	ErrUsed = errors.New("token: already used")
)

// PGStore persists single-use public-link tokens, each bound to exactly one
// viewing request. Spending a token happens inside the caller's transaction
// so it commits or rolls back atomically with the approval it authorizes.
type PGStore struct {
	pool        *pgxpool.Pool
	idGenerator func() string
}

func NewPGStore(pool *pgxpool.Pool) *PGStore {
	return &PGStore{
		pool:        pool,
		idGenerator: func() string { return uuid.NewString() },
	}
}

// WithIDGenerator overrides token generation, used by tests.
func (s *PGStore) WithIDGenerator(gen func() string) *PGStore {
	s.idGenerator = gen
	return s
}

// Issue creates a new token bound to the given viewing request.
func (s *PGStore) Issue(ctx context.Context, viewingRequestID string) (string, error) {
	if viewingRequestID == "" {
		return "", fmt.Errorf("token: missing viewing request id")
	}

	tok := s.idGenerator()
	const insertSQL = `
		INSERT INTO viewing_tokens (token, viewing_request_id)
		VALUES ($1, $2)
	`
	if _, err := s.pool.Exec(ctx, insertSQL, tok, viewingRequestID); err != nil {
		return "", fmt.Errorf("token: issue: %w", err)
	}
	return tok, nil
}

// Validate checks a token without spending it and returns the bound viewing
// request id.
func (s *PGStore) Validate(ctx context.Context, tok string) (string, error) {
	const selectSQL = `
		SELECT viewing_request_id, used_at IS NOT NULL OR invalidated_at IS NOT NULL
		FROM viewing_tokens
		WHERE token = $1
	`
	var (
		viewingID string
		spent     bool
	)
	if err := s.pool.QueryRow(ctx, selectSQL, tok).Scan(&viewingID, &spent); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", ErrInvalid
		}
		return "", fmt.Errorf("token: validate: %w", err)
	}
	if spent {
		return "", ErrUsed
	}
	return viewingID, nil
}

// Lock row-locks the token inside the given transaction and returns the bound
// viewing request id. Concurrent users of the same token serialize on the row
// lock; whichever transaction commits first wins and the rest observe ErrUsed.
func (s *PGStore) Lock(ctx context.Context, tx pgx.Tx, tok string) (string, error) {
	const lockSQL = `
		SELECT viewing_request_id, used_at IS NOT NULL OR invalidated_at IS NOT NULL
		FROM viewing_tokens
		WHERE token = $1
		FOR UPDATE
	`
	var (
		viewingID string
		spent     bool
	)
	if err := tx.QueryRow(ctx, lockSQL, tok).Scan(&viewingID, &spent); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", ErrInvalid
		}
		return "", fmt.Errorf("token: lock: %w", err)
	}
	if spent {
		return "", ErrUsed
	}
	return viewingID, nil
}

// MarkUsed spends the token inside the caller's transaction.
func (s *PGStore) MarkUsed(ctx context.Context, tx pgx.Tx, tok string) error {
	tag, err := tx.Exec(ctx, `
		UPDATE viewing_tokens
		SET used_at = get_tx_timestamp()
		WHERE token = $1 AND used_at IS NULL AND invalidated_at IS NULL
	`, tok)
	if err != nil {
		return fmt.Errorf("token: mark used: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrUsed
	}
	return nil
}

// Invalidate revokes a token outside any approval flow, e.g. when the bound
// viewing request is cancelled.
func (s *PGStore) Invalidate(ctx context.Context, tok string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE viewing_tokens
		SET invalidated_at = NOW()
		WHERE token = $1 AND invalidated_at IS NULL
	`, tok)
	if err != nil {
		return fmt.Errorf("token: invalidate: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrInvalid
	}
	return nil
}
