package viewing

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

var (
	// ErrNotFound is returned when no viewing request exists for the id.
	ErrNotFound = errors.New("viewing: not found")
	// ErrConflict signals a stale version or a transition the current status
	// does not permit.
	ErrConflict = errors.New("viewing: conflict")
	// ErrForbidden signals the actor may not perform the transition.
	ErrForbidden = errors.New("viewing: forbidden")
	// ErrInvalidInput signals a missing or malformed field, e.g. a reschedule
	// window without both instants.
	ErrInvalidInput = errors.New("viewing: invalid input")
	// ErrPreconditionFailed signals the property has neither a seller nor a
	// listing agent to answer the request.
	ErrPreconditionFailed = errors.New("viewing: precondition failed")
)

const requestColumns = `id, property_id, buyer_id, buyer_agent_id, seller_agent_id,
	requested_start, requested_end, confirmed_start, confirmed_end, status,
	buyer_approval_state, buyer_approved_by, buyer_approval_date, buyer_approval_source,
	seller_approval_state, seller_approved_by, seller_approval_date, seller_approval_source,
	response_message, version, created_at, updated_at`

// Repository defines the transactional data access required by the service.
type Repository interface {
	Insert(ctx context.Context, tx pgx.Tx, r Request) (Request, error)
	Get(ctx context.Context, tx pgx.Tx, id string) (Request, error)
	UpdateCAS(ctx context.Context, tx pgx.Tx, r Request) (Request, error)
	CountOpenForBuyer(ctx context.Context, tx pgx.Tx, propertyID, buyerID string) (int, error)
	EnqueueOutbox(ctx context.Context, tx pgx.Tx, topic string, payload map[string]any) error
}

// PGRepository implements Repository backed by PostgreSQL. Its pool-backed
// reads serve callers outside a mutating transaction, and CountOpen satisfies
// the agreement package's OpenViewingCounter.
type PGRepository struct {
	pool *pgxpool.Pool
}

func NewRepository(pool *pgxpool.Pool) *PGRepository {
	return &PGRepository{pool: pool}
}

func (r *PGRepository) Insert(ctx context.Context, tx pgx.Tx, req Request) (Request, error) {
	const insertSQL = `
		INSERT INTO viewing_requests (id, property_id, buyer_id, buyer_agent_id, seller_agent_id,
			requested_start, requested_end, status,
			buyer_approval_state, seller_approval_state, response_message)
		VALUES (COALESCE(NULLIF($1, '')::uuid, gen_random_uuid()), $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		RETURNING ` + requestColumns

	row := tx.QueryRow(ctx, insertSQL,
		req.ID,
		req.PropertyID,
		req.BuyerID,
		req.BuyerAgentID,
		req.SellerAgentID,
		req.Requested.Start,
		req.Requested.End,
		req.Status,
		req.BuyerSide.State,
		req.SellerSide.State,
		req.ResponseMessage,
	)
	created, err := scanRequest(row)
	if err != nil {
		return Request{}, fmt.Errorf("viewing: insert: %w", err)
	}
	return created, nil
}

func (r *PGRepository) Get(ctx context.Context, tx pgx.Tx, id string) (Request, error) {
	row := tx.QueryRow(ctx, `SELECT `+requestColumns+` FROM viewing_requests WHERE id = $1`, id)
	req, err := scanRequest(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Request{}, ErrNotFound
		}
		return Request{}, fmt.Errorf("viewing: get: %w", err)
	}
	return req, nil
}

// UpdateCAS writes the request back guarded by its version; a concurrent
// writer causes ErrConflict and the caller retries from a fresh read.
func (r *PGRepository) UpdateCAS(ctx context.Context, tx pgx.Tx, req Request) (Request, error) {
	const updateSQL = `
		UPDATE viewing_requests
		SET status = $2,
		    confirmed_start = $3,
		    confirmed_end = $4,
		    buyer_approval_state = $5,
		    buyer_approved_by = $6,
		    buyer_approval_date = $7,
		    buyer_approval_source = $8,
		    seller_approval_state = $9,
		    seller_approved_by = $10,
		    seller_approval_date = $11,
		    seller_approval_source = $12,
		    response_message = $13,
		    version = version + 1,
		    updated_at = get_tx_timestamp()
		WHERE id = $1 AND version = $14
		RETURNING ` + requestColumns

	var confirmedStart, confirmedEnd any
	if req.Confirmed != nil {
		confirmedStart = req.Confirmed.Start
		confirmedEnd = req.Confirmed.End
	}

	row := tx.QueryRow(ctx, updateSQL,
		req.ID,
		req.Status,
		confirmedStart,
		confirmedEnd,
		req.BuyerSide.State,
		req.BuyerSide.ApprovedBy,
		req.BuyerSide.Date,
		nullableSource(req.BuyerSide.Source),
		req.SellerSide.State,
		req.SellerSide.ApprovedBy,
		req.SellerSide.Date,
		nullableSource(req.SellerSide.Source),
		req.ResponseMessage,
		req.Version,
	)
	updated, err := scanRequest(row)
	if err == nil {
		return updated, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return Request{}, fmt.Errorf("viewing: update: %w", err)
	}

	var exists bool
	if err := tx.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM viewing_requests WHERE id = $1)`, req.ID).Scan(&exists); err != nil {
		return Request{}, fmt.Errorf("viewing: update existence check: %w", err)
	}
	if exists {
		return Request{}, fmt.Errorf("%w: stale version %d", ErrConflict, req.Version)
	}
	return Request{}, ErrNotFound
}

// CountOpenForBuyer enforces the one-open-request-per-buyer/property rule at
// create time.
func (r *PGRepository) CountOpenForBuyer(ctx context.Context, tx pgx.Tx, propertyID, buyerID string) (int, error) {
	var n int
	err := tx.QueryRow(ctx, `
		SELECT COUNT(*) FROM viewing_requests
		WHERE property_id = $1 AND buyer_id = $2
		  AND status IN ('pending','accepted','rescheduled')
	`, propertyID, buyerID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("viewing: count open for buyer: %w", err)
	}
	return n, nil
}

// CountOpen reports non-terminal requests for a property. It runs inside the
// agreement package's signing transaction when deciding disclosure completion.
func (r *PGRepository) CountOpen(ctx context.Context, tx pgx.Tx, propertyID string) (int, error) {
	var n int
	err := tx.QueryRow(ctx, `
		SELECT COUNT(*) FROM viewing_requests
		WHERE property_id = $1
		  AND status IN ('pending','accepted','rescheduled')
	`, propertyID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("viewing: count open: %w", err)
	}
	return n, nil
}

func (r *PGRepository) GetByID(ctx context.Context, id string) (Request, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+requestColumns+` FROM viewing_requests WHERE id = $1`, id)
	req, err := scanRequest(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Request{}, ErrNotFound
		}
		return Request{}, fmt.Errorf("viewing: get by id: %w", err)
	}
	return req, nil
}

// ListByProperty returns all viewing requests for a property, newest first.
func (r *PGRepository) ListByProperty(ctx context.Context, propertyID string) ([]Request, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+requestColumns+`
		FROM viewing_requests
		WHERE property_id = $1
		ORDER BY created_at DESC
	`, propertyID)
	if err != nil {
		return nil, fmt.Errorf("viewing: list by property: %w", err)
	}
	defer rows.Close()

	list := make([]Request, 0, 8)
	for rows.Next() {
		req, err := scanRequest(rows)
		if err != nil {
			return nil, fmt.Errorf("viewing: scan request: %w", err)
		}
		list = append(list, req)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("viewing: iterate requests: %w", err)
	}
	return list, nil
}

// EnqueueOutbox emits a message for downstream delivery inside the caller's
// transaction.
func (r *PGRepository) EnqueueOutbox(ctx context.Context, tx pgx.Tx, topic string, payload map[string]any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("viewing: marshal outbox payload: %w", err)
	}
	if _, err := tx.Exec(ctx, `INSERT INTO outbox (topic, payload) VALUES ($1, $2::jsonb)`, topic, body); err != nil {
		return fmt.Errorf("viewing: enqueue outbox: %w", err)
	}
	return nil
}

func scanRequest(row pgx.Row) (Request, error) {
	var (
		req            Request
		confirmedStart *time.Time
		confirmedEnd   *time.Time
		buyerSource    *string
		sellerSource   *string
	)
	err := row.Scan(
		&req.ID,
		&req.PropertyID,
		&req.BuyerID,
		&req.BuyerAgentID,
		&req.SellerAgentID,
		&req.Requested.Start,
		&req.Requested.End,
		&confirmedStart,
		&confirmedEnd,
		&req.Status,
		&req.BuyerSide.State,
		&req.BuyerSide.ApprovedBy,
		&req.BuyerSide.Date,
		&buyerSource,
		&req.SellerSide.State,
		&req.SellerSide.ApprovedBy,
		&req.SellerSide.Date,
		&sellerSource,
		&req.ResponseMessage,
		&req.Version,
		&req.CreatedAt,
		&req.UpdatedAt,
	)
	if err != nil {
		return Request{}, err
	}
	if confirmedStart != nil && confirmedEnd != nil {
		req.Confirmed = &Window{Start: *confirmedStart, End: *confirmedEnd}
	}
	if buyerSource != nil {
		req.BuyerSide.Source = Source(*buyerSource)
	}
	if sellerSource != nil {
		req.SellerSide.Source = Source(*sellerSource)
	}
	return req, nil
}

func nullableSource(s Source) any {
	if s == "" {
		return nil
	}
	return s
}
