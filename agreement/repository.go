package agreement

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

var (
	// ErrNotFound is returned when no agreement row exists for the identifier.
	ErrNotFound = errors.New("agreement: not found")
	// ErrConflict signals a stale version or a transition the current status
	// does not permit. Callers retry after re-reading; writes are never merged.
	ErrConflict = errors.New("agreement: conflict")
	// ErrForbidden signals the actor's role or identity does not match the
	// required signer for the slot.
	ErrForbidden = errors.New("agreement: forbidden")
	// ErrInvalidInput signals a missing required field such as the signature.
	ErrInvalidInput = errors.New("agreement: invalid input")
)

const agreementColumns = `id, property_id, agent_id, buyer_id, is_global, kind, status,
	buyer_signature, agent_signature, seller_signature,
	document_url, cached_edit, version, signed_at, created_at, updated_at`

// Repository defines the transactional data access required by the service.
type Repository interface {
	Insert(ctx context.Context, tx pgx.Tx, ag Agreement) (Agreement, error)
	Get(ctx context.Context, tx pgx.Tx, id string) (Agreement, error)
	UpdateCAS(ctx context.Context, tx pgx.Tx, ag Agreement) (Agreement, error)
	SetStatus(ctx context.Context, tx pgx.Tx, id string, status Status) (Agreement, error)
	AppendEvent(ctx context.Context, tx pgx.Tx, agreementID, eventType string, actorID *string, payload map[string]any) error
	EnqueueOutbox(ctx context.Context, tx pgx.Tx, topic string, payload map[string]any) error
}

// Reader provides the pool-backed lookups exposed to callers outside a
// mutating transaction.
type Reader interface {
	GetByID(ctx context.Context, id string) (Agreement, error)
	LatestByPropertyAndKind(ctx context.Context, propertyID string, kind Kind) (Agreement, error)
}

// PGRepository implements Repository and Reader backed by PostgreSQL.
type PGRepository struct {
	pool *pgxpool.Pool
}

func NewRepository(pool *pgxpool.Pool) *PGRepository {
	return &PGRepository{pool: pool}
}

func (r *PGRepository) Insert(ctx context.Context, tx pgx.Tx, ag Agreement) (Agreement, error) {
	const insertSQL = `
		INSERT INTO agreements (id, property_id, agent_id, buyer_id, is_global, kind, status,
			buyer_signature, agent_signature, seller_signature, signed_at)
		VALUES (COALESCE(NULLIF($1, '')::uuid, gen_random_uuid()), $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		RETURNING ` + agreementColumns

	row := tx.QueryRow(ctx, insertSQL,
		ag.ID,
		ag.PropertyID,
		ag.AgentID,
		ag.BuyerID,
		ag.IsGlobal,
		ag.Kind,
		ag.Status,
		ag.BuyerSignature,
		ag.AgentSignature,
		ag.SellerSignature,
		ag.SignedAt,
	)
	created, err := scanAgreement(row)
	if err != nil {
		return Agreement{}, fmt.Errorf("agreement: insert: %w", err)
	}
	return created, nil
}

func (r *PGRepository) Get(ctx context.Context, tx pgx.Tx, id string) (Agreement, error) {
	row := tx.QueryRow(ctx, `SELECT `+agreementColumns+` FROM agreements WHERE id = $1`, id)
	ag, err := scanAgreement(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Agreement{}, ErrNotFound
		}
		return Agreement{}, fmt.Errorf("agreement: get: %w", err)
	}
	return ag, nil
}

// UpdateCAS writes the agreement back guarded by its version. A concurrent
// writer that bumped the version since the read causes ErrConflict; the
// caller re-reads and retries rather than merging.
func (r *PGRepository) UpdateCAS(ctx context.Context, tx pgx.Tx, ag Agreement) (Agreement, error) {
	const updateSQL = `
		UPDATE agreements
		SET status = $2,
		    buyer_signature = $3,
		    agent_signature = $4,
		    seller_signature = $5,
		    document_url = $6,
		    cached_edit = $7,
		    signed_at = $8,
		    version = version + 1,
		    updated_at = get_tx_timestamp()
		WHERE id = $1 AND version = $9
		RETURNING ` + agreementColumns

	row := tx.QueryRow(ctx, updateSQL,
		ag.ID,
		ag.Status,
		ag.BuyerSignature,
		ag.AgentSignature,
		ag.SellerSignature,
		ag.DocumentURL,
		ag.CachedEdit,
		ag.SignedAt,
		ag.Version,
	)
	updated, err := scanAgreement(row)
	if err == nil {
		return updated, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return Agreement{}, fmt.Errorf("agreement: update: %w", err)
	}

	var exists bool
	if err := tx.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM agreements WHERE id = $1)`, ag.ID).Scan(&exists); err != nil {
		return Agreement{}, fmt.Errorf("agreement: update existence check: %w", err)
	}
	if exists {
		return Agreement{}, fmt.Errorf("%w: stale version %d", ErrConflict, ag.Version)
	}
	return Agreement{}, ErrNotFound
}

// SetStatus forces the stored status, bypassing derivation. Reserved for the
// admin correction path.
func (r *PGRepository) SetStatus(ctx context.Context, tx pgx.Tx, id string, status Status) (Agreement, error) {
	const updateSQL = `
		UPDATE agreements
		SET status = $2,
		    version = version + 1,
		    updated_at = get_tx_timestamp()
		WHERE id = $1
		RETURNING ` + agreementColumns

	row := tx.QueryRow(ctx, updateSQL, id, status)
	updated, err := scanAgreement(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Agreement{}, ErrNotFound
		}
		return Agreement{}, fmt.Errorf("agreement: set status: %w", err)
	}
	return updated, nil
}

// SetDocumentURL stores the pointer to the last rendered artifact. It runs
// outside the signing transaction because rendering is recoverable: a failed
// render must not roll back the signature.
func (r *PGRepository) SetDocumentURL(ctx context.Context, id, url string) error {
	tag, err := r.pool.Exec(ctx, `
		UPDATE agreements
		SET document_url = $2,
		    updated_at = NOW()
		WHERE id = $1
	`, id, url)
	if err != nil {
		return fmt.Errorf("agreement: set document url: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *PGRepository) GetByID(ctx context.Context, id string) (Agreement, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+agreementColumns+` FROM agreements WHERE id = $1`, id)
	ag, err := scanAgreement(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Agreement{}, ErrNotFound
		}
		return Agreement{}, fmt.Errorf("agreement: get by id: %w", err)
	}
	return ag, nil
}

// LatestByPropertyAndKind returns the most recently created agreement of the
// given kind for a property. Agreements are never hard-deleted, only
// superseded, so "latest" is the authoritative document.
func (r *PGRepository) LatestByPropertyAndKind(ctx context.Context, propertyID string, kind Kind) (Agreement, error) {
	const query = `
		SELECT ` + agreementColumns + `
		FROM agreements
		WHERE property_id = $1 AND kind = $2
		ORDER BY created_at DESC
		LIMIT 1
	`
	row := r.pool.QueryRow(ctx, query, propertyID, kind)
	ag, err := scanAgreement(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Agreement{}, ErrNotFound
		}
		return Agreement{}, fmt.Errorf("agreement: latest by property and kind: %w", err)
	}
	return ag, nil
}

// AppendEvent records an immutable business event for the agreement in the
// same transaction as the transition it describes.
func (r *PGRepository) AppendEvent(ctx context.Context, tx pgx.Tx, agreementID, eventType string, actorID *string, payload map[string]any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("agreement: marshal event payload: %w", err)
	}

	var actor any
	if actorID != nil && *actorID != "" {
		actor = *actorID
	}

	const insertSQL = `
		INSERT INTO timeline_events (agreement_id, seq, type, payload, actor_id)
		SELECT $1, COALESCE(MAX(seq), 0) + 1, $2, $3::jsonb, $4::uuid
		FROM timeline_events
		WHERE agreement_id = $1
	`
	if _, err := tx.Exec(ctx, insertSQL, agreementID, eventType, body, actor); err != nil {
		return fmt.Errorf("agreement: insert timeline event: %w", err)
	}
	return nil
}

// EnqueueOutbox emits a message for downstream delivery inside the caller's
// transaction. Delivery retries happen outside this core.
func (r *PGRepository) EnqueueOutbox(ctx context.Context, tx pgx.Tx, topic string, payload map[string]any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("agreement: marshal outbox payload: %w", err)
	}
	if _, err := tx.Exec(ctx, `INSERT INTO outbox (topic, payload) VALUES ($1, $2::jsonb)`, topic, body); err != nil {
		return fmt.Errorf("agreement: enqueue outbox: %w", err)
	}
	return nil
}

func scanAgreement(row pgx.Row) (Agreement, error) {
	var ag Agreement
	return ag, row.Scan(
		&ag.ID,
		&ag.PropertyID,
		&ag.AgentID,
		&ag.BuyerID,
		&ag.IsGlobal,
		&ag.Kind,
		&ag.Status,
		&ag.BuyerSignature,
		&ag.AgentSignature,
		&ag.SellerSignature,
		&ag.DocumentURL,
		&ag.CachedEdit,
		&ag.Version,
		&ag.SignedAt,
		&ag.CreatedAt,
		&ag.UpdatedAt,
	)
}
