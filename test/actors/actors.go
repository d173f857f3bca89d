package actors

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Requester tries to open competing viewing requests for the same buyer and
// property. The partial unique index allows at most one open request, so
// unique violations are expected under contention.
func Requester(ctx context.Context, pool *pgxpool.Pool, propertyID, buyerID string, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}
		_, err := pool.Exec(ctx, `INSERT INTO viewing_requests (property_id, buyer_id, requested_start, requested_end, status)
                                   VALUES ($1, $2, NOW() + interval '1 day', NOW() + interval '1 day 1 hour', 'pending')`,
			propertyID, buyerID)
		if err != nil {
			var pgErr *pgconn.PgError
			if errors.As(err, &pgErr) && pgErr.Code == "23505" {
				// expected: one open request per buyer and property
			} else {
				return fmt.Errorf("requester insert: %w", err)
			}
		}
		time.Sleep(time.Duration(10+rand.Intn(20)) * time.Millisecond)
	}
}

// Responder answers pending viewing requests for a property from the seller
// side using a version-guarded update, occasionally rejecting.
func Responder(ctx context.Context, pool *pgxpool.Pool, propertyID, agentID string, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}
		tx, err := pool.Begin(ctx)
		if err != nil {
			return err
		}
		var (
			id      string
			version int64
		)
		err = tx.QueryRow(ctx, `SELECT id, version FROM viewing_requests
                                 WHERE property_id=$1 AND status='pending' LIMIT 1 FOR UPDATE SKIP LOCKED`, propertyID).Scan(&id, &version)
		if err == nil {
			next := "accepted"
			state := "approved"
			if rand.Intn(10) == 0 {
				next = "rejected"
				state = "rejected"
			}
			_, err = tx.Exec(ctx, `UPDATE viewing_requests
                                    SET status=$2,
                                        seller_approval_state=$3,
                                        seller_approved_by=$4,
                                        seller_approval_date=NOW(),
                                        seller_approval_source='platform',
                                        confirmed_start=CASE WHEN $2='accepted' THEN requested_start END,
                                        confirmed_end=CASE WHEN $2='accepted' THEN requested_end END,
                                        version=version+1,
                                        updated_at=NOW()
                                    WHERE id=$1 AND version=$5`, id, next, state, agentID, version)
			if err == nil {
				_, _ = tx.Exec(ctx, `INSERT INTO outbox (topic, payload) VALUES ('viewing.status_changed', jsonb_build_object('viewing_request_id',$1,'next',$2))`, id, next)
			}
			if err == nil {
				err = tx.Commit(ctx)
			}
		}
		_ = tx.Rollback(ctx)
		if err != nil && !errors.Is(err, pgx.ErrNoRows) && !errors.Is(err, context.Canceled) {
			return fmt.Errorf("responder: %w", err)
		}
		time.Sleep(time.Duration(20+rand.Intn(40)) * time.Millisecond)
	}
}

// TokenRacer hammers a single public-link token. The row lock plus the
// used_at guard must let exactly one spend through; everyone else observes a
// spent token.
func TokenRacer(ctx context.Context, pool *pgxpool.Pool, token string, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}
		tx, err := pool.Begin(ctx)
		if err != nil {
			return err
		}
		var (
			viewingID string
			spent     bool
		)
		err = tx.QueryRow(ctx, `SELECT viewing_request_id, used_at IS NOT NULL OR invalidated_at IS NOT NULL
                                 FROM viewing_tokens WHERE token=$1 FOR UPDATE`, token).Scan(&viewingID, &spent)
		if err == nil && !spent {
			_, err = tx.Exec(ctx, `UPDATE viewing_requests
                                    SET status='accepted',
                                        seller_approval_state='approved',
                                        seller_approval_date=NOW(),
                                        seller_approval_source='public_link',
                                        confirmed_start=requested_start,
                                        confirmed_end=requested_end,
                                        version=version+1,
                                        updated_at=NOW()
                                    WHERE id=$1 AND status='pending'`, viewingID)
			if err == nil {
				_, err = tx.Exec(ctx, `UPDATE viewing_tokens SET used_at=NOW() WHERE token=$1 AND used_at IS NULL`, token)
			}
			if err == nil {
				err = tx.Commit(ctx)
			}
		}
		_ = tx.Rollback(ctx)
		if err != nil && !errors.Is(err, pgx.ErrNoRows) && !errors.Is(err, context.Canceled) {
			return fmt.Errorf("token racer: %w", err)
		}
		time.Sleep(time.Duration(5+rand.Intn(15)) * time.Millisecond)
	}
}

// Signer applies signatures to an agency disclosure slot by slot and derives
// the status the way the service does, guarded by the version column.
func Signer(ctx context.Context, pool *pgxpool.Pool, agreementID string, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}
		tx, err := pool.Begin(ctx)
		if err != nil {
			return err
		}
		err = signNextSlot(ctx, tx, agreementID)
		if err == nil {
			err = tx.Commit(ctx)
		}
		_ = tx.Rollback(ctx)
		if err != nil && !errors.Is(err, pgx.ErrNoRows) && !errors.Is(err, context.Canceled) {
			return fmt.Errorf("signer: %w", err)
		}
		time.Sleep(time.Duration(20+rand.Intn(40)) * time.Millisecond)
	}
}

func signNextSlot(ctx context.Context, tx pgx.Tx, agreementID string) error {
	var (
		version              int64
		propertyID           *string
		buyer, agent, seller *string
	)
	err := tx.QueryRow(ctx, `SELECT version, property_id, buyer_signature, agent_signature, seller_signature
                              FROM agreements WHERE id=$1 FOR UPDATE`, agreementID).
		Scan(&version, &propertyID, &buyer, &agent, &seller)
	if err != nil {
		return err
	}

	var slot, sig string
	switch {
	case buyer == nil:
		slot, sig = "buyer_signature", "sig-buyer"
	case agent == nil:
		slot, sig = "agent_signature", "sig-agent"
	case seller == nil:
		slot, sig = "seller_signature", "sig-seller"
	default:
		return nil
	}

	status := "signed_by_buyer"
	switch slot {
	case "agent_signature":
		status = "pending_review"
	case "seller_signature":
		var open int
		if propertyID != nil {
			if err := tx.QueryRow(ctx, `SELECT COUNT(*) FROM viewing_requests
                                         WHERE property_id=$1 AND status IN ('pending','accepted','rescheduled')`, *propertyID).Scan(&open); err != nil {
				return err
			}
		}
		if open > 0 {
			status = "signed_by_seller"
		} else {
			status = "completed"
		}
	}

	query := fmt.Sprintf(`UPDATE agreements
                           SET %s=$2, status=$3,
                               signed_at=CASE WHEN $3='completed' THEN COALESCE(signed_at, NOW()) ELSE signed_at END,
                               version=version+1, updated_at=NOW()
                           WHERE id=$1 AND version=$4`, slot)
	if _, err := tx.Exec(ctx, query, agreementID, sig, status, version); err != nil {
		return err
	}

	var seq int
	if err := tx.QueryRow(ctx, `SELECT COALESCE(MAX(seq),0)+1 FROM timeline_events WHERE agreement_id=$1`, agreementID).Scan(&seq); err != nil {
		return err
	}
	if _, err := tx.Exec(ctx, `INSERT INTO timeline_events (agreement_id, seq, type, payload) VALUES ($1,$2,'AGREEMENT_SIGNED','{}'::jsonb)`, agreementID, seq); err != nil {
		return err
	}
	_, err = tx.Exec(ctx, `INSERT INTO outbox (topic, payload) VALUES ('agreement.status_changed', jsonb_build_object('agreement_id',$1,'next',$2))`, agreementID, status)
	return err
}

// Canceller moves open viewing requests to cancelled, making room for the
// requester to open fresh ones and for disclosures to complete.
func Canceller(ctx context.Context, pool *pgxpool.Pool, propertyID string, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}
		_, err := pool.Exec(ctx, `UPDATE viewing_requests
                                   SET status='cancelled', version=version+1, updated_at=NOW()
                                   WHERE id IN (
                                       SELECT id FROM viewing_requests
                                       WHERE property_id=$1 AND status IN ('pending','accepted','rescheduled')
                                       ORDER BY created_at LIMIT 1)`, propertyID)
		if err != nil && !errors.Is(err, context.Canceled) {
			return fmt.Errorf("canceller: %w", err)
		}
		time.Sleep(time.Duration(100+rand.Intn(100)) * time.Millisecond)
	}
}

// OutboxWorker drains undelivered outbox rows with SKIP LOCKED.
func OutboxWorker(ctx context.Context, pool *pgxpool.Pool, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}
		tx, err := pool.Begin(ctx)
		if err != nil {
			return err
		}
		rows, err := tx.Query(ctx, `SELECT id FROM outbox WHERE delivered_at IS NULL ORDER BY created_at FOR UPDATE SKIP LOCKED LIMIT 10`)
		if err != nil {
			_ = tx.Rollback(ctx)
			time.Sleep(50 * time.Millisecond)
			continue
		}
		ids := make([]int64, 0, 10)
		for rows.Next() {
			var id int64
			_ = rows.Scan(&id)
			ids = append(ids, id)
		}
		rows.Close()
		for _, id := range ids {
			_, _ = tx.Exec(ctx, `UPDATE outbox SET delivered_at=NOW() WHERE id=$1`, id)
		}
		_ = tx.Commit(ctx)
		time.Sleep(100 * time.Millisecond)
	}
}
