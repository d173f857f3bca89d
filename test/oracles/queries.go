package oracles

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

type Oracle struct {
	Name string
	SQL  string
}

func All() []Oracle {
	return []Oracle{
		{
			Name: "O1_one_open_request_per_buyer_property",
			SQL: `SELECT property_id, buyer_id, COUNT(*) FROM viewing_requests
                  WHERE status IN ('pending','accepted','rescheduled')
                  GROUP BY property_id, buyer_id HAVING COUNT(*) > 1`,
		},
		{
			// A fully signed disclosure sits at signed_by_seller or completed;
			// closing the last viewing does not move it until the next
			// signature re-derives, so both are valid there.
			Name: "O2_status_matches_signature_slots",
			SQL: `SELECT id, status FROM agreements
                  WHERE kind = 'agency_disclosure'
                    AND ((buyer_signature IS NOT NULL AND agent_signature IS NOT NULL AND seller_signature IS NOT NULL
                          AND status NOT IN ('signed_by_seller','completed'))
                      OR (buyer_signature IS NOT NULL AND agent_signature IS NOT NULL AND seller_signature IS NULL
                          AND status <> 'pending_review')
                      OR (buyer_signature IS NOT NULL AND agent_signature IS NULL AND seller_signature IS NULL
                          AND status <> 'signed_by_buyer')
                      OR (buyer_signature IS NULL AND agent_signature IS NOT NULL AND seller_signature IS NULL
                          AND status <> 'pending_buyer')
                      OR (buyer_signature IS NULL AND agent_signature IS NULL AND seller_signature IS NULL
                          AND status <> 'draft'))`,
		},
		{
			Name: "O3_completed_disclosure_carries_signed_at",
			SQL: `SELECT id FROM agreements
                  WHERE status = 'completed' AND signed_at IS NULL`,
		},
		{
			Name: "O4_public_link_approval_spent_a_token",
			SQL: `SELECT v.id FROM viewing_requests v
                  WHERE v.seller_approval_source = 'public_link'
                    AND v.status <> 'rescheduled'
                    AND NOT EXISTS (SELECT 1 FROM viewing_tokens t
                                    WHERE t.viewing_request_id = v.id AND t.used_at IS NOT NULL)`,
		},
		{
			Name: "O5_accepted_requires_seller_approval",
			SQL: `SELECT id FROM viewing_requests
                  WHERE status = 'accepted' AND seller_approval_state <> 'approved'`,
		},
		{
			Name: "O6_rejection_is_authoritative",
			SQL: `SELECT id FROM viewing_requests
                  WHERE status = 'rejected'
                    AND buyer_approval_state <> 'rejected'
                    AND seller_approval_state <> 'rejected'`,
		},
		{
			Name: "O7_accepted_has_confirmed_window",
			SQL: `SELECT id FROM viewing_requests
                  WHERE status IN ('accepted','rescheduled')
                    AND (confirmed_start IS NULL OR confirmed_end IS NULL)`,
		},
		{
			Name: "O8_timeline_seq_monotonic",
			SQL: `WITH seqs AS (
                      SELECT agreement_id, seq,
                             LAG(seq) OVER (PARTITION BY agreement_id ORDER BY seq) AS prev
                      FROM timeline_events)
                  SELECT * FROM seqs WHERE prev IS NOT NULL AND seq <= prev`,
		},
		{
			Name: "O9_versions_monotonic_positive",
			SQL: `SELECT 'agreement' AS kind, id::text FROM agreements WHERE version < 1
                  UNION ALL
                  SELECT 'viewing', id::text FROM viewing_requests WHERE version < 1`,
		},
		{
			Name: "O10_outbox_drains",
			SQL: `SELECT id FROM outbox
                  WHERE delivered_at IS NULL AND now() - created_at > interval '5 minutes'`,
		},
	}
}

// Run executes all oracles and returns the first failure (name and sample row text) or empty name if all pass.
func Run(ctx context.Context, pool *pgxpool.Pool) (string, string, error) {
	for _, o := range All() {
		rows, err := pool.Query(ctx, o.SQL)
		if err != nil {
			return o.Name, "", fmt.Errorf("oracle %s: %w", o.Name, err)
		}
		has := rows.Next()
		if has {
			vals, err := rows.Values()
			rows.Close()
			if err != nil {
				return o.Name, "", err
			}
			return o.Name, fmt.Sprintf("%v", vals), nil
		}
		rows.Close()
	}
	return "", "", nil
}
