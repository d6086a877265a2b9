// Package oracles holds SQL invariants that must return no rows at any
// point of a workload.
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
			Name: "O1_counter_matches_signed",
			SQL: `SELECT r.id, r.completed_signers, COUNT(s.id) FILTER (WHERE s.status = 'signed') AS signed
                  FROM signature_requests r
                  LEFT JOIN signers s ON s.request_id = r.id
                  GROUP BY r.id, r.completed_signers
                  HAVING r.completed_signers <> COUNT(s.id) FILTER (WHERE s.status = 'signed')`,
		},
		{
			Name: "O2_completed_iff_full",
			SQL: `SELECT id, status, completed_signers, total_signers FROM signature_requests
                  WHERE (status = 'completed') <> (completed_signers = total_signers)
                     OR (status = 'completed' AND completed_at IS NULL)`,
		},
		{
			Name: "O3_signed_without_timestamp",
			SQL:  `SELECT id FROM signers WHERE status = 'signed' AND (signed_at IS NULL OR signature_hash = '')`,
		},
		{
			Name: "O4_closed_request_open_signers",
			SQL: `SELECT r.id, r.status, s.id, s.status FROM signature_requests r
                  JOIN signers s ON s.request_id = r.id
                  WHERE r.status IN ('expired','cancelled')
                    AND s.status IN ('pending','sent','viewed')`,
		},
		{
			Name: "O5_sequential_out_of_turn",
			SQL: `SELECT later.id, earlier.id FROM signers later
                  JOIN signature_requests r ON r.id = later.request_id AND r.signing_order = 'sequential'
                  JOIN signers earlier ON earlier.request_id = later.request_id
                   AND earlier.signing_order < later.signing_order
                  WHERE later.status = 'signed'
                    AND earlier.status <> 'signed'`,
		},
		{
			Name: "O6_signed_after_expiry",
			SQL: `SELECT s.id FROM signers s
                  JOIN signature_requests r ON r.id = s.request_id
                  WHERE s.status = 'signed' AND s.signed_at >= r.expires_at`,
		},
		{
			Name: "O7_viewed_within_total",
			SQL:  `SELECT id FROM signature_requests WHERE viewed_signers < 0 OR viewed_signers > total_signers`,
		},
		{
			Name: "O8_outbox_stale",
			SQL: `SELECT id FROM outbox
                  WHERE status = 'pending' AND now() - created_at > interval '5 minutes'`,
		},
	}
}

// Run executes all oracles and returns the first failure (name and sample
// row text) or an empty name if all pass.
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
		if err := rows.Err(); err != nil {
			return o.Name, "", fmt.Errorf("oracle %s: %w", o.Name, err)
		}
	}
	return "", "", nil
}
