package oracles

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Oracle is a query that returns rows only when an invariant is broken.
type Oracle struct {
	Name string
	SQL  string
}

func All() []Oracle {
	return []Oracle{
		{
			Name: "O1_tell_state_matches_case",
			SQL: `SELECT t.id, t.resolution_state, c.state FROM tells t
                  JOIN resolution_cases c ON c.tell_id = t.id
                  WHERE t.resolution_state <> c.state`,
		},
		{
			Name: "O2_praise_never_enters_workflow",
			SQL: `SELECT t.id FROM tells t
                  WHERE t.kind = 'brandbeat'
                    AND (t.resolution_state <> 'none'
                         OR EXISTS (SELECT 1 FROM resolution_cases c WHERE c.tell_id = t.id)
                         OR EXISTS (SELECT 1 FROM resolution_events e WHERE e.tell_id = t.id))`,
		},
		{
			Name: "O3_one_event_per_version",
			SQL: `SELECT c.tell_id, c.version, COUNT(e.id) FROM resolution_cases c
                  LEFT JOIN resolution_events e ON e.tell_id = c.tell_id
                  GROUP BY c.tell_id, c.version
                  HAVING COUNT(e.id) <> c.version`,
		},
		{
			Name: "O4_history_is_a_chain",
			SQL: `WITH h AS (
                      SELECT tell_id, seq, from_state, to_state,
                             LAG(seq) OVER w AS prev_seq,
                             LAG(to_state) OVER w AS prev_to
                      FROM resolution_events
                      WINDOW w AS (PARTITION BY tell_id ORDER BY seq))
                  SELECT * FROM h
                  WHERE (prev_seq IS NULL AND (seq <> 1 OR from_state <> 'initial'))
                     OR (prev_seq IS NOT NULL AND (seq <> prev_seq + 1 OR from_state <> prev_to))`,
		},
		{
			Name: "O5_no_step_skipped",
			SQL: `SELECT * FROM resolution_events
                  WHERE (from_state, to_state) NOT IN (
                      ('initial', 'customer_consent'),
                      ('customer_consent', 'initial'),
                      ('customer_consent', 'payment'),
                      ('customer_consent', 'completed'),
                      ('payment', 'completed'),
                      ('payment', 'customer_consent'))`,
		},
		{
			Name: "O6_latest_event_is_current_state",
			SQL: `SELECT c.tell_id, c.state, e.to_state FROM resolution_cases c
                  JOIN LATERAL (
                      SELECT to_state FROM resolution_events
                      WHERE tell_id = c.tell_id ORDER BY seq DESC LIMIT 1) e ON true
                  WHERE e.to_state <> c.state`,
		},
		{
			Name: "O7_single_completion",
			SQL: `SELECT tell_id, COUNT(*) FROM resolution_events
                  WHERE to_state = 'completed'
                  GROUP BY tell_id HAVING COUNT(*) > 1`,
		},
		{
			Name: "O8_outbox_per_transition",
			SQL: `SELECT (SELECT COUNT(*) FROM resolution_events) AS events,
                         (SELECT COUNT(*) FROM outbox WHERE topic = 'resolution.state_changed') AS messages
                  WHERE (SELECT COUNT(*) FROM resolution_events)
                     <> (SELECT COUNT(*) FROM outbox WHERE topic = 'resolution.state_changed')`,
		},
		{
			Name: "O9_webhook_completes_only_opened_sessions",
			SQL: `SELECT tell_id, seq, payload FROM resolution_events
                  WHERE operation = 'confirm_payment'
                    AND actor_id = 'system:payment-webhook'
                    AND payload->>'payment_reference' NOT LIKE 'tbz\_%'`,
		},
		{
			Name: "O10_session_only_while_awaiting_payment",
			SQL: `SELECT tell_id, state, pending_payment_reference FROM resolution_cases
                  WHERE pending_payment_reference IS NOT NULL AND state <> 'payment'`,
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
		if rows.Next() {
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
