package notify

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// OutboxNotifier enqueues events on the outbox table; a relay outside the
// engine delivers them. The event type is the outbox topic.
type OutboxNotifier struct {
	pool *pgxpool.Pool
}

func NewOutboxNotifier(pool *pgxpool.Pool) *OutboxNotifier {
	return &OutboxNotifier{pool: pool}
}

func (n *OutboxNotifier) Notify(ctx context.Context, ev Event) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("notify: marshal outbox payload: %w", err)
	}

	const insertSQL = `
INSERT INTO outbox (topic, payload)
VALUES ($1, $2);
`
	if _, err := n.pool.Exec(ctx, insertSQL, ev.Type, payload); err != nil {
		return fmt.Errorf("notify: insert outbox message: %w", err)
	}
	return nil
}
