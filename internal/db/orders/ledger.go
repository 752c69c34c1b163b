package ordersdb

import (
	"context"
	"database/sql"
	"time"

	"ordersaga/internal/events"
)

// Ledger reads the processed_events table. Rows are written by the stores'
// ApplyEvent inside the mutation's transaction.
type Ledger struct {
	db *sql.DB
}

// NewLedger returns a processed-event ledger backed by db.
func NewLedger(db *sql.DB) *Ledger {
	return &Ledger{db: db}
}

func (l *Ledger) Seen(ctx context.Context, key events.ProcessedKey) (bool, error) {
	var seen bool
	err := l.db.QueryRowContext(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM processed_events
			WHERE correlation_id = $1 AND event_type = $2 AND aggregate_id = $3
		)`,
		key.CorrelationID, string(key.EventType), key.AggregateID,
	).Scan(&seen)
	return seen, err
}

// markProcessed inserts key and reports whether it was new.
func markProcessed(ctx context.Context, tx *sql.Tx, key events.ProcessedKey, at time.Time) (bool, error) {
	res, err := tx.ExecContext(ctx, `
		INSERT INTO processed_events (correlation_id, event_type, aggregate_id, processed_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT DO NOTHING`,
		key.CorrelationID, string(key.EventType), key.AggregateID, at.UTC(),
	)
	if err != nil {
		return false, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected == 1, nil
}
