package ordersdb

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"ordersaga/internal/events"
	"ordersaga/internal/orders"
	"ordersaga/internal/payments"
	"ordersaga/internal/saga"
)

const paymentColumns = `id, order_id, user_id, amount_cents, currency, method, status, saga_id, correlation_id, idempotency_key, compensation_log, version, created_at, updated_at`

// PaymentStore implements payments.Store on Postgres.
type PaymentStore struct {
	db  *sql.DB
	now func() time.Time
}

// NewPaymentStore returns a payments.Store backed by db.
func NewPaymentStore(db *sql.DB) *PaymentStore {
	return &PaymentStore{db: db, now: time.Now}
}

func scanPayment(row rowScanner) (payments.Payment, error) {
	var (
		p              payments.Payment
		method, status string
		key            sql.NullString
		log            []byte
	)
	if err := row.Scan(&p.ID, &p.OrderID, &p.UserID, &p.AmountCents, &p.Currency, &method, &status, &p.SagaID, &p.CorrelationID, &key, &log, &p.Version, &p.CreatedAt, &p.UpdatedAt); err != nil {
		return payments.Payment{}, err
	}
	p.Method = orders.PaymentMethod(method)
	p.Status = payments.Status(status)
	p.IdempotencyKey = key.String
	if len(log) > 0 {
		if err := json.Unmarshal(log, &p.CompensationLog); err != nil {
			return payments.Payment{}, fmt.Errorf("payment %s: decode compensation log: %w", p.ID, err)
		}
	}
	if err := p.Validate(); err != nil {
		return payments.Payment{}, err
	}
	return p, nil
}

func encodeLog(entries []payments.CompensationEntry) ([]byte, error) {
	if entries == nil {
		entries = []payments.CompensationEntry{}
	}
	return json.Marshal(entries)
}

// Create inserts p or, when its idempotency key is taken, returns the stored
// payment if it describes the same charge.
func (s *PaymentStore) Create(ctx context.Context, p payments.Payment) (payments.Payment, bool, error) {
	if err := p.Validate(); err != nil {
		return payments.Payment{}, false, err
	}
	log, err := encodeLog(p.CompensationLog)
	if err != nil {
		return payments.Payment{}, false, err
	}
	now := s.now().UTC()
	if p.CreatedAt.IsZero() {
		p.CreatedAt = now
	}
	p.UpdatedAt = now
	p.Version = 1
	key := sql.NullString{String: p.IdempotencyKey, Valid: p.IdempotencyKey != ""}

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO payments (`+paymentColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		ON CONFLICT DO NOTHING`,
		p.ID, p.OrderID, p.UserID, p.AmountCents, p.Currency, string(p.Method), string(p.Status),
		p.SagaID, p.CorrelationID, key, log, p.Version, p.CreatedAt, p.UpdatedAt,
	)
	if err != nil {
		return payments.Payment{}, false, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return payments.Payment{}, false, err
	}
	if affected == 1 {
		return p, true, nil
	}
	if !key.Valid {
		return payments.Payment{}, false, fmt.Errorf("%w: payment %s already exists", saga.ErrInvalidState, p.ID)
	}

	row := s.db.QueryRowContext(ctx, `SELECT `+paymentColumns+` FROM payments WHERE idempotency_key = $1`, key.String)
	existing, err := scanPayment(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return payments.Payment{}, false, fmt.Errorf("%w: payment %s already exists", saga.ErrInvalidState, p.ID)
		}
		return payments.Payment{}, false, err
	}
	if !existing.SameCharge(p) {
		return payments.Payment{}, false, fmt.Errorf("%w: key %s belongs to payment %s", saga.ErrIdempotencyConflict, key.String, existing.ID)
	}
	return existing, false, nil
}

func (s *PaymentStore) Get(ctx context.Context, id string) (payments.Payment, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+paymentColumns+` FROM payments WHERE id = $1`, id)
	p, err := scanPayment(row)
	if errors.Is(err, sql.ErrNoRows) {
		return payments.Payment{}, fmt.Errorf("%w: payment %s", saga.ErrNotFound, id)
	}
	return p, err
}

func (s *PaymentStore) Save(ctx context.Context, p payments.Payment) (payments.Payment, error) {
	var saved payments.Payment
	err := withTx(ctx, s.db, func(tx *sql.Tx) error {
		prev, err := s.lock(ctx, tx, p.ID)
		if err != nil {
			return err
		}
		if prev.Version != p.Version {
			return fmt.Errorf("%w: payment %s at version %d, write based on %d", saga.ErrVersionConflict, p.ID, prev.Version, p.Version)
		}
		saved, err = s.write(ctx, tx, prev, p)
		return err
	})
	if err != nil {
		return payments.Payment{}, err
	}
	return saved, nil
}

func (s *PaymentStore) ApplyEvent(ctx context.Context, key events.ProcessedKey, id string, fn func(*payments.Payment) error) (payments.Payment, error) {
	var saved payments.Payment
	err := withTx(ctx, s.db, func(tx *sql.Tx) error {
		fresh, err := markProcessed(ctx, tx, key, s.now())
		if err != nil {
			return err
		}
		if !fresh {
			return fmt.Errorf("%w: %s", saga.ErrDuplicateEvent, key)
		}
		prev, err := s.lock(ctx, tx, id)
		if err != nil {
			return err
		}
		next := prev.Clone()
		if err := fn(&next); err != nil {
			return err
		}
		saved, err = s.write(ctx, tx, prev, next)
		return err
	})
	if err != nil {
		return payments.Payment{}, err
	}
	return saved, nil
}

func (s *PaymentStore) lock(ctx context.Context, tx *sql.Tx, id string) (payments.Payment, error) {
	row := tx.QueryRowContext(ctx, `SELECT `+paymentColumns+` FROM payments WHERE id = $1 FOR UPDATE`, id)
	p, err := scanPayment(row)
	if errors.Is(err, sql.ErrNoRows) {
		return payments.Payment{}, fmt.Errorf("%w: payment %s", saga.ErrNotFound, id)
	}
	return p, err
}

func (s *PaymentStore) write(ctx context.Context, tx *sql.Tx, prev, next payments.Payment) (payments.Payment, error) {
	if err := payments.CheckWrite(prev, next); err != nil {
		return payments.Payment{}, err
	}
	log, err := encodeLog(next.CompensationLog)
	if err != nil {
		return payments.Payment{}, err
	}
	next.IdempotencyKey = prev.IdempotencyKey
	next.Version = prev.Version + 1
	next.UpdatedAt = s.now().UTC()

	res, err := tx.ExecContext(ctx, `
		UPDATE payments
		SET status = $3, compensation_log = $4, version = $5, updated_at = $6
		WHERE id = $1 AND version = $2`,
		next.ID, prev.Version, string(next.Status), log, next.Version, next.UpdatedAt,
	)
	if err != nil {
		return payments.Payment{}, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return payments.Payment{}, err
	}
	if affected == 0 {
		return payments.Payment{}, fmt.Errorf("%w: payment %s changed underneath the write", saga.ErrVersionConflict, next.ID)
	}
	return next, nil
}
