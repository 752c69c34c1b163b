package ordersdb

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"ordersaga/internal/events"
	"ordersaga/internal/orders"
	"ordersaga/internal/saga"
)

const orderColumns = `id, user_id, status, payment_status, payment_method, items, total_cents, currency, metadata, version, created_at, updated_at`

// inProgressStates lists the saga states ListStalled looks for, quoted for SQL.
var inProgressStates = func() string {
	states := []saga.State{
		saga.StateInitiated,
		saga.StateOrderCancelled,
		saga.StateStockReleaseRequested,
		saga.StateStockReleased,
		saga.StateRefundRequested,
		saga.StateRefundCompleted,
	}
	quoted := make([]string, 0, len(states))
	for _, s := range states {
		quoted = append(quoted, "'"+string(s)+"'")
	}
	return strings.Join(quoted, ", ")
}()

// OrderStore implements orders.Store on Postgres. Saga metadata lives in the
// metadata JSONB column next to the order it belongs to.
type OrderStore struct {
	db  *sql.DB
	now func() time.Time
}

// NewOrderStore returns an orders.Store backed by db.
func NewOrderStore(db *sql.DB) *OrderStore {
	return &OrderStore{db: db, now: time.Now}
}

// NewOrderStoreWithSchema initializes the schema then returns the store.
func NewOrderStoreWithSchema(ctx context.Context, db *sql.DB) (*OrderStore, error) {
	if err := InitSchema(ctx, db); err != nil {
		return nil, err
	}
	return NewOrderStore(db), nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanOrder(row rowScanner) (orders.Order, error) {
	var (
		o                             orders.Order
		status, paymentStatus, method string
		items, metadata               []byte
	)
	if err := row.Scan(&o.ID, &o.UserID, &status, &paymentStatus, &method, &items, &o.TotalCents, &o.Currency, &metadata, &o.Version, &o.CreatedAt, &o.UpdatedAt); err != nil {
		return orders.Order{}, err
	}
	o.Status = orders.Status(status)
	o.PaymentStatus = orders.PaymentStatus(paymentStatus)
	o.PaymentMethod = orders.PaymentMethod(method)
	if len(items) > 0 {
		if err := json.Unmarshal(items, &o.Items); err != nil {
			return orders.Order{}, fmt.Errorf("order %s: decode items: %w", o.ID, err)
		}
	}
	if len(metadata) > 0 {
		if err := json.Unmarshal(metadata, &o.Saga); err != nil {
			return orders.Order{}, fmt.Errorf("order %s: decode saga metadata: %w", o.ID, err)
		}
	}
	if err := o.Validate(); err != nil {
		return orders.Order{}, err
	}
	return o, nil
}

func encodeOrder(o orders.Order) (items, metadata []byte, err error) {
	if o.Items == nil {
		o.Items = []orders.Item{}
	}
	if items, err = json.Marshal(o.Items); err != nil {
		return nil, nil, err
	}
	if metadata, err = json.Marshal(o.Saga); err != nil {
		return nil, nil, err
	}
	return items, metadata, nil
}

func (s *OrderStore) Get(ctx context.Context, id string) (orders.Order, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+orderColumns+` FROM orders WHERE id = $1`, id)
	o, err := scanOrder(row)
	if errors.Is(err, sql.ErrNoRows) {
		return orders.Order{}, fmt.Errorf("%w: order %s", saga.ErrNotFound, id)
	}
	return o, err
}

func (s *OrderStore) Create(ctx context.Context, o orders.Order) (orders.Order, error) {
	if err := o.Validate(); err != nil {
		return orders.Order{}, err
	}
	items, metadata, err := encodeOrder(o)
	if err != nil {
		return orders.Order{}, err
	}
	o.Version = 1
	if o.CreatedAt.IsZero() {
		o.CreatedAt = s.now().UTC()
	}
	if o.UpdatedAt.IsZero() {
		o.UpdatedAt = o.CreatedAt
	}

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO orders (`+orderColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (id) DO NOTHING`,
		o.ID, o.UserID, string(o.Status), string(o.PaymentStatus), string(o.PaymentMethod),
		items, o.TotalCents, o.Currency, metadata, o.Version, o.CreatedAt, o.UpdatedAt,
	)
	if err != nil {
		return orders.Order{}, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return orders.Order{}, err
	}
	if affected == 0 {
		return orders.Order{}, fmt.Errorf("%w: order %s already exists", saga.ErrInvalidState, o.ID)
	}
	return o, nil
}

func (s *OrderStore) Save(ctx context.Context, o orders.Order) (orders.Order, error) {
	var saved orders.Order
	err := withTx(ctx, s.db, func(tx *sql.Tx) error {
		prev, err := s.lock(ctx, tx, o.ID)
		if err != nil {
			return err
		}
		if prev.Version != o.Version {
			return fmt.Errorf("%w: order %s at version %d, write based on %d", saga.ErrVersionConflict, o.ID, prev.Version, o.Version)
		}
		saved, err = s.write(ctx, tx, prev, o)
		return err
	})
	if err != nil {
		return orders.Order{}, err
	}
	return saved, nil
}

func (s *OrderStore) ApplyEvent(ctx context.Context, key events.ProcessedKey, id string, fn func(*orders.Order) error) (orders.Order, error) {
	var saved orders.Order
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
		return orders.Order{}, err
	}
	return saved, nil
}

func (s *OrderStore) lock(ctx context.Context, tx *sql.Tx, id string) (orders.Order, error) {
	row := tx.QueryRowContext(ctx, `SELECT `+orderColumns+` FROM orders WHERE id = $1 FOR UPDATE`, id)
	o, err := scanOrder(row)
	if errors.Is(err, sql.ErrNoRows) {
		return orders.Order{}, fmt.Errorf("%w: order %s", saga.ErrNotFound, id)
	}
	return o, err
}

func (s *OrderStore) write(ctx context.Context, tx *sql.Tx, prev, next orders.Order) (orders.Order, error) {
	if err := orders.CheckWrite(prev, &next); err != nil {
		return orders.Order{}, err
	}
	items, metadata, err := encodeOrder(next)
	if err != nil {
		return orders.Order{}, err
	}
	next.Version = prev.Version + 1
	next.UpdatedAt = s.now().UTC()

	res, err := tx.ExecContext(ctx, `
		UPDATE orders
		SET status = $3, payment_status = $4, items = $5, total_cents = $6, metadata = $7, version = $8, updated_at = $9
		WHERE id = $1 AND version = $2`,
		next.ID, prev.Version, string(next.Status), string(next.PaymentStatus), items, next.TotalCents, metadata, next.Version, next.UpdatedAt,
	)
	if err != nil {
		return orders.Order{}, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return orders.Order{}, err
	}
	if affected == 0 {
		return orders.Order{}, fmt.Errorf("%w: order %s changed underneath the write", saga.ErrVersionConflict, next.ID)
	}
	return next, nil
}

func (s *OrderStore) ListStalled(ctx context.Context, cutoff time.Time, limit int) ([]orders.Order, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+orderColumns+`
		FROM orders
		WHERE status = $1
		  AND metadata->>'sagaState' IN (`+inProgressStates+`)
		  AND updated_at < $2
		ORDER BY updated_at
		LIMIT $3`,
		string(orders.StatusCancelled), cutoff.UTC(), limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []orders.Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, o)
	}
	return out, rows.Err()
}
