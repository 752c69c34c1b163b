package reliability

import (
	"context"
	"errors"
	"net"
	"strings"
	"syscall"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/segmentio/kafka-go"

	"ordersaga/internal/saga"
)

// transientSignatures match driver and broker errors that only surface as text.
var transientSignatures = []string{
	"connection refused",
	"connection reset",
	"econnrefused",
	"timeout",
	"timed out",
	"write conflict",
	"transient transaction",
	"transienttransactionerror",
	"broken pipe",
}

// IsTransient reports whether err is worth retrying: infrastructure blips and
// optimistic concurrency conflicts. Domain errors and an open circuit are not.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	switch {
	case errors.Is(err, context.Canceled),
		errors.Is(err, ErrCircuitOpen),
		errors.Is(err, saga.ErrValidation),
		errors.Is(err, saga.ErrNotFound),
		errors.Is(err, saga.ErrInvalidState),
		errors.Is(err, saga.ErrCompensation),
		errors.Is(err, saga.ErrDuplicateEvent),
		errors.Is(err, saga.ErrIdempotencyConflict):
		return false
	case errors.Is(err, saga.ErrTransient),
		errors.Is(err, saga.ErrVersionConflict),
		errors.Is(err, context.DeadlineExceeded),
		errors.Is(err, syscall.ECONNREFUSED),
		errors.Is(err, syscall.ECONNRESET):
		return true
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "40001", "40P01", "55P03":
			return true
		}
		return strings.HasPrefix(pgErr.Code, "08")
	}

	var kafkaErr kafka.Error
	if errors.As(err, &kafkaErr) {
		return kafkaErr.Temporary() || kafkaErr.Timeout()
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	msg := strings.ToLower(err.Error())
	for _, sig := range transientSignatures {
		if strings.Contains(msg, sig) {
			return true
		}
	}
	return false
}
