package http

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"ordersaga/internal/orders"
	"ordersaga/internal/payments"
	"ordersaga/internal/saga"
)

const (
	headerCorrelationID  = "X-Correlation-ID"
	headerIdempotencyKey = "Idempotency-Key"
)

// Canceller cancels orders.
type Canceller interface {
	Cancel(ctx context.Context, req orders.CancelRequest) orders.CancelResult
	ResolveManualReview(ctx context.Context, orderID, note string) (orders.Order, error)
}

// PaymentExecutor runs payments.
type PaymentExecutor interface {
	Execute(ctx context.Context, req payments.Request, md payments.Metadata) payments.ExecuteResult
}

// Handler exposes the saga entry points over HTTP.
type Handler struct {
	log      *slog.Logger
	cancel   Canceller
	payments PaymentExecutor
	tracer   trace.Tracer
}

// NewHandler returns the HTTP API handler.
func NewHandler(log *slog.Logger, cancel Canceller, payments PaymentExecutor) *Handler {
	if log == nil {
		log = slog.Default()
	}
	return &Handler{
		log:      log.With("component", "http"),
		cancel:   cancel,
		payments: payments,
		tracer:   otel.Tracer("ordersaga/http"),
	}
}

// Routes builds the router. extra mounts additional handlers, for example the
// WebSocket hub at /ws and metrics at /metrics.
func (h *Handler) Routes(extra map[string]http.Handler) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Post("/orders/{id}/cancel", h.cancelOrder)
	r.Post("/orders/{id}/review/resolve", h.resolveReview)
	r.Post("/payments", h.executePayment)
	for pattern, handler := range extra {
		r.Handle(pattern, handler)
	}
	return r
}

type cancelRequest struct {
	UserID string `json:"userId"`
	Reason string `json:"reason"`
}

type cancelResponse struct {
	OrderID         string     `json:"orderId"`
	Success         bool       `json:"success"`
	Duplicate       bool       `json:"duplicate"`
	SagaID          string     `json:"sagaId,omitempty"`
	RefundInitiated bool       `json:"refundInitiated"`
	State           saga.State `json:"sagaState,omitempty"`
}

func (h *Handler) cancelOrder(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.Start(r.Context(), "CancelOrder")
	defer span.End()

	var body cancelRequest
	if !decodeOptional(w, r, &body) {
		return
	}
	id := chi.URLParam(r, "id")
	res := h.cancel.Cancel(ctx, orders.CancelRequest{
		OrderID:       id,
		UserID:        body.UserID,
		Reason:        body.Reason,
		CorrelationID: correlationID(r),
	})
	if res.Err != nil && !res.Success {
		h.fail(ctx, w, "cancel order", res.Err)
		return
	}
	writeJSON(w, http.StatusOK, cancelResponse{
		OrderID:         id,
		Success:         res.Success,
		Duplicate:       res.Duplicate,
		SagaID:          res.SagaID,
		RefundInitiated: res.RefundInitiated,
		State:           res.State,
	})
}

type resolveRequest struct {
	Note string `json:"note"`
}

func (h *Handler) resolveReview(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.Start(r.Context(), "ResolveManualReview")
	defer span.End()

	var body resolveRequest
	if !decodeOptional(w, r, &body) {
		return
	}
	o, err := h.cancel.ResolveManualReview(ctx, chi.URLParam(r, "id"), body.Note)
	if err != nil {
		h.fail(ctx, w, "resolve manual review", err)
		return
	}
	writeJSON(w, http.StatusOK, cancelResponse{OrderID: o.ID, Success: true, SagaID: o.Saga.SagaID, State: o.Saga.State})
}

type paymentRequest struct {
	OrderID     string `json:"orderId"`
	UserID      string `json:"userId"`
	AmountCents int64  `json:"amountCents"`
	Currency    string `json:"currency"`
	Method      string `json:"method"`
}

type paymentResponse struct {
	PaymentID string          `json:"paymentId"`
	OrderID   string          `json:"orderId"`
	Status    payments.Status `json:"status"`
	SagaID    string          `json:"sagaId"`
	Duplicate bool            `json:"duplicate"`
}

func (h *Handler) executePayment(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.Start(r.Context(), "ExecutePayment")
	defer span.End()

	var body paymentRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_INPUT", "invalid body")
		return
	}
	res := h.payments.Execute(ctx, payments.Request{
		OrderID:        body.OrderID,
		UserID:         body.UserID,
		AmountCents:    body.AmountCents,
		Currency:       body.Currency,
		Method:         body.Method,
		IdempotencyKey: strings.TrimSpace(r.Header.Get(headerIdempotencyKey)),
	}, payments.Metadata{CorrelationID: correlationID(r)})
	if !res.Success {
		h.fail(ctx, w, "execute payment", res.Err)
		return
	}
	status := http.StatusCreated
	if res.Duplicate {
		status = http.StatusOK
	}
	writeJSON(w, status, paymentResponse{
		PaymentID: res.Payment.ID,
		OrderID:   res.Payment.OrderID,
		Status:    res.Payment.Status,
		SagaID:    res.SagaID,
		Duplicate: res.Duplicate,
	})
}

func (h *Handler) fail(ctx context.Context, w http.ResponseWriter, op string, err error) {
	status, code := mapError(err)
	msg := "internal error"
	if err != nil && status < http.StatusInternalServerError {
		msg = err.Error()
	}
	if status >= http.StatusInternalServerError {
		h.log.ErrorContext(ctx, "http operation failed", "operation", op, "status_code", status, "err", err)
	} else {
		h.log.WarnContext(ctx, "http operation failed", "operation", op, "status_code", status, "err", err)
	}
	writeError(w, status, code, msg)
}

// decodeOptional decodes a JSON body when one is present.
func decodeOptional(w http.ResponseWriter, r *http.Request, into any) bool {
	if r.Body == nil || r.ContentLength == 0 {
		return true
	}
	if err := json.NewDecoder(r.Body).Decode(into); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "INVALID_INPUT", "invalid body")
		return false
	}
	return true
}

func correlationID(r *http.Request) string {
	if id := strings.TrimSpace(r.Header.Get(headerCorrelationID)); id != "" {
		return id
	}
	return middleware.GetReqID(r.Context())
}
