package saga

import (
	"fmt"
	"time"
)

// State is the cancellation saga state persisted with the order.
type State string

const (
	StateInitiated             State = "INITIATED"
	StateOrderCancelled        State = "ORDER_CANCELLED"
	StateStockReleaseRequested State = "STOCK_RELEASE_REQUESTED"
	StateStockReleased         State = "STOCK_RELEASED"
	StateRefundRequested       State = "REFUND_REQUESTED"
	StateRefundCompleted       State = "REFUND_COMPLETED"
	// StateCompleted means every required step has been dispatched.
	StateCompleted State = "COMPLETED"
	// StateConverged means every dispatched step has been confirmed.
	StateConverged   State = "CONVERGED"
	StateFailed      State = "FAILED"
	StateCompensated State = "COMPENSATED"
)

// ParseState validates a stored state. The empty string is an order that never
// entered a saga.
func ParseState(raw string) (State, error) {
	s := State(raw)
	if s == "" || s.Valid() {
		return s, nil
	}
	return "", fmt.Errorf("%w: unknown saga state %q", ErrValidation, raw)
}

// Valid reports whether s is a known saga state.
func (s State) Valid() bool {
	_, ok := s.rank()
	return ok || s == StateFailed || s == StateCompensated
}

// rank orders the forward states. FAILED and COMPENSATED are off the line.
func (s State) rank() (int, bool) {
	switch s {
	case StateInitiated:
		return 0, true
	case StateOrderCancelled:
		return 1, true
	case StateStockReleaseRequested:
		return 2, true
	case StateStockReleased:
		return 3, true
	case StateRefundRequested:
		return 4, true
	case StateRefundCompleted:
		return 5, true
	case StateCompleted:
		return 6, true
	case StateConverged:
		return 7, true
	default:
		return 0, false
	}
}

// InProgress reports whether the saga still has steps left to dispatch.
func (s State) InProgress() bool {
	r, ok := s.rank()
	return ok && r < 6
}

// Terminal reports whether no transition leaves s.
func (s State) Terminal() bool {
	return s == StateConverged || s == StateCompensated
}

// Before reports whether s precedes other on the forward line.
func (s State) Before(other State) bool {
	a, okA := s.rank()
	b, okB := other.rank()
	return okA && okB && a < b
}

// CanTransition reports whether from -> to is allowed. An empty from is treated
// as INITIATED.
func CanTransition(from, to State) bool {
	if from == "" {
		from = StateInitiated
	}
	switch from {
	case StateInitiated, StateOrderCancelled, StateStockReleaseRequested,
		StateStockReleased, StateRefundRequested, StateRefundCompleted:
		if to == StateFailed {
			return true
		}
		return from.Before(to)
	case StateCompleted:
		return to == StateConverged
	case StateFailed:
		return to == StateCompensated
	case StateConverged, StateCompensated:
		return false
	default:
		return false
	}
}

// Failure records the step that pushed a saga into FAILED.
type Failure struct {
	Step  string    `json:"step"`
	Error string    `json:"error"`
	At    time.Time `json:"at"`
}

// Metadata is the saga progress stored inline on the order. Flags only ever go
// from false to true; use the Mark methods.
type Metadata struct {
	SagaID                string              `json:"sagaId,omitempty"`
	CorrelationID         string              `json:"correlationId,omitempty"`
	State                 State               `json:"sagaState,omitempty"`
	StockReleaseRequested bool                `json:"stockReleaseRequested"`
	StockReleased         bool                `json:"stockReleased"`
	RefundRequested       bool                `json:"refundRequested"`
	RefundCompleted       bool                `json:"refundCompleted"`
	RequiresManualReview  bool                `json:"requiresManualReview"`
	CancelledBy           string              `json:"cancelledBy,omitempty"`
	CancelReason          string              `json:"cancelReason,omitempty"`
	Transitions           map[State]time.Time `json:"transitions,omitempty"`
	Failure               *Failure            `json:"failure,omitempty"`
	// ResumedAt is when an invocation last claimed the saga to resume it.
	ResumedAt time.Time `json:"resumedAt,omitzero"`
}

// Advance moves the saga to next and stamps the transition.
func (m *Metadata) Advance(next State, at time.Time) error {
	if !CanTransition(m.State, next) {
		return fmt.Errorf("%w: saga %s cannot move from %q to %q", ErrInvalidState, m.SagaID, m.State, next)
	}
	m.State = next
	if m.Transitions == nil {
		m.Transitions = make(map[State]time.Time)
	}
	m.Transitions[next] = at.UTC()
	return nil
}

// AdvanceIfBehind advances only when next lies ahead of the current state.
// Confirmations that arrive late leave the state alone.
func (m *Metadata) AdvanceIfBehind(next State, at time.Time) bool {
	if m.State != "" && !m.State.Before(next) {
		return false
	}
	if !CanTransition(m.State, next) {
		return false
	}
	_ = m.Advance(next, at)
	return true
}

// Fail moves the saga to FAILED and flags it for manual review.
func (m *Metadata) Fail(step string, cause error, at time.Time) error {
	if m.State == StateFailed {
		return nil
	}
	if err := m.Advance(StateFailed, at); err != nil {
		return err
	}
	m.RequiresManualReview = true
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}
	m.Failure = &Failure{Step: step, Error: msg, At: at.UTC()}
	return nil
}

// Mark* set step flags. Flags only ever go from false to true.
func (m *Metadata) MarkStockReleaseRequested() { m.StockReleaseRequested = true }
func (m *Metadata) MarkStockReleased()         { m.StockReleased = true }
func (m *Metadata) MarkRefundRequested()       { m.RefundRequested = true }
func (m *Metadata) MarkRefundCompleted()       { m.RefundCompleted = true }

// Converged reports whether every dispatched step has been confirmed.
func (m Metadata) Converged() bool {
	if !m.StockReleased {
		return false
	}
	return !m.RefundRequested || m.RefundCompleted
}

// LastTransition returns the newest transition timestamp.
func (m Metadata) LastTransition() time.Time {
	var last time.Time
	for _, at := range m.Transitions {
		if at.After(last) {
			last = at
		}
	}
	return last
}

// MergeFlags ORs the flags of prev into m so a write can never clear one.
func (m *Metadata) MergeFlags(prev Metadata) {
	m.StockReleaseRequested = m.StockReleaseRequested || prev.StockReleaseRequested
	m.StockReleased = m.StockReleased || prev.StockReleased
	m.RefundRequested = m.RefundRequested || prev.RefundRequested
	m.RefundCompleted = m.RefundCompleted || prev.RefundCompleted
	m.RequiresManualReview = m.RequiresManualReview || prev.RequiresManualReview
}

// Clone returns a copy that shares no maps or pointers with m.
func (m Metadata) Clone() Metadata {
	out := m
	if m.Transitions != nil {
		out.Transitions = make(map[State]time.Time, len(m.Transitions))
		for k, v := range m.Transitions {
			out.Transitions[k] = v
		}
	}
	if m.Failure != nil {
		f := *m.Failure
		out.Failure = &f
	}
	return out
}
