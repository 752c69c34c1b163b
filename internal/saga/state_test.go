package saga

import (
	"errors"
	"fmt"
	"testing"
	"time"
)

func TestCanTransition(t *testing.T) {
	cases := []struct {
		from, to State
		want     bool
	}{
		{"", StateOrderCancelled, true},
		{StateInitiated, StateOrderCancelled, true},
		{StateOrderCancelled, StateStockReleaseRequested, true},
		{StateStockReleaseRequested, StateRefundRequested, true},
		{StateRefundRequested, StateCompleted, true},
		{StateStockReleased, StateStockReleaseRequested, false},
		{StateCompleted, StateConverged, true},
		{StateCompleted, StateFailed, false},
		{StateOrderCancelled, StateFailed, true},
		{StateFailed, StateCompensated, true},
		{StateFailed, StateCompleted, false},
		{StateFailed, StateFailed, false},
		{StateConverged, StateFailed, false},
		{StateCompensated, StateInitiated, false},
		{State("BOGUS"), StateCompleted, false},
	}
	for _, tc := range cases {
		if got := CanTransition(tc.from, tc.to); got != tc.want {
			t.Fatalf("CanTransition(%q, %q) = %v, want %v", tc.from, tc.to, got, tc.want)
		}
	}
}

func TestParseState(t *testing.T) {
	if s, err := ParseState("REFUND_REQUESTED"); err != nil || s != StateRefundRequested {
		t.Fatalf("expected REFUND_REQUESTED, got %q, %v", s, err)
	}
	if s, err := ParseState(""); err != nil || s != "" {
		t.Fatalf("expected empty state to parse, got %q, %v", s, err)
	}
	if _, err := ParseState("refund_requested"); !errors.Is(err, ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestMetadata_AdvanceStampsTransitions(t *testing.T) {
	now := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	var md Metadata
	if err := md.Advance(StateOrderCancelled, now); err != nil {
		t.Fatalf("advance: %v", err)
	}
	if err := md.Advance(StateStockReleaseRequested, now.Add(time.Second)); err != nil {
		t.Fatalf("advance: %v", err)
	}
	if err := md.Advance(StateOrderCancelled, now); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("expected invalid state moving backwards, got %v", err)
	}
	if got := md.LastTransition(); !got.Equal(now.Add(time.Second)) {
		t.Fatalf("unexpected last transition %v", got)
	}
}

func TestMetadata_AdvanceIfBehindIgnoresLateConfirmations(t *testing.T) {
	now := time.Now()
	md := Metadata{State: StateRefundRequested}
	if md.AdvanceIfBehind(StateStockReleased, now) {
		t.Fatalf("late stock confirmation must not move the state")
	}
	if md.State != StateRefundRequested {
		t.Fatalf("state changed to %q", md.State)
	}
	if !md.AdvanceIfBehind(StateRefundCompleted, now) {
		t.Fatalf("expected refund confirmation to advance")
	}
}

func TestMetadata_FailFlagsManualReview(t *testing.T) {
	now := time.Now()
	md := Metadata{State: StateStockReleaseRequested}
	if err := md.Fail("request_refund", fmt.Errorf("%w: broker down", ErrTransient), now); err != nil {
		t.Fatalf("fail: %v", err)
	}
	if md.State != StateFailed || !md.RequiresManualReview {
		t.Fatalf("unexpected metadata %+v", md)
	}
	if md.Failure == nil || md.Failure.Step != "request_refund" {
		t.Fatalf("expected failure diagnostics, got %+v", md.Failure)
	}
	if err := md.Advance(StateCompleted, now); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("FAILED must only lead to COMPENSATED, got %v", err)
	}
}

func TestMetadata_MergeFlagsNeverClears(t *testing.T) {
	prev := Metadata{StockReleased: true, RefundRequested: true}
	next := Metadata{StockReleaseRequested: true}
	next.MergeFlags(prev)
	if !next.StockReleased || !next.RefundRequested || !next.StockReleaseRequested {
		t.Fatalf("flags lost after merge: %+v", next)
	}
}

func TestMetadata_Converged(t *testing.T) {
	if (Metadata{StockReleased: true}).Converged() != true {
		t.Fatalf("offline cancellation converges on stock release")
	}
	if (Metadata{StockReleased: true, RefundRequested: true}).Converged() {
		t.Fatalf("pending refund must block convergence")
	}
	if !(Metadata{StockReleased: true, RefundRequested: true, RefundCompleted: true}).Converged() {
		t.Fatalf("expected convergence once refund completes")
	}
}

func TestKindOf(t *testing.T) {
	wrapped := fmt.Errorf("%w: rollback: %w", ErrCompensation, ErrTransient)
	if KindOf(wrapped) != KindCompensation {
		t.Fatalf("expected compensation kind, got %q", KindOf(wrapped))
	}
	if KindOf(fmt.Errorf("get: %w", ErrNotFound)) != KindNotFound {
		t.Fatalf("expected not found kind")
	}
	if KindOf(errors.New("boom")) != KindInternal {
		t.Fatalf("expected internal kind")
	}
	if KindOf(nil) != KindNone {
		t.Fatalf("expected no kind for nil")
	}
}
