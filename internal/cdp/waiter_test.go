package cdp

import (
	"encoding/json"
	"errors"
	"testing"
	"time"
)

func TestCommandWaiter_SingleResolution(t *testing.T) {
	t.Parallel()

	w := newCommandWaiter(1, "")
	w.complete(json.RawMessage(`{"ok":true}`), nil)
	w.complete(nil, errors.New("late rejection"))

	res := <-w.ch
	if res.err != nil {
		t.Fatalf("first resolution lost: %v", res.err)
	}
	if string(res.result) != `{"ok":true}` {
		t.Errorf("unexpected result: %s", string(res.result))
	}

	select {
	case <-w.ch:
		t.Error("waiter resolved twice")
	default:
	}
}

func TestCommandWaiter_RejectionWins(t *testing.T) {
	t.Parallel()

	w := newCommandWaiter(2, "S1")
	w.complete(nil, &ClosedTargetError{Reason: ReasonTransportError})
	w.complete(json.RawMessage(`{}`), nil)

	res := <-w.ch
	var closedErr *ClosedTargetError
	if !errors.As(res.err, &closedErr) {
		t.Fatalf("expected ClosedTargetError, got %v", res.err)
	}
	if closedErr.Reason != ReasonTransportError {
		t.Errorf("expected transport error reason, got %s", closedErr.Reason)
	}
}

func TestPredicateWaiter_EarlyMatchStopsTimer(t *testing.T) {
	t.Parallel()

	w := newPredicateWaiter(func(e *Event) bool { return true })
	w.timer = time.AfterFunc(time.Hour, func() {
		w.complete(nil, &TimeoutError{Timeout: 20 * time.Millisecond})
	})
	w.timer.Reset(20 * time.Millisecond)

	evt := &Event{Method: "Page.loadEventFired"}
	w.complete(evt, nil)

	time.Sleep(50 * time.Millisecond)

	res := <-w.ch
	if res.err != nil {
		t.Fatalf("match lost to timeout: %v", res.err)
	}
	if res.event != evt {
		t.Error("unexpected event in resolution")
	}
	select {
	case <-w.ch:
		t.Error("waiter resolved twice")
	default:
	}
}

func TestCloseReason_Strings(t *testing.T) {
	t.Parallel()

	cases := map[CloseReason]string{
		ReasonExplicitClose:   "explicit close",
		ReasonTargetDetached:  "target detached",
		ReasonTransportClosed: "transport closed",
		ReasonTransportError:  "transport error",
		CloseReason(99):       "unknown",
	}
	for reason, want := range cases {
		if got := reason.String(); got != want {
			t.Errorf("reason %d: expected %q, got %q", reason, want, got)
		}
	}
}
