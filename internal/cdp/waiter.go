package cdp

import (
	"encoding/json"
	"sync"
	"time"
)

// commandWaiter is the completion handle for one in-flight command.
// Exactly one call to complete takes effect; later calls are no-ops, so a
// normal response can never race a close sweep into a double resolution.
type commandWaiter struct {
	id        int64
	sessionID string
	once      sync.Once
	ch        chan commandResult
}

type commandResult struct {
	result json.RawMessage
	err    error
}

func newCommandWaiter(id int64, sessionID string) *commandWaiter {
	return &commandWaiter{
		id:        id,
		sessionID: sessionID,
		ch:        make(chan commandResult, 1),
	}
}

// complete resolves the waiter. The channel is buffered so completion never
// blocks, even if the caller has already abandoned the wait.
func (w *commandWaiter) complete(result json.RawMessage, err error) {
	w.once.Do(func() {
		w.ch <- commandResult{result: result, err: err}
	})
}

// predicateWaiter is the completion handle for one WaitForEvent call. It is
// resolved by the first of: a matching event, its deadline, or a close sweep.
type predicateWaiter struct {
	predicate func(*Event) bool
	once      sync.Once
	ch        chan eventResult

	// timer is set only when the wait carries a deadline. Stopped on
	// completion so an early match does not leave a timer running.
	timer *time.Timer
}

type eventResult struct {
	event *Event
	err   error
}

func newPredicateWaiter(predicate func(*Event) bool) *predicateWaiter {
	return &predicateWaiter{
		predicate: predicate,
		ch:        make(chan eventResult, 1),
	}
}

func (w *predicateWaiter) complete(evt *Event, err error) {
	w.once.Do(func() {
		if w.timer != nil {
			w.timer.Stop()
		}
		w.ch <- eventResult{event: evt, err: err}
	})
}
