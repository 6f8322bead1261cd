package cdp

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// Session is a logical sub-channel over one Connection, scoped to a single
// attached target. Commands issued through a Session are tagged with its
// session ID but written by the Connection; events routed back to it feed its
// predicate waiters and subscribers in transport order.
//
// A Session holds only a routing reference to its Connection, never the other
// way around: the Connection's routing table is the single owning reference.
type Session struct {
	id       string
	targetID string
	conn     *Connection
	logger   *logrus.Entry

	// mu guards the closed flag and the waiter set. Never held while a
	// predicate runs or a waiter resolves.
	mu       sync.Mutex
	closed   bool
	reason   CloseReason
	waiters  map[*predicateWaiter]struct{}
	detached []func(CloseReason)
	notified bool

	handlers *handlerRegistry
	closedCh chan struct{}
}

func newSession(conn *Connection, id, targetID string, logger *logrus.Entry) *Session {
	return &Session{
		id:       id,
		targetID: targetID,
		conn:     conn,
		logger:   logger.WithField("sessionID", id),
		waiters:  make(map[*predicateWaiter]struct{}),
		handlers: newHandlerRegistry(),
		closedCh: make(chan struct{}),
	}
}

// ID returns the protocol session identifier.
func (s *Session) ID() string {
	return s.id
}

// TargetID returns the identifier of the attached target.
func (s *Session) TargetID() string {
	return s.targetID
}

// Send sends a command on this session with the default timeout.
func (s *Session) Send(method string, params interface{}) (json.RawMessage, error) {
	ctx, cancel := context.WithTimeout(context.Background(), DefaultTimeout)
	defer cancel()
	return s.SendContext(ctx, method, params)
}

// SendContext sends a command tagged with this session's ID. Fails with a
// ClosedTargetError if the session (or its connection) is already closed.
func (s *Session) SendContext(ctx context.Context, method string, params interface{}) (json.RawMessage, error) {
	s.mu.Lock()
	if s.closed {
		reason := s.reason
		s.mu.Unlock()
		return nil, &ClosedTargetError{Reason: reason}
	}
	s.mu.Unlock()

	return s.conn.SendContext(ctx, s.id, method, params)
}

// WaitForEvent blocks until an event on this session matches predicate. With
// a positive timeout the wait rejects with a TimeoutError when the deadline
// elapses first; it rejects with a ClosedTargetError when the session closes
// first. Whichever outcome fires first wins and the others are no-ops.
func (s *Session) WaitForEvent(ctx context.Context, predicate func(*Event) bool, timeout time.Duration) (*Event, error) {
	s.mu.Lock()
	if s.closed {
		reason := s.reason
		s.mu.Unlock()
		return nil, &ClosedTargetError{Reason: reason}
	}
	w := newPredicateWaiter(predicate)
	s.waiters[w] = struct{}{}
	if timeout > 0 {
		w.timer = time.AfterFunc(timeout, func() {
			if s.removeWaiter(w) {
				w.complete(nil, &TimeoutError{Timeout: timeout})
			}
		})
	}
	s.mu.Unlock()

	select {
	case res := <-w.ch:
		return res.event, res.err
	case <-ctx.Done():
		if s.removeWaiter(w) {
			w.complete(nil, ctx.Err())
		}
		return nil, ctx.Err()
	}
}

// removeWaiter removes w from the registry, reporting whether the caller won
// the removal and may resolve it. Removal-then-resolution is the single
// atomic step that keeps match, timeout and close from double-firing.
func (s *Session) removeWaiter(w *predicateWaiter) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.waiters[w]; !ok {
		return false
	}
	delete(s.waiters, w)
	return true
}

// Subscribe registers a handler for events on this session matching method
// (MethodAny for all). The returned function removes the handler.
func (s *Session) Subscribe(method string, fn func(Event)) (unsubscribe func()) {
	return s.handlers.subscribe(method, fn)
}

// OnDetached registers a hook fired exactly once when the session closes. A
// hook registered after that point is called immediately.
func (s *Session) OnDetached(fn func(CloseReason)) {
	s.mu.Lock()
	if s.notified {
		reason := s.reason
		s.mu.Unlock()
		fn(reason)
		return
	}
	s.detached = append(s.detached, fn)
	s.mu.Unlock()
}

// IsClosed reports whether the session has closed. Once set, the closed state
// never reverts.
func (s *Session) IsClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Reason returns the recorded close reason; meaningful once IsClosed is true.
func (s *Session) Reason() CloseReason {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reason
}

// Closed returns a channel closed when the session closes.
func (s *Session) Closed() <-chan struct{} {
	return s.closedCh
}

// Close closes the session explicitly, rejecting all of its outstanding
// commands and event waits. Idempotent.
func (s *Session) Close() {
	s.closeWith(ReasonExplicitClose)
}

// closeWith marks the session closed under reason and sweeps its waiters.
// The state flips before any rejection, in-flight commands reject before
// predicate waiters, and detach hooks fire last, exactly once.
func (s *Session) closeWith(reason CloseReason) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.reason = reason
	waiters := make([]*predicateWaiter, 0, len(s.waiters))
	for w := range s.waiters {
		waiters = append(waiters, w)
	}
	s.waiters = make(map[*predicateWaiter]struct{})
	s.mu.Unlock()

	close(s.closedCh)
	s.conn.dropSession(s.id)

	s.conn.failPending(s.id, reason)
	closedErr := &ClosedTargetError{Reason: reason}
	for _, w := range waiters {
		w.complete(nil, closedErr)
	}

	s.mu.Lock()
	hooks := s.detached
	s.detached = nil
	s.notified = true
	s.mu.Unlock()
	for _, fn := range hooks {
		fn(reason)
	}

	s.logger.WithField("reason", reason.String()).Debug("session closed")
}

// dispatchEvent feeds an inbound event to the predicate waiters, resolving
// and removing any that match, then republishes it to subscribers. Events for
// a closed session are logged and discarded.
func (s *Session) dispatchEvent(evt *Event) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		s.logger.WithField("method", evt.Method).Debug("discarding event for closed session")
		return
	}
	waiters := make([]*predicateWaiter, 0, len(s.waiters))
	for w := range s.waiters {
		waiters = append(waiters, w)
	}
	s.mu.Unlock()

	for _, w := range waiters {
		if w.predicate(evt) && s.removeWaiter(w) {
			w.complete(evt, nil)
		}
	}

	s.handlers.dispatch(*evt)
}
