package cdp

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
	"github.com/sirupsen/logrus"
)

// DefaultTimeout is the default timeout for CDP commands.
const DefaultTimeout = 30 * time.Second

const (
	methodTargetAttached = "Target.attachedToTarget"
	methodTargetDetached = "Target.detachedFromTarget"
)

// Connection owns the transport and multiplexes many logical sessions over
// it. A single receive loop reads frames in order and routes each one either
// to the pending command it answers or to the session it belongs to.
//
// Closing a Connection, for any reason, rejects every outstanding command and
// event wait with a ClosedTargetError carrying the close reason. The cascade
// runs on its own goroutine; Dispose blocks until it has finished.
type Connection struct {
	url    string
	conn   Conn
	logger *logrus.Entry

	// writeMu serializes frame writes so concurrent senders never interleave.
	writeMu sync.Mutex
	msgID   atomic.Int64

	// mu guards pending, sessions, the closed flag and the hook slices. It is
	// never held across a write, a read, or a waiter resolution.
	mu         sync.Mutex
	pending    map[int64]*commandWaiter
	sessions   map[string]*Session
	closed     bool
	reason     CloseReason
	onAttached []func(*Session, TargetInfo)
	onClosed   []func(CloseReason)
	notified   bool

	handlers *handlerRegistry

	closeOnce sync.Once
	closedCh  chan struct{} // closed the instant the state flips to closed
	drained   chan struct{} // closed once the cascade has fully finished
	done      chan struct{} // closed when the receive loop exits
}

// NewConnection creates a connection over an established transport and starts
// its receive loop. A nil logger falls back to the standard logrus logger.
func NewConnection(conn Conn, url string, logger *logrus.Entry) *Connection {
	if logger == nil {
		logger = logrus.NewEntry(logrus.StandardLogger())
	}
	c := &Connection{
		url:      url,
		conn:     conn,
		logger:   logger.WithField("wsURL", url),
		pending:  make(map[int64]*commandWaiter),
		sessions: make(map[string]*Session),
		handlers: newHandlerRegistry(),
		closedCh: make(chan struct{}),
		drained:  make(chan struct{}),
		done:     make(chan struct{}),
	}
	go c.recvLoop()
	return c
}

// Dial connects to a CDP endpoint and returns a new connection.
func Dial(ctx context.Context, wsURL string, logger *logrus.Entry) (*Connection, error) {
	conn, _, err := websocket.Dial(ctx, wsURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to CDP endpoint: %w", err)
	}
	return NewConnection(conn, wsURL, logger), nil
}

// Send sends a session-less (browser scoped) command with the default timeout.
func (c *Connection) Send(method string, params interface{}) (json.RawMessage, error) {
	ctx, cancel := context.WithTimeout(context.Background(), DefaultTimeout)
	defer cancel()
	return c.SendContext(ctx, "", method, params)
}

// SendContext sends a command tagged with sessionID (empty for browser scoped
// commands) and blocks until the response arrives, the context ends, or the
// connection closes. Fails immediately with a ClosedTargetError, without
// touching the transport, if the connection is already closed.
func (c *Connection) SendContext(ctx context.Context, sessionID, method string, params interface{}) (json.RawMessage, error) {
	w, err := c.registerCommand(sessionID)
	if err != nil {
		return nil, err
	}

	req := Request{
		ID:        w.id,
		Method:    method,
		Params:    params,
		SessionID: sessionID,
	}
	data, err := json.Marshal(req)
	if err != nil {
		c.takeWaiter(w.id)
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	c.writeMu.Lock()
	err = c.conn.Write(ctx, websocket.MessageText, data)
	c.writeMu.Unlock()
	if err != nil {
		if c.takeWaiter(w.id) == nil {
			// A close sweep got to the waiter first; surface its rejection
			// rather than the raw transport error.
			res := <-w.ch
			return nil, res.err
		}
		return nil, fmt.Errorf("failed to send request: %w", err)
	}

	select {
	case res := <-w.ch:
		return res.result, res.err
	case <-ctx.Done():
		c.takeWaiter(w.id)
		return nil, fmt.Errorf("request timed out: %w", ctx.Err())
	}
}

// registerCommand allocates a command ID and records its waiter. The closed
// check and the insertion happen under the same lock that Close flips the
// state under, so a command registered before the flip is always swept.
func (c *Connection) registerCommand(sessionID string) (*commandWaiter, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, &ClosedTargetError{Reason: c.reason}
	}
	w := newCommandWaiter(c.msgID.Add(1), sessionID)
	c.pending[w.id] = w
	return w, nil
}

// takeWaiter removes and returns the pending waiter for id, or nil if it was
// already resolved or never existed.
func (c *Connection) takeWaiter(id int64) *commandWaiter {
	c.mu.Lock()
	defer c.mu.Unlock()
	w := c.pending[id]
	delete(c.pending, id)
	return w
}

// failPending rejects every pending command waiter belonging to sessionID
// (all of them when sessionID is empty) with a ClosedTargetError.
func (c *Connection) failPending(sessionID string, reason CloseReason) {
	c.mu.Lock()
	var swept []*commandWaiter
	for id, w := range c.pending {
		if sessionID == "" || w.sessionID == sessionID {
			delete(c.pending, id)
			swept = append(swept, w)
		}
	}
	c.mu.Unlock()

	closedErr := &ClosedTargetError{Reason: reason}
	for _, w := range swept {
		w.complete(nil, closedErr)
	}
}

// Session returns the attached session with the given ID, or nil.
func (c *Connection) Session(id string) *Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessions[id]
}

// dropSession removes a session from the routing table so no further frames
// reach it.
func (c *Connection) dropSession(id string) {
	c.mu.Lock()
	delete(c.sessions, id)
	c.mu.Unlock()
}

// Subscribe registers a handler for session-less events matching method
// (MethodAny for all). The returned function removes the handler.
func (c *Connection) Subscribe(method string, fn func(Event)) (unsubscribe func()) {
	return c.handlers.subscribe(method, fn)
}

// OnAttached registers a hook called from the receive loop whenever a target
// attaches and a new session is created.
func (c *Connection) OnAttached(fn func(*Session, TargetInfo)) {
	c.mu.Lock()
	c.onAttached = append(c.onAttached, fn)
	c.mu.Unlock()
}

// OnClosed registers a hook fired exactly once when the close cascade has
// finished. A hook registered after that point is called immediately.
func (c *Connection) OnClosed(fn func(CloseReason)) {
	c.mu.Lock()
	if c.notified {
		reason := c.reason
		c.mu.Unlock()
		fn(reason)
		return
	}
	c.onClosed = append(c.onClosed, fn)
	c.mu.Unlock()
}

// IsClosed reports whether the connection has been marked closed.
func (c *Connection) IsClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// Reason returns the recorded close reason. Only meaningful once IsClosed
// reports true; exactly one reason is ever recorded.
func (c *Connection) Reason() CloseReason {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.reason
}

// Closed returns a channel that is closed the moment the connection is marked
// closed, before the waiter sweep runs.
func (c *Connection) Closed() <-chan struct{} {
	return c.closedCh
}

// Done returns a channel that is closed once the close cascade has finished:
// every waiter rejected, every session closed, the transport released.
func (c *Connection) Done() <-chan struct{} {
	return c.drained
}

// Close marks the connection closed and starts the close cascade. Idempotent;
// the first reason wins. The state flips synchronously, so any SendContext
// that starts after Close returns observes the closed state. The sweep itself
// runs on its own goroutine, which makes Close safe to call from the receive
// loop and from event handlers; observe completion through Done or Dispose.
func (c *Connection) Close(reason CloseReason) {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closed = true
		c.reason = reason
		c.mu.Unlock()
		close(c.closedCh)

		c.logger.WithField("reason", reason.String()).Debug("connection closing")
		go c.drain(reason)
	})
}

// Dispose closes the connection with ReasonExplicitClose and blocks until the
// cascade has finished and the receive loop has exited. By the time Dispose
// returns, the closed state is observable to any reader. It must not be
// called from an event handler: handlers run on the receive loop, which
// Dispose waits on.
func (c *Connection) Dispose() {
	c.Close(ReasonExplicitClose)
	<-c.drained
	<-c.done
}

// drain is the close cascade. Waiters resolve leaf-first: each session
// rejects its own waiters (and notifies its detach hooks) before the
// connection-level sweep, so callers observe rejection the moment the session
// can no longer satisfy them.
func (c *Connection) drain(reason CloseReason) {
	c.mu.Lock()
	sessions := make([]*Session, 0, len(c.sessions))
	for _, s := range c.sessions {
		sessions = append(sessions, s)
	}
	c.mu.Unlock()

	for _, s := range sessions {
		s.closeWith(reason)
	}

	c.failPending("", reason)

	if err := c.conn.Close(websocket.StatusNormalClosure, "connection closing"); err != nil {
		c.logger.WithError(err).Debug("transport close failed")
	}

	c.mu.Lock()
	hooks := c.onClosed
	c.onClosed = nil
	c.notified = true
	c.mu.Unlock()
	for _, fn := range hooks {
		fn(reason)
	}

	close(c.drained)
}

// recvLoop reads frames from the transport and dispatches them one at a time,
// preserving protocol order. It runs until the transport closes or fails.
func (c *Connection) recvLoop() {
	defer close(c.done)

	ctx := context.Background()
	for {
		_, data, err := c.conn.Read(ctx)
		if err != nil {
			c.terminate(err)
			return
		}

		resp, evt, err := parseMessage(data)
		if err != nil {
			c.logger.WithError(err).Debug("discarding malformed frame")
			continue
		}

		if resp != nil {
			c.dispatchResponse(resp)
			continue
		}
		c.dispatchEvent(evt)
	}
}

// terminate translates a transport failure into a close cascade. A read error
// while already closing is the expected result of releasing the transport and
// is ignored.
func (c *Connection) terminate(err error) {
	c.mu.Lock()
	alreadyClosed := c.closed
	c.mu.Unlock()
	if alreadyClosed {
		return
	}

	reason := ReasonTransportError
	switch websocket.CloseStatus(err) {
	case websocket.StatusNormalClosure, websocket.StatusGoingAway:
		reason = ReasonTransportClosed
	}
	c.logger.WithError(err).WithField("reason", reason.String()).Debug("transport terminated")
	c.Close(reason)
}

// dispatchResponse resolves the pending command matching the response ID.
// Removal and resolution form a single step, so a close sweep can never
// double-fire a waiter that a response already claimed.
func (c *Connection) dispatchResponse(resp *Response) {
	w := c.takeWaiter(resp.ID)
	if w == nil {
		c.logger.WithField("id", resp.ID).Debug("no pending command for response")
		return
	}
	if resp.Error != nil {
		w.complete(nil, resp.Error)
		return
	}
	w.complete(resp.Result, nil)
}

// dispatchEvent routes an event to its session, or to connection-level
// subscribers when it carries no session ID. Attach and detach events are
// handled here because they create and destroy the sessions themselves.
func (c *Connection) dispatchEvent(evt *Event) {
	switch evt.Method {
	case methodTargetAttached:
		c.handleAttached(evt)
		return
	case methodTargetDetached:
		c.handleDetached(evt)
		return
	}

	if evt.SessionID != "" {
		c.mu.Lock()
		s := c.sessions[evt.SessionID]
		c.mu.Unlock()
		if s == nil {
			c.logger.WithFields(logrus.Fields{
				"sessionID": evt.SessionID,
				"method":    evt.Method,
			}).Debug("discarding event for unknown session")
			return
		}
		s.dispatchEvent(evt)
		return
	}

	c.handlers.dispatch(*evt)
}

func (c *Connection) handleAttached(evt *Event) {
	var params struct {
		SessionID  string     `json:"sessionId"`
		TargetInfo TargetInfo `json:"targetInfo"`
	}
	if err := json.Unmarshal(evt.Params, &params); err != nil {
		c.logger.WithError(err).Debug("discarding malformed attach event")
		return
	}

	s := newSession(c, params.SessionID, params.TargetInfo.TargetID, c.logger)

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		c.logger.WithField("sessionID", params.SessionID).Debug("ignoring attach on closed connection")
		return
	}
	c.sessions[params.SessionID] = s
	hooks := make([]func(*Session, TargetInfo), len(c.onAttached))
	copy(hooks, c.onAttached)
	c.mu.Unlock()

	c.logger.WithFields(logrus.Fields{
		"sessionID": params.SessionID,
		"targetID":  params.TargetInfo.TargetID,
	}).Debug("session attached")

	for _, fn := range hooks {
		fn(s, params.TargetInfo)
	}
}

func (c *Connection) handleDetached(evt *Event) {
	var params struct {
		SessionID string `json:"sessionId"`
	}
	if err := json.Unmarshal(evt.Params, &params); err != nil {
		c.logger.WithError(err).Debug("discarding malformed detach event")
		return
	}

	c.mu.Lock()
	s := c.sessions[params.SessionID]
	c.mu.Unlock()
	if s == nil {
		c.logger.WithField("sessionID", params.SessionID).Debug("detach for unknown session")
		return
	}
	s.closeWith(ReasonTargetDetached)
}
