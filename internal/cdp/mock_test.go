package cdp

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/sirupsen/logrus"
)

// testLogger returns a quiet logger for tests.
func testLogger(t *testing.T) *logrus.Entry {
	t.Helper()
	l := logrus.New()
	l.SetOutput(io.Discard)
	return logrus.NewEntry(l)
}

// mockConn implements the Conn interface with a scriptable inbound queue.
type mockConn struct {
	mu       sync.Mutex
	readCh   chan []byte
	written  [][]byte
	writeErr error
	closed   bool
	closeCh  chan struct{}
	closeErr error // returned from Read once closeCh fires
}

func newMockConn(messages ...[]byte) *mockConn {
	m := &mockConn{
		readCh:   make(chan []byte, len(messages)+16),
		closeCh:  make(chan struct{}),
		closeErr: errors.New("connection closed"),
	}
	for _, msg := range messages {
		m.readCh <- msg
	}
	return m
}

func (m *mockConn) Read(ctx context.Context) (websocket.MessageType, []byte, error) {
	select {
	case msg := <-m.readCh:
		return websocket.MessageText, msg, nil
	case <-m.closeCh:
		m.mu.Lock()
		defer m.mu.Unlock()
		return 0, nil, m.closeErr
	case <-ctx.Done():
		return 0, nil, ctx.Err()
	}
}

func (m *mockConn) Write(ctx context.Context, typ websocket.MessageType, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.writeErr != nil {
		return m.writeErr
	}
	if m.closed {
		return errors.New("connection closed")
	}
	m.written = append(m.written, data)
	return nil
}

func (m *mockConn) Close(code websocket.StatusCode, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.closed {
		m.closed = true
		close(m.closeCh)
	}
	return nil
}

// dropWith simulates the remote end closing the transport with err.
func (m *mockConn) dropWith(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.closed {
		m.closed = true
		m.closeErr = err
		close(m.closeCh)
	}
}

// queueFrame delivers a raw frame to the receive loop.
func (m *mockConn) queueFrame(data []byte) {
	m.readCh <- data
}

func (m *mockConn) getWritten() [][]byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	result := make([][]byte, len(m.written))
	copy(result, m.written)
	return result
}

// echoConn responds to every written request with a matching response.
type echoConn struct {
	mockConn
	result   json.RawMessage
	protoErr *Error
}

func newEchoConn(result string) *echoConn {
	c := &echoConn{result: json.RawMessage(result)}
	c.readCh = make(chan []byte, 64)
	c.closeCh = make(chan struct{})
	c.closeErr = errors.New("connection closed")
	return c
}

func newEchoConnWithError(code int, message string) *echoConn {
	c := newEchoConn("")
	c.protoErr = &Error{Code: code, Message: message}
	return c
}

func (c *echoConn) Write(ctx context.Context, typ websocket.MessageType, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return errors.New("connection closed")
	}
	c.written = append(c.written, data)

	var req Request
	if err := json.Unmarshal(data, &req); err != nil {
		return err
	}
	resp := Response{ID: req.ID, Result: c.result, Error: c.protoErr, SessionID: req.SessionID}
	respData, _ := json.Marshal(resp)
	c.readCh <- respData
	return nil
}

// attachFrame builds a Target.attachedToTarget event frame.
func attachFrame(sessionID, targetID, targetType, browserContextID string) []byte {
	evt := map[string]interface{}{
		"method": "Target.attachedToTarget",
		"params": map[string]interface{}{
			"sessionId": sessionID,
			"targetInfo": map[string]interface{}{
				"targetId":         targetID,
				"type":             targetType,
				"url":              "about:blank",
				"attached":         true,
				"browserContextId": browserContextID,
			},
			"waitingForDebugger": false,
		},
	}
	data, _ := json.Marshal(evt)
	return data
}

// detachFrame builds a Target.detachedFromTarget event frame.
func detachFrame(sessionID string) []byte {
	evt := map[string]interface{}{
		"method": "Target.detachedFromTarget",
		"params": map[string]interface{}{"sessionId": sessionID},
	}
	data, _ := json.Marshal(evt)
	return data
}

// eventFrame builds an event frame for the given session.
func eventFrame(method, sessionID, params string) []byte {
	evt := map[string]interface{}{
		"method": method,
		"params": json.RawMessage(params),
	}
	if sessionID != "" {
		evt["sessionId"] = sessionID
	}
	data, _ := json.Marshal(evt)
	return data
}

// attachSession connects a session through the attach event path and returns
// it once the connection has registered it.
func attachSession(t *testing.T, c *Connection, conn *mockConn, sessionID, targetID string) *Session {
	t.Helper()

	attached := make(chan *Session, 1)
	c.OnAttached(func(s *Session, info TargetInfo) {
		attached <- s
	})
	conn.queueFrame(attachFrame(sessionID, targetID, "page", "default"))

	select {
	case s := <-attached:
		return s
	case <-time.After(5 * time.Second):
		t.Fatal("timeout waiting for session to attach")
	}
	return nil
}
