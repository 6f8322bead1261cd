// Package browser provides the target hierarchy on top of the cdp connection
// layer: a Browser owns the connection, groups attached pages into browser
// contexts, and drives the top-down close cascade.
package browser

import (
	"context"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/grantcarthew/webmux/internal/cdp"
)

// Browser is a client attached to a running browser's debugging endpoint. It
// owns the Connection; pages and contexts hold only routing references.
type Browser struct {
	conn   *cdp.Connection
	logger *logrus.Entry

	mu       sync.Mutex
	contexts map[string]*BrowserContext
	closed   bool
	onPage   []func(*Page)
}

// Connect dials the browser's debugging endpoint and enables auto-attach so
// every page target becomes a session.
func Connect(ctx context.Context, opts Options) (*Browser, error) {
	opts = opts.withDefaults()
	if opts.WSURL == "" {
		return nil, fmt.Errorf("no websocket debugger URL configured")
	}

	dialCtx, cancel := context.WithTimeout(ctx, opts.DialTimeout.Duration)
	defer cancel()
	conn, err := cdp.Dial(dialCtx, opts.WSURL, opts.Logger)
	if err != nil {
		return nil, err
	}

	b := NewBrowser(conn, opts.Logger)
	if err := b.bootstrap(ctx); err != nil {
		conn.Dispose()
		return nil, err
	}
	return b, nil
}

// NewBrowser builds a Browser over an existing connection and registers for
// target attachment. Most callers want Connect instead.
func NewBrowser(conn *cdp.Connection, logger *logrus.Entry) *Browser {
	if logger == nil {
		logger = logrus.NewEntry(logrus.StandardLogger())
	}
	b := &Browser{
		conn:     conn,
		logger:   logger,
		contexts: make(map[string]*BrowserContext),
	}
	conn.OnAttached(b.onAttached)
	return b
}

// bootstrap asks the browser to attach to every current and future target.
func (b *Browser) bootstrap(ctx context.Context) error {
	_, err := b.conn.SendContext(ctx, "", "Target.setAutoAttach", map[string]interface{}{
		"autoAttach":             true,
		"waitForDebuggerOnStart": false,
		"flatten":                true,
	})
	if err != nil {
		return fmt.Errorf("failed to enable auto-attach: %w", err)
	}
	return nil
}

// Conn returns the underlying connection.
func (b *Browser) Conn() *cdp.Connection {
	return b.conn
}

// OnPage registers a hook called whenever a page target attaches.
func (b *Browser) OnPage(fn func(*Page)) {
	b.mu.Lock()
	b.onPage = append(b.onPage, fn)
	b.mu.Unlock()
}

// Contexts returns the known browser contexts.
func (b *Browser) Contexts() []*BrowserContext {
	b.mu.Lock()
	defer b.mu.Unlock()
	contexts := make([]*BrowserContext, 0, len(b.contexts))
	for _, bc := range b.contexts {
		contexts = append(contexts, bc)
	}
	return contexts
}

// Pages returns every attached page across all contexts.
func (b *Browser) Pages() []*Page {
	var pages []*Page
	for _, bc := range b.Contexts() {
		pages = append(pages, bc.Pages()...)
	}
	return pages
}

// Close starts the close cascade: contexts and pages are marked closed, then
// the connection closes, which rejects every session's outstanding waiters
// leaf-first. Idempotent. Use Dispose to block until the cascade finishes.
func (b *Browser) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	contexts := make([]*BrowserContext, 0, len(b.contexts))
	for _, bc := range b.contexts {
		contexts = append(contexts, bc)
	}
	b.mu.Unlock()

	for _, bc := range contexts {
		bc.markClosed()
	}
	b.conn.Close(cdp.ReasonExplicitClose)
}

// Dispose closes the browser and blocks until the close is fully observable:
// every waiter rejected and the transport released.
func (b *Browser) Dispose() {
	b.Close()
	b.conn.Dispose()
}

// onAttached runs on the connection's receive loop for every new session.
func (b *Browser) onAttached(s *cdp.Session, info cdp.TargetInfo) {
	if info.Type != "page" {
		b.logger.WithFields(logrus.Fields{
			"targetID": info.TargetID,
			"type":     info.Type,
		}).Debug("ignoring non-page target")
		return
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	bc, ok := b.contexts[info.BrowserContextID]
	if !ok {
		bc = newBrowserContext(info.BrowserContextID, b.logger)
		b.contexts[info.BrowserContextID] = bc
	}
	page := newPage(b.conn, s, info, b.logger)
	hooks := make([]func(*Page), len(b.onPage))
	copy(hooks, b.onPage)
	b.mu.Unlock()

	bc.addPage(page)
	s.OnDetached(func(reason cdp.CloseReason) {
		bc.removePage(info.TargetID)
	})

	for _, fn := range hooks {
		fn(page)
	}
}
