package browser

import (
	"context"
	"encoding/json"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/grantcarthew/webmux/internal/cdp"
)

// closeTargetTimeout bounds the best-effort Target.closeTarget request issued
// when a single page is closed explicitly.
const closeTargetTimeout = 5 * time.Second

// Page wraps the session attached to one page target. It holds non-owning
// references to the session and the connection; lifetime is driven by the
// attach/detach events and the close cascade.
type Page struct {
	conn    *cdp.Connection
	session *cdp.Session
	info    cdp.TargetInfo
	logger  *logrus.Entry
}

func newPage(conn *cdp.Connection, session *cdp.Session, info cdp.TargetInfo, logger *logrus.Entry) *Page {
	return &Page{
		conn:    conn,
		session: session,
		info:    info,
		logger:  logger.WithField("targetID", info.TargetID),
	}
}

// TargetID returns the page's target identifier.
func (p *Page) TargetID() string {
	return p.info.TargetID
}

// URL returns the target URL reported at attach time.
func (p *Page) URL() string {
	return p.info.URL
}

// Session returns the underlying session.
func (p *Page) Session() *cdp.Session {
	return p.session
}

// Send sends a command on the page's session with the default timeout.
func (p *Page) Send(method string, params interface{}) (json.RawMessage, error) {
	return p.session.Send(method, params)
}

// SendContext sends a command on the page's session.
func (p *Page) SendContext(ctx context.Context, method string, params interface{}) (json.RawMessage, error) {
	return p.session.SendContext(ctx, method, params)
}

// WaitForEvent blocks until an event on this page matches predicate, the
// timeout elapses, or the page closes.
func (p *Page) WaitForEvent(ctx context.Context, predicate func(*cdp.Event) bool, timeout time.Duration) (*cdp.Event, error) {
	return p.session.WaitForEvent(ctx, predicate, timeout)
}

// Subscribe registers a handler for this page's events.
func (p *Page) Subscribe(method string, fn func(cdp.Event)) (unsubscribe func()) {
	return p.session.Subscribe(method, fn)
}

// IsClosed reports whether the page's session has closed.
func (p *Page) IsClosed() bool {
	return p.session.IsClosed()
}

// Close closes the page. The session closes first so every outstanding wait
// rejects the moment the page can no longer satisfy it; the remote target
// close that follows is best-effort. Idempotent.
func (p *Page) Close() {
	alreadyClosed := p.session.IsClosed()
	p.session.Close()
	if alreadyClosed {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), closeTargetTimeout)
	defer cancel()
	_, err := p.conn.SendContext(ctx, "", "Target.closeTarget", map[string]string{
		"targetId": p.info.TargetID,
	})
	if err != nil {
		p.logger.WithError(err).Debug("close target request failed")
	}
}
