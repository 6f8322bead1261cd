package browser

import (
	"sync"

	"github.com/sirupsen/logrus"
)

// BrowserContext groups the pages that share one browser-side context (the
// default context has an empty identifier). It does not own its pages'
// sessions; closing it closes each page, which closes its session.
type BrowserContext struct {
	id     string
	logger *logrus.Entry

	mu     sync.Mutex
	pages  map[string]*Page // keyed by target ID
	closed bool
}

func newBrowserContext(id string, logger *logrus.Entry) *BrowserContext {
	return &BrowserContext{
		id:     id,
		logger: logger.WithField("browserContextID", id),
		pages:  make(map[string]*Page),
	}
}

// ID returns the browser context identifier; empty for the default context.
func (bc *BrowserContext) ID() string {
	return bc.id
}

// Pages returns the pages currently attached in this context.
func (bc *BrowserContext) Pages() []*Page {
	bc.mu.Lock()
	defer bc.mu.Unlock()
	pages := make([]*Page, 0, len(bc.pages))
	for _, p := range bc.pages {
		pages = append(pages, p)
	}
	return pages
}

// IsClosed reports whether the context has been closed.
func (bc *BrowserContext) IsClosed() bool {
	bc.mu.Lock()
	defer bc.mu.Unlock()
	return bc.closed
}

// Close closes this context and every page in it. Idempotent.
func (bc *BrowserContext) Close() {
	bc.mu.Lock()
	if bc.closed {
		bc.mu.Unlock()
		return
	}
	bc.closed = true
	pages := make([]*Page, 0, len(bc.pages))
	for _, p := range bc.pages {
		pages = append(pages, p)
	}
	bc.mu.Unlock()

	for _, p := range pages {
		p.Close()
	}
	bc.logger.Debug("browser context closed")
}

// markClosed flags the context closed without touching its pages; used by the
// browser-level cascade, where the connection close sweeps the sessions.
func (bc *BrowserContext) markClosed() {
	bc.mu.Lock()
	bc.closed = true
	bc.mu.Unlock()
}

func (bc *BrowserContext) addPage(p *Page) {
	bc.mu.Lock()
	bc.pages[p.TargetID()] = p
	bc.mu.Unlock()
}

func (bc *BrowserContext) removePage(targetID string) {
	bc.mu.Lock()
	delete(bc.pages, targetID)
	bc.mu.Unlock()
}
