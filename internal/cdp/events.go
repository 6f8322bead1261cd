package cdp

import "sync"

// MethodAny subscribes a handler to every event regardless of method.
const MethodAny = "*"

// handlerRegistry dispatches events to per-method subscribers in registration
// order, at most once per subscriber per event. Dispatch happens on the
// Connection's receive loop, so delivery order matches transport order.
type handlerRegistry struct {
	mu     sync.RWMutex
	nextID int64
	subs   map[string][]subscriber
}

type subscriber struct {
	id int64
	fn func(Event)
}

func newHandlerRegistry() *handlerRegistry {
	return &handlerRegistry{subs: make(map[string][]subscriber)}
}

// subscribe registers a handler for events matching method (or MethodAny).
// The returned function removes the handler; calling it twice is safe.
func (r *handlerRegistry) subscribe(method string, fn func(Event)) (unsubscribe func()) {
	r.mu.Lock()
	r.nextID++
	id := r.nextID
	r.subs[method] = append(r.subs[method], subscriber{id: id, fn: fn})
	r.mu.Unlock()

	return func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		subs := r.subs[method]
		for i, s := range subs {
			if s.id == id {
				r.subs[method] = append(subs[:i:i], subs[i+1:]...)
				return
			}
		}
	}
}

// dispatch calls every handler registered for the event's method, then every
// catch-all handler. Handlers run synchronously on the calling goroutine.
func (r *handlerRegistry) dispatch(evt Event) {
	r.mu.RLock()
	matched := r.subs[evt.Method]
	all := r.subs[MethodAny]
	handlers := make([]subscriber, 0, len(matched)+len(all))
	handlers = append(handlers, matched...)
	handlers = append(handlers, all...)
	r.mu.RUnlock()

	for _, s := range handlers {
		s.fn(evt)
	}
}
