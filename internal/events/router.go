// Package events provides the channel-based pub/sub event router.
package events

import (
	"log/slog"
	"sync"
	"sync/atomic"
)

// DefaultBufferSize is the channel buffer used when Subscribe gets size <= 0.
const DefaultBufferSize = 100

// dropWarnEvery throttles the "subscriber behind" warning per subscriber.
const dropWarnEvery = 100

type subscription struct {
	name    string
	ch      chan Event
	dropped atomic.Int64
}

// Router fans events out from the training loop to its observers: the
// event log, the progress file, and the dashboard. Emit never blocks the
// loop; a subscriber that falls behind loses events and the loss is
// counted. A nil *Router is valid and discards everything.
type Router struct {
	mu      sync.RWMutex
	subs    []*subscription
	closed  bool
	dropped atomic.Int64
	logger  *slog.Logger
}

// NewRouter creates a router. A nil logger uses slog.Default.
func NewRouter(logger *slog.Logger) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	return &Router{logger: logger}
}

// Subscribe registers a named observer and returns its channel. The
// channel is closed by Unsubscribe or Close.
func (r *Router) Subscribe(name string, size int) <-chan Event {
	if size <= 0 {
		size = DefaultBufferSize
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		ch := make(chan Event)
		close(ch)
		return ch
	}
	sub := &subscription{name: name, ch: make(chan Event, size)}
	r.subs = append(r.subs, sub)
	return sub.ch
}

// Unsubscribe removes the subscription owning ch and closes it. Unknown
// channels are ignored.
func (r *Router) Unsubscribe(ch <-chan Event) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for i, sub := range r.subs {
		if sub.ch != ch {
			continue
		}
		r.subs = append(r.subs[:i], r.subs[i+1:]...)
		close(sub.ch)
		return
	}
}

// Emit delivers ev to every subscriber that has room for it. Safe for
// concurrent use and a no-op after Close.
func (r *Router) Emit(ev Event) {
	if r == nil {
		return
	}
	r.mu.RLock()
	defer r.mu.RUnlock()

	if r.closed {
		return
	}
	for _, sub := range r.subs {
		select {
		case sub.ch <- ev:
		default:
			r.drop(sub, ev)
		}
	}
}

func (r *Router) drop(sub *subscription, ev Event) {
	r.dropped.Add(1)
	n := sub.dropped.Add(1)
	if n == 1 || n%dropWarnEvery == 0 {
		r.logger.Warn("subscriber behind, dropping events",
			"subscriber", sub.name,
			"event_type", ev.Type(),
			"dropped", n)
	}
}

// Dropped returns the total number of undelivered events.
func (r *Router) Dropped() int64 {
	if r == nil {
		return 0
	}
	return r.dropped.Load()
}

// DroppedBy returns undelivered counts keyed by subscriber name, for
// subscribers that lost at least one event.
func (r *Router) DroppedBy() map[string]int64 {
	out := make(map[string]int64)
	if r == nil {
		return out
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, sub := range r.subs {
		if n := sub.dropped.Load(); n > 0 {
			out[sub.name] += n
		}
	}
	return out
}

// Close closes every subscriber channel. Later Emits are dropped silently
// and later Subscribes get a closed channel. Close is idempotent.
func (r *Router) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return
	}
	r.closed = true
	for _, sub := range r.subs {
		close(sub.ch)
	}
	r.subs = nil
}
