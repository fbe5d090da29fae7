// Package notify delivers "something changed" signals for a clinic's tasks.
//
// Signals carry no payload. A subscriber that receives one is expected to
// refetch everything it shows; nothing here is merged incrementally because
// none of the feeds order events across rows.
package notify

import (
	"context"
	"sync"
)

// Unsubscribe stops a subscription. Calling it more than once, or after the
// feed itself has shut down, is safe.
type Unsubscribe func()

// Feed is a source of change signals scoped to a clinic.
type Feed interface {
	// Subscribe calls onChange after any insert, update or delete touching
	// clinicID's tasks. Calls are serialized per subscription and bursts are
	// coalesced, so onChange may run once for several changes. The
	// subscription ends when ctx is done or Unsubscribe is called.
	Subscribe(ctx context.Context, clinicID string, onChange func()) (Unsubscribe, error)
}

// Publisher forwards a change signal to subscribers in other processes.
type Publisher interface {
	Publish(ctx context.Context, clinicID string) error
}

type subscription struct {
	signal chan struct{}
	done   chan struct{}
	once   sync.Once
}

func newSubscription(ctx context.Context, onChange func()) *subscription {
	s := &subscription{
		signal: make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
	go func() {
		for {
			select {
			case <-s.done:
				return
			case <-ctx.Done():
				s.close()
				return
			case <-s.signal:
				onChange()
			}
		}
	}()
	return s
}

// notify never blocks: a pending signal already covers this change.
func (s *subscription) notify() {
	select {
	case s.signal <- struct{}{}:
	default:
	}
}

func (s *subscription) close() {
	s.once.Do(func() { close(s.done) })
}

func (s *subscription) closed() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}

// hub fans signals out to the subscriptions of each clinic.
type hub struct {
	mu   sync.RWMutex
	subs map[string]map[*subscription]struct{}
}

func (h *hub) add(ctx context.Context, clinicID string, onChange func()) Unsubscribe {
	s := newSubscription(ctx, onChange)
	h.mu.Lock()
	if h.subs == nil {
		h.subs = make(map[string]map[*subscription]struct{})
	}
	if h.subs[clinicID] == nil {
		h.subs[clinicID] = make(map[*subscription]struct{})
	}
	h.subs[clinicID][s] = struct{}{}
	h.mu.Unlock()

	return func() {
		h.mu.Lock()
		delete(h.subs[clinicID], s)
		if len(h.subs[clinicID]) == 0 {
			delete(h.subs, clinicID)
		}
		h.mu.Unlock()
		s.close()
	}
}

func (h *hub) publish(clinicID string) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for s := range h.subs[clinicID] {
		if !s.closed() {
			s.notify()
		}
	}
}

// publishAll signals every clinic, used after a feed reconnects and may have
// missed events.
func (h *hub) publishAll() {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, subs := range h.subs {
		for s := range subs {
			if !s.closed() {
				s.notify()
			}
		}
	}
}

func (h *hub) count(clinicID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs[clinicID])
}
