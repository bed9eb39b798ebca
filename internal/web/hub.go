package web

import "sync"

// hub fans views out to subscribers. Each subscriber holds at most one
// pending view; a newer view replaces an unread one so a slow client never
// blocks the call.
type hub struct {
	mu   sync.Mutex
	subs map[chan View]struct{}
}

func newHub() *hub {
	return &hub{subs: make(map[chan View]struct{})}
}

// subscribe registers a subscriber. The returned func unsubscribes it.
func (h *hub) subscribe() (<-chan View, func()) {
	ch := make(chan View, 1)
	h.mu.Lock()
	h.subs[ch] = struct{}{}
	h.mu.Unlock()
	return ch, func() {
		h.mu.Lock()
		delete(h.subs, ch)
		h.mu.Unlock()
	}
}

func (h *hub) broadcast(v View) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for ch := range h.subs {
		offer(ch, v)
	}
}

// offer puts v into ch, replacing any unread value.
func offer(ch chan View, v View) {
	for {
		select {
		case ch <- v:
			return
		default:
		}
		select {
		case <-ch:
		default:
		}
	}
}

// len reports the number of subscribers.
func (h *hub) len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}
