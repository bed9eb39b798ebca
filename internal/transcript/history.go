package transcript

import "sync"

// DefaultHistorySize is the number of items kept by [NewHistory] when no
// positive size is given.
const DefaultHistorySize = 10

// History is a bounded, ordered list of the most recent items. When full, the
// oldest item is evicted first.
//
// History is safe for concurrent use.
type History struct {
	mu    sync.Mutex
	size  int
	items []Item
}

// NewHistory returns a History keeping at most size items.
func NewHistory(size int) *History {
	if size <= 0 {
		size = DefaultHistorySize
	}
	return &History{size: size}
}

// Push appends items in order, evicting the oldest beyond the bound.
func (h *History) Push(items ...Item) {
	if len(items) == 0 {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.items = append(h.items, items...)
	if over := len(h.items) - h.size; over > 0 {
		h.items = append(h.items[:0:0], h.items[over:]...)
	}
}

// Items returns a copy of the items, oldest first.
func (h *History) Items() []Item {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]Item(nil), h.items...)
}

// Len returns the number of items held.
func (h *History) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.items)
}

// Clear removes all items.
func (h *History) Clear() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.items = nil
}
