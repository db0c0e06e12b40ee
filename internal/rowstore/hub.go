package rowstore

import "sync"

// hub delivers per-thread change notifications to live-query observers.
// Callbacks carry no payload; observers re-query for the full row set.
type hub struct {
	mu   sync.Mutex
	subs map[int64]map[int]func()
	next int
}

func newHub() *hub {
	return &hub{subs: make(map[int64]map[int]func())}
}

func (h *hub) subscribe(threadID int64, fn func()) func() {
	h.mu.Lock()
	id := h.next
	h.next++
	if h.subs[threadID] == nil {
		h.subs[threadID] = make(map[int]func())
	}
	h.subs[threadID][id] = fn
	h.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			h.mu.Lock()
			if fns, ok := h.subs[threadID]; ok {
				delete(fns, id)
				if len(fns) == 0 {
					delete(h.subs, threadID)
				}
			}
			h.mu.Unlock()
		})
	}
}

func (h *hub) notify(threadIDs map[int64]struct{}) {
	if len(threadIDs) == 0 {
		return
	}

	h.mu.Lock()
	var fns []func()
	for threadID := range threadIDs {
		for _, fn := range h.subs[threadID] {
			fns = append(fns, fn)
		}
	}
	h.mu.Unlock()

	// Callbacks run outside the lock so an observer can cancel its own
	// subscription without deadlocking.
	for _, fn := range fns {
		fn()
	}
}
