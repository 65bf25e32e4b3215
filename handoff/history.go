package handoff

import "sync"

// packageHistory is a capacity-bounded record of finished handoffs.
// Oldest entries are evicted first; unbounded growth is not allowed here —
// the dead-letter queue is the only deliberately unbounded store.
type packageHistory struct {
	mu       sync.Mutex
	capacity int
	order    []string
	byID     map[string]*Package
}

func newPackageHistory(capacity int) *packageHistory {
	if capacity <= 0 {
		capacity = 256
	}
	return &packageHistory{
		capacity: capacity,
		byID:     make(map[string]*Package),
	}
}

func (h *packageHistory) add(pkg *Package) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.byID[pkg.ID]; !ok {
		h.order = append(h.order, pkg.ID)
	}
	h.byID[pkg.ID] = pkg

	for len(h.order) > h.capacity {
		oldest := h.order[0]
		h.order = h.order[1:]
		delete(h.byID, oldest)
	}
}

// Get returns a recorded package by id.
func (h *packageHistory) Get(id string) (*Package, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	pkg, ok := h.byID[id]
	return pkg, ok
}

// List returns recorded packages oldest first.
func (h *packageHistory) List() []*Package {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]*Package, 0, len(h.order))
	for _, id := range h.order {
		out = append(out, h.byID[id])
	}
	return out
}

func (h *packageHistory) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.order)
}
