package workflow

import "sync"

const defaultHistoryCapacity = 512

// executionHistory is a capacity-bounded store of finished execution
// results. The oldest entries are evicted first; unbounded growth of the
// history is deliberately impossible.
type executionHistory struct {
	mu       sync.RWMutex
	capacity int
	order    []string
	byID     map[string]*ExecutionResult
}

func newExecutionHistory(capacity int) *executionHistory {
	if capacity <= 0 {
		capacity = defaultHistoryCapacity
	}
	return &executionHistory{
		capacity: capacity,
		byID:     make(map[string]*ExecutionResult),
	}
}

func (h *executionHistory) add(result *ExecutionResult) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, exists := h.byID[result.ExecutionID]; !exists {
		h.order = append(h.order, result.ExecutionID)
	}
	h.byID[result.ExecutionID] = result

	for len(h.order) > h.capacity {
		evicted := h.order[0]
		h.order = h.order[1:]
		delete(h.byID, evicted)
	}
}

// Get returns one execution result by id.
func (h *executionHistory) Get(executionID string) (*ExecutionResult, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	result, ok := h.byID[executionID]
	return result, ok
}

// ByWorkflow returns retained results for a workflow id, oldest first.
func (h *executionHistory) ByWorkflow(workflowID string) []*ExecutionResult {
	h.mu.RLock()
	defer h.mu.RUnlock()
	var out []*ExecutionResult
	for _, id := range h.order {
		if h.byID[id].WorkflowID == workflowID {
			out = append(out, h.byID[id])
		}
	}
	return out
}

// ByStatus returns retained results with the given status, oldest first.
func (h *executionHistory) ByStatus(status ExecutionStatus) []*ExecutionResult {
	h.mu.RLock()
	defer h.mu.RUnlock()
	var out []*ExecutionResult
	for _, id := range h.order {
		if h.byID[id].Status == status {
			out = append(out, h.byID[id])
		}
	}
	return out
}

func (h *executionHistory) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.order)
}
