package reactive

import (
	"encoding/json"
	"sync"
)

// DefaultHistoryCapacity bounds the change history when no capacity is set.
const DefaultHistoryCapacity = 100

// ChangeRecord captures one applied mutation for diagnostics.
type ChangeRecord struct {
	Path      string `json:"path"`
	OldValue  any    `json:"old_value,omitempty"`
	NewValue  any    `json:"new_value,omitempty"`
	Source    string `json:"source"`
	Timestamp int64  `json:"timestamp"`
}

// History is a bounded FIFO ring of change records. It is never used to replay
// state.
type History struct {
	mu      sync.Mutex
	records []ChangeRecord
	start   int
	size    int
}

// NewHistory constructs a ring holding at most capacity records. Non-positive
// capacities fall back to DefaultHistoryCapacity.
func NewHistory(capacity int) *History {
	if capacity <= 0 {
		capacity = DefaultHistoryCapacity
	}
	return &History{records: make([]ChangeRecord, capacity)}
}

// Push appends record, evicting the oldest entry once the ring is full.
func (h *History) Push(record ChangeRecord) {
	h.mu.Lock()
	defer h.mu.Unlock()
	capacity := len(h.records)
	if h.size < capacity {
		h.records[(h.start+h.size)%capacity] = record
		h.size++
		return
	}
	h.records[h.start] = record
	h.start = (h.start + 1) % capacity
}

// Records returns the retained records ordered oldest first.
func (h *History) Records() []ChangeRecord {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]ChangeRecord, h.size)
	for i := 0; i < h.size; i++ {
		out[i] = h.records[(h.start+i)%len(h.records)]
	}
	return out
}

// Len returns the number of retained records.
func (h *History) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.size
}

// Cap returns the ring capacity.
func (h *History) Cap() int {
	return len(h.records)
}

// Clear drops every retained record.
func (h *History) Clear() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for i := range h.records {
		h.records[i] = ChangeRecord{}
	}
	h.start = 0
	h.size = 0
}

// ToJSON serialises the retained records for logging or inspection endpoints.
func (h *History) ToJSON() ([]byte, error) {
	return json.Marshal(h.Records())
}
