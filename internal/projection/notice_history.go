package projection

import (
	"sync"

	"DerivLedger/internal/event"

	"github.com/ethereum/go-ethereum/common"
)

// NoticeHistory keeps the most recent notices in memory for the API. It is a
// bounded ring; older notices live in projections.notices.
type NoticeHistory struct {
	mu       sync.RWMutex
	entries  []event.Notice
	next     int
	full     bool
	capacity int
}

func NewNoticeHistory(capacity int) *NoticeHistory {
	if capacity <= 0 {
		capacity = 10_000
	}
	return &NoticeHistory{entries: make([]event.Notice, capacity), capacity: capacity}
}

// Add records notices in commit order.
func (h *NoticeHistory) Add(notices ...event.Notice) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, n := range notices {
		h.entries[h.next] = n
		h.next = (h.next + 1) % h.capacity
		if h.next == 0 {
			h.full = true
		}
	}
}

// Query returns up to limit notices of contractID, newest first. A non-zero
// party keeps only notices naming it.
func (h *NoticeHistory) Query(contractID string, party common.Address, limit int) []event.Notice {
	h.mu.RLock()
	defer h.mu.RUnlock()

	n := h.next
	if h.full {
		n = h.capacity
	}
	result := make([]event.Notice, 0, min(limit, n))
	for i := 1; i <= n && len(result) < limit; i++ {
		e := h.entries[(h.next-i+h.capacity)%h.capacity]
		if e.ContractID != contractID {
			continue
		}
		if party != (common.Address{}) && e.Party != party && e.Counter != party {
			continue
		}
		result = append(result, e)
	}
	return result
}
