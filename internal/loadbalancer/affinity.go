package loadbalancer

import (
	"container/heap"
	"sync"
	"time"
)

// affinityMap binds session ids to channel ids with a TTL. Expiry is
// handled by one background sweep over a min-heap of (expiry, session)
// rather than a timer per session.
type affinityMap struct {
	mu      sync.Mutex
	ttl     time.Duration
	entries map[string]affinityEntry
	expiry  expiryHeap
}

type affinityEntry struct {
	channelID string
	expiresAt time.Time
}

func newAffinityMap(ttl time.Duration) *affinityMap {
	return &affinityMap{
		ttl:     ttl,
		entries: make(map[string]affinityEntry),
	}
}

func (m *affinityMap) get(sessionID string) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[sessionID]
	if !ok {
		return "", false
	}
	if time.Now().After(e.expiresAt) {
		delete(m.entries, sessionID)
		return "", false
	}
	return e.channelID, true
}

func (m *affinityMap) put(sessionID, channelID string) {
	expires := time.Now().Add(m.ttl)
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[sessionID] = affinityEntry{channelID: channelID, expiresAt: expires}
	heap.Push(&m.expiry, expiryItem{at: expires, sessionID: sessionID})
}

func (m *affinityMap) delete(sessionID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.entries, sessionID)
}

// sweep pops due heap items and deletes matching map entries. A session
// refreshed after its heap item was pushed survives: the map holds the
// newer expiry, and a later heap item covers it.
func (m *affinityMap) sweep(now time.Time) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	removed := 0
	for m.expiry.Len() > 0 {
		top := m.expiry[0]
		if top.at.After(now) {
			break
		}
		heap.Pop(&m.expiry)
		if e, ok := m.entries[top.sessionID]; ok && !e.expiresAt.After(now) {
			delete(m.entries, top.sessionID)
			removed++
		}
	}
	return removed
}

func (m *affinityMap) len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}

type expiryItem struct {
	at        time.Time
	sessionID string
}

type expiryHeap []expiryItem

func (h expiryHeap) Len() int            { return len(h) }
func (h expiryHeap) Less(i, j int) bool  { return h[i].at.Before(h[j].at) }
func (h expiryHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *expiryHeap) Push(x any)         { *h = append(*h, x.(expiryItem)) }
func (h *expiryHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}
