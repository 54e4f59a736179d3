package replay

import (
	"container/list"
	"sync"
	"time"

	"github.com/marketwire/streamgate/internal/monitoring"
	"github.com/marketwire/streamgate/internal/types"
)

// hotEntry is one symbol's ring of recent points. The ring holds at most
// maxPoints; writes overwrite the oldest slot once full.
type hotEntry struct {
	symbol    string
	points    []types.CompressedPoint
	next      int
	filled    bool
	lastT     int64
	updatedAt time.Time
	element   *list.Element
}

// hotStore is the in-process tier: an LRU of per-symbol rings. Entry count
// is bounded by maxEntries and each entry expires ttl after its last write,
// so worst-case memory is maxEntries x maxPoints compressed points.
type hotStore struct {
	mu         sync.Mutex
	entries    map[string]*hotEntry
	lru        *list.List // front = most recently written
	maxEntries int
	maxPoints  int
	ttl        time.Duration
}

func newHotStore(maxEntries, maxPoints int, ttl time.Duration) *hotStore {
	return &hotStore{
		entries:    make(map[string]*hotEntry),
		lru:        list.New(),
		maxEntries: maxEntries,
		maxPoints:  maxPoints,
		ttl:        ttl,
	}
}

// add writes one point, creating the symbol's entry on demand and evicting
// the least recently written entry at capacity. Timestamps within one ring
// are forced strictly increasing so "after t" reads are unambiguous when a
// provider replays or reorders samples. The returned point carries the
// clamped timestamp actually stored, so both tiers record the same T.
func (h *hotStore) add(p types.CompressedPoint) types.CompressedPoint {
	h.mu.Lock()
	defer h.mu.Unlock()

	entry := h.entries[p.S]
	if entry == nil {
		if len(h.entries) >= h.maxEntries {
			h.evictOldestLocked()
		}
		entry = &hotEntry{
			symbol: p.S,
			points: make([]types.CompressedPoint, h.maxPoints),
		}
		entry.element = h.lru.PushFront(entry)
		h.entries[p.S] = entry
		monitoring.SetHotCacheEntries(len(h.entries))
	} else {
		h.lru.MoveToFront(entry.element)
	}

	if p.T <= entry.lastT {
		p.T = entry.lastT + 1
	}
	entry.lastT = p.T

	entry.points[entry.next] = p
	entry.next++
	if entry.next == len(entry.points) {
		entry.next = 0
		entry.filled = true
	}
	entry.updatedAt = time.Now()
	return p
}

// since returns the symbol's points with T > since, oldest first. Expired
// entries are dropped on contact.
func (h *hotStore) since(symbol string, since int64) []types.CompressedPoint {
	h.mu.Lock()
	defer h.mu.Unlock()

	entry := h.entries[symbol]
	if entry == nil {
		return nil
	}
	if time.Since(entry.updatedAt) > h.ttl {
		h.removeLocked(entry)
		return nil
	}

	n := entry.next
	if entry.filled {
		n = len(entry.points)
	}

	out := make([]types.CompressedPoint, 0, n)
	start := 0
	if entry.filled {
		start = entry.next
	}
	for i := 0; i < n; i++ {
		p := entry.points[(start+i)%len(entry.points)]
		if p.T > since {
			out = append(out, p)
		}
	}
	return out
}

// sweep drops every expired entry. Called periodically by the cache.
func (h *hotStore) sweep() int {
	h.mu.Lock()
	defer h.mu.Unlock()

	var expired []*hotEntry
	for _, entry := range h.entries {
		if time.Since(entry.updatedAt) > h.ttl {
			expired = append(expired, entry)
		}
	}
	for _, entry := range expired {
		h.removeLocked(entry)
	}
	return len(expired)
}

func (h *hotStore) size() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.entries)
}

func (h *hotStore) evictOldestLocked() {
	back := h.lru.Back()
	if back == nil {
		return
	}
	h.removeLocked(back.Value.(*hotEntry))
	monitoring.IncrementHotEviction()
}

func (h *hotStore) removeLocked(entry *hotEntry) {
	h.lru.Remove(entry.element)
	delete(h.entries, entry.symbol)
	monitoring.SetHotCacheEntries(len(h.entries))
}
