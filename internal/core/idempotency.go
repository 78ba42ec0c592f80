package core

import (
	"container/list"
	"fmt"

	"TrancheLedger/internal/observability"

	"github.com/rs/zerolog"
)

// IdempotencyChecker deduplicates commands in two tiers: an in-memory LRU
// of recent keys, then the persisted idempotency table.
type IdempotencyChecker struct {
	lru       *IdempotencyLRU
	dbChecker DBIdempotencyChecker
	metrics   *observability.Metrics
	logger    zerolog.Logger
}

// DBIdempotencyChecker is the interface for the persisted dedup lookup
type DBIdempotencyChecker interface {
	IsDuplicate(eventType string, idempotencyKey string) (bool, error)
}

func NewIdempotencyChecker(capacity int, dbChecker DBIdempotencyChecker, metrics *observability.Metrics) *IdempotencyChecker {
	return &IdempotencyChecker{
		lru:       NewIdempotencyLRU(capacity),
		dbChecker: dbChecker,
		metrics:   metrics,
		logger:    observability.NewLogger("idempotency"),
	}
}

// CompositeKey is the LRU key for a command.
func CompositeKey(eventType, idempotencyKey string) string {
	return fmt.Sprintf("%s:%s", eventType, idempotencyKey)
}

// IsDuplicate checks if a command has been processed (two-tier lookup)
func (ic *IdempotencyChecker) IsDuplicate(eventType string, idempotencyKey string) bool {
	key := CompositeKey(eventType, idempotencyKey)

	if ic.lru.Contains(key) {
		ic.recordDuplicate(eventType, "lru")
		return true
	}

	if ic.dbChecker == nil {
		return false
	}
	isDup, err := ic.dbChecker.IsDuplicate(eventType, idempotencyKey)
	if err != nil {
		// A database hiccup must not block processing; the event log's
		// unique key still rejects a true duplicate at write time.
		ic.logger.Warn().Err(err).Str("key", key).Msg("tier-2 idempotency lookup failed")
		return false
	}
	if isDup {
		ic.recordDuplicate(eventType, "db")
		ic.lru.Add(key)
		return true
	}
	return false
}

// MarkProcessed adds key to LRU after successful processing
func (ic *IdempotencyChecker) MarkProcessed(eventType string, idempotencyKey string) {
	ic.lru.Add(CompositeKey(eventType, idempotencyKey))
	if ic.metrics != nil {
		ic.metrics.DedupLRUSize.Set(float64(ic.lru.Size()))
	}
}

func (ic *IdempotencyChecker) recordDuplicate(eventType, tier string) {
	if ic.metrics != nil {
		ic.metrics.IdempotencyDuplicates.WithLabelValues(eventType, tier).Inc()
	}
}

// --- LRU Implementation ---

// IdempotencyLRU is an LRU cache for idempotency keys.
// Not thread-safe; guarded by the engine lock.
type IdempotencyLRU struct {
	capacity int
	cache    map[string]*list.Element
	lruList  *list.List

	evictions int64
}

func NewIdempotencyLRU(capacity int) *IdempotencyLRU {
	if capacity <= 0 {
		capacity = 1
	}
	return &IdempotencyLRU{
		capacity: capacity,
		cache:    make(map[string]*list.Element),
		lruList:  list.New(),
	}
}

// Contains checks if key exists (promotes to front)
func (lru *IdempotencyLRU) Contains(key string) bool {
	elem, exists := lru.cache[key]
	if exists {
		lru.lruList.MoveToFront(elem)
		return true
	}
	return false
}

// Add inserts a key (or promotes if exists)
func (lru *IdempotencyLRU) Add(key string) {
	if elem, exists := lru.cache[key]; exists {
		lru.lruList.MoveToFront(elem)
		return
	}
	lru.cache[key] = lru.lruList.PushFront(key)
	if lru.lruList.Len() > lru.capacity {
		lru.evictOldest()
	}
}

func (lru *IdempotencyLRU) evictOldest() {
	elem := lru.lruList.Back()
	if elem == nil {
		return
	}
	lru.lruList.Remove(elem)
	delete(lru.cache, elem.Value.(string))
	lru.evictions++
}

// WarmFromKeys loads composite keys, oldest first, so the newest end up
// most recently used.
func (lru *IdempotencyLRU) WarmFromKeys(keys []string) {
	for _, key := range keys {
		lru.Add(key)
	}
}

// Keys returns every cached key from least to most recently used.
func (lru *IdempotencyLRU) Keys() []string {
	out := make([]string, 0, lru.lruList.Len())
	for e := lru.lruList.Back(); e != nil; e = e.Prev() {
		out = append(out, e.Value.(string))
	}
	return out
}

// Size returns current number of entries
func (lru *IdempotencyLRU) Size() int {
	return lru.lruList.Len()
}

// Evictions returns total evictions
func (lru *IdempotencyLRU) Evictions() int64 {
	return lru.evictions
}
