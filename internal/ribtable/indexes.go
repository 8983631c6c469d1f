package ribtable

import "sync"

// Index is a secondary index from an opaque string-encoded attribute
// value (an ASN, a community, a route-target, a change-time bucket) to
// the set of route keys carrying that value. Entries are additive only:
// a withdraw leaves history in place, so index membership built from past
// updates stays valid for queries that include inactive history.
type Index[K RouteKey] struct {
	mu   sync.RWMutex
	data map[string]map[string]K
}

func newIndex[K RouteKey]() *Index[K] {
	return &Index[K]{data: make(map[string]map[string]K)}
}

// Add records that key carries indexKey.
func (ix *Index[K]) Add(indexKey string, key K) {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	set, ok := ix.data[indexKey]
	if !ok {
		set = make(map[string]K)
		ix.data[indexKey] = set
	}
	set[key.String()] = key
}

// Lookup returns every key recorded under indexKey.
func (ix *Index[K]) Lookup(indexKey string) []K {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	set, ok := ix.data[indexKey]
	if !ok {
		return nil
	}
	out := make([]K, 0, len(set))
	for _, k := range set {
		out = append(out, k)
	}
	return out
}

// Clear empties the index; used before a full index rebuild on snapshot
// load.
func (ix *Index[K]) Clear() {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	ix.data = make(map[string]map[string]K)
}

// Len reports the number of distinct index keys tracked.
func (ix *Index[K]) Len() int {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	return len(ix.data)
}
