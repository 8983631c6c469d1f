package ribtable

import (
	"sort"
	"sync"

	"github.com/route-beacon/rib-collector/internal/attrs"
	"github.com/route-beacon/rib-collector/internal/clock"
	"github.com/route-beacon/rib-collector/internal/session"
)

// HistoryMode selects whether every ingested update appends a history
// entry, or only ones that actually change the route's state.
type HistoryMode int

const (
	// OnlyDiffer records a new entry only if it differs from the most
	// recent entry at the same (session, path-id): a withdraw is recorded
	// only when the prior entry was active, an update only when active
	// flips or the interned Attrs handle changes.
	OnlyDiffer HistoryMode = iota
	// EveryUpdate appends an entry for every ingested update or withdraw.
	EveryUpdate
)

// Entry is one timestamped history record.
type Entry struct {
	Active bool
	Attrs  *attrs.Attrs
	Labels []uint32
}

// timedEntry pairs an Entry with the timestamp it was recorded under.
// TimeMap keeps these sorted ascending by Timestamp.
type timedEntry struct {
	ts    clock.Timestamp
	entry Entry
}

// TimeMap is the innermost level of the history tree: every entry
// recorded for one (key, session, path-id), kept sorted ascending by
// timestamp and capped at history_depth.
type TimeMap struct {
	entries []timedEntry
}

// Latest returns the most recently recorded entry, if any.
func (tm *TimeMap) Latest() (Entry, bool) {
	if len(tm.entries) == 0 {
		return Entry{}, false
	}
	return tm.entries[len(tm.entries)-1].entry, true
}

// Len reports how many timestamped entries this leaf holds.
func (tm *TimeMap) Len() int { return len(tm.entries) }

// Descending calls fn for every entry newest-first, stopping early if fn
// returns false.
func (tm *TimeMap) Descending(fn func(ts clock.Timestamp, e Entry) bool) {
	for i := len(tm.entries) - 1; i >= 0; i-- {
		if !fn(tm.entries[i].ts, tm.entries[i].entry) {
			return
		}
	}
}

func (tm *TimeMap) insert(ts clock.Timestamp, e Entry, depth int) {
	idx := sort.Search(len(tm.entries), func(i int) bool { return tm.entries[i].ts >= ts })
	if idx < len(tm.entries) && tm.entries[idx].ts == ts {
		tm.entries[idx].entry = e
	} else {
		tm.entries = append(tm.entries, timedEntry{})
		copy(tm.entries[idx+1:], tm.entries[idx:])
		tm.entries[idx] = timedEntry{ts: ts, entry: e}
	}
	if depth > 0 {
		for len(tm.entries) > depth {
			tm.entries = tm.entries[1:] // evict oldest
		}
	}
}

// TimedEntry pairs a timestamp with the Entry recorded under it, exported
// so the snapshot codec can hand back a TimeMap's reconstructed contents
// without reaching into its private fields.
type TimedEntry struct {
	Timestamp clock.Timestamp
	Entry     Entry
}

// NewTimeMapFromHistory rebuilds a TimeMap from entries, which must
// already be sorted ascending by Timestamp. Used only by snapshot load;
// live ingest always goes through insert instead.
func NewTimeMapFromHistory(entries []TimedEntry) *TimeMap {
	tm := &TimeMap{entries: make([]timedEntry, len(entries))}
	for i, e := range entries {
		tm.entries[i] = timedEntry{ts: e.Timestamp, entry: e.Entry}
	}
	return tm
}

// PathIdMap maps an add-path identifier (0 when add-path is not in use)
// to that path's TimeMap.
type PathIdMap struct {
	paths map[uint32]*TimeMap
}

func newPathIdMap() *PathIdMap {
	return &PathIdMap{paths: make(map[uint32]*TimeMap)}
}

func (p *PathIdMap) timeMap(pathID uint32) *TimeMap {
	tm, ok := p.paths[pathID]
	if !ok {
		tm = &TimeMap{}
		p.paths[pathID] = tm
	}
	return tm
}

// Get returns the TimeMap for pathID without creating one.
func (p *PathIdMap) Get(pathID uint32) (*TimeMap, bool) {
	tm, ok := p.paths[pathID]
	return tm, ok
}

// Range calls fn for every (pathID, TimeMap) pair.
func (p *PathIdMap) Range(fn func(pathID uint32, tm *TimeMap)) {
	for id, tm := range p.paths {
		fn(id, tm)
	}
}

// NewPathIdMapFromHistory rebuilds a PathIdMap from pre-built per-path
// TimeMaps. Used only by snapshot load.
func NewPathIdMapFromHistory(paths map[uint32]*TimeMap) *PathIdMap {
	return &PathIdMap{paths: paths}
}

// SessionMap maps a session ID to that session's PathIdMap; this is the
// value type a RibTable stores per route key.
type SessionMap struct {
	mu       sync.RWMutex
	sessions map[session.ID]*PathIdMap
}

func newSessionMap() *SessionMap {
	return &SessionMap{sessions: make(map[session.ID]*PathIdMap)}
}

// NewSessionMapFromHistory rebuilds a SessionMap from pre-built per-session
// PathIdMaps. Used only by snapshot load.
func NewSessionMapFromHistory(sessions map[session.ID]*PathIdMap) *SessionMap {
	return &SessionMap{sessions: sessions}
}

// Range calls fn for every (sessionID, PathIdMap) pair under a read lock.
func (sm *SessionMap) Range(fn func(id session.ID, p *PathIdMap)) {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	for id, p := range sm.sessions {
		fn(id, p)
	}
}

// Latest returns the most recent entry recorded for (sid, pathID).
func (sm *SessionMap) Latest(sid session.ID, pathID uint32) (Entry, bool) {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	p, ok := sm.sessions[sid]
	if !ok {
		return Entry{}, false
	}
	tm, ok := p.Get(pathID)
	if !ok {
		return Entry{}, false
	}
	return tm.Latest()
}

// recordUpdate inserts an active entry, honoring mode and depth. Returns
// true if a new history entry was actually recorded.
func (sm *SessionMap) recordUpdate(sid session.ID, pathID uint32, a *attrs.Attrs, labels []uint32, mode HistoryMode, depth int) bool {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	p, ok := sm.sessions[sid]
	if !ok {
		p = newPathIdMap()
		sm.sessions[sid] = p
	}
	tm := p.timeMap(pathID)

	if mode == OnlyDiffer {
		if prev, ok := tm.Latest(); ok && prev.Active && prev.Attrs == a {
			return false
		}
	}

	tm.insert(clock.Now(), Entry{Active: true, Attrs: a, Labels: labels}, depth)
	return true
}

// recordWithdraw inserts an inactive entry for the latest known path at
// (sid, pathID). Returns false (a no-op) if nothing was ever recorded
// there, matching BGP's "withdraw of an unknown route is not an error"
// semantics.
func (sm *SessionMap) recordWithdraw(sid session.ID, pathID uint32, mode HistoryMode, depth int) bool {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	p, ok := sm.sessions[sid]
	if !ok {
		return false
	}
	tm, ok := p.Get(pathID)
	if !ok {
		return false
	}
	prev, ok := tm.Latest()
	if !ok {
		return false
	}

	if mode == OnlyDiffer && !prev.Active {
		return false
	}

	tm.insert(clock.Now(), Entry{Active: false, Attrs: prev.Attrs, Labels: prev.Labels}, depth)
	return true
}
