package ribtable

import (
	"encoding/binary"
	"fmt"

	"github.com/google/btree"
	"github.com/route-beacon/rib-collector/internal/attrs"
	"github.com/route-beacon/rib-collector/internal/clock"
	"github.com/route-beacon/rib-collector/internal/session"
	"github.com/route-beacon/rib-collector/internal/wire/bgp"
)

const btreeDegree = 32

type item[K RouteKey] struct {
	key      K
	sessions *SessionMap
}

func lessItem[K RouteKey](a, b item[K]) bool {
	return a.key.Compare(b.key) < 0
}

// RibTable is the per-SAFI routing table: an ordered map from route key to
// a three-level (session, path-id, time) history tree, plus the four
// secondary indexes the filter engine consults.
type RibTable[K RouteKey] struct {
	tree *btree.BTreeG[item[K]]

	historyMode    HistoryMode
	historyDepth   int
	timeBucketSecs int

	idxASPath       *Index[K]
	idxCommunity    *Index[K]
	idxExtCommunity *Index[K]
	idxChanged      *Index[K]
}

// New creates an empty table with the given history policy.
func New[K RouteKey](mode HistoryMode, historyDepth, timeBucketSecs int) *RibTable[K] {
	return &RibTable[K]{
		tree:            btree.NewG(btreeDegree, lessItem[K]),
		historyMode:     mode,
		historyDepth:    historyDepth,
		timeBucketSecs:  timeBucketSecs,
		idxASPath:       newIndex[K](),
		idxCommunity:    newIndex[K](),
		idxExtCommunity: newIndex[K](),
		idxChanged:      newIndex[K](),
	}
}

func (t *RibTable[K]) sessionsFor(key K) *SessionMap {
	probe := item[K]{key: key}
	if found, ok := t.tree.Get(probe); ok {
		return found.sessions
	}
	sm := newSessionMap()
	t.tree.ReplaceOrInsert(item[K]{key: key, sessions: sm})
	return sm
}

// Get returns the session tree stored for key, if any.
func (t *RibTable[K]) Get(key K) (*SessionMap, bool) {
	found, ok := t.tree.Get(item[K]{key: key})
	if !ok {
		return nil, false
	}
	return found.sessions, true
}

// Len returns the number of distinct route keys in the table.
func (t *RibTable[K]) Len() int { return t.tree.Len() }

// Ascend visits every (key, sessions) pair in ascending key order.
func (t *RibTable[K]) Ascend(fn func(K, *SessionMap) bool) {
	t.tree.Ascend(func(it item[K]) bool { return fn(it.key, it.sessions) })
}

// AscendRange visits every entry with key in [lo, hi).
func (t *RibTable[K]) AscendRange(lo, hi K, fn func(K, *SessionMap) bool) {
	t.tree.AscendRange(item[K]{key: lo}, item[K]{key: hi}, func(it item[K]) bool {
		return fn(it.key, it.sessions)
	})
}

// ApplyUpdate records an active entry for key under (session, pathID) and
// feeds the secondary indexes from a. Returns whether a new history entry
// was actually recorded (false under OnlyDiffer when nothing changed).
func (t *RibTable[K]) ApplyUpdate(sid session.ID, pathID uint32, key K, a *attrs.Attrs) bool {
	sm := t.sessionsFor(key)
	recorded := sm.recordUpdate(sid, pathID, a, key.Labels(), t.historyMode, t.historyDepth)
	t.indexAttrs(key, a)
	return recorded
}

// ApplyWithdraw records an inactive entry for key under (session, pathID),
// a no-op if nothing was ever recorded there.
func (t *RibTable[K]) ApplyWithdraw(sid session.ID, pathID uint32, key K) bool {
	sm, ok := t.Get(key)
	if !ok {
		return false
	}
	return sm.recordWithdraw(sid, pathID, t.historyMode, t.historyDepth)
}

// TableEntry is one (key, history) pair as handed to Assign during
// snapshot load.
type TableEntry[K RouteKey] struct {
	Key      K
	Sessions *SessionMap
}

// Assign bulk-replaces the table's contents (used by snapshot load) and
// rebuilds every secondary index by a full scan of the new data.
func (t *RibTable[K]) Assign(entries []TableEntry[K]) {
	t.tree = btree.NewG(btreeDegree, lessItem[K])
	t.idxASPath.Clear()
	t.idxCommunity.Clear()
	t.idxExtCommunity.Clear()
	t.idxChanged.Clear()

	for _, e := range entries {
		t.tree.ReplaceOrInsert(item[K]{key: e.Key, sessions: e.Sessions})
		e.Sessions.Range(func(_ session.ID, p *PathIdMap) {
			p.Range(func(_ uint32, tm *TimeMap) {
				tm.Descending(func(ts clock.Timestamp, en Entry) bool {
					if en.Active && en.Attrs != nil {
						t.indexAttrsAt(e.Key, en.Attrs, ts)
					}
					return true
				})
			})
		})
	}
}

func (t *RibTable[K]) indexAttrs(key K, a *attrs.Attrs) {
	t.indexAttrsAt(key, a, clock.Now())
}

func (t *RibTable[K]) indexAttrsAt(key K, a *attrs.Attrs, ts clock.Timestamp) {
	if a == nil {
		return
	}
	if a.ASPath != nil {
		for _, seg := range *a.ASPath {
			for _, asn := range seg.ASNs {
				t.idxASPath.Add(fmt.Sprintf("%d", asn), key)
			}
		}
	}
	if a.Communities != nil {
		for _, c := range *a.Communities {
			t.idxCommunity.Add(fmt.Sprintf("%d:%d", c>>16, c&0xFFFF), key)
		}
	}
	if a.ExtCommunities != nil {
		for _, ec := range *a.ExtCommunities {
			if rt, ok := RouteTarget(ec); ok {
				t.idxExtCommunity.Add(rt, key)
			}
		}
	}
	bucket := ts.Bucket(t.timeBucketSecs)
	t.idxChanged.Add(fmt.Sprintf("%d", int64(bucket)), key)
}

// RouteTarget decodes ec as an RFC 4360 Route Target (subtype 0x02) of
// any of the three registered types, returning its canonical string form.
// Other subtypes (e.g. Site of Origin) are not indexed. Exported so the
// filter engine can render the same canonical form for an `rt:` term.
func RouteTarget(ec bgp.ExtCommunity) (string, bool) {
	typeHigh := ec[0] & 0x3F
	typeLow := ec[1]
	if typeLow != 0x02 {
		return "", false
	}
	switch typeHigh {
	case 0x00: // 2-octet AS : 4-octet number
		asn := binary.BigEndian.Uint16(ec[2:4])
		val := binary.BigEndian.Uint32(ec[4:8])
		return fmt.Sprintf("rt:%d:%d", asn, val), true
	case 0x01: // IPv4 : 2-octet number
		ip := fmt.Sprintf("%d.%d.%d.%d", ec[2], ec[3], ec[4], ec[5])
		val := binary.BigEndian.Uint16(ec[6:8])
		return fmt.Sprintf("rt:%s:%d", ip, val), true
	case 0x02: // 4-octet AS : 2-octet number
		asn := binary.BigEndian.Uint32(ec[2:6])
		val := binary.BigEndian.Uint16(ec[6:8])
		return fmt.Sprintf("rt:%d:%d", asn, val), true
	default:
		return "", false
	}
}

// IndexByASN returns every route key whose AS path contains asn.
func (t *RibTable[K]) IndexByASN(asn uint32) []K { return t.idxASPath.Lookup(fmt.Sprintf("%d", asn)) }

// IndexByCommunity returns every route key carrying the standard
// community hi:lo.
func (t *RibTable[K]) IndexByCommunity(hi, lo uint16) []K {
	return t.idxCommunity.Lookup(fmt.Sprintf("%d:%d", hi, lo))
}

// IndexByRouteTarget returns every route key carrying the given route
// target (rendered the same way RouteTarget renders it).
func (t *RibTable[K]) IndexByRouteTarget(rt string) []K { return t.idxExtCommunity.Lookup(rt) }

// IndexByChangedBucket returns every route key with a change in the given
// time bucket.
func (t *RibTable[K]) IndexByChangedBucket(bucket clock.Timestamp) []K {
	return t.idxChanged.Lookup(fmt.Sprintf("%d", int64(bucket)))
}
