package ribtable

import (
	"net/netip"
	"testing"
	"time"

	"github.com/route-beacon/rib-collector/internal/attrs"
	"github.com/route-beacon/rib-collector/internal/session"
	"github.com/route-beacon/rib-collector/internal/wire/bgp"
)

func v4key(cidr string) PrefixV4Key {
	return PrefixV4Key{Prefix: netip.MustParsePrefix(cidr)}
}

func TestApplyUpdateThenWithdraw(t *testing.T) {
	tbl := New[PrefixV4Key](OnlyDiffer, 10, 86400)
	a := &attrs.Attrs{HasOrigin: true}

	key := v4key("10.0.0.0/24")
	if !tbl.ApplyUpdate(1, 0, key, a) {
		t.Fatal("expected first update to be recorded")
	}
	if tbl.Len() != 1 {
		t.Fatalf("expected 1 route key, got %d", tbl.Len())
	}

	sm, ok := tbl.Get(key)
	if !ok {
		t.Fatal("expected key present")
	}
	latest, ok := sm.Latest(1, 0)
	if !ok || !latest.Active {
		t.Fatalf("expected active latest entry, got %+v ok=%v", latest, ok)
	}

	if !tbl.ApplyWithdraw(1, 0, key) {
		t.Fatal("expected withdraw to be recorded")
	}
	latest, ok = sm.Latest(1, 0)
	if !ok || latest.Active {
		t.Fatalf("expected inactive latest entry after withdraw, got %+v", latest)
	}
}

func TestWithdrawOfUnknownKeyIsNoop(t *testing.T) {
	tbl := New[PrefixV4Key](OnlyDiffer, 10, 86400)
	if tbl.ApplyWithdraw(1, 0, v4key("10.0.0.0/24")) {
		t.Fatal("expected withdraw of unknown route to be a no-op")
	}
	if tbl.Len() != 0 {
		t.Fatalf("expected no route keys created, got %d", tbl.Len())
	}
}

func TestOnlyDifferSkipsIdenticalRepeats(t *testing.T) {
	tbl := New[PrefixV4Key](OnlyDiffer, 10, 86400)
	a := &attrs.Attrs{HasOrigin: true}
	key := v4key("10.0.0.0/24")

	tbl.ApplyUpdate(1, 0, key, a)
	for i := 0; i < 1000; i++ {
		if tbl.ApplyUpdate(1, 0, key, a) {
			t.Fatalf("iteration %d: expected identical repeat to be skipped under OnlyDiffer", i)
		}
	}

	sm, _ := tbl.Get(key)
	var count int
	sm.Range(func(_ session.ID, p *PathIdMap) {
		p.Range(func(_ uint32, tm *TimeMap) { count = tm.Len() })
	})
	if count != 1 {
		t.Fatalf("expected history length 1, got %d", count)
	}
}

func TestEveryUpdateRecordsEachCall(t *testing.T) {
	tbl := New[PrefixV4Key](EveryUpdate, 5, 86400)
	a := &attrs.Attrs{HasOrigin: true}
	key := v4key("10.0.0.0/24")

	for i := 0; i < 10; i++ {
		tbl.ApplyUpdate(1, 0, key, a)
		// History is keyed by millisecond; a second update in the same
		// millisecond overwrites the first.
		time.Sleep(2 * time.Millisecond)
	}

	sm, _ := tbl.Get(key)
	var count int
	sm.Range(func(_ session.ID, p *PathIdMap) {
		p.Range(func(_ uint32, tm *TimeMap) { count = tm.Len() })
	})
	if count != 5 {
		t.Fatalf("expected history capped at depth 5, got %d", count)
	}
}

func TestTwoSessionsGetDistinctSubtrees(t *testing.T) {
	tbl := New[PrefixV4Key](OnlyDiffer, 10, 86400)
	key := v4key("10.0.0.0/24")
	tbl.ApplyUpdate(1, 0, key, &attrs.Attrs{HasOrigin: true})
	tbl.ApplyUpdate(2, 0, key, &attrs.Attrs{HasOrigin: true})

	if tbl.Len() != 1 {
		t.Fatalf("expected 1 route key shared across sessions, got %d", tbl.Len())
	}
	sm, _ := tbl.Get(key)
	var sessionCount int
	sm.Range(func(_ session.ID, _ *PathIdMap) { sessionCount++ })
	if sessionCount != 2 {
		t.Fatalf("expected 2 distinct session subtrees, got %d", sessionCount)
	}
}

func TestAscendRangeSupportsPrefixScan(t *testing.T) {
	tbl := New[PrefixV4Key](OnlyDiffer, 10, 86400)
	a := &attrs.Attrs{}
	tbl.ApplyUpdate(1, 0, v4key("10.0.0.0/24"), a)
	tbl.ApplyUpdate(1, 0, v4key("10.0.1.0/24"), a)
	tbl.ApplyUpdate(1, 0, v4key("192.168.0.0/24"), a)

	var found []string
	tbl.AscendRange(v4key("10.0.0.0/8"), v4key("11.0.0.0/8"), func(k PrefixV4Key, _ *SessionMap) bool {
		found = append(found, k.String())
		return true
	})
	if len(found) != 2 {
		t.Fatalf("expected 2 keys in 10.0.0.0/8 range, got %d: %v", len(found), found)
	}
}

func TestIndexByASN(t *testing.T) {
	tbl := New[PrefixV4Key](OnlyDiffer, 10, 86400)
	asPath := []bgp.ASPathSegment{{Type: bgp.ASPathSegmentSequence, ASNs: []uint32{65001, 65002}}}
	key := v4key("10.0.0.0/24")
	tbl.ApplyUpdate(1, 0, key, &attrs.Attrs{ASPath: &asPath})

	got := tbl.IndexByASN(65002)
	if len(got) != 1 || got[0].Compare(key) != 0 {
		t.Fatalf("expected index to resolve 65002 to %v, got %v", key, got)
	}
	if len(tbl.IndexByASN(65099)) != 0 {
		t.Fatal("expected no matches for an unrelated ASN")
	}
}
