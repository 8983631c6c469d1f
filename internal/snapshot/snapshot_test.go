package snapshot

import (
	"net/netip"
	"os"
	"path/filepath"
	"testing"

	"github.com/route-beacon/rib-collector/internal/rib"
	"github.com/route-beacon/rib-collector/internal/ribtable"
	"github.com/route-beacon/rib-collector/internal/session"
	"github.com/route-beacon/rib-collector/internal/wire/bgp"
	"go.uber.org/zap"
)

func testRibConfig() rib.Config {
	return rib.Config{
		HistoryMode:  ribtable.EveryUpdate,
		HistoryDepth: 10,
	}
}

func TestStoreLoadRoundTripPreservesTableContentsAndIndexes(t *testing.T) {
	r := rib.New(testRibConfig())
	registry := session.NewRegistry()
	sid := registry.Register(
		session.PeerDesc{Address: netip.MustParseAddr("192.0.2.1"), Open: bgp.OpenMessage{MyAS: 65001}},
		session.PeerDesc{Address: netip.MustParseAddr("192.0.2.2"), Open: bgp.OpenMessage{MyAS: 65002}},
	)

	lp := uint32(100)
	upd := &bgp.UpdateMessage{
		NLRI: []bgp.NLRIv4{
			{Prefix: netip.MustParsePrefix("203.0.113.0/24")},
			{Prefix: netip.MustParsePrefix("198.51.100.0/24")},
		},
		Attrs: bgp.PathAttrs{
			HasOrigin: true,
			Origin:    0,
			ASPath:    []bgp.ASPathSegment{{Type: 2, ASNs: []uint32{65002, 65003}}},
			LocalPref: &lp,
			Communities: []uint32{0x10203040},
		},
	}

	r.Lock()
	r.HandleUpdate(sid, upd)
	r.Unlock()

	if got := r.IPv4Unicast.Len(); got != 2 {
		t.Fatalf("expected 2 routes before snapshot, got %d", got)
	}
	byASN := r.IPv4Unicast.IndexByASN(65003)
	if len(byASN) != 2 {
		t.Fatalf("expected ASN index to find 2 routes before snapshot, got %d", len(byASN))
	}

	dir := t.TempDir()
	path := filepath.Join(dir, "rib.snapshot")
	if err := Store(path, r, zap.NewNop()); err != nil {
		t.Fatalf("Store: %v", err)
	}
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("snapshot file missing after Store: %v", err)
	}

	loaded := rib.New(testRibConfig())
	if err := Load(path, loaded); err != nil {
		t.Fatalf("Load: %v", err)
	}

	if got := loaded.IPv4Unicast.Len(); got != 2 {
		t.Fatalf("expected 2 routes after load, got %d", got)
	}

	key := ribtable.PrefixV4Key{Prefix: netip.MustParsePrefix("203.0.113.0/24")}
	sm, ok := loaded.IPv4Unicast.Get(key)
	if !ok {
		t.Fatalf("expected %v to survive round trip", key)
	}
	entry, ok := sm.Latest(sid, 0)
	if !ok {
		t.Fatalf("expected a latest history entry for %v", key)
	}
	if !entry.Active {
		t.Fatalf("expected reloaded entry to be active")
	}
	if entry.Attrs == nil || !entry.Attrs.HasOrigin {
		t.Fatalf("expected reloaded entry to retain HasOrigin, got %+v", entry.Attrs)
	}
	if entry.Attrs.LocalPref == nil || *entry.Attrs.LocalPref != 100 {
		t.Fatalf("expected reloaded entry to retain LocalPref=100, got %+v", entry.Attrs.LocalPref)
	}
	if entry.Attrs.ASPath == nil || len(*entry.Attrs.ASPath) != 1 || (*entry.Attrs.ASPath)[0].ASNs[1] != 65003 {
		t.Fatalf("expected reloaded entry to retain its AS path, got %+v", entry.Attrs.ASPath)
	}

	byASNAfter := loaded.IPv4Unicast.IndexByASN(65003)
	if len(byASNAfter) != 2 {
		t.Fatalf("expected ASN index re-derived from loaded data to find 2 routes, got %d", len(byASNAfter))
	}
}

func TestLoadOfMissingFileIsANoOp(t *testing.T) {
	r := rib.New(testRibConfig())
	path := filepath.Join(t.TempDir(), "does-not-exist.snapshot")
	if err := Load(path, r); err != nil {
		t.Fatalf("Load of a missing snapshot should be a no-op, got: %v", err)
	}
	if r.IPv4Unicast.Len() != 0 {
		t.Fatalf("expected an empty RIB, got %d routes", r.IPv4Unicast.Len())
	}
}

func TestStoreFailureLeavesNoTempFileBehind(t *testing.T) {
	r := rib.New(testRibConfig())
	// A directory component that cannot exist as a parent forces
	// os.CreateTemp to fail before any table is touched.
	path := filepath.Join(t.TempDir(), "missing-subdir", "rib.snapshot")
	if err := Store(path, r, zap.NewNop()); err == nil {
		t.Fatalf("expected Store to fail when its directory does not exist")
	}

	entries, err := os.ReadDir(filepath.Dir(path))
	if err == nil {
		for _, e := range entries {
			t.Fatalf("expected no leftover files, found %s", e.Name())
		}
	}
}
