package rib

import (
	"net/netip"
	"testing"
	"time"

	"github.com/route-beacon/rib-collector/internal/ribtable"
	"github.com/route-beacon/rib-collector/internal/wire/bgp"
)

func newTestRib() *Rib {
	return New(Config{
		HistoryMode:    ribtable.OnlyDiffer,
		HistoryDepth:   10,
		TimeBucketSecs: 86400,
	})
}

func TestHandleUpdateBaseIPv4Unicast(t *testing.T) {
	r := newTestRib()
	prefix := netip.MustParsePrefix("192.0.2.0/24")
	upd := &bgp.UpdateMessage{
		NLRI: []bgp.NLRIv4{{Prefix: prefix}},
		Attrs: bgp.PathAttrs{
			HasOrigin:  true,
			Origin:     bgp.OriginIGP,
			HasNextHop: true,
			NextHop:    netip.MustParseAddr("198.51.100.1"),
			ASPath:     []bgp.ASPathSegment{{Type: bgp.ASPathSegmentSequence, ASNs: []uint32{65001}}},
		},
	}

	r.HandleUpdate(1, upd)

	if r.Counters.Updates != 1 {
		t.Fatalf("expected 1 update counted, got %d", r.Counters.Updates)
	}
	sm, ok := r.IPv4Unicast.Get(ribtable.PrefixV4Key{Prefix: prefix})
	if !ok {
		t.Fatal("expected prefix present in ipv4 unicast table")
	}
	latest, ok := sm.Latest(1, 0)
	if !ok || !latest.Active {
		t.Fatalf("expected active latest entry, got %+v ok=%v", latest, ok)
	}
	if !latest.Attrs.HasNextHop || latest.Attrs.NextHop.String() != "198.51.100.1" {
		t.Fatalf("unexpected next hop: %+v", latest.Attrs)
	}
}

func TestHandleUpdateThenWithdrawBaseIPv4Unicast(t *testing.T) {
	r := newTestRib()
	prefix := netip.MustParsePrefix("192.0.2.0/24")
	r.HandleUpdate(1, &bgp.UpdateMessage{
		NLRI:  []bgp.NLRIv4{{Prefix: prefix}},
		Attrs: bgp.PathAttrs{HasOrigin: true},
	})
	r.HandleUpdate(1, &bgp.UpdateMessage{
		WithdrawnRoutes: []bgp.NLRIv4{{Prefix: prefix}},
	})

	if r.Counters.Withdraws != 1 {
		t.Fatalf("expected 1 withdraw counted, got %d", r.Counters.Withdraws)
	}
	sm, _ := r.IPv4Unicast.Get(ribtable.PrefixV4Key{Prefix: prefix})
	latest, ok := sm.Latest(1, 0)
	if !ok || latest.Active {
		t.Fatalf("expected inactive latest entry after withdraw, got %+v", latest)
	}
}

func TestHandleUpdateVPNv4UnicastViaMPReach(t *testing.T) {
	r := newTestRib()

	var rd ribtable.RD
	copy(rd[:], []byte{0, 0, 0, 0, 0, 100, 0, 1}) // type 0: ASN 100 : 1
	label := uint32(1000)
	prefix := netip.MustParsePrefix("10.1.1.0/24")

	nlriBytes := encodeVPNUnicastNLRI(rd, label, prefix)
	nextHop := append(append([]byte{}, rd[:]...), netip.MustParseAddr("203.0.113.1").AsSlice()...)

	upd := &bgp.UpdateMessage{
		Attrs: bgp.PathAttrs{HasOrigin: true},
		MPReach: []bgp.MPReach{{
			AFI:     bgp.AFIIPv4,
			SAFI:    bgp.SAFIMPLSVPN,
			NextHop: nextHop,
			NLRI:    nlriBytes,
		}},
	}
	r.HandleUpdate(1, upd)

	key := ribtable.LabeledRDPrefixKey{RD: rd, Label: label, Prefix: prefix}
	sm, ok := r.VPNv4Unicast.Get(key)
	if !ok {
		t.Fatal("expected vpnv4 unicast route present")
	}
	latest, ok := sm.Latest(1, 0)
	if !ok || !latest.Active {
		t.Fatalf("expected active entry, got %+v ok=%v", latest, ok)
	}
	if !latest.Attrs.HasNextHopRD {
		t.Fatal("expected RD-tagged next hop to be recorded")
	}
}

// encodeVPNUnicastNLRI builds one RFC 4364 L3VPN NLRI entry matching the
// format ribtable.DecodeVPNUnicast expects, for use as test fixture data.
func encodeVPNUnicastNLRI(rd ribtable.RD, label uint32, prefix netip.Prefix) []byte {
	bits := prefix.Bits()
	totalBits := 24 + 64 + bits
	shifted := label << 4
	out := []byte{byte(totalBits)}
	out = append(out, byte(shifted>>16), byte(shifted>>8), byte(shifted))
	out = append(out, rd[:]...)
	addrBytes := prefix.Addr().AsSlice()
	byteLen := (bits + 7) / 8
	out = append(out, addrBytes[:byteLen]...)
	return out
}

func TestNeedsPurgeOnWithdrawThreshold(t *testing.T) {
	r := New(Config{
		HistoryMode:         ribtable.OnlyDiffer,
		HistoryDepth:        10,
		TimeBucketSecs:      86400,
		PurgeAfterWithdraws: 2,
	})
	if r.NeedsPurge() {
		t.Fatal("fresh rib should not need a purge")
	}
	r.Counters.Withdraws = 2
	if !r.NeedsPurge() {
		t.Fatal("expected purge to be due once the withdraw threshold is reached")
	}
	r.Purge()
	if r.NeedsPurge() {
		t.Fatal("expected purge to clear the due condition")
	}
}

func TestNeedsPurgeOnInterval(t *testing.T) {
	r := New(Config{
		HistoryMode:    ribtable.OnlyDiffer,
		HistoryDepth:   10,
		TimeBucketSecs: 86400,
		PurgeEvery:     time.Millisecond,
	})
	time.Sleep(2 * time.Millisecond)
	if !r.NeedsPurge() {
		t.Fatal("expected purge to be due once purge_every has elapsed")
	}
}

func TestEventsPublishedOnlyWithSubscribers(t *testing.T) {
	r := newTestRib()
	prefix := netip.MustParsePrefix("192.0.2.0/24")

	r.HandleUpdate(1, &bgp.UpdateMessage{
		NLRI:  []bgp.NLRIv4{{Prefix: prefix}},
		Attrs: bgp.PathAttrs{HasOrigin: true},
	})
	if r.Events.ReceiverCount() != 0 {
		t.Fatal("expected no subscribers")
	}

	_, ch := r.Events.Subscribe()
	r.HandleUpdate(1, &bgp.UpdateMessage{
		NLRI:  []bgp.NLRIv4{{Prefix: netip.MustParsePrefix("198.51.100.0/24")}},
		Attrs: bgp.PathAttrs{HasOrigin: true},
	})
	select {
	case ev := <-ch:
		if ev.SAFI != "ipv4u" || ev.Kind != EventUpdate {
			t.Fatalf("unexpected event: %+v", ev)
		}
	default:
		t.Fatal("expected an event to be published once a subscriber exists")
	}
}
