package query

import (
	"context"
	"net/netip"
	"testing"
	"time"

	"github.com/route-beacon/rib-collector/internal/rib"
	"github.com/route-beacon/rib-collector/internal/ribtable"
	"github.com/route-beacon/rib-collector/internal/session"
	"github.com/route-beacon/rib-collector/internal/wire/bgp"
	"go.uber.org/zap"
)

func newTestRibAndSession(t *testing.T) (*rib.Rib, *session.Registry, session.ID) {
	t.Helper()
	r := rib.New(rib.Config{HistoryMode: ribtable.EveryUpdate, HistoryDepth: 10})
	registry := session.NewRegistry()
	sid := registry.Register(
		session.PeerDesc{Address: netip.MustParseAddr("192.0.2.1"), Open: bgp.OpenMessage{MyAS: 65001}},
		session.PeerDesc{Address: netip.MustParseAddr("192.0.2.2"), Open: bgp.OpenMessage{MyAS: 65002}},
	)

	r.Lock()
	r.HandleUpdate(sid, &bgp.UpdateMessage{
		NLRI: []bgp.NLRIv4{
			{Prefix: netip.MustParsePrefix("203.0.113.0/24")},
			{Prefix: netip.MustParsePrefix("198.51.100.0/24")},
		},
		Attrs: bgp.PathAttrs{
			HasOrigin: true,
			ASPath:    []bgp.ASPathSegment{{Type: 2, ASNs: []uint32{65002, 65003}}},
		},
	})
	r.Unlock()

	return r, registry, sid
}

func TestQueryRibFiltersByASPathAndPaginates(t *testing.T) {
	r, registry, _ := newTestRibAndSession(t)
	svc := New(r, registry, time.Second, nil, zap.NewNop())

	resp, err := svc.QueryRib(context.Background(), "ipv4u", "+as:65003", 0, 0, 0, false, time.Time{}, time.Time{})
	if err != nil {
		t.Fatalf("QueryRib: %v", err)
	}
	if resp.Population != 2 {
		t.Fatalf("expected population 2, got %d", resp.Population)
	}
	if resp.MatchCount != 2 {
		t.Fatalf("expected 2 matches, got %d", resp.MatchCount)
	}

	resp, err = svc.QueryRib(context.Background(), "ipv4u", "+as:65003", 1, 1, 0, false, time.Time{}, time.Time{})
	if err != nil {
		t.Fatalf("QueryRib with pagination: %v", err)
	}
	if len(resp.Items) != 1 {
		t.Fatalf("expected 1 item after skip=1,limit=1, got %d", len(resp.Items))
	}
	if resp.MatchCount != 2 {
		t.Fatalf("expected MatchCount to report the unpaginated total 2, got %d", resp.MatchCount)
	}
}

func TestQueryRibUnknownSAFI(t *testing.T) {
	r, registry, _ := newTestRibAndSession(t)
	svc := New(r, registry, time.Second, nil, zap.NewNop())

	if _, err := svc.QueryRib(context.Background(), "bogus", "", 0, 0, 0, false, time.Time{}, time.Time{}); err != ErrUnknownSAFI {
		t.Fatalf("expected ErrUnknownSAFI, got %v", err)
	}
}

func TestQueryRibOnlyActivePrunesWithdrawnEntries(t *testing.T) {
	r, registry, sid := newTestRibAndSession(t)
	svc := New(r, registry, time.Second, nil, zap.NewNop())

	r.Lock()
	r.HandleUpdate(sid, &bgp.UpdateMessage{
		WithdrawnRoutes: []bgp.NLRIv4{{Prefix: netip.MustParsePrefix("203.0.113.0/24")}},
	})
	r.Unlock()

	resp, err := svc.QueryRib(context.Background(), "ipv4u", "+as:65003", 0, 0, 0, true, time.Time{}, time.Time{})
	if err != nil {
		t.Fatalf("QueryRib: %v", err)
	}
	if resp.MatchCount != 1 {
		t.Fatalf("expected onlyactive to prune the withdrawn prefix, leaving 1 match, got %d", resp.MatchCount)
	}
}

func TestStatisticsReportsInternerAndTableSizes(t *testing.T) {
	r, registry, _ := newTestRibAndSession(t)
	svc := New(r, registry, time.Second, nil, zap.NewNop())

	stats, err := svc.Statistics(context.Background())
	if err != nil {
		t.Fatalf("Statistics: %v", err)
	}
	if stats.Tables["ipv4u"] != 2 {
		t.Fatalf("expected ipv4u table size 2, got %d", stats.Tables["ipv4u"])
	}
	if stats.Interners["attrs"] == 0 {
		t.Fatalf("expected at least one interned Attrs value")
	}
}

func TestListSessionsAndState(t *testing.T) {
	r, registry, sid := newTestRibAndSession(t)

	peers := []PeerHandle{
		{Name: "upstream1", State: func() string { return "Established" }},
	}
	svc := New(r, registry, time.Second, peers, zap.NewNop())

	sessions := svc.ListSessions()
	if _, ok := sessions[sid]; !ok {
		t.Fatalf("expected registered session %d to be listed", sid)
	}

	state, ok := svc.State("upstream1")
	if !ok || state != "Established" {
		t.Fatalf("expected State(upstream1) = Established, true; got %q, %v", state, ok)
	}

	if _, ok := svc.State("no-such-peer"); ok {
		t.Fatalf("expected State of an unconfigured peer to report false")
	}
}

func TestFindBestSupernetReturnsNarrowestCoveringRoute(t *testing.T) {
	r, registry, sid := newTestRibAndSession(t)
	svc := New(r, registry, time.Second, nil, zap.NewNop())

	r.Lock()
	r.HandleUpdate(sid, &bgp.UpdateMessage{
		NLRI: []bgp.NLRIv4{{Prefix: netip.MustParsePrefix("203.0.0.0/8")}},
	})
	r.Unlock()

	key, ok, err := svc.FindBestSupernet(context.Background(), "ipv4u", netip.MustParsePrefix("203.0.113.128/25"))
	if err != nil {
		t.Fatalf("FindBestSupernet: %v", err)
	}
	if !ok || key != "203.0.113.0/24" {
		t.Fatalf("expected the narrower 203.0.113.0/24 route, got %q, %v", key, ok)
	}

	if _, ok, err := svc.FindBestSupernet(context.Background(), "ipv4u", netip.MustParsePrefix("10.0.0.0/8")); err != nil || ok {
		t.Fatalf("expected no covering route for 10.0.0.0/8, got %v, %v", ok, err)
	}

	if _, _, err := svc.FindBestSupernet(context.Background(), "evpn", netip.MustParsePrefix("10.0.0.0/8")); err != ErrSupernetUnsupported {
		t.Fatalf("expected ErrSupernetUnsupported for evpn, got %v", err)
	}
}

func TestSubscribeFiltersBySAFIAndPrefix(t *testing.T) {
	r, registry, _ := newTestRibAndSession(t)
	svc := New(r, registry, time.Second, nil, zap.NewNop())

	events, unsubscribe, err := svc.Subscribe("ipv4u", "+203.0.113.0/24")
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	defer unsubscribe()

	// Give the forwarding goroutine a chance to register before publishing.
	time.Sleep(10 * time.Millisecond)

	r.Lock()
	r.HandleUpdate(99, &bgp.UpdateMessage{
		NLRI: []bgp.NLRIv4{{Prefix: netip.MustParsePrefix("203.0.113.0/24")}},
	})
	r.HandleUpdate(99, &bgp.UpdateMessage{
		NLRI: []bgp.NLRIv4{{Prefix: netip.MustParsePrefix("10.0.0.0/8")}},
	})
	r.Unlock()

	select {
	case ev := <-events:
		if ev.Key != "203.0.113.0/24" {
			t.Fatalf("expected the matching prefix's event, got %+v", ev)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for a matching event")
	}

	select {
	case ev := <-events:
		t.Fatalf("expected the non-matching prefix to be filtered out, got %+v", ev)
	case <-time.After(200 * time.Millisecond):
	}
}
