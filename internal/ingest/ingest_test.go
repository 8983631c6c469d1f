package ingest

import (
	"context"
	"net/netip"
	"testing"
	"time"

	"github.com/route-beacon/rib-collector/internal/ribtable"
	"github.com/route-beacon/rib-collector/internal/rib"
	"github.com/route-beacon/rib-collector/internal/wire/bgp"
	"go.uber.org/zap"
)

func newTestRib() *rib.Rib {
	return rib.New(rib.Config{
		HistoryMode:    ribtable.OnlyDiffer,
		HistoryDepth:   10,
		TimeBucketSecs: 86400,
	})
}

func TestActorAppliesMessagesInOrder(t *testing.T) {
	r := newTestRib()
	ch := make(chan Message, 4)
	a := NewActor(r, ch, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		a.Run(ctx)
		close(done)
	}()

	prefix := netip.MustParsePrefix("203.0.113.0/24")
	ch <- Message{Session: 1, Update: &bgp.UpdateMessage{
		NLRI: []bgp.NLRIv4{{Prefix: prefix}},
		Attrs: bgp.PathAttrs{
			HasNextHop: true,
			NextHop:    netip.MustParseAddr("198.51.100.1"),
		},
	}}
	ch <- Message{Session: 1, Update: &bgp.UpdateMessage{
		WithdrawnRoutes: []bgp.NLRIv4{{Prefix: prefix}},
	}}

	deadline := time.After(time.Second)
	for r.Counters.Withdraws == 0 {
		select {
		case <-deadline:
			t.Fatal("timed out waiting for withdraw to apply")
		default:
			time.Sleep(time.Millisecond)
		}
	}

	if r.Counters.Updates != 1 || r.Counters.Withdraws != 1 {
		t.Fatalf("got updates=%d withdraws=%d, want 1/1", r.Counters.Updates, r.Counters.Withdraws)
	}

	cancel()
	close(ch)
	<-done
}

func TestActorStopsWhenChannelClosed(t *testing.T) {
	r := newTestRib()
	ch := make(chan Message)
	a := NewActor(r, ch, zap.NewNop())

	done := make(chan struct{})
	go func() {
		a.Run(context.Background())
		close(done)
	}()

	close(ch)
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after channel closed")
	}
}

func TestGCPurgesWhenDue(t *testing.T) {
	r := rib.New(rib.Config{
		HistoryMode:         ribtable.EveryUpdate,
		HistoryDepth:        10,
		TimeBucketSecs:      60,
		PurgeAfterWithdraws: 1,
	})
	prefix := netip.MustParsePrefix("198.51.100.0/24")
	r.HandleUpdate(1, &bgp.UpdateMessage{NLRI: []bgp.NLRIv4{{Prefix: prefix}}})
	r.HandleUpdate(1, &bgp.UpdateMessage{WithdrawnRoutes: []bgp.NLRIv4{{Prefix: prefix}}})

	var purged int
	gc := NewGC(r, 5*time.Millisecond, zap.NewNop())
	gc.OnPurged = func() { purged++ }

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	gc.Run(ctx)

	if purged == 0 {
		t.Fatal("expected at least one purge to fire")
	}
	if r.Counters.Purges == 0 {
		t.Fatal("expected Counters.Purges to be incremented")
	}
}
