package session

import (
	"net/netip"
	"testing"
)

func TestRegisterCanonicalizesPairOrder(t *testing.T) {
	r := NewRegistry()
	a := PeerDesc{Address: netip.MustParseAddr("10.0.0.1")}
	b := PeerDesc{Address: netip.MustParseAddr("10.0.0.2")}

	id1 := r.Register(a, b)
	id2 := r.Register(b, a)
	if id1 != id2 {
		t.Fatalf("Register(a,b)=%d != Register(b,a)=%d", id1, id2)
	}
}

func TestRegisterIsIdempotent(t *testing.T) {
	r := NewRegistry()
	a := PeerDesc{Address: netip.MustParseAddr("10.0.0.1")}
	b := PeerDesc{Address: netip.MustParseAddr("10.0.0.2")}

	id1 := r.Register(a, b)
	id2 := r.Register(a, b)
	if id1 != id2 {
		t.Fatalf("repeated Register returned distinct IDs: %d != %d", id1, id2)
	}
	if len(r.List()) != 1 {
		t.Fatalf("expected 1 registered session, got %d", len(r.List()))
	}
}

func TestDistinctPairsGetDistinctIDs(t *testing.T) {
	r := NewRegistry()
	a := PeerDesc{Address: netip.MustParseAddr("10.0.0.1")}
	b := PeerDesc{Address: netip.MustParseAddr("10.0.0.2")}
	c := PeerDesc{Address: netip.MustParseAddr("10.0.0.3")}

	id1 := r.Register(a, b)
	id2 := r.Register(a, c)
	if id1 == id2 {
		t.Fatalf("distinct peer pairs collided on ID %d", id1)
	}
}

func TestLookup(t *testing.T) {
	r := NewRegistry()
	a := PeerDesc{Address: netip.MustParseAddr("10.0.0.1")}
	b := PeerDesc{Address: netip.MustParseAddr("10.0.0.2")}
	id := r.Register(a, b)

	d, ok := r.Lookup(id)
	if !ok {
		t.Fatal("expected lookup to succeed")
	}
	if d.Local.Address != a.Address || d.Remote.Address != b.Address {
		t.Fatalf("unexpected descriptor: %+v", d)
	}

	if _, ok := r.Lookup(id + 1); ok {
		t.Fatal("expected lookup of unregistered ID to fail")
	}
}

func TestSetMeta(t *testing.T) {
	r := NewRegistry()
	a := PeerDesc{Address: netip.MustParseAddr("10.0.0.1")}
	b := PeerDesc{Address: netip.MustParseAddr("10.0.0.2")}
	id := r.Register(a, b)

	r.SetMeta(id, RouterMeta{Name: "core1", Location: "ams"})

	d, ok := r.Lookup(id)
	if !ok {
		t.Fatal("expected lookup to succeed")
	}
	if d.Meta.Name != "core1" || d.Meta.Location != "ams" {
		t.Fatalf("unexpected meta: %+v", d.Meta)
	}
}

func TestSetMeta_UnknownIDIsNoop(t *testing.T) {
	r := NewRegistry()
	r.SetMeta(999, RouterMeta{Name: "ghost"})
	if _, ok := r.Lookup(999); ok {
		t.Fatal("SetMeta must not register an unknown ID")
	}
}
