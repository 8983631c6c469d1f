package filter

import (
	"net/netip"
	"testing"

	"github.com/route-beacon/rib-collector/internal/attrs"
	"github.com/route-beacon/rib-collector/internal/ribtable"
	"github.com/route-beacon/rib-collector/internal/session"
	"github.com/route-beacon/rib-collector/internal/wire/bgp"
)

func mustPrefix(t *testing.T, s string) netip.Prefix {
	t.Helper()
	p, err := netip.ParsePrefix(s)
	if err != nil {
		t.Fatalf("ParsePrefix(%q): %v", s, err)
	}
	return p
}

func TestParseFilterClassifiesEachKind(t *testing.T) {
	f := ParseFilter("10.0.0.0/8 nh:192.0.2.1 rd:100:1 as:^64500,64501 c:100:200 rt:100:1 re:^10\\. 32")
	want := []Kind{KindPrefix, KindNextHop, KindRD, KindASPath, KindCommunity, KindRouteTarget, KindRegex, KindNumeric}
	if len(f.Terms) != len(want) {
		t.Fatalf("got %d terms, want %d", len(f.Terms), len(want))
	}
	for i, k := range want {
		if f.Terms[i].Kind != k {
			t.Errorf("term %d: got kind %v, want %v", i, f.Terms[i].Kind, k)
		}
	}
}

func TestParseFilterRequiredAndExcludedMarkers(t *testing.T) {
	f := ParseFilter("+as:64500 -c:100:200")
	if !f.Terms[0].Required || f.Terms[0].Excluded {
		t.Errorf("term 0 should be Required only, got %+v", f.Terms[0])
	}
	if !f.Terms[1].Excluded || f.Terms[1].Required {
		t.Errorf("term 1 should be Excluded only, got %+v", f.Terms[1])
	}
}

func TestParseFilterRejectsGarbage(t *testing.T) {
	f := ParseFilter("not-a-valid-term!!")
	if len(f.Terms) != 0 {
		t.Fatalf("expected no classified terms, got %+v", f.Terms)
	}
	if len(f.Skipped) != 1 || f.Skipped[0] != "not-a-valid-term!!" {
		t.Fatalf("expected the bad token in Skipped, got %v", f.Skipped)
	}
}

func TestNarrowestPrefixPicksMostSpecific(t *testing.T) {
	f := ParseFilter("10.0.0.0/8 10.1.0.0/16 -192.168.0.0/16")
	got, ok := f.NarrowestPrefix()
	if !ok {
		t.Fatal("expected a prefix term")
	}
	if got.Bits() != 16 || got.Addr().String() != "10.1.0.0" {
		t.Errorf("got %s, want 10.1.0.0/16", got)
	}
}

func asPathAttrs(asns ...uint32) *attrs.Attrs {
	path := []bgp.ASPathSegment{{Type: bgp.ASPathSegmentSequence, ASNs: asns}}
	return &attrs.Attrs{ASPath: &path}
}

func TestMatchASPathAnchors(t *testing.T) {
	a := asPathAttrs(64500, 64501, 64502)
	cases := []struct {
		expr string
		want Tri
	}{
		{"as:64501", Yes},
		{"as:64503", No},
		{"as:^64500", Yes},
		{"as:^64501", No},
		{"as:64502$", Yes},
		{"as:64500$", No},
		{"as:^64500,64501,64502$", Yes},
		{"as:^64500,64501$", No},
	}
	for _, c := range cases {
		f := ParseFilter(c.expr)
		got := f.Matches(Candidate{Key: ribtable.PrefixV4Key{Prefix: mustPrefix(t, "10.0.0.0/24")}, Attrs: a})
		if got != c.want {
			t.Errorf("%q: got %v, want %v", c.expr, got, c.want)
		}
	}
}

func TestMatchASPathEmptyAnchor(t *testing.T) {
	f := ParseFilter("as:^$")
	empty := asPathAttrs()
	if got := f.Matches(Candidate{Key: ribtable.PrefixV4Key{}, Attrs: empty}); got != Yes {
		t.Errorf("empty AS path: got %v, want Yes", got)
	}
	nonEmpty := asPathAttrs(64500)
	if got := f.Matches(Candidate{Key: ribtable.PrefixV4Key{}, Attrs: nonEmpty}); got != No {
		t.Errorf("non-empty AS path: got %v, want No", got)
	}
}

func TestMatchesUnknownDemotesButDoesNotShortCircuit(t *testing.T) {
	f := ParseFilter("10.0.0.0/8 +nh:192.0.2.1")
	key := ribtable.PrefixV4Key{Prefix: mustPrefix(t, "10.0.0.0/24")}
	got := f.Matches(Candidate{Key: key, Attrs: &attrs.Attrs{}})
	if got != Unknown {
		t.Errorf("got %v, want Unknown (prefix matches, required next hop unknown)", got)
	}
}

func TestMatchesNoShortCircuitsOverUnknown(t *testing.T) {
	f := ParseFilter("192.168.0.0/16 nh:192.0.2.1")
	key := ribtable.PrefixV4Key{Prefix: mustPrefix(t, "10.0.0.0/24")}
	got := f.Matches(Candidate{Key: key, Attrs: &attrs.Attrs{}})
	if got != No {
		t.Errorf("got %v, want No", got)
	}
}

func TestMatchesExcludedNegatesRaw(t *testing.T) {
	f := ParseFilter("-10.0.0.0/8")
	inside := ribtable.PrefixV4Key{Prefix: mustPrefix(t, "10.0.0.0/24")}
	outside := ribtable.PrefixV4Key{Prefix: mustPrefix(t, "192.168.0.0/24")}
	if got := f.Matches(Candidate{Key: inside}); got != No {
		t.Errorf("inside excluded range: got %v, want No", got)
	}
	if got := f.Matches(Candidate{Key: outside}); got != Yes {
		t.Errorf("outside excluded range: got %v, want Yes", got)
	}
}

func TestMatchCommunity(t *testing.T) {
	f := ParseFilter("c:100:200")
	comms := []uint32{100<<16 | 200}
	a := &attrs.Attrs{Communities: &comms}
	if got := f.Matches(Candidate{Key: ribtable.PrefixV4Key{}, Attrs: a}); got != Yes {
		t.Errorf("got %v, want Yes", got)
	}
	other := []uint32{1<<16 | 2}
	b := &attrs.Attrs{Communities: &other}
	if got := f.Matches(Candidate{Key: ribtable.PrefixV4Key{}, Attrs: b}); got != No {
		t.Errorf("got %v, want No", got)
	}
}

func TestMatchRouteTarget(t *testing.T) {
	f := ParseFilter("rt:65000:1")
	ec := bgp.ExtCommunity{0x00, 0x02, 0xFD, 0xE8, 0x00, 0x00, 0x00, 0x01} // type 0x00/0x02, AS=65000, val=1
	list := []bgp.ExtCommunity{ec}
	a := &attrs.Attrs{ExtCommunities: &list}
	if got := f.Matches(Candidate{Key: ribtable.PrefixV4Key{}, Attrs: a}); got != Yes {
		t.Errorf("got %v, want Yes", got)
	}
}

func TestMatchNumericMatchesLabelAndPrefixLength(t *testing.T) {
	f := ParseFilter("1000")
	labeled := ribtable.LabeledPrefixKey{Prefix: mustPrefix(t, "10.0.0.0/24"), Label: 1000}
	if got := f.Matches(Candidate{Key: labeled}); got != Yes {
		t.Errorf("label match: got %v, want Yes", got)
	}

	fbits := ParseFilter("24")
	if got := fbits.Matches(Candidate{Key: ribtable.PrefixV4Key{Prefix: mustPrefix(t, "10.0.0.0/24")}}); got != Yes {
		t.Errorf("prefix length match: got %v, want Yes", got)
	}
}

func TestMatchRegexScansKeyAndAttrs(t *testing.T) {
	f := ParseFilter(`re:^10\.0\.`)
	key := ribtable.PrefixV4Key{Prefix: mustPrefix(t, "10.0.0.0/24")}
	if got := f.Matches(Candidate{Key: key, Attrs: &attrs.Attrs{}}); got != Yes {
		t.Errorf("got %v, want Yes", got)
	}
}

func TestCandidateKeysRestrictsToNarrowestPrefix(t *testing.T) {
	tbl := ribtable.New[ribtable.PrefixV4Key](ribtable.EveryUpdate, 4, 60)
	sid := session.ID(1)

	inA := ribtable.PrefixV4Key{Prefix: mustPrefix(t, "10.0.0.0/24")}
	inB := ribtable.PrefixV4Key{Prefix: mustPrefix(t, "10.0.1.0/24")}
	outside := ribtable.PrefixV4Key{Prefix: mustPrefix(t, "192.168.0.0/24")}
	for _, k := range []ribtable.PrefixV4Key{inA, inB, outside} {
		tbl.ApplyUpdate(sid, 0, k, &attrs.Attrs{})
	}

	f := ParseFilter("10.0.0.0/16")
	got := CandidateKeys(tbl, f)
	if len(got) != 2 {
		t.Fatalf("got %d candidates, want 2: %v", len(got), got)
	}
	seen := map[string]bool{}
	for _, k := range got {
		seen[k.String()] = true
	}
	if !seen[inA.String()] || !seen[inB.String()] {
		t.Errorf("missing expected candidates, got %v", got)
	}
	if seen[outside.String()] {
		t.Errorf("candidate set should not include %v", outside)
	}
}

func TestCandidateKeysIntersectsRequiredASIndex(t *testing.T) {
	tbl := ribtable.New[ribtable.PrefixV4Key](ribtable.EveryUpdate, 4, 60)
	sid := session.ID(1)

	k1 := ribtable.PrefixV4Key{Prefix: mustPrefix(t, "10.0.0.0/24")}
	k2 := ribtable.PrefixV4Key{Prefix: mustPrefix(t, "10.0.1.0/24")}
	tbl.ApplyUpdate(sid, 0, k1, asPathAttrs(64500))
	tbl.ApplyUpdate(sid, 0, k2, asPathAttrs(64501))

	f := ParseFilter("+as:64500")
	got := CandidateKeys(tbl, f)
	if len(got) != 1 || got[0].String() != k1.String() {
		t.Fatalf("got %v, want only %v", got, k1)
	}
}

func TestSupernetKeysOrdersAscendingByPrefixLengthAndIncludesDefault(t *testing.T) {
	tbl := ribtable.New[ribtable.PrefixV4Key](ribtable.EveryUpdate, 4, 60)
	sid := session.ID(1)

	defaultRoute := ribtable.PrefixV4Key{Prefix: mustPrefix(t, "0.0.0.0/0")}
	wide := ribtable.PrefixV4Key{Prefix: mustPrefix(t, "10.0.0.0/8")}
	narrow := ribtable.PrefixV4Key{Prefix: mustPrefix(t, "10.0.1.0/24")}
	unrelated := ribtable.PrefixV4Key{Prefix: mustPrefix(t, "192.168.0.0/16")}
	for _, k := range []ribtable.PrefixV4Key{defaultRoute, wide, narrow, unrelated} {
		tbl.ApplyUpdate(sid, 0, k, &attrs.Attrs{})
	}

	got := SupernetKeys(tbl, mustPrefix(t, "10.0.1.128/25"))
	if len(got) != 3 {
		t.Fatalf("got %d supernets, want 3: %v", len(got), got)
	}
	want := []string{defaultRoute.String(), wide.String(), narrow.String()}
	for i, k := range got {
		if k.String() != want[i] {
			t.Errorf("position %d: got %v, want %v", i, k, want[i])
		}
	}
}

func TestFindBestSupernetReturnsMostSpecificContainer(t *testing.T) {
	tbl := ribtable.New[ribtable.PrefixV4Key](ribtable.EveryUpdate, 4, 60)
	sid := session.ID(1)

	wide := ribtable.PrefixV4Key{Prefix: mustPrefix(t, "10.0.0.0/8")}
	narrow := ribtable.PrefixV4Key{Prefix: mustPrefix(t, "10.0.1.0/24")}
	tbl.ApplyUpdate(sid, 0, wide, &attrs.Attrs{})
	tbl.ApplyUpdate(sid, 0, narrow, &attrs.Attrs{})

	got, ok := FindBestSupernet(tbl, mustPrefix(t, "10.0.1.128/25"))
	if !ok || got.String() != narrow.String() {
		t.Fatalf("got %v, %v, want %v, true", got, ok, narrow)
	}

	if _, ok := FindBestSupernet(tbl, mustPrefix(t, "192.168.0.0/24")); ok {
		t.Fatal("expected no supernet for an uncovered prefix")
	}
}

func TestMatchEntryWrapsMatches(t *testing.T) {
	f := ParseFilter("10.0.0.0/8")
	key := ribtable.PrefixV4Key{Prefix: mustPrefix(t, "10.0.0.0/24")}
	e := ribtable.Entry{Active: true, Attrs: &attrs.Attrs{}}
	if got := MatchEntry(f, key, e); got != Yes {
		t.Errorf("got %v, want Yes", got)
	}
}
