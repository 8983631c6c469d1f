package filter

import (
	"net/netip"
	"sort"
	"strings"

	"github.com/route-beacon/rib-collector/internal/ribtable"
)

// CandidateKeys narrows a table scan before the expensive per-entry
// attribute matching in Matches runs. It restricts the scan to the
// narrowest prefix term's range (spec's step 1) when one is present, then
// intersects with any required (`+`-prefixed) index-backed term's value
// set (ASN, community, route-target) — a required term's absence from its
// index already proves that term cannot evaluate Yes, so keys outside the
// intersection can be dropped before Matches ever runs.
//
// This is a conservative over-approximation: everything Matches would
// ultimately accept survives here, but excluded (`-`) and non-indexed
// required terms are not used to narrow, since those either need Unknown
// to still pass through or have no index to consult cheaply. The caller
// must still run the full Filter.Matches over each candidate's real
// per-entry attributes.
//
// Range restriction here walks the full table rather than using
// RibTable's AscendRange: building a lo/hi bound of the table's own key
// type K from a netip.Prefix would need a per-K constructor that Go's
// generics can't express without a type switch per instantiation. Ascend
// plus a PrefixOf filter keeps this function generic over every SAFI's
// key type at the cost of an O(n) scan instead of an O(log n + k) range
// query; see DESIGN.md.
func CandidateKeys[K ribtable.RouteKey](t *ribtable.RibTable[K], f *Filter) []K {
	narrowPrefix, hasPrefix := f.NarrowestPrefix()

	var base []K
	t.Ascend(func(k K, _ *ribtable.SessionMap) bool {
		if hasPrefix {
			// Keys with no prefix are kept: a prefix term evaluates Unknown
			// on them, which a bare term lets through.
			p, ok := ribtable.PrefixOf(k)
			if ok && (!narrowPrefix.Contains(p.Addr()) || p.Bits() < narrowPrefix.Bits()) {
				return true
			}
		}
		base = append(base, k)
		return true
	})

	var indexSets [][]K
	for _, term := range f.Terms {
		if !term.Required {
			continue
		}
		switch term.Kind {
		case KindASPath:
			for _, asn := range term.ASNs {
				indexSets = append(indexSets, t.IndexByASN(asn))
			}
		case KindCommunity:
			indexSets = append(indexSets, t.IndexByCommunity(term.CommunityHi, term.CommunityLo))
		case KindRouteTarget:
			// IndexByRouteTarget is keyed by the exact two-part canonical
			// string ribtable.RouteTarget renders. A bare one-half term
			// (routeTargetMatches' other accepted form) has no single
			// exact key to probe, so it can't narrow here and is left to
			// the full Matches pass.
			if parts := strings.SplitN(term.Text, ":", 2); len(parts) == 2 {
				indexSets = append(indexSets, t.IndexByRouteTarget("rt:"+term.Text))
			}
		}
	}
	if len(indexSets) == 0 {
		return base
	}
	return intersectByString(base, indexSets)
}

func intersectByString[K ribtable.RouteKey](base []K, others [][]K) []K {
	sets := make([]map[string]struct{}, len(others))
	for i, o := range others {
		m := make(map[string]struct{}, len(o))
		for _, k := range o {
			m[k.String()] = struct{}{}
		}
		sets[i] = m
	}
	var out []K
	for _, k := range base {
		s := k.String()
		keep := true
		for _, m := range sets {
			if _, ok := m[s]; !ok {
				keep = false
				break
			}
		}
		if keep {
			out = append(out, k)
		}
	}
	return out
}

// MatchEntry is a convenience wrapper evaluating f against one history
// entry's attributes for key.
func MatchEntry(f *Filter, key ribtable.RouteKey, e ribtable.Entry) Tri {
	return f.Matches(Candidate{Key: key, Attrs: e.Attrs})
}

// SupernetKeys returns every key in t whose prefix contains narrow — the
// longest-prefix-match candidate set, rather than CandidateKeys' more-
// specific narrowing. A table route is a supernet of narrow when the
// route's prefix is bitwise shorter-or-equal and narrow's address falls
// inside it; the zero-length prefix (0.0.0.0/0 or ::/0) always qualifies
// if present, matching the original collector's "[zero-prefix ..
// range_last]" range description. Results are sorted by ascending prefix
// length, so the most specific containing route — the best match — is
// last.
//
// As with CandidateKeys, this walks the whole table via Ascend rather
// than an AscendRange built from a per-K zero/lo bound, for the same
// generics reason documented above.
func SupernetKeys[K ribtable.RouteKey](t *ribtable.RibTable[K], narrow netip.Prefix) []K {
	var out []K
	t.Ascend(func(k K, _ *ribtable.SessionMap) bool {
		p, ok := ribtable.PrefixOf(k)
		if !ok || p.Bits() > narrow.Bits() || !p.Contains(narrow.Addr()) {
			return true
		}
		out = append(out, k)
		return true
	})
	sort.Slice(out, func(i, j int) bool {
		pi, _ := ribtable.PrefixOf(out[i])
		pj, _ := ribtable.PrefixOf(out[j])
		return pi.Bits() < pj.Bits()
	})
	return out
}

// FindBestSupernet returns the narrowest route in t that contains narrow
// — the longest prefix match — or the zero key and false if none covers
// it.
func FindBestSupernet[K ribtable.RouteKey](t *ribtable.RibTable[K], narrow netip.Prefix) (K, bool) {
	keys := SupernetKeys(t, narrow)
	if len(keys) == 0 {
		var zero K
		return zero, false
	}
	return keys[len(keys)-1], true
}
