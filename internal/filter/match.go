package filter

import (
	"fmt"
	"strings"

	"github.com/route-beacon/rib-collector/internal/attrs"
	"github.com/route-beacon/rib-collector/internal/ribtable"
)

// Tri is a three-valued match result.
type Tri int

const (
	Unknown Tri = iota
	No
	Yes
)

func negate(t Tri) Tri {
	switch t {
	case Yes:
		return No
	case No:
		return Yes
	default:
		return Unknown
	}
}

// Candidate is what a filter term is evaluated against: a route key and
// the attribute set of whichever history entry is under consideration.
type Candidate struct {
	Key   ribtable.RouteKey
	Attrs *attrs.Attrs
}

// Matches evaluates every term of f against c through its +/-/bare
// predicate (see effective, where a bare term's own Unknown counts as Yes)
// and combines them: a No anywhere short-circuits the whole filter to No;
// otherwise any Unknown left by a `+` or `-` term demotes the result to
// Unknown; only all-Yes yields Yes.
func (f *Filter) Matches(c Candidate) Tri {
	overall := Yes
	for _, t := range f.Terms {
		e := t.effective(c)
		if e == No {
			return No
		}
		if e == Unknown {
			overall = Unknown
		}
	}
	return overall
}

// effective applies the term's +/-/bare predicate to its raw match value.
func (t *Term) effective(c Candidate) Tri {
	raw := t.eval(c)
	switch {
	case t.Required:
		return raw
	case t.Excluded:
		return negate(raw)
	default:
		// Bare term: an Unknown verdict passes through without
		// restricting the result, matching spec's "bare -> Unknown
		// passes through" — Yes is the AND-identity value.
		if raw == Unknown {
			return Yes
		}
		return raw
	}
}

func (t *Term) eval(c Candidate) Tri {
	switch t.Kind {
	case KindPrefix:
		return matchPrefix(t, c.Key)
	case KindNextHop:
		return matchNextHop(t, c.Attrs)
	case KindRD:
		return matchRD(t, c.Key)
	case KindASPath:
		return matchASPath(t, c.Attrs)
	case KindCommunity:
		return matchCommunity(t, c.Attrs)
	case KindRouteTarget:
		return matchRouteTarget(t, c.Attrs)
	case KindRegex:
		return matchRegex(t, c)
	case KindNumeric:
		return matchNumeric(t, c.Key)
	default:
		return Unknown
	}
}

func boolTri(b bool) Tri {
	if b {
		return Yes
	}
	return No
}

func matchPrefix(t *Term, key ribtable.RouteKey) Tri {
	p, ok := ribtable.PrefixOf(key)
	if !ok {
		return Unknown
	}
	return boolTri(t.Prefix.Contains(p.Addr()) && p.Bits() >= t.Prefix.Bits())
}

func matchNextHop(t *Term, a *attrs.Attrs) Tri {
	if a == nil || !a.HasNextHop {
		return Unknown
	}
	return boolTri(a.NextHop.String() == t.Text)
}

func matchRD(t *Term, key ribtable.RouteKey) Tri {
	rd, ok := ribtable.RDOf(key)
	if !ok {
		return Unknown
	}
	return boolTri(rd.String() == t.Text)
}

func matchASPath(t *Term, a *attrs.Attrs) Tri {
	if a == nil || a.ASPath == nil {
		return Unknown
	}
	var flat []uint32
	for _, seg := range *a.ASPath {
		flat = append(flat, seg.ASNs...)
	}
	if t.ASAnchor == ASEmpty {
		return boolTri(len(flat) == 0)
	}
	switch t.ASAnchor {
	case ASFullMatch:
		return boolTri(asnEqual(flat, t.ASNs))
	case ASStartsWith:
		return boolTri(len(flat) >= len(t.ASNs) && asnEqual(flat[:len(t.ASNs)], t.ASNs))
	case ASEndsWith:
		return boolTri(len(flat) >= len(t.ASNs) && asnEqual(flat[len(flat)-len(t.ASNs):], t.ASNs))
	default: // ASContains
		return boolTri(asnContains(flat, t.ASNs))
	}
}

func asnEqual(a, b []uint32) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func asnContains(haystack, needle []uint32) bool {
	if len(needle) == 0 || len(needle) > len(haystack) {
		return len(needle) == 0
	}
	for i := 0; i+len(needle) <= len(haystack); i++ {
		if asnEqual(haystack[i:i+len(needle)], needle) {
			return true
		}
	}
	return false
}

func matchCommunity(t *Term, a *attrs.Attrs) Tri {
	if a == nil || a.Communities == nil {
		return Unknown
	}
	want := uint32(t.CommunityHi)<<16 | uint32(t.CommunityLo)
	for _, c := range *a.Communities {
		if c == want {
			return Yes
		}
	}
	return No
}

func matchRouteTarget(t *Term, a *attrs.Attrs) Tri {
	if a == nil || a.ExtCommunities == nil {
		return Unknown
	}
	for _, ec := range *a.ExtCommunities {
		if rt, ok := ribtable.RouteTarget(ec); ok && routeTargetMatches(rt, t.Text) {
			return Yes
		}
	}
	return No
}

// routeTargetMatches compares ribtable.RouteTarget's rendered "rt:A:B"
// form against a filter's rt: argument. ribtable.RouteTarget always
// renders both halves, but a term may give only one: "rt:65000" matches
// either half (global or local), the same bare-half convention
// halfMatchesRD uses for rd: terms. A term giving both halves ("rt:A:B")
// must match both positionally.
func routeTargetMatches(rt, term string) bool {
	body := strings.TrimPrefix(rt, "rt:")
	parts := strings.SplitN(body, ":", 2)
	if len(parts) != 2 {
		return false
	}
	termParts := strings.SplitN(term, ":", 2)
	if len(termParts) == 2 {
		return termParts[0] == parts[0] && termParts[1] == parts[1]
	}
	return term == parts[0] || term == parts[1]
}

func matchRegex(t *Term, c Candidate) Tri {
	var b strings.Builder
	b.WriteString(c.Key.String())
	if c.Attrs != nil {
		if c.Attrs.HasNextHop {
			fmt.Fprintf(&b, " %s", c.Attrs.NextHop)
		}
		if c.Attrs.ASPath != nil {
			for _, seg := range *c.Attrs.ASPath {
				for _, asn := range seg.ASNs {
					fmt.Fprintf(&b, " %d", asn)
				}
			}
		}
		if c.Attrs.Communities != nil {
			for _, cm := range *c.Attrs.Communities {
				fmt.Fprintf(&b, " %d:%d", cm>>16, cm&0xFFFF)
			}
		}
	}
	return boolTri(t.Regex.MatchString(b.String()))
}

func matchNumeric(t *Term, key ribtable.RouteKey) Tri {
	if p, ok := ribtable.PrefixOf(key); ok && uint64(p.Bits()) == t.Num {
		return Yes
	}
	for _, label := range key.Labels() {
		if uint64(label) == t.Num {
			return Yes
		}
	}
	if rd, ok := ribtable.RDOf(key); ok {
		if halfMatchesRD(rd, t.Num) {
			return Yes
		}
	}
	return No
}

func halfMatchesRD(rd ribtable.RD, n uint64) bool {
	s := rd.String()
	for _, part := range strings.Split(s, ":") {
		if part == fmt.Sprintf("%d", n) {
			return true
		}
	}
	return false
}
