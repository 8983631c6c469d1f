// Package attrs defines the interned route-attribute value the RIB
// attaches to every history entry. Attrs itself is interned as a whole;
// its list-typed fields are interned separately so peers that share an
// AS path or community set but differ on, say, local-pref still share the
// expensive sub-handles.
package attrs

import (
	"fmt"
	"net/netip"
	"strings"

	"github.com/route-beacon/rib-collector/internal/wire/bgp"
)

// Attrs is the full set of path attributes the RIB retains for one
// history entry. Zero-value optional fields mean "absent," matching BGP's
// own optional-attribute semantics.
type Attrs struct {
	HasOrigin bool
	Origin    uint8

	HasNextHop bool
	NextHop    netip.Addr
	// NextHopRD is set when NextHop arrived as an RD-prefixed VPN next
	// hop (RFC 4364 §4, 12-byte encoding inside MP_REACH_NLRI).
	HasNextHopRD bool
	NextHopRD    [8]byte

	ASPath *[]bgp.ASPathSegment

	MED       *uint32
	LocalPref *uint32

	AtomicAggregate bool
	Aggregator      *bgp.Aggregator

	Communities      *[]uint32
	ExtCommunities   *[]bgp.ExtCommunity
	LargeCommunities *[]bgp.LargeCommunity

	HasOriginatorID bool
	OriginatorID    netip.Addr
	ClusterList     *[]uint32

	PMSITunnel *bgp.PMSITunnel
}

// Key renders a canonical string encoding of a, suitable as an interner
// key. Sub-handles (ASPath, Communities, ...) are already interned by the
// time an Attrs value reaches the composite interner, so their pointer
// identity is itself canonical: two Attrs values with structurally equal
// sub-lists hold the same *[]T after interning, and encoding the pointer
// is both cheap and correct.
func Key(a Attrs) string {
	var b strings.Builder
	fmt.Fprintf(&b, "o=%v:%d;nh=%v:%s;nhrd=%v:%x;as=%p;med=%s;lp=%s;atomic=%v;agg=%s;",
		a.HasOrigin, a.Origin,
		a.HasNextHop, a.NextHop,
		a.HasNextHopRD, a.NextHopRD,
		a.ASPath,
		optUint32(a.MED),
		optUint32(a.LocalPref),
		a.AtomicAggregate,
		aggregatorKey(a.Aggregator),
	)
	fmt.Fprintf(&b, "comm=%p;ext=%p;lcomm=%p;oid=%v:%s;cl=%p;pmsi=%p",
		a.Communities, a.ExtCommunities, a.LargeCommunities,
		a.HasOriginatorID, a.OriginatorID,
		a.ClusterList, a.PMSITunnel,
	)
	return b.String()
}

func optUint32(v *uint32) string {
	if v == nil {
		return "-"
	}
	return fmt.Sprintf("%d", *v)
}

func aggregatorKey(a *bgp.Aggregator) string {
	if a == nil {
		return "-"
	}
	return fmt.Sprintf("%d@%s", a.ASN, a.Address)
}

// KeyOfASPath, KeyOfCommunities, etc. key the list-typed sub-interners by
// their rendered contents, so equal lists (including nil/empty) always
// produce the same key regardless of slice identity.

func KeyOfASPath(segs []bgp.ASPathSegment) string {
	var b strings.Builder
	for _, s := range segs {
		fmt.Fprintf(&b, "%d(", s.Type)
		for _, asn := range s.ASNs {
			fmt.Fprintf(&b, "%d,", asn)
		}
		b.WriteByte(')')
	}
	return b.String()
}

func KeyOfUint32List(vals []uint32) string {
	var b strings.Builder
	for _, v := range vals {
		fmt.Fprintf(&b, "%d,", v)
	}
	return b.String()
}

func KeyOfExtCommunities(vals []bgp.ExtCommunity) string {
	var b strings.Builder
	for _, v := range vals {
		fmt.Fprintf(&b, "%x,", v[:])
	}
	return b.String()
}

func KeyOfLargeCommunities(vals []bgp.LargeCommunity) string {
	var b strings.Builder
	for _, v := range vals {
		fmt.Fprintf(&b, "%d:%d:%d,", v.Global, v.Local1, v.Local2)
	}
	return b.String()
}

func KeyOfPMSITunnel(t bgp.PMSITunnel) string {
	return fmt.Sprintf("%d:%d:%x:%x", t.Flags, t.TunnelType, t.Label, t.TunnelID)
}
