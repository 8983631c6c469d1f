// Package ribtable implements the per-SAFI routing table: a generic
// ordered map from route key to a three-level history tree, plus the four
// secondary indexes the filter engine queries against.
package ribtable

import (
	"bytes"
	"cmp"
	"encoding/binary"
	"fmt"
	"net/netip"
)

// RouteKey is implemented by every SAFI-specific NLRI key type. It must be
// a total order so a RibTable can use it as an ordered-map key, and it
// optionally exposes an MPLS label stack for SAFIs that carry one.
type RouteKey interface {
	Compare(other RouteKey) int
	Labels() []uint32
	String() string
}

// RD is an 8-byte BGP route distinguisher (RFC 4364 §4.2).
type RD [8]byte

func (r RD) Compare(o RD) int { return bytes.Compare(r[:], o[:]) }

func (r RD) String() string {
	switch binary.BigEndian.Uint16(r[0:2]) {
	case 0: // Type 0: 2-byte ASN : 4-byte number
		return fmt.Sprintf("%d:%d", binary.BigEndian.Uint16(r[2:4]), binary.BigEndian.Uint32(r[4:8]))
	case 1: // Type 1: 4-byte IPv4 : 2-byte number
		ip := netip.AddrFrom4([4]byte(r[2:6]))
		return fmt.Sprintf("%s:%d", ip, binary.BigEndian.Uint16(r[6:8]))
	case 2: // Type 2: 4-byte ASN : 2-byte number
		return fmt.Sprintf("%d:%d", binary.BigEndian.Uint32(r[2:6]), binary.BigEndian.Uint16(r[6:8]))
	default:
		return fmt.Sprintf("%x", r[:])
	}
}

func comparePrefix(a, b netip.Prefix) int {
	if c := a.Addr().Compare(b.Addr()); c != 0 {
		return c
	}
	return cmp.Compare(a.Bits(), b.Bits())
}

// PrefixV4Key is the route key for ipv4u/ipv4m: a bare IPv4 prefix.
type PrefixV4Key struct {
	Prefix netip.Prefix
}

func (k PrefixV4Key) Compare(other RouteKey) int {
	o := other.(PrefixV4Key)
	return comparePrefix(k.Prefix, o.Prefix)
}
func (k PrefixV4Key) Labels() []uint32 { return nil }
func (k PrefixV4Key) String() string   { return k.Prefix.String() }

// PrefixV6Key is the route key for ipv6u: a bare IPv6 prefix.
type PrefixV6Key struct {
	Prefix netip.Prefix
}

func (k PrefixV6Key) Compare(other RouteKey) int {
	o := other.(PrefixV6Key)
	return comparePrefix(k.Prefix, o.Prefix)
}
func (k PrefixV6Key) Labels() []uint32 { return nil }
func (k PrefixV6Key) String() string   { return k.Prefix.String() }

// LabeledPrefixKey is the route key for ipv4lu/ipv6lu (RFC 8277 labeled
// unicast): a prefix carrying one MPLS label.
type LabeledPrefixKey struct {
	Prefix netip.Prefix
	Label  uint32
}

func (k LabeledPrefixKey) Compare(other RouteKey) int {
	o := other.(LabeledPrefixKey)
	if c := comparePrefix(k.Prefix, o.Prefix); c != 0 {
		return c
	}
	return cmp.Compare(k.Label, o.Label)
}
func (k LabeledPrefixKey) Labels() []uint32 { return []uint32{k.Label} }
func (k LabeledPrefixKey) String() string   { return fmt.Sprintf("%s label=%d", k.Prefix, k.Label) }

// RDPrefixKey is the route key for vpnv4m/vpnv6m (RD-tagged prefix, no
// label): RD + prefix.
type RDPrefixKey struct {
	RD     RD
	Prefix netip.Prefix
}

func (k RDPrefixKey) Compare(other RouteKey) int {
	o := other.(RDPrefixKey)
	if c := k.RD.Compare(o.RD); c != 0 {
		return c
	}
	return comparePrefix(k.Prefix, o.Prefix)
}
func (k RDPrefixKey) Labels() []uint32 { return nil }
func (k RDPrefixKey) String() string   { return fmt.Sprintf("%s:%s", k.RD, k.Prefix) }

// LabeledRDPrefixKey is the route key for vpnv4u/vpnv6u (RFC 4364 L3VPN,
// SAFI 128): RD + label + prefix.
type LabeledRDPrefixKey struct {
	RD     RD
	Label  uint32
	Prefix netip.Prefix
}

func (k LabeledRDPrefixKey) Compare(other RouteKey) int {
	o := other.(LabeledRDPrefixKey)
	if c := k.RD.Compare(o.RD); c != 0 {
		return c
	}
	if c := comparePrefix(k.Prefix, o.Prefix); c != 0 {
		return c
	}
	return cmp.Compare(k.Label, o.Label)
}
func (k LabeledRDPrefixKey) Labels() []uint32 { return []uint32{k.Label} }
func (k LabeledRDPrefixKey) String() string {
	return fmt.Sprintf("%s:%s label=%d", k.RD, k.Prefix, k.Label)
}

// L2VPLSKey is the route key for l2vpls (RFC 4761/4762 VPLS NLRI).
type L2VPLSKey struct {
	RD        RD
	VEID      uint16
	LabelBase uint32
}

func (k L2VPLSKey) Compare(other RouteKey) int {
	o := other.(L2VPLSKey)
	if c := k.RD.Compare(o.RD); c != 0 {
		return c
	}
	if c := cmp.Compare(k.VEID, o.VEID); c != 0 {
		return c
	}
	return cmp.Compare(k.LabelBase, o.LabelBase)
}
func (k L2VPLSKey) Labels() []uint32 { return []uint32{k.LabelBase} }
func (k L2VPLSKey) String() string   { return fmt.Sprintf("%s:ve%d", k.RD, k.VEID) }

// MVPNSubtype enumerates the 7 MVPN NLRI route types (RFC 6514 §4).
type MVPNSubtype uint8

const (
	MVPNIntraASIPMSIAD MVPNSubtype = 1
	MVPNInterASIPMSIAD MVPNSubtype = 2
	MVPNSPMSIAD        MVPNSubtype = 3
	MVPNLeafAD         MVPNSubtype = 4
	MVPNSourceActiveAD MVPNSubtype = 5
	MVPNSharedTreeJoin MVPNSubtype = 6
	MVPNSourceTreeJoin MVPNSubtype = 7
)

// MVPNKey is the route key for mvpn. Fields not meaningful for a given
// Subtype are left zero; Compare orders by Subtype first so distinct NLRI
// shapes never interleave.
type MVPNKey struct {
	Subtype       MVPNSubtype
	RD            RD
	SourceAS      uint32
	OriginatorRD  RD // Leaf AD's embedded originating route's RD
	OriginatorIP  netip.Addr
	SourceAddr    netip.Addr
	GroupAddr     netip.Addr
}

func (k MVPNKey) Compare(other RouteKey) int {
	o := other.(MVPNKey)
	if c := cmp.Compare(k.Subtype, o.Subtype); c != 0 {
		return c
	}
	if c := k.RD.Compare(o.RD); c != 0 {
		return c
	}
	if c := cmp.Compare(k.SourceAS, o.SourceAS); c != 0 {
		return c
	}
	if c := k.OriginatorRD.Compare(o.OriginatorRD); c != 0 {
		return c
	}
	if c := k.OriginatorIP.Compare(o.OriginatorIP); c != 0 {
		return c
	}
	if c := k.SourceAddr.Compare(o.SourceAddr); c != 0 {
		return c
	}
	return k.GroupAddr.Compare(o.GroupAddr)
}
func (k MVPNKey) Labels() []uint32 { return nil }
func (k MVPNKey) String() string {
	return fmt.Sprintf("mvpn/%d %s src=%s grp=%s", k.Subtype, k.RD, k.SourceAddr, k.GroupAddr)
}

// EVPNSubtype enumerates the 4 EVPN NLRI route types this collector
// understands (RFC 7432 §7).
type EVPNSubtype uint8

const (
	EVPNEthernetAutoDiscovery   EVPNSubtype = 1
	EVPNMACIPAdvertisement      EVPNSubtype = 2
	EVPNInclusiveMulticastTag   EVPNSubtype = 3
	EVPNEthernetSegment         EVPNSubtype = 4
)

// EVPNKey is the route key for evpn.
type EVPNKey struct {
	Subtype EVPNSubtype
	RD      RD
	ESI     [10]byte
	EthTag  uint32
	MACLen  uint8
	MAC     [6]byte
	IPAddr  netip.Addr
	Label   uint32
}

func (k EVPNKey) Compare(other RouteKey) int {
	o := other.(EVPNKey)
	if c := cmp.Compare(k.Subtype, o.Subtype); c != 0 {
		return c
	}
	if c := k.RD.Compare(o.RD); c != 0 {
		return c
	}
	if c := bytes.Compare(k.ESI[:], o.ESI[:]); c != 0 {
		return c
	}
	if c := cmp.Compare(k.EthTag, o.EthTag); c != 0 {
		return c
	}
	if c := bytes.Compare(k.MAC[:], o.MAC[:]); c != 0 {
		return c
	}
	return k.IPAddr.Compare(o.IPAddr)
}
func (k EVPNKey) Labels() []uint32 { return []uint32{k.Label} }
func (k EVPNKey) String() string {
	return fmt.Sprintf("evpn/%d %s mac=%x ip=%s", k.Subtype, k.RD, k.MAC, k.IPAddr)
}

// MDTKey is the route key for ipv4mdt/ipv6mdt (RFC 6037 MDT SAFI): RD +
// source address + group address.
type MDTKey struct {
	RD         RD
	SourceAddr netip.Addr
	GroupAddr  netip.Addr
}

func (k MDTKey) Compare(other RouteKey) int {
	o := other.(MDTKey)
	if c := k.RD.Compare(o.RD); c != 0 {
		return c
	}
	if c := k.SourceAddr.Compare(o.SourceAddr); c != 0 {
		return c
	}
	return k.GroupAddr.Compare(o.GroupAddr)
}
func (k MDTKey) Labels() []uint32 { return nil }
func (k MDTKey) String() string   { return fmt.Sprintf("%s src=%s grp=%s", k.RD, k.SourceAddr, k.GroupAddr) }

// FlowSpecKey is the route key for fs4u (RFC 5575 FlowSpec). The NLRI is
// kept as its encoded component sequence: FlowSpec components are already
// defined to sort by ascending type then by their own binary comparison
// (RFC 5575 §5.1), which byte-wise comparison of the encoded form
// approximates closely enough for index and range-scan purposes here.
type FlowSpecKey struct {
	RD      RD
	Encoded []byte
}

func (k FlowSpecKey) Compare(other RouteKey) int {
	o := other.(FlowSpecKey)
	if c := k.RD.Compare(o.RD); c != 0 {
		return c
	}
	return bytes.Compare(k.Encoded, o.Encoded)
}
func (k FlowSpecKey) Labels() []uint32 { return nil }
func (k FlowSpecKey) String() string   { return fmt.Sprintf("%s flowspec(%d bytes)", k.RD, len(k.Encoded)) }

// PrefixOf extracts the network prefix from any RouteKey variant that
// carries one, for the filter engine's prefix-term matching and
// narrowest-range scan restriction. Key types with no natural prefix
// representation (L2VPLSKey, MVPNKey, EVPNKey, MDTKey, FlowSpecKey) return
// false.
func PrefixOf(k RouteKey) (netip.Prefix, bool) {
	switch v := k.(type) {
	case PrefixV4Key:
		return v.Prefix, true
	case PrefixV6Key:
		return v.Prefix, true
	case LabeledPrefixKey:
		return v.Prefix, true
	case RDPrefixKey:
		return v.Prefix, true
	case LabeledRDPrefixKey:
		return v.Prefix, true
	default:
		return netip.Prefix{}, false
	}
}

// RDOf extracts the route distinguisher from any RouteKey variant that
// carries one.
func RDOf(k RouteKey) (RD, bool) {
	switch v := k.(type) {
	case RDPrefixKey:
		return v.RD, true
	case LabeledRDPrefixKey:
		return v.RD, true
	case L2VPLSKey:
		return v.RD, true
	case MVPNKey:
		return v.RD, true
	case EVPNKey:
		return v.RD, true
	case MDTKey:
		return v.RD, true
	case FlowSpecKey:
		return v.RD, true
	default:
		return RD{}, false
	}
}
