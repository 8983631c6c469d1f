// Package bmp is the wire codec the rest of the collector treats as an
// external dependency for the BMP (RFC 7854) session transport: it unwraps
// the per-peer envelope around each carried BGP message and hands the
// caller a typed ParsedBMP plus the raw BGP payload to pass to the bgp
// package.
package bmp

import (
	"encoding/binary"
	"fmt"
	"net/netip"
	"strconv"
	"strings"
)

// BMP message type codes (RFC 7854).
const (
	MsgTypeRouteMonitoring  uint8 = 0
	MsgTypeStatisticsReport uint8 = 1
	MsgTypePeerDown         uint8 = 2
	MsgTypePeerUp           uint8 = 3
	MsgTypeInitiation       uint8 = 4
	MsgTypeTermination      uint8 = 5
	MsgTypeRouteMirroring   uint8 = 6
)

// BMP peer types.
const (
	PeerTypeGlobal uint8 = 0
	PeerTypeRD     uint8 = 1
	PeerTypeLocal  uint8 = 2
	PeerTypeLocRIB uint8 = 3 // RFC 9069
)

// BMP header sizes.
const (
	CommonHeaderSize  = 6  // version(1) + msg_length(4) + msg_type(1)
	PerPeerHeaderSize = 42 // peer_type(1) + flags(1) + distinguisher(8) + addr(16) + AS(4) + BGPID(4) + ts_sec(4) + ts_usec(4)
)

// TLV type codes (RFC 7854 §4.4, RFC 9069).
const (
	TLVTypeTableName uint16 = 0
	TLVTypeSysDescr  uint16 = 1
	TLVTypeSysName   uint16 = 2
)

// BMPVersion is the expected BMP protocol version.
const BMPVersion uint8 = 3

// PeerFlagIPv6 is the V-bit in peer_flags (RFC 7854 §4.2): set when the
// peer address field holds an IPv6 address rather than an IPv4-mapped one.
const PeerFlagIPv6 uint8 = 0x80

// PeerFlagAddPath is the F-bit in peer_flags (RFC 9069 §4.2), bit position
// 0x02. It is the only Add-Path signal Parse reads; the OPEN capabilities
// carried in a Peer Up message are not consulted.
const PeerFlagAddPath uint8 = 0x02

// RouteDistinguisher is the 8-byte RD carried for VRF (peer type 1) and
// Loc-RIB (peer type 3, RFC 9069) peers; zero for global-instance peers.
type RouteDistinguisher [8]byte

// ParseRouteDistinguisher parses the two RFC 4364 text forms used in
// configuration: "asn:value" (type 0, asn fits in 16 bits) and
// "ipv4-address:value" (type 1).
func ParseRouteDistinguisher(s string) (RouteDistinguisher, error) {
	var rd RouteDistinguisher
	idx := strings.LastIndexByte(s, ':')
	if idx < 0 {
		return rd, fmt.Errorf("bmp: route distinguisher %q: missing ':'", s)
	}
	left, right := s[:idx], s[idx+1:]
	value, err := strconv.ParseUint(right, 10, 32)
	if err != nil {
		return rd, fmt.Errorf("bmp: route distinguisher %q: invalid value: %w", s, err)
	}
	if addr, aerr := netip.ParseAddr(left); aerr == nil && addr.Is4() {
		rd[0], rd[1] = 0, 1
		copy(rd[2:6], addr.AsSlice())
		binary.BigEndian.PutUint16(rd[6:8], uint16(value))
		return rd, nil
	}
	asn, err := strconv.ParseUint(left, 10, 16)
	if err != nil {
		return rd, fmt.Errorf("bmp: route distinguisher %q: left side must be a 16-bit ASN or IPv4 address", s)
	}
	rd[0], rd[1] = 0, 0
	binary.BigEndian.PutUint16(rd[2:4], uint16(asn))
	binary.BigEndian.PutUint32(rd[4:8], uint32(value))
	return rd, nil
}

// PerPeerHeader is the fixed 42-byte header RFC 7854 §4.2 prefixes to
// every per-peer BMP message.
type PerPeerHeader struct {
	PeerType           uint8
	PeerFlags          uint8
	Distinguisher      RouteDistinguisher
	PeerAddress        netip.Addr
	PeerASN            uint32
	PeerBGPID          netip.Addr
	TimestampSec       uint32
	TimestampMicrosec  uint32
}

// IsLocRIB reports whether this header describes a Loc-RIB peer (RFC 9069).
func (h PerPeerHeader) IsLocRIB() bool { return h.PeerType == PeerTypeLocRIB }

// HasAddPathHint reports whether the F-bit advertises Add-Path encoded
// NLRI for this peer. Some implementations omit the bit even when sending
// Add-Path NLRI; their NLRI is then decoded without path identifiers.
func (h PerPeerHeader) HasAddPathHint() bool { return h.PeerFlags&PeerFlagAddPath != 0 }

// ParsedBMP is one decoded BMP message.
type ParsedBMP struct {
	MsgType uint8
	Peer    PerPeerHeader

	// HasAddPath reports whether the encapsulated BGP message is decoded
	// with Add-Path encoding. It is the per-peer header's F-bit alone; the
	// matching Peer Up's OPEN capability negotiation is not folded in.
	HasAddPath bool

	// BGPData is the encapsulated BGP message, 19-byte BGP header
	// included. Parse sets it only for RouteMonitoring.
	BGPData []byte

	// Offset is this message's byte offset within the raw stream buffer
	// it was parsed out of; used for resynchronization after an error.
	Offset int

	// Initiation fields (MsgTypeInitiation).
	SysName   string
	SysDescr  string
	TableName string // RFC 9069 TLV on a Loc-RIB Route Monitoring message

	// Peer Down fields (MsgTypePeerDown).
	PeerDownReason uint8

	// Peer Up fields (MsgTypePeerUp).
	LocalAddress netip.Addr
	LocalPort    uint16
	RemotePort   uint16
	SentOpen     []byte // raw OPEN the router sent to its peer
	ReceivedOpen []byte // raw OPEN the router received from its peer
}
