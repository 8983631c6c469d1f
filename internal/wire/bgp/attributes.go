package bgp

import (
	"encoding/binary"
	"fmt"
	"net/netip"
)

// ParsePathAttrs parses the path attributes section of a BGP UPDATE into a
// PathAttrs value, plus any MP_REACH_NLRI / MP_UNREACH_NLRI instances found
// (an UPDATE can legally carry at most one of each, but the caller decides
// what to do with duplicates).
func ParsePathAttrs(data []byte) (PathAttrs, []MPReach, []MPUnreach, error) {
	attrs := PathAttrs{
		Unknown: make(map[uint8][]byte),
	}
	var mpReach []MPReach
	var mpUnreach []MPUnreach

	offset := 0
	for offset < len(data) {
		if offset+2 > len(data) {
			return attrs, mpReach, mpUnreach, fmt.Errorf("bgp: attr header truncated at offset %d", offset)
		}

		flags := data[offset]
		typeCode := data[offset+1]
		offset += 2

		var attrLen int
		if flags&0x10 != 0 { // Extended Length
			if offset+2 > len(data) {
				return attrs, mpReach, mpUnreach, fmt.Errorf("bgp: extended attr length truncated")
			}
			attrLen = int(binary.BigEndian.Uint16(data[offset : offset+2]))
			offset += 2
		} else {
			if offset+1 > len(data) {
				return attrs, mpReach, mpUnreach, fmt.Errorf("bgp: attr length truncated")
			}
			attrLen = int(data[offset])
			offset++
		}

		if offset+attrLen > len(data) {
			return attrs, mpReach, mpUnreach, fmt.Errorf("bgp: attr data truncated (type %d, need %d, have %d)", typeCode, attrLen, len(data)-offset)
		}

		attrData := data[offset : offset+attrLen]
		offset += attrLen

		switch typeCode {
		case AttrTypeOrigin:
			parseOrigin(attrData, &attrs)
		case AttrTypeASPath:
			attrs.ASPath = append(attrs.ASPath, parseASPath(attrData)...)
		case AttrTypeNextHop:
			parseNextHop(attrData, &attrs)
		case AttrTypeMED:
			parseMED(attrData, &attrs)
		case AttrTypeLocalPref:
			parseLocalPref(attrData, &attrs)
		case AttrTypeAtomicAggr:
			attrs.AtomicAggregate = true
		case AttrTypeAggregator:
			parseAggregator(attrData, &attrs)
		case AttrTypeCommunity:
			parseCommunity(attrData, &attrs)
		case AttrTypeOriginatorID:
			parseOriginatorID(attrData, &attrs)
		case AttrTypeClusterList:
			parseClusterList(attrData, &attrs)
		case AttrTypeMPReachNLRI:
			if r, err := parseMPReach(attrData); err == nil {
				mpReach = append(mpReach, r)
			}
		case AttrTypeMPUnreachNLRI:
			if u, err := parseMPUnreach(attrData); err == nil {
				mpUnreach = append(mpUnreach, u)
			}
		case AttrTypeExtCommunity:
			parseExtCommunity(attrData, &attrs)
		case AttrTypeAS4Path:
			// AS4_PATH supersedes AS_PATH when both are present; this
			// collector targets AS4-capable peers end to end, so the plain
			// AS_PATH (possibly AS_TRANS-filled) is overwritten here.
			attrs.ASPath = parseASPath(attrData)
		case AttrTypePMSITunnel:
			attrs.PMSITunnel = parsePMSITunnel(attrData)
		case AttrTypeLargeCommunity:
			parseLargeCommunity(attrData, &attrs)
		default:
			cp := make([]byte, len(attrData))
			copy(cp, attrData)
			attrs.Unknown[typeCode] = cp
		}
	}

	return attrs, mpReach, mpUnreach, nil
}

func parseOrigin(data []byte, attrs *PathAttrs) {
	if len(data) < 1 {
		return
	}
	attrs.HasOrigin = true
	attrs.Origin = data[0]
}

func parseASPath(data []byte) []ASPathSegment {
	var segments []ASPathSegment
	offset := 0
	for offset+2 <= len(data) {
		segType := data[offset]
		segLen := int(data[offset+1])
		offset += 2

		if offset+segLen*4 > len(data) {
			break
		}

		asns := make([]uint32, segLen)
		for i := 0; i < segLen; i++ {
			asns[i] = binary.BigEndian.Uint32(data[offset : offset+4])
			offset += 4
		}

		segments = append(segments, ASPathSegment{Type: segType, ASNs: asns})
	}
	return segments
}

func parseNextHop(data []byte, attrs *PathAttrs) {
	addr, ok := addrFromBytes(data)
	if !ok {
		return
	}
	attrs.HasNextHop = true
	attrs.NextHop = addr
}

func parseMED(data []byte, attrs *PathAttrs) {
	if len(data) != 4 {
		return
	}
	v := binary.BigEndian.Uint32(data)
	attrs.MED = &v
}

func parseLocalPref(data []byte, attrs *PathAttrs) {
	if len(data) != 4 {
		return
	}
	v := binary.BigEndian.Uint32(data)
	attrs.LocalPref = &v
}

func parseAggregator(data []byte, attrs *PathAttrs) {
	// 4-octet ASN + 4-byte IPv4 address, matching an AS4-capable session; a
	// legacy 2-octet AGGREGATOR would be 6 bytes and is simply ignored
	// since this collector requires AS4 capability to establish.
	if len(data) != 8 {
		return
	}
	addr, ok := addrFromBytes(data[4:8])
	if !ok {
		return
	}
	attrs.Aggregator = &Aggregator{
		ASN:     binary.BigEndian.Uint32(data[0:4]),
		Address: addr,
	}
}

func parseCommunity(data []byte, attrs *PathAttrs) {
	for i := 0; i+4 <= len(data); i += 4 {
		attrs.Communities = append(attrs.Communities, binary.BigEndian.Uint32(data[i:i+4]))
	}
}

func parseOriginatorID(data []byte, attrs *PathAttrs) {
	addr, ok := addrFromBytes(data)
	if !ok {
		return
	}
	attrs.HasOriginatorID = true
	attrs.OriginatorID = addr
}

func parseClusterList(data []byte, attrs *PathAttrs) {
	for i := 0; i+4 <= len(data); i += 4 {
		attrs.ClusterList = append(attrs.ClusterList, binary.BigEndian.Uint32(data[i:i+4]))
	}
}

func parseExtCommunity(data []byte, attrs *PathAttrs) {
	for i := 0; i+8 <= len(data); i += 8 {
		var ec ExtCommunity
		copy(ec[:], data[i:i+8])
		attrs.ExtCommunities = append(attrs.ExtCommunities, ec)
	}
}

func parseLargeCommunity(data []byte, attrs *PathAttrs) {
	for i := 0; i+12 <= len(data); i += 12 {
		attrs.LargeCommunities = append(attrs.LargeCommunities, LargeCommunity{
			Global: binary.BigEndian.Uint32(data[i : i+4]),
			Local1: binary.BigEndian.Uint32(data[i+4 : i+8]),
			Local2: binary.BigEndian.Uint32(data[i+8 : i+12]),
		})
	}
}

func parsePMSITunnel(data []byte) *PMSITunnel {
	if len(data) < 5 {
		return nil
	}
	t := &PMSITunnel{
		Flags:      data[0],
		TunnelType: data[1],
	}
	copy(t.Label[:], data[2:5])
	if len(data) > 5 {
		t.TunnelID = append([]byte(nil), data[5:]...)
	}
	return t
}

// parseMPReach decodes an MP_REACH_NLRI attribute. The next hop and NLRI
// are handed back largely raw: NLRI encoding is SAFI-specific and decoding
// it into a concrete route key belongs to the RIB table layer, which knows
// which SAFI's key type to build.
func parseMPReach(data []byte) (MPReach, error) {
	if len(data) < 5 {
		return MPReach{}, fmt.Errorf("bgp: mp_reach truncated")
	}

	afi := binary.BigEndian.Uint16(data[0:2])
	safi := data[2]
	nhLen := int(data[3])
	offset := 4

	if offset+nhLen > len(data) {
		return MPReach{}, fmt.Errorf("bgp: mp_reach next hop truncated")
	}
	nextHop := append([]byte(nil), data[offset:offset+nhLen]...)
	offset += nhLen

	// Skip SNPA entries (RFC 4760: 1-byte count, then N x {1-byte len, len
	// bytes}); no implementation in the wild still sets these.
	if offset >= len(data) {
		return MPReach{}, fmt.Errorf("bgp: mp_reach snpa count truncated")
	}
	snpaCount := int(data[offset])
	offset++
	for i := 0; i < snpaCount; i++ {
		if offset >= len(data) {
			return MPReach{}, fmt.Errorf("bgp: mp_reach snpa truncated")
		}
		snpaLen := int(data[offset])
		offset++
		snpaByteLen := (snpaLen + 1) / 2
		if offset+snpaByteLen > len(data) {
			return MPReach{}, fmt.Errorf("bgp: mp_reach snpa truncated")
		}
		offset += snpaByteLen
	}

	return MPReach{
		AFI:     afi,
		SAFI:    safi,
		NextHop: nextHop,
		NLRI:    append([]byte(nil), data[offset:]...),
	}, nil
}

func parseMPUnreach(data []byte) (MPUnreach, error) {
	if len(data) < 3 {
		return MPUnreach{}, fmt.Errorf("bgp: mp_unreach truncated")
	}
	return MPUnreach{
		AFI:  binary.BigEndian.Uint16(data[0:2]),
		SAFI: data[2],
		NLRI: append([]byte(nil), data[3:]...),
	}, nil
}

func addrFromBytes(b []byte) (netip.Addr, bool) {
	switch len(b) {
	case 4:
		return netip.AddrFrom4([4]byte(b)), true
	case 16:
		return netip.AddrFrom16([16]byte(b)), true
	case 32:
		// Global + link-local IPv6 next hop; the global address is the one
		// that matters for RIB purposes.
		return netip.AddrFrom16([16]byte(b[:16])), true
	default:
		return netip.Addr{}, false
	}
}

// OriginASN returns the origin AS number: the last ASN of the last
// SEQUENCE segment. ok is false if the path is empty or ends in an AS_SET,
// matching the ambiguity an AS_SET-terminated path carries for origin
// validation.
func OriginASN(segments []ASPathSegment) (asn uint32, ok bool) {
	if len(segments) == 0 {
		return 0, false
	}
	last := segments[len(segments)-1]
	if last.Type != ASPathSegmentSequence || len(last.ASNs) == 0 {
		return 0, false
	}
	return last.ASNs[len(last.ASNs)-1], true
}
