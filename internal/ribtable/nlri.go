package ribtable

import (
	"encoding/binary"
	"fmt"
	"net/netip"
)

// PathKey pairs a decoded route key with the add-path identifier it
// arrived under (0 when add-path is not in use for this AFI/SAFI).
type PathKey[K RouteKey] struct {
	Key    K
	PathID uint32
}

func readPrefixBits(data []byte, offset, addrLen int) (netip.Addr, int, int, error) {
	if offset >= len(data) {
		return netip.Addr{}, 0, offset, fmt.Errorf("ribtable: nlri truncated at offset %d", offset)
	}
	prefixLen := int(data[offset])
	offset++
	maxBits := addrLen * 8
	if prefixLen > maxBits {
		return netip.Addr{}, 0, offset, fmt.Errorf("ribtable: prefix length %d exceeds %d bits", prefixLen, maxBits)
	}
	byteLen := (prefixLen + 7) / 8
	if offset+byteLen > len(data) {
		return netip.Addr{}, 0, offset, fmt.Errorf("ribtable: nlri truncated at offset %d", offset)
	}
	buf := make([]byte, addrLen)
	copy(buf, data[offset:offset+byteLen])
	offset += byteLen

	var addr netip.Addr
	if addrLen == 4 {
		addr = netip.AddrFrom4([4]byte(buf))
	} else {
		addr = netip.AddrFrom16([16]byte(buf))
	}
	return addr, prefixLen, offset, nil
}

// DecodeUnicastV4 decodes a run of bare IPv4 NLRI (ipv4u/ipv4m).
func DecodeUnicastV4(data []byte, hasAddPath bool) ([]PathKey[PrefixV4Key], error) {
	var out []PathKey[PrefixV4Key]
	offset := 0
	for offset < len(data) {
		pathID, err := readPathID(data, &offset, hasAddPath)
		if err != nil {
			return out, err
		}
		addr, bits, next, err := readPrefixBits(data, offset, 4)
		if err != nil {
			return out, err
		}
		offset = next
		out = append(out, PathKey[PrefixV4Key]{Key: PrefixV4Key{Prefix: netip.PrefixFrom(addr, bits)}, PathID: pathID})
	}
	return out, nil
}

// DecodeUnicastV6 decodes a run of bare IPv6 NLRI (ipv6u).
func DecodeUnicastV6(data []byte, hasAddPath bool) ([]PathKey[PrefixV6Key], error) {
	var out []PathKey[PrefixV6Key]
	offset := 0
	for offset < len(data) {
		pathID, err := readPathID(data, &offset, hasAddPath)
		if err != nil {
			return out, err
		}
		addr, bits, next, err := readPrefixBits(data, offset, 16)
		if err != nil {
			return out, err
		}
		offset = next
		out = append(out, PathKey[PrefixV6Key]{Key: PrefixV6Key{Prefix: netip.PrefixFrom(addr, bits)}, PathID: pathID})
	}
	return out, nil
}

func readPathID(data []byte, offset *int, hasAddPath bool) (uint32, error) {
	if !hasAddPath {
		return 0, nil
	}
	if *offset+4 > len(data) {
		return 0, fmt.Errorf("ribtable: add-path id truncated at offset %d", *offset)
	}
	id := binary.BigEndian.Uint32(data[*offset : *offset+4])
	*offset += 4
	return id, nil
}

// DecodeLabeledUnicast decodes RFC 8277 labeled unicast NLRI (ipv4lu,
// ipv6lu): each entry is prefixLen (counted over label+prefix bits) + a
// 3-byte label + the prefix's own bytes.
func DecodeLabeledUnicast(data []byte, addrLen int, hasAddPath bool) ([]PathKey[LabeledPrefixKey], error) {
	var out []PathKey[LabeledPrefixKey]
	offset := 0
	for offset < len(data) {
		pathID, err := readPathID(data, &offset, hasAddPath)
		if err != nil {
			return out, err
		}
		if offset >= len(data) {
			return out, fmt.Errorf("ribtable: labeled nlri truncated at offset %d", offset)
		}
		totalBits := int(data[offset])
		offset++
		if totalBits < 24 {
			return out, fmt.Errorf("ribtable: labeled nlri prefix length %d shorter than one label", totalBits)
		}
		label, next, err := readLabel(data, offset)
		if err != nil {
			return out, err
		}
		offset = next

		prefixBits := totalBits - 24
		byteLen := (prefixBits + 7) / 8
		if offset+byteLen > len(data) {
			return out, fmt.Errorf("ribtable: labeled nlri truncated at offset %d", offset)
		}
		buf := make([]byte, addrLen)
		copy(buf, data[offset:offset+byteLen])
		offset += byteLen

		addr := addrFromBuf(buf, addrLen)
		out = append(out, PathKey[LabeledPrefixKey]{
			Key:    LabeledPrefixKey{Prefix: netip.PrefixFrom(addr, prefixBits), Label: label},
			PathID: pathID,
		})
	}
	return out, nil
}

func readLabel(data []byte, offset int) (uint32, int, error) {
	if offset+3 > len(data) {
		return 0, offset, fmt.Errorf("ribtable: label truncated at offset %d", offset)
	}
	label := uint32(data[offset])<<16 | uint32(data[offset+1])<<8 | uint32(data[offset+2])
	return label >> 4, offset + 3, nil // low 4 bits are TTL/bottom-of-stack flags
}

func addrFromBuf(buf []byte, addrLen int) netip.Addr {
	if addrLen == 4 {
		return netip.AddrFrom4([4]byte(buf))
	}
	return netip.AddrFrom16([16]byte(buf))
}

// DecodeVPNUnicast decodes RFC 4364 L3VPN NLRI (vpnv4u, vpnv6u, SAFI 128):
// prefixLen (over label+RD+prefix bits) + 3-byte label + 8-byte RD + the
// prefix's own bytes.
func DecodeVPNUnicast(data []byte, addrLen int, hasAddPath bool) ([]PathKey[LabeledRDPrefixKey], error) {
	var out []PathKey[LabeledRDPrefixKey]
	offset := 0
	for offset < len(data) {
		pathID, err := readPathID(data, &offset, hasAddPath)
		if err != nil {
			return out, err
		}
		if offset >= len(data) {
			return out, fmt.Errorf("ribtable: vpn nlri truncated at offset %d", offset)
		}
		totalBits := int(data[offset])
		offset++
		if totalBits < 24+64 {
			return out, fmt.Errorf("ribtable: vpn nlri prefix length %d shorter than label+rd", totalBits)
		}
		label, next, err := readLabel(data, offset)
		if err != nil {
			return out, err
		}
		offset = next

		if offset+8 > len(data) {
			return out, fmt.Errorf("ribtable: vpn nlri rd truncated at offset %d", offset)
		}
		var rd RD
		copy(rd[:], data[offset:offset+8])
		offset += 8

		prefixBits := totalBits - 24 - 64
		byteLen := (prefixBits + 7) / 8
		if offset+byteLen > len(data) {
			return out, fmt.Errorf("ribtable: vpn nlri truncated at offset %d", offset)
		}
		buf := make([]byte, addrLen)
		copy(buf, data[offset:offset+byteLen])
		offset += byteLen

		out = append(out, PathKey[LabeledRDPrefixKey]{
			Key: LabeledRDPrefixKey{
				RD:     rd,
				Label:  label,
				Prefix: netip.PrefixFrom(addrFromBuf(buf, addrLen), prefixBits),
			},
			PathID: pathID,
		})
	}
	return out, nil
}

// DecodeVPNMulticast decodes RD-tagged multicast VPN NLRI (vpnv4m,
// vpnv6m, SAFI 129): prefixLen (over RD+prefix bits) + 8-byte RD + the
// prefix's own bytes, no label.
func DecodeVPNMulticast(data []byte, addrLen int, hasAddPath bool) ([]PathKey[RDPrefixKey], error) {
	var out []PathKey[RDPrefixKey]
	offset := 0
	for offset < len(data) {
		pathID, err := readPathID(data, &offset, hasAddPath)
		if err != nil {
			return out, err
		}
		if offset >= len(data) {
			return out, fmt.Errorf("ribtable: vpn multicast nlri truncated at offset %d", offset)
		}
		totalBits := int(data[offset])
		offset++
		if totalBits < 64 {
			return out, fmt.Errorf("ribtable: vpn multicast nlri prefix length %d shorter than rd", totalBits)
		}
		if offset+8 > len(data) {
			return out, fmt.Errorf("ribtable: vpn multicast nlri rd truncated at offset %d", offset)
		}
		var rd RD
		copy(rd[:], data[offset:offset+8])
		offset += 8

		prefixBits := totalBits - 64
		byteLen := (prefixBits + 7) / 8
		if offset+byteLen > len(data) {
			return out, fmt.Errorf("ribtable: vpn multicast nlri truncated at offset %d", offset)
		}
		buf := make([]byte, addrLen)
		copy(buf, data[offset:offset+byteLen])
		offset += byteLen

		out = append(out, PathKey[RDPrefixKey]{
			Key:    RDPrefixKey{RD: rd, Prefix: netip.PrefixFrom(addrFromBuf(buf, addrLen), prefixBits)},
			PathID: pathID,
		})
	}
	return out, nil
}

// DecodeMDT decodes RFC 6037 MDT SAFI NLRI (ipv4mdt, ipv6mdt): one byte
// of length (in bits, over RD+source+group), then RD(8) + source + group.
func DecodeMDT(data []byte, addrLen int) ([]MDTKey, error) {
	var out []MDTKey
	offset := 0
	for offset < len(data) {
		if offset >= len(data) {
			return out, fmt.Errorf("ribtable: mdt nlri truncated at offset %d", offset)
		}
		offset++ // length field: always the fixed RD+source+group width for this collector
		if offset+8+2*addrLen > len(data) {
			return out, fmt.Errorf("ribtable: mdt nlri truncated at offset %d", offset)
		}
		var rd RD
		copy(rd[:], data[offset:offset+8])
		offset += 8
		src := addrFromBuf(data[offset:offset+addrLen], addrLen)
		offset += addrLen
		grp := addrFromBuf(data[offset:offset+addrLen], addrLen)
		offset += addrLen
		out = append(out, MDTKey{RD: rd, SourceAddr: src, GroupAddr: grp})
	}
	return out, nil
}

// DecodeVPLS decodes RFC 4761 VPLS NLRI (l2vpls, SAFI 65): 2-byte length,
// 8-byte RD, 2-byte VE ID, 2-byte VE block offset, 2-byte VE block size,
// 3-byte label base.
func DecodeVPLS(data []byte) ([]L2VPLSKey, error) {
	var out []L2VPLSKey
	offset := 0
	for offset < len(data) {
		if offset+2 > len(data) {
			return out, fmt.Errorf("ribtable: vpls nlri truncated at offset %d", offset)
		}
		length := int(binary.BigEndian.Uint16(data[offset : offset+2]))
		offset += 2
		if offset+length > len(data) || length < 8+2+2+2+3 {
			return out, fmt.Errorf("ribtable: vpls nlri length %d invalid at offset %d", length, offset)
		}
		entry := data[offset : offset+length]
		offset += length

		var rd RD
		copy(rd[:], entry[0:8])
		veID := binary.BigEndian.Uint16(entry[8:10])
		labelBase := uint32(entry[14])<<16 | uint32(entry[15])<<8 | uint32(entry[16])
		out = append(out, L2VPLSKey{RD: rd, VEID: veID, LabelBase: labelBase >> 4})
	}
	return out, nil
}

// DecodeFlowSpec decodes RFC 5575 FlowSpec NLRI (fs4u, SAFI 133) into raw
// component sequences, keyed verbatim (see FlowSpecKey for why).
func DecodeFlowSpec(data []byte) ([]FlowSpecKey, error) {
	var out []FlowSpecKey
	offset := 0
	for offset < len(data) {
		var length int
		if data[offset] >= 0xf0 {
			if offset+2 > len(data) {
				return out, fmt.Errorf("ribtable: flowspec nlri truncated at offset %d", offset)
			}
			length = int(binary.BigEndian.Uint16(data[offset:offset+2])) & 0x0FFF
			offset += 2
		} else {
			length = int(data[offset])
			offset++
		}
		if offset+length > len(data) {
			return out, fmt.Errorf("ribtable: flowspec nlri truncated at offset %d", offset)
		}
		encoded := append([]byte(nil), data[offset:offset+length]...)
		offset += length
		out = append(out, FlowSpecKey{Encoded: encoded})
	}
	return out, nil
}

// readTypeLengthValue reads the common routeType(1) + length(1) + value
// TLV framing RFC 6514 (MVPN) and RFC 7432 (EVPN) both use for their NLRI.
func readTypeLengthValue(data []byte, offset int) (routeType uint8, value []byte, next int, err error) {
	if offset+2 > len(data) {
		return 0, nil, offset, fmt.Errorf("ribtable: nlri tlv truncated at offset %d", offset)
	}
	routeType = data[offset]
	length := int(data[offset+1])
	offset += 2
	if offset+length > len(data) {
		return 0, nil, offset, fmt.Errorf("ribtable: nlri tlv value truncated at offset %d", offset)
	}
	return routeType, data[offset : offset+length], offset + length, nil
}

// DecodeMVPN decodes RFC 6514 MVPN NLRI (mvpn, SAFI 5) into MVPNKey,
// extracting the fields meaningful to the route types this collector
// distinguishes and leaving the rest zero.
func DecodeMVPN(data []byte) ([]MVPNKey, error) {
	var out []MVPNKey
	offset := 0
	for offset < len(data) {
		routeType, value, next, err := readTypeLengthValue(data, offset)
		if err != nil {
			return out, err
		}
		offset = next

		key := MVPNKey{Subtype: MVPNSubtype(routeType)}
		switch MVPNSubtype(routeType) {
		case MVPNIntraASIPMSIAD:
			if len(value) >= 12 {
				copy(key.RD[:], value[0:8])
				key.OriginatorIP = addrFromVariable(value[8:])
			}
		case MVPNInterASIPMSIAD:
			if len(value) >= 12 {
				copy(key.RD[:], value[0:8])
				key.SourceAS = binary.BigEndian.Uint32(value[8:12])
			}
		case MVPNSPMSIAD, MVPNSourceActiveAD, MVPNSharedTreeJoin, MVPNSourceTreeJoin:
			if len(value) >= 8 {
				copy(key.RD[:], value[0:8])
			}
			rest := value[min(8, len(value)):]
			if len(rest) >= 8 {
				key.SourceAddr = addrFromVariable(rest[:len(rest)/2])
				key.GroupAddr = addrFromVariable(rest[len(rest)/2:])
			}
		case MVPNLeafAD:
			if len(value) >= 8 {
				copy(key.OriginatorRD[:], value[0:8])
			}
		}
		out = append(out, key)
	}
	return out, nil
}

func addrFromVariable(b []byte) netip.Addr {
	switch len(b) {
	case 4:
		return netip.AddrFrom4([4]byte(b))
	case 16:
		return netip.AddrFrom16([16]byte(b))
	default:
		return netip.Addr{}
	}
}

// DecodeEVPN decodes RFC 7432 EVPN NLRI (evpn, SAFI 70) for the four
// route types this collector distinguishes.
func DecodeEVPN(data []byte) ([]EVPNKey, error) {
	var out []EVPNKey
	offset := 0
	for offset < len(data) {
		routeType, value, next, err := readTypeLengthValue(data, offset)
		if err != nil {
			return out, err
		}
		offset = next

		key := EVPNKey{Subtype: EVPNSubtype(routeType)}
		switch EVPNSubtype(routeType) {
		case EVPNEthernetAutoDiscovery:
			if len(value) >= 8+10+4+3 {
				copy(key.RD[:], value[0:8])
				copy(key.ESI[:], value[8:18])
				key.EthTag = binary.BigEndian.Uint32(value[18:22])
				key.Label = labelFrom3(value[22:25])
			}
		case EVPNMACIPAdvertisement:
			if len(value) >= 8+10+4+1+6 {
				copy(key.RD[:], value[0:8])
				copy(key.ESI[:], value[8:18])
				key.EthTag = binary.BigEndian.Uint32(value[18:22])
				key.MACLen = value[22]
				copy(key.MAC[:], value[23:29])
				off := 29
				if off < len(value) {
					ipLenBits := int(value[off])
					off++
					ipBytes := (ipLenBits + 7) / 8
					if ipBytes > 0 && off+ipBytes <= len(value) {
						key.IPAddr = addrFromVariable(value[off : off+ipBytes])
						off += ipBytes
					}
					if off+3 <= len(value) {
						key.Label = labelFrom3(value[off : off+3])
					}
				}
			}
		case EVPNInclusiveMulticastTag:
			if len(value) >= 8+4 {
				copy(key.RD[:], value[0:8])
				key.EthTag = binary.BigEndian.Uint32(value[8:12])
			}
		case EVPNEthernetSegment:
			if len(value) >= 8+10 {
				copy(key.RD[:], value[0:8])
				copy(key.ESI[:], value[8:18])
			}
		}
		out = append(out, key)
	}
	return out, nil
}

func labelFrom3(b []byte) uint32 {
	return (uint32(b[0])<<16 | uint32(b[1])<<8 | uint32(b[2])) >> 4
}
