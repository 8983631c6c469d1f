package bgp

import (
	"encoding/binary"
	"fmt"
	"net/netip"
)

// ParseHeader reads the fixed 19-byte BGP message header and returns the
// total message length (header included) and the message type. The
// 16-byte marker is not validated since a BMP-wrapped peer session never
// negotiates authentication, so a non-all-ones marker only ever indicates
// a desynchronized stream, which the caller detects via length sanity
// instead.
func ParseHeader(data []byte) (length int, msgType uint8, err error) {
	if len(data) < HeaderSize {
		return 0, 0, fmt.Errorf("bgp: header too short (%d bytes)", len(data))
	}
	length = int(binary.BigEndian.Uint16(data[16:18]))
	msgType = data[18]
	if length < HeaderSize || length > MaxMessageSize {
		return 0, 0, fmt.Errorf("bgp: invalid message length %d", length)
	}
	return length, msgType, nil
}

// ParseUpdate parses the body of a BGP UPDATE message (the bytes following
// the 19-byte header). hasAddPathV4 controls whether the base
// withdrawn-routes/NLRI fields (always IPv4 unicast) carry a leading
// 4-byte path identifier.
func ParseUpdate(body []byte, hasAddPathV4 bool) (*UpdateMessage, error) {
	if len(body) < 4 {
		return nil, fmt.Errorf("bgp: update body too short (%d bytes)", len(body))
	}

	offset := 0

	withdrawnLen := int(binary.BigEndian.Uint16(body[offset : offset+2]))
	offset += 2
	if offset+withdrawnLen > len(body) {
		return nil, fmt.Errorf("bgp: withdrawn length %d exceeds body", withdrawnLen)
	}
	withdrawn, err := parsePrefixesV4(body[offset:offset+withdrawnLen], hasAddPathV4)
	if err != nil {
		return nil, fmt.Errorf("bgp: parse withdrawn routes: %w", err)
	}
	offset += withdrawnLen

	if offset+2 > len(body) {
		return nil, fmt.Errorf("bgp: no room for path attr length")
	}
	totalPathAttrLen := int(binary.BigEndian.Uint16(body[offset : offset+2]))
	offset += 2
	if offset+totalPathAttrLen > len(body) {
		return nil, fmt.Errorf("bgp: path attr length %d exceeds body", totalPathAttrLen)
	}

	attrs, mpReach, mpUnreach, err := ParsePathAttrs(body[offset : offset+totalPathAttrLen])
	if err != nil {
		return nil, fmt.Errorf("bgp: parse path attrs: %w", err)
	}
	offset += totalPathAttrLen

	nlri, err := parsePrefixesV4(body[offset:], hasAddPathV4)
	if err != nil {
		return nil, fmt.Errorf("bgp: parse nlri: %w", err)
	}

	return &UpdateMessage{
		WithdrawnRoutes: withdrawn,
		NLRI:            nlri,
		Attrs:           attrs,
		MPReach:         mpReach,
		MPUnreach:       mpUnreach,
	}, nil
}

// parsePrefixesV4 decodes a run of IPv4 prefixes from the UPDATE's base
// (non-MP) withdrawn-routes or NLRI field.
func parsePrefixesV4(data []byte, hasAddPath bool) ([]NLRIv4, error) {
	var prefixes []NLRIv4
	offset := 0
	for offset < len(data) {
		var pathID uint32
		if hasAddPath {
			if offset+4 > len(data) {
				return prefixes, fmt.Errorf("bgp: prefix data truncated at offset %d", offset)
			}
			pathID = binary.BigEndian.Uint32(data[offset : offset+4])
			offset += 4
		}

		if offset >= len(data) {
			return prefixes, fmt.Errorf("bgp: prefix data truncated at offset %d", offset)
		}
		prefixLen := int(data[offset])
		offset++
		if prefixLen > 32 {
			return prefixes, fmt.Errorf("bgp: prefix length %d exceeds 32 bits", prefixLen)
		}

		byteLen := (prefixLen + 7) / 8
		if offset+byteLen > len(data) {
			return prefixes, fmt.Errorf("bgp: prefix data truncated at offset %d", offset)
		}

		var addrBytes [4]byte
		copy(addrBytes[:], data[offset:offset+byteLen])
		offset += byteLen

		prefix := netip.PrefixFrom(netip.AddrFrom4(addrBytes), prefixLen)
		prefixes = append(prefixes, NLRIv4{Prefix: prefix, PathID: pathID})
	}
	return prefixes, nil
}

// ParseOpen parses the body of a BGP OPEN message.
func ParseOpen(body []byte) (*OpenMessage, error) {
	if len(body) < 10 {
		return nil, fmt.Errorf("bgp: open body too short (%d bytes)", len(body))
	}

	open := &OpenMessage{
		Version:  body[0],
		MyAS:     uint32(binary.BigEndian.Uint16(body[1:3])),
		HoldTime: binary.BigEndian.Uint16(body[3:5]),
	}
	addr, ok := addrFromBytes(body[5:9])
	if ok {
		open.BGPIdentifier = addr
	}

	optParamsLen := int(body[9])
	offset := 10
	if offset+optParamsLen > len(body) {
		return nil, fmt.Errorf("bgp: optional parameters length %d exceeds body", optParamsLen)
	}

	optData := body[offset : offset+optParamsLen]
	pos := 0
	for pos+2 <= len(optData) {
		paramType := optData[pos]
		paramLen := int(optData[pos+1])
		pos += 2
		if pos+paramLen > len(optData) {
			return nil, fmt.Errorf("bgp: optional parameter truncated")
		}
		paramData := optData[pos : pos+paramLen]
		pos += paramLen

		if paramType != OptParamCapabilities {
			continue
		}
		caps, err := parseCapabilities(paramData)
		if err != nil {
			return nil, err
		}
		open.Capabilities = append(open.Capabilities, caps...)
	}

	// RFC 6793: a 4-octet AS capability overrides the 2-octet MyAS field
	// when both are present.
	for _, c := range open.Capabilities {
		if c.Code == CapAS4 && len(c.Value) == 4 {
			open.MyAS = binary.BigEndian.Uint32(c.Value)
		}
	}

	return open, nil
}

func parseCapabilities(data []byte) ([]Capability, error) {
	var caps []Capability
	pos := 0
	for pos+2 <= len(data) {
		code := data[pos]
		length := int(data[pos+1])
		pos += 2
		if pos+length > len(data) {
			return caps, fmt.Errorf("bgp: capability truncated")
		}
		value := append([]byte(nil), data[pos:pos+length]...)
		pos += length
		caps = append(caps, Capability{Code: code, Value: value})
	}
	return caps, nil
}

// ParseNotification parses the body of a BGP NOTIFICATION message.
func ParseNotification(body []byte) (*NotificationMessage, error) {
	if len(body) < 2 {
		return nil, fmt.Errorf("bgp: notification body too short (%d bytes)", len(body))
	}
	return &NotificationMessage{
		ErrorCode:    body[0],
		ErrorSubcode: body[1],
		Data:         append([]byte(nil), body[2:]...),
	}, nil
}
