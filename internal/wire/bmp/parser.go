package bmp

import (
	"encoding/binary"
	"fmt"
	"net/netip"
)

// Parse decodes a complete BMP message from raw bytes. data must contain
// exactly one message (the caller is expected to have already split the
// stream using the common header's msg_length field, see MessageLength).
func Parse(data []byte) (*ParsedBMP, error) {
	if len(data) < CommonHeaderSize {
		return nil, fmt.Errorf("bmp: message too short for common header (%d bytes)", len(data))
	}

	version := data[0]
	if version != BMPVersion {
		return nil, fmt.Errorf("bmp: unsupported version %d (expected %d)", version, BMPVersion)
	}

	msgLength := binary.BigEndian.Uint32(data[1:5])
	msgType := data[5]

	if msgLength < uint32(CommonHeaderSize) {
		return nil, fmt.Errorf("bmp: declared msg_length %d smaller than common header size %d", msgLength, CommonHeaderSize)
	}
	if int(msgLength) > len(data) {
		return nil, fmt.Errorf("bmp: declared msg_length %d exceeds available data %d", msgLength, len(data))
	}

	result := &ParsedBMP{MsgType: msgType}
	body := data[CommonHeaderSize:msgLength]

	switch msgType {
	case MsgTypeRouteMonitoring:
		return parseRouteMonitoring(body, result)
	case MsgTypePeerUp:
		return parsePeerUp(body, result)
	case MsgTypePeerDown:
		return parsePeerDown(body, result)
	case MsgTypeInitiation:
		return parseInitiation(body, result)
	case MsgTypeTermination:
		return result, nil
	default:
		// Statistics Report and Route Mirroring carry no RIB-relevant
		// data for this collector; the common header was enough.
		return result, nil
	}
}

// MessageLength reads just the common header's declared total length,
// letting a stream reader frame messages without fully parsing each one.
func MessageLength(data []byte) (int, error) {
	if len(data) < CommonHeaderSize {
		return 0, fmt.Errorf("bmp: too short for common header (%d bytes)", len(data))
	}
	if data[0] != BMPVersion {
		return 0, fmt.Errorf("bmp: unsupported version %d (expected %d)", data[0], BMPVersion)
	}
	length := int(binary.BigEndian.Uint32(data[1:5]))
	if length < CommonHeaderSize {
		return 0, fmt.Errorf("bmp: invalid msg_length %d", length)
	}
	return length, nil
}

func parsePerPeerHeader(data []byte) (PerPeerHeader, []byte, error) {
	if len(data) < PerPeerHeaderSize {
		return PerPeerHeader{}, nil, fmt.Errorf("bmp: too short for per-peer header (%d bytes)", len(data))
	}

	h := PerPeerHeader{
		PeerType:  data[0],
		PeerFlags: data[1],
	}
	copy(h.Distinguisher[:], data[2:10])

	if h.PeerFlags&PeerFlagIPv6 != 0 {
		h.PeerAddress = netip.AddrFrom16([16]byte(data[10:26]))
	} else {
		h.PeerAddress = netip.AddrFrom4([4]byte(data[22:26]))
	}

	h.PeerASN = binary.BigEndian.Uint32(data[26:30])
	h.PeerBGPID = netip.AddrFrom4([4]byte(data[30:34]))
	h.TimestampSec = binary.BigEndian.Uint32(data[34:38])
	h.TimestampMicrosec = binary.BigEndian.Uint32(data[38:42])

	return h, data[PerPeerHeaderSize:], nil
}

func parseRouteMonitoring(data []byte, result *ParsedBMP) (*ParsedBMP, error) {
	header, rest, err := parsePerPeerHeader(data)
	if err != nil {
		return nil, fmt.Errorf("bmp: route monitoring: %w", err)
	}
	result.Peer = header
	result.HasAddPath = header.HasAddPathHint()

	if header.IsLocRIB() {
		// RFC 9069: per-peer header + BGP UPDATE + trailing TLVs (table
		// name). The BGP message's own length field marks where it ends.
		msgLen, err := bgpMessageLength(rest)
		if err != nil {
			result.BGPData = rest
			return result, nil
		}
		if msgLen > len(rest) {
			result.BGPData = rest
			return result, nil
		}
		result.BGPData = rest[:msgLen]
		parseTLVs(rest[msgLen:], result)
	} else {
		result.BGPData = rest
	}

	return result, nil
}

func parsePeerUp(data []byte, result *ParsedBMP) (*ParsedBMP, error) {
	header, rest, err := parsePerPeerHeader(data)
	if err != nil {
		return nil, fmt.Errorf("bmp: peer up: %w", err)
	}
	result.Peer = header

	if len(rest) < 20 {
		return nil, fmt.Errorf("bmp: peer up too short for local address/ports (%d bytes)", len(rest))
	}
	if header.PeerFlags&PeerFlagIPv6 != 0 {
		result.LocalAddress = netip.AddrFrom16([16]byte(rest[0:16]))
	} else {
		result.LocalAddress = netip.AddrFrom4([4]byte(rest[12:16]))
	}
	result.LocalPort = binary.BigEndian.Uint16(rest[16:18])
	result.RemotePort = binary.BigEndian.Uint16(rest[18:20])

	openBytes := rest[20:]
	sentLen, err := bgpMessageLength(openBytes)
	if err != nil {
		return nil, fmt.Errorf("bmp: peer up sent OPEN: %w", err)
	}
	if sentLen > len(openBytes) {
		return nil, fmt.Errorf("bmp: peer up sent OPEN length %d exceeds body", sentLen)
	}
	result.SentOpen = openBytes[:sentLen]

	remaining := openBytes[sentLen:]
	recvLen, err := bgpMessageLength(remaining)
	if err != nil {
		return nil, fmt.Errorf("bmp: peer up received OPEN: %w", err)
	}
	if recvLen > len(remaining) {
		return nil, fmt.Errorf("bmp: peer up received OPEN length %d exceeds body", recvLen)
	}
	result.ReceivedOpen = remaining[:recvLen]

	return result, nil
}

func parsePeerDown(data []byte, result *ParsedBMP) (*ParsedBMP, error) {
	header, rest, err := parsePerPeerHeader(data)
	if err != nil {
		return nil, fmt.Errorf("bmp: peer down: %w", err)
	}
	result.Peer = header
	if len(rest) > 0 {
		result.PeerDownReason = rest[0]
	}
	return result, nil
}

func parseInitiation(data []byte, result *ParsedBMP) (*ParsedBMP, error) {
	parseTLVs(data, result)
	return result, nil
}

// bgpMessageLength reads the length field from a BGP message header.
// BGP header: marker(16) + length(2) + type(1) = 19 bytes minimum.
func bgpMessageLength(data []byte) (int, error) {
	if len(data) < 19 {
		return 0, fmt.Errorf("bmp: bgp message too short (%d bytes)", len(data))
	}
	length := int(binary.BigEndian.Uint16(data[16:18]))
	if length < 19 {
		return 0, fmt.Errorf("bmp: invalid bgp message length %d", length)
	}
	return length, nil
}

// parseTLVs extracts Table Name / sysName / sysDescr TLVs (RFC 7854 §4.4,
// RFC 9069).
func parseTLVs(data []byte, result *ParsedBMP) {
	offset := 0
	for offset+4 <= len(data) {
		tlvType := binary.BigEndian.Uint16(data[offset : offset+2])
		tlvLen := int(binary.BigEndian.Uint16(data[offset+2 : offset+4]))
		offset += 4

		if offset+tlvLen > len(data) {
			break
		}
		value := data[offset : offset+tlvLen]

		switch tlvType {
		case TLVTypeTableName:
			result.TableName = string(value)
		case TLVTypeSysName:
			result.SysName = string(value)
		case TLVTypeSysDescr:
			result.SysDescr = string(value)
		}

		offset += tlvLen
	}
}
