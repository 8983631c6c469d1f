package bgp

import (
	"encoding/binary"
)

// marker is the all-ones BGP header marker (RFC 4271 §4.1); this codec
// never negotiates authentication, so it is always all-ones on write.
var marker = [16]byte{
	0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff,
	0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff,
}

func frame(msgType uint8, body []byte) []byte {
	out := make([]byte, HeaderSize+len(body))
	copy(out, marker[:])
	binary.BigEndian.PutUint16(out[16:18], uint16(HeaderSize+len(body)))
	out[18] = msgType
	copy(out[HeaderSize:], body)
	return out
}

// EncodeKeepalive returns a full KEEPALIVE message: a bare 19-byte header.
func EncodeKeepalive() []byte {
	return frame(MsgTypeKeepalive, nil)
}

// EncodeNotification returns a full NOTIFICATION message.
func EncodeNotification(n NotificationMessage) []byte {
	body := make([]byte, 2+len(n.Data))
	body[0] = n.ErrorCode
	body[1] = n.ErrorSubcode
	copy(body[2:], n.Data)
	return frame(MsgTypeNotification, body)
}

// OpenParams collects the fields EncodeOpen needs beyond the capabilities
// every peer session negotiates (AS4, multiprotocol, add-path).
type OpenParams struct {
	ASN           uint32
	HoldTime      uint16
	BGPIdentifier [4]byte
	// AFISAFIs lists the address families to advertise via the
	// Multiprotocol Extensions capability (RFC 4760).
	AFISAFIs []AFISAFI
	// AddPathAFISAFIs lists the address families to advertise add-path
	// support for, both send and receive (RFC 7911).
	AddPathAFISAFIs []AFISAFI
}

// AFISAFI is one (AFI, SAFI) pair.
type AFISAFI struct {
	AFI  uint16
	SAFI uint8
}

// EncodeOpen returns a full OPEN message. The AS field always uses the
// 2-octet form with AS_TRANS (23456) when p.ASN exceeds 16 bits, alongside
// an AS4 capability carrying the true ASN (RFC 6793 §4.2.2), so every peer
// —whether or not it understands AS4 itself — parses a well-formed OPEN.
func EncodeOpen(p OpenParams) []byte {
	const asTrans = 23456

	myAS16 := uint16(p.ASN)
	if p.ASN > 0xFFFF {
		myAS16 = asTrans
	}

	var caps []byte
	caps = append(caps, encodeCapability(CapAS4, uint32ToBytes(p.ASN))...)
	for _, af := range p.AFISAFIs {
		val := []byte{byte(af.AFI >> 8), byte(af.AFI), 0, af.SAFI}
		caps = append(caps, encodeCapability(CapMultiprotocol, val)...)
	}
	if len(p.AddPathAFISAFIs) > 0 {
		var val []byte
		for _, af := range p.AddPathAFISAFIs {
			val = append(val, byte(af.AFI>>8), byte(af.AFI), af.SAFI, 3) // send+receive
		}
		caps = append(caps, encodeCapability(CapAddPath, val)...)
	}

	optParams := append([]byte{OptParamCapabilities, byte(len(caps))}, caps...)

	body := make([]byte, 10+len(optParams))
	body[0] = 4 // BGP version 4
	binary.BigEndian.PutUint16(body[1:3], myAS16)
	binary.BigEndian.PutUint16(body[3:5], p.HoldTime)
	copy(body[5:9], p.BGPIdentifier[:])
	body[9] = byte(len(optParams))
	copy(body[10:], optParams)

	return frame(MsgTypeOpen, body)
}

func encodeCapability(code uint8, value []byte) []byte {
	return append([]byte{code, byte(len(value))}, value...)
}

func uint32ToBytes(v uint32) []byte {
	b := make([]byte, 4)
	binary.BigEndian.PutUint32(b, v)
	return b
}
