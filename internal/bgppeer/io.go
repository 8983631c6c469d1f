package bgppeer

import (
	"fmt"
	"io"
	"net"

	"github.com/route-beacon/rib-collector/internal/wire/bgp"
)

func writeFull(conn net.Conn, msg []byte) error {
	_, err := conn.Write(msg)
	return err
}

// readMessage reads one full BGP message (header + body) off conn.
func readMessage(conn net.Conn) (msgType uint8, body []byte, err error) {
	header := make([]byte, bgp.HeaderSize)
	if _, err := io.ReadFull(conn, header); err != nil {
		return 0, nil, err
	}
	length, msgType, err := bgp.ParseHeader(header)
	if err != nil {
		return 0, nil, err
	}
	body = make([]byte, length-bgp.HeaderSize)
	if len(body) > 0 {
		if _, err := io.ReadFull(conn, body); err != nil {
			return 0, nil, err
		}
	}
	return msgType, body, nil
}

func readOpen(conn net.Conn) (*bgp.OpenMessage, error) {
	msgType, body, err := readMessage(conn)
	if err != nil {
		return nil, err
	}
	if msgType != bgp.MsgTypeOpen {
		return nil, fmt.Errorf("bgppeer: expected OPEN, got message type %d", msgType)
	}
	return bgp.ParseOpen(body)
}

func expectKeepalive(conn net.Conn) error {
	msgType, _, err := readMessage(conn)
	if err != nil {
		return err
	}
	if msgType != bgp.MsgTypeKeepalive {
		return fmt.Errorf("bgppeer: expected KEEPALIVE, got message type %d", msgType)
	}
	return nil
}
