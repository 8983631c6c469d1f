package bmppeer

import (
	"io"
	"net"

	"github.com/route-beacon/rib-collector/internal/wire/bmp"
)

// readBMPMessage reads one complete BMP message (common header + body)
// off conn, using the header's declared length to know how much more to
// read.
func readBMPMessage(conn net.Conn) ([]byte, error) {
	header := make([]byte, bmp.CommonHeaderSize)
	if _, err := io.ReadFull(conn, header); err != nil {
		return nil, err
	}
	length, err := bmp.MessageLength(header)
	if err != nil {
		return nil, err
	}
	out := make([]byte, length)
	copy(out, header)
	if length > bmp.CommonHeaderSize {
		if _, err := io.ReadFull(conn, out[bmp.CommonHeaderSize:]); err != nil {
			return nil, err
		}
	}
	return out, nil
}
