package bmppeer

import (
	"context"
	"encoding/binary"
	"net"
	"testing"
	"time"

	"github.com/route-beacon/rib-collector/internal/ingest"
	"github.com/route-beacon/rib-collector/internal/session"
	"github.com/route-beacon/rib-collector/internal/wire/bgp"
	"github.com/route-beacon/rib-collector/internal/wire/bmp"
	"go.uber.org/zap"
)

func freeLoopbackAddr(t *testing.T) string {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("finding a free port: %v", err)
	}
	addr := l.Addr().String()
	l.Close()
	return addr
}

func buildPerPeerHeader(peerASN uint32) []byte {
	h := make([]byte, bmp.PerPeerHeaderSize)
	h[0] = bmp.PeerTypeGlobal
	// peer_flags left 0: IPv4, no add-path hint.
	copy(h[10:26], []byte{0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 198, 51, 100, 1}) // addr in last 4 bytes
	binary.BigEndian.PutUint32(h[26:30], peerASN)
	copy(h[30:34], []byte{198, 51, 100, 1})
	return h
}

func buildPeerUpFrame(perPeer []byte, sentOpen, receivedOpen []byte) []byte {
	body := make([]byte, 0, len(perPeer)+20+len(sentOpen)+len(receivedOpen))
	body = append(body, perPeer...)
	local := make([]byte, 20)
	copy(local[12:16], []byte{192, 0, 2, 1})
	binary.BigEndian.PutUint16(local[16:18], 179)
	binary.BigEndian.PutUint16(local[18:20], 54321)
	body = append(body, local...)
	body = append(body, sentOpen...)
	body = append(body, receivedOpen...)
	return commonHeader(bmp.MsgTypePeerUp, body)
}

func buildRouteMonitoringFrame(perPeer []byte, bgpUpdate []byte) []byte {
	body := append(append([]byte{}, perPeer...), bgpUpdate...)
	return commonHeader(bmp.MsgTypeRouteMonitoring, body)
}

func commonHeader(msgType uint8, body []byte) []byte {
	out := make([]byte, bmp.CommonHeaderSize+len(body))
	out[0] = bmp.BMPVersion
	binary.BigEndian.PutUint32(out[1:5], uint32(len(out)))
	out[5] = msgType
	copy(out[bmp.CommonHeaderSize:], body)
	return out
}

func TestPassiveBMPAdapterRegistersPeerUpAndForwardsRouteMonitoring(t *testing.T) {
	addr := freeLoopbackAddr(t)
	registry := session.NewRegistry()
	out := make(chan ingest.Message, 1)

	p := New(Config{Mode: Passive, Listen: addr}, registry, out, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go p.Run(ctx)

	var conn net.Conn
	var err error
	for i := 0; i < 50; i++ {
		conn, err = net.Dial("tcp", addr)
		if err == nil {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if err != nil {
		t.Fatalf("dialing passive bmp adapter: %v", err)
	}
	defer conn.Close()

	sentOpen := bgp.EncodeOpen(bgp.OpenParams{ASN: 65001, HoldTime: 90})
	receivedOpen := bgp.EncodeOpen(bgp.OpenParams{ASN: 65002, HoldTime: 90})
	perPeer := buildPerPeerHeader(65002)

	if _, err := conn.Write(buildPeerUpFrame(perPeer, sentOpen, receivedOpen)); err != nil {
		t.Fatalf("writing peer up: %v", err)
	}

	deadline := time.Now().Add(time.Second)
	for p.State() != BMP {
		if time.Now().After(deadline) {
			t.Fatal("adapter never reached BMP state")
		}
		time.Sleep(5 * time.Millisecond)
	}

	eor := []byte{0, 0, 0, 0} // withdrawn_len=0, total_path_attr_len=0
	eorMsg := append([]byte{}, make([]byte, 16)...)
	for i := range eorMsg {
		eorMsg[i] = 0xff
	}
	eorMsg = append(eorMsg, 0, 23, bgp.MsgTypeUpdate)
	eorMsg = append(eorMsg, eor...)

	if _, err := conn.Write(buildRouteMonitoringFrame(perPeer, eorMsg)); err != nil {
		t.Fatalf("writing route monitoring: %v", err)
	}

	select {
	case msg := <-out:
		if !msg.Update.IsEndOfRIB() {
			t.Errorf("expected an End-of-RIB UPDATE, got %+v", msg.Update)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for UPDATE on ingest channel")
	}

	registered := registry.List()
	if len(registered) != 1 {
		t.Fatalf("expected exactly one registered session, got %d", len(registered))
	}
}

func TestRouteMonitoringForUnregisteredPeerIsIgnored(t *testing.T) {
	addr := freeLoopbackAddr(t)
	registry := session.NewRegistry()
	out := make(chan ingest.Message, 1)

	p := New(Config{Mode: Passive, Listen: addr}, registry, out, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go p.Run(ctx)

	var conn net.Conn
	var err error
	for i := 0; i < 50; i++ {
		conn, err = net.Dial("tcp", addr)
		if err == nil {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if err != nil {
		t.Fatalf("dialing passive bmp adapter: %v", err)
	}
	defer conn.Close()

	perPeer := buildPerPeerHeader(65099)
	eorMsg := make([]byte, 16)
	for i := range eorMsg {
		eorMsg[i] = 0xff
	}
	eorMsg = append(eorMsg, 0, 23, bgp.MsgTypeUpdate, 0, 0, 0, 0)

	if _, err := conn.Write(buildRouteMonitoringFrame(perPeer, eorMsg)); err != nil {
		t.Fatalf("writing route monitoring: %v", err)
	}

	select {
	case msg := <-out:
		t.Fatalf("expected no forwarded update for an unregistered peer, got %+v", msg)
	case <-time.After(200 * time.Millisecond):
	}
}
