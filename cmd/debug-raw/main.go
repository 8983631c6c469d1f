// Command debug-raw dumps the decoded contents of BMP messages carried on
// an OpenBMP Kafka topic, one Kafka record at a time. It exercises the
// same decode path as internal/kafkabmp.Pipeline without registering
// sessions or touching a RIB, for inspecting a feed by hand.
package main

import (
	"context"
	"encoding/hex"
	"fmt"
	"os"
	"time"

	"github.com/route-beacon/rib-collector/internal/kafkabmp"
	"github.com/route-beacon/rib-collector/internal/wire/bgp"
	"github.com/route-beacon/rib-collector/internal/wire/bmp"
	"github.com/twmb/franz-go/pkg/kgo"
)

const maxOpenBMPPayloadBytes = 16 * 1024 * 1024

func main() {
	broker := "localhost:29092"
	topic := "gobmp.raw"
	if len(os.Args) > 1 {
		broker = os.Args[1]
	}
	if len(os.Args) > 2 {
		topic = os.Args[2]
	}

	cl, err := kgo.NewClient(
		kgo.SeedBrokers(broker),
		kgo.ConsumeTopics(topic),
		kgo.ConsumeResetOffset(kgo.NewOffset().AtStart()),
		kgo.ConsumerGroup(fmt.Sprintf("debug-raw-%d", time.Now().UnixNano())),
	)
	if err != nil {
		fmt.Fprintf(os.Stderr, "kafka client: %v\n", err)
		os.Exit(1)
	}
	defer cl.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	msgNum := 0
	for {
		fetches := cl.PollRecords(ctx, 100)
		if fetches.IsClientClosed() || ctx.Err() != nil {
			break
		}

		fetches.EachRecord(func(rec *kgo.Record) {
			msgNum++
			fmt.Printf("=== Kafka msg %d (partition=%d offset=%d, %d bytes) ===\n",
				msgNum, rec.Partition, rec.Offset, len(rec.Value))

			analyzeRecord(rec.Value)
			fmt.Println()
		})

		if msgNum > 0 && len(fetches.Records()) == 0 {
			break
		}
	}

	fmt.Printf("Total Kafka messages: %d\n", msgNum)
}

func analyzeRecord(data []byte) {
	frame, err := kafkabmp.DecodeOpenBMPFrame(data, maxOpenBMPPayloadBytes)
	if err != nil {
		fmt.Printf("  DecodeOpenBMPFrame error: %v\n", err)
		return
	}
	fmt.Printf("  BMP payload: %d bytes\n", len(frame.BMPBytes))
	fmt.Printf("  OpenBMP router IP: %q  router hash: %s\n", frame.RouterIP, frame.RouterHash)

	buf := frame.BMPBytes
	n := 0
	for len(buf) > 0 {
		msgLen, err := bmp.MessageLength(buf)
		if err != nil {
			fmt.Printf("  MessageLength error: %v\n", err)
			return
		}
		if msgLen > len(buf) {
			fmt.Printf("  bmp message length %d exceeds remaining buffer (%d)\n", msgLen, len(buf))
			return
		}

		fmt.Printf("\n  --- BMP msg %d (%d bytes) ---\n", n, msgLen)
		analyzeBMPMessage(buf[:msgLen])
		buf = buf[msgLen:]
		n++
	}
	fmt.Printf("  BMP messages in payload: %d\n", n)
}

func analyzeBMPMessage(raw []byte) {
	msg, err := bmp.Parse(raw)
	if err != nil {
		fmt.Printf("    Parse error: %v\n", err)
		if len(raw) <= 64 {
			fmt.Printf("    raw hex: %s\n", hex.EncodeToString(raw))
		}
		return
	}

	fmt.Printf("    MsgType:    %d (%s)\n", msg.MsgType, bmpMsgName(msg.MsgType))
	fmt.Printf("    PeerType:   %d (LocRIB=%v)\n", msg.Peer.PeerType, msg.Peer.IsLocRIB())
	fmt.Printf("    PeerFlags:  0x%02x (AddPathHint=%v)\n", msg.Peer.PeerFlags, msg.Peer.HasAddPathHint())
	fmt.Printf("    PeerAddr:   %s  PeerASN: %d  PeerBGPID: %s\n", msg.Peer.PeerAddress, msg.Peer.PeerASN, msg.Peer.PeerBGPID)
	fmt.Printf("    RD:         %x\n", msg.Peer.Distinguisher)
	if msg.TableName != "" {
		fmt.Printf("    TableName:  %q\n", msg.TableName)
	}

	switch msg.MsgType {
	case bmp.MsgTypeInitiation:
		fmt.Printf("    SysName:    %q\n", msg.SysName)
		fmt.Printf("    SysDescr:   %q\n", msg.SysDescr)
	case bmp.MsgTypePeerDown:
		fmt.Printf("    Reason:     %d\n", msg.PeerDownReason)
	case bmp.MsgTypePeerUp:
		fmt.Printf("    LocalAddr:  %s:%d  RemotePort: %d\n", msg.LocalAddress, msg.LocalPort, msg.RemotePort)
		if open, err := decodeEmbeddedOpen(msg.SentOpen); err != nil {
			fmt.Printf("    SentOpen:   parse error: %v\n", err)
		} else {
			fmt.Printf("    SentOpen:   AS=%d hold=%d id=%s\n", open.MyAS, open.HoldTime, open.BGPIdentifier)
		}
		if open, err := decodeEmbeddedOpen(msg.ReceivedOpen); err != nil {
			fmt.Printf("    RecvOpen:   parse error: %v\n", err)
		} else {
			fmt.Printf("    RecvOpen:   AS=%d hold=%d id=%s\n", open.MyAS, open.HoldTime, open.BGPIdentifier)
		}
	case bmp.MsgTypeRouteMonitoring:
		analyzeRouteMonitoring(msg)
	}
}

func analyzeRouteMonitoring(msg *bmp.ParsedBMP) {
	if len(msg.BGPData) < bgp.HeaderSize {
		fmt.Printf("    BGPData too short: %d bytes\n", len(msg.BGPData))
		return
	}
	fmt.Printf("    BGPData:    %d bytes\n", len(msg.BGPData))

	length, msgType, err := bgp.ParseHeader(msg.BGPData)
	if err != nil {
		fmt.Printf("    ParseHeader error: %v\n", err)
		return
	}
	fmt.Printf("    BGP msgType=%d length=%d hasAddPath=%v\n", msgType, length, msg.HasAddPath)

	if msgType != bgp.MsgTypeUpdate {
		fmt.Printf("    (not an UPDATE, skipping body decode)\n")
		return
	}

	upd, err := bgp.ParseUpdate(msg.BGPData[bgp.HeaderSize:], msg.HasAddPath)
	if err != nil {
		fmt.Printf("    ParseUpdate error: %v\n", err)
		if len(msg.BGPData) <= 80 {
			fmt.Printf("    full BGPData hex: %s\n", hex.EncodeToString(msg.BGPData))
		}
		return
	}

	if upd.IsEndOfRIB() {
		fmt.Println("    End-of-RIB marker")
		return
	}

	fmt.Printf("    Withdrawn: %d  NLRI: %d  MPReach: %d  MPUnreach: %d\n",
		len(upd.WithdrawnRoutes), len(upd.NLRI), len(upd.MPReach), len(upd.MPUnreach))
	if upd.Attrs.HasNextHop {
		fmt.Printf("    NextHop:   %s\n", upd.Attrs.NextHop)
	}
	fmt.Printf("    ASPath segments: %d\n", len(upd.Attrs.ASPath))

	printPrefixes("NLRI", upd.NLRI)
	printPrefixes("Withdrawn", upd.WithdrawnRoutes)
	for _, mp := range upd.MPReach {
		fmt.Printf("    MPReach AFI=%d SAFI=%d NLRI bytes=%d\n", mp.AFI, mp.SAFI, len(mp.NLRI))
	}
	for _, mu := range upd.MPUnreach {
		fmt.Printf("    MPUnreach AFI=%d SAFI=%d NLRI bytes=%d\n", mu.AFI, mu.SAFI, len(mu.NLRI))
	}
}

func printPrefixes(label string, routes []bgp.NLRIv4) {
	for j, r := range routes {
		if j >= 5 && j != len(routes)-1 {
			if j == 5 {
				fmt.Printf("      ... (%d more %s) ...\n", len(routes)-6, label)
			}
			continue
		}
		fmt.Printf("      [%d] %s %s pathID=%d\n", j, label, r.Prefix, r.PathID)
	}
}

func decodeEmbeddedOpen(raw []byte) (*bgp.OpenMessage, error) {
	length, msgType, err := bgp.ParseHeader(raw)
	if err != nil {
		return nil, err
	}
	if msgType != bgp.MsgTypeOpen {
		return nil, fmt.Errorf("expected embedded OPEN, got message type %d", msgType)
	}
	return bgp.ParseOpen(raw[bgp.HeaderSize:length])
}

func bmpMsgName(t uint8) string {
	switch t {
	case bmp.MsgTypeRouteMonitoring:
		return "RouteMonitoring"
	case bmp.MsgTypeStatisticsReport:
		return "StatisticsReport"
	case bmp.MsgTypePeerDown:
		return "PeerDown"
	case bmp.MsgTypePeerUp:
		return "PeerUp"
	case bmp.MsgTypeInitiation:
		return "Initiation"
	case bmp.MsgTypeTermination:
		return "Termination"
	case bmp.MsgTypeRouteMirroring:
		return "RouteMirroring"
	default:
		return fmt.Sprintf("Unknown(%d)", t)
	}
}
