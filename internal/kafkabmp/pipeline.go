package kafkabmp

import (
	"context"
	"fmt"
	"sync"

	"github.com/route-beacon/rib-collector/internal/ingest"
	"github.com/route-beacon/rib-collector/internal/metrics"
	"github.com/route-beacon/rib-collector/internal/session"
	"github.com/route-beacon/rib-collector/internal/wire/bgp"
	"github.com/route-beacon/rib-collector/internal/wire/bmp"
	"github.com/twmb/franz-go/pkg/kgo"
	"go.uber.org/zap"
)

// Pipeline decodes OpenBMP-framed BMP messages carried on a Kafka topic
// and feeds them into the same ingest channel and session registry the
// direct bmppeer adapter uses, so a collector configured with both a live
// BMP session and a Kafka relay of another collector's feed applies both
// through one RIB writer.
type Pipeline struct {
	registry        *session.Registry
	out             chan<- ingest.Message
	maxPayloadBytes int
	logger          *zap.Logger

	sessionsMu sync.Mutex
	sessions   map[string]session.ID
}

// NewPipeline returns a Pipeline publishing decoded UPDATEs to out and
// registering per-monitored-peer sessions in registry.
func NewPipeline(registry *session.Registry, out chan<- ingest.Message, maxPayloadBytes int, logger *zap.Logger) *Pipeline {
	return &Pipeline{
		registry:        registry,
		out:             out,
		maxPayloadBytes: maxPayloadBytes,
		logger:          logger,
		sessions:        make(map[string]session.ID),
	}
}

// Run consumes raw Kafka records until records is closed or ctx is
// cancelled. There is no batching: a record is acknowledged on flushed as
// soon as it has been decoded and its contents handed to the registry and
// ingest channel, since this pipeline has no durable store of its own to
// flush to — the RIB and its snapshot are the durable state.
func (p *Pipeline) Run(ctx context.Context, records <-chan []*kgo.Record, flushed chan<- []*kgo.Record) {
	for {
		select {
		case <-ctx.Done():
			return
		case recs, ok := <-records:
			if !ok {
				return
			}
			for _, rec := range recs {
				p.processRecord(ctx, rec)
			}
			select {
			case flushed <- recs:
			case <-ctx.Done():
				return
			}
		}
	}
}

func (p *Pipeline) processRecord(ctx context.Context, rec *kgo.Record) {
	frame, err := DecodeOpenBMPFrame(rec.Value, p.maxPayloadBytes)
	if err != nil {
		metrics.ParseErrorsTotal.WithLabelValues("openbmp", "decode").Inc()
		p.logger.Warn("bmp kafka consumer: failed to decode openbmp frame",
			zap.String("topic", rec.Topic),
			zap.Error(err),
		)
		return
	}

	// A single Kafka record can carry several concatenated BMP messages;
	// each one's own common header says where it ends.
	buf := frame.BMPBytes
	for len(buf) > 0 {
		msgLen, err := bmp.MessageLength(buf)
		if err != nil {
			metrics.ParseErrorsTotal.WithLabelValues("bmp", "frame").Inc()
			p.logger.Warn("bmp kafka consumer: failed to frame bmp message",
				zap.String("topic", rec.Topic),
				zap.Error(err),
			)
			return
		}
		if msgLen > len(buf) {
			metrics.ParseErrorsTotal.WithLabelValues("bmp", "frame").Inc()
			p.logger.Warn("bmp kafka consumer: bmp message length exceeds remaining buffer",
				zap.String("topic", rec.Topic),
			)
			return
		}

		msg, err := bmp.Parse(buf[:msgLen])
		if err != nil {
			metrics.ParseErrorsTotal.WithLabelValues("bmp", "parse").Inc()
			p.logger.Warn("bmp kafka consumer: discarding malformed bmp message",
				zap.String("topic", rec.Topic),
				zap.Error(err),
			)
		} else {
			p.handleMessage(ctx, msg)
		}
		buf = buf[msgLen:]
	}
}

func (p *Pipeline) handleMessage(ctx context.Context, msg *bmp.ParsedBMP) {
	switch msg.MsgType {
	case bmp.MsgTypePeerUp:
		p.handlePeerUp(msg)
	case bmp.MsgTypeRouteMonitoring:
		p.handleRouteMonitoring(ctx, msg)
	case bmp.MsgTypePeerDown:
		p.sessionsMu.Lock()
		delete(p.sessions, peerKey(msg.Peer))
		p.sessionsMu.Unlock()
		p.logger.Info("bmp kafka consumer: peer down",
			zap.Stringer("peer", msg.Peer.PeerAddress),
			zap.Uint8("reason", msg.PeerDownReason),
		)
	case bmp.MsgTypeInitiation:
		p.logger.Info("bmp kafka consumer: initiation",
			zap.String("sys_name", msg.SysName),
			zap.String("sys_descr", msg.SysDescr),
		)
	default:
		p.logger.Debug("bmp kafka consumer: ignoring message type", zap.Uint8("type", msg.MsgType))
	}
}

func (p *Pipeline) handlePeerUp(msg *bmp.ParsedBMP) {
	sentOpen, err := decodeEmbeddedOpen(msg.SentOpen)
	if err != nil {
		p.logger.Warn("bmp kafka consumer: peer up: malformed sent open", zap.Error(err))
		return
	}
	receivedOpen, err := decodeEmbeddedOpen(msg.ReceivedOpen)
	if err != nil {
		p.logger.Warn("bmp kafka consumer: peer up: malformed received open", zap.Error(err))
		return
	}

	local := session.PeerDesc{Address: msg.LocalAddress, Open: *sentOpen}
	remote := session.PeerDesc{Address: msg.Peer.PeerAddress, Open: *receivedOpen}
	sid := p.registry.Register(local, remote)

	key := peerKey(msg.Peer)
	p.sessionsMu.Lock()
	p.sessions[key] = sid
	p.sessionsMu.Unlock()

	p.logger.Info("bmp kafka consumer: peer up",
		zap.Stringer("peer", msg.Peer.PeerAddress),
		zap.Uint32("peer_as", msg.Peer.PeerASN),
		zap.Uint32("session", uint32(sid)),
	)
}

func (p *Pipeline) handleRouteMonitoring(ctx context.Context, msg *bmp.ParsedBMP) {
	key := peerKey(msg.Peer)
	p.sessionsMu.Lock()
	sid, ok := p.sessions[key]
	p.sessionsMu.Unlock()
	if !ok {
		p.logger.Debug("bmp kafka consumer: route monitoring for unregistered peer, ignoring",
			zap.Stringer("peer", msg.Peer.PeerAddress),
		)
		return
	}

	if len(msg.BGPData) < bgp.HeaderSize {
		metrics.ParseErrorsTotal.WithLabelValues("bgp", "parse").Inc()
		p.logger.Warn("bmp kafka consumer: discarding malformed update", zap.Int("bytes", len(msg.BGPData)))
		return
	}
	upd, err := bgp.ParseUpdate(msg.BGPData[bgp.HeaderSize:], msg.HasAddPath)
	if err != nil {
		metrics.ParseErrorsTotal.WithLabelValues("bgp", "parse").Inc()
		p.logger.Warn("bmp kafka consumer: discarding malformed update", zap.Error(err))
		return
	}

	select {
	case p.out <- ingest.Message{Session: sid, Update: upd}:
	case <-ctx.Done():
	}
}

// peerKey canonicalizes a BMP per-peer header into the key used to
// memoize a Peer Up's registered session ID for later Route Monitoring
// lookups. Timestamps are excluded: they vary per message about the same
// monitored peer.
func peerKey(h bmp.PerPeerHeader) string {
	return fmt.Sprintf("%d|%x|%s|%d|%s", h.PeerType, h.Distinguisher, h.PeerAddress, h.PeerASN, h.PeerBGPID)
}

// decodeEmbeddedOpen strips the BGP header off a raw OPEN message
// captured inside a Peer Up notification.
func decodeEmbeddedOpen(raw []byte) (*bgp.OpenMessage, error) {
	length, msgType, err := bgp.ParseHeader(raw)
	if err != nil {
		return nil, err
	}
	if msgType != bgp.MsgTypeOpen {
		return nil, fmt.Errorf("kafkabmp: expected embedded open, got message type %d", msgType)
	}
	return bgp.ParseOpen(raw[bgp.HeaderSize:length])
}
