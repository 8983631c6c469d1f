// Package bmppeer drives one BMP (RFC 7854) monitoring session: TCP
// connect or accept, framing 6-byte common headers off the stream, and
// demultiplexing per-monitored-peer state so Route Monitoring messages
// land on the collector's ingest channel under the right session ID.
// A Peer's Run loop is its own supervisor, reconnecting on a fixed delay
// until its context is cancelled, matching the BGP peer adapter.
package bmppeer

import (
	"context"
	"fmt"
	"net"
	"net/netip"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/route-beacon/rib-collector/internal/ingest"
	"github.com/route-beacon/rib-collector/internal/metrics"
	"github.com/route-beacon/rib-collector/internal/session"
	"github.com/route-beacon/rib-collector/internal/wire/bgp"
	"github.com/route-beacon/rib-collector/internal/wire/bmp"
	"go.uber.org/zap"
)

const reconnectDelay = 100 * time.Millisecond

// State is the monitoring-connection state this adapter reports. Unlike
// the BGP FSM, BMP has no negotiation phase worth distinguishing: the
// query API folds every BMP sub-state into a single "BMP" value.
type State int

const (
	Idle State = iota
	BMP
)

func (s State) String() string {
	if s == BMP {
		return "BMP"
	}
	return "Idle"
}

// Mode selects which side of the TCP handshake this Peer drives.
type Mode int

const (
	Active  Mode = iota // we dial the monitored router
	Passive             // we accept a connection from it
)

// Config is one configured BMP monitoring session.
type Config struct {
	Name   string // configured peer name, used only to label metrics
	Mode   Mode
	Peer   netip.AddrPort // dial target (Active)
	Listen string         // listen address (Passive)

	// FilterRD, if non-nil, restricts registration to Peer Up
	// notifications whose route distinguisher matches exactly;
	// notifications for any other RD are logged and otherwise ignored.
	FilterRD *bmp.RouteDistinguisher
}

// Peer runs one configured BMP monitoring session, reconnecting
// indefinitely until its context is cancelled.
type Peer struct {
	cfg      Config
	registry *session.Registry
	out      chan<- ingest.Message
	logger   *zap.Logger

	stateMu sync.RWMutex
	state   State

	sessionsMu sync.Mutex
	sessions   map[string]session.ID
}

func (p *Peer) setState(s State) {
	p.stateMu.Lock()
	p.state = s
	p.stateMu.Unlock()
	metrics.PeerStateTransitionsTotal.WithLabelValues(p.cfg.Name, s.String()).Inc()
}

// State reports the adapter's current connection state.
func (p *Peer) State() State {
	p.stateMu.RLock()
	defer p.stateMu.RUnlock()
	return p.state
}

// New returns a Peer for cfg, publishing decoded UPDATEs to out and
// registering per-monitored-peer sessions in registry.
func New(cfg Config, registry *session.Registry, out chan<- ingest.Message, logger *zap.Logger) *Peer {
	return &Peer{
		cfg:      cfg,
		registry: registry,
		out:      out,
		logger:   logger,
		sessions: make(map[string]session.ID),
	}
}

// Run supervises the monitoring connection: connect (or accept), decode
// until the connection fails, wait reconnectDelay, and try again, until
// ctx is cancelled.
func (p *Peer) Run(ctx context.Context) {
	var listener net.Listener
	if p.cfg.Mode == Passive {
		l, err := net.Listen("tcp", p.cfg.Listen)
		if err != nil {
			p.logger.Error("bmp passive listen failed", zap.String("listen", p.cfg.Listen), zap.Error(err))
			return
		}
		listener = l
		defer listener.Close()
		go func() {
			<-ctx.Done()
			listener.Close()
		}()
	}

	bo := backoff.NewConstantBackOff(reconnectDelay)
	for {
		if ctx.Err() != nil {
			return
		}
		if err := p.runSession(ctx, listener); err != nil && ctx.Err() == nil {
			p.logger.Warn("bmp session ended", zap.Error(err))
		}
		p.setState(Idle)

		select {
		case <-ctx.Done():
			return
		case <-time.After(bo.NextBackOff()):
		}
	}
}

func (p *Peer) runSession(ctx context.Context, listener net.Listener) error {
	conn, err := p.obtainConn(ctx, listener)
	if err != nil {
		return err
	}
	defer conn.Close()

	p.setState(BMP)
	p.logger.Info("bmp session connected", zap.Stringer("remote", addrStringer{conn.RemoteAddr()}))

	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		raw, err := readBMPMessage(conn)
		if err != nil {
			return fmt.Errorf("bmppeer: reading message: %w", err)
		}
		msg, err := bmp.Parse(raw)
		if err != nil {
			p.logger.Warn("discarding malformed bmp message", zap.Error(err))
			continue
		}
		p.handleMessage(ctx, msg)
	}
}

func (p *Peer) obtainConn(ctx context.Context, listener net.Listener) (net.Conn, error) {
	if p.cfg.Mode == Active {
		var d net.Dialer
		return d.DialContext(ctx, "tcp", p.cfg.Peer.String())
	}
	type acceptResult struct {
		conn net.Conn
		err  error
	}
	ch := make(chan acceptResult, 1)
	go func() {
		conn, err := listener.Accept()
		ch <- acceptResult{conn, err}
	}()
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case r := <-ch:
		return r.conn, r.err
	}
}

type addrStringer struct{ net.Addr }

func (a addrStringer) String() string {
	if a.Addr == nil {
		return "<nil>"
	}
	return a.Addr.String()
}

// peerKey canonicalizes a BMP per-peer header into the key used to
// memoize a Peer Up's registered SessionId for later Route Monitoring
// lookups. Timestamps are excluded deliberately: they vary per message
// about the same monitored peer.
func peerKey(h bmp.PerPeerHeader) string {
	return fmt.Sprintf("%d|%x|%s|%d|%s", h.PeerType, h.Distinguisher, h.PeerAddress, h.PeerASN, h.PeerBGPID)
}

func (p *Peer) handleMessage(ctx context.Context, msg *bmp.ParsedBMP) {
	switch msg.MsgType {
	case bmp.MsgTypePeerUp:
		p.handlePeerUp(msg)
	case bmp.MsgTypeRouteMonitoring:
		p.handleRouteMonitoring(ctx, msg)
	case bmp.MsgTypePeerDown:
		p.sessionsMu.Lock()
		delete(p.sessions, peerKey(msg.Peer))
		p.sessionsMu.Unlock()
		p.logger.Info("bmp peer down", zap.Stringer("peer", msg.Peer.PeerAddress), zap.Uint8("reason", msg.PeerDownReason))
	case bmp.MsgTypeInitiation:
		p.logger.Info("bmp initiation", zap.String("sys_name", msg.SysName), zap.String("sys_descr", msg.SysDescr))
	default:
		p.logger.Debug("ignoring bmp message type", zap.Uint8("type", msg.MsgType))
	}
}

func (p *Peer) handlePeerUp(msg *bmp.ParsedBMP) {
	if p.cfg.FilterRD != nil && msg.Peer.Distinguisher != *p.cfg.FilterRD {
		p.logger.Debug("ignoring peer up outside filter_rd", zap.Stringer("peer", msg.Peer.PeerAddress))
		return
	}

	sentOpen, err := decodeEmbeddedOpen(msg.SentOpen)
	if err != nil {
		p.logger.Warn("bmp peer up: malformed sent OPEN", zap.Error(err))
		return
	}
	receivedOpen, err := decodeEmbeddedOpen(msg.ReceivedOpen)
	if err != nil {
		p.logger.Warn("bmp peer up: malformed received OPEN", zap.Error(err))
		return
	}

	local := session.PeerDesc{Address: msg.LocalAddress, Open: *sentOpen}
	remote := session.PeerDesc{Address: msg.Peer.PeerAddress, Open: *receivedOpen}
	sid := p.registry.Register(local, remote)

	key := peerKey(msg.Peer)
	p.sessionsMu.Lock()
	p.sessions[key] = sid
	p.sessionsMu.Unlock()

	p.logger.Info("bmp peer up",
		zap.Stringer("peer", msg.Peer.PeerAddress),
		zap.Uint32("peer_as", msg.Peer.PeerASN),
		zap.Uint32("session", uint32(sid)),
	)
}

func (p *Peer) handleRouteMonitoring(ctx context.Context, msg *bmp.ParsedBMP) {
	key := peerKey(msg.Peer)
	p.sessionsMu.Lock()
	sid, ok := p.sessions[key]
	p.sessionsMu.Unlock()
	if !ok {
		p.logger.Debug("route monitoring for unregistered peer, ignoring", zap.Stringer("peer", msg.Peer.PeerAddress))
		return
	}

	if len(msg.BGPData) < bgp.HeaderSize {
		p.logger.Warn("discarding malformed bmp route monitoring update", zap.Int("bytes", len(msg.BGPData)))
		return
	}
	upd, err := bgp.ParseUpdate(msg.BGPData[bgp.HeaderSize:], msg.HasAddPath)
	if err != nil {
		p.logger.Warn("discarding malformed bmp route monitoring update", zap.Error(err))
		return
	}

	select {
	case p.out <- ingest.Message{Session: sid, Update: upd}:
	case <-ctx.Done():
	}
}

// decodeEmbeddedOpen strips the BGP header off a raw OPEN message
// captured inside a Peer Up notification.
func decodeEmbeddedOpen(raw []byte) (*bgp.OpenMessage, error) {
	length, msgType, err := bgp.ParseHeader(raw)
	if err != nil {
		return nil, err
	}
	if msgType != bgp.MsgTypeOpen {
		return nil, fmt.Errorf("bmppeer: expected embedded OPEN, got message type %d", msgType)
	}
	return bgp.ParseOpen(raw[bgp.HeaderSize:length])
}
