// Package bgppeer drives one BGP (RFC 4271) peering session end to end:
// TCP connect or accept, OPEN negotiation, keepalive discipline, and
// UPDATE/NOTIFICATION handling, emitting decoded UPDATEs onto the
// collector's ingest channel. Peer.Run keeps the session alive across
// failures with a fixed reconnect backoff.
package bgppeer

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
	"go.uber.org/zap"
)

// reconnectDelay is the fixed interval Run waits between a failed
// session and the next connect/accept attempt.
const reconnectDelay = 100 * time.Millisecond

// defaultHoldTime is offered in our own OPEN when Config.HoldTime is zero
// (RFC 4271 §4.2's suggested default).
const defaultHoldTime = 180 * time.Second

// State is one state of the RFC 4271 §8 finite state machine, reduced to
// the states this collector's read-only peer actually visits (it never
// originates routes, so there is no Connect-retry-with-local-routes
// subtlety to model).
type State int

const (
	Idle State = iota
	Connect
	OpenSent
	OpenConfirm
	Established
)

func (s State) String() string {
	switch s {
	case Idle:
		return "Idle"
	case Connect:
		return "Connect"
	case OpenSent:
		return "OpenSent"
	case OpenConfirm:
		return "OpenConfirm"
	case Established:
		return "Established"
	default:
		return "Unknown"
	}
}

// Mode selects which side of the TCP handshake this Peer drives.
type Mode int

const (
	Active  Mode = iota // we dial out and send OPEN first
	Passive             // we accept and reply to the peer's OPEN
)

// Config is one configured BGP peer.
type Config struct {
	Name     string // configured peer name, used only to label metrics
	Mode     Mode
	Peer     netip.AddrPort // dial target (Active) or expected remote (Passive, informational)
	Listen   string         // listen address for Passive mode
	RouterID netip.Addr
	ASN      uint32
	HoldTime time.Duration // 0 uses defaultHoldTime

	// AFISAFIs and AddPathAFISAFIs populate our own OPEN's capabilities.
	AFISAFIs        []bgp.AFISAFI
	AddPathAFISAFIs []bgp.AFISAFI
}

// Peer runs one configured BGP session, reconnecting indefinitely until
// its context is cancelled.
type Peer struct {
	cfg      Config
	registry *session.Registry
	out      chan<- ingest.Message
	logger   *zap.Logger

	stateMu sync.RWMutex
	state   State

	negotiatedAddPathV4 bool
}

func (p *Peer) setState(s State) {
	p.stateMu.Lock()
	p.state = s
	p.stateMu.Unlock()
	metrics.PeerStateTransitionsTotal.WithLabelValues(p.cfg.Name, s.String()).Inc()
}

// State reports the peer's current FSM state, safe to call concurrently
// with Run.
func (p *Peer) State() State {
	p.stateMu.RLock()
	defer p.stateMu.RUnlock()
	return p.state
}

// New returns a Peer for cfg, publishing decoded UPDATEs to out and
// registering sessions in registry.
func New(cfg Config, registry *session.Registry, out chan<- ingest.Message, logger *zap.Logger) *Peer {
	return &Peer{cfg: cfg, registry: registry, out: out, logger: logger}
}

// Run supervises the session: it repeatedly connects (or accepts) and
// drives one session to completion, waiting reconnectDelay between
// attempts, until ctx is cancelled, matching the "re-spawn on failure
// until cancelled" supervision model of every long-lived task in this
// collector. Run returns when ctx is done; in Passive mode it also
// returns at once, after logging the error, if the listener cannot be
// opened.
func (p *Peer) Run(ctx context.Context) {
	var listener net.Listener
	if p.cfg.Mode == Passive {
		l, err := net.Listen("tcp", p.cfg.Listen)
		if err != nil {
			p.logger.Error("bgp passive listen failed", zap.String("listen", p.cfg.Listen), zap.Error(err))
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
			p.logger.Warn("bgp session ended", zap.Stringer("peer", addrPortStringer{p.cfg.Peer}), zap.Error(err))
		}
		p.setState(Idle)

		select {
		case <-ctx.Done():
			return
		case <-time.After(bo.NextBackOff()):
		}
	}
}

type addrPortStringer struct{ netip.AddrPort }

func (a addrPortStringer) String() string { return a.AddrPort.String() }

func (p *Peer) runSession(ctx context.Context, listener net.Listener) error {
	p.setState(Connect)
	conn, err := p.obtainConn(ctx, listener)
	if err != nil {
		return err
	}
	defer conn.Close()

	holdTime := p.cfg.HoldTime
	if holdTime <= 0 {
		holdTime = defaultHoldTime
	}

	ourOpen := bgp.OpenParams{
		ASN:             p.cfg.ASN,
		HoldTime:        uint16(holdTime / time.Second),
		AFISAFIs:        p.cfg.AFISAFIs,
		AddPathAFISAFIs: p.cfg.AddPathAFISAFIs,
	}
	if p.cfg.RouterID.Is4() {
		ourOpen.BGPIdentifier = p.cfg.RouterID.As4()
	}

	if p.cfg.Mode == Active {
		if err := writeFull(conn, bgp.EncodeOpen(ourOpen)); err != nil {
			return fmt.Errorf("bgppeer: sending OPEN: %w", err)
		}
		p.setState(OpenSent)
	}

	peerOpen, err := readOpen(conn)
	if err != nil {
		return fmt.Errorf("bgppeer: reading peer OPEN: %w", err)
	}

	if p.cfg.Mode == Passive {
		if err := writeFull(conn, bgp.EncodeOpen(ourOpen)); err != nil {
			return fmt.Errorf("bgppeer: sending OPEN: %w", err)
		}
		p.setState(OpenSent)
	}

	negotiatedHold := holdTime
	if peerHold := time.Duration(peerOpen.HoldTime) * time.Second; peerHold > 0 && peerHold < negotiatedHold {
		negotiatedHold = peerHold
	}

	if err := writeFull(conn, bgp.EncodeKeepalive()); err != nil {
		return fmt.Errorf("bgppeer: sending KEEPALIVE: %w", err)
	}
	p.setState(OpenConfirm)

	if err := expectKeepalive(conn); err != nil {
		return fmt.Errorf("bgppeer: waiting for peer KEEPALIVE: %w", err)
	}

	p.negotiatedAddPathV4 = peerOpen.SupportsAddPath(bgp.AFIIPv4, bgp.SAFIUnicast) && ourAdvertisesAddPathV4(p.cfg.AddPathAFISAFIs)

	remoteAddr, ok := addrFromConn(conn.RemoteAddr())
	if !ok {
		return fmt.Errorf("bgppeer: could not parse remote address %v", conn.RemoteAddr())
	}
	localAddr, ok := addrFromConn(conn.LocalAddr())
	if !ok {
		return fmt.Errorf("bgppeer: could not parse local address %v", conn.LocalAddr())
	}
	sid := p.registry.Register(
		session.PeerDesc{Address: localAddr, Open: ourOpenAsMessage(ourOpen)},
		session.PeerDesc{Address: remoteAddr, Open: *peerOpen},
	)
	p.setState(Established)
	p.logger.Info("bgp session established",
		zap.Stringer("remote", remoteAddr),
		zap.Uint32("session", uint32(sid)),
		zap.Duration("hold_time", negotiatedHold),
	)

	return p.establishedLoop(ctx, conn, sid, negotiatedHold)
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

func addrFromConn(a net.Addr) (netip.Addr, bool) {
	tcpAddr, ok := a.(*net.TCPAddr)
	if !ok {
		return netip.Addr{}, false
	}
	addr, ok := netip.AddrFromSlice(tcpAddr.IP)
	if !ok {
		return netip.Addr{}, false
	}
	return addr.Unmap(), true
}

func ourAdvertisesAddPathV4(afs []bgp.AFISAFI) bool {
	for _, af := range afs {
		if af.AFI == bgp.AFIIPv4 && af.SAFI == bgp.SAFIUnicast {
			return true
		}
	}
	return false
}

func ourOpenAsMessage(p bgp.OpenParams) bgp.OpenMessage {
	id, _ := netip.AddrFromSlice(p.BGPIdentifier[:])
	return bgp.OpenMessage{
		Version:       4,
		MyAS:          p.ASN,
		HoldTime:      p.HoldTime,
		BGPIdentifier: id,
	}
}
