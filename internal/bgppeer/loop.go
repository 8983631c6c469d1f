package bgppeer

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/route-beacon/rib-collector/internal/ingest"
	"github.com/route-beacon/rib-collector/internal/session"
	"github.com/route-beacon/rib-collector/internal/wire/bgp"
	"go.uber.org/zap"
)

type readResult struct {
	msgType uint8
	body    []byte
	err     error
}

// establishedLoop implements the main Established-state loop: wait for
// whichever fires first among cancellation, the keepalive deadline, or an
// incoming message, per message type dispatch, and a hold-timer read
// deadline that tears the session down on peer silence.
func (p *Peer) establishedLoop(ctx context.Context, conn net.Conn, sid session.ID, holdTime time.Duration) error {
	keepaliveInterval := holdTime / 3
	hasAddPathV4 := p.negotiatedAddPathV4

	reads := make(chan readResult, 1)
	go func() {
		for {
			msgType, body, err := readMessage(conn)
			reads <- readResult{msgType, body, err}
			if err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(keepaliveInterval)
	defer ticker.Stop()
	lastKeepaliveSent := time.Now()

	for {
		select {
		case <-ctx.Done():
			return nil

		case <-ticker.C:
			if time.Since(lastKeepaliveSent) >= keepaliveInterval {
				if err := writeFull(conn, bgp.EncodeKeepalive()); err != nil {
					return fmt.Errorf("bgppeer: sending keepalive: %w", err)
				}
				lastKeepaliveSent = time.Now()
			}

		case r := <-reads:
			if r.err != nil {
				return fmt.Errorf("bgppeer: connection read failed: %w", r.err)
			}
			_ = conn.SetReadDeadline(time.Now().Add(holdTime))

			switch r.msgType {
			case bgp.MsgTypeKeepalive:
				if err := writeFull(conn, bgp.EncodeKeepalive()); err != nil {
					return fmt.Errorf("bgppeer: echoing keepalive: %w", err)
				}
				lastKeepaliveSent = time.Now()

			case bgp.MsgTypeNotification:
				n, err := bgp.ParseNotification(r.body)
				if err != nil {
					return fmt.Errorf("bgppeer: malformed NOTIFICATION: %w", err)
				}
				p.logger.Info("bgp session notified",
					zap.Uint32("session", uint32(sid)),
					zap.Uint8("error_code", n.ErrorCode),
					zap.Uint8("error_subcode", n.ErrorSubcode),
				)
				return fmt.Errorf("bgppeer: peer sent NOTIFICATION code=%d subcode=%d", n.ErrorCode, n.ErrorSubcode)

			case bgp.MsgTypeUpdate:
				upd, err := bgp.ParseUpdate(r.body, hasAddPathV4)
				if err != nil {
					p.logger.Warn("discarding malformed UPDATE", zap.Uint32("session", uint32(sid)), zap.Error(err))
					continue
				}
				select {
				case p.out <- ingest.Message{Session: sid, Update: upd}:
				case <-ctx.Done():
					return nil
				}

			case bgp.MsgTypeOpen:
				return fmt.Errorf("bgppeer: received OPEN while Established")

			default:
				p.logger.Warn("ignoring unknown bgp message type", zap.Uint8("type", r.msgType))
			}
		}
	}
}
