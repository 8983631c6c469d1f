// Package ingest runs the collector's single-consumer update applier and
// its companion garbage-collector tick, the only two tasks allowed to take
// a write lock on the RIB.
package ingest

import (
	"context"
	"time"

	"github.com/route-beacon/rib-collector/internal/rib"
	"github.com/route-beacon/rib-collector/internal/session"
	"github.com/route-beacon/rib-collector/internal/wire/bgp"
	"go.uber.org/zap"
)

// slowApplyThreshold is the elapsed-time bar above which Actor.Run logs a
// warning for a single HandleUpdate call.
const slowApplyThreshold = time.Second

// Message is one decoded UPDATE queued for serial application, tagged
// with the session it arrived on.
type Message struct {
	Session session.ID
	Update  *bgp.UpdateMessage
}

// Actor is the RIB's single writer: it drains Messages in wire-arrival
// order and applies each one under the RIB's write lock. Closing the
// input channel stops Run cleanly, matching the shutdown sequence a
// supervisor drives (stop peers, close the channel, let Run drain, then
// snapshot).
type Actor struct {
	rib    *rib.Rib
	in     <-chan Message
	logger *zap.Logger
}

// NewActor returns an Actor consuming in and mutating r.
func NewActor(r *rib.Rib, in <-chan Message, logger *zap.Logger) *Actor {
	return &Actor{rib: r, in: in, logger: logger}
}

// Run blocks until ctx is cancelled or in is closed and drained.
func (a *Actor) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-a.in:
			if !ok {
				return
			}
			a.apply(msg)
		}
	}
}

func (a *Actor) apply(msg Message) {
	start := time.Now()
	a.rib.Lock()
	a.rib.HandleUpdate(msg.Session, msg.Update)
	a.rib.Unlock()

	if elapsed := time.Since(start); elapsed > slowApplyThreshold {
		a.logger.Warn("slow RIB update application",
			zap.Duration("elapsed", elapsed),
			zap.Uint32("session", uint32(msg.Session)),
		)
	}
}

// GC wakes on a fixed interval and purges the RIB's interners when the
// RIB's own threshold policy (withdraw count or wall-clock interval) says
// it is due.
type GC struct {
	rib      *rib.Rib
	interval time.Duration
	logger   *zap.Logger
	// OnPurged, if set, runs after a successful purge — the snapshot
	// scheduler hangs its "maybe write a checkpoint now" check here.
	OnPurged func()
}

// NewGC returns a GC that checks rib.NeedsPurge every interval.
func NewGC(r *rib.Rib, interval time.Duration, logger *zap.Logger) *GC {
	return &GC{rib: r, interval: interval, logger: logger}
}

// Run blocks until ctx is cancelled.
func (g *GC) Run(ctx context.Context) {
	ticker := time.NewTicker(g.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !g.rib.NeedsPurge() {
				continue
			}
			g.rib.Lock()
			g.rib.Purge()
			g.rib.Unlock()
			g.logger.Debug("rib purge complete")
			if g.OnPurged != nil {
				g.OnPurged()
			}
		}
	}
}
