// Package query is the façade the HTTP/WebSocket transport is built on:
// it owns no transport concerns of its own, only the RIB read paths
// (statistics, session listing, peer state, filtered RIB queries, and the
// live update/withdraw event stream) behind bounded lock acquisition.
package query

import (
	"context"
	"time"

	"github.com/route-beacon/rib-collector/internal/rib"
	"github.com/route-beacon/rib-collector/internal/session"
	"go.uber.org/zap"
)

// PeerHandle names one configured peer adapter and how to read its
// current state, without this package importing bgppeer/bmppeer
// directly: both expose a State() method returning their own named
// State type, and cmd wiring closes over Peer.State().String() to
// produce the string this package actually needs.
type PeerHandle struct {
	Name  string
	State func() string
}

// Service is the query façade handed to the HTTP layer.
type Service struct {
	rib        *rib.Rib
	registry   *session.Registry
	ribTimeout time.Duration
	peers      map[string]PeerHandle
	logger     *zap.Logger
}

// New builds a Service over rib and registry. A RIB query, statistics or
// supernet call waits for the read lock until the caller's ctx is done
// and then returns rib.ErrLockTimeout (the HTTP layer maps this to a
// 408-equivalent response). ribTimeout is stored on the Service but no
// method applies it: the wait is bounded only by the deadline the
// caller's ctx carries. logger receives one warning per unparseable
// filter term a caller submits.
func New(r *rib.Rib, registry *session.Registry, ribTimeout time.Duration, peers []PeerHandle, logger *zap.Logger) *Service {
	m := make(map[string]PeerHandle, len(peers))
	for _, p := range peers {
		m[p.Name] = p
	}
	return &Service{rib: r, registry: registry, ribTimeout: ribTimeout, peers: m, logger: logger}
}

// logSkippedTerms warns about every filter token ParseFilter could not
// classify; the rest of the filter still applies.
func (s *Service) logSkippedTerms(filterStr string, skipped []string) {
	if len(skipped) == 0 {
		return
	}
	s.logger.Warn("ignoring unrecognized filter terms",
		zap.String("filter", filterStr),
		zap.Strings("skipped", skipped),
	)
}

// Statistics reports interner sizes, per-SAFI table sizes, and the
// lifetime update/withdraw/purge counters.
func (s *Service) Statistics(ctx context.Context) (rib.Stats, error) {
	if err := s.rib.RLockTimeout(ctx); err != nil {
		return rib.Stats{}, err
	}
	defer s.rib.RUnlock()
	return s.rib.Statistics(), nil
}

// ListSessions returns every registered session. The registry keeps its
// own lock independent of the RIB's, so this never waits on RIB query
// traffic.
func (s *Service) ListSessions() map[session.ID]session.Descriptor {
	return s.registry.List()
}

// State reports the current adapter state of the named peer, and false
// if no peer by that name is configured.
func (s *Service) State(peerName string) (string, bool) {
	h, ok := s.peers[peerName]
	if !ok {
		return "", false
	}
	return h.State(), true
}
