package query

import (
	"context"
	"errors"
	"net/netip"
	"time"

	"github.com/route-beacon/rib-collector/internal/filter"
	"github.com/route-beacon/rib-collector/internal/metrics"
	"github.com/route-beacon/rib-collector/internal/ribtable"
)

// ErrSupernetUnsupported is returned by FindBestSupernet for a SAFI whose
// key type carries no single contiguous IP prefix (l2vpls, mvpn, evpn,
// fs4u, ipv4mdt, ipv6mdt), where longest-prefix-match has no meaning.
var ErrSupernetUnsupported = errors.New("query: supernet search unsupported for this safi")

// FindBestSupernet returns the narrowest route on safiName's table that
// contains prefix — the longest-prefix-match lookup spec calls out
// alongside the ordinary more-specific filter search — or false if no
// covering route exists.
func (s *Service) FindBestSupernet(ctx context.Context, safiName string, prefix netip.Prefix) (string, bool, error) {
	start := time.Now()

	if err := s.rib.RLockTimeout(ctx); err != nil {
		metrics.QueryLockTimeoutsTotal.WithLabelValues("find_best_supernet").Inc()
		return "", false, err
	}
	defer s.rib.RUnlock()
	defer func() { metrics.QueryDuration.WithLabelValues(safiName).Observe(time.Since(start).Seconds()) }()

	switch safiName {
	case "ipv4u":
		return bestSupernetKey(s.rib.IPv4Unicast, prefix)
	case "ipv4m":
		return bestSupernetKey(s.rib.IPv4Multicast, prefix)
	case "ipv4lu":
		return bestSupernetKey(s.rib.IPv4Labeled, prefix)
	case "vpnv4u":
		return bestSupernetKey(s.rib.VPNv4Unicast, prefix)
	case "vpnv4m":
		return bestSupernetKey(s.rib.VPNv4Multicast, prefix)
	case "ipv6u":
		return bestSupernetKey(s.rib.IPv6Unicast, prefix)
	case "ipv6lu":
		return bestSupernetKey(s.rib.IPv6Labeled, prefix)
	case "vpnv6u":
		return bestSupernetKey(s.rib.VPNv6Unicast, prefix)
	case "vpnv6m":
		return bestSupernetKey(s.rib.VPNv6Multicast, prefix)
	case "l2vpls", "mvpn", "evpn", "fs4u", "ipv4mdt", "ipv6mdt":
		// These key types don't carry a single contiguous IP prefix
		// (L2VPLSKey, MVPNKey, EVPNKey, FlowSpecKey, MDTKey all report
		// PrefixOf's ok=false), so longest-prefix-match has no meaning.
		return "", false, ErrSupernetUnsupported
	default:
		return "", false, ErrUnknownSAFI
	}
}

func bestSupernetKey[K ribtable.RouteKey](t *ribtable.RibTable[K], prefix netip.Prefix) (string, bool, error) {
	k, ok := filter.FindBestSupernet(t, prefix)
	if !ok {
		return "", false, nil
	}
	return k.String(), true, nil
}
