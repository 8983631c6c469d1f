// Package rib implements the Global RIB: one RibTable per supported SAFI,
// the seven attribute sub-interners, update/withdraw counters, and the
// event broadcaster. HandleUpdate is the single entry point the ingest
// actor calls to fold one decoded BGP UPDATE into the RIB.
package rib

import (
	"net/netip"
	"time"

	"github.com/route-beacon/rib-collector/internal/attrs"
	"github.com/route-beacon/rib-collector/internal/broadcast"
	"github.com/route-beacon/rib-collector/internal/intern"
	"github.com/route-beacon/rib-collector/internal/metrics"
	"github.com/route-beacon/rib-collector/internal/ribtable"
	"github.com/route-beacon/rib-collector/internal/session"
	"github.com/route-beacon/rib-collector/internal/wire/bgp"
)

// EventKind distinguishes an Update event from a Withdraw event on the
// broadcast channel.
type EventKind int

const (
	EventUpdate EventKind = iota
	EventWithdraw
)

// Event is published once per affected route key rather than once per
// dispatched family: Subscribe matches events against a single rendered
// key, and collapsing a family's worth of keys into one event would
// leave it nothing to filter on. An UPDATE touching N keys in a family
// therefore yields N events, not one; only built at all when the
// broadcast hub has subscribers.
type Event struct {
	Kind    EventKind
	SAFI    string
	Session session.ID
	Key     string
}

// Counters tracks the lifetime update/withdraw/purge activity of a Rib.
type Counters struct {
	Updates   uint64
	Withdraws uint64
	Purges    uint64
}

// Rib is the Global RIB: every SAFI table this collector understands,
// sharing one set of attribute interners and one event broadcaster.
//
// Rib embeds timedRWMutex so the ingest actor and GC task can take a plain
// Lock(), while HTTP query handlers can take a RLockTimeout(ctx) bounded
// by their ctx's deadline. HandleUpdate itself never takes the
// lock: the caller (the ingest actor) is expected to already hold it, per
// the single-writer design the ingest actor implements.
type Rib struct {
	timedRWMutex

	IPv4Unicast    *ribtable.RibTable[ribtable.PrefixV4Key]
	IPv4Multicast  *ribtable.RibTable[ribtable.PrefixV4Key]
	IPv4Labeled    *ribtable.RibTable[ribtable.LabeledPrefixKey]
	VPNv4Unicast   *ribtable.RibTable[ribtable.LabeledRDPrefixKey]
	VPNv4Multicast *ribtable.RibTable[ribtable.RDPrefixKey]
	IPv6Unicast    *ribtable.RibTable[ribtable.PrefixV6Key]
	IPv6Labeled    *ribtable.RibTable[ribtable.LabeledPrefixKey]
	VPNv6Unicast   *ribtable.RibTable[ribtable.LabeledRDPrefixKey]
	VPNv6Multicast *ribtable.RibTable[ribtable.RDPrefixKey]
	L2VPLS         *ribtable.RibTable[ribtable.L2VPLSKey]
	MVPN           *ribtable.RibTable[ribtable.MVPNKey]
	EVPN           *ribtable.RibTable[ribtable.EVPNKey]
	FlowSpecV4     *ribtable.RibTable[ribtable.FlowSpecKey]
	IPv4MDT        *ribtable.RibTable[ribtable.MDTKey]
	IPv6MDT        *ribtable.RibTable[ribtable.MDTKey]

	asPathInterner   *intern.Set[[]bgp.ASPathSegment]
	commInterner     *intern.Set[[]uint32]
	largeCommInterner *intern.Set[[]bgp.LargeCommunity]
	extCommInterner  *intern.Set[[]bgp.ExtCommunity]
	clusterInterner  *intern.Set[[]uint32]
	pmsiInterner     *intern.Set[bgp.PMSITunnel]
	attrsInterner    *intern.Set[attrs.Attrs]

	Counters Counters
	Events   *broadcast.Hub[Event]

	purgeAfterWithdraws uint64
	purgeEvery          time.Duration
	withdrawsAtLastPurge uint64
	lastPurge            time.Time

	snapshotEvery time.Duration
	lastSnapshot  time.Time
}

// Config selects the per-SAFI history policy and purge thresholds a new
// Rib is built with; all tables share the same history_mode and
// history_depth, matching the single config-file-wide settings the
// collector exposes.
type Config struct {
	HistoryMode         ribtable.HistoryMode
	HistoryDepth        int
	TimeBucketSecs      int
	PurgeAfterWithdraws uint64
	PurgeEvery          time.Duration
	SnapshotEvery       time.Duration
}

// New builds an empty Rib with every SAFI table initialized per cfg.
func New(cfg Config) *Rib {
	r := &Rib{
		IPv4Unicast:    ribtable.New[ribtable.PrefixV4Key](cfg.HistoryMode, cfg.HistoryDepth, cfg.TimeBucketSecs),
		IPv4Multicast:  ribtable.New[ribtable.PrefixV4Key](cfg.HistoryMode, cfg.HistoryDepth, cfg.TimeBucketSecs),
		IPv4Labeled:    ribtable.New[ribtable.LabeledPrefixKey](cfg.HistoryMode, cfg.HistoryDepth, cfg.TimeBucketSecs),
		VPNv4Unicast:   ribtable.New[ribtable.LabeledRDPrefixKey](cfg.HistoryMode, cfg.HistoryDepth, cfg.TimeBucketSecs),
		VPNv4Multicast: ribtable.New[ribtable.RDPrefixKey](cfg.HistoryMode, cfg.HistoryDepth, cfg.TimeBucketSecs),
		IPv6Unicast:    ribtable.New[ribtable.PrefixV6Key](cfg.HistoryMode, cfg.HistoryDepth, cfg.TimeBucketSecs),
		IPv6Labeled:    ribtable.New[ribtable.LabeledPrefixKey](cfg.HistoryMode, cfg.HistoryDepth, cfg.TimeBucketSecs),
		VPNv6Unicast:   ribtable.New[ribtable.LabeledRDPrefixKey](cfg.HistoryMode, cfg.HistoryDepth, cfg.TimeBucketSecs),
		VPNv6Multicast: ribtable.New[ribtable.RDPrefixKey](cfg.HistoryMode, cfg.HistoryDepth, cfg.TimeBucketSecs),
		L2VPLS:         ribtable.New[ribtable.L2VPLSKey](cfg.HistoryMode, cfg.HistoryDepth, cfg.TimeBucketSecs),
		MVPN:           ribtable.New[ribtable.MVPNKey](cfg.HistoryMode, cfg.HistoryDepth, cfg.TimeBucketSecs),
		EVPN:           ribtable.New[ribtable.EVPNKey](cfg.HistoryMode, cfg.HistoryDepth, cfg.TimeBucketSecs),
		FlowSpecV4:     ribtable.New[ribtable.FlowSpecKey](cfg.HistoryMode, cfg.HistoryDepth, cfg.TimeBucketSecs),
		IPv4MDT:        ribtable.New[ribtable.MDTKey](cfg.HistoryMode, cfg.HistoryDepth, cfg.TimeBucketSecs),
		IPv6MDT:        ribtable.New[ribtable.MDTKey](cfg.HistoryMode, cfg.HistoryDepth, cfg.TimeBucketSecs),

		asPathInterner:    intern.New(attrs.KeyOfASPath),
		commInterner:      intern.New(attrs.KeyOfUint32List),
		largeCommInterner: intern.New(attrs.KeyOfLargeCommunities),
		extCommInterner:   intern.New(attrs.KeyOfExtCommunities),
		clusterInterner:   intern.New(attrs.KeyOfUint32List),
		pmsiInterner:      intern.New(attrs.KeyOfPMSITunnel),
		attrsInterner:     intern.New(attrs.Key),

		Events: broadcast.New[Event](64),

		purgeAfterWithdraws: cfg.PurgeAfterWithdraws,
		purgeEvery:          cfg.PurgeEvery,
		lastPurge:           time.Now(),

		snapshotEvery: cfg.SnapshotEvery,
		lastSnapshot:  time.Now(),
	}
	return r
}

// buildAttrs interns every list-typed sub-attribute of pa and returns the
// interned composite Attrs handle. A nil sub-list interns to the same
// empty-list singleton every time, per KeyOfASPath et al. keying nil and
// an empty slice identically.
func (r *Rib) buildAttrs(pa bgp.PathAttrs) *attrs.Attrs {
	a := attrs.Attrs{
		HasOrigin:       pa.HasOrigin,
		Origin:          pa.Origin,
		HasNextHop:      pa.HasNextHop,
		NextHop:         pa.NextHop,
		ASPath:          r.asPathInterner.Intern(pa.ASPath),
		MED:             pa.MED,
		LocalPref:       pa.LocalPref,
		AtomicAggregate: pa.AtomicAggregate,
		Aggregator:      pa.Aggregator,
		Communities:      r.commInterner.Intern(pa.Communities),
		ExtCommunities:   r.extCommInterner.Intern(pa.ExtCommunities),
		LargeCommunities: r.largeCommInterner.Intern(pa.LargeCommunities),
		HasOriginatorID:  pa.HasOriginatorID,
		OriginatorID:     pa.OriginatorID,
		ClusterList:      r.clusterInterner.Intern(pa.ClusterList),
	}
	if pa.PMSITunnel != nil {
		a.PMSITunnel = r.pmsiInterner.Intern(*pa.PMSITunnel)
	}
	return r.attrsInterner.Intern(a)
}

// withNextHop clones base with its next hop replaced (and re-interns),
// used when an MP_REACH_NLRI attribute's next hop differs from the base
// Attrs' next hop, which happens whenever a family other than the base
// IPv4 unicast NLRI is present in the same UPDATE.
func (r *Rib) withNextHop(base *attrs.Attrs, addr netip.Addr, hasRD bool, rd [8]byte) *attrs.Attrs {
	clone := *base
	clone.HasNextHop = true
	clone.NextHop = addr
	clone.HasNextHopRD = hasRD
	clone.NextHopRD = rd
	return r.attrsInterner.Intern(clone)
}

func decodeNextHop(b []byte) (addr netip.Addr, hasRD bool, rd [8]byte, ok bool) {
	switch len(b) {
	case 4:
		return netip.AddrFrom4([4]byte(b)), false, rd, true
	case 16:
		return netip.AddrFrom16([16]byte(b)), false, rd, true
	case 32: // global + link-local; the global address is what matters here
		return netip.AddrFrom16([16]byte(b[:16])), false, rd, true
	case 12: // RD-tagged IPv4 VPN next hop (RFC 4364 §4)
		copy(rd[:], b[0:8])
		return netip.AddrFrom4([4]byte(b[8:12])), true, rd, true
	case 24: // RD-tagged IPv6 VPN next hop
		copy(rd[:], b[0:8])
		return netip.AddrFrom16([16]byte(b[8:24])), true, rd, true
	default:
		return netip.Addr{}, false, rd, false
	}
}

// HandleUpdate folds one decoded BGP UPDATE into the RIB under sid,
// dispatching the base IPv4 unicast fields and every MP_REACH/MP_UNREACH
// attribute to its SAFI's table. The caller must already hold the RIB's
// write lock.
func (r *Rib) HandleUpdate(sid session.ID, upd *bgp.UpdateMessage) {
	base := r.buildAttrs(upd.Attrs)

	for _, w := range upd.WithdrawnRoutes {
		key := ribtable.PrefixV4Key{Prefix: w.Prefix}
		if r.IPv4Unicast.ApplyWithdraw(sid, w.PathID, key) {
			r.Counters.Withdraws++
			r.publish(EventWithdraw, "ipv4u", sid, key.String())
		}
	}
	for _, n := range upd.NLRI {
		key := ribtable.PrefixV4Key{Prefix: n.Prefix}
		if r.IPv4Unicast.ApplyUpdate(sid, n.PathID, key, base) {
			r.Counters.Updates++
			r.publish(EventUpdate, "ipv4u", sid, key.String())
		}
	}

	for _, mr := range upd.MPReach {
		rattr := base
		if addr, hasRD, rd, ok := decodeNextHop(mr.NextHop); ok {
			if hasRD || !base.HasNextHop || base.NextHop != addr {
				rattr = r.withNextHop(base, addr, hasRD, rd)
			}
		}
		r.applyReach(sid, mr.AFI, mr.SAFI, mr.NLRI, rattr)
	}
	for _, mu := range upd.MPUnreach {
		r.applyUnreach(sid, mu.AFI, mu.SAFI, mu.NLRI)
	}
}

func (r *Rib) publish(kind EventKind, safi string, sid session.ID, key string) {
	switch kind {
	case EventUpdate:
		metrics.UpdatesTotal.WithLabelValues(safi).Inc()
	case EventWithdraw:
		metrics.WithdrawsTotal.WithLabelValues(safi).Inc()
	}

	if r.Events.ReceiverCount() == 0 {
		return
	}
	r.Events.Publish(Event{Kind: kind, SAFI: safi, Session: sid, Key: key})
}

// applyReach dispatches one MP_REACH_NLRI's worth of decoded NLRI into its
// SAFI's table. Decode errors are swallowed: a malformed NLRI from one
// peer must not take down ingestion for every other peer sharing this
// RIB, matching the table layer's own "never raise errors downstream"
// contract.
func (r *Rib) applyReach(sid session.ID, afi uint16, safi uint8, nlri []byte, a *attrs.Attrs) {
	switch {
	case afi == bgp.AFIIPv6 && safi == bgp.SAFIUnicast:
		keys, _ := ribtable.DecodeUnicastV6(nlri, false)
		for _, pk := range keys {
			if r.IPv6Unicast.ApplyUpdate(sid, pk.PathID, pk.Key, a) {
				r.Counters.Updates++
				r.publish(EventUpdate, "ipv6u", sid, pk.Key.String())
			}
		}
	case afi == bgp.AFIIPv4 && safi == bgp.SAFIMPLSLabel:
		keys, _ := ribtable.DecodeLabeledUnicast(nlri, 4, false)
		for _, pk := range keys {
			if r.IPv4Labeled.ApplyUpdate(sid, pk.PathID, pk.Key, a) {
				r.Counters.Updates++
				r.publish(EventUpdate, "ipv4lu", sid, pk.Key.String())
			}
		}
	case afi == bgp.AFIIPv6 && safi == bgp.SAFIMPLSLabel:
		keys, _ := ribtable.DecodeLabeledUnicast(nlri, 16, false)
		for _, pk := range keys {
			if r.IPv6Labeled.ApplyUpdate(sid, pk.PathID, pk.Key, a) {
				r.Counters.Updates++
				r.publish(EventUpdate, "ipv6lu", sid, pk.Key.String())
			}
		}
	case afi == bgp.AFIIPv4 && safi == bgp.SAFIMPLSVPN:
		keys, _ := ribtable.DecodeVPNUnicast(nlri, 4, false)
		for _, pk := range keys {
			if r.VPNv4Unicast.ApplyUpdate(sid, pk.PathID, pk.Key, a) {
				r.Counters.Updates++
				r.publish(EventUpdate, "vpnv4u", sid, pk.Key.String())
			}
		}
	case afi == bgp.AFIIPv6 && safi == bgp.SAFIMPLSVPN:
		keys, _ := ribtable.DecodeVPNUnicast(nlri, 16, false)
		for _, pk := range keys {
			if r.VPNv6Unicast.ApplyUpdate(sid, pk.PathID, pk.Key, a) {
				r.Counters.Updates++
				r.publish(EventUpdate, "vpnv6u", sid, pk.Key.String())
			}
		}
	case afi == bgp.AFIIPv4 && safi == bgp.SAFIMPLSVPNMcast:
		keys, _ := ribtable.DecodeVPNMulticast(nlri, 4, false)
		for _, pk := range keys {
			if r.VPNv4Multicast.ApplyUpdate(sid, pk.PathID, pk.Key, a) {
				r.Counters.Updates++
				r.publish(EventUpdate, "vpnv4m", sid, pk.Key.String())
			}
		}
	case afi == bgp.AFIIPv6 && safi == bgp.SAFIMPLSVPNMcast:
		keys, _ := ribtable.DecodeVPNMulticast(nlri, 16, false)
		for _, pk := range keys {
			if r.VPNv6Multicast.ApplyUpdate(sid, pk.PathID, pk.Key, a) {
				r.Counters.Updates++
				r.publish(EventUpdate, "vpnv6m", sid, pk.Key.String())
			}
		}
	case afi == bgp.AFIIPv4 && safi == bgp.SAFIMDT:
		keys, _ := ribtable.DecodeMDT(nlri, 4)
		for _, key := range keys {
			if r.IPv4MDT.ApplyUpdate(sid, 0, key, a) {
				r.Counters.Updates++
				r.publish(EventUpdate, "ipv4mdt", sid, key.String())
			}
		}
	case afi == bgp.AFIIPv6 && safi == bgp.SAFIMDT:
		keys, _ := ribtable.DecodeMDT(nlri, 16)
		for _, key := range keys {
			if r.IPv6MDT.ApplyUpdate(sid, 0, key, a) {
				r.Counters.Updates++
				r.publish(EventUpdate, "ipv6mdt", sid, key.String())
			}
		}
	case afi == bgp.AFIL2VPN && safi == bgp.SAFIVPLS:
		keys, _ := ribtable.DecodeVPLS(nlri)
		for _, key := range keys {
			if r.L2VPLS.ApplyUpdate(sid, 0, key, a) {
				r.Counters.Updates++
				r.publish(EventUpdate, "l2vpls", sid, key.String())
			}
		}
	case safi == bgp.SAFIMVPN:
		keys, _ := ribtable.DecodeMVPN(nlri)
		for _, key := range keys {
			if r.MVPN.ApplyUpdate(sid, 0, key, a) {
				r.Counters.Updates++
				r.publish(EventUpdate, "mvpn", sid, key.String())
			}
		}
	case safi == bgp.SAFIEVPN:
		keys, _ := ribtable.DecodeEVPN(nlri)
		for _, key := range keys {
			if r.EVPN.ApplyUpdate(sid, 0, key, a) {
				r.Counters.Updates++
				r.publish(EventUpdate, "evpn", sid, key.String())
			}
		}
	case afi == bgp.AFIIPv4 && safi == bgp.SAFIFlowSpec:
		keys, _ := ribtable.DecodeFlowSpec(nlri)
		for _, key := range keys {
			if r.FlowSpecV4.ApplyUpdate(sid, 0, key, a) {
				r.Counters.Updates++
				r.publish(EventUpdate, "fs4u", sid, key.String())
			}
		}
	case afi == bgp.AFIIPv4 && safi == bgp.SAFIMulticast:
		keys, _ := ribtable.DecodeUnicastV4(nlri, false)
		for _, pk := range keys {
			if r.IPv4Multicast.ApplyUpdate(sid, pk.PathID, pk.Key, a) {
				r.Counters.Updates++
				r.publish(EventUpdate, "ipv4m", sid, pk.Key.String())
			}
		}
	}
}

func (r *Rib) applyUnreach(sid session.ID, afi uint16, safi uint8, nlri []byte) {
	switch {
	case afi == bgp.AFIIPv6 && safi == bgp.SAFIUnicast:
		keys, _ := ribtable.DecodeUnicastV6(nlri, false)
		for _, pk := range keys {
			if r.IPv6Unicast.ApplyWithdraw(sid, pk.PathID, pk.Key) {
				r.Counters.Withdraws++
				r.publish(EventWithdraw, "ipv6u", sid, pk.Key.String())
			}
		}
	case afi == bgp.AFIIPv4 && safi == bgp.SAFIMPLSLabel:
		keys, _ := ribtable.DecodeLabeledUnicast(nlri, 4, false)
		for _, pk := range keys {
			if r.IPv4Labeled.ApplyWithdraw(sid, pk.PathID, pk.Key) {
				r.Counters.Withdraws++
				r.publish(EventWithdraw, "ipv4lu", sid, pk.Key.String())
			}
		}
	case afi == bgp.AFIIPv6 && safi == bgp.SAFIMPLSLabel:
		keys, _ := ribtable.DecodeLabeledUnicast(nlri, 16, false)
		for _, pk := range keys {
			if r.IPv6Labeled.ApplyWithdraw(sid, pk.PathID, pk.Key) {
				r.Counters.Withdraws++
				r.publish(EventWithdraw, "ipv6lu", sid, pk.Key.String())
			}
		}
	case afi == bgp.AFIIPv4 && safi == bgp.SAFIMPLSVPN:
		keys, _ := ribtable.DecodeVPNUnicast(nlri, 4, false)
		for _, pk := range keys {
			if r.VPNv4Unicast.ApplyWithdraw(sid, pk.PathID, pk.Key) {
				r.Counters.Withdraws++
				r.publish(EventWithdraw, "vpnv4u", sid, pk.Key.String())
			}
		}
	case afi == bgp.AFIIPv6 && safi == bgp.SAFIMPLSVPN:
		keys, _ := ribtable.DecodeVPNUnicast(nlri, 16, false)
		for _, pk := range keys {
			if r.VPNv6Unicast.ApplyWithdraw(sid, pk.PathID, pk.Key) {
				r.Counters.Withdraws++
				r.publish(EventWithdraw, "vpnv6u", sid, pk.Key.String())
			}
		}
	case afi == bgp.AFIIPv4 && safi == bgp.SAFIMPLSVPNMcast:
		keys, _ := ribtable.DecodeVPNMulticast(nlri, 4, false)
		for _, pk := range keys {
			if r.VPNv4Multicast.ApplyWithdraw(sid, pk.PathID, pk.Key) {
				r.Counters.Withdraws++
				r.publish(EventWithdraw, "vpnv4m", sid, pk.Key.String())
			}
		}
	case afi == bgp.AFIIPv6 && safi == bgp.SAFIMPLSVPNMcast:
		keys, _ := ribtable.DecodeVPNMulticast(nlri, 16, false)
		for _, pk := range keys {
			if r.VPNv6Multicast.ApplyWithdraw(sid, pk.PathID, pk.Key) {
				r.Counters.Withdraws++
				r.publish(EventWithdraw, "vpnv6m", sid, pk.Key.String())
			}
		}
	case afi == bgp.AFIIPv4 && safi == bgp.SAFIMDT:
		keys, _ := ribtable.DecodeMDT(nlri, 4)
		for _, key := range keys {
			if r.IPv4MDT.ApplyWithdraw(sid, 0, key) {
				r.Counters.Withdraws++
				r.publish(EventWithdraw, "ipv4mdt", sid, key.String())
			}
		}
	case afi == bgp.AFIIPv6 && safi == bgp.SAFIMDT:
		keys, _ := ribtable.DecodeMDT(nlri, 16)
		for _, key := range keys {
			if r.IPv6MDT.ApplyWithdraw(sid, 0, key) {
				r.Counters.Withdraws++
				r.publish(EventWithdraw, "ipv6mdt", sid, key.String())
			}
		}
	case afi == bgp.AFIL2VPN && safi == bgp.SAFIVPLS:
		keys, _ := ribtable.DecodeVPLS(nlri)
		for _, key := range keys {
			if r.L2VPLS.ApplyWithdraw(sid, 0, key) {
				r.Counters.Withdraws++
				r.publish(EventWithdraw, "l2vpls", sid, key.String())
			}
		}
	case safi == bgp.SAFIMVPN:
		keys, _ := ribtable.DecodeMVPN(nlri)
		for _, key := range keys {
			if r.MVPN.ApplyWithdraw(sid, 0, key) {
				r.Counters.Withdraws++
				r.publish(EventWithdraw, "mvpn", sid, key.String())
			}
		}
	case safi == bgp.SAFIEVPN:
		keys, _ := ribtable.DecodeEVPN(nlri)
		for _, key := range keys {
			if r.EVPN.ApplyWithdraw(sid, 0, key) {
				r.Counters.Withdraws++
				r.publish(EventWithdraw, "evpn", sid, key.String())
			}
		}
	case afi == bgp.AFIIPv4 && safi == bgp.SAFIFlowSpec:
		keys, _ := ribtable.DecodeFlowSpec(nlri)
		for _, key := range keys {
			if r.FlowSpecV4.ApplyWithdraw(sid, 0, key) {
				r.Counters.Withdraws++
				r.publish(EventWithdraw, "fs4u", sid, key.String())
			}
		}
	case afi == bgp.AFIIPv4 && safi == bgp.SAFIMulticast:
		keys, _ := ribtable.DecodeUnicastV4(nlri, false)
		for _, pk := range keys {
			if r.IPv4Multicast.ApplyWithdraw(sid, pk.PathID, pk.Key) {
				r.Counters.Withdraws++
				r.publish(EventWithdraw, "ipv4m", sid, pk.Key.String())
			}
		}
	}
}

// NeedsPurge reports whether a purge is due: either the withdraw count has
// advanced by purge_after_withdraws since the last purge (when that
// threshold is configured), or purge_every has elapsed.
func (r *Rib) NeedsPurge() bool {
	if r.purgeAfterWithdraws > 0 && r.Counters.Withdraws-r.withdrawsAtLastPurge >= r.purgeAfterWithdraws {
		return true
	}
	if r.purgeEvery > 0 && time.Since(r.lastPurge) >= r.purgeEvery {
		return true
	}
	return false
}

// Purge reclaims every interner entry with no remaining history-entry
// holder, in dependency order: sub-attribute interners first, the
// composite Attrs interner last, since Attrs values hold pointers into the
// sub-interners' handles.
func (r *Rib) Purge() {
	reclaimed := r.asPathInterner.Purge()
	reclaimed += r.commInterner.Purge()
	reclaimed += r.largeCommInterner.Purge()
	reclaimed += r.extCommInterner.Purge()
	reclaimed += r.clusterInterner.Purge()
	reclaimed += r.pmsiInterner.Purge()
	reclaimed += r.attrsInterner.Purge()
	metrics.RoutesPurgedTotal.WithLabelValues("interner").Add(float64(reclaimed))

	r.Counters.Purges++
	r.withdrawsAtLastPurge = r.Counters.Withdraws
	r.lastPurge = time.Now()
}

// NeedsSnapshot reports whether the configured snapshot interval has
// elapsed since the last checkpoint. Checked from the GC hook immediately
// after a purge, matching "purge(), if due, triggers snapshot": snapshot
// cadence rides the same wakeup as GC rather than running its own ticker.
func (r *Rib) NeedsSnapshot() bool {
	return r.snapshotEvery > 0 && time.Since(r.lastSnapshot) >= r.snapshotEvery
}

// MarkSnapshotted records that a checkpoint was just written, resetting
// the NeedsSnapshot clock.
func (r *Rib) MarkSnapshotted() {
	r.lastSnapshot = time.Now()
}

// Stats is the snapshot of interner and per-SAFI table sizes returned by
// Statistics, plus the lifetime update/withdraw/purge counters.
type Stats struct {
	Interners map[string]int
	Tables    map[string]int
	Counters  Counters
}

// Statistics reports the current size of every interner and every SAFI
// table, plus the lifetime counters. Callers should hold at least a read
// lock; Statistics itself does not lock, matching HandleUpdate's
// lock-held-by-caller convention.
func (r *Rib) Statistics() Stats {
	return Stats{
		Interners: map[string]int{
			"aspath":           r.asPathInterner.Len(),
			"communities":      r.commInterner.Len(),
			"large_communities": r.largeCommInterner.Len(),
			"ext_communities":  r.extCommInterner.Len(),
			"cluster_list":     r.clusterInterner.Len(),
			"pmsi_tunnel":      r.pmsiInterner.Len(),
			"attrs":            r.attrsInterner.Len(),
		},
		Tables: map[string]int{
			"ipv4u":    r.IPv4Unicast.Len(),
			"ipv4m":    r.IPv4Multicast.Len(),
			"ipv4lu":   r.IPv4Labeled.Len(),
			"vpnv4u":   r.VPNv4Unicast.Len(),
			"vpnv4m":   r.VPNv4Multicast.Len(),
			"ipv6u":    r.IPv6Unicast.Len(),
			"ipv6lu":   r.IPv6Labeled.Len(),
			"vpnv6u":   r.VPNv6Unicast.Len(),
			"vpnv6m":   r.VPNv6Multicast.Len(),
			"l2vpls":   r.L2VPLS.Len(),
			"mvpn":     r.MVPN.Len(),
			"evpn":     r.EVPN.Len(),
			"fs4u":     r.FlowSpecV4.Len(),
			"ipv4mdt":  r.IPv4MDT.Len(),
			"ipv6mdt":  r.IPv6MDT.Len(),
		},
		Counters: r.Counters,
	}
}

// InternLoaded re-interns a freshly deserialized Attrs value, including
// its list-typed sub-fields, into r's own canonical interners. Snapshot
// decoding allocates a fresh, distinct copy of every structurally equal
// payload; without re-interning, entries that shared a handle before the
// snapshot was taken would come back as distinct equal-valued copies
// instead of sharing one.
func (r *Rib) InternLoaded(a attrs.Attrs) *attrs.Attrs {
	if a.ASPath != nil {
		a.ASPath = r.asPathInterner.Intern(*a.ASPath)
	}
	if a.Communities != nil {
		a.Communities = r.commInterner.Intern(*a.Communities)
	}
	if a.ExtCommunities != nil {
		a.ExtCommunities = r.extCommInterner.Intern(*a.ExtCommunities)
	}
	if a.LargeCommunities != nil {
		a.LargeCommunities = r.largeCommInterner.Intern(*a.LargeCommunities)
	}
	if a.ClusterList != nil {
		a.ClusterList = r.clusterInterner.Intern(*a.ClusterList)
	}
	if a.PMSITunnel != nil {
		a.PMSITunnel = r.pmsiInterner.Intern(*a.PMSITunnel)
	}
	return r.attrsInterner.Intern(a)
}
