package query

import (
	"context"
	"errors"
	"time"

	"github.com/route-beacon/rib-collector/internal/attrs"
	"github.com/route-beacon/rib-collector/internal/clock"
	"github.com/route-beacon/rib-collector/internal/filter"
	"github.com/route-beacon/rib-collector/internal/metrics"
	"github.com/route-beacon/rib-collector/internal/ribtable"
	"github.com/route-beacon/rib-collector/internal/session"
)

// ErrUnknownSAFI is returned by QueryRib for a safiName outside the
// fifteen this collector understands.
var ErrUnknownSAFI = errors.New("query: unknown safi name")

// HistoryEntry is one timestamped, filter-pruned history leaf.
type HistoryEntry struct {
	Timestamp time.Time
	Active    bool
	Attrs     *attrs.Attrs
}

// PathHistory is one add-path identifier's surviving history entries,
// newest first.
type PathHistory struct {
	PathID  uint32
	Entries []HistoryEntry
}

// SessionHistory is one session's surviving per-path histories.
type SessionHistory struct {
	Session session.ID
	Paths   []PathHistory
}

// RouteItem is one matched route key and its pruned session tree.
type RouteItem struct {
	Key      string
	Sessions []SessionHistory
}

// RibResponse is QueryRib's full result: the matched, paginated items
// plus enough bookkeeping for a transport to render pagination controls
// and echo back what was actually applied.
type RibResponse struct {
	SAFI       string
	Filter     string
	Population int
	Skip       int
	Limit      int
	MatchCount int
	Items      []RouteItem
}

// QueryRib runs filterStr against safiName's table and returns the
// matched, paginated, history-pruned result. changedAfter/changedBefore
// as the zero time.Time mean "unbounded" on that side.
func (s *Service) QueryRib(ctx context.Context, safiName, filterStr string, skip, limit, maxDepth int, onlyActive bool, changedAfter, changedBefore time.Time) (*RibResponse, error) {
	start := time.Now()

	f := filter.ParseFilter(filterStr)
	s.logSkippedTerms(filterStr, f.Skipped)

	if err := s.rib.RLockTimeout(ctx); err != nil {
		metrics.QueryLockTimeoutsTotal.WithLabelValues("query_rib").Inc()
		return nil, err
	}
	defer s.rib.RUnlock()
	defer func() { metrics.QueryDuration.WithLabelValues(safiName).Observe(time.Since(start).Seconds()) }()

	var ca, cb clock.Timestamp
	if !changedAfter.IsZero() {
		ca = clock.FromTime(changedAfter)
	}
	if !changedBefore.IsZero() {
		cb = clock.FromTime(changedBefore)
	}

	var resp RibResponse
	switch safiName {
	case "ipv4u":
		resp = queryTable(s.rib.IPv4Unicast, f, skip, limit, maxDepth, onlyActive, ca, cb)
	case "ipv4m":
		resp = queryTable(s.rib.IPv4Multicast, f, skip, limit, maxDepth, onlyActive, ca, cb)
	case "ipv4lu":
		resp = queryTable(s.rib.IPv4Labeled, f, skip, limit, maxDepth, onlyActive, ca, cb)
	case "vpnv4u":
		resp = queryTable(s.rib.VPNv4Unicast, f, skip, limit, maxDepth, onlyActive, ca, cb)
	case "vpnv4m":
		resp = queryTable(s.rib.VPNv4Multicast, f, skip, limit, maxDepth, onlyActive, ca, cb)
	case "ipv6u":
		resp = queryTable(s.rib.IPv6Unicast, f, skip, limit, maxDepth, onlyActive, ca, cb)
	case "ipv6lu":
		resp = queryTable(s.rib.IPv6Labeled, f, skip, limit, maxDepth, onlyActive, ca, cb)
	case "vpnv6u":
		resp = queryTable(s.rib.VPNv6Unicast, f, skip, limit, maxDepth, onlyActive, ca, cb)
	case "vpnv6m":
		resp = queryTable(s.rib.VPNv6Multicast, f, skip, limit, maxDepth, onlyActive, ca, cb)
	case "l2vpls":
		resp = queryTable(s.rib.L2VPLS, f, skip, limit, maxDepth, onlyActive, ca, cb)
	case "mvpn":
		resp = queryTable(s.rib.MVPN, f, skip, limit, maxDepth, onlyActive, ca, cb)
	case "evpn":
		resp = queryTable(s.rib.EVPN, f, skip, limit, maxDepth, onlyActive, ca, cb)
	case "fs4u":
		resp = queryTable(s.rib.FlowSpecV4, f, skip, limit, maxDepth, onlyActive, ca, cb)
	case "ipv4mdt":
		resp = queryTable(s.rib.IPv4MDT, f, skip, limit, maxDepth, onlyActive, ca, cb)
	case "ipv6mdt":
		resp = queryTable(s.rib.IPv6MDT, f, skip, limit, maxDepth, onlyActive, ca, cb)
	default:
		return nil, ErrUnknownSAFI
	}

	resp.SAFI = safiName
	resp.Filter = filterStr
	return &resp, nil
}

// queryTable narrows t to candidate keys via the filter engine's index
// intersection, then applies the full filter plus history-level
// predicates (active-only, changed-before/after, max-depth) to build the
// pruned response tree, matching spec's iterator construction: the
// candidate narrowing is a conservative over-approximation and the
// per-entry history filtering happens only after a key is selected.
func queryTable[K ribtable.RouteKey](t *ribtable.RibTable[K], f *filter.Filter, skip, limit, maxDepth int, onlyActive bool, changedAfter, changedBefore clock.Timestamp) RibResponse {
	candidates := filter.CandidateKeys(t, f)

	var items []RouteItem
	for _, key := range candidates {
		sm, ok := t.Get(key)
		if !ok {
			continue
		}

		matched := false
		var sessions []SessionHistory
		sm.Range(func(sid session.ID, pm *ribtable.PathIdMap) {
			var paths []PathHistory
			pm.Range(func(pathID uint32, tm *ribtable.TimeMap) {
				var entries []HistoryEntry
				kept := 0
				tm.Descending(func(ts clock.Timestamp, e ribtable.Entry) bool {
					if f.Matches(filter.Candidate{Key: key, Attrs: e.Attrs}) == filter.Yes {
						matched = true
					}
					if onlyActive && !e.Active {
						return true
					}
					// Window is [changedAfter, changedBefore): inclusive
					// lower bound, exclusive upper bound.
					if changedAfter != 0 && ts.Before(changedAfter) {
						return true
					}
					if changedBefore != 0 && !ts.Before(changedBefore) {
						return true
					}
					if maxDepth > 0 && kept >= maxDepth {
						return true
					}
					entries = append(entries, HistoryEntry{Timestamp: ts.Time(), Active: e.Active, Attrs: e.Attrs})
					kept++
					return true
				})
				// Under onlyactive a path whose newest entry is a withdraw
				// is inactive, so none of its history is listed.
				if onlyActive {
					if latest, ok := tm.Latest(); ok && !latest.Active {
						entries = nil
					}
				}
				if len(entries) > 0 {
					paths = append(paths, PathHistory{PathID: pathID, Entries: entries})
				}
			})
			if len(paths) > 0 {
				sessions = append(sessions, SessionHistory{Session: sid, Paths: paths})
			}
		})

		if matched && len(sessions) > 0 {
			items = append(items, RouteItem{Key: key.String(), Sessions: sessions})
		}
	}

	matchCount := len(items)
	page := items
	if skip > 0 {
		if skip >= len(page) {
			page = nil
		} else {
			page = page[skip:]
		}
	}
	if limit > 0 && limit < len(page) {
		page = page[:limit]
	}

	return RibResponse{
		Population: t.Len(),
		Skip:       skip,
		Limit:      limit,
		MatchCount: matchCount,
		Items:      page,
	}
}
