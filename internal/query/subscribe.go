package query

import (
	"net/netip"
	"strings"

	"github.com/route-beacon/rib-collector/internal/filter"
	"github.com/route-beacon/rib-collector/internal/rib"
)

// Subscribe registers a receiver for every update/withdraw event on
// safiName whose rendered key passes filterStr. The broadcast hub
// carries only the SAFI kind, session, and a pre-rendered key string
// (not the typed route key or the interned attributes), so only the
// term kinds evaluable from that string — prefix containment and re:
// regex — actually narrow the stream here; every other term kind is
// treated as Unknown, which a bare or `-` term lets through (the same
// "Unknown passes a bare term" rule the filter engine already applies to
// QueryRib) and which a `+` required term does not, so such a term
// blocks every event.
// Callers needing attribute-level subscription filtering should narrow
// with a prefix or regex term, or post-filter client-side against a
// QueryRib poll.
func (s *Service) Subscribe(safiName, filterStr string) (<-chan rib.Event, func(), error) {
	f := filter.ParseFilter(filterStr)
	s.logSkippedTerms(filterStr, f.Skipped)

	id, in := s.rib.Events.Subscribe()
	out := make(chan rib.Event, cap(in))
	go func() {
		defer close(out)
		for ev := range in {
			if ev.SAFI != safiName || !matchesEventKey(f, ev.Key) {
				continue
			}
			out <- ev
		}
	}()

	unsubscribe := func() { s.rib.Events.Unsubscribe(id) }
	return out, unsubscribe, nil
}

func matchesEventKey(f *filter.Filter, key string) bool {
	prefixPart := key
	if idx := strings.IndexByte(key, ' '); idx >= 0 {
		prefixPart = key[:idx]
	}
	parsedPrefix, perr := netip.ParsePrefix(prefixPart)

	for _, t := range f.Terms {
		verdict := filter.Unknown
		switch t.Kind {
		case filter.KindPrefix:
			if perr == nil {
				verdict = boolToTri(t.Prefix.Contains(parsedPrefix.Addr()) && parsedPrefix.Bits() >= t.Prefix.Bits())
			}
		case filter.KindRegex:
			verdict = boolToTri(t.Regex.MatchString(key))
		}

		switch {
		case t.Required:
			if verdict != filter.Yes {
				return false
			}
		case t.Excluded:
			if verdict == filter.Yes {
				return false
			}
		default:
			if verdict == filter.No {
				return false
			}
		}
	}
	return true
}

func boolToTri(b bool) filter.Tri {
	if b {
		return filter.Yes
	}
	return filter.No
}
