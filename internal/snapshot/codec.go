// Package snapshot streams the RIB's fifteen SAFI tables to a single file
// in a fixed order and reconstructs them on startup, re-deriving every
// secondary index from the loaded data rather than persisting the indexes
// themselves.
package snapshot

import (
	"encoding/gob"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/klauspost/compress/zstd"
	"github.com/route-beacon/rib-collector/internal/attrs"
	"github.com/route-beacon/rib-collector/internal/clock"
	"github.com/route-beacon/rib-collector/internal/metrics"
	"github.com/route-beacon/rib-collector/internal/rib"
	"github.com/route-beacon/rib-collector/internal/ribtable"
	"github.com/route-beacon/rib-collector/internal/session"
	"go.uber.org/zap"
)

// serializedEntry is one history leaf's on-disk form. Attrs is the
// dereferenced payload, not the interner handle: handle identity means
// nothing outside the process that minted it, and the loader re-interns
// every decoded payload into the new RIB's own canonical storage.
type serializedEntry struct {
	TimestampMillis int64
	Active          bool
	Attrs           *attrs.Attrs
	Labels          []uint32
}

type serializedPath struct {
	PathID  uint32
	Entries []serializedEntry // newest first, matching TimeMap.Descending
}

type serializedSession struct {
	Session session.ID
	Paths   []serializedPath
}

type serializedRoute[K ribtable.RouteKey] struct {
	Key      K
	Sessions []serializedSession
}

func encodeTable[K ribtable.RouteKey](enc *gob.Encoder, t *ribtable.RibTable[K]) error {
	routes := make([]serializedRoute[K], 0, t.Len())
	t.Ascend(func(key K, sm *ribtable.SessionMap) bool {
		var sessions []serializedSession
		sm.Range(func(sid session.ID, pm *ribtable.PathIdMap) {
			var paths []serializedPath
			pm.Range(func(pathID uint32, tm *ribtable.TimeMap) {
				entries := make([]serializedEntry, 0, tm.Len())
				tm.Descending(func(ts clock.Timestamp, e ribtable.Entry) bool {
					entries = append(entries, serializedEntry{
						TimestampMillis: int64(ts),
						Active:          e.Active,
						Attrs:           e.Attrs,
						Labels:          e.Labels,
					})
					return true
				})
				paths = append(paths, serializedPath{PathID: pathID, Entries: entries})
			})
			sessions = append(sessions, serializedSession{Session: sid, Paths: paths})
		})
		routes = append(routes, serializedRoute[K]{Key: key, Sessions: sessions})
		return true
	})
	return enc.Encode(routes)
}

func decodeTable[K ribtable.RouteKey](dec *gob.Decoder, t *ribtable.RibTable[K], intern func(attrs.Attrs) *attrs.Attrs) error {
	var routes []serializedRoute[K]
	if err := dec.Decode(&routes); err != nil {
		return err
	}

	out := make([]ribtable.TableEntry[K], 0, len(routes))
	for _, route := range routes {
		sessions := make(map[session.ID]*ribtable.PathIdMap, len(route.Sessions))
		for _, ss := range route.Sessions {
			paths := make(map[uint32]*ribtable.TimeMap, len(ss.Paths))
			for _, sp := range ss.Paths {
				timed := make([]ribtable.TimedEntry, len(sp.Entries))
				for i, se := range sp.Entries {
					e := ribtable.Entry{Active: se.Active, Labels: se.Labels}
					if se.Attrs != nil {
						e.Attrs = intern(*se.Attrs)
					}
					// sp.Entries is newest-first (TimeMap.Descending); the
					// reconstructed slice must read oldest-first.
					timed[len(sp.Entries)-1-i] = ribtable.TimedEntry{
						Timestamp: clock.Timestamp(se.TimestampMillis),
						Entry:     e,
					}
				}
				paths[sp.PathID] = ribtable.NewTimeMapFromHistory(timed)
			}
			sessions[ss.Session] = ribtable.NewPathIdMapFromHistory(paths)
		}
		out = append(out, ribtable.TableEntry[K]{
			Key:      route.Key,
			Sessions: ribtable.NewSessionMapFromHistory(sessions),
		})
	}

	t.Assign(out)
	return nil
}

// safiSteps returns, in the fixed on-disk order (ipv4u, ipv4m, ipv4lu,
// vpnv4u, vpnv4m, ipv6u, ipv6lu, vpnv6u, vpnv6m, l2vpls, mvpn, evpn, fs4u,
// ipv4mdt, ipv6mdt), the per-table encode or decode step for one
// operation. Both Store and Load walk this same list so the file's
// section order can never drift between the two.
func safiSteps(enc *gob.Encoder, dec *gob.Decoder, r *rib.Rib) []func() error {
	intern := r.InternLoaded
	return []func() error{
		func() error {
			if enc != nil {
				return encodeTable(enc, r.IPv4Unicast)
			}
			return decodeTable(dec, r.IPv4Unicast, intern)
		},
		func() error {
			if enc != nil {
				return encodeTable(enc, r.IPv4Multicast)
			}
			return decodeTable(dec, r.IPv4Multicast, intern)
		},
		func() error {
			if enc != nil {
				return encodeTable(enc, r.IPv4Labeled)
			}
			return decodeTable(dec, r.IPv4Labeled, intern)
		},
		func() error {
			if enc != nil {
				return encodeTable(enc, r.VPNv4Unicast)
			}
			return decodeTable(dec, r.VPNv4Unicast, intern)
		},
		func() error {
			if enc != nil {
				return encodeTable(enc, r.VPNv4Multicast)
			}
			return decodeTable(dec, r.VPNv4Multicast, intern)
		},
		func() error {
			if enc != nil {
				return encodeTable(enc, r.IPv6Unicast)
			}
			return decodeTable(dec, r.IPv6Unicast, intern)
		},
		func() error {
			if enc != nil {
				return encodeTable(enc, r.IPv6Labeled)
			}
			return decodeTable(dec, r.IPv6Labeled, intern)
		},
		func() error {
			if enc != nil {
				return encodeTable(enc, r.VPNv6Unicast)
			}
			return decodeTable(dec, r.VPNv6Unicast, intern)
		},
		func() error {
			if enc != nil {
				return encodeTable(enc, r.VPNv6Multicast)
			}
			return decodeTable(dec, r.VPNv6Multicast, intern)
		},
		func() error {
			if enc != nil {
				return encodeTable(enc, r.L2VPLS)
			}
			return decodeTable(dec, r.L2VPLS, intern)
		},
		func() error {
			if enc != nil {
				return encodeTable(enc, r.MVPN)
			}
			return decodeTable(dec, r.MVPN, intern)
		},
		func() error {
			if enc != nil {
				return encodeTable(enc, r.EVPN)
			}
			return decodeTable(dec, r.EVPN, intern)
		},
		func() error {
			if enc != nil {
				return encodeTable(enc, r.FlowSpecV4)
			}
			return decodeTable(dec, r.FlowSpecV4, intern)
		},
		func() error {
			if enc != nil {
				return encodeTable(enc, r.IPv4MDT)
			}
			return decodeTable(dec, r.IPv4MDT, intern)
		},
		func() error {
			if enc != nil {
				return encodeTable(enc, r.IPv6MDT)
			}
			return decodeTable(dec, r.IPv6MDT, intern)
		},
	}
}

// Store serializes every SAFI table of r, in fixed order, to path: encode
// into a zstd-compressed stream written to a temp file in the same
// directory, then atomically rename over the destination. On any error
// the temp file is removed and the existing snapshot, if any, is left
// untouched.
//
// Store takes r's read lock for the duration of the walk; callers run it
// from outside the RIB's own write-lock critical section (the GC hook
// calls it after Unlock).
func Store(path string, r *rib.Rib, logger *zap.Logger) (err error) {
	start := time.Now()
	defer func() {
		metrics.SnapshotDuration.WithLabelValues("store").Observe(time.Since(start).Seconds())
		if err != nil {
			metrics.SnapshotErrorsTotal.WithLabelValues("store").Inc()
		}
	}()

	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".snapshot-*.tmp")
	if err != nil {
		return fmt.Errorf("snapshot: creating temp file: %w", err)
	}
	tmpPath := tmp.Name()
	defer func() {
		if err != nil {
			tmp.Close()
			os.Remove(tmpPath)
			logger.Warn("snapshot store failed", zap.Error(err))
		}
	}()

	zw, err := zstd.NewWriter(tmp)
	if err != nil {
		return fmt.Errorf("snapshot: opening zstd writer: %w", err)
	}

	enc := gob.NewEncoder(zw)

	r.RLock()
	for _, step := range safiSteps(enc, nil, r) {
		if stepErr := step(); stepErr != nil {
			r.RUnlock()
			zw.Close()
			err = fmt.Errorf("snapshot: encoding table: %w", stepErr)
			return err
		}
	}
	r.RUnlock()

	if err = zw.Close(); err != nil {
		return fmt.Errorf("snapshot: closing zstd writer: %w", err)
	}
	if err = tmp.Close(); err != nil {
		return fmt.Errorf("snapshot: closing temp file: %w", err)
	}
	if err = os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("snapshot: renaming into place: %w", err)
	}
	return nil
}

// Load deserializes path into r, which must be freshly constructed (empty
// tables, empty interners): each SAFI's decoded entries are re-interned
// into r's own canonical storage and then bulk-assigned, which rebuilds
// every secondary index by a full scan. A missing file is not an error;
// it means this is the first run.
func Load(path string, r *rib.Rib) (err error) {
	start := time.Now()
	defer func() {
		metrics.SnapshotDuration.WithLabelValues("load").Observe(time.Since(start).Seconds())
		if err != nil {
			metrics.SnapshotErrorsTotal.WithLabelValues("load").Inc()
		}
	}()

	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			err = nil
			return nil
		}
		return fmt.Errorf("snapshot: opening %s: %w", path, err)
	}
	defer f.Close()

	zr, err := zstd.NewReader(f)
	if err != nil {
		return fmt.Errorf("snapshot: opening zstd reader: %w", err)
	}
	defer zr.Close()

	dec := gob.NewDecoder(io.Reader(zr))
	for _, step := range safiSteps(nil, dec, r) {
		if err := step(); err != nil {
			return fmt.Errorf("snapshot: decoding table: %w", err)
		}
	}
	return nil
}
