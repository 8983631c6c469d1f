package archive

import (
	"crypto/sha256"
	"strconv"
	"time"

	"github.com/route-beacon/rib-collector/internal/session"
)

// ComputeEventID derives a stable 32-byte identifier for one audited
// event from its content, so the same event delivered twice (the
// broadcast hub's drop-oldest fan-out never duplicates, but a future
// durable transport might) dedups via the table's ON CONFLICT clause
// rather than growing the audit log unbounded.
func ComputeEventID(sid session.ID, safi, kind, key string, t time.Time) []byte {
	h := sha256.New()
	h.Write([]byte(strconv.FormatUint(uint64(sid), 10)))
	h.Write([]byte{0})
	h.Write([]byte(safi))
	h.Write([]byte{0})
	h.Write([]byte(kind))
	h.Write([]byte{0})
	h.Write([]byte(key))
	h.Write([]byte{0})
	h.Write([]byte(strconv.FormatInt(t.UnixMilli(), 10)))
	sum := h.Sum(nil)
	return sum[:]
}
