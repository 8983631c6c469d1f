// Package session implements the bidirectional registry between opaque
// session identifiers and the canonicalized peer-pair descriptor they
// name, shared by the BGP and BMP peer adapters and the query API.
package session

import (
	"net/netip"
	"sync"

	"github.com/route-beacon/rib-collector/internal/wire/bgp"
)

// ID is a small integer session identifier, assigned on first OPEN and
// stable for the lifetime of the process.
type ID uint32

// PeerDesc describes one side of a session: the address it connected from
// or to, and the OPEN message it sent.
type PeerDesc struct {
	Address netip.Addr
	Open    bgp.OpenMessage
}

// RouterMeta is operator-supplied identity for a router, keyed in config
// by router_id and attached to a session's Descriptor once its identity
// is known. It carries no protocol semantics of its own; it exists
// purely for the audit sink and query API to render a human-readable
// name alongside a raw address.
type RouterMeta struct {
	Name     string
	Location string
}

// Descriptor is the canonicalized, unordered pair of peer descriptors that
// identifies a session: {A, B} and {B, A} describe the same session and
// canonicalize to the same ID.
type Descriptor struct {
	Local  PeerDesc
	Remote PeerDesc
	Meta   RouterMeta
}

func canonKey(a, b netip.Addr) string {
	if a.Less(b) {
		return a.String() + "|" + b.String()
	}
	return b.String() + "|" + a.String()
}

// Registry maps canonicalized (local, remote) address pairs to a stable
// ID. Registration is idempotent: registering the same pair (in either
// order) twice returns the same ID.
type Registry struct {
	mu    sync.RWMutex
	byKey map[string]ID
	byID  map[ID]Descriptor
	next  ID
}

// NewRegistry returns an empty session registry.
func NewRegistry() *Registry {
	return &Registry{
		byKey: make(map[string]ID),
		byID:  make(map[ID]Descriptor),
	}
}

// Register assigns (or returns the existing) ID for the session between
// local and remote. The pair is canonicalized by address so a peer
// reconnecting with swapped local/remote roles still maps to the same
// session identity.
func (r *Registry) Register(local, remote PeerDesc) ID {
	key := canonKey(local.Address, remote.Address)

	r.mu.Lock()
	defer r.mu.Unlock()

	if id, ok := r.byKey[key]; ok {
		return id
	}

	r.next++
	id := r.next
	r.byKey[key] = id
	r.byID[id] = Descriptor{Local: local, Remote: remote}
	return id
}

// Lookup returns the descriptor registered for id.
func (r *Registry) Lookup(id ID) (Descriptor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.byID[id]
	return d, ok
}

// LookupByAddresses returns the ID already registered for the (local,
// remote) pair, if any, without creating a new one.
func (r *Registry) LookupByAddresses(local, remote netip.Addr) (ID, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.byKey[canonKey(local, remote)]
	return id, ok
}

// SetMeta attaches operator-supplied router metadata to an already
// registered session, matching config.RouterMeta entries looked up by
// router_id once a peer adapter learns it (BGP OPEN's BGP ID, or a BMP
// Peer Up's embedded per-peer header).
func (r *Registry) SetMeta(id ID, meta RouterMeta) {
	r.mu.Lock()
	defer r.mu.Unlock()
	d, ok := r.byID[id]
	if !ok {
		return
	}
	d.Meta = meta
	r.byID[id] = d
}

// List returns a snapshot of every registered session.
func (r *Registry) List() map[ID]Descriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[ID]Descriptor, len(r.byID))
	for id, d := range r.byID {
		out[id] = d
	}
	return out
}
