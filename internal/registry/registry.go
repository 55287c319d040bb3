// Package registry holds the set of live peer connections of a chat node.
//
// The registry is shared by the accept loop, every reader task and the
// command loop. Mutations are serialized by one lock; lookups share it and
// never see a half-inserted entry.
package registry

import (
	"errors"
	"sync"

	"github.com/kunal-geeks/peerchat/internal/p2p"
)

var (
	// ErrAlreadyExists is returned by Insert when the identity is already
	// registered. The existing entry is left untouched.
	ErrAlreadyExists = errors.New("registry: peer already connected")

	// ErrNotFound is returned by Remove for an identity that is not
	// registered.
	ErrNotFound = errors.New("registry: peer not found")
)

// Registry maps a PeerID to its live connection, keeping insertion order for
// listing.
type Registry struct {
	mu      sync.RWMutex
	entries map[p2p.PeerID]*p2p.TCPPeer
	order   []p2p.PeerID
}

// New returns an empty registry.
func New() *Registry {
	return &Registry{
		entries: make(map[p2p.PeerID]*p2p.TCPPeer),
	}
}

// Insert registers p under id. It fails with ErrAlreadyExists if id is taken.
func (r *Registry) Insert(id p2p.PeerID, p *p2p.TCPPeer) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.entries[id]; ok {
		return ErrAlreadyExists
	}
	r.entries[id] = p
	r.order = append(r.order, id)
	return nil
}

// Lookup returns the connection registered under id.
func (r *Registry) Lookup(id p2p.PeerID) (*p2p.TCPPeer, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	p, ok := r.entries[id]
	return p, ok
}

// LookupByIndex returns the identity at the 1-based position ordinal, as
// shown by list. Ordinals shift on every Insert or Remove, so callers hold on
// to the returned PeerID, never the ordinal.
func (r *Registry) LookupByIndex(ordinal int) (p2p.PeerID, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if ordinal < 1 || ordinal > len(r.order) {
		return p2p.PeerID{}, false
	}
	return r.order[ordinal-1], true
}

// Remove unregisters id and hands back its connection so the caller can close
// it exactly once. The node's own teardown uses RemovePeer instead, because it
// already holds the connection and must not evict a newer one.
func (r *Registry) Remove(id p2p.PeerID) (*p2p.TCPPeer, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, ok := r.entries[id]
	if !ok {
		return nil, ErrNotFound
	}
	r.removeLocked(id)
	return p, nil
}

// RemovePeer unregisters id only while it still maps to p. It lets the reader
// of a stale or rejected connection clean up without touching a newer entry
// registered under the same identity.
func (r *Registry) RemovePeer(id p2p.PeerID, p *p2p.TCPPeer) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	cur, ok := r.entries[id]
	if !ok || cur != p {
		return ErrNotFound
	}
	r.removeLocked(id)
	return nil
}

func (r *Registry) removeLocked(id p2p.PeerID) {
	delete(r.entries, id)
	for i, o := range r.order {
		if o == id {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
}

// Len returns the number of registered peers.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

// Snapshot returns a copy of all identities in insertion order.
func (r *Registry) Snapshot() []p2p.PeerID {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]p2p.PeerID, len(r.order))
	copy(out, r.order)
	return out
}
