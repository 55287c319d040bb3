package registry

import (
	"net"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/kunal-geeks/peerchat/internal/p2p"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newPeer(t *testing.T) *p2p.TCPPeer {
	t.Helper()
	a, b := net.Pipe()
	t.Cleanup(func() {
		a.Close()
		b.Close()
	})
	return p2p.NewTCPPeer(a, false, nil)
}

func TestRegistry_InsertRejectsDuplicate(t *testing.T) {
	r := New()
	id := p2p.PeerID{Host: "10.0.0.1", Port: 5001}

	first := newPeer(t)
	require.NoError(t, r.Insert(id, first))

	err := r.Insert(id, newPeer(t))
	assert.ErrorIs(t, err, ErrAlreadyExists)

	got, ok := r.Lookup(id)
	require.True(t, ok)
	assert.Same(t, first, got, "prior entry must be left untouched")
	assert.Equal(t, 1, r.Len())
}

func TestRegistry_SameHostDifferentPort(t *testing.T) {
	r := New()

	require.NoError(t, r.Insert(p2p.PeerID{Host: "10.0.0.1", Port: 5001}, newPeer(t)))
	require.NoError(t, r.Insert(p2p.PeerID{Host: "10.0.0.1", Port: 5002}, newPeer(t)))
	assert.Equal(t, 2, r.Len())
}

func TestRegistry_Remove(t *testing.T) {
	r := New()
	id := p2p.PeerID{Host: "10.0.0.1", Port: 5001}
	p := newPeer(t)
	require.NoError(t, r.Insert(id, p))

	got, err := r.Remove(id)
	require.NoError(t, err)
	assert.Same(t, p, got)

	_, err = r.Remove(id)
	assert.ErrorIs(t, err, ErrNotFound)

	_, ok := r.Lookup(id)
	assert.False(t, ok)
	assert.Equal(t, 0, r.Len())
	assert.Empty(t, r.Snapshot())
}

func TestRegistry_RemovePeerChecksOwner(t *testing.T) {
	r := New()
	id := p2p.PeerID{Host: "10.0.0.1", Port: 5001}
	owner := newPeer(t)
	require.NoError(t, r.Insert(id, owner))

	assert.ErrorIs(t, r.RemovePeer(id, newPeer(t)), ErrNotFound)
	assert.Equal(t, 1, r.Len())

	require.NoError(t, r.RemovePeer(id, owner))
	assert.Equal(t, 0, r.Len())
}

func TestRegistry_OrderAndOrdinals(t *testing.T) {
	r := New()
	a := p2p.PeerID{Host: "10.0.0.1", Port: 1}
	b := p2p.PeerID{Host: "10.0.0.2", Port: 2}
	c := p2p.PeerID{Host: "10.0.0.3", Port: 3}

	for _, id := range []p2p.PeerID{a, b, c} {
		require.NoError(t, r.Insert(id, newPeer(t)))
	}
	assert.Equal(t, []p2p.PeerID{a, b, c}, r.Snapshot())

	got, ok := r.LookupByIndex(2)
	require.True(t, ok)
	assert.Equal(t, b, got)

	_, ok = r.LookupByIndex(0)
	assert.False(t, ok)
	_, ok = r.LookupByIndex(4)
	assert.False(t, ok)

	// Removing an entry renumbers the ones after it.
	_, err := r.Remove(a)
	require.NoError(t, err)
	assert.Equal(t, []p2p.PeerID{b, c}, r.Snapshot())

	got, ok = r.LookupByIndex(2)
	require.True(t, ok)
	assert.Equal(t, c, got)
}

func TestRegistry_SnapshotIsACopy(t *testing.T) {
	r := New()
	id := p2p.PeerID{Host: "10.0.0.1", Port: 1}
	require.NoError(t, r.Insert(id, newPeer(t)))

	snap := r.Snapshot()
	snap[0] = p2p.PeerID{Host: "changed", Port: 9}

	assert.Equal(t, []p2p.PeerID{id}, r.Snapshot())
}

func TestRegistry_ConcurrentInsertSameIdentity(t *testing.T) {
	r := New()
	id := p2p.PeerID{Host: "10.0.0.1", Port: 5001}

	const workers = 32
	peers := make([]*p2p.TCPPeer, workers)
	for i := range peers {
		peers[i] = newPeer(t)
	}

	var ok atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(p *p2p.TCPPeer) {
			defer wg.Done()
			if r.Insert(id, p) == nil {
				ok.Add(1)
			}
			r.Lookup(id)
			r.Snapshot()
		}(peers[i])
	}
	wg.Wait()

	assert.Equal(t, int32(1), ok.Load(), "exactly one insert may win")
	assert.Equal(t, 1, r.Len())
	assert.Len(t, r.Snapshot(), 1)
}
