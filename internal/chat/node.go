// Package chat implements a peer-to-peer chat node on top of package p2p.
//
// Design:
//   - The p2p transport runs one accept goroutine and one reader goroutine per
//     connection. Every decoded record is dispatched synchronously from its
//     reader, so records of one connection are handled in arrival order.
//   - The registry is the only shared state. A connection enters it when it
//     completes a handshake (inbound) or a dial (outbound) and leaves it
//     through the termination sequence, which always ends by closing the
//     stream. Closing the stream is what stops its reader.
//   - Peers are keyed by the listening address they advertise in their
//     records, never by the ephemeral source port of an accepted socket.
package chat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"
	"unicode/utf8"

	"github.com/cenkalti/backoff/v4"

	"github.com/kunal-geeks/peerchat/internal/p2p"
	"github.com/kunal-geeks/peerchat/internal/registry"
)

// MaxMessageLen is the longest chat text Send accepts, in characters.
const MaxMessageLen = 100

const (
	defaultDialAttempts   = 5
	defaultDialBackoff    = 200 * time.Millisecond
	defaultDialMaxBackoff = 2 * time.Second
)

// Opts configures a Node.
type Opts struct {
	ListenAddr  string // e.g. "0.0.0.0:5001"; defaults to ":0"
	AdvertiseIP string // address put in outgoing records; defaults to LocalIPv4()

	DialAttempts   int           // total dial attempts per Connect; defaults to 5
	DialBackoff    time.Duration // wait after the first failed attempt; defaults to 200ms
	DialMaxBackoff time.Duration // cap on the wait between attempts; defaults to 2s
	DialTimeout    time.Duration // per attempt; zero means bounded only by ctx

	Presenter Presenter
	Logger    *slog.Logger
}

// Entry is one row of List.
type Entry struct {
	Ordinal int
	Peer    p2p.PeerID
}

// Node is a chat endpoint that both accepts and dials connections.
type Node struct {
	opts      Opts
	log       *slog.Logger
	transport p2p.Transport
	peers     *registry.Registry
	presenter Presenter

	self      atomic.Pointer[p2p.PeerID]
	listening atomic.Bool
	closing   atomic.Bool
	stopOnce  sync.Once
}

// New creates a Node. Call Start to begin listening.
func New(opts Opts) *Node {
	if opts.ListenAddr == "" {
		opts.ListenAddr = ":0"
	}
	if opts.AdvertiseIP == "" {
		opts.AdvertiseIP = LocalIPv4()
	}
	if opts.DialAttempts <= 0 {
		opts.DialAttempts = defaultDialAttempts
	}
	if opts.DialBackoff <= 0 {
		opts.DialBackoff = defaultDialBackoff
	}
	if opts.DialMaxBackoff < opts.DialBackoff {
		opts.DialMaxBackoff = defaultDialMaxBackoff
		if opts.DialMaxBackoff < opts.DialBackoff {
			opts.DialMaxBackoff = opts.DialBackoff
		}
	}
	if opts.Presenter == nil {
		opts.Presenter = nopPresenter{}
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	n := &Node{
		opts:      opts,
		log:       logger.With("component", "chat"),
		peers:     registry.New(),
		presenter: opts.Presenter,
	}
	n.transport = p2p.NewTCPTransport(p2p.TCPTransportOpts{
		ListenAddr:  opts.ListenAddr,
		Handler:     n,
		Logger:      logger,
		DialTimeout: opts.DialTimeout,
	})
	n.setSelf(portOf(opts.ListenAddr))
	return n
}

// Start binds the listening socket and starts accepting peers. On failure it
// returns a *p2p.BindError and the node stays usable for outbound
// connections only. Such a node advertises port 0, since the configured port
// belongs to some other process.
func (n *Node) Start() error {
	if n.closing.Load() {
		return ErrShutdown
	}
	if err := n.transport.ListenAndAccept(); err != nil {
		n.log.Error("not listening; only outbound connections are possible", "err", err)
		n.setSelf(0)
		return err
	}
	n.setSelf(portOf(n.transport.Addr()))
	n.listening.Store(true)
	return nil
}

// Listening reports whether the node accepts inbound connections.
func (n *Node) Listening() bool {
	return n.listening.Load()
}

// Self returns the address this node advertises to its peers.
func (n *Node) Self() p2p.PeerID {
	return *n.self.Load()
}

func (n *Node) setSelf(port int) {
	n.self.Store(&p2p.PeerID{Host: n.opts.AdvertiseIP, Port: port})
}

func portOf(addr string) int {
	_, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return 0
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return 0
	}
	return port
}

// PeerCount returns the number of registered peers.
func (n *Node) PeerCount() int {
	return n.peers.Len()
}

// List returns the registered peers with their 1-based ordinals. Ordinals are
// only valid until the next connect or terminate.
func (n *Node) List() []Entry {
	snap := n.peers.Snapshot()
	out := make([]Entry, len(snap))
	for i, id := range snap {
		out[i] = Entry{Ordinal: i + 1, Peer: id}
	}
	return out
}

// Resolve maps a list ordinal to the identity currently at that position.
func (n *Node) Resolve(ordinal int) (p2p.PeerID, error) {
	id, ok := n.peers.LookupByIndex(ordinal)
	if !ok {
		return p2p.PeerID{}, ErrInvalidOrdinal
	}
	return id, nil
}

// Connect dials host:port, registers the new peer under that address, starts
// its reader and sends our CONNECT record. Dialing is retried with
// exponential backoff up to Opts.DialAttempts times.
func (n *Node) Connect(ctx context.Context, host string, port int) error {
	if n.closing.Load() {
		return ErrShutdown
	}
	if port < 0 || port > p2p.MaxPort {
		return fmt.Errorf("connect: invalid port %d", port)
	}

	id := p2p.PeerID{Host: host, Port: port}
	self := n.Self()
	if n.listening.Load() && port == self.Port && isLocalHost(host, self.Host) {
		return ErrSelfConnect
	}
	if _, ok := n.peers.Lookup(id); ok {
		return fmt.Errorf("connect %s: %w", id, ErrDuplicateConnection)
	}

	p, err := n.dial(ctx, id)
	if err != nil {
		return err
	}

	p.SetIdentity(id)
	if err := n.peers.Insert(id, p); err != nil {
		// Someone registered the same identity while we were dialing.
		_ = p.Close()
		return fmt.Errorf("connect %s: %w", id, ErrDuplicateConnection)
	}
	n.transport.Serve(p)

	if err := p.Send(n.record(p2p.MsgConnect, "")); err != nil {
		n.terminatePeer(id, p, false)
		return fmt.Errorf("connect %s: handshake: %w", id, err)
	}

	n.log.Info("connected", "peer", id.String(), "conn", p.ConnID())
	return nil
}

func (n *Node) dial(ctx context.Context, id p2p.PeerID) (*p2p.TCPPeer, error) {
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = n.opts.DialBackoff
	eb.MaxInterval = n.opts.DialMaxBackoff
	eb.MaxElapsedTime = 0

	policy := backoff.WithContext(
		backoff.WithMaxRetries(eb, uint64(n.opts.DialAttempts-1)),
		ctx,
	)

	var (
		p        *p2p.TCPPeer
		attempts int
	)
	op := func() error {
		attempts++
		var err error
		p, err = n.transport.Dial(ctx, id.String())
		return err
	}
	notify := func(err error, wait time.Duration) {
		n.log.Warn("dial failed, retrying", "peer", id.String(), "attempt", attempts, "wait", wait, "err", err)
	}

	if err := backoff.RetryNotify(op, policy, notify); err != nil {
		return nil, &DialError{Peer: id, Attempts: attempts, Err: err}
	}
	return p, nil
}

// Send delivers one chat message to a registered peer.
func (n *Node) Send(id p2p.PeerID, text string) error {
	if utf8.RuneCountInString(text) > MaxMessageLen {
		return ErrMessageTooLong
	}
	p, ok := n.peers.Lookup(id)
	if !ok {
		return fmt.Errorf("send to %s: %w", id, ErrUnknownPeer)
	}
	if err := p.Send(n.record(p2p.MsgChat, text)); err != nil {
		return fmt.Errorf("send to %s: %w", id, err)
	}
	return nil
}

// Terminate tells the peer we are leaving and tears the connection down. It
// reports whether this call did the teardown; calling it again, or racing a
// TERMINATE from the peer, is a no-op that returns false.
func (n *Node) Terminate(id p2p.PeerID) bool {
	p, ok := n.peers.Lookup(id)
	if !ok {
		return false
	}
	return n.terminatePeer(id, p, true)
}

// terminatePeer is the termination sequence. Only the caller that moves p
// out of StatusActive runs it:
//  1. if local, send TERMINATE (best effort)
//  2. remove id from the registry, skipping 3 and 4 if it is not there
//  3. close the writer
//  4. close the stream, which ends p's reader
func (n *Node) terminatePeer(id p2p.PeerID, p *p2p.TCPPeer, local bool) bool {
	if !p.MarkTerminating() {
		return false
	}
	return n.teardown(id, p, local)
}

// teardown runs the termination sequence for a peer already marked
// terminating by the caller.
func (n *Node) teardown(id p2p.PeerID, p *p2p.TCPPeer, local bool) bool {
	if local {
		if err := p.Send(n.record(p2p.MsgTerminate, "")); err != nil {
			n.log.Warn("terminate: could not notify peer", "peer", id.String(), "err", err)
		}
	}

	if err := n.peers.RemovePeer(id, p); err != nil {
		n.log.Error("terminate: connection not registered", "peer", id.String(), "conn", p.ConnID())
		return false
	}

	p.CloseWriter()
	_ = p.Close()

	n.log.Info("terminated", "peer", id.String(), "conn", p.ConnID(), "local", local)
	return true
}

// Shutdown terminates every peer, then closes the listening socket and waits
// for all readers to exit. It is safe to call more than once.
func (n *Node) Shutdown() {
	n.stopOnce.Do(func() {
		n.closing.Store(true)

		for _, id := range n.peers.Snapshot() {
			n.Terminate(id)
		}

		if err := n.transport.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
			n.log.Warn("close listener", "err", err)
		}
		n.listening.Store(false)
		n.log.Info("shut down")
	})
}

func (n *Node) record(t p2p.MessageType, text string) p2p.Message {
	self := n.Self()
	return p2p.Message{Type: t, IP: self.Host, Port: self.Port, Text: text}
}

// HandleMessage implements p2p.Handler. It is the dispatcher for every
// decoded record.
func (n *Node) HandleMessage(p *p2p.TCPPeer, msg p2p.Message) {
	switch msg.Type {
	case p2p.MsgConnect:
		n.handleConnect(p, msg)
	case p2p.MsgChat:
		n.handleChat(msg)
	case p2p.MsgTerminate:
		n.handleTerminate(msg)
	}
}

func (n *Node) handleConnect(p *p2p.TCPPeer, msg p2p.Message) {
	id := msg.Sender()

	if n.closing.Load() {
		n.log.Debug("rejecting handshake during shutdown", "peer", id.String(), "conn", p.ConnID())
		_ = p.Close()
		return
	}
	if known, ok := p.Identity(); ok {
		n.log.Warn("ignoring handshake on an identified connection",
			"peer", known.String(), "claimed", id.String(), "conn", p.ConnID())
		return
	}

	p.SetIdentity(id)
	if err := n.peers.Insert(id, p); err != nil {
		n.log.Warn("duplicate handshake, closing connection",
			"peer", id.String(), "conn", p.ConnID(), "remote", p.Addr())
		_ = p.Close()
		return
	}

	n.log.Info("peer connected", "peer", id.String(), "conn", p.ConnID(), "remote", p.Addr())
	n.presenter.OnPeerConnected(id)
}

func (n *Node) handleChat(msg p2p.Message) {
	id := msg.Sender()
	if _, ok := n.peers.Lookup(id); !ok {
		n.log.Warn("message from unknown peer", "peer", id.String())
		return
	}
	n.presenter.OnMessage(id, msg.Text)
}

func (n *Node) handleTerminate(msg p2p.Message) {
	id := msg.Sender()
	p, ok := n.peers.Lookup(id)
	if !ok {
		n.log.Debug("terminate from unknown peer", "peer", id.String())
		return
	}
	if !p.MarkTerminating() {
		// A local terminate or an earlier TERMINATE got here first.
		return
	}
	n.presenter.OnPeerTerminated(id)
	n.teardown(id, p, false)
}

// HandleDrop implements p2p.Handler. A connection whose reader ended while it
// was still registered is treated as the peer leaving.
func (n *Node) HandleDrop(p *p2p.TCPPeer, err error) {
	id, ok := p.Identity()
	if !ok {
		n.log.Debug("unidentified connection closed", "conn", p.ConnID(), "remote", p.Addr())
		return
	}

	cur, ok := n.peers.Lookup(id)
	if !ok || cur != p {
		// Already torn down, or a rejected duplicate.
		return
	}

	if !n.terminatePeer(id, p, false) {
		// Either a termination is already in flight, or the transport closed
		// the stream directly. Only the latter leaves an entry behind.
		if p.Status() != p2p.StatusClosed || n.peers.RemovePeer(id, p) != nil {
			return
		}
	}

	n.log.Info("connection dropped", "peer", id.String(), "conn", p.ConnID(), "err", err)
	if !n.closing.Load() {
		n.presenter.OnConnectionDropped(id)
	}
}
