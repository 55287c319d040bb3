package p2p

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// DefaultWriteTimeout bounds a single record write so a stalled peer cannot
// block a sender forever.
const DefaultWriteTimeout = 5 * time.Second

// ErrPeerClosed is returned by Send once the peer's writer has been closed.
var ErrPeerClosed = errors.New("peer connection closed")

// BindError reports that the listening socket could not be opened.
type BindError struct {
	Addr string
	Err  error
}

func (e *BindError) Error() string {
	return fmt.Sprintf("bind %s: %v", e.Addr, e.Err)
}

func (e *BindError) Unwrap() error { return e.Err }

// PeerStatus is the lifecycle state of a TCPPeer.
type PeerStatus int32

const (
	StatusActive PeerStatus = iota
	StatusTerminating
	StatusClosed
)

func (s PeerStatus) String() string {
	switch s {
	case StatusActive:
		return "active"
	case StatusTerminating:
		return "terminating"
	case StatusClosed:
		return "closed"
	default:
		return fmt.Sprintf("PeerStatus(%d)", int32(s))
	}
}

// TCPPeer is the live state of one connection, inbound or outbound.
type TCPPeer struct {
	conn     net.Conn
	outbound bool
	connID   string
	enc      Encoder

	// WriteTimeout is applied to every Send. Zero disables the deadline.
	WriteTimeout time.Duration

	id     atomic.Pointer[PeerID]
	status atomic.Int32

	writeMu      sync.Mutex
	writerClosed atomic.Bool

	closeOnce sync.Once
	closeErr  error
}

// NewTCPPeer wraps conn. A nil enc means NewLineJSONCodec().
func NewTCPPeer(conn net.Conn, outbound bool, enc Encoder) *TCPPeer {
	if enc == nil {
		enc = NewLineJSONCodec()
	}
	return &TCPPeer{
		conn:         conn,
		outbound:     outbound,
		connID:       uuid.NewString(),
		enc:          enc,
		WriteTimeout: DefaultWriteTimeout,
	}
}

// ConnID is a random id used to correlate log lines for this connection,
// including before its identity is known.
func (p *TCPPeer) ConnID() string {
	return p.connID
}

// Addr returns the transport-level remote address. This is NOT the peer's
// identity: for inbound connections it carries an ephemeral port.
func (p *TCPPeer) Addr() string {
	return p.conn.RemoteAddr().String()
}

// Outbound indicates whether we dialed this peer (true) or accepted it (false).
func (p *TCPPeer) Outbound() bool {
	return p.outbound
}

// Identity returns the PeerID bound to this connection, if any. Accepted
// connections have none until their CONNECT record arrives.
func (p *TCPPeer) Identity() (PeerID, bool) {
	id := p.id.Load()
	if id == nil {
		return PeerID{}, false
	}
	return *id, true
}

// SetIdentity binds id to this connection.
func (p *TCPPeer) SetIdentity(id PeerID) {
	p.id.Store(&id)
}

// Status returns the current lifecycle state.
func (p *TCPPeer) Status() PeerStatus {
	return PeerStatus(p.status.Load())
}

// MarkTerminating moves an active peer to StatusTerminating. Only the first
// caller gets true.
func (p *TCPPeer) MarkTerminating() bool {
	return p.status.CompareAndSwap(int32(StatusActive), int32(StatusTerminating))
}

// Send encodes m and writes it as one record. Writes from different
// goroutines never interleave.
func (p *TCPPeer) Send(m Message) error {
	if p.writerClosed.Load() {
		return ErrPeerClosed
	}

	b, err := p.enc.Encode(m)
	if err != nil {
		return err
	}

	p.writeMu.Lock()
	defer p.writeMu.Unlock()

	if p.writerClosed.Load() {
		return ErrPeerClosed
	}
	if p.WriteTimeout > 0 {
		_ = p.conn.SetWriteDeadline(time.Now().Add(p.WriteTimeout))
	}
	if _, err := p.conn.Write(b); err != nil {
		return fmt.Errorf("send to %s: %w", p.Addr(), err)
	}
	return nil
}

// CloseWriter stops further sends. On TCP it also half-closes the socket so
// the remote reads everything already written followed by EOF.
func (p *TCPPeer) CloseWriter() {
	if p.writerClosed.Swap(true) {
		return
	}
	if cw, ok := p.conn.(interface{ CloseWrite() error }); ok {
		p.writeMu.Lock()
		_ = cw.CloseWrite()
		p.writeMu.Unlock()
	}
}

// Close closes the writer and then the underlying stream. The stream is
// closed exactly once no matter how many times Close is called; the reader
// task blocked on it observes an error and exits.
func (p *TCPPeer) Close() error {
	p.closeOnce.Do(func() {
		p.CloseWriter()
		p.status.Store(int32(StatusClosed))
		p.closeErr = p.conn.Close()
	})
	return p.closeErr
}

// TCPTransportOpts holds configuration for TCPTransport.
type TCPTransportOpts struct {
	ListenAddr string  // e.g. "0.0.0.0:5001" or "127.0.0.1:0" for a random free port
	Codec      Codec   // defaults to NewLineJSONCodec()
	Handler    Handler // receives records and drops; required before Serve
	Logger     *slog.Logger

	// DialTimeout bounds one dial attempt. Zero means no timeout beyond ctx.
	DialTimeout time.Duration
}

// TCPTransport is the Transport implementation over plain TCP.
type TCPTransport struct {
	TCPTransportOpts // embed options for direct field access

	listener net.Listener
	log      *slog.Logger

	mu     sync.Mutex
	conns  map[*TCPPeer]struct{} // every connection with a running reader
	closed bool

	wg sync.WaitGroup
}

// NewTCPTransport creates a new TCPTransport with the given options.
func NewTCPTransport(opts TCPTransportOpts) *TCPTransport {
	if opts.Codec == nil {
		opts.Codec = NewLineJSONCodec()
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &TCPTransport{
		TCPTransportOpts: opts,
		log:              logger.With("component", "p2p"),
		conns:            make(map[*TCPPeer]struct{}),
	}
}

// Addr returns the transport's listening address.
//
// If ListenAddr was ":0", after ListenAndAccept() this will be updated to
// the actual address chosen by the OS (e.g. "127.0.0.1:54321").
func (t *TCPTransport) Addr() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.ListenAddr
}

// ListenAndAccept starts listening on the configured address and launches
// the accept loop in a background goroutine.
func (t *TCPTransport) ListenAndAccept() error {
	ln, err := net.Listen("tcp", t.ListenAddr)
	if err != nil {
		return &BindError{Addr: t.ListenAddr, Err: err}
	}

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		_ = ln.Close()
		return &BindError{Addr: t.ListenAddr, Err: net.ErrClosed}
	}
	t.listener = ln
	t.ListenAddr = ln.Addr().String()
	t.wg.Add(1)
	t.mu.Unlock()

	go t.startAcceptLoop(ln)

	t.log.Info("listening", "addr", t.ListenAddr)
	return nil
}

// Dial opens an outbound connection to addr.
func (t *TCPTransport) Dial(ctx context.Context, addr string) (*TCPPeer, error) {
	d := net.Dialer{Timeout: t.DialTimeout}
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, err
	}
	p := NewTCPPeer(conn, true, t.Codec)
	t.log.Debug("dialed", "conn", p.ConnID(), "remote", p.Addr())
	return p, nil
}

// Serve starts the reader task for p. If the transport is already closed the
// connection is closed immediately and the handler sees a drop.
func (t *TCPTransport) Serve(p *TCPPeer) {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		_ = p.Close()
		t.log.Debug("rejecting connection during shutdown", "conn", p.ConnID(), "remote", p.Addr())
		if t.Handler != nil {
			t.Handler.HandleDrop(p, net.ErrClosed)
		}
		return
	}
	t.conns[p] = struct{}{}
	t.wg.Add(1)
	t.mu.Unlock()

	go t.readLoop(p)
}

// Close stops the listener, closes every connection that still has a reader
// and waits for those readers to finish. It must not be called from a
// Handler callback.
func (t *TCPTransport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	ln := t.listener
	open := make([]*TCPPeer, 0, len(t.conns))
	for p := range t.conns {
		open = append(open, p)
	}
	t.mu.Unlock()

	for _, p := range open {
		_ = p.Close()
	}

	var err error
	if ln != nil {
		err = ln.Close()
	}
	t.wg.Wait()
	return err
}

// startAcceptLoop continuously accepts new connections until the listener is closed.
func (t *TCPTransport) startAcceptLoop(ln net.Listener) {
	defer t.wg.Done()
	for {
		conn, err := ln.Accept()
		if errors.Is(err, net.ErrClosed) {
			// Listener closed; exit loop.
			return
		}
		if err != nil {
			t.log.Error("accept error", "err", err)
			continue
		}

		p := NewTCPPeer(conn, false, t.Codec)
		t.log.Debug("accepted", "conn", p.ConnID(), "remote", p.Addr())
		t.Serve(p)
	}
}

// readLoop reads newline-terminated records from p and hands each one to the
// Handler before reading the next. Lines that fail to decode, including lines
// longer than MaxRecordSize, are dropped and the connection stays open.
func (t *TCPTransport) readLoop(p *TCPPeer) {
	var err error

	defer func() {
		t.mu.Lock()
		delete(t.conns, p)
		t.mu.Unlock()

		if err != nil && p.Status() == StatusActive {
			t.log.Debug("read error", "conn", p.ConnID(), "remote", p.Addr(), "err", err)
		}
		t.Handler.HandleDrop(p, err)
		_ = p.Close()
		t.wg.Done()
	}()

	r := bufio.NewReaderSize(p.conn, 4096)
	for {
		line, rerr := readLine(r)
		if errors.Is(rerr, ErrRecordTooLong) {
			t.log.Warn("dropping malformed record", "conn", p.ConnID(), "remote", p.Addr(), "err", rerr)
			continue
		}

		if len(bytes.TrimSpace(line)) > 0 {
			msg, derr := t.Codec.Decode(line)
			if derr != nil {
				t.log.Warn("dropping malformed record", "conn", p.ConnID(), "remote", p.Addr(), "err", derr)
			} else {
				t.Handler.HandleMessage(p, msg)
			}
		}

		if rerr != nil {
			if !errors.Is(rerr, io.EOF) {
				err = rerr
			}
			return
		}
	}
}

// readLine returns the next line including its terminator. A final line cut
// short by EOF is returned together with io.EOF. A line longer than
// MaxRecordSize is consumed up to its newline and reported as
// ErrRecordTooLong with no data.
func readLine(r *bufio.Reader) ([]byte, error) {
	var (
		line    []byte
		tooLong bool
	)
	for {
		chunk, err := r.ReadSlice('\n')
		if !tooLong {
			if len(line)+len(chunk) > MaxRecordSize {
				tooLong, line = true, nil
			} else {
				line = append(line, chunk...)
			}
		}

		switch {
		case errors.Is(err, bufio.ErrBufferFull):
			continue
		case err != nil:
			return line, err
		case tooLong:
			return nil, ErrRecordTooLong
		default:
			return line, nil
		}
	}
}
