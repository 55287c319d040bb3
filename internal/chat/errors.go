package chat

import (
	"errors"
	"fmt"

	"github.com/kunal-geeks/peerchat/internal/p2p"
)

var (
	ErrDuplicateConnection = errors.New("already connected to peer")
	ErrUnknownPeer         = errors.New("unknown peer")
	ErrSelfConnect         = errors.New("cannot connect to own listening address")
	ErrMessageTooLong      = fmt.Errorf("message longer than %d characters", MaxMessageLen)
	ErrInvalidOrdinal      = errors.New("no peer with that id")
	ErrShutdown            = errors.New("node is shut down")
)

// DialError is returned by Connect once every dial attempt has failed.
type DialError struct {
	Peer     p2p.PeerID
	Attempts int
	Err      error
}

func (e *DialError) Error() string {
	return fmt.Sprintf("dial %s: giving up after %d attempt(s): %v", e.Peer, e.Attempts, e.Err)
}

func (e *DialError) Unwrap() error { return e.Err }
