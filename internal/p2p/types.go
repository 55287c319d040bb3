package p2p

import (
	"context"
	"net"
	"strconv"
)

// PeerID identifies a remote chat endpoint by its advertised listening
// address. Two peers are the same entity iff Host and Port match, no matter
// which side opened the connection.
type PeerID struct {
	Host string
	Port int
}

// String returns the identity as "host:port".
func (id PeerID) String() string {
	return net.JoinHostPort(id.Host, strconv.Itoa(id.Port))
}

// MessageType is the "type" field of a wire record.
type MessageType string

const (
	MsgConnect   MessageType = "CONNECT"
	MsgChat      MessageType = "MESSAGE"
	MsgTerminate MessageType = "TERMINATE"
)

// Valid reports whether t is one of the three known record kinds.
func (t MessageType) Valid() bool {
	switch t {
	case MsgConnect, MsgChat, MsgTerminate:
		return true
	default:
		return false
	}
}

// Message is one decoded wire record.
//
// IP and Port always carry the sender's own listening address, never the
// ephemeral source port of the TCP connection it arrived on. Text is only
// meaningful for MsgChat.
type Message struct {
	Type MessageType
	IP   string
	Port int
	Text string
}

// Sender returns the identity the record claims to come from.
func (m Message) Sender() PeerID {
	return PeerID{Host: m.IP, Port: m.Port}
}

// Encoder turns a Message into one newline-terminated record.
type Encoder interface {
	Encode(m Message) ([]byte, error)
}

// Decoder parses a single record (with or without its line terminator).
type Decoder interface {
	Decode(line []byte) (Message, error)
}

// Codec is the encode/decode pair used on every connection.
type Codec interface {
	Encoder
	Decoder
}

// Handler receives everything a connection's reader task observes.
//
// HandleMessage is called synchronously from the reader goroutine, so the
// next record on the same connection is not read until it returns.
// HandleDrop is called exactly once, after the read loop has ended because of
// EOF, a stream error or a local close. err is nil on a clean EOF.
type Handler interface {
	HandleMessage(p *TCPPeer, msg Message)
	HandleDrop(p *TCPPeer, err error)
}

// Transport is the network side of a chat node.
// The node drives it; tests can swap in the TCP implementation bound to
// 127.0.0.1:0.
type Transport interface {
	// Addr returns the local listening address, e.g. "127.0.0.1:5001".
	Addr() string

	// ListenAndAccept binds the listening socket and starts the accept loop
	// in a goroutine. A failure is returned as *BindError.
	ListenAndAccept() error

	// Dial opens one outbound connection. The returned peer is not read from
	// until it is passed to Serve.
	Dial(ctx context.Context, addr string) (*TCPPeer, error)

	// Serve starts the reader task for p.
	Serve(p *TCPPeer)

	// Close stops accepting, closes every connection still open and waits
	// for all reader tasks to exit.
	Close() error
}
