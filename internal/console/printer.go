package console

import (
	"fmt"
	"io"
	"sync"

	"github.com/kunal-geeks/peerchat/internal/p2p"
)

const prompt = "-> "

// Printer writes console output. It is shared by the command loop and the
// node's reader goroutines, so every write goes through one lock.
//
// Printer implements chat.Presenter.
type Printer struct {
	mu  sync.Mutex
	out io.Writer
}

// NewPrinter returns a Printer writing to out.
func NewPrinter(out io.Writer) *Printer {
	return &Printer{out: out}
}

// Printf writes formatted text.
func (p *Printer) Printf(format string, args ...any) {
	p.mu.Lock()
	defer p.mu.Unlock()
	fmt.Fprintf(p.out, format, args...)
}

// Println writes its arguments followed by a newline.
func (p *Printer) Println(args ...any) {
	p.mu.Lock()
	defer p.mu.Unlock()
	fmt.Fprintln(p.out, args...)
}

// Prompt writes the input prompt.
func (p *Printer) Prompt() {
	p.Printf(prompt)
}

func (p *Printer) OnPeerConnected(id p2p.PeerID) {
	p.Printf("\nPeer [ip: %s, port: %d] connects to you\n%s", id.Host, id.Port, prompt)
}

func (p *Printer) OnMessage(id p2p.PeerID, text string) {
	p.Printf("\nMessage received from IP: %s\nSender's Port: %d\nMessage: %s\n%s", id.Host, id.Port, text, prompt)
}

func (p *Printer) OnPeerTerminated(id p2p.PeerID) {
	p.Printf("\nPeer [ip: %s port: %d] has terminated the connection\n%s", id.Host, id.Port, prompt)
}

func (p *Printer) OnConnectionDropped(id p2p.PeerID) {
	p.Printf("\nConnection to peer [ip: %s port: %d] dropped\n%s", id.Host, id.Port, prompt)
}
