// Package console is the interactive command loop of the chat program.
package console

import (
	"bufio"
	"context"
	"errors"
	"io"
	"strconv"
	"strings"

	"github.com/kunal-geeks/peerchat/internal/chat"
	"github.com/kunal-geeks/peerchat/internal/p2p"
)

// Node is the part of *chat.Node the command loop drives.
type Node interface {
	Self() p2p.PeerID
	Listening() bool
	Connect(ctx context.Context, host string, port int) error
	List() []chat.Entry
	Resolve(ordinal int) (p2p.PeerID, error)
	Send(id p2p.PeerID, text string) error
	Terminate(id p2p.PeerID) bool
	Shutdown()
}

// Console reads commands line by line and runs them against a Node.
type Console struct {
	node Node
	in   io.Reader
	out  *Printer
}

// New returns a Console reading from in and writing through out.
func New(node Node, in io.Reader, out *Printer) *Console {
	return &Console{node: node, in: in, out: out}
}

// Run processes commands until "exit", end of input or ctx is done. "exit"
// shuts the node down before Run returns; the other two leave that to the
// caller.
func (c *Console) Run(ctx context.Context) error {
	scanner := bufio.NewScanner(c.in)
	c.out.Prompt()
	for scanner.Scan() {
		if err := ctx.Err(); err != nil {
			return err
		}
		line := strings.TrimSpace(scanner.Text())
		if line != "" && c.Execute(ctx, line) {
			return nil
		}
		c.out.Prompt()
	}
	return scanner.Err()
}

// Execute runs a single command line. It returns true after "exit".
func (c *Console) Execute(ctx context.Context, line string) bool {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return false
	}

	switch strings.ToLower(fields[0]) {
	case "help":
		c.help()
	case "myip":
		c.out.Printf("My IP Address: %s\n", c.node.Self().Host)
	case "myport":
		if !c.node.Listening() {
			c.out.Println("Error: not listening for incoming connections")
		} else {
			c.out.Printf("Listening on port: %d\n", c.node.Self().Port)
		}
	case "connect":
		c.connect(ctx, fields)
	case "list":
		c.list()
	case "send":
		c.send(line)
	case "terminate":
		c.terminate(fields)
	case "exit":
		c.node.Shutdown()
		c.out.Println("Chat client closed, good bye.")
		return true
	default:
		c.out.Println("not a recognized command")
	}
	return false
}

func (c *Console) help() {
	c.out.Printf("%s\n", strings.Repeat("-", 100))
	c.out.Printf("help\t\t\t\tDisplay information about the available commands.\n")
	c.out.Printf("myip\t\t\t\tDisplay your IP address.\n")
	c.out.Printf("myport\t\t\t\tDisplay the port on which this process listens for incoming connections.\n")
	c.out.Printf("connect <destination> <port>\tOpen a TCP connection to <destination> at <port>.\n")
	c.out.Printf("list\t\t\t\tDisplay the id, IP address and port of every connected peer.\n")
	c.out.Printf("terminate <id>\t\t\tClose the connection to the peer with <id> from list.\n")
	c.out.Printf("send <id> <message>\t\tSend <message> (up to %d characters) to the peer with <id> from list.\n", chat.MaxMessageLen)
	c.out.Printf("exit\t\t\t\tClose all connections and terminate this process.\n")
	c.out.Printf("%s\n", strings.Repeat("-", 100))
}

func (c *Console) connect(ctx context.Context, fields []string) {
	if len(fields) != 3 {
		c.out.Println("Error: Invalid format for 'connect' command. See 'help' for details.")
		return
	}
	host := fields[1]
	port, err := strconv.Atoi(fields[2])
	if err != nil {
		c.out.Println("Error: Port should be an integer.")
		return
	}

	switch err := c.node.Connect(ctx, host, port); {
	case err == nil:
		c.out.Printf("connected to %s %d\n", host, port)
	case errors.Is(err, chat.ErrDuplicateConnection):
		c.out.Printf("Error: already connected to %s %d\n", host, port)
	case errors.Is(err, chat.ErrSelfConnect):
		c.out.Println("Error: cannot connect to yourself")
	default:
		c.out.Printf("Error: %v\n", err)
	}
}

func (c *Console) list() {
	entries := c.node.List()
	if len(entries) == 0 {
		c.out.Println("No peers connected.")
		return
	}
	c.out.Println("id:   IP Address     Port No.")
	for _, e := range entries {
		c.out.Printf("%d    %s     %d\n", e.Ordinal, e.Peer.Host, e.Peer.Port)
	}
	c.out.Printf("Total Peers: %d\n", len(entries))
}

func (c *Console) send(line string) {
	args := splitArgs(line, 3)
	if len(args) < 3 {
		c.out.Println("Error: Invalid format for 'send' command. See 'help' for details.")
		return
	}
	id, ok := c.resolve(args[1])
	if !ok {
		return
	}

	switch err := c.node.Send(id, args[2]); {
	case err == nil:
		c.out.Printf("Message sent to %s\n", args[1])
	case errors.Is(err, chat.ErrMessageTooLong):
		c.out.Printf("Error: message can be up to %d characters long.\n", chat.MaxMessageLen)
	default:
		c.out.Printf("Error: %v\n", err)
	}
}

func (c *Console) terminate(fields []string) {
	if len(fields) != 2 {
		c.out.Println("Error: Invalid format for 'terminate' command. See 'help' for details.")
		return
	}
	id, ok := c.resolve(fields[1])
	if !ok {
		return
	}
	if !c.node.Terminate(id) {
		c.out.Println("Error: Please select a valid peer id from the list command.")
		return
	}
	c.out.Printf("You dropped peer [ip: %s port: %d]\n", id.Host, id.Port)
}

// resolve turns a list id into the identity it currently names, reporting
// errors to the user.
func (c *Console) resolve(arg string) (p2p.PeerID, bool) {
	ordinal, err := strconv.Atoi(arg)
	if err != nil {
		c.out.Println("Error: Second argument should be a integer.")
		return p2p.PeerID{}, false
	}
	id, err := c.node.Resolve(ordinal)
	if err != nil {
		c.out.Println("Error: Please select a valid peer id from the list command.")
		return p2p.PeerID{}, false
	}
	return id, true
}

// splitArgs splits line into at most n whitespace-separated parts; the last
// part keeps its inner spacing.
func splitArgs(line string, n int) []string {
	var out []string
	rest := strings.TrimSpace(line)
	for len(out) < n-1 && rest != "" {
		i := strings.IndexAny(rest, " \t")
		if i < 0 {
			break
		}
		out = append(out, rest[:i])
		rest = strings.TrimLeft(rest[i:], " \t")
	}
	if rest != "" {
		out = append(out, rest)
	}
	return out
}
