package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/kunal-geeks/peerchat/internal/chat"
	"github.com/kunal-geeks/peerchat/internal/console"
	"github.com/kunal-geeks/peerchat/internal/p2p"
)

var rootCmd = &cobra.Command{
	Use:   "chat <port>",
	Short: "Peer-to-peer text chat over TCP",
	Long: `chat listens for peers on <port> and lets you connect to others,
list your connections, send short messages and terminate connections.

Type 'help' at the prompt for the list of commands.`,
	Args:          cobra.ExactArgs(1),
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE:          runChat,
}

func init() {
	rootCmd.Flags().String("advertise", "", "IP address announced to peers (default: first non-loopback IPv4)")
	rootCmd.Flags().Int("dial-attempts", 5, "connection attempts per 'connect' before giving up")
	rootCmd.Flags().Duration("dial-backoff", 200*time.Millisecond, "wait after the first failed connection attempt")
	rootCmd.Flags().Duration("dial-max-backoff", 2*time.Second, "longest wait between connection attempts")
	rootCmd.Flags().String("log-level", "warn", "log level: debug, info, warn or error")
}

func parseLevel(s string) (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(strings.ToLower(s))); err != nil {
		return 0, fmt.Errorf("invalid --log-level %q", s)
	}
	return level, nil
}

func runChat(cmd *cobra.Command, args []string) error {
	port, err := strconv.Atoi(args[0])
	if err != nil || port < 0 || port > p2p.MaxPort {
		return fmt.Errorf("invalid port %q", args[0])
	}

	advertise, _ := cmd.Flags().GetString("advertise")
	attempts, _ := cmd.Flags().GetInt("dial-attempts")
	dialBackoff, _ := cmd.Flags().GetDuration("dial-backoff")
	dialMaxBackoff, _ := cmd.Flags().GetDuration("dial-max-backoff")
	levelStr, _ := cmd.Flags().GetString("log-level")

	level, err := parseLevel(levelStr)
	if err != nil {
		return err
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	out := console.NewPrinter(os.Stdout)

	node := chat.New(chat.Opts{
		ListenAddr:     net.JoinHostPort("", strconv.Itoa(port)),
		AdvertiseIP:    advertise,
		DialAttempts:   attempts,
		DialBackoff:    dialBackoff,
		DialMaxBackoff: dialMaxBackoff,
		Presenter:      out,
		Logger:         logger,
	})
	defer node.Shutdown()

	out.Println("Welcome to Chat")
	if err := node.Start(); err != nil {
		var bindErr *p2p.BindError
		if errors.As(err, &bindErr) {
			out.Printf("Error: could not listen on port %d: %v\n", port, bindErr.Err)
			out.Println("Only outbound connections are possible.")
		} else {
			return err
		}
	} else {
		out.Printf("you are listening on port: %d\n", node.Self().Port)
	}

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	done := make(chan error, 1)
	go func() {
		done <- console.New(node, os.Stdin, out).Run(ctx)
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sig)

	select {
	case err := <-done:
		if err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
	case <-sig:
		out.Println("\nShutting down.")
	}
	return nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "chat:", err)
		os.Exit(1)
	}
}
