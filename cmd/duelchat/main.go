// Command duelchat is a line-mode terminal client for duelchatd.
//
// Every input line is sent as-is, so the server commands work directly:
// /pm, /typing, /move and /ttt retry. Two commands are handled locally:
//
//	/send <user> <path>   relay a file to user
//	/quit                 disconnect and exit
package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"

	"github.com/fatih/color"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/cyberinferno/duelchat/client"
	"github.com/cyberinferno/duelchat/logger"
)

var errQuit = errors.New("quit")

type options struct {
	addr      string
	name      string
	downloads string
	reconnect bool
	logLevel  string
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, color.RedString("Error: %v", err))
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	opts := options{}

	cmd := &cobra.Command{
		Use:           "duelchat --name NAME",
		Short:         "Terminal client for duelchatd",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), opts, cmd.InOrStdin(), cmd.OutOrStdout())
		},
	}

	cmd.Flags().StringVar(&opts.addr, "addr", "localhost:5555", "server address")
	cmd.Flags().StringVar(&opts.name, "name", "", "display name")
	cmd.Flags().StringVar(&opts.downloads, "downloads", "downloads", "directory for received files")
	cmd.Flags().BoolVar(&opts.reconnect, "reconnect", false, "reconnect automatically when the connection drops")
	cmd.Flags().StringVar(&opts.logLevel, "log-level", "warn", "debug, info, warn or error")
	_ = cmd.MarkFlagRequired("name")

	return cmd
}

func run(ctx context.Context, opts options, in io.Reader, out io.Writer) error {
	log := logger.NewZerologLogger(zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}), "duelchat", logger.ParseLevel(opts.logLevel))
	defer log.Close()

	cfg := client.DefaultConfig(opts.addr, opts.name)
	cfg.DownloadDir = opts.downloads
	cfg.AutoReconnect = opts.reconnect

	var printMu sync.Mutex
	show := func(s string) {
		printMu.Lock()
		defer printMu.Unlock()
		fmt.Fprintln(out, s)
	}

	lost := make(chan error, 1)

	c := client.New(cfg, log)
	c.OnLine(func(e client.LineEvent) {
		show(render(e.Line))
	})
	c.OnFile(func(e client.FileEvent) {
		show(color.GreenString("Received %s from %s (%d bytes), saved to %s", e.Header.Name, e.Header.Sender, e.Header.Size, e.Path))
	})
	c.OnError(func(e client.ErrorEvent) {
		if errors.Is(e.Error, client.ErrBadFileName) {
			show(color.RedString("Discarded file: %v", e.Error))
		}
	})
	c.OnConnectionState(func(e client.ConnectionStateEvent) {
		switch e.State {
		case client.Reconnecting:
			show(color.HiBlackString("Connection lost, reconnecting..."))
		case client.Disconnected:
			if e.Error != nil && !opts.reconnect {
				select {
				case lost <- e.Error:
				default:
				}
			}
		}
	})

	if err := c.Connect(); err != nil {
		return err
	}
	defer c.Close()

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	// The scanner cannot be interrupted, so it lives outside the group and
	// is abandoned on exit.
	lines := make(chan string)
	go scanLines(in, lines)

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		for {
			select {
			case <-ctx.Done():
				return nil
			case line, ok := <-lines:
				if !ok {
					return errQuit
				}

				if err := handleInput(c, line); err != nil {
					if errors.Is(err, errQuit) {
						return err
					}

					show(color.RedString("%v", err))
				}
			}
		}
	})

	g.Go(func() error {
		select {
		case <-ctx.Done():
			return nil
		case err := <-lost:
			return fmt.Errorf("connection lost: %w", err)
		}
	})

	if err := g.Wait(); err != nil && !errors.Is(err, errQuit) {
		return err
	}

	return nil
}

func scanLines(in io.Reader, lines chan<- string) {
	defer close(lines)

	scanner := bufio.NewScanner(in)
	for scanner.Scan() {
		lines <- scanner.Text()
	}
}

// handleInput runs the local commands and sends everything else.
func handleInput(c *client.Client, line string) error {
	fields := strings.Fields(line)
	if len(fields) > 0 {
		switch fields[0] {
		case "/quit":
			return errQuit
		case "/send":
			rest := strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(line), "/send"))
			user, path, _ := strings.Cut(rest, " ")
			path = strings.TrimSpace(path)
			if user == "" || path == "" {
				return errors.New("usage: /send <user> <path>")
			}

			return c.SendFile(user, path)
		}
	}

	return c.SendLine(line)
}
