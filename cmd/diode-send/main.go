// Command diode-send accepts TCP or Unix socket clients and sends their data over a one-way UDP link.
package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/ddritzenhoff/diode"
	"github.com/ddritzenhoff/diode/internal/cli"
	"github.com/ddritzenhoff/diode/internal/utils"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

var (
	cfgFile  string
	flags    = cli.DefaultSendSettings()
	settings *cli.SendSettings
)

var rootCmd = &cobra.Command{
	Use:   "diode-send",
	Short: "Send TCP and Unix socket connections through a unidirectional diode",
	Long: `diode-send multiplexes its clients into a stream of FEC protected blocks
and sends them as UDP datagrams to diode-receive. Nothing is ever read from the link.`,
	Args:          cobra.NoArgs,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		settings = cli.DefaultSendSettings()
		if err := cli.Load(cfgFile, settings); err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		if err := cli.ApplyFlags(cmd.Flags(), settings.BindFlags); err != nil {
			return err
		}
		return settings.Validate()
	},
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		return run(ctx)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "YAML config file, overridden by flags")
	flags.BindFlags(rootCmd.Flags())
}

func run(ctx context.Context) error {
	logger := utils.DefaultLogger.WithPrefix("diode-send")
	tracer, err := settings.Setup()
	if err != nil {
		return err
	}
	config, err := settings.Config()
	if err != nil {
		return err
	}
	config.Tracer = tracer
	if tracer != nil {
		defer tracer.Close()
	}

	raddr, err := net.ResolveUDPAddr("udp", settings.To)
	if err != nil {
		return err
	}
	laddr, err := net.ResolveUDPAddr("udp", settings.ToBind)
	if err != nil {
		return err
	}
	conn, err := net.ListenUDP("udp", laddr)
	if err != nil {
		return err
	}
	defer conn.Close()

	sender, err := diode.NewSender(conn, raddr, config)
	if err != nil {
		return err
	}
	logger.Infof("sending to %s from %s", raddr, conn.LocalAddr())

	if settings.FromStdin {
		err := serveStdin(ctx, sender)
		if cerr := sender.Close(); err == nil {
			err = cerr
		}
		return err
	}

	var listeners []net.Listener
	if settings.FromTCP != "" {
		ln, err := net.Listen("tcp", settings.FromTCP)
		if err != nil {
			sender.Close()
			return err
		}
		listeners = append(listeners, ln)
	}
	if settings.FromUnix != "" {
		ln, err := net.Listen("unix", settings.FromUnix)
		if err != nil {
			closeAll(listeners)
			sender.Close()
			return err
		}
		listeners = append(listeners, ln)
	}
	err = serve(ctx, sender, listeners, logger)
	if cerr := sender.Close(); err == nil {
		err = cerr
	}
	return err
}

func serveStdin(ctx context.Context, sender *diode.Sender) error {
	done := make(chan error, 1)
	go func() { done <- sender.Serve(ctx, os.Stdin) }()
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		// a read from stdin can't be interrupted, Close aborts the connection
		return nil
	case <-sender.Done():
		return diode.ErrClosed
	}
}

// serve accepts clients until ctx is canceled or the sender stops.
func serve(ctx context.Context, sender *diode.Sender, listeners []net.Listener, logger utils.Logger) error {
	g, gctx := errgroup.WithContext(ctx)
	var clients sync.WaitGroup
	for _, ln := range listeners {
		ln := ln
		logger.Infof("accepting clients on %s", ln.Addr())
		g.Go(func() error {
			for {
				c, err := ln.Accept()
				if err != nil {
					if gctx.Err() != nil {
						return nil
					}
					return fmt.Errorf("accepting clients: %w", err)
				}
				clients.Add(1)
				go func() {
					defer clients.Done()
					handleClient(gctx, sender, c, logger)
				}()
			}
		})
	}
	g.Go(func() error {
		var err error
		select {
		case <-gctx.Done():
		case <-sender.Done():
			err = diode.ErrClosed
		}
		closeAll(listeners)
		return err
	})
	err := g.Wait()
	clients.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func handleClient(ctx context.Context, sender *diode.Sender, c net.Conn, logger utils.Logger) {
	defer c.Close()
	// unblocks the read when shutting down
	stop := context.AfterFunc(ctx, func() { c.Close() })
	defer stop()
	logger.Infof("client %s connected", c.RemoteAddr())
	if err := sender.Serve(ctx, c); err != nil {
		logger.Warnf("client %s: %s", c.RemoteAddr(), err)
		return
	}
	logger.Infof("client %s done", c.RemoteAddr())
}

func closeAll(listeners []net.Listener) {
	for _, ln := range listeners {
		ln.Close()
	}
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
