// Command diode-receive rebuilds the connections sent by diode-send and forwards each one to a server.
package main

import (
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/ddritzenhoff/diode"
	"github.com/ddritzenhoff/diode/internal/cli"
	"github.com/ddritzenhoff/diode/internal/target"
	"github.com/ddritzenhoff/diode/internal/utils"

	"github.com/spf13/cobra"
)

var (
	cfgFile  string
	flags    = cli.DefaultReceiveSettings()
	settings *cli.ReceiveSettings
)

var rootCmd = &cobra.Command{
	Use:   "diode-receive",
	Short: "Receive connections from a unidirectional diode",
	Long: `diode-receive decodes the FEC protected blocks sent by diode-send and opens
one connection to the configured server for every connection on the sending side.
Connections affected by unrecoverable loss are aborted.`,
	Args:          cobra.NoArgs,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		settings = cli.DefaultReceiveSettings()
		if err := cli.Load(cfgFile, settings); err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		if err := cli.ApplyFlags(cmd.Flags(), settings.BindFlags); err != nil {
			return err
		}
		return settings.Validate()
	},
	RunE: func(cmd *cobra.Command, args []string) error {
		logger := utils.DefaultLogger.WithPrefix("diode-receive")
		tracer, err := settings.Setup()
		if err != nil {
			return err
		}
		if tracer != nil {
			// Run closes the tracer as well, closing twice is fine
			defer tracer.Close()
		}
		config, err := settings.Config()
		if err != nil {
			return err
		}
		config.Tracer = tracer
		factory, err := newFactory(settings)
		if err != nil {
			return err
		}

		laddr, err := net.ResolveUDPAddr("udp", settings.From)
		if err != nil {
			return err
		}
		conn, err := net.ListenUDP("udp", laddr)
		if err != nil {
			return err
		}
		receiver, err := diode.NewReceiver(conn, config, diode.TargetFactory(factory))
		if err != nil {
			conn.Close()
			return err
		}
		logger.Infof("receiving on %s", conn.LocalAddr())

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		return receiver.Run(ctx)
	},
}

func newFactory(s *cli.ReceiveSettings) (target.Factory, error) {
	switch {
	case s.ToTCP != "":
		return target.Dial("tcp", s.ToTCP, s.DialTimeout)
	case s.ToUnix != "":
		return target.Dial("unix", s.ToUnix, s.DialTimeout)
	default:
		return target.Writer(os.Stdout), nil
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "YAML config file, overridden by flags")
	flags.BindFlags(rootCmd.Flags())
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
