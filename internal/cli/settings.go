// Package cli holds the settings shared by the diode-send and diode-receive commands.
//
// Settings are read from an optional YAML file first. Flags given on the command line override it.
package cli

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/ddritzenhoff/diode"
	"github.com/ddritzenhoff/diode/internal/protocol"

	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"
)

// Link holds the settings both ends of the diode need.
// The block parameters must match on both sides.
type Link struct {
	LogLevel string `yaml:"log_level"`
	EventLog string `yaml:"event_log"`

	MTU              int           `yaml:"mtu"`
	BlockSize        int           `yaml:"block_size"`
	RepairPercentage int           `yaml:"repair_percentage"`
	FECScheme        string        `yaml:"fec_scheme"`
	BatchSize        int           `yaml:"batch_size"`
	CPUAffinity      bool          `yaml:"cpu_affinity"`
	MaxClients       int           `yaml:"max_clients"`
	Flush            bool          `yaml:"flush"`
	Heartbeat        time.Duration `yaml:"heartbeat"`
	StreamDigest     bool          `yaml:"stream_digest"`
	ShutdownGrace    time.Duration `yaml:"shutdown_grace_period"`
}

func defaultLink() Link {
	return Link{
		LogLevel:         "info",
		MTU:              protocol.DefaultMTU,
		BlockSize:        protocol.DefaultBlockSize,
		RepairPercentage: protocol.DefaultRepairPercentage,
		FECScheme:        "reed-solomon",
		MaxClients:       2,
		ShutdownGrace:    2 * time.Second,
	}
}

// BindFlags registers the flags of the link settings. The current values are the defaults.
func (l *Link) BindFlags(fs *pflag.FlagSet) {
	fs.StringVar(&l.LogLevel, "log-level", l.LogLevel, "log level: debug, info, warn, error or nothing")
	fs.StringVar(&l.EventLog, "event-log", l.EventLog, "write diode events as JSON lines to this file")
	fs.IntVar(&l.MTU, "mtu", l.MTU, "MTU of the diode link in bytes")
	fs.IntVar(&l.BlockSize, "block", l.BlockSize, "size of a FEC block in bytes")
	fs.IntVar(&l.RepairPercentage, "repair", l.RepairPercentage, "percentage of repair data per block")
	fs.StringVar(&l.FECScheme, "fec", l.FECScheme, "FEC scheme: reed-solomon or xor")
	fs.IntVar(&l.BatchSize, "batch", l.BatchSize, "number of UDP datagrams per system call, 2 to 1024 (0 disables batching)")
	fs.BoolVar(&l.CPUAffinity, "cpu-affinity", l.CPUAffinity, "pin pipeline goroutines to CPUs")
	fs.IntVar(&l.MaxClients, "max-clients", l.MaxClients, "max number of simultaneous connections")
	fs.BoolVar(&l.Flush, "flush", l.Flush, "flush data immediately")
	fs.BoolVar(&l.StreamDigest, "digest", l.StreamDigest, "check each connection with a BLAKE2b digest")
	fs.DurationVar(&l.ShutdownGrace, "shutdown-grace", l.ShutdownGrace, "time to wait for in-flight data on shutdown")
}

func (l *Link) config() (*diode.Config, error) {
	scheme, err := ParseFECScheme(l.FECScheme)
	if err != nil {
		return nil, err
	}
	if l.MaxClients <= 0 {
		return nil, fmt.Errorf("max clients must be positive, got %d", l.MaxClients)
	}
	repair := l.RepairPercentage
	if repair == 0 {
		// diode.Config reads zero as the default percentage
		repair = -1
	}
	return &diode.Config{
		MTU:                 l.MTU,
		BlockSize:           l.BlockSize,
		RepairPercentage:    repair,
		FECScheme:           scheme,
		BatchSize:           l.BatchSize,
		CPUAffinity:         l.CPUAffinity,
		MaxConnections:      l.MaxClients,
		Flush:               l.Flush,
		HeartbeatInterval:   l.Heartbeat,
		StreamDigest:        l.StreamDigest,
		ShutdownGracePeriod: l.ShutdownGrace,
	}, nil
}

// SendSettings configures diode-send.
type SendSettings struct {
	Link `yaml:",inline"`

	FromTCP   string `yaml:"from_tcp"`
	FromUnix  string `yaml:"from_unix"`
	FromStdin bool   `yaml:"from_stdin"`
	To        string `yaml:"to"`
	ToBind    string `yaml:"to_bind"`

	EncodeThreads  int    `yaml:"encode_threads"`
	OverflowPolicy string `yaml:"overflow_policy"`
	MaxSendRate    int64  `yaml:"max_send_rate"`
}

// DefaultSendSettings returns the settings used when neither a file nor a flag sets a value.
func DefaultSendSettings() *SendSettings {
	s := &SendSettings{
		Link:           defaultLink(),
		ToBind:         "0.0.0.0:0",
		EncodeThreads:  1,
		OverflowPolicy: "block",
	}
	s.Heartbeat = 5 * time.Second
	return s
}

// BindFlags registers all flags of diode-send.
func (s *SendSettings) BindFlags(fs *pflag.FlagSet) {
	s.Link.BindFlags(fs)
	fs.DurationVar(&s.Heartbeat, "heartbeat", s.Heartbeat, "interval between two heartbeats, 0 to disable")
	fs.StringVar(&s.FromTCP, "from-tcp", s.FromTCP, "ip:port to accept TCP clients on")
	fs.StringVar(&s.FromUnix, "from-unix", s.FromUnix, "path of the Unix socket to accept clients on")
	fs.BoolVar(&s.FromStdin, "from-stdin", s.FromStdin, "send standard input as a single connection")
	fs.StringVar(&s.To, "to", s.To, "ip:port of diode-receive")
	fs.StringVar(&s.ToBind, "to-bind", s.ToBind, "local ip:port of the UDP socket")
	fs.IntVar(&s.EncodeThreads, "encode-threads", s.EncodeThreads, "number of encoding goroutines, 0 to 255")
	fs.StringVar(&s.OverflowPolicy, "overflow", s.OverflowPolicy, "what to do when the link is saturated: block or drop")
	fs.Int64Var(&s.MaxSendRate, "max-rate", s.MaxSendRate, "max sending rate in bytes per second, 0 for unlimited")
}

// Validate checks the combination of settings.
func (s *SendSettings) Validate() error {
	if s.To == "" {
		return errors.New("missing diode address (--to)")
	}
	if s.FromTCP == "" && s.FromUnix == "" && !s.FromStdin {
		return errors.New("nothing to send from: set --from-tcp, --from-unix or --from-stdin")
	}
	if s.FromStdin && (s.FromTCP != "" || s.FromUnix != "") {
		return errors.New("--from-stdin can't be combined with listeners")
	}
	return nil
}

// Config returns the diode configuration of the sender.
func (s *SendSettings) Config() (*diode.Config, error) {
	config, err := s.Link.config()
	if err != nil {
		return nil, err
	}
	policy, err := ParseOverflowPolicy(s.OverflowPolicy)
	if err != nil {
		return nil, err
	}
	config.EncodeWorkers = s.EncodeThreads
	config.OverflowPolicy = policy
	config.MaxSendRate = s.MaxSendRate
	return config, nil
}

// ReceiveSettings configures diode-receive.
type ReceiveSettings struct {
	Link `yaml:",inline"`

	From        string        `yaml:"from"`
	ToTCP       string        `yaml:"to_tcp"`
	ToUnix      string        `yaml:"to_unix"`
	ToStdout    bool          `yaml:"to_stdout"`
	DialTimeout time.Duration `yaml:"dial_timeout"`

	DecodeThreads int           `yaml:"decode_threads"`
	ResetTimeout  time.Duration `yaml:"reset_timeout"`
	ReorderWindow int           `yaml:"reorder_window"`
	AbortTimeout  time.Duration `yaml:"abort_timeout"`
}

// DefaultReceiveSettings returns the settings used when neither a file nor a flag sets a value.
func DefaultReceiveSettings() *ReceiveSettings {
	s := &ReceiveSettings{
		Link:          defaultLink(),
		DialTimeout:   5 * time.Second,
		DecodeThreads: 1,
		ResetTimeout:  2 * time.Second,
		ReorderWindow: 64,
	}
	s.Heartbeat = 10 * time.Second
	return s
}

// BindFlags registers all flags of diode-receive.
func (s *ReceiveSettings) BindFlags(fs *pflag.FlagSet) {
	s.Link.BindFlags(fs)
	fs.DurationVar(&s.Heartbeat, "heartbeat", s.Heartbeat, "max interval expected between two heartbeats, 0 to disable")
	fs.StringVar(&s.From, "from", s.From, "ip:port to receive UDP packets from diode-send on")
	fs.StringVar(&s.ToTCP, "to-tcp", s.ToTCP, "ip:port of the TCP server receiving the connections")
	fs.StringVar(&s.ToUnix, "to-unix", s.ToUnix, "path of the Unix socket receiving the connections")
	fs.BoolVar(&s.ToStdout, "to-stdout", s.ToStdout, "write the connections to standard output, one after the other")
	fs.DurationVar(&s.DialTimeout, "dial-timeout", s.DialTimeout, "timeout for connecting to the server")
	fs.IntVar(&s.DecodeThreads, "decode-threads", s.DecodeThreads, "number of decoding goroutines, 0 to 255")
	fs.DurationVar(&s.ResetTimeout, "reset-timeout", s.ResetTimeout, "reset the diode if no data is received for that long")
	fs.IntVar(&s.ReorderWindow, "reorder-window", s.ReorderWindow, "number of blocks waiting for reordered packets")
	fs.DurationVar(&s.AbortTimeout, "abort-timeout", s.AbortTimeout, "abort a connection if no data is received for that long, 0 to disable")
}

// Validate checks the combination of settings.
func (s *ReceiveSettings) Validate() error {
	if s.From == "" {
		return errors.New("missing UDP address (--from)")
	}
	var n int
	for _, set := range []bool{s.ToTCP != "", s.ToUnix != "", s.ToStdout} {
		if set {
			n++
		}
	}
	if n != 1 {
		return errors.New("exactly one of --to-tcp, --to-unix and --to-stdout is required")
	}
	return nil
}

// Config returns the diode configuration of the receiver.
func (s *ReceiveSettings) Config() (*diode.Config, error) {
	config, err := s.Link.config()
	if err != nil {
		return nil, err
	}
	config.DecodeWorkers = s.DecodeThreads
	config.ResetTimeout = s.ResetTimeout
	config.ReorderWindow = s.ReorderWindow
	config.AbortTimeout = s.AbortTimeout
	return config, nil
}

// Load decodes the YAML file at path into v. An empty path leaves v untouched.
// Unknown keys are rejected.
func Load(path string, v interface{}) error {
	if path == "" {
		return nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(v); err != nil && err != io.EOF {
		return fmt.Errorf("parsing %s: %w", path, err)
	}
	return nil
}

// ApplyFlags copies the value of every flag set in changed to the settings that bind registers.
// This lets flags take precedence over values loaded from a file.
func ApplyFlags(changed *pflag.FlagSet, bind func(*pflag.FlagSet)) error {
	fs := pflag.NewFlagSet("settings", pflag.ContinueOnError)
	bind(fs)
	var err error
	changed.Visit(func(f *pflag.Flag) {
		if err != nil || fs.Lookup(f.Name) == nil {
			return
		}
		if serr := fs.Set(f.Name, f.Value.String()); serr != nil {
			err = fmt.Errorf("flag --%s: %w", f.Name, serr)
		}
	})
	return err
}

// ParseFECScheme parses reed-solomon (or rs) and xor.
func ParseFECScheme(s string) (diode.FECScheme, error) {
	switch strings.ToLower(s) {
	case "reed-solomon", "reedsolomon", "rs":
		return diode.ReedSolomon, nil
	case "xor":
		return diode.XOR, nil
	default:
		return 0, fmt.Errorf("unknown FEC scheme %q", s)
	}
}

// ParseOverflowPolicy parses block and drop.
func ParseOverflowPolicy(s string) (diode.OverflowPolicy, error) {
	switch strings.ToLower(s) {
	case "block":
		return diode.OverflowBlock, nil
	case "drop":
		return diode.OverflowDrop, nil
	default:
		return 0, fmt.Errorf("unknown overflow policy %q", s)
	}
}
