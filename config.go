package diode

import (
	"fmt"
	"time"

	"github.com/ddritzenhoff/diode/internal/protocol"
	"github.com/ddritzenhoff/diode/internal/udp"
)

const (
	defaultResetTimeout        = 2 * time.Second
	defaultShutdownGracePeriod = 2 * time.Second
	defaultReorderWindow       = 64
	defaultMaxConnections      = 2
	maxWorkers                 = 255
	maxReorderWindow           = 1 << 12
)

// Clone clones a Config
func (c *Config) Clone() *Config {
	copy := *c
	return &copy
}

func validateConfig(config *Config) error {
	if config == nil {
		return nil
	}
	if config.MTU != 0 && (config.MTU < protocol.MinMTU || config.MTU > protocol.MaxMTU) {
		return fmt.Errorf("invalid MTU: %d", config.MTU)
	}
	if config.BlockSize < 0 {
		return fmt.Errorf("invalid block size: %d", config.BlockSize)
	}
	if config.RepairPercentage > 100 {
		return fmt.Errorf("invalid repair percentage: %d", config.RepairPercentage)
	}
	if config.FECScheme != 0 && !config.FECScheme.Valid() {
		return fmt.Errorf("invalid FEC scheme: %d", config.FECScheme)
	}
	if config.EncodeWorkers < 0 || config.EncodeWorkers > maxWorkers {
		return fmt.Errorf("invalid number of encode workers: %d", config.EncodeWorkers)
	}
	if config.DecodeWorkers < 0 || config.DecodeWorkers > maxWorkers {
		return fmt.Errorf("invalid number of decode workers: %d", config.DecodeWorkers)
	}
	if config.BatchSize < 0 || config.BatchSize > udp.MaxBatchSize {
		return fmt.Errorf("invalid batch size: %d", config.BatchSize)
	}
	if config.ReorderWindow < 0 || config.ReorderWindow > maxReorderWindow {
		return fmt.Errorf("invalid reorder window: %d", config.ReorderWindow)
	}
	if config.MaxConnections < 0 {
		return fmt.Errorf("invalid maximum number of connections: %d", config.MaxConnections)
	}
	if config.MaxSendRate < 0 {
		return fmt.Errorf("invalid send rate: %d", config.MaxSendRate)
	}
	if config.OverflowPolicy != OverflowBlock && config.OverflowPolicy != OverflowDrop {
		return fmt.Errorf("invalid overflow policy: %d", config.OverflowPolicy)
	}
	if config.ResetTimeout < 0 || config.AbortTimeout < 0 || config.HeartbeatInterval < 0 || config.ShutdownGracePeriod < 0 {
		return fmt.Errorf("timeouts must not be negative")
	}
	return nil
}

// populateConfig populates fields in the Config with their default values, if none are set.
// It may be called with nil.
func populateConfig(config *Config) *Config {
	if config == nil {
		config = &Config{}
	}
	mtu := config.MTU
	if mtu == 0 {
		mtu = protocol.DefaultMTU
	}
	blockSize := config.BlockSize
	if blockSize == 0 {
		blockSize = protocol.DefaultBlockSize
	}
	repair := config.RepairPercentage
	if repair == 0 {
		repair = protocol.DefaultRepairPercentage
	} else if repair < 0 {
		repair = 0
	}
	scheme := config.FECScheme
	if scheme == 0 {
		scheme = ReedSolomon
	}
	resetTimeout := config.ResetTimeout
	if resetTimeout == 0 {
		resetTimeout = defaultResetTimeout
	}
	window := config.ReorderWindow
	if window == 0 {
		window = defaultReorderWindow
	}
	maxConns := config.MaxConnections
	if maxConns == 0 {
		maxConns = defaultMaxConnections
	}
	grace := config.ShutdownGracePeriod
	if grace == 0 {
		grace = defaultShutdownGracePeriod
	}

	return &Config{
		MTU:                 mtu,
		BlockSize:           blockSize,
		RepairPercentage:    repair,
		FECScheme:           scheme,
		EncodeWorkers:       config.EncodeWorkers,
		DecodeWorkers:       config.DecodeWorkers,
		BatchSize:           config.BatchSize,
		CPUAffinity:         config.CPUAffinity,
		ResetTimeout:        resetTimeout,
		ReorderWindow:       window,
		AbortTimeout:        config.AbortTimeout,
		HeartbeatInterval:   config.HeartbeatInterval,
		Flush:               config.Flush,
		MaxConnections:      maxConns,
		OverflowPolicy:      config.OverflowPolicy,
		MaxSendRate:         config.MaxSendRate,
		StreamDigest:        config.StreamDigest,
		ShutdownGracePeriod: grace,
		Tracer:              config.Tracer,
	}
}

// parameters derives the block-level parameters of a populated config.
func (c *Config) parameters() (protocol.Parameters, error) {
	return protocol.NewParameters(c.FECScheme, c.MTU, c.BlockSize, c.RepairPercentage)
}
