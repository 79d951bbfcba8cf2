package registry

import (
	"fmt"
	"time"
)

// Config is the single configuration record for a Registry.
type Config struct {
	// TargetTPS is the system-wide shaping rate in events per second. It is
	// a shaping limit, not a hard throughput cap: the bucket's burst
	// capacity (2x TargetTPS) lets short spikes through.
	TargetTPS int

	// MaxEventsPerMachinePerSecond is the hard per-machine event rate.
	MaxEventsPerMachinePerSecond int

	// MaxConcurrentMachines is the hard cap on the active set.
	MaxConcurrentMachines int

	// MachineEvictionThreshold is the soft cap above which the janitor
	// starts evicting idle machines. Must be below MaxConcurrentMachines.
	MachineEvictionThreshold int

	// MachineIdleTimeout is how long a machine must go without events
	// before it is an idle-eviction candidate.
	MachineIdleTimeout time.Duration

	// SnapshotDebug persists every transition to the port's transition log
	// when the port supports one.
	SnapshotDebug bool

	// LiveDebug enables the websocket debug channel.
	LiveDebug bool

	// DebugPort is the debug channel's listen port. Only used with LiveDebug.
	DebugPort int

	// SampleEvery rate-limits STATE_CHANGE debug records: 0 or 1 emits all,
	// n > 1 emits one in n.
	SampleEvery int

	// ShutdownTimeout bounds how long Shutdown waits for in-flight work and
	// pending saves.
	ShutdownTimeout time.Duration

	// SaveQueueSize is the capacity of the asynchronous save queue.
	SaveQueueSize int

	// JanitorInterval is how often the idle-eviction sweep runs.
	JanitorInterval time.Duration
}

// DefaultConfig returns production-shaped defaults for a mid-size fleet.
func DefaultConfig() Config {
	return Config{
		TargetTPS:                    1000,
		MaxEventsPerMachinePerSecond: 50,
		MaxConcurrentMachines:        50000,
		MachineEvictionThreshold:     45000,
		MachineIdleTimeout:           10 * time.Minute,
		SampleEvery:                  1,
		ShutdownTimeout:              5 * time.Second,
		SaveQueueSize:                4096,
		JanitorInterval:              30 * time.Second,
	}
}

// Validate checks the configured ranges.
func (c Config) Validate() error {
	if c.TargetTPS <= 0 {
		return fmt.Errorf("registry: TargetTPS must be > 0, got %d", c.TargetTPS)
	}
	if c.MaxEventsPerMachinePerSecond <= 0 {
		return fmt.Errorf("registry: MaxEventsPerMachinePerSecond must be > 0, got %d", c.MaxEventsPerMachinePerSecond)
	}
	if c.MaxConcurrentMachines <= 0 {
		return fmt.Errorf("registry: MaxConcurrentMachines must be > 0, got %d", c.MaxConcurrentMachines)
	}
	if c.MachineEvictionThreshold < 0 || c.MachineEvictionThreshold >= c.MaxConcurrentMachines {
		return fmt.Errorf("registry: MachineEvictionThreshold must be in [0, MaxConcurrentMachines), got %d", c.MachineEvictionThreshold)
	}
	if c.MachineIdleTimeout <= 0 {
		return fmt.Errorf("registry: MachineIdleTimeout must be > 0, got %v", c.MachineIdleTimeout)
	}
	if c.LiveDebug && (c.DebugPort < 1 || c.DebugPort > 65535) {
		return fmt.Errorf("registry: DebugPort must be in [1, 65535], got %d", c.DebugPort)
	}
	if c.SampleEvery < 0 {
		return fmt.Errorf("registry: SampleEvery must be >= 0, got %d", c.SampleEvery)
	}
	if c.ShutdownTimeout <= 0 {
		return fmt.Errorf("registry: ShutdownTimeout must be > 0, got %v", c.ShutdownTimeout)
	}
	if c.SaveQueueSize <= 0 {
		return fmt.Errorf("registry: SaveQueueSize must be > 0, got %d", c.SaveQueueSize)
	}
	if c.JanitorInterval <= 0 {
		return fmt.Errorf("registry: JanitorInterval must be > 0, got %v", c.JanitorInterval)
	}
	return nil
}
