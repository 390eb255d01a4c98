package transportloop

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Config is the read-only transport configuration supplied at construction.
type Config struct {
	// Address is the TCP listen endpoint, e.g. "127.0.0.1:8080" or ":0".
	Address string `yaml:"address"`

	// CpuID is the CPU the loop thread is pinned to, and the SO_INCOMING_CPU
	// value when ReceiveOnIncomingCpu is set. Negative means unpinned.
	CpuID int `yaml:"cpuId"`

	// Loops is the number of ThreadContexts a Transport runs on the shared
	// port. Non-positive selects one.
	Loops int `yaml:"loops"`

	// AioReceive batches readable sockets through the Linux AIO interface
	// instead of per-socket readv.
	AioReceive bool `yaml:"aioReceive"`

	// AioSend batches scheduled sends through the Linux AIO interface.
	AioSend bool `yaml:"aioSend"`

	// DeferSend coalesces application writes queued before the loop's next
	// send visit behind the first write's schedule; without it every write
	// schedules a send. Sends always run on the loop thread.
	DeferSend bool `yaml:"deferSend"`

	// DeferAccept sets TCP_DEFER_ACCEPT on the listener so accept fires
	// only once data has arrived.
	DeferAccept bool `yaml:"deferAccept"`

	// ReceiveOnIncomingCpu sets SO_INCOMING_CPU on the listener to CpuID.
	ReceiveOnIncomingCpu bool `yaml:"receiveOnIncomingCpu"`

	// ZeroCopy enables SO_ZEROCOPY on the listener and MSG_ZEROCOPY sends
	// for payloads at or above ZeroCopyThreshold.
	ZeroCopy bool `yaml:"zeroCopy"`

	// ZeroCopyThreshold is the payload size at which sends switch to
	// MSG_ZEROCOPY. NoZeroCopy disables zero copy even when ZeroCopy is set.
	ZeroCopyThreshold int `yaml:"zeroCopyThreshold"`

	// ApplicationSchedulingMode records the inline or dispatch scheduling
	// mode. It does not change delivery: accepted connections always reach
	// the application through the blocking accept queue.
	ApplicationSchedulingMode SchedulingMode `yaml:"applicationSchedulingMode"`
}

// UnmarshalYAML accepts the configuration spellings "inline" and "dispatch".
func (m *SchedulingMode) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	switch s {
	case "", "dispatch":
		*m = SchedulingDispatch
	case "inline":
		*m = SchedulingInline
	default:
		return fmt.Errorf("transportloop: unknown scheduling mode %q", s)
	}
	return nil
}

// MarshalYAML implements yaml.Marshaler.
func (m SchedulingMode) MarshalYAML() (any, error) {
	return m.String(), nil
}

// withDefaults normalises the zero value into a usable configuration.
func (c Config) withDefaults() Config {
	if c.Address == "" {
		c.Address = ":0"
	}
	if c.Loops <= 0 {
		c.Loops = 1
	}
	if !c.ZeroCopy {
		c.ZeroCopyThreshold = NoZeroCopy
	} else if c.ZeroCopyThreshold == 0 {
		// SO_ZEROCOPY pins pages per send; below a few KB the bookkeeping
		// costs more than the copy it avoids.
		c.ZeroCopyThreshold = 16 * 1024
	}
	return c
}

// LoadConfig reads a YAML configuration file. Fields not present keep their
// defaults; CpuID defaults to unpinned and ApplicationSchedulingMode to
// dispatch.
func LoadConfig(path string) (Config, error) {
	cfg := Config{CpuID: -1, ApplicationSchedulingMode: SchedulingDispatch}
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("transportloop: read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("transportloop: parse config: %w", err)
	}
	return cfg.withDefaults(), nil
}
