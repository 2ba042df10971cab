// Package config holds the runtime settings of the recorder and hands out
// per-subsystem loggers.
package config

import (
	"fmt"
	"io"
	"os"

	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
	"gopkg.in/yaml.v3"

	"github.com/pzim/retrace/types"
)

// Config is the full recorder configuration. Zero values are filled in by
// Default; files loaded with Load override it field by field.
type Config struct {
	// DataDir receives the trace database and captured binaries.
	DataDir string `yaml:"data_dir"`
	// RulesDir holds Sigma rules evaluated against recorded events.
	RulesDir string `yaml:"rules_dir"`
	// ListenAddr is where the session viewer serves HTTP.
	ListenAddr string `yaml:"listen_addr"`

	// TickBudget is the number of retired conditional branches a tracee may
	// burn before the counter raises ScheduleSignal and a preemption event
	// is recorded.
	TickBudget uint64 `yaml:"tick_budget"`
	// ScheduleSignal is the signal number the tick counter raises.
	ScheduleSignal int `yaml:"schedule_signal"`
	// SigframeSize is how many bytes below the post-delivery stack pointer
	// are captured when a signal handler frame may have been pushed.
	SigframeSize int `yaml:"sigframe_size"`
	// WrapperLibrary names the preloaded instrumentation library whose text
	// ranges signals must not be delivered inside. Empty disables deferral.
	WrapperLibrary string `yaml:"wrapper_library"`

	DecodeCacheSize int `yaml:"decode_cache_size"`
	BinaryCacheSize int `yaml:"binary_cache_size"`

	// Monitor attaches the eBPF signal-delivery cross-check to recordings.
	Monitor bool `yaml:"monitor"`
	// Detect evaluates Sigma rules against events as they are recorded.
	Detect bool `yaml:"detect"`

	// DebugLayers lists subsystems whose debug logging is enabled
	// (dispatch, record, mem, detect, monitor), or "all".
	DebugLayers []string `yaml:"debug"`
}

// Default returns the configuration used when no file or flags override it.
func Default() *Config {
	return &Config{
		DataDir:         "data",
		RulesDir:        "rules",
		ListenAddr:      ":8080",
		TickBudget:      250000,
		ScheduleSignal:  int(unix.SIGIO),
		SigframeSize:    1024,
		DecodeCacheSize: 4096,
		BinaryCacheSize: 1024,
	}
}

// Load reads a YAML config file over the defaults and validates the result.
func Load(path string) (*Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config %s: %v", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config %s: %v", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects settings the recorder cannot run with.
func (c *Config) Validate() error {
	if c.TickBudget == 0 {
		return fmt.Errorf("tick_budget must be positive")
	}
	if c.SigframeSize <= 0 {
		return fmt.Errorf("sigframe_size must be positive")
	}
	if c.ScheduleSignal <= 0 || c.ScheduleSignal > 64 {
		return fmt.Errorf("schedule_signal %d out of range", c.ScheduleSignal)
	}
	// The classifier owns the fault signals, and the two unblockable ones
	// cannot carry counter overflows.
	switch c.ScheduleSignal {
	case int(unix.SIGILL), int(unix.SIGTRAP), int(unix.SIGBUS), int(unix.SIGFPE),
		int(unix.SIGSEGV), int(unix.SIGSTKFLT), int(unix.SIGKILL), int(unix.SIGSTOP):
		return fmt.Errorf("schedule_signal cannot be %s", types.SignalName(c.ScheduleSignal))
	}
	if c.DecodeCacheSize <= 0 {
		return fmt.Errorf("decode_cache_size must be positive")
	}
	if c.BinaryCacheSize <= 0 {
		return fmt.Errorf("binary_cache_size must be positive")
	}
	return nil
}

// LayerLogger builds the logger for one subsystem. Layers not named in
// DebugLayers are silenced entirely.
func (c *Config) LayerLogger(layer string) *logrus.Entry {
	logger := logrus.New()
	logger.Formatter = &logrus.TextFormatter{FullTimestamp: true}
	enabled := false
	for _, l := range c.DebugLayers {
		if l == layer || l == "all" {
			enabled = true
			break
		}
	}
	if enabled {
		logger.Level = logrus.DebugLevel
	} else {
		logger.Out = io.Discard
		logger.Level = logrus.PanicLevel
	}
	return logger.WithField("layer", layer)
}
