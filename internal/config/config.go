package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultPath is the config file looked up when --config is not given.
// A missing file at this path is not an error; built-in defaults apply.
const DefaultPath = "fusewedge.yaml"

type Config struct {
	Scenario Scenario `yaml:"scenario"`
	Timing   Timing   `yaml:"timing"`
	Trials   int      `yaml:"trials"`
	Triggers int      `yaml:"triggers"`
	Results  Results  `yaml:"results"`
}

// Scenario describes the system under test: the FUSE daemon that hosts the
// injected fault and the client workload that races against it. Both are
// opaque binaries; the harness only knows how to launch them and what name
// the workload shows up as in the process table.
type Scenario struct {
	DaemonBin    string   `yaml:"daemon_bin"`
	DaemonArgs   []string `yaml:"daemon_args"`
	TriggerBin   string   `yaml:"trigger_bin"`
	TriggerArgs  []string `yaml:"trigger_args"`
	TriggerMatch string   `yaml:"trigger_match"`
	Mountpoint   string   `yaml:"mountpoint"`
	FaultEnv     string   `yaml:"fault_env"`
	InjectFault  *bool    `yaml:"inject_fault"`
}

// FaultInjection reports whether the fault-injection env var should be set
// for the daemon. Defaults to true; reproducing the race is the whole point.
func (s *Scenario) FaultInjection() bool {
	return s.InjectFault == nil || *s.InjectFault
}

type Timing struct {
	DaemonSettleMS  int `yaml:"daemon_settle_ms"`
	TriggerSettleMS int `yaml:"trigger_settle_ms"`
}

func (t Timing) DaemonSettle() time.Duration {
	return time.Duration(t.DaemonSettleMS) * time.Millisecond
}

func (t Timing) TriggerSettle() time.Duration {
	return time.Duration(t.TriggerSettleMS) * time.Millisecond
}

type Results struct {
	Dir string `yaml:"dir"`
}

// Read loads the config at path without filling defaults. Callers that
// override fields afterwards (flags, positional arguments) call Finalize
// once the overrides are in place, so derived defaults pick them up. A
// missing file at DefaultPath yields an empty config; a missing file
// anywhere else is an error.
func Read(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) && path == DefaultPath {
			return &Config{}, nil
		}
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}
	return &cfg, nil
}

// Load reads, defaults, and validates the config at path, for callers with
// no overrides to apply.
func Load(path string) (*Config, error) {
	cfg, err := Read(path)
	if err != nil {
		return nil, err
	}
	if err := Finalize(cfg); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return cfg, nil
}

// Finalize fills defaults and validates. The daemon and trigger argument
// defaults derive from the effective mountpoint, so any mountpoint override
// must land before this runs.
func Finalize(cfg *Config) error {
	s := &cfg.Scenario
	if s.DaemonBin == "" {
		s.DaemonBin = "abba_fs"
	}
	if s.TriggerBin == "" {
		s.TriggerBin = "cat"
	}
	if s.Mountpoint == "" {
		s.Mountpoint = "/tmp/abba_mnt"
	}
	if s.FaultEnv == "" {
		s.FaultEnv = "BLOCK_FAULT"
	}
	if len(s.DaemonArgs) == 0 {
		s.DaemonArgs = []string{s.Mountpoint}
	}
	if len(s.TriggerArgs) == 0 {
		s.TriggerArgs = []string{filepath.Join(s.Mountpoint, "target_file")}
	}
	if s.TriggerMatch == "" {
		s.TriggerMatch = filepath.Base(s.TriggerBin)
	}
	if s.InjectFault == nil {
		inject := true
		s.InjectFault = &inject
	}

	if cfg.Timing.DaemonSettleMS == 0 {
		cfg.Timing.DaemonSettleMS = 2000
	}
	if cfg.Timing.TriggerSettleMS == 0 {
		cfg.Timing.TriggerSettleMS = 3000
	}
	if cfg.Timing.DaemonSettleMS < 0 || cfg.Timing.TriggerSettleMS < 0 {
		return fmt.Errorf("settle windows must be positive")
	}

	if cfg.Trials == 0 {
		cfg.Trials = 100
	}
	if cfg.Trials < 1 {
		return fmt.Errorf("trials must be at least 1")
	}
	if cfg.Triggers == 0 {
		cfg.Triggers = 2
	}
	if cfg.Triggers < 1 {
		return fmt.Errorf("triggers must be at least 1")
	}

	if cfg.Results.Dir == "" {
		cfg.Results.Dir = "./artefacts"
	}
	return nil
}
