// Package config provides configuration loading and management for ebpf-monitor.
package config

import (
	"fmt"
	"os"
	"sort"
	"time"

	"gopkg.in/yaml.v3"
)

// ErrorKind enumerates the ways a configuration can be rejected.
type ErrorKind int

const (
	ErrInvalidYAML ErrorKind = iota
	ErrUnknownMonitor
	ErrBadValue
	ErrNoMonitors
)

func (k ErrorKind) String() string {
	switch k {
	case ErrInvalidYAML:
		return "invalid yaml"
	case ErrUnknownMonitor:
		return "unknown monitor"
	case ErrBadValue:
		return "bad value"
	case ErrNoMonitors:
		return "no monitors enabled"
	}
	return "unknown"
}

// Error is a configuration error with an enumerated kind so callers can
// map it onto an exit code without string matching.
type Error struct {
	Kind   ErrorKind
	Detail string
	Err    error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("config: %s: %s: %v", e.Kind, e.Detail, e.Err)
	}
	return fmt.Sprintf("config: %s: %s", e.Kind, e.Detail)
}

func (e *Error) Unwrap() error { return e.Err }

// Config is the top-level configuration document.
type Config struct {
	OutputDir    string         `yaml:"output_dir"`
	BPFObjectDir string         `yaml:"bpf_object_dir"`
	PIDFile      string         `yaml:"pid_file"`
	Log          LogConfig      `yaml:"log"`
	Metrics      MetricsConfig  `yaml:"metrics"`
	Tracing      TracingConfig  `yaml:"tracing"`
	Defaults     Defaults       `yaml:"defaults"`
	Monitors     MonitorConfigs `yaml:"monitors"`
	Filters      TargetFilters  `yaml:"filters"`
}

// LogConfig controls the rotating log sink.
type LogConfig struct {
	Dir        string `yaml:"dir"`
	Level      string `yaml:"level"`
	MaxAgeDays int    `yaml:"max_age_days"`
}

// MetricsConfig controls the optional Prometheus listener.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Listen  string `yaml:"listen"`
}

// TracingConfig controls lifecycle tracing.
type TracingConfig struct {
	Enabled bool `yaml:"enabled"`
}

// Duration wraps time.Duration so "5s"-style values parse from YAML.
type Duration time.Duration

// UnmarshalYAML accepts either a duration string ("500ms") or a bare
// integer, which is taken as seconds.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var sec int64
	if err := value.Decode(&sec); err == nil {
		*d = Duration(time.Duration(sec) * time.Second)
		return nil
	}
	var s string
	if err := value.Decode(&s); err != nil {
		return fmt.Errorf("duration must be a string or integer seconds")
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Defaults are shared knobs every monitor inherits unless overridden.
type Defaults struct {
	Interval        int      `yaml:"interval"` // seconds
	StopTimeout     Duration `yaml:"stop_timeout"`
	BatchSize       int      `yaml:"batch_size"`
	LargeBatch      int      `yaml:"large_batch"`
	FlushInterval   Duration `yaml:"flush_interval"`
	ChannelCapacity int      `yaml:"channel_capacity"`
	MaxDrainErrors  int      `yaml:"max_drain_errors"`
	MapEntries      uint32   `yaml:"map_entries"`
}

// MonitorConfig holds one monitor's settings. Fields that only apply to
// one monitor are ignored by the others.
type MonitorConfig struct {
	Enabled      bool     `yaml:"enabled"`
	Interval     int      `yaml:"interval"` // seconds, 0 = inherit default
	Patterns     []string `yaml:"patterns"`
	ProbeLimit   int      `yaml:"probe_limit"`
	Categories   []string `yaml:"categories"`
	MinLatencyUs uint64   `yaml:"min_latency_us"`
	MinCount     uint64   `yaml:"min_count"`
	MinSwitches  uint64   `yaml:"min_switches"`
}

// MonitorConfigs maps monitor name to its configuration.
type MonitorConfigs map[string]MonitorConfig

// TargetFilters narrows collection to specific processes. Empty means
// no filter; the kernel-side helpers pass everything through. The exec,
// func, syscall, open and page_fault programs apply it; bio, interrupt
// and context_switch do not consult it.
type TargetFilters struct {
	PIDs []uint32 `yaml:"target_pids"`
	UIDs []uint32 `yaml:"target_uids"`
}

// KnownMonitors is the set of monitor names the registry provides.
// Validation rejects anything outside it.
var KnownMonitors = []string{
	"exec", "func", "syscall", "bio", "open",
	"interrupt", "page_fault", "context_switch",
}

// Default returns the built-in configuration used when no file is given.
func Default() *Config {
	return &Config{
		OutputDir:    "output",
		BPFObjectDir: "bpf/build",
		PIDFile:      "temp/monitor.pid",
		Log: LogConfig{
			Dir:        "logs",
			Level:      "info",
			MaxAgeDays: 365,
		},
		Metrics: MetricsConfig{Listen: "127.0.0.1:9435"},
		Defaults: Defaults{
			Interval:        5,
			StopTimeout:     Duration(5 * time.Second),
			BatchSize:       100,
			LargeBatch:      20,
			FlushInterval:   Duration(time.Second),
			ChannelCapacity: 2000,
			MaxDrainErrors:  5,
			MapEntries:      10240,
		},
		Monitors: MonitorConfigs{
			"exec":    {Enabled: true},
			"syscall": {Enabled: true},
			"bio":     {Enabled: true},
		},
	}
}

// Load reads and validates the configuration at path. Missing optional
// fields fall back to Default values.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, &Error{Kind: ErrInvalidYAML, Detail: "read " + path, Err: err}
	}
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, &Error{Kind: ErrInvalidYAML, Detail: "parse " + path, Err: err}
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the document against the registry and value ranges.
func (c *Config) Validate() error {
	known := make(map[string]bool, len(KnownMonitors))
	for _, n := range KnownMonitors {
		known[n] = true
	}
	for name := range c.Monitors {
		if !known[name] {
			return &Error{Kind: ErrUnknownMonitor, Detail: name}
		}
	}
	if len(c.Enabled()) == 0 {
		return &Error{Kind: ErrNoMonitors, Detail: "enable at least one monitor"}
	}
	if c.Defaults.Interval <= 0 {
		return &Error{Kind: ErrBadValue, Detail: "defaults.interval must be positive"}
	}
	if c.Defaults.ChannelCapacity <= 0 {
		return &Error{Kind: ErrBadValue, Detail: "defaults.channel_capacity must be positive"}
	}
	if c.Defaults.BatchSize <= 0 {
		return &Error{Kind: ErrBadValue, Detail: "defaults.batch_size must be positive"}
	}
	if c.Defaults.MapEntries == 0 {
		return &Error{Kind: ErrBadValue, Detail: "defaults.map_entries must be positive"}
	}
	for name, mc := range c.Monitors {
		if mc.Interval < 0 {
			return &Error{Kind: ErrBadValue, Detail: name + ".interval must not be negative"}
		}
	}
	if mc, ok := c.Monitors["func"]; ok && mc.Enabled && len(mc.Patterns) == 0 {
		return &Error{Kind: ErrBadValue, Detail: "func.patterns must not be empty"}
	}
	return nil
}

// Enabled returns the sorted names of all enabled monitors.
func (c *Config) Enabled() []string {
	var names []string
	for name, mc := range c.Monitors {
		if mc.Enabled {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}

// Monitor returns the configuration for name with defaults applied.
func (c *Config) Monitor(name string) MonitorConfig {
	mc := c.Monitors[name]
	if mc.Interval == 0 {
		mc.Interval = c.Defaults.Interval
	}
	if mc.ProbeLimit == 0 {
		mc.ProbeLimit = 16
	}
	return mc
}

// SelectMonitors replaces the enabled set with exactly names, as given
// by the -m flag. Unknown names are rejected.
func (c *Config) SelectMonitors(names []string) error {
	known := make(map[string]bool, len(KnownMonitors))
	for _, n := range KnownMonitors {
		known[n] = true
	}
	next := make(MonitorConfigs, len(names))
	for _, name := range names {
		if !known[name] {
			return &Error{Kind: ErrUnknownMonitor, Detail: name}
		}
		mc := c.Monitors[name]
		mc.Enabled = true
		next[name] = mc
	}
	if len(next) == 0 {
		return &Error{Kind: ErrNoMonitors, Detail: "-m selected nothing"}
	}
	c.Monitors = next
	return nil
}

// IntervalDuration returns the effective drain interval for a monitor.
func (mc MonitorConfig) IntervalDuration(def Defaults) time.Duration {
	sec := mc.Interval
	if sec <= 0 {
		sec = def.Interval
	}
	return time.Duration(sec) * time.Second
}
