package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefault(t *testing.T) {
	cfg := Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config should validate: %v", err)
	}
	if cfg.Defaults.Interval != 5 {
		t.Errorf("expected default interval 5, got %d", cfg.Defaults.Interval)
	}
	if cfg.Defaults.ChannelCapacity != 2000 {
		t.Errorf("expected channel capacity 2000, got %d", cfg.Defaults.ChannelCapacity)
	}
	if cfg.Log.MaxAgeDays != 365 {
		t.Errorf("expected 365-day log retention, got %d", cfg.Log.MaxAgeDays)
	}
}

func TestLoad(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	doc := `
output_dir: /var/lib/monitor/out
defaults:
  interval: 2
  stop_timeout: 10s
  flush_interval: 500ms
monitors:
  exec: {enabled: true}
  func: {enabled: true, patterns: [vfs_read, vfs_write], probe_limit: 4}
  syscall: {enabled: false}
  bio: {enabled: false}
`
	if err := os.WriteFile(path, []byte(doc), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.OutputDir != "/var/lib/monitor/out" {
		t.Errorf("output_dir not applied: %q", cfg.OutputDir)
	}
	if got := cfg.Defaults.StopTimeout.Std(); got != 10*time.Second {
		t.Errorf("stop_timeout = %s, want 10s", got)
	}
	if got := cfg.Defaults.FlushInterval.Std(); got != 500*time.Millisecond {
		t.Errorf("flush_interval = %s, want 500ms", got)
	}
	enabled := cfg.Enabled()
	if len(enabled) != 2 || enabled[0] != "exec" || enabled[1] != "func" {
		t.Errorf("enabled = %v, want [exec func]", enabled)
	}
	fn := cfg.Monitor("func")
	if fn.ProbeLimit != 4 || len(fn.Patterns) != 2 {
		t.Errorf("func config not applied: %+v", fn)
	}
	if fn.IntervalDuration(cfg.Defaults) != 2*time.Second {
		t.Errorf("func interval should inherit defaults")
	}
}

func TestLoadInvalidYAML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "bad.yaml")
	if err := os.WriteFile(path, []byte(":\n  - ["), 0o644); err != nil {
		t.Fatal(err)
	}
	_, err := Load(path)
	assertKind(t, err, ErrInvalidYAML)
}

func TestValidateUnknownMonitor(t *testing.T) {
	cfg := Default()
	cfg.Monitors["flux_capacitor"] = MonitorConfig{Enabled: true}
	assertKind(t, cfg.Validate(), ErrUnknownMonitor)
}

func TestValidateNoMonitors(t *testing.T) {
	cfg := Default()
	cfg.Monitors = MonitorConfigs{"exec": {Enabled: false}}
	assertKind(t, cfg.Validate(), ErrNoMonitors)
}

func TestValidateFuncNeedsPatterns(t *testing.T) {
	cfg := Default()
	cfg.Monitors["func"] = MonitorConfig{Enabled: true}
	assertKind(t, cfg.Validate(), ErrBadValue)
}

func TestSelectMonitors(t *testing.T) {
	cfg := Default()
	if err := cfg.SelectMonitors([]string{"open", "interrupt"}); err != nil {
		t.Fatalf("select: %v", err)
	}
	enabled := cfg.Enabled()
	if len(enabled) != 2 || enabled[0] != "interrupt" || enabled[1] != "open" {
		t.Errorf("enabled = %v, want [interrupt open]", enabled)
	}
	// The -m list replaces the config's enabled set entirely.
	if cfg.Monitors["exec"].Enabled {
		t.Error("exec should no longer be enabled")
	}
}

func TestSelectMonitorsUnknown(t *testing.T) {
	cfg := Default()
	assertKind(t, cfg.SelectMonitors([]string{"nope"}), ErrUnknownMonitor)
}

func assertKind(t *testing.T, err error, kind ErrorKind) {
	t.Helper()
	if err == nil {
		t.Fatal("expected an error")
	}
	cfgErr, ok := err.(*Error)
	if !ok {
		t.Fatalf("expected *config.Error, got %T: %v", err, err)
	}
	if cfgErr.Kind != kind {
		t.Errorf("kind = %s, want %s", cfgErr.Kind, kind)
	}
}
