package monitors

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/whosneo/ebpf-monitor/internal/capability"
	"github.com/whosneo/ebpf-monitor/internal/config"
)

func fakeCaps(t *testing.T, syms ...string) *capability.Report {
	t.Helper()
	dir := t.TempDir()
	kallsyms := filepath.Join(dir, "kallsyms")
	var content string
	for _, s := range syms {
		content += "ffffffff81000000 T " + s + "\n"
	}
	if err := os.WriteFile(kallsyms, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	p := &capability.Prober{
		TracefsRoots: []string{filepath.Join(dir, "no-tracefs")},
		BTFPath:      filepath.Join(dir, "no-btf"),
		KallsymsPath: kallsyms,
		UnameRelease: "5.10.0-test",
	}
	r, err := p.Probe()
	if err != nil {
		t.Fatal(err)
	}
	return r
}

func TestFuncRequiresPatterns(t *testing.T) {
	if _, err := NewFunc(testDeps(t, config.MonitorConfig{Enabled: true})); err == nil {
		t.Fatal("expected an error with no patterns")
	}
}

func TestFuncAttachPointsSkipMissingSymbols(t *testing.T) {
	m, err := NewFunc(testDeps(t, config.MonitorConfig{
		Enabled:  true,
		Patterns: []string{"vfs_read", "no_such_symbol", "vfs_write"},
	}))
	if err != nil {
		t.Fatal(err)
	}
	agg := aggOf(t, m)

	caps := fakeCaps(t, "vfs_read", "vfs_write")
	points, err := agg.spec.points(caps)
	if err != nil {
		t.Fatal(err)
	}
	if len(points) != 2 {
		t.Fatalf("got %d points, want 2", len(points))
	}
	if points[0].Symbols[0] != "vfs_read" || points[0].Program != "trace_func_0" {
		t.Errorf("point 0 wrong: %+v", points[0])
	}
	if points[1].Symbols[0] != "vfs_write" || points[1].Program != "trace_func_1" {
		t.Errorf("point 1 wrong: %+v", points[1])
	}
}

func TestFuncProbeLimitCapsAttachments(t *testing.T) {
	m, err := NewFunc(testDeps(t, config.MonitorConfig{
		Enabled:    true,
		Patterns:   []string{"vfs_read", "vfs_write", "vfs_fsync"},
		ProbeLimit: 2,
	}))
	if err != nil {
		t.Fatal(err)
	}
	agg := aggOf(t, m)

	caps := fakeCaps(t, "vfs_read", "vfs_write", "vfs_fsync")
	points, err := agg.spec.points(caps)
	if err != nil {
		t.Fatal(err)
	}
	if len(points) != 2 {
		t.Fatalf("probe limit not applied: %d points", len(points))
	}
}

func TestFuncNoSymbolsAttachable(t *testing.T) {
	m, _ := NewFunc(testDeps(t, config.MonitorConfig{
		Enabled:  true,
		Patterns: []string{"ghost_sym"},
	}))
	agg := aggOf(t, m)

	if _, err := agg.spec.points(fakeCaps(t)); err == nil {
		t.Fatal("expected failure when no symbols exist")
	}
}

func TestFuncDecodeMapsIDToName(t *testing.T) {
	m, _ := NewFunc(testDeps(t, config.MonitorConfig{
		Enabled:  true,
		Patterns: []string{"vfs_read", "vfs_write"},
	}))
	agg := aggOf(t, m)

	// Attach resolution assigns func_id slots in config order.
	if _, err := agg.spec.points(fakeCaps(t, "vfs_read", "vfs_write")); err != nil {
		t.Fatal(err)
	}

	e := mustEntry(t,
		funcKey{Comm: commOf("P"), FuncID: 1},
		funcValue{Count: 128},
	)
	cells, ok := agg.spec.decode(e, testTick)
	if !ok {
		t.Fatal("row should survive")
	}
	if cells[2] != "P" || cells[3] != "vfs_write" || cells[4] != "128" {
		t.Errorf("cells wrong: %v", cells)
	}

	// An id outside the attached set is dropped, not misattributed.
	stale := mustEntry(t, funcKey{Comm: commOf("P"), FuncID: 9}, funcValue{Count: 1})
	if _, ok := agg.spec.decode(stale, testTick); ok {
		t.Error("unknown func_id should be dropped")
	}
}
