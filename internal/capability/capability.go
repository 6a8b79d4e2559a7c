// Package capability inspects the running kernel once at startup and
// reports which tracepoints and kprobe symbols each monitor may use.
package capability

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"golang.org/x/sys/unix"
)

// Default inspection paths; a Prober can override each for tests.
const (
	tracefsPrimary  = "/sys/kernel/tracing"
	tracefsFallback = "/sys/kernel/debug/tracing"
	btfVmlinux      = "/sys/kernel/btf/vmlinux"
	kallsymsPath    = "/proc/kallsyms"
)

// Report describes what the current kernel supports. It is produced
// once by Probe and consumed read-only by every monitor's attach.
type Report struct {
	KernelRelease string
	Major, Minor  int
	TracefsRoot   string
	BTF           bool

	tracepoints map[string]bool
	ksyms       map[string]struct{}
}

// Prober walks the kernel interfaces that feed a Report. The zero
// value uses the real system paths.
type Prober struct {
	TracefsRoots []string
	BTFPath      string
	KallsymsPath string
	// UnameRelease overrides uname(2) for tests.
	UnameRelease string
}

// Probe inspects the running kernel with default paths.
func Probe() (*Report, error) {
	return (&Prober{}).Probe()
}

// Probe builds the capability report.
func (p *Prober) Probe() (*Report, error) {
	release := p.UnameRelease
	if release == "" {
		var uts unix.Utsname
		if err := unix.Uname(&uts); err != nil {
			return nil, fmt.Errorf("uname: %w", err)
		}
		release = charsToString(uts.Release[:])
	}

	r := &Report{
		KernelRelease: release,
		tracepoints:   make(map[string]bool),
	}
	r.Major, r.Minor = parseRelease(release)

	roots := p.TracefsRoots
	if len(roots) == 0 {
		roots = []string{tracefsPrimary, tracefsFallback}
	}
	for _, root := range roots {
		if fi, err := os.Stat(filepath.Join(root, "events")); err == nil && fi.IsDir() {
			r.TracefsRoot = root
			break
		}
	}

	btf := p.BTFPath
	if btf == "" {
		btf = btfVmlinux
	}
	if _, err := os.Stat(btf); err == nil {
		r.BTF = true
	}

	kallsyms := p.KallsymsPath
	if kallsyms == "" {
		kallsyms = kallsymsPath
	}
	syms, err := scanKallsyms(kallsyms)
	if err == nil {
		r.ksyms = syms
	} else {
		r.ksyms = make(map[string]struct{})
	}

	return r, nil
}

// AtLeast reports whether the kernel release is >= major.minor.
func (r *Report) AtLeast(major, minor int) bool {
	if r.Major != major {
		return r.Major > major
	}
	return r.Minor >= minor
}

// HasTracepoint reports whether tracefs exposes group:name. Results
// are cached for the life of the report.
func (r *Report) HasTracepoint(group, name string) bool {
	if r.TracefsRoot == "" {
		return false
	}
	key := group + ":" + name
	if ok, seen := r.tracepoints[key]; seen {
		return ok
	}
	_, err := os.Stat(filepath.Join(r.TracefsRoot, "events", group, name, "id"))
	r.tracepoints[key] = err == nil
	return r.tracepoints[key]
}

// HasKsym reports whether the kernel exports symbol sym.
func (r *Report) HasKsym(sym string) bool {
	_, ok := r.ksyms[sym]
	return ok
}

// FirstKsym returns the first symbol of candidates present in the
// kernel, or "" when none are.
func (r *Report) FirstKsym(candidates ...string) string {
	for _, sym := range candidates {
		if r.HasKsym(sym) {
			return sym
		}
	}
	return ""
}

func parseRelease(release string) (major, minor int) {
	// Releases look like "5.15.0-91-generic"; anything after the
	// second dot is vendor noise.
	fields := strings.SplitN(release, ".", 3)
	if len(fields) >= 1 {
		major, _ = strconv.Atoi(fields[0])
	}
	if len(fields) >= 2 {
		minor, _ = strconv.Atoi(strings.TrimFunc(fields[1], func(c rune) bool {
			return c < '0' || c > '9'
		}))
	}
	return major, minor
}

func scanKallsyms(path string) (map[string]struct{}, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	syms := make(map[string]struct{}, 1<<16)
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 256), 1024)
	for sc.Scan() {
		// Lines are "<addr> <type> <name> [module]".
		fields := strings.Fields(sc.Text())
		if len(fields) < 3 {
			continue
		}
		syms[fields[2]] = struct{}{}
	}
	return syms, sc.Err()
}

func charsToString(raw []byte) string {
	if i := strings.IndexByte(string(raw), 0); i >= 0 {
		return string(raw[:i])
	}
	return string(raw)
}
