package monitors

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"github.com/whosneo/ebpf-monitor/internal/bpfobj"
	"github.com/whosneo/ebpf-monitor/internal/capability"
	"github.com/whosneo/ebpf-monitor/internal/monitor"
)

// Fault type bits decoded from the tracepoint's error_code. Only these
// four are derivable from it; SHARED/SWAP detection is not attempted.
const (
	faultMinor = 1 << iota
	faultMajor
	faultWrite
	faultUser
)

var faultFlagNames = []struct {
	bit  uint32
	name string
}{
	{faultMinor, "MINOR"}, {faultMajor, "MAJOR"},
	{faultWrite, "WRITE"}, {faultUser, "USER"},
}

func faultTypeString(t uint32) string {
	var parts []string
	for _, f := range faultFlagNames {
		if t&f.bit != 0 {
			parts = append(parts, f.name)
		}
	}
	if len(parts) == 0 {
		return "UNKNOWN"
	}
	return strings.Join(parts, "|")
}

// faultKey mirrors struct fault_key in bpf/page_fault.bpf.c.
type faultKey struct {
	Comm      [16]byte
	FaultType uint32
	CPU       uint32
}

type faultValue struct {
	Count uint64
}

var faultHeader = []string{
	"timestamp", "time_str", "comm", "fault_type", "fault_type_str",
	"cpu", "numa_node", "count",
}

// numaMap resolves cpu -> NUMA node from sysfs, once. Unknown CPUs
// report -1.
type numaMap struct {
	once  sync.Once
	nodes map[int]int
	root  string
}

func (n *numaMap) node(cpu int) int {
	n.once.Do(func() {
		n.nodes = make(map[int]int)
		root := n.root
		if root == "" {
			root = "/sys/devices/system/node"
		}
		entries, err := os.ReadDir(root)
		if err != nil {
			return
		}
		for _, e := range entries {
			if !strings.HasPrefix(e.Name(), "node") {
				continue
			}
			node, err := strconv.Atoi(strings.TrimPrefix(e.Name(), "node"))
			if err != nil {
				continue
			}
			data, err := os.ReadFile(filepath.Join(root, e.Name(), "cpulist"))
			if err != nil {
				continue
			}
			for _, cpu := range parseCPUList(strings.TrimSpace(string(data))) {
				n.nodes[cpu] = node
			}
		}
	})
	if node, ok := n.nodes[cpu]; ok {
		return node
	}
	return -1
}

// parseCPUList expands "0-3,8,10-11" into its members.
func parseCPUList(s string) []int {
	var cpus []int
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		if lo, hi, ok := strings.Cut(part, "-"); ok {
			start, err1 := strconv.Atoi(lo)
			end, err2 := strconv.Atoi(hi)
			if err1 != nil || err2 != nil || end < start {
				continue
			}
			for c := start; c <= end; c++ {
				cpus = append(cpus, c)
			}
		} else if c, err := strconv.Atoi(part); err == nil {
			cpus = append(cpus, c)
		}
	}
	return cpus
}

// NewPageFault builds the page-fault monitor over the
// exceptions:page_fault_user/kernel tracepoints.
func NewPageFault(deps monitor.Deps) (monitor.Monitor, error) {
	numa := &numaMap{}

	return newAgg(deps, aggSpec{
		name:     "page_fault",
		statsMap: "fault_stats",
		header:   faultHeader,
		console:  columnar(14, 25, 16, 11, 22, 4, 10, 8),
		points: func(caps *capability.Report) ([]bpfobj.AttachPoint, error) {
			if !caps.HasTracepoint("exceptions", "page_fault_user") {
				return nil, &bpfobj.AttachError{
					Monitor: "page_fault",
					Point:   "exceptions:page_fault_user",
					Err:     fmt.Errorf("tracepoint not present"),
				}
			}
			return []bpfobj.AttachPoint{
				{Kind: bpfobj.Tracepoint, Group: "exceptions", Name: "page_fault_user", Program: "trace_page_fault_user"},
				{Kind: bpfobj.Tracepoint, Group: "exceptions", Name: "page_fault_kernel", Program: "trace_page_fault_kernel", Optional: true},
			}, nil
		},
		decode: func(e bpfobj.Entry, tick Tick) ([]string, bool) {
			var key faultKey
			var val faultValue
			if err := binary.Read(bytes.NewReader(e.Key), binary.LittleEndian, &key); err != nil {
				return nil, false
			}
			if err := binary.Read(bytes.NewReader(e.Value), binary.LittleEndian, &val); err != nil {
				return nil, false
			}
			if deps.Monitor.MinCount > 0 && val.Count < deps.Monitor.MinCount {
				return nil, false
			}
			return []string{
				tick.TS, tick.TimeStr,
				comm(key.Comm[:]),
				fmtU64(uint64(key.FaultType)),
				faultTypeString(key.FaultType),
				fmtU64(uint64(key.CPU)),
				strconv.Itoa(numa.node(int(key.CPU))),
				fmtU64(val.Count),
			}, true
		},
	}), nil
}
