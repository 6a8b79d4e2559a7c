package monitors

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/whosneo/ebpf-monitor/internal/bpfobj"
	"github.com/whosneo/ebpf-monitor/internal/capability"
	"github.com/whosneo/ebpf-monitor/internal/monitor"
)

// syscallKey mirrors struct syscall_key in bpf/syscall.bpf.c.
type syscallKey struct {
	Comm [16]byte
	Nr   uint32
}

// syscallValue mirrors struct syscall_value. Kernel threads (pid 0)
// are dropped kernel-side; errors are exits with ret < 0.
type syscallValue struct {
	Count      uint64
	ErrorCount uint64
}

var syscallHeader = []string{
	"timestamp", "time_str", "monitor_type", "comm", "syscall_nr",
	"syscall_name", "category", "count", "error_count", "error_rate",
}

// NewSyscall builds the per-syscall counting monitor over
// raw_syscalls:sys_exit.
func NewSyscall(deps monitor.Deps) (monitor.Monitor, error) {
	include := map[string]bool{}
	for _, c := range deps.Monitor.Categories {
		include[c] = true
	}

	return newAgg(deps, aggSpec{
		name:     "syscall",
		statsMap: "syscall_stats",
		header:   syscallHeader,
		console:  columnar(14, 25, 12, 16, 10, 16, 8, 8, 11, 10),
		points: func(caps *capability.Report) ([]bpfobj.AttachPoint, error) {
			if !caps.HasTracepoint("raw_syscalls", "sys_exit") {
				return nil, &bpfobj.AttachError{
					Monitor: "syscall",
					Point:   "raw_syscalls:sys_exit",
					Err:     fmt.Errorf("tracepoint not present"),
				}
			}
			return []bpfobj.AttachPoint{
				{Kind: bpfobj.Tracepoint, Group: "raw_syscalls", Name: "sys_exit", Program: "trace_sys_exit"},
			}, nil
		},
		decode: func(e bpfobj.Entry, tick Tick) ([]string, bool) {
			var key syscallKey
			var val syscallValue
			if err := binary.Read(bytes.NewReader(e.Key), binary.LittleEndian, &key); err != nil {
				return nil, false
			}
			if err := binary.Read(bytes.NewReader(e.Value), binary.LittleEndian, &val); err != nil {
				return nil, false
			}
			if val.Count == 0 {
				return nil, false
			}
			category := syscallCategory(key.Nr)
			if len(include) > 0 && !include[category] {
				return nil, false
			}
			if deps.Monitor.MinCount > 0 && val.Count < deps.Monitor.MinCount {
				return nil, false
			}
			rate := float64(val.ErrorCount) / float64(val.Count)
			return []string{
				tick.TS, tick.TimeStr, "syscall",
				comm(key.Comm[:]),
				fmtU64(uint64(key.Nr)),
				syscallName(key.Nr),
				category,
				fmtU64(val.Count),
				fmtU64(val.ErrorCount),
				fmtRate(rate),
			}, true
		},
	}), nil
}
