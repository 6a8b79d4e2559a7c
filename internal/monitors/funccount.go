package monitors

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/whosneo/ebpf-monitor/internal/bpfobj"
	"github.com/whosneo/ebpf-monitor/internal/capability"
	"github.com/whosneo/ebpf-monitor/internal/monitor"
)

// maxFuncProbes is the number of kprobe handlers compiled into
// func.bpf.o; probe_limit cannot exceed it.
const maxFuncProbes = 16

// funcKey mirrors struct func_key in bpf/func.bpf.c. FuncID is the
// index of the attached symbol, assigned at attach time.
type funcKey struct {
	Comm   [16]byte
	FuncID uint32
}

type funcValue struct {
	Count uint64
}

var funcHeader = []string{"timestamp", "time_str", "comm", "func_name", "count"}

// NewFunc builds the kernel-function call counter. One kprobe handler
// is bound per configured symbol, each tagged with a constant func_id.
func NewFunc(deps monitor.Deps) (monitor.Monitor, error) {
	if len(deps.Monitor.Patterns) == 0 {
		return nil, fmt.Errorf("func: no symbols configured")
	}
	limit := deps.Monitor.ProbeLimit
	if limit <= 0 || limit > maxFuncProbes {
		limit = maxFuncProbes
	}

	// names[i] is the symbol bound to func_id i; filled at attach.
	names := make([]string, 0, limit)

	return newAgg(deps, aggSpec{
		name:     "func",
		statsMap: "func_stats",
		header:   funcHeader,
		console:  columnar(14, 25, 16, 24, 8),
		points: func(caps *capability.Report) ([]bpfobj.AttachPoint, error) {
			names = names[:0]
			var points []bpfobj.AttachPoint
			for _, sym := range deps.Monitor.Patterns {
				if len(names) >= limit {
					deps.Log.WithField("symbol", sym).Warn("probe limit reached, symbol skipped")
					continue
				}
				if !caps.HasKsym(sym) {
					deps.Log.WithField("symbol", sym).Warn("symbol not in kallsyms, skipped")
					continue
				}
				points = append(points, bpfobj.AttachPoint{
					Kind:     bpfobj.Kprobe,
					Symbols:  []string{sym},
					Program:  fmt.Sprintf("trace_func_%d", len(names)),
					Optional: true,
				})
				names = append(names, sym)
			}
			if len(points) == 0 {
				return nil, &bpfobj.AttachError{
					Monitor: "func",
					Point:   "kprobes",
					Err:     fmt.Errorf("none of the configured symbols exist"),
				}
			}
			return points, nil
		},
		decode: func(e bpfobj.Entry, tick Tick) ([]string, bool) {
			var key funcKey
			var val funcValue
			if err := binary.Read(bytes.NewReader(e.Key), binary.LittleEndian, &key); err != nil {
				return nil, false
			}
			if err := binary.Read(bytes.NewReader(e.Value), binary.LittleEndian, &val); err != nil {
				return nil, false
			}
			if int(key.FuncID) >= len(names) {
				return nil, false
			}
			if deps.Monitor.MinCount > 0 && val.Count < deps.Monitor.MinCount {
				return nil, false
			}
			return []string{
				tick.TS, tick.TimeStr,
				comm(key.Comm[:]),
				names[key.FuncID],
				fmtU64(val.Count),
			}, true
		},
	}), nil
}
