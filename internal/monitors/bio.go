package monitors

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"strings"

	"github.com/whosneo/ebpf-monitor/internal/bpfobj"
	"github.com/whosneo/ebpf-monitor/internal/capability"
	"github.com/whosneo/ebpf-monitor/internal/monitor"
)

// Bio type bits, OR'ed from the request's rwbs characters.
const (
	bioRead    = 1 << iota // R
	bioWrite               // W
	bioSync                // S
	bioFlush               // F
	bioDiscard             // D
	bioMeta                // M
	bioReadA               // A (readahead)
	bioNone                // N
)

var bioFlagNames = []struct {
	bit  uint32
	name string
}{
	{bioRead, "R"}, {bioWrite, "W"}, {bioSync, "S"}, {bioFlush, "F"},
	{bioDiscard, "D"}, {bioMeta, "M"}, {bioReadA, "A"}, {bioNone, "N"},
}

func bioTypeString(t uint32) string {
	var parts []string
	for _, f := range bioFlagNames {
		if t&f.bit != 0 {
			parts = append(parts, f.name)
		}
	}
	if len(parts) == 0 {
		return "N"
	}
	return strings.Join(parts, "")
}

// bioKey mirrors struct bio_key in bpf/bio.bpf.c.
type bioKey struct {
	Comm    [16]byte
	BioType uint32
}

// bioValue mirrors struct bio_value. Latencies come from pairing
// block_rq_issue with block_rq_complete through the tracking map;
// requests slower than 10s are dropped kernel-side as anomalies.
type bioValue struct {
	Count      uint64
	TotalBytes uint64
	TotalNs    uint64
	MinNs      uint64
	MaxNs      uint64
}

var bioHeader = []string{
	"timestamp", "time_str", "comm", "io_type", "io_type_str", "count",
	"total_bytes", "size_mb", "avg_latency_us", "min_latency_us",
	"max_latency_us", "throughput_mbps",
}

// NewBio builds the block I/O latency monitor pairing
// block:block_rq_issue with block:block_rq_complete.
func NewBio(deps monitor.Deps) (monitor.Monitor, error) {
	minLatencyUs := float64(deps.Monitor.MinLatencyUs)

	return newAgg(deps, aggSpec{
		name:     "bio",
		statsMap: "bio_stats",
		header:   bioHeader,
		console:  columnar(14, 25, 16, 8, 11, 7, 12, 9, 14, 14, 14, 15),
		points: func(caps *capability.Report) ([]bpfobj.AttachPoint, error) {
			for _, tp := range []string{"block_rq_issue", "block_rq_complete"} {
				if !caps.HasTracepoint("block", tp) {
					return nil, &bpfobj.AttachError{
						Monitor: "bio",
						Point:   "block:" + tp,
						Err:     fmt.Errorf("tracepoint not present"),
					}
				}
			}
			return []bpfobj.AttachPoint{
				{Kind: bpfobj.Tracepoint, Group: "block", Name: "block_rq_issue", Program: "trace_rq_issue"},
				{Kind: bpfobj.Tracepoint, Group: "block", Name: "block_rq_complete", Program: "trace_rq_complete"},
			}, nil
		},
		decode: func(e bpfobj.Entry, tick Tick) ([]string, bool) {
			var key bioKey
			var val bioValue
			if err := binary.Read(bytes.NewReader(e.Key), binary.LittleEndian, &key); err != nil {
				return nil, false
			}
			if err := binary.Read(bytes.NewReader(e.Value), binary.LittleEndian, &val); err != nil {
				return nil, false
			}
			if val.Count == 0 {
				return nil, false
			}
			avgUs := float64(val.TotalNs) / float64(val.Count) / 1e3
			if minLatencyUs > 0 && avgUs < minLatencyUs {
				return nil, false
			}
			sizeMB := float64(val.TotalBytes) / (1 << 20)
			// bytes/ns * 1e3 == MB/s
			var throughput float64
			if val.TotalNs > 0 {
				throughput = float64(val.TotalBytes) / float64(val.TotalNs) * 1e3
			}
			return []string{
				tick.TS, tick.TimeStr,
				comm(key.Comm[:]),
				fmtU64(uint64(key.BioType)),
				bioTypeString(key.BioType),
				fmtU64(val.Count),
				fmtU64(val.TotalBytes),
				fmtMBps(sizeMB),
				fmtUs(avgUs),
				fmtUs(float64(val.MinNs) / 1e3),
				fmtUs(float64(val.MaxNs) / 1e3),
				fmtMBps(throughput),
			}, true
		},
	}), nil
}
