package monitors

import (
	"bytes"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Tick is the timestamp pair recorded with every row of one drain
// cycle. Aggregated rows all carry the tick start, not per-event times.
type Tick struct {
	TS      string // seconds since epoch, 3 decimal places
	TimeStr string // [YYYY-MM-DD HH:MM:SS.mmm]
}

func stampAt(t time.Time) Tick {
	return Tick{
		TS:      strconv.FormatFloat(float64(t.UnixNano())/1e9, 'f', 3, 64),
		TimeStr: t.Format("[2006-01-02 15:04:05.000]"),
	}
}

// fmtUs renders a latency in microseconds with 3 decimal places.
func fmtUs(us float64) string {
	return strconv.FormatFloat(us, 'f', 3, 64)
}

// fmtMBps renders a throughput in MB/s with 2 decimal places.
func fmtMBps(mbps float64) string {
	return strconv.FormatFloat(mbps, 'f', 2, 64)
}

// fmtRate renders an error rate with 4 decimal places.
func fmtRate(rate float64) string {
	return strconv.FormatFloat(rate, 'f', 4, 64)
}

func fmtU64(v uint64) string {
	return strconv.FormatUint(v, 10)
}

// comm converts a fixed-size kernel comm buffer into a Go string.
func comm(raw []byte) string {
	if i := bytes.IndexByte(raw, 0); i >= 0 {
		raw = raw[:i]
	}
	return string(raw)
}

// columnar builds a console encoder that pads each cell to the given
// width. Cells beyond the width list are appended unpadded.
func columnar(widths ...int) func([]string) string {
	return func(cells []string) string {
		var b strings.Builder
		for i, cell := range cells {
			if i < len(widths) {
				fmt.Fprintf(&b, "%-*s ", widths[i], cell)
			} else {
				b.WriteString(cell)
				b.WriteByte(' ')
			}
		}
		return strings.TrimRight(b.String(), " ")
	}
}
