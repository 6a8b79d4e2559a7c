// Package output owns every CSV writer, routes rows from monitors
// through bounded per-sink channels, and echoes rows to the terminal
// when exactly one monitor is active.
package output

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/sirupsen/logrus"

	"github.com/whosneo/ebpf-monitor/internal/telemetry"
)

var echoHeaderStyle = lipgloss.NewStyle().Bold(true).Underline(true)

// Options tune the controller; zero fields take the listed defaults.
type Options struct {
	Dir             string // output root; files land in Dir/Host
	Host            string
	BatchSize       int           // default 100
	LargeBatch      int           // default 20, immediate flush threshold
	FlushInterval   time.Duration // default 1s
	ChannelCapacity int           // default 2000
}

func (o *Options) fill() {
	if o.BatchSize <= 0 {
		o.BatchSize = 100
	}
	if o.LargeBatch <= 0 {
		o.LargeBatch = 20
	}
	if o.FlushInterval <= 0 {
		o.FlushInterval = time.Second
	}
	if o.ChannelCapacity <= 0 {
		o.ChannelCapacity = 2000
	}
	if o.Host == "" {
		o.Host, _ = os.Hostname()
	}
}

// Controller owns all sink handles for a run.
type Controller struct {
	opts   Options
	log    *logrus.Entry
	stdout io.Writer
	echo   bool
	sinks  []*SinkHandle
}

// NewController builds a controller writing CSV files under
// opts.Dir/opts.Host.
func NewController(opts Options, log *logrus.Entry) *Controller {
	opts.fill()
	return &Controller{opts: opts, log: log, stdout: os.Stdout}
}

// SetActive records how many monitors will run. Console echo is
// enabled iff exactly one is active; with more, only CSV is written.
func (c *Controller) SetActive(n int) {
	c.echo = n == 1
}

// Echo reports whether console mirroring is on for this run.
func (c *Controller) Echo() bool { return c.echo }

// Open creates the monitor's CSV file, writes the header, and starts
// the writer goroutine. consoleFn renders a row for terminal echo.
func (c *Controller) Open(name string, header []string, consoleFn func([]string) string) (*SinkHandle, error) {
	stamp := time.Now().Format("20060102_150405")
	path := filepath.Join(c.opts.Dir, c.opts.Host, fmt.Sprintf("%s_%s.csv", name, stamp))

	file, err := openCSV(path, header)
	if err != nil {
		return nil, fmt.Errorf("open sink %s: %w", name, err)
	}

	s := &SinkHandle{
		name:     name,
		ch:       make(chan []string, c.opts.ChannelCapacity),
		blockFor: c.opts.FlushInterval / 2,
		done:     make(chan struct{}),
	}
	c.sinks = append(c.sinks, s)

	if c.echo {
		fmt.Fprintln(c.stdout, echoHeaderStyle.Render(consoleFn(header)))
	}

	go c.writeLoop(s, file, consoleFn)
	c.log.WithFields(logrus.Fields{"monitor": name, "path": path}).Info("csv sink opened")
	return s, nil
}

// writeLoop drains one sink channel into its CSV file. Rows are
// batched; a batch is flushed when it reaches the large-batch
// threshold, when the flush interval elapses, or on close. Rows reach
// the file in submit order.
func (c *Controller) writeLoop(s *SinkHandle, file *csvFile, consoleFn func([]string) string) {
	defer close(s.done)
	defer func() {
		if err := file.close(); err != nil {
			s.setErr(err)
			c.log.WithError(err).WithField("monitor", s.name).Error("closing csv sink")
		}
	}()

	var batch [][]string
	flush := func() {
		if len(batch) == 0 {
			return
		}
		if err := file.writeBatch(batch); err != nil {
			s.setErr(err)
			c.log.WithError(err).WithField("monitor", s.name).Error("csv write failed")
			batch = batch[:0]
			return
		}
		s.written.Add(uint64(len(batch)))
		telemetry.RowsWrittenTotal.WithLabelValues(s.name).Add(float64(len(batch)))
		batch = batch[:0]
	}

	timer := time.NewTimer(c.opts.FlushInterval)
	defer timer.Stop()

	for {
		select {
		case cells, ok := <-s.ch:
			if !ok {
				flush()
				return
			}
			batch = append(batch, cells)
			if c.echo {
				fmt.Fprintln(c.stdout, consoleFn(cells))
			}
			if len(batch) >= c.opts.LargeBatch || len(batch) >= c.opts.BatchSize {
				flush()
			}
		case <-timer.C:
			flush()
			timer.Reset(c.opts.FlushInterval)
		}
	}
}

// CloseAll closes every sink, waiting up to grace for each writer to
// drain its tail.
func (c *Controller) CloseAll(grace time.Duration) {
	for _, s := range c.sinks {
		if err := s.CloseWithin(grace); err != nil {
			c.log.WithError(err).Warn("sink close timed out")
		}
	}
}
