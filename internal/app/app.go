// Package app wires the collector's components together. The Context
// is the sole lifetime anchor: it owns the config, the log sink, the
// capability report, the output controller and the supervisor. There
// is no global mutable state outside it.
package app

import (
	"context"
	"io"
	"os"
	"path/filepath"

	"github.com/sirupsen/logrus"

	"github.com/whosneo/ebpf-monitor/internal/capability"
	"github.com/whosneo/ebpf-monitor/internal/config"
	"github.com/whosneo/ebpf-monitor/internal/logging"
	"github.com/whosneo/ebpf-monitor/internal/output"
	"github.com/whosneo/ebpf-monitor/internal/supervisor"
	"github.com/whosneo/ebpf-monitor/internal/telemetry"
)

// Version is stamped by the build.
var Version = "1.0.0"

// Context is the dependency container for one collector process.
type Context struct {
	Config     *config.Config
	Log        *logrus.Logger
	Caps       *capability.Report
	Output     *output.Controller
	Supervisor *supervisor.Supervisor

	logCloser    io.Closer
	traceCleanup func(context.Context) error
}

// Options are the CLI-level overrides applied on top of the config.
type Options struct {
	Foreground bool
	Verbose    bool
}

// New probes the kernel, opens the log sink, and builds the full
// component graph. Close releases everything in reverse order.
func New(cfg *config.Config, opts Options) (*Context, error) {
	log, closer, err := logging.Setup(logging.Options{
		Dir:        cfg.Log.Dir,
		Level:      cfg.Log.Level,
		MaxAgeDays: cfg.Log.MaxAgeDays,
		Verbose:    opts.Verbose,
		Foreground: opts.Foreground,
	})
	if err != nil {
		return nil, err
	}

	caps, err := capability.Probe()
	if err != nil {
		closer.Close()
		return nil, err
	}
	log.WithFields(logrus.Fields{
		"kernel":  caps.KernelRelease,
		"tracefs": caps.TracefsRoot,
		"btf":     caps.BTF,
	}).Info("capability probe complete")

	host, _ := os.Hostname()
	ctl := output.NewController(output.Options{
		Dir:             cfg.OutputDir,
		Host:            host,
		BatchSize:       cfg.Defaults.BatchSize,
		LargeBatch:      cfg.Defaults.LargeBatch,
		FlushInterval:   cfg.Defaults.FlushInterval.Std(),
		ChannelCapacity: cfg.Defaults.ChannelCapacity,
	}, log.WithField("component", "output"))

	var traceWriter io.Writer
	if cfg.Tracing.Enabled {
		f, err := os.OpenFile(filepath.Join(cfg.Log.Dir, "traces.json"),
			os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
		if err == nil {
			traceWriter = f
		}
	}
	traceCleanup, err := telemetry.SetupTracing(context.Background(), Version, cfg.Tracing.Enabled, traceWriter)
	if err != nil {
		closer.Close()
		return nil, err
	}

	return &Context{
		Config:       cfg,
		Log:          log,
		Caps:         caps,
		Output:       ctl,
		Supervisor:   supervisor.New(cfg, caps, ctl, log),
		logCloser:    closer,
		traceCleanup: traceCleanup,
	}, nil
}

// Run starts the optional metrics listener and blocks in the
// supervisor until ctx is cancelled or a signal arrives.
func (c *Context) Run(ctx context.Context) error {
	if c.Config.Metrics.Enabled {
		go func() {
			if err := telemetry.ServeMetrics(ctx, c.Config.Metrics.Listen); err != nil {
				c.Log.WithError(err).Warn("metrics listener failed")
			}
		}()
	}
	return c.Supervisor.Run(ctx)
}

// Close flushes tracing and the log sink.
func (c *Context) Close() {
	if c.traceCleanup != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), c.Config.Defaults.StopTimeout.Std())
		defer cancel()
		_ = c.traceCleanup(shutdownCtx)
	}
	if c.logCloser != nil {
		_ = c.logCloser.Close()
	}
}
