// Package logging wires logrus to the rotating file sink shared by all
// components. The file always receives JSON lines; foreground runs also
// mirror human-readable lines to stderr.
package logging

import (
	"io"
	"os"
	"path/filepath"

	"github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Options selects the sinks and level for a run.
type Options struct {
	Dir        string
	Level      string
	MaxAgeDays int
	Verbose    bool
	// Foreground mirrors log lines to stderr. Daemon runs leave it off
	// so only the rotating file is written.
	Foreground bool
}

// Setup builds the process logger. The returned closer flushes and
// closes the rotating file.
func Setup(opts Options) (*logrus.Logger, io.Closer, error) {
	if err := os.MkdirAll(opts.Dir, 0o755); err != nil {
		return nil, nil, err
	}

	rotator := &lumberjack.Logger{
		Filename:   filepath.Join(opts.Dir, "monitor.log"),
		MaxSize:    100, // MB per file before a dated rotation
		MaxAge:     opts.MaxAgeDays,
		MaxBackups: 0, // retention is age-bound, not count-bound
		Compress:   false,
	}

	log := logrus.New()
	log.SetFormatter(&logrus.JSONFormatter{})
	log.SetOutput(rotator)

	level := logrus.InfoLevel
	if parsed, err := logrus.ParseLevel(opts.Level); err == nil {
		level = parsed
	}
	if opts.Verbose {
		level = logrus.DebugLevel
	}
	log.SetLevel(level)

	if opts.Foreground {
		log.AddHook(&stderrHook{
			writer:    os.Stderr,
			formatter: &logrus.TextFormatter{FullTimestamp: true},
		})
	}

	return log, rotator, nil
}

// stderrHook mirrors every entry to stderr with the text formatter.
type stderrHook struct {
	writer    io.Writer
	formatter logrus.Formatter
}

func (h *stderrHook) Levels() []logrus.Level { return logrus.AllLevels }

func (h *stderrHook) Fire(entry *logrus.Entry) error {
	line, err := h.formatter.Format(entry)
	if err != nil {
		return err
	}
	_, err = h.writer.Write(line)
	return err
}
