package output

import (
	"bufio"
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// csvFile is the append-only writer behind one sink. It is touched by
// exactly one goroutine; the handle is never shared.
type csvFile struct {
	path string
	f    *os.File
	bw   *bufio.Writer
	cw   *csv.Writer
}

// openCSV creates the file and writes the header iff the file did not
// already exist. Headers are never rewritten.
func openCSV(path string, header []string) (*csvFile, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	_, statErr := os.Stat(path)
	fresh := os.IsNotExist(statErr)

	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, err
	}
	c := &csvFile{
		path: path,
		f:    f,
		bw:   bufio.NewWriter(f),
	}
	c.cw = csv.NewWriter(c.bw)
	if fresh {
		if err := c.writeBatch([][]string{header}); err != nil {
			f.Close()
			return nil, err
		}
	}
	return c, nil
}

// writeBatch appends rows and flushes through to the file, retrying
// transient I/O failures up to three attempts with short backoff.
func (c *csvFile) writeBatch(rows [][]string) error {
	op := func() error {
		for _, row := range rows {
			if err := c.cw.Write(row); err != nil {
				return err
			}
		}
		c.cw.Flush()
		if err := c.cw.Error(); err != nil {
			return err
		}
		return c.bw.Flush()
	}
	policy := backoff.WithMaxRetries(backoff.NewExponentialBackOff(
		backoff.WithInitialInterval(10*time.Millisecond),
	), 2)
	if err := backoff.Retry(op, policy); err != nil {
		return fmt.Errorf("write %s: %w", c.path, err)
	}
	return nil
}

func (c *csvFile) close() error {
	c.cw.Flush()
	if err := c.bw.Flush(); err != nil {
		c.f.Close()
		return err
	}
	return c.f.Close()
}
