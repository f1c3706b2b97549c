package process

import (
	"bufio"
	"errors"
	"io"
	"log/slog"
	"os"
	"sync"

	"golang.org/x/sync/errgroup"
)

const maxLineBytes = 1 << 20

// tailBuffer keeps the last maxBytes written to it.
// It always reports success to callers so pipes keep draining.
type tailBuffer struct {
	mu        sync.Mutex
	maxBytes  int
	buf       []byte
	truncated bool
}

func newTailBuffer(maxBytes int) *tailBuffer {
	if maxBytes < 0 {
		maxBytes = 0
	}
	return &tailBuffer{maxBytes: maxBytes}
}

func (tb *tailBuffer) Write(p []byte) (int, error) {
	tb.mu.Lock()
	defer tb.mu.Unlock()

	if tb.maxBytes == 0 {
		tb.truncated = true
		return len(p), nil
	}
	if len(p) >= tb.maxBytes {
		tb.buf = append(tb.buf[:0], p[len(p)-tb.maxBytes:]...)
		tb.truncated = true
		return len(p), nil
	}
	tb.buf = append(tb.buf, p...)
	if over := len(tb.buf) - tb.maxBytes; over > 0 {
		tb.buf = append(tb.buf[:0], tb.buf[over:]...)
		tb.truncated = true
	}
	return len(p), nil
}

func (tb *tailBuffer) String() string {
	tb.mu.Lock()
	defer tb.mu.Unlock()
	if tb.truncated {
		return "...\n" + string(tb.buf)
	}
	return string(tb.buf)
}

// drainOutput reads stdout and stderr line by line into the logger and the
// tail buffer. Wait on the returned group before cmd.Wait: exec closes the
// pipes once the process is reaped.
func drainOutput(stdout, stderr io.Reader, tail *tailBuffer, logger *slog.Logger) *errgroup.Group {
	var g errgroup.Group
	for name, r := range map[string]io.Reader{"stdout": stdout, "stderr": stderr} {
		g.Go(func() error {
			sc := bufio.NewScanner(r)
			sc.Buffer(make([]byte, 0, 64*1024), maxLineBytes)
			for sc.Scan() {
				line := sc.Text()
				logger.Debug("app output", "stream", name, "line", line)
				_, _ = tail.Write([]byte(line + "\n"))
			}
			if err := sc.Err(); err != nil && !errors.Is(err, os.ErrClosed) {
				return err
			}
			return nil
		})
	}
	return &g
}
