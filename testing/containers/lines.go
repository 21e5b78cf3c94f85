package containers

import (
	"bytes"
	"sync"
)

// LineWriter forwards complete lines written to it to a Logger, prefixed
// with the worker alias. Use it as the stdout or stderr of Exec.
type LineWriter struct {
	log    Logger
	prefix string

	mu  sync.Mutex
	buf bytes.Buffer
}

func NewLineWriter(logger Logger, prefix string) *LineWriter {
	return &LineWriter{log: logger, prefix: prefix}
}

func (lw *LineWriter) Write(p []byte) (int, error) {
	lw.mu.Lock()
	defer lw.mu.Unlock()
	total := len(p)
	for len(p) > 0 {
		i := bytes.IndexByte(p, '\n')
		if i == -1 {
			lw.buf.Write(p)
			break
		}
		lw.buf.Write(p[:i])
		lw.emit()
		p = p[i+1:]
	}
	return total, nil
}

// Flush forwards a trailing partial line.
func (lw *LineWriter) Flush() {
	lw.mu.Lock()
	defer lw.mu.Unlock()
	if lw.buf.Len() > 0 {
		lw.emit()
	}
}

func (lw *LineWriter) emit() {
	lw.log.Printf("[%s] %s", lw.prefix, lw.buf.String())
	lw.buf.Reset()
}
