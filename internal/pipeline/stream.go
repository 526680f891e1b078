package pipeline

import (
	"bytes"
	"io"
	"sync"
)

// sink serializes whole lines from many node streams onto one writer.
type sink struct {
	mu sync.Mutex
	w  io.Writer
}

func (s *sink) writeLine(prefix, line []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, _ = s.w.Write(prefix)
	_, _ = s.w.Write(line)
	if len(line) == 0 || line[len(line)-1] != '\n' {
		_, _ = s.w.Write([]byte{'\n'})
	}
}

// maxLine bounds a buffered partial line; longer runs without a newline
// are emitted in pieces.
const maxLine = 64 << 10

// lineWriter forwards complete lines to the sink with a prefix as soon as
// they arrive, and captures everything it sees up to a limit.
type lineWriter struct {
	sink    *sink
	prefix  []byte
	pending []byte

	capture  bytes.Buffer
	limit    int
	total    int
	overflow bool
}

func newLineWriter(s *sink, prefix string, limit int) *lineWriter {
	return &lineWriter{sink: s, prefix: []byte(prefix), limit: limit}
}

func (w *lineWriter) Write(p []byte) (int, error) {
	w.total += len(p)
	if room := w.limit - w.capture.Len(); room > 0 {
		if len(p) <= room {
			w.capture.Write(p)
		} else {
			w.capture.Write(p[:room])
			w.overflow = true
		}
	} else if len(p) > 0 {
		w.overflow = true
	}

	if w.sink == nil {
		return len(p), nil
	}
	w.pending = append(w.pending, p...)
	for {
		i := bytes.IndexByte(w.pending, '\n')
		if i < 0 {
			break
		}
		w.sink.writeLine(w.prefix, w.pending[:i+1])
		w.pending = w.pending[i+1:]
	}
	for len(w.pending) >= maxLine {
		w.sink.writeLine(w.prefix, w.pending[:maxLine])
		w.pending = w.pending[maxLine:]
	}
	if len(w.pending) == 0 {
		w.pending = nil
	}
	return len(p), nil
}

// Flush emits a trailing partial line.
func (w *lineWriter) Flush() {
	if w.sink != nil && len(w.pending) > 0 {
		w.sink.writeLine(w.prefix, w.pending)
		w.pending = nil
	}
}

// Captured returns the captured bytes, marked when truncated.
func (w *lineWriter) Captured() []byte {
	out := bytes.Clone(w.capture.Bytes())
	if w.overflow {
		out = append(out, "\n[output truncated]\n"...)
	}
	return out
}
