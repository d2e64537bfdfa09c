package exec

import (
	"bytes"
	"strings"
	"sync"

	"supd/pkg/logx"
)

// lineLogger forwards child output to the logger one line at a time.
type lineLogger struct {
	log    logx.Logger
	stream string
	tail   *tailBuffer

	mu  sync.Mutex
	buf []byte
}

func newLineLogger(log logx.Logger, stream string, tail *tailBuffer) *lineLogger {
	return &lineLogger{log: log, stream: stream, tail: tail}
}

func (l *lineLogger) Write(p []byte) (int, error) {
	if l.tail != nil {
		l.tail.Write(p)
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.buf = append(l.buf, p...)
	for {
		i := bytes.IndexByte(l.buf, '\n')
		if i < 0 {
			break
		}
		line := strings.TrimRight(string(l.buf[:i]), "\r")
		l.buf = l.buf[i+1:]
		if line != "" {
			l.log.Info(line, logx.String("stream", l.stream))
		}
	}
	// Cap a runaway line without newline.
	if len(l.buf) > 64*1024 {
		l.log.Info(string(l.buf), logx.String("stream", l.stream), logx.Bool("truncated", true))
		l.buf = l.buf[:0]
	}
	return len(p), nil
}

// tailBuffer keeps the last max bytes written.
type tailBuffer struct {
	mu  sync.Mutex
	max int
	b   []byte
}

func newTailBuffer(max int) *tailBuffer { return &tailBuffer{max: max} }

func (t *tailBuffer) Write(p []byte) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.b = append(t.b, p...)
	if over := len(t.b) - t.max; over > 0 {
		t.b = t.b[over:]
	}
}

func (t *tailBuffer) String() string {
	if t == nil {
		return ""
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return strings.TrimSpace(string(t.b))
}
