package toolexec

import (
	"container/ring"
	"io"
	"strings"
	"sync"
)

// io.Writer that hands every completed line to lineCompleted, after writing
// the raw bytes to sink
type lineTee struct {
	sink          io.Writer
	buf           []byte // bytes not yet terminated by \n
	lineCompleted func(string)
	mu            sync.Mutex
}

func newLineTee(sink io.Writer, lineCompleted func(string)) *lineTee {
	return &lineTee{
		sink:          sink,
		buf:           []byte{},
		lineCompleted: lineCompleted,
	}
}

func (l *lineTee) Write(data []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, err := l.sink.Write(data); err != nil {
		return 0, err
	}

	l.buf = append(l.buf, data...)

	for {
		idx := strings.IndexByte(string(l.buf), '\n')
		if idx == -1 {
			break
		}

		l.lineCompleted(string(l.buf[0:idx]))

		l.buf = l.buf[idx+1:]
	}

	return len(data), nil
}

// emits a trailing line that was never terminated
func (l *lineTee) Flush() {
	l.mu.Lock()
	defer l.mu.Unlock()

	if len(l.buf) > 0 {
		l.lineCompleted(string(l.buf))
		l.buf = l.buf[:0]
	}
}

// remembers the last N lines
type lineTail struct {
	lines *ring.Ring
	mu    sync.Mutex
}

func newLineTail(capacity int) *lineTail {
	return &lineTail{
		lines: ring.New(capacity),
	}
}

func (t *lineTail) Write(line string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.lines.Value = line
	t.lines = t.lines.Next()
}

// oldest first
func (t *lineTail) Snapshot() []string {
	t.mu.Lock()
	defer t.mu.Unlock()

	ret := []string{}

	t.lines.Do(func(val interface{}) {
		if line, ok := val.(string); ok && line != "" {
			ret = append(ret, line)
		}
	})

	return ret
}
