package toolexec

import (
	"bytes"
	"context"
	"fmt"
	"strings"
	"testing"

	"github.com/function61/gokit/assert"
)

func TestLineTeeAndTail(t *testing.T) {
	sink := &bytes.Buffer{}

	tail := newLineTail(4)

	upstream := newLineTee(sink, tail.Write)

	_, _ = upstream.Write([]byte("line 1\nline 2\nline 3 left open"))

	assert.EqualString(t, fmt.Sprintf("%v", tail.Snapshot()), "[line 1 line 2]")

	_, _ = upstream.Write([]byte("\n"))

	assert.EqualString(t, fmt.Sprintf("%v", tail.Snapshot()), "[line 1 line 2 line 3 left open]")

	_, _ = upstream.Write([]byte("line 4\nline 5\nline 6"))
	upstream.Flush()

	assert.EqualString(t, fmt.Sprintf("%v", tail.Snapshot()), "[line 3 left open line 4 line 5 line 6]")

	assert.EqualString(t, sink.String(), "line 1\nline 2\nline 3 left open\nline 4\nline 5\nline 6")
}

func TestRunCapturesStdout(t *testing.T) {
	out, err := New(nil, true).Run(context.Background(), "sh", "-c", "echo hello; echo to-stderr >&2")
	assert.Assert(t, err == nil)
	assert.EqualString(t, out, "hello\n")
}

func TestRunErrorIncludesOutputTail(t *testing.T) {
	_, err := New(nil, false).Run(context.Background(), "sh", "-c", "echo first; echo ERROR: no space left >&2; exit 3")
	assert.Assert(t, err != nil)
	assert.Assert(t, strings.HasPrefix(err.Error(), "sh failed: exit status 3, output: "))
	assert.Assert(t, strings.Contains(err.Error(), "ERROR: no space left"))
}
