package treecopy

import (
	"io"
)

type writeCounter struct {
	count int64
}

func (c *writeCounter) BytesWritten() int64 {
	return c.count
}

func (c *writeCounter) Write(data []byte) (int, error) {
	l := len(data)
	c.count += int64(l)
	return l, nil
}

func (c *writeCounter) Tee(source io.Reader) io.Reader {
	return io.TeeReader(source, c)
}
