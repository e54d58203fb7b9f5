package archive

import (
	"context"
	"io"

	"golang.org/x/time/rate"
)

// countingWriter counts the compressed bytes that reach the staging file.
type countingWriter struct {
	w       io.Writer
	n       int64
	metrics Metrics
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.n += int64(n)
	c.metrics.AddBytesWritten(int64(n))
	return n, err
}

// readSideReader remembers read errors so they can be told apart from write errors
// after an io.Copy.
type readSideReader struct {
	r       io.Reader
	err     error
	metrics Metrics
}

func (r *readSideReader) Read(p []byte) (int, error) {
	n, err := r.r.Read(p)
	r.metrics.AddBytesRead(int64(n))
	if err != nil && err != io.EOF {
		r.err = err
	}
	return n, err
}

// throttledReader limits the read rate from the source tree.
type throttledReader struct {
	ctx     context.Context
	r       io.Reader
	limiter *rate.Limiter
}

func (t *throttledReader) Read(p []byte) (int, error) {
	if burst := t.limiter.Burst(); len(p) > burst {
		p = p[:burst]
	}
	n, err := t.r.Read(p)
	if n > 0 {
		if waitErr := t.limiter.WaitN(t.ctx, n); waitErr != nil {
			return n, waitErr
		}
	}
	return n, err
}

type zeroReader struct{}

func (zeroReader) Read(p []byte) (int, error) {
	clear(p)
	return len(p), nil
}
