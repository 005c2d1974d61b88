package proxy

import (
	"context"
	"io"
	"time"
)

// idleTimeoutReader fails a Read that sees no data for the configured
// duration with context.DeadlineExceeded.
type idleTimeoutReader struct {
	rc      io.ReadCloser
	timeout time.Duration
}

func newIdleTimeoutReader(rc io.ReadCloser, timeout time.Duration) *idleTimeoutReader {
	return &idleTimeoutReader{rc: rc, timeout: timeout}
}

func (r *idleTimeoutReader) Read(p []byte) (int, error) {
	type result struct {
		n   int
		err error
	}
	ch := make(chan result, 1)
	go func() {
		n, err := r.rc.Read(p)
		ch <- result{n, err}
	}()

	t := time.NewTimer(r.timeout)
	defer t.Stop()
	select {
	case res := <-ch:
		return res.n, res.err
	case <-t.C:
		r.rc.Close()
		return 0, context.DeadlineExceeded
	}
}

func (r *idleTimeoutReader) Close() error {
	return r.rc.Close()
}
