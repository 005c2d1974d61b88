package pipeline

import (
	"bytes"
	"context"
	"net/http"
	"sync"
)

// Response wraps the transport's ResponseWriter for one transaction. Writes
// are serialized so an out-of-band static response can race the handler
// goroutine safely.
type Response struct {
	w      http.ResponseWriter
	closed <-chan struct{}

	mu          sync.Mutex
	status      int
	wroteHeader bool
	written     int64
	capture     bool
	body        bytes.Buffer

	finishOnce sync.Once
	onFinish   []func()
	finished   chan struct{}
}

// NewResponse wraps w. ctx is the request context: its cancellation means the
// client side of the transaction is gone.
func NewResponse(ctx context.Context, w http.ResponseWriter) *Response {
	return &Response{
		w:        w,
		closed:   ctx.Done(),
		status:   http.StatusOK,
		finished: make(chan struct{}),
	}
}

// Header returns the response headers. Must not be mutated after WriteHeader.
func (r *Response) Header() http.Header {
	return r.w.Header()
}

// WriteHeader sends the status line. Later calls are ignored.
func (r *Response) WriteHeader(code int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.writeHeaderLocked(code)
}

func (r *Response) writeHeaderLocked(code int) {
	if r.wroteHeader {
		return
	}
	r.wroteHeader = true
	r.status = code
	r.w.WriteHeader(code)
}

// Write sends body bytes, implicitly sending a 200 header first.
func (r *Response) Write(b []byte) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.writeHeaderLocked(http.StatusOK)
	n, err := r.w.Write(b)
	r.written += int64(n)
	if r.capture && n > 0 {
		r.body.Write(b[:n])
	}
	return n, err
}

// Flush implements http.Flusher
func (r *Response) Flush() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if f, ok := r.w.(http.Flusher); ok {
		f.Flush()
	}
}

// Unwrap lets http.ResponseController reach the underlying writer
func (r *Response) Unwrap() http.ResponseWriter {
	return r.w
}

// HeadersSent reports whether the status line has been written
func (r *Response) HeadersSent() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.wroteHeader
}

// Status returns the status code sent, or 200 if none yet
func (r *Response) Status() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.status
}

// BytesWritten returns the number of body bytes written
func (r *Response) BytesWritten() int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.written
}

// CaptureBody starts recording body bytes written from now on.
func (r *Response) CaptureBody() {
	r.mu.Lock()
	r.capture = true
	r.mu.Unlock()
}

// Body returns a copy of the captured body
func (r *Response) Body() []byte {
	r.mu.Lock()
	defer r.mu.Unlock()
	return bytes.Clone(r.body.Bytes())
}

// Closed is closed when the client side of the transaction goes away.
func (r *Response) Closed() <-chan struct{} {
	return r.closed
}

// Destroyed reports whether the client side is already gone.
func (r *Response) Destroyed() bool {
	select {
	case <-r.closed:
		return true
	default:
		return false
	}
}

// Finished is closed once Finish has run.
func (r *Response) Finished() <-chan struct{} {
	return r.finished
}

// OnFinish registers fn to run once the response is complete. Observers
// registered after completion run immediately.
func (r *Response) OnFinish(fn func()) {
	r.mu.Lock()
	select {
	case <-r.finished:
		r.mu.Unlock()
		fn()
		return
	default:
	}
	r.onFinish = append(r.onFinish, fn)
	r.mu.Unlock()
}

// Finish marks the response complete and runs the finish observers. It is
// safe to call more than once; observers run exactly once.
func (r *Response) Finish() {
	r.finishOnce.Do(func() {
		r.mu.Lock()
		observers := r.onFinish
		r.onFinish = nil
		close(r.finished)
		r.mu.Unlock()

		for _, fn := range observers {
			fn()
		}
	})
}
