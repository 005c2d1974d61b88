package proxy

import (
	"context"
	stderrors "errors"
	"io"
	"net"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/wudi/netstub/internal/errors"
	"github.com/wudi/netstub/internal/metrics"
	"github.com/wudi/netstub/internal/pipeline"
	"github.com/wudi/netstub/internal/tracing"
)

// Forwarder sends transactions upstream and streams the response back.
type Forwarder struct {
	transport   http.RoundTripper
	idleTimeout time.Duration
	tracer      *tracing.Tracer
	metrics     *metrics.Collector

	// InterceptedHeaders, when set, adjusts the response headers of
	// transactions that matched a route before they are sent.
	InterceptedHeaders func(req *http.Request, h http.Header)
}

// Config holds forwarder configuration
type Config struct {
	Transport   http.RoundTripper
	IdleTimeout time.Duration
	Tracer      *tracing.Tracer
	Metrics     *metrics.Collector
}

// NewForwarder creates a forwarder. A nil transport uses the default config.
func NewForwarder(cfg Config) (*Forwarder, error) {
	transport := cfg.Transport
	if transport == nil {
		t, err := NewTransport(DefaultTransportConfig)
		if err != nil {
			return nil, err
		}
		transport = t
	}
	tracer := cfg.Tracer
	if tracer == nil {
		tracer = tracing.Noop()
	}
	collector := cfg.Metrics
	if collector == nil {
		collector = metrics.NewCollector()
	}
	return &Forwarder{
		transport:   transport,
		idleTimeout: cfg.IdleTimeout,
		tracer:      tracer,
		metrics:     collector,
	}, nil
}

// SendRequestOutgoing is the final pipeline step.
func (f *Forwarder) SendRequestOutgoing() pipeline.Step {
	return pipeline.StepFunc{StepName: "SendRequestOutgoing", Fn: f.forward}
}

func (f *Forwarder) forward(tc *pipeline.Transaction) (pipeline.Result, error) {
	ctx, span := f.tracer.StartSpan(tc.Context(), "netstub.upstream")
	defer span.End()

	out := f.createOutgoingRequest(ctx, tc)
	resp, err := f.transport.RoundTrip(out)
	if err != nil {
		f.metrics.RecordUpstreamError()
		return pipeline.End, upstreamError(err)
	}
	defer resp.Body.Close()

	body := io.ReadCloser(resp.Body)
	if f.idleTimeout > 0 {
		body = newIdleTimeoutReader(resp.Body, f.idleTimeout)
	}

	copyHeaders(tc.Res.Header(), resp.Header)
	if len(tc.MatchingRoutes) > 0 && f.InterceptedHeaders != nil {
		f.InterceptedHeaders(tc.Req, tc.Res.Header())
	}
	tc.Res.WriteHeader(resp.StatusCode)

	if err := copyBody(tc.Res, body); err != nil && !stderrors.Is(err, context.Canceled) {
		f.metrics.RecordUpstreamError()
		tc.Log.Warn("upstream response truncated", zap.Error(err))
		return pipeline.End, upstreamError(err)
	}
	return pipeline.End, nil
}

// createOutgoingRequest builds the upstream request from the transaction's
// current (possibly rewritten) state.
func (f *Forwarder) createOutgoingRequest(ctx context.Context, tc *pipeline.Transaction) *http.Request {
	r := tc.Req
	target := *tc.ProxiedURL

	body := r.Body
	if r.ContentLength == 0 {
		body = http.NoBody
	}
	out := (&http.Request{
		Method:        r.Method,
		URL:           &target,
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        make(http.Header, len(r.Header)+2),
		Body:          body,
		GetBody:       r.GetBody,
		ContentLength: r.ContentLength,
		Host:          r.Host,
	}).WithContext(ctx)

	for k, vv := range r.Header {
		out.Header[k] = append([]string(nil), vv...)
	}
	if out.Host == "" {
		out.Host = target.Host
	}
	removeHopHeaders(out.Header)

	// Requests sent without a User-Agent must not pick up the Go default.
	if _, ok := out.Header["User-Agent"]; !ok {
		out.Header["User-Agent"] = nil
	}

	f.tracer.InjectHeaders(ctx, out)
	return out
}

func upstreamError(err error) error {
	var netErr net.Error
	if stderrors.Is(err, context.DeadlineExceeded) || (stderrors.As(err, &netErr) && netErr.Timeout()) {
		return errors.ErrGatewayTimeout.WithCause(err).WithDetails(err.Error())
	}
	return errors.ErrBadGateway.WithCause(err).WithDetails(err.Error())
}

func copyHeaders(dst, src http.Header) {
	for k, vv := range src {
		dst[k] = append(dst[k][:0:0], vv...)
	}
	removeHopHeaders(dst)
}

// copyBody streams the body, flushing after each chunk so slow upstreams
// reach the browser incrementally.
func copyBody(res *pipeline.Response, body io.Reader) error {
	buf := make([]byte, 32*1024)
	for {
		n, err := body.Read(buf)
		if n > 0 {
			if _, werr := res.Write(buf[:n]); werr != nil {
				return werr
			}
			res.Flush()
		}
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
	}
}

// Hop-by-hop headers that should be removed
var hopHeaders = []string{
	"Connection",
	"Proxy-Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

func removeHopHeaders(header http.Header) {
	for _, h := range hopHeaders {
		header.Del(h)
	}
}
