package netstub

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"golang.org/x/time/rate"

	"github.com/wudi/netstub/internal/pipeline"
)

const maxThrottleChunk = 16 * 1024

// sendStaticResponse writes sr as the transaction's response. It must only
// be called by the goroutine serving the transaction.
func sendStaticResponse(tc *pipeline.Transaction, sr StaticResponse) {
	if sr.DelayMs > 0 {
		t := time.NewTimer(time.Duration(sr.DelayMs) * time.Millisecond)
		select {
		case <-t.C:
		case <-tc.Res.Closed():
			t.Stop()
			return
		}
	}

	if sr.ForceNetworkError {
		tc.Log.Debug("destroying connection for static response")
		panic(http.ErrAbortHandler)
	}

	h := tc.Res.Header()
	for k, v := range sr.Headers {
		h.Set(k, v)
	}
	SetDefaultHeaders(tc.Req, h)

	status := sr.StatusCode
	if status == 0 {
		status = http.StatusOK
	}
	body := []byte(sr.Body)
	if h.Get("Content-Length") == "" && bodyAllowed(tc.Req.Method, status) {
		h.Set("Content-Length", strconv.Itoa(len(body)))
	}
	tc.Res.WriteHeader(status)

	if len(body) == 0 || !bodyAllowed(tc.Req.Method, status) {
		return
	}
	if sr.ThrottleKbps > 0 {
		throttledWrite(tc.Context(), tc.Res, body, sr.ThrottleKbps)
		return
	}
	tc.Res.Write(body)
}

func bodyAllowed(method string, status int) bool {
	if method == http.MethodHead {
		return false
	}
	return status >= 200 && status != http.StatusNoContent && status != http.StatusNotModified
}

// throttledWrite paces body at kbps kilobits per second.
func throttledWrite(ctx context.Context, res *pipeline.Response, body []byte, kbps float64) {
	bytesPerSec := kbps * 1024 / 8
	chunk := int(bytesPerSec / 10)
	if chunk < 1 {
		chunk = 1
	}
	if chunk > maxThrottleChunk {
		chunk = maxThrottleChunk
	}

	limiter := rate.NewLimiter(rate.Limit(bytesPerSec), chunk)
	for len(body) > 0 {
		n := min(chunk, len(body))
		if err := limiter.WaitN(ctx, n); err != nil {
			return
		}
		if _, err := res.Write(body[:n]); err != nil {
			return
		}
		res.Flush()
		body = body[n:]
	}
}

// SetDefaultHeaders adds the CORS headers every intercepted response carries
// unless they are already set.
func SetDefaultHeaders(req *http.Request, h http.Header) {
	if h.Get("Access-Control-Allow-Origin") == "" {
		origin := req.Header.Get("Origin")
		if origin == "" {
			origin = "*"
		}
		h.Set("Access-Control-Allow-Origin", origin)
	}
	if h.Get("Access-Control-Allow-Credentials") == "" {
		h.Set("Access-Control-Allow-Credentials", "true")
	}
}
