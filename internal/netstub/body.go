package netstub

import (
	"io"
	"net/http"

	"github.com/wudi/netstub/internal/pipeline"
	"go.uber.org/zap"
)

// accumulateBody reads the whole request body. A transport that closes
// before or during the read yields an empty body.
func accumulateBody(tc *pipeline.Transaction) Body {
	if tc.Req.Body == nil || tc.Req.Body == http.NoBody || tc.Res.Destroyed() {
		return TextBody("")
	}

	type result struct {
		data []byte
		err  error
	}
	// tc.Req is rewritten once Closed fires; the reader only touches rc.
	rc := tc.Req.Body
	done := make(chan result, 1)
	go func() {
		data, err := io.ReadAll(rc)
		done <- result{data, err}
	}()

	select {
	case res := <-done:
		if res.err != nil {
			tc.Log.Debug("request body read interrupted", zap.Error(res.err))
			return TextBody("")
		}
		return classifyBody(res.data)
	case <-tc.Res.Closed():
		tc.Log.Debug("transport closed while reading request body")
		return TextBody("")
	}
}
