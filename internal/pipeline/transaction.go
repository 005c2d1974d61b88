package pipeline

import (
	"fmt"
	"net/http"
	"net/url"

	"github.com/wudi/netstub/internal/errors"
	"github.com/wudi/netstub/internal/logging"
	"go.uber.org/zap"
)

// ProxiedURL returns the absolute URL a proxied request targets. Browsers
// talking to a forward proxy send the absolute form; anything else is
// resolved against the Host header.
func ProxiedURL(r *http.Request) (*url.URL, error) {
	if r.URL.IsAbs() {
		u := *r.URL
		return &u, nil
	}
	if r.Host == "" {
		return nil, fmt.Errorf("request for %q has no host", r.RequestURI)
	}
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	uri := r.RequestURI
	if uri == "" {
		uri = r.URL.RequestURI()
	}
	return url.Parse(scheme + "://" + r.Host + uri)
}

// NewTransaction builds the transaction for one proxied exchange
func NewTransaction(w http.ResponseWriter, r *http.Request) (*Transaction, error) {
	u, err := ProxiedURL(r)
	if err != nil {
		return nil, err
	}
	return &Transaction{
		Req:        r,
		Res:        NewResponse(r.Context(), w),
		ProxiedURL: u,
		Log: logging.With(
			zap.String("method", r.Method),
			zap.String("url", u.String()),
		),
	}, nil
}

// Handler returns an http.Handler that runs every request through p.
func (p *Pipeline) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodConnect {
			errors.ErrMethodNotAllowed.WithDetails("CONNECT tunnels are not intercepted").WriteJSON(w)
			return
		}

		tc, err := NewTransaction(w, r)
		if err != nil {
			errors.ErrBadRequest.WithDetails(err.Error()).WriteJSON(w)
			return
		}
		defer tc.Res.Finish()

		p.Run(tc)
	})
}
