package proxy

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/wudi/netstub/internal/config"
	"github.com/wudi/netstub/internal/errors"
	"github.com/wudi/netstub/internal/pipeline"
	"github.com/wudi/netstub/internal/route"
	"go.uber.org/zap"
)

func newTransaction(t *testing.T, req *http.Request) (*pipeline.Transaction, *httptest.ResponseRecorder) {
	t.Helper()
	rec := httptest.NewRecorder()
	tc, err := pipeline.NewTransaction(rec, req)
	if err != nil {
		t.Fatalf("NewTransaction: %v", err)
	}
	tc.Log = zap.NewNop()
	return tc, rec
}

func newForwarder(t *testing.T) *Forwarder {
	t.Helper()
	f, err := NewForwarder(Config{})
	if err != nil {
		t.Fatalf("NewForwarder: %v", err)
	}
	return f
}

func TestForwarderSendsUpstream(t *testing.T) {
	var gotMethod, gotPath, gotBody, gotConnection string
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotMethod = r.Method
		gotPath = r.URL.RequestURI()
		b, _ := io.ReadAll(r.Body)
		gotBody = string(b)
		gotConnection = r.Header.Get("Proxy-Connection")
		w.Header().Set("X-Upstream", "yes")
		w.WriteHeader(http.StatusCreated)
		io.WriteString(w, "created")
	}))
	defer backend.Close()

	req := httptest.NewRequest(http.MethodPost, backend.URL+"/users?x=1", strings.NewReader("payload"))
	req.Header.Set("Proxy-Connection", "keep-alive")
	tc, rec := newTransaction(t, req)

	res, err := newForwarder(t).forward(tc)
	if err != nil {
		t.Fatalf("forward: %v", err)
	}
	if res != pipeline.End {
		t.Errorf("expected End, got %v", res)
	}

	if gotMethod != http.MethodPost || gotPath != "/users?x=1" || gotBody != "payload" {
		t.Errorf("upstream saw %s %s %q", gotMethod, gotPath, gotBody)
	}
	if gotConnection != "" {
		t.Error("hop-by-hop headers must not be forwarded")
	}
	if rec.Code != http.StatusCreated || rec.Body.String() != "created" {
		t.Errorf("client got %d %q", rec.Code, rec.Body.String())
	}
	if rec.Header().Get("X-Upstream") != "yes" {
		t.Error("expected upstream header to be copied")
	}
}

func TestForwarderInterceptedHeaders(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer backend.Close()

	f := newForwarder(t)
	f.InterceptedHeaders = func(req *http.Request, h http.Header) {
		h.Set("Access-Control-Allow-Origin", "*")
	}

	rt, err := route.New(config.RouteConfig{ID: "all"}, config.OriginAPI)
	if err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name   string
		routes []*route.Route
		want   string
	}{
		{"not intercepted", nil, ""},
		{"intercepted", []*route.Route{rt}, "*"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tc, rec := newTransaction(t, httptest.NewRequest(http.MethodGet, backend.URL+"/", nil))
			tc.MatchingRoutes = tt.routes
			if _, err := f.forward(tc); err != nil {
				t.Fatalf("forward: %v", err)
			}
			if got := rec.Header().Get("Access-Control-Allow-Origin"); got != tt.want {
				t.Errorf("allow-origin = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestForwarderUpstreamDown(t *testing.T) {
	backend := httptest.NewServer(http.NotFoundHandler())
	addr := backend.URL
	backend.Close()

	tc, _ := newTransaction(t, httptest.NewRequest(http.MethodGet, addr+"/", nil))
	_, err := newForwarder(t).forward(tc)
	if err == nil {
		t.Fatal("expected error for unreachable upstream")
	}
	pe, ok := errors.IsProxyError(err)
	if !ok || pe.Code != http.StatusBadGateway {
		t.Errorf("expected 502 ProxyError, got %v", err)
	}
}

func TestForwarderUpstreamTimeout(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(200 * time.Millisecond)
	}))
	defer backend.Close()

	cfg := DefaultTransportConfig
	cfg.ResponseHeaderTimeout = 20 * time.Millisecond
	tr, err := NewTransport(cfg)
	if err != nil {
		t.Fatal(err)
	}
	f, err := NewForwarder(Config{Transport: tr})
	if err != nil {
		t.Fatal(err)
	}

	tc, _ := newTransaction(t, httptest.NewRequest(http.MethodGet, backend.URL+"/", nil))
	_, err = f.forward(tc)
	pe, ok := errors.IsProxyError(err)
	if !ok || pe.Code != http.StatusGatewayTimeout {
		t.Errorf("expected 504 ProxyError, got %v", err)
	}
}

func TestForwarderKeepsHost(t *testing.T) {
	var gotHost string
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotHost = r.Host
	}))
	defer backend.Close()

	req := httptest.NewRequest(http.MethodGet, backend.URL+"/", nil)
	req.Host = "stubbed.test"
	tc, _ := newTransaction(t, req)

	if _, err := newForwarder(t).forward(tc); err != nil {
		t.Fatalf("forward: %v", err)
	}
	if gotHost != "stubbed.test" {
		t.Errorf("expected Host stubbed.test, got %s", gotHost)
	}
}

func TestTransportConfigFrom(t *testing.T) {
	cfg := TransportConfigFrom(config.ProxyConfig{UpstreamTimeout: 5 * time.Second, InsecureSkipVerify: true})
	if cfg.ResponseHeaderTimeout != 5*time.Second || !cfg.InsecureSkipVerify {
		t.Errorf("unexpected config %+v", cfg)
	}

	tr, err := NewTransport(cfg)
	if err != nil {
		t.Fatal(err)
	}
	if !tr.DisableCompression {
		t.Error("transport must pass encodings through untouched")
	}

	cfg.CAFile = "/nonexistent/ca.pem"
	if _, err := NewTransport(cfg); err == nil {
		t.Error("expected error for missing ca file")
	}
}
