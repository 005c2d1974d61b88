package admin

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/wudi/netstub/internal/config"
	"github.com/wudi/netstub/internal/logging"
	"github.com/wudi/netstub/internal/netstub"
	"github.com/wudi/netstub/internal/pipeline"
	"github.com/wudi/netstub/internal/subscriber/webhook"
)

func TestMain(m *testing.M) {
	logging.SetGlobal(zap.NewNop())
	os.Exit(m.Run())
}

// parkingSubscriber holds every before:request call until the call is abandoned.
type parkingSubscriber struct {
	ids chan string
}

func (p *parkingSubscriber) ID() string                            { return "parking" }
func (p *parkingSubscriber) Accepts(netstub.EventName, string) bool { return true }
func (p *parkingSubscriber) Handle(ctx context.Context, ev netstub.Event) (*netstub.Reply, error) {
	if ev.Name == netstub.EventBeforeRequest {
		p.ids <- ev.RequestID
		<-ctx.Done()
		return nil, ctx.Err()
	}
	return nil, nil
}

func newAPI(t *testing.T) (*API, http.Handler) {
	t.Helper()
	state := netstub.NewState(nil)
	broker := netstub.NewBroker(5*time.Second, nil, nil)
	api := New(state, broker, Options{})
	return api, api.Handler()
}

func call(h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, r)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestHealth(t *testing.T) {
	_, h := newAPI(t)
	rec := call(h, http.MethodGet, "/healthz", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var body map[string]interface{}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatal(err)
	}
	if body["status"] != "ok" {
		t.Errorf("expected status ok, got %v", body["status"])
	}
}

func TestRouteLifecycle(t *testing.T) {
	api, h := newAPI(t)
	if _, err := api.state.Routes.Add(config.RouteConfig{ID: "from-file"}, config.OriginConfig); err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name   string
		method string
		path   string
		body   string
		want   int
	}{
		{"add", http.MethodPost, "/routes", `{"id":"users","match":{"pathname":"/users/**"}}`, http.StatusCreated},
		{"duplicate", http.MethodPost, "/routes", `{"id":"users"}`, http.StatusConflict},
		{"invalid", http.MethodPost, "/routes", `{"id":"bad","match":{"method":"FETCH"}}`, http.StatusBadRequest},
		{"unknown field", http.MethodPost, "/routes", `{"id":"x","nope":1}`, http.StatusBadRequest},
		{"get", http.MethodGet, "/routes/users", "", http.StatusOK},
		{"get missing", http.MethodGet, "/routes/missing", "", http.StatusNotFound},
		{"add second", http.MethodPost, "/routes", `{"id":"orders"}`, http.StatusCreated},
		{"remove", http.MethodDelete, "/routes/users", "", http.StatusNoContent},
		{"remove again", http.MethodDelete, "/routes/users", "", http.StatusNotFound},
		{"wrong method", http.MethodPut, "/routes", "", http.StatusMethodNotAllowed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := call(h, tt.method, tt.path, tt.body)
			if rec.Code != tt.want {
				t.Errorf("%s %s = %d, want %d (%s)", tt.method, tt.path, rec.Code, tt.want, rec.Body.String())
			}
		})
	}

	rec := call(h, http.MethodGet, "/routes", "")
	var routes []routeInfo
	if err := json.Unmarshal(rec.Body.Bytes(), &routes); err != nil {
		t.Fatal(err)
	}
	if len(routes) != 2 || routes[0].ID != "from-file" || routes[1].ID != "orders" {
		t.Fatalf("unexpected routes %+v", routes)
	}
	if routes[1].Origin != config.OriginAPI {
		t.Errorf("expected api origin, got %s", routes[1].Origin)
	}

	// Clearing drops API routes only
	if rec := call(h, http.MethodDelete, "/routes", ""); rec.Code != http.StatusNoContent {
		t.Fatalf("clear = %d", rec.Code)
	}
	if api.state.Routes.Len() != 1 || api.state.Routes.Get("from-file") == nil {
		t.Errorf("expected only the config route to remain, got %d routes", api.state.Routes.Len())
	}

	if rec := call(h, http.MethodPost, "/reset", ""); rec.Code != http.StatusNoContent {
		t.Fatalf("reset = %d", rec.Code)
	}
	if api.state.Routes.Len() != 0 {
		t.Errorf("expected reset to clear every route, got %d", api.state.Routes.Len())
	}
}

func TestReplyToInFlightRequest(t *testing.T) {
	api, h := newAPI(t)
	if _, err := api.state.Routes.Add(config.RouteConfig{ID: "users", Match: config.MatchConfig{Pathname: "/users"}}, config.OriginAPI); err != nil {
		t.Fatal(err)
	}
	sub := &parkingSubscriber{ids: make(chan string, 1)}
	if err := api.broker.Register(sub); err != nil {
		t.Fatal(err)
	}

	proxyHandler := pipeline.New(nil,
		netstub.SetMatchingRoutes(api.state),
		netstub.InterceptRequest(api.state, api.broker, nil),
		pipeline.StepFunc{StepName: "Upstream", Fn: func(tc *pipeline.Transaction) (pipeline.Result, error) {
			io.WriteString(tc.Res, "from upstream")
			return pipeline.End, nil
		}},
	).Handler()

	rec := httptest.NewRecorder()
	done := make(chan struct{})
	go func() {
		defer close(done)
		proxyHandler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "http://api.test/users", nil))
	}()

	var id string
	select {
	case id = <-sub.ids:
	case <-time.After(2 * time.Second):
		t.Fatal("subscriber never saw the request")
	}

	listed := call(h, http.MethodGet, "/requests", "")
	var summaries []netstub.Summary
	if err := json.Unmarshal(listed.Body.Bytes(), &summaries); err != nil {
		t.Fatal(err)
	}
	if len(summaries) != 1 || summaries[0].ID != id {
		t.Fatalf("expected in-flight request %s, got %+v", id, summaries)
	}
	if got := call(h, http.MethodGet, "/requests/"+id, ""); got.Code != http.StatusOK {
		t.Errorf("get request = %d", got.Code)
	}

	reply := call(h, http.MethodPost, "/requests/"+id+"/reply", `{"statusCode":418,"body":"stubbed"}`)
	if reply.Code != http.StatusAccepted {
		t.Fatalf("reply = %d (%s)", reply.Code, reply.Body.String())
	}

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("proxied request did not complete")
	}
	if rec.Code != http.StatusTeapot || rec.Body.String() != "stubbed" {
		t.Errorf("expected stubbed 418, got %d %q", rec.Code, rec.Body.String())
	}

	again := call(h, http.MethodPost, "/requests/"+id+"/reply", `{"statusCode":200}`)
	if again.Code != http.StatusNotFound && again.Code != http.StatusConflict {
		t.Errorf("second reply = %d, want 404 or 409", again.Code)
	}

	deadline := time.Now().Add(2 * time.Second)
	for api.state.Len() > 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	history := call(h, http.MethodGet, "/history", "")
	if !strings.Contains(history.Body.String(), id) {
		t.Errorf("expected %s in history, got %s", id, history.Body.String())
	}
}

func TestReplyUnknownRequest(t *testing.T) {
	_, h := newAPI(t)
	tests := []struct {
		name string
		body string
		want int
	}{
		{"unknown id", `{"statusCode":200}`, http.StatusNotFound},
		{"bad body", `{"statusCode":"x"}`, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if rec := call(h, http.MethodPost, "/requests/nope/reply", tt.body); rec.Code != tt.want {
				t.Errorf("got %d, want %d", rec.Code, tt.want)
			}
		})
	}
}

func TestSubscribersAndMetrics(t *testing.T) {
	state := netstub.NewState(nil)
	broker := netstub.NewBroker(time.Second, nil, nil)
	hooks := webhook.FromConfig(config.SubscribersConfig{
		Webhooks: []config.WebhookEndpoint{{ID: "recorder", URL: "http://localhost:1/x", Events: []string{"*"}}},
	})
	for _, s := range hooks {
		if err := broker.Register(s); err != nil {
			t.Fatal(err)
		}
	}
	h := New(state, broker, Options{
		Webhooks: func() []*webhook.Subscriber { return hooks },
		Socket: http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusSwitchingProtocols)
		}),
	}).Handler()

	rec := call(h, http.MethodGet, "/subscribers", "")
	var subs []subscriberInfo
	if err := json.Unmarshal(rec.Body.Bytes(), &subs); err != nil {
		t.Fatal(err)
	}
	if len(subs) != 1 || subs[0].ID != "recorder" || subs[0].Webhook == nil {
		t.Fatalf("unexpected subscribers %+v", subs)
	}
	if subs[0].Webhook.Breaker != "closed" {
		t.Errorf("expected closed breaker, got %s", subs[0].Webhook.Breaker)
	}

	if rec := call(h, http.MethodGet, "/metrics", ""); rec.Code != http.StatusOK {
		t.Errorf("metrics = %d", rec.Code)
	}
	if rec := call(h, http.MethodGet, "/socket", ""); rec.Code != http.StatusSwitchingProtocols {
		t.Errorf("socket = %d", rec.Code)
	}
}
