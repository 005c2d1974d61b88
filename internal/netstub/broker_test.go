package netstub

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/wudi/netstub/internal/config"
	"github.com/wudi/netstub/internal/metrics"
	"github.com/wudi/netstub/internal/route"
)

func TestBrokerRegister(t *testing.T) {
	b := NewBroker(0, nil, nil)
	if b.Timeout() != DefaultSubscriberTimeout {
		t.Errorf("expected default timeout, got %v", b.Timeout())
	}

	if err := b.Register(onBefore("a", nil)); err != nil {
		t.Fatal(err)
	}
	if err := b.Register(onBefore("a", nil)); err == nil {
		t.Error("expected duplicate id error")
	}
	if err := b.Register(onBefore("b", nil)); err != nil {
		t.Fatal(err)
	}

	if !b.Unregister("a") {
		t.Error("expected a to be removed")
	}
	if b.Unregister("a") {
		t.Error("a was already removed")
	}
	if subs := b.Subscribers(); len(subs) != 1 || subs[0].ID() != "b" {
		t.Errorf("unexpected subscribers %v", subs)
	}

	snapshot := b.Subscribers()
	snapshot[0] = onBefore("x", nil)
	if got := b.Subscribers()[0].ID(); got != "b" {
		t.Errorf("writing to a snapshot changed the broker, got %s", got)
	}
}

func newTestIntercepted(t *testing.T, routes ...config.RouteConfig) *InterceptedRequest {
	t.Helper()
	tc := newTC(t, httptest.NewRequest(http.MethodGet, "http://a/users/1", nil))
	for _, rc := range routes {
		r, err := route.New(rc, config.OriginAPI)
		if err != nil {
			t.Fatal(err)
		}
		tc.MatchingRoutes = append(tc.MatchingRoutes, r)
	}
	return newInterceptedRequest(tc, NewState(nil), NewBroker(time.Second, nil, nil))
}

func TestDispatchWithoutSubscribersReturnsImmediately(t *testing.T) {
	ir := newTestIntercepted(t, usersRoute())
	payload := baseView()

	start := time.Now()
	got, err := dispatch(context.Background(), ir.broker, ir, EventBeforeRequest, payload, func(*Request, json.RawMessage) error {
		t.Error("fold must not run without subscribers")
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	if time.Since(start) > 100*time.Millisecond {
		t.Error("dispatch waited without subscribers")
	}
	if got.URL != payload.URL || got.Body.String() != payload.Body.String() {
		t.Error("payload must be returned unchanged")
	}
}

func TestDispatchRespectsRouteFilter(t *testing.T) {
	ir := newTestIntercepted(t,
		config.RouteConfig{ID: "one"},
		config.RouteConfig{ID: "two"},
	)
	only := onBefore("only-two", nil)
	only.routes = map[string]bool{"two": true}
	if err := ir.broker.Register(only); err != nil {
		t.Fatal(err)
	}

	if _, err := dispatch(context.Background(), ir.broker, ir, EventBeforeRequest, baseView(), nil); err != nil {
		t.Fatal(err)
	}
	got := only.received()
	if len(got) != 1 || got[0].RouteID != "two" || got[0].RequestID != ir.ID {
		t.Errorf("unexpected deliveries %+v", got)
	}
}

func TestBrokerMetrics(t *testing.T) {
	collector := metrics.NewCollector()
	b := NewBroker(20*time.Millisecond, collector, nil)
	stuck := onBefore("stuck", func(ctx context.Context, ev Event) (*Reply, error) {
		<-ctx.Done()
		return nil, nil
	})

	_, err := b.call(context.Background(), stuck, Event{Name: EventBeforeRequest}, nil)
	if err == nil {
		t.Fatal("expected timeout")
	}
	if !stderrors.Is(err, ErrSubscriberTimeout) {
		t.Errorf("expected ErrSubscriberTimeout, got %v", err)
	}
	if n, err := testutil.GatherAndCount(collector.Registry(), "netstub_subscriber_errors_total"); err != nil || n != 1 {
		t.Errorf("expected one subscriber error series, got %d (%v)", n, err)
	}
}

func TestStateListAndRecent(t *testing.T) {
	ir := newTestIntercepted(t, usersRoute())
	s := ir.state
	if err := s.add(ir); err != nil {
		t.Fatal(err)
	}
	if err := s.add(ir); err != ErrDuplicateRequest {
		t.Errorf("expected ErrDuplicateRequest, got %v", err)
	}

	list := s.List()
	if len(list) != 1 || list[0].ID != ir.ID || list[0].Routes[0] != "users" {
		t.Errorf("unexpected list %+v", list)
	}

	s.remove(ir.ID)
	if s.Len() != 0 {
		t.Error("transaction should be removed")
	}
	if recent := s.Recent(); len(recent) != 1 || recent[0].ID != ir.ID {
		t.Errorf("unexpected history %+v", recent)
	}

	s.Reset()
	if len(s.Recent()) != 0 {
		t.Error("reset clears history")
	}
}
