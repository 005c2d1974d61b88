package webhook

import (
	"context"
	"errors"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/sony/gobreaker/v2"
	"go.uber.org/zap"

	"github.com/wudi/netstub/internal/config"
	"github.com/wudi/netstub/internal/logging"
	"github.com/wudi/netstub/internal/netstub"
)

const defaultTimeout = 10 * time.Second

// Subscriber delivers lifecycle events to an HTTP endpoint as signed JSON
// POSTs and turns the response body into a reply.
type Subscriber struct {
	ep      config.WebhookEndpoint
	client  *http.Client
	breaker *gobreaker.CircuitBreaker[*netstub.Reply]
	metrics Metrics
}

// New creates a webhook subscriber for one endpoint.
func New(ep config.WebhookEndpoint, bc config.BreakerConfig) *Subscriber {
	timeout := ep.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	maxFailures := bc.MaxFailures
	if maxFailures == 0 {
		maxFailures = 5
	}

	s := &Subscriber{
		ep:     ep,
		client: &http.Client{Timeout: timeout},
	}
	s.breaker = gobreaker.NewCircuitBreaker[*netstub.Reply](gobreaker.Settings{
		Name:    ep.ID,
		Timeout: bc.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= maxFailures
		},
		// A call the broker abandoned says nothing about the endpoint.
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, context.Canceled)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logging.Warn("webhook subscriber breaker state changed",
				zap.String("subscriber", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()),
			)
		},
	})
	return s
}

// FromConfig builds one subscriber per configured endpoint
func FromConfig(cfg config.SubscribersConfig) []*Subscriber {
	subs := make([]*Subscriber, 0, len(cfg.Webhooks))
	for _, ep := range cfg.Webhooks {
		subs = append(subs, New(ep, cfg.Breaker))
	}
	return subs
}

// ID returns the endpoint id
func (s *Subscriber) ID() string {
	return s.ep.ID
}

// Accepts checks the endpoint's event and route filters.
func (s *Subscriber) Accepts(event netstub.EventName, routeID string) bool {
	matched := false
	for _, pattern := range s.ep.Events {
		if matchesPattern(event, pattern) {
			matched = true
			break
		}
	}
	if !matched {
		return false
	}

	// Empty route filter = all routes
	if len(s.ep.Routes) == 0 {
		return true
	}
	for _, r := range s.ep.Routes {
		if r == routeID {
			return true
		}
	}
	return false
}

// Handle delivers ev. Deliveries are not retried: a failed call fails the
// transaction it belongs to.
func (s *Subscriber) Handle(ctx context.Context, ev netstub.Event) (*netstub.Reply, error) {
	s.metrics.TotalEmitted.Add(1)
	reply, err := s.breaker.Execute(func() (*netstub.Reply, error) {
		return s.deliver(ctx, ev)
	})
	if err != nil {
		s.metrics.TotalFailed.Add(1)
		return nil, err
	}
	s.metrics.TotalDelivered.Add(1)
	return reply, nil
}

// Stats returns a snapshot of delivery state
func (s *Subscriber) Stats() Stats {
	return Stats{
		ID:      s.ep.ID,
		URL:     s.ep.URL,
		Breaker: s.breaker.State().String(),
		Metrics: s.metrics.Snapshot(),
	}
}

// matchesPattern checks an event against a subscription pattern.
// "*" matches everything.
func matchesPattern(event netstub.EventName, pattern string) bool {
	return pattern == "*" || string(event) == pattern
}

// Metrics tracks delivery statistics.
type Metrics struct {
	TotalEmitted   atomic.Int64
	TotalDelivered atomic.Int64
	TotalFailed    atomic.Int64
}

// MetricsSnapshot is a point-in-time view of delivery metrics.
type MetricsSnapshot struct {
	TotalEmitted   int64 `json:"total_emitted"`
	TotalDelivered int64 `json:"total_delivered"`
	TotalFailed    int64 `json:"total_failed"`
}

// Snapshot returns a point-in-time copy of the metrics.
func (m *Metrics) Snapshot() MetricsSnapshot {
	return MetricsSnapshot{
		TotalEmitted:   m.TotalEmitted.Load(),
		TotalDelivered: m.TotalDelivered.Load(),
		TotalFailed:    m.TotalFailed.Load(),
	}
}

// Stats is the admin API view of a webhook subscriber.
type Stats struct {
	ID      string          `json:"id"`
	URL     string          `json:"url"`
	Breaker string          `json:"breaker"`
	Metrics MetricsSnapshot `json:"metrics"`
}
