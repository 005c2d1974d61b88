package netstub

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/wudi/netstub/internal/metrics"
	"github.com/wudi/netstub/internal/tracing"
)

// DefaultSubscriberTimeout bounds every subscriber call
const DefaultSubscriberTimeout = 30 * time.Second

// Subscriber receives lifecycle events for intercepted transactions.
type Subscriber interface {
	ID() string
	// Accepts reports whether the subscriber wants event for routeID.
	Accepts(event EventName, routeID string) bool
	// Handle delivers an event. A nil reply is a no-op.
	Handle(ctx context.Context, ev Event) (*Reply, error)
}

// Broker delivers events to the registered subscribers.
type Broker struct {
	mu          sync.RWMutex
	subscribers []Subscriber

	timeout time.Duration
	metrics *metrics.Collector
	tracer  *tracing.Tracer
}

// NewBroker creates a broker. A zero timeout uses DefaultSubscriberTimeout.
func NewBroker(timeout time.Duration, collector *metrics.Collector, tracer *tracing.Tracer) *Broker {
	if timeout <= 0 {
		timeout = DefaultSubscriberTimeout
	}
	if collector == nil {
		collector = metrics.NewCollector()
	}
	if tracer == nil {
		tracer = tracing.Noop()
	}
	return &Broker{timeout: timeout, metrics: collector, tracer: tracer}
}

// Register adds a subscriber after the existing ones.
func (b *Broker) Register(s Subscriber) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, existing := range b.subscribers {
		if existing.ID() == s.ID() {
			return fmt.Errorf("subscriber %s already registered", s.ID())
		}
	}
	b.subscribers = append(b.subscribers, s)
	return nil
}

// Unregister removes a subscriber by id. Returns true if found.
func (b *Broker) Unregister(id string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, s := range b.subscribers {
		if s.ID() == id {
			next := make([]Subscriber, 0, len(b.subscribers)-1)
			next = append(next, b.subscribers[:i]...)
			b.subscribers = append(next, b.subscribers[i+1:]...)
			return true
		}
	}
	return false
}

// Subscribers returns a snapshot of the registered subscribers in order
func (b *Broker) Subscribers() []Subscriber {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return slices.Clone(b.subscribers)
}

// Timeout returns the per-call bound
func (b *Broker) Timeout() time.Duration {
	return b.timeout
}

// errAbandoned means the transaction no longer needs the reply.
var errAbandoned = stderrors.New("subscriber call abandoned")

// foldFunc reconciles a subscriber's changes onto the current payload.
type foldFunc[T any] func(current *T, changes json.RawMessage) error

// dispatch sends event to every interested subscriber of every matching
// route, in order, folding each reply into data. With nobody interested it
// returns data unchanged. A nil fold ignores changes.
func dispatch[T any](ctx context.Context, b *Broker, ir *InterceptedRequest, event EventName, data T, fold foldFunc[T]) (T, error) {
	start := time.Now()
	defer func() { b.metrics.ObserveDispatch(string(event), time.Since(start)) }()

	// before:request calls are dropped once the transaction has responded;
	// after:response runs when it already has.
	var abandon <-chan struct{}
	if event == EventBeforeRequest {
		abandon = ir.respondedCh
	}

	subs := b.Subscribers()
	for _, rt := range ir.routes {
		if event == EventBeforeRequest && rt.StaticResponse != nil {
			if err := ir.SendStaticResponse(*rt.StaticResponse); err != nil && !stderrors.Is(err, ErrAlreadyResponded) {
				return data, err
			}
			return data, nil
		}

		for _, s := range subs {
			if !s.Accepts(event, rt.ID) {
				continue
			}
			if abandon != nil && ir.Responded() {
				return data, nil
			}

			payload, err := json.Marshal(data)
			if err != nil {
				return data, fmt.Errorf("encoding %s payload: %w", event, err)
			}

			reply, err := b.call(ctx, s, Event{
				Name:      event,
				RequestID: ir.ID,
				RouteID:   rt.ID,
				Data:      payload,
			}, abandon)
			if stderrors.Is(err, errAbandoned) {
				ir.log.Debug("discarding subscriber reply", zap.String("subscriber", s.ID()))
				return data, nil
			}
			if err != nil {
				return data, err
			}
			if reply == nil {
				continue
			}

			if reply.IncludeBody {
				ir.requestBody()
			}
			if fold != nil && len(reply.Changes) > 0 {
				if err := fold(&data, reply.Changes); err != nil {
					return data, err
				}
			}
			if reply.StaticResponse != nil && event == EventBeforeRequest {
				if err := ir.SendStaticResponse(*reply.StaticResponse); err != nil && !stderrors.Is(err, ErrAlreadyResponded) {
					return data, err
				}
				return data, nil
			}
		}
	}
	return data, nil
}

// call runs one subscriber call bounded by the broker timeout. It returns
// errAbandoned when abandon closes first; the subscriber's eventual result is
// dropped.
func (b *Broker) call(ctx context.Context, s Subscriber, ev Event, abandon <-chan struct{}) (*Reply, error) {
	ctx, span := b.tracer.StartSpan(ctx, "netstub.dispatch",
		attribute.String("netstub.event", string(ev.Name)),
		attribute.String("netstub.subscriber", s.ID()),
		attribute.String("netstub.route_id", ev.RouteID),
	)
	defer span.End()

	ctx, cancel := context.WithTimeout(ctx, b.timeout)
	defer cancel()

	type result struct {
		reply *Reply
		err   error
	}
	done := make(chan result, 1)
	go func() {
		reply, err := s.Handle(ctx, ev)
		done <- result{reply, err}
	}()

	select {
	case res := <-done:
		if stderrors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, b.timedOut(s, ev, span)
		}
		if res.err != nil {
			b.metrics.RecordSubscriberError(string(ev.Name), "error")
			span.SetStatus(codes.Error, res.err.Error())
			return nil, ErrSubscriberFailed.WithCause(res.err).WithDetails(fmt.Sprintf("subscriber %s: %v", s.ID(), res.err))
		}
		return res.reply, nil
	case <-abandon:
		return nil, errAbandoned
	case <-ctx.Done():
		if stderrors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, b.timedOut(s, ev, span)
		}
		return nil, errAbandoned
	}
}

func (b *Broker) timedOut(s Subscriber, ev Event, span trace.Span) error {
	b.metrics.RecordSubscriberError(string(ev.Name), "timeout")
	span.SetStatus(codes.Error, "timeout")
	return ErrSubscriberTimeout.WithDetails(fmt.Sprintf("subscriber %s did not answer within %s", s.ID(), b.timeout))
}
