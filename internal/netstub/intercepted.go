package netstub

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/wudi/netstub/internal/metrics"
	"github.com/wudi/netstub/internal/pipeline"
	"github.com/wudi/netstub/internal/proxy"
	"github.com/wudi/netstub/internal/route"
)

// Phase is the request-side state of an intercepted transaction
type Phase string

const (
	PhaseCreated            Phase = "created"
	PhaseBufferingBody      Phase = "buffering-body"
	PhaseAwaitingSubscriber Phase = "awaiting-subscriber"
	PhaseMerging            Phase = "merging"
	PhaseForwarding         Phase = "forwarding"
	PhaseResponded          Phase = "responded"
	PhaseFailed             Phase = "failed"
)

// InterceptedRequest coordinates one intercepted transaction.
type InterceptedRequest struct {
	ID string

	tc     *pipeline.Transaction
	routes []*route.Route
	state  *State
	broker *Broker
	log    *zap.Logger

	startedAt time.Time

	mu          sync.Mutex
	method      string
	url         string
	phase       Phase
	responded   bool
	respondedCh chan struct{}
	pending     *StaticResponse
	includeBody bool
	finishedAt  time.Time
	status      int
}

func newRequestID() string {
	return uuid.NewString()
}

func newInterceptedRequest(tc *pipeline.Transaction, state *State, broker *Broker) *InterceptedRequest {
	id := newRequestID()
	tc.RequestID = id
	tc.Log = tc.Log.With(zap.String("request_id", id))

	return &InterceptedRequest{
		ID:          id,
		tc:          tc,
		routes:      tc.MatchingRoutes,
		state:       state,
		broker:      broker,
		log:         tc.Log,
		startedAt:   time.Now(),
		method:      tc.Req.Method,
		url:         tc.ProxiedURL.String(),
		phase:       PhaseCreated,
		respondedCh: make(chan struct{}),
	}
}

// Phase returns the current request-side state
func (ir *InterceptedRequest) Phase() Phase {
	ir.mu.Lock()
	defer ir.mu.Unlock()
	return ir.phase
}

func (ir *InterceptedRequest) setPhase(p Phase) {
	ir.mu.Lock()
	ir.phase = p
	ir.mu.Unlock()
	ir.log.Debug("intercepted request state", zap.String("phase", string(p)))
}

// Responded reports whether a response has been claimed for the transaction
func (ir *InterceptedRequest) Responded() bool {
	ir.mu.Lock()
	defer ir.mu.Unlock()
	return ir.responded
}

func (ir *InterceptedRequest) requestBody() {
	ir.mu.Lock()
	already := ir.includeBody
	ir.includeBody = true
	ir.mu.Unlock()
	if !already {
		ir.tc.Res.CaptureBody()
	}
}

// SendStaticResponse claims the transaction's response for sr. It may be
// called from any goroutine; the handler writes sr once it observes the
// claim. Only the first call succeeds.
func (ir *InterceptedRequest) SendStaticResponse(sr StaticResponse) error {
	ir.mu.Lock()
	defer ir.mu.Unlock()
	if ir.responded {
		return ErrAlreadyResponded
	}
	if ir.phase == PhaseForwarding {
		return ErrAlreadyForwarded
	}
	ir.responded = true
	ir.pending = &sr
	close(ir.respondedCh)
	return nil
}

// Summary describes the transaction for the control API
func (ir *InterceptedRequest) Summary() Summary {
	ids := make([]string, len(ir.routes))
	for i, r := range ir.routes {
		ids[i] = r.ID
	}

	ir.mu.Lock()
	defer ir.mu.Unlock()
	s := Summary{
		ID:         ir.ID,
		Method:     ir.method,
		URL:        ir.url,
		Routes:     ids,
		Phase:      ir.phase,
		Responded:  ir.responded,
		StatusCode: ir.status,
		StartedAt:  ir.startedAt,
	}
	if !ir.finishedAt.IsZero() {
		s.Duration = ir.finishedAt.Sub(ir.startedAt)
	}
	return s
}

// run drives the request side of the transaction and tells the pipeline
// whether to forward.
func (ir *InterceptedRequest) run(ctx context.Context) (pipeline.Result, error) {
	tc := ir.tc
	if err := ir.state.add(ir); err != nil {
		return pipeline.End, err
	}
	tc.Res.OnFinish(ir.onFinish)

	ir.setPhase(PhaseBufferingBody)
	body := accumulateBody(tc)
	tc.Req.ContentLength = int64(body.Len())
	live := viewOf(tc, body)

	ir.setPhase(PhaseAwaitingSubscriber)
	proxied := tc.ProxiedURL.String()
	merged, err := dispatch(ctx, ir.broker, ir, EventBeforeRequest, live.Clone(), func(current *Request, changes json.RawMessage) error {
		after, err := decodeChanges(*current, changes)
		if err != nil {
			return err
		}
		return mergeChanges(current, after, &proxied)
	})
	if err != nil {
		return ir.fail(err)
	}

	ir.setPhase(PhaseMerging)
	liveURL := tc.ProxiedURL.String()
	projected := live.Clone()
	if err := mergeChanges(&projected, merged, &liveURL); err != nil {
		return ir.fail(err)
	}
	if err := applyView(tc, live, projected); err != nil {
		return ir.fail(err)
	}

	ir.mu.Lock()
	ir.method = projected.Method
	ir.url = projected.URL
	if ir.responded {
		ir.phase = PhaseResponded
		sr := ir.pending
		ir.mu.Unlock()

		ir.state.metrics.RecordIntercepted(metrics.OutcomeResponded)
		ir.log.Debug("intercepted request answered without forwarding")
		if sr != nil {
			sendStaticResponse(tc, *sr)
		}
		return pipeline.End, nil
	}
	if tc.Res.Destroyed() {
		ir.phase = PhaseResponded
		ir.mu.Unlock()
		ir.state.metrics.RecordIntercepted(metrics.OutcomeAbandoned)
		ir.log.Debug("client went away before forwarding")
		return pipeline.End, nil
	}
	ir.phase = PhaseForwarding
	ir.mu.Unlock()

	ir.state.metrics.RecordIntercepted(metrics.OutcomeForwarded)
	return pipeline.Next, nil
}

func (ir *InterceptedRequest) fail(err error) (pipeline.Result, error) {
	ir.mu.Lock()
	if ir.responded && ir.pending != nil {
		// A claimed static response is dropped; the error is reported instead.
		ir.pending = nil
	}
	ir.responded = true
	ir.phase = PhaseFailed
	ir.mu.Unlock()

	ir.state.metrics.RecordIntercepted(metrics.OutcomeFailed)
	return pipeline.End, err
}

// responseSnapshot is taken while the handler still owns the response.
type responseSnapshot struct {
	status  int
	headers http.Header
	body    []byte
}

// onFinish runs on the handler goroutine when the response completes, then
// hands off to a goroutine for the after:response dispatch and cleanup.
func (ir *InterceptedRequest) onFinish() {
	ir.mu.Lock()
	includeBody := ir.includeBody
	ir.finishedAt = time.Now()
	ir.status = ir.tc.Res.Status()
	ir.mu.Unlock()

	snap := responseSnapshot{
		status:  ir.tc.Res.Status(),
		headers: ir.tc.Res.Header().Clone(),
	}
	if includeBody {
		snap.body = ir.tc.Res.Body()
	}

	ctx := context.WithoutCancel(ir.tc.Context())
	go ir.afterResponse(ctx, snap, includeBody)
}

func (ir *InterceptedRequest) afterResponse(ctx context.Context, snap responseSnapshot, includeBody bool) {
	defer ir.state.remove(ir.ID)

	payload := ResponseComplete{
		StatusCode: snap.status,
		Headers:    flattenHeaders(snap.headers),
	}
	if includeBody {
		data, err := proxy.DecodeBody(snap.headers.Get("Content-Encoding"), snap.body)
		if err != nil {
			ir.log.Warn("could not decode response body, sending it encoded", zap.Error(err))
			data = snap.body
		}
		b := classifyBody(data)
		payload.FinalResBody = &b
	}

	ctx, span := ir.broker.tracer.StartSpan(ctx, "netstub.after_response",
		attribute.String("netstub.request_id", ir.ID),
	)
	defer span.End()

	if _, err := dispatch(ctx, ir.broker, ir, EventAfterResponse, payload, nil); err != nil {
		ir.log.Warn("after:response dispatch failed", zap.Error(err))
	}
}

func flattenHeaders(h http.Header) map[string]string {
	out := make(map[string]string, len(h))
	for k, vv := range h {
		out[strings.ToLower(k)] = strings.Join(vv, ", ")
	}
	return out
}
