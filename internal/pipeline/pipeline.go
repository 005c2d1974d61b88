package pipeline

import (
	"context"
	"net/http"
	"net/url"

	"github.com/wudi/netstub/internal/errors"
	"github.com/wudi/netstub/internal/route"
	"go.uber.org/zap"
)

// Result is how a step hands control back to the pipeline.
type Result int

const (
	// Next advances to the following step.
	Next Result = iota
	// End stops the chain; the response is already complete.
	End
)

func (r Result) String() string {
	switch r {
	case Next:
		return "next"
	case End:
		return "end"
	default:
		return "unknown"
	}
}

// Transaction is the per-request context shared by every step of a pipeline.
type Transaction struct {
	Req *http.Request
	Res *Response

	// ProxiedURL is the absolute URL the browser asked for. Steps may rewrite it.
	ProxiedURL *url.URL

	// MatchingRoutes is set by route matching; empty means not intercepted.
	MatchingRoutes []*route.Route

	// RequestID correlates an intercepted transaction across events.
	RequestID string

	Log *zap.Logger
}

// Context returns the request context
func (tc *Transaction) Context() context.Context {
	return tc.Req.Context()
}

// Incoming returns the view of the request used for route matching
func (tc *Transaction) Incoming() route.Incoming {
	return route.FromHTTP(tc.Req, tc.ProxiedURL)
}

// Step is one stage of a pipeline. A step returns Next or End, or an error to
// fail the transaction; it can never do more than one of these.
type Step interface {
	Name() string
	Handle(tc *Transaction) (Result, error)
}

// StepFunc adapts a function to a Step
type StepFunc struct {
	StepName string
	Fn       func(tc *Transaction) (Result, error)
}

// Name returns the step name
func (s StepFunc) Name() string { return s.StepName }

// Handle runs the function
func (s StepFunc) Handle(tc *Transaction) (Result, error) { return s.Fn(tc) }

// ErrorHandler reports a failed transaction.
type ErrorHandler func(tc *Transaction, step string, err error)

// Pipeline is an ordered list of steps
type Pipeline struct {
	steps   []Step
	onError ErrorHandler
}

// New creates a pipeline. A nil onError uses DefaultErrorHandler.
func New(onError ErrorHandler, steps ...Step) *Pipeline {
	if onError == nil {
		onError = DefaultErrorHandler
	}
	return &Pipeline{steps: steps, onError: onError}
}

// Run drives tc through the steps. It returns the name of the step that ended
// or failed the chain, or "" if every step advanced.
func (p *Pipeline) Run(tc *Transaction) string {
	for _, s := range p.steps {
		res, err := s.Handle(tc)
		if err != nil {
			p.onError(tc, s.Name(), err)
			return s.Name()
		}
		if res == End {
			tc.Log.Debug("pipeline ended", zap.String("step", s.Name()))
			return s.Name()
		}
	}
	return ""
}

// Steps returns the step names in order
func (p *Pipeline) Steps() []string {
	names := make([]string, len(p.steps))
	for i, s := range p.steps {
		names[i] = s.Name()
	}
	return names
}

// DefaultErrorHandler logs the failure and answers with a JSON error when
// nothing was sent yet. Once headers are out, the connection is aborted so the
// client sees a truncated response instead of a corrupt one.
func DefaultErrorHandler(tc *Transaction, step string, err error) {
	pe := errors.From(err)
	if tc.RequestID != "" {
		pe = pe.WithRequestID(tc.RequestID)
	}

	tc.Log.Error("transaction failed",
		zap.String("step", step),
		zap.Int("status", pe.Code),
		zap.Error(err),
	)

	if tc.Res.HeadersSent() {
		panic(http.ErrAbortHandler)
	}
	pe.WriteJSON(tc.Res)
}
