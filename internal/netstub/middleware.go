package netstub

import (
	"net/http"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/wudi/netstub/internal/pipeline"
	"github.com/wudi/netstub/internal/route"
	"github.com/wudi/netstub/internal/tracing"
)

// SetMatchingRoutes answers CORS preflights for stubbed routes and records
// which routes match every other request.
func SetMatchingRoutes(state *State) pipeline.Step {
	return pipeline.StepFunc{StepName: "SetMatchingRoutes", Fn: func(tc *pipeline.Transaction) (pipeline.Result, error) {
		routes := state.Routes.Snapshot()
		in := tc.Incoming()

		if route.MatchesPreflight(routes, in) {
			sendStaticResponse(tc, StaticResponse{
				StatusCode: http.StatusNoContent,
				Headers:    preflightHeaders(tc.Req),
			})
			state.metrics.RecordPreflight()
			tc.Log.Debug("answered preflight for stubbed route")
			return pipeline.End, nil
		}

		tc.MatchingRoutes = route.ForRequest(routes, in)
		return pipeline.Next, nil
	}}
}

func preflightHeaders(r *http.Request) map[string]string {
	orDefault := func(name string) string {
		if v := r.Header.Get(name); v != "" {
			return v
		}
		return "*"
	}
	return map[string]string{
		"access-control-max-age":           "-1",
		"access-control-allow-credentials": "true",
		"access-control-allow-origin":      orDefault("Origin"),
		"access-control-allow-methods":     orDefault("Access-Control-Request-Method"),
		"access-control-allow-headers":     orDefault("Access-Control-Request-Headers"),
	}
}

// InterceptRequest hands requests with matching routes to subscribers before
// they are forwarded. Requests without matching routes pass untouched.
func InterceptRequest(state *State, broker *Broker, tracer *tracing.Tracer) pipeline.Step {
	if tracer == nil {
		tracer = tracing.Noop()
	}
	return pipeline.StepFunc{StepName: "InterceptRequest", Fn: func(tc *pipeline.Transaction) (pipeline.Result, error) {
		if len(tc.MatchingRoutes) == 0 {
			return pipeline.Next, nil
		}

		ir := newInterceptedRequest(tc, state, broker)
		ctx, span := tracer.StartSpan(tc.Context(), "netstub.intercept",
			attribute.String("netstub.request_id", ir.ID),
			attribute.Int("netstub.routes", len(tc.MatchingRoutes)),
		)
		defer span.End()

		ir.log.Debug("intercepting request", zap.Int("routes", len(tc.MatchingRoutes)))
		return ir.run(ctx)
	}}
}
