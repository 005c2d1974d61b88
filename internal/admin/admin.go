// Package admin serves the control API: route registration, in-flight
// request inspection, out-of-band responses and the driver socket.
package admin

import (
	"encoding/json"
	stderrors "errors"
	"io"
	"net/http"
	"time"

	"github.com/julienschmidt/httprouter"
	"go.uber.org/zap"

	"github.com/wudi/netstub/internal/config"
	"github.com/wudi/netstub/internal/errors"
	"github.com/wudi/netstub/internal/logging"
	"github.com/wudi/netstub/internal/netstub"
	"github.com/wudi/netstub/internal/subscriber/webhook"
)

const maxBodySize = 1 << 20

// Options carries the optional collaborators of the control API.
type Options struct {
	// Socket serves GET /socket. Nil disables the driver socket.
	Socket   http.Handler
	Webhooks func() []*webhook.Subscriber
}

// API is the control API handler set
type API struct {
	state     *netstub.State
	broker    *netstub.Broker
	opts      Options
	startTime time.Time
}

// New creates the control API.
func New(state *netstub.State, broker *netstub.Broker, opts Options) *API {
	return &API{
		state:     state,
		broker:    broker,
		opts:      opts,
		startTime: time.Now(),
	}
}

// Handler returns the routed control API.
func (a *API) Handler() http.Handler {
	r := httprouter.New()

	r.GET("/healthz", a.handleHealth)
	r.GET("/health", a.handleHealth)

	r.GET("/routes", a.handleListRoutes)
	r.POST("/routes", a.handleAddRoute)
	r.DELETE("/routes", a.handleClearRoutes)
	r.GET("/routes/:id", a.handleGetRoute)
	r.DELETE("/routes/:id", a.handleRemoveRoute)

	r.GET("/requests", a.handleListRequests)
	r.GET("/requests/:id", a.handleGetRequest)
	r.POST("/requests/:id/reply", a.handleReply)
	r.GET("/history", a.handleHistory)

	r.GET("/subscribers", a.handleSubscribers)
	r.POST("/reset", a.handleReset)

	r.Handler(http.MethodGet, "/metrics", a.state.Metrics().Handler())
	if a.opts.Socket != nil {
		r.Handler(http.MethodGet, "/socket", a.opts.Socket)
	}

	r.NotFound = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		errors.ErrNotFound.WriteJSON(w)
	})
	r.MethodNotAllowed = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		errors.ErrMethodNotAllowed.WriteJSON(w)
	})
	return r
}

func (a *API) handleHealth(w http.ResponseWriter, _ *http.Request, _ httprouter.Params) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":      "ok",
		"timestamp":   time.Now().Format(time.RFC3339),
		"uptime":      time.Since(a.startTime).String(),
		"routes":      a.state.Routes.Len(),
		"in_flight":   a.state.Len(),
		"subscribers": len(a.broker.Subscribers()),
	})
}

// routeInfo is the wire form of a registered route
type routeInfo struct {
	ID             string                 `json:"id"`
	Origin         string                 `json:"origin"`
	Match          config.MatchConfig     `json:"match"`
	StaticResponse *config.StaticResponse `json:"staticResponse,omitempty"`
}

func (a *API) handleListRoutes(w http.ResponseWriter, _ *http.Request, _ httprouter.Params) {
	routes := a.state.Routes.Snapshot()
	result := make([]routeInfo, 0, len(routes))
	for _, rt := range routes {
		result = append(result, routeInfo{
			ID:             rt.ID,
			Origin:         rt.Origin,
			Match:          rt.Config.Match,
			StaticResponse: rt.StaticResponse,
		})
	}
	writeJSON(w, http.StatusOK, result)
}

func (a *API) handleGetRoute(w http.ResponseWriter, _ *http.Request, ps httprouter.Params) {
	rt := a.state.Routes.Get(ps.ByName("id"))
	if rt == nil {
		errors.ErrNotFound.WithDetails("no route " + ps.ByName("id")).WriteJSON(w)
		return
	}
	writeJSON(w, http.StatusOK, routeInfo{
		ID:             rt.ID,
		Origin:         rt.Origin,
		Match:          rt.Config.Match,
		StaticResponse: rt.StaticResponse,
	})
}

func (a *API) handleAddRoute(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	var rc config.RouteConfig
	if err := decodeJSON(r, &rc); err != nil {
		errors.ErrBadRequest.WithDetails(err.Error()).WriteJSON(w)
		return
	}
	if a.state.Routes.Get(rc.ID) != nil {
		errors.ErrConflict.WithDetails("route " + rc.ID + " already registered").WriteJSON(w)
		return
	}
	rt, err := a.state.Routes.Add(rc, config.OriginAPI)
	if err != nil {
		errors.ErrBadRequest.WithDetails(err.Error()).WriteJSON(w)
		return
	}
	logging.Info("route registered", zap.String("route", rt.ID), zap.String("origin", rt.Origin))
	writeJSON(w, http.StatusCreated, routeInfo{
		ID:             rt.ID,
		Origin:         rt.Origin,
		Match:          rt.Config.Match,
		StaticResponse: rt.StaticResponse,
	})
}

func (a *API) handleRemoveRoute(w http.ResponseWriter, _ *http.Request, ps httprouter.Params) {
	id := ps.ByName("id")
	if !a.state.Routes.Remove(id) {
		errors.ErrNotFound.WithDetails("no route " + id).WriteJSON(w)
		return
	}
	logging.Info("route removed", zap.String("route", id))
	w.WriteHeader(http.StatusNoContent)
}

// handleClearRoutes drops the routes registered through the API. Routes
// from the config file stay.
func (a *API) handleClearRoutes(w http.ResponseWriter, _ *http.Request, _ httprouter.Params) {
	if err := a.state.Routes.ReplaceOrigin(config.OriginAPI, nil); err != nil {
		errors.ErrInternalServer.WithDetails(err.Error()).WriteJSON(w)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) handleListRequests(w http.ResponseWriter, _ *http.Request, _ httprouter.Params) {
	writeJSON(w, http.StatusOK, a.state.List())
}

func (a *API) handleGetRequest(w http.ResponseWriter, _ *http.Request, ps httprouter.Params) {
	ir, ok := a.state.Get(ps.ByName("id"))
	if !ok {
		errors.ErrNotFound.WithDetails(netstub.ErrRequestNotFound.Error()).WriteJSON(w)
		return
	}
	writeJSON(w, http.StatusOK, ir.Summary())
}

func (a *API) handleHistory(w http.ResponseWriter, _ *http.Request, _ httprouter.Params) {
	writeJSON(w, http.StatusOK, a.state.Recent())
}

// handleReply answers an in-flight request with a static response.
func (a *API) handleReply(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	var sr netstub.StaticResponse
	if err := decodeJSON(r, &sr); err != nil {
		errors.ErrBadRequest.WithDetails(err.Error()).WriteJSON(w)
		return
	}

	id := ps.ByName("id")
	err := a.state.SendStaticResponse(id, sr)
	switch {
	case err == nil:
		writeJSON(w, http.StatusAccepted, map[string]string{"id": id, "status": "responded"})
	case stderrors.Is(err, netstub.ErrRequestNotFound):
		errors.ErrNotFound.WithDetails(err.Error()).WriteJSON(w)
	case stderrors.Is(err, netstub.ErrAlreadyResponded), stderrors.Is(err, netstub.ErrAlreadyForwarded):
		errors.ErrConflict.WithDetails(err.Error()).WriteJSON(w)
	default:
		errors.ErrInternalServer.WithDetails(err.Error()).WriteJSON(w)
	}
}

type subscriberInfo struct {
	ID      string         `json:"id"`
	Webhook *webhook.Stats `json:"webhook,omitempty"`
}

func (a *API) handleSubscribers(w http.ResponseWriter, _ *http.Request, _ httprouter.Params) {
	stats := make(map[string]webhook.Stats)
	if a.opts.Webhooks != nil {
		for _, s := range a.opts.Webhooks() {
			stats[s.ID()] = s.Stats()
		}
	}

	subs := a.broker.Subscribers()
	result := make([]subscriberInfo, 0, len(subs))
	for _, s := range subs {
		info := subscriberInfo{ID: s.ID()}
		if st, ok := stats[s.ID()]; ok {
			info.Webhook = &st
		}
		result = append(result, info)
	}
	writeJSON(w, http.StatusOK, result)
}

func (a *API) handleReset(w http.ResponseWriter, _ *http.Request, _ httprouter.Params) {
	a.state.Reset()
	logging.Info("session state reset")
	w.WriteHeader(http.StatusNoContent)
}

func decodeJSON(r *http.Request, v interface{}) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodySize))
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
