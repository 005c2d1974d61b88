package netstub

import (
	"sort"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/wudi/netstub/internal/metrics"
	"github.com/wudi/netstub/internal/route"
)

const (
	recentSize = 256
	recentTTL  = 10 * time.Minute
)

// Summary describes an intercepted transaction for the control API
type Summary struct {
	ID         string        `json:"id"`
	Method     string        `json:"method"`
	URL        string        `json:"url"`
	Routes     []string      `json:"routes"`
	Phase      Phase         `json:"phase"`
	Responded  bool          `json:"responded"`
	StatusCode int           `json:"statusCode,omitempty"`
	StartedAt  time.Time     `json:"startedAt"`
	Duration   time.Duration `json:"duration,omitempty"`
}

// State is the interception state of one proxy session: the registered
// routes and every intercepted transaction still in flight.
type State struct {
	Routes *route.Registry

	metrics *metrics.Collector

	mu       sync.Mutex
	requests map[string]*InterceptedRequest

	recent *expirable.LRU[string, Summary]
}

// NewState creates an empty session state
func NewState(collector *metrics.Collector) *State {
	if collector == nil {
		collector = metrics.NewCollector()
	}
	return &State{
		Routes:   route.NewRegistry(),
		metrics:  collector,
		requests: make(map[string]*InterceptedRequest),
		recent:   expirable.NewLRU[string, Summary](recentSize, nil, recentTTL),
	}
}

// Metrics returns the collector the state reports to
func (s *State) Metrics() *metrics.Collector {
	return s.metrics
}

func (s *State) add(ir *InterceptedRequest) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.requests[ir.ID]; exists {
		return ErrDuplicateRequest
	}
	s.requests[ir.ID] = ir
	s.metrics.InflightInc()
	return nil
}

func (s *State) remove(id string) {
	ir, ok := s.Get(id)
	if !ok {
		return
	}
	// History first, so a transaction is always visible in one of the two.
	s.recent.Add(id, ir.Summary())

	s.mu.Lock()
	delete(s.requests, id)
	s.mu.Unlock()
	s.metrics.InflightDec()
}

// Get returns the in-flight transaction with the given id
func (s *State) Get(id string) (*InterceptedRequest, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ir, ok := s.requests[id]
	return ir, ok
}

// Len returns the number of in-flight transactions
func (s *State) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.requests)
}

// List returns the in-flight transactions, oldest first
func (s *State) List() []Summary {
	s.mu.Lock()
	irs := make([]*InterceptedRequest, 0, len(s.requests))
	for _, ir := range s.requests {
		irs = append(irs, ir)
	}
	s.mu.Unlock()

	out := make([]Summary, len(irs))
	for i, ir := range irs {
		out[i] = ir.Summary()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.Before(out[j].StartedAt) })
	return out
}

// Recent returns recently completed transactions, oldest first
func (s *State) Recent() []Summary {
	out := s.recent.Values()
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.Before(out[j].StartedAt) })
	return out
}

// SendStaticResponse answers an in-flight transaction out of band. The
// response is written by the transaction's own handler as soon as it
// observes it.
func (s *State) SendStaticResponse(id string, sr StaticResponse) error {
	ir, ok := s.Get(id)
	if !ok {
		return ErrRequestNotFound
	}
	return ir.SendStaticResponse(sr)
}

// Reset clears the routes and the completed-transaction history. In-flight
// transactions finish normally.
func (s *State) Reset() {
	s.Routes.Reset()
	s.recent.Purge()
}
