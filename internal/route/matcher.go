package route

import (
	"net/http"
	"net/url"
	"regexp"
	"strconv"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/wudi/netstub/internal/config"
)

// Incoming is the part of a transaction the matcher looks at. URL is the
// absolute proxied URL.
type Incoming struct {
	Method string
	URL    *url.URL
	Header http.Header
}

// FromHTTP builds an Incoming from a live request and its proxied URL.
func FromHTTP(r *http.Request, proxiedURL *url.URL) Incoming {
	return Incoming{Method: r.Method, URL: proxiedURL, Header: r.Header}
}

// CompiledMatcher evaluates the criteria of one route.
type CompiledMatcher struct {
	url      string
	urlRegex *regexp.Regexp
	method   string // "" = any
	hostname string
	path     string
	pathname string
	ports    map[int]bool
	https    *bool
	headers  []valueMatcher
	query    []valueMatcher
}

type valueMatcher struct {
	name    string
	pattern string
}

// NewCompiledMatcher creates a CompiledMatcher from config.
// Regexes are compiled once at creation time.
func NewCompiledMatcher(mc config.MatchConfig) (*CompiledMatcher, error) {
	cm := &CompiledMatcher{
		url:      mc.URL,
		hostname: mc.Hostname,
		path:     mc.Path,
		pathname: mc.Pathname,
		https:    mc.HTTPS,
	}

	if mc.URLRegex != "" {
		re, err := regexp.Compile(mc.URLRegex)
		if err != nil {
			return nil, err
		}
		cm.urlRegex = re
	}

	if m := strings.ToUpper(mc.Method); m != "*" {
		cm.method = m
	}

	if len(mc.Port) > 0 {
		cm.ports = make(map[int]bool, len(mc.Port))
		for _, p := range mc.Port {
			cm.ports[p] = true
		}
	}

	for name, pattern := range mc.Headers {
		cm.headers = append(cm.headers, valueMatcher{name: http.CanonicalHeaderKey(name), pattern: pattern})
	}
	for name, pattern := range mc.Query {
		cm.query = append(cm.query, valueMatcher{name: name, pattern: pattern})
	}

	return cm, nil
}

// Matches evaluates all criteria against the request.
func (cm *CompiledMatcher) Matches(in Incoming) bool {
	return cm.matches(in, in.Method, false)
}

// matchesPreflight checks the criteria a CORS preflight can carry: the
// method is the one the browser asks for, and header criteria are skipped.
func (cm *CompiledMatcher) matchesPreflight(in Incoming) bool {
	requested := in.Header.Get("Access-Control-Request-Method")
	return cm.matches(in, requested, true)
}

func (cm *CompiledMatcher) matches(in Incoming, method string, skipHeaders bool) bool {
	if cm.method != "" && !strings.EqualFold(cm.method, method) {
		return false
	}

	u := in.URL
	if u == nil {
		return false
	}

	if cm.url != "" && !matchString(cm.url, u.String()) {
		return false
	}
	if cm.urlRegex != nil && !cm.urlRegex.MatchString(u.String()) {
		return false
	}
	if cm.hostname != "" && !matchString(strings.ToLower(cm.hostname), strings.ToLower(u.Hostname())) {
		return false
	}
	if cm.pathname != "" && !matchString(cm.pathname, u.EscapedPath()) {
		return false
	}
	if cm.path != "" && !matchString(cm.path, u.RequestURI()) {
		return false
	}
	if cm.https != nil && *cm.https != (u.Scheme == "https") {
		return false
	}
	if cm.ports != nil && !cm.ports[portOf(u)] {
		return false
	}

	if !skipHeaders {
		for _, hm := range cm.headers {
			vals, ok := in.Header[hm.name]
			if !ok || !matchString(hm.pattern, strings.Join(vals, ", ")) {
				return false
			}
		}
	}

	if len(cm.query) > 0 {
		q := u.Query()
		for _, qm := range cm.query {
			if !q.Has(qm.name) || !matchString(qm.pattern, q.Get(qm.name)) {
				return false
			}
		}
	}

	return true
}

// matchString reports whether value equals pattern or matches it as a glob.
func matchString(pattern, value string) bool {
	if pattern == value {
		return true
	}
	ok, err := doublestar.Match(pattern, value)
	return err == nil && ok
}

func portOf(u *url.URL) int {
	if p := u.Port(); p != "" {
		n, err := strconv.Atoi(p)
		if err == nil {
			return n
		}
	}
	if u.Scheme == "https" {
		return 443
	}
	return 80
}
