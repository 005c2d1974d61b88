package config

import (
	"fmt"
	"net/url"
	"os"
	"regexp"
	"strings"

	"github.com/goccy/go-yaml"
)

// validHTTPMethods contains all method names a route may match on.
var validHTTPMethods = map[string]bool{
	"GET": true, "HEAD": true, "POST": true, "PUT": true,
	"DELETE": true, "PATCH": true, "OPTIONS": true, "*": true,
}

var validEvents = map[string]bool{
	"before:request": true,
	"after:response": true,
	"*":              true,
}

// Loader handles configuration loading and parsing
type Loader struct {
	envPattern *regexp.Regexp
}

// NewLoader creates a new configuration loader
func NewLoader() *Loader {
	return &Loader{
		envPattern: regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`),
	}
}

// Load reads and parses a configuration file
func (l *Loader) Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	return l.Parse(data)
}

// Parse parses configuration from YAML bytes
func (l *Loader) Parse(data []byte) (*Config, error) {
	expanded := l.expandEnvVars(string(data))

	cfg := DefaultConfig()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	if err := l.validate(cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

// expandEnvVars replaces ${VAR_NAME} with environment variable values
func (l *Loader) expandEnvVars(input string) string {
	return l.envPattern.ReplaceAllStringFunc(input, func(match string) string {
		varName := strings.TrimPrefix(strings.TrimSuffix(match, "}"), "${")
		if value, exists := os.LookupEnv(varName); exists {
			return value
		}
		return match
	})
}

func (l *Loader) validate(cfg *Config) error {
	if cfg.Proxy.Listen == "" {
		return fmt.Errorf("proxy.listen is required")
	}
	if cfg.Admin.Enabled && cfg.Admin.Listen == "" {
		return fmt.Errorf("admin.listen is required when admin is enabled")
	}
	if cfg.Subscribers.Timeout <= 0 {
		return fmt.Errorf("subscribers.timeout must be positive")
	}

	webhookIDs := make(map[string]bool)
	for i, ep := range cfg.Subscribers.Webhooks {
		if ep.ID == "" {
			return fmt.Errorf("webhook %d: id is required", i)
		}
		if webhookIDs[ep.ID] {
			return fmt.Errorf("duplicate webhook id: %s", ep.ID)
		}
		webhookIDs[ep.ID] = true

		u, err := url.Parse(ep.URL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
			return fmt.Errorf("webhook %s: url must be an absolute http(s) URL", ep.ID)
		}
		if len(ep.Events) == 0 {
			return fmt.Errorf("webhook %s: at least one event is required", ep.ID)
		}
		for _, ev := range ep.Events {
			if !validEvents[ev] {
				return fmt.Errorf("webhook %s: unknown event %q", ep.ID, ev)
			}
		}
	}

	routeIDs := make(map[string]bool)
	for i, rc := range cfg.Routes {
		if rc.ID == "" {
			return fmt.Errorf("route %d: id is required", i)
		}
		if routeIDs[rc.ID] {
			return fmt.Errorf("duplicate route id: %s", rc.ID)
		}
		routeIDs[rc.ID] = true

		if err := ValidateRoute(rc); err != nil {
			return err
		}
	}

	return nil
}

// ValidateRoute checks a single route definition. It is shared by the loader and
// the control API.
func ValidateRoute(rc RouteConfig) error {
	if rc.ID == "" {
		return fmt.Errorf("route: id is required")
	}
	if err := validateMatchConfig(rc.ID, rc.Match); err != nil {
		return err
	}
	if sr := rc.StaticResponse; sr != nil {
		if sr.StatusCode != 0 && (sr.StatusCode < 100 || sr.StatusCode > 999) {
			return fmt.Errorf("route %s: invalid static response status code %d", rc.ID, sr.StatusCode)
		}
		if sr.DelayMs < 0 {
			return fmt.Errorf("route %s: static response delay must not be negative", rc.ID)
		}
		if sr.ThrottleKbps < 0 {
			return fmt.Errorf("route %s: static response throttle must not be negative", rc.ID)
		}
	}
	return nil
}

func validateMatchConfig(routeID string, mc MatchConfig) error {
	if mc.URL != "" && mc.URLRegex != "" {
		return fmt.Errorf("route %s: url and url_regex are mutually exclusive", routeID)
	}
	if mc.URLRegex != "" {
		if _, err := regexp.Compile(mc.URLRegex); err != nil {
			return fmt.Errorf("route %s: invalid url_regex: %w", routeID, err)
		}
	}
	if mc.Method != "" && !validHTTPMethods[strings.ToUpper(mc.Method)] {
		return fmt.Errorf("route %s: invalid method %s", routeID, mc.Method)
	}
	for _, p := range mc.Port {
		if p <= 0 || p > 65535 {
			return fmt.Errorf("route %s: invalid port %d", routeID, p)
		}
	}
	for name := range mc.Headers {
		if strings.TrimSpace(name) == "" {
			return fmt.Errorf("route %s: empty header name", routeID)
		}
	}
	return nil
}
