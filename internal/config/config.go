package config

import (
	"time"
)

// Route origins
const (
	OriginConfig = "config"
	OriginAPI    = "api"
)

// Config represents the complete proxy configuration
type Config struct {
	Proxy       ProxyConfig       `yaml:"proxy"`
	Admin       AdminConfig       `yaml:"admin"`
	Logging     LoggingConfig     `yaml:"logging"`
	Tracing     TracingConfig     `yaml:"tracing"`
	Subscribers SubscribersConfig `yaml:"subscribers"`
	Routes      []RouteConfig     `yaml:"routes"`
}

// ProxyConfig configures the intercepting proxy listener
type ProxyConfig struct {
	Listen            string        `yaml:"listen"`
	UpstreamTimeout   time.Duration `yaml:"upstream_timeout"`
	ReadHeaderTimeout time.Duration `yaml:"read_header_timeout"`
	IdleTimeout       time.Duration `yaml:"idle_timeout"`

	// UpstreamIdleTimeout aborts an upstream response body that stalls this long. 0 disables.
	UpstreamIdleTimeout time.Duration `yaml:"upstream_idle_timeout"`
	InsecureSkipVerify  bool          `yaml:"insecure_skip_verify"`
	CAFile              string        `yaml:"ca_file"`
}

// AdminConfig defines the control API settings
type AdminConfig struct {
	Enabled bool   `yaml:"enabled"`
	Listen  string `yaml:"listen"`
}

// LoggingConfig defines logging settings
type LoggingConfig struct {
	Level     string            `yaml:"level"`
	Output    string            `yaml:"output"` // stdout, stderr, or a file path
	Rotation  LogRotationConfig `yaml:"rotation"`
	AccessLog AccessLogConfig   `yaml:"access_log"`
}

// AccessLogConfig filters and shapes access log entries
type AccessLogConfig struct {
	Enabled          bool     `yaml:"enabled"`
	StatusCodes      []string `yaml:"status_codes"` // "4xx", "200-299", "404"
	Methods          []string `yaml:"methods"`
	Headers          bool     `yaml:"headers"` // include request headers
	SensitiveHeaders []string `yaml:"sensitive_headers"`
}

// LogRotationConfig defines log file rotation settings (powered by lumberjack).
type LogRotationConfig struct {
	MaxSize    int  `yaml:"max_size"`    // max megabytes before rotation (default 100)
	MaxBackups int  `yaml:"max_backups"` // old rotated files to keep (default 3)
	MaxAge     int  `yaml:"max_age"`     // days to retain old files (default 28)
	Compress   bool `yaml:"compress"`    // gzip rotated files (default true)
	LocalTime  bool `yaml:"local_time"`  // use local time in backup filenames (default false)
}

// TracingConfig defines OpenTelemetry tracing settings
type TracingConfig struct {
	Enabled     bool              `yaml:"enabled"`
	Endpoint    string            `yaml:"endpoint"`
	Insecure    bool              `yaml:"insecure"`
	ServiceName string            `yaml:"service_name"`
	SampleRate  float64           `yaml:"sample_rate"`
	Headers     map[string]string `yaml:"headers"`
}

// SubscribersConfig configures event delivery to external subscribers
type SubscribersConfig struct {
	// Timeout bounds every single subscriber call
	Timeout  time.Duration     `yaml:"timeout"`
	Webhooks []WebhookEndpoint `yaml:"webhooks"`
	Breaker  BreakerConfig     `yaml:"breaker"`
}

// WebhookEndpoint is an HTTP subscriber that receives lifecycle events as JSON POSTs
type WebhookEndpoint struct {
	ID      string            `yaml:"id"`
	URL     string            `yaml:"url"`
	Secret  string            `yaml:"secret"`
	Events  []string          `yaml:"events"` // "before:request", "after:response", "*"
	Routes  []string          `yaml:"routes"` // empty = all routes
	Headers map[string]string `yaml:"headers"`
	Timeout time.Duration     `yaml:"timeout"`
}

// BreakerConfig configures the circuit breaker in front of each webhook endpoint
type BreakerConfig struct {
	MaxFailures uint32        `yaml:"max_failures"`
	OpenTimeout time.Duration `yaml:"open_timeout"`
}

// RouteConfig defines a stub route. The JSON form is accepted by the control API.
type RouteConfig struct {
	ID             string          `yaml:"id" json:"id"`
	Match          MatchConfig     `yaml:"match" json:"match"`
	StaticResponse *StaticResponse `yaml:"static_response" json:"staticResponse,omitempty"`
}

// MatchConfig holds the route matcher criteria. Every non-empty criterion must match.
type MatchConfig struct {
	URL      string            `yaml:"url" json:"url,omitempty"`             // exact or glob over the full URL
	URLRegex string            `yaml:"url_regex" json:"urlRegex,omitempty"`  // alternative to URL
	Method   string            `yaml:"method" json:"method,omitempty"`       // empty or "*" = any
	Hostname string            `yaml:"hostname" json:"hostname,omitempty"`   // exact or glob
	Path     string            `yaml:"path" json:"path,omitempty"`           // path plus query, exact or glob
	Pathname string            `yaml:"pathname" json:"pathname,omitempty"`   // path only, exact or glob
	Port     []int             `yaml:"port" json:"port,omitempty"`           // any of
	HTTPS    *bool             `yaml:"https" json:"https,omitempty"`
	Headers  map[string]string `yaml:"headers" json:"headers,omitempty"`     // name -> exact or glob
	Query    map[string]string `yaml:"query" json:"query,omitempty"`         // name -> exact or glob
}

// StaticResponse is a fabricated response that bypasses upstream forwarding
type StaticResponse struct {
	StatusCode        int               `yaml:"status_code" json:"statusCode,omitempty"`
	Headers           map[string]string `yaml:"headers" json:"headers,omitempty"`
	Body              string            `yaml:"body" json:"body,omitempty"`
	DelayMs           int               `yaml:"delay_ms" json:"delayMs,omitempty"`
	ThrottleKbps      float64           `yaml:"throttle_kbps" json:"throttleKbps,omitempty"`
	ForceNetworkError bool              `yaml:"force_network_error" json:"forceNetworkError,omitempty"`
}

// DefaultConfig returns a configuration with default values
func DefaultConfig() *Config {
	return &Config{
		Proxy: ProxyConfig{
			Listen:            ":8080",
			UpstreamTimeout:   60 * time.Second,
			ReadHeaderTimeout: 10 * time.Second,
			IdleTimeout:       90 * time.Second,
		},
		Admin: AdminConfig{
			Enabled: true,
			Listen:  ":8081",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Output: "stdout",
			Rotation: LogRotationConfig{
				MaxSize:    100,
				MaxBackups: 3,
				MaxAge:     28,
				Compress:   true,
			},
		},
		Tracing: TracingConfig{
			ServiceName: "netstub",
			SampleRate:  1.0,
		},
		Subscribers: SubscribersConfig{
			Timeout: 30 * time.Second,
			Breaker: BreakerConfig{
				MaxFailures: 5,
				OpenTimeout: 10 * time.Second,
			},
		},
	}
}
