package middleware

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/wudi/netstub/internal/config"
	"github.com/wudi/netstub/internal/logging"
	"go.uber.org/zap"
)

// DefaultSensitiveHeaders are always masked.
var DefaultSensitiveHeaders = []string{"Authorization", "Cookie", "Set-Cookie", "X-API-Key", "Proxy-Authorization"}

// StatusRange represents a contiguous range of HTTP status codes.
type StatusRange struct {
	Lo, Hi int
}

// ParseStatusRange parses a status range string like "4xx", "200", "200-299".
func ParseStatusRange(s string) (StatusRange, error) {
	s = strings.TrimSpace(s)
	// Pattern: Nxx (e.g. "4xx", "5xx")
	if len(s) == 3 && s[1] == 'x' && s[2] == 'x' {
		base := int(s[0]-'0') * 100
		if base < 100 || base > 500 {
			return StatusRange{}, &ParseError{Input: s}
		}
		return StatusRange{Lo: base, Hi: base + 99}, nil
	}
	// Pattern: N-M
	if parts := strings.SplitN(s, "-", 2); len(parts) == 2 {
		lo, err1 := strconv.Atoi(parts[0])
		hi, err2 := strconv.Atoi(parts[1])
		if err1 != nil || err2 != nil || lo < 100 || hi > 599 || lo > hi {
			return StatusRange{}, &ParseError{Input: s}
		}
		return StatusRange{Lo: lo, Hi: hi}, nil
	}
	code, err := strconv.Atoi(s)
	if err != nil || code < 100 || code > 599 {
		return StatusRange{}, &ParseError{Input: s}
	}
	return StatusRange{Lo: code, Hi: code}, nil
}

// ParseError is returned when a status range string is invalid.
type ParseError struct {
	Input string
}

func (e *ParseError) Error() string {
	return "invalid status range: " + e.Input
}

// accessLog holds compiled access log settings
type accessLog struct {
	headers          bool
	sensitiveHeaders map[string]bool
	statusRanges     []StatusRange
	methods          map[string]bool
}

func compileAccessLog(cfg config.AccessLogConfig) (*accessLog, error) {
	c := &accessLog{
		headers:          cfg.Headers,
		sensitiveHeaders: make(map[string]bool),
	}
	for _, h := range DefaultSensitiveHeaders {
		c.sensitiveHeaders[http.CanonicalHeaderKey(h)] = true
	}
	for _, h := range cfg.SensitiveHeaders {
		c.sensitiveHeaders[http.CanonicalHeaderKey(h)] = true
	}
	for _, sc := range cfg.StatusCodes {
		sr, err := ParseStatusRange(sc)
		if err != nil {
			return nil, err
		}
		c.statusRanges = append(c.statusRanges, sr)
	}
	if len(cfg.Methods) > 0 {
		c.methods = make(map[string]bool, len(cfg.Methods))
		for _, m := range cfg.Methods {
			c.methods[strings.ToUpper(m)] = true
		}
	}
	return c, nil
}

func (c *accessLog) shouldLog(status int, method string) bool {
	if c.methods != nil && !c.methods[method] {
		return false
	}
	if len(c.statusRanges) == 0 {
		return true
	}
	for _, sr := range c.statusRanges {
		if status >= sr.Lo && status <= sr.Hi {
			return true
		}
	}
	return false
}

func (c *accessLog) captureHeaders(h http.Header) map[string]string {
	result := make(map[string]string, len(h))
	for name, vals := range h {
		canonical := http.CanonicalHeaderKey(name)
		if c.sensitiveHeaders[canonical] {
			result[canonical] = "***"
			continue
		}
		result[canonical] = strings.Join(vals, ", ")
	}
	return result
}

// AccessLog logs one entry per request through the global logger.
func AccessLog(cfg config.AccessLogConfig) (Middleware, error) {
	c, err := compileAccessLog(cfg)
	if err != nil {
		return nil, err
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
			defer func() {
				if !c.shouldLog(sw.status, r.Method) {
					return
				}
				fields := []zap.Field{
					zap.String("method", r.Method),
					zap.String("url", r.RequestURI),
					zap.String("remote_addr", r.RemoteAddr),
					zap.Int("status", sw.status),
					zap.Int64("bytes", sw.bytes),
					zap.Duration("duration", time.Since(start)),
				}
				if c.headers {
					fields = append(fields, zap.Any("headers", c.captureHeaders(r.Header)))
				}
				logging.Info("access", fields...)
			}()
			next.ServeHTTP(sw, r)
		})
	}, nil
}

// statusWriter records the status and size of a response
type statusWriter struct {
	http.ResponseWriter
	status      int
	bytes       int64
	wroteHeader bool
}

func (sw *statusWriter) WriteHeader(code int) {
	if !sw.wroteHeader {
		sw.status = code
		sw.wroteHeader = true
	}
	sw.ResponseWriter.WriteHeader(code)
}

func (sw *statusWriter) Write(b []byte) (int, error) {
	sw.wroteHeader = true
	n, err := sw.ResponseWriter.Write(b)
	sw.bytes += int64(n)
	return n, err
}

func (sw *statusWriter) Flush() {
	if f, ok := sw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (sw *statusWriter) Unwrap() http.ResponseWriter {
	return sw.ResponseWriter
}
