package netstub

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"maps"
	"unicode/utf8"

	"github.com/tidwall/gjson"
	"github.com/wudi/netstub/internal/config"
)

// EventName is a lifecycle event delivered to subscribers
type EventName string

const (
	EventBeforeRequest EventName = "before:request"
	EventAfterResponse EventName = "after:response"
)

// StaticResponse is a fabricated response sent instead of forwarding upstream
type StaticResponse = config.StaticResponse

// Body is a request or response body: UTF-8 text or raw bytes.
type Body struct {
	data   []byte
	binary bool
}

// TextBody returns a text body
func TextBody(s string) Body {
	return Body{data: []byte(s)}
}

// BinaryBody returns a binary body holding b by reference.
func BinaryBody(b []byte) Body {
	return Body{data: b, binary: true}
}

// classifyBody keeps valid UTF-8 as text and everything else as binary.
func classifyBody(b []byte) Body {
	if utf8.Valid(b) {
		return Body{data: b}
	}
	return BinaryBody(b)
}

// Bytes returns the raw body. The slice is shared, not copied.
func (b Body) Bytes() []byte { return b.data }

// String returns the body as text
func (b Body) String() string { return string(b.data) }

// IsBinary reports whether the body is kept as raw bytes
func (b Body) IsBinary() bool { return b.binary }

// Len returns the body length in bytes
func (b Body) Len() int { return len(b.data) }

// Equal reports whether two bodies carry the same kind and bytes
func (b Body) Equal(o Body) bool {
	return b.binary == o.binary && bytes.Equal(b.data, o.data)
}

type bufferJSON struct {
	Type string `json:"type"`
	Data []byte `json:"data"`
}

// MarshalJSON encodes text as a JSON string and binary as
// {"type":"Buffer","data":"<base64>"}.
func (b Body) MarshalJSON() ([]byte, error) {
	if b.binary {
		return json.Marshal(bufferJSON{Type: "Buffer", Data: b.data})
	}
	return json.Marshal(string(b.data))
}

// UnmarshalJSON accepts a JSON string, null, or a buffer object whose data is
// base64 or an array of byte values. Anything else is ErrInvalidBody.
func (b *Body) UnmarshalJSON(data []byte) error {
	v := gjson.ParseBytes(data)
	switch {
	case v.Type == gjson.Null:
		*b = Body{}
		return nil
	case v.Type == gjson.String:
		*b = TextBody(v.Str)
		return nil
	case v.IsObject() && v.Get("type").Str == "Buffer":
		raw := v.Get("data")
		switch {
		case raw.Type == gjson.String:
			dec, err := base64.StdEncoding.DecodeString(raw.Str)
			if err != nil {
				return ErrInvalidBody.WithDetails("buffer data is not base64")
			}
			*b = BinaryBody(dec)
			return nil
		case raw.IsArray():
			arr := raw.Array()
			dec := make([]byte, len(arr))
			for i, n := range arr {
				if n.Type != gjson.Number || n.Int() < 0 || n.Int() > 255 {
					return ErrInvalidBody.WithDetails("buffer data holds a non-byte value")
				}
				dec[i] = byte(n.Int())
			}
			*b = BinaryBody(dec)
			return nil
		}
	}
	return ErrInvalidBody.WithDetails("body must be a string or a buffer, got " + v.Type.String())
}

// Request is the serializable view of a request exchanged with subscribers.
// Header names are lowercase.
type Request struct {
	Method       string            `json:"method"`
	URL          string            `json:"url"`
	Headers      map[string]string `json:"headers"`
	Body         Body              `json:"body"`
	BodyIsBinary bool              `json:"bodyIsBinary"`
}

// Clone returns a copy whose header map can be mutated independently.
// Body bytes stay shared.
func (r Request) Clone() Request {
	r.Headers = maps.Clone(r.Headers)
	if r.Headers == nil {
		r.Headers = map[string]string{}
	}
	return r
}

// ResponseComplete is the after:response payload.
type ResponseComplete struct {
	StatusCode   int               `json:"statusCode"`
	Headers      map[string]string `json:"headers"`
	FinalResBody *Body             `json:"finalResBody,omitempty"`
}

// Event is one delivery to a subscriber
type Event struct {
	Name      EventName       `json:"eventName"`
	RequestID string          `json:"requestId"`
	RouteID   string          `json:"routeId"`
	Data      json.RawMessage `json:"data"`
}

// Reply is a subscriber's answer to an Event. A nil Reply is a no-op.
type Reply struct {
	// Changes is a same-shaped copy of the event data carrying the
	// subscriber's mutations. Empty means unchanged.
	Changes json.RawMessage `json:"changes,omitempty"`
	// IncludeBody asks for the final response body on after:response.
	IncludeBody bool `json:"includeBody,omitempty"`
	// StaticResponse answers the request now instead of forwarding it.
	StaticResponse *StaticResponse `json:"staticResponse,omitempty"`
}
