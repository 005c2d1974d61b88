package netstub

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/tidwall/gjson"
	"github.com/wudi/netstub/internal/errors"
	"github.com/wudi/netstub/internal/pipeline"
)

// decodeChanges overlays a subscriber's returned copy onto current. Fields the
// subscriber left out keep their current value; headers, when present, replace
// the whole set so that a missing header reads as a deletion.
func decodeChanges(current Request, changes json.RawMessage) (Request, error) {
	after := current.Clone()
	if len(changes) == 0 {
		return after, nil
	}
	if !gjson.ValidBytes(changes) {
		return current, ErrSubscriberFailed.WithDetails("changes are not valid JSON")
	}
	if gjson.ParseBytes(changes).Type == gjson.Null {
		return after, nil
	}

	headers := gjson.GetBytes(changes, "headers")
	if headers.Exists() {
		after.Headers = nil
	}
	if err := json.Unmarshal(changes, &after); err != nil {
		if _, ok := errors.IsProxyError(err); ok {
			return current, err
		}
		return current, ErrSubscriberFailed.WithCause(err).WithDetails(err.Error())
	}
	if after.Headers == nil {
		after.Headers = map[string]string{}
	}
	lowered := make(map[string]string, len(after.Headers))
	for k, v := range after.Headers {
		lowered[strings.ToLower(k)] = v
	}
	after.Headers = lowered
	after.BodyIsBinary = after.Body.IsBinary()
	return after, nil
}

// mergeChanges folds after into before. Only method, url, headers and body
// are copied. proxiedURL is the base for resolving after.URL and receives the
// resolved absolute URL.
func mergeChanges(before *Request, after Request, proxiedURL *string) error {
	headers := make(map[string]string, len(after.Headers))
	for k, v := range after.Headers {
		headers[k] = v
	}

	body := after.Body
	if body.Equal(before.Body) {
		body = before.Body
	}

	beforeCL, hadCL := before.Headers["content-length"]
	if afterCL, ok := headers["content-length"]; afterCL == beforeCL && ok == hadCL {
		if ok || body.Len() > 0 {
			headers["content-length"] = strconv.Itoa(body.Len())
		}
	}

	resolved, err := resolveURL(*proxiedURL, after.URL)
	if err != nil {
		return err
	}
	*proxiedURL = resolved

	before.Method = after.Method
	before.URL = resolved
	before.Headers = headers
	before.Body = body
	before.BodyIsBinary = body.IsBinary()
	return nil
}

func resolveURL(base, ref string) (string, error) {
	b, err := url.Parse(base)
	if err != nil {
		return "", ErrSubscriberFailed.WithDetails("invalid base url " + base)
	}
	if ref == "" {
		return b.String(), nil
	}
	r, err := url.Parse(ref)
	if err != nil {
		return "", ErrSubscriberFailed.WithDetails("invalid url " + ref)
	}
	return b.ResolveReference(r).String(), nil
}

// viewOf projects the live request onto its serializable view. body is the
// already accumulated request body.
func viewOf(tc *pipeline.Transaction, body Body) Request {
	headers := make(map[string]string, len(tc.Req.Header)+2)
	for k, vv := range tc.Req.Header {
		name := strings.ToLower(k)
		sep := ", "
		if name == "cookie" {
			sep = "; "
		}
		headers[name] = strings.Join(vv, sep)
	}
	if tc.Req.Host != "" {
		headers["host"] = tc.Req.Host
	}
	if tc.Req.ContentLength > 0 {
		headers["content-length"] = strconv.FormatInt(tc.Req.ContentLength, 10)
	}
	return Request{
		Method:       tc.Req.Method,
		URL:          tc.ProxiedURL.String(),
		Headers:      headers,
		Body:         body,
		BodyIsBinary: body.IsBinary(),
	}
}

// applyView writes the difference between live and view back onto the
// request. Headers untouched in the view are left as they are.
func applyView(tc *pipeline.Transaction, live, view Request) error {
	u, err := url.Parse(view.URL)
	if err != nil {
		return ErrSubscriberFailed.WithDetails("invalid url " + view.URL)
	}

	r := tc.Req
	for name := range live.Headers {
		if _, ok := view.Headers[name]; !ok && name != "host" {
			r.Header.Del(name)
		}
	}
	for name, v := range view.Headers {
		if name == "host" {
			continue
		}
		if old, ok := live.Headers[name]; !ok || old != v {
			r.Header.Set(name, v)
		}
	}

	switch host, ok := view.Headers["host"]; {
	case ok && host != live.Headers["host"]:
		r.Host = host
	case u.Host != tc.ProxiedURL.Host:
		r.Host = u.Host
	}

	data := view.Body.Bytes()
	r.ContentLength = int64(len(data))
	if cl, ok := view.Headers["content-length"]; ok {
		if n, err := strconv.ParseInt(cl, 10, 64); err == nil && n >= 0 {
			r.ContentLength = n
		}
	}
	if len(data) == 0 && r.ContentLength == 0 {
		r.Body = http.NoBody
		r.GetBody = func() (io.ReadCloser, error) { return http.NoBody, nil }
	} else {
		r.Body = io.NopCloser(bytes.NewReader(data))
		r.GetBody = func() (io.ReadCloser, error) {
			return io.NopCloser(bytes.NewReader(data)), nil
		}
	}

	r.Method = view.Method
	r.URL = u
	tc.ProxiedURL = u
	return nil
}
