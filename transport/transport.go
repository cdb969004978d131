// Package transport owns the process-wide HTTP client and the request
// builder every service facade uses to reach the backend. It is the only
// package that touches net/http directly for REST calls.
package transport

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/jsupabase/jsupabase-sub001/config"
	"github.com/jsupabase/jsupabase-sub001/errs"
)

var log = logrus.WithField("component", "transport")

const (
	connectTimeout = 10 * time.Second
	requestTimeout = 15 * time.Second
)

// sharedClient is the process-wide HTTP/2-capable client. Every Transport
// built from any Config reuses this single client and its connection
// pool; only the headers/base URL differ per Config.
var sharedClient = &http.Client{
	Timeout: requestTimeout,
	Transport: &http.Transport{
		ForceAttemptHTTP2:   true,
		TLSClientConfig:     &tls.Config{},
		TLSHandshakeTimeout: connectTimeout,
		DialContext: (&net.Dialer{
			Timeout: connectTimeout,
		}).DialContext,
	},
}

// Transport binds a Config to the process-wide HTTP client.
type Transport struct {
	cfg *config.Config
}

// New builds a Transport over cfg. cfg is captured by reference; the
// Transport always uses the exact snapshot it was built with, even if a
// caller later builds a different Config.
func New(cfg *config.Config) *Transport {
	return &Transport{cfg: cfg}
}

// Config returns the Config snapshot this Transport was built with.
func (t *Transport) Config() *config.Config { return t.cfg }

// Request is a pending outbound call: method, resolved URL, and headers
// pre-populated from the Config, ready for body attachment and send.
type Request struct {
	t       *Transport
	method  string
	url     string
	header  http.Header
	body    io.Reader
	traceID string
}

// NewRequest starts a request builder for path (resolved against the
// Config's base URL) pre-populated with every default header.
func (t *Transport) NewRequest(method, path string) *Request {
	h := make(http.Header)
	for k, v := range t.cfg.Headers() {
		h.Set(k, v)
	}
	return &Request{
		t:       t,
		method:  method,
		url:     t.cfg.ResolveURL(path),
		header:  h,
		traceID: uuid.NewString(),
	}
}

// Header sets an additional header, overriding any Config default.
func (r *Request) Header(key, value string) *Request {
	r.header.Set(key, value)
	return r
}

// Query appends a raw, already-encoded query string (without the leading
// "?") to the request URL.
func (r *Request) Query(raw string) *Request {
	if raw == "" {
		return r
	}
	if bytesContains(r.url, '?') {
		r.url += "&" + raw
	} else {
		r.url += "?" + raw
	}
	return r
}

func bytesContains(s string, b byte) bool {
	for i := 0; i < len(s); i++ {
		if s[i] == b {
			return true
		}
	}
	return false
}

// JSONBody marshals v and attaches it as the request body with
// Content-Type: application/json. A nil v leaves the body empty.
func (r *Request) JSONBody(v interface{}) (*Request, error) {
	if v == nil {
		return r, nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, &errs.DecodeError{Cause: err}
	}
	r.body = bytes.NewReader(data)
	r.header.Set("Content-Type", "application/json")
	return r, nil
}

// RawBody attaches body directly, with the given content type.
func (r *Request) RawBody(body io.Reader, contentType string) *Request {
	r.body = body
	if contentType != "" {
		r.header.Set("Content-Type", contentType)
	}
	return r
}

func (r *Request) build(ctx context.Context) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, r.method, r.url, r.body)
	if err != nil {
		return nil, &errs.TransportError{Cause: err}
	}
	req.Header = r.header
	return req, nil
}

// rawSend performs the HTTP round trip and translates transport and
// status-code failures into the shared error taxonomy. The caller is
// responsible for closing resp.Body when err == nil.
func (r *Request) rawSend(ctx context.Context) (*http.Response, error) {
	req, err := r.build(ctx)
	if err != nil {
		return nil, err
	}

	log.WithFields(logrus.Fields{
		"method": r.method,
		"url":    r.url,
		"trace":  r.traceID,
	}).Debug("supabase: sending request")

	resp, err := sharedClient.Do(req)
	if err != nil {
		return nil, &errs.TransportError{Cause: err}
	}
	return resp, nil
}

// Send performs the request and decodes a JSON response body into dest.
// A nil or empty body leaves dest untouched. Status >= 400 returns an
// HttpError (or AuthError for 401/403) carrying the response body.
func (r *Request) Send(ctx context.Context, dest interface{}) error {
	resp, err := r.rawSend(ctx)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return &errs.TransportError{Cause: err}
	}

	if resp.StatusCode >= 400 {
		return statusError(resp.StatusCode, body)
	}
	if dest == nil || len(body) == 0 {
		return nil
	}
	if err := json.Unmarshal(body, dest); err != nil {
		return &errs.DecodeError{Cause: err}
	}
	return nil
}

// SendRaw performs the request and returns the raw response body,
// without attempting JSON decode. Used for CSV/explain/text responses.
func (r *Request) SendRaw(ctx context.Context) ([]byte, http.Header, error) {
	resp, err := r.rawSend(ctx)
	if err != nil {
		return nil, nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, nil, &errs.TransportError{Cause: err}
	}
	if resp.StatusCode >= 400 {
		return nil, resp.Header, statusError(resp.StatusCode, body)
	}
	return body, resp.Header, nil
}

// SendResponse performs the request and returns the full *http.Response
// for byte-stream consumers (file downloads). The caller must close the
// body. Status >= 400 still translates to a domain error and the body is
// closed before returning.
func (r *Request) SendResponse(ctx context.Context) (*http.Response, error) {
	resp, err := r.rawSend(ctx)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= 400 {
		body, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		return nil, statusError(resp.StatusCode, body)
	}
	return resp, nil
}

func statusError(status int, body []byte) error {
	if status == 401 || status == 403 {
		return &errs.AuthError{Status: status, Body: string(body)}
	}
	return &errs.HttpError{Status: status, Body: string(body)}
}
