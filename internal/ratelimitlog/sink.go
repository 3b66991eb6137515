// Package ratelimitlog implements the optional rate-limit log stream from
// spec §6 Environment: rate-limit, ban-strike, and unknown-error events
// (plus a sample of successes) appended as JSON lines to a per-day file
// under the user's configuration directory. It mirrors
// queue_client.py's _log_rate_limit_response, trimmed to the fields a
// human actually greps for when diagnosing why an account went quiet.
package ratelimitlog

import (
	"encoding/json"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/teranos/xpool/internal/errors"
)

// Event is one logged occurrence.
type Event struct {
	Timestamp  time.Time      `json:"timestamp"`
	EventType  string         `json:"event_type"`
	Account    string         `json:"account"`
	Queue      string         `json:"queue"`
	StatusCode int            `json:"status_code"`
	Endpoint   string         `json:"endpoint"`
	URL        string         `json:"url"`
	Request    RequestSummary `json:"request"`
	ErrorMsg   string         `json:"error_message_formatted"`
	RawErrors  []RawError     `json:"raw_errors,omitempty"`
	RateLimit  RateLimit      `json:"rate_limit_headers"`
}

// RawError is one entry of the response body's top-level "errors" array.
type RawError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// RequestSummary records the credential shape of the outbound request,
// never the credential values themselves.
type RequestSummary struct {
	Method            string `json:"method"`
	UserAgent         string `json:"user_agent"`
	AuthorizationType string `json:"authorization_type"`
	HasCSRFToken      bool   `json:"has_csrf_token"`
	TransactionID     string `json:"x_client_transaction_id"`
}

// RateLimit carries the three rate-limit headers as received (strings,
// since "N/A" is a valid logged value when a header is absent).
type RateLimit struct {
	Limit     string `json:"limit"`
	Remaining string `json:"remaining"`
	Reset     string `json:"reset"`
}

// Sink appends Events as JSON lines to a per-day file. A disabled Sink
// (including a nil pointer) is a no-op, matching internal/debugdump's
// shape for optional sinks.
type Sink struct {
	enabled bool
	dir     string
	mu      sync.Mutex
}

// New builds a Sink. When enabled is false, Write is a no-op.
func New(enabled bool, dir string) (*Sink, error) {
	if !enabled {
		return &Sink{enabled: false}, nil
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, errors.Wrapf(err, "create rate limit log directory %s", dir)
	}
	return &Sink{enabled: true, dir: dir}, nil
}

// Write appends evt to today's log file. evt.Timestamp selects which
// day's file it lands in; callers normally leave it at its zero value and
// let Write stamp it, but an explicit value is honored for tests.
func (s *Sink) Write(evt Event) error {
	if s == nil || !s.enabled {
		return nil
	}
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now().UTC()
	}

	line, err := json.Marshal(evt)
	if err != nil {
		return errors.Wrap(err, "marshal rate limit log event")
	}

	path := filepath.Join(s.dir, "rate_limits_"+evt.Timestamp.Format("20060102")+".jsonl")

	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return errors.Wrapf(err, "open rate limit log %s", path)
	}
	defer f.Close()

	if _, err := f.Write(append(line, '\n')); err != nil {
		return errors.Wrapf(err, "write rate limit log %s", path)
	}
	return nil
}

// EndpointFromPath extracts the GraphQL operation name from a request
// path of the form /i/api/graphql/<queryId>/<OperationName>, or "unknown"
// if the path doesn't match that shape.
func EndpointFromPath(path string) string {
	const marker = "/graphql/"
	idx := strings.Index(path, marker)
	if idx < 0 {
		return "unknown"
	}
	rest := path[idx+len(marker):]
	parts := strings.Split(rest, "/")
	if len(parts) < 2 {
		return "unknown"
	}
	op := parts[1]
	if q := strings.IndexByte(op, '?'); q >= 0 {
		op = op[:q]
	}
	if op == "" {
		return "unknown"
	}
	return op
}

// SummaryFromRequest builds a RequestSummary from the request the
// classifier is looking at, reading back the headers reqctx attached —
// never the raw token values.
func SummaryFromRequest(req *http.Request) RequestSummary {
	if req == nil {
		return RequestSummary{}
	}
	authType := "N/A"
	if strings.HasPrefix(req.Header.Get("Authorization"), "Bearer") {
		authType = "Bearer"
	}
	return RequestSummary{
		Method:            req.Method,
		UserAgent:         req.Header.Get("User-Agent"),
		AuthorizationType: authType,
		HasCSRFToken:      req.Header.Get("x-csrf-token") != "",
		TransactionID:     req.Header.Get("x-client-transaction-id"),
	}
}

func headerOrNA(h http.Header, key string) string {
	if v := h.Get(key); v != "" {
		return v
	}
	return "N/A"
}

// RateLimitFromHeaders reads the three rate-limit headers the platform
// returns, defaulting each to "N/A" when absent.
func RateLimitFromHeaders(h http.Header) RateLimit {
	return RateLimit{
		Limit:     headerOrNA(h, "x-rate-limit-limit"),
		Remaining: headerOrNA(h, "x-rate-limit-remaining"),
		Reset:     headerOrNA(h, "x-rate-limit-reset"),
	}
}
