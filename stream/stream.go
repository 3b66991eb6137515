// Package stream implements the Paginated Stream Driver (component H): it
// wraps a Queue Client with cursor threading over cursor-based endpoints.
// The per-operation request shape (operation id, default variables,
// feature flags) is an external collaborator's concern — Stream accepts an
// Operation descriptor from the caller rather than embedding a catalog.
package stream

import (
	"context"
	"encoding/json"
	"io"
	"net/url"
	"strings"

	"go.uber.org/zap"

	"github.com/teranos/xpool/internal/errors"
	"github.com/teranos/xpool/internal/jsonutil"
	"github.com/teranos/xpool/internal/logger"
	"github.com/teranos/xpool/queueclient"
)

// DefaultCursorType is the cursor-type attribute most timelines use.
// Threaded-reply timelines sometimes use "ShowMoreThreads" instead.
const DefaultCursorType = "Bottom"

// Operation describes one paginated GraphQL query: its URL, its base
// variables/features, and any per-queue field-toggle variant.
type Operation struct {
	// URL is the fully-qualified GraphQL endpoint for this operation,
	// e.g. ".../graphql/bshMIjqDk8LTXTq4w91WKw/SearchTimeline".
	URL string
	// Queue identifies the rate-limit/lock bucket — normally the last
	// path segment of URL.
	Queue        string
	Variables    map[string]any
	Features     map[string]any
	FieldToggles map[string]any
	// CursorType is the cursorType attribute to search for. Defaults to
	// DefaultCursorType when empty.
	CursorType string
}

// Page is one yielded result of a Stream: the raw response body plus the
// cursor extracted from it (empty if the remote supplied none).
type Page struct {
	Body   []byte
	Cursor string
}

// Stream is a cursor-threaded iterator over one Operation. Call Next
// repeatedly until it reports done.
type Stream struct {
	client *queueclient.Client
	op     Operation
	limit  int

	cursor string
	total  int
	done   bool

	log *zap.SugaredLogger
}

// New builds a Stream for op. limit <= 0 means unbounded. initialCursor
// resumes a previously-interrupted stream at the page following the one
// that produced it.
func New(client *queueclient.Client, op Operation, limit int, initialCursor string) *Stream {
	if op.CursorType == "" {
		op.CursorType = DefaultCursorType
	}
	return &Stream{
		client: client,
		op:     op,
		limit:  limit,
		cursor: initialCursor,
		log:    logger.Named("stream").With(logger.FieldQueue, op.Queue),
	}
}

// Next fetches and returns the next page. ok is false once the stream has
// terminated (remote cursor exhausted, empty page, or limit reached); no
// further calls should be made once ok is false and err is nil.
func (s *Stream) Next(ctx context.Context) (page *Page, ok bool, err error) {
	if s.done {
		return nil, false, nil
	}

	params, err := s.encodeParams()
	if err != nil {
		return nil, false, errors.Wrap(err, "encode stream params")
	}

	resp, err := s.client.Get(ctx, s.op.URL, params)
	if err != nil {
		return nil, false, err
	}
	if resp == nil {
		// Queue Client aborted the call or had no account to serve it;
		// per §4.H step 3, terminate cleanly.
		s.done = true
		return nil, false, nil
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, false, errors.Wrap(err, "read stream page body")
	}

	tree, err := jsonutil.Decode(body)
	if err != nil {
		// A response that doesn't even parse as JSON cannot be paginated
		// further; treat it as a clean termination rather than an error,
		// consistent with the stale-cursor handling in Open Question (c).
		s.done = true
		return nil, false, nil
	}

	entries := filterEntries(jsonutil.StringEntries(jsonutil.GetByPath(tree, "entries")))
	if len(entries) == 0 {
		s.done = true
		return nil, false, nil
	}

	cursor := extractCursor(tree, s.op.CursorType)
	s.log.Debugw("page fetched", logger.FieldCursor, cursor, "entries", len(entries))

	s.total += len(entries)
	if cursor == "" || (s.limit > 0 && s.total >= s.limit) {
		s.done = true
	}
	s.cursor = cursor

	return &Page{Body: body, Cursor: cursor}, true, nil
}

// Cursor returns the most recently extracted cursor, for callers that want
// to persist it independently of the "pages with cursor" mode.
func (s *Stream) Cursor() string {
	return s.cursor
}

func (s *Stream) encodeParams() (url.Values, error) {
	variables := map[string]any{}
	for k, v := range s.op.Variables {
		variables[k] = v
	}
	if s.cursor != "" {
		variables["cursor"] = s.cursor
	}

	payload := map[string]any{
		"variables": variables,
		"features":  s.op.Features,
	}
	if len(s.op.FieldToggles) > 0 {
		payload["fieldToggles"] = s.op.FieldToggles
	}

	values := url.Values{}
	for k, v := range payload {
		encoded, err := json.Marshal(v)
		if err != nil {
			return nil, err
		}
		values.Set(k, string(encoded))
	}
	return values, nil
}

// filterEntries drops navigation/promotional entries — those with an
// entryId beginning with "cursor-" or "messageprompt-" — per §6.
func filterEntries(entries []map[string]any) []map[string]any {
	out := make([]map[string]any, 0, len(entries))
	for _, e := range entries {
		id, _ := e["entryId"].(string)
		if strings.HasPrefix(id, "cursor-") || strings.HasPrefix(id, "messageprompt-") {
			continue
		}
		out = append(out, e)
	}
	return out
}

// extractCursor walks tree for the first object whose cursorType attribute
// matches cursorType and returns its value.
func extractCursor(tree any, cursorType string) string {
	found := jsonutil.FindByKey(tree, func(m map[string]any) bool {
		ct, _ := m["cursorType"].(string)
		return ct == cursorType
	})
	if found == nil {
		return ""
	}
	v, _ := found["value"].(string)
	return v
}
