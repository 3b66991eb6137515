// Package reqctx implements the Request Executor (component D): an
// ephemeral binding of one Account to one transport client that issues a
// single HTTP call, transparently regenerating the anti-fingerprint token
// on repeated 404s.
package reqctx

import (
	"bytes"
	"context"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/teranos/xpool/accountpool"
	"github.com/teranos/xpool/internal/errors"
	"github.com/teranos/xpool/xclid"
)

// ErrAbort signals that the call should be aborted entirely — the account
// should not be penalized, and the caller's whole operation returns no
// response and no error.
var ErrAbort = errors.New("request aborted")

const (
	tokenRetries = 3
	tokenRetrySleep = time.Second
)

// Ctx is the ephemeral binding between an Account and a transport client,
// plus a per-acquisition counter of successful requests. Its lifetime is
// exactly one Queue Client acquisition.
type Ctx struct {
	Account  *accountpool.Account
	Client   *http.Client
	ReqCount int64

	tokens *xclid.Store
}

// New binds account to client, using tokens as the anti-fingerprint token
// source.
func New(account *accountpool.Account, client *http.Client, tokens *xclid.Store) *Ctx {
	return &Ctx{Account: account, Client: client, tokens: tokens}
}

// Close releases the transport client. It does not touch any pool state —
// callers are responsible for releasing the borrowed account separately.
func (c *Ctx) Close() error {
	c.Client.CloseIdleConnections()
	return nil
}

// Req issues one HTTP request, attaching the account's authorization
// bearer token, CSRF token, cookies, and user agent, plus a fresh or
// cached x-client-transaction-id. If the response is 404, the token is
// regenerated and the request retried, up to three times; if it is still
// 404 after that, Req returns ErrAbort without penalizing the account —
// this is a sign the derivation scheme itself is stale, not that the
// resource is missing.
func (c *Ctx) Req(ctx context.Context, method, rawURL string, header http.Header, body []byte) (*http.Response, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, errors.Wrapf(err, "parse url %s", rawURL)
	}
	path := u.Path
	if path == "" {
		path = "/"
	}

	for attempt := 0; attempt <= tokenRetries; attempt++ {
		gen, err := c.tokens.Get(ctx, c.Account.Username, attempt > 0)
		if err != nil {
			return nil, errors.Wrap(err, "obtain anti-fingerprint token")
		}

		req, err := newRequest(ctx, method, rawURL, header, body, c.Account)
		if err != nil {
			return nil, err
		}
		req.Header.Set("x-client-transaction-id", gen.Calc(method, path))

		resp, err := c.Client.Do(req)
		if err != nil {
			return nil, err
		}
		if resp.StatusCode != http.StatusNotFound {
			return resp, nil
		}
		resp.Body.Close()

		if attempt < tokenRetries {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(tokenRetrySleep):
			}
		}
	}

	return nil, ErrAbort
}

// newRequest builds the outbound request and attaches account's credential
// headers before any caller-supplied header, so a caller can still override
// a specific header (e.g. Content-Type) without disturbing the rest.
func newRequest(ctx context.Context, method, rawURL string, header http.Header, body []byte, account *accountpool.Account) (*http.Request, error) {
	var req *http.Request
	var err error
	if body != nil {
		req, err = http.NewRequestWithContext(ctx, method, rawURL, bytes.NewReader(body))
	} else {
		req, err = http.NewRequestWithContext(ctx, method, rawURL, nil)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "build %s request to %s", method, rawURL)
	}

	applyAccountHeaders(req, account)

	for k, vs := range header {
		req.Header.Del(k)
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	return req, nil
}

// applyAccountHeaders sets the required-header set from spec §6:
// authorization bearer token, CSRF token (the ct0 cookie), the raw cookie
// header, and user agent. x-client-transaction-id is set separately by Req
// once the token generator has run.
func applyAccountHeaders(req *http.Request, account *accountpool.Account) {
	if account == nil {
		return
	}
	if account.AuthToken != "" {
		req.Header.Set("Authorization", "Bearer "+account.AuthToken)
	}
	if account.UserAgent != "" {
		req.Header.Set("User-Agent", account.UserAgent)
	}
	if account.Cookies != "" {
		req.Header.Set("Cookie", account.Cookies)
		if ct0 := csrfTokenFromCookies(account.Cookies); ct0 != "" {
			req.Header.Set("x-csrf-token", ct0)
		}
	}
}

// csrfTokenFromCookies extracts the ct0 cookie value from a raw
// semicolon-separated Cookie header string, mirroring how the platform's
// CSRF token is itself carried as a cookie.
func csrfTokenFromCookies(raw string) string {
	for _, pair := range strings.Split(raw, ";") {
		k, v, ok := strings.Cut(strings.TrimSpace(pair), "=")
		if ok && k == "ct0" {
			return v
		}
	}
	return ""
}
