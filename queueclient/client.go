// Package queueclient implements the Queue Client (component G): the
// single `GET`/`POST` operation callers use, which hides account
// selection, token refresh, rate-limit backoff, and retry-on-a-different-
// account behind one call.
package queueclient

import (
	"context"
	"errors"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/teranos/xpool/accountpool"
	"github.com/teranos/xpool/classifier"
	"github.com/teranos/xpool/internal/debugdump"
	pkgerrors "github.com/teranos/xpool/internal/errors"
	"github.com/teranos/xpool/internal/logger"
	"github.com/teranos/xpool/ratepace"
	"github.com/teranos/xpool/reqctx"
	"github.com/teranos/xpool/xclid"
)

const (
	connectRetryLimit = 3
	unknownRetryLimit = 3
	unknownLockMinutes = 15
)

// ClientFactory builds the *http.Client an account's requests should use
// (proxy-aware; the caller decides pooling/TLS/SSRF policy).
type ClientFactory func(acc *accountpool.Account) (*http.Client, error)

// Client is the Queue Client bound to one queue (endpoint). Multiple
// Clients for different queues, or many concurrent callers of the same
// queue's Client, may run over one shared LockManager/Store.
type Client struct {
	Pool          *accountpool.LockManager
	Queue         string
	Classifier    *classifier.Classifier
	Tokens        *xclid.Store
	ClientFactory ClientFactory
	Pacer         *ratepace.Pacer // optional aggregate pacing; nil disables it
	Dumper        *debugdump.Dumper // optional response dumping; nil/disabled is a no-op

	log *zap.SugaredLogger
}

// New builds a Queue Client for queue. Whether it waits for an account to
// free up or fails fast is governed by pool.RaiseWhenNoAccount; set it
// before issuing requests if nil/null-on-exhaustion is the desired
// behavior rather than blocking.
func New(pool *accountpool.LockManager, queue string, cls *classifier.Classifier, tokens *xclid.Store, factory ClientFactory) *Client {
	return &Client{
		Pool:          pool,
		Queue:         queue,
		Classifier:    cls,
		Tokens:        tokens,
		ClientFactory: factory,
		log:           logger.Named("queueclient").With(logger.FieldQueue, queue),
	}
}

// acquisition bundles one borrowed account with the Ctx built over it.
type acquisition struct {
	ctx      *reqctx.Ctx
	username string
}

func (c *Client) acquire(ctx context.Context) (*acquisition, error) {
	account, err := c.Pool.GetForQueueOrWait(ctx, c.Queue)
	if err != nil {
		if errors.Is(err, accountpool.ErrNoAccountForQueue) {
			return nil, nil
		}
		return nil, err
	}

	httpClient, err := c.ClientFactory(account)
	if err != nil {
		c.Pool.ReleaseWithoutPenalty(account.Username, c.Queue)
		return nil, pkgerrors.Wrapf(err, "build transport for %s", account.Username)
	}

	return &acquisition{ctx: reqctx.New(account, httpClient, c.Tokens), username: account.Username}, nil
}

// releaseMode describes how an acquisition's account should be disposed.
type releaseMode int

const (
	releaseUnlock releaseMode = iota
	releaseLockUntil
	releaseInactive
	releaseNoPenalty
)

func (c *Client) release(ctx context.Context, acq *acquisition, mode releaseMode, lockUntil time.Time, reason string) {
	if acq == nil {
		return
	}
	_ = acq.ctx.Close()

	switch mode {
	case releaseUnlock:
		_ = c.Pool.Release(ctx, acq.username, c.Queue, acq.ctx.ReqCount)
	case releaseLockUntil:
		_ = c.Pool.LockUntilRelease(ctx, acq.username, c.Queue, lockUntil, acq.ctx.ReqCount)
	case releaseInactive:
		_ = c.Pool.MarkInactive(ctx, acq.username, c.Queue, reason)
	case releaseNoPenalty:
		c.Pool.ReleaseWithoutPenalty(acq.username, c.Queue)
	}
}

// Get issues a GET request; params are sent as a query string.
func (c *Client) Get(ctx context.Context, rawURL string, params url.Values) (*http.Response, error) {
	return c.req(ctx, http.MethodGet, withQuery(rawURL, params), nil, nil)
}

// Post issues a POST request with a JSON body.
func (c *Client) Post(ctx context.Context, rawURL string, body []byte) (*http.Response, error) {
	header := http.Header{"Content-Type": []string{"application/json"}}
	return c.req(ctx, http.MethodPost, rawURL, header, body)
}

func withQuery(rawURL string, params url.Values) string {
	if len(params) == 0 {
		return rawURL
	}
	if strings.Contains(rawURL, "?") {
		return rawURL + "&" + params.Encode()
	}
	return rawURL + "?" + params.Encode()
}

// req is the serial loop described in §4.G: borrow → execute → classify →
// on retry, release and borrow again. The Queue Client guarantees release
// of the borrowed account on every exit path.
func (c *Client) req(ctx context.Context, method, rawURL string, header http.Header, body []byte) (*http.Response, error) {
	if c.Pacer != nil {
		if err := c.Pacer.Wait(ctx, c.Queue); err != nil {
			return nil, err
		}
	}

	var unknownRetry, connectRetry int

	for {
		acq, err := c.acquire(ctx)
		if err != nil {
			return nil, err
		}
		if acq == nil {
			return nil, nil
		}

		resp, bodyBytes, err := c.execute(ctx, acq, method, rawURL, header, body)
		if err != nil {
			switch classifyErr(err) {
			case errKindAbort:
				c.release(ctx, acq, releaseUnlock, time.Time{}, "")
				return nil, nil
			case errKindCancelled:
				c.release(ctx, acq, releaseNoPenalty, time.Time{}, "")
				return nil, err
			case errKindRetrySameUncounted:
				// ReadTimeout / ProxyError: retry same account, don't count.
				c.release(ctx, acq, releaseNoPenalty, time.Time{}, "")
				continue
			case errKindConnect:
				connectRetry++
				c.release(ctx, acq, releaseNoPenalty, time.Time{}, "")
				if connectRetry >= connectRetryLimit {
					return nil, err
				}
				continue
			default:
				unknownRetry++
				if unknownRetry >= unknownRetryLimit {
					c.log.Warnw("unknown error, locking account for 15 minutes",
						logger.FieldUsername, acq.username, "error", err.Error())
					c.release(ctx, acq, releaseLockUntil, time.Now().UTC().Add(unknownLockMinutes*time.Minute), "")
					continue
				}
				c.release(ctx, acq, releaseNoPenalty, time.Time{}, "")
				continue
			}
		}

		decision := c.Classifier.Classify(ctx, acq.username, c.Queue, resp, bodyBytes, c.Pool)

		switch decision.Verdict {
		case classifier.VerdictOK:
			acq.ctx.ReqCount++
			unknownRetry, connectRetry = 0, 0
			c.release(ctx, acq, releaseUnlock, time.Time{}, "")
			return resp, nil
		case classifier.VerdictRetryOtherAccount:
			// Classifier already applied the lock/inactive side effect.
			_ = acq.ctx.Close()
			continue
		case classifier.VerdictAbortCall:
			c.release(ctx, acq, releaseUnlock, time.Time{}, "")
			return nil, nil
		case classifier.VerdictFatalProcess:
			c.log.Errorw("request catalog out of date, aborting process", "message", decision.FatalMessage)
			_ = acq.ctx.Close()
			panic(pkgerrors.Newf("fatal: request catalog out of date: %s", decision.FatalMessage))
		default:
			c.release(ctx, acq, releaseUnlock, time.Time{}, "")
			return resp, nil
		}
	}
}

func (c *Client) execute(ctx context.Context, acq *acquisition, method, rawURL string, header http.Header, body []byte) (*http.Response, []byte, error) {
	resp, err := acq.ctx.Req(ctx, method, rawURL, header, body)
	if err != nil {
		return nil, nil, err
	}
	defer resp.Body.Close()

	buf, err := readAll(resp.Body)
	if err != nil {
		return nil, nil, err
	}

	if err := c.Dumper.Write(c.Queue, resp, buf); err != nil {
		c.log.Warnw("debug dump failed", "error", err.Error())
	}

	resp.Body = newRewoundBody(buf)
	return resp, buf, nil
}

type transportErrKind int

const (
	errKindUnknown transportErrKind = iota
	errKindAbort
	errKindCancelled
	errKindRetrySameUncounted
	errKindConnect
)

// classifyErr maps Go's transport error types onto the taxonomy §7
// describes in httpx terms (ReadTimeout/ProxyError vs ConnectError vs
// unknown transient). It is necessarily best-effort: net/http does not
// expose as rich an error taxonomy as httpx does.
func classifyErr(err error) transportErrKind {
	if errors.Is(err, reqctx.ErrAbort) {
		return errKindAbort
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return errKindCancelled
	}

	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		if urlErr.Timeout() {
			return errKindRetrySameUncounted
		}
		msg := strings.ToLower(urlErr.Err.Error())
		if strings.Contains(msg, "proxy") {
			return errKindRetrySameUncounted
		}

		var opErr *net.OpError
		if errors.As(urlErr.Err, &opErr) && opErr.Op == "dial" {
			return errKindConnect
		}
	}

	return errKindUnknown
}
