// Package classifier implements the Response Classifier (component E): it
// inspects a response's status, rate-limit headers, and body error codes
// and produces one of a small set of verdicts that the Queue Client turns
// into account-release decisions.
package classifier

import (
	"context"
	"encoding/json"
	"math/rand/v2"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/teranos/xpool/accountpool"
	"github.com/teranos/xpool/internal/logger"
	"github.com/teranos/xpool/internal/ratelimitlog"
)

// Verdict is the classifier's decision, replacing the source's
// exception-based control flow (REDESIGN FLAGS) with an explicit enum the
// Queue Client switches on deterministically.
type Verdict int

const (
	// VerdictOK means the response should be returned to the caller as-is.
	VerdictOK Verdict = iota
	// VerdictRetryOtherAccount means the current account has been released
	// (penalized or not) and the caller should borrow a different one.
	VerdictRetryOtherAccount
	// VerdictAbortCall means the entire operation should return nil — no
	// response, no error, and the account is not charged.
	VerdictAbortCall
	// VerdictFatalProcess means the request catalog is out of date and the
	// process should stop serving requests.
	VerdictFatalProcess
)

func (v Verdict) String() string {
	switch v {
	case VerdictOK:
		return "ok"
	case VerdictRetryOtherAccount:
		return "retry_other_account"
	case VerdictAbortCall:
		return "abort_call"
	case VerdictFatalProcess:
		return "fatal_process"
	default:
		return "unknown"
	}
}

// Releaser is the narrow view of the Lock Manager the classifier needs: it
// never borrows or lists accounts, only disposes of the one it was handed.
type Releaser interface {
	LockUntilRelease(ctx context.Context, username, queue string, ts time.Time, incReqCount int64) error
	MarkInactive(ctx context.Context, username, queue, msg string) error
}

// bodyError is one entry of a response body's top-level "errors" array.
type bodyError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type body struct {
	Errors []bodyError     `json:"errors"`
	Data   json.RawMessage `json:"data"`
}

// Decision is the result of classifying one response.
type Decision struct {
	Verdict Verdict
	// FatalMessage is set when Verdict == VerdictFatalProcess, describing
	// which feature flag the request catalog is missing.
	FatalMessage string
}

// Ban-strike backoff schedule (minutes), per strike number (1-indexed).
// Sums to 1440 minutes (24h) by strike 5; strike 6 marks the account
// inactive instead of backing off further. This resolves spec Open
// Question (a): the source's formula for the remainder is ambiguous once
// strikes exceed the precomputed sum, so the schedule is made explicit and
// finite here rather than computed.
var banBackoffMinutes = []int{60, 120, 240, 480, 540}

const (
	banStrikeInactiveAt = len(banBackoffMinutes) + 1 // strike 6

	softErrorThreshold   = 5
	softErrorLockMinutes = 3
	timeoutLockMinutes   = 2
	hardRateLimitNoop    = 0
	unhandledLockMinutes = 15

	// successSampleRemainingFloor logs every success once the account's
	// remaining budget drops below this, regardless of the random sample.
	successSampleRemainingFloor = 20
	// successSampleOneIn logs a random 1-in-N success otherwise, so the
	// stream stays useful without logging every single OK response.
	successSampleOneIn = 20
)

// Classifier is the heart of the core: it owns the process-local
// reputation counters and turns one HTTP response into a Decision plus
// whatever account-lock side effects that decision implies.
type Classifier struct {
	Reputation *accountpool.ReputationTracker
	// RateLimitLog is the optional per-day JSONL event stream from spec §6;
	// nil/disabled is a no-op.
	RateLimitLog *ratelimitlog.Sink
	log          *zap.SugaredLogger
}

// New builds a Classifier backed by rep. Attach a RateLimitLog afterward
// to enable the rate-limit/ban/unknown-error event stream.
func New(rep *accountpool.ReputationTracker) *Classifier {
	return &Classifier{Reputation: rep, log: logger.Named("classifier")}
}

// Classify inspects one response for (username, queue) and decides its
// fate, applying any lock/inactive side effects through rel before
// returning. resp.Body is not consumed — the caller passes the buffered
// bytes separately so it can still hand the original response back to its
// own caller on Verdict == VerdictOK.
func (c *Classifier) Classify(ctx context.Context, username, queue string, resp *http.Response, bodyBytes []byte, rel Releaser) Decision {
	var parsed body
	_ = json.Unmarshal(bodyBytes, &parsed) // malformed/empty body is treated as no errors

	remaining := headerInt(resp.Header, "x-rate-limit-remaining", -1)
	reset := headerInt(resp.Header, "x-rate-limit-reset", -1)

	errMsg := formatErrors(parsed.Errors)

	c.log.Debugw("classifying response",
		logger.FieldUsername, username,
		logger.FieldQueue, queue,
		logger.FieldStatus, resp.StatusCode,
		logger.FieldErrorCode, errMsg,
	)

	// 1. Feature-flag mismatch: developer signal, not an account problem.
	if strings.HasPrefix(errMsg, "(336) The following features cannot be null") {
		return Decision{Verdict: VerdictFatalProcess, FatalMessage: errMsg}
	}

	// 2. Hard rate limit.
	if remaining == 0 && reset > 0 {
		resetAt := time.Unix(int64(reset), 0).UTC()
		c.logRateLimitEvent(username, queue, "normal_rate_limit", errMsg, resp, parsed.Errors)
		_ = rel.LockUntilRelease(ctx, username, queue, resetAt, hardRateLimitNoop)
		return Decision{Verdict: VerdictRetryOtherAccount}
	}

	// 3. Soft rate limit / possible ban.
	if strings.HasPrefix(errMsg, "(88) Rate limit exceeded") && remaining > 0 {
		c.logRateLimitEvent(username, queue, "error_88_ban", errMsg, resp, parsed.Errors)
		c.handleBanStrike(ctx, username, queue, errMsg, rel)
		return Decision{Verdict: VerdictRetryOtherAccount}
	}

	// 4. Access-control denial.
	if strings.HasPrefix(errMsg, "(326) Authorization: Denied by access control") {
		_ = rel.MarkInactive(ctx, username, queue, errMsg)
		return Decision{Verdict: VerdictRetryOtherAccount}
	}

	// 5. Auth failure.
	if strings.HasPrefix(errMsg, "(32) Could not authenticate you") {
		_ = rel.MarkInactive(ctx, username, queue, errMsg)
		return Decision{Verdict: VerdictRetryOtherAccount}
	}

	// 6. HTTP 403 with no body errors.
	if errMsg == "" && resp.StatusCode == http.StatusForbidden {
		_ = rel.MarkInactive(ctx, username, queue, "")
		return Decision{Verdict: VerdictRetryOtherAccount}
	}

	// 7. Dependency internal error.
	if strings.HasPrefix(errMsg, "(131) Dependency: Internal error") {
		if resp.StatusCode == http.StatusOK && hasUserData(parsed.Data) {
			errMsg = ""
		} else {
			return Decision{Verdict: VerdictAbortCall}
		}
	}

	// 8. "No status found with that ID" at 200: pass through unchanged.
	if resp.StatusCode == http.StatusOK && strings.Contains(errMsg, "_Missing: No status found with that ID") {
		return Decision{Verdict: VerdictOK}
	}

	// 9. Authorization-worded error at 200: pass through unchanged.
	if resp.StatusCode == http.StatusOK && strings.Contains(errMsg, "Authorization") {
		return Decision{Verdict: VerdictOK}
	}

	// 10. Any other non-empty error.
	if errMsg != "" {
		c.logRateLimitEvent(username, queue, "api_unknown_error", errMsg, resp, parsed.Errors)
		verdict := c.handleSoftError(ctx, username, queue, errMsg, rel)
		return Decision{Verdict: verdict}
	}

	// 11. OK path.
	c.Reputation.ResetAll(username)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		_ = rel.LockUntilRelease(ctx, username, queue, time.Now().UTC().Add(unhandledLockMinutes*time.Minute), 0)
		return Decision{Verdict: VerdictRetryOtherAccount}
	}

	// Sample successes: always once the account's remaining budget is low,
	// otherwise a random 1-in-N, so the stream stays useful without logging
	// every single OK response.
	if remaining < successSampleRemainingFloor || rand.IntN(successSampleOneIn) == 0 {
		c.logRateLimitEvent(username, queue, "success", "OK", resp, nil)
	}

	return Decision{Verdict: VerdictOK}
}

// logRateLimitEvent writes one event to the optional rate-limit log
// stream. A nil/disabled RateLimitLog makes this a no-op.
func (c *Classifier) logRateLimitEvent(username, queue, eventType, errMsg string, resp *http.Response, rawErrors []bodyError) {
	if c.RateLimitLog == nil {
		return
	}

	evt := ratelimitlog.Event{
		EventType:  eventType,
		Account:    username,
		Queue:      queue,
		StatusCode: resp.StatusCode,
		Endpoint:   "unknown",
		ErrorMsg:   errMsg,
		Request:    ratelimitlog.SummaryFromRequest(resp.Request),
		RateLimit:  ratelimitlog.RateLimitFromHeaders(resp.Header),
	}
	if resp.Request != nil && resp.Request.URL != nil {
		evt.URL = resp.Request.URL.String()
		evt.Endpoint = ratelimitlog.EndpointFromPath(resp.Request.URL.Path)
	}
	for _, e := range rawErrors {
		evt.RawErrors = append(evt.RawErrors, ratelimitlog.RawError{Code: e.Code, Message: e.Message})
	}

	if err := c.RateLimitLog.Write(evt); err != nil {
		c.log.Warnw("rate limit log write failed", logger.FieldUsername, username, "error", err.Error())
	}
}

// handleBanStrike implements the ban-strike policy: error 88 with
// remaining > 0 is a possible-ban signal, not a hard limit, so it gets
// exponential backoff instead of waiting for an absolute reset timestamp.
func (c *Classifier) handleBanStrike(ctx context.Context, username, queue, errMsg string, rel Releaser) {
	strikes := c.Reputation.IncBanStrike(username)

	if strikes >= banStrikeInactiveAt {
		c.Reputation.ResetBanStrike(username)
		c.log.Warnw("ban strikes exhausted, marking inactive", logger.FieldUsername, username, logger.FieldStrikes, strikes)
		_ = rel.MarkInactive(ctx, username, queue, errMsg)
		return
	}

	minutes := banBackoffMinutes[strikes-1]
	c.log.Warnw("ban strike backoff", logger.FieldUsername, username, logger.FieldStrikes, strikes, "minutes", minutes)
	_ = rel.LockUntilRelease(ctx, username, queue, time.Now().UTC().Add(time.Duration(minutes)*time.Minute), 0)
}

// handleSoftError implements the soft-error policy. Timeout (code 29) locks
// immediately; everything else accumulates toward softErrorThreshold, at
// which point it locks and resets the counter. This resolves spec Open
// Question (b): a threshold lock always raises retry-other-account, it
// never silently returns the response.
func (c *Classifier) handleSoftError(ctx context.Context, username, queue, errMsg string, rel Releaser) Verdict {
	if strings.Contains(errMsg, "(29) Timeout") {
		_ = rel.LockUntilRelease(ctx, username, queue, time.Now().UTC().Add(timeoutLockMinutes*time.Minute), 0)
		return VerdictRetryOtherAccount
	}

	count := c.Reputation.IncSoftError(username)
	if count >= softErrorThreshold {
		c.Reputation.ResetSoftError(username)
		_ = rel.LockUntilRelease(ctx, username, queue, time.Now().UTC().Add(softErrorLockMinutes*time.Minute), 0)
		return VerdictRetryOtherAccount
	}

	return VerdictOK
}

func formatErrors(errs []bodyError) string {
	if len(errs) == 0 {
		return ""
	}
	seen := map[string]bool{}
	var parts []string
	for _, e := range errs {
		s := "(" + strconv.Itoa(e.Code) + ") " + e.Message
		if !seen[s] {
			seen[s] = true
			parts = append(parts, s)
		}
	}
	return strings.Join(parts, "; ")
}

func headerInt(h http.Header, key string, def int) int {
	v := h.Get(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func hasUserData(raw json.RawMessage) bool {
	if len(raw) == 0 {
		return false
	}
	var m map[string]json.RawMessage
	if err := json.Unmarshal(raw, &m); err != nil {
		return false
	}
	_, ok := m["user"]
	return ok
}
