package classifier_test

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/teranos/xpool/accountpool"
	"github.com/teranos/xpool/classifier"
	"github.com/teranos/xpool/internal/ratelimitlog"
)

// fakeReleaser records the last release call made by the Classifier.
type fakeReleaser struct {
	lockedUntil time.Time
	lockedQueue string
	inactiveMsg string
	inactive    bool
}

func (f *fakeReleaser) LockUntilRelease(ctx context.Context, username, queue string, ts time.Time, incReqCount int64) error {
	f.lockedUntil = ts
	f.lockedQueue = queue
	return nil
}

func (f *fakeReleaser) MarkInactive(ctx context.Context, username, queue, msg string) error {
	f.inactive = true
	f.inactiveMsg = msg
	return nil
}

func response(status int, header http.Header, body string) (*http.Response, []byte) {
	rec := httptest.NewRecorder()
	rec.Code = status
	for k, vs := range header {
		for _, v := range vs {
			rec.Header().Add(k, v)
		}
	}
	resp := rec.Result()
	resp.StatusCode = status
	return resp, []byte(body)
}

func TestClassifyOKResetsReputation(t *testing.T) {
	rep := accountpool.NewReputationTracker()
	rep.IncSoftError("a1")
	c := classifier.New(rep)
	rel := &fakeReleaser{}

	resp, body := response(http.StatusOK, nil, `{"data":{}}`)
	d := c.Classify(context.Background(), "a1", "q", resp, body, rel)

	require.Equal(t, classifier.VerdictOK, d.Verdict)
	require.Equal(t, 0, rep.SoftErrors("a1"))
}

// Property 3: consecutive code-88 responses produce strikes 1..5, 6th marks
// inactive and clears the counter.
func TestBanStrikeMonotonicityThroughClassifier(t *testing.T) {
	rep := accountpool.NewReputationTracker()
	c := classifier.New(rep)
	rel := &fakeReleaser{}

	header := http.Header{"X-Rate-Limit-Remaining": []string{"10"}}
	body := `{"errors":[{"code":88,"message":"Rate limit exceeded"}]}`

	for i := 1; i <= 5; i++ {
		resp, b := response(http.StatusOK, header, body)
		d := c.Classify(context.Background(), "a1", "q", resp, b, rel)
		require.Equal(t, classifier.VerdictRetryOtherAccount, d.Verdict)
		require.Equal(t, i, rep.BanStrikes("a1"))
		require.False(t, rel.inactive)
	}

	resp, b := response(http.StatusOK, header, body)
	d := c.Classify(context.Background(), "a1", "q", resp, b, rel)
	require.Equal(t, classifier.VerdictRetryOtherAccount, d.Verdict)
	require.True(t, rel.inactive)
	require.Equal(t, 0, rep.BanStrikes("a1"))
}

// Property 4: five consecutive non-timeout soft errors produce four
// "return response" outcomes and a fifth "lock 3 minutes" outcome; the
// counter resets after the lock.
func TestSoftErrorThreshold(t *testing.T) {
	rep := accountpool.NewReputationTracker()
	c := classifier.New(rep)
	rel := &fakeReleaser{}

	body := `{"errors":[{"code":17,"message":"No user matches specified terms"}]}`

	for i := 1; i <= 4; i++ {
		resp, b := response(http.StatusOK, nil, body)
		d := c.Classify(context.Background(), "a1", "q", resp, b, rel)
		require.Equal(t, classifier.VerdictOK, d.Verdict, "attempt %d should pass through", i)
		require.Equal(t, i, rep.SoftErrors("a1"))
	}

	resp, b := response(http.StatusOK, nil, body)
	d := c.Classify(context.Background(), "a1", "q", resp, b, rel)
	require.Equal(t, classifier.VerdictRetryOtherAccount, d.Verdict)
	require.Equal(t, 0, rep.SoftErrors("a1"))
}

// Property 5: a single timeout error produces an immediate lock without
// incrementing the soft-error counter.
func TestTimeoutFastLock(t *testing.T) {
	rep := accountpool.NewReputationTracker()
	c := classifier.New(rep)
	rel := &fakeReleaser{}

	resp, body := response(http.StatusOK, nil, `{"errors":[{"code":29,"message":"Timeout"}]}`)
	start := time.Now().UTC()
	d := c.Classify(context.Background(), "a1", "q", resp, body, rel)

	require.Equal(t, classifier.VerdictRetryOtherAccount, d.Verdict)
	require.Equal(t, 0, rep.SoftErrors("a1"))
	require.WithinDuration(t, start.Add(2*time.Minute), rel.lockedUntil, 5*time.Second)
}

func TestHardRateLimitLocksUntilReset(t *testing.T) {
	rep := accountpool.NewReputationTracker()
	c := classifier.New(rep)
	rel := &fakeReleaser{}

	reset := time.Now().Add(15 * time.Minute).Unix()
	header := http.Header{
		"X-Rate-Limit-Remaining": []string{"0"},
		"X-Rate-Limit-Reset":     []string{strconv.FormatInt(reset, 10)},
	}
	resp, body := response(http.StatusOK, header, `{}`)
	d := c.Classify(context.Background(), "a1", "q", resp, body, rel)

	require.Equal(t, classifier.VerdictRetryOtherAccount, d.Verdict)
	require.Equal(t, reset, rel.lockedUntil.Unix())
}

func TestAccessControlDenialMarksInactive(t *testing.T) {
	rep := accountpool.NewReputationTracker()
	c := classifier.New(rep)
	rel := &fakeReleaser{}

	resp, body := response(http.StatusOK, nil, `{"errors":[{"code":326,"message":"Authorization: Denied by access control"}]}`)
	d := c.Classify(context.Background(), "a1", "q", resp, body, rel)

	require.Equal(t, classifier.VerdictRetryOtherAccount, d.Verdict)
	require.True(t, rel.inactive)
}

func TestDependencyErrorWithoutDataAborts(t *testing.T) {
	rep := accountpool.NewReputationTracker()
	c := classifier.New(rep)
	rel := &fakeReleaser{}

	resp, body := response(http.StatusOK, nil, `{"errors":[{"code":131,"message":"Dependency: Internal error"}]}`)
	d := c.Classify(context.Background(), "a1", "q", resp, body, rel)

	require.Equal(t, classifier.VerdictAbortCall, d.Verdict)
}

func TestDependencyErrorWithUserDataPassesThrough(t *testing.T) {
	rep := accountpool.NewReputationTracker()
	c := classifier.New(rep)
	rel := &fakeReleaser{}

	resp, body := response(http.StatusOK, nil, `{"errors":[{"code":131,"message":"Dependency: Internal error"}],"data":{"user":{}}}`)
	d := c.Classify(context.Background(), "a1", "q", resp, body, rel)

	require.Equal(t, classifier.VerdictOK, d.Verdict)
}

func TestFeatureFlagMismatchIsFatal(t *testing.T) {
	rep := accountpool.NewReputationTracker()
	c := classifier.New(rep)
	rel := &fakeReleaser{}

	resp, body := response(http.StatusOK, nil, `{"errors":[{"code":336,"message":"The following features cannot be null: foo"}]}`)
	d := c.Classify(context.Background(), "a1", "q", resp, body, rel)

	require.Equal(t, classifier.VerdictFatalProcess, d.Verdict)
	require.Contains(t, d.FatalMessage, "336")
}

func TestForbiddenWithEmptyBodyMarksInactive(t *testing.T) {
	rep := accountpool.NewReputationTracker()
	c := classifier.New(rep)
	rel := &fakeReleaser{}

	resp, body := response(http.StatusForbidden, nil, ``)
	d := c.Classify(context.Background(), "a1", "q", resp, body, rel)

	require.Equal(t, classifier.VerdictRetryOtherAccount, d.Verdict)
	require.True(t, rel.inactive)
}

func TestNonOKStatusWithoutBodyErrorLocksAndRetries(t *testing.T) {
	rep := accountpool.NewReputationTracker()
	c := classifier.New(rep)
	rel := &fakeReleaser{}

	resp, body := response(http.StatusServiceUnavailable, nil, ``)
	d := c.Classify(context.Background(), "a1", "q", resp, body, rel)

	require.Equal(t, classifier.VerdictRetryOtherAccount, d.Verdict)
	require.False(t, rel.lockedUntil.IsZero())
}

// A nil RateLimitLog (the zero value New returns) must never be touched —
// every existing test above relies on this.
func TestNilRateLimitLogIsNoop(t *testing.T) {
	rep := accountpool.NewReputationTracker()
	c := classifier.New(rep)
	require.Nil(t, c.RateLimitLog)
	rel := &fakeReleaser{}

	reset := time.Now().Add(time.Minute).Unix()
	header := http.Header{
		"X-Rate-Limit-Remaining": []string{"0"},
		"X-Rate-Limit-Reset":     []string{strconv.FormatInt(reset, 10)},
	}
	resp, body := response(http.StatusOK, header, `{}`)

	require.NotPanics(t, func() {
		c.Classify(context.Background(), "a1", "q", resp, body, rel)
	})
}

func TestHardRateLimitWritesRateLimitLogEvent(t *testing.T) {
	dir := t.TempDir()
	sink, err := ratelimitlog.New(true, dir)
	require.NoError(t, err)

	rep := accountpool.NewReputationTracker()
	c := classifier.New(rep)
	c.RateLimitLog = sink
	rel := &fakeReleaser{}

	reset := time.Now().Add(15 * time.Minute).Unix()
	header := http.Header{
		"X-Rate-Limit-Remaining": []string{"0"},
		"X-Rate-Limit-Reset":     []string{strconv.FormatInt(reset, 10)},
	}
	resp, body := response(http.StatusOK, header, `{}`)
	d := c.Classify(context.Background(), "a1", "q", resp, body, rel)
	require.Equal(t, classifier.VerdictRetryOtherAccount, d.Verdict)

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1)

	f, err := os.Open(filepath.Join(dir, entries[0].Name()))
	require.NoError(t, err)
	defer f.Close()

	scanner := bufio.NewScanner(f)
	require.True(t, scanner.Scan())

	var evt ratelimitlog.Event
	require.NoError(t, json.Unmarshal(scanner.Bytes(), &evt))
	require.Equal(t, "normal_rate_limit", evt.EventType)
	require.Equal(t, "a1", evt.Account)
	require.Equal(t, "q", evt.Queue)
	require.Equal(t, "0", evt.RateLimit.Remaining)
}
