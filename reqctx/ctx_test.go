package reqctx_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/teranos/xpool/accountpool"
	"github.com/teranos/xpool/reqctx"
	"github.com/teranos/xpool/xclid"
)

type countingGenerator struct{ n int32 }

func (g *countingGenerator) Calc(method, path string) string {
	atomic.AddInt32(&g.n, 1)
	return "token"
}

func newTokenStore() *xclid.Store {
	gen := &countingGenerator{}
	return xclid.NewStore(func(ctx context.Context) (xclid.Generator, error) {
		return gen, nil
	})
}

func TestReqAttachesTokenHeaderAndReturnsOK(t *testing.T) {
	var gotHeader string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotHeader = r.Header.Get("x-client-transaction-id")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	account := &accountpool.Account{Username: "a1"}
	ctx := reqctx.New(account, srv.Client(), newTokenStore())
	defer ctx.Close()

	resp, err := ctx.Req(context.Background(), http.MethodGet, srv.URL+"/path", nil, nil)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "token", gotHeader)
}

func TestReqAttachesAccountCredentialHeaders(t *testing.T) {
	var gotAuth, gotCSRF, gotCookie, gotUA string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotCSRF = r.Header.Get("x-csrf-token")
		gotCookie = r.Header.Get("Cookie")
		gotUA = r.Header.Get("User-Agent")
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	account := &accountpool.Account{
		Username:  "a1",
		AuthToken: "AAAA-bearer-token",
		Cookies:   "auth_token=xyz; ct0=deadbeef; personalization_id=abc",
		UserAgent: "xpool-test-agent/1.0",
	}
	ctx := reqctx.New(account, srv.Client(), newTokenStore())
	defer ctx.Close()

	resp, err := ctx.Req(context.Background(), http.MethodGet, srv.URL+"/path", nil, nil)
	require.NoError(t, err)
	defer resp.Body.Close()

	require.Equal(t, "Bearer AAAA-bearer-token", gotAuth)
	require.Equal(t, "deadbeef", gotCSRF)
	require.Equal(t, "auth_token=xyz; ct0=deadbeef; personalization_id=abc", gotCookie)
	require.Equal(t, "xpool-test-agent/1.0", gotUA)
}

func TestReqRetriesOnceOn404ThenSucceeds(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt32(&calls, 1)
		if n == 1 {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	account := &accountpool.Account{Username: "a1"}
	ctx := reqctx.New(account, srv.Client(), newTokenStore())
	defer ctx.Close()

	resp, err := ctx.Req(context.Background(), http.MethodGet, srv.URL+"/path", nil, nil)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.EqualValues(t, 2, atomic.LoadInt32(&calls))
}

func TestReqAbortsWhenStill404AfterThreeRetries(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	account := &accountpool.Account{Username: "a1"}
	ctx := reqctx.New(account, srv.Client(), newTokenStore())
	defer ctx.Close()

	_, err := ctx.Req(context.Background(), http.MethodGet, srv.URL+"/path", nil, nil)
	require.ErrorIs(t, err, reqctx.ErrAbort)
}
