package xclid_test

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/teranos/xpool/xclid"
)

type fakeGenerator struct{ id int }

func (g fakeGenerator) Calc(method, path string) string { return method + ":" + path }

func TestGetCachesAcrossCalls(t *testing.T) {
	var builds int32
	factory := func(ctx context.Context) (xclid.Generator, error) {
		n := atomic.AddInt32(&builds, 1)
		return fakeGenerator{id: int(n)}, nil
	}
	store := xclid.NewStore(factory)

	g1, err := store.Get(context.Background(), "a1", false)
	require.NoError(t, err)
	g2, err := store.Get(context.Background(), "a1", false)
	require.NoError(t, err)

	require.Equal(t, g1, g2)
	require.EqualValues(t, 1, atomic.LoadInt32(&builds))
}

func TestGetFreshRebuilds(t *testing.T) {
	var builds int32
	factory := func(ctx context.Context) (xclid.Generator, error) {
		n := atomic.AddInt32(&builds, 1)
		return fakeGenerator{id: int(n)}, nil
	}
	store := xclid.NewStore(factory)

	_, err := store.Get(context.Background(), "a1", false)
	require.NoError(t, err)
	_, err = store.Get(context.Background(), "a1", true)
	require.NoError(t, err)

	require.EqualValues(t, 2, atomic.LoadInt32(&builds))
}

func TestConcurrentRefreshIsDeduped(t *testing.T) {
	var builds int32
	started := make(chan struct{})
	release := make(chan struct{})

	factory := func(ctx context.Context) (xclid.Generator, error) {
		n := atomic.AddInt32(&builds, 1)
		if n == 1 {
			close(started)
			<-release
		}
		return fakeGenerator{id: int(n)}, nil
	}
	store := xclid.NewStore(factory)

	var wg sync.WaitGroup
	results := make([]xclid.Generator, 5)
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			g, err := store.Get(context.Background(), "a1", true)
			require.NoError(t, err)
			results[i] = g
		}(i)
	}

	<-started
	close(release)
	wg.Wait()

	for _, g := range results[1:] {
		require.Equal(t, results[0], g)
	}
	require.EqualValues(t, 1, atomic.LoadInt32(&builds))
}

func TestGetFailsAfterRetriesExhausted(t *testing.T) {
	factory := func(ctx context.Context) (xclid.Generator, error) {
		return nil, context.DeadlineExceeded
	}
	store := xclid.NewStore(factory)

	start := time.Now()
	_, err := store.Get(context.Background(), "a1", false)
	require.Error(t, err)
	require.ErrorIs(t, err, xclid.ErrUnavailable)
	require.GreaterOrEqual(t, time.Since(start), 2*time.Second)
}

func TestDropForcesRebuildOnNextGet(t *testing.T) {
	var builds int32
	factory := func(ctx context.Context) (xclid.Generator, error) {
		atomic.AddInt32(&builds, 1)
		return fakeGenerator{}, nil
	}
	store := xclid.NewStore(factory)

	_, err := store.Get(context.Background(), "a1", false)
	require.NoError(t, err)
	store.Drop("a1")
	_, err = store.Get(context.Background(), "a1", false)
	require.NoError(t, err)

	require.EqualValues(t, 2, atomic.LoadInt32(&builds))
}
