// Package xclid provides the Anti-Fingerprint Token Source (component C):
// a per-account, per-(method,path) opaque header value, cached and
// refreshable on demand. The actual derivation algorithm is an external
// collaborator — this package owns only the caching, retry, and
// single-flight discipline around it.
package xclid

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/teranos/xpool/internal/errors"
)

// ErrUnavailable is returned when a generator could not be built after the
// retry budget is exhausted.
var ErrUnavailable = errors.New("failed to initialize anti-fingerprint token generator")

const (
	initAttempts = 3
	initSpacing  = time.Second
)

// Generator produces the opaque per-request header value for a given
// method and URL path. Implementations are provided by the caller (the
// derivation algorithm itself is out of scope for the scheduler).
type Generator interface {
	Calc(method, path string) string
}

// Factory builds a fresh Generator, performing whatever remote fetch the
// derivation scheme requires. It may fail transiently.
type Factory func(ctx context.Context) (Generator, error)

// Store caches one Generator per username and deduplicates concurrent
// rebuilds for the same username with a single-flight primitive, so a
// stampede of callers hitting 404 at once triggers exactly one refresh.
type Store struct {
	factory Factory

	mu    sync.Mutex
	items map[string]Generator

	group singleflight.Group
}

// NewStore builds a token source keyed by username, using factory to
// create (and recreate) generators.
func NewStore(factory Factory) *Store {
	return &Store{factory: factory, items: map[string]Generator{}}
}

// Get returns the cached generator for username, or builds one if fresh is
// true or none exists yet. Initialization makes up to three attempts, one
// second apart, before returning ErrUnavailable.
func (s *Store) Get(ctx context.Context, username string, fresh bool) (Generator, error) {
	if !fresh {
		s.mu.Lock()
		gen, ok := s.items[username]
		s.mu.Unlock()
		if ok {
			return gen, nil
		}
	}

	v, err, _ := s.group.Do(username, func() (any, error) {
		var lastErr error
		for attempt := 0; attempt < initAttempts; attempt++ {
			if attempt > 0 {
				select {
				case <-ctx.Done():
					return nil, ctx.Err()
				case <-time.After(initSpacing):
				}
			}

			gen, err := s.factory(ctx)
			if err == nil {
				s.mu.Lock()
				s.items[username] = gen
				s.mu.Unlock()
				return gen, nil
			}
			lastErr = err
		}
		return nil, errors.Wrap(ErrUnavailable, lastErr.Error())
	})
	if err != nil {
		return nil, err
	}
	return v.(Generator), nil
}

// Drop removes the cached generator for username, forcing the next Get to
// rebuild it.
func (s *Store) Drop(username string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.items, username)
}
