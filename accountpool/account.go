// Package accountpool owns the durable record of scraper identities (the
// Account Store) and the in-process coordination of which identity may
// serve which endpoint queue right now (the Lock Manager), plus the
// process-local reputation counters that drive backoff decisions.
package accountpool

import "time"

// Account is an identity record with enough credential material to
// authenticate to the remote platform, plus the bookkeeping the scheduler
// needs to decide whether it is safe to use right now.
//
// Invariant: an Account with Active == false is never returned by the Lock
// Manager. Invariant: for a given (username, queue), QueueState.UnlockAt is
// monotonic under normal operation — it may be pushed into the future but
// is only pulled back by an explicit Reset.
type Account struct {
	Username    string
	DisplayName string
	Email       string
	Password    string
	AuthToken   string
	Cookies     string // opaque, serialized cookie jar
	UserAgent   string
	Proxy       string // optional HTTP proxy URL
	Active      bool
	LastUsedAt  time.Time
	ErrorMsg    string // last fatal error, if any

	// Queues maps queue name to that queue's lock state for this account.
	// Populated by the Store on read; not authoritative on its own — the
	// account_queue_locks table is.
	Queues map[string]QueueState
}

// QueueState is the persisted lock entry for one (account, queue) pair.
type QueueState struct {
	UnlockAt time.Time
	ReqCount int64
}

// Clone returns a deep-enough copy of the account for safe sharing across
// goroutines. A Ctx holds one of these for the lifetime of a single
// acquisition; it never mutates the stored record directly.
func (a *Account) Clone() *Account {
	if a == nil {
		return nil
	}
	cp := *a
	cp.Queues = make(map[string]QueueState, len(a.Queues))
	for k, v := range a.Queues {
		cp.Queues[k] = v
	}
	return &cp
}

// UnlockAtFor returns the unlock timestamp for queue, or the zero time if
// the account has never been locked against that queue.
func (a *Account) UnlockAtFor(queue string) time.Time {
	if a.Queues == nil {
		return time.Time{}
	}
	return a.Queues[queue].UnlockAt
}

// ReadyFor reports whether the account's lock for queue has already
// elapsed as of now.
func (a *Account) ReadyFor(queue string, now time.Time) bool {
	return !a.UnlockAtFor(queue).After(now)
}
