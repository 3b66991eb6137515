package accountpool

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/teranos/xpool/internal/errors"
	"github.com/teranos/xpool/internal/logger"
)

// ErrNoAccountForQueue is returned by GetForQueueOrWait when
// RaiseWhenNoAccount is set and no account is immediately ready for the
// queue, whether because none is active at all or because every active one
// is presently locked or borrowed.
var ErrNoAccountForQueue = errors.New("no active account available for queue")

// borrowKey identifies an in-memory exclusive reservation.
type borrowKey struct {
	username string
	queue    string
}

// pollBackstop bounds how long GetForQueueOrWait sleeps between rechecks of
// the store even when nothing woke it explicitly. Out-of-process writers
// (another instance sharing the same database file) only become visible on
// this cadence.
const pollBackstop = 2 * time.Second

// LockManager arbitrates in-process concurrency over the Account Store
// (component B). A borrow is the live gate on top of the Store's
// persistent unlock-at gate: both must be satisfied for GetForQueueOrWait
// to hand out an account.
type LockManager struct {
	store *Store
	log   *zap.SugaredLogger

	// RaiseWhenNoAccount, when true, makes GetForQueueOrWait fail fast
	// instead of waiting whenever no account is immediately ready: none is
	// active, or every active one is locked or borrowed for the queue.
	RaiseWhenNoAccount bool

	mu      sync.Mutex
	cond    *sync.Cond
	borrows map[borrowKey]bool
}

// NewLockManager builds a Lock Manager over store.
func NewLockManager(store *Store, log *zap.SugaredLogger) *LockManager {
	lm := &LockManager{store: store, log: log, borrows: map[borrowKey]bool{}}
	lm.cond = sync.NewCond(&lm.mu)
	return lm
}

// GetForQueueOrWait returns an account that is active, not presently
// borrowed by another in-process caller for queue, and whose unlock-at for
// queue has elapsed. If none is ready and RaiseWhenNoAccount is set, it
// fails fast with ErrNoAccountForQueue rather than waiting; the Queue Client
// turns that error into a nil response, so a caller that sets the flag gets
// "nothing free right now" instead of a blocked call. Otherwise it waits cooperatively
// until one becomes free or its unlock-at arrives, whichever is sooner. The
// returned account is borrowed on behalf of the caller; the caller must
// release it through Release, LockUntilRelease, or MarkInactive.
func (lm *LockManager) GetForQueueOrWait(ctx context.Context, queue string) (*Account, error) {
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		cand, err := lm.store.NextAvailable(ctx, queue)
		if err != nil {
			return nil, err
		}

		if cand.Account == nil {
			if lm.RaiseWhenNoAccount {
				return nil, errors.Wrapf(ErrNoAccountForQueue, "queue %s", queue)
			}
			if !lm.waitFor(ctx, pollBackstop) {
				return nil, ctx.Err()
			}
			continue
		}

		if cand.Ready {
			key := borrowKey{cand.Account.Username, queue}
			lm.mu.Lock()
			if !lm.borrows[key] {
				lm.borrows[key] = true
				lm.mu.Unlock()
				return cand.Account.Clone(), nil
			}
			lm.mu.Unlock()
			// Ready by unlock-at but currently borrowed in-process by
			// another caller.
			if lm.RaiseWhenNoAccount {
				return nil, errors.Wrapf(ErrNoAccountForQueue, "queue %s", queue)
			}
			if !lm.waitFor(ctx, pollBackstop) {
				return nil, ctx.Err()
			}
			continue
		}

		if lm.RaiseWhenNoAccount {
			return nil, errors.Wrapf(ErrNoAccountForQueue, "queue %s", queue)
		}

		if lm.log != nil {
			lm.log.Debugw("waiting for account unlock", logger.FieldQueue, queue, logger.FieldUnlockAt, cand.UnlockAt)
		}

		wait := time.Until(cand.UnlockAt)
		if wait > pollBackstop {
			wait = pollBackstop
		}
		if wait < 0 {
			wait = 0
		}
		if !lm.waitFor(ctx, wait) {
			return nil, ctx.Err()
		}
	}
}

// waitFor blocks until either the condition variable is signaled, the
// context is cancelled, or d elapses. It returns false if ctx was
// cancelled.
func (lm *LockManager) waitFor(ctx context.Context, d time.Duration) bool {
	woken := make(chan struct{})
	go func() {
		lm.mu.Lock()
		timer := time.AfterFunc(d, func() {
			lm.mu.Lock()
			lm.cond.Broadcast()
			lm.mu.Unlock()
		})
		lm.cond.Wait()
		timer.Stop()
		lm.mu.Unlock()
		close(woken)
	}()

	select {
	case <-woken:
		return ctx.Err() == nil
	case <-ctx.Done():
		lm.mu.Lock()
		lm.cond.Broadcast() // unstick the waiting goroutine above
		lm.mu.Unlock()
		<-woken
		return false
	}
}

func (lm *LockManager) releaseBorrow(username, queue string) {
	lm.mu.Lock()
	delete(lm.borrows, borrowKey{username, queue})
	lm.cond.Broadcast()
	lm.mu.Unlock()
}

// Release drops the in-memory borrow and marks (username, queue)
// immediately available again, incrementing its request counter by
// incReqCount. Used on the success path.
func (lm *LockManager) Release(ctx context.Context, username, queue string, incReqCount int64) error {
	defer lm.releaseBorrow(username, queue)
	return lm.store.Unlock(ctx, username, queue, incReqCount)
}

// LockUntilRelease drops the in-memory borrow and persists a penalty lock
// at ts for (username, queue), incrementing its request counter by
// incReqCount (normally zero for a penalized call).
func (lm *LockManager) LockUntilRelease(ctx context.Context, username, queue string, ts time.Time, incReqCount int64) error {
	defer lm.releaseBorrow(username, queue)
	return lm.store.LockUntil(ctx, username, queue, ts, incReqCount)
}

// MarkInactive sets active = false durably for username and releases any
// in-process borrow it holds for queue.
func (lm *LockManager) MarkInactive(ctx context.Context, username, queue, msg string) error {
	defer lm.releaseBorrow(username, queue)
	return lm.store.SetActive(ctx, username, false, msg)
}

// ReleaseWithoutPenalty drops the in-memory borrow without touching the
// persistent lock at all — used on cancellation, where no reputation or
// lock state should move.
func (lm *LockManager) ReleaseWithoutPenalty(username, queue string) {
	lm.releaseBorrow(username, queue)
}
