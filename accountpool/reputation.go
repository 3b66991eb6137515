package accountpool

import "sync"

// ReputationTracker holds the process-local, non-persisted counters
// (component F) that drive the Response Classifier's backoff decisions:
// consecutive soft-error counts and ban-strike counts, both keyed by
// username. Entries are created lazily on first offence and deleted on any
// successful response for that account.
type ReputationTracker struct {
	mu         sync.Mutex
	softErrors map[string]int
	banStrikes map[string]int
}

// NewReputationTracker returns an empty tracker.
func NewReputationTracker() *ReputationTracker {
	return &ReputationTracker{
		softErrors: map[string]int{},
		banStrikes: map[string]int{},
	}
}

// IncSoftError increments and returns the consecutive soft-error count for
// username.
func (r *ReputationTracker) IncSoftError(username string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.softErrors[username]++
	return r.softErrors[username]
}

// ResetSoftError clears the soft-error count for username.
func (r *ReputationTracker) ResetSoftError(username string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.softErrors, username)
}

// IncBanStrike increments and returns the ban-strike count for username.
func (r *ReputationTracker) IncBanStrike(username string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.banStrikes[username]++
	return r.banStrikes[username]
}

// ResetBanStrike clears the ban-strike count for username.
func (r *ReputationTracker) ResetBanStrike(username string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.banStrikes, username)
}

// ResetAll clears both counters for username. Called on any "OK path"
// classification (testable property 2: reputation idempotence).
func (r *ReputationTracker) ResetAll(username string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.softErrors, username)
	delete(r.banStrikes, username)
}

// SoftErrors returns the current soft-error count for username, for tests
// and diagnostics.
func (r *ReputationTracker) SoftErrors(username string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.softErrors[username]
}

// BanStrikes returns the current ban-strike count for username, for tests
// and diagnostics.
func (r *ReputationTracker) BanStrikes(username string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.banStrikes[username]
}
