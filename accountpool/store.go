package accountpool

import (
	"context"
	"database/sql"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"github.com/teranos/xpool/internal/errors"
)

const (
	sqliteJournalMode  = "WAL"
	sqliteBusyTimeoutMS = 5000
)

// Store is the durable Account Store (component A). It is the exclusive
// owner of Account records; all other components query and mutate accounts
// through it. Writes are serialized per account by SQLite's own locking —
// the simplest discipline that satisfies the single-writer requirement.
type Store struct {
	db  *sql.DB
	log *zap.SugaredLogger
}

// Open opens (or creates) the embedded database at path and runs pending
// migrations. A nil logger disables store-level logging.
func Open(path string, log *zap.SugaredLogger) (*Store, error) {
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, errors.Wrapf(err, "create database directory %s", dir)
		}
	}

	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, errors.Wrapf(err, "open database at %s", path)
	}

	for _, pragma := range []string{
		"PRAGMA journal_mode = " + sqliteJournalMode,
		"PRAGMA foreign_keys = ON",
		"PRAGMA busy_timeout = 5000",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, errors.Wrapf(err, "apply pragma %q", pragma)
		}
	}

	if err := migrate(db, log); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "run migrations")
	}

	if log != nil {
		log.Infow("account store opened", "path", path)
	}

	return &Store{db: db, log: log}, nil
}

// OpenDB wraps an already-open *sql.DB (used by tests with sqlmock, or by
// callers that share one database handle across several stores).
func OpenDB(db *sql.DB, log *zap.SugaredLogger) (*Store, error) {
	if err := migrate(db, log); err != nil {
		return nil, errors.Wrap(err, "run migrations")
	}
	return &Store{db: db, log: log}, nil
}

// Close closes the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// Add upserts an account by username.
func (s *Store) Add(ctx context.Context, a *Account) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO accounts (username, display_name, email, password, auth_token, cookies, user_agent, proxy, active, last_used_at, error_msg)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(username) DO UPDATE SET
			display_name = excluded.display_name,
			email        = excluded.email,
			password     = excluded.password,
			auth_token   = excluded.auth_token,
			cookies      = excluded.cookies,
			user_agent   = excluded.user_agent,
			proxy        = excluded.proxy,
			active       = excluded.active,
			error_msg    = excluded.error_msg
	`, a.Username, a.DisplayName, a.Email, a.Password, a.AuthToken, a.Cookies, a.UserAgent, a.Proxy, boolToInt(a.Active), a.LastUsedAt, a.ErrorMsg)
	if err != nil {
		return errors.Wrapf(err, "add account %s", a.Username)
	}
	return nil
}

// Get returns one account by username, including all of its per-queue lock
// state.
func (s *Store) Get(ctx context.Context, username string) (*Account, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT username, display_name, email, password, auth_token, cookies, user_agent, proxy, active, last_used_at, error_msg
		FROM accounts WHERE username = ?
	`, username)

	a, err := scanAccount(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, errors.Wrapf(err, "account %s not found", username)
		}
		return nil, errors.Wrapf(err, "get account %s", username)
	}

	queues, err := s.loadQueues(ctx, username)
	if err != nil {
		return nil, err
	}
	a.Queues = queues
	return a, nil
}

// All returns every account, active or not.
func (s *Store) All(ctx context.Context) ([]*Account, error) {
	return s.list(ctx, "SELECT username, display_name, email, password, auth_token, cookies, user_agent, proxy, active, last_used_at, error_msg FROM accounts ORDER BY username")
}

// Active returns only accounts with active = true.
func (s *Store) Active(ctx context.Context) ([]*Account, error) {
	return s.list(ctx, "SELECT username, display_name, email, password, auth_token, cookies, user_agent, proxy, active, last_used_at, error_msg FROM accounts WHERE active = 1 ORDER BY username")
}

func (s *Store) list(ctx context.Context, query string) ([]*Account, error) {
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, errors.Wrap(err, "list accounts")
	}
	defer rows.Close()

	var out []*Account
	for rows.Next() {
		a, err := scanAccount(rows)
		if err != nil {
			return nil, errors.Wrap(err, "scan account")
		}
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "iterate accounts")
	}

	for _, a := range out {
		queues, err := s.loadQueues(ctx, a.Username)
		if err != nil {
			return nil, err
		}
		a.Queues = queues
	}
	return out, nil
}

func (s *Store) loadQueues(ctx context.Context, username string) (map[string]QueueState, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT queue, unlock_at, req_count FROM account_queue_locks WHERE username = ?`, username)
	if err != nil {
		return nil, errors.Wrapf(err, "load queue locks for %s", username)
	}
	defer rows.Close()

	out := map[string]QueueState{}
	for rows.Next() {
		var queue string
		var st QueueState
		if err := rows.Scan(&queue, &st.UnlockAt, &st.ReqCount); err != nil {
			return nil, errors.Wrap(err, "scan queue lock")
		}
		out[queue] = st
	}
	return out, rows.Err()
}

// SetCookies replaces the serialized cookie jar for an account.
func (s *Store) SetCookies(ctx context.Context, username, cookies string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE accounts SET cookies = ? WHERE username = ?`, cookies, username)
	if err != nil {
		return errors.Wrapf(err, "set cookies for %s", username)
	}
	return nil
}

// SetActive flips the active flag, recording reason in error_msg when
// deactivating. Reactivating clears error_msg.
func (s *Store) SetActive(ctx context.Context, username string, active bool, reason string) error {
	if active {
		_, err := s.db.ExecContext(ctx, `UPDATE accounts SET active = 1, error_msg = '' WHERE username = ?`, username)
		if err != nil {
			return errors.Wrapf(err, "activate %s", username)
		}
		return nil
	}

	_, err := s.db.ExecContext(ctx, `UPDATE accounts SET active = 0, error_msg = ? WHERE username = ?`, reason, username)
	if err != nil {
		return errors.Wrapf(err, "deactivate %s", username)
	}
	if s.log != nil {
		s.log.Warnw("account marked inactive", "username", username, "reason", reason)
	}
	return nil
}

// LockUntil advances the unlock-at timestamp for (username, queue) to ts
// and atomically increments the cumulative request counter by
// incReqCount. It also stamps last_used_at on the account.
func (s *Store) LockUntil(ctx context.Context, username, queue string, ts time.Time, incReqCount int64) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "begin tx")
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO account_queue_locks (username, queue, unlock_at, req_count)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(username, queue) DO UPDATE SET
			unlock_at = excluded.unlock_at,
			req_count = account_queue_locks.req_count + excluded.req_count
	`, username, queue, ts, incReqCount)
	if err != nil {
		return errors.Wrapf(err, "lock %s/%s until %s", username, queue, ts)
	}

	if _, err := tx.ExecContext(ctx, `UPDATE accounts SET last_used_at = ? WHERE username = ?`, time.Now().UTC(), username); err != nil {
		return errors.Wrapf(err, "stamp last_used_at for %s", username)
	}

	return errors.Wrap(tx.Commit(), "commit lock_until")
}

// unlockJitter keeps "immediately available" unlock timestamps from
// colliding exactly with `now` across many concurrent callers, which would
// otherwise make next_available's ordering unstable.
const unlockJitter = 50 * time.Millisecond

// Unlock marks (username, queue) immediately available again, equivalent
// to LockUntil with ts = now + a small jitter.
func (s *Store) Unlock(ctx context.Context, username, queue string, incReqCount int64) error {
	return s.LockUntil(ctx, username, queue, time.Now().UTC().Add(unlockJitter), incReqCount)
}

// Candidate describes the result of NextAvailable: either an account ready
// to serve queue right now, or (if Ready is false) the earliest time any
// active account will next be eligible.
type Candidate struct {
	Account  *Account
	UnlockAt time.Time
	Ready    bool
}

// NextAvailable returns the best account for queue: the active account
// whose lock has elapsed, ordered by (unlock_at ascending, last_used_at
// ascending) as a fairness tiebreak. If no active account is ready yet, it
// returns the earliest future unlock_at among active accounts with
// Ready = false. If there are no active accounts at all, both Account and
// UnlockAt are zero values.
func (s *Store) NextAvailable(ctx context.Context, queue string) (Candidate, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT a.username, a.display_name, a.email, a.password, a.auth_token, a.cookies, a.user_agent, a.proxy, a.active, a.last_used_at, a.error_msg,
		       COALESCE(l.unlock_at, '1970-01-01 00:00:00')
		FROM accounts a
		LEFT JOIN account_queue_locks l ON l.username = a.username AND l.queue = ?
		WHERE a.active = 1
		ORDER BY COALESCE(l.unlock_at, '1970-01-01 00:00:00') ASC, a.last_used_at ASC
		LIMIT 1
	`, queue)

	var (
		a        Account
		activeI  int
		unlockAt time.Time
	)
	err := row.Scan(&a.Username, &a.DisplayName, &a.Email, &a.Password, &a.AuthToken, &a.Cookies, &a.UserAgent, &a.Proxy, &activeI, &a.LastUsedAt, &a.ErrorMsg, &unlockAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Candidate{}, nil
		}
		return Candidate{}, errors.Wrapf(err, "next available for queue %s", queue)
	}
	a.Active = activeI != 0

	queues, err := s.loadQueues(ctx, a.Username)
	if err != nil {
		return Candidate{}, err
	}
	a.Queues = queues

	now := time.Now().UTC()
	if !unlockAt.After(now) {
		return Candidate{Account: &a, UnlockAt: unlockAt, Ready: true}, nil
	}
	return Candidate{Account: &a, UnlockAt: unlockAt, Ready: false}, nil
}

// Reset clears the lock entry for (username, queue), making it immediately
// available and zeroing its cumulative request count.
func (s *Store) Reset(ctx context.Context, username, queue string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM account_queue_locks WHERE username = ? AND queue = ?`, username, queue)
	return errors.Wrapf(err, "reset lock %s/%s", username, queue)
}

// ResetAll clears every lock entry for every account, used by operators to
// recover from a misconfigured backoff.
func (s *Store) ResetAll(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM account_queue_locks`)
	return errors.Wrap(err, "reset all locks")
}

type scannable interface {
	Scan(dest ...any) error
}

func scanAccount(row scannable) (*Account, error) {
	var a Account
	var activeI int
	if err := row.Scan(&a.Username, &a.DisplayName, &a.Email, &a.Password, &a.AuthToken, &a.Cookies, &a.UserAgent, &a.Proxy, &activeI, &a.LastUsedAt, &a.ErrorMsg); err != nil {
		return nil, err
	}
	a.Active = activeI != 0
	return &a, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
