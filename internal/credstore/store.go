// Package credstore implements the SQLite-backed credential store of spec §4.C: account
// persistence, case-insensitive lookups, and the FIFO hash-request queue that mediates
// between synchronous SQL operations and the asynchronous hasher subprocess.
package credstore

import (
	"crypto/rand"
	"crypto/subtle"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/fscoto/lm/internal/hasher"
	"github.com/fscoto/lm/internal/metrics"
)

const schema = `
CREATE TABLE IF NOT EXISTS accounts (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	name VARCHAR(12) COLLATE NOCASE UNIQUE NOT NULL,
	email VARCHAR(254) COLLATE NOCASE UNIQUE NOT NULL,
	pw_algo SMALLINT NOT NULL DEFAULT -1,
	pw_salt BLOB NOT NULL DEFAULT (x''),
	pw_hash BLOB NOT NULL DEFAULT (x''),
	created_ts INTEGER NOT NULL,
	expires_ts INTEGER NOT NULL
);
`

// Field limits from spec §3.
const (
	MaxNameLen  = 12
	MaxEmailLen = 254
	pendingTTL  = 1800 // seconds; HELLO's pending-confirmation deadline
)

// algoMemoryHard is the one defined pw_algo value (spec §3); -1 denotes
// unset/pending-confirmation.
const algoMemoryHard = 1

// Clock lets tests control "now" deterministically; production code uses time.Now.
type Clock func() time.Time

// Store is the credential store. It owns the SQL handle and the hash-request FIFO
// queue. Its methods are called from more than one goroutine (the protocol engine's,
// the scheduler's purge, and completion callbacks running on the dispatch goroutine);
// all hasher dispatch runs on one internal goroutine so request/response ordering
// matches enqueue order.
type Store struct {
	db      *sql.DB
	hasher  *hasher.Worker
	logger  *slog.Logger
	clock   Clock
	metrics metrics.Collector

	queue chan *hashRequest
	done  chan struct{}
}

// Open creates or opens the SQLite database at path, ensures the schema exists, and
// starts the hash-request dispatch goroutine against w.
func Open(path string, w *hasher.Worker, logger *slog.Logger, mx metrics.Collector) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("credstore: opening database: %w", err)
	}
	db.SetMaxOpenConns(1) // SQLite + single-threaded cooperative model, per spec §5

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("credstore: applying schema: %w", err)
	}

	s := &Store{
		db:      db,
		hasher:  w,
		logger:  logger,
		clock:   time.Now,
		metrics: mx,
		queue:   make(chan *hashRequest, 64),
		done:    make(chan struct{}),
	}
	go s.pump()
	return s, nil
}

// Close stops the dispatch goroutine and closes the database handle.
func (s *Store) Close() error {
	close(s.queue)
	<-s.done
	return s.db.Close()
}

// pump is the single consumer of the hash-request queue: it is the only caller of
// s.hasher.Hash, so requests reach the subprocess in the exact order CheckAuth/
// ChangePassword enqueued them, and responses are delivered to continuations in that
// same order (spec property 5).
func (s *Store) pump() {
	defer close(s.done)
	for req := range s.queue {
		start := s.clock()
		hash, err := s.hasher.Hash(req.password, req.salt)
		s.metrics.HashRequestCompleted(s.clock().Sub(start).Seconds())
		wipeBytes(req.password)
		if err != nil {
			req.reply(Storage, 0)
			continue
		}

		var outcome Outcome
		switch req.continuation {
		case continuationVerify:
			outcome = s.runVerify(req, hash)
		case continuationPersist:
			outcome = s.runPersist(req, hash)
		}
		req.reply(outcome, req.createdTS)
	}
}

func (s *Store) runVerify(req *hashRequest, computed [32]byte) Outcome {
	if subtle.ConstantTimeCompare(req.myHash[:], computed[:]) == 1 {
		return OK
	}
	return PasswordMismatch
}

func (s *Store) runPersist(req *hashRequest, computed [32]byte) Outcome {
	_, err := s.db.Exec(
		`UPDATE accounts SET pw_algo = ?, pw_salt = ?, pw_hash = ?, expires_ts = 0 WHERE name = ? COLLATE NOCASE`,
		algoMemoryHard, req.salt[:], computed[:], req.account,
	)
	if err != nil {
		s.logger.Error("persisting password", "account", req.account, "error", err)
		return Storage
	}
	return OK
}

// CreateAccount inserts a pending-confirmation row for name/email, per spec §4.C.
func (s *Store) CreateAccount(name, email string) (Outcome, error) {
	if len(name) > MaxNameLen {
		return NameTooLong, nil
	}
	if len(email) > MaxEmailLen {
		return EmailTooLong, nil
	}

	now := s.clock().Unix()
	_, err := s.db.Exec(
		`INSERT INTO accounts (name, email, pw_algo, pw_salt, pw_hash, created_ts, expires_ts)
		 VALUES (?, ?, -1, x'', x'', ?, ?)`,
		name, email, now, now+pendingTTL,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return AccountInUse, nil
		}
		return Storage, err
	}
	s.metrics.AccountCreated()
	return OK, nil
}

// GetAccountByEmail looks up the confirmed account name owning email.
func (s *Store) GetAccountByEmail(email string) (string, Outcome, error) {
	var name string
	err := s.db.QueryRow(
		`SELECT name FROM accounts WHERE email = ? COLLATE NOCASE AND expires_ts = 0`, email,
	).Scan(&name)
	if errors.Is(err, sql.ErrNoRows) {
		return "", NoSuchAccount, nil
	}
	if err != nil {
		return "", Storage, err
	}
	return name, OK, nil
}

// GetEmailByAccount looks up the email address of a confirmed account.
func (s *Store) GetEmailByAccount(name string) (string, Outcome, error) {
	var email string
	err := s.db.QueryRow(
		`SELECT email FROM accounts WHERE name = ? COLLATE NOCASE AND expires_ts = 0`, name,
	).Scan(&email)
	if errors.Is(err, sql.ErrNoRows) {
		return "", NoSuchAccount, nil
	}
	if err != nil {
		return "", Storage, err
	}
	return email, OK, nil
}

// CheckAuth enqueues a password verification against the confirmed row for name.
// reply is invoked exactly once, from the store's dispatch goroutine, once the hasher
// has answered (or immediately, synchronously, if no such account exists, the lookup
// fails, or the stored salt/hash have the wrong size). password is
// wiped once the hasher has consumed it. On OK, reply's second argument is the account's
// created_ts, mirroring db_check_auth_cb threading ts through to its caller so AUTH can
// broadcast it without a second lookup.
func (s *Store) CheckAuth(name string, password []byte, reply func(Outcome, int64)) {
	var salt, hash []byte
	var createdTS int64
	err := s.db.QueryRow(
		`SELECT pw_salt, pw_hash, created_ts FROM accounts WHERE name = ? COLLATE NOCASE AND expires_ts = 0`, name,
	).Scan(&salt, &hash, &createdTS)
	if errors.Is(err, sql.ErrNoRows) {
		wipeBytes(password)
		reply(NoSuchAccount, 0)
		return
	}
	if err != nil {
		wipeBytes(password)
		reply(Storage, 0)
		return
	}
	if len(salt) != 16 || len(hash) != 32 {
		wipeBytes(password)
		reply(Desync, 0)
		return
	}

	req := &hashRequest{
		account:      name,
		password:     password,
		createdTS:    createdTS,
		continuation: continuationVerify,
		reply:        reply,
	}
	copy(req.salt[:], salt)
	copy(req.myHash[:], hash)
	s.metrics.HashRequestEnqueued()
	s.queue <- req
}

// ChangePassword enqueues a fresh-salt hash of password and, once computed, persists it
// and clears the account's pending-confirmation deadline. reply's created_ts argument is
// always 0; the persist continuation has no use for it.
func (s *Store) ChangePassword(name string, password []byte, reply func(Outcome, int64)) {
	var salt [16]byte
	if _, err := rand.Read(salt[:]); err != nil {
		wipeBytes(password)
		reply(Crypto, 0)
		return
	}

	req := &hashRequest{
		account:      name,
		password:     password,
		salt:         salt,
		continuation: continuationPersist,
		reply:        reply,
	}
	s.metrics.HashRequestEnqueued()
	s.queue <- req
}

// PurgeExpired deletes pending-confirmation rows past their deadline, per spec §4.C and
// property 7 (a row with expires_ts = 0 is never touched).
func (s *Store) PurgeExpired() (int64, error) {
	now := s.clock().Unix()
	res, err := s.db.Exec(`DELETE FROM accounts WHERE expires_ts < ? AND expires_ts != 0`, now)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func isUniqueViolation(err error) bool {
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}

func wipeBytes(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
