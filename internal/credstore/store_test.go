package credstore

import (
	"io"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/fscoto/lm/internal/hasher"
	"github.com/fscoto/lm/internal/metrics"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeHasher spawns an in-memory hasher.Worker backed by a goroutine that computes real
// argon2 hashes, exactly like the real subprocess, without forking one.
func fakeHasher(t *testing.T) *hasher.Worker {
	t.Helper()
	parent, child := net.Pipe()
	t.Cleanup(func() { parent.Close(); child.Close() })

	go func() {
		const passwordField = 128
		const saltField = 16
		for {
			var req [passwordField + saltField + 1]byte
			if _, err := io.ReadFull(child, req[:]); err != nil {
				return
			}
			n := int(req[passwordField+saltField])
			var salt [16]byte
			copy(salt[:], req[passwordField:passwordField+saltField])
			hash := hasher.Hash(req[:n], salt)
			if _, err := child.Write(hash[:]); err != nil {
				return
			}
		}
	}()

	return hasher.NewWorkerFromConn(parent)
}

func openTestStore(t *testing.T) *Store {
	t.Helper()
	dir := t.TempDir()
	s, err := Open(filepath.Join(dir, "lm.db"), fakeHasher(t), testLogger(), &metrics.NoopCollector{})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestCreateAccountCaseInsensitiveUnique(t *testing.T) {
	s := openTestStore(t)

	outcome, err := s.CreateAccount("Alice", "alice@example.com")
	if err != nil || outcome != OK {
		t.Fatalf("first create: outcome=%v err=%v", outcome, err)
	}

	outcome, err = s.CreateAccount("alice", "alice2@example.com")
	if err != nil {
		t.Fatalf("second create: unexpected error %v", err)
	}
	if outcome != AccountInUse {
		t.Fatalf("second create: outcome=%v, want AccountInUse", outcome)
	}
}

func TestCheckAuthCaseInsensitive(t *testing.T) {
	s := openTestStore(t)
	createAndConfirm(t, s, "alice", "alice@example.com", "hunter2")

	waitOutcome := func(name, password string) Outcome {
		ch := make(chan Outcome, 1)
		s.CheckAuth(name, []byte(password), func(o Outcome, _ int64) { ch <- o })
		return <-ch
	}

	if o := waitOutcome("ALICE", "hunter2"); o != OK {
		t.Fatalf("case-insensitive auth: outcome=%v, want OK", o)
	}
	if o := waitOutcome("alice", "wrong"); o != PasswordMismatch {
		t.Fatalf("wrong password: outcome=%v, want PasswordMismatch", o)
	}
	if o := waitOutcome("bob", "whatever"); o != NoSuchAccount {
		t.Fatalf("unknown account: outcome=%v, want NoSuchAccount", o)
	}
}

func TestPurgeExpiredPolicy(t *testing.T) {
	s := openTestStore(t)
	fixedNow := time.Unix(1_800_000_000, 0)
	s.clock = func() time.Time { return fixedNow }

	if _, err := s.CreateAccount("pending", "pending@example.com"); err != nil {
		t.Fatalf("create pending: %v", err)
	}
	createAndConfirm(t, s, "confirmed", "confirmed@example.com", "hunter2")

	// Advance past the pending account's 1800s deadline.
	s.clock = func() time.Time { return fixedNow.Add(2 * time.Hour) }

	n, err := s.PurgeExpired()
	if err != nil {
		t.Fatalf("PurgeExpired: %v", err)
	}
	if n != 1 {
		t.Fatalf("purged %d rows, want 1", n)
	}

	if _, outcome, _ := s.GetEmailByAccount("confirmed"); outcome != OK {
		t.Fatalf("confirmed account incorrectly purged: outcome=%v", outcome)
	}
	if _, outcome, _ := s.GetEmailByAccount("pending"); outcome != NoSuchAccount {
		t.Fatalf("pending account survived purge: outcome=%v", outcome)
	}
}

func TestFIFOCorrelationAcrossUsers(t *testing.T) {
	s := openTestStore(t)
	for i, name := range []string{"u1", "u2", "u3", "u4", "u5"} {
		createAndConfirm(t, s, name, name+"@example.com", "pw"+string(rune('0'+i)))
	}

	type outcome struct {
		name string
		o    Outcome
	}
	results := make(chan outcome, 5)
	for i, name := range []string{"u1", "u2", "u3", "u4", "u5"} {
		name := name
		pw := "pw" + string(rune('0'+i))
		s.CheckAuth(name, []byte(pw), func(o Outcome, _ int64) { results <- outcome{name, o} })
	}

	seen := map[string]Outcome{}
	for i := 0; i < 5; i++ {
		r := <-results
		seen[r.name] = r.o
	}
	for _, name := range []string{"u1", "u2", "u3", "u4", "u5"} {
		if seen[name] != OK {
			t.Errorf("account %s: outcome=%v, want OK (no cross-talk)", name, seen[name])
		}
	}
}

func createAndConfirm(t *testing.T, s *Store, name, email, password string) {
	t.Helper()
	if outcome, err := s.CreateAccount(name, email); err != nil || outcome != OK {
		t.Fatalf("CreateAccount(%s): outcome=%v err=%v", name, outcome, err)
	}
	ch := make(chan Outcome, 1)
	s.ChangePassword(name, []byte(password), func(o Outcome, _ int64) { ch <- o })
	if o := <-ch; o != OK {
		t.Fatalf("ChangePassword(%s): outcome=%v", name, o)
	}
}

func init() {
	// Only keeps the os import referenced; the test databases live under t.TempDir().
	_ = os.TempDir
}
