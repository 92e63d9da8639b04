package dispatch

import (
	"fmt"
	"io"
	"log/slog"
	"net"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/fscoto/lm/internal/config"
	"github.com/fscoto/lm/internal/credstore"
	"github.com/fscoto/lm/internal/hasher"
	"github.com/fscoto/lm/internal/mail"
	"github.com/fscoto/lm/internal/metrics"
	"github.com/fscoto/lm/internal/numnick"
	"github.com/fscoto/lm/internal/token"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeHasher mirrors credstore's own test helper: a real argon2 hasher running over an
// in-memory pipe, so CheckAuth/ChangePassword exercise the full asynchronous path.
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

// fakeNotifier records every outbound call the dispatcher makes instead of routing
// them through a real protocol engine.
type fakeNotifier struct {
	notices     []string
	serverLines []string
	rawLines    []string
}

func (f *fakeNotifier) Notice(_ *numnick.User, format string, args ...any) {
	f.notices = append(f.notices, fmt.Sprintf(format, args...))
}

func (f *fakeNotifier) ServerLine(format string, args ...any) {
	f.serverLines = append(f.serverLines, fmt.Sprintf(format, args...))
}

func (f *fakeNotifier) RawLine(format string, args ...any) {
	f.rawLines = append(f.rawLines, fmt.Sprintf(format, args...))
}

func testCfg() config.Config {
	return config.Config{
		Server: config.ServerConfig{Name: "services.example.net", Numeric: "AB"},
		User:   config.UserConfig{Nick: "L", Ident: "services", Host: "services.example.net"},
		Uplink: config.UplinkConfig{LNumeric: "AC"},
	}
}

type testHarness struct {
	d      *Dispatcher
	store  *credstore.Store
	tokens *token.Codec
	notif  *fakeNotifier
	table  *numnick.Table
	source *numnick.User
}

func newHarness(t *testing.T) *testHarness {
	t.Helper()
	dir := t.TempDir()
	store, err := credstore.Open(filepath.Join(dir, "lm.db"), fakeHasher(t), testLogger(), &metrics.NoopCollector{})
	if err != nil {
		t.Fatalf("credstore.Open: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	tokens := token.NewCodec()
	cfg := testCfg()
	mailer := mail.New(cfg, &metrics.NoopCollector{})
	notif := &fakeNotifier{}

	table := numnick.New()
	if _, err := table.RegisterServer("AAAAD", "services.example.net", nil); err != nil {
		t.Fatalf("RegisterServer: %v", err)
	}
	source, err := table.RegisterUser("AAAAA", "alice", "ident", "host", "Gecos", "AAAAAA", "", false)
	if err != nil {
		t.Fatalf("RegisterUser: %v", err)
	}

	d := New(cfg, store, tokens, mailer, notif, table, testLogger(), &metrics.NoopCollector{})
	return &testHarness{d: d, store: store, tokens: tokens, notif: notif, table: table, source: source}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("timed out waiting for async completion")
		}
		time.Sleep(time.Millisecond)
	}
}

func (h *testHarness) createAndConfirm(t *testing.T, name, email, password string) {
	t.Helper()
	if outcome, err := h.store.CreateAccount(name, email); err != nil || outcome != credstore.OK {
		t.Fatalf("CreateAccount(%s): outcome=%v err=%v", name, outcome, err)
	}
	done := make(chan credstore.Outcome, 1)
	h.store.ChangePassword(name, []byte(password), func(o credstore.Outcome, _ int64) { done <- o })
	if o := <-done; o != credstore.OK {
		t.Fatalf("ChangePassword(%s): outcome=%v", name, o)
	}
}

func TestAuthRejectsReauthentication(t *testing.T) {
	h := newHarness(t)
	h.source.Account = "already"

	h.d.Dispatch(h.source, "AUTH alice hunter2")

	if len(h.notif.notices) == 0 || h.notif.notices[0] != "You cannot reauthenticate." {
		t.Fatalf("notices = %v, want reauthentication rejection first", h.notif.notices)
	}
}

func TestAuthSuccessSetsAccountAndBroadcasts(t *testing.T) {
	h := newHarness(t)
	h.createAndConfirm(t, "alice", "alice@example.com", "hunter2")

	h.d.Dispatch(h.source, "AUTH alice hunter2")
	waitFor(t, func() bool { return h.source.Account == "alice" })

	if len(h.notif.serverLines) != 1 || !strings.HasPrefix(h.notif.serverLines[0], "AC AAAAA alice ") {
		t.Fatalf("serverLines = %v, want one AC broadcast for alice", h.notif.serverLines)
	}

	found := false
	for _, n := range h.notif.notices {
		if strings.Contains(n, "now authenticated as alice") {
			found = true
		}
	}
	if !found {
		t.Fatalf("notices = %v, want an authenticated-as-alice notice", h.notif.notices)
	}
}

func TestAuthWrongPassword(t *testing.T) {
	h := newHarness(t)
	h.createAndConfirm(t, "alice", "alice@example.com", "hunter2")

	h.d.Dispatch(h.source, "AUTH alice wrongpassword")
	waitFor(t, func() bool { return len(h.notif.notices) > 0 })

	if h.source.Account != "" {
		t.Fatalf("source.Account = %q, want empty after failed auth", h.source.Account)
	}
	if h.notif.notices[0] != "Invalid credentials." {
		t.Fatalf("notices[0] = %q, want Invalid credentials.", h.notif.notices[0])
	}
}

func TestUnknownCommandNotifies(t *testing.T) {
	h := newHarness(t)
	h.d.Dispatch(h.source, "BOGUS some args")

	if len(h.notif.notices) != 1 || h.notif.notices[0] != "Unknown command \x02BOGUS\x02." {
		t.Fatalf("notices = %v, want unknown-command notice", h.notif.notices)
	}
}

func TestHelloCreatesPendingAccountAndEmailsToken(t *testing.T) {
	h := newHarness(t)
	h.d.Dispatch(h.source, "HELLO newguy guy@example.com guy@example.com")

	var tok string
	for _, n := range h.notif.notices {
		if idx := strings.Index(n, "CONFIRM "); idx >= 0 {
			fields := strings.Fields(n[idx:])
			if len(fields) >= 2 {
				tok = fields[1]
			}
		}
	}
	if tok == "" {
		t.Fatalf("no CONFIRM token found in notices: %v", h.notif.notices)
	}
	if len(tok) != token.WireLen {
		t.Fatalf("token length = %d, want %d", len(tok), token.WireLen)
	}

	last := h.notif.notices[len(h.notif.notices)-1]
	if !strings.Contains(last, "inbox") {
		t.Fatalf("last notice = %q, want mention of checking inbox", last)
	}
}

func TestConfirmActivatesAccount(t *testing.T) {
	h := newHarness(t)
	if _, err := h.store.CreateAccount("newguy", "guy@example.com"); err != nil {
		t.Fatalf("CreateAccount: %v", err)
	}
	tok, err := h.tokens.Create("newguy", time.Now())
	if err != nil {
		t.Fatalf("tokens.Create: %v", err)
	}

	h.d.Dispatch(h.source, fmt.Sprintf("CONFIRM %s newpass newpass", tok))
	waitFor(t, func() bool {
		for _, n := range h.notif.notices {
			if strings.Contains(n, "Registration confirmed successfully.") {
				return true
			}
		}
		return false
	})

	done := make(chan credstore.Outcome, 1)
	h.store.CheckAuth("newguy", []byte("newpass"), func(o credstore.Outcome, _ int64) { done <- o })
	if o := <-done; o != credstore.OK {
		t.Fatalf("CheckAuth after confirm: outcome=%v, want OK", o)
	}
}

// TestResetPassUsesTokenAccountNotSourceAccount exercises the deliberate correction
// from the original's cmd_resetpass: an unauthenticated source (source.Account == "")
// must still land on the account named by the token, not on the caller's own (empty)
// account.
func TestResetPassUsesTokenAccountNotSourceAccount(t *testing.T) {
	h := newHarness(t)
	h.createAndConfirm(t, "bob", "bob@example.com", "oldpassword")

	if h.source.Account != "" {
		t.Fatalf("precondition: source.Account = %q, want empty", h.source.Account)
	}

	tok, err := h.tokens.Create("bob", time.Now())
	if err != nil {
		t.Fatalf("tokens.Create: %v", err)
	}

	h.d.Dispatch(h.source, fmt.Sprintf("RESETPASS %s newpassword2 newpassword2", tok))
	waitFor(t, func() bool {
		for _, n := range h.notif.notices {
			if strings.Contains(n, "changed succesfully") {
				return true
			}
		}
		return false
	})

	done := make(chan credstore.Outcome, 1)
	h.store.CheckAuth("bob", []byte("newpassword2"), func(o credstore.Outcome, _ int64) { done <- o })
	if o := <-done; o != credstore.OK {
		t.Fatalf("CheckAuth(bob, newpassword2): outcome=%v, want OK", o)
	}
}

func TestRegisterChanRequiresAuth(t *testing.T) {
	h := newHarness(t)
	h.d.Dispatch(h.source, "REGISTERCHAN #test")

	if len(h.notif.notices) != 1 || h.notif.notices[0] != "You must be authenticated to use this command." {
		t.Fatalf("notices = %v, want auth-required notice", h.notif.notices)
	}
}

func TestRegisterChanForwardsToLServer(t *testing.T) {
	h := newHarness(t)
	h.source.Account = "alice"

	h.d.Dispatch(h.source, "REGISTERCHAN #test")

	if len(h.notif.rawLines) != 1 {
		t.Fatalf("rawLines = %v, want exactly one forwarded line", h.notif.rawLines)
	}
	want := "ABAAA P ACAAA :addchan #test #alice #alice"
	if h.notif.rawLines[0] != want {
		t.Fatalf("rawLines[0] = %q, want %q", h.notif.rawLines[0], want)
	}
}
