package engine

import (
	"bufio"
	"context"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/fscoto/lm/internal/config"
	"github.com/fscoto/lm/internal/logging"
	"github.com/fscoto/lm/internal/metrics"
	"github.com/fscoto/lm/internal/numnick"
)

func testConfig() config.Config {
	return config.Config{
		Server: config.ServerConfig{Name: "services.example.net", Desc: "Account services", Numeric: "AB"},
		User:   config.UserConfig{Nick: "L", Ident: "services", Host: "services.example.net", Gecos: "Account services"},
		Uplink: config.UplinkConfig{AddrPort: "127.0.0.1:4400", TheirPass: "theirpass", MyPass: "mypass", LNumeric: "AC"},
	}
}

func testLogger() *logging.Subsystems {
	s := logging.NewSubsystems(logging.NewLogger("error"))
	return &s
}

// fakeDispatcher records every Dispatch call it receives.
type fakeDispatcher struct {
	calls []string
}

func (f *fakeDispatcher) Dispatch(source *numnick.User, body string) {
	f.calls = append(f.calls, body)
}

func newTestEngine(t *testing.T) (*Engine, net.Conn) {
	t.Helper()
	uplink, local := net.Pipe()
	t.Cleanup(func() { uplink.Close(); local.Close() })

	table := numnick.New()
	eng, err := New(local, testConfig(), table, testLogger().Network, &metrics.NoopCollector{})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return eng, uplink
}

// driveHandshake reads the engine's PASS/SERVER lines off uplink and replies with a
// minimal SERVER line, bringing the engine out of the initial handshake state.
func driveHandshake(t *testing.T, uplink net.Conn) *bufio.Reader {
	t.Helper()
	r := bufio.NewReader(uplink)

	pass, err := r.ReadString('\n')
	if err != nil {
		t.Fatalf("reading PASS: %v", err)
	}
	if !strings.HasPrefix(pass, "PASS :mypass") {
		t.Fatalf("unexpected PASS line: %q", pass)
	}

	server, err := r.ReadString('\n')
	if err != nil {
		t.Fatalf("reading SERVER: %v", err)
	}
	if !strings.HasPrefix(server, "SERVER services.example.net") {
		t.Fatalf("unexpected SERVER line: %q", server)
	}

	uplink.Write([]byte("PASS :theirpass\r\n"))
	uplink.Write([]byte("SERVER hub.example.net 1 0 0 J10 ACAAD +s6 :Hub server\r\n"))
	return r
}

func TestHandshakeCompletesBurst(t *testing.T) {
	eng, uplink := newTestEngine(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	runErrCh := make(chan error, 1)
	go func() { runErrCh <- eng.Run(ctx) }()

	r := driveHandshake(t, uplink)

	// The engine should now introduce its own service user and signal EB.
	nLine, err := r.ReadString('\n')
	if err != nil {
		t.Fatalf("reading N line: %v", err)
	}
	if !strings.Contains(nLine, "N L ") {
		t.Fatalf("unexpected N line: %q", nLine)
	}
	ebLine, err := r.ReadString('\n')
	if err != nil {
		t.Fatalf("reading EB line: %v", err)
	}
	if !strings.HasPrefix(ebLine, "AB EB") {
		t.Fatalf("unexpected EB line: %q", ebLine)
	}

	uplink.Write([]byte("AC EB\r\n"))
	ea, err := r.ReadString('\n')
	if err != nil {
		t.Fatalf("reading EA reply: %v", err)
	}
	if !strings.HasPrefix(ea, "AB EA") {
		t.Fatalf("unexpected EA line: %q", ea)
	}

	cancel()
	if err := <-runErrCh; err != context.Canceled {
		t.Fatalf("Run returned %v, want context.Canceled", err)
	}
}

func TestPrivmsgDispatchesToServiceUserOnly(t *testing.T) {
	eng, uplink := newTestEngine(t)
	disp := &fakeDispatcher{}
	eng.SetDispatcher(disp)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go eng.Run(ctx)

	r := driveHandshake(t, uplink)
	r.ReadString('\n') // N
	r.ReadString('\n') // EB

	uplink.Write([]byte("AC N someuser 1 0 ident host +i AAAAAA ACAAB :Gecos\r\n"))
	uplink.Write([]byte("ACAAB P ABAAA :HELP\r\n"))
	uplink.Write([]byte("ACAAB P ACAAC :not for us\r\n"))

	deadline := time.Now().Add(time.Second)
	for len(disp.calls) == 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}

	if len(disp.calls) != 1 || disp.calls[0] != "HELP" {
		t.Fatalf("dispatch calls = %v, want exactly [HELP]", disp.calls)
	}
}

func TestSplitLinesAcceptsAllTerminators(t *testing.T) {
	cases := []struct {
		name  string
		input string
		want  []string
	}{
		{"lf", "a\nb\n", []string{"a", "b"}},
		{"cr", "a\rb\r", []string{"a", "b"}},
		{"crlf", "a\r\nb\r\n", []string{"a", "b"}},
		{"lfcr", "a\n\rb\n\r", []string{"a", "b"}},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			scanner := bufio.NewScanner(strings.NewReader(c.input))
			scanner.Split(splitLines)
			var got []string
			for scanner.Scan() {
				got = append(got, scanner.Text())
			}
			if len(got) != len(c.want) {
				t.Fatalf("got %v, want %v", got, c.want)
			}
			for i := range got {
				if got[i] != c.want[i] {
					t.Fatalf("got %v, want %v", got, c.want)
				}
			}
		})
	}
}
