package mail

import (
	"fmt"
	"strings"
	"testing"

	"github.com/fscoto/lm/internal/config"
	"github.com/fscoto/lm/internal/metrics"
	"github.com/fscoto/lm/internal/numnick"
)

type fakeNotifier struct {
	notices []string
}

func (f *fakeNotifier) Notice(_ *numnick.User, format string, args ...any) {
	f.notices = append(f.notices, fmt.Sprintf(format, args...))
}

func TestSendDisabledEchoesBodyAsNotices(t *testing.T) {
	cfg := config.Config{} // Mail.SendMailCmd empty: disabled mode
	shim := New(cfg, &metrics.NoopCollector{})
	notif := &fakeNotifier{}

	err := shim.Send(&numnick.User{}, notif, "user@example.com", "line one\nline two")
	if err != nil {
		t.Fatalf("Send: %v", err)
	}

	want := []string{
		"----- Start virtual e-mail -----",
		"line one",
		"line two",
		"----- End virtual e-mail -----",
	}
	if len(notif.notices) != len(want) {
		t.Fatalf("notices = %v, want %v", notif.notices, want)
	}
	for i := range want {
		if notif.notices[i] != want[i] {
			t.Fatalf("notices[%d] = %q, want %q", i, notif.notices[i], want[i])
		}
	}
}

func TestSendExternalUsesConfiguredCommand(t *testing.T) {
	cfg := config.Config{
		Mail: config.MailConfig{
			SendMailCmd: "/bin/cat",
			FromEmail:   "noreply@example.com",
			FromName:    "lm",
		},
		User: config.UserConfig{Nick: "L"},
	}
	shim := New(cfg, &metrics.NoopCollector{})

	err := shim.Send(&numnick.User{}, &fakeNotifier{}, "dest@example.com", "hello there")
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
}

func TestSendExternalEmptyCommandIsError(t *testing.T) {
	cfg := config.Config{
		Mail: config.MailConfig{SendMailCmd: "   ", FromEmail: "a@example.com", FromName: "lm"},
	}
	shim := New(cfg, &metrics.NoopCollector{})

	err := shim.Send(&numnick.User{}, &fakeNotifier{}, "dest@example.com", "body")
	if err == nil {
		t.Fatal("Send: want error for blank sendmailcmd, got nil")
	}
	if !strings.Contains(err.Error(), "sendmailcmd") {
		t.Fatalf("error = %v, want mention of sendmailcmd", err)
	}
}
