// Package mail implements the outbound mail shim of spec §4.G: a pipe to an external
// MTA command when one is configured, or a NOTICE-based echo back to the requester when
// it isn't, so confirmation and password-reset flows keep working in deployments with no
// mail infrastructure. Grounded in original_source/mail.c's mail()/split_and_msg(), and
// adapted from the teacher's preference for exec.Command over a raw popen equivalent
// (internal/pop3 doesn't shell out, but cmd/pop3d's subprocess wiring is the closest
// analogue in the teacher for handing stdin to a child process).
package mail

import (
	"fmt"
	"os/exec"
	"strings"

	"github.com/fscoto/lm/internal/config"
	"github.com/fscoto/lm/internal/metrics"
	"github.com/fscoto/lm/internal/numnick"
)

// Notifier is the subset of the protocol engine's outbound API the disabled mode needs:
// one NOTICE per line back to the requesting user.
type Notifier interface {
	Notice(target *numnick.User, format string, args ...any)
}

// Shim sends account-management mail, choosing its transport from configuration.
type Shim struct {
	cfg     config.Config
	metrics metrics.Collector
}

// New builds a Shim from the loaded configuration.
func New(cfg config.Config, mx metrics.Collector) *Shim {
	return &Shim{cfg: cfg, metrics: mx}
}

// Send delivers body to email on behalf of requester, who also receives the disabled
// mode's virtual-email echo. The subject line is always "Message from <service nick>",
// matching mail.c, which never parameterizes it per call site.
func (m *Shim) Send(requester *numnick.User, notifier Notifier, email, body string) error {
	disabled := !m.cfg.MailEnabled()
	if disabled {
		m.sendDisabled(requester, notifier, body)
		m.metrics.MailSent(true)
		return nil
	}
	if err := m.sendExternal(email, body); err != nil {
		return err
	}
	m.metrics.MailSent(false)
	return nil
}

func (m *Shim) sendDisabled(requester *numnick.User, notifier Notifier, body string) {
	notifier.Notice(requester, "----- Start virtual e-mail -----")
	for _, line := range strings.Split(body, "\n") {
		notifier.Notice(requester, "%s", line)
	}
	notifier.Notice(requester, "----- End virtual e-mail -----")
}

func (m *Shim) sendExternal(email, body string) error {
	fields := strings.Fields(m.cfg.Mail.SendMailCmd)
	if len(fields) == 0 {
		return fmt.Errorf("mail: sendmailcmd is configured but empty")
	}

	cmd := exec.Command(fields[0], fields[1:]...)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("mail: opening pipe to %s: %w", fields[0], err)
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("mail: starting %s: %w", fields[0], err)
	}

	fmt.Fprintf(stdin, "From: %q <%s>\n", m.cfg.Mail.FromName, m.cfg.Mail.FromEmail)
	fmt.Fprintf(stdin, "To: <%s>\n", email)
	fmt.Fprintf(stdin, "Subject: Message from %s\n", m.cfg.User.Nick)
	fmt.Fprintf(stdin, "%s", body)
	fmt.Fprintf(stdin, "\n.\n")
	stdin.Close()

	return cmd.Wait()
}
