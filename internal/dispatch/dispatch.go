// Package dispatch implements the command dispatcher of spec §4.F: a PRIVMSG-body
// command table and the nine account-management commands it routes to, grounded in
// original_source/commands.c's static Command[] table and handle_privmsg, adapted to
// the Go idiom of a slice of command specs plus plain handler functions rather than a
// static array of function pointers.
package dispatch

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/fscoto/lm/internal/config"
	"github.com/fscoto/lm/internal/credstore"
	"github.com/fscoto/lm/internal/mail"
	"github.com/fscoto/lm/internal/metrics"
	"github.com/fscoto/lm/internal/numnick"
	"github.com/fscoto/lm/internal/proto"
	"github.com/fscoto/lm/internal/token"
)

// maxCmdArgs mirrors commands.c's own MAX_ARGS (4): command name plus up to three
// arguments, sized for RESETPASS/CONFIRM/NEWPASS's three-argument forms.
const maxCmdArgs = 4

const maxPasswordLen = 128

// Status is a command handler's outcome, audited alongside the command invocation.
type Status int

const (
	StatusOK Status = iota
	StatusFailure
	StatusSyntax
	StatusInternal
)

func (s Status) String() string {
	switch s {
	case StatusOK:
		return "OK"
	case StatusFailure:
		return "FAILURE"
	case StatusSyntax:
		return "SYNTAX"
	case StatusInternal:
		return "INTERNAL"
	default:
		return "UNKNOWN"
	}
}

// Notifier is the outbound subset of the protocol engine the dispatcher depends on.
// Engine satisfies this structurally; dispatch never imports the engine package.
type Notifier interface {
	Notice(target *numnick.User, format string, args ...any)
	ServerLine(format string, args ...any)
	RawLine(format string, args ...any)
}

// userTable is the subset of numnick.Table the dispatcher needs to re-resolve a
// snapshotted user once an async hash callback runs.
type userTable interface {
	UserByNumnick(numnick string) (*numnick.User, error)
}

// Dispatcher routes PRIVMSG bodies addressed to the service user to the nine
// account-management commands.
type Dispatcher struct {
	cfg      config.Config
	store    *credstore.Store
	tokens   *token.Codec
	mailer   *mail.Shim
	notifier Notifier
	table    userTable
	audit    *slog.Logger
	metrics  metrics.Collector
}

// New builds a Dispatcher. audit should be the "audit" subsystem logger (logging.
// Subsystems.Audit), matching the original's dedicated SS_AUD stream.
func New(cfg config.Config, store *credstore.Store, tokens *token.Codec, mailer *mail.Shim,
	notifier Notifier, table userTable, audit *slog.Logger, mx metrics.Collector) *Dispatcher {
	return &Dispatcher{
		cfg:      cfg,
		store:    store,
		tokens:   tokens,
		mailer:   mailer,
		notifier: notifier,
		table:    table,
		audit:    audit,
		metrics:  mx,
	}
}

// userSnapshot identifies a user at the moment a command enqueues an async hash
// request, so the eventual reply/audit callback can re-resolve the live user instead
// of holding a pointer that may have been zeroed by an intervening QUIT (spec §5's
// "stale user pointer" open question).
type userSnapshot struct {
	numnick string
	nick    string
	account string
}

func snapshotUser(u *numnick.User) userSnapshot {
	return userSnapshot{numnick: u.Numnick(), nick: u.Nick, account: u.Account}
}

// resolve looks up the live user for snap, reporting false if the numeric has since
// been deregistered (or reused by a different connection) and the reply should be
// dropped.
func (d *Dispatcher) resolve(snap userSnapshot) (*numnick.User, bool) {
	u, err := d.table.UserByNumnick(snap.numnick)
	if err != nil || u.Nick == "" || u.Numnick() != snap.numnick {
		return nil, false
	}
	return u, true
}

// Dispatch parses body as a command invocation from source and routes it, per spec
// §4.F. It always logs a synchronous audit line using the handler's immediate return
// status; commands that complete asynchronously (AUTH, CONFIRM, NEWPASS, RESETPASS)
// can log a second audit line from their own hasher-completion callback (AUTH only for
// a failed attempt).
func (d *Dispatcher) Dispatch(source *numnick.User, body string) {
	if body == "" {
		return
	}

	prefix := d.auditPrefix(source)
	args := proto.SplitArgs(body, maxCmdArgs)
	if len(args) == 0 {
		return
	}
	name, rest := args[0], args[1:]

	spec, ok := lookupCommand(name)
	if !ok {
		d.notifier.Notice(source, "Unknown command \x02%s\x02.", name)
		d.audit.Info(fmt.Sprintf("%s got UNKCMD with %s ()", prefix, name))
		return
	}

	status := spec.handler(d, source, rest)
	d.metrics.CommandProcessed(spec.name, status.String())
	d.audit.Info(fmt.Sprintf("%s got %s with %s (%s)", prefix, status, spec.name, redactedArgs(spec, rest)))
}

func (d *Dispatcher) auditPrefix(u *numnick.User) string {
	operMark := ""
	if u.IsOper {
		operMark = "*"
	}
	line := fmt.Sprintf("%s%s!%s@%s(%s)=%s/%s", operMark, u.Nick, u.Ident, u.Host, u.SockIP, u.Account, u.Gecos)
	return numnick.StripEscapes(line)
}

// auditAsync logs a second audit line from an async completion callback, using the
// re-resolved live user's current identity, matching log_audit calls inside the
// original's DB completion callbacks.
func (d *Dispatcher) auditAsync(u *numnick.User, format string, args ...any) {
	d.audit.Info(fmt.Sprintf("%s %s", d.auditPrefix(u), fmt.Sprintf(format, args...)))
}

func (d *Dispatcher) usage(source *numnick.User, spec *commandSpec) {
	d.notifier.Notice(source, "Usage: \x02%s\x02 %s", spec.name, spec.usage)
}

func redactedArgs(spec *commandSpec, args []string) string {
	parts := make([]string, len(args))
	for i, a := range args {
		if spec.isPriv(i) {
			parts[i] = "[HIDDEN]"
		} else {
			parts[i] = numnick.StripEscapes(a)
		}
	}
	return strings.Join(parts, " ")
}

// onPasswordChanged builds the ChangePassword completion callback shared by NEWPASS and
// RESETPASS, mirroring password_change_cb: it always logs the audit line and always
// sends the success reply, even when dbe != DBE_OK (preserved as written).
func (d *Dispatcher) onPasswordChanged(account string, snap userSnapshot) func(credstore.Outcome, int64) {
	return func(outcome credstore.Outcome, _ int64) {
		u, ok := d.resolve(snap)
		if !ok {
			return
		}
		if outcome != credstore.OK {
			d.notifier.Notice(u, "An error was encountered when changing your password.")
			d.notifier.Notice(u, "Please contact an IRC operator with this error code: %d.", int(outcome))
		}
		d.auditAsync(u, "changed password for account %s", account)
		d.notifier.Notice(u, "Password for account %s changed succesfully.", account)
	}
}

func isValidPassword(pw string) bool {
	if len(pw) >= maxPasswordLen {
		return false
	}
	if pw == "" {
		return true
	}
	return pw[0] != ':'
}

func isValidEmail(email string) bool {
	if len(email) > credstore.MaxEmailLen {
		return false
	}
	at := strings.IndexByte(email, '@')
	if at < 0 {
		return false
	}
	if at-1 > 64 {
		return false
	}
	if len(email)-at-1 > 255 {
		return false
	}
	return true
}

// --- AUTH ---

func cmdAuth(d *Dispatcher, source *numnick.User, args []string) Status {
	if source.Authed() {
		d.notifier.Notice(source, "You cannot reauthenticate.")
		d.notifier.Notice(source, "You must reconnect if you want to authenticate to another account.")
		return StatusFailure
	}
	if len(args) < 2 {
		d.usage(source, lookupMust("AUTH"))
		return StatusSyntax
	}

	username, password := args[0], args[1]
	snap := snapshotUser(source)
	d.store.CheckAuth(username, []byte(password), func(outcome credstore.Outcome, createdTS int64) {
		u, ok := d.resolve(snap)
		if !ok {
			return
		}
		switch outcome {
		case credstore.OK:
			u.Account = username
			d.metrics.AuthAttempt(true)
			d.notifier.ServerLine("AC %s %s %d", u.Numnick(), u.Account, createdTS)
			d.notifier.Notice(u, "Password accepted; you are now authenticated as %s.", u.Account)
		case credstore.PasswordMismatch, credstore.NoSuchAccount:
			d.metrics.AuthAttempt(false)
			d.notifier.Notice(u, "Invalid credentials.")
			nonexistent := ""
			if outcome == credstore.NoSuchAccount {
				nonexistent = "non-existent "
			}
			d.auditAsync(u, "failed auth for %saccount %s", nonexistent, username)
		default:
			d.metrics.AuthAttempt(false)
			d.notifier.Notice(u, "An error was encountered when fetching the account.")
			d.notifier.Notice(u, "Please contact an IRC operator with this error code: %d.", int(outcome))
		}
	})
	return StatusOK
}

// --- HELP / SHOWCOMMANDS ---

func cmdShowCommands(d *Dispatcher, source *numnick.User, _ []string) Status {
	d.notifier.Notice(source, "The following commands are recognized.")
	d.notifier.Notice(source, "For details on a specific command, use HELP \x1fcommand\x1f.")
	for i := range commandTable {
		d.notifier.Notice(source, "%-13s %s", commandTable[i].name, commandTable[i].desc)
	}
	d.notifier.Notice(source, "End of command listing.")
	if source.IsOper {
		d.notifier.Notice(source, "You are an \x02IRC operator\x02.")
	}
	return StatusOK
}

func cmdHelp(d *Dispatcher, source *numnick.User, args []string) Status {
	if len(args) == 0 {
		return cmdShowCommands(d, source, nil)
	}

	spec, ok := lookupCommand(args[0])
	if !ok {
		d.notifier.Notice(source, "No such command \x02%s\x02.", args[0])
		return StatusFailure
	}

	d.usage(source, spec)
	for _, line := range spec.help {
		d.notifier.Notice(source, "%s", line)
	}
	return StatusOK
}

// --- HELLO ---

func cmdHello(d *Dispatcher, source *numnick.User, args []string) Status {
	if source.Authed() {
		d.notifier.Notice(source, "You are already registered.")
		return StatusFailure
	}
	if len(args) < 3 {
		d.usage(source, lookupMust("HELLO"))
		return StatusSyntax
	}

	account, email, email2 := args[0], args[1], args[2]

	if account[0] >= '0' && account[0] <= '9' {
		d.notifier.Notice(source, "Username must not start with a number.")
		return StatusFailure
	}
	for i := 0; i < len(account); i++ {
		c := account[i]
		if !(c >= '0' && c <= '9') && !(c >= 'A' && c <= 'Z') && !(c >= 'a' && c <= 'z') {
			d.notifier.Notice(source, "Username must be alphanumeric (A-Za-z0-9).")
			return StatusFailure
		}
	}
	if len(account) < 2 {
		d.notifier.Notice(source, "Username too short, minimum 2 characters.")
		return StatusFailure
	}
	if len(account) > numnick.MaxAccount {
		d.notifier.Notice(source, "Username too long, maximum %d characters.", numnick.MaxAccount)
		return StatusFailure
	}
	if len(email) > credstore.MaxEmailLen {
		d.notifier.Notice(source, "E-mail address too long, maximum %d characters.", credstore.MaxEmailLen)
		return StatusFailure
	}
	if !isValidEmail(email) {
		d.notifier.Notice(source, "The given e-mail address is invalid.")
		return StatusFailure
	}
	if !strings.EqualFold(email, email2) {
		d.notifier.Notice(source, "E-mail addresses mismatch. Make sure that you type the e-mail addresses")
		d.notifier.Notice(source, "correctly both times.")
		return StatusFailure
	}

	outcome, err := d.store.CreateAccount(account, email)
	if err != nil && outcome != credstore.AccountInUse {
		d.audit.Error("create account", "account", account, "error", err)
	}
	switch outcome {
	case credstore.AccountInUse:
		d.notifier.Notice(source, "Username or e-mail already in use.")
		return StatusFailure
	case credstore.OK:
	default:
		d.notifier.Notice(source, "An error was encountered when creating your account.")
		d.notifier.Notice(source, "Please contact an IRC operator with this error code: %d.", int(outcome))
		return StatusInternal
	}

	tok, err := d.tokens.Create(account, time.Now())
	if err != nil {
		d.notifier.Notice(source, "An error was encountered when creating your account.")
		d.notifier.Notice(source, "Please contact an IRC operator with this error code: RND.")
		return StatusInternal
	}

	body := fmt.Sprintf(
		"Dear %s,\n\nThank you for signing up with %s.\nYou must still confirm your account.\n"+
			"If you did not request this, please ignore this message.\n"+
			"To confirm your account, use this command:\n"+
			"/msg %s@%s CONFIRM %s newpassword newpassword\n"+
			"where \"newpassword\" is the new password to use.",
		account, d.cfg.User.Nick, d.cfg.User.Nick, d.cfg.Server.Name, tok,
	)
	if err := d.mailer.Send(source, d.notifier, email, body); err != nil {
		d.notifier.Notice(source, "An error was encountered sending e-mail.")
		d.notifier.Notice(source, "Please contact an IRC operator.")
		return StatusInternal
	}

	d.notifier.Notice(source, "Account created successfully.")
	d.notifier.Notice(source, "\x02Your account still needs to be confirmed in the next 30 minutes\x02.")
	d.notifier.Notice(source, "Please check your e-mail inbox for further instructions.")
	return StatusOK
}

// --- CONFIRM ---

func cmdConfirm(d *Dispatcher, source *numnick.User, args []string) Status {
	if source.Authed() {
		d.notifier.Notice(source, "You are already registered.")
		return StatusFailure
	}
	if len(args) < 3 {
		d.usage(source, lookupMust("CONFIRM"))
		return StatusSyntax
	}

	account, status := d.tokens.Validate(args[0], time.Now())
	switch status {
	case token.StatusOK:
	case token.StatusBad:
		d.notifier.Notice(source, "Invalid token. Please make sure that you have copied it correctly.")
		return StatusFailure
	case token.StatusExpired:
		d.notifier.Notice(source, "Your token has expired.")
		d.notifier.Notice(source, "Please use \x02HELLO\x02 again.")
		return StatusFailure
	}

	if !isValidPassword(args[1]) {
		d.notifier.Notice(source, "Invalid password.")
		d.notifier.Notice(source, "A password must be shorter than %d bytes and must not start with ':'.", maxPasswordLen)
		return StatusFailure
	}
	if args[1] == "newpassword" {
		d.notifier.Notice(source, "Please do not just copy and paste the command.")
		d.notifier.Notice(source, "Replace \"newpassword\" with the new password you want to use.")
		return StatusFailure
	}
	if args[1] != args[2] {
		d.notifier.Notice(source, "The new passwords do not match.")
		return StatusFailure
	}

	snap := snapshotUser(source)
	d.store.ChangePassword(account, []byte(args[1]), func(outcome credstore.Outcome, _ int64) {
		u, ok := d.resolve(snap)
		if !ok {
			return
		}
		if outcome != credstore.OK {
			d.notifier.Notice(u, "An error was encountered when setting your password.")
			d.notifier.Notice(u, "Please contact an IRC operator with this error code: %d.", int(outcome))
		}
		d.auditAsync(u, "changed password for account %s (registered)", account)
		d.notifier.Notice(u, "Registration confirmed successfully.")
	})
	return StatusOK
}

// --- NEWPASS ---

func cmdNewPass(d *Dispatcher, source *numnick.User, args []string) Status {
	if !source.Authed() {
		d.notifier.Notice(source, "You must be authenticated to use this command.")
		return StatusFailure
	}
	if len(args) < 3 {
		d.usage(source, lookupMust("NEWPASS"))
		return StatusSyntax
	}
	if !isValidPassword(args[1]) {
		d.notifier.Notice(source, "Invalid password.")
		d.notifier.Notice(source, "A password must be shorter than %d bytes and must not start with ':'.", maxPasswordLen)
		return StatusFailure
	}
	if args[1] != args[2] {
		d.notifier.Notice(source, "The new passwords do not match.")
		return StatusFailure
	}

	account := source.Account
	newpass := args[1]
	snap := snapshotUser(source)
	d.store.CheckAuth(account, []byte(args[0]), func(outcome credstore.Outcome, _ int64) {
		u, ok := d.resolve(snap)
		if !ok {
			return
		}
		switch outcome {
		case credstore.OK:
			d.store.ChangePassword(account, []byte(newpass), d.onPasswordChanged(account, snap))
		case credstore.PasswordMismatch:
			d.auditAsync(u, "failed NEWPASS auth for account %s", account)
			d.notifier.Notice(u, "Old password incorrect.")
		default:
			d.notifier.Notice(u, "An error was encountered when fetching your account.")
			d.notifier.Notice(u, "Please contact an IRC operator with this error code: %d.", int(outcome))
		}
	})
	return StatusOK
}

// --- LOSTPASS ---

func cmdLostPass(d *Dispatcher, source *numnick.User, args []string) Status {
	if source.IsOper {
		if len(args) < 1 {
			d.usage(source, lookupMust("LOSTPASS"))
			return StatusSyntax
		}
	} else if len(args) < 2 {
		d.usage(source, lookupMust("LOSTPASS"))
		return StatusSyntax
	}

	// Due to the way the mail shim works, only operators may reset passwords when
	// e-mail is disabled; otherwise any user could reset any other user's password.
	if !source.IsOper && !d.cfg.MailEnabled() {
		d.notifier.Notice(source, "E-mails are disabled.")
		d.notifier.Notice(source, "If you have lost your password, contact an IRC operator.")
		return StatusFailure
	}

	var account, email string
	if !source.IsOper {
		name, outcome, err := d.store.GetAccountByEmail(args[1])
		if err != nil && outcome != credstore.NoSuchAccount {
			d.audit.Error("lookup account by email", "error", err)
		}
		switch outcome {
		case credstore.OK:
		case credstore.NoSuchAccount:
			d.notifier.Notice(source, "E-mail %s not associated with any account.", args[1])
			return StatusFailure
		default:
			d.notifier.Notice(source, "An error was encountered when fetching account data.")
			d.notifier.Notice(source, "Please contact an IRC operator with this error code: %d.", int(outcome))
			return StatusInternal
		}
		if source.Authed() && !strings.EqualFold(name, source.Account) {
			d.notifier.Notice(source, "E-mail address mismatch for your account.")
			return StatusFailure
		}
		account, email = name, args[1]
	} else {
		account = args[0]
		found, outcome, err := d.store.GetEmailByAccount(account)
		if err != nil && outcome != credstore.NoSuchAccount {
			d.audit.Error("lookup email by account", "error", err)
		}
		switch outcome {
		case credstore.OK:
		case credstore.NoSuchAccount:
			d.notifier.Notice(source, "No such account %s.", account)
			return StatusFailure
		default:
			d.notifier.Notice(source, "An error was encountered when fetching account data.")
			d.notifier.Notice(source, "Please contact an IRC operator with this error code: %d.", int(outcome))
			return StatusInternal
		}
		email = found
	}

	tok, err := d.tokens.Create(account, time.Now())
	if err != nil {
		d.notifier.Notice(source, "An error was encountered when creating your account.")
		d.notifier.Notice(source, "Please contact an IRC operator with this error code: RND.")
		return StatusInternal
	}

	body := fmt.Sprintf(
		"Dear %s,\n\nA password reset for your account has been requested.\n"+
			"If you did not request this, please ignore this message.\n"+
			"To change your password, use this command:\n"+
			"/msg %s@%s RESETPASS %s newpassword newpassword\n"+
			"where \"newpassword\" is the new password to use.",
		account, d.cfg.User.Nick, d.cfg.Server.Name, tok,
	)
	if err := d.mailer.Send(source, d.notifier, email, body); err != nil {
		d.notifier.Notice(source, "An error was encountered sending e-mail.")
		d.notifier.Notice(source, "Please contact an IRC operator.")
		return StatusInternal
	}

	d.notifier.Notice(source, "A password reset e-mail has been sent to %s.", email)
	d.notifier.Notice(source, "Please check your e-mail account for further instructions.")
	return StatusOK
}

// --- RESETPASS ---

func cmdResetPass(d *Dispatcher, source *numnick.User, args []string) Status {
	if len(args) < 3 {
		d.usage(source, lookupMust("RESETPASS"))
		return StatusSyntax
	}

	account, status := d.tokens.Validate(args[0], time.Now())
	switch status {
	case token.StatusOK:
	case token.StatusBad:
		d.notifier.Notice(source, "Invalid token. Please make sure that you have copied it correctly.")
		return StatusFailure
	case token.StatusExpired:
		d.notifier.Notice(source, "Your token has expired.")
		d.notifier.Notice(source, "If you still need to reset your password, use LOSTPASS again.")
		return StatusFailure
	}

	if source.Authed() && !strings.EqualFold(source.Account, account) {
		d.notifier.Notice(source, "Invalid token for your account %s.", source.Account)
		return StatusFailure
	}

	if !isValidPassword(args[1]) {
		d.notifier.Notice(source, "Invalid password.")
		d.notifier.Notice(source, "A password must be shorter than %d bytes and must not start with ':'.", maxPasswordLen)
		return StatusFailure
	}
	if args[1] == "newpassword" {
		d.notifier.Notice(source, "Please do not just copy and paste the command.")
		d.notifier.Notice(source, "Replace \"newpassword\" with the new password you want to use.")
		return StatusFailure
	}
	if args[1] != args[2] {
		d.notifier.Notice(source, "The new passwords do not match.")
		return StatusFailure
	}

	snap := snapshotUser(source)
	d.store.ChangePassword(account, []byte(args[1]), d.onPasswordChanged(account, snap))
	return StatusOK
}

// --- REGISTERCHAN ---

func cmdRegisterChan(d *Dispatcher, source *numnick.User, args []string) Status {
	if !source.Authed() {
		d.notifier.Notice(source, "You must be authenticated to use this command.")
		return StatusFailure
	}
	if len(args) < 1 {
		d.usage(source, lookupMust("REGISTERCHAN"))
		return StatusSyntax
	}
	if args[0][0] != '#' {
		d.notifier.Notice(source, "The channel must start with #.")
		return StatusFailure
	}
	if len(args[0]) > 29 {
		d.notifier.Notice(source, "Channel name too long.")
		d.notifier.Notice(source, "The channel name may be at most 29 characters, including the #.")
		return StatusFailure
	}

	d.notifier.RawLine("%sAAA P %sAAA :addchan %s #%s #%s",
		d.cfg.Server.Numeric, d.cfg.Uplink.LNumeric, args[0], source.Account, source.Account)
	return StatusOK
}
