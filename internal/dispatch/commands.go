package dispatch

import (
	"strings"

	"github.com/fscoto/lm/internal/numnick"
)

// commandSpec describes one dispatchable command: its name, SHOWCOMMANDS/HELP text, and
// which positional arguments must be redacted as [HIDDEN] in the audit log. Grounded
// directly in commands.c's static struct Command table, field for field.
type commandSpec struct {
	name     string
	desc     string
	usage    string
	help     []string
	privArgs map[int]struct{}
	handler  func(d *Dispatcher, source *numnick.User, args []string) Status
}

func (c *commandSpec) isPriv(pos int) bool {
	_, ok := c.privArgs[pos]
	return ok
}

func privArgs(positions ...int) map[int]struct{} {
	m := make(map[int]struct{}, len(positions))
	for _, p := range positions {
		m[p] = struct{}{}
	}
	return m
}

func lookupCommand(name string) (*commandSpec, bool) {
	for i := range commandTable {
		if strings.EqualFold(commandTable[i].name, name) {
			return &commandTable[i], true
		}
	}
	return nil, false
}

// lookupMust is used at call sites that name a literal, known-valid command; it panics
// if the table and the call site have drifted apart, which would be a programming error.
func lookupMust(name string) *commandSpec {
	spec, ok := lookupCommand(name)
	if !ok {
		panic("dispatch: unknown command " + name)
	}
	return spec
}

// commandTable is ordered by expected frequency, matching commands.c's own ordering
// (SHOWCOMMANDS' listing and AUTH's privileged position both depend on this).
var commandTable = []commandSpec{
	{
		name:  "AUTH",
		desc:  "Authenticates you to services.",
		usage: "\x1fusername\x1f \x1fpassword\x1f",
		help: []string{
			"Authenticates you with the given username and password.",
			"If you have lost your password, use the LOSTPASS command.",
		},
		privArgs: privArgs(1),
		handler:  cmdAuth,
	},
	{
		name:  "HELP",
		desc:  "Shows help messages.",
		usage: "[\x1fcommand\x1f]",
		help: []string{
			"If used with no argument, this will list all commands.",
			"If \x1fcommand\x1f is given, a help text for the given command",
			"will be shown.",
		},
		handler: cmdHelp,
	},
	{
		name:    "SHOWCOMMANDS",
		desc:    "Lists all commands.",
		usage:   "",
		help:    []string{"Lists all commands."},
		handler: cmdShowCommands,
	},
	{
		name:  "HELLO",
		desc:  "Creates a new account.",
		usage: "\x1fusername\x1f \x1fe-mail address\x1f \x1fe-mail address\x1f",
		help: []string{
			"Creates a new user for yourself.",
			"Usernames may only contain alphanumeric characters (A-Za-z0-9).",
			"An e-mail containing a confirmation token will be sent to the given",
			"e-mail address; use it with \x02CONFIRM\x02 to set your password.",
			"You must type your e-mail address twice to ensure there are no spelling",
			"mistakes.",
		},
		handler: cmdHello,
	},
	{
		name:  "CONFIRM",
		desc:  "Confirms a new account's e-mail address.",
		usage: "\x1ftoken\x1f \x1fnew password\x1f \x1fnew password\x1f",
		help: []string{
			"Confirms your e-mail address.",
			"\x1ftoken\x1f will have been sent to you in an e-mail through the",
			"\x02HELLO\x02 command.",
			"A password must be shorter than 128 bytes and must not start with ':'",
			"or contain ' '.",
			"If you are sure your client will always send text in the same encoding,",
			"you may use characters outside the ASCII range, such as emoji.",
		},
		privArgs: privArgs(1, 2),
		handler:  cmdConfirm,
	},
	{
		name:  "NEWPASS",
		desc:  "Changes your password.",
		usage: "\x1fold password\x1f \x1fnew password\x1f \x1fnew password\x1f",
		help: []string{
			"Changes your account password.",
			"A password must be shorter than 128 bytes and must not start with ':'",
			"or contain ' '.",
			"If you are sure your client will always send text in the same encoding,",
			"you may use characters outside the ASCII range, such as emoji.",
		},
		privArgs: privArgs(0, 1, 2),
		handler:  cmdNewPass,
	},
	{
		name:  "LOSTPASS",
		desc:  "Starts the password reset procedure.",
		usage: "\x1fusername\x1f \x1fe-mail address\x1f",
		help: []string{
			"Generates a password reset token you can use to change your password",
			"if you have forgotten your password.",
		},
		handler: cmdLostPass,
	},
	{
		name:  "RESETPASS",
		desc:  "Resets your password after LOSTPASS.",
		usage: "\x1ftoken\x1f \x1fnew password\x1f \x1fnew password\x1f",
		help: []string{
			"Resets your password after LOSTPASS.",
			"\x1ftoken\x1f will have been sent to you in an e-mail.",
			"A password must be shorter than 128 bytes and must not start with ':'",
			"or contain ' '.",
			"If you are sure your client will always send text in the same encoding,",
			"you may use characters outside the ASCII range, such as emoji.",
		},
		privArgs: privArgs(1, 2),
		handler:  cmdResetPass,
	},
	{
		name:  "REGISTERCHAN",
		desc:  "Registers a channel with L.",
		usage: "\x1f#channel\x1f",
		help: []string{
			"Registers the given \x1f#channel\x1f with L.",
			"The name of the \x1f#channel\x1f must not be longer than",
			"29 characters, including the # itself.",
			"You will receive a notice from L that confirms or denies your registration.",
			"If you receive no notice from L, make sure the \x1f#channel\x1f exists.",
		},
		handler: cmdRegisterChan,
	},
}
