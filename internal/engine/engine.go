// Package engine implements the P10 protocol engine of spec §4.E: the single uplink
// connection, its CR/LF-tolerant line framing, the PASS/SERVER handshake, and the
// steady-state dispatch table keyed by P10 token. It is grounded directly in
// original_source/lm.c's conn_event_cb/handle_initial_lines/handle_line family, adapted
// from libevent bufferevents to a goroutine reading a net.Conn through a bufio.Scanner,
// per the "generalize the event loop to goroutines+channels" design note.
package engine

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/fscoto/lm/internal/config"
	"github.com/fscoto/lm/internal/logging"
	"github.com/fscoto/lm/internal/metrics"
	"github.com/fscoto/lm/internal/numnick"
	"github.com/fscoto/lm/internal/proto"
)

// maxLineLen is the maximum outbound line length including the CRLF terminator, per
// spec §4.E.
const maxLineLen = 512

// maxLineArgs mirrors lm.c's own MAX_ARGS (15): the cap on fields split out of a whole
// P10 line, as opposed to commands.c's separate 4-field cap for command bodies.
const maxLineArgs = 15

// fixedAccountTS is the service user's own account timestamp, chosen arbitrarily in
// lm.c's handshake N line and carried forward unchanged.
const fixedAccountTS = 1512141208

// Dispatcher receives PRIVMSG bodies addressed to the service user. The command
// dispatcher (component F) implements this; Engine depends only on the interface to
// avoid importing internal/dispatch.
type Dispatcher interface {
	Dispatch(source *numnick.User, body string)
}

// Engine owns the uplink connection and the numeric address table. Per spec §5 it is
// the only writer of the table and runs its read loop on a single goroutine.
type Engine struct {
	conn   net.Conn
	cfg    config.Config
	table  *numnick.Table
	logger *slog.Logger
	mx     metrics.Collector

	dispatcher Dispatcher

	me             *numnick.Server
	serviceNumnick string
	lUser          *numnick.User // tracked per spec §4.E's N-handler action; see handleNick
	initialLink    bool

	fatal logging.FatalFunc
}

// New builds an Engine around an already-connected uplink socket, registering the local
// server into table exactly as read_config does before any network activity.
func New(conn net.Conn, cfg config.Config, table *numnick.Table, logger *slog.Logger, mx metrics.Collector) (*Engine, error) {
	me, err := table.RegisterServer(cfg.Server.Numeric+"AAB", cfg.Server.Name, nil)
	if err != nil {
		return nil, fmt.Errorf("engine: registering local server: %w", err)
	}
	return &Engine{
		conn:           conn,
		cfg:            cfg,
		table:          table,
		logger:         logger,
		mx:             mx,
		me:             me,
		serviceNumnick: cfg.Server.Numeric + "AAA",
		initialLink:    true,
	}, nil
}

// SetDispatcher wires the command dispatcher; PRIVMSG bodies addressed to the service
// user are routed to it once set.
func (e *Engine) SetDispatcher(d Dispatcher) {
	e.dispatcher = d
}

// ServiceNumnick returns the 5-char numeric of the service user this engine introduces.
func (e *Engine) ServiceNumnick() string {
	return e.serviceNumnick
}

// Table returns the numeric address table this engine maintains, for components (the
// dispatcher) that need to resolve numerics to live users.
func (e *Engine) Table() *numnick.Table {
	return e.table
}

// Run sends the handshake and then services the connection until ctx is canceled or a
// fatal protocol/transport error occurs (spec §7: "Connection errors and EOF are
// fatal"). It never returns nil: a read error or EOF on the uplink is returned wrapped,
// while cancellation of ctx, or a fatal condition reported through fail (such as a
// password mismatch or a failed write), makes it return ctx.Err().
func (e *Engine) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	e.fatal = logging.FatalFunc(cancel)

	now := time.Now().Unix()
	if err := e.writeLine(fmt.Sprintf("PASS :%s", e.cfg.Uplink.MyPass)); err != nil {
		return fmt.Errorf("engine: sending PASS: %w", err)
	}
	if err := e.writeLine(fmt.Sprintf("SERVER %s 1 %d %d J10 %sAAB +s6 :%s",
		e.cfg.Server.Name, now, now, e.cfg.Server.Numeric, e.cfg.Server.Desc)); err != nil {
		return fmt.Errorf("engine: sending SERVER: %w", err)
	}
	e.mx.UplinkConnected()

	scanner := bufio.NewScanner(e.conn)
	scanner.Split(splitLines)

	lineCh := make(chan string)
	readErrCh := make(chan error, 1)
	go func() {
		for scanner.Scan() {
			select {
			case lineCh <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
		if err := scanner.Err(); err != nil {
			readErrCh <- err
		} else {
			readErrCh <- io.EOF
		}
	}()

	for {
		select {
		case <-ctx.Done():
			e.mx.UplinkDisconnected()
			return ctx.Err()
		case err := <-readErrCh:
			e.mx.UplinkDisconnected()
			return fmt.Errorf("engine: uplink connection ended: %w", err)
		case line := <-lineCh:
			if line == "" {
				continue
			}
			e.handleLine(line)
		}
	}
}

func (e *Engine) handleLine(line string) {
	if e.initialLink {
		e.handleInitial(line)
		return
	}

	fields := proto.SplitArgs(line, maxLineArgs)
	if len(fields) < 2 {
		return
	}
	source, token, rest := fields[0], fields[1], fields[2:]

	switch token {
	case "EB":
		e.handleEndOfBurst()
	case "G":
		e.handlePing(source, rest)
	case "M":
		e.handleMode(source, rest)
	case "N":
		e.handleNick(source, rest)
	case "P":
		e.handlePrivmsg(source, rest)
	case "Q":
		e.handleQuit(source)
	case "S":
		e.handleServer(source, rest)
	case "SQ":
		e.handleSquit(rest)
	case "W":
		e.handleWhois(source, rest)
	}
}

// handleInitial implements lm.c's handle_initial_lines: the first PASS/SERVER exchange
// that completes the handshake and transitions to steady state.
func (e *Engine) handleInitial(line string) {
	switch {
	case strings.HasPrefix(line, "PASS :"):
		if line[len("PASS :"):] != e.cfg.Uplink.TheirPass {
			e.writeLine("ERROR :Closing Link: Password mismatch")
			e.fail(fmt.Errorf("uplink sent wrong password"))
		}
	case strings.HasPrefix(line, "SERVER "):
		fields := proto.SplitArgs(line, maxLineArgs)
		if len(fields) < 9 {
			e.logger.Error("malformed initial SERVER line", "line", line)
			return
		}
		e.handleServer("", fields[1:])

		now := time.Now().Unix()
		if err := e.writeLine(fmt.Sprintf("%s N %s 1 %d %s %s +iodkr %s:%d ]]]]]] %s :%s",
			e.cfg.Server.Numeric, e.cfg.User.Nick, now, e.cfg.User.Ident, e.cfg.User.Host,
			e.cfg.User.Nick, fixedAccountTS, e.serviceNumnick, e.cfg.User.Gecos)); err != nil {
			e.fail(err)
			return
		}
		if err := e.writeLine(e.cfg.Server.Numeric + " EB"); err != nil {
			e.fail(err)
			return
		}
		e.initialLink = false
	default:
		// Anything else during the handshake is silently ignored, per spec §4.E step 3.
	}
}

func (e *Engine) handleEndOfBurst() {
	e.ServerLine("EA")
	e.mx.BurstCompleted()
}

func (e *Engine) handlePing(source string, rest []string) {
	if len(rest) < 3 {
		if len(rest) > 0 {
			e.ServerLine("Z %s", rest[len(rest)-1])
		}
		return
	}

	now := time.Now()
	var diffMs int64
	if dot := strings.IndexByte(rest[2], '.'); dot >= 0 {
		seconds, _ := strconv.ParseInt(rest[2][:dot], 10, 64)
		usec, _ := strconv.ParseInt(rest[2][dot+1:], 10, 64)
		diffMs = (now.Unix()-seconds)*1000 + (int64(now.Nanosecond())/1000-usec)/1000
	}
	e.ServerLine("Z %s %s %s %d %d.%d", source, e.cfg.Server.Numeric, rest[2], diffMs,
		now.Unix(), int64(now.Nanosecond())/1e6)
}

func (e *Engine) handleMode(source string, rest []string) {
	if len(rest) < 2 || strings.HasPrefix(rest[0], "#") {
		return
	}
	if rest[1][0] != '+' && rest[1][0] != '-' {
		return
	}

	u, err := e.table.UserByNumnick(source)
	if err != nil {
		return
	}

	adding := rest[1][0] == '+'
	for _, c := range rest[1] {
		switch c {
		case '+':
			adding = true
		case '-':
			adding = false
		case 'o':
			u.IsOper = adding
		case ' ':
			return
		}
	}
}

func (e *Engine) handleNick(source string, rest []string) {
	if len(rest) < 8 {
		if len(rest) == 0 {
			return
		}
		u, err := e.table.UserByNumnick(source)
		if err != nil {
			e.logger.Error("handle N: unknown numeric", "source", source)
			return
		}
		u.Nick = rest[0]
		return
	}

	var account string
	isOper := false
	if strings.HasPrefix(rest[5], "+") {
		if strings.ContainsRune(rest[5], 'r') {
			account = rest[6]
			if idx := strings.IndexByte(account, ':'); idx >= 0 {
				account = account[:idx]
			}
		}
		if strings.ContainsRune(rest[5], 'o') {
			isOper = true
		}
	}

	n := len(rest)
	u, err := e.table.RegisterUser(rest[n-2], rest[0], rest[3], rest[4], rest[n-1], rest[n-3], account, isOper)
	if err != nil {
		e.logger.Error("handle N: register failed", "error", err)
		return
	}
	if source == e.cfg.Uplink.LNumeric {
		e.lUser = u
	}
}

func (e *Engine) handlePrivmsg(source string, rest []string) {
	if len(rest) < 2 || rest[1] == "" {
		return
	}
	if rest[0] != e.serviceNumnick {
		return
	}
	u, err := e.table.UserByNumnick(source)
	if err != nil {
		e.logger.Error("handle P: unknown source", "source", source)
		return
	}
	if e.dispatcher != nil {
		e.dispatcher.Dispatch(u, rest[1])
	}
}

func (e *Engine) handleQuit(source string) {
	_ = e.table.DeregisterUser(source)
}

func (e *Engine) handleServer(source string, rest []string) {
	if len(rest) < 6 {
		return
	}
	name, numericField := rest[0], rest[5]

	uplink := e.me
	if !e.initialLink {
		srv, err := e.table.ServerByNumnick(source)
		if err != nil {
			e.logger.Error("handle S: bad source numeric", "source", source, "error", err)
			return
		}
		uplink = srv
	}

	if _, err := e.table.RegisterServer(numericField, name, uplink); err != nil {
		e.logger.Error("handle S: register failed", "error", err)
	}
}

func (e *Engine) handleSquit(rest []string) {
	if len(rest) == 0 {
		return
	}
	if strings.EqualFold(rest[0], e.cfg.Server.Name) {
		return
	}
	e.table.DeregisterServerByName(rest[0])
}

func (e *Engine) handleWhois(source string, rest []string) {
	e.ServerLine("311 %s %s %s %s * :%s", source, e.cfg.User.Nick, e.cfg.User.Ident, e.cfg.User.Host, e.cfg.User.Gecos)
	e.ServerLine("312 %s %s %s :%s", source, e.cfg.User.Nick, e.cfg.Server.Name, e.cfg.Server.Desc)
	e.ServerLine("313 %s %s :is an IRC Operator", source, e.cfg.User.Nick)
	e.ServerLine("330 %s %s %s :is logged in as", source, e.cfg.User.Nick, e.cfg.User.Nick)
	e.ServerLine("318 %s %s :End of /WHOIS list.", source, e.cfg.User.Nick)
}

// ServerLine sends a line prefixed with our own server numeric, mirroring s2s_line.
// Exported so the command dispatcher (via the Notifier interface it defines locally)
// can emit server-to-server lines such as AUTH's AC broadcast.
func (e *Engine) ServerLine(format string, args ...any) {
	if err := e.writeLine(e.cfg.Server.Numeric + " " + fmt.Sprintf(format, args...)); err != nil {
		e.fail(err)
	}
}

// RawLine sends a line with no automatic prefix, mirroring send_line. Used for
// REGISTERCHAN's direct forward to the channel service, which addresses its own source
// token explicitly rather than through the s2s_line convention.
func (e *Engine) RawLine(format string, args ...any) {
	if err := e.writeLine(fmt.Sprintf(format, args...)); err != nil {
		e.fail(err)
	}
}

// Notice delivers a user-visible reply from the service user to target, mirroring
// reply(). All dispatcher output is delivered this way per spec §4.F.
func (e *Engine) Notice(target *numnick.User, format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	line := fmt.Sprintf("%s O %s :%s", e.serviceNumnick, target.Numnick(), msg)
	if err := e.writeLine(line); err != nil {
		e.fail(err)
	}
}

func (e *Engine) writeLine(line string) error {
	if len(line)+2 > maxLineLen {
		return fmt.Errorf("engine: outbound line of %d bytes exceeds %d-byte limit", len(line)+2, maxLineLen)
	}
	_, err := e.conn.Write([]byte(line + "\r\n"))
	return err
}

// fail logs a fatal condition and cancels the run loop's context, per Design Note "Exit
// scheduling": never os.Exit from deep in the call stack.
func (e *Engine) fail(err error) {
	logging.Fatal(e.logger, e.fatal, "protocol engine fatal error", "error", err)
}

// splitLines is a bufio.SplitFunc accepting CR, LF, or CRLF/LFCR as a line terminator,
// per spec §4.E ("Lines are CR- and/or LF-terminated; both are accepted as
// terminators").
func splitLines(data []byte, atEOF bool) (advance int, token []byte, err error) {
	if atEOF && len(data) == 0 {
		return 0, nil, nil
	}
	for i, b := range data {
		if b == '\n' || b == '\r' {
			advance = i + 1
			if advance < len(data) && (data[advance] == '\n' || data[advance] == '\r') && data[advance] != b {
				advance++
			}
			return advance, data[:i], nil
		}
	}
	if atEOF {
		return len(data), data, nil
	}
	return 0, nil, nil
}
