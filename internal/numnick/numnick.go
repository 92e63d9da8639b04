// Package numnick implements the P10 dense numeric-nick address space: a 64-character
// alphabet encoding 2-character server numerics and 5-character user numerics, and the
// flat server/user tables indexed by decoded numeric.
package numnick

import (
	"fmt"
	"net"
	"strings"
)

// Alphabet is the 64-character digit set numerics are drawn from, in value order.
const Alphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789[]"

// Field length limits, from the original implementation's entities.h.
const (
	MaxNick    = 15
	MaxIdent   = 10
	MaxHost    = 63
	MaxGecos   = 63
	MaxSockIP  = 45
	MaxAccount = 12
)

var reverse [256]int8

func init() {
	for i := range reverse {
		reverse[i] = -1
	}
	for i, c := range []byte(Alphabet) {
		reverse[c] = int8(i)
	}
}

// valid reports whether every byte of s is in Alphabet.
func valid(s string) bool {
	for i := 0; i < len(s); i++ {
		if reverse[s[i]] < 0 {
			return false
		}
	}
	return true
}

// DecodeServer decodes a 2-character server numeric into 0..4095.
func DecodeServer(s string) (int, error) {
	if len(s) != 2 || !valid(s) {
		return 0, fmt.Errorf("numnick: invalid server numeric %q", s)
	}
	return int(reverse[s[0]])*64 + int(reverse[s[1]]), nil
}

// DecodeUser decodes a 5-character user numeric's local-uid portion into 0..2^18-1.
func DecodeUser(s string) (int, error) {
	if len(s) != 5 || !valid(s) {
		return 0, fmt.Errorf("numnick: invalid user numeric %q", s)
	}
	return int(reverse[s[2]])*4096 + int(reverse[s[3]])*64 + int(reverse[s[4]]), nil
}

// EncodeUser composes sid and uid into a 5-character numeric, most significant digit
// first.
func EncodeUser(sid, uid int) string {
	val := uint32(sid)<<18 | uint32(uid)
	out := make([]byte, 5)
	for i := 4; i >= 0; i-- {
		out[i] = Alphabet[val&63]
		val >>= 6
	}
	return string(out)
}

// User is the in-memory record for one network user.
type User struct {
	SID     int
	UID     int
	Nick    string
	Ident   string
	Host    string
	Gecos   string
	SockIP  string
	Account string
	IsOper  bool
}

// Numnick returns this user's 5-character numeric.
func (u *User) Numnick() string {
	return EncodeUser(u.SID, u.UID)
}

// Authed reports whether this user has an associated account.
func (u *User) Authed() bool {
	return u.Account != ""
}

// Server is the in-memory record for one network server.
type Server struct {
	SID    int
	Name   string
	Uplink *Server
	Users  []User // lazily allocated, length == declared user capacity
}

// Table owns the flat 4096-entry server arena and every server's user array.
//
// Table is not safe for concurrent use; the protocol engine (component E), which is the
// only writer, runs on a single goroutine per spec §5's cooperative scheduling model.
type Table struct {
	servers [4096]Server
}

// New returns an empty Table.
func New() *Table {
	return &Table{}
}

// ServerByNumnick returns the Server slot for a 2-character numeric.
func (t *Table) ServerByNumnick(numnick string) (*Server, error) {
	sid, err := DecodeServer(numnick)
	if err != nil {
		return nil, err
	}
	return &t.servers[sid], nil
}

// ServerBySID returns the Server slot for an already-decoded sid.
func (t *Table) ServerBySID(sid int) *Server {
	return &t.servers[sid]
}

// UserByNumnick returns the User slot addressed by a 5-character numeric. If the owning
// server is not registered, or the uid lies beyond its declared user capacity, it
// returns an error instead of a slot.
func (t *Table) UserByNumnick(numnick string) (*User, error) {
	if len(numnick) != 5 {
		return nil, fmt.Errorf("numnick: invalid user numeric %q", numnick)
	}
	sid, err := DecodeServer(numnick[:2])
	if err != nil {
		return nil, err
	}
	uid, err := DecodeUser(numnick)
	if err != nil {
		return nil, err
	}
	srv := &t.servers[sid]
	if uid >= len(srv.Users) {
		return nil, fmt.Errorf("numnick: uid %d out of range for server %d", uid, sid)
	}
	return &srv.Users[uid], nil
}

// RegisterServer allocates a server's user array (sized by the capacity encoded in its
// own numeric's uid field, per the SERVER message's max-user field) and links it under
// uplink (nil for the local server).
func (t *Table) RegisterServer(numnick, name string, uplink *Server) (*Server, error) {
	if len(numnick) != 5 {
		return nil, fmt.Errorf("numnick: invalid server-link numeric %q", numnick)
	}
	sid, err := DecodeServer(numnick[:2])
	if err != nil {
		return nil, err
	}
	usercount, err := DecodeUser(numnick)
	if err != nil {
		return nil, err
	}

	srv := &t.servers[sid]
	srv.SID = sid
	srv.Name = name
	srv.Uplink = uplink
	srv.Users = make([]User, usercount)
	return srv, nil
}

// RegisterUser writes a new user into its pre-allocated slot. gecos is sanitized by
// replacing every byte below 0x20 with '_' before storage (log-injection defense).
func (t *Table) RegisterUser(numnick, nick, ident, host, gecos, ipNumeric, account string, isOper bool) (*User, error) {
	u, err := t.UserByNumnick(numnick)
	if err != nil {
		return nil, err
	}
	sid, _ := DecodeServer(numnick[:2])
	uid, _ := DecodeUser(numnick)

	sockip, err := DecodeIPNumeric(ipNumeric)
	if err != nil {
		return nil, err
	}

	*u = User{
		SID:     sid,
		UID:     uid,
		Nick:    nick,
		Ident:   ident,
		Host:    host,
		Gecos:   StripEscapes(gecos),
		SockIP:  sockip,
		Account: account,
		IsOper:  isOper,
	}
	return u, nil
}

// DeregisterUser zeros a user's slot.
func (t *Table) DeregisterUser(numnick string) error {
	u, err := t.UserByNumnick(numnick)
	if err != nil {
		return err
	}
	*u = User{}
	return nil
}

// DeregisterServerByName recursively deregisters the named server and every server
// transitively linked beneath it (an SQUIT cascade), releasing their user arrays.
// The table does not single out the local server; the protocol engine ignores an SQUIT
// that names it, since losing the uplink is handled as connection EOF instead.
func (t *Table) DeregisterServerByName(name string) {
	for i := range t.servers {
		if strings.EqualFold(t.servers[i].Name, name) {
			t.deregisterRecurse(&t.servers[i])
			return
		}
	}
}

func (t *Table) deregisterRecurse(s *Server) {
	if s == nil || s.Name == "" {
		return
	}
	for i := range t.servers {
		if t.servers[i].Uplink == s {
			t.deregisterRecurse(&t.servers[i])
		}
	}
	*s = Server{}
}

// StripEscapes replaces every byte below 0x20 with '_', matching util.c's stripesc.
func StripEscapes(s string) string {
	b := []byte(s)
	changed := false
	for i, c := range b {
		if c < 0x20 {
			b[i] = '_'
			changed = true
		}
	}
	if !changed {
		return s
	}
	return string(b)
}

// DecodeIPNumeric decodes a packed IP numeric (6 chars for IPv4, else an IPv6 hextet
// encoding with '_' marking a zero-hextet run) into its text form.
func DecodeIPNumeric(s string) (string, error) {
	if !valid(strings.ReplaceAll(s, "_", "")) {
		return "", fmt.Errorf("numnick: invalid ip numeric %q", s)
	}

	if len(s) == 6 {
		var v uint64
		for i := 0; i < 6; i++ {
			v = v*64 + uint64(reverse[s[i]])
		}
		ip := make(net.IP, 4)
		ip[0] = byte(v >> 24)
		ip[1] = byte(v >> 16)
		ip[2] = byte(v >> 8)
		ip[3] = byte(v)
		return ip.String(), nil
	}

	var hextets [8]uint16
	o := 0
	for i := 0; i < len(s); i += 3 {
		if s[i] == '_' {
			skipped := (24 - len(s) + 1) / 3
			for j := 0; j < skipped && o < 8; j++ {
				hextets[o] = 0
				o++
			}
			i -= 2
			continue
		}
		if i+2 >= len(s) || o >= 8 {
			return "", fmt.Errorf("numnick: malformed ipv6 numeric %q", s)
		}
		hextets[o] = uint16(reverse[s[i]])*64*64 + uint16(reverse[s[i+1]])*64 + uint16(reverse[s[i+2]])
		o++
	}

	ip := make(net.IP, 16)
	for i, h := range hextets {
		ip[2*i] = byte(h >> 8)
		ip[2*i+1] = byte(h & 0xFF)
	}
	return ip.String(), nil
}
