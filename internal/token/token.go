// Package token implements the authenticated bearer-token codec of spec §4.B: a
// 60-byte nonce/MAC/timestamp/account structure, base-64 encoded to 80 ASCII characters
// using the numnick alphabet, authenticated with a process-local key that is discarded
// on restart.
package token

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/binary"
	"fmt"
	"sync"
	"time"

	"golang.org/x/crypto/nacl/secretbox"

	"github.com/fscoto/lm/internal/numnick"
)

// Expiry is the 30-minute validity window from spec §4.B.
const Expiry = 30 * time.Minute

// WireLen is the base-64 encoded token length.
const WireLen = 80

const (
	nonceLen     = 24
	keyLen       = 32
	accountField = numnick.MaxAccount // 12
	plainLen     = 8 + accountField   // timestamp_le64 || account_padded
	rawLen       = nonceLen + secretbox.Overhead + plainLen
)

var wireEncoding = base64.NewEncoding(numnick.Alphabet).WithPadding(base64.NoPadding)

// Status is the outcome of Validate.
type Status int

const (
	// StatusOK reports a valid, unexpired token.
	StatusOK Status = iota
	// StatusBad reports a malformed token or a MAC mismatch.
	StatusBad
	// StatusExpired reports a token whose window has elapsed, or whose signing key
	// predates a process restart.
	StatusExpired
)

func (s Status) String() string {
	switch s {
	case StatusOK:
		return "ok"
	case StatusBad:
		return "bad"
	case StatusExpired:
		return "expired"
	default:
		return "unknown"
	}
}

// Codec creates and validates tokens using a single process-local session key. The key
// is generated lazily on first use and never persisted; per spec §4.B this bounds the
// blast radius of a stolen key to the 30-minute window of tokens in flight at the time
// of compromise.
type Codec struct {
	mu  sync.Mutex
	key *[keyLen]byte // nil until first Create or explicit Reset
}

// NewCodec returns a Codec with no session key yet generated.
func NewCodec() *Codec {
	return &Codec{}
}

func (c *Codec) ensureKey() (*[keyLen]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.key == nil {
		var key [keyLen]byte
		if _, err := rand.Read(key[:]); err != nil {
			return nil, fmt.Errorf("token: generating session key: %w", err)
		}
		c.key = &key
	}
	return c.key, nil
}

// Create mints a token for account, valid from now.
func (c *Codec) Create(account string, now time.Time) (string, error) {
	if len(account) > accountField {
		return "", fmt.Errorf("token: account %q exceeds %d bytes", account, accountField)
	}
	key, err := c.ensureKey()
	if err != nil {
		return "", err
	}

	var nonce [nonceLen]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return "", fmt.Errorf("token: generating nonce: %w", err)
	}

	var plain [plainLen]byte
	binary.LittleEndian.PutUint64(plain[:8], uint64(now.Unix()))
	copy(plain[8:], account)

	sealed := secretbox.Seal(nil, plain[:], &nonce, key)

	raw := make([]byte, 0, rawLen)
	raw = append(raw, nonce[:]...)
	raw = append(raw, sealed...)

	return wireEncoding.EncodeToString(raw), nil
}

// Validate checks tok and, on StatusOK, returns the account name it carries.
func (c *Codec) Validate(tok string, now time.Time) (string, Status) {
	c.mu.Lock()
	key := c.key
	c.mu.Unlock()
	if key == nil {
		return "", StatusExpired
	}

	if len(tok) != WireLen {
		return "", StatusBad
	}
	raw, err := wireEncoding.DecodeString(tok)
	if err != nil || len(raw) != rawLen {
		return "", StatusBad
	}

	var nonce [nonceLen]byte
	copy(nonce[:], raw[:nonceLen])
	sealed := raw[nonceLen:]

	plain, ok := secretbox.Open(nil, sealed, &nonce, key)
	if !ok {
		return "", StatusBad
	}

	ts := int64(binary.LittleEndian.Uint64(plain[:8]))
	account := trimTrailingZeros(plain[8:])

	if now.Unix()-ts >= int64(Expiry/time.Second) {
		return "", StatusExpired
	}

	return account, StatusOK
}

// Reset discards the current session key; a fresh one is generated lazily on next Create.
// Exposed for tests that need to simulate a process restart (spec property 4).
func (c *Codec) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.key = nil
}

func trimTrailingZeros(b []byte) string {
	i := len(b)
	for i > 0 && b[i-1] == 0 {
		i--
	}
	return string(b[:i])
}
