// Package secmem holds storage credentials (S3 secret keys, B2 application
// keys) so they never reach logs, JSON status output or panics in clear
// text.
package secmem

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/breeze-rmm/codepush/internal/logging"
)

var log = logging.L("secmem")

const redacted = "[REDACTED]"

// ErrNotDecodable is returned when something tries to populate a
// SecureString from JSON.
var ErrNotDecodable = errors.New("secmem: SecureString cannot be decoded")

// SecureString holds a credential with best-effort wiping. The GC may have
// copied the bytes already; Zero only clears the copy this value owns.
//
// Every formatting path (fmt verbs, JSON, text, slog) prints [REDACTED].
// Reveal is the only way to the plaintext.
type SecureString struct {
	mu     sync.Mutex
	data   []byte
	zeroed bool
}

// NewSecureString copies s into a new SecureString. An empty s yields nil so
// optional credentials can be checked with Empty.
func NewSecureString(s string) *SecureString {
	if s == "" {
		return nil
	}
	b := make([]byte, len(s))
	copy(b, s)
	return &SecureString{data: b}
}

// Reveal returns the plaintext, or "" for a nil or wiped value.
func (s *SecureString) Reveal() string {
	if s == nil {
		return ""
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.zeroed {
		log.Debug("credential read after it was wiped")
		return ""
	}
	return string(s.data)
}

// Empty reports whether there is no usable credential.
func (s *SecureString) Empty() bool {
	if s == nil {
		return true
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.zeroed || len(s.data) == 0
}

// IsZeroed reports whether Zero has been called.
func (s *SecureString) IsZeroed() bool {
	if s == nil {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.zeroed
}

// Zero overwrites the owned bytes and drops them.
func (s *SecureString) Zero() {
	if s == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	clear(s.data)
	s.data = nil
	s.zeroed = true
}

func (s *SecureString) String() string   { return redacted }
func (s *SecureString) GoString() string { return redacted }

// Format makes every fmt verb print [REDACTED].
func (s *SecureString) Format(f fmt.State, _ rune) {
	fmt.Fprint(f, redacted)
}

// LogValue keeps the plaintext out of structured logs.
func (s *SecureString) LogValue() slog.Value {
	return slog.StringValue(redacted)
}

func (s *SecureString) MarshalJSON() ([]byte, error) {
	return json.Marshal(redacted)
}

func (s *SecureString) MarshalText() ([]byte, error) {
	return []byte(redacted), nil
}

func (s *SecureString) UnmarshalJSON([]byte) error {
	return ErrNotDecodable
}

// Keyring collects the credentials one engine owns so they can be wiped
// together on shutdown.
type Keyring struct {
	mu      sync.Mutex
	secrets []*SecureString
}

// Hold wraps value and registers it. Empty values return nil and are not
// registered.
func (k *Keyring) Hold(value string) *SecureString {
	s := NewSecureString(value)
	if s == nil {
		return nil
	}
	k.mu.Lock()
	k.secrets = append(k.secrets, s)
	k.mu.Unlock()
	return s
}

// Len returns how many credentials are held.
func (k *Keyring) Len() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return len(k.secrets)
}

// ZeroAll wipes every held credential.
func (k *Keyring) ZeroAll() {
	k.mu.Lock()
	secrets := k.secrets
	k.secrets = nil
	k.mu.Unlock()
	for _, s := range secrets {
		s.Zero()
	}
}
