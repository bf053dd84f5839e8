// Package patch holds patch metadata and the hash and signature checks
// applied to patch artifacts.
package patch

import (
	"crypto/sha256"
	"encoding/hex"
	"io"
	"os"
	"strings"
)

// Metadata identifies one installed patch artifact. It is immutable once
// constructed; Number is its identity.
type Metadata struct {
	Number    uint64  `json:"number"`
	Path      string  `json:"path"`
	Size      uint64  `json:"size"`
	Hash      string  `json:"hash"`
	Signature *string `json:"signature"`
}

// Clone returns a deep copy so callers never share the signature pointer.
func (m *Metadata) Clone() *Metadata {
	if m == nil {
		return nil
	}
	c := *m
	if m.Signature != nil {
		sig := *m.Signature
		c.Signature = &sig
	}
	return &c
}

// HasSignature reports whether a non-empty signature was recorded.
func (m *Metadata) HasSignature() bool {
	return m.Signature != nil && *m.Signature != ""
}

// Mode selects when patches are verified.
type Mode int

const (
	// ModeStrict re-hashes and re-checks the signature on every boot.
	ModeStrict Mode = iota
	// ModeInstallOnly verifies at install; boot only checks existence and size.
	ModeInstallOnly
)

func (m Mode) String() string {
	switch m {
	case ModeStrict:
		return "strict"
	case ModeInstallOnly:
		return "install_only"
	default:
		return "unknown"
	}
}

// HashFile returns the lowercase hex SHA-256 of the file at path.
func HashFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	return HashReader(f)
}

// HashReader returns the lowercase hex SHA-256 of everything read from r.
func HashReader(r io.Reader) (string, error) {
	h := sha256.New()
	if _, err := io.Copy(h, r); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// HashesEqual compares two hex digests case-insensitively.
func HashesEqual(a, b string) bool {
	return strings.EqualFold(strings.TrimSpace(a), strings.TrimSpace(b))
}

// CheckHash recomputes the hash of the artifact at path and compares it with
// expectedHex. It has no side effects.
func CheckHash(path, expectedHex string) error {
	actual, err := HashFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &VerifyError{Reason: "artifact missing", Err: ErrArtifactMissing}
		}
		return &ReadError{Op: "hash", Err: err}
	}
	if !HashesEqual(actual, expectedHex) {
		return &VerifyError{
			Reason:   "hash mismatch",
			Expected: strings.ToLower(expectedHex),
			Actual:   actual,
			Err:      ErrHashMismatch,
		}
	}
	return nil
}
