package patch

import (
	"fmt"
	"os"
)

// Verifier applies the configured verification policy. A nil Key disables
// signature checks in both modes.
type Verifier struct {
	Mode Mode
	Key  *PublicKey
}

// SignaturesEnabled reports whether a public key is configured.
func (v Verifier) SignaturesEnabled() bool {
	return v.Key != nil
}

// VerifyDownload checks the server-provided signature against the
// server-provided hash, before any bytes are trusted.
func (v Verifier) VerifyDownload(number uint64, hash string, signature *string) error {
	if !v.SignaturesEnabled() {
		return nil
	}
	if signature == nil || *signature == "" {
		return &VerifyError{Reason: "missing signature", PatchNumber: number, Err: ErrMissingSignature}
	}
	return withNumber(CheckSignature(hash, *signature, v.Key), number)
}

// VerifyInstalled checks an artifact before it is handed out for boot.
// Existence and size are always checked; strict mode also re-hashes the
// file and re-checks the signature. A file that exists but cannot be read
// yields a *ReadError instead of a *VerifyError.
func (v Verifier) VerifyInstalled(m *Metadata) error {
	if m == nil {
		return nil
	}
	info, err := os.Stat(m.Path)
	if err != nil {
		if os.IsNotExist(err) {
			return &VerifyError{Reason: "artifact missing", PatchNumber: m.Number, Err: ErrArtifactMissing}
		}
		return &ReadError{Op: "stat", PatchNumber: m.Number, Err: err}
	}
	if uint64(info.Size()) != m.Size {
		return &VerifyError{
			Reason:      "size mismatch",
			PatchNumber: m.Number,
			Expected:    fmt.Sprint(m.Size),
			Actual:      fmt.Sprint(info.Size()),
			Err:         ErrSizeMismatch,
		}
	}

	if v.Mode != ModeStrict {
		return nil
	}

	if err := CheckHash(m.Path, m.Hash); err != nil {
		return withNumber(err, m.Number)
	}
	if v.SignaturesEnabled() {
		if !m.HasSignature() {
			return &VerifyError{Reason: "missing signature", PatchNumber: m.Number, Err: ErrMissingSignature}
		}
		return withNumber(CheckSignature(m.Hash, *m.Signature, v.Key), m.Number)
	}
	return nil
}

func withNumber(err error, number uint64) error {
	switch e := err.(type) {
	case *VerifyError:
		if e.PatchNumber == 0 {
			e.PatchNumber = number
		}
	case *ReadError:
		if e.PatchNumber == 0 {
			e.PatchNumber = number
		}
	}
	return err
}
