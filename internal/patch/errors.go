package patch

import (
	"errors"
	"fmt"
)

var (
	ErrHashMismatch     = errors.New("hash mismatch")
	ErrBadSignature     = errors.New("bad signature")
	ErrMissingSignature = errors.New("missing signature")
	ErrArtifactMissing  = errors.New("artifact missing")
	ErrSizeMismatch     = errors.New("size mismatch")
)

// VerifyError describes a patch that failed an integrity or authenticity
// check. Err is one of the sentinels above, or an I/O error.
type VerifyError struct {
	Reason      string
	PatchNumber uint64
	Expected    string
	Actual      string
	Err         error
}

func (e *VerifyError) Error() string {
	msg := "verify"
	if e.PatchNumber != 0 {
		msg = fmt.Sprintf("verify patch %d", e.PatchNumber)
	}
	msg += ": " + e.Reason
	if e.Expected != "" || e.Actual != "" {
		msg += fmt.Sprintf(" (expected %s, got %s)", e.Expected, e.Actual)
	}
	if e.Err != nil && e.Err.Error() != e.Reason {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *VerifyError) Unwrap() error {
	return e.Err
}

// IsVerifyError reports whether err is or wraps a *VerifyError.
func IsVerifyError(err error) bool {
	var ve *VerifyError
	return errors.As(err, &ve)
}

// ReadError is an I/O failure while inspecting an installed artifact. It
// says nothing about the artifact's integrity, so callers must not treat it
// as a verification failure.
type ReadError struct {
	Op          string
	PatchNumber uint64
	Err         error
}

func (e *ReadError) Error() string {
	if e.PatchNumber != 0 {
		return fmt.Sprintf("%s artifact for patch %d: %v", e.Op, e.PatchNumber, e.Err)
	}
	return fmt.Sprintf("%s artifact: %v", e.Op, e.Err)
}

func (e *ReadError) Unwrap() error {
	return e.Err
}
