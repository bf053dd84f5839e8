package patchmanager

import "errors"

// BootPhase is where this process is in its single boot cycle.
type BootPhase int

const (
	PhaseReady BootPhase = iota
	PhaseBooting
	PhaseSucceeded
	PhaseFailed
)

func (p BootPhase) String() string {
	switch p {
	case PhaseReady:
		return "ready"
	case PhaseBooting:
		return "booting"
	case PhaseSucceeded:
		return "succeeded"
	case PhaseFailed:
		return "failed"
	default:
		return "unknown"
	}
}

var (
	// ErrInvalidTransition is returned for a boot event that is out of
	// order for the current phase.
	ErrInvalidTransition = errors.New("patchmanager: invalid boot transition")
	// ErrNoBootInProgress is returned when a failure is reported before any
	// patched boot was started.
	ErrNoBootInProgress = errors.New("patchmanager: no boot in progress")
	// ErrKnownBadPatch is returned when installing a patch already marked bad.
	ErrKnownBadPatch = errors.New("patchmanager: patch is known bad")
)
