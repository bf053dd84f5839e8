package updater

import "errors"

// Phase is the orchestrator's position in one update cycle. Nothing about
// it is persisted; an interrupted cycle simply starts over.
type Phase int32

const (
	PhaseReady Phase = iota
	PhaseSendingEvents
	PhaseChecking
	PhaseDownloading
	PhaseInflating
)

func (p Phase) String() string {
	switch p {
	case PhaseReady:
		return "ready"
	case PhaseSendingEvents:
		return "sending_events"
	case PhaseChecking:
		return "checking"
	case PhaseDownloading:
		return "downloading"
	case PhaseInflating:
		return "inflating"
	default:
		return "unknown"
	}
}

// Status is the outcome of one update cycle.
type Status int

const (
	NoUpdate Status = iota
	UpdateInstalled
	UpdateHadError
)

func (s Status) String() string {
	switch s {
	case NoUpdate:
		return "no_update"
	case UpdateInstalled:
		return "update_installed"
	case UpdateHadError:
		return "update_had_error"
	default:
		return "unknown"
	}
}

// ErrUpdateInProgress is returned when an update is already running in this
// process.
var ErrUpdateInProgress = errors.New("updater: update already in progress")
