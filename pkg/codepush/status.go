package codepush

import (
	"github.com/breeze-rmm/codepush/internal/health"
)

// Status is a point-in-time summary for diagnostics.
type Status struct {
	AppID            string        `json:"app_id"`
	Channel          string        `json:"channel"`
	ReleaseVersion   string        `json:"release_version"`
	ClientID         string        `json:"client_id"`
	NextBootPatch    uint64        `json:"next_boot_patch"`
	CurrentBootPatch uint64        `json:"current_boot_patch"`
	KnownBadPatches  []uint64      `json:"known_bad_patches"`
	QueuedEvents     int           `json:"queued_events"`
	BootPhase        string        `json:"boot_phase"`
	UpdatePhase      string        `json:"update_phase"`
	Health           health.Report `json:"health"`
}

// Status reads the persisted state without validating artifacts, so it has
// no side effects.
func (e *Engine) Status() (*Status, error) {
	rt, err := e.runtime()
	if err != nil {
		return nil, err
	}

	st := rt.manager.Snapshot()
	s := &Status{
		AppID:           rt.yaml.AppID,
		Channel:         rt.yaml.Channel,
		ReleaseVersion:  st.ReleaseVersion,
		ClientID:        st.ClientID,
		KnownBadPatches: st.KnownBadPatches,
		QueuedEvents:    len(st.QueuedEvents),
		BootPhase:       rt.manager.Phase().String(),
		UpdatePhase:     rt.updater.Phase().String(),
		Health:          e.monitor.Snapshot(),
	}
	if st.NextBootPatch != nil {
		s.NextBootPatch = st.NextBootPatch.Number
	}
	if st.LastBootPatch != nil {
		s.CurrentBootPatch = st.LastBootPatch.Number
	}
	if s.KnownBadPatches == nil {
		s.KnownBadPatches = []uint64{}
	}
	return s, nil
}

// Health returns the component health report.
func (e *Engine) Health() health.Report {
	return e.monitor.Snapshot()
}
