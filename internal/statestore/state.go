package statestore

import (
	"slices"

	"github.com/breeze-rmm/codepush/internal/patch"
	"github.com/breeze-rmm/codepush/pkg/api"
)

// State is the durable updater record for one app install and release.
type State struct {
	ReleaseVersion        string           `json:"release_version"`
	ClientID              string           `json:"client_id"`
	NextBootPatch         *patch.Metadata  `json:"next_boot_patch"`
	LastBootPatch         *patch.Metadata  `json:"last_boot_patch"`
	CurrentlyBootingPatch *patch.Metadata  `json:"currently_booting_patch"`
	LastAttemptedPatch    *patch.Metadata  `json:"last_attempted_patch"`
	KnownBadPatches       []uint64         `json:"known_bad_patches"`
	QueuedEvents          []api.PatchEvent `json:"queued_events"`
}

// NewState returns an empty record for releaseVersion.
func NewState(releaseVersion, clientID string) *State {
	return &State{
		ReleaseVersion:  releaseVersion,
		ClientID:        clientID,
		KnownBadPatches: []uint64{},
		QueuedEvents:    []api.PatchEvent{},
	}
}

// normalize makes decoded state look like state built in memory: sorted,
// de-duplicated bad list and non-nil slices.
func (s *State) normalize() {
	if s.KnownBadPatches == nil {
		s.KnownBadPatches = []uint64{}
	}
	slices.Sort(s.KnownBadPatches)
	s.KnownBadPatches = slices.Compact(s.KnownBadPatches)
	if s.QueuedEvents == nil {
		s.QueuedEvents = []api.PatchEvent{}
	}
}

// Clone returns a deep copy.
func (s *State) Clone() *State {
	c := *s
	c.NextBootPatch = s.NextBootPatch.Clone()
	c.LastBootPatch = s.LastBootPatch.Clone()
	c.CurrentlyBootingPatch = s.CurrentlyBootingPatch.Clone()
	c.LastAttemptedPatch = s.LastAttemptedPatch.Clone()
	c.KnownBadPatches = slices.Clone(s.KnownBadPatches)
	c.QueuedEvents = slices.Clone(s.QueuedEvents)
	c.normalize()
	return &c
}

// IsKnownBad reports whether number was marked bad for this release.
func (s *State) IsKnownBad(number uint64) bool {
	_, found := slices.BinarySearch(s.KnownBadPatches, number)
	return found
}

// MarkBad adds number to the bad set, keeping it sorted.
func (s *State) MarkBad(number uint64) {
	i, found := slices.BinarySearch(s.KnownBadPatches, number)
	if found {
		return
	}
	s.KnownBadPatches = slices.Insert(s.KnownBadPatches, i, number)
}

// HighestSeenPatchNumber is the largest patch number this install knows
// about, good or bad. ok is false when none is known.
func (s *State) HighestSeenPatchNumber() (uint64, bool) {
	var (
		highest uint64
		ok      bool
	)
	consider := func(n uint64) {
		if !ok || n > highest {
			highest, ok = n, true
		}
	}
	for _, m := range []*patch.Metadata{s.NextBootPatch, s.LastBootPatch, s.CurrentlyBootingPatch} {
		if m != nil {
			consider(m.Number)
		}
	}
	for _, n := range s.KnownBadPatches {
		consider(n)
	}
	return highest, ok
}

// QueueEvent appends an event to the pending telemetry queue.
func (s *State) QueueEvent(event api.PatchEvent) {
	s.QueuedEvents = append(s.QueuedEvents, event)
}
