// Package patchmanager owns the boot state machine and every mutation of the
// persisted updater state.
//
// A boot goes Ready -> Booting -> Succeeded | Failed. RecordLaunchStart marks
// next_boot_patch as currently booting; success promotes it to the known
// good last_boot_patch; failure (or a crash, detected on the next start)
// marks it bad and falls back to the last good patch or the base release.
// Every mutation is saved before the call returns.
package patchmanager

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/breeze-rmm/codepush/internal/filelock"
	"github.com/breeze-rmm/codepush/internal/logging"
	"github.com/breeze-rmm/codepush/internal/patch"
	"github.com/breeze-rmm/codepush/internal/statestore"
	"github.com/breeze-rmm/codepush/pkg/api"
)

var log = logging.L("patchmanager")

const lockTimeout = 5 * time.Second

// EventSource identifies this install in queued patch events.
type EventSource struct {
	AppID    string
	Platform string
	Arch     string
}

// Options configures a Manager.
type Options struct {
	Store          *statestore.Store
	ReleaseVersion string
	Verifier       patch.Verifier
	// Lock, when set, serializes load-mutate-save across processes.
	Lock   *filelock.Lock
	Source EventSource
	// Now is replaced in tests.
	Now func() time.Time
}

// Manager is safe for concurrent use. Boot events must still arrive in
// start -> success|failure order; out-of-order calls return an error.
type Manager struct {
	store    *statestore.Store
	release  string
	verifier patch.Verifier
	lock     *filelock.Lock
	source   EventSource
	now      func() time.Time

	mu        sync.Mutex
	state     *statestore.State
	phase     BootPhase
	recovered bool

	// stand-in for next_boot_patch on this launch when it could not be
	// read; nil with detour set means the base release.
	detour     bool
	detourBoot *patch.Metadata
}

// New loads the state for the running release. Loading never fails; a
// missing or corrupt file yields empty state.
func New(opts Options) *Manager {
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Manager{
		store:    opts.Store,
		release:  opts.ReleaseVersion,
		verifier: opts.Verifier,
		lock:     opts.Lock,
		source:   opts.Source,
		now:      now,
		state:    opts.Store.Load(opts.ReleaseVersion),
	}
}

// update runs fn against the current state and saves the result when fn
// reports a change. With a cross-process lock the state is re-read under
// the lock first. A save failure is returned, but the in-memory state keeps
// the mutation so this process stays consistent with what it told callers.
func (m *Manager) update(fn func(st *statestore.State) (bool, error)) error {
	if m.lock != nil {
		ctx, cancel := context.WithTimeout(context.Background(), lockTimeout)
		err := m.lock.Lock(ctx)
		cancel()
		if err != nil {
			log.Warn("state lock unavailable, continuing unlocked", "lock", m.lock.Path(), logging.KeyError, err)
		} else {
			defer func() {
				if err := m.lock.Unlock(); err != nil {
					log.Warn("failed to release state lock", logging.KeyError, err)
				}
			}()
			m.state = m.store.Load(m.release)
		}
	}

	changed, err := fn(m.state)
	if err != nil {
		return err
	}
	if !changed {
		return nil
	}
	if err := m.store.Save(m.state); err != nil {
		log.Error("failed to persist updater state", logging.KeyError, err)
		return err
	}
	return nil
}

// HandlePriorBootFailureIfNecessary detects a boot that never finished in a
// previous process and treats it as a launch failure. It runs at most once
// per Manager and is a no-op on clean state.
func (m *Manager) HandlePriorBootFailureIfNecessary() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.recoverLocked()
}

func (m *Manager) recoverLocked() error {
	if m.recovered {
		return nil
	}
	m.recovered = true

	return m.update(func(st *statestore.State) (bool, error) {
		booting := st.CurrentlyBootingPatch
		if booting == nil {
			return false, nil
		}
		log.Warn("previous boot did not complete, marking patch bad",
			logging.KeyPatchNumber, booting.Number,
			logging.KeyReleaseVersion, m.release,
		)
		m.failPatch(st, booting, "previous launch did not complete")
		return true, nil
	})
}

// RecordLaunchStart is called immediately before the patched artifact is
// loaded. With no next boot patch the base release is booting and nothing
// changes.
func (m *Manager) RecordLaunchStart() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.phase != PhaseReady {
		return fmt.Errorf("%w: launch start in phase %s", ErrInvalidTransition, m.phase)
	}
	if err := m.recoverLocked(); err != nil {
		log.Warn("crash recovery before launch failed", logging.KeyError, err)
	}

	return m.update(func(st *statestore.State) (bool, error) {
		next := st.NextBootPatch
		if m.detour {
			next = m.detourBoot
		}
		if next == nil {
			log.Info("launching base release", logging.KeyReleaseVersion, m.release)
			return false, nil
		}
		st.CurrentlyBootingPatch = next.Clone()
		st.LastAttemptedPatch = next.Clone()
		m.setPhase(PhaseBooting, next.Number)
		return true, nil
	})
}

// RecordLaunchSuccess is called once the patched code is confirmed running.
// A redundant call, or a call after a base release boot, is a no-op.
func (m *Manager) RecordLaunchSuccess() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	switch m.phase {
	case PhaseReady, PhaseSucceeded:
		return nil
	case PhaseFailed:
		return fmt.Errorf("%w: launch success after failure", ErrInvalidTransition)
	}

	return m.update(func(st *statestore.State) (bool, error) {
		booting := st.CurrentlyBootingPatch
		if booting == nil {
			m.setPhase(PhaseSucceeded, 0)
			return false, nil
		}

		st.LastBootPatch = booting
		st.CurrentlyBootingPatch = nil
		m.setPhase(PhaseSucceeded, booting.Number)
		m.pruneOlderThan(st, booting.Number)
		return true, nil
	})
}

// RecordLaunchFailure is called when the patched boot failed. The patch is
// marked bad and next boot falls back to the last good patch, if still
// valid, or to the base release.
func (m *Manager) RecordLaunchFailure() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	switch m.phase {
	case PhaseReady:
		return ErrNoBootInProgress
	case PhaseSucceeded, PhaseFailed:
		return fmt.Errorf("%w: launch failure in phase %s", ErrInvalidTransition, m.phase)
	}

	return m.update(func(st *statestore.State) (bool, error) {
		booting := st.CurrentlyBootingPatch
		m.setPhase(PhaseFailed, 0)
		if booting == nil {
			return false, ErrNoBootInProgress
		}
		log.Warn("patch failed to launch", logging.KeyPatchNumber, booting.Number)
		// When a newer patch was installed while this one was booting,
		// invalidate keeps it as next boot rather than rolling back to
		// last_boot_patch.
		m.failPatch(st, booting, "launch failed")
		return true, nil
	})
}

// failPatch marks failed bad, removes its artifacts and repairs every state
// field that referenced it. A launch failure event is queued.
func (m *Manager) failPatch(st *statestore.State, failed *patch.Metadata, reason string) {
	number := failed.Number
	m.invalidate(st, number)
	st.QueueEvent(api.PatchEvent{
		AppID:          m.source.AppID,
		Arch:           m.source.Arch,
		ClientID:       st.ClientID,
		Type:           api.EventPatchLaunchFailure,
		PatchNumber:    number,
		Platform:       m.source.Platform,
		ReleaseVersion: m.release,
		Timestamp:      m.now().Unix(),
		Message:        reason,
	})
}

// invalidate marks number bad, deletes it from disk and picks a new next
// boot patch. A newer, not yet booted next patch is kept.
func (m *Manager) invalidate(st *statestore.State, number uint64) {
	st.MarkBad(number)
	m.removePatchDir(number)

	if st.CurrentlyBootingPatch != nil && st.CurrentlyBootingPatch.Number == number {
		st.CurrentlyBootingPatch = nil
	}
	if st.LastBootPatch != nil && st.LastBootPatch.Number == number {
		st.LastBootPatch = nil
	}
	if st.NextBootPatch != nil && !st.IsKnownBad(st.NextBootPatch.Number) {
		return
	}

	st.NextBootPatch = nil
	fallback := st.LastBootPatch
	if fallback == nil {
		log.Info("falling back to base release", logging.KeyReleaseVersion, m.release)
		return
	}

	// The fallback must still exist and hash to what was recorded at
	// install time, whatever the verification mode.
	hashCheck := patch.Verifier{Mode: patch.ModeStrict}
	err := hashCheck.VerifyInstalled(fallback)
	if err != nil && !patch.IsVerifyError(err) {
		// Unreadable right now, not proven corrupt. NextBootPatch checks
		// it again before it is ever booted.
		log.Warn("last good patch unreadable, keeping it as next boot",
			logging.KeyPatchNumber, fallback.Number,
			logging.KeyError, err,
		)
		err = nil
	}
	if err != nil {
		log.Warn("last good patch is no longer valid, falling back to base release",
			logging.KeyPatchNumber, fallback.Number,
			logging.KeyError, err,
		)
		st.MarkBad(fallback.Number)
		st.LastBootPatch = nil
		m.removePatchDir(fallback.Number)
		return
	}

	st.NextBootPatch = fallback.Clone()
	log.Info("falling back to last good patch", logging.KeyPatchNumber, fallback.Number)
}

// NextBootPatch returns the patch to load on this launch, or nil for the
// base release. The artifact is verified first; an invalid patch is marked
// bad and the fallback is verified in turn, so the result is always
// bootable. An artifact that merely cannot be read stays installed: this
// launch uses the last good patch instead and nothing is persisted.
func (m *Manager) NextBootPatch() *patch.Metadata {
	m.mu.Lock()
	defer m.mu.Unlock()

	var next *patch.Metadata
	err := m.update(func(st *statestore.State) (bool, error) {
		m.detour, m.detourBoot = false, nil
		changed := false
		for st.NextBootPatch != nil {
			candidate := st.NextBootPatch
			if st.IsKnownBad(candidate.Number) {
				st.NextBootPatch = nil
				changed = true
				continue
			}
			verr := m.verifier.VerifyInstalled(candidate)
			if verr == nil {
				break
			}
			if !patch.IsVerifyError(verr) {
				log.Warn("next boot patch unreadable, using fallback for this launch",
					logging.KeyPatchNumber, candidate.Number,
					logging.KeyError, verr,
				)
				m.detour = true
				m.detourBoot = m.readableFallback(st, candidate.Number)
				next = m.detourBoot.Clone()
				return changed, nil
			}
			log.Error("next boot patch failed verification",
				logging.KeyPatchNumber, candidate.Number,
				logging.KeyError, verr,
			)
			m.invalidate(st, candidate.Number)
			changed = true
		}
		next = st.NextBootPatch.Clone()
		return changed, nil
	})
	if err != nil {
		log.Warn("failed to persist next boot patch fallback", logging.KeyError, err)
	}
	return next
}

// readableFallback picks the last good patch when it differs from skip and
// passes verification. It never changes state.
func (m *Manager) readableFallback(st *statestore.State, skip uint64) *patch.Metadata {
	fb := st.LastBootPatch
	if fb == nil || fb.Number == skip || st.IsKnownBad(fb.Number) {
		return nil
	}
	if err := m.verifier.VerifyInstalled(fb); err != nil {
		log.Warn("last good patch not usable either, using base release",
			logging.KeyPatchNumber, fb.Number,
			logging.KeyError, err,
		)
		return nil
	}
	return fb.Clone()
}

// CurrentBootPatch returns the last patch that booted successfully.
func (m *Manager) CurrentBootPatch() *patch.Metadata {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.LastBootPatch.Clone()
}

// InstallPatch makes meta the next boot patch. An older next boot patch that
// never booted is deleted.
func (m *Manager) InstallPatch(meta *patch.Metadata) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.update(func(st *statestore.State) (bool, error) {
		if st.IsKnownBad(meta.Number) {
			return false, fmt.Errorf("%w: %d", ErrKnownBadPatch, meta.Number)
		}
		prev := st.NextBootPatch
		st.NextBootPatch = meta.Clone()
		if prev != nil && prev.Number != meta.Number && !referenced(st, prev.Number) {
			m.removePatchDir(prev.Number)
		}
		log.Info("patch installed for next boot",
			logging.KeyPatchNumber, meta.Number,
			logging.KeyReleaseVersion, m.release,
		)
		return true, nil
	})
}

// MarkBad records a patch that failed verification before it ever booted.
// If it was the next boot patch, next boot falls back as after a launch
// failure.
func (m *Manager) MarkBad(number uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.update(func(st *statestore.State) (bool, error) {
		if st.IsKnownBad(number) {
			return false, nil
		}
		log.Warn("marking patch bad", logging.KeyPatchNumber, number)
		m.invalidate(st, number)
		return true, nil
	})
}

// IsKnownBad reports whether number was marked bad for this release.
func (m *Manager) IsKnownBad(number uint64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.IsKnownBad(number)
}

// HighestSeenPatchNumber is reported in patch checks so the server never
// re-offers a patch this install already has or rejected.
func (m *Manager) HighestSeenPatchNumber() (uint64, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.HighestSeenPatchNumber()
}

// ClientID returns the install's stable client id.
func (m *Manager) ClientID() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.ClientID
}

// QueueEvent persists an event for later delivery.
func (m *Manager) QueueEvent(event api.PatchEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.update(func(st *statestore.State) (bool, error) {
		if event.ClientID == "" {
			event.ClientID = st.ClientID
		}
		st.QueueEvent(event)
		return true, nil
	})
}

// PendingEvents returns up to limit queued events, oldest first.
func (m *Manager) PendingEvents(limit int) []api.PatchEvent {
	m.mu.Lock()
	defer m.mu.Unlock()
	events := m.state.QueuedEvents
	if limit > 0 && len(events) > limit {
		events = events[:limit]
	}
	out := make([]api.PatchEvent, len(events))
	copy(out, events)
	return out
}

// AcknowledgeEvents removes delivered events from the queue. Events queued
// meanwhile are kept.
func (m *Manager) AcknowledgeEvents(sent []api.PatchEvent) error {
	if len(sent) == 0 {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.update(func(st *statestore.State) (bool, error) {
		changed := false
		for _, ev := range sent {
			for i, queued := range st.QueuedEvents {
				if queued == ev {
					st.QueuedEvents = append(st.QueuedEvents[:i:i], st.QueuedEvents[i+1:]...)
					changed = true
					break
				}
			}
		}
		return changed, nil
	})
}

// Phase returns the boot phase of this process.
func (m *Manager) Phase() BootPhase {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.phase
}

// Snapshot returns a copy of the current state.
func (m *Manager) Snapshot() *statestore.State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.Clone()
}

// ArtifactPath returns where the artifact for patch number is installed.
func (m *Manager) ArtifactPath(number uint64) string {
	return m.store.ArtifactPath(number)
}

// ReleaseVersion returns the release this state belongs to.
func (m *Manager) ReleaseVersion() string {
	return m.release
}

func (m *Manager) setPhase(p BootPhase, number uint64) {
	log.Info("boot phase changed",
		logging.KeyPhase, p.String(),
		"previous", m.phase.String(),
		logging.KeyPatchNumber, number,
	)
	m.phase = p
}

// pruneOlderThan deletes artifacts of patches older than number that no
// state field references.
func (m *Manager) pruneOlderThan(st *statestore.State, number uint64) {
	entries, err := os.ReadDir(m.store.PatchesDir())
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			log.Warn("failed to list patches", logging.KeyError, err)
		}
		return
	}
	for _, e := range entries {
		n, err := strconv.ParseUint(e.Name(), 10, 64)
		if err != nil || n >= number || referenced(st, n) {
			continue
		}
		m.removePatchDir(n)
	}
}

func (m *Manager) removePatchDir(number uint64) {
	dir := m.store.PatchDir(number)
	if err := os.RemoveAll(dir); err != nil {
		log.Warn("failed to delete patch artifacts", logging.KeyPatchNumber, number, logging.KeyError, err)
		return
	}
	log.Debug("deleted patch artifacts", logging.KeyPatchNumber, number)
}

func referenced(st *statestore.State, number uint64) bool {
	for _, m := range []*patch.Metadata{st.NextBootPatch, st.LastBootPatch, st.CurrentlyBootingPatch} {
		if m != nil && m.Number == number {
			return true
		}
	}
	return false
}
