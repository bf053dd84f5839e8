package codepush

import (
	"context"
	"errors"

	"github.com/breeze-rmm/codepush/internal/health"
	"github.com/breeze-rmm/codepush/internal/logging"
	"github.com/breeze-rmm/codepush/internal/updater"
	"github.com/breeze-rmm/codepush/internal/workerpool"
)

// BootPatch is the patch chosen for a launch.
type BootPatch struct {
	Number uint64
	Path   string
}

// NextBootPatch returns the patch the host should load, or nil for the base
// release. The artifact is verified once per call, so a host that needs both
// the number and the path should use this rather than the two accessors
// below.
func (e *Engine) NextBootPatch() *BootPatch {
	rt, err := e.runtime()
	if err != nil {
		return nil
	}
	next := rt.manager.NextBootPatch()
	if next == nil {
		return nil
	}
	return &BootPatch{Number: next.Number, Path: next.Path}
}

// NextBootPatchNumber returns the patch the host should load, or 0 for the
// base release. The patch is verified first.
func (e *Engine) NextBootPatchNumber() uint64 {
	if next := e.NextBootPatch(); next != nil {
		return next.Number
	}
	return 0
}

// NextBootPatchPath returns the artifact to load, or ("", false) for the
// base release.
func (e *Engine) NextBootPatchPath() (string, bool) {
	if next := e.NextBootPatch(); next != nil {
		return next.Path, true
	}
	return "", false
}

// CurrentBootPatchNumber returns the patch that last booted successfully, or
// 0 when the base release is running.
func (e *Engine) CurrentBootPatchNumber() uint64 {
	rt, err := e.runtime()
	if err != nil {
		return 0
	}
	if cur := rt.manager.CurrentBootPatch(); cur != nil {
		return cur.Number
	}
	return 0
}

// ShouldAutoUpdate reports the auto_update setting. False before Init.
func (e *Engine) ShouldAutoUpdate() bool {
	rt, err := e.runtime()
	if err != nil {
		return false
	}
	return rt.yaml.ShouldAutoUpdate()
}

// CheckForUpdate reports whether a new patch is available. Any failure
// reads as false.
func (e *Engine) CheckForUpdate(ctx context.Context) bool {
	rt, err := e.runtime()
	if err != nil {
		return false
	}
	available, err := rt.updater.CheckForUpdate(ctx)
	if err != nil {
		log.Warn("check for update failed", logging.KeyError, err)
		return false
	}
	return available
}

// Update runs one synchronous update cycle.
func (e *Engine) Update(ctx context.Context) (updater.Status, error) {
	rt, err := e.runtime()
	if err != nil {
		return updater.UpdateHadError, err
	}
	return rt.updater.Update(ctx)
}

// StartUpdateThread runs an update in the background and returns at once.
// It returns false before Init, after Close, or when an update is already
// waiting to run.
func (e *Engine) StartUpdateThread() bool {
	rt, err := e.runtime()
	if err != nil {
		return false
	}

	e.mu.Lock()
	if e.closing {
		e.mu.Unlock()
		return false
	}
	if e.pool == nil {
		e.pool = workerpool.New("update", 1, 1)
	}
	pool := e.pool
	e.mu.Unlock()

	return pool.Submit(func(ctx context.Context) {
		status, err := rt.updater.Update(ctx)
		if errors.Is(err, updater.ErrUpdateInProgress) {
			log.Info("background update skipped, another update is running")
			return
		}
		log.Info("background update finished", "status", status.String())
	})
}

// ReportLaunchStart must be called right before the next boot patch is
// loaded.
func (e *Engine) ReportLaunchStart() error {
	rt, err := e.runtime()
	if err != nil {
		return err
	}
	return e.reportBoot(rt.manager.RecordLaunchStart(), "booting")
}

// ReportLaunchSuccess is called once the patched code is confirmed running.
func (e *Engine) ReportLaunchSuccess() error {
	rt, err := e.runtime()
	if err != nil {
		return err
	}
	return e.reportBoot(rt.manager.RecordLaunchSuccess(), "launched")
}

// ReportLaunchFailure is called when the patched code failed to start.
func (e *Engine) ReportLaunchFailure() error {
	rt, err := e.runtime()
	if err != nil {
		return err
	}
	err = rt.manager.RecordLaunchFailure()
	if err == nil {
		e.monitor.Update(componentBoot, health.Unhealthy, "launch failed, patch rolled back")
		return nil
	}
	return e.reportBoot(err, "")
}

func (e *Engine) reportBoot(err error, message string) error {
	if err != nil {
		e.monitor.Update(componentBoot, health.Degraded, err.Error())
		return err
	}
	e.monitor.Update(componentBoot, health.Healthy, message)
	return nil
}
