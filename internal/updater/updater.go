// Package updater runs the check, download and install cycle. It holds no
// durable state of its own: every durable effect goes through the patch
// manager.
package updater

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"
	"golang.org/x/sync/singleflight"

	"github.com/breeze-rmm/codepush/internal/health"
	"github.com/breeze-rmm/codepush/internal/installer"
	"github.com/breeze-rmm/codepush/internal/logging"
	"github.com/breeze-rmm/codepush/internal/network"
	"github.com/breeze-rmm/codepush/internal/patch"
	"github.com/breeze-rmm/codepush/internal/patchmanager"
	"github.com/breeze-rmm/codepush/internal/preflight"
	"github.com/breeze-rmm/codepush/pkg/api"
)

var log = logging.L("updater")

// maxEventsPerFlush caps how many queued events one cycle sends.
const maxEventsPerFlush = 3

// HealthComponent is the name the updater reports under.
const HealthComponent = "updater"

// Config holds updater configuration
type Config struct {
	AppID            string
	Channel          string
	Platform         string
	Arch             string
	ReleaseVersion   string
	BaseArtifactPath string
	DownloadDir      string
	MinFreeDiskBytes uint64
	Verifier         patch.Verifier
	// Now is replaced in tests.
	Now func() time.Time
}

// Updater drives the update state machine.
type Updater struct {
	config    Config
	transport network.Transport
	manager   *patchmanager.Manager
	monitor   *health.Monitor

	running *semaphore.Weighted
	checks  singleflight.Group
	phase   atomic.Int32
	cycles  atomic.Uint64
}

// New creates a new Updater. monitor may be nil.
func New(cfg Config, transport network.Transport, manager *patchmanager.Manager, monitor *health.Monitor) *Updater {
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Updater{
		config:    cfg,
		transport: transport,
		manager:   manager,
		monitor:   monitor,
		running:   semaphore.NewWeighted(1),
	}
}

// Phase returns the current phase.
func (u *Updater) Phase() Phase {
	return Phase(u.phase.Load())
}

func (u *Updater) setPhase(p Phase) {
	prev := Phase(u.phase.Swap(int32(p)))
	if prev != p {
		log.Info("update phase changed", logging.KeyPhase, p.String(), "previous", prev.String())
	}
}

// CheckForUpdate reports whether the server offers a patch this install
// does not have. Concurrent calls share one request.
func (u *Updater) CheckForUpdate(ctx context.Context) (bool, error) {
	v, err, _ := u.checks.Do("check", func() (any, error) {
		return u.check(ctx)
	})
	if err != nil {
		return false, err
	}
	offered, _ := v.(*api.Patch)
	return offered != nil, nil
}

// check asks the server for a patch and filters out anything already
// installed or known bad. A nil patch means there is nothing to do.
func (u *Updater) check(ctx context.Context) (*api.Patch, error) {
	req := &api.PatchCheckRequest{
		AppID:          u.config.AppID,
		Channel:        u.config.Channel,
		ReleaseVersion: u.config.ReleaseVersion,
		Platform:       u.config.Platform,
		Arch:           u.config.Arch,
		ClientID:       u.manager.ClientID(),
	}
	if highest, ok := u.manager.HighestSeenPatchNumber(); ok {
		req.PatchNumber = &highest
	}

	resp, err := u.transport.CheckForPatch(ctx, req)
	if err != nil {
		return nil, err
	}
	if !resp.PatchAvailable || resp.Patch == nil {
		log.Info("no patch available", logging.KeyReleaseVersion, u.config.ReleaseVersion)
		return nil, nil
	}

	offered := resp.Patch
	if u.manager.IsKnownBad(offered.Number) {
		log.Warn("server offered a known bad patch, ignoring", logging.KeyPatchNumber, offered.Number)
		return nil, nil
	}
	st := u.manager.Snapshot()
	if st.NextBootPatch != nil && st.NextBootPatch.Number == offered.Number {
		log.Info("offered patch already installed", logging.KeyPatchNumber, offered.Number)
		return nil, nil
	}
	if st.LastBootPatch != nil && st.LastBootPatch.Number == offered.Number {
		log.Info("offered patch already running", logging.KeyPatchNumber, offered.Number)
		return nil, nil
	}

	log.Info("patch available", logging.KeyPatchNumber, offered.Number)
	return offered, nil
}

// Update runs one full cycle: flush events, check, download, inflate. Only
// one cycle runs at a time; a concurrent call gets ErrUpdateInProgress.
// The returned error explains UpdateHadError and is nil otherwise.
func (u *Updater) Update(ctx context.Context) (Status, error) {
	if !u.running.TryAcquire(1) {
		return UpdateHadError, ErrUpdateInProgress
	}
	defer u.running.Release(1)
	defer u.setPhase(PhaseReady)

	clog := log.With("cycle", u.cycles.Add(1))
	ctx = logging.NewContext(ctx, clog)

	start := time.Now()
	status, err := u.run(ctx)

	attrs := []any{
		"status", status.String(),
		logging.KeyDurationMs, time.Since(start).Milliseconds(),
	}
	if err != nil {
		clog.Warn("update cycle failed", append(attrs, logging.KeyError, err)...)
		u.reportHealth(health.Degraded, err.Error())
	} else {
		clog.Info("update cycle finished", attrs...)
		u.reportHealth(health.Healthy, status.String())
	}
	return status, err
}

func (u *Updater) run(ctx context.Context) (Status, error) {
	u.setPhase(PhaseSendingEvents)
	u.flushEvents(ctx)

	u.setPhase(PhaseChecking)
	offered, err := u.check(ctx)
	if err != nil {
		return UpdateHadError, fmt.Errorf("check for patch: %w", err)
	}
	if offered == nil {
		return NoUpdate, nil
	}

	plog := logging.WithPatch(logging.FromContext(ctx), u.config.ReleaseVersion, offered.Number)

	if err := u.config.Verifier.VerifyDownload(offered.Number, offered.Hash, offered.HashSignature); err != nil {
		plog.Error("patch signature rejected", logging.KeyError, err)
		u.rejectPatch(offered.Number, err)
		return UpdateHadError, err
	}

	u.setPhase(PhaseDownloading)
	if err := preflight.Run(preflight.Options{
		Dir:          u.config.DownloadDir,
		MinFreeBytes: u.config.MinFreeDiskBytes,
	}).FirstError(); err != nil {
		return UpdateHadError, err
	}

	downloadPath := filepath.Join(u.config.DownloadDir, strconv.FormatUint(offered.Number, 10))
	defer func() {
		if err := os.Remove(downloadPath); err != nil && !errors.Is(err, os.ErrNotExist) {
			plog.Warn("failed to remove download", logging.KeyError, err)
		}
	}()

	size, err := u.transport.Download(ctx, offered.DownloadURL, downloadPath)
	if err != nil {
		return UpdateHadError, fmt.Errorf("download patch %d: %w", offered.Number, err)
	}
	plog.Info("patch downloaded", "bytes", size)

	u.setPhase(PhaseInflating)
	res, err := installer.InstallFile(u.config.BaseArtifactPath, downloadPath, offered.Hash, u.manager.ArtifactPath(offered.Number))
	if err != nil {
		if installer.IsHashMismatch(err) {
			plog.Error("inflated patch does not match the published hash", logging.KeyError, err)
		} else {
			plog.Error("patch install failed", logging.KeyError, err)
		}
		u.rejectPatch(offered.Number, err)
		return UpdateHadError, err
	}

	meta := &patch.Metadata{
		Number:    offered.Number,
		Path:      res.Path,
		Size:      res.Size,
		Hash:      res.Hash,
		Signature: offered.HashSignature,
	}
	if err := u.manager.InstallPatch(meta); err != nil {
		_ = os.RemoveAll(filepath.Dir(res.Path))
		return UpdateHadError, fmt.Errorf("record installed patch: %w", err)
	}

	u.queueEvent(api.EventPatchInstallSuccess, offered.Number, "")
	return UpdateInstalled, nil
}

// flushEvents sends up to maxEventsPerFlush queued events. Failures are
// logged and the unsent events stay queued for the next cycle.
func (u *Updater) flushEvents(ctx context.Context) {
	pending := u.manager.PendingEvents(maxEventsPerFlush)
	if len(pending) == 0 {
		return
	}

	sent := make([]api.PatchEvent, 0, len(pending))
	for _, ev := range pending {
		if err := u.transport.ReportEvent(ctx, ev); err != nil {
			logging.FromContext(ctx).Warn("failed to send patch event, will retry next cycle",
				"type", string(ev.Type),
				logging.KeyPatchNumber, ev.PatchNumber,
				logging.KeyError, err,
			)
			break
		}
		sent = append(sent, ev)
	}

	if err := u.manager.AcknowledgeEvents(sent); err != nil {
		log.Warn("failed to remove sent events from queue", logging.KeyError, err)
	}
	logging.FromContext(ctx).Debug("patch events flushed", "sent", len(sent), "pending", len(pending))
}

// rejectPatch records an install failure. Verification failures also mark
// the patch bad so it is never offered to boot.
func (u *Updater) rejectPatch(number uint64, cause error) {
	_ = os.RemoveAll(filepath.Dir(u.manager.ArtifactPath(number)))
	if patch.IsVerifyError(cause) {
		if err := u.manager.MarkBad(number); err != nil {
			log.Warn("failed to mark patch bad", logging.KeyPatchNumber, number, logging.KeyError, err)
		}
	}
	u.queueEvent(api.EventPatchInstallFailure, number, cause.Error())
}

func (u *Updater) queueEvent(kind api.PatchEventType, number uint64, message string) {
	ev := api.PatchEvent{
		AppID:          u.config.AppID,
		Arch:           u.config.Arch,
		Type:           kind,
		PatchNumber:    number,
		Platform:       u.config.Platform,
		ReleaseVersion: u.config.ReleaseVersion,
		Timestamp:      u.config.Now().Unix(),
		Message:        message,
	}
	if err := u.manager.QueueEvent(ev); err != nil {
		log.Warn("failed to queue patch event", "type", string(kind), logging.KeyError, err)
	}
}

func (u *Updater) reportHealth(status health.Status, message string) {
	if u.monitor != nil {
		u.monitor.Update(HealthComponent, status, message)
	}
}
