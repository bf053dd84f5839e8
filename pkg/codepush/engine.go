// Package codepush is the boundary the host runtime calls into. An Engine is
// configured exactly once per process; every boot and update operation goes
// through it.
package codepush

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sync"
	"time"

	"github.com/breeze-rmm/codepush/internal/artifact"
	"github.com/breeze-rmm/codepush/internal/config"
	"github.com/breeze-rmm/codepush/internal/filelock"
	"github.com/breeze-rmm/codepush/internal/health"
	"github.com/breeze-rmm/codepush/internal/httputil"
	"github.com/breeze-rmm/codepush/internal/logging"
	"github.com/breeze-rmm/codepush/internal/network"
	"github.com/breeze-rmm/codepush/internal/patch"
	"github.com/breeze-rmm/codepush/internal/patchmanager"
	"github.com/breeze-rmm/codepush/internal/secmem"
	"github.com/breeze-rmm/codepush/internal/statestore"
	"github.com/breeze-rmm/codepush/internal/updater"
	"github.com/breeze-rmm/codepush/internal/workerpool"
)

var log = logging.L("codepush")

var (
	// ErrAlreadyInitialized is returned by a second Init. The first
	// configuration stays in effect.
	ErrAlreadyInitialized = errors.New("codepush: already initialized")
	// ErrNotInitialized is returned by operations called before a
	// successful Init.
	ErrNotInitialized = errors.New("codepush: not initialized")
)

// Health component names.
const (
	componentState = "statestore"
	componentBoot  = "boot"
)

// Option customizes an Engine before Init.
type Option func(*Engine)

// WithTransport replaces the HTTP transport, for tests and hosts that bring
// their own networking.
func WithTransport(t network.Transport) Option {
	return func(e *Engine) { e.transport = t }
}

// WithPlatform overrides the platform and arch reported to the server.
func WithPlatform(platform, arch string) Option {
	return func(e *Engine) {
		e.platform = platform
		e.arch = arch
	}
}

// WithClock replaces time.Now for event timestamps.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// Engine is safe for concurrent use.
type Engine struct {
	transport network.Transport
	platform  string
	arch      string
	now       func() time.Time

	monitor *health.Monitor
	keyring secmem.Keyring

	mu      sync.RWMutex
	rt      *engineRuntime
	pool    *workerpool.Pool
	closing bool
}

// engineRuntime is everything built by a successful Init.
type engineRuntime struct {
	params  config.AppParams
	yaml    *config.YAMLConfig
	store   *statestore.Store
	manager *patchmanager.Manager
	updater *updater.Updater
}

var (
	defaultOnce   sync.Once
	defaultEngine *Engine
)

// Default returns the process-wide engine used by the host binding layer.
func Default() *Engine {
	defaultOnce.Do(func() {
		defaultEngine = New()
	})
	return defaultEngine
}

// New returns an uninitialized engine.
func New(opts ...Option) *Engine {
	e := &Engine{
		platform: platformName(runtime.GOOS),
		arch:     archName(runtime.GOARCH),
		now:      time.Now,
		monitor:  health.NewMonitor(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Init configures the engine and runs crash recovery. It succeeds at most
// once; after a failed Init the engine stays unusable until Init is retried
// with good input.
func (e *Engine) Init(params config.AppParams, compiledYAML string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.rt != nil {
		log.Warn("init called twice, keeping the first configuration")
		return ErrAlreadyInitialized
	}

	rt, err := e.build(params, compiledYAML)
	if err != nil {
		log.Error("init failed", logging.KeyError, err)
		e.keyring.ZeroAll()
		return err
	}
	e.rt = rt

	if err := rt.manager.HandlePriorBootFailureIfNecessary(); err != nil {
		log.Warn("crash recovery could not persist state", logging.KeyError, err)
		e.monitor.Update(componentState, health.Degraded, err.Error())
	} else {
		e.monitor.Update(componentState, health.Healthy, "")
	}

	log.Info("codepush initialized",
		"appId", rt.yaml.AppID,
		"channel", rt.yaml.Channel,
		logging.KeyReleaseVersion, params.ReleaseVersion,
		"storageDir", params.StorageDir,
	)
	return nil
}

func (e *Engine) build(params config.AppParams, compiledYAML string) (*engineRuntime, error) {
	if err := params.Validate(); err != nil {
		return nil, err
	}

	cfg, err := config.Parse(compiledYAML)
	if err != nil {
		return nil, err
	}
	result := cfg.ValidateTiered()
	for _, w := range result.Warnings {
		log.Warn("config adjusted", logging.KeyError, w)
	}
	if result.HasFatals() {
		return nil, errors.Join(result.Fatals...)
	}

	mode, err := cfg.VerificationMode()
	if err != nil {
		return nil, err
	}
	key, err := cfg.PublicKey()
	if err != nil {
		return nil, err
	}
	verifier := patch.Verifier{Mode: mode, Key: key}
	if key == nil {
		log.Info("no patch_public_key configured, signature checks disabled")
	}

	store := statestore.New(params.StorageDir)
	var lock *filelock.Lock
	if cfg.StateFileLock {
		lock = filelock.New(store.Path() + ".lock")
	}

	manager := patchmanager.New(patchmanager.Options{
		Store:          store,
		ReleaseVersion: params.ReleaseVersion,
		Verifier:       verifier,
		Lock:           lock,
		Source: patchmanager.EventSource{
			AppID:    cfg.AppID,
			Platform: e.platform,
			Arch:     e.arch,
		},
		Now: e.now,
	})

	transport := e.transport
	if transport == nil {
		transport = e.newTransport(cfg)
	}

	up := updater.New(updater.Config{
		AppID:            cfg.AppID,
		Channel:          cfg.Channel,
		Platform:         e.platform,
		Arch:             e.arch,
		ReleaseVersion:   params.ReleaseVersion,
		BaseArtifactPath: params.BaseArtifactPath(),
		DownloadDir:      params.DownloadDir(),
		MinFreeDiskBytes: cfg.MinFreeDiskBytes(),
		Verifier:         verifier,
		Now:              e.now,
	}, transport, manager, e.monitor)

	return &engineRuntime{
		params:  params,
		yaml:    cfg,
		store:   store,
		manager: manager,
		updater: up,
	}, nil
}

func (e *Engine) newTransport(cfg *config.YAMLConfig) network.Transport {
	httpClient := httputil.NewClient(httputil.ClientOptions{
		Timeout:    cfg.NetworkTimeout(),
		HTTPProxy:  cfg.HTTPProxy,
		HTTPSProxy: cfg.HTTPSProxy,
		NoProxy:    cfg.NoProxy,
	})
	creds := artifact.Credentials{
		S3Region:          cfg.Storage.S3Region,
		S3AccessKeyID:     cfg.Storage.S3AccessKeyID,
		S3SecretAccessKey: e.keyring.Hold(cfg.Storage.S3SecretAccessKey),
		S3Anonymous:       cfg.Storage.S3Anonymous,
		GCSAnonymous:      cfg.Storage.GCSAnonymous,
		B2AccountID:       cfg.Storage.B2AccountID,
		B2ApplicationKey:  e.keyring.Hold(cfg.Storage.B2ApplicationKey),
		FileRoot:          cfg.Storage.FileRoot,
	}
	return network.NewClient(network.Options{
		BaseURL:    cfg.BaseURL,
		Timeout:    cfg.NetworkTimeout(),
		HTTPClient: httpClient,
		Fetcher:    artifact.NewDefaultRegistry(httpClient, creds),
	})
}

func (e *Engine) runtime() (*engineRuntime, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.rt == nil {
		return nil, ErrNotInitialized
	}
	return e.rt, nil
}

// Initialized reports whether Init has succeeded.
func (e *Engine) Initialized() bool {
	_, err := e.runtime()
	return err == nil
}

// Close stops the update worker, waiting up to the ctx deadline for a
// running update, and wipes held credentials. The engine stays usable for
// boot queries.
func (e *Engine) Close(ctx context.Context) {
	e.mu.Lock()
	pool := e.pool
	e.pool = nil
	e.closing = true
	e.mu.Unlock()

	if pool != nil {
		pool.Shutdown(ctx)
	}
	e.keyring.ZeroAll()
}

func platformName(goos string) string {
	switch goos {
	case "darwin":
		return "macos"
	default:
		return goos
	}
}

func archName(goarch string) string {
	switch goarch {
	case "amd64":
		return "x86_64"
	case "arm64":
		return "aarch64"
	case "386":
		return "x86"
	default:
		return goarch
	}
}

func (e *Engine) String() string {
	rt, err := e.runtime()
	if err != nil {
		return "codepush(uninitialized)"
	}
	return fmt.Sprintf("codepush(%s@%s)", rt.yaml.AppID, rt.params.ReleaseVersion)
}
