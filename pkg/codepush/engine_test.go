package codepush

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/klauspost/compress/zstd"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/breeze-rmm/codepush/internal/config"
	"github.com/breeze-rmm/codepush/internal/delta"
	"github.com/breeze-rmm/codepush/internal/health"
	"github.com/breeze-rmm/codepush/internal/statestore"
	"github.com/breeze-rmm/codepush/internal/updater"
	"github.com/breeze-rmm/codepush/pkg/api"
)

const (
	testRelease  = "1.2.3+4"
	baseContent  = "base release artifact"
	compiledYAML = "app_id: test-app\nchannel: beta\n"
)

type fakeTransport struct {
	mu        sync.Mutex
	offer     *api.Patch
	payload   []byte
	checkErr  error
	events    []api.PatchEvent
	checks    int
	downloads int
}

func (f *fakeTransport) CheckForPatch(ctx context.Context, req *api.PatchCheckRequest) (*api.PatchCheckResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.checks++
	if f.checkErr != nil {
		return nil, f.checkErr
	}
	if f.offer == nil {
		return &api.PatchCheckResponse{}, nil
	}
	offer := *f.offer
	return &api.PatchCheckResponse{PatchAvailable: true, Patch: &offer}, nil
}

func (f *fakeTransport) ReportEvent(ctx context.Context, event api.PatchEvent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, event)
	return nil
}

func (f *fakeTransport) Download(ctx context.Context, rawURL, destPath string) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.downloads++
	if err := os.MkdirAll(filepath.Dir(destPath), 0o755); err != nil {
		return 0, err
	}
	return int64(len(f.payload)), os.WriteFile(destPath, f.payload, 0o644)
}

func (f *fakeTransport) Downloads() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.downloads
}

// setPatch makes the transport offer a patch turning the base artifact into
// target.
func (f *fakeTransport) setPatch(t *testing.T, number uint64, target string) {
	t.Helper()
	var raw bytes.Buffer
	require.NoError(t, delta.Encode(&raw, []byte(baseContent), []byte(target)))
	enc, err := zstd.NewWriter(nil)
	require.NoError(t, err)
	defer enc.Close()
	sum := sha256.Sum256([]byte(target))

	f.mu.Lock()
	defer f.mu.Unlock()
	f.payload = enc.EncodeAll(raw.Bytes(), nil)
	f.offer = &api.Patch{
		Number:      number,
		Hash:        hex.EncodeToString(sum[:]),
		DownloadURL: "https://cdn.example.com/p",
	}
}

type fixture struct {
	dir       string
	params    config.AppParams
	transport *fakeTransport
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	dir := t.TempDir()
	base := filepath.Join(dir, "app", "libapp.so")
	require.NoError(t, os.MkdirAll(filepath.Dir(base), 0o755))
	require.NoError(t, os.WriteFile(base, []byte(baseContent), 0o644))
	return &fixture{
		dir: dir,
		params: config.AppParams{
			ReleaseVersion:        testRelease,
			OriginalArtifactPaths: []string{base},
			StorageDir:            filepath.Join(dir, "storage"),
		},
		transport: &fakeTransport{},
	}
}

func (f *fixture) engine(t *testing.T) *Engine {
	t.Helper()
	e := New(
		WithTransport(f.transport),
		WithPlatform("linux", "x86_64"),
		WithClock(func() time.Time { return time.Unix(1700000000, 0) }),
	)
	require.NoError(t, e.Init(f.params, compiledYAML))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		e.Close(ctx)
	})
	return e
}

func TestOperationsBeforeInit(t *testing.T) {
	e := New()
	assert.False(t, e.Initialized())
	assert.Equal(t, uint64(0), e.NextBootPatchNumber())
	assert.Nil(t, e.NextBootPatch())
	_, ok := e.NextBootPatchPath()
	assert.False(t, ok)
	assert.False(t, e.CheckForUpdate(context.Background()))
	assert.False(t, e.StartUpdateThread())
	assert.False(t, e.ShouldAutoUpdate())
	assert.ErrorIs(t, e.ReportLaunchStart(), ErrNotInitialized)
	assert.ErrorIs(t, e.ReportLaunchSuccess(), ErrNotInitialized)
	assert.ErrorIs(t, e.ReportLaunchFailure(), ErrNotInitialized)

	status, err := e.Update(context.Background())
	assert.ErrorIs(t, err, ErrNotInitialized)
	assert.Equal(t, updater.UpdateHadError, status)

	_, err = e.Status()
	assert.ErrorIs(t, err, ErrNotInitialized)
	assert.Equal(t, "codepush(uninitialized)", e.String())
}

func TestInitIsSetOnce(t *testing.T) {
	f := newFixture(t)
	e := f.engine(t)

	other := f.params
	other.ReleaseVersion = "9.9.9"
	err := e.Init(other, "app_id: someone-else\n")
	require.ErrorIs(t, err, ErrAlreadyInitialized)

	st, err := e.Status()
	require.NoError(t, err)
	assert.Equal(t, "test-app", st.AppID)
	assert.Equal(t, testRelease, st.ReleaseVersion)
}

func TestConcurrentInitSucceedsOnce(t *testing.T) {
	f := newFixture(t)
	e := New(WithTransport(f.transport))

	var wg sync.WaitGroup
	errs := make([]error, 8)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = e.Init(f.params, compiledYAML)
		}(i)
	}
	wg.Wait()

	succeeded := 0
	for _, err := range errs {
		if err == nil {
			succeeded++
		} else {
			assert.ErrorIs(t, err, ErrAlreadyInitialized)
		}
	}
	assert.Equal(t, 1, succeeded)
}

func TestFailedInitCanBeRetried(t *testing.T) {
	f := newFixture(t)
	e := New(WithTransport(f.transport))

	var cerr *config.ConfigError
	require.ErrorAs(t, e.Init(f.params, "channel: stable\n"), &cerr)
	assert.Equal(t, "app_id", cerr.Field)

	bad := f.params
	bad.ReleaseVersion = ""
	require.Error(t, e.Init(bad, compiledYAML))

	require.Error(t, e.Init(f.params, "app_id: x\npatch_verification: sometimes\n"))
	assert.False(t, e.Initialized())

	require.NoError(t, e.Init(f.params, compiledYAML))
	assert.True(t, e.Initialized())
	assert.True(t, e.ShouldAutoUpdate())
}

func TestUpdateThenBootPatch(t *testing.T) {
	f := newFixture(t)
	e := f.engine(t)

	assert.False(t, e.CheckForUpdate(context.Background()))
	f.transport.setPatch(t, 1, "patched artifact one")
	assert.True(t, e.CheckForUpdate(context.Background()))

	status, err := e.Update(context.Background())
	require.NoError(t, err)
	require.Equal(t, updater.UpdateInstalled, status)

	assert.Equal(t, uint64(1), e.NextBootPatchNumber())
	path, ok := e.NextBootPatchPath()
	require.True(t, ok)
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "patched artifact one", string(data))

	next := e.NextBootPatch()
	require.NotNil(t, next)
	assert.Equal(t, BootPatch{Number: 1, Path: path}, *next)
	assert.Equal(t, uint64(0), e.CurrentBootPatchNumber())

	require.NoError(t, e.ReportLaunchStart())
	require.NoError(t, e.ReportLaunchSuccess())
	assert.Equal(t, uint64(1), e.CurrentBootPatchNumber())

	st, err := e.Status()
	require.NoError(t, err)
	assert.Equal(t, "succeeded", st.BootPhase)
	assert.Equal(t, "ready", st.UpdatePhase)
	assert.Equal(t, 1, st.QueuedEvents)
	assert.Equal(t, health.Healthy, st.Health.Status)
}

func TestLaunchFailureRollsBack(t *testing.T) {
	f := newFixture(t)
	e := f.engine(t)
	f.transport.setPatch(t, 2, "broken patch")
	_, err := e.Update(context.Background())
	require.NoError(t, err)

	require.NoError(t, e.ReportLaunchStart())
	require.NoError(t, e.ReportLaunchFailure())

	assert.Equal(t, uint64(0), e.NextBootPatchNumber())
	st, err := e.Status()
	require.NoError(t, err)
	assert.Equal(t, []uint64{2}, st.KnownBadPatches)
	assert.Equal(t, health.Unhealthy, st.Health.Status)

	// The same patch is never installed again.
	status, err := e.Update(context.Background())
	require.NoError(t, err)
	assert.Equal(t, updater.NoUpdate, status)
}

func TestInitRecoversFromCrashedBoot(t *testing.T) {
	f := newFixture(t)
	first := New(WithTransport(f.transport))
	require.NoError(t, first.Init(f.params, compiledYAML))
	f.transport.setPatch(t, 3, "patch that crashes")
	_, err := first.Update(context.Background())
	require.NoError(t, err)
	require.NoError(t, first.ReportLaunchStart())
	// The process dies here without a terminal report.

	second := New(WithTransport(f.transport))
	require.NoError(t, second.Init(f.params, compiledYAML))
	assert.Equal(t, uint64(0), second.NextBootPatchNumber())

	st, err := statestore.New(f.params.StorageDir).Read()
	require.NoError(t, err)
	assert.Nil(t, st.CurrentlyBootingPatch)
	assert.Equal(t, []uint64{3}, st.KnownBadPatches)
	require.NotEmpty(t, st.QueuedEvents)
	assert.Equal(t, api.EventPatchLaunchFailure, st.QueuedEvents[len(st.QueuedEvents)-1].Type)
}

func TestStartUpdateThread(t *testing.T) {
	f := newFixture(t)
	e := f.engine(t)
	f.transport.setPatch(t, 4, "background patch")

	require.True(t, e.StartUpdateThread())
	require.Eventually(t, func() bool {
		return e.NextBootPatchNumber() == 4
	}, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, 1, f.transport.Downloads())

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	e.Close(ctx)
	assert.False(t, e.StartUpdateThread(), "no background work after Close")
}

func TestUpdateCheckFailureIsReported(t *testing.T) {
	f := newFixture(t)
	e := f.engine(t)
	f.transport.checkErr = errors.New("offline")

	assert.False(t, e.CheckForUpdate(context.Background()))
	status, err := e.Update(context.Background())
	require.Error(t, err)
	assert.Equal(t, updater.UpdateHadError, status)

	report := e.Health()
	assert.Equal(t, health.Degraded, report.Status)
}

func TestStrictModeRejectsTamperedPatchAtBoot(t *testing.T) {
	f := newFixture(t)
	e := f.engine(t)
	f.transport.setPatch(t, 5, "patch five")
	_, err := e.Update(context.Background())
	require.NoError(t, err)

	path, ok := e.NextBootPatchPath()
	require.True(t, ok)
	require.NoError(t, os.WriteFile(path, []byte("patch fivX"), 0o644))

	assert.Equal(t, uint64(0), e.NextBootPatchNumber())
	st, err := e.Status()
	require.NoError(t, err)
	assert.Contains(t, st.KnownBadPatches, uint64(5))
}

func TestPlatformNames(t *testing.T) {
	assert.Equal(t, "macos", platformName("darwin"))
	assert.Equal(t, "linux", platformName("linux"))
	assert.Equal(t, "x86_64", archName("amd64"))
	assert.Equal(t, "aarch64", archName("arm64"))
	assert.Equal(t, "riscv64", archName("riscv64"))
}
