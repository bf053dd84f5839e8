package statestore

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/breeze-rmm/codepush/internal/patch"
	"github.com/breeze-rmm/codepush/pkg/api"
)

func samplePatch(n uint64) *patch.Metadata {
	sig := "c2lnbmF0dXJl"
	return &patch.Metadata{
		Number:    n,
		Path:      fmt.Sprintf("/data/patches/%d/dlc.vmcode", n),
		Size:      1024 * n,
		Hash:      "404e5caa5b906f6d03c97657e8c4d604d759f9cfba1a8bba9d5b49a5ebc174f9",
		Signature: &sig,
	}
}

func TestLoadMissingFileReturnsFreshState(t *testing.T) {
	s := New(t.TempDir())

	st := s.Load("1.0.0+1")
	assert.Equal(t, "1.0.0+1", st.ReleaseVersion)
	assert.NotEmpty(t, st.ClientID)
	assert.Nil(t, st.NextBootPatch)
	assert.Empty(t, st.KnownBadPatches)

	// The fresh state is persisted so the client id is stable.
	again := s.Load("1.0.0+1")
	assert.Equal(t, st.ClientID, again.ClientID)
}

func TestLoadCorruptFileFailsOpen(t *testing.T) {
	dir := t.TempDir()
	s := New(dir)
	require.NoError(t, os.WriteFile(s.Path(), []byte("{not json"), 0o600))

	_, err := s.Read()
	var storeErr *StoreError
	require.ErrorAs(t, err, &storeErr)
	assert.Equal(t, "decode", storeErr.Op)

	st := s.Load("1.0.0+1")
	assert.Equal(t, "1.0.0+1", st.ReleaseVersion)

	reread, err := s.Read()
	require.NoError(t, err)
	assert.Equal(t, st.ClientID, reread.ClientID)
}

func TestLoadUnreadableFileIsKept(t *testing.T) {
	s := New(t.TempDir())
	// A directory in place of the state file reads with EISDIR, which is
	// neither a missing file nor a decode failure.
	require.NoError(t, os.Mkdir(s.Path(), 0o755))

	st := s.Load("1.0.0+1")
	assert.Equal(t, "1.0.0+1", st.ReleaseVersion)
	assert.NotEmpty(t, st.ClientID)

	info, err := os.Stat(s.Path())
	require.NoError(t, err, "unreadable state must not be invalidated")
	assert.True(t, info.IsDir())

	err = s.Save(st)
	require.ErrorIs(t, err, ErrStateUnreadable)
	_, err = os.Stat(s.Path() + ".tmp")
	assert.True(t, os.IsNotExist(err))

	// Once the file reads again, its contents win and saving resumes.
	require.NoError(t, os.Remove(s.Path()))
	saved := NewState("1.0.0+1", "5b0f3c38-3f3e-4a4c-9c55-1f0c7f3d2a10")
	saved.MarkBad(6)
	saved.CurrentlyBootingPatch = samplePatch(7)
	data, err := json.Marshal(saved)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(s.Path(), data, 0o600))

	reloaded := s.Load("1.0.0+1")
	assert.Equal(t, saved.ClientID, reloaded.ClientID)
	assert.True(t, reloaded.IsKnownBad(6))
	require.NotNil(t, reloaded.CurrentlyBootingPatch)
	assert.NoError(t, s.Save(reloaded))
}

func TestLoadPermissionDeniedKeepsState(t *testing.T) {
	if os.Geteuid() == 0 {
		t.Skip("root ignores file permissions")
	}
	s := New(t.TempDir())
	saved := NewState("1.0.0+1", "5b0f3c38-3f3e-4a4c-9c55-1f0c7f3d2a10")
	saved.MarkBad(6)
	saved.CurrentlyBootingPatch = samplePatch(7)
	require.NoError(t, s.Save(saved))
	require.NoError(t, os.Chmod(s.Path(), 0))
	t.Cleanup(func() { _ = os.Chmod(s.Path(), 0o600) })

	st := s.Load("1.0.0+1")
	assert.False(t, st.IsKnownBad(6))
	assert.ErrorIs(t, s.Save(st), ErrStateUnreadable)

	require.NoError(t, os.Chmod(s.Path(), 0o600))
	onDisk, err := s.Read()
	require.NoError(t, err)
	assert.Equal(t, saved.ClientID, onDisk.ClientID)
	assert.True(t, onDisk.IsKnownBad(6))
	require.NotNil(t, onDisk.CurrentlyBootingPatch)
	assert.Equal(t, uint64(7), onDisk.CurrentlyBootingPatch.Number)
}

func TestSaveLoadRoundTrip(t *testing.T) {
	s := New(t.TempDir())

	st := NewState("2.0.0+3", "7d5a2c1e-9a65-4a38-8b8c-0c51b6d2f7e4")
	st.NextBootPatch = samplePatch(3)
	st.LastBootPatch = samplePatch(2)
	st.LastAttemptedPatch = samplePatch(3)
	st.MarkBad(1)
	st.QueueEvent(api.PatchEvent{
		AppID:          "app",
		ClientID:       st.ClientID,
		Type:           api.EventPatchInstallSuccess,
		PatchNumber:    3,
		ReleaseVersion: "2.0.0+3",
		Timestamp:      1700000000,
	})
	require.NoError(t, s.Save(st))

	first, err := os.ReadFile(s.Path())
	require.NoError(t, err)

	loaded := s.Load("2.0.0+3")
	assert.Equal(t, st, loaded)

	require.NoError(t, s.Save(loaded))
	second, err := os.ReadFile(s.Path())
	require.NoError(t, err)
	assert.Equal(t, string(first), string(second))
}

func TestSaveWritesNullsForEmptyPatches(t *testing.T) {
	s := New(t.TempDir())
	require.NoError(t, s.Save(NewState("1.0.0", "id")))

	data, err := os.ReadFile(s.Path())
	require.NoError(t, err)

	var raw map[string]any
	require.NoError(t, json.Unmarshal(data, &raw))
	for _, key := range []string{"next_boot_patch", "last_boot_patch", "currently_booting_patch", "last_attempted_patch"} {
		v, ok := raw[key]
		assert.True(t, ok, "key %s missing", key)
		assert.Nil(t, v, "key %s", key)
	}
	assert.Equal(t, []any{}, raw["known_bad_patches"])
	assert.Equal(t, []any{}, raw["queued_events"])
}

func TestSaveLeavesNoTempFile(t *testing.T) {
	dir := t.TempDir()
	s := New(dir)
	require.NoError(t, s.Save(NewState("1.0.0", "id")))

	_, err := os.Stat(s.Path() + ".tmp")
	assert.True(t, os.IsNotExist(err), "temp file should be renamed away")
}

func TestLoadReleaseChangeDiscardsStateKeepsClientID(t *testing.T) {
	s := New(t.TempDir())

	st := NewState("1.0.0", "client-1")
	st.NextBootPatch = samplePatch(4)
	st.MarkBad(2)
	require.NoError(t, s.Save(st))

	require.NoError(t, os.MkdirAll(s.PatchDir(4), 0o755))
	require.NoError(t, os.WriteFile(s.ArtifactPath(4), []byte("x"), 0o644))

	fresh := s.Load("1.1.0")
	assert.Equal(t, "1.1.0", fresh.ReleaseVersion)
	assert.Equal(t, "client-1", fresh.ClientID)
	assert.Nil(t, fresh.NextBootPatch)
	assert.Empty(t, fresh.KnownBadPatches)

	_, err := os.Stat(s.PatchesDir())
	assert.True(t, os.IsNotExist(err), "patches from the old release should be deleted")
}

func TestInvalidate(t *testing.T) {
	s := New(t.TempDir())
	require.NoError(t, s.Invalidate(), "invalidating a missing file is not an error")

	require.NoError(t, s.Save(NewState("1.0.0", "id")))
	require.NoError(t, s.Invalidate())
	_, err := os.Stat(s.Path())
	assert.True(t, os.IsNotExist(err))
}

func TestArtifactLayout(t *testing.T) {
	s := New("/data")
	assert.Equal(t, filepath.Join("/data", "patches", "12", "dlc.vmcode"), s.ArtifactPath(12))
	assert.Equal(t, filepath.Join("/data", "state.json"), s.Path())
}

func TestStateKnownBadAndHighestSeen(t *testing.T) {
	st := NewState("1.0.0", "id")
	_, ok := st.HighestSeenPatchNumber()
	assert.False(t, ok)

	st.MarkBad(7)
	st.MarkBad(3)
	st.MarkBad(7)
	assert.Equal(t, []uint64{3, 7}, st.KnownBadPatches)
	assert.True(t, st.IsKnownBad(3))
	assert.False(t, st.IsKnownBad(4))

	st.LastBootPatch = samplePatch(5)
	highest, ok := st.HighestSeenPatchNumber()
	require.True(t, ok)
	assert.Equal(t, uint64(7), highest)
}

func TestStateCloneIsDeep(t *testing.T) {
	st := NewState("1.0.0", "id")
	st.NextBootPatch = samplePatch(1)
	st.MarkBad(9)

	c := st.Clone()
	c.NextBootPatch.Number = 99
	c.MarkBad(10)

	assert.Equal(t, uint64(1), st.NextBootPatch.Number)
	assert.Equal(t, []uint64{9}, st.KnownBadPatches)
}
