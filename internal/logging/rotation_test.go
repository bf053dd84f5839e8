package logging

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRotatingWriterRollsAndCapsBackups(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "codepush.log")
	w, err := NewRotatingWriter(path, RotateOptions{MaxSizeMB: 1, MaxBackups: 2})
	require.NoError(t, err)
	defer w.Close()

	chunk := bytes.Repeat([]byte("x"), 600<<10)
	for i := 0; i < 5; i++ {
		_, err := w.Write(chunk)
		require.NoError(t, err, "write %d", i)
	}

	for _, name := range []string{path, path + ".1", path + ".2"} {
		info, err := os.Stat(name)
		require.NoError(t, err)
		assert.Equal(t, int64(len(chunk)), info.Size(), name)
	}
	_, err = os.Stat(path + ".3")
	assert.True(t, os.IsNotExist(err), "backup beyond MaxBackups should not exist")
}

func TestRotatingWriterAppendsToExistingFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "codepush.log")
	require.NoError(t, os.WriteFile(path, []byte("earlier\n"), 0o600))

	w, err := NewRotatingWriter(path, RotateOptions{})
	require.NoError(t, err)
	_, err = w.Write([]byte("later\n"))
	require.NoError(t, err)
	require.NoError(t, w.Close())

	_, err = w.Write([]byte("closed"))
	assert.Error(t, err, "write after close should fail")

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "earlier\nlater\n", string(data))
}

func TestOpenOutputWithoutPathUsesStderr(t *testing.T) {
	w, c, err := OpenOutput("", RotateOptions{}, false)
	require.NoError(t, err)
	assert.Equal(t, os.Stderr, w)
	assert.NoError(t, c.Close())
}
