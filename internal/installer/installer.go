// Package installer turns a downloaded patch into a bootable artifact: the
// download is zstd-decompressed, applied as a binary delta to the base
// release artifact, hashed, and only then moved into place.
package installer

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/klauspost/compress/zstd"

	"github.com/breeze-rmm/codepush/internal/delta"
	"github.com/breeze-rmm/codepush/internal/logging"
	"github.com/breeze-rmm/codepush/internal/patch"
)

var log = logging.L("installer")

// Install stages.
const (
	StageOpen       = "open"
	StageDecompress = "decompress"
	StageApply      = "apply"
	StageWrite      = "write"
	StageVerify     = "verify"
	StageCommit     = "commit"
)

// InstallError reports which stage of an install failed. A hash mismatch
// wraps patch.ErrHashMismatch.
type InstallError struct {
	Stage string
	Err   error
}

func (e *InstallError) Error() string {
	return fmt.Sprintf("install %s: %v", e.Stage, e.Err)
}

func (e *InstallError) Unwrap() error {
	return e.Err
}

// Result describes the artifact written by a successful install.
type Result struct {
	Path string
	Size uint64
	Hash string
}

// InstallFile is Install with the base artifact read from basePath.
func InstallFile(basePath, diffPath, expectedHash, destPath string) (*Result, error) {
	base, err := os.Open(basePath)
	if err != nil {
		return nil, &InstallError{Stage: StageOpen, Err: fmt.Errorf("open base artifact: %w", err)}
	}
	defer base.Close()

	info, err := base.Stat()
	if err != nil {
		return nil, &InstallError{Stage: StageOpen, Err: fmt.Errorf("stat base artifact: %w", err)}
	}
	return Install(base, info.Size(), diffPath, expectedHash, destPath)
}

// Install inflates diffPath against base and writes the result to destPath.
// Output goes to destPath+".tmp" and is renamed over destPath only when its
// hash equals expectedHash. On any failure nothing is left at either path.
func Install(base io.ReaderAt, baseSize int64, diffPath, expectedHash, destPath string) (*Result, error) {
	start := time.Now()

	diff, err := os.Open(diffPath)
	if err != nil {
		return nil, &InstallError{Stage: StageOpen, Err: fmt.Errorf("open patch download: %w", err)}
	}
	defer diff.Close()

	dec, err := zstd.NewReader(diff, zstd.WithDecoderConcurrency(1))
	if err != nil {
		return nil, &InstallError{Stage: StageDecompress, Err: err}
	}
	defer dec.Close()

	if err := os.MkdirAll(filepath.Dir(destPath), 0o755); err != nil {
		return nil, &InstallError{Stage: StageWrite, Err: err}
	}

	tmp := destPath + ".tmp"
	out, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return nil, &InstallError{Stage: StageWrite, Err: err}
	}
	committed := false
	defer func() {
		if !committed {
			out.Close()
			_ = os.Remove(tmp)
		}
	}()

	src := &trackingReader{r: dec}
	hasher := sha256.New()
	dst := &trackingWriter{w: io.MultiWriter(out, hasher)}

	size, err := delta.Apply(base, baseSize, src, dst)
	if err != nil {
		switch {
		case src.err != nil:
			return nil, &InstallError{Stage: StageDecompress, Err: src.err}
		case dst.err != nil:
			return nil, &InstallError{Stage: StageWrite, Err: dst.err}
		default:
			return nil, &InstallError{Stage: StageApply, Err: err}
		}
	}

	if err := out.Sync(); err != nil {
		return nil, &InstallError{Stage: StageWrite, Err: err}
	}
	if err := out.Close(); err != nil {
		return nil, &InstallError{Stage: StageWrite, Err: err}
	}

	actual := hex.EncodeToString(hasher.Sum(nil))
	if !patch.HashesEqual(actual, expectedHash) {
		return nil, &InstallError{Stage: StageVerify, Err: &patch.VerifyError{
			Reason:   "hash mismatch",
			Expected: expectedHash,
			Actual:   actual,
			Err:      patch.ErrHashMismatch,
		}}
	}

	if err := os.Rename(tmp, destPath); err != nil {
		return nil, &InstallError{Stage: StageCommit, Err: err}
	}
	committed = true

	log.Info("patch inflated",
		"path", destPath,
		"size", size,
		logging.KeyDurationMs, time.Since(start).Milliseconds(),
	)
	return &Result{Path: destPath, Size: uint64(size), Hash: actual}, nil
}

// IsHashMismatch reports whether err came from a hash check.
func IsHashMismatch(err error) bool {
	return errors.Is(err, patch.ErrHashMismatch)
}

// trackingReader remembers the first non-EOF error of the decompressor so
// corrupt compression can be told apart from a corrupt delta.
type trackingReader struct {
	r   io.Reader
	err error
}

func (t *trackingReader) Read(p []byte) (int, error) {
	n, err := t.r.Read(p)
	if err != nil && err != io.EOF && t.err == nil {
		t.err = err
	}
	return n, err
}

type trackingWriter struct {
	w   io.Writer
	err error
}

func (t *trackingWriter) Write(p []byte) (int, error) {
	n, err := t.w.Write(p)
	if err != nil && t.err == nil {
		t.err = err
	}
	return n, err
}
