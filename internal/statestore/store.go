// Package statestore persists the updater state to a single JSON file with
// atomic replace semantics.
package statestore

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"

	"github.com/google/uuid"

	"github.com/breeze-rmm/codepush/internal/logging"
)

var log = logging.L("statestore")

const (
	StateFileName = "state.json"
	patchesDir    = "patches"
	artifactName  = "dlc.vmcode"
)

// ErrStateUnreadable is returned by Save while the state file on disk could
// not be read. The file is left alone until a later Load reads it again.
var ErrStateUnreadable = errors.New("state file unreadable")

// StoreError wraps an I/O or decode failure on the state file.
type StoreError struct {
	Op   string
	Path string
	Err  error
}

func (e *StoreError) Error() string {
	return fmt.Sprintf("statestore %s %s: %v", e.Op, e.Path, e.Err)
}

func (e *StoreError) Unwrap() error {
	return e.Err
}

// Store reads and writes the state file under a storage directory and knows
// where patch artifacts live next to it.
type Store struct {
	dir  string
	path string

	mu         sync.Mutex
	unreadable error
}

func New(storageDir string) *Store {
	return &Store{
		dir:  storageDir,
		path: filepath.Join(storageDir, StateFileName),
	}
}

// Path returns the state file location.
func (s *Store) Path() string {
	return s.path
}

// Dir returns the storage directory.
func (s *Store) Dir() string {
	return s.dir
}

// PatchesDir holds one directory per installed patch.
func (s *Store) PatchesDir() string {
	return filepath.Join(s.dir, patchesDir)
}

// PatchDir returns the directory for patch number.
func (s *Store) PatchDir(number uint64) string {
	return filepath.Join(s.PatchesDir(), strconv.FormatUint(number, 10))
}

// ArtifactPath returns where the inflated artifact for patch number lives.
func (s *Store) ArtifactPath(number uint64) string {
	return filepath.Join(s.PatchDir(number), artifactName)
}

// Read decodes the state file as is. Callers that want fail-open behavior
// use Load.
func (s *Store) Read() (*State, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		return nil, &StoreError{Op: "read", Path: s.path, Err: err}
	}
	var st State
	if err := json.Unmarshal(data, &st); err != nil {
		return nil, &StoreError{Op: "decode", Path: s.path, Err: err}
	}
	st.normalize()
	return &st, nil
}

// Load returns the state for releaseVersion. It never fails: a missing file
// yields empty state, a corrupt file is invalidated and replaced, and state
// from another release is discarded together with its patch artifacts. The
// client id survives every reset.
//
// A file that exists but cannot be read (permissions, I/O, data protection
// before first unlock) is not touched. Load returns empty state for this
// process and Save refuses to write until a later Load succeeds.
func (s *Store) Load(releaseVersion string) *State {
	st, err := s.Read()
	if err != nil {
		var storeErr *StoreError
		switch {
		case errors.Is(err, os.ErrNotExist):
			s.setUnreadable(nil)
		case errors.As(err, &storeErr) && storeErr.Op == "decode":
			s.setUnreadable(nil)
			log.Warn("state file corrupt, starting fresh", logging.KeyError, err)
			if err := s.Invalidate(); err != nil {
				log.Warn("failed to invalidate state file", logging.KeyError, err)
			}
		default:
			log.Warn("state file unreadable, using empty state without saving", logging.KeyError, err)
			s.setUnreadable(err)
			return NewState(releaseVersion, uuid.NewString())
		}
		return s.reset(releaseVersion, "")
	}
	s.setUnreadable(nil)

	if st.ReleaseVersion != releaseVersion {
		log.Info("release version changed, discarding patch state",
			"previous", st.ReleaseVersion,
			logging.KeyReleaseVersion, releaseVersion,
		)
		if err := os.RemoveAll(s.PatchesDir()); err != nil {
			log.Warn("failed to remove patches from previous release", logging.KeyError, err)
		}
		return s.reset(releaseVersion, st.ClientID)
	}

	if st.ClientID == "" {
		st.ClientID = uuid.NewString()
		s.saveBestEffort(st)
	}
	return st
}

func (s *Store) reset(releaseVersion, clientID string) *State {
	if clientID == "" {
		clientID = uuid.NewString()
	}
	st := NewState(releaseVersion, clientID)
	s.saveBestEffort(st)
	return st
}

func (s *Store) saveBestEffort(st *State) {
	if err := s.Save(st); err != nil {
		log.Warn("failed to persist state", logging.KeyError, err)
	}
}

// Save atomically replaces the state file: the encoded state is written to
// a temp file in the same directory, synced, then renamed over the file.
func (s *Store) Save(st *State) error {
	if cause := s.unreadableErr(); cause != nil {
		return &StoreError{Op: "save", Path: s.path, Err: fmt.Errorf("%w: %v", ErrStateUnreadable, cause)}
	}

	payload, err := json.Marshal(st)
	if err != nil {
		return &StoreError{Op: "encode", Path: s.path, Err: err}
	}

	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return &StoreError{Op: "mkdir", Path: s.dir, Err: err}
	}

	tmp := s.path + ".tmp"
	if err := writeSynced(tmp, payload); err != nil {
		_ = os.Remove(tmp)
		return &StoreError{Op: "write", Path: tmp, Err: err}
	}

	if err := os.Rename(tmp, s.path); err != nil {
		_ = os.Remove(tmp)
		return &StoreError{Op: "rename", Path: s.path, Err: err}
	}

	syncDir(s.dir)
	return nil
}

func (s *Store) setUnreadable(err error) {
	s.mu.Lock()
	s.unreadable = err
	s.mu.Unlock()
}

func (s *Store) unreadableErr() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.unreadable
}

// Invalidate removes the state file. The next Load starts fresh.
func (s *Store) Invalidate() error {
	if err := os.Remove(s.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return &StoreError{Op: "remove", Path: s.path, Err: err}
	}
	return nil
}

func writeSynced(path string, data []byte) error {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		return err
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// syncDir flushes the directory entry of a rename. Not every platform
// supports it, so failures are ignored.
func syncDir(dir string) {
	d, err := os.Open(dir)
	if err != nil {
		return
	}
	_ = d.Sync()
	_ = d.Close()
}
