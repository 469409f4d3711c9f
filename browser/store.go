package browser

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/gofrs/flock"
	apperrors "github.com/jrsteele09/go-learn-gateway/internal/errors"
	"github.com/jrsteele09/go-learn-gateway/internal/utils"
)

const (
	stateSuffix = ".state"
	lockTimeout = time.Second
)

// StateStore keeps one persisted state file per session id in a directory.
type StateStore struct {
	dir string
}

func NewStateStore(dir string) (*StateStore, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("[browser NewStateStore] mkdir %s: %w", dir, err)
	}
	return &StateStore{dir: dir}, nil
}

// Path returns the state file path for sessionID. Only ids shaped like the
// ones we mint are accepted, so a path never escapes the directory.
func (s *StateStore) Path(sessionID string) (string, error) {
	if !utils.IsSessionID(sessionID) {
		return "", apperrors.Validationf("malformed session id")
	}
	return filepath.Join(s.dir, sessionID+stateSuffix), nil
}

func (s *StateStore) Exists(sessionID string) bool {
	path, err := s.Path(sessionID)
	if err != nil {
		return false
	}
	_, err = os.Stat(path)
	return err == nil
}

// Write replaces the state file atomically: the bytes go to a temporary file
// in the same directory which is then renamed over the target, all under a
// file lock shared with other processes using the same directory.
func (s *StateStore) Write(ctx context.Context, sessionID string, data []byte) (string, error) {
	path, err := s.Path(sessionID)
	if err != nil {
		return "", err
	}

	fileLock := flock.New(path + ".lock")
	lockCtx, cancel := context.WithTimeout(ctx, lockTimeout)
	defer cancel()
	locked, err := fileLock.TryLockContext(lockCtx, 50*time.Millisecond)
	if err != nil {
		return "", fmt.Errorf("[browser StateStore.Write] failed to acquire lock: %w", err)
	}
	if !locked {
		return "", fmt.Errorf("[browser StateStore.Write] failed to acquire lock: timeout after %v", lockTimeout)
	}
	defer func() { _ = fileLock.Unlock() }()

	tmp, err := os.CreateTemp(s.dir, sessionID+".*.tmp")
	if err != nil {
		return "", fmt.Errorf("[browser StateStore.Write] create temp: %w", err)
	}
	tmpName := tmp.Name()
	defer func() { _ = os.Remove(tmpName) }()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return "", fmt.Errorf("[browser StateStore.Write] write: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return "", fmt.Errorf("[browser StateStore.Write] sync: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return "", fmt.Errorf("[browser StateStore.Write] close: %w", err)
	}
	if err := os.Chmod(tmpName, 0o600); err != nil {
		return "", fmt.Errorf("[browser StateStore.Write] chmod: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return "", fmt.Errorf("[browser StateStore.Write] rename: %w", err)
	}
	return path, nil
}

// Read returns the persisted bytes or ErrNoSavedState.
func (s *StateStore) Read(sessionID string) ([]byte, error) {
	path, err := s.Path(sessionID)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, apperrors.ErrNoSavedState
	}
	if err != nil {
		return nil, fmt.Errorf("[browser StateStore.Read] %w", err)
	}
	return data, nil
}
