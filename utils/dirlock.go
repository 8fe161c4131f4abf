package utils

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/gofrs/flock"
)

// DirLock is a cross-process advisory lock scoped to a directory path. It is
// used to guarantee a single manifold backend per repository.
type DirLock struct {
	lock *flock.Flock
	path string
}

func NewDirLock(dirPath string) *DirLock {
	lockName := fmt.Sprintf("manifold-%s.lock", sanitizeDirPath(dirPath))
	lockPath := filepath.Join(os.TempDir(), lockName)
	return &DirLock{
		lock: flock.New(lockPath),
		path: dirPath,
	}
}

// TryLock attempts to acquire the lock without blocking. It returns false
// when another process already holds it.
func (d *DirLock) TryLock() (bool, error) {
	locked, err := d.lock.TryLock()
	if err != nil {
		return false, fmt.Errorf("failed to acquire lock for %s: %w", d.path, err)
	}
	return locked, nil
}

func (d *DirLock) Unlock() error {
	if err := d.lock.Unlock(); err != nil {
		return fmt.Errorf("failed to release lock for %s: %w", d.path, err)
	}
	return nil
}

// sanitizeDirPath turns an absolute directory path into a flat token usable
// as a file name.
func sanitizeDirPath(dirPath string) string {
	sanitized := strings.ReplaceAll(dirPath, string(os.PathSeparator), "-")
	sanitized = strings.ReplaceAll(sanitized, ":", "-")
	return strings.Trim(sanitized, "-")
}
