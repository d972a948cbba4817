package filestore

import (
	"fmt"
	"os"
	"path/filepath"
	"syscall"
)

const lockFileName = "conductor.lock"

// FileLock provides cross-process mutual exclusion using flock(2), so that
// several conductor processes can share one state directory.
type FileLock struct {
	path string
	file *os.File
}

// NewFileLock creates a FileLock for dir. The lock file is dir/conductor.lock.
func NewFileLock(dir string) *FileLock {
	return &FileLock{
		path: filepath.Join(dir, lockFileName),
	}
}

// Lock acquires an exclusive lock, blocking until available. shared selects
// LOCK_SH instead, for readers.
func (fl *FileLock) Lock(shared bool) error {
	f, err := os.OpenFile(fl.path, os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return fmt.Errorf("open lock file: %w", err)
	}
	fl.file = f

	how := syscall.LOCK_EX
	if shared {
		how = syscall.LOCK_SH
	}
	if err := syscall.Flock(int(f.Fd()), how); err != nil {
		_ = f.Close()
		fl.file = nil
		return fmt.Errorf("flock: %w", err)
	}
	return nil
}

// Unlock releases the lock and closes the lock file.
func (fl *FileLock) Unlock() error {
	if fl.file == nil {
		return nil
	}

	if err := syscall.Flock(int(fl.file.Fd()), syscall.LOCK_UN); err != nil {
		_ = fl.file.Close()
		fl.file = nil
		return fmt.Errorf("funlock: %w", err)
	}

	err := fl.file.Close()
	fl.file = nil
	return err
}
