package storage

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
)

// Lock files hold the PID of the arbor process using a session, or for the
// instance lock, the data directory.
//
//	<data_dir>/arbor.lock
//	<data_dir>/sessions/<id>.lock

func (s *SessionStorage) sessionLockPath(id string) string {
	return filepath.Join(s.sessionsDir, id+".lock")
}

func (s *SessionStorage) instanceLockPath() string {
	return filepath.Join(filepath.Dir(s.sessionsDir), "arbor.lock")
}

// LockSession marks the session as used by this process.
func (s *SessionStorage) LockSession(id string) error {
	if !validID(id) {
		return fmt.Errorf("invalid session id %q", id)
	}
	return writePID(s.sessionLockPath(id))
}

func (s *SessionStorage) UnlockSession(id string) error {
	return removeLock(s.sessionLockPath(id))
}

// CheckSessionLock returns the PID of another live process holding the
// session, or 0. Stale and malformed lock files are removed.
func (s *SessionStorage) CheckSessionLock(id string) (int, error) {
	return checkLock(s.sessionLockPath(id))
}

func (s *SessionStorage) LockInstance() error {
	return writePID(s.instanceLockPath())
}

func (s *SessionStorage) UnlockInstance() error {
	return removeLock(s.instanceLockPath())
}

// CheckInstanceLock returns the PID of another running arbor instance, or 0.
func (s *SessionStorage) CheckInstanceLock() (int, error) {
	return checkLock(s.instanceLockPath())
}

func writePID(path string) error {
	return os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())), 0600)
}

func removeLock(path string) error {
	err := os.Remove(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	return err
}

func checkLock(path string) (int, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to read lock file: %w", err)
	}

	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil || pid <= 0 {
		_ = os.Remove(path)
		return 0, nil
	}
	if pid == os.Getpid() {
		return 0, nil
	}
	if !alive(pid) {
		_ = os.Remove(path)
		return 0, nil
	}
	return pid, nil
}

// alive checks pid with signal 0.
func alive(pid int) bool {
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	err = proc.Signal(syscall.Signal(0))
	return err == nil || errors.Is(err, syscall.EPERM)
}
