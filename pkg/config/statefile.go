package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"syscall"
	"time"
)

const (
	stateLockTimeout = 2 * time.Second
	stateLockRetry   = 20 * time.Millisecond
	staleLockAge     = time.Minute
)

// stateLock guards a state file against concurrent writers in other processes.
// It holds "<path>.lock", created exclusively and flocked.
type stateLock struct {
	lockPath string
	file     *os.File
}

func acquireStateLock(path string, timeout time.Duration) (*stateLock, error) {
	l := &stateLock{lockPath: path + ".lock"}
	if err := os.MkdirAll(filepath.Dir(l.lockPath), 0755); err != nil {
		return nil, fmt.Errorf("failed to create lock directory: %w", err)
	}

	deadline := time.Now().Add(timeout)
	for {
		err := l.try()
		if err == nil {
			return l, nil
		}
		if time.Now().After(deadline) {
			return nil, fmt.Errorf("timeout acquiring lock on %s: %w", path, err)
		}
		time.Sleep(stateLockRetry)
	}
}

func (l *stateLock) try() error {
	file, err := os.OpenFile(l.lockPath, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0600)
	if err != nil {
		if os.IsExist(err) && l.stale() {
			os.Remove(l.lockPath)
			return l.try()
		}
		return err
	}

	if err := syscall.Flock(int(file.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
		file.Close()
		os.Remove(l.lockPath)
		return fmt.Errorf("failed to flock: %w", err)
	}
	fmt.Fprintf(file, "pid:%d\n", os.Getpid())
	l.file = file
	return nil
}

// stale reports whether the lock file was left behind by a dead process
func (l *stateLock) stale() bool {
	info, err := os.Stat(l.lockPath)
	if err != nil {
		return true
	}
	if time.Since(info.ModTime()) < staleLockAge {
		return false
	}

	data, err := os.ReadFile(l.lockPath)
	if err != nil {
		return true
	}
	var pid int
	if _, err := fmt.Sscanf(string(data), "pid:%d", &pid); err != nil {
		return true
	}
	process, err := os.FindProcess(pid)
	if err != nil {
		return true
	}
	return process.Signal(syscall.Signal(0)) != nil
}

func (l *stateLock) release() error {
	var errs []error
	if l.file != nil {
		errs = append(errs, syscall.Flock(int(l.file.Fd()), syscall.LOCK_UN), l.file.Close())
		l.file = nil
	}
	errs = append(errs, os.Remove(l.lockPath))
	return errors.Join(errs...)
}

// WriteState atomically replaces the settings state file name with value
func WriteState(name, value string) error {
	path := BuildSettingsPath(name)
	lock, err := acquireStateLock(path, stateLockTimeout)
	if err != nil {
		return err
	}
	defer lock.release()

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, []byte(value+"\n"), 0644); err != nil {
		return fmt.Errorf("failed to write %s: %w", name, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to replace %s: %w", name, err)
	}
	return nil
}

// ReadState returns the trimmed content of the settings state file name, or
// "" when it does not exist
func ReadState(name string) (string, error) {
	data, err := os.ReadFile(BuildSettingsPath(name))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return "", nil
		}
		return "", err
	}
	return strings.TrimSpace(string(data)), nil
}
