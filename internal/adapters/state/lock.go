package state

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"syscall"
	"time"

	"github.com/hugo-lorenzo-mato/autostop/internal/core"
)

// lockInfo represents lock file contents.
type lockInfo struct {
	PID        int       `json:"pid"`
	Hostname   string    `json:"hostname"`
	AcquiredAt time.Time `json:"acquired_at"`
}

// fileLock is an exclusive lock file shared by every process using the same
// state file. A lock older than ttl, or whose owner process is gone, is stale
// and may be broken.
type fileLock struct {
	path  string
	ttl   time.Duration
	retry time.Duration
}

// acquire creates the lock file, waiting for a live holder until ctx is done.
func (l *fileLock) acquire(ctx context.Context) error {
	if err := os.MkdirAll(filepath.Dir(l.path), 0o750); err != nil {
		return fmt.Errorf("creating lock directory: %w", err)
	}

	hostname, _ := os.Hostname()
	for {
		info := lockInfo{PID: os.Getpid(), Hostname: hostname, AcquiredAt: time.Now()}
		err := l.create(info)
		if err == nil {
			return nil
		}
		if !errors.Is(err, os.ErrExist) {
			return err
		}

		if l.breakIfStale(hostname) {
			continue
		}

		select {
		case <-ctx.Done():
			return core.ErrTransient(core.CodeLockAcquireFailed, "state lock is held by another process").
				WithCause(ctx.Err())
		case <-time.After(l.retry):
		}
	}
}

func (l *fileLock) create(info lockInfo) error {
	data, err := json.Marshal(info)
	if err != nil {
		return fmt.Errorf("marshaling lock info: %w", err)
	}

	f, err := os.OpenFile(l.path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	defer f.Close()

	if _, err := f.Write(data); err != nil {
		_ = os.Remove(l.path)
		return fmt.Errorf("writing lock file: %w", err)
	}
	return nil
}

func (l *fileLock) breakIfStale(hostname string) bool {
	data, err := os.ReadFile(l.path)
	if err != nil {
		// Released between our create and read; try again.
		return os.IsNotExist(err)
	}

	var info lockInfo
	if err := json.Unmarshal(data, &info); err != nil {
		// Half-written by a holder that is still creating it.
		return false
	}

	stale := time.Since(info.AcquiredAt) >= l.ttl ||
		(info.Hostname == hostname && !processExists(info.PID))
	if !stale {
		return false
	}
	return os.Remove(l.path) == nil
}

func (l *fileLock) release() error {
	if err := os.Remove(l.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("removing lock file: %w", err)
	}
	return nil
}

// processExists checks if a process is running.
func processExists(pid int) bool {
	// Windows reports no access when signaling the current process; treat that as existing.
	if runtime.GOOS == "windows" && pid == os.Getpid() {
		return true
	}
	process, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	// On Unix, FindProcess always succeeds, so we send signal 0.
	return process.Signal(syscall.Signal(0)) == nil
}
