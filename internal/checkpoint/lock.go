package checkpoint

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"syscall"
	"time"
)

// ErrLocked reports that another live process holds the job's resume lock.
var ErrLocked = errors.New("job is locked by another process")

// LockInfo identifies the holder of a resume lock.
type LockInfo struct {
	PID        int       `json:"pid"`
	Host       string    `json:"host"`
	AcquiredAt time.Time `json:"acquired_at"`
}

// Lock is an exclusive per-job lock file. It prevents two processes from
// resuming the same job concurrently.
type Lock struct {
	path string
}

// AcquireLock takes the lock at path. An existing lock held by a dead
// process on this host is treated as stale and replaced. force replaces the
// lock unconditionally.
func AcquireLock(path string, force bool) (*Lock, error) {
	if err := tryCreate(path); err == nil {
		return &Lock{path: path}, nil
	} else if !os.IsExist(err) {
		return nil, fmt.Errorf("failed to create lock file: %w", err)
	}

	info, readErr := readLockInfo(path)
	stale := readErr != nil || info.isStale()
	if !force && !stale {
		return nil, fmt.Errorf("%w: pid %d on %s since %s",
			ErrLocked, info.PID, info.Host, info.AcquiredAt.Format(time.RFC3339))
	}

	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("failed to remove stale lock: %w", err)
	}
	if err := tryCreate(path); err != nil {
		if os.IsExist(err) {
			return nil, fmt.Errorf("%w: lost race re-acquiring lock", ErrLocked)
		}
		return nil, fmt.Errorf("failed to create lock file: %w", err)
	}
	return &Lock{path: path}, nil
}

// Release removes the lock file.
func (l *Lock) Release() error {
	if err := os.Remove(l.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to release lock: %w", err)
	}
	return nil
}

// Holder reads the lock holder at path, for status display.
func Holder(path string) (LockInfo, error) {
	return readLockInfo(path)
}

func tryCreate(path string) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0644)
	if err != nil {
		return err
	}
	host, _ := os.Hostname()
	info := LockInfo{PID: os.Getpid(), Host: host, AcquiredAt: time.Now().UTC()}
	encErr := json.NewEncoder(f).Encode(info)
	closeErr := f.Close()
	if encErr != nil {
		os.Remove(path)
		return encErr
	}
	return closeErr
}

func readLockInfo(path string) (LockInfo, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return LockInfo{}, err
	}
	var info LockInfo
	if err := json.Unmarshal(data, &info); err != nil {
		return LockInfo{}, fmt.Errorf("unreadable lock file: %w", err)
	}
	return info, nil
}

// isStale reports whether the holding process is provably gone. Liveness
// can only be probed on the same host; a lock from another host is never
// considered stale without --force.
func (i LockInfo) isStale() bool {
	host, _ := os.Hostname()
	if i.Host != host {
		return false
	}
	// Signal 0 probes existence without delivering anything.
	return syscall.Kill(i.PID, 0) != nil
}
