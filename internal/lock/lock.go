// Package lock implements advisory lock files keyed by target identity.
package lock

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"time"

	"github.com/zeebo/blake3"
	"golang.org/x/sys/unix"
	"gopkg.in/yaml.v3"

	"pgdrill/internal/failure"
)

type Entry struct {
	Pid       int    `yaml:"pid"`
	JobID     string `yaml:"job_id,omitempty"`
	Target    string `yaml:"target"`
	StartedAt string `yaml:"started_at"`
}

var unsafeChars = regexp.MustCompile(`[^A-Za-z0-9._-]+`)

// Path returns the lock file used for key. The readable part is truncated;
// the hash suffix keeps distinct keys apart.
func Path(lockDir, key string) string {
	name := unsafeChars.ReplaceAllString(key, "_")
	if len(name) > 64 {
		name = name[:64]
	}
	sum := blake3.Sum256([]byte(key))
	return filepath.Join(lockDir, fmt.Sprintf("%s-%x.lock", name, sum[:6]))
}

func readLock(path string) (*Entry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var entry Entry
	if err := yaml.Unmarshal(data, &entry); err != nil {
		return nil, err
	}
	return &entry, nil
}

// createLock publishes entry at path only if path does not exist yet. The
// entry is written to a temporary file first and hard-linked into place, so
// readers never observe a partially written lock.
func createLock(path string, entry *Entry) error {
	data, err := yaml.Marshal(entry)
	if err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".lock-*.tmp")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Link(tmp.Name(), path)
}

func isProcessAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	err := unix.Kill(pid, 0)
	if err == nil {
		return true
	}
	if errors.Is(err, unix.ESRCH) {
		return false
	}
	// for EPERM and other errors assume process exists
	return true
}

// Acquire takes the lock for key in lockDir. A lock held by a live process
// fails with failure.ErrTargetBusy; one left behind by a dead process is
// reclaimed. Returns a release function which should be called (deferred)
// when work is done.
func Acquire(lockDir, key, jobID string) (func() error, error) {
	if err := os.MkdirAll(lockDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create lock directory: %w", err)
	}
	lockPath := Path(lockDir, key)

	entry := &Entry{
		Pid:       os.Getpid(),
		JobID:     jobID,
		Target:    key,
		StartedAt: time.Now().Format(time.RFC3339),
	}

	for attempt := 0; ; attempt++ {
		err := createLock(lockPath, entry)
		if err == nil {
			break
		}
		if !os.IsExist(err) {
			return nil, fmt.Errorf("failed to create lock file %s: %w", lockPath, err)
		}

		existing, readErr := readLock(lockPath)
		if readErr != nil {
			return nil, fmt.Errorf("failed to read lock file %s: %w", lockPath, readErr)
		}
		if existing != nil && isProcessAlive(existing.Pid) {
			return nil, fmt.Errorf("%w: %s is locked by pid %d (job %s, started %s)",
				failure.ErrTargetBusy, key, existing.Pid, existing.JobID, existing.StartedAt)
		}
		if attempt > 0 {
			return nil, fmt.Errorf("%w: could not reclaim stale lock %s", failure.ErrTargetBusy, lockPath)
		}
		// stale entry: remove and retry once, unless it changed meanwhile
		if again, _ := readLock(lockPath); again != nil && existing != nil && *again != *existing {
			continue
		}
		if err := os.Remove(lockPath); err != nil && !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to remove stale lock %s: %w", lockPath, err)
		}
	}

	released := false
	release := func() error {
		if released {
			return nil
		}
		current, err := readLock(lockPath)
		if err != nil {
			return err
		}
		// only remove our own entry
		if current != nil && (current.Pid != entry.Pid || current.JobID != entry.JobID) {
			released = true
			return nil
		}
		if err := os.Remove(lockPath); err != nil && !os.IsNotExist(err) {
			return err
		}
		released = true
		return nil
	}

	return release, nil
}
