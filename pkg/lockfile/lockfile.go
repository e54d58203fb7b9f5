// Package lockfile implements the destination process lock. Only one pgl-vault
// process may run against a destination at a time; the lock file carries a
// heartbeat so that a lock left behind by a crashed process goes stale and can be
// taken over.
package lockfile

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/paulschiretz/pgl-vault/pkg/plog"
	"github.com/paulschiretz/pgl-vault/pkg/util"
)

// LockFileName is the name of the lock file created in the destination root.
// The '~' prefix marks it as temporary.
const LockFileName = ".~pgl-vault.lock"

// LockContent defines the structure of the data written to the lock file.
type LockContent struct {
	PID        int64     `json:"pid"`
	Hostname   string    `json:"hostname"`
	Command    string    `json:"command"`
	AcquiredAt time.Time `json:"acquiredAt"`
	LastUpdate time.Time `json:"lastUpdate"`
	Nonce      string    `json:"nonce,omitempty"` // Used for takeover race resolution
}

// ErrLockActive is a structured error returned when a lock is already held by another process.
type ErrLockActive struct {
	PID       int64
	Hostname  string
	Command   string
	TimeSince time.Duration
}

// Error implements the error interface for ErrLockActive.
func (e *ErrLockActive) Error() string {
	return fmt.Sprintf("destination is locked by '%s' (PID %d on host '%s'), last updated %s ago", e.Command, e.PID, e.Hostname, e.TimeSince.Truncate(time.Second))
}

// ErrLostRace is a sentinel error returned when a process attempts to take over a stale lock but another process wins.
var ErrLostRace = errors.New("lost race during stale lock takeover")

// ErrCorruptLockFile indicates that the lock file on disk is unreadable, either empty or containing invalid JSON.
var ErrCorruptLockFile = errors.New("lock file is corrupt or empty")

// Lock manages the state of the acquired lock file.
type Lock struct {
	path    string
	content LockContent
	// The context and cancel function are used to stop the background heartbeat goroutine.
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
	mu     sync.Mutex
	held   bool
}

// These are vars to allow modification during testing.
var (
	heartbeatInterval = 1 * time.Minute
	// staleTimeout is defined in relation to the heartbeat to ensure a safe margin.
	staleTimeout = 3 * heartbeatInterval
)

// Acquire attempts to acquire the lock in absDirPath.
// ctx bounds the acquisition attempt, not the background heartbeat.
// It returns (nil, *ErrLockActive) if the lock is already held by a live process.
func Acquire(ctx context.Context, absDirPath string, command string) (*Lock, error) {
	absLockFilePath := filepath.Join(absDirPath, LockFileName)
	maxAttempts := 3

	for range maxAttempts {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}

		// --- 1. Attempt Atomic Acquisition ---
		lock, err := tryAcquire(absLockFilePath, command)
		if err == nil {
			lock.start()
			return lock, nil
		}
		if !os.IsExist(err) {
			return nil, fmt.Errorf("failed to access lock file: %w", err)
		}

		// --- 2. Lock is Held, Check for Staleness ---
		content, raw, readErr := readLock(absLockFilePath)
		switch {
		case readErr == nil:
			elapsed := time.Since(content.LastUpdate)
			if elapsed < staleTimeout {
				return nil, &ErrLockActive{
					PID:       content.PID,
					Hostname:  content.Hostname,
					Command:   content.Command,
					TimeSince: elapsed,
				}
			}
			plog.Warn("Found stale lock, attempting takeover", "pid", content.PID, "host", content.Hostname, "age", elapsed.Truncate(time.Second))
		case errors.Is(readErr, ErrCorruptLockFile):
			plog.Warn("Found corrupt lock file, treating as stale", "path", absLockFilePath, "error", readErr)
			raw, _ = os.ReadFile(absLockFilePath)
		case os.IsNotExist(readErr):
			// Released between our create attempt and the read; just retry.
			continue
		default:
			time.Sleep(100 * time.Millisecond)
			continue
		}

		// --- 3. Lock is Stale or Corrupt, Attempt Takeover ---
		lock, takeoverErr := attemptStaleLockTakeover(absLockFilePath, command, raw)
		if takeoverErr != nil {
			if errors.Is(takeoverErr, ErrLostRace) {
				plog.Debug("Lock takeover race lost, retrying acquisition")
			} else {
				plog.Warn("Failed to attempt lock takeover, retrying", "error", takeoverErr)
			}
			time.Sleep(100 * time.Millisecond)
			continue
		}
		lock.start()
		return lock, nil
	}

	return nil, fmt.Errorf("failed to acquire lock after %d attempts (contention)", maxAttempts)
}

// Inspect reads the lock in absDirPath without acquiring it. ok is false when no lock file exists.
func Inspect(absDirPath string) (content LockContent, ok bool, err error) {
	content, err = readLockContentSafely(filepath.Join(absDirPath, LockFileName))
	if err != nil {
		if os.IsNotExist(err) {
			return LockContent{}, false, nil
		}
		return LockContent{}, false, err
	}
	return content, true, nil
}

// IsStale reports whether a lock with this content may be taken over.
func (c LockContent) IsStale() bool {
	return time.Since(c.LastUpdate) >= staleTimeout
}

func newContent(command string) (LockContent, error) {
	hostname, err := os.Hostname()
	if err != nil {
		return LockContent{}, err
	}
	now := time.Now().UTC()
	return LockContent{
		PID:        int64(os.Getpid()),
		Hostname:   hostname,
		Command:    command,
		AcquiredAt: now,
		LastUpdate: now,
		Nonce:      uuid.NewString(),
	}, nil
}

// tryAcquire attempts atomic creation using O_EXCL to guarantee "I created this file first".
func tryAcquire(absLockFilePath string, command string) (*Lock, error) {
	f, err := os.OpenFile(absLockFilePath, os.O_CREATE|os.O_EXCL|os.O_WRONLY, util.UserWritableFilePerms)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	content, err := newContent(command)
	if err != nil {
		os.Remove(absLockFilePath)
		return nil, err
	}
	data, err := marshalContent(content)
	if err != nil {
		os.Remove(absLockFilePath)
		return nil, err
	}
	if _, err := f.Write(data); err != nil {
		os.Remove(absLockFilePath)
		return nil, fmt.Errorf("failed to write lock content: %w", err)
	}
	if err := f.Sync(); err != nil {
		os.Remove(absLockFilePath)
		return nil, fmt.Errorf("failed to sync lock file: %w", err)
	}
	return newLock(absLockFilePath, content), nil
}

// attemptStaleLockTakeover moves the stale lock aside, verifies that what it moved
// is exactly the content judged stale, and then competes for a fresh lock with
// O_EXCL. Of several contenders only one can move the stale file, and only one
// can create the new one.
func attemptStaleLockTakeover(absLockFilePath, command string, staleRaw []byte) (*Lock, error) {
	asidePath := absLockFilePath + ".stale-" + uuid.NewString()
	if err := os.Rename(absLockFilePath, asidePath); err != nil {
		if os.IsNotExist(err) {
			return nil, ErrLostRace
		}
		return nil, fmt.Errorf("failed to move stale lock aside: %w", err)
	}

	moved, err := os.ReadFile(asidePath)
	if err != nil || !bytes.Equal(moved, staleRaw) {
		// We moved a lock someone else just created. Put it back unless a
		// newer one already took its place.
		if linkErr := os.Link(asidePath, absLockFilePath); linkErr != nil && !os.IsExist(linkErr) {
			plog.Warn("Failed to restore lock moved during takeover", "path", absLockFilePath, "error", linkErr)
		}
		os.Remove(asidePath)
		return nil, ErrLostRace
	}
	os.Remove(asidePath)

	lock, err := tryAcquire(absLockFilePath, command)
	if err != nil {
		if os.IsExist(err) {
			return nil, ErrLostRace
		}
		return nil, err
	}
	plog.Debug("Successfully took over stale lock")
	return lock, nil
}

func newLock(absLockFilePath string, content LockContent) *Lock {
	ctx, cancel := context.WithCancel(context.Background())
	return &Lock{
		path:    absLockFilePath,
		content: content,
		ctx:     ctx,
		cancel:  cancel,
		done:    make(chan struct{}),
		held:    true,
	}
}

// start cleans up leftovers of crashed writers and starts the heartbeat.
func (l *Lock) start() {
	cleanupTempFiles(filepath.Dir(l.path))
	go l.heartbeat()
}

// Content returns what this process wrote into the lock file.
func (l *Lock) Content() LockContent {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.content
}

// Release stops the heartbeat and removes the lock file. It is safe to call more than once.
func (l *Lock) Release() {
	l.mu.Lock()
	if !l.held {
		l.mu.Unlock()
		return
	}
	l.held = false
	l.mu.Unlock()

	l.cancel()
	<-l.done

	if err := os.Remove(l.path); err != nil {
		if !os.IsNotExist(err) {
			plog.Warn("Failed to remove lock file", "path", l.path, "error", err)
		}
		return
	}
	plog.Debug("Lock released", "path", l.path)
}

func (l *Lock) heartbeat() {
	defer close(l.done)
	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-l.ctx.Done():
			return
		case <-ticker.C:
			l.mu.Lock()
			l.content.LastUpdate = time.Now().UTC()
			content := l.content
			l.mu.Unlock()
			if err := writeLockFileAtomic(l.path, content); err != nil {
				// Not fatal; the next tick tries again well before the lock goes stale.
				plog.Warn("Heartbeat failed to update lock file", "error", err)
			}
		}
	}
}

func marshalContent(content LockContent) ([]byte, error) {
	data, err := json.MarshalIndent(content, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to marshal lock content: %w", err)
	}
	return data, nil
}

// writeLockFileAtomic replaces the lock file so that it is never seen empty or partial.
func writeLockFileAtomic(absLockFilePath string, content LockContent) error {
	data, err := marshalContent(content)
	if err != nil {
		return err
	}
	return util.WriteFileDurable(absLockFilePath, data, util.UserWritableFilePerms)
}

// cleanupTempFiles removes temp files older than the stale timeout from dir.
// Younger ones may belong to a write in progress.
func cleanupTempFiles(dir string) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		plog.Warn("Failed to scan for temporary files", "dir", dir, "error", err)
		return
	}

	threshold := time.Now().Add(-staleTimeout)
	for _, entry := range entries {
		if entry.IsDir() || !util.IsTempFile(entry.Name()) {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		if info.ModTime().Before(threshold) {
			path := filepath.Join(dir, entry.Name())
			plog.Debug("Removing old temporary file", "path", path, "age", time.Since(info.ModTime()))
			if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
				plog.Warn("Failed to remove leftover temporary file", "path", path, "error", err)
			}
		}
	}
}

// readLockContentSafely reads the lock file, retrying briefly over transient
// empty or partial states.
func readLockContentSafely(absLockFilePath string) (LockContent, error) {
	content, _, err := readLock(absLockFilePath)
	return content, err
}

// readLock is readLockContentSafely that also returns the raw bytes it parsed.
func readLock(absLockFilePath string) (LockContent, []byte, error) {
	var lastErr error
	var lastCorruptErr error
	for range 3 {
		data, err := os.ReadFile(absLockFilePath)
		if err != nil {
			if os.IsNotExist(err) {
				return LockContent{}, nil, err
			}
			lastErr = err
			time.Sleep(50 * time.Millisecond)
			continue
		}
		if len(data) == 0 {
			lastCorruptErr = errors.New("lock file is empty")
			time.Sleep(50 * time.Millisecond)
			continue
		}

		var content LockContent
		if lastCorruptErr = json.Unmarshal(data, &content); lastCorruptErr != nil {
			time.Sleep(50 * time.Millisecond)
			continue
		}
		return content, data, nil
	}

	if lastCorruptErr != nil {
		return LockContent{}, nil, fmt.Errorf("%w: %v", ErrCorruptLockFile, lastCorruptErr)
	}
	return LockContent{}, nil, fmt.Errorf("failed to read valid lock content: %w", lastErr)
}
