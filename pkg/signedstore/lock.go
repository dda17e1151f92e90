package signedstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
)

var errLockBusy = errors.New("lock busy")

// lockInfo is written into the lock file so operators can see who holds it.
type lockInfo struct {
	Token      string    `json:"token"`
	PID        int       `json:"pid"`
	Host       string    `json:"host"`
	AcquiredAt time.Time `json:"acquired_at"`
}

func (i lockInfo) holder() string {
	return fmt.Sprintf("pid %d on %s since %s", i.PID, i.Host, i.AcquiredAt.Format(time.RFC3339))
}

// locker hands out advisory cross-process locks backed by an O_EXCL lock file.
// The kernel never releases these on crash, so a lock file older than
// staleAfter is treated as abandoned.
type locker struct {
	path           string
	staleAfter     time.Duration
	maxAttempts    int
	initialBackoff time.Duration
	maxBackoff     time.Duration
	logger         *slog.Logger
}

type fileLock struct {
	path   string
	token  string
	logger *slog.Logger
}

func (l *locker) acquire(ctx context.Context) (*fileLock, error) {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = l.initialBackoff
	bo.MaxInterval = l.maxBackoff
	bo.Multiplier = 2
	bo.RandomizationFactor = 0.5

	attempts := 0
	holder := ""
	lock, err := backoff.Retry(ctx, func() (*fileLock, error) {
		attempts++
		lk, h, err := l.tryAcquire()
		if err == nil {
			return lk, nil
		}
		if errors.Is(err, errLockBusy) {
			holder = h
			return nil, err
		}
		return nil, backoff.Permanent(err)
	},
		backoff.WithBackOff(bo),
		backoff.WithMaxTries(uint(l.maxAttempts)), //nolint:gosec // maxAttempts validated positive
	)
	if err == nil {
		return lock, nil
	}
	if errors.Is(err, errLockBusy) {
		return nil, &ConcurrencyError{Path: l.path, Attempts: attempts, Holder: holder}
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return nil, fmt.Errorf("acquire lock %s: %w", l.path, ctxErr)
	}
	return nil, err
}

// tryAcquire makes one attempt, reclaiming a stale lock at most once.
func (l *locker) tryAcquire() (*fileLock, string, error) {
	for reclaimed := false; ; reclaimed = true {
		lk, err := l.create()
		if err == nil {
			return lk, "", nil
		}
		if !os.IsExist(err) {
			return nil, "", &FileOperationError{Op: "create lock", Path: l.path, Err: err}
		}

		st, err := os.Stat(l.path)
		if err != nil {
			if os.IsNotExist(err) {
				// Released between our create and stat.
				return nil, "", errLockBusy
			}
			return nil, "", &FileOperationError{Op: "stat lock", Path: l.path, Err: err}
		}

		holder := readHolder(l.path)
		age := time.Since(st.ModTime())
		if reclaimed || age <= l.staleAfter || !l.reclaim(holder, age) {
			return nil, holder, errLockBusy
		}
	}
}

func (l *locker) create() (*fileLock, error) {
	f, err := os.OpenFile(l.path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600) //nolint:gosec // store path is operator configured
	if err != nil {
		return nil, err
	}
	host, _ := os.Hostname()
	info := lockInfo{
		Token:      uuid.NewString(),
		PID:        os.Getpid(),
		Host:       host,
		AcquiredAt: time.Now().UTC(),
	}
	encErr := json.NewEncoder(f).Encode(info)
	closeErr := f.Close()
	if encErr != nil || closeErr != nil {
		_ = os.Remove(l.path)
		return nil, &FileOperationError{Op: "write lock", Path: l.path, Err: errors.Join(encErr, closeErr)}
	}
	return &fileLock{path: l.path, token: info.Token, logger: l.logger}, nil
}

// reclaim moves a stale lock aside atomically. If the file turns out to have
// been replaced by a fresh lock in the meantime it is put back.
func (l *locker) reclaim(holder string, age time.Duration) bool {
	aside := fmt.Sprintf("%s.stale-%s", l.path, uuid.NewString())
	if err := os.Rename(l.path, aside); err != nil {
		return false
	}
	defer func() { _ = os.Remove(aside) }()

	if st, err := os.Stat(aside); err == nil && time.Since(st.ModTime()) <= l.staleAfter {
		if err := os.Link(aside, l.path); err != nil {
			if !os.IsExist(err) {
				_ = os.Rename(aside, l.path)
				return false
			}
			// A third process created a lock while the live one was set aside.
			// Its holder sees the loss in held() and refuses to commit.
			l.logger.Warn("displaced a live store lock", "lock", l.path, "holder", readHolder(aside))
		}
		return false
	}

	l.logger.Warn("reclaimed stale store lock",
		"lock", l.path,
		"holder", holder,
		"age", age.Round(time.Millisecond),
	)
	return true
}

func readHolder(path string) string {
	data, err := os.ReadFile(path) //nolint:gosec // lock path derived from store path
	if err != nil {
		return ""
	}
	var info lockInfo
	if err := json.Unmarshal(data, &info); err != nil {
		return ""
	}
	return info.holder()
}

// held reports a ConcurrencyError unless the lock file still carries our
// token. Writers check it just before committing.
func (fl *fileLock) held() error {
	data, err := os.ReadFile(fl.path) //nolint:gosec // lock path derived from store path
	if err != nil && !os.IsNotExist(err) {
		return &FileOperationError{Op: "read lock", Path: fl.path, Err: err}
	}
	var info lockInfo
	if err == nil && json.Unmarshal(data, &info) == nil && info.Token == fl.token {
		return nil
	}
	return &ConcurrencyError{Path: fl.path, Attempts: 1, Holder: readHolder(fl.path), Lost: true}
}

// release removes the lock file if it is still ours.
func (fl *fileLock) release() error {
	data, err := os.ReadFile(fl.path) //nolint:gosec // lock path derived from store path
	if err != nil {
		if os.IsNotExist(err) {
			fl.logger.Warn("store lock vanished before release", "lock", fl.path)
			return nil
		}
		return &FileOperationError{Op: "read lock", Path: fl.path, Err: err}
	}
	var info lockInfo
	if err := json.Unmarshal(data, &info); err != nil || info.Token != fl.token {
		fl.logger.Warn("store lock taken over by another holder, leaving it in place", "lock", fl.path)
		return nil
	}
	if err := os.Remove(fl.path); err != nil && !os.IsNotExist(err) {
		return &FileOperationError{Op: "remove lock", Path: fl.path, Err: err}
	}
	return nil
}
