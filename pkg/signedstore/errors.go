package signedstore

import (
	"errors"
	"fmt"
)

var (
	ErrConcurrency   = errors.New("store lock not acquired")
	ErrIntegrity     = errors.New("store integrity check failed")
	ErrFileOperation = errors.New("store file operation failed")
)

// ConcurrencyError is returned when the store lock could not be acquired
// within the retry budget, or was lost to another holder before the write
// was committed. Callers may retry.
type ConcurrencyError struct {
	Path     string `json:"path"`
	Attempts int    `json:"attempts"`
	Holder   string `json:"holder,omitempty"`
	Lost     bool   `json:"lost,omitempty"`
}

func (e *ConcurrencyError) Error() string {
	if e.Lost {
		return fmt.Sprintf("lock %s lost before commit, nothing written", e.Path)
	}
	if e.Holder != "" {
		return fmt.Sprintf("lock %s not acquired after %d attempts (held by %s)", e.Path, e.Attempts, e.Holder)
	}
	return fmt.Sprintf("lock %s not acquired after %d attempts", e.Path, e.Attempts)
}

func (e *ConcurrencyError) Is(target error) bool { return target == ErrConcurrency }

// IntegrityError is returned when a stored record is unsigned, carries an
// invalid signature, or does not match the expected schema.
type IntegrityError struct {
	Path   string `json:"path"`
	Reason string `json:"reason"`
}

func (e *IntegrityError) Error() string {
	return fmt.Sprintf("integrity check failed for %s: %s", e.Path, e.Reason)
}

func (e *IntegrityError) Is(target error) bool { return target == ErrIntegrity }

// FileOperationError wraps an I/O failure on the store or its lock.
type FileOperationError struct {
	Op   string `json:"op"`
	Path string `json:"path"`
	Err  error  `json:"-"`
}

func (e *FileOperationError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Op, e.Path, e.Err)
}

func (e *FileOperationError) Unwrap() error { return e.Err }

func (e *FileOperationError) Is(target error) bool { return target == ErrFileOperation }
