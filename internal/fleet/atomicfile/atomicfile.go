// Package atomicfile provides the write-temp-then-rename discipline every
// state mutation in the orchestration core follows (§4.2): session records,
// conversation records, and job records are never partially written, even
// under concurrent readers or a crash mid-write.
package atomicfile

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/moby/sys/atomicwriter"
)

const (
	retries   = 3
	retryWait = 20 * time.Millisecond
)

// StateWriteError is returned when a Write exhausts its retries. Per §7 this
// is one of the error kinds that must surface to the caller rather than be
// swallowed.
type StateWriteError struct {
	Path string
	Err  error
}

func (e *StateWriteError) Error() string {
	return fmt.Sprintf("atomicfile: write to %q failed: %v", e.Path, e.Err)
}

func (e *StateWriteError) Unwrap() error {
	return e.Err
}

// Write serializes data to path via write-temp-then-rename (delegating the
// primitive itself to atomicwriter.WriteFile, the same routine the Docker
// daemon uses for its own state files), retrying a bounded number of times
// on transient failure. On exhaustion it attempts to restore the prior
// content from a sibling backup file before surfacing a StateWriteError.
func Write(path string, data []byte, perm os.FileMode) error {
	backup := path + ".bak"
	hadPrior := false
	if prior, err := os.ReadFile(path); err == nil {
		hadPrior = true
		_ = writeBackup(backup, prior, perm)
	}

	var lastErr error
	for attempt := 0; attempt < retries; attempt++ {
		err := atomicwriter.WriteFile(path, data, perm)
		if err == nil {
			return nil
		}
		lastErr = err
		time.Sleep(retryWait)
	}

	if hadPrior {
		if priorData, err := os.ReadFile(backup); err == nil {
			_ = atomicwriter.WriteFile(path, priorData, perm)
		}
	}
	return &StateWriteError{Path: path, Err: lastErr}
}

func writeBackup(backupPath string, data []byte, perm os.FileMode) error {
	if err := os.MkdirAll(filepath.Dir(backupPath), 0o755); err != nil {
		return err
	}
	return atomicwriter.WriteFile(backupPath, data, perm)
}

// Read returns the file contents, or (nil, false, nil) if the file does not exist.
func Read(path string) ([]byte, bool, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, false, nil
		}
		return nil, false, err
	}
	return data, true, nil
}
