// Package lock keeps a session's local cache to one client at a time.
package lock

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"syscall"
	"time"

	"github.com/BurntSushi/toml"
)

// ErrSessionBusy is wrapped by LockHeldError.
var ErrSessionBusy = errors.New("session is open in another client")

// Owner is recorded in the lock file so a refused client can report who holds
// the session.
type Owner struct {
	PID   int       `toml:"pid"`
	Since time.Time `toml:"since"`
}

// LockHeldError is returned by Acquire when the session is already open.
// Owner is zero when the lock file could not be read.
type LockHeldError struct {
	Path  string
	Owner Owner
}

func (e *LockHeldError) Error() string {
	if e.Owner.PID == 0 {
		return fmt.Sprintf("%v (%s)", ErrSessionBusy, e.Path)
	}
	return fmt.Sprintf("%v: pid %d since %s (%s)",
		ErrSessionBusy, e.Owner.PID, e.Owner.Since.Format(time.RFC3339), e.Path)
}

func (e *LockHeldError) Unwrap() error { return ErrSessionBusy }

// Lock is an exclusive claim on a session's local cache.
type Lock struct {
	file  *os.File
	path  string
	owner Owner
}

// Acquire takes a non-blocking flock on the file at path, creating it and its
// parent directory as needed.
func Acquire(path string) (*Lock, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, fmt.Errorf("create session dir: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0600)
	if err != nil {
		return nil, fmt.Errorf("open lock file: %w", err)
	}

	if err := syscall.Flock(int(f.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
		_ = f.Close()
		if !errors.Is(err, syscall.EWOULDBLOCK) {
			return nil, fmt.Errorf("lock %s: %w", path, err)
		}
		owner, _ := ReadOwner(path)
		return nil, &LockHeldError{Path: path, Owner: owner}
	}

	owner := Owner{PID: os.Getpid(), Since: time.Now().UTC().Truncate(time.Second)}
	if err := writeOwner(f, owner); err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("record lock owner: %w", err)
	}
	return &Lock{file: f, path: path, owner: owner}, nil
}

// ReadOwner returns the owner recorded in the lock file at path.
func ReadOwner(path string) (Owner, error) {
	var o Owner
	if _, err := toml.DecodeFile(path, &o); err != nil {
		return Owner{}, err
	}
	return o, nil
}

func writeOwner(f *os.File, o Owner) error {
	if err := f.Truncate(0); err != nil {
		return err
	}
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return err
	}
	return toml.NewEncoder(f).Encode(o)
}

// Path returns the lock file path.
func (l *Lock) Path() string {
	if l == nil {
		return ""
	}
	return l.path
}

// Owner returns what this client recorded when it took the lock.
func (l *Lock) Owner() Owner {
	if l == nil {
		return Owner{}
	}
	return l.owner
}

// Release removes the lock file and drops the claim. Safe on a nil receiver
// and more than once.
func (l *Lock) Release() error {
	if l == nil || l.file == nil {
		return nil
	}
	_ = os.Remove(l.path)
	err := l.file.Close()
	l.file = nil
	return err
}
