// Package lockfile serializes provisioning per profile with an
// advisory lock file. Creation with O_EXCL is the whole mechanism:
// whoever creates the file owns the lock, and the file records who
// that is.
package lockfile

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/quarrybuild/quarry/internal/clock"
)

const pollEvery = 2 * time.Second

// BusyError means another invocation holds the lock. Owner is its
// host:pid:timestamp token when readable.
type BusyError struct {
	Path  string
	Owner string
}

func (e *BusyError) Error() string {
	if e.Owner == "" {
		return fmt.Sprintf("lock %s is held by another invocation", e.Path)
	}
	return fmt.Sprintf("lock %s is held by %s", e.Path, e.Owner)
}

// Lock is a held lock. Release it when done; a crashed holder leaves
// the file behind for the operator to inspect and remove.
type Lock struct {
	Path  string
	Token string
}

// Acquire takes the lock, polling until it frees up or wait elapses.
// wait of zero tries exactly once.
func Acquire(path string, wait time.Duration, clk clock.Clock) (*Lock, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("creating lock directory: %w", err)
	}

	token := ownerToken(clk.Now())
	deadline := clk.Now().Add(wait)
	for {
		err := tryCreate(path, token)
		if err == nil {
			return &Lock{Path: path, Token: token}, nil
		}
		if !os.IsExist(err) {
			return nil, fmt.Errorf("creating lock file: %w", err)
		}

		if !clk.Now().Before(deadline) {
			owner, _ := Owner(path)
			return nil, &BusyError{Path: path, Owner: owner}
		}
		clk.Sleep(pollEvery)
	}
}

func (l *Lock) Release() error {
	err := os.Remove(l.Path)
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("releasing lock: %w", err)
	}
	return nil
}

// Owner reports whether the lock is held, and by whom when the token
// is readable.
func Owner(path string) (owner string, held bool) {
	buf, err := os.ReadFile(path)
	if err != nil {
		return "", !os.IsNotExist(err)
	}
	return strings.TrimSpace(string(buf)), true
}

func tryCreate(path, token string) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0644)
	if err != nil {
		return err
	}
	if _, err := f.WriteString(token); err != nil {
		f.Close()
		os.Remove(path)
		return err
	}
	return f.Close()
}

func ownerToken(now time.Time) string {
	host, err := os.Hostname()
	if err != nil {
		host = "unknown"
	}
	return fmt.Sprintf("%s:%d:%d", host, os.Getpid(), now.Unix())
}
