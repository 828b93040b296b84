// Package bootstrap runs the node's one-shot bootstrap as an ordered
// list of named steps, journaling per-step outcomes and maintaining
// the structured status document the controller polls.
package bootstrap

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/quarrybuild/quarry/internal/api"
	"github.com/quarrybuild/quarry/internal/clock"
)

// StatusFile is the node's status document. The agent is its only
// writer. Phases move forward only, and ready is final: once written
// it is never touched again.
type StatusFile struct {
	Path  string
	Clock clock.Clock
}

// Read returns the current status, or nil when no status has been
// written yet.
func (s *StatusFile) Read() (*api.BootstrapStatus, error) {
	buf, err := os.ReadFile(s.Path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	status := &api.BootstrapStatus{}
	if err := json.Unmarshal(buf, status); err != nil {
		return nil, fmt.Errorf("decoding status file: %w", err)
	}
	return status, nil
}

// Set advances the phase. Backward transitions are rejected, and the
// failed phase cannot be written at all: failure is inferred by the
// controller from the absence of readiness, never asserted by the
// node.
func (s *StatusFile) Set(phase api.Phase, step string) error {
	if !phase.Valid() {
		return fmt.Errorf("unknown phase %q", phase)
	}
	if phase == api.PhaseFailed {
		return fmt.Errorf("the failed phase is inferred externally, never written to the node")
	}

	current, err := s.Read()
	if err != nil {
		return err
	}
	if current != nil {
		if current.Phase == api.PhaseReady {
			return nil
		}
		if phase.Before(current.Phase) {
			return fmt.Errorf("refusing to move status backward from %q to %q", current.Phase, phase)
		}
	}

	return writeFileAtomic(s.Path, &api.BootstrapStatus{
		Phase:     phase,
		Step:      step,
		UpdatedAt: s.Clock.Now().UTC(),
	})
}

// writeFileAtomic keeps partially written documents from ever being
// observable: readers see the old content or the new, nothing between.
func writeFileAtomic(path string, doc any) error {
	buf, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return err
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), ".quarry-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(append(buf, '\n')); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Chmod(tmp.Name(), 0644); err != nil {
		return err
	}

	return os.Rename(tmp.Name(), path)
}
