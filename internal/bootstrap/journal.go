package bootstrap

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/quarrybuild/quarry/internal/api"
)

// Journal accumulates one record per step attempt across runs, so a
// failed bootstrap can be diagnosed from outside and a resumed run
// knows what already succeeded.
type Journal struct {
	Path string

	entries []*api.StepOutcome
}

// Load reads existing records. A missing file is an empty journal.
func (j *Journal) Load() error {
	buf, err := os.ReadFile(j.Path)
	if os.IsNotExist(err) {
		j.entries = nil
		return nil
	}
	if err != nil {
		return err
	}

	entries := []*api.StepOutcome{}
	if err := json.Unmarshal(buf, &entries); err != nil {
		return fmt.Errorf("decoding journal: %w", err)
	}

	j.entries = entries
	return nil
}

// Record appends an outcome and persists the journal.
func (j *Journal) Record(outcome *api.StepOutcome) error {
	j.entries = append(j.entries, outcome)
	return writeFileAtomic(j.Path, j.entries)
}

// Last returns the most recent record for a step, or nil.
func (j *Journal) Last(step string) *api.StepOutcome {
	for i := len(j.entries) - 1; i >= 0; i-- {
		if j.entries[i].Step == step {
			return j.entries[i]
		}
	}
	return nil
}

// Attempts counts prior records for a step.
func (j *Journal) Attempts(step string) int {
	n := 0
	for _, entry := range j.entries {
		if entry.Step == step {
			n++
		}
	}
	return n
}

func (j *Journal) Entries() []*api.StepOutcome { return j.entries }
