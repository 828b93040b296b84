// Package inventory keeps a local TOML record of the build nodes this
// operator has provisioned, so later commands can find a node's zone
// and project without asking the provider.
package inventory

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/quarrybuild/quarry/internal/api"
	"github.com/quarrybuild/quarry/internal/clock"
	"github.com/quarrybuild/quarry/internal/lockfile"
)

// Record is one provisioned node. LastPhase is the bootstrap phase
// this operator last observed - the node's own status document is the
// authority.
type Record struct {
	Name       string    `toml:"name"`
	Profile    string    `toml:"profile"`
	Project    string    `toml:"project"`
	Zone       string    `toml:"zone"`
	InternalIP string    `toml:"internal_ip"`
	CreatedAt  time.Time `toml:"created_at"`
	LastPhase  string    `toml:"last_phase"`
}

type document struct {
	Nodes []*Record `toml:"node"`
}

// Store reads and writes the inventory file. Every operation takes a
// short-lived lock so concurrent quarryctl invocations do not clobber
// each other's records.
type Store struct {
	Path     string
	LockWait time.Duration
	Clock    clock.Clock
}

func NewStore(stateDir string, clk clock.Clock) *Store {
	return &Store{
		Path:     filepath.Join(stateDir, "nodes.toml"),
		LockWait: 10 * time.Second,
		Clock:    clk,
	}
}

// Put inserts or replaces the record with the same node name.
func (s *Store) Put(record *Record) error {
	if record.Name == "" {
		return fmt.Errorf("a node record needs a name")
	}

	return s.update(func(doc *document) {
		for i, existing := range doc.Nodes {
			if existing.Name == record.Name {
				doc.Nodes[i] = record
				return
			}
		}
		doc.Nodes = append(doc.Nodes, record)
	})
}

// Get returns the named record, or nil when the node is not recorded.
func (s *Store) Get(name string) (*Record, error) {
	doc, err := s.load()
	if err != nil {
		return nil, err
	}
	for _, record := range doc.Nodes {
		if record.Name == name {
			return record, nil
		}
	}
	return nil, nil
}

// List returns every record, most recently created first.
func (s *Store) List() ([]*Record, error) {
	doc, err := s.load()
	if err != nil {
		return nil, err
	}

	records := doc.Nodes
	sort.Slice(records, func(i, j int) bool {
		if records[i].CreatedAt.Equal(records[j].CreatedAt) {
			return records[i].Name < records[j].Name
		}
		return records[i].CreatedAt.After(records[j].CreatedAt)
	})
	return records, nil
}

// SetPhase updates the last observed bootstrap phase. Unrecorded nodes
// are ignored: the inventory is advisory, not the source of truth.
func (s *Store) SetPhase(name string, phase api.Phase) error {
	return s.update(func(doc *document) {
		for _, record := range doc.Nodes {
			if record.Name == name {
				record.LastPhase = string(phase)
				return
			}
		}
	})
}

func (s *Store) update(mutate func(*document)) error {
	lock, err := lockfile.Acquire(s.Path+".lock", s.LockWait, s.Clock)
	if err != nil {
		return fmt.Errorf("locking inventory: %w", err)
	}
	defer lock.Release()

	doc, err := s.load()
	if err != nil {
		return err
	}
	mutate(doc)
	return s.store(doc)
}

func (s *Store) load() (*document, error) {
	doc := &document{}
	_, err := toml.DecodeFile(s.Path, doc)
	if os.IsNotExist(err) {
		return doc, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading inventory: %w", err)
	}
	return doc, nil
}

func (s *Store) store(doc *document) error {
	buf := &bytes.Buffer{}
	if err := toml.NewEncoder(buf).Encode(doc); err != nil {
		return fmt.Errorf("encoding inventory: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(s.Path), ".nodes-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(buf.Bytes()); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Chmod(tmp.Name(), 0644); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), s.Path)
}
