package api

import (
	"fmt"
	"time"
)

// Phase is the node lifecycle state. Transitions only move forward:
// the bootstrap agent is the single writer and never steps a node back.
// PhaseFailed is never written by the node - it is inferred by the
// controller when readiness does not appear within its deadline.
type Phase string

const (
	PhaseProvisioning   Phase = "provisioning"
	PhaseBooting        Phase = "booting"
	PhaseInstalling     Phase = "installing"
	PhaseAuthenticating Phase = "authenticating-registry"
	PhaseReady          Phase = "ready"
	PhaseFailed         Phase = "failed"
)

var phaseOrder = map[Phase]int{
	PhaseProvisioning:   0,
	PhaseBooting:        1,
	PhaseInstalling:     2,
	PhaseAuthenticating: 3,
	PhaseReady:          4,
	PhaseFailed:         5,
}

func (p Phase) Valid() bool {
	_, ok := phaseOrder[p]
	return ok
}

// Before reports whether p precedes q in the lifecycle.
func (p Phase) Before(q Phase) bool { return phaseOrder[p] < phaseOrder[q] }

// BootstrapStatus is the JSON document the agent maintains at
// StatusPath. Its phase reaching PhaseReady is the readiness signal
// the controller polls for - written at most once, only after every
// bootstrap step has succeeded.
type BootstrapStatus struct {
	Phase     Phase     `json:"phase"`
	Step      string    `json:"step,omitempty"`
	UpdatedAt time.Time `json:"updated_at"`
}

// StepOutcome is one journal record. The journal accumulates a record
// per step attempt across runs so a failed bootstrap can be diagnosed
// without shell access to the agent's logs.
type StepOutcome struct {
	Step       string    `json:"step"`
	State      string    `json:"state"` // succeeded, failed, or skipped
	Attempt    int       `json:"attempt"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
	Error      string    `json:"error,omitempty"`
}

const (
	StepSucceeded = "succeeded"
	StepFailed    = "failed"
	StepSkipped   = "skipped"
)

// NodeHandle identifies a created build node.
type NodeHandle struct {
	ID         string `json:"id"`
	Name       string `json:"name"`
	Zone       string `json:"zone"`
	InternalIP string `json:"internal_ip"`
}

func (h *NodeHandle) String() string {
	return fmt.Sprintf("%s (%s, %s)", h.Name, h.Zone, h.InternalIP)
}

// Well-known node-local paths. The payload, agent, and controller all
// agree on these; only the agent writes them.
const (
	StateDir      = "/var/lib/quarry"
	StatusPath    = "/var/lib/quarry/status.json"
	JournalPath   = "/var/lib/quarry/journal.json"
	WorkspacePath = "/var/lib/quarry/workspace"
	ConfigPath    = "/etc/quarry/agent.toml"
	AgentLogPath  = "/var/log/quarry-agent.log"
)
