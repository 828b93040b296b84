// Package tunnel runs commands on build nodes over the provider's
// identity-brokered tunnel. Nodes have no public address and no
// inbound ports; every interaction goes through `gcloud compute ssh
// --tunnel-through-iap`, one command per invocation.
package tunnel

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"

	"github.com/rs/zerolog"
)

// sshExitCode is reserved by the ssh transport for its own failures.
// Remote commands exiting 255 are indistinguishable, which is fine
// here: nothing the controller runs exits 255 on purpose.
const sshExitCode = 255

// ConnectivityError means the channel could not be established and the
// remote command never ran.
type ConnectivityError struct {
	Node   string
	Output string
}

func (e *ConnectivityError) Error() string {
	return fmt.Sprintf("no tunnel to node %q: %s", e.Node, e.Output)
}

type execFunc func(ctx context.Context, name string, args ...string) (output []byte, code int, err error)

func runCommand(ctx context.Context, name string, args ...string) ([]byte, int, error) {
	out, err := exec.CommandContext(ctx, name, args...).CombinedOutput()
	if err == nil {
		return out, 0, nil
	}

	exit := &exec.ExitError{}
	if errors.As(err, &exit) {
		return out, exit.ExitCode(), nil
	}
	return out, 0, err
}

// Dialer builds channels to nodes within one project.
type Dialer struct {
	Project string
	Logger  zerolog.Logger

	exec execFunc
}

func NewDialer(project string, logger zerolog.Logger) *Dialer {
	return &Dialer{Project: project, Logger: logger, exec: runCommand}
}

// Channel executes commands on a single node.
type Channel struct {
	node string
	zone string
	d    *Dialer
}

func (d *Dialer) Dial(node, zone string) (*Channel, error) {
	if node == "" {
		return nil, fmt.Errorf("node name is required")
	}
	if zone == "" {
		return nil, fmt.Errorf("zone is required to reach node %q", node)
	}
	return &Channel{node: node, zone: zone, d: d}, nil
}

// Run executes one command on the node and returns its exit code and
// combined output. A transport-level failure returns a
// *ConnectivityError instead of a remote exit code.
func (c *Channel) Run(ctx context.Context, command string) (int, []byte, error) {
	args := sshArgs(c.d.Project, c.node, c.zone, command)

	out, code, err := c.d.exec(ctx, "gcloud", args...)
	if err != nil {
		return 0, out, fmt.Errorf("running tunnel command on %q: %w", c.node, err)
	}
	if code == sshExitCode {
		return 0, out, &ConnectivityError{Node: c.node, Output: strings.TrimSpace(string(out))}
	}

	c.d.Logger.Debug().Str("node", c.node).Int("exit", code).Str("command", command).Msg("ran remote command")
	return code, out, nil
}

func (c *Channel) Node() string { return c.node }

func sshArgs(project, node, zone, command string) []string {
	return []string{
		"compute", "ssh", node,
		"--zone=" + zone,
		"--project=" + project,
		"--tunnel-through-iap",
		"--quiet",
		"--command=" + command,
	}
}

// CommandString renders the interactive form of the channel - the
// ready-to-run string printed at hand-off.
func CommandString(project, node, zone string) string {
	return fmt.Sprintf("gcloud compute ssh %s --zone=%s --project=%s --tunnel-through-iap", node, zone, project)
}
