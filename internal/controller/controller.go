// Package controller waits for a node's bootstrap to complete and
// finalizes access permissions once it has. It runs inside the
// provisioning invocation: everything here is synchronous, and the
// node is never mutated before its own agent reports ready.
package controller

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/quarrybuild/quarry/internal/api"
	"github.com/quarrybuild/quarry/internal/clock"
	"github.com/quarrybuild/quarry/internal/tunnel"
)

// ErrWaitTimeout means the enclosing deadline expired before the node
// reported ready. The node keeps bootstrapping on its own; callers can
// re-enter the wait at any time.
var ErrWaitTimeout = errors.New("gave up waiting for node readiness")

const (
	DefaultGracePeriod  = 30 * time.Second
	DefaultPollInterval = 10 * time.Second
	DefaultBackoffCap   = 2 * time.Minute

	// runtimeGroup is the node-local group granting access to the
	// container runtime socket.
	runtimeGroup = "docker"
)

// Channel runs commands on one node. *tunnel.Channel satisfies it.
type Channel interface {
	Run(ctx context.Context, command string) (int, []byte, error)
	Node() string
}

// Controller polls a node for readiness and applies the permission
// grant. Zero values for the durations fall back to the defaults
// above.
type Controller struct {
	GracePeriod  time.Duration
	PollInterval time.Duration
	BackoffCap   time.Duration
	Workspace    string
	Clock        clock.Clock
	Logger       zerolog.Logger
}

func New(clk clock.Clock, logger zerolog.Logger) *Controller {
	return &Controller{
		GracePeriod:  DefaultGracePeriod,
		PollInterval: DefaultPollInterval,
		BackoffCap:   DefaultBackoffCap,
		Workspace:    api.WorkspacePath,
		Clock:        clk,
		Logger:       logger,
	}
}

// WaitReady blocks until the node's status document reports the ready
// phase, the context expires, or an unrecoverable error occurs. The
// node cannot be told apart from a permanently unreachable one while
// waiting - bounding the wait is the caller's job, via the context.
//
// Checks happen on a fixed interval. Connectivity failures don't abort
// the wait: the node may still be booting, so they stretch the
// interval additively (capped) until the channel works again.
func (c *Controller) WaitReady(ctx context.Context, ch Channel) (*api.BootstrapStatus, error) {
	if c.GracePeriod > 0 {
		c.Logger.Info().Str("node", ch.Node()).Dur("grace", c.GracePeriod).Msg("giving the node time to boot")
		select {
		case <-ctx.Done():
			return nil, waitErr(ctx)
		case <-c.Clock.After(c.GracePeriod):
		}
	}

	if _, _, err := ch.Run(ctx, ":"); err != nil {
		c.Logger.Warn().Err(err).Str("node", ch.Node()).Msg("connectivity probe failed - the node may still be booting")
	}

	delay := c.interval()
	for {
		if ctx.Err() != nil {
			return nil, waitErr(ctx)
		}

		status, err := c.Check(ctx, ch)
		if err != nil {
			if ctx.Err() != nil {
				return nil, waitErr(ctx)
			}
			connErr := &tunnel.ConnectivityError{}
			if !errors.As(err, &connErr) {
				return nil, err
			}
			delay += delay / 8
			if limit := c.backoffCap(); delay > limit {
				delay = limit
			}
			c.Logger.Debug().Err(err).Str("node", ch.Node()).Dur("retry", delay).Msg("node unreachable, still waiting")
		} else {
			if status != nil && status.Phase == api.PhaseReady {
				c.Logger.Info().Str("node", ch.Node()).Msg("node reported ready")
				return status, nil
			}
			delay = c.interval()
			c.logPending(ch, status)
		}

		select {
		case <-ctx.Done():
			return nil, waitErr(ctx)
		case <-c.Clock.After(delay):
		}
	}
}

// Check reads the node's status document over the channel once. A
// missing document or one that cannot be decoded yet reads as
// "pending" (nil), not as an error.
func (c *Controller) Check(ctx context.Context, ch Channel) (*api.BootstrapStatus, error) {
	out, err := c.read(ctx, ch, api.StatusPath, '{', '}')
	if err != nil || out == nil {
		return nil, err
	}

	status := &api.BootstrapStatus{}
	if err := json.Unmarshal(out, status); err != nil {
		c.Logger.Warn().Err(err).Str("node", ch.Node()).Msg("status document present but unreadable")
		return nil, nil
	}
	return status, nil
}

// Journal reads the node's step journal for diagnosis. Absent or
// unreadable journals are nil.
func (c *Controller) Journal(ctx context.Context, ch Channel) ([]*api.StepOutcome, error) {
	out, err := c.read(ctx, ch, api.JournalPath, '[', ']')
	if err != nil || out == nil {
		return nil, err
	}

	entries := []*api.StepOutcome{}
	if err := json.Unmarshal(out, &entries); err != nil {
		c.Logger.Warn().Err(err).Str("node", ch.Node()).Msg("journal present but unreadable")
		return nil, nil
	}
	return entries, nil
}

// read cats a remote JSON document and trims it down to the document
// itself. The ssh transport may prepend host-key noise to the remote
// output.
func (c *Controller) read(ctx context.Context, ch Channel, path string, opening, closing byte) ([]byte, error) {
	code, out, err := ch.Run(ctx, "cat "+path)
	if err != nil {
		return nil, err
	}
	if code != 0 {
		return nil, nil
	}

	start := bytes.IndexByte(out, opening)
	end := bytes.LastIndexByte(out, closing)
	if start < 0 || end < start {
		c.Logger.Warn().Str("node", ch.Node()).Str("path", path).Msg("document present but unreadable")
		return nil, nil
	}
	return out[start : end+1], nil
}

func (c *Controller) logPending(ch Channel, status *api.BootstrapStatus) {
	event := c.Logger.Info().Str("node", ch.Node())
	if status == nil {
		event.Msg("bootstrap has not reported yet")
		return
	}
	event.Str("phase", string(status.Phase)).Str("step", status.Step).Msg("bootstrap in progress")
}

// Finalize grants the connecting identity access to the node: it takes
// ownership of the workspace and joins the runtime group. The identity
// is whoever the channel authenticates as, so $(id -un) is evaluated
// on the node. Safe to re-run.
func (c *Controller) Finalize(ctx context.Context, ch Channel) error {
	command := fmt.Sprintf(`sudo chown -R "$(id -un)": '%s' && sudo usermod -aG %s "$(id -un)"`, c.workspace(), runtimeGroup)

	code, out, err := ch.Run(ctx, command)
	if err != nil {
		return fmt.Errorf("finalizing permissions on %q: %w", ch.Node(), err)
	}
	if code != 0 {
		return fmt.Errorf("finalizing permissions on %q: exit %d: %s", ch.Node(), code, strings.TrimSpace(string(out)))
	}

	c.Logger.Info().Str("node", ch.Node()).Str("workspace", c.workspace()).Msg("finalized workspace permissions")
	return nil
}

// Result reports a completed wait. FinalizeWarning carries a failed
// permission grant: the node is still ready, the grant can be
// re-applied later over the same channel.
type Result struct {
	Status          *api.BootstrapStatus
	FinalizeWarning error
}

// WaitAndFinalize composes the two: wait for readiness, then apply the
// permission grant. A finalization failure is downgraded to a warning
// on the result rather than failing the provision.
func (c *Controller) WaitAndFinalize(ctx context.Context, ch Channel) (*Result, error) {
	status, err := c.WaitReady(ctx, ch)
	if err != nil {
		return nil, err
	}

	res := &Result{Status: status}
	if err := c.Finalize(ctx, ch); err != nil {
		c.Logger.Warn().Err(err).Str("node", ch.Node()).Msg("permission finalization failed - the node is still ready, the grant can be retried")
		res.FinalizeWarning = err
	}
	return res, nil
}

func waitErr(ctx context.Context) error {
	return fmt.Errorf("%w: %w", ErrWaitTimeout, ctx.Err())
}

func (c *Controller) interval() time.Duration {
	if c.PollInterval > 0 {
		return c.PollInterval
	}
	return DefaultPollInterval
}

func (c *Controller) backoffCap() time.Duration {
	if c.BackoffCap > 0 {
		return c.BackoffCap
	}
	return DefaultBackoffCap
}

func (c *Controller) workspace() string {
	if c.Workspace != "" {
		return c.Workspace
	}
	return api.WorkspacePath
}
