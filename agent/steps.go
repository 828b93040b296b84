package main

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"text/tabwriter"

	"github.com/rs/zerolog"

	"github.com/quarrybuild/quarry/internal/api"
	"github.com/quarrybuild/quarry/internal/bootstrap"
	"github.com/quarrybuild/quarry/internal/clock"
	"github.com/quarrybuild/quarry/internal/secrets"
)

// runFunc executes one external command, optionally feeding it stdin.
// Tests substitute it to script the node.
type runFunc func(ctx context.Context, stdin, name string, args ...string) error

type agent struct {
	config           *api.AgentConfig
	status           *bootstrap.StatusFile
	runner           *bootstrap.Runner
	secrets          *secrets.Client
	daemonConfigPath string
	logger           zerolog.Logger
	exec             runFunc
}

func newAgent(config *api.AgentConfig, logger zerolog.Logger) *agent {
	clk := clock.Real()
	status := &bootstrap.StatusFile{Path: config.StatusPath(), Clock: clk}

	return &agent{
		config: config,
		status: status,
		runner: &bootstrap.Runner{
			Status:  status,
			Journal: &bootstrap.Journal{Path: config.JournalPath()},
			Clock:   clk,
			Logger:  logger,
		},
		secrets:          newSecretsClient(config, logger),
		daemonConfigPath: defaultDaemonConfigPath,
		logger:           logger,
		exec:             runCommand,
	}
}

// bootstrap runs the full step sequence. A node that already reached
// readiness is left untouched.
func (a *agent) bootstrap(ctx context.Context) error {
	if err := os.MkdirAll(a.config.StateDir, 0755); err != nil {
		return fmt.Errorf("creating state dir: %w", err)
	}

	current, err := a.status.Read()
	if err != nil {
		return err
	}
	if current != nil && current.Phase == api.PhaseReady {
		a.logger.Info().Msg("node is already bootstrapped, nothing to do")
		return nil
	}
	if current == nil {
		if err := a.status.Set(api.PhaseBooting, ""); err != nil {
			return err
		}
	}

	return a.runner.Run(ctx, a.steps())
}

// runVerify prints a table of every step's check without changing the
// node, and fails when any outcome is missing.
func (a *agent) runVerify(ctx context.Context, out io.Writer) error {
	steps := a.steps()
	unsatisfied, err := a.runner.Verify(ctx, steps)
	if err != nil {
		return err
	}

	missing := map[string]bool{}
	for _, name := range unsatisfied {
		missing[name] = true
	}

	tr := tabwriter.NewWriter(out, 6, 6, 4, ' ', 0)
	fmt.Fprintf(tr, "STEP\tSTATE\n")
	for _, step := range steps {
		state := "ok"
		if missing[step.Name] {
			state = "missing"
		}
		fmt.Fprintf(tr, "%s\t%s\n", step.Name, state)
	}
	tr.Flush()

	if len(unsatisfied) > 0 {
		return fmt.Errorf("%d of %d steps are not satisfied", len(unsatisfied), len(steps))
	}
	return nil
}

func (a *agent) steps() []bootstrap.Step {
	var credential *secrets.Credential

	// fetch-credential and registry-login share one check so a resumed
	// run can never skip the fetch while still needing the login
	loggedIn := func(context.Context) (bool, error) {
		return authFileListsRegistry(a.config.Docker.AuthFile, a.config.Registry.Host)
	}

	return []bootstrap.Step{
		{
			Name:  "install-runtime",
			Phase: api.PhaseInstalling,
			Run: func(ctx context.Context) error {
				if err := a.exec(ctx, "", "apt-get", "update"); err != nil {
					return err
				}
				return a.exec(ctx, "", "apt-get", "install", "-y", "docker.io", "docker-buildx")
			},
			Check: func(ctx context.Context) (bool, error) {
				return a.exec(ctx, "", "docker", "--version") == nil, nil
			},
		},
		{
			Name:  "configure-daemon",
			Phase: api.PhaseInstalling,
			Run: func(ctx context.Context) error {
				rendered, err := daemonConfigJSON(a.config.Docker)
				if err != nil {
					return err
				}
				if err := os.MkdirAll(filepath.Dir(a.daemonConfigPath), 0755); err != nil {
					return err
				}
				if err := os.WriteFile(a.daemonConfigPath, rendered, 0644); err != nil {
					return err
				}
				return a.exec(ctx, "", "systemctl", "restart", "docker")
			},
			Check: func(ctx context.Context) (bool, error) {
				rendered, err := daemonConfigJSON(a.config.Docker)
				if err != nil {
					return false, err
				}
				current, err := os.ReadFile(a.daemonConfigPath)
				if os.IsNotExist(err) {
					return false, nil
				}
				if err != nil {
					return false, err
				}
				return bytes.Equal(current, rendered), nil
			},
		},
		{
			Name:  "fetch-credential",
			Phase: api.PhaseAuthenticating,
			Run: func(ctx context.Context) error {
				raw, err := a.secrets.AccessSecret(ctx, a.config.Project, a.config.Registry.SecretName, a.config.Registry.SecretVersion)
				if err != nil {
					return err
				}
				defer secrets.Zero(raw)

				credential, err = secrets.ParseCredential(raw)
				return err
			},
			Check: loggedIn,
		},
		{
			Name:  "registry-login",
			Phase: api.PhaseAuthenticating,
			Run: func(ctx context.Context) error {
				if credential == nil {
					return fmt.Errorf("no credential was fetched this run")
				}
				args := loginArgs(credential.Username, a.config.Registry.Host)
				if err := a.exec(ctx, credential.Token, "docker", args...); err != nil {
					return err
				}
				credential = nil
				return nil
			},
			Check: loggedIn,
		},
		{
			Name: "workspace",
			Run: func(ctx context.Context) error {
				mode, err := a.config.WorkspaceMode()
				if err != nil {
					return err
				}
				if err := os.MkdirAll(a.config.Workspace.Path, mode); err != nil {
					return err
				}
				return os.Chmod(a.config.Workspace.Path, mode)
			},
			Check: func(context.Context) (bool, error) {
				info, err := os.Stat(a.config.Workspace.Path)
				if os.IsNotExist(err) {
					return false, nil
				}
				if err != nil {
					return false, err
				}
				return info.IsDir(), nil
			},
		},
		{
			Name: "mark-ready",
			Run: func(ctx context.Context) error {
				return a.status.Set(api.PhaseReady, "")
			},
			Check: func(context.Context) (bool, error) {
				current, err := a.status.Read()
				if err != nil {
					return false, err
				}
				return current != nil && current.Phase == api.PhaseReady, nil
			},
		},
	}
}

// runCommand is the real exec implementation. Package installs are
// kept non-interactive so a prompt can never hang the boot.
func runCommand(ctx context.Context, stdin, name string, args ...string) error {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Env = append(os.Environ(), "DEBIAN_FRONTEND=noninteractive")
	if stdin != "" {
		cmd.Stdin = strings.NewReader(stdin)
	}

	out, err := cmd.CombinedOutput()
	if err != nil {
		if len(out) > 0 {
			return fmt.Errorf("%s", bytes.TrimSpace(out))
		}
		return err
	}
	return nil
}
