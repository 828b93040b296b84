// quarryctl provisions disposable, network-shielded build nodes and
// manages them over the provider's identity-brokered tunnel.
package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/quarrybuild/quarry/internal/api"
	"github.com/quarrybuild/quarry/internal/clock"
	"github.com/quarrybuild/quarry/internal/compute"
	"github.com/quarrybuild/quarry/internal/controller"
	"github.com/quarrybuild/quarry/internal/inventory"
	"github.com/quarrybuild/quarry/internal/lockfile"
	"github.com/quarrybuild/quarry/internal/logging"
	"github.com/quarrybuild/quarry/internal/profile"
	"github.com/quarrybuild/quarry/internal/tunnel"
	"github.com/rs/zerolog"
)

func main() {
	app := &cli.App{
		Name:  "quarryctl",
		Usage: "Provision and manage disposable build nodes",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Usage:   "path to quarry.yaml (discovered when unset)",
				EnvVars: []string{"QUARRY_CONFIG"},
			},
			&cli.StringFlag{
				Name:    "state-dir",
				Usage:   "directory holding provisioning locks and the node inventory",
				EnvVars: []string{"QUARRY_STATE_DIR"},
			},
			&cli.StringFlag{
				Name:    "log-level",
				Usage:   "debug, info, warn, or error",
				Value:   "info",
				EnvVars: []string{"QUARRY_LOG"},
			},
		},
		Commands: []*cli.Command{
			{
				Name:      "provision",
				Usage:     "Create a build node from a profile and wait for it to become ready",
				ArgsUsage: "<profile>",
				Flags: []cli.Flag{
					&cli.DurationFlag{
						Name:  "ready-timeout",
						Usage: "how long to wait for the node to report readiness",
						Value: 10 * time.Minute,
					},
					&cli.DurationFlag{
						Name:  "lock-wait",
						Usage: "how long to wait for a concurrent provision of the same profile",
						Value: 2 * time.Minute,
					},
					&cli.BoolFlag{
						Name:  "skip-wait",
						Usage: "create the instance and return without waiting for readiness",
					},
				},
				Action: provisionCmd,
			},
			{
				Name:      "wait",
				Usage:     "Wait for an existing node to become ready and finalize its permissions",
				ArgsUsage: "<node>",
				Flags: []cli.Flag{
					&cli.DurationFlag{
						Name:  "ready-timeout",
						Usage: "how long to wait for the node to report readiness",
						Value: 10 * time.Minute,
					},
					&cli.StringFlag{
						Name:  "zone",
						Usage: "zone of the node, when it is not in the local inventory",
					},
				},
				Action: waitCmd,
			},
			{
				Name:      "status",
				Usage:     "Show provisioning and bootstrap status for a profile or node",
				ArgsUsage: "[<profile>]",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:  "node",
						Usage: "inspect an explicit node instead of a profile's latest",
					},
					&cli.StringFlag{
						Name:  "zone",
						Usage: "zone of the node, when it is not in the local inventory",
					},
					&cli.DurationFlag{
						Name:  "timeout",
						Usage: "deadline for talking to the provider and the node",
						Value: 30 * time.Second,
					},
				},
				Action: statusCmd,
			},
			{
				Name:   "profiles",
				Usage:  "List the configured build profiles",
				Action: profilesCmd,
			},
			{
				Name:   "nodes",
				Usage:  "List the nodes recorded in the local inventory",
				Action: nodesCmd,
			},
			{
				Name:      "connect",
				Usage:     "Print the tunnel command for a node",
				ArgsUsage: "<node>",
				Flags:     []cli.Flag{zoneFlag()},
				Action:    connectCmd,
			},
			{
				Name:      "start",
				Usage:     "Start a stopped build node",
				ArgsUsage: "<node>",
				Flags:     []cli.Flag{zoneFlag()},
				Action:    startCmd,
			},
			{
				Name:      "stop",
				Usage:     "Stop a build node without deleting it",
				ArgsUsage: "<node>",
				Flags:     []cli.Flag{zoneFlag()},
				Action:    stopCmd,
			},
			{
				Name:      "render",
				Usage:     "Print the startup payload a profile would provision with",
				ArgsUsage: "<profile>",
				Action:    renderCmd,
			},
		},
	}

	err := app.Run(os.Args)
	if err == nil {
		return
	}

	fmt.Fprint(os.Stderr, getErrorString(err))
	os.Exit(1)
}

func zoneFlag() cli.Flag {
	return &cli.StringFlag{
		Name:  "zone",
		Usage: "zone of the node, when it is not in the local inventory",
	}
}

type appContext struct {
	StateDir string
	Clock    clock.Clock
	Logger   zerolog.Logger

	configFlag string
	config     *profile.Config
}

func setup(c *cli.Context) (*appContext, error) {
	stateDir := c.String("state-dir")
	if stateDir == "" {
		var err error
		stateDir, err = defaultStateDir()
		if err != nil {
			return nil, err
		}
	}
	if err := os.MkdirAll(stateDir, 0755); err != nil {
		return nil, fmt.Errorf("creating state dir: %w", err)
	}

	return &appContext{
		StateDir:   stateDir,
		Clock:      clock.Real(),
		Logger:     logging.New(os.Stderr, "quarryctl", c.String("log-level")),
		configFlag: c.String("config"),
	}, nil
}

// profiles loads the profile config on first use, so commands that
// only touch the inventory work without one.
func (cc *appContext) profiles() (*profile.Config, error) {
	if cc.config != nil {
		return cc.config, nil
	}

	path, err := profile.Discover(cc.configFlag)
	if err != nil {
		return nil, err
	}
	config, err := profile.Load(path)
	if err != nil {
		return nil, err
	}

	cc.config = config
	return config, nil
}

func (cc *appContext) inventory() *inventory.Store {
	return inventory.NewStore(cc.StateDir, cc.Clock)
}

func (cc *appContext) lockPath(profileName string) string {
	return filepath.Join(cc.StateDir, "locks", profileName+".lock")
}

func defaultStateDir() (string, error) {
	if dir := os.Getenv("XDG_STATE_HOME"); dir != "" {
		return filepath.Join(dir, "quarry"), nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("getting homedir: %w", err)
	}
	return filepath.Join(home, ".local", "state", "quarry"), nil
}

func getErrorString(err error) string {
	busy := &lockfile.BusyError{}
	if errors.As(err, &busy) {
		owner := busy.Owner
		if owner == "" {
			owner = "unknown"
		}
		return fmt.Sprintf("Another provision of this profile is already running (owner %s).\nWait for it to finish, or remove %s if that process is gone.\n", owner, busy.Path)
	}

	pe := &compute.ProvisionError{}
	if errors.As(err, &pe) {
		return fmt.Sprintf("The provider refused to create node %q:\n\n%s\n", pe.Name, pe.Diagnostic)
	}

	if errors.Is(err, controller.ErrWaitTimeout) {
		return fmt.Sprintf("error: %s\n\nThe instance exists but never reported readiness. Inspect the bootstrap log on the node:\n\n  sudo tail -50 %s\n\n(`quarryctl connect <node>` prints the tunnel command.) Re-run `quarryctl wait <node>` to keep waiting,\nor `quarryctl status --node <node>` to see which step is stuck.\n", err, api.AgentLogPath)
	}

	ce := &tunnel.ConnectivityError{}
	if errors.As(err, &ce) {
		return fmt.Sprintf("error: %s\n\nCheck that the instance is running and that the identity broker allows tunnels to it:\n\n  quarryctl status --node %s\n", err, ce.Node)
	}

	return fmt.Sprintf("error: %s\n", err)
}
