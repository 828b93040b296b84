package main

import (
	"fmt"

	"github.com/urfave/cli/v2"

	"github.com/quarrybuild/quarry/internal/inventory"
)

func waitCmd(c *cli.Context) error {
	cc, err := setup(c)
	if err != nil {
		return err
	}
	if c.NArg() != 1 {
		return fmt.Errorf("usage: quarryctl wait <node>")
	}
	name := c.Args().First()

	record, project, zone, err := resolveNode(cc, c.String("zone"), name)
	if err != nil {
		return err
	}

	return waitAndFinalize(c, cc, project, workspaceForNode(cc, record), name, zone)
}

// resolveNode finds where a node lives: the local inventory first,
// with --zone (and the profile config's default project) covering
// nodes provisioned elsewhere.
func resolveNode(cc *appContext, zoneFlag, name string) (*inventory.Record, string, string, error) {
	record, err := cc.inventory().Get(name)
	if err != nil {
		return nil, "", "", err
	}

	zone := zoneFlag
	if zone == "" && record != nil {
		zone = record.Zone
	}

	project := ""
	if record != nil {
		project = record.Project
	} else if config, err := cc.profiles(); err == nil {
		project = config.Defaults.Project
	}

	if zone == "" {
		return nil, "", "", fmt.Errorf("node %q is not in the local inventory - pass --zone", name)
	}
	if project == "" {
		return nil, "", "", fmt.Errorf("no project known for node %q - record it in the inventory or set defaults.project in quarry.yaml", name)
	}
	return record, project, zone, nil
}

// workspaceForNode recovers the workspace path from the profile the
// node was provisioned with. Empty means the default.
func workspaceForNode(cc *appContext, record *inventory.Record) string {
	if record == nil || record.Profile == "" {
		return ""
	}
	config, err := cc.profiles()
	if err != nil {
		return ""
	}
	prof := config.Profiles[record.Profile]
	if prof == nil {
		return ""
	}
	return prof.Workspace
}
