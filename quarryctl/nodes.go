package main

import (
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/quarrybuild/quarry/internal/compute"
	"github.com/quarrybuild/quarry/internal/inventory"
	"github.com/quarrybuild/quarry/internal/profile"
	"github.com/quarrybuild/quarry/internal/tunnel"
)

func profilesCmd(c *cli.Context) error {
	cc, err := setup(c)
	if err != nil {
		return err
	}

	config, err := cc.profiles()
	if err != nil {
		return err
	}

	printProfiles(os.Stdout, config)
	return nil
}

func printProfiles(w io.Writer, config *profile.Config) {
	tr := tabwriter.NewWriter(w, 6, 6, 4, ' ', 0)
	fmt.Fprintf(tr, "PROFILE\tPROJECT\tZONE\tMACHINE\tIMAGE\n")
	for _, name := range config.Names() {
		prof := config.Profiles[name]
		image := prof.Image
		if image == "" {
			image = prof.ImageFamily
		}
		fmt.Fprintf(tr, "%s\t%s\t%s\t%s\t%s\n", name, prof.Project, prof.Zone, prof.MachineType, image)
	}
	tr.Flush()
}

func nodesCmd(c *cli.Context) error {
	cc, err := setup(c)
	if err != nil {
		return err
	}

	records, err := cc.inventory().List()
	if err != nil {
		return err
	}

	printNodes(os.Stdout, records, cc.Clock.Now())
	return nil
}

func printNodes(w io.Writer, records []*inventory.Record, now time.Time) {
	tr := tabwriter.NewWriter(w, 6, 6, 4, ' ', 0)
	fmt.Fprintf(tr, "NAME\tPROFILE\tZONE\tADDRESS\tCREATED\tPHASE\n")
	for _, record := range records {
		created := ""
		if !record.CreatedAt.IsZero() {
			created = durationToString(now.Sub(record.CreatedAt))
		}
		fmt.Fprintf(tr, "%s\t%s\t%s\t%s\t%s\t%s\n", record.Name, record.Profile, record.Zone, record.InternalIP, created, record.LastPhase)
	}
	tr.Flush()
}

func connectCmd(c *cli.Context) error {
	cc, err := setup(c)
	if err != nil {
		return err
	}
	if c.NArg() != 1 {
		return fmt.Errorf("usage: quarryctl connect <node>")
	}
	name := c.Args().First()

	_, project, zone, err := resolveNode(cc, c.String("zone"), name)
	if err != nil {
		return err
	}

	fmt.Println(tunnel.CommandString(project, name, zone))
	return nil
}

func startCmd(c *cli.Context) error {
	cc, err := setup(c)
	if err != nil {
		return err
	}
	if c.NArg() != 1 {
		return fmt.Errorf("usage: quarryctl start <node>")
	}
	name := c.Args().First()

	record, project, zone, err := resolveNode(cc, c.String("zone"), name)
	if err != nil {
		return err
	}

	client := compute.NewClient(project, cc.Logger)
	if err := client.StartInstance(c.Context, name, zone); err != nil {
		return err
	}
	fmt.Printf("started node %s\n", name)

	// a stopped instance can come back with a different address
	if record == nil {
		return nil
	}
	info, err := client.DescribeInstance(c.Context, name, zone)
	if err != nil || info.InternalIP == "" || info.InternalIP == record.InternalIP {
		return nil
	}
	record.InternalIP = info.InternalIP
	if err := cc.inventory().Put(record); err != nil {
		cc.Logger.Warn().Err(err).Str("node", name).Msg("recording the node's new address")
	}
	return nil
}

func stopCmd(c *cli.Context) error {
	cc, err := setup(c)
	if err != nil {
		return err
	}
	if c.NArg() != 1 {
		return fmt.Errorf("usage: quarryctl stop <node>")
	}
	name := c.Args().First()

	_, project, zone, err := resolveNode(cc, c.String("zone"), name)
	if err != nil {
		return err
	}

	if err := compute.NewClient(project, cc.Logger).StopInstance(c.Context, name, zone); err != nil {
		return err
	}
	fmt.Printf("stopped node %s\n", name)
	return nil
}

func renderCmd(c *cli.Context) error {
	cc, err := setup(c)
	if err != nil {
		return err
	}
	if c.NArg() != 1 {
		return fmt.Errorf("usage: quarryctl render <profile>")
	}

	config, err := cc.profiles()
	if err != nil {
		return err
	}
	prof, err := config.Get(c.Args().First())
	if err != nil {
		return err
	}

	payload, err := renderProfilePayload(prof)
	if err != nil {
		return err
	}
	fmt.Print(payload)
	return nil
}
