package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/quarrybuild/quarry/internal/api"
	"github.com/quarrybuild/quarry/internal/compute"
	"github.com/quarrybuild/quarry/internal/controller"
	"github.com/quarrybuild/quarry/internal/inventory"
	"github.com/quarrybuild/quarry/internal/lockfile"
	"github.com/quarrybuild/quarry/internal/tunnel"
)

// journal entries shown by the status command
const recentJournalEntries = 10

func statusCmd(c *cli.Context) error {
	cc, err := setup(c)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(c.Context, c.Duration("timeout"))
	defer cancel()

	if name := c.String("node"); name != "" {
		record, project, zone, err := resolveNode(cc, c.String("zone"), name)
		if err != nil {
			return err
		}

		st := gatherNodeStatus(ctx, cc, project, name, zone)
		if record != nil {
			st.Profile = record.Profile
		}
		renderNodeStatus(os.Stdout, st, cc.Clock.Now())
		return nil
	}

	if c.NArg() != 1 {
		return fmt.Errorf("usage: quarryctl status <profile> (or --node <name>)")
	}
	profileName := c.Args().First()

	config, err := cc.profiles()
	if err != nil {
		return err
	}
	if config.Profiles[profileName] == nil {
		available := "none defined"
		if names := config.Names(); len(names) > 0 {
			available = strings.Join(names, ", ")
		}
		return fmt.Errorf("profile %q not found in %s - available: %s", profileName, config.Path(), available)
	}

	owner, held := lockfile.Owner(cc.lockPath(profileName))

	record, err := latestRecord(cc.inventory(), profileName)
	if err != nil {
		return err
	}

	st := &nodeStatus{Profile: profileName, HasLock: true, LockHeld: held, LockOwner: owner}
	if record != nil {
		st = gatherNodeStatus(ctx, cc, record.Project, record.Name, record.Zone)
		st.Profile = profileName
		st.HasLock, st.LockHeld, st.LockOwner = true, held, owner
	}
	renderNodeStatus(os.Stdout, st, cc.Clock.Now())
	return nil
}

// latestRecord picks the profile's most recently created node.
func latestRecord(store *inventory.Store, profileName string) (*inventory.Record, error) {
	records, err := store.List()
	if err != nil {
		return nil, err
	}
	for _, record := range records {
		if record.Profile == profileName {
			return record, nil
		}
	}
	return nil, nil
}

type nodeStatus struct {
	Name    string
	Zone    string
	Profile string

	HasLock   bool
	LockHeld  bool
	LockOwner string

	Machine    *compute.InstanceInfo
	MachineErr error

	Reachable bool
	TunnelErr error

	Status  *api.BootstrapStatus
	Journal []*api.StepOutcome
}

// gatherNodeStatus collects everything knowable about one node:
// provider machine state, tunnel reachability, bootstrap phase, and
// the step journal. Failures along the way degrade the report instead
// of aborting it.
func gatherNodeStatus(ctx context.Context, cc *appContext, project, name, zone string) *nodeStatus {
	st := &nodeStatus{Name: name, Zone: zone}

	st.Machine, st.MachineErr = compute.NewClient(project, cc.Logger).DescribeInstance(ctx, name, zone)

	ch, err := tunnel.NewDialer(project, cc.Logger).Dial(name, zone)
	if err != nil {
		st.TunnelErr = err
		return st
	}
	if _, _, err := ch.Run(ctx, ":"); err != nil {
		st.TunnelErr = err
		return st
	}
	st.Reachable = true

	ctrl := controller.New(cc.Clock, cc.Logger)
	st.Status, err = ctrl.Check(ctx, ch)
	if err != nil {
		st.TunnelErr = err
		st.Reachable = false
		return st
	}

	st.Journal, err = ctrl.Journal(ctx, ch)
	if err != nil {
		cc.Logger.Warn().Err(err).Str("node", name).Msg("reading the step journal")
	}
	return st
}

func renderNodeStatus(w io.Writer, st *nodeStatus, now time.Time) {
	tr := tabwriter.NewWriter(w, 6, 6, 4, ' ', 0)

	if st.Profile != "" {
		fmt.Fprintf(tr, "PROFILE\t%s\n", st.Profile)
	}
	if st.HasLock {
		lock := "free"
		if st.LockHeld {
			lock = "held"
			if st.LockOwner != "" {
				lock = "held by " + st.LockOwner
			}
		}
		fmt.Fprintf(tr, "LOCK\t%s\n", lock)
	}

	if st.Name == "" {
		fmt.Fprintf(tr, "NODE\tnone provisioned yet\n")
		tr.Flush()
		return
	}
	fmt.Fprintf(tr, "NODE\t%s\n", st.Name)
	fmt.Fprintf(tr, "ZONE\t%s\n", st.Zone)

	machine := "unknown"
	switch {
	case st.Machine != nil:
		machine = st.Machine.Status
	case st.MachineErr != nil:
		machine = "unknown: " + st.MachineErr.Error()
	}
	fmt.Fprintf(tr, "MACHINE\t%s\n", machine)

	tunnelState := "ok"
	if !st.Reachable {
		tunnelState = "unreachable"
		if st.TunnelErr != nil {
			tunnelState = "unreachable: " + st.TunnelErr.Error()
		}
	}
	fmt.Fprintf(tr, "TUNNEL\t%s\n", tunnelState)

	phase := "not reported yet"
	if st.Status != nil {
		phase = string(st.Status.Phase)
		if st.Status.Step != "" {
			phase += " (" + st.Status.Step + ")"
		}
		if !st.Status.UpdatedAt.IsZero() {
			phase += fmt.Sprintf(", updated %s ago", durationToString(now.Sub(st.Status.UpdatedAt)))
		}
	}
	fmt.Fprintf(tr, "PHASE\t%s\n", phase)
	tr.Flush()

	if len(st.Journal) == 0 {
		return
	}
	entries := st.Journal
	if len(entries) > recentJournalEntries {
		entries = entries[len(entries)-recentJournalEntries:]
	}

	fmt.Fprintf(w, "\n")
	tr = tabwriter.NewWriter(w, 6, 6, 4, ' ', 0)
	fmt.Fprintf(tr, "STEP\tSTATE\tATTEMPT\tAGE\tERROR\n")
	for _, entry := range entries {
		age := ""
		if !entry.FinishedAt.IsZero() {
			age = durationToString(now.Sub(entry.FinishedAt))
		}
		fmt.Fprintf(tr, "%s\t%s\t%d\t%s\t%s\n", entry.Step, entry.State, entry.Attempt, age, entry.Error)
	}
	tr.Flush()
}

func durationToString(d time.Duration) string {
	hr := d.Hours()
	if hr > 24 {
		return fmt.Sprintf("%dd", int(hr/24))
	}
	if hr > 1 {
		return fmt.Sprintf("%dh", int(hr))
	}

	min := d.Minutes()
	if min > 1 {
		return fmt.Sprintf("%dm", int(min))
	}

	return fmt.Sprintf("%ds", int(d.Seconds()))
}
