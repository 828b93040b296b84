package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/urfave/cli/v2"

	"github.com/quarrybuild/quarry/internal/api"
	"github.com/quarrybuild/quarry/internal/compute"
	"github.com/quarrybuild/quarry/internal/controller"
	"github.com/quarrybuild/quarry/internal/inventory"
	"github.com/quarrybuild/quarry/internal/lockfile"
	"github.com/quarrybuild/quarry/internal/profile"
	"github.com/quarrybuild/quarry/internal/tunnel"
)

func provisionCmd(c *cli.Context) error {
	cc, err := setup(c)
	if err != nil {
		return err
	}
	if c.NArg() != 1 {
		return fmt.Errorf("usage: quarryctl provision <profile>")
	}

	config, err := cc.profiles()
	if err != nil {
		return err
	}
	prof, err := config.Get(c.Args().First())
	if err != nil {
		return err
	}

	// one provision per profile at a time
	lock, err := lockfile.Acquire(cc.lockPath(prof.Name), c.Duration("lock-wait"), cc.Clock)
	if err != nil {
		return err
	}
	defer lock.Release()

	payload, err := renderProfilePayload(prof)
	if err != nil {
		return err
	}

	name := newNodeName(prof.Name, cc.Clock.Now())
	client := compute.NewClient(prof.Project, cc.Logger)
	handle, err := client.CreateInstance(c.Context, instanceSpec(prof, name, payload))
	if err != nil {
		return err
	}

	record := &inventory.Record{
		Name:       handle.Name,
		Profile:    prof.Name,
		Project:    prof.Project,
		Zone:       handle.Zone,
		InternalIP: handle.InternalIP,
		CreatedAt:  cc.Clock.Now().UTC(),
		LastPhase:  string(api.PhaseProvisioning),
	}
	if err := cc.inventory().Put(record); err != nil {
		return err
	}

	if c.Bool("skip-wait") {
		fmt.Printf("created node %s\nrun `quarryctl wait %s` when you need it ready\n", handle, handle.Name)
		return nil
	}

	return waitAndFinalize(c, cc, prof.Project, prof.Workspace, handle.Name, handle.Zone)
}

// waitAndFinalize drives the controller against one node and prints
// the hand-off on success. Shared by provision and wait.
func waitAndFinalize(c *cli.Context, cc *appContext, project, workspace, node, zone string) error {
	ch, err := tunnel.NewDialer(project, cc.Logger).Dial(node, zone)
	if err != nil {
		return err
	}

	ctrl := controller.New(cc.Clock, cc.Logger)
	if workspace != "" {
		ctrl.Workspace = workspace
	}

	ctx, cancel := context.WithTimeout(c.Context, c.Duration("ready-timeout"))
	defer cancel()

	res, err := ctrl.WaitAndFinalize(ctx, ch)
	if err != nil {
		return err
	}

	if err := cc.inventory().SetPhase(node, res.Status.Phase); err != nil {
		cc.Logger.Warn().Err(err).Str("node", node).Msg("recording the node's phase")
	}
	if res.FinalizeWarning != nil {
		fmt.Fprintf(os.Stderr, "warning: the node is ready but permission finalization failed: %s\n", res.FinalizeWarning)
	}

	record, err := cc.inventory().Get(node)
	if err != nil {
		return err
	}
	internalIP := ""
	if record != nil {
		internalIP = record.InternalIP
	}

	printHandoff(os.Stdout, project, node, zone, internalIP)
	return nil
}

func printHandoff(w io.Writer, project, name, zone, internalIP string) {
	fmt.Fprintf(w, "\nnode %s is ready\n", name)
	fmt.Fprintf(w, "  zone:    %s\n", zone)
	if internalIP != "" {
		fmt.Fprintf(w, "  address: %s\n", internalIP)
	}
	fmt.Fprintf(w, "\nconnect with:\n\n  %s\n", tunnel.CommandString(project, name, zone))
}

// suffix: "-" + compact UTC timestamp + "-" + short id
const nodeNameSuffixLen = 1 + 14 + 1 + 8

// newNodeName builds a provider-legal instance name: the profile, a
// sortable creation timestamp, and a collision-proofing id, lowercased
// and capped at the provider's 63-character limit.
func newNodeName(profileName string, now time.Time) string {
	prefix := strings.ToLower(profileName)
	if limit := 63 - nodeNameSuffixLen; len(prefix) > limit {
		prefix = prefix[:limit]
	}
	return fmt.Sprintf("%s-%s-%s", prefix, now.UTC().Format("20060102150405"), uuid.NewString()[:8])
}

// agentConfig maps a profile onto the config document the node's agent
// reads. Everything else in the profile shapes the instance, not the
// bootstrap.
func agentConfig(prof *profile.Profile) *api.AgentConfig {
	config := &api.AgentConfig{
		Project: prof.Project,
		Registry: api.RegistryConfig{
			Host:          prof.RegistryHost,
			SecretName:    prof.SecretName,
			SecretVersion: prof.SecretVersion,
		},
	}
	config.Workspace.Path = prof.Workspace
	config.ApplyDefaults()
	return config
}

func renderProfilePayload(prof *profile.Profile) (string, error) {
	configTOML, err := agentConfig(prof).TOML()
	if err != nil {
		return "", err
	}
	return compute.RenderPayload(&compute.Payload{
		ConfigTOML: configTOML,
		AgentURL:   prof.AgentURL,
	})
}

func instanceSpec(prof *profile.Profile, name, payload string) *compute.InstanceSpec {
	labels := map[string]string{}
	for key, value := range prof.Labels {
		labels[key] = value
	}
	labels["quarry-profile"] = prof.Name

	return &compute.InstanceSpec{
		Name:           name,
		Zone:           prof.Zone,
		MachineType:    prof.MachineType,
		Image:          prof.Image,
		ImageFamily:    prof.ImageFamily,
		ImageProject:   prof.ImageProject,
		DiskGB:         prof.DiskGB,
		Network:        prof.Network,
		Subnet:         prof.Subnet,
		ServiceAccount: prof.ServiceAccount,
		Labels:         labels,
		Payload:        payload,
	}
}
