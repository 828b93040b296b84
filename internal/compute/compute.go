// Package compute creates and manages build node instances by
// shelling out to the provider CLI and decoding its JSON output.
package compute

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"sort"
	"strconv"
	"strings"

	"github.com/rs/zerolog"

	"github.com/quarrybuild/quarry/internal/api"
)

// ProvisionError carries the provider's diagnostic when instance
// creation fails. Fatal: there is no node to wait for.
type ProvisionError struct {
	Name       string
	Diagnostic string
}

func (e *ProvisionError) Error() string {
	return fmt.Sprintf("creating node %q: %s", e.Name, e.Diagnostic)
}

// InstanceSpec describes one node. The payload travels with the
// instance as its startup script - nothing is delivered out of band.
type InstanceSpec struct {
	Name           string
	Zone           string
	MachineType    string
	Image          string // exact image, or empty to resolve ImageFamily
	ImageFamily    string
	ImageProject   string
	DiskGB         int
	Network        string
	Subnet         string
	ServiceAccount string
	Labels         map[string]string
	Payload        string
}

func (s *InstanceSpec) validate() error {
	if s.Name == "" || s.Zone == "" || s.MachineType == "" {
		return fmt.Errorf("instance name, zone, and machine type are required")
	}
	if s.Image == "" && s.ImageFamily == "" {
		return fmt.Errorf("an image or image family is required")
	}
	if s.Payload == "" {
		return fmt.Errorf("instance %q has no bootstrap payload", s.Name)
	}
	return nil
}

type execFunc func(ctx context.Context, name string, args ...string) (stdout []byte, err error)

func runCommand(ctx context.Context, name string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	stderr := &bytes.Buffer{}
	cmd.Stderr = stderr

	out, err := cmd.Output()
	if err != nil {
		return nil, fmt.Errorf("%s", strings.TrimSpace(stderr.String()))
	}
	return out, nil
}

// Client manages instances within one project.
type Client struct {
	Project string
	Logger  zerolog.Logger

	exec execFunc
}

func NewClient(project string, logger zerolog.Logger) *Client {
	return &Client{Project: project, Logger: logger, exec: runCommand}
}

type instance struct {
	ID                string `json:"id"`
	Name              string `json:"name"`
	Zone              string `json:"zone"`
	Status            string `json:"status"`
	NetworkInterfaces []struct {
		NetworkIP string `json:"networkIP"`
	} `json:"networkInterfaces"`
}

func (i *instance) internalIP() string {
	if len(i.NetworkInterfaces) == 0 {
		return ""
	}
	return i.NetworkInterfaces[0].NetworkIP
}

// CreateInstance provisions the node and returns its handle. It does
// not wait for boot: the payload runs on the node's own schedule once
// the instance is up.
func (c *Client) CreateInstance(ctx context.Context, spec *InstanceSpec) (*api.NodeHandle, error) {
	if err := spec.validate(); err != nil {
		return nil, err
	}

	payload, err := os.CreateTemp("", "quarry-payload-*.sh")
	if err != nil {
		return nil, fmt.Errorf("staging payload: %w", err)
	}
	defer os.Remove(payload.Name())

	if _, err := payload.WriteString(spec.Payload); err != nil {
		return nil, fmt.Errorf("staging payload: %w", err)
	}
	if err := payload.Close(); err != nil {
		return nil, fmt.Errorf("staging payload: %w", err)
	}

	out, err := c.exec(ctx, "gcloud", createArgs(c.Project, spec, payload.Name())...)
	if err != nil {
		return nil, &ProvisionError{Name: spec.Name, Diagnostic: err.Error()}
	}

	list := []*instance{}
	if err := json.Unmarshal(out, &list); err != nil {
		return nil, fmt.Errorf("decoding create output: %w", err)
	}
	if len(list) == 0 {
		return nil, fmt.Errorf("create succeeded but returned no instances")
	}

	inst := list[0]
	handle := &api.NodeHandle{
		ID:         inst.ID,
		Name:       inst.Name,
		Zone:       lastSegment(inst.Zone),
		InternalIP: inst.internalIP(),
	}

	c.Logger.Info().Str("node", handle.Name).Str("zone", handle.Zone).Str("ip", handle.InternalIP).Msg("created instance")
	return handle, nil
}

func createArgs(project string, spec *InstanceSpec, payloadPath string) []string {
	args := []string{
		"compute", "instances", "create", spec.Name,
		"--project=" + project,
		"--zone=" + spec.Zone,
		"--machine-type=" + spec.MachineType,
		"--boot-disk-size=" + strconv.Itoa(spec.DiskGB) + "GB",
		"--no-address",
		"--metadata-from-file=startup-script=" + payloadPath,
		"--format=json",
	}

	if spec.Image != "" {
		args = append(args, "--image="+spec.Image)
	} else {
		args = append(args, "--image-family="+spec.ImageFamily)
	}
	if spec.ImageProject != "" {
		args = append(args, "--image-project="+spec.ImageProject)
	}
	if spec.Network != "" {
		args = append(args, "--network="+spec.Network)
	}
	if spec.Subnet != "" {
		args = append(args, "--subnet="+spec.Subnet)
	}
	if spec.ServiceAccount != "" {
		args = append(args, "--service-account="+spec.ServiceAccount, "--scopes=cloud-platform")
	}
	if len(spec.Labels) > 0 {
		args = append(args, "--labels="+renderLabels(spec.Labels))
	}

	return args
}

func renderLabels(labels map[string]string) string {
	keys := make([]string, 0, len(labels))
	for key := range labels {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	pairs := make([]string, len(keys))
	for i, key := range keys {
		pairs[i] = key + "=" + labels[key]
	}
	return strings.Join(pairs, ",")
}

// InstanceInfo is the subset of describe output the status command
// reports.
type InstanceInfo struct {
	Name       string
	Status     string
	Zone       string
	InternalIP string
}

func (c *Client) DescribeInstance(ctx context.Context, name, zone string) (*InstanceInfo, error) {
	out, err := c.exec(ctx, "gcloud", "compute", "instances", "describe", name,
		"--project="+c.Project, "--zone="+zone, "--format=json")
	if err != nil {
		return nil, fmt.Errorf("describing instance %q: %s", name, err)
	}

	inst := &instance{}
	if err := json.Unmarshal(out, inst); err != nil {
		return nil, fmt.Errorf("decoding describe output: %w", err)
	}

	return &InstanceInfo{
		Name:       inst.Name,
		Status:     inst.Status,
		Zone:       lastSegment(inst.Zone),
		InternalIP: inst.internalIP(),
	}, nil
}

func (c *Client) StartInstance(ctx context.Context, name, zone string) error {
	_, err := c.exec(ctx, "gcloud", "compute", "instances", "start", name,
		"--project="+c.Project, "--zone="+zone, "--format=json")
	if err != nil {
		return fmt.Errorf("starting instance %q: %s", name, err)
	}

	c.Logger.Info().Str("node", name).Msg("started instance")
	return nil
}

func (c *Client) StopInstance(ctx context.Context, name, zone string) error {
	_, err := c.exec(ctx, "gcloud", "compute", "instances", "stop", name,
		"--project="+c.Project, "--zone="+zone, "--format=json")
	if err != nil {
		return fmt.Errorf("stopping instance %q: %s", name, err)
	}

	c.Logger.Info().Str("node", name).Msg("stopped instance")
	return nil
}

// zone fields come back as full resource URLs
func lastSegment(s string) string {
	if i := strings.LastIndex(s, "/"); i >= 0 {
		return s[i+1:]
	}
	return s
}
