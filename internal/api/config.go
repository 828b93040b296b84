package api

import (
	"bytes"
	"fmt"
	"io/fs"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/BurntSushi/toml"
)

// AgentConfig is the TOML document the provisioning payload lands at
// ConfigPath. It carries everything the agent needs except the registry
// credential, which the agent fetches itself using the node's identity.
type AgentConfig struct {
	Project   string          `toml:"project"`
	StateDir  string          `toml:"state_dir"`
	Workspace WorkspaceConfig `toml:"workspace"`
	Registry  RegistryConfig  `toml:"registry"`
	Docker    DockerConfig    `toml:"docker"`

	// Endpoints override the cloud metadata and secret store URLs.
	// Only tests set them.
	Endpoints EndpointConfig `toml:"endpoints,omitempty"`
}

type WorkspaceConfig struct {
	Path string `toml:"path"`
	Mode string `toml:"mode"`
}

type RegistryConfig struct {
	Host          string `toml:"host"`
	SecretName    string `toml:"secret_name"`
	SecretVersion string `toml:"secret_version"`
}

type DockerConfig struct {
	LogMaxSize    string `toml:"log_max_size"`
	LogMaxFile    int    `toml:"log_max_file"`
	StorageDriver string `toml:"storage_driver"`
	AuthFile      string `toml:"auth_file"`
}

type EndpointConfig struct {
	MetadataURL    string `toml:"metadata_url,omitempty"`
	SecretStoreURL string `toml:"secret_store_url,omitempty"`
}

// ApplyDefaults fills in every optional field. Paths derive from
// StateDir so the whole config can be pointed at a scratch directory.
func (c *AgentConfig) ApplyDefaults() {
	if c.StateDir == "" {
		c.StateDir = StateDir
	}
	if c.Workspace.Path == "" {
		c.Workspace.Path = filepath.Join(c.StateDir, "workspace")
	}
	if c.Workspace.Mode == "" {
		c.Workspace.Mode = "0755"
	}
	if c.Registry.SecretVersion == "" {
		c.Registry.SecretVersion = "latest"
	}
	if c.Docker.LogMaxSize == "" {
		c.Docker.LogMaxSize = "10m"
	}
	if c.Docker.LogMaxFile == 0 {
		c.Docker.LogMaxFile = 3
	}
	if c.Docker.StorageDriver == "" {
		c.Docker.StorageDriver = "overlay2"
	}
	if c.Docker.AuthFile == "" {
		c.Docker.AuthFile = "/root/.docker/config.json"
	}
}

func (c *AgentConfig) Validate() error {
	missing := []string{}
	if c.Project == "" {
		missing = append(missing, "project")
	}
	if c.Registry.Host == "" {
		missing = append(missing, "registry.host")
	}
	if c.Registry.SecretName == "" {
		missing = append(missing, "registry.secret_name")
	}
	if len(missing) > 0 {
		return fmt.Errorf("agent config is missing required fields: %s", strings.Join(missing, ", "))
	}
	if _, err := c.WorkspaceMode(); err != nil {
		return err
	}
	return nil
}

// StatusPath is where the agent maintains its status document.
func (c *AgentConfig) StatusPath() string {
	return filepath.Join(c.StateDir, "status.json")
}

// JournalPath is where the agent appends step outcomes.
func (c *AgentConfig) JournalPath() string {
	return filepath.Join(c.StateDir, "journal.json")
}

// WorkspaceMode parses the octal workspace mode string.
func (c *AgentConfig) WorkspaceMode() (fs.FileMode, error) {
	mode, err := strconv.ParseUint(strings.TrimPrefix(c.Workspace.Mode, "0o"), 8, 32)
	if err != nil {
		return 0, fmt.Errorf("workspace mode %q is not octal", c.Workspace.Mode)
	}
	return fs.FileMode(mode), nil
}

// TOML renders the config document the payload writes to the node.
func (c *AgentConfig) TOML() (string, error) {
	buf := &bytes.Buffer{}
	if err := toml.NewEncoder(buf).Encode(c); err != nil {
		return "", fmt.Errorf("encoding agent config: %w", err)
	}
	return buf.String(), nil
}
