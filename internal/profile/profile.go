// Package profile loads the operator's builder profiles from
// quarry.yaml. A profile is everything needed to provision one kind of
// build node: machine shape, image, network placement, registry, and
// where the node fetches its agent.
package profile

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/quarrybuild/quarry/internal/api"
)

const fileName = "quarry.yaml"

// Defaults apply to every profile that does not set its own value.
type Defaults struct {
	Project string `yaml:"project"`
	Zone    string `yaml:"zone"`
}

type Profile struct {
	Name string `yaml:"-"`

	Project        string            `yaml:"project"`
	Zone           string            `yaml:"zone"`
	MachineType    string            `yaml:"machine_type"`
	Image          string            `yaml:"image"`
	ImageFamily    string            `yaml:"image_family"`
	ImageProject   string            `yaml:"image_project"`
	DiskGB         int               `yaml:"disk_gb"`
	Network        string            `yaml:"network"`
	Subnet         string            `yaml:"subnet"`
	ServiceAccount string            `yaml:"service_account"`
	RegistryHost   string            `yaml:"registry_host"`
	SecretName     string            `yaml:"secret_name"`
	SecretVersion  string            `yaml:"secret_version"`
	AgentURL       string            `yaml:"agent_url"`
	Workspace      string            `yaml:"workspace"`
	Labels         map[string]string `yaml:"labels"`
}

type Config struct {
	Defaults Defaults            `yaml:"defaults"`
	Profiles map[string]*Profile `yaml:"profiles"`

	path string
}

// Load reads and normalizes a profile file. Environment references are
// expanded before parsing: ${VAR} becomes the variable's value (empty
// when unset), ${VAR?} fails loudly when unset.
func Load(path string) (*Config, error) {
	buf, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading profile config: %w", err)
	}

	expanded, err := ExpandEnv(string(buf))
	if err != nil {
		return nil, fmt.Errorf("expanding %s: %w", path, err)
	}

	config := &Config{}
	if err := yaml.Unmarshal([]byte(expanded), config); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}
	config.path = path

	for name, prof := range config.Profiles {
		if prof == nil {
			prof = &Profile{}
			config.Profiles[name] = prof
		}
		prof.Name = name
		if prof.Project == "" {
			prof.Project = config.Defaults.Project
		}
		if prof.Zone == "" {
			prof.Zone = config.Defaults.Zone
		}
		if prof.DiskGB == 0 {
			prof.DiskGB = 100
		}
		if prof.SecretVersion == "" {
			prof.SecretVersion = "latest"
		}
		if prof.Workspace == "" {
			prof.Workspace = api.WorkspacePath
		}
	}

	return config, nil
}

// Get returns a named profile, validated and ready to provision from.
func (c *Config) Get(name string) (*Profile, error) {
	prof := c.Profiles[name]
	if prof == nil {
		available := "none defined"
		if names := c.Names(); len(names) > 0 {
			available = strings.Join(names, ", ")
		}
		return nil, fmt.Errorf("profile %q not found in %s - available: %s", name, c.path, available)
	}
	if err := prof.validate(); err != nil {
		return nil, fmt.Errorf("profile %q: %w", name, err)
	}
	return prof, nil
}

// Names lists the configured profiles in stable order.
func (c *Config) Names() []string {
	names := make([]string, 0, len(c.Profiles))
	for name := range c.Profiles {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Path reports where the config was loaded from.
func (c *Config) Path() string { return c.path }

func (p *Profile) validate() error {
	var missing []string
	if p.Project == "" {
		missing = append(missing, "project")
	}
	if p.Zone == "" {
		missing = append(missing, "zone")
	}
	if p.MachineType == "" {
		missing = append(missing, "machine_type")
	}
	if p.Image == "" && p.ImageFamily == "" {
		missing = append(missing, "image or image_family")
	}
	if p.RegistryHost == "" {
		missing = append(missing, "registry_host")
	}
	if p.SecretName == "" {
		missing = append(missing, "secret_name")
	}
	if p.AgentURL == "" {
		missing = append(missing, "agent_url")
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing required fields: %s", strings.Join(missing, ", "))
	}
	return nil
}

var envPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)(\??)\}`)

// ExpandEnv substitutes ${VAR} and ${VAR?} references. Unset optional
// variables expand to the empty string; unset required ones make the
// whole expansion fail so a half-configured profile can't slip
// through.
func ExpandEnv(s string) (string, error) {
	var missing []string
	expanded := envPattern.ReplaceAllStringFunc(s, func(ref string) string {
		groups := envPattern.FindStringSubmatch(ref)
		value, ok := os.LookupEnv(groups[1])
		if !ok && groups[2] == "?" {
			missing = append(missing, groups[1])
		}
		return value
	})
	if len(missing) > 0 {
		return "", fmt.Errorf("required environment variables are not set: %s", strings.Join(missing, ", "))
	}
	return expanded, nil
}

// Discover resolves the config path: an explicit flag wins, then
// $QUARRY_CONFIG, then ./quarry.yaml, then the user config directory.
func Discover(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config %q was not found", explicit)
		}
		return explicit, nil
	}

	if env := os.Getenv("QUARRY_CONFIG"); env != "" {
		if _, err := os.Stat(env); err != nil {
			return "", fmt.Errorf("config %q (from QUARRY_CONFIG) was not found", env)
		}
		return env, nil
	}

	if _, err := os.Stat(fileName); err == nil {
		return fileName, nil
	}

	fallback := filepath.Join(configHome(), "quarry", fileName)
	if _, err := os.Stat(fallback); err == nil {
		return fallback, nil
	}

	return "", fmt.Errorf("no %s found in the working directory or %s - pass --config or set QUARRY_CONFIG", fileName, fallback)
}

func configHome() string {
	if dir := os.Getenv("XDG_CONFIG_HOME"); dir != "" {
		return dir
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}
	return filepath.Join(home, ".config")
}
