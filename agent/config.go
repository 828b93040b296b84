package main

import (
	"fmt"

	"github.com/BurntSushi/toml"

	"github.com/quarrybuild/quarry/internal/api"
)

// loadConfig reads the TOML document the provisioning payload wrote to
// the node.
func loadConfig(path string) (*api.AgentConfig, error) {
	config := &api.AgentConfig{}
	if _, err := toml.DecodeFile(path, config); err != nil {
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	}

	config.ApplyDefaults()
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return config, nil
}
