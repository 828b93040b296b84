package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quarrybuild/quarry/internal/api"
)

func TestLoadConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "agent.toml")
	require.NoError(t, os.WriteFile(path, []byte(`
project = "quarry-ci"

[registry]
host = "us-docker.pkg.dev"
secret_name = "quarry-registry-token"
`), 0600))

	config, err := loadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, "quarry-ci", config.Project)
	assert.Equal(t, "us-docker.pkg.dev", config.Registry.Host)
	assert.Equal(t, api.StateDir, config.StateDir)
	assert.Equal(t, "latest", config.Registry.SecretVersion)
	assert.Equal(t, "overlay2", config.Docker.StorageDriver)
}

func TestLoadConfigMissingFile(t *testing.T) {
	_, err := loadConfig(filepath.Join(t.TempDir(), "absent.toml"))
	require.Error(t, err)
	assert.ErrorContains(t, err, "reading config")
}

func TestLoadConfigIncomplete(t *testing.T) {
	path := filepath.Join(t.TempDir(), "agent.toml")
	require.NoError(t, os.WriteFile(path, []byte(`project = "quarry-ci"`), 0600))

	_, err := loadConfig(path)
	require.Error(t, err)
	assert.ErrorContains(t, err, "registry.host")
}
