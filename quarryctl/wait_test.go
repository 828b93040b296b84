package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quarrybuild/quarry/internal/clock"
	"github.com/quarrybuild/quarry/internal/inventory"
)

// newTestContext builds an appContext on a scratch state dir. An empty
// configYAML points the profile config at a missing file so loading it
// fails instead of discovering one from the environment.
func newTestContext(t *testing.T, configYAML string) *appContext {
	t.Helper()
	dir := t.TempDir()
	cc := &appContext{
		StateDir: dir,
		Clock:    clock.Real(),
		Logger:   zerolog.Nop(),
	}

	cc.configFlag = filepath.Join(dir, "missing.yaml")
	if configYAML != "" {
		cc.configFlag = filepath.Join(dir, "quarry.yaml")
		require.NoError(t, os.WriteFile(cc.configFlag, []byte(configYAML), 0644))
	}
	return cc
}

func TestResolveNodeFromInventory(t *testing.T) {
	cc := newTestContext(t, "")
	require.NoError(t, cc.inventory().Put(&inventory.Record{
		Name:    "linux-20260301100000-8f4e21ab",
		Profile: "linux",
		Project: "build-farm",
		Zone:    "us-central1-a",
	}))

	record, project, zone, err := resolveNode(cc, "", "linux-20260301100000-8f4e21ab")
	require.NoError(t, err)
	require.NotNil(t, record)
	assert.Equal(t, "build-farm", project)
	assert.Equal(t, "us-central1-a", zone)
}

func TestResolveNodeZoneFlagWins(t *testing.T) {
	cc := newTestContext(t, "")
	require.NoError(t, cc.inventory().Put(&inventory.Record{
		Name:    "node-1",
		Project: "build-farm",
		Zone:    "us-central1-a",
	}))

	_, _, zone, err := resolveNode(cc, "europe-west1-b", "node-1")
	require.NoError(t, err)
	assert.Equal(t, "europe-west1-b", zone)
}

func TestResolveNodeUnknownNeedsZone(t *testing.T) {
	cc := newTestContext(t, "")
	_, _, _, err := resolveNode(cc, "", "ghost")
	require.ErrorContains(t, err, "pass --zone")
}

func TestResolveNodeUnknownUsesDefaultProject(t *testing.T) {
	cc := newTestContext(t, "defaults:\n  project: default-farm\n")

	record, project, zone, err := resolveNode(cc, "us-central1-f", "ghost")
	require.NoError(t, err)
	assert.Nil(t, record)
	assert.Equal(t, "default-farm", project)
	assert.Equal(t, "us-central1-f", zone)
}

func TestResolveNodeUnknownNoProject(t *testing.T) {
	cc := newTestContext(t, "")
	_, _, _, err := resolveNode(cc, "us-central1-f", "ghost")
	require.ErrorContains(t, err, "no project known")
}

func TestWorkspaceForNode(t *testing.T) {
	cc := newTestContext(t, "defaults:\n  project: p\nprofiles:\n  linux:\n    workspace: /build\n")

	assert.Equal(t, "/build", workspaceForNode(cc, &inventory.Record{Profile: "linux"}))
	assert.Equal(t, "", workspaceForNode(cc, &inventory.Record{Profile: "ghost"}))
	assert.Equal(t, "", workspaceForNode(cc, nil))
}
