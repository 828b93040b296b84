package bootstrap

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quarrybuild/quarry/internal/api"
	"github.com/quarrybuild/quarry/internal/clock"
)

func newTestStatus(t *testing.T) (*StatusFile, *clock.Fake) {
	fake := clock.NewFake(time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC))
	return &StatusFile{Path: filepath.Join(t.TempDir(), "status.json"), Clock: fake}, fake
}

func TestStatusSetAndRead(t *testing.T) {
	status, fake := newTestStatus(t)

	current, err := status.Read()
	require.NoError(t, err)
	assert.Nil(t, current, "no document before the first write")

	require.NoError(t, status.Set(api.PhaseBooting, ""))

	current, err = status.Read()
	require.NoError(t, err)
	assert.Equal(t, api.PhaseBooting, current.Phase)
	assert.True(t, current.UpdatedAt.Equal(fake.Now()))
}

func TestStatusMonotonic(t *testing.T) {
	status, _ := newTestStatus(t)

	require.NoError(t, status.Set(api.PhaseAuthenticating, "registry-login"))
	require.ErrorContains(t, status.Set(api.PhaseInstalling, "install-runtime"), "backward")

	current, err := status.Read()
	require.NoError(t, err)
	assert.Equal(t, api.PhaseAuthenticating, current.Phase, "a rejected write must not alter the document")
}

func TestStatusSamePhaseUpdatesStep(t *testing.T) {
	status, _ := newTestStatus(t)

	require.NoError(t, status.Set(api.PhaseInstalling, "install-runtime"))
	require.NoError(t, status.Set(api.PhaseInstalling, "configure-daemon"))

	current, err := status.Read()
	require.NoError(t, err)
	assert.Equal(t, "configure-daemon", current.Step)
}

func TestStatusReadyIsFinal(t *testing.T) {
	status, fake := newTestStatus(t)

	require.NoError(t, status.Set(api.PhaseReady, "mark-ready"))
	first, err := status.Read()
	require.NoError(t, err)

	fake.Advance(time.Hour)
	require.NoError(t, status.Set(api.PhaseReady, "mark-ready"))

	second, err := status.Read()
	require.NoError(t, err)
	assert.Equal(t, first, second, "ready is written at most once")
}

func TestStatusRejectsFailed(t *testing.T) {
	status, _ := newTestStatus(t)

	assert.Error(t, status.Set(api.PhaseFailed, ""))
	assert.Error(t, status.Set(api.Phase("sideways"), ""))
}

func TestStatusWriteLeavesNoTempFiles(t *testing.T) {
	status, _ := newTestStatus(t)

	require.NoError(t, status.Set(api.PhaseBooting, ""))
	require.NoError(t, status.Set(api.PhaseInstalling, "install-runtime"))

	entries, err := os.ReadDir(filepath.Dir(status.Path))
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "status.json", entries[0].Name())
}

func TestStatusCorruptFile(t *testing.T) {
	status, _ := newTestStatus(t)
	require.NoError(t, os.WriteFile(status.Path, []byte("not json"), 0644))

	_, err := status.Read()
	assert.ErrorContains(t, err, "decoding status file")
}
