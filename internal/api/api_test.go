package api

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPhaseOrdering(t *testing.T) {
	order := []Phase{PhaseProvisioning, PhaseBooting, PhaseInstalling, PhaseAuthenticating, PhaseReady}
	for i := 1; i < len(order); i++ {
		assert.True(t, order[i-1].Before(order[i]), "%s should precede %s", order[i-1], order[i])
		assert.False(t, order[i].Before(order[i-1]))
	}

	assert.False(t, PhaseReady.Before(PhaseReady))
	assert.True(t, PhaseReady.Before(PhaseFailed))
}

func TestPhaseValid(t *testing.T) {
	assert.True(t, PhaseReady.Valid())
	assert.True(t, PhaseAuthenticating.Valid())
	assert.False(t, Phase("").Valid())
	assert.False(t, Phase("rebooting").Valid())
}

func TestBootstrapStatusJSON(t *testing.T) {
	status := &BootstrapStatus{
		Phase:     PhaseInstalling,
		Step:      "install-runtime",
		UpdatedAt: time.Date(2026, 2, 3, 4, 5, 6, 0, time.UTC),
	}

	js, err := json.Marshal(status)
	require.NoError(t, err)
	assert.JSONEq(t, `{"phase":"installing","step":"install-runtime","updated_at":"2026-02-03T04:05:06Z"}`, string(js))

	actual := &BootstrapStatus{}
	require.NoError(t, json.Unmarshal(js, actual))
	assert.Equal(t, status, actual)
}
