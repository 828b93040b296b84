package bootstrap

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quarrybuild/quarry/internal/api"
	"github.com/quarrybuild/quarry/internal/clock"
)

func newTestRunner(t *testing.T) *Runner {
	dir := t.TempDir()
	fake := clock.NewFake(time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC))
	return &Runner{
		Status:  &StatusFile{Path: filepath.Join(dir, "status.json"), Clock: fake},
		Journal: &Journal{Path: filepath.Join(dir, "journal.json")},
		Clock:   fake,
		Logger:  zerolog.Nop(),
	}
}

func TestRunnerOrder(t *testing.T) {
	r := newTestRunner(t)

	var order []string
	work := func(name string) func(context.Context) error {
		return func(context.Context) error {
			order = append(order, name)
			return nil
		}
	}

	err := r.Run(context.Background(), []Step{
		{Name: "one", Phase: api.PhaseInstalling, Run: work("one")},
		{Name: "two", Phase: api.PhaseAuthenticating, Run: work("two")},
		{Name: "three", Run: func(ctx context.Context) error {
			order = append(order, "three")
			return r.Status.Set(api.PhaseReady, "three")
		}},
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"one", "two", "three"}, order)

	status, err := r.Status.Read()
	require.NoError(t, err)
	assert.Equal(t, api.PhaseReady, status.Phase)
}

func TestRunnerAbortsOnFailure(t *testing.T) {
	r := newTestRunner(t)

	var lastRan bool
	err := r.Run(context.Background(), []Step{
		{Name: "one", Phase: api.PhaseInstalling, Run: func(context.Context) error { return nil }},
		{Name: "two", Run: func(context.Context) error { return fmt.Errorf("no space left on device") }},
		{Name: "three", Run: func(context.Context) error {
			lastRan = true
			return r.Status.Set(api.PhaseReady, "three")
		}},
	})
	require.ErrorContains(t, err, `step "two"`)
	require.ErrorContains(t, err, "no space left on device")
	assert.False(t, lastRan, "steps after a failure must not run")

	journal := &Journal{Path: r.Journal.Path}
	require.NoError(t, journal.Load())
	require.Len(t, journal.Entries(), 2)
	assert.Equal(t, api.StepSucceeded, journal.Last("one").State)
	assert.Equal(t, api.StepFailed, journal.Last("two").State)
	assert.Equal(t, "no space left on device", journal.Last("two").Error)
	assert.Nil(t, journal.Last("three"))

	status, err := r.Status.Read()
	require.NoError(t, err)
	assert.Equal(t, api.PhaseInstalling, status.Phase, "readiness must not appear after a partial run")
}

func TestRunnerResume(t *testing.T) {
	r := newTestRunner(t)

	var oneRuns, twoRuns int
	failTwo := true
	steps := []Step{
		{Name: "one", Run: func(context.Context) error {
			oneRuns++
			return nil
		}},
		{Name: "two", Run: func(context.Context) error {
			twoRuns++
			if failTwo {
				return fmt.Errorf("transient failure")
			}
			return nil
		}},
	}

	require.Error(t, r.Run(context.Background(), steps))

	failTwo = false
	require.NoError(t, r.Run(context.Background(), steps))

	assert.Equal(t, 1, oneRuns, "a journaled success is not re-run")
	assert.Equal(t, 2, twoRuns, "the failed step is retried")

	journal := &Journal{Path: r.Journal.Path}
	require.NoError(t, journal.Load())
	assert.Equal(t, api.StepSkipped, journal.Last("one").State)
	assert.Equal(t, api.StepSucceeded, journal.Last("two").State)
	assert.Equal(t, 2, journal.Last("two").Attempt)
}

func TestRunnerCheckSkips(t *testing.T) {
	r := newTestRunner(t)

	ran := false
	err := r.Run(context.Background(), []Step{{
		Name:  "one",
		Check: func(context.Context) (bool, error) { return true, nil },
		Run: func(context.Context) error {
			ran = true
			return nil
		},
	}})
	require.NoError(t, err)
	assert.False(t, ran)

	journal := &Journal{Path: r.Journal.Path}
	require.NoError(t, journal.Load())
	assert.Equal(t, api.StepSkipped, journal.Last("one").State)
}

func TestRunnerCheckOverridesJournal(t *testing.T) {
	r := newTestRunner(t)
	require.NoError(t, r.Journal.Load())
	require.NoError(t, r.Journal.Record(&api.StepOutcome{Step: "one", State: api.StepSucceeded, Attempt: 1}))

	ran := false
	err := r.Run(context.Background(), []Step{{
		Name:  "one",
		Check: func(context.Context) (bool, error) { return false, nil },
		Run: func(context.Context) error {
			ran = true
			return nil
		},
	}})
	require.NoError(t, err)
	assert.True(t, ran, "a failing check re-runs the step even after a journaled success")
}

func TestRunnerCheckError(t *testing.T) {
	r := newTestRunner(t)

	err := r.Run(context.Background(), []Step{{
		Name:  "one",
		Check: func(context.Context) (bool, error) { return false, fmt.Errorf("probe exploded") },
		Run:   func(context.Context) error { return nil },
	}})
	require.ErrorContains(t, err, `checking step "one"`)
}

func TestRunnerContextCanceled(t *testing.T) {
	r := newTestRunner(t)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	ran := false
	err := r.Run(ctx, []Step{{Name: "one", Run: func(context.Context) error {
		ran = true
		return nil
	}}})
	require.ErrorIs(t, err, context.Canceled)
	assert.False(t, ran)
}

func TestRunnerVerify(t *testing.T) {
	r := newTestRunner(t)
	require.NoError(t, r.Journal.Load())
	require.NoError(t, r.Journal.Record(&api.StepOutcome{Step: "journaled", State: api.StepSucceeded, Attempt: 1}))

	unsatisfied, err := r.Verify(context.Background(), []Step{
		{Name: "good", Check: func(context.Context) (bool, error) { return true, nil }},
		{Name: "bad", Check: func(context.Context) (bool, error) { return false, nil }},
		{Name: "journaled"},
		{Name: "unknown"},
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"bad", "unknown"}, unsatisfied)
}
