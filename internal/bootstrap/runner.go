package bootstrap

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/quarrybuild/quarry/internal/api"
	"github.com/quarrybuild/quarry/internal/clock"
)

// Step is one named unit of bootstrap work. Run performs it. Check,
// when present, reports whether the step's outcome is already in
// place; it decides skipping on resumed runs and backs `-verify`.
type Step struct {
	Name  string
	Phase api.Phase // surfaced in the status document while the step runs; empty keeps the current phase
	Run   func(ctx context.Context) error
	Check func(ctx context.Context) (bool, error)
}

// Runner executes steps strictly in order, journaling every outcome.
// The first failure aborts the remainder, so readiness - written by
// the final step - can never appear after a partial bootstrap.
type Runner struct {
	Status  *StatusFile
	Journal *Journal
	Clock   clock.Clock
	Logger  zerolog.Logger
}

func (r *Runner) Run(ctx context.Context, steps []Step) error {
	if err := r.Journal.Load(); err != nil {
		return fmt.Errorf("loading step journal: %w", err)
	}

	for _, step := range steps {
		if err := ctx.Err(); err != nil {
			return err
		}

		skip, err := r.shouldSkip(ctx, step)
		if err != nil {
			return fmt.Errorf("checking step %q: %w", step.Name, err)
		}
		if skip {
			r.Logger.Info().Str("step", step.Name).Msg("already satisfied, skipping")
			if err := r.record(step.Name, api.StepSkipped, r.Clock.Now(), nil); err != nil {
				return err
			}
			continue
		}

		if step.Phase != "" {
			if err := r.Status.Set(step.Phase, step.Name); err != nil {
				return fmt.Errorf("updating status for step %q: %w", step.Name, err)
			}
		}

		r.Logger.Info().Str("step", step.Name).Msg("running step")
		started := r.Clock.Now()
		runErr := step.Run(ctx)

		state := api.StepSucceeded
		if runErr != nil {
			state = api.StepFailed
		}
		if err := r.record(step.Name, state, started, runErr); err != nil {
			return err
		}
		if runErr != nil {
			return fmt.Errorf("step %q: %w", step.Name, runErr)
		}
	}

	return nil
}

// Verify runs every step's check without side effects and returns the
// steps whose outcomes are not in place. Steps without checks are
// reported as unverifiable only if they also lack a journaled success.
func (r *Runner) Verify(ctx context.Context, steps []Step) ([]string, error) {
	if err := r.Journal.Load(); err != nil {
		return nil, fmt.Errorf("loading step journal: %w", err)
	}

	unsatisfied := []string{}
	for _, step := range steps {
		ok, err := r.shouldSkip(ctx, step)
		if err != nil {
			return nil, fmt.Errorf("checking step %q: %w", step.Name, err)
		}
		if !ok {
			unsatisfied = append(unsatisfied, step.Name)
		}
	}

	return unsatisfied, nil
}

// a check is authoritative when present; otherwise a journaled
// success stands in for one
func (r *Runner) shouldSkip(ctx context.Context, step Step) (bool, error) {
	if step.Check != nil {
		return step.Check(ctx)
	}
	last := r.Journal.Last(step.Name)
	return last != nil && last.State == api.StepSucceeded, nil
}

func (r *Runner) record(name, state string, started time.Time, runErr error) error {
	outcome := &api.StepOutcome{
		Step:       name,
		State:      state,
		Attempt:    r.Journal.Attempts(name) + 1,
		StartedAt:  started.UTC(),
		FinishedAt: r.Clock.Now().UTC(),
	}
	if runErr != nil {
		outcome.Error = runErr.Error()
		r.Logger.Error().Str("step", name).Err(runErr).Msg("step failed")
	}

	if err := r.Journal.Record(outcome); err != nil {
		return fmt.Errorf("recording outcome for step %q: %w", name, err)
	}
	return nil
}
