package runner

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"tapbench/internal/detect"
	"tapbench/internal/stats"
)

// ErrRecoveryFailed aborts a run: the app could not be brought back to a known state.
var ErrRecoveryFailed = errors.New("recovery failed")

// ErrSessionPanic marks a panic raised by the session implementation.
var ErrSessionPanic = errors.New("session panicked")

// Outcome is the terminal classification of a trial.
type Outcome int

const (
	OutcomeSuccess Outcome = iota + 1
	OutcomeFailure
	OutcomeTimeout
)

func (o Outcome) String() string {
	switch o {
	case OutcomeSuccess:
		return "success"
	case OutcomeFailure:
		return "failure"
	case OutcomeTimeout:
		return "timeout"
	default:
		return fmt.Sprintf("outcome(%d)", int(o))
	}
}

// ParseOutcome is the inverse of Outcome.String.
func ParseOutcome(s string) (Outcome, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "success":
		return OutcomeSuccess, nil
	case "failure":
		return OutcomeFailure, nil
	case "timeout":
		return OutcomeTimeout, nil
	}
	return 0, fmt.Errorf("unknown outcome %q", s)
}

// TrialRecord is one row of the result table. Duration is only meaningful for
// successful trials and is zero otherwise.
type TrialRecord struct {
	Index     int
	Outcome   Outcome
	StartedAt time.Time
	Duration  time.Duration
	Err       error
}

// Seconds returns the duration in seconds, or 0 for a non-successful trial.
func (r TrialRecord) Seconds() float64 {
	if r.Outcome != OutcomeSuccess {
		return 0
	}
	return r.Duration.Seconds()
}

// Summarize aggregates the successful trials of records.
func Summarize(records []TrialRecord) stats.Summary {
	var samples []float64
	for _, r := range records {
		if r.Outcome == OutcomeSuccess {
			samples = append(samples, r.Duration.Seconds())
		}
	}
	return stats.Summarize(samples)
}

// Config describes one measured scenario. It is built per run and never shared.
type Config struct {
	Name   string
	App    string
	Trials int

	// Setup runs once after the session opens, Teardown once before it closes.
	Setup    []Step
	Teardown []Step

	// Prepare runs before every trigger, outside the timing window.
	Prepare  []Step
	Trigger  Trigger
	Detector detect.Detector
	// Cleanup runs after detection; failures are logged and never change the outcome.
	Cleanup []Step

	Recovery       Recovery
	ResetEachTrial bool
	SettleBetween  time.Duration
	StepTimeout    time.Duration

	// RunID is exposed to templates and persisted with the results.
	RunID string
}

// Validate checks the config and fills defaults.
func (c *Config) Validate() error {
	if c.Trials <= 0 {
		return fmt.Errorf("scenario %q: trials must be positive, got %d", c.Name, c.Trials)
	}
	if c.Detector == nil {
		return fmt.Errorf("scenario %q: no completion detector", c.Name)
	}
	if c.Trigger.Step.Action == "" {
		return fmt.Errorf("scenario %q: no trigger action", c.Name)
	}
	if c.Trigger.Step.Action == ActionSleep || c.Trigger.Step.Action == ActionWaitFor {
		return fmt.Errorf("scenario %q: %s cannot be a trigger", c.Name, c.Trigger.Step.Action)
	}
	if c.Trigger.Edge == "" {
		c.Trigger.Edge = EdgeAfter
	}
	if c.Trigger.Edge != EdgeBefore && c.Trigger.Edge != EdgeAfter {
		return fmt.Errorf("scenario %q: trigger edge must be %q or %q", c.Name, EdgeBefore, EdgeAfter)
	}
	if c.Recovery.App == "" {
		c.Recovery.App = c.App
	}
	if c.Recovery.App == "" {
		return fmt.Errorf("scenario %q: no app to recover", c.Name)
	}
	if err := c.Trigger.Step.validate(); err != nil {
		return fmt.Errorf("scenario %q: trigger: %w", c.Name, err)
	}
	for _, steps := range [][]Step{c.Setup, c.Prepare, c.Cleanup, c.Teardown} {
		for i := range steps {
			if err := steps[i].validate(); err != nil {
				return fmt.Errorf("scenario %q: %w", c.Name, err)
			}
		}
	}
	return nil
}
