// Package detect decides when a UI action has completed.
//
// Two strategies share the same state machine (Polling -> Found | TimedOut | Failed):
// Signal polls the UI tree for an element, Visual polls screenshots for a template match.
//
// Boundary rule: polling continues while elapsed <= Timeout and stops once
// elapsed > Timeout. A completion observed at elapsed >= Timeout is reported as
// TimedOut, so a detection landing exactly on the boundary never counts as Found.
package detect

import (
	"context"
	"time"

	"tapbench/internal/device"
)

// State is the detector state. Polling is only ever observed internally.
type State int

const (
	Polling State = iota
	Found
	TimedOut
	Failed
)

func (s State) String() string {
	switch s {
	case Polling:
		return "polling"
	case Found:
		return "found"
	case TimedOut:
		return "timed_out"
	case Failed:
		return "failed"
	default:
		return "unknown"
	}
}

const (
	DefaultTimeout   = 20 * time.Second
	DefaultThreshold = 0.85
	DefaultInterval  = 10 * time.Millisecond
)

// Result is the terminal outcome of one Wait.
type Result struct {
	State State
	End   time.Time
	Polls int

	// Score is the best visual score seen (visual detection only).
	Score float64
	Err   error
}

// Detector blocks until completion, timeout, or an I/O failure.
// start is the timestamp returned by the action trigger.
type Detector interface {
	Wait(ctx context.Context, sess device.Session, start time.Time) Result
	Describe() string
}

// Clock lets tests drive the timeline. Zero values use the wall clock.
type Clock struct {
	Now   func() time.Time
	Sleep func(ctx context.Context, d time.Duration) error
}

func (c Clock) now() time.Time {
	if c.Now != nil {
		return c.Now()
	}
	return time.Now()
}

func (c Clock) sleep(ctx context.Context, d time.Duration) error {
	if c.Sleep != nil {
		return c.Sleep(ctx, d)
	}
	return Sleep(ctx, d)
}

// Sleep waits for d or until ctx is done.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// settle turns an observed completion into Found, or TimedOut when it landed
// at or past the timeout.
func settle(res Result, start, observed time.Time, timeout time.Duration) Result {
	res.End = observed
	if observed.Sub(start) >= timeout {
		res.State = TimedOut
		return res
	}
	res.State = Found
	return res
}
