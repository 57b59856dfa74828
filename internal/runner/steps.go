package runner

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/charmbracelet/log"

	"tapbench/internal/detect"
	"tapbench/internal/device"
)

// Action names a scripted UI operation.
type Action string

const (
	ActionClick        Action = "click"
	ActionTap          Action = "tap"
	ActionSendKeys     Action = "sendKeys"
	ActionClear        Action = "clear"
	ActionBack         Action = "back"
	ActionHideKeyboard Action = "hideKeyboard"
	ActionLaunch       Action = "launch"
	ActionTerminate    Action = "terminate"
	ActionSleep        Action = "sleep"
	ActionWaitFor      Action = "waitFor"
)

const (
	DefaultWaitTimeout = 20 * time.Second
	waitForInterval    = 100 * time.Millisecond
)

// Point is a screen coordinate in device pixels.
type Point struct {
	X int `mapstructure:"x" yaml:"x" json:"x"`
	Y int `mapstructure:"y" yaml:"y" json:"y"`
}

// Step is one scripted UI operation.
//
// Pause is the settle delay after the step; for a sleep step it is the sleep
// itself. Timeout bounds waitFor. Optional steps log failures and carry on.
type Step struct {
	Name     string
	Action   Action
	Target   *device.Locator
	Fallback *Point
	Point    Point
	Text     string
	App      string
	Pause    time.Duration
	Timeout  time.Duration
	Optional bool
}

func (s Step) label() string {
	if s.Name != "" {
		return s.Name
	}
	if s.Target != nil {
		return string(s.Action) + " " + s.Target.String()
	}
	return string(s.Action)
}

// validate checks the step and normalizes its target locator in place.
func (s *Step) validate() error {
	switch s.Action {
	case ActionClick, ActionSendKeys, ActionClear, ActionWaitFor:
		if s.Target == nil {
			return fmt.Errorf("step %q: %s needs a target", s.label(), s.Action)
		}
		loc, err := s.Target.Normalize()
		if err != nil {
			return fmt.Errorf("step %q: %w", s.label(), err)
		}
		s.Target = &loc
	case ActionTap, ActionBack, ActionHideKeyboard, ActionLaunch, ActionTerminate, ActionSleep:
	default:
		return fmt.Errorf("step %q: unknown action %q", s.label(), s.Action)
	}
	if s.Fallback != nil && s.Action != ActionClick {
		return fmt.Errorf("step %q: fallback point only applies to click", s.label())
	}
	return nil
}

// Edge selects whether the trigger timestamp is taken just before or just
// after the input event is sent.
type Edge string

const (
	EdgeBefore Edge = "before"
	EdgeAfter  Edge = "after"
)

// Trigger is the action that opens the timing window.
type Trigger struct {
	Step Step
	Edge Edge
}

// stepEnv is what a step needs to run against the current session.
type stepEnv struct {
	sess  device.Session
	tmpl  *TemplateEngine
	data  TemplateData
	app   string
	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
	log   *log.Logger
}

// bind resolves targets and renders text so that perform only sends the input event.
func (e *stepEnv) bind(ctx context.Context, s Step) (func(context.Context) error, error) {
	sess := e.sess
	switch s.Action {
	case ActionClick:
		els, err := sess.FindElements(ctx, *s.Target)
		if err != nil {
			return nil, fmt.Errorf("find %s: %w", s.Target, err)
		}
		if len(els) == 0 {
			if s.Fallback == nil {
				return nil, fmt.Errorf("%s: %w", s.Target, device.ErrNoSuchElement)
			}
			p := *s.Fallback
			e.log.Debug("target missing, tapping fallback", "target", s.Target, "x", p.X, "y", p.Y)
			return func(ctx context.Context) error { return sess.Tap(ctx, p.X, p.Y) }, nil
		}
		el := els[0]
		return func(ctx context.Context) error { return sess.Click(ctx, el) }, nil

	case ActionSendKeys:
		el, err := device.FindElement(ctx, sess, *s.Target)
		if err != nil {
			return nil, err
		}
		text, err := e.tmpl.Render(s.Text, e.data)
		if err != nil {
			return nil, fmt.Errorf("render text: %w", err)
		}
		return func(ctx context.Context) error { return sess.SendKeys(ctx, el, text) }, nil

	case ActionClear:
		el, err := device.FindElement(ctx, sess, *s.Target)
		if err != nil {
			return nil, err
		}
		return func(ctx context.Context) error { return sess.Clear(ctx, el) }, nil

	case ActionTap:
		p := s.Point
		return func(ctx context.Context) error { return sess.Tap(ctx, p.X, p.Y) }, nil

	case ActionBack:
		return sess.Back, nil

	case ActionHideKeyboard:
		return sess.HideKeyboard, nil

	case ActionLaunch, ActionTerminate:
		app := s.App
		if app == "" {
			app = e.app
		}
		if s.Action == ActionLaunch {
			return func(ctx context.Context) error { return sess.Launch(ctx, app) }, nil
		}
		return func(ctx context.Context) error { return sess.Terminate(ctx, app) }, nil

	case ActionSleep:
		d := s.Pause
		return func(ctx context.Context) error { return e.sleep(ctx, d) }, nil

	case ActionWaitFor:
		return func(ctx context.Context) error { return e.waitFor(ctx, *s.Target, s.Timeout) }, nil
	}
	return nil, fmt.Errorf("unknown action %q", s.Action)
}

// waitFor polls at a relaxed interval. It is used for settling, never for timing.
func (e *stepEnv) waitFor(ctx context.Context, loc device.Locator, timeout time.Duration) error {
	if timeout <= 0 {
		timeout = DefaultWaitTimeout
	}
	start := e.now()
	for {
		els, err := e.sess.FindElements(ctx, loc)
		if err != nil {
			return fmt.Errorf("wait for %s: %w", loc, err)
		}
		if len(els) > 0 {
			return nil
		}
		if e.now().Sub(start) > timeout {
			return fmt.Errorf("wait for %s: not visible after %s", loc, timeout)
		}
		if err := e.sleep(ctx, waitForInterval); err != nil {
			return err
		}
	}
}

// run executes one step including its trailing pause.
func (e *stepEnv) run(ctx context.Context, s Step, timeout time.Duration) error {
	if timeout > 0 && s.Action != ActionWaitFor && s.Action != ActionSleep {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	act, err := e.bind(ctx, s)
	if err == nil {
		err = act(ctx)
	}
	if err != nil {
		return fmt.Errorf("step %q: %w", s.label(), err)
	}
	if s.Action != ActionSleep && s.Pause > 0 {
		return e.sleep(ctx, s.Pause)
	}
	return nil
}

// runSteps runs steps in order and stops at the first required failure.
func (e *stepEnv) runSteps(ctx context.Context, phase string, steps []Step, timeout time.Duration) error {
	for _, s := range steps {
		if err := e.run(ctx, s, timeout); err != nil {
			if s.Optional && !errors.Is(err, device.ErrSessionLost) && ctx.Err() == nil {
				e.log.Warn("optional step failed", "phase", phase, "err", err)
				continue
			}
			return fmt.Errorf("%s: %w", phase, err)
		}
	}
	return nil
}

// fire performs the trigger exactly once and returns the edge timestamp.
// Element lookup and text rendering happen before the edge is taken. The
// step's Pause is ignored: detection starts immediately.
func (t Trigger) fire(ctx context.Context, e *stepEnv, timeout time.Duration) (time.Time, error) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	act, err := e.bind(ctx, t.Step)
	if err != nil {
		return time.Time{}, fmt.Errorf("trigger %q: %w", t.Step.label(), err)
	}

	var start time.Time
	if t.Edge == EdgeBefore {
		start = e.now()
		err = act(ctx)
	} else {
		err = act(ctx)
		start = e.now()
	}
	if err != nil {
		return start, fmt.Errorf("trigger %q: %w", t.Step.label(), err)
	}
	return start, nil
}

// clockFuncs fills in wall-clock defaults.
func clockFuncs(c detect.Clock) (func() time.Time, func(context.Context, time.Duration) error) {
	now := c.Now
	if now == nil {
		now = time.Now
	}
	sleep := c.Sleep
	if sleep == nil {
		sleep = detect.Sleep
	}
	return now, sleep
}
