package runner

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/charmbracelet/log"

	"tapbench/internal/detect"
	"tapbench/internal/device"
	"tapbench/internal/logger"
	"tapbench/internal/stats"
)

// StatsSnapshot is sent over the channel after every trial.
type StatsSnapshot struct {
	Scenario string
	Trial    int
	Total    int

	Success uint64
	Fail    uint64
	Timeout uint64

	Last        TrialRecord
	Percentiles stats.Percentiles
	Summary     stats.Summary

	Done    bool
	Aborted bool
}

// StatsUpdateChan is the channel type
type StatsUpdateChan chan StatsSnapshot

// Opener creates the automation session. The runner calls it again when the
// session is lost.
type Opener func(ctx context.Context) (device.Session, error)

// Runner executes the trials of one Config sequentially against a session it owns.
type Runner struct {
	Cfg     Config
	Stats   *stats.Stats
	Records []TrialRecord
	Updates StatsUpdateChan

	// Clock drives timestamps and pauses; zero fields use the wall clock.
	Clock detect.Clock

	open    Opener
	sess    device.Session
	started bool
	tmpl    *TemplateEngine
	log     *log.Logger
	mu      sync.Mutex
}

func New(cfg Config, open Opener, updates StatsUpdateChan) *Runner {
	if updates == nil {
		updates = make(StatsUpdateChan, 16)
	}
	return &Runner{
		Cfg:     cfg,
		Stats:   stats.NewStats(),
		Updates: updates,
		open:    open,
		tmpl:    NewTemplateEngine(),
		log:     logger.NewStyledLogger("runner"),
	}
}

// Run executes setup, every trial and teardown. On abort it returns the records
// of the trials attempted so far together with the cause. Run does not panic:
// a panic raised by the session outside a trial aborts the run instead.
func (r *Runner) Run(ctx context.Context) (records []TrialRecord, err error) {
	if err := r.Cfg.Validate(); err != nil {
		return nil, err
	}
	if r.open == nil {
		return nil, errors.New("runner has no session opener")
	}

	defer func() {
		if p := recover(); p != nil {
			r.log.Error("run aborted by panic", "err", p)
			r.finish(true)
			records, err = r.Results(), fmt.Errorf("%w: %v", ErrSessionPanic, p)
		}
	}()

	var sess device.Session
	if err := guard("opener", func() (err error) {
		sess, err = r.open(ctx)
		return err
	}); err != nil {
		r.finish(true)
		return nil, fmt.Errorf("open session: %w", err)
	}
	r.mu.Lock()
	r.sess = sess
	r.started = true
	r.mu.Unlock()
	defer r.closeSession()

	cfg := r.Cfg
	env := r.env(0)
	r.log.Info("starting scenario", "scenario", cfg.Name, "trials", cfg.Trials, "detector", cfg.Detector.Describe())

	if err := guard("setup", func() error {
		return env.runSteps(ctx, "setup", cfg.Setup, cfg.StepTimeout)
	}); err != nil {
		r.log.Warn("setup failed, recovering", "err", err)
		if rerr := r.restoreApp(ctx, err); rerr != nil {
			r.finish(true)
			return r.Results(), rerr
		}
	}

	for i := 1; i <= cfg.Trials; i++ {
		if err := ctx.Err(); err != nil {
			r.finish(true)
			return r.Results(), err
		}

		rec := r.runTrial(ctx, i)
		r.record(rec)
		r.log.Info("trial finished", "trial", i, "outcome", rec.Outcome,
			"seconds", fmt.Sprintf("%.4f", rec.Seconds()), "err", rec.Err)
		r.sendUpdate()

		lost := errors.Is(rec.Err, device.ErrSessionLost)
		if !lost && ctx.Err() == nil {
			if err := guard("cleanup", func() error {
				return r.env(i).runSteps(ctx, "cleanup", cfg.Cleanup, cfg.StepTimeout)
			}); err != nil {
				r.log.Warn("cleanup failed", "trial", i, "err", err)
				lost = errors.Is(err, device.ErrSessionLost)
			}
		}

		if rec.Outcome != OutcomeSuccess || lost {
			if err := ctx.Err(); err != nil {
				r.finish(true)
				return r.Results(), err
			}
			cause := rec.Err
			if lost && !errors.Is(cause, device.ErrSessionLost) {
				cause = device.ErrSessionLost
			}
			if err := r.restoreApp(ctx, cause); err != nil {
				r.finish(true)
				return r.Results(), err
			}
		}

		if i < cfg.Trials && cfg.SettleBetween > 0 {
			if err := r.env(i).sleep(ctx, cfg.SettleBetween); err != nil {
				r.finish(true)
				return r.Results(), err
			}
		}
	}

	if err := guard("teardown", func() error {
		return r.env(0).runSteps(ctx, "teardown", cfg.Teardown, cfg.StepTimeout)
	}); err != nil {
		r.log.Warn("teardown failed", "err", err)
	}
	r.finish(false)
	return r.Results(), nil
}

// runTrial never fails: every problem becomes the trial's outcome.
func (r *Runner) runTrial(ctx context.Context, i int) (rec TrialRecord) {
	env := r.env(i)
	rec = TrialRecord{Index: i, StartedAt: env.now()}

	defer func() {
		if p := recover(); p != nil {
			rec.Outcome, rec.Duration = OutcomeFailure, 0
			rec.Err = fmt.Errorf("trial %d: %w: %v", i, ErrSessionPanic, p)
		}
	}()

	fail := func(err error) TrialRecord {
		rec.Outcome, rec.Err = OutcomeFailure, err
		return rec
	}

	if r.Cfg.ResetEachTrial {
		if err := r.Cfg.Recovery.restore(ctx, env); err != nil {
			return fail(fmt.Errorf("reset: %w", err))
		}
	}
	if err := env.runSteps(ctx, "prepare", r.Cfg.Prepare, r.Cfg.StepTimeout); err != nil {
		return fail(err)
	}

	start, err := r.Cfg.Trigger.fire(ctx, env, r.Cfg.StepTimeout)
	if err != nil {
		return fail(err)
	}

	res := r.Cfg.Detector.Wait(ctx, env.sess, start)
	switch res.State {
	case detect.Found:
		rec.Outcome = OutcomeSuccess
		rec.Duration = res.End.Sub(start)
		if rec.Duration < 0 {
			rec.Duration = 0
		}
	case detect.TimedOut:
		rec.Outcome = OutcomeTimeout
		rec.Err = fmt.Errorf("not complete after %s", res.End.Sub(start).Round(time.Millisecond))
	default:
		rec.Outcome, rec.Err = OutcomeFailure, res.Err
		if rec.Err == nil {
			rec.Err = fmt.Errorf("detector ended in state %s", res.State)
		}
	}
	r.log.Debug("detection finished", "trial", i, "state", res.State, "polls", res.Polls, "score", res.Score)
	return rec
}

// restoreApp brings the app back to a known state, reopening the session first if
// it was lost. One attempt only; failure aborts the run.
func (r *Runner) restoreApp(ctx context.Context, cause error) error {
	if errors.Is(cause, device.ErrSessionLost) {
		r.log.Warn("session lost, reopening", "err", cause)
		r.closeSession()
		var sess device.Session
		if err := guard("reopen session", func() (err error) {
			sess, err = r.open(ctx)
			return err
		}); err != nil {
			return fmt.Errorf("%w: reopen session: %w", ErrRecoveryFailed, err)
		}
		r.mu.Lock()
		r.sess = sess
		r.mu.Unlock()
	}
	if err := guard("recovery", func() error {
		return r.Cfg.Recovery.restore(ctx, r.env(0))
	}); err != nil {
		r.log.Error("recovery failed", "app", r.Cfg.Recovery.App, "err", err)
		return fmt.Errorf("%w: %w", ErrRecoveryFailed, err)
	}
	return nil
}

func (r *Runner) env(trial int) *stepEnv {
	now, sleep := clockFuncs(r.Clock)
	r.mu.Lock()
	sess := r.sess
	r.mu.Unlock()
	return &stepEnv{
		sess:  sess,
		tmpl:  r.tmpl,
		data:  TemplateData{Scenario: r.Cfg.Name, App: r.Cfg.App, Trial: trial, RunID: r.Cfg.RunID},
		app:   r.Cfg.App,
		now:   now,
		sleep: sleep,
		log:   r.log,
	}
}

// Started reports whether a session was ever opened, i.e. whether the run got
// past connecting to the device.
func (r *Runner) Started() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.started
}

// guard runs fn and turns a panic into an error wrapping ErrSessionPanic.
func guard(phase string, fn func() error) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("%s: %w: %v", phase, ErrSessionPanic, p)
		}
	}()
	return fn()
}

func (r *Runner) closeSession() {
	r.mu.Lock()
	sess := r.sess
	r.sess = nil
	r.mu.Unlock()
	if sess == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := guard("close session", func() error { return sess.Close(ctx) }); err != nil {
		r.log.Warn("close session", "err", err)
	}
}

func (r *Runner) record(rec TrialRecord) {
	switch rec.Outcome {
	case OutcomeSuccess:
		r.Stats.RecordSuccess(rec.Duration)
	case OutcomeTimeout:
		r.Stats.RecordTimeout()
	default:
		r.Stats.RecordFailure()
	}
	r.mu.Lock()
	r.Records = append(r.Records, rec)
	r.mu.Unlock()
}

// Results returns a copy of the records collected so far.
func (r *Runner) Results() []TrialRecord {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]TrialRecord(nil), r.Records...)
}

func (r *Runner) snapshot() StatsSnapshot {
	records := r.Results()
	s := StatsSnapshot{
		Scenario:    r.Cfg.Name,
		Trial:       len(records),
		Total:       r.Cfg.Trials,
		Success:     atomic.LoadUint64(&r.Stats.Success),
		Fail:        atomic.LoadUint64(&r.Stats.Fail),
		Timeout:     atomic.LoadUint64(&r.Stats.Timeout),
		Percentiles: r.Stats.Percentiles(),
		Summary:     Summarize(records),
	}
	if n := len(records); n > 0 {
		s.Last = records[n-1]
	}
	return s
}

func (r *Runner) sendUpdate() {
	select {
	case r.Updates <- r.snapshot():
	default:
		// Drop update if channel full, UI acts as backpressure
	}
}

// finish publishes the final snapshot. Unlike progress updates it is never
// dropped: a stale update is evicted to make room.
func (r *Runner) finish(aborted bool) {
	s := r.snapshot()
	s.Done, s.Aborted = true, aborted
	select {
	case r.Updates <- s:
	default:
		select {
		case <-r.Updates:
		default:
		}
		select {
		case r.Updates <- s:
		default:
		}
	}
}
