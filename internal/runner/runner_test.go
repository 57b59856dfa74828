package runner

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tapbench/internal/detect"
	"tapbench/internal/device"
	"tapbench/internal/device/devicetest"
)

var t0 = time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)

// scripted replays one result per trial, the last one repeating.
type scripted struct {
	results []func(ctx context.Context, start time.Time) detect.Result
	calls   int
}

func (s *scripted) Wait(ctx context.Context, _ device.Session, start time.Time) detect.Result {
	i := s.calls
	if i >= len(s.results) {
		i = len(s.results) - 1
	}
	s.calls++
	return s.results[i](ctx, start)
}

func (s *scripted) Describe() string { return "scripted" }

func found(d time.Duration) func(context.Context, time.Time) detect.Result {
	return func(_ context.Context, start time.Time) detect.Result {
		return detect.Result{State: detect.Found, End: start.Add(d), Polls: 1}
	}
}

func timedOut() func(context.Context, time.Time) detect.Result {
	return func(_ context.Context, start time.Time) detect.Result {
		return detect.Result{State: detect.TimedOut, End: start.Add(20 * time.Second)}
	}
}

func failed(err error) func(context.Context, time.Time) detect.Result {
	return func(_ context.Context, start time.Time) detect.Result {
		return detect.Result{State: detect.Failed, End: start, Err: err}
	}
}

func script(fns ...func(context.Context, time.Time) detect.Result) *scripted {
	return &scripted{results: fns}
}

func loc(v string) *device.Locator {
	return &device.Locator{Using: "id", Value: v}
}

func baseConfig(trials int, det detect.Detector) Config {
	return Config{
		Name:     "search",
		App:      "com.example.shop",
		Trials:   trials,
		Trigger:  Trigger{Step: Step{Action: ActionClick, Target: loc("search-button")}},
		Detector: det,
	}
}

type harness struct {
	runner   *Runner
	sessions []*devicetest.Fake
	opens    int
	clock    *devicetest.TickClock
}

func newHarness(cfg Config, sessions ...*devicetest.Fake) *harness {
	h := &harness{sessions: sessions, clock: devicetest.NewTickClock(t0, time.Millisecond)}
	open := func(ctx context.Context) (device.Session, error) {
		i := h.opens
		h.opens++
		if i >= len(h.sessions) {
			return nil, errors.New("no device available")
		}
		return h.sessions[i], nil
	}
	h.runner = New(cfg, open, make(StatsUpdateChan, 64))
	h.runner.Clock = detect.Clock{Now: h.clock.Now, Sleep: h.clock.Sleep}
	return h
}

func countCalls(calls []string, prefix string) int {
	n := 0
	for _, c := range calls {
		if strings.HasPrefix(c, prefix) {
			n++
		}
	}
	return n
}

func TestRun_InstantSuccesses(t *testing.T) {
	sess := devicetest.New("search-button")
	h := newHarness(baseConfig(5, script(found(250*time.Millisecond))), sess)

	records, err := h.runner.Run(context.Background())
	require.NoError(t, err)
	require.Len(t, records, 5)

	for i, r := range records {
		assert.Equal(t, i+1, r.Index)
		assert.Equal(t, OutcomeSuccess, r.Outcome)
		assert.Equal(t, 250*time.Millisecond, r.Duration)
		assert.NoError(t, r.Err)
	}
	sum := Summarize(records)
	assert.InDelta(t, 0.25, sum.Mean, 1e-12)
	assert.Equal(t, 0.0, sum.StdDev)
	assert.Equal(t, 5, countCalls(sess.CallLog(), "click:search-button"))
	assert.Equal(t, 0, countCalls(sess.CallLog(), "terminate:"), "no recovery after successes")
	assert.Equal(t, 1, sess.Closed)
}

func TestRun_AllFailures(t *testing.T) {
	sess := devicetest.New() // trigger target never visible
	h := newHarness(baseConfig(4, script(found(time.Second))), sess)

	records, err := h.runner.Run(context.Background())
	require.NoError(t, err)
	require.Len(t, records, 4)

	for _, r := range records {
		assert.Equal(t, OutcomeFailure, r.Outcome)
		assert.Zero(t, r.Duration)
		assert.ErrorIs(t, r.Err, device.ErrNoSuchElement)
	}
	sum := Summarize(records)
	assert.Equal(t, 0.0, sum.Mean)
	assert.Equal(t, 0.0, sum.Min)
	assert.Equal(t, 0.0, sum.Max)
	assert.Equal(t, 0.0, sum.StdDev)

	// one recovery per failed trial
	calls := sess.CallLog()
	assert.Equal(t, 4, countCalls(calls, "terminate:com.example.shop"))
	assert.Equal(t, 4, countCalls(calls, "launch:com.example.shop"))
}

func TestRun_MixedOutcomesSummary(t *testing.T) {
	secs := func(f float64) func(context.Context, time.Time) detect.Result {
		return found(time.Duration(f * float64(time.Second)))
	}
	det := script(
		secs(1.0), secs(1.2), timedOut(), secs(0.9), secs(1.1),
		timedOut(), secs(1.0), secs(1.3), timedOut(), secs(0.95),
	)
	h := newHarness(baseConfig(10, det), devicetest.New("search-button"))

	records, err := h.runner.Run(context.Background())
	require.NoError(t, err)
	require.Len(t, records, 10)

	var timeouts int
	for _, r := range records {
		if r.Outcome == OutcomeTimeout {
			timeouts++
			assert.Zero(t, r.Seconds())
		}
	}
	assert.Equal(t, 3, timeouts)

	sum := Summarize(records)
	assert.Equal(t, 7, sum.Count)
	assert.InDelta(t, 1.0643, sum.Mean, 1e-4)
	assert.InDelta(t, 0.9, sum.Min, 1e-9)
	assert.InDelta(t, 1.3, sum.Max, 1e-9)
	assert.InDelta(t, 0.132865, sum.StdDev, 1e-5)

	assert.EqualValues(t, 7, h.runner.Stats.Success)
	assert.EqualValues(t, 3, h.runner.Stats.Timeout)
}

func TestRun_TriggerEdge(t *testing.T) {
	run := func(edge Edge) time.Duration {
		clock := devicetest.NewTickClock(t0, 0)
		sess := devicetest.New("search-button")
		sess.ClickFunc = func(context.Context, device.Element) error {
			clock.Advance(300 * time.Millisecond) // input dispatch
			return nil
		}
		det := script(func(_ context.Context, _ time.Time) detect.Result {
			return detect.Result{State: detect.Found, End: clock.Now().Add(100 * time.Millisecond)}
		})
		cfg := baseConfig(1, det)
		cfg.Trigger.Edge = edge

		r := New(cfg, func(context.Context) (device.Session, error) { return sess, nil }, nil)
		r.Clock = detect.Clock{Now: clock.Now, Sleep: clock.Sleep}
		records, err := r.Run(context.Background())
		require.NoError(t, err)
		require.Len(t, records, 1)
		return records[0].Duration
	}

	assert.Equal(t, 100*time.Millisecond, run(EdgeAfter))
	assert.Equal(t, 400*time.Millisecond, run(EdgeBefore))
}

func TestRun_RecoveryFailureAbortsWithPartialRecords(t *testing.T) {
	sess := devicetest.New("search-button")
	sess.LaunchFunc = func(context.Context, string) error { return errors.New("app crashed on launch") }
	h := newHarness(baseConfig(5, script(found(time.Second), timedOut())), sess)

	records, err := h.runner.Run(context.Background())
	require.ErrorIs(t, err, ErrRecoveryFailed)
	require.Len(t, records, 2)
	assert.Equal(t, OutcomeSuccess, records[0].Outcome)
	assert.Equal(t, OutcomeTimeout, records[1].Outcome)
	assert.Equal(t, 1, sess.Closed)
}

func TestRun_SessionLostReopens(t *testing.T) {
	first := devicetest.New("search-button")
	second := devicetest.New("search-button")
	det := script(failed(device.ErrSessionLost), found(time.Second))
	h := newHarness(baseConfig(3, det), first, second)

	records, err := h.runner.Run(context.Background())
	require.NoError(t, err)
	require.Len(t, records, 3)

	assert.Equal(t, OutcomeFailure, records[0].Outcome)
	assert.ErrorIs(t, records[0].Err, device.ErrSessionLost)
	assert.Equal(t, OutcomeSuccess, records[1].Outcome)
	assert.Equal(t, OutcomeSuccess, records[2].Outcome)

	assert.Equal(t, 2, h.opens)
	assert.Equal(t, 1, first.Closed)
	assert.Equal(t, 1, second.Closed)
	assert.Equal(t, 1, countCalls(second.CallLog(), "launch:"))
}

func TestRun_SessionCannotBeReopened(t *testing.T) {
	sess := devicetest.New("search-button")
	h := newHarness(baseConfig(3, script(failed(device.ErrSessionLost))), sess)

	records, err := h.runner.Run(context.Background())
	require.ErrorIs(t, err, ErrRecoveryFailed)
	assert.Len(t, records, 1)
	assert.Equal(t, 1, sess.Closed)
}

func TestRun_CleanupFailureKeepsOutcome(t *testing.T) {
	cfg := baseConfig(2, script(found(500*time.Millisecond)))
	cfg.Cleanup = []Step{{Action: ActionClick, Target: loc("close-results")}}
	sess := devicetest.New("search-button")
	h := newHarness(cfg, sess)

	records, err := h.runner.Run(context.Background())
	require.NoError(t, err)
	for _, r := range records {
		assert.Equal(t, OutcomeSuccess, r.Outcome)
	}
	assert.Equal(t, 0, countCalls(sess.CallLog(), "terminate:"))
}

func TestRun_PanicBecomesFailure(t *testing.T) {
	sess := devicetest.New("search-button")
	sess.ClickFunc = func(context.Context, device.Element) error { panic("driver bug") }
	h := newHarness(baseConfig(2, script(found(time.Second))), sess)

	records, err := h.runner.Run(context.Background())
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, OutcomeFailure, records[0].Outcome)
	assert.Contains(t, records[0].Err.Error(), "driver bug")
}

func TestRun_CleanupPanicKeepsOutcome(t *testing.T) {
	cfg := baseConfig(3, script(found(time.Second)))
	cfg.Cleanup = []Step{{Action: ActionTap, Point: Point{X: 10, Y: 10}}}
	sess := devicetest.New("search-button")
	sess.TapFunc = func(context.Context, int, int) error { panic("driver bug") }
	h := newHarness(cfg, sess)

	records, err := h.runner.Run(context.Background())
	require.NoError(t, err)
	require.Len(t, records, 3)
	for _, r := range records {
		assert.Equal(t, OutcomeSuccess, r.Outcome)
	}
	assert.Equal(t, 0, countCalls(sess.CallLog(), "terminate:"))
	assert.Equal(t, 1, sess.Closed)
}

func TestRun_RecoveryPanicAbortsWithPartialRecords(t *testing.T) {
	sess := devicetest.New("search-button")
	sess.LaunchFunc = func(context.Context, string) error { panic("driver bug") }
	h := newHarness(baseConfig(4, script(found(time.Second), timedOut())), sess)

	records, err := h.runner.Run(context.Background())
	require.ErrorIs(t, err, ErrRecoveryFailed)
	assert.ErrorIs(t, err, ErrSessionPanic)
	require.Len(t, records, 2)
	assert.Equal(t, OutcomeTimeout, records[1].Outcome)
	assert.Equal(t, 1, sess.Closed)
}

func TestRun_SetupPanicRecovers(t *testing.T) {
	cfg := baseConfig(1, script(found(time.Second)))
	cfg.Setup = []Step{{Action: ActionTap, Point: Point{X: 1, Y: 1}}}
	sess := devicetest.New("search-button")
	sess.TapFunc = func(context.Context, int, int) error { panic("driver bug") }
	h := newHarness(cfg, sess)

	records, err := h.runner.Run(context.Background())
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, 1, countCalls(sess.CallLog(), "launch:"))
}

func TestRun_TeardownPanicIsLogged(t *testing.T) {
	cfg := baseConfig(2, script(found(time.Second)))
	cfg.Teardown = []Step{{Action: ActionTap, Point: Point{X: 1, Y: 1}}}
	sess := devicetest.New("search-button")
	sess.TapFunc = func(context.Context, int, int) error { panic("driver bug") }
	h := newHarness(cfg, sess)

	records, err := h.runner.Run(context.Background())
	require.NoError(t, err)
	assert.Len(t, records, 2)
	assert.True(t, h.runner.Started())
}

func TestRun_OpenerPanic(t *testing.T) {
	r := New(baseConfig(1, script(found(time.Second))), func(context.Context) (device.Session, error) {
		panic("no driver")
	}, nil)
	records, err := r.Run(context.Background())
	require.ErrorIs(t, err, ErrSessionPanic)
	assert.Empty(t, records)
	assert.False(t, r.Started())
}

func TestRun_CoordinateFallback(t *testing.T) {
	cfg := baseConfig(1, script(found(time.Second)))
	cfg.Trigger.Step.Fallback = &Point{X: 540, Y: 1650}
	sess := devicetest.New() // button not in the tree
	h := newHarness(cfg, sess)

	records, err := h.runner.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, OutcomeSuccess, records[0].Outcome)
	assert.Contains(t, sess.CallLog(), "tap:540,1650")
}

func TestRun_CancelledMidRun(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	det := script(found(time.Second), func(ctx context.Context, start time.Time) detect.Result {
		cancel()
		return detect.Result{State: detect.Failed, End: start, Err: ctx.Err()}
	})
	sess := devicetest.New("search-button")
	h := newHarness(baseConfig(5, det), sess)

	records, err := h.runner.Run(ctx)
	require.ErrorIs(t, err, context.Canceled)
	require.Len(t, records, 2)
	assert.Equal(t, OutcomeFailure, records[1].Outcome)
	assert.Equal(t, 1, sess.Closed)
}

func TestRun_PrepareRendersTemplates(t *testing.T) {
	cfg := baseConfig(2, script(found(time.Second)))
	cfg.Prepare = []Step{
		{Action: ActionClear, Target: loc("search-field")},
		{Action: ActionSendKeys, Target: loc("search-field"), Text: "shoes {{trial}}"},
		{Action: ActionHideKeyboard},
	}
	sess := devicetest.New("search-button", "search-field")
	h := newHarness(cfg, sess)

	_, err := h.runner.Run(context.Background())
	require.NoError(t, err)

	calls := sess.CallLog()
	assert.Contains(t, calls, "sendKeys:search-field:shoes 1")
	assert.Contains(t, calls, "sendKeys:search-field:shoes 2")
	assert.Equal(t, 2, countCalls(calls, "hideKeyboard"))
}

func TestRun_ResetEachTrial(t *testing.T) {
	cfg := baseConfig(3, script(found(time.Second)))
	cfg.ResetEachTrial = true
	sess := devicetest.New("search-button")
	h := newHarness(cfg, sess)

	_, err := h.runner.Run(context.Background())
	require.NoError(t, err)

	calls := sess.CallLog()
	assert.Equal(t, 3, countCalls(calls, "terminate:"))
	assert.Equal(t, []string{"terminate:com.example.shop", "launch:com.example.shop", "click:search-button"}, calls[:3])
}

func TestRun_SetupFailureRecovers(t *testing.T) {
	cfg := baseConfig(1, script(found(time.Second)))
	cfg.Setup = []Step{{Action: ActionWaitFor, Target: loc("home"), Timeout: time.Second}}
	sess := devicetest.New("search-button")
	h := newHarness(cfg, sess)

	records, err := h.runner.Run(context.Background())
	require.NoError(t, err)
	assert.Len(t, records, 1)
	assert.Equal(t, 1, countCalls(sess.CallLog(), "launch:"))
}

func TestRun_FinalSnapshot(t *testing.T) {
	h := newHarness(baseConfig(3, script(found(time.Second))), devicetest.New("search-button"))
	_, err := h.runner.Run(context.Background())
	require.NoError(t, err)

	var last StatsSnapshot
	n := len(h.runner.Updates)
	for i := 0; i < n; i++ {
		last = <-h.runner.Updates
	}
	assert.Equal(t, 4, n)
	assert.True(t, last.Done)
	assert.False(t, last.Aborted)
	assert.Equal(t, 3, last.Trial)
	assert.EqualValues(t, 3, last.Success)
	assert.InDelta(t, 1.0, last.Summary.Mean, 1e-9)
}

func TestRun_OpenFailure(t *testing.T) {
	h := newHarness(baseConfig(1, script(found(time.Second))))
	records, err := h.runner.Run(context.Background())
	assert.Error(t, err)
	assert.Empty(t, records)
}

func TestConfig_Validate(t *testing.T) {
	det := script(found(time.Second))

	cfg := baseConfig(0, det)
	assert.Error(t, cfg.Validate())

	cfg = baseConfig(1, nil)
	assert.Error(t, cfg.Validate())

	cfg = baseConfig(1, det)
	cfg.Trigger.Step = Step{Action: ActionWaitFor, Target: loc("x")}
	assert.Error(t, cfg.Validate())

	cfg = baseConfig(1, det)
	cfg.Trigger.Edge = "during"
	assert.Error(t, cfg.Validate())

	cfg = baseConfig(1, det)
	cfg.Prepare = []Step{{Action: ActionSendKeys}}
	assert.Error(t, cfg.Validate())

	cfg = baseConfig(1, det)
	cfg.Prepare = []Step{{Action: "swipe"}}
	assert.Error(t, cfg.Validate())

	cfg = baseConfig(1, det)
	cfg.Trigger.Step.Target = &device.Locator{Using: "accessibility_id", Value: "Search"}
	require.NoError(t, cfg.Validate())
	assert.Equal(t, EdgeAfter, cfg.Trigger.Edge)
	assert.Equal(t, "com.example.shop", cfg.Recovery.App)
	assert.Equal(t, device.ByAccessibilityID, cfg.Trigger.Step.Target.Using)
}

func TestOutcome_ParseRoundTrip(t *testing.T) {
	for _, o := range []Outcome{OutcomeSuccess, OutcomeFailure, OutcomeTimeout} {
		got, err := ParseOutcome(o.String())
		require.NoError(t, err)
		assert.Equal(t, o, got)
	}
	_, err := ParseOutcome("skipped")
	assert.Error(t, err)
}

func TestTemplateEngine_Render(t *testing.T) {
	e := NewTemplateEngine()
	t.Setenv("TAPBENCH_TEST_USER", "qa-bot")

	out, err := e.Render(`{{env "TAPBENCH_TEST_USER"}}-{{trial}}-{{runID}}`, TemplateData{Trial: 7, RunID: "r1"})
	require.NoError(t, err)
	assert.Equal(t, "qa-bot-7-r1", out)

	out, err = e.Render("plain text", TemplateData{})
	require.NoError(t, err)
	assert.Equal(t, "plain text", out)

	_, err = e.Render(`{{env "TAPBENCH_SURELY_UNSET_VAR"}}`, TemplateData{})
	assert.Error(t, err)

	out, err = e.Render(`{{randomChoice "a" "a"}}`, TemplateData{})
	require.NoError(t, err)
	assert.Equal(t, "a", out)
}
