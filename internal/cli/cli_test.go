package cli

import (
	"bytes"
	"context"
	"errors"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tapbench/internal/detect"
	"tapbench/internal/device"
	"tapbench/internal/device/devicetest"
	"tapbench/internal/mockdevice"
	"tapbench/internal/report"
	"tapbench/internal/runner"
	"tapbench/internal/scenario"
	"tapbench/internal/storage"
)

func mockFile(t *testing.T) *scenario.File {
	t.Helper()
	f := scenario.Sample()
	f.App = ""
	f.Apps = []scenario.AppSpec{{ID: "com.example.shop"}, {ID: "com.example.shop.beta"}}
	f.Trials = 2
	f.TimeoutSeconds = 2
	f.SettleSeconds = 0
	f.Recovery = scenario.RecoverySpec{KillPauseSeconds: 0.001, SettleSeconds: 0.001}
	f.Cleanup[0].PauseSeconds = 0
	f.Output = filepath.Join(t.TempDir(), "{{scenario}}_{{app}}.csv")
	return f
}

func mockServer(t *testing.T, p mockdevice.Profile) (*mockdevice.Server, string) {
	t.Helper()
	s := mockdevice.NewServer(p)
	ts := httptest.NewServer(s)
	t.Cleanup(ts.Close)
	return s, ts.URL
}

type recordingSink struct {
	items []storage.HistoryItem
	err   error
}

func (r *recordingSink) SaveRun(_ context.Context, item storage.HistoryItem, _ []runner.TrialRecord) error {
	r.items = append(r.items, item)
	return r.err
}

func TestExecute_WritesReportsPerApp(t *testing.T) {
	_, url := mockServer(t, mockdevice.Profile{Name: "test", MinLatency: 20 * time.Millisecond, MaxLatency: 20 * time.Millisecond})
	plans, err := scenario.Build(mockFile(t), scenario.Overrides{Server: url})
	require.NoError(t, err)
	require.Len(t, plans, 2)

	store, err := storage.Open(filepath.Join(t.TempDir(), "history.db"))
	require.NoError(t, err)
	defer store.Close()
	failing := &recordingSink{err: errors.New("db down")}

	var out bytes.Buffer
	results, err := Execute(context.Background(), plans, Options{
		CSV:   report.DefaultCSVOptions(),
		JSON:  true,
		Sinks: []storage.Sink{store, failing},
		Out:   &out,
	})
	require.NoError(t, err, "a failing sink does not fail the run")
	require.Len(t, results, 2)

	for _, res := range results {
		f, err := os.Open(res.Plan.Output)
		require.NoError(t, err)
		table, err := report.ReadCSV(f, report.CSVOptions{})
		f.Close()
		require.NoError(t, err)
		require.Len(t, table.Records, 2)
		require.NotNil(t, table.Summary)
		assert.Equal(t, 2, table.Summary.Count)

		_, err = os.Stat(JSONPath(res.Plan.Output))
		assert.NoError(t, err)
	}

	items, err := store.List()
	require.NoError(t, err)
	assert.Len(t, items, 2)
	assert.Len(t, failing.items, 2)
	assert.Contains(t, out.String(), "STARTING TAPBENCH SCENARIO")
	assert.Contains(t, out.String(), "2/2")
}

func TestExecute_AbortStillWritesPartialCSV(t *testing.T) {
	srv := mockdevice.NewServer(mockdevice.Profile{Name: "hang", HangRate: 1})
	ts := httptest.NewServer(srv)
	defer ts.Close()

	f := mockFile(t)
	f.Apps = nil
	f.App = "com.example.shop"
	f.TimeoutSeconds = 1
	plans, err := scenario.Build(f, scenario.Overrides{Server: ts.URL})
	require.NoError(t, err)

	// The device goes away while the first trial polls, so the session
	// cannot be reopened for recovery.
	go func() {
		for srv.Launches() < 1 {
			time.Sleep(time.Millisecond)
		}
		time.Sleep(100 * time.Millisecond)
		ts.Close()
	}()

	sink := &recordingSink{}
	results, err := Execute(context.Background(), plans, Options{
		Sinks: []storage.Sink{sink},
		Out:   &bytes.Buffer{},
	})
	require.Error(t, err)
	require.Len(t, results, 1)
	res := results[0]
	require.Error(t, res.Err)
	assert.True(t, res.Info.Aborted)

	table := readTable(t, res.Plan.Output)
	assert.Len(t, table.Records, len(res.Records))
	require.Len(t, sink.items, 1)
	assert.True(t, sink.items[0].Aborted)
}

func TestExecute_OpenFailureKeepsOldOutput(t *testing.T) {
	f := mockFile(t)
	f.Apps = nil
	f.App = "com.example.shop"
	plans, err := scenario.Build(f, scenario.Overrides{Server: "http://127.0.0.1:1"})
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(plans[0].Output, []byte("previous"), 0o644))

	_, err = Execute(context.Background(), plans, Options{Out: &bytes.Buffer{}})
	require.Error(t, err)

	b, err := os.ReadFile(plans[0].Output)
	require.NoError(t, err)
	assert.Equal(t, "previous", string(b))
}

// fakePlan runs against an in-memory session; "results" decides whether the
// completion signal ever shows up.
func fakePlan(t *testing.T, trials int, results bool) (scenario.Plan, *devicetest.Fake, Options) {
	t.Helper()
	det, err := detect.NewSignal(device.Locator{Using: "id", Value: "results"}, 50*time.Millisecond)
	require.NoError(t, err)
	plan := scenario.Plan{
		Config: runner.Config{
			Name:     "search",
			App:      "com.example.shop",
			Trials:   trials,
			Trigger:  runner.Trigger{Step: runner.Step{Action: runner.ActionClick, Target: &device.Locator{Using: "id", Value: "search-button"}}},
			Detector: det,
			Recovery: runner.Recovery{KillPause: time.Millisecond, Settle: time.Millisecond},
		},
		Output: filepath.Join(t.TempDir(), "search.csv"),
	}
	visible := []string{"search-button"}
	if results {
		visible = append(visible, "results")
	}
	sess := devicetest.New(visible...)
	opts := Options{
		Out: &bytes.Buffer{},
		Dial: func(scenario.Plan) runner.Opener {
			return func(context.Context) (device.Session, error) { return sess, nil }
		},
	}
	return plan, sess, opts
}

func readTable(t *testing.T, path string) *report.Table {
	t.Helper()
	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()
	table, err := report.ReadCSV(f, report.CSVOptions{})
	require.NoError(t, err)
	return table
}

func TestExecute_CleanupPanicStillWritesCSV(t *testing.T) {
	plan, sess, opts := fakePlan(t, 3, true)
	plan.Config.Cleanup = []runner.Step{{Action: runner.ActionTap, Point: runner.Point{X: 10, Y: 10}}}
	sess.TapFunc = func(context.Context, int, int) error { panic("driver bug") }

	results, err := Execute(context.Background(), []scenario.Plan{plan}, opts)
	require.NoError(t, err, "cleanup problems never change the outcome")
	require.Len(t, results, 1)

	table := readTable(t, plan.Output)
	require.Len(t, table.Records, 3)
	for _, r := range table.Records {
		assert.Equal(t, runner.OutcomeSuccess, r.Outcome)
	}
}

func TestExecute_RecoveryPanicWritesPartialCSV(t *testing.T) {
	plan, sess, opts := fakePlan(t, 5, false)
	sess.LaunchFunc = func(context.Context, string) error { panic("driver bug") }

	results, err := Execute(context.Background(), []scenario.Plan{plan}, opts)
	require.Error(t, err)
	assert.ErrorIs(t, err, runner.ErrRecoveryFailed)
	assert.ErrorIs(t, err, runner.ErrSessionPanic)
	require.Len(t, results, 1)
	assert.True(t, results[0].Info.Aborted)

	table := readTable(t, plan.Output)
	require.Len(t, table.Records, 1)
	assert.Equal(t, runner.OutcomeTimeout, table.Records[0].Outcome)
}

func TestExecute_AbortBeforeFirstTrialReplacesOldOutput(t *testing.T) {
	plan, sess, opts := fakePlan(t, 3, true)
	plan.Config.Setup = []runner.Step{{Action: runner.ActionWaitFor, Target: &device.Locator{Using: "id", Value: "home"}, Timeout: 20 * time.Millisecond}}
	sess.LaunchFunc = func(context.Context, string) error { return errors.New("app crashed on launch") }
	require.NoError(t, os.WriteFile(plan.Output, []byte("previous"), 0o644))

	results, err := Execute(context.Background(), []scenario.Plan{plan}, opts)
	require.ErrorIs(t, err, runner.ErrRecoveryFailed)
	require.Len(t, results, 1)
	assert.Empty(t, results[0].Records)

	table := readTable(t, plan.Output)
	assert.Empty(t, table.Records)
	assert.Nil(t, table.Summary)
}

func TestExecute_WritesComparison(t *testing.T) {
	fast, fastSess, opts := fakePlan(t, 2, true)
	slow, slowSess, _ := fakePlan(t, 2, false)
	slow.Config.App = "com.example.other"
	sessions := map[string]*devicetest.Fake{fast.Config.App: fastSess, slow.Config.App: slowSess}
	opts.Dial = func(p scenario.Plan) runner.Opener {
		sess := sessions[p.Config.App]
		return func(context.Context) (device.Session, error) { return sess, nil }
	}
	opts.Comparison = filepath.Join(t.TempDir(), "compare.csv")

	_, err := Execute(context.Background(), []scenario.Plan{fast, slow}, opts)
	require.NoError(t, err)

	b, err := os.ReadFile(opts.Comparison)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimRight(string(b), "\n"), "\n")
	require.Len(t, lines, 3)
	assert.True(t, strings.HasPrefix(lines[1], "com.example.shop,2,2,0,0,false,"))
	assert.Equal(t, "com.example.other,2,0,2,0,false,,,,", lines[2])
}

func TestExecute_CancelledContext(t *testing.T) {
	_, url := mockServer(t, mockdevice.Profile{Name: "instant"})
	plans, err := scenario.Build(mockFile(t), scenario.Overrides{Server: url})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	results, err := Execute(ctx, plans, Options{Out: &bytes.Buffer{}})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, results)
}

func TestExecute_ForwardsUpdates(t *testing.T) {
	_, url := mockServer(t, mockdevice.Profile{Name: "instant"})
	f := mockFile(t)
	f.Apps = nil
	f.App = "com.example.shop"
	plans, err := scenario.Build(f, scenario.Overrides{Server: url})
	require.NoError(t, err)

	updates := make(runner.StatsUpdateChan, 16)
	var out bytes.Buffer
	_, err = Execute(context.Background(), plans, Options{Updates: updates, Out: &out})
	require.NoError(t, err)
	assert.Empty(t, out.String(), "progress goes to the channel")

	var last runner.StatsSnapshot
	for len(updates) > 0 {
		last = <-updates
	}
	assert.True(t, last.Done)
	assert.Equal(t, uint64(2), last.Success)
}

func TestProgressBar(t *testing.T) {
	assert.Equal(t, "[----]", progressBar(0, 4))
	assert.Equal(t, "[██--]", progressBar(0.5, 4))
	assert.Equal(t, "[████]", progressBar(1.5, 4))
	assert.Equal(t, "[----]", progressBar(-1, 4))
}

func TestJSONPath(t *testing.T) {
	assert.Equal(t, "out/search.json", JSONPath("out/search.csv"))
	assert.Equal(t, "results.json", JSONPath("results"))
}
