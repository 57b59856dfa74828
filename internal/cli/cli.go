// Package cli drives scenario plans headlessly: it runs each plan, prints
// progress, writes the reports and hands the results to the history sinks.
package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"tapbench/internal/device"
	"tapbench/internal/logger"
	"tapbench/internal/report"
	"tapbench/internal/runner"
	"tapbench/internal/scenario"
	"tapbench/internal/storage"
)

// Options controls Execute.
type Options struct {
	CSV  report.CSVOptions
	JSON bool

	// Sinks receive every run, including aborted ones.
	Sinks []storage.Sink

	// Updates, when set, receives every snapshot instead of the progress printer.
	Updates runner.StatsUpdateChan

	// Out is where progress and summaries go; nil means stdout.
	Out io.Writer

	// Dial builds the session opener for a plan; nil means Opener.
	Dial func(scenario.Plan) runner.Opener

	// Comparison, when set, receives one summary row per plan after all
	// plans have run.
	Comparison string
}

// Result is what one plan produced.
type Result struct {
	Plan    scenario.Plan
	Records []runner.TrialRecord
	Info    report.RunInfo
	Err     error
}

// Execute runs plans in order. A failing plan does not stop the next one
// unless ctx is done. Reports are written even when a run aborts.
func Execute(ctx context.Context, plans []scenario.Plan, opts Options) ([]Result, error) {
	out := opts.Out
	if out == nil {
		out = os.Stdout
	}

	var (
		results []Result
		errs    []error
	)
	for _, plan := range plans {
		if ctx.Err() != nil {
			errs = append(errs, ctx.Err())
			break
		}
		res := runPlan(ctx, plan, opts, out)
		results = append(results, res)
		if res.Err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", plan.Config.App, res.Err))
		}
	}
	if opts.Comparison != "" && len(results) > 0 {
		if err := writeComparison(opts.Comparison, results, opts.CSV); err != nil {
			errs = append(errs, err)
		} else {
			fmt.Fprintf(out, "📋 Comparison saved to %s\n", opts.Comparison)
		}
	}
	return results, errors.Join(errs...)
}

// Opener dials plan's automation server with its capabilities.
func Opener(plan scenario.Plan) runner.Opener {
	return func(ctx context.Context) (device.Session, error) {
		return device.Dial(ctx, plan.Server, plan.Capabilities)
	}
}

func runPlan(ctx context.Context, plan scenario.Plan, opts Options, out io.Writer) Result {
	cfg := plan.Config
	if opts.Updates == nil {
		printHeader(out, plan)
	}

	updates := opts.Updates
	var printed chan struct{}
	if updates == nil {
		updates = make(runner.StatsUpdateChan, 16)
		printed = make(chan struct{})
		go func() {
			defer close(printed)
			printProgress(out, updates)
		}()
	}

	dial := opts.Dial
	if dial == nil {
		dial = Opener
	}
	r := runner.New(cfg, dial(plan), updates)
	started := time.Now()
	records, runErr := r.Run(ctx)
	finished := time.Now()

	if printed != nil {
		close(updates)
		<-printed
	}

	info := report.RunInfo{
		RunID:       cfg.RunID,
		Scenario:    cfg.Name,
		App:         cfg.App,
		StartedAt:   started,
		FinishedAt:  finished,
		Trials:      cfg.Trials,
		Aborted:     runErr != nil,
		Summary:     runner.Summarize(records),
		Percentiles: r.Stats.Percentiles(),
		Records:     report.TrialsJSON(records),
	}
	if cfg.Detector != nil {
		info.Detector = cfg.Detector.Describe()
	}
	if runErr != nil {
		info.Error = runErr.Error()
	}
	res := Result{Plan: plan, Records: records, Info: info, Err: runErr}

	// No session was ever opened, so nothing touched the device: keep
	// whatever an earlier run left at Output. Once connected, the file always
	// reflects this run, even with zero trials.
	if runErr != nil && !r.Started() {
		logger.Logger.Error("run failed before connecting", "app", cfg.App, "err", runErr)
		return res
	}

	var errs []error
	if runErr != nil {
		errs = append(errs, runErr)
	}
	if err := report.WriteCSVFile(plan.Output, records, opts.CSV); err != nil {
		errs = append(errs, fmt.Errorf("write csv: %w", err))
	} else {
		logger.Logger.Info("results written", "path", plan.Output, "trials", len(records))
	}
	if opts.JSON {
		path := JSONPath(plan.Output)
		if err := report.ExportJSON(info, path); err != nil {
			errs = append(errs, fmt.Errorf("write json: %w", err))
		}
	}
	persist(ctx, cfg, plan.Output, records, res, opts.Sinks)

	if opts.Updates == nil {
		printSummary(out, res)
	}
	res.Err = errors.Join(errs...)
	return res
}

// writeComparison writes one summary row per plan, in run order.
func writeComparison(path string, results []Result, opts report.CSVOptions) error {
	rows := make([]report.ComparisonRow, 0, len(results))
	for _, res := range results {
		rows = append(rows, report.NewComparisonRow(res.Plan.Config.App, res.Records, res.Info.Aborted))
	}
	if err := report.WriteComparisonFile(path, rows, opts); err != nil {
		return fmt.Errorf("write comparison: %w", err)
	}
	logger.Logger.Info("comparison written", "path", path, "apps", len(rows))
	return nil
}

// JSONPath swaps the CSV extension for .json.
func JSONPath(csvPath string) string {
	return strings.TrimSuffix(csvPath, filepath.Ext(csvPath)) + ".json"
}

func persist(ctx context.Context, cfg runner.Config, output string, records []runner.TrialRecord, res Result, sinks []storage.Sink) {
	if len(sinks) == 0 {
		return
	}
	item := storage.NewHistoryItem(cfg, records)
	item.Output = output
	item.Aborted = res.Info.Aborted
	item.Error = res.Info.Error
	item.Percentiles = res.Info.Percentiles

	// Still record runs cut short by Ctrl+C.
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
	defer cancel()
	for _, s := range sinks {
		if err := s.SaveRun(ctx, item, records); err != nil {
			logger.Logger.Warn("could not save run history", "sink", fmt.Sprintf("%T", s), "err", err)
		}
	}
}

func printHeader(out io.Writer, plan scenario.Plan) {
	cfg := plan.Config
	fmt.Fprintf(out, "\n🚀 STARTING TAPBENCH SCENARIO\n")
	fmt.Fprintf(out, "======================================================================\n")
	fmt.Fprintf(out, "Scenario   : %s\n", cfg.Name)
	fmt.Fprintf(out, "App        : %s\n", cfg.App)
	fmt.Fprintf(out, "Server     : %s\n", plan.Server)
	fmt.Fprintf(out, "Trials     : %d\n", cfg.Trials)
	if cfg.Detector != nil {
		fmt.Fprintf(out, "Detector   : %s\n", cfg.Detector.Describe())
	}
	fmt.Fprintf(out, "Output     : %s\n", plan.Output)
	fmt.Fprintf(out, "======================================================================\n\n")
}

func printProgress(out io.Writer, updates runner.StatsUpdateChan) {
	for snap := range updates {
		if snap.Total == 0 {
			continue
		}
		pct := float64(snap.Trial) / float64(snap.Total)
		last := "-"
		if snap.Trial > 0 {
			last = snap.Last.Outcome.String()
			if snap.Last.Outcome == runner.OutcomeSuccess {
				last = fmt.Sprintf("%.3fs", snap.Last.Seconds())
			}
		}
		fmt.Fprintf(out, "\r%s %3.0f%% | %d/%d | OK: %d | Timeout: %d | Fail: %d | Last: %-9s",
			progressBar(pct, 20), pct*100,
			snap.Trial, snap.Total,
			snap.Success, snap.Timeout, snap.Fail,
			last,
		)
		if snap.Done {
			fmt.Fprintln(out)
		}
	}
}

func progressBar(pct float64, width int) string {
	filled := int(pct * float64(width))
	if filled > width {
		filled = width
	}
	if filled < 0 {
		filled = 0
	}
	return "[" + strings.Repeat("█", filled) + strings.Repeat("-", width-filled) + "]"
}

func printSummary(out io.Writer, res Result) {
	info := res.Info
	var ok, timeouts, fails int
	errCounts := map[string]int{}
	for _, r := range res.Records {
		switch r.Outcome {
		case runner.OutcomeSuccess:
			ok++
		case runner.OutcomeTimeout:
			timeouts++
		default:
			fails++
		}
		if r.Err != nil && r.Outcome != runner.OutcomeSuccess {
			errCounts[r.Err.Error()]++
		}
	}

	fmt.Fprintf(out, "\n📊 %s / %s\n", info.Scenario, info.App)
	fmt.Fprintf(out, "======================================================================\n")
	fmt.Fprintf(out, "Wall Time      : %s\n", info.FinishedAt.Sub(info.StartedAt).Round(time.Second))
	fmt.Fprintf(out, "Trials Run     : %d/%d\n", len(res.Records), info.Trials)
	fmt.Fprintf(out, "Success        : %d\n", ok)
	fmt.Fprintf(out, "Timeout        : %d\n", timeouts)
	fmt.Fprintf(out, "Failure        : %d\n", fails)
	if info.Summary.Count > 0 {
		fmt.Fprintf(out, "\n⏱️  DURATION (s) [Success Only]\n")
		fmt.Fprintf(out, "   Mean   : %.4f\n", info.Summary.Mean)
		fmt.Fprintf(out, "   Min    : %.4f\n", info.Summary.Min)
		fmt.Fprintf(out, "   Max    : %.4f\n", info.Summary.Max)
		fmt.Fprintf(out, "   StdDev : %.4f\n", info.Summary.StdDev)
		fmt.Fprintf(out, "   P50/P90/P99 (ms) : %.0f / %.0f / %.0f\n",
			info.Percentiles.P50, info.Percentiles.P90, info.Percentiles.P99)
	}
	if len(errCounts) > 0 {
		fmt.Fprintf(out, "\n❌ FAILURE SUMMARY\n")
		for errStr, count := range errCounts {
			fmt.Fprintf(out, "   %d x %s\n", count, errStr)
		}
	}
	if info.Aborted {
		fmt.Fprintf(out, "\n⚠️  Run aborted: %s\n", info.Error)
	}
	fmt.Fprintf(out, "======================================================================\n")
	fmt.Fprintf(out, "💾 Results saved to %s\n", res.Plan.Output)
}
