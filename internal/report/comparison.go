package report

import (
	"encoding/csv"
	"io"
	"strconv"

	"tapbench/internal/runner"
	"tapbench/internal/stats"
)

// ComparisonHeader is the column order of the cross-app table.
var ComparisonHeader = []string{
	"app", "trials", "success", "timeout", "failure", "aborted",
	"mean_seconds", "min_seconds", "max_seconds", "stddev_seconds",
}

// ComparisonRow summarises one app of a multi-app run.
type ComparisonRow struct {
	App     string
	Trials  int
	Success int
	Timeout int
	Failure int
	Aborted bool
	Summary stats.Summary
}

// NewComparisonRow counts outcomes and summarises the successful trials.
func NewComparisonRow(app string, records []runner.TrialRecord, aborted bool) ComparisonRow {
	row := ComparisonRow{App: app, Trials: len(records), Aborted: aborted, Summary: runner.Summarize(records)}
	for _, r := range records {
		switch r.Outcome {
		case runner.OutcomeSuccess:
			row.Success++
		case runner.OutcomeTimeout:
			row.Timeout++
		default:
			row.Failure++
		}
	}
	return row
}

// WriteComparison writes one line per app. Apps without a successful trial
// have blank statistics.
func WriteComparison(w io.Writer, rows []ComparisonRow, opts CSVOptions) error {
	if opts.BOM {
		if _, err := w.Write(utf8BOM); err != nil {
			return err
		}
	}
	cw := csv.NewWriter(w)
	if err := cw.Write(ComparisonHeader); err != nil {
		return err
	}
	for _, r := range rows {
		line := []string{
			r.App,
			strconv.Itoa(r.Trials),
			strconv.Itoa(r.Success),
			strconv.Itoa(r.Timeout),
			strconv.Itoa(r.Failure),
			strconv.FormatBool(r.Aborted),
			"", "", "", "",
		}
		if r.Summary.Count > 0 {
			line[6], line[7], line[8], line[9] = seconds(r.Summary.Mean), seconds(r.Summary.Min), seconds(r.Summary.Max), seconds(r.Summary.StdDev)
		}
		if err := cw.Write(line); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

// WriteComparisonFile writes the table to path, creating parent directories.
func WriteComparisonFile(path string, rows []ComparisonRow, opts CSVOptions) error {
	return writeFile(path, func(w io.Writer) error { return WriteComparison(w, rows, opts) })
}
