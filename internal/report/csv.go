// Package report persists trial results as CSV and JSON.
package report

import (
	"bytes"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"tapbench/internal/runner"
	"tapbench/internal/stats"
)

// TimeLayout is the started_at format.
const TimeLayout = "2006-01-02 15:04:05"

// SummaryLabel is the index cell of the summary row.
const SummaryLabel = "statistics"

// Header is the fixed column order.
var Header = []string{
	"index", "outcome", "started_at", "duration_seconds",
	"mean_seconds", "min_seconds", "max_seconds", "stddev_seconds",
}

var utf8BOM = []byte{0xEF, 0xBB, 0xBF}

// CSVOptions controls encoding details.
type CSVOptions struct {
	// BOM prefixes the file with a UTF-8 byte order mark so spreadsheet apps
	// detect the encoding.
	BOM bool
	// Location is used for started_at; nil means time.Local.
	Location *time.Location
}

func DefaultCSVOptions() CSVOptions {
	return CSVOptions{BOM: true}
}

func (o CSVOptions) loc() *time.Location {
	if o.Location != nil {
		return o.Location
	}
	return time.Local
}

func seconds(v float64) string {
	return strconv.FormatFloat(v, 'f', 4, 64)
}

// WriteCSV writes one row per record followed by the summary row. The summary
// is computed from the successful records only; with none, its values are blank.
func WriteCSV(w io.Writer, records []runner.TrialRecord, opts CSVOptions) error {
	if opts.BOM {
		if _, err := w.Write(utf8BOM); err != nil {
			return err
		}
	}
	cw := csv.NewWriter(w)
	if err := cw.Write(Header); err != nil {
		return err
	}

	for _, r := range records {
		duration := ""
		if r.Outcome == runner.OutcomeSuccess {
			duration = seconds(r.Duration.Seconds())
		}
		row := []string{
			strconv.Itoa(r.Index),
			r.Outcome.String(),
			r.StartedAt.In(opts.loc()).Format(TimeLayout),
			duration,
			"", "", "", "",
		}
		if err := cw.Write(row); err != nil {
			return err
		}
	}

	sum := runner.Summarize(records)
	row := []string{SummaryLabel, "", "", "", "", "", "", ""}
	if sum.Count > 0 {
		row[4], row[5], row[6], row[7] = seconds(sum.Mean), seconds(sum.Min), seconds(sum.Max), seconds(sum.StdDev)
	}
	if err := cw.Write(row); err != nil {
		return err
	}

	cw.Flush()
	return cw.Error()
}

// WriteCSVFile writes the table to path, creating parent directories.
func WriteCSVFile(path string, records []runner.TrialRecord, opts CSVOptions) error {
	return writeFile(path, func(w io.Writer) error { return WriteCSV(w, records, opts) })
}

func writeFile(path string, write func(io.Writer) error) error {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := write(f); err != nil {
		f.Close()
		return fmt.Errorf("write %s: %w", path, err)
	}
	return f.Close()
}

// Table is a parsed result file.
type Table struct {
	Records []runner.TrialRecord
	// Summary is nil when the summary row is blank (no successes).
	Summary *stats.Summary
}

// ReadCSV parses a file produced by WriteCSV. started_at is read in
// opts.Location, so pass the options the file was written with. A leading BOM
// is always accepted.
func ReadCSV(r io.Reader, opts CSVOptions) (*Table, error) {
	raw, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}
	raw = bytes.TrimPrefix(raw, utf8BOM)

	cr := csv.NewReader(bytes.NewReader(raw))
	cr.FieldsPerRecord = len(Header)
	rows, err := cr.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("parse csv: %w", err)
	}
	if len(rows) == 0 {
		return nil, errors.New("empty result file")
	}
	if strings.Join(rows[0], ",") != strings.Join(Header, ",") {
		return nil, fmt.Errorf("unexpected header %q", strings.Join(rows[0], ","))
	}

	t := &Table{}
	sawSummary := false
	for n, row := range rows[1:] {
		line := n + 2
		if sawSummary {
			return nil, fmt.Errorf("line %d: data after the summary row", line)
		}
		if row[0] == SummaryLabel {
			sawSummary = true
			if row[4] == "" {
				continue
			}
			var vals [4]float64
			for i := range vals {
				if vals[i], err = strconv.ParseFloat(row[4+i], 64); err != nil {
					return nil, fmt.Errorf("line %d: %s: %w", line, Header[4+i], err)
				}
			}
			t.Summary = &stats.Summary{Mean: vals[0], Min: vals[1], Max: vals[2], StdDev: vals[3]}
			continue
		}

		rec, err := parseRow(row, opts.loc())
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		t.Records = append(t.Records, rec)
	}
	if !sawSummary {
		return nil, errors.New("missing summary row")
	}
	if t.Summary != nil {
		for _, r := range t.Records {
			if r.Outcome == runner.OutcomeSuccess {
				t.Summary.Count++
			}
		}
	}
	return t, nil
}

func parseRow(row []string, loc *time.Location) (runner.TrialRecord, error) {
	idx, err := strconv.Atoi(row[0])
	if err != nil {
		return runner.TrialRecord{}, fmt.Errorf("index: %w", err)
	}
	outcome, err := runner.ParseOutcome(row[1])
	if err != nil {
		return runner.TrialRecord{}, err
	}
	started, err := time.ParseInLocation(TimeLayout, row[2], loc)
	if err != nil {
		return runner.TrialRecord{}, fmt.Errorf("started_at: %w", err)
	}
	rec := runner.TrialRecord{Index: idx, Outcome: outcome, StartedAt: started}
	if row[3] != "" {
		secs, err := strconv.ParseFloat(row[3], 64)
		if err != nil {
			return rec, fmt.Errorf("duration: %w", err)
		}
		rec.Duration = time.Duration(math.Round(secs * float64(time.Second)))
	}
	return rec, nil
}
