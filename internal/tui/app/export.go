package app

import (
	"errors"
	"math"
	"time"

	"tapbench/internal/report"
	"tapbench/internal/runner"
	"tapbench/internal/storage"
)

// ExportHistory writes a stored run as <base>.csv and <base>.json.
func ExportHistory(item storage.HistoryItem, base string) error {
	records, err := recordsOf(item)
	if err != nil {
		return err
	}
	if err := report.WriteCSVFile(base+".csv", records, report.DefaultCSVOptions()); err != nil {
		return err
	}
	info := report.RunInfo{
		RunID:       item.RunID,
		Scenario:    item.Scenario,
		App:         item.App,
		Detector:    item.Detector,
		FinishedAt:  item.Timestamp,
		Trials:      item.Trials,
		Aborted:     item.Aborted,
		Error:       item.Error,
		Summary:     item.Summary,
		Percentiles: item.Percentiles,
		Records:     item.Records,
	}
	return report.ExportJSON(info, base+".json")
}

func recordsOf(item storage.HistoryItem) ([]runner.TrialRecord, error) {
	out := make([]runner.TrialRecord, 0, len(item.Records))
	for _, t := range item.Records {
		o, err := runner.ParseOutcome(t.Outcome)
		if err != nil {
			return nil, err
		}
		rec := runner.TrialRecord{Index: t.Index, Outcome: o, StartedAt: t.StartedAt}
		if t.Seconds != nil {
			rec.Duration = time.Duration(math.Round(*t.Seconds * float64(time.Second)))
		}
		if t.Error != "" {
			rec.Err = errors.New(t.Error)
		}
		out = append(out, rec)
	}
	return out, nil
}
