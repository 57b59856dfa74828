package report

import (
	"encoding/json"
	"os"
	"time"

	"tapbench/internal/runner"
	"tapbench/internal/stats"
)

// RunInfo is the JSON document written next to the CSV.
type RunInfo struct {
	RunID       string            `json:"run_id"`
	Scenario    string            `json:"scenario"`
	App         string            `json:"app"`
	Detector    string            `json:"detector"`
	StartedAt   time.Time         `json:"started_at"`
	FinishedAt  time.Time         `json:"finished_at"`
	Trials      int               `json:"trials_planned"`
	Aborted     bool              `json:"aborted"`
	Error       string            `json:"error,omitempty"`
	Summary     stats.Summary     `json:"summary"`
	Percentiles stats.Percentiles `json:"percentiles"`
	Records     []TrialJSON       `json:"trials"`
}

type TrialJSON struct {
	Index     int       `json:"index"`
	Outcome   string    `json:"outcome"`
	StartedAt time.Time `json:"started_at"`
	Seconds   *float64  `json:"duration_seconds"`
	Error     string    `json:"error,omitempty"`
}

// TrialsJSON converts records; non-successful trials have a null duration.
func TrialsJSON(records []runner.TrialRecord) []TrialJSON {
	out := make([]TrialJSON, 0, len(records))
	for _, r := range records {
		t := TrialJSON{Index: r.Index, Outcome: r.Outcome.String(), StartedAt: r.StartedAt}
		if r.Outcome == runner.OutcomeSuccess {
			s := r.Duration.Seconds()
			t.Seconds = &s
		}
		if r.Err != nil {
			t.Error = r.Err.Error()
		}
		out = append(out, t)
	}
	return out
}

// ExportJSON writes info to filename.
func ExportJSON(info RunInfo, filename string) error {
	data, err := json.MarshalIndent(info, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(filename, data, 0644)
}
