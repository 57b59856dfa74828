package storage

import (
	"context"
	"time"

	"github.com/google/uuid"

	"tapbench/internal/report"
	"tapbench/internal/runner"
	"tapbench/internal/stats"
)

// HistoryItem is one persisted run of one app.
type HistoryItem struct {
	ID        string    `json:"id"`
	RunID     string    `json:"run_id"`
	Timestamp time.Time `json:"timestamp"`
	Scenario  string    `json:"scenario"`
	App       string    `json:"app"`
	Detector  string    `json:"detector"`
	Output    string    `json:"output"`

	Trials  int    `json:"trials"`
	Success int    `json:"success"`
	Fail    int    `json:"fail"`
	Timeout int    `json:"timeout"`
	Aborted bool   `json:"aborted"`
	Error   string `json:"error,omitempty"`

	Summary     stats.Summary      `json:"summary"`
	Percentiles stats.Percentiles  `json:"percentiles"`
	Records     []report.TrialJSON `json:"records,omitempty"`
}

// Sink receives finished runs.
type Sink interface {
	SaveRun(ctx context.Context, item HistoryItem, records []runner.TrialRecord) error
}

// NewHistoryItem summarises records. IDs are time-ordered (UUIDv7) so the
// bolt store lists runs chronologically by key.
func NewHistoryItem(cfg runner.Config, records []runner.TrialRecord) HistoryItem {
	id, err := uuid.NewV7()
	if err != nil {
		id = uuid.New()
	}
	item := HistoryItem{
		ID:        id.String(),
		RunID:     cfg.RunID,
		Timestamp: time.Now(),
		Scenario:  cfg.Name,
		App:       cfg.App,
		Trials:    len(records),
		Summary:   runner.Summarize(records),
	}
	if cfg.Detector != nil {
		item.Detector = cfg.Detector.Describe()
	}
	for _, r := range records {
		switch r.Outcome {
		case runner.OutcomeSuccess:
			item.Success++
		case runner.OutcomeTimeout:
			item.Timeout++
		default:
			item.Fail++
		}
	}
	return item
}
