package model

import "time"

// RunStatus represents the lifecycle state of a forecast run.
type RunStatus string

const (
	RunStatusRunning  RunStatus = "running"
	RunStatusComplete RunStatus = "complete"
	RunStatusFailed   RunStatus = "failed"
)

// RunMode is the granularity a run forecasts at.
type RunMode string

const (
	RunModeEntities RunMode = "entities"
	RunModeGroups   RunMode = "groups"
)

// RunSummary aggregates per-entity outcomes of one pipeline run.
type RunSummary struct {
	Discovered  int            `json:"discovered" yaml:"discovered"`
	Written     int            `json:"written" yaml:"written"`
	Skipped     int            `json:"skipped" yaml:"skipped"`
	Failed      int            `json:"failed" yaml:"failed"`
	RowsWritten int64          `json:"rows_written" yaml:"rows_written"`
	Channels    map[string]int `json:"channels,omitempty" yaml:"channels,omitempty"`
	Elapsed     time.Duration  `json:"elapsed" yaml:"elapsed"`
}

// Unprocessed returns the number of discovered entities that were not written.
func (s RunSummary) Unprocessed() int {
	return s.Discovered - s.Written
}

// ForecastRun is a row in forecast_runs.
type ForecastRun struct {
	ID          string      `json:"id" yaml:"id"`
	Mode        RunMode     `json:"mode" yaml:"mode"`
	Status      RunStatus   `json:"status" yaml:"status"`
	HorizonDays int         `json:"horizon_days" yaml:"horizon_days"`
	StartedAt   time.Time   `json:"started_at" yaml:"started_at"`
	CompletedAt *time.Time  `json:"completed_at,omitempty" yaml:"completed_at,omitempty"`
	Summary     *RunSummary `json:"summary,omitempty" yaml:"summary,omitempty"`
	Error       string      `json:"error,omitempty" yaml:"error,omitempty"`
}
