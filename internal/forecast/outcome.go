package forecast

import (
	"fmt"
	"time"

	"github.com/sells-group/forecast-cli/internal/model"
)

// Stage is a per-entity pipeline state.
type Stage int

const (
	StageDiscovered Stage = iota
	StageLoaded
	StageSanitized
	StageForecasted
	StageNormalized
	StageWritten
)

func (s Stage) String() string {
	switch s {
	case StageDiscovered:
		return "discovered"
	case StageLoaded:
		return "loaded"
	case StageSanitized:
		return "sanitized"
	case StageForecasted:
		return "forecasted"
	case StageNormalized:
		return "normalized"
	case StageWritten:
		return "written"
	default:
		return fmt.Sprintf("stage(%d)", int(s))
	}
}

// Status is the terminal state of an entity.
type Status string

const (
	StatusWritten Status = "written"
	StatusSkipped Status = "skipped"
	StatusFailed  Status = "failed"
)

// Skip reasons.
const (
	ReasonInsufficientData = "insufficient data"
	ReasonNoValidData      = "no valid data after cleaning leading zeros"
	ReasonMalformedSeries  = "malformed series"
)

// SkipError signals a data-quality problem. The entity is skipped, not failed.
type SkipError struct {
	Stage  Stage
	Reason string
}

func (e *SkipError) Error() string {
	return fmt.Sprintf("skip at %s: %s", e.Stage, e.Reason)
}

// Outcome is the result of processing one entity. Stage is the state a skip
// left from, or the stage a failure happened in.
type Outcome struct {
	Entity  model.Entity
	Status  Status
	Stage   Stage
	Rows    int64
	Reason  string
	Err     error
	Elapsed time.Duration
}

func written(e model.Entity, rows int64) Outcome {
	return Outcome{Entity: e, Status: StatusWritten, Stage: StageWritten, Rows: rows}
}

func skipped(e model.Entity, stage Stage, reason string) Outcome {
	return Outcome{Entity: e, Status: StatusSkipped, Stage: stage, Reason: reason}
}

func failed(e model.Entity, stage Stage, err error) Outcome {
	return Outcome{Entity: e, Status: StatusFailed, Stage: stage, Err: err}
}
