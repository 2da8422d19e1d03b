package forecast

import (
	"math"

	"github.com/sells-group/forecast-cli/internal/model"
)

// minPoints is the shortest series a model is ever given.
const minPoints = 2

// Sanitize prepares a truncated series for the model. It drops points without
// a usable date or value, trims the leading zero-run and validates the result.
// Data-quality problems are returned as *SkipError.
func Sanitize(s model.Series) (model.Series, error) {
	usable := make(model.Series, 0, len(s))
	for _, p := range s {
		if p.Date.IsZero() || math.IsNaN(p.Value) || math.IsInf(p.Value, 0) {
			continue
		}
		usable = append(usable, p)
	}
	if len(usable) < minPoints {
		return nil, &SkipError{Stage: StageLoaded, Reason: ReasonInsufficientData}
	}

	clean := TrimLeadingZeros(usable)
	if len(clean) < minPoints {
		return nil, &SkipError{Stage: StageSanitized, Reason: ReasonNoValidData}
	}

	for i := 1; i < len(clean); i++ {
		if !clean[i].Date.After(clean[i-1].Date) {
			return nil, &SkipError{Stage: StageSanitized, Reason: ReasonMalformedSeries}
		}
	}
	return clean, nil
}

// TrimLeadingZeros keeps the series from its first non-zero value onward.
// An all-zero series becomes empty.
func TrimLeadingZeros(s model.Series) model.Series {
	for i, p := range s {
		if p.Value != 0 {
			return s[i:]
		}
	}
	return model.Series{}
}
