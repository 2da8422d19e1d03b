package forecast

import (
	"context"
	"math"
	"runtime/debug"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/forecast-cli/internal/model"
)

// Model produces horizonDays daily points following the last date of history.
type Model interface {
	Forecast(ctx context.Context, history model.Series, horizonDays int) (model.Series, error)
}

// ModelFunc adapts a function to the Model interface.
type ModelFunc func(ctx context.Context, history model.Series, horizonDays int) (model.Series, error)

// Forecast calls f.
func (f ModelFunc) Forecast(ctx context.Context, history model.Series, horizonDays int) (model.Series, error) {
	return f(ctx, history, horizonDays)
}

// Adapter invokes a Model and enforces its output contract.
type Adapter struct {
	model Model
}

// NewAdapter wraps m.
func NewAdapter(m Model) *Adapter {
	return &Adapter{model: m}
}

// Forecast returns exactly horizon points dated D+1..D+h, where D is the last
// history date. Model errors, panics and contract violations are returned as
// errors.
func (a *Adapter) Forecast(ctx context.Context, history model.Series, horizon int) (out model.Series, err error) {
	if horizon < 1 {
		return nil, eris.Errorf("forecast: invalid horizon %d", horizon)
	}
	if len(history) == 0 {
		return nil, eris.New("forecast: empty history")
	}

	defer func() {
		if r := recover(); r != nil {
			out = nil
			err = eris.Errorf("forecast: model panicked: %v\n%s", r, debug.Stack())
		}
	}()

	out, err = a.model.Forecast(ctx, history, horizon)
	if err != nil {
		return nil, eris.Wrap(err, "forecast: model")
	}
	if err := checkContract(history.Last().Date, horizon, out); err != nil {
		return nil, err
	}
	return out, nil
}

func checkContract(last time.Time, horizon int, out model.Series) error {
	if len(out) != horizon {
		return eris.Errorf("forecast: model returned %d points, want %d", len(out), horizon)
	}
	start := model.Day(last)
	for i, p := range out {
		want := start.AddDate(0, 0, i+1)
		if got := model.Day(p.Date); !got.Equal(want) {
			return eris.Errorf("forecast: point %d dated %s, want %s",
				i, got.Format(model.DateLayout), want.Format(model.DateLayout))
		}
		if math.IsNaN(p.Value) || math.IsInf(p.Value, 0) {
			return eris.Errorf("forecast: point %d has non-finite value %v", i, p.Value)
		}
	}
	return nil
}
