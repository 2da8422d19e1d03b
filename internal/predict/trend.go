// Package predict provides the built-in forecasting model: a least-squares
// linear trend with day-of-cycle seasonal offsets.
package predict

import (
	"context"
	"math"
	"time"

	"github.com/rotisserie/eris"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"

	"github.com/sells-group/forecast-cli/internal/model"
)

const hoursPerDay = 24

// Trend fits y = alpha + beta*t over the most recent WindowDays of history and
// adds the mean residual of each position in a SeasonDays cycle.
type Trend struct {
	// SeasonDays is the cycle length; 0 or 1 disables seasonality.
	SeasonDays int
	// WindowDays limits the fit to the trailing window; 0 uses all history.
	WindowDays int
}

// NewTrend creates a Trend model.
func NewTrend(seasonDays, windowDays int) *Trend {
	return &Trend{SeasonDays: seasonDays, WindowDays: windowDays}
}

// Forecast implements forecast.Model.
func (t *Trend) Forecast(ctx context.Context, history model.Series, horizonDays int) (model.Series, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if horizonDays < 1 {
		return nil, eris.Errorf("predict: invalid horizon %d", horizonDays)
	}
	if len(history) < 2 {
		return nil, eris.Errorf("predict: need at least 2 points, got %d", len(history))
	}

	fit := t.window(history)
	origin := model.Day(fit[0].Date)

	xs := make([]float64, len(fit))
	ys := fit.Values()
	for i, p := range fit {
		xs[i] = daysBetween(origin, p.Date)
	}
	if floats.HasNaN(ys) {
		return nil, eris.New("predict: history contains NaN")
	}

	alpha, beta := stat.LinearRegression(xs, ys, nil, false)
	if math.IsNaN(alpha) || math.IsNaN(beta) {
		return nil, eris.New("predict: degenerate regression")
	}

	offsets := t.seasonalOffsets(xs, ys, alpha, beta)

	last := model.Day(fit.Last().Date)
	out := make(model.Series, horizonDays)
	for i := range out {
		date := last.AddDate(0, 0, i+1)
		x := daysBetween(origin, date)
		value := alpha + beta*x
		if offsets != nil {
			value += offsets[cyclePos(x, len(offsets))]
		}
		out[i] = model.Point{Date: date, Value: value}
	}
	return out, nil
}

func (t *Trend) window(history model.Series) model.Series {
	if t.WindowDays <= 0 {
		return history
	}
	cutoff := model.Day(history.Last().Date).AddDate(0, 0, -t.WindowDays)
	for i, p := range history {
		if p.Date.After(cutoff) {
			if len(history)-i < 2 {
				return history[len(history)-2:]
			}
			return history[i:]
		}
	}
	return history
}

// seasonalOffsets returns the centered mean residual per cycle position, or
// nil when there is less than two full cycles of data.
func (t *Trend) seasonalOffsets(xs, ys []float64, alpha, beta float64) []float64 {
	season := t.SeasonDays
	if season < 2 || daysBetweenSpan(xs) < float64(2*season) {
		return nil
	}

	sums := make([]float64, season)
	counts := make([]float64, season)
	for i, x := range xs {
		pos := cyclePos(x, season)
		sums[pos] += ys[i] - (alpha + beta*x)
		counts[pos]++
	}

	offsets := make([]float64, season)
	for i := range offsets {
		if counts[i] > 0 {
			offsets[i] = sums[i] / counts[i]
		}
	}
	floats.AddConst(-stat.Mean(offsets, nil), offsets)
	return offsets
}

func daysBetween(from, to time.Time) float64 {
	return math.Round(to.Sub(from).Hours() / hoursPerDay)
}

func daysBetweenSpan(xs []float64) float64 {
	return floats.Max(xs) - floats.Min(xs) + 1
}

func cyclePos(x float64, season int) int {
	pos := int(x) % season
	if pos < 0 {
		pos += season
	}
	return pos
}
