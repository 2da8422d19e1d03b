package forecast

import (
	"context"
	"errors"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/forecast-cli/internal/model"
)

func TestAdapter_Contiguous(t *testing.T) {
	history := series("2024-01-01", 10, 0, 7)
	out, err := NewAdapter(constantModel(1)).Forecast(context.Background(), history, 5)
	require.NoError(t, err)
	require.Len(t, out, 5)
	for i, p := range out {
		assert.Equal(t, day("2024-01-03").AddDate(0, 0, i+1), p.Date)
	}
}

func TestAdapter_WrongLength(t *testing.T) {
	m := ModelFunc(func(_ context.Context, h model.Series, _ int) (model.Series, error) {
		return series("2024-01-04", 1), nil
	})
	_, err := NewAdapter(m).Forecast(context.Background(), series("2024-01-01", 1, 2, 3), 2)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "returned 1 points, want 2")
}

func TestAdapter_Gap(t *testing.T) {
	m := ModelFunc(func(_ context.Context, _ model.Series, _ int) (model.Series, error) {
		return model.Series{
			{Date: day("2024-01-04"), Value: 1},
			{Date: day("2024-01-06"), Value: 1},
		}, nil
	})
	_, err := NewAdapter(m).Forecast(context.Background(), series("2024-01-01", 1, 2, 3), 2)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "point 1 dated 2024-01-06, want 2024-01-05")
}

func TestAdapter_NonFinite(t *testing.T) {
	_, err := NewAdapter(constantModel(math.NaN())).Forecast(context.Background(), series("2024-01-01", 1, 2), 1)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "non-finite")
}

func TestAdapter_ModelError(t *testing.T) {
	m := ModelFunc(func(context.Context, model.Series, int) (model.Series, error) {
		return nil, errors.New("degenerate input")
	})
	_, err := NewAdapter(m).Forecast(context.Background(), series("2024-01-01", 1, 2), 3)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "degenerate input")
}

func TestAdapter_ModelPanic(t *testing.T) {
	m := ModelFunc(func(context.Context, model.Series, int) (model.Series, error) {
		panic("singular matrix")
	})
	out, err := NewAdapter(m).Forecast(context.Background(), series("2024-01-01", 1, 2), 3)
	require.Error(t, err)
	assert.Nil(t, out)
	assert.Contains(t, err.Error(), "model panicked: singular matrix")
}

func TestAdapter_InvalidInput(t *testing.T) {
	a := NewAdapter(constantModel(1))
	_, err := a.Forecast(context.Background(), series("2024-01-01", 1, 2), 0)
	assert.Error(t, err)
	_, err = a.Forecast(context.Background(), nil, 3)
	assert.Error(t, err)
}
