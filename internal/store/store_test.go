package store

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/forecast-cli/internal/model"
)

func TestDedupeObservations_LastWins(t *testing.T) {
	obs := []model.Observation{
		actual("B01", "Amazon.com", "IW-1", "2024-01-01", 1),
		actual("B02", "Amazon.com", "IW-2", "2024-01-01", 2),
		actual("B01", "Amazon.com", "IW-1", "2024-01-01", 3),
		actual("B01", "Amazon.com", "IW-1", "2024-01-02", 4),
	}
	// Same day with a time component still collides.
	late := actual("B02", "Amazon.com", "IW-2", "2024-01-01", 5)
	late.SaleDate = late.SaleDate.Add(15 * time.Hour)
	obs = append(obs, late)

	got := dedupeObservations(obs)
	require.Len(t, got, 3)
	assert.Equal(t, []float64{3, 5, 4}, []float64{got[0].Quantity, got[1].Quantity, got[2].Quantity})
}

func TestDedupeObservations_DistinctIWASKUKept(t *testing.T) {
	got := dedupeObservations([]model.Observation{
		actual("B01", "Amazon.com", "IW-1", "2024-01-01", 1),
		actual("B01", "Amazon.com", "IW-9", "2024-01-01", 2),
	})
	assert.Len(t, got, 2)
}

func TestCheckForecastRows_DuplicateDate(t *testing.T) {
	key := model.EntityKey{ASIN: "B01", SalesChannel: "Amazon.com"}
	rows := forecastRows(key, "IW-1", "2024-01-05", "2024-01-06")
	rows = append(rows, forecastRows(key, "IW-2", "2024-01-05")...)

	err := checkForecastRows(key, rows)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "rows 0 and 2")
}
