package model

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestForecastRun_JSONOmitsOpenFields(t *testing.T) {
	t.Parallel()

	run := ForecastRun{
		ID:          "run-1",
		Mode:        RunModeGroups,
		Status:      RunStatusRunning,
		HorizonDays: 180,
		StartedAt:   time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC),
	}

	data, err := json.Marshal(run)
	require.NoError(t, err)

	out := string(data)
	assert.Contains(t, out, `"mode":"groups"`)
	assert.Contains(t, out, `"status":"running"`)
	assert.NotContains(t, out, "completed_at")
	assert.NotContains(t, out, "summary")
	assert.NotContains(t, out, `"error"`)
}
