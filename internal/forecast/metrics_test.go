package forecast

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/forecast-cli/internal/model"
)

func TestMetrics_Observe(t *testing.T) {
	m := NewMetrics()
	e := model.Entity{Key: testKey}

	m.Observe(Outcome{Entity: e, Status: StatusWritten, Stage: StageWritten, Rows: 180, Elapsed: 20 * time.Millisecond})
	m.Observe(Outcome{Entity: e, Status: StatusSkipped, Stage: StageSanitized, Reason: ReasonNoValidData})
	m.Observe(Outcome{Entity: e, Status: StatusFailed, Stage: StageForecasted, Err: errors.New("boom")})

	assert.Equal(t, 1.0, testutil.ToFloat64(m.entities.WithLabelValues("written", "written")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.entities.WithLabelValues("skipped", "sanitized")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.entities.WithLabelValues("failed", "forecasted")))
	assert.Equal(t, 180.0, testutil.ToFloat64(m.rows))
	assert.Equal(t, 3, testutil.CollectAndCount(m.duration))
}

func TestMetrics_ObserveRun(t *testing.T) {
	m := NewMetrics()
	m.ObserveRun(10, 6, 3, 1)

	assert.Equal(t, 10.0, testutil.ToFloat64(m.lastRun.WithLabelValues("discovered")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.lastRun.WithLabelValues("failed")))
}

func TestMetrics_Push(t *testing.T) {
	var gotPath, gotBody string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		buf := new(strings.Builder)
		_, _ = io.Copy(buf, r.Body)
		gotBody = buf.String()
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	m := NewMetrics()
	m.ObserveRun(1, 1, 0, 0)
	require.NoError(t, m.Push(context.Background(), srv.URL, "forecast_cli"))

	assert.Equal(t, "/metrics/job/forecast_cli", gotPath)
	assert.NotEmpty(t, gotBody)
}

func TestMetrics_PushError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	err := NewMetrics().Push(context.Background(), srv.URL, "forecast_cli")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "metrics: push")
}
