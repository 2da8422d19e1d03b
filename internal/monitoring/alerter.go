// Package monitoring raises webhook alerts when a forecast run looks unhealthy.
package monitoring

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/forecast-cli/internal/config"
	"github.com/sells-group/forecast-cli/internal/model"
)

// AlertType identifies the kind of alert.
type AlertType string

const (
	AlertEntityFailureRate AlertType = "entity_failure_rate"
	AlertNothingWritten    AlertType = "nothing_written"
	AlertRunInterrupted    AlertType = "run_interrupted"
)

// Alert represents a single alert to be sent.
type Alert struct {
	Type      AlertType      `json:"type"`
	Severity  string         `json:"severity"`
	Message   string         `json:"message"`
	RunID     string         `json:"run_id,omitempty"`
	Details   map[string]any `json:"details,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// Alerter evaluates a run summary against configured thresholds
// and sends alerts via webhook when thresholds are breached.
type Alerter struct {
	cfg    config.AlertConfig
	client *http.Client
}

// NewAlerter creates a new Alerter with the given alert config.
func NewAlerter(cfg config.AlertConfig) *Alerter {
	return &Alerter{
		cfg:    cfg,
		client: &http.Client{Timeout: 10 * time.Second},
	}
}

// Enabled reports whether a webhook is configured.
func (a *Alerter) Enabled() bool {
	return a.cfg.WebhookURL != ""
}

// Evaluate checks a finished run and returns any alerts. runErr is the error
// the run ended with, if any.
func (a *Alerter) Evaluate(runID string, s *model.RunSummary, runErr error) []Alert {
	var alerts []Alert
	now := time.Now().UTC()

	if runErr != nil {
		alerts = append(alerts, Alert{
			Type:      AlertRunInterrupted,
			Severity:  "high",
			Message:   fmt.Sprintf("Forecast run stopped early: %v", runErr),
			RunID:     runID,
			Timestamp: now,
		})
	}
	if s == nil {
		return alerts
	}

	finished := s.Written + s.Skipped + s.Failed
	if finished >= a.cfg.MinEntities && finished > 0 {
		rate := float64(s.Failed) / float64(finished)
		if rate > a.cfg.FailureRateThreshold {
			alerts = append(alerts, Alert{
				Type:     AlertEntityFailureRate,
				Severity: "high",
				Message: fmt.Sprintf(
					"Entity failure rate %.1f%% exceeds threshold %.1f%% (%d failed / %d finished)",
					rate*100, a.cfg.FailureRateThreshold*100, s.Failed, finished,
				),
				RunID: runID,
				Details: map[string]any{
					"failure_rate": rate,
					"threshold":    a.cfg.FailureRateThreshold,
					"failed":       s.Failed,
					"finished":     finished,
				},
				Timestamp: now,
			})
		}
	}

	if s.Discovered > 0 && s.Written == 0 && runErr == nil {
		alerts = append(alerts, Alert{
			Type:     AlertNothingWritten,
			Severity: "medium",
			Message:  fmt.Sprintf("No forecasts written for %d discovered entities", s.Discovered),
			RunID:    runID,
			Details: map[string]any{
				"discovered": s.Discovered,
				"skipped":    s.Skipped,
				"failed":     s.Failed,
			},
			Timestamp: now,
		})
	}

	return alerts
}

// SendAlerts delivers alerts to the configured webhook URL.
// Returns the number of alerts successfully sent.
func (a *Alerter) SendAlerts(ctx context.Context, alerts []Alert) int {
	if a.cfg.WebhookURL == "" || len(alerts) == 0 {
		return 0
	}

	sent := 0
	for _, alert := range alerts {
		if err := a.sendWebhook(ctx, alert); err != nil {
			zap.L().Error("monitoring: failed to send alert",
				zap.String("type", string(alert.Type)),
				zap.Error(err),
			)
			continue
		}
		zap.L().Info("monitoring: alert sent",
			zap.String("type", string(alert.Type)),
			zap.String("severity", alert.Severity),
		)
		sent++
	}
	return sent
}

func (a *Alerter) sendWebhook(ctx context.Context, alert Alert) error {
	payload, err := json.Marshal(alert)
	if err != nil {
		return eris.Wrap(err, "monitoring: marshal alert")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.cfg.WebhookURL, bytes.NewReader(payload))
	if err != nil {
		return eris.Wrap(err, "monitoring: create webhook request")
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.client.Do(req)
	if err != nil {
		return eris.Wrap(err, "monitoring: webhook request")
	}
	defer resp.Body.Close() //nolint:errcheck

	if resp.StatusCode >= 400 {
		return eris.Errorf("monitoring: webhook returned status %d", resp.StatusCode)
	}
	return nil
}
