// CÁRIS Backup Service - Backup, Verification, and Recovery for the CÁRIS platform
// Copyright 2026 CÁRIS Health
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/caris-health/caris-backup

package backup

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"time"

	json "github.com/goccy/go-json"
	"github.com/sony/gobreaker/v2"

	"github.com/caris-health/caris-backup/internal/logging"
	"github.com/caris-health/caris-backup/internal/metrics"
)

// NotifierConfig controls webhook delivery of run outcomes.
type NotifierConfig struct {
	WebhookURL string
	OnSuccess  bool
	OnFailure  bool
	Timeout    time.Duration
}

// Notifier posts run reports to a webhook. Deliveries go through a circuit
// breaker so a dead endpoint cannot stall or spam the scheduler; dropped
// notifications are logged and counted, never retried.
type Notifier struct {
	cfg     NotifierConfig
	client  *http.Client
	breaker *gobreaker.CircuitBreaker[struct{}]
}

// NewNotifier wires a webhook notifier. A nil notifier is returned when no
// webhook is configured; its methods are safe to call.
func NewNotifier(cfg NotifierConfig) *Notifier {
	if cfg.WebhookURL == "" {
		return nil
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}

	breaker := gobreaker.NewCircuitBreaker[struct{}](gobreaker.Settings{
		Name:        "backup-webhook",
		MaxRequests: 1,
		Timeout:     2 * time.Minute,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 3
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logging.Warn().
				Str("breaker", name).
				Str("from", from.String()).
				Str("to", to.String()).
				Msg("Webhook circuit breaker state changed")
		},
	})

	return &Notifier{
		cfg:     cfg,
		client:  &http.Client{Timeout: cfg.Timeout},
		breaker: breaker,
	}
}

// runNotification is the webhook payload for a finished run.
type runNotification struct {
	Event     string     `json:"event"`
	Success   bool       `json:"success"`
	Timestamp time.Time  `json:"timestamp"`
	Report    *RunReport `json:"report"`
}

// NotifyRun delivers a run report per the configured success/failure
// filters. Delivery failures are absorbed; backups never depend on the
// webhook being reachable.
func (n *Notifier) NotifyRun(ctx context.Context, report *RunReport) {
	if n == nil {
		return
	}

	success := report.Success()
	if success && !n.cfg.OnSuccess {
		return
	}
	if !success && !n.cfg.OnFailure {
		return
	}

	event := "backup.completed"
	if !success {
		event = "backup.failed"
	}

	payload, err := json.Marshal(runNotification{
		Event:     event,
		Success:   success,
		Timestamp: time.Now().UTC(),
		Report:    report,
	})
	if err != nil {
		logging.Error().Err(err).Msg("Failed to encode webhook payload")
		return
	}

	_, err = n.breaker.Execute(func() (struct{}, error) {
		return struct{}{}, n.post(ctx, payload)
	})
	if err != nil {
		metrics.NotificationsTotal.WithLabelValues("failed").Inc()
		logging.Warn().
			Err(err).
			Str("event", event).
			Msg("Webhook notification dropped")
		return
	}
	metrics.NotificationsTotal.WithLabelValues("delivered").Inc()
}

func (n *Notifier) post(ctx context.Context, payload []byte) error {
	ctx, cancel := context.WithTimeout(ctx, n.cfg.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.cfg.WebhookURL, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close() //nolint:errcheck

	if resp.StatusCode >= 300 {
		return fmt.Errorf("webhook returned %d", resp.StatusCode)
	}
	return nil
}
