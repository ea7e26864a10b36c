// CÁRIS Backup Service - Backup, Verification, and Recovery for the CÁRIS platform
// Copyright 2026 CÁRIS Health
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/caris-health/caris-backup

// Package metrics exposes Prometheus collectors for the backup service.
// All collectors are registered with the default registry and served by
// the /metrics endpoint.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "caris_backup"

var (
	// BackupsTotal counts finished captures by kind, mode, and status.
	BackupsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "backups_total",
		Help:      "Total snapshot captures by kind, mode, and terminal status.",
	}, []string{"kind", "mode", "status"})

	// BackupDuration observes capture wall time.
	BackupDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "backup_duration_seconds",
		Help:      "Snapshot capture duration.",
		Buckets:   prometheus.ExponentialBuckets(0.1, 2, 12),
	}, []string{"kind", "mode"})

	// BackupSizeBytes observes finished artifact sizes.
	BackupSizeBytes = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "backup_size_bytes",
		Help:      "Snapshot artifact size as stored.",
		Buckets:   prometheus.ExponentialBuckets(1024, 4, 12),
	}, []string{"kind"})

	// RestoresTotal counts finished restore jobs by type and state.
	RestoresTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "restores_total",
		Help:      "Total restore jobs by type and terminal state.",
	}, []string{"type", "state"})

	// RestoreDuration observes restore wall time.
	RestoreDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "restore_duration_seconds",
		Help:      "Restore job duration.",
		Buckets:   prometheus.ExponentialBuckets(0.1, 2, 12),
	}, []string{"type"})

	// RestoreItemErrors counts per-item restore failures by error kind.
	RestoreItemErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "restore_item_errors_total",
		Help:      "Per-item restore failures by error kind.",
	}, []string{"kind"})

	// VerificationsTotal counts verification runs by outcome.
	VerificationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "verifications_total",
		Help:      "Snapshot verification runs by outcome.",
	}, []string{"valid"})

	// CatalogSnapshots tracks the current catalog population by status.
	CatalogSnapshots = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "catalog_snapshots",
		Help:      "Cataloged snapshots by status.",
	}, []string{"status"})

	// CatalogSizeBytes tracks total cataloged artifact storage.
	CatalogSizeBytes = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "catalog_size_bytes",
		Help:      "Total storage used by cataloged artifacts.",
	})

	// RetentionRemovals counts snapshots removed by the retention pass.
	RetentionRemovals = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "retention_removals_total",
		Help:      "Snapshots removed by retention enforcement.",
	})

	// NotificationsTotal counts webhook deliveries by result.
	NotificationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "notifications_total",
		Help:      "Webhook notification deliveries by result.",
	}, []string{"result"})

	// HTTPRequestsTotal counts served HTTP requests.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "http_requests_total",
		Help:      "HTTP requests by method, route, and status code.",
	}, []string{"method", "route", "code"})

	// HTTPRequestDuration observes request latency.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "http_request_duration_seconds",
		Help:      "HTTP request latency by method and route.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"method", "route"})
)
