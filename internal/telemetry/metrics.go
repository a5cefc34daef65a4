/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package telemetry

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

const (
	metricPrefix = "grimnir_display_"

	resultSuccess = "success"
	resultError   = "error"
)

var (
	registerOnce sync.Once

	playbackItemsTotal *prometheus.CounterVec
	playbackSeconds    prometheus.Counter
	playbackErrors     *prometheus.CounterVec

	commandsTotal *prometheus.CounterVec

	reconcileTotal   *prometheus.CounterVec
	reconcileLatency *prometheus.HistogramVec

	modeOnline     prometheus.Gauge
	scheduleActive prometheus.Gauge
	loopEnabled    prometheus.Gauge

	brokerReconnects prometheus.Counter
	statusPublishes  *prometheus.CounterVec
	heartbeatsTotal  prometheus.Counter
)

// InitMetrics registers the Prometheus collectors. Safe to call more than
// once.
func InitMetrics() {
	registerOnce.Do(func() {
		playbackItemsTotal = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "playback_items_total",
				Help: "Total playback item completions by result",
			},
			[]string{"result"},
		)
		playbackSeconds = prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: metricPrefix + "playback_seconds_total",
				Help: "Cumulative seconds spent with an active player process",
			},
		)
		playbackErrors = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "playback_errors_total",
				Help: "Total playback failures by reason",
			},
			[]string{"reason"},
		)

		commandsTotal = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "commands_total",
				Help: "Total control commands by action and result",
			},
			[]string{"action", "result"},
		)

		reconcileTotal = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "reconcile_total",
				Help: "Total content reconcile runs by result",
			},
			[]string{"result"},
		)
		reconcileLatency = prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    metricPrefix + "reconcile_latency_seconds",
				Help:    "Content reconcile latency in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"result"},
		)

		modeOnline = prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: metricPrefix + "mode_online",
				Help: "1 while the agent is in ONLINE mode",
			},
		)
		scheduleActive = prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: metricPrefix + "schedule_active",
				Help: "1 while the current time is inside the playback window",
			},
		)
		loopEnabled = prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: metricPrefix + "loop_enabled",
				Help: "1 while loop playback is enabled",
			},
		)

		brokerReconnects = prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: metricPrefix + "broker_reconnects_total",
				Help: "Total broker connection losses observed",
			},
		)
		statusPublishes = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "status_publishes_total",
				Help: "Total status publish attempts by result",
			},
			[]string{"result"},
		)
		heartbeatsTotal = prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: metricPrefix + "heartbeats_total",
				Help: "Total periodic heartbeat publishes",
			},
		)

		prometheus.MustRegister(
			playbackItemsTotal,
			playbackSeconds,
			playbackErrors,
			commandsTotal,
			reconcileTotal,
			reconcileLatency,
			modeOnline,
			scheduleActive,
			loopEnabled,
			brokerReconnects,
			statusPublishes,
			heartbeatsTotal,
		)
	})
}

// ObservePlaybackItem records a playback completion and its wall time.
func ObservePlaybackItem(result string, duration time.Duration) {
	if result == "" {
		result = resultSuccess
	}
	if playbackItemsTotal != nil {
		playbackItemsTotal.WithLabelValues(result).Inc()
	}
	if playbackSeconds != nil && duration > 0 {
		playbackSeconds.Add(duration.Seconds())
	}
}

// ObservePlaybackError records a playback failure by reason.
func ObservePlaybackError(reason string) {
	if playbackErrors != nil {
		playbackErrors.WithLabelValues(reason).Inc()
	}
}

// ObserveCommand records a dispatched control command.
func ObserveCommand(action, result string) {
	if result == "" {
		result = resultSuccess
	}
	if commandsTotal != nil {
		commandsTotal.WithLabelValues(action, result).Inc()
	}
}

// ObserveReconcile records a content reconcile run.
func ObserveReconcile(result string, duration time.Duration) {
	if result == "" {
		result = resultSuccess
	}
	if reconcileTotal != nil {
		reconcileTotal.WithLabelValues(result).Inc()
	}
	if reconcileLatency != nil {
		reconcileLatency.WithLabelValues(result).Observe(duration.Seconds())
	}
}

// SetModeOnline reflects the current connectivity mode.
func SetModeOnline(online bool) {
	if modeOnline != nil {
		modeOnline.Set(boolToGauge(online))
	}
}

// SetScheduleActive reflects whether the playback window is open.
func SetScheduleActive(active bool) {
	if scheduleActive != nil {
		scheduleActive.Set(boolToGauge(active))
	}
}

// SetLoopEnabled reflects the operator loop toggle.
func SetLoopEnabled(enabled bool) {
	if loopEnabled != nil {
		loopEnabled.Set(boolToGauge(enabled))
	}
}

// ObserveBrokerReconnect records a lost broker connection.
func ObserveBrokerReconnect() {
	if brokerReconnects != nil {
		brokerReconnects.Inc()
	}
}

// ObserveStatusPublish records an outbound status publish attempt.
func ObserveStatusPublish(result string) {
	if result == "" {
		result = resultSuccess
	}
	if statusPublishes != nil {
		statusPublishes.WithLabelValues(result).Inc()
	}
}

// ObserveHeartbeat records a periodic heartbeat publish.
func ObserveHeartbeat() {
	if heartbeatsTotal != nil {
		heartbeatsTotal.Inc()
	}
}

func boolToGauge(v bool) float64 {
	if v {
		return 1
	}
	return 0
}

// ServeMetrics exposes the Prometheus handler on bind. It blocks until the
// listener fails, so callers run it in a goroutine.
func ServeMetrics(bind string, logger zerolog.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	logger.Info().Str("bind", bind).Msg("metrics listener starting")
	if err := http.ListenAndServe(bind, mux); err != nil {
		logger.Error().Err(err).Msg("metrics listener stopped")
	}
}
