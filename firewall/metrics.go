// Copyright 2026 PromptGate
// SPDX-License-Identifier: Apache-2.0

package firewall

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Prometheus metrics
var (
	promValidationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "promptgate_validations_total",
			Help: "Total number of prompt validations by final status",
		},
		[]string{"status", "policy"},
	)
	promValidationDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "promptgate_validation_duration_milliseconds",
			Help:    "Validation latency in milliseconds",
			Buckets: []float64{1, 2, 5, 10, 20, 50, 100, 200, 500},
		},
		[]string{"policy"},
	)
	promDetectionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "promptgate_detections_total",
			Help: "Total number of findings by detector type and severity",
		},
		[]string{"type", "severity"},
	)
	promCacheOps = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "promptgate_cache_operations_total",
			Help: "Result cache operations by outcome",
		},
		[]string{"operation", "status"},
	)
	promDetectorDegraded = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "promptgate_detector_degraded_total",
			Help: "Detector degradations (failure or deadline) by detector",
		},
		[]string{"detector"},
	)
	promSinkDropped = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "promptgate_sink_dropped_total",
			Help: "Detection records dropped because the sink queue was full",
		},
	)
)

func init() {
	prometheus.MustRegister(promValidationsTotal)
	prometheus.MustRegister(promValidationDuration)
	prometheus.MustRegister(promDetectionsTotal)
	prometheus.MustRegister(promCacheOps)
	prometheus.MustRegister(promDetectorDegraded)
	prometheus.MustRegister(promSinkDropped)
}
