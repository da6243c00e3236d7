package engine

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	metricExecutionsStarted = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "meridian",
		Name:      "executions_started_total",
		Help:      "Workflow executions started.",
	})

	metricExecutionsFinished = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "meridian",
		Name:      "executions_finished_total",
		Help:      "Workflow executions reaching a terminal status.",
	}, []string{"status"})

	metricActiveExecutions = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "meridian",
		Name:      "active_executions",
		Help:      "Executions with a live driver.",
	})

	metricStepDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "meridian",
		Name:      "step_duration_seconds",
		Help:      "Wall time of step executor attempts.",
		Buckets:   prometheus.ExponentialBuckets(0.005, 3, 10),
	}, []string{"kind", "outcome"})

	metricContextCommits = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "meridian",
		Name:      "context_commits_total",
		Help:      "Context commits acknowledged.",
	})

	metricVersionConflicts = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "meridian",
		Name:      "context_version_conflicts_total",
		Help:      "Optimistic commits that lost the version race.",
	})
)
