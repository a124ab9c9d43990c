package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "qrattend"

var (
	// WindowsCreated counts create-window calls by outcome (created, conflict, not_found, error).
	WindowsCreated = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "windows_created_total",
		Help:      "Check-in window creation attempts by outcome.",
	}, []string{"outcome"})

	// CheckIns counts scans by outcome (present, invalid_token, expired, not_enrolled, already_recorded, error).
	CheckIns = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "checkins_total",
		Help:      "Check-in scans by outcome.",
	}, []string{"outcome"})

	// Sweeps counts completion sweep runs by result (closed, noop, not_due, partial, failed).
	Sweeps = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "sweeps_total",
		Help:      "Completion sweep runs by result.",
	}, []string{"result"})

	// AbsencesMarked counts Absent records written by sweeps.
	AbsencesMarked = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "absences_marked_total",
		Help:      "Absent records written by completion sweeps.",
	})

	// SweepLag observes how late a sweep ran relative to its window's expiry.
	SweepLag = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "sweep_lag_seconds",
		Help:      "Delay between window expiry and sweep completion.",
		Buckets:   []float64{1, 5, 10, 30, 60, 300, 900, 3600},
	})

	// DueTasks counts tasks put on the due-task queue, by origin (timer, recovery, retry).
	DueTasks = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "sweep_tasks_total",
		Help:      "Sweep tasks scheduled by origin.",
	}, []string{"origin"})
)
