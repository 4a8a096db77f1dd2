// Package metrics provides Prometheus metrics for the process engine.
package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	processSpawned = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "procexec",
		Subsystem: "process",
		Name:      "spawned_total",
		Help:      "Processes successfully spawned",
	}, []string{"backend"})

	processSpawnFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "procexec",
		Subsystem: "process",
		Name:      "spawn_failures_total",
		Help:      "Spawn attempts that created no process",
	}, []string{"backend"})

	processExits = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "procexec",
		Subsystem: "process",
		Name:      "exits_total",
		Help:      "Completed runs by termination outcome",
	}, []string{"backend", "outcome"})

	processStalls = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "procexec",
		Subsystem: "process",
		Name:      "stall_interrupts_total",
		Help:      "Interrupts sent by the stall watchdog",
	}, []string{"backend"})

	processCancellations = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "procexec",
		Subsystem: "process",
		Name:      "cancellations_total",
		Help:      "Runs cancelled before producing a result",
	}, []string{"backend"})

	processLive = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "procexec",
		Subsystem: "process",
		Name:      "live",
		Help:      "Processes currently running",
	}, []string{"backend"})

	processDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "procexec",
		Subsystem: "process",
		Name:      "run_duration_seconds",
		Help:      "Wall-clock time from spawn to result",
		Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 15, 60, 300},
	}, []string{"backend"})

	outputBytes = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "procexec",
		Subsystem: "process",
		Name:      "output_bytes_total",
		Help:      "Bytes read from child output pipes",
	}, []string{"stream"})

	// Local tallies for CLI summaries.
	summary   = make(map[string]*BackendSummary)
	summaryMu sync.RWMutex
)

// BackendSummary holds run tallies for one backend.
type BackendSummary struct {
	Spawned       int
	SpawnFailures int
	Succeeded     int
	Failed        int
	Stalls        int
	Cancelled     int
}

// RecordSpawn counts a spawned process and marks it live.
func RecordSpawn(backend string) {
	processSpawned.WithLabelValues(backend).Inc()
	processLive.WithLabelValues(backend).Inc()
	updateSummary(backend, func(s *BackendSummary) { s.Spawned++ })
}

// RecordSpawnFailure counts a failed spawn.
func RecordSpawnFailure(backend string) {
	processSpawnFailures.WithLabelValues(backend).Inc()
	updateSummary(backend, func(s *BackendSummary) { s.SpawnFailures++ })
}

// RecordExit counts a completed run and observes its duration.
// outcome is "success", "failure" or "signaled".
func RecordExit(backend, outcome string, d time.Duration) {
	processExits.WithLabelValues(backend, outcome).Inc()
	processLive.WithLabelValues(backend).Dec()
	processDuration.WithLabelValues(backend).Observe(d.Seconds())
	updateSummary(backend, func(s *BackendSummary) {
		if outcome == "success" {
			s.Succeeded++
		} else {
			s.Failed++
		}
	})
}

// RecordCancel counts a cancelled run. live reports whether the process
// had been spawned and counted as live.
func RecordCancel(backend string, live bool) {
	processCancellations.WithLabelValues(backend).Inc()
	if live {
		processLive.WithLabelValues(backend).Dec()
	}
	updateSummary(backend, func(s *BackendSummary) { s.Cancelled++ })
}

// RecordStall counts a watchdog interrupt.
func RecordStall(backend string) {
	processStalls.WithLabelValues(backend).Inc()
	updateSummary(backend, func(s *BackendSummary) { s.Stalls++ })
}

// AddOutputBytes counts bytes read from stream ("stdout" or "stderr").
func AddOutputBytes(stream string, n int) {
	outputBytes.WithLabelValues(stream).Add(float64(n))
}

// GetSummary returns a copy of the tallies for backend, or nil.
func GetSummary(backend string) *BackendSummary {
	summaryMu.RLock()
	defer summaryMu.RUnlock()
	if s, ok := summary[backend]; ok {
		dup := *s
		return &dup
	}
	return nil
}

// GetAllSummaries returns tallies for every backend seen so far.
func GetAllSummaries() map[string]*BackendSummary {
	summaryMu.RLock()
	defer summaryMu.RUnlock()
	result := make(map[string]*BackendSummary, len(summary))
	for backend, s := range summary {
		dup := *s
		result[backend] = &dup
	}
	return result
}

func updateSummary(backend string, update func(*BackendSummary)) {
	summaryMu.Lock()
	defer summaryMu.Unlock()
	s, ok := summary[backend]
	if !ok {
		s = &BackendSummary{}
		summary[backend] = s
	}
	update(s)
}
