package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	RunsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "puppysense_runs_total",
		Help: "Total number of pipeline runs, by strategy and terminal state",
	}, []string{"strategy", "state"})

	RunDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "puppysense_run_duration_seconds",
		Help:    "Wall time of a pipeline run",
		Buckets: []float64{0.5, 1, 2.5, 5, 10, 30, 60, 120, 300},
	}, []string{"strategy"})

	StageDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "puppysense_stage_duration_seconds",
		Help:    "Duration of individual pipeline stages",
		Buckets: prometheus.ExponentialBuckets(0.005, 2, 14),
	}, []string{"stage"})

	FramesSampledTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "puppysense_frames_sampled_total",
		Help: "Total number of frames pulled from media sources",
	})

	FramesAcceptedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "puppysense_frames_accepted_total",
		Help: "Total number of frames kept as results",
	}, []string{"label"})

	FrameFaultsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "puppysense_frame_faults_total",
		Help: "Total number of skipped frames, by cause",
	}, []string{"cause"})

	ResourcesInFlight = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "puppysense_resources_in_flight",
		Help: "Scoped resources currently held, by kind",
	}, []string{"kind"})

	ActiveWorkers = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "puppysense_active_workers",
		Help: "Number of workers currently processing a job",
	})

	RetryTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "puppysense_retry_total",
		Help: "Total number of requeued jobs",
	}, []string{"attempt"})
)

// GaugeTracker reports scoped resource lifetimes to ResourcesInFlight.
type GaugeTracker struct{}

func (GaugeTracker) Acquire(kind string) { ResourcesInFlight.WithLabelValues(kind).Inc() }
func (GaugeTracker) Release(kind string) { ResourcesInFlight.WithLabelValues(kind).Dec() }
