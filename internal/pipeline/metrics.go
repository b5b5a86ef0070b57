package pipeline

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/evaonline/matopiba/internal/types"
)

var (
	runsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "matopiba_runs_total",
		Help: "Pipeline runs by outcome.",
	}, []string{"status"})

	runDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "matopiba_run_duration_seconds",
		Help:    "Wall time of one pipeline run.",
		Buckets: []float64{5, 15, 30, 60, 90, 120, 300, 600},
	})

	citiesSucceeded = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "matopiba_cities_succeeded",
		Help: "Cities with a complete forecast in the latest run.",
	})

	runQuality = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "matopiba_run_quality",
		Help: "Validation quality of the latest run (2 excellent, 1 acceptable, 0 below expected).",
	})
)

func qualityValue(q types.Quality) float64 {
	switch q {
	case types.QualityExcellent:
		return 2
	case types.QualityAcceptable:
		return 1
	default:
		return 0
	}
}
