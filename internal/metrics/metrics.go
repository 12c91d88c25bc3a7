package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	UploadsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "damforecast_uploads_total",
			Help: "Total raw table uploads",
		},
		[]string{"dam", "format"},
	)

	RowsIngested = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "damforecast_rows_ingested_total",
			Help: "Raw observation rows accepted from uploads",
		},
		[]string{"dam"},
	)

	RowsDropped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "damforecast_rows_dropped_total",
			Help: "Raw rows dropped for empty or unparsable cells",
		},
		[]string{"dam"},
	)

	FeatureRowsDerived = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "damforecast_feature_rows_derived_total",
			Help: "Feature rows produced by the feature pipeline",
		},
		[]string{"dam"},
	)

	TrainingRunsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "damforecast_training_runs_total",
			Help: "Training runs by outcome",
		},
		[]string{"dam", "status"},
	)

	TrainingDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "damforecast_training_duration_seconds",
			Help:    "Wall time of completed training runs",
			Buckets: prometheus.ExponentialBuckets(0.5, 2, 12),
		},
		[]string{"dam"},
	)

	TrainingEpochs = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "damforecast_training_epochs_total",
			Help: "Epochs run across all training runs",
		},
		[]string{"dam"},
	)

	PredictionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "damforecast_predictions_total",
			Help: "Forecast requests by outcome",
		},
		[]string{"dam", "status"},
	)

	PredictionLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "damforecast_prediction_latency_seconds",
			Help:    "Forecast latency including Monte Carlo sampling",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"dam"},
	)

	MonteCarloPasses = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "damforecast_monte_carlo_passes_total",
			Help: "Stochastic forward passes run for forecast intervals",
		},
		[]string{"dam"},
	)

	StoreRetries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "damforecast_store_retries_total",
			Help: "Artifact writes retried after the database reported busy",
		},
		[]string{"op"},
	)
)
