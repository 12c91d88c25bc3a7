package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/lox/damforecast/internal/models"
)

// Config holds every setting the pipeline depends on. Components receive the
// sub-struct they need rather than reading package-level constants.
type Config struct {
	DBPath          string
	HTTPAddr        string
	LogLevel        string
	LogFormat       string
	ShutdownTimeout time.Duration
	KeepVersions    int

	Features  Features
	Window    Window
	Model     Model
	Training  Training
	Inference Inference
}

// Features configures the feature pipeline.
type Features struct {
	Schema       models.Schema
	Target       string
	AltitudeM    float64
	LatitudeDeg  float64
	Wavelet      string
	WaveletLevel int
}

// Window configures the supervised sequence shape.
type Window struct {
	InputLen  int
	OutputLen int
}

// Model configures the encoder-decoder network.
type Model struct {
	EncoderUnits    int
	BottleneckUnits int
	DecoderUnits    int
	Dropout         float64
	L2              float64
}

// Training configures the fit loop and its callbacks.
type Training struct {
	Epochs            int
	BatchSize         int
	LearningRate      float64
	Optimizer         string // "rmsprop" or "adam"
	SplitRatio        float64
	EarlyStopPatience int
	LRFactor          float64
	LRPatience        int
	LRCooldown        int
	MinLR             float64
	Seed              uint64
}

// Inference configures Monte Carlo dropout sampling.
type Inference struct {
	Samples     int
	ConfidenceZ float64
	Seed        uint64 // 0 draws a fresh seed per request
}

// Default returns the production settings.
func Default() *Config {
	return &Config{
		DBPath:          "data/damforecast.db",
		HTTPAddr:        ":8000",
		LogLevel:        "info",
		LogFormat:       "text",
		ShutdownTimeout: 10 * time.Second,
		KeepVersions:    3,
		Features: Features{
			Schema:       models.FeatureSchema.Clone(),
			Target:       models.FeatTMA,
			AltitudeM:    791,
			LatitudeDeg:  -6.88356,
			Wavelet:      "db4",
			WaveletLevel: 3,
		},
		Window: Window{InputLen: 7, OutputLen: 5},
		Model: Model{
			EncoderUnits:    128,
			BottleneckUnits: 64,
			DecoderUnits:    64,
			Dropout:         0.4,
			L2:              0.02,
		},
		Training: Training{
			Epochs:            300,
			BatchSize:         64,
			LearningRate:      0.001,
			Optimizer:         "rmsprop",
			SplitRatio:        0.8,
			EarlyStopPatience: 10,
			LRFactor:          0.3,
			LRPatience:        15,
			LRCooldown:        30,
			MinLR:             1e-8,
			Seed:              42,
		},
		Inference: Inference{
			Samples:     100,
			ConfidenceZ: 1.96,
		},
	}
}

// Load reads configuration from environment variables, applying defaults where unset.
func Load() (*Config, error) {
	cfg := Default()
	var errs []error

	cfg.DBPath = envOrDefault("DAMFORECAST_DB", cfg.DBPath)
	cfg.HTTPAddr = envOrDefault("HTTP_ADDR", cfg.HTTPAddr)
	cfg.LogLevel = envOrDefault("LOG_LEVEL", cfg.LogLevel)
	cfg.LogFormat = envOrDefault("LOG_FORMAT", cfg.LogFormat)
	cfg.Features.Wavelet = envOrDefault("WAVELET", cfg.Features.Wavelet)
	cfg.Training.Optimizer = strings.ToLower(envOrDefault("OPTIMIZER", cfg.Training.Optimizer))

	parseDuration("SHUTDOWN_TIMEOUT", &cfg.ShutdownTimeout, &errs)
	parseInt("KEEP_VERSIONS", &cfg.KeepVersions, &errs)
	parseFloat("SITE_ALTITUDE", &cfg.Features.AltitudeM, &errs)
	parseFloat("SITE_LATITUDE", &cfg.Features.LatitudeDeg, &errs)
	parseInt("WAVELET_LEVEL", &cfg.Features.WaveletLevel, &errs)
	parseInt("INPUT_LEN", &cfg.Window.InputLen, &errs)
	parseInt("OUTPUT_LEN", &cfg.Window.OutputLen, &errs)
	parseInt("ENCODER_UNITS", &cfg.Model.EncoderUnits, &errs)
	parseInt("BOTTLENECK_UNITS", &cfg.Model.BottleneckUnits, &errs)
	parseInt("DECODER_UNITS", &cfg.Model.DecoderUnits, &errs)
	parseFloat("DROPOUT", &cfg.Model.Dropout, &errs)
	parseFloat("L2", &cfg.Model.L2, &errs)
	parseInt("EPOCHS", &cfg.Training.Epochs, &errs)
	parseInt("BATCH_SIZE", &cfg.Training.BatchSize, &errs)
	parseFloat("LEARNING_RATE", &cfg.Training.LearningRate, &errs)
	parseFloat("TRAIN_SPLIT", &cfg.Training.SplitRatio, &errs)
	parseUint("TRAIN_SEED", &cfg.Training.Seed, &errs)
	parseInt("MC_SAMPLES", &cfg.Inference.Samples, &errs)
	parseFloat("CONFIDENCE_Z", &cfg.Inference.ConfidenceZ, &errs)
	parseUint("MC_SEED", &cfg.Inference.Seed, &errs)

	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that the settings describe a usable pipeline.
func (c *Config) Validate() error {
	switch {
	case c.DBPath == "":
		return errors.New("DAMFORECAST_DB is required")
	case c.ShutdownTimeout <= 0:
		return errors.New("SHUTDOWN_TIMEOUT must be positive")
	case c.KeepVersions < 1:
		return errors.New("KEEP_VERSIONS must be at least 1")
	case c.Features.Schema.Index(c.Features.Target) < 0:
		return fmt.Errorf("target %q is not in the feature schema", c.Features.Target)
	case c.Features.LatitudeDeg < -90 || c.Features.LatitudeDeg > 90:
		return errors.New("SITE_LATITUDE must be within [-90, 90]")
	case c.Features.WaveletLevel < 1:
		return errors.New("WAVELET_LEVEL must be at least 1")
	case c.Window.InputLen < 1:
		return errors.New("INPUT_LEN must be positive")
	case c.Window.OutputLen < 1:
		return errors.New("OUTPUT_LEN must be positive")
	case c.Model.EncoderUnits < 1 || c.Model.BottleneckUnits < 1 || c.Model.DecoderUnits < 1:
		return errors.New("layer sizes must be positive")
	case c.Model.Dropout < 0 || c.Model.Dropout >= 1:
		return errors.New("DROPOUT must be within [0, 1)")
	case c.Model.L2 < 0:
		return errors.New("L2 must not be negative")
	case c.Training.Epochs < 1:
		return errors.New("EPOCHS must be positive")
	case c.Training.BatchSize < 1:
		return errors.New("BATCH_SIZE must be positive")
	case c.Training.LearningRate <= 0:
		return errors.New("LEARNING_RATE must be positive")
	case c.Training.Optimizer != "rmsprop" && c.Training.Optimizer != "adam":
		return fmt.Errorf("OPTIMIZER must be rmsprop or adam, got %q", c.Training.Optimizer)
	case c.Training.SplitRatio <= 0 || c.Training.SplitRatio > 1:
		return errors.New("TRAIN_SPLIT must be within (0, 1]")
	case c.Inference.Samples < 2:
		return errors.New("MC_SAMPLES must be at least 2")
	case c.Inference.ConfidenceZ <= 0:
		return errors.New("CONFIDENCE_Z must be positive")
	}
	if _, ok := knownWavelets[c.Features.Wavelet]; !ok {
		return fmt.Errorf("WAVELET %q is not supported", c.Features.Wavelet)
	}
	return nil
}

// knownWavelets mirrors the filter banks implemented in internal/features.
var knownWavelets = map[string]struct{}{"haar": {}, "db2": {}, "db4": {}}

// MinTrainingRows is the smallest feature table Train accepts.
func (c *Config) MinTrainingRows() int {
	return c.Window.InputLen + c.Window.OutputLen + 1
}

func envOrDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func parseInt(key string, dst *int, errs *[]error) {
	s := os.Getenv(key)
	if s == "" {
		return
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
		return
	}
	*dst = n
}

func parseUint(key string, dst *uint64, errs *[]error) {
	s := os.Getenv(key)
	if s == "" {
		return
	}
	n, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
		return
	}
	*dst = n
}

func parseFloat(key string, dst *float64, errs *[]error) {
	s := os.Getenv(key)
	if s == "" {
		return
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
		return
	}
	*dst = f
}

func parseDuration(key string, dst *time.Duration, errs *[]error) {
	s := os.Getenv(key)
	if s == "" {
		return
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
		return
	}
	*dst = d
}
