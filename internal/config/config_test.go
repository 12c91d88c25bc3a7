package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lox/damforecast/internal/models"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "data/damforecast.db", cfg.DBPath)
	assert.Equal(t, ":8000", cfg.HTTPAddr)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, "text", cfg.LogFormat)
	assert.Equal(t, 10*time.Second, cfg.ShutdownTimeout)
	assert.Equal(t, 7, cfg.Window.InputLen)
	assert.Equal(t, 5, cfg.Window.OutputLen)
	assert.Equal(t, 100, cfg.Inference.Samples)
	assert.Equal(t, 1.96, cfg.Inference.ConfidenceZ)
	assert.Equal(t, 0.8, cfg.Training.SplitRatio)
	assert.Equal(t, 791.0, cfg.Features.AltitudeM)
	assert.Equal(t, -6.88356, cfg.Features.LatitudeDeg)
	assert.Equal(t, "db4", cfg.Features.Wavelet)
	assert.Equal(t, 3, cfg.Features.WaveletLevel)
	assert.Equal(t, models.FeatureSchema, cfg.Features.Schema)
	assert.Equal(t, "rmsprop", cfg.Training.Optimizer)
	assert.Equal(t, 13, cfg.MinTrainingRows())
}

func TestLoad_CustomEnv(t *testing.T) {
	t.Setenv("DAMFORECAST_DB", "/tmp/x.db")
	t.Setenv("HTTP_ADDR", ":9090")
	t.Setenv("LOG_FORMAT", "json")
	t.Setenv("SITE_ALTITUDE", "120.5")
	t.Setenv("SITE_LATITUDE", "-7.1")
	t.Setenv("MC_SAMPLES", "250")
	t.Setenv("MC_SEED", "7")
	t.Setenv("CONFIDENCE_Z", "2.576")
	t.Setenv("OPTIMIZER", "ADAM")
	t.Setenv("WAVELET", "db2")
	t.Setenv("EPOCHS", "20")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "/tmp/x.db", cfg.DBPath)
	assert.Equal(t, ":9090", cfg.HTTPAddr)
	assert.Equal(t, "json", cfg.LogFormat)
	assert.Equal(t, 120.5, cfg.Features.AltitudeM)
	assert.Equal(t, -7.1, cfg.Features.LatitudeDeg)
	assert.Equal(t, 250, cfg.Inference.Samples)
	assert.Equal(t, uint64(7), cfg.Inference.Seed)
	assert.Equal(t, 2.576, cfg.Inference.ConfidenceZ)
	assert.Equal(t, "adam", cfg.Training.Optimizer)
	assert.Equal(t, "db2", cfg.Features.Wavelet)
	assert.Equal(t, 20, cfg.Training.Epochs)
}

func TestLoad_InvalidValues(t *testing.T) {
	tests := []struct {
		key, value, wantErr string
	}{
		{"MC_SAMPLES", "many", "MC_SAMPLES"},
		{"MC_SAMPLES", "1", "MC_SAMPLES"},
		{"SHUTDOWN_TIMEOUT", "soon", "SHUTDOWN_TIMEOUT"},
		{"TRAIN_SPLIT", "1.5", "TRAIN_SPLIT"},
		{"DROPOUT", "1", "DROPOUT"},
		{"SITE_LATITUDE", "91", "SITE_LATITUDE"},
		{"WAVELET", "sym5", "WAVELET"},
		{"OPTIMIZER", "sgd", "OPTIMIZER"},
		{"INPUT_LEN", "0", "INPUT_LEN"},
	}
	for _, tt := range tests {
		t.Run(tt.key+"="+tt.value, func(t *testing.T) {
			t.Setenv(tt.key, tt.value)
			_, err := Load()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestValidate_TargetMustBeInSchema(t *testing.T) {
	cfg := Default()
	cfg.Features.Target = "inflow"
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "inflow")
}
