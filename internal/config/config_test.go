package config_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/traderush/condor-engine/internal/config"
)

func TestDefaults(t *testing.T) {
	cfg, err := config.Load()
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.Port)
	assert.Equal(t, 250*time.Millisecond, cfg.TickInterval)
	assert.Equal(t, float64(10000), cfg.StartingBalance)
	assert.Equal(t, 600, cfg.PriceHistorySize)
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("PORT", "9999")
	t.Setenv("TICK_INTERVAL", "1s")
	t.Setenv("LOG_LEVEL", "debug")

	cfg, err := config.Load()
	require.NoError(t, err)

	assert.Equal(t, 9999, cfg.Port)
	assert.Equal(t, time.Second, cfg.TickInterval)
	assert.Equal(t, "debug", cfg.LogLevel)
}

func TestInvalidValuesRejected(t *testing.T) {
	t.Setenv("START_PRICE", "-5")

	_, err := config.Load()
	assert.Error(t, err)
}
