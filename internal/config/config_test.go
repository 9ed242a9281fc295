package config

import (
	"os"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)
	require.Equal(t, 10, cfg.MaxParallelSteps)
	require.Equal(t, 1000, cfg.StreamBroadcastMs)
}

func TestLoadFromEnv(t *testing.T) {
	os.Setenv("A2A_MAX_PARALLEL_STEPS", "25")
	defer os.Unsetenv("A2A_MAX_PARALLEL_STEPS")

	cfg, err := Load()
	require.NoError(t, err)
	require.Equal(t, 25, cfg.MaxParallelSteps)
}

func TestOptionsOverrideEnv(t *testing.T) {
	os.Setenv("A2A_MAX_PARALLEL_STEPS", "25")
	defer os.Unsetenv("A2A_MAX_PARALLEL_STEPS")

	cfg, err := Load(WithMaxParallelSteps(3))
	require.NoError(t, err)
	require.Equal(t, 3, cfg.MaxParallelSteps)
}

func TestBroadcastFloor(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)
	cfg.StreamBroadcastMs = 10
	require.NoError(t, cfg.Validate())
	require.Equal(t, 250, cfg.StreamBroadcastMs)
}
