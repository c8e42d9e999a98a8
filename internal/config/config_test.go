package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, DefaultPort, cfg.Port)
	assert.Equal(t, DefaultEnv, cfg.Env)
	assert.Equal(t, DefaultJudgePoolSize, cfg.JudgePoolSize)
	assert.Equal(t, DefaultJudgeConcurrencyCap, cfg.JudgeConcurrencyCap)
	assert.Equal(t, DefaultSweepInterval, cfg.SweepInterval)
	assert.Equal(t, DefaultDeliveryDeadline, cfg.DeliveryDeadline)
	assert.Equal(t, DefaultReleaseDeadline, cfg.ReleaseDeadline)
	assert.True(t, cfg.IsDevelopment())
	assert.False(t, cfg.IsProduction())
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("PORT", "9090")
	t.Setenv("ENV", "production")
	t.Setenv("JUDGE_POOL_SIZE", "5")
	t.Setenv("SWEEP_INTERVAL", "1m")
	t.Setenv("ARBITRATORS", "judge1, judge2 ,judge3")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "9090", cfg.Port)
	assert.True(t, cfg.IsProduction())
	assert.Equal(t, 5, cfg.JudgePoolSize)
	assert.Equal(t, time.Minute, cfg.SweepInterval)
	assert.Equal(t, []string{"judge1", "judge2", "judge3"}, cfg.Arbitrators)
}

func TestValidateRejectsEvenPool(t *testing.T) {
	t.Setenv("JUDGE_POOL_SIZE", "4")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "strict majority")
}

func TestValidateRejectsTinyPool(t *testing.T) {
	t.Setenv("JUDGE_POOL_SIZE", "1")

	_, err := Load()
	require.Error(t, err)
}

func TestInvalidIntFallsBackToDefault(t *testing.T) {
	t.Setenv("JUDGE_CONCURRENCY_CAP", "not-a-number")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, DefaultJudgeConcurrencyCap, cfg.JudgeConcurrencyCap)
}
