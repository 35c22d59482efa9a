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

	assert.Equal(t, DefaultOptions(), cfg.Options)
	assert.Equal(t, BackendSQLite, cfg.Backend)
	assert.Equal(t, "whizbang.db", cfg.SQLitePath)
	assert.Equal(t, "whizbang-events", cfg.KafkaTopic)
	assert.Equal(t, ":8080", cfg.HTTPAddr)
	assert.Equal(t, time.Hour, cfg.TokenTTL)
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("WHIZBANG_CONCURRENCY_STRATEGY", "automatic_retry")
	t.Setenv("WHIZBANG_MAX_RETRIES", "5")
	t.Setenv("WHIZBANG_RETRY_TIMEOUT", "2s")
	t.Setenv("WHIZBANG_CHECKPOINT_STORAGE", "separate")
	t.Setenv("WHIZBANG_REBUILD_MODE", "InPlace")
	t.Setenv("WHIZBANG_GAP_SETTLE", "250ms")
	t.Setenv("KAFKA_BROKERS", "a:9092,b:9092")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, AutomaticRetry, cfg.Options.ConcurrencyStrategy)
	assert.Equal(t, 5, cfg.Options.MaxRetries)
	assert.Equal(t, 2*time.Second, cfg.Options.RetryTimeout)
	assert.Equal(t, Separate, cfg.Options.CheckpointStorage)
	assert.Equal(t, InPlace, cfg.Options.RebuildMode)
	assert.Equal(t, 250*time.Millisecond, cfg.Options.GapSettle)
	assert.Equal(t, []string{"a:9092", "b:9092"}, cfg.KafkaBrokers)
}

func TestLoadRejectsUnknownEnum(t *testing.T) {
	t.Setenv("WHIZBANG_REBUILD_MODE", "sideways")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "parse env:")
}

func TestLoadPostgresNeedsURL(t *testing.T) {
	t.Setenv("WHIZBANG_BACKEND", "postgres")

	_, err := Load()
	assert.Error(t, err)
}

func TestOptionsValidate(t *testing.T) {
	require.NoError(t, DefaultOptions().Validate())

	tests := []struct {
		name   string
		mutate func(*Options)
	}{
		{"zero retries", func(o *Options) { o.MaxRetries = 0 }},
		{"negative delay", func(o *Options) { o.RetryBaseDelay = -time.Second }},
		{"base above cap", func(o *Options) { o.RetryBaseDelay = 2 * time.Second }},
		{"shrinking multiplier", func(o *Options) { o.RetryMultiplier = 0.5 }},
		{"zero batch", func(o *Options) { o.BatchSize = 0 }},
		{"zero poll", func(o *Options) { o.PollInterval = 0 }},
		{"unknown strategy", func(o *Options) { o.ConcurrencyStrategy = 42 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			opts := DefaultOptions()
			tt.mutate(&opts)
			assert.Error(t, opts.Validate())
		})
	}
}

func TestEnumStrings(t *testing.T) {
	assert.Equal(t, "LastWriteWins", LastWriteWins.String())
	assert.Equal(t, "Separate", Separate.String())
	assert.Equal(t, "AtomicSwap", AtomicSwap.String())
	assert.Equal(t, "RebuildMode(9)", RebuildMode(9).String())
}
