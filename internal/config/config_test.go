package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func clearEnv(t *testing.T) {
	t.Helper()
	for _, key := range []string{
		configPathEnv, databaseDSNEnv, redisAddressEnv, redisPasswordEnv, busBackendEnv,
		telegramTokenEnv, telegramChatIDEnv, logLevelEnv, workersEnv, tracingExporterEnv, tracingEndpointEnv,
	} {
		t.Setenv(key, "")
	}
}

func TestLoadDefaults(t *testing.T) {
	clearEnv(t)

	cfg := Load()

	assert.Equal(t, BusRedis, cfg.Bus.Backend)
	assert.Equal(t, "notifications", cfg.Bus.Topic)
	require.NotNil(t, cfg.Analyzer.MaxRetries)
	assert.Equal(t, 3, *cfg.Analyzer.MaxRetries)
	require.NotNil(t, cfg.Analyzer.BreakerThreshold)
	assert.Equal(t, 5, *cfg.Analyzer.BreakerThreshold)
	assert.Equal(t, 60*time.Second, cfg.Analyzer.InitialTimeout)
	assert.Equal(t, 5*time.Minute, cfg.Pipeline.FailureCooldown)
	assert.Equal(t, 3, cfg.Pipeline.MaxConsecutiveFailures)
	assert.Equal(t, 2, cfg.Worker.Workers)
	assert.Equal(t, 30*time.Minute, cfg.Worker.StaleAfter, "stale sweep is on by default")
	assert.Equal(t, TracingNone, cfg.Tracing.Exporter)
	assert.Equal(t, "UTC", cfg.Scheduler.Location().String())
}

func TestLoadMergesFileAndEnv(t *testing.T) {
	clearEnv(t)

	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
database:
  dsn: postgres://file
bus:
  backend: telegram
  topic: alerts
analyzer:
  maxRetries: 5
  initialTimeout: 10s
worker:
  batchSize: 25
  staleAfter: 15m
scheduler:
  timezone: Europe/Madrid
pipeline:
  cadences:
    hourly: 30m
`), 0o600))

	t.Setenv(configPathEnv, path)
	t.Setenv(databaseDSNEnv, "postgres://env")
	t.Setenv(workersEnv, "6")

	cfg := Load()

	assert.Equal(t, "postgres://env", cfg.Database.DSN)
	assert.Equal(t, "postgres", cfg.Database.Driver)
	assert.Equal(t, BusTelegram, cfg.Bus.Backend)
	assert.Equal(t, "alerts", cfg.Bus.Topic)
	assert.Equal(t, "notifications-dlq", cfg.Bus.DeadLetterTopic)
	assert.Equal(t, 5, *cfg.Analyzer.MaxRetries)
	assert.Equal(t, 10*time.Second, cfg.Analyzer.InitialTimeout)
	assert.Equal(t, time.Second, cfg.Analyzer.BaseDelay)
	assert.Equal(t, 25, cfg.Worker.BatchSize)
	assert.Equal(t, 15*time.Minute, cfg.Worker.StaleAfter)
	assert.Equal(t, 6, cfg.Worker.Workers)
	assert.Equal(t, 30*time.Minute, cfg.Pipeline.Cadences["hourly"])
	assert.Equal(t, "Europe/Madrid", cfg.Scheduler.Location().String())
}

func TestLoadKeepsExplicitZeros(t *testing.T) {
	clearEnv(t)

	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
analyzer:
  maxRetries: 0
  breakerThreshold: 0
pipeline:
  maxConsecutiveFailures: 5
tracing:
  exporter: otlp
  endpoint: collector:4317
`), 0o600))
	t.Setenv(configPathEnv, path)
	t.Setenv(tracingEndpointEnv, "otel:4317")

	cfg := Load()

	require.NotNil(t, cfg.Analyzer.MaxRetries)
	assert.Equal(t, 0, *cfg.Analyzer.MaxRetries)
	require.NotNil(t, cfg.Analyzer.BreakerThreshold)
	assert.Equal(t, 0, *cfg.Analyzer.BreakerThreshold)
	assert.Equal(t, 5, cfg.Pipeline.MaxConsecutiveFailures)
	assert.Equal(t, TracingOTLP, cfg.Tracing.Exporter)
	assert.Equal(t, "otel:4317", cfg.Tracing.Endpoint)
	assert.Equal(t, "subscription-scanner", cfg.Tracing.ServiceName)
}

func TestLoadIgnoresBadValues(t *testing.T) {
	clearEnv(t)

	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("scheduler:\n  timezone: Nowhere/Special\n"), 0o600))
	t.Setenv(configPathEnv, path)
	t.Setenv(workersEnv, "-1")

	cfg := Load()

	assert.Equal(t, 2, cfg.Worker.Workers)
	assert.Equal(t, "UTC", cfg.Scheduler.Location().String())
}

func TestLoadFallsBackOnUnreadableFile(t *testing.T) {
	clearEnv(t)
	t.Setenv(configPathEnv, filepath.Join(t.TempDir(), "missing.yaml"))

	cfg := Load()

	assert.Equal(t, defaultConfig().Database.DSN, cfg.Database.DSN)
}

func TestParseRejectsMalformedYAML(t *testing.T) {
	_, err := Parse([]byte("worker: [unterminated"))
	require.Error(t, err)
}

func TestMergeConfigKeepsBaseWhenOverrideEmpty(t *testing.T) {
	base := defaultConfig()
	merged := mergeConfig(base, Config{})

	assert.Equal(t, base.Database, merged.Database)
	assert.Equal(t, base.Analyzer, merged.Analyzer)
	assert.Equal(t, base.Worker, merged.Worker)
	assert.Equal(t, base.Bus, merged.Bus)
	assert.Equal(t, base.Tracing, merged.Tracing)
}

func TestSchedulerLocationWithoutBinding(t *testing.T) {
	assert.Equal(t, "UTC", SchedulerConfig{}.Location().String())
}
