package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFromEnvDefaults(t *testing.T) {
	cfg, err := FromEnv()
	require.NoError(t, err)

	assert.Equal(t, DefaultStoreDSN, cfg.StoreDSN)
	assert.Equal(t, DefaultListenAddr, cfg.ListenAddr)
	assert.Equal(t, 4, cfg.Workers)
	assert.Equal(t, 1, cfg.QueueBatch)
	assert.Equal(t, 30*time.Second, cfg.LeaseTTL)
	assert.Zero(t, cfg.LeaseBuffer)
	assert.Equal(t, "info", cfg.LogLevel)
}

func TestFromEnvOverrides(t *testing.T) {
	t.Setenv(EnvStoreDSN, "/data/engine.db")
	t.Setenv(EnvWorkers, "16")
	t.Setenv(EnvLeaseBufferMS, "2500")
	t.Setenv(EnvLogLevel, "debug")
	t.Setenv(EnvSecretStoreURL, "http://vault:8200")

	cfg, err := FromEnv()
	require.NoError(t, err)

	assert.Equal(t, "/data/engine.db", cfg.StoreDSN)
	assert.Equal(t, 16, cfg.Workers)
	assert.Equal(t, 2500*time.Millisecond, cfg.LeaseBuffer)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, "http://vault:8200", cfg.SecretStoreURL)
}

func TestFromEnvRejectsMalformedNumbers(t *testing.T) {
	t.Setenv(EnvWorkers, "many")
	_, err := FromEnv()
	require.Error(t, err)
	assert.Contains(t, err.Error(), EnvWorkers)
}

func TestFromEnvRejectsNegativeBuffer(t *testing.T) {
	t.Setenv(EnvLeaseBufferMS, "-10")
	_, err := FromEnv()
	require.Error(t, err)
}

func TestValidateServe(t *testing.T) {
	full := Config{
		SecretStoreURL:       "http://vault:8200",
		AssetAdapterURL:      "http://assets:9000",
		AutomationAdapterURL: "http://automation:9001",
		RBACURL:              "http://authz:9002",
		Workers:              4,
		QueueBatch:           1,
		LeaseTTL:             30 * time.Second,
	}
	assert.NoError(t, full.ValidateServe())

	missing := full
	missing.RBACURL = ""
	err := missing.ValidateServe()
	require.Error(t, err)
	assert.Contains(t, err.Error(), EnvRBACURL)

	bad := full
	bad.Workers = 0
	assert.Error(t, bad.ValidateServe())

	bad = full
	bad.LeaseTTL = 0
	assert.Error(t, bad.ValidateServe())
}

func TestEffectiveLeaseTTL(t *testing.T) {
	cfg := Config{LeaseTTL: 30 * time.Second, LeaseBuffer: 5 * time.Second}
	assert.Equal(t, 35*time.Second, cfg.EffectiveLeaseTTL())
}
