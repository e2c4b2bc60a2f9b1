// Package config resolves engine process configuration. Values come from
// environment variables with built-in defaults; cmd/engine binds cobra
// flags on top of them, so precedence is flag over env over default.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/stagee/engine/pkg/queue"
	"github.com/stagee/engine/pkg/worker"
)

// Environment variable names.
const (
	EnvStoreDSN             = "ENGINE_STORE_DSN"
	EnvListenAddr           = "ENGINE_LISTEN_ADDR"
	EnvSecretStoreURL       = "ENGINE_SECRET_STORE_URL"
	EnvAssetAdapterURL      = "ENGINE_ASSET_ADAPTER_URL"
	EnvAutomationAdapterURL = "ENGINE_AUTOMATION_ADAPTER_URL"
	EnvRBACURL              = "ENGINE_RBAC_URL"
	EnvWorkers              = "ENGINE_WORKERS"
	EnvLeaseBufferMS        = "ENGINE_LEASE_BUFFER_MS"
	EnvLogLevel             = "ENGINE_LOG_LEVEL"
)

// Defaults for values with no environment override set.
const (
	DefaultStoreDSN   = "engine.db"
	DefaultListenAddr = ":7717"
	DefaultLogLevel   = "info"
)

// Config collects every tunable of one engine process.
type Config struct {
	// StoreDSN is the path of the bbolt database file.
	StoreDSN string

	// ListenAddr is the admin API bind address.
	ListenAddr string

	// External service endpoints.
	SecretStoreURL       string
	AssetAdapterURL      string
	AutomationAdapterURL string
	RBACURL              string

	// Worker pool shape.
	Workers    int
	QueueBatch int

	// LeaseTTL is the queue visibility lease; LeaseBuffer is operator
	// slack added on top for deployments with slow stores.
	LeaseTTL    time.Duration
	LeaseBuffer time.Duration

	LogLevel string
	LogJSON  bool
}

// FromEnv builds a Config from the environment. Malformed numeric values
// are errors, not silent fallbacks; a typo in ENGINE_WORKERS should stop
// the process, not shrink the pool.
func FromEnv() (Config, error) {
	cfg := Config{
		StoreDSN:             envStr(EnvStoreDSN, DefaultStoreDSN),
		ListenAddr:           envStr(EnvListenAddr, DefaultListenAddr),
		SecretStoreURL:       os.Getenv(EnvSecretStoreURL),
		AssetAdapterURL:      os.Getenv(EnvAssetAdapterURL),
		AutomationAdapterURL: os.Getenv(EnvAutomationAdapterURL),
		RBACURL:              os.Getenv(EnvRBACURL),
		Workers:              worker.DefaultWorkers,
		QueueBatch:           1,
		LeaseTTL:             queue.DefaultLeaseTTL,
		LogLevel:             envStr(EnvLogLevel, DefaultLogLevel),
		LogJSON:              true,
	}

	if raw := os.Getenv(EnvWorkers); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			return Config{}, fmt.Errorf("%s: %q is not a positive integer", EnvWorkers, raw)
		}
		cfg.Workers = n
	}

	if raw := os.Getenv(EnvLeaseBufferMS); raw != "" {
		ms, err := strconv.Atoi(raw)
		if err != nil || ms < 0 {
			return Config{}, fmt.Errorf("%s: %q is not a millisecond count", EnvLeaseBufferMS, raw)
		}
		cfg.LeaseBuffer = time.Duration(ms) * time.Millisecond
	}

	return cfg, nil
}

// ValidateServe checks the fields only a serving engine needs. The CLI
// subcommands that just talk to a running engine skip this.
func (c Config) ValidateServe() error {
	missing := ""
	switch {
	case c.SecretStoreURL == "":
		missing = EnvSecretStoreURL
	case c.AssetAdapterURL == "":
		missing = EnvAssetAdapterURL
	case c.AutomationAdapterURL == "":
		missing = EnvAutomationAdapterURL
	case c.RBACURL == "":
		missing = EnvRBACURL
	}
	if missing != "" {
		return fmt.Errorf("%s must be set to serve", missing)
	}
	if c.Workers < 1 {
		return fmt.Errorf("workers must be at least 1, got %d", c.Workers)
	}
	if c.QueueBatch < 1 {
		return fmt.Errorf("queue batch must be at least 1, got %d", c.QueueBatch)
	}
	if c.LeaseTTL <= 0 {
		return fmt.Errorf("lease TTL must be positive, got %s", c.LeaseTTL)
	}
	return nil
}

// EffectiveLeaseTTL is the queue lease duration with operator slack
// applied.
func (c Config) EffectiveLeaseTTL() time.Duration {
	return c.LeaseTTL + c.LeaseBuffer
}

func envStr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
