package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/stagee/engine/pkg/adapters"
	"github.com/stagee/engine/pkg/api"
	"github.com/stagee/engine/pkg/cancel"
	"github.com/stagee/engine/pkg/client"
	"github.com/stagee/engine/pkg/config"
	"github.com/stagee/engine/pkg/dispatcher"
	"github.com/stagee/engine/pkg/engine"
	"github.com/stagee/engine/pkg/events"
	"github.com/stagee/engine/pkg/log"
	"github.com/stagee/engine/pkg/masking"
	"github.com/stagee/engine/pkg/metrics"
	"github.com/stagee/engine/pkg/mutex"
	"github.com/stagee/engine/pkg/policy"
	"github.com/stagee/engine/pkg/queue"
	"github.com/stagee/engine/pkg/rbac"
	"github.com/stagee/engine/pkg/reconciler"
	"github.com/stagee/engine/pkg/secrets"
	"github.com/stagee/engine/pkg/storage"
	"github.com/stagee/engine/pkg/worker"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	err := rootCmd.Execute()
	if err == nil {
		return
	}
	fmt.Fprintf(os.Stderr, "Error: %v\n", err)
	if isUsage(err) {
		fmt.Fprintln(os.Stderr, "Run 'engine --help' for usage.")
		os.Exit(2)
	}
	os.Exit(1)
}

var rootCmd = &cobra.Command{
	Use:   "engine",
	Short: "Engine - Durable execution engine for infrastructure plans",
	Long: `Engine runs validated infrastructure plans: it freezes each plan
into an execution, queues it durably, and drives it step by step
through RBAC checks, per-asset locks, just-in-time secrets, and
adapter calls, with retries, timeouts, and approval gates.

Everything durable lives in a single bbolt file, so one binary with
one file is a complete deployment.`,
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"Engine version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	// Flag parse failures are usage errors, exit code 2.
	rootCmd.SetFlagErrorFunc(func(cmd *cobra.Command, err error) error {
		return usageError{err}
	})

	rootCmd.PersistentFlags().String("server", "localhost:7717", "Engine admin API address")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(versionCmd)
}

// usageError marks errors caused by how the command was invoked rather
// than by what it tried to do. main turns these into exit code 2.
type usageError struct{ err error }

func (u usageError) Error() string { return u.err.Error() }
func (u usageError) Unwrap() error { return u.err }

func isUsage(err error) bool {
	var u usageError
	if errors.As(err, &u) {
		return true
	}
	// Cobra reports unknown subcommands as plain errors.
	return strings.HasPrefix(err.Error(), "unknown command")
}

// exactArgs is cobra.ExactArgs with usage exit semantics.
func exactArgs(n int) cobra.PositionalArgs {
	return func(cmd *cobra.Command, args []string) error {
		if len(args) != n {
			return usageError{fmt.Errorf("%q takes %d argument(s), received %d", cmd.CommandPath(), n, len(args))}
		}
		return nil
	}
}

// apiClient builds the typed client for commands that talk to a running
// engine.
func apiClient(cmd *cobra.Command) *client.Client {
	addr, _ := cmd.Flags().GetString("server")
	return client.NewClient(addr)
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the engine: queue, workers, reconciler, and admin API",
	Long: `Run one engine instance.

Configuration comes from the environment (ENGINE_* variables) with
flags taking precedence. The store path defaults to ./engine.db; the
secret store, asset adapter, automation adapter, and RBAC endpoints
must be set:

  ENGINE_STORE_DSN              bbolt database file
  ENGINE_LISTEN_ADDR            admin API bind address
  ENGINE_SECRET_STORE_URL       secret store endpoint
  ENGINE_ASSET_ADAPTER_URL      asset adapter endpoint
  ENGINE_AUTOMATION_ADAPTER_URL automation adapter endpoint
  ENGINE_RBAC_URL               RBAC endpoint
  ENGINE_WORKERS                worker pool size
  ENGINE_LEASE_BUFFER_MS        extra queue lease slack
  ENGINE_LOG_LEVEL              debug, info, warn, error`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().String("listen", "", "Admin API bind address")
	serveCmd.Flags().String("store", "", "Path of the bbolt database file")
	serveCmd.Flags().Int("workers", 0, "Worker pool size")
	serveCmd.Flags().Int("queue-batch", 0, "Queue items leased per worker poll")
	serveCmd.Flags().Duration("lease-ttl", 0, "Queue visibility lease duration")
	serveCmd.Flags().String("log-level", "", "Log level: debug, info, warn, error")
	serveCmd.Flags().String("log-format", "", "Log format: json or console")
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.FromEnv()
	if err != nil {
		return err
	}
	if v, _ := cmd.Flags().GetString("listen"); v != "" {
		cfg.ListenAddr = v
	}
	if v, _ := cmd.Flags().GetString("store"); v != "" {
		cfg.StoreDSN = v
	}
	if cmd.Flags().Changed("workers") {
		cfg.Workers, _ = cmd.Flags().GetInt("workers")
	}
	if cmd.Flags().Changed("queue-batch") {
		cfg.QueueBatch, _ = cmd.Flags().GetInt("queue-batch")
	}
	if cmd.Flags().Changed("lease-ttl") {
		cfg.LeaseTTL, _ = cmd.Flags().GetDuration("lease-ttl")
	}
	if v, _ := cmd.Flags().GetString("log-level"); v != "" {
		cfg.LogLevel = v
	}
	switch v, _ := cmd.Flags().GetString("log-format"); v {
	case "":
	case "json":
		cfg.LogJSON = true
	case "console":
		cfg.LogJSON = false
	default:
		return usageError{fmt.Errorf("log-format must be \"json\" or \"console\", got %q", v)}
	}
	if err := cfg.ValidateServe(); err != nil {
		return err
	}

	// The masker is shared by the log sink, the store, and the engine so
	// a secret registered anywhere is redacted everywhere.
	masker := masking.NewMasker()
	log.Init(log.Config{
		Level:      log.Level(cfg.LogLevel),
		JSONOutput: cfg.LogJSON,
		Masker:     masker,
	})

	fmt.Println("Starting engine...")
	fmt.Printf("  Store: %s\n", cfg.StoreDSN)
	fmt.Printf("  Listen: %s\n", cfg.ListenAddr)
	fmt.Printf("  Workers: %d\n", cfg.Workers)
	fmt.Printf("  Lease TTL: %s\n", cfg.EffectiveLeaseTTL())
	fmt.Println()

	broker := events.NewBroker()
	broker.Start()

	store, err := storage.NewBoltStore(cfg.StoreDSN,
		storage.WithMasker(masker),
		storage.WithBroker(broker),
	)
	if err != nil {
		return fmt.Errorf("failed to open store: %w", err)
	}
	defer store.Close()

	if err := prepareSchema(store); err != nil {
		return err
	}
	fmt.Println("✓ Store opened")

	q := queue.New(store, queue.WithLeaseTTL(cfg.EffectiveLeaseTTL()))
	q.Start()

	locks := mutex.NewService(store)
	registry := cancel.NewRegistry()

	eng := engine.New(engine.Deps{
		Store:    store,
		Locks:    locks,
		Access:   rbac.NewValidator(rbac.NewClient(cfg.RBACURL)),
		Secrets:  secrets.NewClient(cfg.SecretStoreURL),
		Adapters: adapters.NewSet(cfg.AssetAdapterURL, cfg.AutomationAdapterURL, masker),
		Registry: registry,
		Masker:   masker,
	})

	pool := worker.New(q, eng,
		worker.WithWorkers(cfg.Workers),
		worker.WithLeaseBatch(cfg.QueueBatch),
	)
	pool.Start()
	fmt.Printf("✓ Worker pool started (%d workers)\n", cfg.Workers)

	disp := dispatcher.New(dispatcher.Deps{
		Store:    store,
		Broker:   broker,
		Registry: registry,
	})

	recon := reconciler.New(locks, store)
	recon.Start()
	fmt.Println("✓ Reconciler started")

	collector := metrics.NewCollector(store)
	collector.Start()
	metrics.SetVersion(Version)

	srv := api.NewServer(api.Deps{
		Dispatcher: disp,
		Store:      store,
		Broker:     broker,
		Pool:       pool,
	}, api.WithVersion(Version))

	errCh := make(chan error, 1)
	go func() {
		if err := srv.Start(cfg.ListenAddr); err != nil {
			errCh <- fmt.Errorf("admin API error: %w", err)
		}
	}()
	fmt.Printf("✓ Admin API listening on %s\n", cfg.ListenAddr)

	fmt.Println()
	fmt.Println("Engine is running. Press Ctrl+C to stop.")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case <-sigCh:
		fmt.Println("\nShutting down...")
	case err := <-errCh:
		fmt.Fprintf(os.Stderr, "\nError: %v\n", err)
	}

	// Ingress closes first so nothing new arrives while workers drain.
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancelShutdown()

	if err := srv.Stop(shutdownCtx); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: admin API shutdown: %v\n", err)
	}
	if err := pool.Stop(shutdownCtx); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: worker pool shutdown: %v\n", err)
	}
	q.Stop()
	recon.Stop()
	collector.Stop()
	broker.Stop()

	fmt.Println("✓ Shutdown complete")
	return nil
}

// prepareSchema initializes a fresh store and refuses stores this build
// cannot read. Upgrades run through engine-migrate, never implicitly.
func prepareSchema(store *storage.BoltStore) error {
	v, err := store.SchemaVersion()
	if err != nil {
		return fmt.Errorf("failed to read schema version: %w", err)
	}
	switch {
	case v == 0:
		if err := store.SeedTimeoutPolicies(policy.All()); err != nil {
			return fmt.Errorf("failed to seed timeout policies: %w", err)
		}
		if err := store.SetSchemaVersion(storage.SchemaVersionCurrent); err != nil {
			return fmt.Errorf("failed to set schema version: %w", err)
		}
		fmt.Printf("✓ Fresh store initialized (schema v%d)\n", storage.SchemaVersionCurrent)
	case v < storage.SchemaVersionCurrent:
		return fmt.Errorf("store schema is v%d, this build needs v%d: run engine-migrate first", v, storage.SchemaVersionCurrent)
	case v > storage.SchemaVersionCurrent:
		return fmt.Errorf("store schema is v%d, newer than this build (v%d)", v, storage.SchemaVersionCurrent)
	}
	return nil
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print client and server version information",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		fmt.Printf("Client: %s (commit %s, built %s)\n", Version, Commit, BuildTime)
		v, err := apiClient(cmd).Version()
		if err != nil {
			fmt.Println("Server: unreachable")
			return nil
		}
		fmt.Printf("Server: %s", v.Version)
		if v.Commit != "" {
			fmt.Printf(" (commit %s)", v.Commit)
		}
		fmt.Println()
		return nil
	},
}
