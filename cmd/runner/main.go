package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jessevdk/go-flags"
	_ "github.com/lib/pq"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/service0427/coupang/internal/config"
	"github.com/service0427/coupang/internal/execlog"
	"github.com/service0427/coupang/internal/orchestrator"
	"github.com/service0427/coupang/internal/proxy"
	"github.com/service0427/coupang/internal/registry"
	"github.com/service0427/coupang/internal/repo"
	"github.com/service0427/coupang/internal/status"
	"github.com/service0427/coupang/internal/workflow"
)

const version = "1.0.0"

func main() {
	opts, err := config.Parse(os.Args[1:])
	if err != nil {
		var flagsErr *flags.Error
		if errors.As(err, &flagsErr) && flagsErr.Type == flags.ErrHelp {
			os.Exit(0)
		}
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	logLevel := slog.LevelInfo
	if opts.Debug {
		logLevel = slog.LevelDebug
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	}))
	slog.SetDefault(logger)

	slog.Info("starting keyword runner", "version", version, "agent", opts.Runner.Agent)

	// Database connectivity is the only fatal startup dependency.
	db, err := sql.Open("postgres", opts.Database.DSN)
	if err != nil {
		slog.Error("failed to open database", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	if err := db.Ping(); err != nil {
		slog.Error("failed to ping database", "error", err)
		os.Exit(1)
	}

	if err := runMigrations(db); err != nil {
		slog.Error("failed to run migrations", "error", err)
		os.Exit(1)
	}

	repository := repo.New(db)

	pool := buildProxyPool(opts)
	cooldown := buildCooldown(opts)
	publisher := buildPublisher(opts)
	if publisher != nil {
		defer publisher.Close()
	}

	sim := workflow.NewSimulated()
	sim.FailRate = opts.Simulation.FailRate

	metrics := orchestrator.NewMetrics()
	orch := orchestrator.New(orchestrator.Config{
		Agent:           opts.Runner.Agent,
		Browsers:        opts.BrowserList(),
		MaxRounds:       opts.Runner.MaxRounds,
		SinglePass:      opts.Runner.Once,
		InterRoundDelay: opts.InterRoundDelay(),
		WorkflowTimeout: opts.WorkflowTimeout(),
	}, repository, poolOrNil(pool), cooldown, sim, publisherOrNil(publisher), metrics)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	hostname, _ := os.Hostname()
	if hostname == "" {
		hostname = "unknown"
	}
	runnerID := fmt.Sprintf("%s-%d-%s", hostname, os.Getpid(), randomString(6))

	store := registry.NewStore(db)
	runner := &registry.Runner{
		ID:       runnerID,
		Hostname: hostname,
		Agent:    opts.Runner.Agent,
		Browsers: opts.BrowserList(),
		Version:  version,
	}
	if err := store.Register(ctx, runner); err != nil {
		slog.Error("failed to register runner", "error", err)
	}
	go heartbeatLoop(ctx, store, runnerID)

	go serveStatus(opts.HTTP.Listen, repository, store, orch.RoundLog(), opts.Runner.Agent)

	err = orch.Run(ctx)

	// Deregister on a fresh context; ctx is usually already cancelled.
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if derr := store.Deregister(shutdownCtx, runnerID); derr != nil {
		slog.Error("failed to deregister runner", "error", derr)
	}

	if err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("runner stopped with error", "error", err)
		os.Exit(1)
	}
	slog.Info("runner stopped")
}

// buildProxyPool wires the pool, or returns nil when no proxy file is
// configured, in which case every keyword runs direct.
func buildProxyPool(opts *config.Options) *proxy.Pool {
	if opts.Proxy.File == "" {
		slog.Info("no proxy file configured, running direct")
		return nil
	}

	var cursor proxy.CursorStore
	if opts.Proxy.RedisAddr != "" {
		cursor = proxy.NewRedisCursorStore(opts.Proxy.RedisAddr, opts.Proxy.RedisPrefix+":proxy_cursor")
		slog.Info("using redis proxy cursor", "addr", opts.Proxy.RedisAddr)
	} else {
		cursor = proxy.NewFileCursorStore(opts.Proxy.CursorFile)
	}

	pool, err := proxy.LoadPool(opts.Proxy.File, cursor)
	if err != nil {
		slog.Error("failed to load proxy pool, running direct", "error", err)
		return nil
	}
	return pool
}

func buildCooldown(opts *config.Options) *proxy.CooldownTracker {
	var toggler proxy.Toggler = proxy.NoopToggler{}
	if opts.Proxy.ToggleURL != "" {
		toggler = proxy.NewHTTPToggler(opts.Proxy.ToggleURL)
	}
	return proxy.NewCooldownTracker(toggler, opts.ProxyCooldown())
}

func buildPublisher(opts *config.Options) *execlog.Publisher {
	brokers := opts.KafkaBrokerList()
	if len(brokers) == 0 {
		return nil
	}
	slog.Info("publishing execution log events", "brokers", brokers, "topic", opts.Events.KafkaTopic)
	return execlog.NewPublisher(brokers, opts.Events.KafkaTopic)
}

// publisherOrNil keeps a typed nil *Publisher from becoming a non-nil
// interface value inside the orchestrator.
func publisherOrNil(p *execlog.Publisher) orchestrator.EventPublisher {
	if p == nil {
		return nil
	}
	return p
}

func poolOrNil(p *proxy.Pool) orchestrator.ProxyProvider {
	if p == nil {
		return nil
	}
	return p
}

func heartbeatLoop(ctx context.Context, store *registry.Store, runnerID string) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := store.Heartbeat(ctx, runnerID); err != nil {
				slog.Warn("heartbeat failed", "error", err)
			}
			if _, err := store.CleanupDeadRunners(ctx, 2*time.Minute, runnerID); err != nil {
				slog.Warn("dead runner cleanup failed", "error", err)
			}
		case <-ctx.Done():
			return
		}
	}
}

func serveStatus(addr string, repository *repo.Repository, store *registry.Store,
	roundLog *orchestrator.RoundLog, agent string) {

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	handler := status.NewHandler(repository, store, roundLog, agent, version)
	handler.RegisterRoutes(mux)

	slog.Info("status and metrics server listening", "addr", addr)
	if err := http.ListenAndServe(addr, mux); err != nil {
		slog.Error("status server failed", "error", err)
	}
}

func runMigrations(db *sql.DB) error {
	migrationSQL, err := os.ReadFile("migrations/001_initial_schema.sql")
	if err != nil {
		migrationSQL, err = os.ReadFile("/app/migrations/001_initial_schema.sql")
		if err != nil {
			return fmt.Errorf("failed to read migration file: %w", err)
		}
	}

	if _, err := db.Exec(string(migrationSQL)); err != nil {
		return fmt.Errorf("failed to execute migration: %w", err)
	}

	slog.Info("database migrations completed")
	return nil
}

func randomString(n int) string {
	const letters = "abcdefghijklmnopqrstuvwxyz0123456789"
	b := make([]byte, n)
	for i := range b {
		b[i] = letters[rand.Intn(len(letters))]
	}
	return string(b)
}
