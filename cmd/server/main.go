package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	_ "net/http/pprof"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/akto-api-security/mcp-guardrail-engine/internal/audit"
	"github.com/akto-api-security/mcp-guardrail-engine/internal/batch"
	"github.com/akto-api-security/mcp-guardrail-engine/internal/cache"
	"github.com/akto-api-security/mcp-guardrail-engine/internal/circuitbreaker"
	"github.com/akto-api-security/mcp-guardrail-engine/internal/config"
	"github.com/akto-api-security/mcp-guardrail-engine/internal/detach"
	"github.com/akto-api-security/mcp-guardrail-engine/internal/engine"
	"github.com/akto-api-security/mcp-guardrail-engine/internal/metaaudit"
	"github.com/akto-api-security/mcp-guardrail-engine/internal/policy"
	"github.com/akto-api-security/mcp-guardrail-engine/internal/ratelimit"
	"github.com/akto-api-security/mcp-guardrail-engine/internal/scanner"
	"github.com/akto-api-security/mcp-guardrail-engine/internal/threat"
	"github.com/akto-api-security/mcp-guardrail-engine/internal/web"
)

// Version information - set by ldflags during build
var (
	version   = "dev"
	buildTime = "unknown"
	gitCommit = "unknown"
)

func main() {
	var (
		showVersion   = flag.Bool("version", false, "Show version information")
		showHealth    = flag.Bool("health-check", false, "Run health check and exit")
		healthTimeout = flag.Duration("health-timeout", 5*time.Second, "Health check timeout")
		envFile       = flag.String("env-file", "", "Optional .env file to watch for hot-reloadable settings")
	)
	flag.Parse()

	if *showVersion {
		fmt.Printf("MCP Guardrail Engine\n")
		fmt.Printf("  Version:    %s\n", version)
		fmt.Printf("  Build Time: %s\n", buildTime)
		fmt.Printf("  Git Commit: %s\n", gitCommit)
		fmt.Printf("  Go Version: %s\n", runtime.Version())
		os.Exit(0)
	}

	if *showHealth {
		if err := runHealthCheck(*healthTimeout); err != nil {
			fmt.Fprintf(os.Stderr, "Health check failed: %v\n", err)
			os.Exit(1)
		}
		fmt.Println("Health check passed")
		os.Exit(0)
	}

	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	setLogLevel(cfg.LogLevel)

	slog.Info("starting mcp guardrail engine",
		"version", version,
		"build_time", buildTime,
		"git_commit", gitCommit,
		"config_schema", cfg.SchemaVersion,
	)

	watcher, err := config.NewWatcher(*envFile, cfg)
	if err != nil {
		slog.Error("failed to start config watcher", "error", err)
		os.Exit(1)
	}
	defer watcher.Close()

	if cfg.PProfEnabled {
		go startPProfServer(cfg.PProfPort)
	}

	auditLogger := audit.NewLogger(cfg.AuditBufferSize, watcher)

	cacheClient, err := cache.New(cfg, watcher)
	if err != nil {
		slog.Error("failed to connect to redis", "error", err)
		os.Exit(1)
	}
	defer cacheClient.Close()

	breaker := circuitbreaker.NewManager(cfg)
	exec := detach.NewGroup()

	rateLimiter := ratelimit.New(cacheClient, watcher)
	scannerClient := scanner.New(cfg.ScannerURL, breaker, cfg.ScannerDeadline)
	threatReporter := threat.New(cfg, breaker, auditLogger)
	policyClient := policy.New(cfg, cacheClient, breaker, auditLogger)
	metaAuditor := metaaudit.New(cfg, breaker, threatReporter)

	validationEngine := engine.New(rateLimiter, scannerClient, threatReporter, watcher)
	batchProcessor := batch.New(validationEngine, policyClient, metaAuditor)

	webServer := web.NewServer(cfg, watcher, cacheClient, validationEngine, policyClient, batchProcessor, exec, version)

	exec.Go(context.Background(), policyClient.WatchInvalidations)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		defer func() {
			if r := recover(); r != nil {
				slog.Error("web server goroutine panicked", "panic", r)
				cancel()
			}
		}()
		addr := fmt.Sprintf("0.0.0.0:%d", cfg.ServerPort)
		slog.Info("starting web server", "addr", addr)
		if err := webServer.Start(addr); err != nil && err != http.ErrServerClosed {
			slog.Error("web server error", "error", err)
			cancel()
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGTERM, syscall.SIGINT, syscall.SIGQUIT)

	select {
	case sig := <-quit:
		slog.Info("shutdown signal received", "signal", sig.String())
	case <-ctx.Done():
		slog.Info("context cancelled")
	}

	shutdownTimeout := cfg.ShutdownTimeout
	if shutdownTimeout == 0 {
		shutdownTimeout = 30 * time.Second
	}

	slog.Info("initiating graceful shutdown", "timeout", shutdownTimeout)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	if err := webServer.Shutdown(shutdownCtx); err != nil {
		slog.Error("web server shutdown error", "error", err)
	}

	// Drain detached threat-report and metadata-audit goroutines before
	// closing the backends they talk to.
	if err := exec.Shutdown(shutdownCtx); err != nil {
		slog.Error("detached work did not drain cleanly", "error", err)
	}

	if err := cacheClient.Close(); err != nil {
		slog.Error("redis close error", "error", err)
	}

	slog.Info("server stopped gracefully")
}

// runHealthCheck performs a health check against the local server.
func runHealthCheck(timeout time.Duration) error {
	client := &http.Client{Timeout: timeout}

	port := os.Getenv("SERVER_PORT")
	if port == "" {
		port = "8080"
	}

	resp, err := client.Get(fmt.Sprintf("http://localhost:%s/health", port))
	if err != nil {
		return fmt.Errorf("health check request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health check returned status %d", resp.StatusCode)
	}

	return nil
}

// startPProfServer starts the pprof debugging server.
func startPProfServer(port int) {
	addr := fmt.Sprintf("localhost:%d", port)
	slog.Info("starting pprof server", "addr", addr)
	if err := http.ListenAndServe(addr, nil); err != nil {
		slog.Error("pprof server error", "error", err)
	}
}

func setLogLevel(level string) {
	var slogLevel slog.Level
	switch level {
	case "debug":
		slogLevel = slog.LevelDebug
	case "info":
		slogLevel = slog.LevelInfo
	case "warn":
		slogLevel = slog.LevelWarn
	case "error":
		slogLevel = slog.LevelError
	default:
		slogLevel = slog.LevelInfo
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slogLevel,
	}))
	slog.SetDefault(logger)
}
