// Command asterivox is the main entry point for the Asterivox voice agent
// engine.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/MrWong99/asterivox/internal/app"
	"github.com/MrWong99/asterivox/internal/config"
	"github.com/MrWong99/asterivox/internal/observe"
)

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	flag.Parse()

	// ── Load configuration ────────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "asterivox: config file %q not found — copy configs/example.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "asterivox: %v\n", err)
		}
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	// The level var stays live so config reloads can change verbosity
	// without a restart.
	level := new(slog.LevelVar)
	level.Set(cfg.Server.LogLevel.Level())
	logger := newLogger(level)
	slog.SetDefault(logger)

	slog.Info("asterivox starting",
		"config", *configPath,
		"audiosocket", cfg.Telephony.AudioSocketAddr,
		"log_level", cfg.Server.LogLevel,
	)

	// ── Telemetry ─────────────────────────────────────────────────────────────
	shutdownTelemetry, err := observe.InitProvider(context.Background(), observe.ProviderConfig{})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTelemetry(ctx); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Startup summary ───────────────────────────────────────────────────────
	printStartupSummary(cfg)

	engine, err := app.New(ctx, cfg, nil,
		app.WithLogger(logger),
		app.WithLogLevel(level),
		app.WithConfigPath(*configPath),
	)
	if err != nil {
		slog.Error("failed to initialise engine", "err", err)
		return 1
	}

	slog.Info("engine ready — press Ctrl+C to shut down")

	if err := engine.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("run error", "err", err)
		return 1
	}

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	slog.Info("shutdown signal received, stopping…")

	if err := engine.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
		return 1
	}
	slog.Info("goodbye")
	return 0
}

// ── Startup summary ───────────────────────────────────────────────────────────

func printStartupSummary(cfg *config.Config) {
	fmt.Println("╔════════════════════════════════════════╗")
	fmt.Println("║      Asterivox — startup summary       ║")
	fmt.Println("╠════════════════════════════════════════╣")
	printRow("AudioSocket", cfg.Telephony.AudioSocketAddr)
	if cfg.Telephony.AMI != nil {
		printRow("AMI", cfg.Telephony.AMI.Addr)
	} else {
		printRow("AMI", "(disabled)")
	}
	if cfg.LocalAI.Enabled() {
		printRow("Model server", cfg.LocalAI.ListenAddr)
		printRow("STT engine", filepath.Base(cfg.LocalAI.STT.ModelPath))
		printRow("LLM engine", cfg.LocalAI.LLM.Provider+" / "+cfg.LocalAI.LLM.Model)
		printRow("TTS engine", cfg.LocalAI.TTS.BaseURL)
	} else {
		printRow("Back-end", cfg.Backend.URL)
	}
	if cfg.Cloud.LLM.Enabled() {
		printRow("Cloud LLM", cfg.Cloud.LLM.Model)
	} else {
		printRow("Cloud LLM", "(disabled)")
	}
	fmt.Printf("║  Profiles        : %-19d ║\n", len(cfg.Profiles)+1)
	fmt.Printf("║  Transfer targets: %-19d ║\n", len(cfg.Transfer.Directory))
	if cfg.Server.ListenAddr != "" {
		printRow("Ops addr", cfg.Server.ListenAddr)
	}
	fmt.Println("╚════════════════════════════════════════╝")
}

func printRow(kind, value string) {
	if value == "" {
		value = "(not configured)"
	}
	if len([]rune(value)) > 19 {
		value = string([]rune(value)[:16]) + "…"
	}
	fmt.Printf("║  %-16s: %-19s ║\n", kind, value)
}

// ── Logger ─────────────────────────────────────────────────────────────────────

func newLogger(level *slog.LevelVar) *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}
