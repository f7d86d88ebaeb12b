// Command gateway is the aurorarelay multi-provider AI gateway server.
//
// It reads configuration from environment variables (or config.yaml)
// and starts an OpenAI-compatible HTTP gateway on the configured port,
// routing chat completions across Gemini, DeepSeek, Qwen, Kimi, and an
// in-process mock provider.
//
// Quick-start (mock provider only, no API keys required):
//
//	AI_MOCK_ENABLED=true AI_GEMINI_ENABLED=false AI_DEEPSEEK_ENABLED=false \
//	AI_QWEN_ENABLED=false AI_KIMI_ENABLED=false ./gateway
//
// See internal/config (setDefaults) for all available configuration variables.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/sync/errgroup"

	"github.com/nulpointcorp/aurorarelay/internal/config"
	"github.com/nulpointcorp/aurorarelay/internal/gateway"
	"github.com/nulpointcorp/aurorarelay/internal/httpapi"
	"github.com/nulpointcorp/aurorarelay/internal/metrics"
)

// version is overridden at build time via -ldflags="-X main.version=x.y.z".
var version = "0.1.0"

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}

	log := buildLogger(cfg.LogLevel)
	defer log.Sync()

	reg := metrics.New()
	reg.SetBuildInfo(version)

	facade, err := gateway.Initialize(ctx, cfg, log, reg)
	if err != nil {
		log.Error("startup failed", zap.Error(err))
		os.Exit(1)
	}

	srv := httpapi.New(facade, log, cfg.CORSOrigins)
	addr := ":" + strconv.Itoa(cfg.Port)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info("gateway listening", zap.String("addr", addr))
		return srv.ListenAndServe(addr, reg)
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info("shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Orchestrator.ShutdownDrainTimeout)
		defer cancel()

		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Warn("http shutdown error", zap.Error(err))
		}
		if err := facade.Shutdown(shutdownCtx); err != nil {
			log.Warn("facade shutdown error", zap.Error(err))
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		log.Error("gateway stopped", zap.Error(err))
		os.Exit(1)
	}
}

// buildLogger constructs a JSON zap.Logger for the given level string.
// Unknown level strings default to INFO.
func buildLogger(level string) *zap.Logger {
	var lvl zapcore.Level
	switch level {
	case "debug":
		lvl = zapcore.DebugLevel
	case "warn":
		lvl = zapcore.WarnLevel
	case "error":
		lvl = zapcore.ErrorLevel
	default:
		lvl = zapcore.InfoLevel
	}

	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(lvl)
	log, err := cfg.Build()
	if err != nil {
		return zap.NewNop()
	}
	return log
}
