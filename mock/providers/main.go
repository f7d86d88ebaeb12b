// Command providers runs lightweight HTTP mock servers that simulate each
// upstream LLM provider API. Used for integration and load testing without
// real credentials.
//
// Each provider listens on its own port:
//
//	Gemini     :19001
//	DeepSeek   :19002
//	Qwen       :19003
//	Kimi       :19004
//
// Environment overrides (PORT_<PROVIDER>):
//
//	PORT_GEMINI, PORT_DEEPSEEK, PORT_QWEN, PORT_KIMI
//
// Behaviour flags (via env):
//
//	MOCK_LATENCY_MS   — artificial latency added to every response (default 0)
//	MOCK_ERROR_RATE   — fraction [0,1] of requests that return HTTP 500 (default 0)
//	MOCK_STREAM_WORDS — words in streaming response (default 10)
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"
)

// Config holds runtime configuration shared across all mock servers.
type Config struct {
	LatencyMS   int
	ErrorRate   float64
	StreamWords int
}

func loadConfig() Config {
	c := Config{StreamWords: 10}

	if v := os.Getenv("MOCK_LATENCY_MS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.LatencyMS = n
		}
	}
	if v := os.Getenv("MOCK_ERROR_RATE"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil && f >= 0 && f <= 1 {
			c.ErrorRate = f
		}
	}
	if v := os.Getenv("MOCK_STREAM_WORDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			c.StreamWords = n
		}
	}
	return c
}

func portFromEnv(key string, defaultPort int) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return strconv.Itoa(defaultPort)
}

func startServer(name, addr string, h http.Handler, log *zap.Logger) *http.Server {
	srv := &http.Server{
		Addr:         addr,
		Handler:      h,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}
	go func() {
		log.Info("mock provider listening", zap.String("provider", name), zap.String("addr", addr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("server error", zap.String("provider", name), zap.Error(err))
		}
	}()
	return srv
}

func main() {
	log, _ := zap.NewProduction()
	defer func() { _ = log.Sync() }()

	cfg := loadConfig()

	log.Info("starting mock providers",
		zap.Int("latency_ms", cfg.LatencyMS),
		zap.Float64("error_rate", cfg.ErrorRate),
		zap.Int("stream_words", cfg.StreamWords),
	)

	servers := []*http.Server{
		startServer("gemini", ":"+portFromEnv("PORT_GEMINI", 19001), newGeminiHandler(cfg), log),
		startServer("deepseek", ":"+portFromEnv("PORT_DEEPSEEK", 19002), newOpenAICompatHandler(cfg, "deepseek-chat"), log),
		startServer("qwen", ":"+portFromEnv("PORT_QWEN", 19003), newQwenHandler(cfg), log),
		startServer("kimi", ":"+portFromEnv("PORT_KIMI", 19004), newOpenAICompatHandler(cfg, "moonshot-v1-8k"), log),
	}

	fmt.Println("READY")

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("shutting down mock providers")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var wg sync.WaitGroup
	for _, srv := range servers {
		wg.Add(1)
		go func(s *http.Server) {
			defer wg.Done()
			_ = s.Shutdown(ctx)
		}(srv)
	}
	wg.Wait()
	log.Info("mock providers stopped")
}
