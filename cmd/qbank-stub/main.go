package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/agentworkforce/qbanksync/internal/collection"
	"github.com/agentworkforce/qbanksync/internal/stub"
)

func main() {
	logger := newLogger(envOrDefault("QBANK_STUB_LOG_LEVEL", "info"))
	defer func() { _ = logger.Sync() }()
	zap.ReplaceGlobals(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := run(ctx, logger); err != nil {
		logger.Fatal("qbank-stub failed", zap.Error(err))
	}
}

func run(ctx context.Context, logger *zap.Logger) error {
	addr := envOrDefault("QBANK_STUB_ADDR", ":8080")
	stateBackend, err := buildStateBackendFromEnv()
	if err != nil {
		return fmt.Errorf("initialize state backend: %w", err)
	}
	store, err := stub.NewStoreWithOptions(stub.StoreOptions{StateBackend: stateBackend})
	if err != nil {
		return err
	}
	if n := intEnv("QBANK_STUB_SEED", 0); n > 0 && store.Len() == 0 {
		if err := store.Seed(demoRecords(n, time.Now().UTC())...); err != nil {
			return fmt.Errorf("seed demo records: %w", err)
		}
		logger.Info("seeded demo questions", zap.Int("count", n))
	}

	cfg, err := serverConfigFromEnv()
	if err != nil {
		return err
	}
	cfg.Logger = logger
	server := stub.NewServerWithConfig(store, cfg)
	defer func() {
		if err := server.Close(); err != nil {
			logger.Warn("close state backend", zap.Error(err))
		}
	}()

	httpServer := &http.Server{
		Addr:              addr,
		Handler:           server,
		ReadHeaderTimeout: durationEnv("QBANK_STUB_READ_HEADER_TIMEOUT", 10*time.Second),
	}
	errCh := make(chan error, 1)
	go func() {
		logger.Info("qbank-stub listening", zap.String("addr", addr), zap.String("envelope", string(cfg.Envelope)))
		errCh <- httpServer.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}
	logger.Info("qbank-stub shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), durationEnv("QBANK_STUB_SHUTDOWN_TIMEOUT", 5*time.Second))
	defer cancel()
	return httpServer.Shutdown(shutdownCtx)
}

func serverConfigFromEnv() (stub.ServerConfig, error) {
	envelope := stub.EnvelopeStyle(strings.ToLower(envOrDefault("QBANK_STUB_ENVELOPE", string(stub.EnvelopeResults))))
	switch envelope {
	case stub.EnvelopeResults, stub.EnvelopeItems, stub.EnvelopeKeyed:
	default:
		return stub.ServerConfig{}, fmt.Errorf("unsupported QBANK_STUB_ENVELOPE: %s", envelope)
	}
	return stub.ServerConfig{
		Token:        strings.TrimSpace(os.Getenv("QBANK_STUB_TOKEN")),
		Envelope:     envelope,
		RateLimit:    floatEnv("QBANK_STUB_RATE_LIMIT", 0),
		RateBurst:    intEnv("QBANK_STUB_RATE_BURST", 0),
		MaxBodyBytes: int64Env("QBANK_STUB_MAX_BODY_BYTES", 0),
		DefaultSort:  strings.TrimSpace(os.Getenv("QBANK_STUB_DEFAULT_SORT")),
		DefaultOrder: strings.TrimSpace(os.Getenv("QBANK_STUB_DEFAULT_ORDER")),
	}, nil
}

func buildStateBackendFromEnv() (stub.StateBackend, error) {
	profileDSN, err := storageProfileDefaultFromEnv()
	if err != nil {
		return nil, err
	}
	stateDSN := strings.TrimSpace(os.Getenv("QBANK_STUB_STATE_DSN"))
	stateFile := strings.TrimSpace(os.Getenv("QBANK_STUB_STATE_FILE"))
	switch {
	case stateDSN != "":
		return stub.BuildStateBackendFromDSN(stateDSN)
	case stateFile != "":
		return stub.BuildStateBackendFromDSN(stateFile)
	case profileDSN != "":
		return stub.BuildStateBackendFromDSN(profileDSN)
	default:
		return nil, nil
	}
}

func storageProfileDefaultFromEnv() (string, error) {
	profile := strings.ToLower(strings.TrimSpace(os.Getenv("QBANK_STUB_BACKEND_PROFILE")))
	dataDir := envOrDefault("QBANK_STUB_DATA_DIR", ".qbank-stub")
	switch profile {
	case "", "custom":
		return "", nil
	case "memory", "inmemory":
		return "memory://", nil
	case "production", "prod":
		dsn := strings.TrimSpace(os.Getenv("QBANK_STUB_POSTGRES_DSN"))
		if dsn == "" {
			return "", fmt.Errorf("QBANK_STUB_POSTGRES_DSN is required when QBANK_STUB_BACKEND_PROFILE=%s", profile)
		}
		return dsn, nil
	case "durable-local", "local-durable":
		return "file://" + filepath.Join(dataDir, "state.json"), nil
	default:
		return "", fmt.Errorf("unsupported QBANK_STUB_BACKEND_PROFILE: %s", profile)
	}
}

var (
	demoTopics       = []string{"algebra", "geometry", "biology", "history", "chemistry"}
	demoDifficulties = []string{"easy", "medium", "hard"}
	demoStatuses     = []string{"draft", "review", "published", "published", "archived"}
)

// demoRecords builds n questions spread across every topic, difficulty and
// status, with strictly increasing timestamps.
func demoRecords(n int, now time.Time) []collection.Record {
	out := make([]collection.Record, 0, n)
	for i := 1; i <= n; i++ {
		at := now.Add(-time.Duration(n-i) * time.Minute)
		topic := demoTopics[i%len(demoTopics)]
		out = append(out, collection.Record{
			ID:         int64(i),
			Prompt:     fmt.Sprintf("Sample %s question #%d", topic, i),
			Choices:    []string{"A", "B", "C", "D"},
			Answer:     "A",
			TopicID:    int64(i%len(demoTopics)) + 1,
			Topic:      topic,
			Difficulty: demoDifficulties[i%len(demoDifficulties)],
			Status:     demoStatuses[i%len(demoStatuses)],
			CreatedAt:  at,
			UpdatedAt:  at,
		})
	}
	return out
}

func newLogger(level string) *zap.Logger {
	cfg := zap.NewProductionConfig()
	if lvl, err := zapcore.ParseLevel(level); err == nil {
		cfg.Level = zap.NewAtomicLevelAt(lvl)
	}
	logger, err := cfg.Build()
	if err != nil {
		return zap.NewNop()
	}
	return logger
}

func envOrDefault(name, fallback string) string {
	value := strings.TrimSpace(os.Getenv(name))
	if value == "" {
		return fallback
	}
	return value
}

func intEnv(name string, fallback int) int {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return fallback
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		zap.L().Warn("invalid integer env, using fallback", zap.String("name", name), zap.String("value", raw), zap.Int("fallback", fallback))
		return fallback
	}
	return value
}

func int64Env(name string, fallback int64) int64 {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return fallback
	}
	value, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		zap.L().Warn("invalid integer env, using fallback", zap.String("name", name), zap.String("value", raw), zap.Int64("fallback", fallback))
		return fallback
	}
	return value
}

func floatEnv(name string, fallback float64) float64 {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return fallback
	}
	value, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		zap.L().Warn("invalid float env, using fallback", zap.String("name", name), zap.String("value", raw), zap.Float64("fallback", fallback))
		return fallback
	}
	return value
}

func durationEnv(name string, fallback time.Duration) time.Duration {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return fallback
	}
	value, err := time.ParseDuration(raw)
	if err != nil {
		zap.L().Warn("invalid duration env, using fallback", zap.String("name", name), zap.String("value", raw), zap.Duration("fallback", fallback))
		return fallback
	}
	return value
}
