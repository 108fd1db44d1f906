// Package main serves the demo as an HTTP endpoint and, optionally, as a
// NATS worker.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/nats-io/nats.go"
	"golang.org/x/time/rate"

	"github.com/WessleyAI/ollama-demo/engine/demo"
	"github.com/WessleyAI/ollama-demo/engine/deploy"
	"github.com/WessleyAI/ollama-demo/engine/semantic"
	"github.com/WessleyAI/ollama-demo/pkg/metrics"
	"github.com/WessleyAI/ollama-demo/pkg/mid"
	"github.com/WessleyAI/ollama-demo/pkg/natsutil"
	"github.com/WessleyAI/ollama-demo/pkg/ollama"
)

// Config holds all environment-based configuration.
type Config struct {
	Port          string
	OllamaBin     string
	OllamaURL     string
	ChatModel     string
	ChatClient    string
	EmbedModel    string
	Embedder      string
	VolumeRoot    string
	VolumeName    string
	GPU           string
	FunctionSpec  string
	ReadyAttempts int
	ReadyInterval time.Duration
	NATSURL       string
	QdrantURL     string
	Collection    string
	RateLimit     int // requests per minute, 0 disables
	CORSOrigin    string
}

func loadConfig() (Config, error) {
	cfg := Config{
		Port:         envOr("PORT", "8080"),
		OllamaBin:    envOr("OLLAMA_BIN", "ollama"),
		OllamaURL:    envOr("OLLAMA_URL", ollama.DefaultURL),
		ChatModel:    envOr("CHAT_MODEL", demo.DefaultChatModel),
		ChatClient:   envOr("CHAT_CLIENT", demo.ClientNative),
		EmbedModel:   os.Getenv("EMBED_MODEL"),
		Embedder:     envOr("EMBEDDER", demo.ClientNative),
		VolumeRoot:   envOr("VOLUME_ROOT", "/var/lib/ollama-demo/volumes"),
		VolumeName:   os.Getenv("VOLUME_NAME"),
		GPU:          os.Getenv("GPU"),
		FunctionSpec: os.Getenv("FUNCTION_SPEC"),
		NATSURL:      os.Getenv("NATS_URL"),
		QdrantURL:    os.Getenv("QDRANT_URL"),
		Collection:   envOr("QDRANT_COLLECTION", "ollama_demo_queries"),
		CORSOrigin:   envOr("CORS_ORIGIN", "*"),
	}

	var err error
	if cfg.ReadyAttempts, err = strconv.Atoi(envOr("READY_ATTEMPTS", "30")); err != nil || cfg.ReadyAttempts <= 0 {
		return cfg, fmt.Errorf("READY_ATTEMPTS must be a positive integer")
	}
	if cfg.ReadyInterval, err = time.ParseDuration(envOr("READY_INTERVAL", "1s")); err != nil || cfg.ReadyInterval <= 0 {
		return cfg, fmt.Errorf("READY_INTERVAL must be a positive duration")
	}
	if cfg.RateLimit, err = strconv.Atoi(envOr("RATE_LIMIT", "30")); err != nil || cfg.RateLimit < 0 {
		return cfg, fmt.Errorf("RATE_LIMIT must be a non-negative integer")
	}
	return cfg, nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(logger)

	cfg, err := loadConfig()
	if err != nil {
		logger.Error("invalid configuration", "err", err)
		os.Exit(2)
	}

	if err := run(cfg, logger); err != nil {
		logger.Error("server exited with error", "err", err)
		os.Exit(1)
	}
}

// loadFunction returns the deployment definition: FUNCTION_SPEC when set,
// otherwise the default, with GPU and VOLUME_NAME overrides applied.
func loadFunction(cfg Config) (*deploy.Function, error) {
	f := deploy.DefaultFunction()
	if cfg.FunctionSpec != "" {
		var err error
		if f, err = deploy.LoadFunction(cfg.FunctionSpec); err != nil {
			return nil, err
		}
	}
	if cfg.GPU != "" {
		f.GPU = cfg.GPU
	}
	for i := range f.Mounts {
		if cfg.VolumeName != "" && f.Mounts[i].Path == deploy.ModelsMountPath {
			f.Mounts[i].Volume = cfg.VolumeName
		}
	}
	return f, f.Validate()
}

func newLimiter(perMinute int) *rate.Limiter {
	if perMinute == 0 {
		return rate.NewLimiter(rate.Inf, 0)
	}
	return rate.NewLimiter(rate.Every(time.Minute/time.Duration(perMinute)), perMinute)
}

// shutdownTimeout bounds the wait for in-flight runs after a signal. It
// must exceed supervisor.Options.StopGrace.
const shutdownTimeout = 30 * time.Second

func run(cfg Config, logger *slog.Logger) error {
	sigCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	// Every run and NATS request derives from ctx; cancelling it stops
	// their model servers.
	ctx, cancel := context.WithCancel(sigCtx)
	defer cancel()

	reg := metrics.New()
	m := metrics.NewDemo(reg)

	// --- Model server ---
	function, err := loadFunction(cfg)
	if err != nil {
		return err
	}
	deps, err := demo.NewLocalDeps(demo.LocalConfig{
		Binary:       cfg.OllamaBin,
		URL:          cfg.OllamaURL,
		Function:     function,
		VolumeRoot:   cfg.VolumeRoot,
		Attempts:     cfg.ReadyAttempts,
		Interval:     cfg.ReadyInterval,
		OnProbe:      m.ProbeFailed,
		ChatClient:   cfg.ChatClient,
		EmbedModel:   cfg.EmbedModel,
		Embedder:     cfg.Embedder,
		ServerOutput: os.Stderr,
		Logger:       logger,
	})
	if err != nil {
		return fmt.Errorf("model server setup: %w", err)
	}

	// --- Optional Qdrant recorder ---
	if cfg.QdrantURL != "" && cfg.EmbedModel != "" {
		store, err := semantic.New(cfg.QdrantURL, cfg.Collection)
		if err != nil {
			return fmt.Errorf("qdrant connect: %w", err)
		}
		defer store.Close()
		deps.Recorder = store
	}

	runner, err := demo.New(demo.Options{ChatModel: cfg.ChatModel, EmbedModel: cfg.EmbedModel}, deps, logger)
	if err != nil {
		return err
	}

	a := newAPI(runner, m, logger)

	// --- Optional NATS worker ---
	if cfg.NATSURL != "" {
		nc, err := nats.Connect(cfg.NATSURL, nats.Name(deploy.DefaultAppName))
		if err != nil {
			return fmt.Errorf("nats connect: %w", err)
		}
		defer nc.Drain()

		if _, err := natsutil.Reply(ctx, nc, demo.Subject, deploy.DefaultAppName, a.execute); err != nil {
			return fmt.Errorf("nats subscribe: %w", err)
		}
		logger.Info("nats worker listening", "subject", demo.Subject)
	}

	// --- HTTP server ---
	handler := mid.Chain(a.routes(reg),
		mid.Recover(logger),
		mid.Logger(logger),
		mid.CORS(cfg.CORSOrigin),
		mid.OTel(deploy.DefaultAppName),
		mid.RateLimit(newLimiter(cfg.RateLimit)),
	)

	// A run covers server start, pulls and inference, so writes may take minutes.
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      handler,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Minute,
		IdleTimeout:  120 * time.Second,
	}

	ln, err := net.Listen("tcp", srv.Addr)
	if err != nil {
		return err
	}
	logger.Info("api server starting", "port", cfg.Port, "chat_model", cfg.ChatModel)
	return serve(ctx, cancel, srv, ln, a, logger)
}

// serve runs srv on ln until ctx ends or the server fails. Either way it
// cancels ctx, so in-flight runs stop their model servers, and returns only
// after those runs have finished or shutdownTimeout expired.
func serve(ctx context.Context, cancel context.CancelFunc, srv *http.Server, ln net.Listener, a *api, logger *slog.Logger) error {
	srv.BaseContext = func(net.Listener) context.Context { return ctx }

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(ln) }()

	var serveErr error
	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr = err
		}
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	}
	cancel()

	shutCtx, done := context.WithTimeout(context.Background(), shutdownTimeout)
	defer done()
	err := srv.Shutdown(shutCtx)
	if drainErr := a.drain(shutCtx); drainErr != nil {
		err = errors.Join(err, drainErr)
	}
	return errors.Join(serveErr, err)
}
