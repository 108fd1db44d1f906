package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/WessleyAI/ollama-demo/engine/demo"
	"github.com/WessleyAI/ollama-demo/engine/supervisor"
	"github.com/WessleyAI/ollama-demo/pkg/metrics"
	"github.com/WessleyAI/ollama-demo/pkg/resilience"
)

// runner performs one invocation; *demo.Runner satisfies it.
type runner interface {
	Run(ctx context.Context, req demo.Request) (*demo.Result, error)
}

// maxBody bounds the request body; a query is one short prompt.
const maxBody = 1 << 20

// errShuttingDown rejects runs that arrive after drain began.
var errShuttingDown = errors.New("server is shutting down")

type api struct {
	runner  runner
	breaker *resilience.Breaker
	metrics *metrics.Demo
	logger  *slog.Logger

	mu       sync.Mutex
	closing  bool
	inflight sync.WaitGroup
}

func newAPI(r runner, m *metrics.Demo, logger *slog.Logger) *api {
	a := &api{runner: r, metrics: m, logger: logger}
	a.breaker = resilience.NewBreaker(resilience.BreakerOpts{
		FailThreshold: 3,
		Timeout:       time.Minute,
		IsFailure:     isStartupFailure,
		OnStateChange: func(from, to resilience.State) {
			logger.Warn("model server breaker", "from", from.String(), "to", to.String())
		},
	})
	return a
}

func isStartupFailure(err error) bool {
	return errors.Is(err, supervisor.ErrNotReady) || errors.Is(err, supervisor.ErrExited)
}

func (a *api) routes(reg *metrics.Registry) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/health", handleHealth)
	mux.Handle("GET /metrics", reg.Handler())
	mux.HandleFunc("POST /{$}", a.handleRun)
	mux.HandleFunc("POST /api/run", a.handleRun)
	return mux
}

// execute runs one invocation through the breaker and records metrics.
// It serves both HTTP and NATS callers.
func (a *api) execute(ctx context.Context, req demo.Request) (*demo.Result, error) {
	if !a.begin() {
		return nil, errShuttingDown
	}
	defer a.inflight.Done()

	done := a.metrics.Begin()
	res, err := resilience.Do(ctx, a.breaker, func(ctx context.Context) (*demo.Result, error) {
		return a.runner.Run(ctx, req)
	})
	done(metrics.Outcome(err, map[string]error{
		"rejected":  resilience.ErrCircuitOpen,
		"not_ready": supervisor.ErrNotReady,
		"exited":    supervisor.ErrExited,
	}, "rejected", "not_ready", "exited"))
	return res, err
}

func (a *api) begin() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closing {
		return false
	}
	a.inflight.Add(1)
	return true
}

// drain refuses new runs and waits for the ones in flight, whose model
// servers are stopped once their contexts are cancelled.
func (a *api) drain(ctx context.Context) error {
	a.mu.Lock()
	a.closing = true
	a.mu.Unlock()

	done := make(chan struct{})
	go func() {
		a.inflight.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("runs still in flight: %w", ctx.Err())
	}
}

// --- Handlers ---

func handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (a *api) handleRun(w http.ResponseWriter, r *http.Request) {
	var req demo.Request
	// An empty body is the same as {} and uses the default query.
	if err := json.NewDecoder(io.LimitReader(r.Body, maxBody)).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	res, err := a.execute(r.Context(), req)
	if err != nil {
		status := http.StatusInternalServerError
		switch {
		case errors.Is(err, resilience.ErrCircuitOpen), errors.Is(err, errShuttingDown), isStartupFailure(err):
			status = http.StatusServiceUnavailable
		case errors.Is(err, context.Canceled):
			// client went away
			return
		}
		a.logger.Error("run failed", "q", req.Query(), "status", status, "err", err)
		writeError(w, status, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, res.Response)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
