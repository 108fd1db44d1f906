// Package demo runs one invocation: start the model server, make sure the
// models are present, ask one chat question (and optionally embed it), and
// stop the server again.
package demo

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/WessleyAI/ollama-demo/pkg/fn"
	"github.com/WessleyAI/ollama-demo/pkg/ollama"
)

// Options configures a Runner.
type Options struct {
	ChatModel string
	// EmbedModel is pulled alongside ChatModel when set. It should match the
	// model behind Embedder.
	EmbedModel string
}

// DefaultOptions returns the chat-only configuration.
func DefaultOptions() Options {
	return Options{ChatModel: DefaultChatModel}
}

// Deps are the collaborators a Runner drives.
type Deps struct {
	// NewServer returns a fresh, unstarted model server for each run.
	NewServer func() Server
	Models    ollama.Lister
	Puller    ollama.Puller
	Chat      Chatter
	// Embedder and Recorder are optional.
	Embedder Embedder
	Recorder Recorder
}

// Runner performs invocations one at a time; every run owns the model
// server's port for its duration.
type Runner struct {
	opts   Options
	deps   Deps
	sem    *semaphore.Weighted
	logger *slog.Logger
}

// New creates a Runner.
func New(opts Options, deps Deps, logger *slog.Logger) (*Runner, error) {
	if opts.ChatModel == "" {
		opts.ChatModel = DefaultChatModel
	}
	if deps.NewServer == nil || deps.Models == nil || deps.Puller == nil || deps.Chat == nil {
		return nil, errors.New("demo: server, model lister, puller and chat client are required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{
		opts:   opts,
		deps:   deps,
		sem:    semaphore.NewWeighted(1),
		logger: logger,
	}, nil
}

// Options returns the runner's configuration.
func (r *Runner) Options() Options { return r.opts }

// run is the state threaded through the stages of one invocation.
type run struct {
	query  string
	result Result
}

// Run performs one invocation for req. If the model server never becomes
// ready the error matches supervisor.ErrNotReady and no model is pulled or
// queried. The model server is stopped before Run returns.
func (r *Runner) Run(ctx context.Context, req Request) (*Result, error) {
	if err := r.sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	defer r.sem.Release(1)

	start := time.Now()
	state := &run{query: req.Query()}
	state.result.Q = state.query
	state.result.Model = r.opts.ChatModel

	pipeline := fn.Pipeline(
		fn.TracedStage("demo.ensure_models", r.ensureModels),
		fn.TracedStage("demo.chat", r.chat),
		fn.TracedStage("demo.embed", r.embed),
		fn.TracedStage("demo.record", r.record),
	)

	err := r.deps.NewServer().Run(ctx, func(ctx context.Context) error {
		return pipeline(ctx, state).Error()
	})
	if err != nil {
		r.logger.Error("demo run failed", "q", state.query, "err", err, "elapsed", time.Since(start))
		return nil, err
	}

	r.logger.Info("demo run complete", "q", state.query, "model", r.opts.ChatModel, "elapsed", time.Since(start))
	return &state.result, nil
}

func (r *Runner) ensureModels(ctx context.Context, s *run) fn.Result[*run] {
	pulled, err := ollama.EnsureModels(ctx, r.deps.Models, r.deps.Puller, r.opts.ChatModel, r.opts.EmbedModel)
	if err != nil {
		return fn.Err[*run](fmt.Errorf("demo: pull models: %w", err))
	}
	if len(pulled) > 0 {
		r.logger.Info("pulled models", "models", pulled)
	}
	s.result.Pulled = pulled
	return fn.Ok(s)
}

func (r *Runner) chat(ctx context.Context, s *run) fn.Result[*run] {
	resp, err := r.deps.Chat.Chat(ctx, r.opts.ChatModel, []ollama.Message{
		{Role: "user", Content: s.query},
	})
	if err != nil {
		return fn.Err[*run](fmt.Errorf("demo: chat: %w", err))
	}
	s.result.AIResponse = resp.Message.Content
	r.logger.Info("chat reply", "model", r.opts.ChatModel, "content", resp.Message.Content)
	return fn.Ok(s)
}

func (r *Runner) embed(ctx context.Context, s *run) fn.Result[*run] {
	if r.deps.Embedder == nil {
		return fn.Ok(s)
	}
	vec, err := r.deps.Embedder.EmbedQuery(ctx, s.query)
	if err != nil {
		return fn.Err[*run](fmt.Errorf("demo: embed: %w", err))
	}
	s.result.Embedding = vec
	s.result.EmbedModel = r.opts.EmbedModel
	r.logger.Info("embedded query", "text", s.query, "dims", len(vec))
	return fn.Ok(s)
}

func (r *Runner) record(ctx context.Context, s *run) fn.Result[*run] {
	if r.deps.Recorder == nil || len(s.result.Embedding) == 0 {
		return fn.Ok(s)
	}
	if err := r.deps.Recorder.Record(ctx, s.query, r.opts.EmbedModel, s.result.Embedding); err != nil {
		return fn.Err[*run](fmt.Errorf("demo: record embedding: %w", err))
	}
	return fn.Ok(s)
}
