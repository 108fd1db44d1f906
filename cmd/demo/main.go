// Package main runs the demo once: start a model server, ask one question,
// embed it, print the results and stop the server. With --remote the run is
// handed to a worker over NATS instead.
package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/WessleyAI/ollama-demo/engine/demo"
	"github.com/WessleyAI/ollama-demo/engine/deploy"
	"github.com/WessleyAI/ollama-demo/engine/semantic"
	"github.com/WessleyAI/ollama-demo/pkg/natsutil"
	"github.com/WessleyAI/ollama-demo/pkg/ollama"
)

type flags struct {
	query      string
	queryIsSet bool
	chatModel  string
	chatClient string
	embedModel string
	embedder   string
	ollamaBin  string
	ollamaURL  string
	volumeRoot string
	function   string
	attempts   int
	interval   time.Duration
	remote     bool
	natsURL    string
	timeout    time.Duration
	qdrantURL  string
	collection string
	similar    int
	reset      bool
	dockerfile bool
	manifest   bool
	verbose    bool
	serverLogs bool
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func main() {
	if err := newRootCmd(os.Stdout, os.Stderr).Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd(stdout, stderr io.Writer) *cobra.Command {
	var f flags

	cmd := &cobra.Command{
		Use:          "ollama-demo",
		Short:        "Run one chat and one embedding against a freshly started Ollama server",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			f.queryIsSet = cmd.Flags().Changed("query")
			if err := readinessFromEnv(cmd.Flags(), &f); err != nil {
				return err
			}

			level := slog.LevelWarn
			if f.verbose {
				level = slog.LevelInfo
			}
			logger := slog.New(slog.NewTextHandler(stderr, &slog.HandlerOptions{Level: level}))

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			switch {
			case f.dockerfile || f.manifest:
				return printDeployment(stdout, f)
			case f.remote:
				return runRemote(ctx, stdout, f)
			default:
				return runLocal(ctx, stdout, stderr, f, logger)
			}
		},
	}
	cmd.SetOut(stdout)
	cmd.SetErr(stderr)

	fl := cmd.Flags()
	fl.StringVarP(&f.query, "query", "q", demo.DefaultQuery, "text to send to the chat model and embed")
	fl.StringVar(&f.chatModel, "chat-model", envOr("CHAT_MODEL", demo.DefaultChatModel), "chat model")
	fl.StringVar(&f.chatClient, "chat-client", envOr("CHAT_CLIENT", demo.ClientNative), "chat API: native or openai")
	fl.StringVar(&f.embedModel, "embed-model", envOr("EMBED_MODEL", demo.DefaultEmbedModel), "embedding model, empty to skip embedding")
	fl.StringVar(&f.embedder, "embedder", envOr("EMBEDDER", demo.ClientNative), "embedding client: native or langchain")
	fl.StringVar(&f.ollamaBin, "ollama-bin", envOr("OLLAMA_BIN", "ollama"), "ollama executable")
	fl.StringVar(&f.ollamaURL, "ollama-url", envOr("OLLAMA_URL", ollama.DefaultURL), "model server address")
	fl.StringVar(&f.volumeRoot, "volume-root", os.Getenv("VOLUME_ROOT"), "directory holding named volumes (default: user cache dir)")
	fl.StringVar(&f.function, "function", os.Getenv("FUNCTION_SPEC"), "YAML function definition")
	fl.IntVar(&f.attempts, "attempts", 30, "readiness probes before giving up (env READY_ATTEMPTS)")
	fl.DurationVar(&f.interval, "interval", time.Second, "wait between readiness probes (env READY_INTERVAL)")
	fl.BoolVar(&f.remote, "remote", false, "invoke a running worker over NATS")
	fl.StringVar(&f.natsURL, "nats-url", envOr("NATS_URL", nats.DefaultURL), "NATS server for --remote")
	fl.DurationVar(&f.timeout, "timeout", 15*time.Minute, "remote invocation timeout")
	fl.StringVar(&f.qdrantURL, "qdrant-url", os.Getenv("QDRANT_URL"), "record the embedding in Qdrant at this address")
	fl.StringVar(&f.collection, "collection", envOr("QDRANT_COLLECTION", "ollama_demo_queries"), "Qdrant collection")
	fl.IntVar(&f.similar, "similar", 0, "after recording, list this many earlier queries closest to this one")
	fl.BoolVar(&f.reset, "reset-collection", false, "drop the Qdrant collection before recording")
	fl.BoolVar(&f.dockerfile, "dockerfile", false, "print the image as a Dockerfile and exit")
	fl.BoolVar(&f.manifest, "manifest", false, "print the function definition as YAML and exit")
	fl.BoolVarP(&f.verbose, "verbose", "v", false, "log progress")
	fl.BoolVar(&f.serverLogs, "server-logs", false, "show model server and pull output on stderr")

	return cmd
}

// readinessFromEnv fills --attempts and --interval from READY_ATTEMPTS and
// READY_INTERVAL unless they were given on the command line.
func readinessFromEnv(fl *pflag.FlagSet, f *flags) error {
	for name, key := range map[string]string{"attempts": "READY_ATTEMPTS", "interval": "READY_INTERVAL"} {
		v := os.Getenv(key)
		if v == "" || fl.Changed(name) {
			continue
		}
		if err := fl.Set(name, v); err != nil {
			return fmt.Errorf("%s: %w", key, err)
		}
	}
	if f.attempts <= 0 {
		return fmt.Errorf("attempts must be positive, got %d", f.attempts)
	}
	if f.interval <= 0 {
		return fmt.Errorf("interval must be positive, got %s", f.interval)
	}
	return nil
}

func (f flags) request() demo.Request {
	if !f.queryIsSet {
		return demo.Request{}
	}
	return demo.NewRequest(f.query)
}

func (f flags) loadFunction() (*deploy.Function, error) {
	if f.function == "" {
		return deploy.DefaultFunction(), nil
	}
	return deploy.LoadFunction(f.function)
}

func printDeployment(w io.Writer, f flags) error {
	fn, err := f.loadFunction()
	if err != nil {
		return err
	}
	if f.dockerfile {
		fmt.Fprint(w, fn.Dockerfile("ollama", "serve"))
	}
	if f.manifest {
		data, err := fn.YAML()
		if err != nil {
			return err
		}
		if f.dockerfile {
			fmt.Fprintln(w, "---")
		}
		w.Write(data)
	}
	return nil
}

func runLocal(ctx context.Context, stdout, stderr io.Writer, f flags, logger *slog.Logger) error {
	fn, err := f.loadFunction()
	if err != nil {
		return err
	}

	out := io.Discard
	if f.serverLogs {
		out = stderr
	}
	deps, err := demo.NewLocalDeps(demo.LocalConfig{
		Binary:       f.ollamaBin,
		URL:          f.ollamaURL,
		Function:     fn,
		VolumeRoot:   f.volumeRoot,
		Attempts:     f.attempts,
		Interval:     f.interval,
		ChatClient:   f.chatClient,
		EmbedModel:   f.embedModel,
		Embedder:     f.embedder,
		ServerOutput: out,
		Logger:       logger,
	})
	if err != nil {
		return err
	}

	var store *semantic.VectorStore
	if f.qdrantURL != "" && f.embedModel != "" {
		store, err = semantic.New(f.qdrantURL, f.collection)
		if err != nil {
			return fmt.Errorf("qdrant connect: %w", err)
		}
		defer store.Close()
		if f.reset {
			if err := store.DeleteCollection(ctx); err != nil {
				return err
			}
		}
		deps.Recorder = store
	}

	runner, err := demo.New(demo.Options{ChatModel: f.chatModel, EmbedModel: f.embedModel}, deps, logger)
	if err != nil {
		return err
	}
	res, err := runner.Run(ctx, f.request())
	if err != nil {
		return err
	}
	printResult(stdout, res)
	if store != nil && f.similar > 0 {
		return showSimilar(ctx, stdout, store, res, f.similar, f.embedModel)
	}
	return nil
}

type searcher interface {
	Search(ctx context.Context, embedding []float32, topK int, model string) ([]semantic.SearchResult, error)
}

// showSimilar lists the recorded queries nearest to res. The query just
// recorded matches itself, so one extra hit is fetched and it is dropped.
func showSimilar(ctx context.Context, w io.Writer, s searcher, res *demo.Result, n int, model string) error {
	if res.Embedding == nil {
		return nil
	}
	hits, err := s.Search(ctx, res.Embedding, n+1, model)
	if err != nil {
		return err
	}
	printSimilar(w, res.Q, hits, n)
	return nil
}

func printSimilar(w io.Writer, q string, hits []semantic.SearchResult, n int) {
	fmt.Fprintln(w, "Similar queries:")
	self, shown := false, 0
	for _, h := range hits {
		if !self && h.Query == q && h.Score >= 0.9999 {
			self = true
			continue
		}
		if shown == n {
			break
		}
		fmt.Fprintf(w, "  %.4f  %s\n", h.Score, h.Query)
		shown++
	}
	if shown == 0 {
		fmt.Fprintln(w, "  (none)")
	}
}

func runRemote(ctx context.Context, stdout io.Writer, f flags) error {
	nc, err := nats.Connect(f.natsURL, nats.Name(deploy.DefaultAppName+"-client"))
	if err != nil {
		return fmt.Errorf("nats connect: %w", err)
	}
	defer nc.Close()

	ctx, cancel := context.WithTimeout(ctx, f.timeout)
	defer cancel()
	res, err := natsutil.Request[demo.Request, *demo.Result](ctx, nc, demo.Subject, f.request())
	if err != nil {
		return err
	}
	printResult(stdout, res)
	return nil
}

func printResult(w io.Writer, res *demo.Result) {
	fmt.Fprintln(w, res.AIResponse)
	if res.Embedding != nil {
		fmt.Fprintf(w, "Embedded text: '%s'\n", res.Q)
		fmt.Fprintf(w, "Embedding shape: (%d,)\n", len(res.Embedding))
	}
}
