package demo

import (
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"os"
	"time"

	"github.com/WessleyAI/ollama-demo/engine/deploy"
	"github.com/WessleyAI/ollama-demo/engine/supervisor"
	"github.com/WessleyAI/ollama-demo/pkg/ollama"
)

// Subject is the NATS subject a worker answers invocations on.
const Subject = "ollama.demo.run"

// Chat and embedding client kinds accepted by LocalConfig.
const (
	ClientNative    = "native"
	ClientOpenAI    = "openai"
	ClientLangchain = "langchain"
)

// LocalConfig describes a model server launched as a child process on this
// host, laid out by a deploy.Function.
type LocalConfig struct {
	Binary     string
	URL        string
	Function   *deploy.Function
	VolumeRoot string

	Attempts  int
	Interval  time.Duration
	StopGrace time.Duration
	OnProbe   func(attempt int, err error)

	// ChatClient is ClientNative or ClientOpenAI.
	ChatClient string
	// EmbedModel enables embedding; Embedder is ClientNative or ClientLangchain.
	EmbedModel string
	Embedder   string

	// ServerOutput receives the model server's and pull's output. Nil discards it.
	ServerOutput io.Writer
	Logger       *slog.Logger
}

// NewLocalDeps binds the function's volumes under VolumeRoot and returns
// Deps that launch a fresh supervised server per run. Recorder is left unset.
func NewLocalDeps(cfg LocalConfig) (Deps, error) {
	if cfg.Binary == "" {
		cfg.Binary = "ollama"
	}
	if cfg.URL == "" {
		cfg.URL = ollama.DefaultURL
	}
	if cfg.Function == nil {
		cfg.Function = deploy.DefaultFunction()
	}
	if cfg.ServerOutput == nil {
		cfg.ServerOutput = io.Discard
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	u, err := url.Parse(cfg.URL)
	if err != nil || u.Host == "" {
		return Deps{}, fmt.Errorf("demo: invalid server url %q", cfg.URL)
	}
	if err := cfg.Function.Validate(); err != nil {
		return Deps{}, err
	}
	if cfg.VolumeRoot == "" {
		if cfg.VolumeRoot, err = os.UserCacheDir(); err != nil {
			return Deps{}, fmt.Errorf("demo: volume root: %w", err)
		}
	}
	if err := cfg.Function.BindVolumes(cfg.VolumeRoot, true); err != nil {
		return Deps{}, err
	}

	env := append(cfg.Function.ServerEnv(), "OLLAMA_HOST="+u.Host)

	client := ollama.NewClient(cfg.URL)
	cli := ollama.NewCLI(cfg.Binary)
	cli.Env = env
	cli.Stdout, cli.Stderr = cfg.ServerOutput, cfg.ServerOutput

	deps := Deps{
		NewServer: func() Server {
			opts := supervisor.DefaultOptions()
			opts.Command = cfg.Binary
			opts.Env = env
			opts.StatusURL = client.BaseURL() + "/api/tags"
			opts.Attempts = cfg.Attempts
			opts.Interval = cfg.Interval
			opts.StopGrace = cfg.StopGrace
			opts.OnProbe = cfg.OnProbe
			opts.Stdout, opts.Stderr = cfg.ServerOutput, cfg.ServerOutput
			opts.Logger = cfg.Logger
			return supervisor.New(opts)
		},
		Models: client,
		Puller: cli,
		Chat:   client,
	}

	switch cfg.ChatClient {
	case "", ClientNative:
	case ClientOpenAI:
		deps.Chat = ollama.NewOpenAIChat(cfg.URL)
	default:
		return Deps{}, fmt.Errorf("demo: unknown chat client %q", cfg.ChatClient)
	}

	if cfg.EmbedModel != "" {
		switch cfg.Embedder {
		case "", ClientNative:
			deps.Embedder = ollama.NewEmbedClient(cfg.URL, cfg.EmbedModel)
		case ClientLangchain:
			e, err := ollama.NewLangchainEmbedder(cfg.URL, cfg.EmbedModel)
			if err != nil {
				return Deps{}, err
			}
			deps.Embedder = e
		default:
			return Deps{}, fmt.Errorf("demo: unknown embedder %q", cfg.Embedder)
		}
	}
	return deps, nil
}
