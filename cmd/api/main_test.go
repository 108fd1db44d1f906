package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	natsserver "github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"

	"github.com/WessleyAI/ollama-demo/engine/demo"
	"github.com/WessleyAI/ollama-demo/engine/deploy"
	"github.com/WessleyAI/ollama-demo/engine/supervisor"
	"github.com/WessleyAI/ollama-demo/pkg/metrics"
	"github.com/WessleyAI/ollama-demo/pkg/natsutil"
)

type fakeRunner struct {
	mu    sync.Mutex
	calls int
	last  demo.Request
	err   error
}

func (f *fakeRunner) Run(_ context.Context, req demo.Request) (*demo.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	f.last = req
	if f.err != nil {
		return nil, f.err
	}
	q := req.Query()
	return &demo.Result{
		Response: demo.Response{Q: q, AIResponse: "reply to " + q},
		Model:    demo.DefaultChatModel,
	}, nil
}

func testAPI(r runner) (*api, http.Handler, *metrics.Registry) {
	reg := metrics.New()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	a := newAPI(r, metrics.NewDemo(reg), logger)
	return a, a.routes(reg), reg
}

func post(t *testing.T, h http.Handler, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, path, strings.NewReader(body)))
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]string {
	t.Helper()
	var out map[string]string
	if err := json.NewDecoder(rec.Body).Decode(&out); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return out
}

func TestRunEchoesQuery(t *testing.T) {
	r := &fakeRunner{}
	_, h, _ := testAPI(r)

	for _, path := range []string{"/", "/api/run"} {
		rec := post(t, h, path, `{"q":"What is Go?"}`)
		if rec.Code != http.StatusOK {
			t.Fatalf("%s: status %d", path, rec.Code)
		}
		got := decode(t, rec)
		if got["q"] != "What is Go?" || got["ai_response"] != "reply to What is Go?" || len(got) != 2 {
			t.Fatalf("%s: unexpected body %v", path, got)
		}
	}
}

func TestRunDefaultQuery(t *testing.T) {
	_, h, _ := testAPI(&fakeRunner{})

	for _, body := range []string{`{}`, `{"q":null}`, ``} {
		rec := post(t, h, "/", body)
		if rec.Code != http.StatusOK {
			t.Fatalf("body %q: status %d", body, rec.Code)
		}
		if got := decode(t, rec); got["q"] != demo.DefaultQuery {
			t.Fatalf("body %q: q = %q", body, got["q"])
		}
	}
}

func TestRunEmptyQueryIsEchoed(t *testing.T) {
	_, h, _ := testAPI(&fakeRunner{})
	rec := post(t, h, "/", `{"q":""}`)
	if got := decode(t, rec); got["q"] != "" {
		t.Fatalf("q = %q", got["q"])
	}
}

func TestRunInvalidJSON(t *testing.T) {
	r := &fakeRunner{}
	_, h, _ := testAPI(r)

	rec := post(t, h, "/", `{"q":`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status %d", rec.Code)
	}
	if r.calls != 0 {
		t.Fatal("runner should not be called")
	}
}

func TestRunErrorStatus(t *testing.T) {
	cases := []struct {
		err  error
		want int
	}{
		{fmt.Errorf("%w after 30 attempts", supervisor.ErrNotReady), http.StatusServiceUnavailable},
		{fmt.Errorf("%w before becoming ready", supervisor.ErrExited), http.StatusServiceUnavailable},
		{errors.New("demo: chat: boom"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		_, h, _ := testAPI(&fakeRunner{err: tc.err})
		rec := post(t, h, "/", `{"q":"x"}`)
		if rec.Code != tc.want {
			t.Fatalf("%v: status %d, want %d", tc.err, rec.Code, tc.want)
		}
		if decode(t, rec)["error"] == "" {
			t.Fatalf("%v: missing error field", tc.err)
		}
	}
}

func TestBreakerRejectsAfterStartupFailures(t *testing.T) {
	r := &fakeRunner{err: supervisor.ErrNotReady}
	_, h, reg := testAPI(r)

	for i := 0; i < 3; i++ {
		post(t, h, "/", `{}`)
	}
	rec := post(t, h, "/", `{}`)
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status %d", rec.Code)
	}
	if r.calls != 3 {
		t.Fatalf("open breaker should not call the runner, calls = %d", r.calls)
	}

	out := reg.Render()
	for _, want := range []string{
		`ollama_demo_runs_total{outcome="not_ready"} 3`,
		`ollama_demo_runs_total{outcome="rejected"} 1`,
	} {
		if !strings.Contains(out, want) {
			t.Errorf("metrics missing %q\n%s", want, out)
		}
	}
}

func TestBreakerIgnoresInferenceFailures(t *testing.T) {
	r := &fakeRunner{err: errors.New("demo: chat: boom")}
	_, h, _ := testAPI(r)

	for i := 0; i < 5; i++ {
		post(t, h, "/", `{}`)
	}
	if r.calls != 5 {
		t.Fatalf("calls = %d", r.calls)
	}
}

func TestHealthAndMetrics(t *testing.T) {
	_, h, _ := testAPI(&fakeRunner{})

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/health", nil))
	if rec.Code != http.StatusOK || decode(t, rec)["status"] != "ok" {
		t.Fatalf("health: %d", rec.Code)
	}

	post(t, h, "/", `{}`)
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if !strings.Contains(rec.Body.String(), `ollama_demo_runs_total{outcome="ok"} 1`) {
		t.Fatalf("metrics:\n%s", rec.Body.String())
	}
}

func TestGetRunNotAllowed(t *testing.T) {
	_, h, _ := testAPI(&fakeRunner{})
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/run", nil))
	if rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("status %d", rec.Code)
	}
}

func TestNATSWorker(t *testing.T) {
	srv, err := natsserver.NewServer(&natsserver.Options{Port: -1})
	if err != nil {
		t.Fatal(err)
	}
	srv.Start()
	if !srv.ReadyForConnections(3 * time.Second) {
		t.Fatal("nats not ready")
	}
	nc, err := nats.Connect(srv.ClientURL())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() {
		nc.Close()
		srv.Shutdown()
	})

	a, _, _ := testAPI(&fakeRunner{})
	if _, err := natsutil.Reply(context.Background(), nc, demo.Subject, deploy.DefaultAppName, a.execute); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	res, err := natsutil.Request[demo.Request, *demo.Result](ctx, nc, demo.Subject, demo.NewRequest("remote hi"))
	if err != nil {
		t.Fatal(err)
	}
	if res.Q != "remote hi" || res.AIResponse != "reply to remote hi" {
		t.Fatalf("unexpected result %+v", res)
	}
}

func TestLoadConfig(t *testing.T) {
	t.Setenv("READY_ATTEMPTS", "5")
	t.Setenv("READY_INTERVAL", "250ms")
	t.Setenv("CHAT_MODEL", "qwen2.5:0.5b")

	cfg, err := loadConfig()
	if err != nil {
		t.Fatal(err)
	}
	if cfg.ReadyAttempts != 5 || cfg.ReadyInterval != 250*time.Millisecond || cfg.ChatModel != "qwen2.5:0.5b" {
		t.Fatalf("unexpected config %+v", cfg)
	}
	if cfg.Port != "8080" || cfg.RateLimit != 30 {
		t.Fatalf("unexpected defaults %+v", cfg)
	}

	t.Setenv("READY_ATTEMPTS", "0")
	if _, err := loadConfig(); err == nil {
		t.Fatal("expected error for zero attempts")
	}
}

func TestLoadFunctionOverrides(t *testing.T) {
	f, err := loadFunction(Config{GPU: "0,1", VolumeName: "models"})
	if err != nil {
		t.Fatal(err)
	}
	if f.GPU != "0,1" || f.Mounts[0].Volume != "models" {
		t.Fatalf("overrides not applied: %+v", f)
	}

	spec := filepath.Join(t.TempDir(), "function.yaml")
	data, err := deploy.DefaultFunction().YAML()
	if err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(spec, data, 0o644); err != nil {
		t.Fatal(err)
	}
	f, err = loadFunction(Config{FunctionSpec: spec})
	if err != nil {
		t.Fatal(err)
	}
	if f.Name != deploy.DefaultAppName || f.Mounts[0].Volume != deploy.DefaultVolumeName {
		t.Fatalf("unexpected function %+v", f)
	}

	if _, err := loadFunction(Config{FunctionSpec: filepath.Join(t.TempDir(), "missing.yaml")}); err == nil {
		t.Fatal("expected error for missing definition file")
	}
}

func TestNewLimiter(t *testing.T) {
	if l := newLimiter(0); !l.Allow() || !l.Allow() {
		t.Fatal("zero should disable limiting")
	}
	l := newLimiter(2)
	if !l.Allow() || !l.Allow() || l.Allow() {
		t.Fatal("expected a burst of 2")
	}
}

// blockingRunner holds each run until its context ends, then takes a while
// to stop, like a model server receiving SIGTERM.
type blockingRunner struct {
	started   chan struct{}
	cancelled chan struct{}
	stopped   chan struct{}
}

func (b *blockingRunner) Run(ctx context.Context, _ demo.Request) (*demo.Result, error) {
	close(b.started)
	<-ctx.Done()
	close(b.cancelled)
	time.Sleep(50 * time.Millisecond)
	close(b.stopped)
	return nil, ctx.Err()
}

func TestShutdownCancelsAndWaitsForInFlightRuns(t *testing.T) {
	b := &blockingRunner{
		started:   make(chan struct{}),
		cancelled: make(chan struct{}),
		stopped:   make(chan struct{}),
	}
	a, h, _ := testAPI(b)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	served := make(chan error, 1)
	go func() {
		served <- serve(ctx, cancel, &http.Server{Handler: h}, ln, a, slog.New(slog.NewTextHandler(io.Discard, nil)))
	}()

	go func() {
		resp, err := http.Post("http://"+ln.Addr().String()+"/api/run", "application/json", strings.NewReader(`{}`))
		if err == nil {
			resp.Body.Close()
		}
	}()

	select {
	case <-b.started:
	case <-time.After(5 * time.Second):
		t.Fatal("run never started")
	}
	cancel()

	select {
	case err := <-served:
		if err != nil {
			t.Fatalf("serve: %v", err)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("serve did not return after shutdown")
	}

	select {
	case <-b.cancelled:
	default:
		t.Fatal("in-flight run was never cancelled")
	}
	select {
	case <-b.stopped:
	default:
		t.Fatal("serve returned before the in-flight run finished")
	}

	if _, err := a.execute(context.Background(), demo.Request{}); !errors.Is(err, errShuttingDown) {
		t.Fatalf("runs after shutdown should be refused, got %v", err)
	}
}

func TestDrainTimesOut(t *testing.T) {
	a, _, _ := testAPI(&fakeRunner{})
	if !a.begin() {
		t.Fatal("begin refused before drain")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := a.drain(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
	a.inflight.Done()
}
