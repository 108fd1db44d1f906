package natsutil

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	natsserver "github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

func startTestNATS(t *testing.T) *nats.Conn {
	t.Helper()
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
	return nc
}

type query struct {
	Q string `json:"q"`
}

type answer struct {
	Q     string `json:"q"`
	Reply string `json:"ai_response"`
}

func TestPublishSubscribe(t *testing.T) {
	nc := startTestNATS(t)

	ch := make(chan query, 1)
	sub, err := Subscribe(nc, "test.sub", func(ctx context.Context, q query) {
		ch <- q
	})
	if err != nil {
		t.Fatal(err)
	}
	defer sub.Unsubscribe()

	// malformed payloads are dropped
	if err := nc.Publish("test.sub", []byte("{not json")); err != nil {
		t.Fatal(err)
	}
	if err := Publish(context.Background(), nc, "test.sub", query{Q: "hi"}); err != nil {
		t.Fatal(err)
	}

	select {
	case q := <-ch:
		if q.Q != "hi" {
			t.Fatalf("unexpected payload: %+v", q)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for message")
	}
}

func TestRequestReply(t *testing.T) {
	nc := startTestNATS(t)

	sub, err := Reply(context.Background(), nc, "test.run", "workers", func(ctx context.Context, q query) (answer, error) {
		return answer{Q: q.Q, Reply: "echo: " + q.Q}, nil
	})
	if err != nil {
		t.Fatal(err)
	}
	defer sub.Unsubscribe()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	got, err := Request[query, answer](ctx, nc, "test.run", query{Q: "Hello"})
	if err != nil {
		t.Fatal(err)
	}
	if got.Q != "Hello" || got.Reply != "echo: Hello" {
		t.Fatalf("unexpected reply: %+v", got)
	}
}

func TestRequestRemoteError(t *testing.T) {
	nc := startTestNATS(t)

	sub, err := Reply(context.Background(), nc, "test.fail", "", func(ctx context.Context, q query) (answer, error) {
		return answer{}, errors.New("model server not ready")
	})
	if err != nil {
		t.Fatal(err)
	}
	defer sub.Unsubscribe()

	_, err = Request[query, answer](context.Background(), nc, "test.fail", query{})
	var re *RemoteError
	if !errors.As(err, &re) {
		t.Fatalf("expected RemoteError, got %v", err)
	}
	if re.Message != "model server not ready" || re.Subject != "test.fail" {
		t.Fatalf("unexpected remote error: %+v", re)
	}
}

func TestRequestBadPayload(t *testing.T) {
	nc := startTestNATS(t)

	sub, err := Reply(context.Background(), nc, "test.bad", "", func(ctx context.Context, q query) (answer, error) {
		t.Error("handler should not run")
		return answer{}, nil
	})
	if err != nil {
		t.Fatal(err)
	}
	defer sub.Unsubscribe()

	resp, err := nc.Request("test.bad", []byte("nope"), 2*time.Second)
	if err != nil {
		t.Fatal(err)
	}
	var env envelope
	if err := json.Unmarshal(resp.Data, &env); err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(env.Error, "decode request") {
		t.Fatalf("unexpected envelope: %+v", env)
	}
}

func TestRequestNoResponders(t *testing.T) {
	nc := startTestNATS(t)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if _, err := Request[query, answer](ctx, nc, "nobody.home", query{}); err == nil {
		t.Fatal("expected error without responders")
	}
}

func TestTracePropagation(t *testing.T) {
	prev := otel.GetTextMapPropagator()
	otel.SetTextMapPropagator(propagation.TraceContext{})
	t.Cleanup(func() { otel.SetTextMapPropagator(prev) })

	nc := startTestNATS(t)

	traceID, _ := trace.TraceIDFromHex("0102030405060708090a0b0c0d0e0f10")
	spanID, _ := trace.SpanIDFromHex("0102030405060708")
	sc := trace.NewSpanContext(trace.SpanContextConfig{
		TraceID:    traceID,
		SpanID:     spanID,
		TraceFlags: trace.FlagsSampled,
	})
	ctx := trace.ContextWithSpanContext(context.Background(), sc)

	got := make(chan trace.TraceID, 1)
	sub, err := Subscribe(nc, "test.trace", func(ctx context.Context, q query) {
		got <- trace.SpanContextFromContext(ctx).TraceID()
	})
	if err != nil {
		t.Fatal(err)
	}
	defer sub.Unsubscribe()

	if err := Publish(ctx, nc, "test.trace", query{Q: "x"}); err != nil {
		t.Fatal(err)
	}
	select {
	case id := <-got:
		if id != traceID {
			t.Fatalf("trace id not propagated: %s", id)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timeout")
	}
}

func TestHeaderCarrier(t *testing.T) {
	msg := &nats.Msg{}
	c := (*natsHeaderCarrier)(msg)
	if c.Get("x") != "" || c.Keys() != nil {
		t.Fatal("empty carrier should have no values")
	}
	c.Set("traceparent", "v")
	if c.Get("traceparent") != "v" || len(c.Keys()) != 1 {
		t.Fatal("carrier did not store header")
	}
}

func TestReplyHandlerContextFollowsBase(t *testing.T) {
	nc := startTestNATS(t)

	base, cancel := context.WithCancel(context.Background())
	started := make(chan struct{})
	sub, err := Reply(base, nc, "test.block", "", func(ctx context.Context, q query) (answer, error) {
		close(started)
		<-ctx.Done()
		return answer{}, ctx.Err()
	})
	if err != nil {
		t.Fatal(err)
	}
	defer sub.Unsubscribe()

	errCh := make(chan error, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_, err := Request[query, answer](ctx, nc, "test.block", query{Q: "wait"})
		errCh <- err
	}()

	select {
	case <-started:
	case <-time.After(2 * time.Second):
		t.Fatal("handler never started")
	}
	cancel()

	select {
	case err := <-errCh:
		var re *RemoteError
		if !errors.As(err, &re) || !strings.Contains(re.Message, "context canceled") {
			t.Fatalf("expected cancelled remote error, got %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("cancelling the base context did not end the handler")
	}
}
