// Package natsutil provides typed NATS publish/subscribe/request helpers
// with OpenTelemetry trace propagation.
package natsutil

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel"
)

// natsHeaderCarrier adapts nats.Msg headers for OTel TextMapCarrier.
type natsHeaderCarrier nats.Msg

func (c *natsHeaderCarrier) Get(key string) string {
	if c.Header == nil {
		return ""
	}
	return c.Header.Get(key)
}

func (c *natsHeaderCarrier) Set(key, val string) {
	if c.Header == nil {
		c.Header = make(nats.Header)
	}
	c.Header.Set(key, val)
}

func (c *natsHeaderCarrier) Keys() []string {
	if c.Header == nil {
		return nil
	}
	keys := make([]string, 0, len(c.Header))
	for k := range c.Header {
		keys = append(keys, k)
	}
	return keys
}

// RemoteError is a failure reported by the replying side of Request.
type RemoteError struct {
	Subject string
	Message string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("natsutil: %s: remote: %s", e.Subject, e.Message)
}

// envelope is the reply body written by Reply.
type envelope struct {
	Data  json.RawMessage `json:"data,omitempty"`
	Error string          `json:"error,omitempty"`
}

func newMsg(ctx context.Context, subject string, v any) (*nats.Msg, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	msg := &nats.Msg{
		Subject: subject,
		Data:    data,
	}
	otel.GetTextMapPropagator().Inject(ctx, (*natsHeaderCarrier)(msg))
	return msg, nil
}

// Publish serializes v as JSON and publishes to the given subject.
// Trace context from ctx is injected into NATS message headers.
func Publish[T any](ctx context.Context, nc *nats.Conn, subject string, v T) error {
	msg, err := newMsg(ctx, subject, v)
	if err != nil {
		return err
	}
	return nc.PublishMsg(msg)
}

// Subscribe registers a handler that deserializes JSON messages of type T.
// Trace context is extracted from NATS message headers and passed to the handler.
// Malformed messages are silently dropped.
func Subscribe[T any](nc *nats.Conn, subject string, handler func(context.Context, T)) (*nats.Subscription, error) {
	return nc.Subscribe(subject, func(msg *nats.Msg) {
		var v T
		if err := json.Unmarshal(msg.Data, &v); err != nil {
			return // drop malformed messages
		}
		ctx := otel.GetTextMapPropagator().Extract(context.Background(), (*natsHeaderCarrier)(msg))
		handler(ctx, v)
	})
}

// Reply registers a queue-group responder. Each request is decoded as Req,
// handed to handler, and answered with an envelope carrying either the
// encoded Resp or the handler's error text. Queue groups let several
// workers share one subject. Handler contexts derive from ctx, so
// cancelling it cancels requests in flight.
func Reply[Req, Resp any](ctx context.Context, nc *nats.Conn, subject, queue string, handler func(context.Context, Req) (Resp, error)) (*nats.Subscription, error) {
	base := ctx
	return nc.QueueSubscribe(subject, queue, func(msg *nats.Msg) {
		if msg.Reply == "" {
			return
		}
		ctx := otel.GetTextMapPropagator().Extract(base, (*natsHeaderCarrier)(msg))

		var env envelope
		var req Req
		if err := json.Unmarshal(msg.Data, &req); err != nil {
			env.Error = fmt.Sprintf("decode request: %v", err)
		} else if resp, err := handler(ctx, req); err != nil {
			env.Error = err.Error()
		} else if data, err := json.Marshal(resp); err != nil {
			env.Error = fmt.Sprintf("encode response: %v", err)
		} else {
			env.Data = data
		}

		out, _ := json.Marshal(env)
		reply := &nats.Msg{Subject: msg.Reply, Data: out}
		otel.GetTextMapPropagator().Inject(ctx, (*natsHeaderCarrier)(reply))
		_ = msg.RespondMsg(reply)
	})
}

// Request sends a JSON-encoded request and decodes the reply written by Reply.
// When ctx has no deadline, nats.DefaultTimeout applies.
func Request[Req, Resp any](ctx context.Context, nc *nats.Conn, subject string, req Req) (Resp, error) {
	var zero Resp
	msg, err := newMsg(ctx, subject, req)
	if err != nil {
		return zero, err
	}
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, nats.DefaultTimeout)
		defer cancel()
	}
	resp, err := nc.RequestMsgWithContext(ctx, msg)
	if err != nil {
		return zero, fmt.Errorf("natsutil: request %s: %w", subject, err)
	}

	var env envelope
	if err := json.Unmarshal(resp.Data, &env); err != nil {
		return zero, fmt.Errorf("natsutil: decode reply: %w", err)
	}
	if env.Error != "" {
		return zero, &RemoteError{Subject: subject, Message: env.Error}
	}
	if len(env.Data) == 0 {
		return zero, errors.New("natsutil: empty reply")
	}
	var result Resp
	if err := json.Unmarshal(env.Data, &result); err != nil {
		return zero, fmt.Errorf("natsutil: decode reply: %w", err)
	}
	return result, nil
}
