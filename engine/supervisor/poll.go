package supervisor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/WessleyAI/ollama-demo/pkg/fn"
)

// Probe reports nil once the checked service is ready.
type Probe func(ctx context.Context) error

// HTTPProbe returns a Probe that GETs url and expects 200 OK.
func HTTPProbe(client *http.Client, url string) Probe {
	return func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return err
		}
		resp, err := client.Do(req)
		if err != nil {
			return err
		}
		io.Copy(io.Discard, resp.Body)
		resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return fmt.Errorf("status %d", resp.StatusCode)
		}
		return nil
	}
}

// PollReady calls probe up to attempts times, waiting interval after each
// failure except the last. There is no backoff and no jitter. When every
// attempt fails the returned error matches ErrNotReady; a cancelled ctx is
// returned unchanged.
func PollReady(ctx context.Context, probe Probe, attempts int, interval time.Duration, onProbe func(attempt int, err error)) error {
	opts := fn.ConstantRetry(attempts, interval)
	opts.OnRetry = onProbe

	r := fn.Retry(ctx, opts, func(ctx context.Context) fn.Result[struct{}] {
		return fn.FromPair(struct{}{}, probe(ctx))
	})
	if r.IsOk() {
		return nil
	}

	err := r.Error()
	if ctxErr := ctx.Err(); ctxErr != nil && errors.Is(err, ctxErr) {
		return ctxErr
	}
	return fmt.Errorf("%w after %d attempts: %v", ErrNotReady, attempts, err)
}
