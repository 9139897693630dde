package construct

import (
	"context"
	"errors"
	"time"
)

const (
	defaultTimeoutSeconds = 30.0
	defaultBackoffSeconds = 1.0
)

// Invoker wraps an adapter with the timeout and retry policy of the
// invocation contract. TIMEOUT and transport errors are retried with
// linear backoff up to the request's retry count; SUCCESS and REFUSED
// are terminal on first sight. The result is always a Response with one
// of the four statuses, never an error.
type Invoker struct {
	Adapter Adapter
	// Sleep is replaceable for tests. Defaults to time.Sleep.
	Sleep func(time.Duration)
}

func (iv Invoker) sleep(d time.Duration) {
	if iv.Sleep != nil {
		iv.Sleep(d)
		return
	}
	time.Sleep(d)
}

func (iv Invoker) Invoke(ctx context.Context, req Request) Response {
	timeout := req.Meta.TimeoutSeconds
	if timeout <= 0 {
		timeout = defaultTimeoutSeconds
	}
	backoff := req.Meta.BackoffSeconds
	if backoff <= 0 {
		backoff = defaultBackoffSeconds
	}
	if req.Meta.SanitizeInput {
		req.Input = sanitizeInput(req.Input)
	}

	attempts := req.Meta.RetryCount + 1
	start := time.Now()
	var last Response
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			// linear backoff between attempts
			iv.sleep(time.Duration(float64(attempt) * backoff * float64(time.Second)))
		}
		last = iv.attempt(ctx, req, time.Duration(timeout*float64(time.Second)))
		switch last.Status {
		case StatusSuccess, StatusRefused:
			last.LatencyMS = time.Since(start).Milliseconds()
			return last
		}
		if ctx.Err() != nil {
			break
		}
	}
	last.LatencyMS = time.Since(start).Milliseconds()
	return last
}

func (iv Invoker) attempt(ctx context.Context, req Request, timeout time.Duration) Response {
	attemptCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	resp, err := iv.Adapter.Invoke(attemptCtx, req)
	if err != nil {
		out := echo(req)
		if errors.Is(err, context.DeadlineExceeded) || attemptCtx.Err() != nil {
			out.Status = StatusTimeout
			out.ErrorDetail = "no response within budget"
			return out
		}
		out.Status = StatusError
		out.ErrorDetail = err.Error()
		return out
	}
	if resp.Status == "" {
		resp.Status = StatusError
		resp.ErrorDetail = "adapter returned no status"
	}
	return resp
}
