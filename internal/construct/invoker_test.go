package construct

import (
	"context"
	"errors"
	"testing"
	"time"
)

type scriptedAdapter struct {
	calls     int
	responses []Response
	errs      []error
}

func (a *scriptedAdapter) Kind() string { return "local" }

func (a *scriptedAdapter) Invoke(_ context.Context, req Request) (Response, error) {
	i := a.calls
	a.calls++
	if i < len(a.errs) && a.errs[i] != nil {
		return Response{}, a.errs[i]
	}
	resp := echo(req)
	if i < len(a.responses) {
		resp.Status = a.responses[i].Status
		resp.Output = a.responses[i].Output
		resp.ErrorDetail = a.responses[i].ErrorDetail
	}
	return resp, nil
}

func noSleep(time.Duration) {}

func testRequest() Request {
	return Request{
		InvocationID: "inv-1",
		TheatreID:    "th-1",
		EpisodeID:    "ep-1",
		ConstructID:  "oracle-x",
		Input:        map[string]any{"q": "?"},
		Meta:         Meta{TimeoutSeconds: 1, RetryCount: 2, BackoffSeconds: 0.01},
	}
}

func TestInvokeSuccessEchoesIdentifiers(t *testing.T) {
	iv := Invoker{Adapter: &scriptedAdapter{responses: []Response{{Status: StatusSuccess, Output: "ok"}}}, Sleep: noSleep}
	resp := iv.Invoke(context.Background(), testRequest())
	if resp.Status != StatusSuccess {
		t.Fatalf("status = %s", resp.Status)
	}
	if resp.InvocationID != "inv-1" || resp.TheatreID != "th-1" || resp.EpisodeID != "ep-1" {
		t.Fatalf("identifiers not echoed: %+v", resp)
	}
}

func TestInvokeRetriesTransportErrorThenSucceeds(t *testing.T) {
	a := &scriptedAdapter{
		errs:      []error{errors.New("connection refused"), nil},
		responses: []Response{{}, {Status: StatusSuccess, Output: 42}},
	}
	iv := Invoker{Adapter: a, Sleep: noSleep}
	resp := iv.Invoke(context.Background(), testRequest())
	if resp.Status != StatusSuccess {
		t.Fatalf("status = %s, detail = %s", resp.Status, resp.ErrorDetail)
	}
	if a.calls != 2 {
		t.Fatalf("expected 2 attempts, got %d", a.calls)
	}
}

func TestInvokeGivesUpAfterRetryBudget(t *testing.T) {
	a := &scriptedAdapter{errs: []error{context.DeadlineExceeded, context.DeadlineExceeded, context.DeadlineExceeded}}
	iv := Invoker{Adapter: a, Sleep: noSleep}
	resp := iv.Invoke(context.Background(), testRequest())
	if resp.Status != StatusTimeout {
		t.Fatalf("status = %s", resp.Status)
	}
	if a.calls != 3 {
		t.Fatalf("expected retry_count+1 attempts, got %d", a.calls)
	}
}

func TestInvokeRefusedIsTerminal(t *testing.T) {
	a := &scriptedAdapter{responses: []Response{{Status: StatusRefused, ErrorDetail: "declined"}}}
	iv := Invoker{Adapter: a, Sleep: noSleep}
	resp := iv.Invoke(context.Background(), testRequest())
	if resp.Status != StatusRefused {
		t.Fatalf("status = %s", resp.Status)
	}
	if a.calls != 1 {
		t.Fatalf("refused must not be retried, got %d attempts", a.calls)
	}
}

func TestInvokeLinearBackoff(t *testing.T) {
	var slept []time.Duration
	a := &scriptedAdapter{
		responses: []Response{{Status: StatusError}, {Status: StatusError}, {Status: StatusSuccess}},
	}
	iv := Invoker{Adapter: a, Sleep: func(d time.Duration) { slept = append(slept, d) }}
	req := testRequest()
	req.Meta.BackoffSeconds = 2
	resp := iv.Invoke(context.Background(), req)
	if resp.Status != StatusSuccess {
		t.Fatalf("status = %s", resp.Status)
	}
	if len(slept) != 2 || slept[0] != 2*time.Second || slept[1] != 4*time.Second {
		t.Fatalf("unexpected backoff schedule %v", slept)
	}
}

func TestInvokeSanitizesInput(t *testing.T) {
	var seen Request
	a := LocalAdapter{Fn: func(_ context.Context, req Request) (Response, error) {
		seen = req
		resp := echo(req)
		resp.Status = StatusSuccess
		return resp, nil
	}}
	iv := Invoker{Adapter: a, Sleep: noSleep}
	req := testRequest()
	req.Meta.SanitizeInput = true
	req.Input = map[string]any{"q": "hi\x00there\n"}
	iv.Invoke(context.Background(), req)
	got := seen.Input.(map[string]any)["q"].(string)
	if got != "hithere\n" {
		t.Fatalf("input not sanitized: %q", got)
	}
}

func TestMockAdapterScripting(t *testing.T) {
	a := MockAdapter{
		Status: StatusSuccess,
		Output: "default",
		PerEpisode: map[string]Response{
			"ep-2": {Status: StatusTimeout},
		},
	}
	iv := Invoker{Adapter: a, Sleep: noSleep}
	req := testRequest()
	req.Meta.RetryCount = 0
	resp := iv.Invoke(context.Background(), req)
	if resp.Status != StatusSuccess || resp.Output != "default" {
		t.Fatalf("unexpected default response %+v", resp)
	}
	req.EpisodeID = "ep-2"
	resp = iv.Invoke(context.Background(), req)
	if resp.Status != StatusTimeout {
		t.Fatalf("scripted episode status = %s", resp.Status)
	}
}
