package construct

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"unicode"
)

// HTTPAdapter posts the request to a remote construct endpoint. The
// remote side answers with a Response body; transport failures surface
// as errors and are mapped to TIMEOUT or ERROR by the invoker.
type HTTPAdapter struct {
	Endpoint string
	Client   *http.Client
}

func (a HTTPAdapter) Kind() string { return "http" }

func (a HTTPAdapter) Invoke(ctx context.Context, req Request) (Response, error) {
	if strings.TrimSpace(a.Endpoint) == "" {
		return Response{}, fmt.Errorf("http adapter: endpoint not configured")
	}
	client := a.Client
	if client == nil {
		client = http.DefaultClient
	}
	data, err := json.Marshal(req)
	if err != nil {
		return Response{}, fmt.Errorf("http adapter: marshal request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, a.Endpoint, bytes.NewReader(data))
	if err != nil {
		return Response{}, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	res, err := client.Do(httpReq)
	if err != nil {
		return Response{}, err
	}
	defer res.Body.Close()
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		return Response{}, fmt.Errorf("http adapter: status %d: %s", res.StatusCode, strings.TrimSpace(string(body)))
	}
	var resp Response
	if err := json.NewDecoder(res.Body).Decode(&resp); err != nil {
		return Response{}, fmt.Errorf("http adapter: decode response: %w", err)
	}
	if resp.InvocationID == "" {
		resp.InvocationID = req.InvocationID
	}
	if resp.TheatreID == "" {
		resp.TheatreID = req.TheatreID
	}
	if resp.EpisodeID == "" {
		resp.EpisodeID = req.EpisodeID
	}
	if resp.ConstructID == "" {
		resp.ConstructID = req.ConstructID
	}
	return resp, nil
}

// LocalAdapter invokes an in-process construct function.
type LocalAdapter struct {
	Fn func(ctx context.Context, req Request) (Response, error)
}

func (a LocalAdapter) Kind() string { return "local" }

func (a LocalAdapter) Invoke(ctx context.Context, req Request) (Response, error) {
	if a.Fn == nil {
		return Response{}, fmt.Errorf("local adapter: no function configured")
	}
	return a.Fn(ctx, req)
}

// MockAdapter is the non-production stub. The template validator rejects
// it for certificate-generating runs.
type MockAdapter struct {
	Status Status
	Output any
	// PerEpisode overrides Status/Output for specific episode ids.
	PerEpisode map[string]Response
}

func (a MockAdapter) Kind() string { return "mock" }

func (a MockAdapter) Invoke(_ context.Context, req Request) (Response, error) {
	resp := echo(req)
	if scripted, ok := a.PerEpisode[req.EpisodeID]; ok {
		resp.Status = scripted.Status
		resp.Output = scripted.Output
		resp.ErrorDetail = scripted.ErrorDetail
		return resp, nil
	}
	resp.Status = a.Status
	if resp.Status == "" {
		resp.Status = StatusSuccess
	}
	resp.Output = a.Output
	return resp, nil
}

// sanitizeInput strips control characters from every string in the
// value, recursively. Applied when the request meta asks for it, before
// the payload leaves the process.
func sanitizeInput(v any) any {
	switch t := v.(type) {
	case string:
		return strings.Map(func(r rune) rune {
			if unicode.IsControl(r) && r != '\n' && r != '\t' {
				return -1
			}
			return r
		}, t)
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[k] = sanitizeInput(val)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, val := range t {
			out[i] = sanitizeInput(val)
		}
		return out
	default:
		return v
	}
}
