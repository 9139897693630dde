// Package scoring maps invocation output to per-criterion scores and
// the weighted composite. Aggregation is pure and synchronous; the
// provider is the only external collaborator and is never retried.
package scoring

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"veristage/internal/construct"
	"veristage/internal/domain"
)

// Provider is the pluggable scoring capability. It returns a float in
// [0,1] per declared criterion for one episode and one response. It may
// be slow and non-deterministic; a failure is treated as missing scores,
// not retried.
type Provider interface {
	Score(ctx context.Context, ep domain.Episode, resp construct.Response, criteria []string) (map[string]float64, error)
	Version() string
}

// Normalize fills missing criteria with 0.0 and clamps everything to
// [0,1]. A buggy provider degrades the composite instead of inflating it.
func Normalize(scores map[string]float64, criteria []string) map[string]float64 {
	out := make(map[string]float64, len(criteria))
	for _, id := range criteria {
		s, ok := scores[id]
		if !ok {
			out[id] = 0.0
			continue
		}
		out[id] = clamp(s)
	}
	return out
}

// Composite computes the weighted sum over normalized scores. Empty
// weights mean an equal-weight mean across declared criteria.
func Composite(scores map[string]float64, c domain.Criteria) float64 {
	if len(c.IDs) == 0 {
		return 0.0
	}
	norm := Normalize(scores, c.IDs)
	if len(c.Weights) == 0 {
		sum := 0.0
		for _, id := range c.IDs {
			sum += norm[id]
		}
		return sum / float64(len(c.IDs))
	}
	sum := 0.0
	for id, w := range c.Weights {
		sum += w * norm[id]
	}
	return sum
}

func clamp(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

// StaticProvider scores every episode with a fixed map. Useful for
// smoke runs and tests.
type StaticProvider struct {
	Scores  map[string]float64
	Ver     string
	// PerEpisode overrides Scores for specific episode ids.
	PerEpisode map[string]map[string]float64
}

func (p StaticProvider) Version() string {
	if p.Ver == "" {
		return "static-0.0.0"
	}
	return p.Ver
}

func (p StaticProvider) Score(_ context.Context, ep domain.Episode, _ construct.Response, criteria []string) (map[string]float64, error) {
	if s, ok := p.PerEpisode[ep.ID]; ok {
		return s, nil
	}
	return p.Scores, nil
}

// HTTPProvider posts episode, response and criteria to a remote scorer
// which answers {"scores": {"<criterion>": <float>}}.
type HTTPProvider struct {
	Endpoint string
	Ver      string
	Client   *http.Client
}

func (p HTTPProvider) Version() string {
	if p.Ver == "" {
		return "http-0.0.0"
	}
	return p.Ver
}

type httpScoreRequest struct {
	Episode  domain.Episode     `json:"episode"`
	Response construct.Response `json:"response"`
	Criteria []string           `json:"criteria"`
}

type httpScoreResponse struct {
	Scores map[string]float64 `json:"scores"`
}

func (p HTTPProvider) Score(ctx context.Context, ep domain.Episode, resp construct.Response, criteria []string) (map[string]float64, error) {
	if strings.TrimSpace(p.Endpoint) == "" {
		return nil, fmt.Errorf("http scorer: endpoint not configured")
	}
	client := p.Client
	if client == nil {
		client = http.DefaultClient
	}
	data, err := json.Marshal(httpScoreRequest{Episode: ep, Response: resp, Criteria: criteria})
	if err != nil {
		return nil, fmt.Errorf("http scorer: marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.Endpoint, bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	res, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer res.Body.Close()
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		return nil, fmt.Errorf("http scorer: status %d: %s", res.StatusCode, strings.TrimSpace(string(body)))
	}
	var out httpScoreResponse
	if err := json.NewDecoder(res.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("http scorer: decode response: %w", err)
	}
	return out.Scores, nil
}
