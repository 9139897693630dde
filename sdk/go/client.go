package veristagesdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client is a minimal Veristage HTTP API client.
type Client struct {
	BaseURL     string
	APIKey      string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL: baseURL,
		Timeout: 10 * time.Second,
	}
}

// Theatre represents the API theatre model (partial).
type Theatre struct {
	ID             string  `json:"id"`
	TemplateID     string  `json:"template_id"`
	State          string  `json:"state"`
	OwnerID        string  `json:"owner_id"`
	CommitmentHash *string `json:"commitment_hash,omitempty"`
	EpisodesTotal  int     `json:"episodes_total"`
	EpisodesDone   int     `json:"episodes_done"`
	EpisodesFailed int     `json:"episodes_failed"`
	CertificateID  *string `json:"certificate_id,omitempty"`
	PendingStep    *string `json:"pending_step,omitempty"`
}

// Receipt is the commitment receipt returned on commit. Template is
// left loosely typed; callers needing the full document should fetch
// the template resource.
type Receipt struct {
	TheatreID     string            `json:"theatre_id"`
	Hash          string            `json:"hash"`
	Template      map[string]any    `json:"template"`
	VersionPins   map[string]string `json:"version_pins"`
	DatasetHashes map[string]string `json:"dataset_hashes"`
	CommittedAt   string            `json:"committed_at"`
}

// Certificate represents an issued certificate (partial).
type Certificate struct {
	ID               string             `json:"id"`
	TheatreID        string             `json:"theatre_id"`
	ConstructID      string             `json:"construct_id"`
	ConstructVersion string             `json:"construct_version"`
	CriteriaScores   map[string]float64 `json:"criteria_scores"`
	Composite        float64            `json:"composite"`
	ReplayCount      int                `json:"replay_count"`
	FailureRate      float64            `json:"failure_rate"`
	Tier             string             `json:"tier"`
	IssuedAt         string             `json:"issued_at"`
	ExpiresAt        *string            `json:"expires_at,omitempty"`
}

// Dispute represents a dispute entry.
type Dispute struct {
	ID          string `json:"id"`
	ConstructID string `json:"construct_id"`
	Reason      string `json:"reason,omitempty"`
	Status      string `json:"status"`
	OpenedBy    string `json:"opened_by"`
	CreatedAt   string `json:"created_at"`
}

// Event represents a log entry.
type Event struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts"`
	Type       string         `json:"type"`
	TheatreID  string         `json:"theatre_id,omitempty"`
	EntityKind string         `json:"entity_kind"`
	EntityID   string         `json:"entity_id,omitempty"`
	Payload    map[string]any `json:"payload"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// PaginatedEvents wraps list responses with cursors.
type PaginatedEvents struct {
	Items      []Event `json:"items"`
	NextCursor string  `json:"next_cursor"`
}

// CreateTemplate submits a template document and returns its stored form.
func (c *Client) CreateTemplate(ctx context.Context, tpl map[string]any) (map[string]any, error) {
	var resp map[string]any
	err := c.do(ctx, http.MethodPost, "v0/templates", tpl, &resp)
	return resp, err
}

// CreateTheatre creates a DRAFT theatre for a template.
func (c *Client) CreateTheatre(ctx context.Context, templateID string) (Theatre, error) {
	body := map[string]any{"template_id": templateID}
	var resp Theatre
	err := c.do(ctx, http.MethodPost, "v0/theatres", body, &resp)
	return resp, err
}

// CommitTheatre locks in pins and dataset hashes and returns the receipt.
func (c *Client) CommitTheatre(ctx context.Context, theatreID string, pins, datasetHashes map[string]string) (Receipt, error) {
	body := map[string]any{
		"version_pins":   pins,
		"dataset_hashes": datasetHashes,
	}
	var resp Receipt
	err := c.do(ctx, http.MethodPost, c.theatrePath(theatreID, "commit"), body, &resp)
	return resp, err
}

// RunTheatre starts execution; the run proceeds in the background.
func (c *Client) RunTheatre(ctx context.Context, theatreID string) (Theatre, error) {
	var resp Theatre
	err := c.do(ctx, http.MethodPost, c.theatrePath(theatreID, "run"), nil, &resp)
	return resp, err
}

// ResolveHumanStep supplies a decision for a parked human step.
func (c *Client) ResolveHumanStep(ctx context.Context, theatreID, stepID string, decision any) (Theatre, error) {
	body := map[string]any{"step_id": stepID, "decision": decision}
	var resp Theatre
	err := c.do(ctx, http.MethodPost, c.theatrePath(theatreID, "resolve"), body, &resp)
	return resp, err
}

// Theatre fetches a theatre by id.
func (c *Client) Theatre(ctx context.Context, theatreID string) (Theatre, error) {
	var resp Theatre
	err := c.do(ctx, http.MethodGet, c.theatrePath(theatreID, ""), nil, &resp)
	return resp, err
}

// Receipt fetches the commitment receipt of a theatre. No auth needed.
func (c *Client) Receipt(ctx context.Context, theatreID string) (Receipt, error) {
	var resp Receipt
	err := c.do(ctx, http.MethodGet, c.theatrePath(theatreID, "receipt"), nil, &resp)
	return resp, err
}

// Certificate fetches a certificate by id. No auth needed.
func (c *Client) Certificate(ctx context.Context, id string) (Certificate, error) {
	var resp Certificate
	err := c.do(ctx, http.MethodGet, fmt.Sprintf("v0/certificates/%s", url.PathEscape(id)), nil, &resp)
	return resp, err
}

// Certificates lists certificates, optionally filtered by construct.
func (c *Client) Certificates(ctx context.Context, constructID string) ([]Certificate, error) {
	var resp struct {
		Items []Certificate `json:"items"`
	}
	endpoint := "v0/certificates"
	if constructID != "" {
		endpoint += "?construct_id=" + url.QueryEscape(constructID)
	}
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp.Items, err
}

// OpenDispute contests a construct's evidence.
func (c *Client) OpenDispute(ctx context.Context, constructID, reason string) (Dispute, error) {
	body := map[string]any{"construct_id": constructID, "reason": reason}
	var resp Dispute
	err := c.do(ctx, http.MethodPost, "v0/disputes", body, &resp)
	return resp, err
}

// Events returns recent events.
func (c *Client) Events(ctx context.Context, limit int) ([]Event, error) {
	page, err := c.EventsPage(ctx, limit, "")
	return page.Items, err
}

// EventsPage returns a paginated event listing.
func (c *Client) EventsPage(ctx context.Context, limit int, cursor string) (PaginatedEvents, error) {
	endpoint := "v0/events"
	if limit > 0 {
		endpoint = fmt.Sprintf("%s?limit=%d", endpoint, limit)
	}
	if cursor != "" {
		sep := "?"
		if strings.Contains(endpoint, "?") {
			sep = "&"
		}
		endpoint = fmt.Sprintf("%s%scursor=%s", endpoint, sep, url.QueryEscape(cursor))
	}
	var resp PaginatedEvents
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.APIKey != "":
		req.Header.Set("X-Api-Key", c.APIKey)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return &APIError{StatusCode: resp.StatusCode, Body: string(b)}
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) theatrePath(theatreID, action string) string {
	p := fmt.Sprintf("v0/theatres/%s", url.PathEscape(theatreID))
	if action != "" {
		p += "/" + action
	}
	return p
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
