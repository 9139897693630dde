// Package construct defines the request/response contract for invoking
// the external construct under test, and the adapters that carry it.
// The engine never assumes anything about a construct beyond this
// contract.
package construct

import (
	"context"
)

// Status is one of the four terminal invocation outcomes.
type Status string

const (
	// StatusSuccess means output is present and usable.
	StatusSuccess Status = "SUCCESS"
	// StatusTimeout means no response arrived within budget after all retries.
	StatusTimeout Status = "TIMEOUT"
	// StatusError means the construct returned a failure.
	StatusError Status = "ERROR"
	// StatusRefused means the construct declined to answer. Refusals are
	// excluded from scoring entirely, unlike errors.
	StatusRefused Status = "REFUSED"
)

// Meta is the per-request invocation policy.
type Meta struct {
	TimeoutSeconds float64 `json:"timeout_seconds"`
	RetryCount     int     `json:"retry_count"`
	BackoffSeconds float64 `json:"backoff_seconds"`
	Deterministic  bool    `json:"deterministic"`
	SanitizeInput  bool    `json:"sanitize_input"`
}

// Request is a single call to the construct under test.
type Request struct {
	InvocationID     string `json:"invocation_id"`
	TheatreID        string `json:"theatre_id"`
	EpisodeID        string `json:"episode_id"`
	ConstructID      string `json:"construct_id"`
	ConstructVersion string `json:"construct_version"`
	Input            any    `json:"input"`
	Meta             Meta   `json:"meta"`
}

// Response echoes the request identifiers and carries exactly one status.
type Response struct {
	InvocationID string `json:"invocation_id"`
	TheatreID    string `json:"theatre_id"`
	EpisodeID    string `json:"episode_id"`
	ConstructID  string `json:"construct_id"`
	Output       any    `json:"output,omitempty"`
	LatencyMS    int64  `json:"latency_ms"`
	Status       Status `json:"status" enum:"SUCCESS,TIMEOUT,ERROR,REFUSED"`
	ErrorDetail  string `json:"error_detail,omitempty"`
}

// Adapter carries one request to a concrete construct implementation.
// An adapter returns an error only for transport-level failures; a
// construct-level failure comes back as a Response with a non-success
// status.
type Adapter interface {
	Kind() string
	Invoke(ctx context.Context, req Request) (Response, error)
}

func echo(req Request) Response {
	return Response{
		InvocationID: req.InvocationID,
		TheatreID:    req.TheatreID,
		EpisodeID:    req.EpisodeID,
		ConstructID:  req.ConstructID,
	}
}
