// Package commit implements the commitment protocol: fixing a template,
// its version pins and its dataset hashes into one hash before any
// execution, so no parameter can be altered retroactively.
package commit

import (
	"fmt"
	"time"

	"veristage/internal/canon"
	"veristage/internal/domain"
)

// composite builds the exact three-key object the commitment hash covers.
func composite(tmpl domain.Template, pins, datasetHashes map[string]string) map[string]any {
	if pins == nil {
		pins = map[string]string{}
	}
	if datasetHashes == nil {
		datasetHashes = map[string]string{}
	}
	return map[string]any{
		"dataset_hashes": datasetHashes,
		"template":       tmpl,
		"version_pins":   pins,
	}
}

// ComputeHash returns the SHA-256 hex digest over the canonical form of
// {dataset_hashes, template, version_pins}.
func ComputeHash(tmpl domain.Template, pins, datasetHashes map[string]string) (string, error) {
	h, err := canon.Hash(composite(tmpl, pins, datasetHashes))
	if err != nil {
		return "", fmt.Errorf("commitment hash: %w", err)
	}
	return h, nil
}

// VerifyHash recomputes the hash from the given inputs and compares it
// to the expected value.
func VerifyHash(expected string, tmpl domain.Template, pins, datasetHashes map[string]string) (bool, error) {
	h, err := ComputeHash(tmpl, pins, datasetHashes)
	if err != nil {
		return false, err
	}
	return h == expected, nil
}

// NewReceipt produces the commitment receipt for a theatre. A receipt is
// created exactly once, at the DRAFT to COMMITTED transition.
func NewReceipt(theatreID string, tmpl domain.Template, pins, datasetHashes map[string]string, now time.Time) (domain.CommitmentReceipt, error) {
	h, err := ComputeHash(tmpl, pins, datasetHashes)
	if err != nil {
		return domain.CommitmentReceipt{}, err
	}
	if pins == nil {
		pins = map[string]string{}
	}
	if datasetHashes == nil {
		datasetHashes = map[string]string{}
	}
	return domain.CommitmentReceipt{
		TheatreID:     theatreID,
		Hash:          h,
		Template:      tmpl,
		VersionPins:   pins,
		DatasetHashes: datasetHashes,
		CommittedAt:   now.UTC().Format(time.RFC3339),
	}, nil
}

// VerifyReceipt checks that the stored snapshot still reproduces the
// stored hash.
func VerifyReceipt(r domain.CommitmentReceipt) (bool, error) {
	return VerifyHash(r.Hash, r.Template, r.VersionPins, r.DatasetHashes)
}
