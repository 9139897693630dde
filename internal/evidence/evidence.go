// Package evidence builds the append-only, hash-verifiable artifact
// bundle for one theatre. The directory layout is a public contract:
// third parties verify a certificate by recomputing hashes over this
// exact structure.
package evidence

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"veristage/internal/canon"
	"veristage/internal/construct"
	"veristage/internal/domain"
)

const (
	ManifestFile    = "manifest.json"
	TemplateFile    = "template.json"
	ReceiptFile     = "commitment_receipt.json"
	GroundTruthDir  = "ground_truth"
	InvocationsDir  = "invocations"
	ScoresDir       = "scores"
	AggregateFile   = "aggregate.json"
	CertificateFile = "certificate.json"
	AuditTrailFile  = "audit_trail"
)

// RequiredArtifacts is the minimum content of a complete bundle.
var RequiredArtifacts = []string{
	ManifestFile,
	TemplateFile,
	ReceiptFile,
	GroundTruthDir,
	InvocationsDir,
	ScoresDir,
	CertificateFile,
	AuditTrailFile,
}

// Bundle is one theatre's evidence directory.
type Bundle struct {
	Dir string
	Now func() time.Time
}

// Open creates (or reopens) the bundle directory for a theatre.
func Open(root, theatreID string) (*Bundle, error) {
	dir := filepath.Join(root, theatreID)
	for _, sub := range []string{GroundTruthDir, InvocationsDir, ScoresDir} {
		if err := os.MkdirAll(filepath.Join(dir, sub), 0o755); err != nil {
			return nil, fmt.Errorf("evidence bundle: %w", err)
		}
	}
	return &Bundle{Dir: dir}, nil
}

func (b *Bundle) now() time.Time {
	if b.Now != nil {
		return b.Now()
	}
	return time.Now()
}

// writeCanonical writes v as canonical JSON so file bytes, and therefore
// per-file digests, are deterministic.
func (b *Bundle) writeCanonical(rel string, v any) error {
	data, err := canon.Canonical(v)
	if err != nil {
		return fmt.Errorf("evidence %s: %w", rel, err)
	}
	return os.WriteFile(filepath.Join(b.Dir, rel), data, 0o644)
}

func (b *Bundle) WriteTemplate(t domain.Template) error {
	return b.writeCanonical(TemplateFile, t)
}

func (b *Bundle) WriteReceipt(r domain.CommitmentReceipt) error {
	return b.writeCanonical(ReceiptFile, r)
}

// WriteGroundTruth stores the raw episode set, one file per episode.
func (b *Bundle) WriteGroundTruth(episodes []domain.Episode) error {
	for _, ep := range episodes {
		if err := b.writeCanonical(filepath.Join(GroundTruthDir, ep.ID+".json"), ep); err != nil {
			return err
		}
	}
	return nil
}

// RecordInvocation persists one invocation response. Every attempt is
// recorded regardless of outcome, before scoring proceeds.
func (b *Bundle) RecordInvocation(resp construct.Response) error {
	return b.writeCanonical(filepath.Join(InvocationsDir, resp.EpisodeID+".json"), resp)
}

func (b *Bundle) RecordScore(s domain.EpisodeScore) error {
	return b.writeCanonical(filepath.Join(ScoresDir, s.EpisodeID+".json"), s)
}

// WriteAggregate stores the run-level aggregate under the scores dir.
func (b *Bundle) WriteAggregate(v any) error {
	return b.writeCanonical(filepath.Join(ScoresDir, AggregateFile), v)
}

func (b *Bundle) WriteCertificate(c domain.Certificate) error {
	return b.writeCanonical(CertificateFile, c)
}

// AppendAudit appends one JSON line to the audit trail. The trail is
// append-only; entries are never rewritten.
func (b *Bundle) AppendAudit(eventType string, detail map[string]any) error {
	entry := map[string]any{
		"ts":   b.now().UTC().Format(time.RFC3339),
		"type": eventType,
	}
	for k, v := range detail {
		entry[k] = v
	}
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("audit entry: %w", err)
	}
	f, err := os.OpenFile(filepath.Join(b.Dir, AuditTrailFile), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()
	if _, err := f.Write(append(data, '\n')); err != nil {
		return err
	}
	return nil
}

// manifest is the index the bundle hash covers. The manifest excludes
// itself and the certificate: the certificate embeds the bundle hash, so
// it cannot be part of the digested set. The audit trail is indexed by
// prefix (line count plus the digest over exactly those lines) because
// entries keep arriving after issuance, archival for one, and a whole-
// file digest would stop matching the moment they do.
type manifest struct {
	TheatreID   string            `json:"theatre_id"`
	CreatedAt   string            `json:"created_at"`
	Files       map[string]string `json:"files"`
	AuditLines  int               `json:"audit_lines"`
	AuditDigest string            `json:"audit_digest"`
}

// WriteManifest indexes every artifact with its digest.
func (b *Bundle) WriteManifest(theatreID string) error {
	files := map[string]string{}
	err := filepath.Walk(b.Dir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(b.Dir, path)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)
		if rel == ManifestFile || rel == CertificateFile || rel == AuditTrailFile {
			return nil
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		files[rel] = canon.HashBytes(data)
		return nil
	})
	if err != nil {
		return fmt.Errorf("evidence manifest: %w", err)
	}
	lines, err := b.AuditLineCount()
	if err != nil {
		return fmt.Errorf("evidence manifest: %w", err)
	}
	digest, err := b.AuditPrefix(lines)
	if err != nil {
		return fmt.Errorf("evidence manifest: %w", err)
	}
	return b.writeCanonical(ManifestFile, manifest{
		TheatreID:   theatreID,
		CreatedAt:   b.now().UTC().Format(time.RFC3339),
		Files:       files,
		AuditLines:  lines,
		AuditDigest: digest,
	})
}

// AuditLineCount returns the number of audit entries currently on disk.
func (b *Bundle) AuditLineCount() (int, error) {
	data, err := os.ReadFile(filepath.Join(b.Dir, AuditTrailFile))
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, err
	}
	return bytes.Count(data, []byte("\n")), nil
}

// AuditPrefix digests the first n lines of the audit trail, the region
// an issued manifest covers. Verifiers recompute it to confirm the
// entries that existed at issuance are untouched, whatever was appended
// since.
func (b *Bundle) AuditPrefix(n int) (string, error) {
	if n == 0 {
		return canon.HashBytes(nil), nil
	}
	data, err := os.ReadFile(filepath.Join(b.Dir, AuditTrailFile))
	if err != nil {
		return "", err
	}
	end := 0
	for i := 0; i < n; i++ {
		idx := bytes.IndexByte(data[end:], '\n')
		if idx < 0 {
			return "", fmt.Errorf("audit trail has fewer than %d lines", n)
		}
		end += idx + 1
	}
	return canon.HashBytes(data[:end]), nil
}

// ComputeBundleHash digests the canonical manifest, giving one value
// that checks the integrity of the whole bundle.
func (b *Bundle) ComputeBundleHash() (string, error) {
	data, err := os.ReadFile(filepath.Join(b.Dir, ManifestFile))
	if err != nil {
		return "", fmt.Errorf("bundle hash: %w", err)
	}
	c, err := canon.CanonicalBytes(data)
	if err != nil {
		return "", fmt.Errorf("bundle hash: %w", err)
	}
	return canon.HashBytes(c), nil
}

// ValidateMinimumFiles returns the names of any required artifact that
// is absent. An empty result means the bundle is complete.
func (b *Bundle) ValidateMinimumFiles() []string {
	var missing []string
	for _, name := range RequiredArtifacts {
		if _, err := os.Stat(filepath.Join(b.Dir, name)); err != nil {
			missing = append(missing, name)
		}
	}
	return missing
}

// MissingForIssuance is the completeness check run before a certificate
// is written: everything except the certificate itself must exist.
func (b *Bundle) MissingForIssuance() []string {
	var missing []string
	for _, name := range b.ValidateMinimumFiles() {
		if name == CertificateFile {
			continue
		}
		missing = append(missing, name)
	}
	return missing
}
