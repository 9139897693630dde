package evidence_test

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"veristage/internal/construct"
	"veristage/internal/domain"
	"veristage/internal/evidence"
)

func completeBundle(t *testing.T) *evidence.Bundle {
	t.Helper()
	b, err := evidence.Open(t.TempDir(), "th-1")
	require.NoError(t, err)
	b.Now = func() time.Time { return time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC) }

	tmpl := domain.Template{ID: "tpl-1", Family: "f", ExecutionMode: "replay",
		Criteria:  domain.Criteria{IDs: []string{"accuracy"}},
		Construct: domain.ConstructRef{ID: "c", Version: "1.0.0", Adapter: "local"}}
	require.NoError(t, b.WriteTemplate(tmpl))
	require.NoError(t, b.WriteReceipt(domain.CommitmentReceipt{TheatreID: "th-1", Hash: "h", Template: tmpl}))
	require.NoError(t, b.WriteGroundTruth([]domain.Episode{{ID: "ep-1", Input: "q", Expected: "a"}}))
	require.NoError(t, b.RecordInvocation(construct.Response{EpisodeID: "ep-1", Status: construct.StatusSuccess}))
	require.NoError(t, b.RecordScore(domain.EpisodeScore{TheatreID: "th-1", EpisodeID: "ep-1", Composite: 0.9}))
	require.NoError(t, b.WriteAggregate(map[string]any{"composite": 0.9}))
	require.NoError(t, b.AppendAudit("theatre.committed", map[string]any{"theatre_id": "th-1"}))
	require.NoError(t, b.WriteManifest("th-1"))
	require.NoError(t, b.WriteCertificate(domain.Certificate{ID: "cert-1", TheatreID: "th-1"}))
	return b
}

func TestCompleteBundleValidates(t *testing.T) {
	b := completeBundle(t)
	assert.Empty(t, b.ValidateMinimumFiles())
	assert.Empty(t, b.MissingForIssuance())
}

func TestRemovingAnyArtifactIsNamed(t *testing.T) {
	for _, name := range evidence.RequiredArtifacts {
		b := completeBundle(t)
		require.NoError(t, os.RemoveAll(filepath.Join(b.Dir, name)))
		missing := b.ValidateMinimumFiles()
		assert.Equal(t, []string{name}, missing, "removed %s", name)
	}
}

func TestMissingForIssuanceIgnoresCertificate(t *testing.T) {
	b, err := evidence.Open(t.TempDir(), "th-2")
	require.NoError(t, err)
	missing := b.MissingForIssuance()
	assert.NotContains(t, missing, evidence.CertificateFile)
	assert.Contains(t, missing, evidence.ManifestFile)
}

func TestBundleHashDeterministicAndTamperEvident(t *testing.T) {
	b := completeBundle(t)
	h1, err := b.ComputeBundleHash()
	require.NoError(t, err)
	h2, err := b.ComputeBundleHash()
	require.NoError(t, err)
	assert.Equal(t, h1, h2)
	assert.Len(t, h1, 64)

	// altering an indexed file and rebuilding the manifest changes the hash
	require.NoError(t, b.RecordScore(domain.EpisodeScore{TheatreID: "th-1", EpisodeID: "ep-1", Composite: 0.1}))
	require.NoError(t, b.WriteManifest("th-1"))
	h3, err := b.ComputeBundleHash()
	require.NoError(t, err)
	assert.NotEqual(t, h1, h3)
}

func TestManifestExcludesItselfAndCertificate(t *testing.T) {
	b := completeBundle(t)
	data, err := os.ReadFile(filepath.Join(b.Dir, evidence.ManifestFile))
	require.NoError(t, err)
	var m struct {
		Files map[string]string `json:"files"`
	}
	require.NoError(t, json.Unmarshal(data, &m))
	assert.NotContains(t, m.Files, evidence.ManifestFile)
	assert.NotContains(t, m.Files, evidence.CertificateFile)
	assert.Contains(t, m.Files, evidence.TemplateFile)
	assert.Contains(t, m.Files, "invocations/ep-1.json")
}

func TestManifestSurvivesPostIssuanceAuditAppends(t *testing.T) {
	b := completeBundle(t)
	hashAtIssue, err := b.ComputeBundleHash()
	require.NoError(t, err)

	// archival writes to the trail after the certificate is out
	require.NoError(t, b.AppendAudit("theatre.archived", nil))

	data, err := os.ReadFile(filepath.Join(b.Dir, evidence.ManifestFile))
	require.NoError(t, err)
	var m struct {
		Files       map[string]string `json:"files"`
		AuditLines  int               `json:"audit_lines"`
		AuditDigest string            `json:"audit_digest"`
	}
	require.NoError(t, json.Unmarshal(data, &m))
	assert.NotContains(t, m.Files, evidence.AuditTrailFile)
	require.Equal(t, 1, m.AuditLines)

	prefix, err := b.AuditPrefix(m.AuditLines)
	require.NoError(t, err)
	assert.Equal(t, m.AuditDigest, prefix)

	count, err := b.AuditLineCount()
	require.NoError(t, err)
	assert.Equal(t, 2, count)

	hashAfter, err := b.ComputeBundleHash()
	require.NoError(t, err)
	assert.Equal(t, hashAtIssue, hashAfter)
}

func TestAuditPrefixDetectsRewrittenEntries(t *testing.T) {
	b := completeBundle(t)
	before, err := b.AuditPrefix(1)
	require.NoError(t, err)

	path := filepath.Join(b.Dir, evidence.AuditTrailFile)
	require.NoError(t, os.WriteFile(path, []byte(`{"type":"forged"}`+"\n"), 0o644))
	after, err := b.AuditPrefix(1)
	require.NoError(t, err)
	assert.NotEqual(t, before, after)
}

func TestAuditTrailIsAppendOnlyJSONL(t *testing.T) {
	b := completeBundle(t)
	require.NoError(t, b.AppendAudit("theatre.resolved", nil))

	f, err := os.Open(filepath.Join(b.Dir, evidence.AuditTrailFile))
	require.NoError(t, err)
	defer f.Close()
	var lines []map[string]any
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		var entry map[string]any
		require.NoError(t, json.Unmarshal(sc.Bytes(), &entry))
		lines = append(lines, entry)
	}
	require.Len(t, lines, 2)
	assert.Equal(t, "theatre.committed", lines[0]["type"])
	assert.Equal(t, "theatre.resolved", lines[1]["type"])
}
