package server

import (
	"encoding/json"

	"veristage/internal/domain"
)

// Request payloads

type CreateTemplateRequest struct {
	ID               *string                 `json:"id,omitempty"`
	Family           string                  `json:"family"`
	ExecutionMode    string                  `json:"execution_mode" enum:"replay,market"`
	Criteria         domain.Criteria         `json:"criteria"`
	Construct        domain.ConstructRef     `json:"construct"`
	Datasets         []domain.DatasetRef     `json:"datasets,omitempty"`
	ExecutionDataset *string                 `json:"execution_dataset,omitempty"`
	VersionPins      map[string]string       `json:"version_pins,omitempty"`
	InvocationChain  []string                `json:"invocation_chain,omitempty"`
	ResolutionSteps  []domain.ResolutionStep `json:"resolution_steps,omitempty"`
	HumanStepIDs     []string                `json:"human_step_ids,omitempty"`
	Certifying       bool                    `json:"certifying"`
}

type CreateTheatreRequest struct {
	TemplateID string `json:"template_id"`
}

type CommitTheatreRequest struct {
	VersionPins   map[string]string `json:"version_pins,omitempty"`
	DatasetHashes map[string]string `json:"dataset_hashes,omitempty"`
}

type ResolveStepRequest struct {
	StepID   string `json:"step_id"`
	Decision any    `json:"decision"`
}

type OpenDisputeRequest struct {
	ConstructID string `json:"construct_id"`
	Reason      string `json:"reason,omitempty"`
}

type MintKeyRequest struct {
	Name string `json:"name,omitempty"`
}

// Response payloads

type TemplateResponse struct {
	ID               string                  `json:"id"`
	Family           string                  `json:"family"`
	ExecutionMode    string                  `json:"execution_mode" enum:"replay,market"`
	Criteria         domain.Criteria         `json:"criteria"`
	Construct        domain.ConstructRef     `json:"construct"`
	Datasets         []domain.DatasetRef     `json:"datasets,omitempty"`
	ExecutionDataset string                  `json:"execution_dataset,omitempty"`
	VersionPins      map[string]string       `json:"version_pins,omitempty"`
	InvocationChain  []string                `json:"invocation_chain,omitempty"`
	ResolutionSteps  []domain.ResolutionStep `json:"resolution_steps,omitempty"`
	HumanStepIDs     []string                `json:"human_step_ids,omitempty"`
	Certifying       bool                    `json:"certifying"`
	CreatedBy        string                  `json:"created_by,omitempty"`
	CreatedAt        string                  `json:"created_at,omitempty" format:"date-time"`
}

type TheatreResponse struct {
	ID             string  `json:"id"`
	TemplateID     string  `json:"template_id"`
	State          string  `json:"state" enum:"DRAFT,COMMITTED,ACTIVE,SETTLING,RESOLVED,ARCHIVED"`
	OwnerID        string  `json:"owner_id"`
	CommitmentHash *string `json:"commitment_hash,omitempty"`
	EpisodesTotal  int     `json:"episodes_total"`
	EpisodesDone   int     `json:"episodes_done"`
	EpisodesFailed int     `json:"episodes_failed"`
	CertificateID  *string `json:"certificate_id,omitempty"`
	PendingStep    *string `json:"pending_step,omitempty"`
	Error          *string `json:"error,omitempty"`
	CreatedAt      string  `json:"created_at" format:"date-time"`
	UpdatedAt      string  `json:"updated_at" format:"date-time"`
}

type ReceiptResponse struct {
	TheatreID     string            `json:"theatre_id"`
	Hash          string            `json:"hash"`
	Template      TemplateResponse  `json:"template"`
	VersionPins   map[string]string `json:"version_pins"`
	DatasetHashes map[string]string `json:"dataset_hashes"`
	CommittedAt   string            `json:"committed_at" format:"date-time"`
}

type CertificateResponse struct {
	ID                 string             `json:"id"`
	TheatreID          string             `json:"theatre_id"`
	ConstructID        string             `json:"construct_id"`
	ConstructVersion   string             `json:"construct_version"`
	ChainVersions      map[string]string  `json:"chain_versions,omitempty"`
	Criteria           domain.Criteria    `json:"criteria"`
	CriteriaScores     map[string]float64 `json:"criteria_scores"`
	Composite          float64            `json:"composite"`
	ReplayCount        int                `json:"replay_count"`
	FailureRate        float64            `json:"failure_rate"`
	EvidenceHash       string             `json:"evidence_hash"`
	DatasetHash        string             `json:"dataset_hash"`
	ScorerVersion      string             `json:"scorer_version"`
	MethodologyVersion string             `json:"methodology_version"`
	Tier               string             `json:"tier" enum:"UNVERIFIED,BACKTESTED,PROVEN"`
	CommitmentHash     string             `json:"commitment_hash"`
	IssuedAt           string             `json:"issued_at" format:"date-time"`
	ExpiresAt          *string            `json:"expires_at,omitempty" format:"date-time"`
}

type EpisodeScoreResponse struct {
	TheatreID string             `json:"theatre_id"`
	EpisodeID string             `json:"episode_id"`
	Scores    map[string]float64 `json:"scores"`
	Composite float64            `json:"composite"`
	CreatedAt string             `json:"created_at" format:"date-time"`
}

type DisputeResponse struct {
	ID          string  `json:"id"`
	ConstructID string  `json:"construct_id"`
	Reason      string  `json:"reason,omitempty"`
	Status      string  `json:"status" enum:"open,closed"`
	OpenedBy    string  `json:"opened_by"`
	CreatedAt   string  `json:"created_at" format:"date-time"`
	ClosedAt    *string `json:"closed_at,omitempty" format:"date-time"`
}

type EventResponse struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts" format:"date-time"`
	Type       string         `json:"type"`
	TheatreID  string         `json:"theatre_id,omitempty"`
	EntityKind string         `json:"entity_kind"`
	EntityID   string         `json:"entity_id,omitempty"`
	ActorID    string         `json:"actor_id"`
	Payload    map[string]any `json:"payload"`
}

type MintKeyResponse struct {
	ID        string `json:"id"`
	ActorID   string `json:"actor_id"`
	Name      string `json:"name,omitempty"`
	Key       string `json:"key"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

type ReviewLevelResponse struct {
	ConstructID string `json:"construct_id"`
	Declared    string `json:"declared"`
	Effective   string `json:"effective"`
}

type paginatedTheatres struct {
	Items      []TheatreResponse `json:"items"`
	NextCursor string            `json:"next_cursor,omitempty"`
}

type paginatedEvents struct {
	Items      []EventResponse `json:"items"`
	NextCursor string          `json:"next_cursor,omitempty"`
}

// Conversion helpers

func templateResponse(t domain.Template) TemplateResponse {
	return TemplateResponse{
		ID:               t.ID,
		Family:           t.Family,
		ExecutionMode:    t.ExecutionMode,
		Criteria:         t.Criteria,
		Construct:        t.Construct,
		Datasets:         t.Datasets,
		ExecutionDataset: t.ExecutionDataset,
		VersionPins:      t.VersionPins,
		InvocationChain:  t.InvocationChain,
		ResolutionSteps:  t.ResolutionSteps,
		HumanStepIDs:     t.HumanStepIDs,
		Certifying:       t.Certifying,
		CreatedBy:        t.CreatedBy,
		CreatedAt:        t.CreatedAt,
	}
}

func theatreResponse(t domain.Theatre) TheatreResponse {
	return TheatreResponse(t)
}

func receiptResponse(rec domain.CommitmentReceipt) ReceiptResponse {
	return ReceiptResponse{
		TheatreID:     rec.TheatreID,
		Hash:          rec.Hash,
		Template:      templateResponse(rec.Template),
		VersionPins:   rec.VersionPins,
		DatasetHashes: rec.DatasetHashes,
		CommittedAt:   rec.CommittedAt,
	}
}

func certificateResponse(c domain.Certificate) CertificateResponse {
	return CertificateResponse{
		ID:                 c.ID,
		TheatreID:          c.TheatreID,
		ConstructID:        c.ConstructID,
		ConstructVersion:   c.ConstructVersion,
		ChainVersions:      c.ChainVersions,
		Criteria:           c.Criteria,
		CriteriaScores:     c.CriteriaScores,
		Composite:          c.Composite,
		ReplayCount:        c.ReplayCount,
		FailureRate:        c.FailureRate,
		EvidenceHash:       c.EvidenceHash,
		DatasetHash:        c.DatasetHash,
		ScorerVersion:      c.ScorerVersion,
		MethodologyVersion: c.MethodologyVersion,
		Tier:               c.Tier,
		CommitmentHash:     c.CommitmentHash,
		IssuedAt:           c.IssuedAt,
		ExpiresAt:          c.ExpiresAt,
	}
}

func episodeScoreResponse(s domain.EpisodeScore) EpisodeScoreResponse {
	return EpisodeScoreResponse(s)
}

func disputeResponse(d domain.Dispute) DisputeResponse {
	return DisputeResponse(d)
}

func eventResponse(e domain.Event) EventResponse {
	return EventResponse{
		ID:         e.ID,
		TS:         e.TS,
		Type:       e.Type,
		TheatreID:  e.TheatreID,
		EntityKind: e.EntityKind,
		EntityID:   e.EntityID,
		ActorID:    e.ActorID,
		Payload:    decodeJSONMap(e.Payload),
	}
}

func templateFromRequest(req CreateTemplateRequest) domain.Template {
	t := domain.Template{
		Family:          req.Family,
		ExecutionMode:   req.ExecutionMode,
		Criteria:        req.Criteria,
		Construct:       req.Construct,
		Datasets:        req.Datasets,
		VersionPins:     req.VersionPins,
		InvocationChain: req.InvocationChain,
		ResolutionSteps: req.ResolutionSteps,
		HumanStepIDs:    req.HumanStepIDs,
		Certifying:      req.Certifying,
	}
	if req.ID != nil {
		t.ID = *req.ID
	}
	if req.ExecutionDataset != nil {
		t.ExecutionDataset = *req.ExecutionDataset
	}
	return t
}

// JSON helpers

func decodeJSONMap(raw string) map[string]any {
	if raw == "" {
		return nil
	}
	var tmp any
	if err := json.Unmarshal([]byte(raw), &tmp); err != nil {
		return nil
	}
	if obj, ok := tmp.(map[string]any); ok {
		return obj
	}
	return nil
}

func mapTemplates(items []domain.Template) []TemplateResponse {
	res := make([]TemplateResponse, 0, len(items))
	for _, t := range items {
		res = append(res, templateResponse(t))
	}
	return res
}

func mapCertificates(items []domain.Certificate) []CertificateResponse {
	res := make([]CertificateResponse, 0, len(items))
	for _, c := range items {
		res = append(res, certificateResponse(c))
	}
	return res
}

func mapDisputes(items []domain.Dispute) []DisputeResponse {
	res := make([]DisputeResponse, 0, len(items))
	for _, d := range items {
		res = append(res, disputeResponse(d))
	}
	return res
}

func mapScores(items []domain.EpisodeScore) []EpisodeScoreResponse {
	res := make([]EpisodeScoreResponse, 0, len(items))
	for _, s := range items {
		res = append(res, episodeScoreResponse(s))
	}
	return res
}
