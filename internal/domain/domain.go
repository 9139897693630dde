package domain

// Criteria is the set of named evaluation dimensions for a template.
// Weights, when present, must cover only declared ids and sum to 1.0;
// an empty map means equal weighting.
type Criteria struct {
	IDs     []string           `json:"criteria_ids"`
	Human   string             `json:"criteria_human,omitempty"`
	Weights map[string]float64 `json:"weights,omitempty"`
}

// ConstructRef identifies the construct under test and how it is reached.
type ConstructRef struct {
	ID       string `json:"id"`
	Version  string `json:"version"`
	Adapter  string `json:"adapter" enum:"http,local,mock"`
	Endpoint string `json:"endpoint,omitempty"`
}

type DatasetRef struct {
	ID  string `json:"id"`
	URI string `json:"uri,omitempty"`
}

// ResolutionStep is one entry of a committed resolution program.
type ResolutionStep struct {
	ID             string `json:"id"`
	Kind           string `json:"kind" enum:"construct,compute,human,aggregate"`
	ConstructID    string `json:"construct_id,omitempty"`
	Compute        string `json:"compute,omitempty"`
	EscalationPath string `json:"escalation_path,omitempty"`
}

// Template is the immutable specification of one verification. It is
// never mutated once embedded in a commitment.
type Template struct {
	ID               string            `json:"id"`
	Family           string            `json:"family"`
	ExecutionMode    string            `json:"execution_mode" enum:"replay,market"`
	Criteria         Criteria          `json:"criteria"`
	Construct        ConstructRef      `json:"construct"`
	Datasets         []DatasetRef      `json:"datasets,omitempty"`
	ExecutionDataset string            `json:"execution_dataset,omitempty"`
	VersionPins      map[string]string `json:"version_pins,omitempty"`
	InvocationChain  []string          `json:"invocation_chain,omitempty"`
	ResolutionSteps  []ResolutionStep  `json:"resolution_steps,omitempty"`
	HumanStepIDs     []string          `json:"human_step_ids,omitempty"`
	Certifying       bool              `json:"certifying"`
	CreatedBy        string            `json:"created_by,omitempty"`
	CreatedAt        string            `json:"created_at,omitempty" format:"date-time"`
}

// CommitmentReceipt snapshots the three commitment inputs together with
// the hash over their canonical composite. Recomputing the hash from the
// snapshot must always reproduce Hash.
type CommitmentReceipt struct {
	TheatreID     string            `json:"theatre_id"`
	Hash          string            `json:"hash"`
	Template      Template          `json:"template"`
	VersionPins   map[string]string `json:"version_pins"`
	DatasetHashes map[string]string `json:"dataset_hashes"`
	CommittedAt   string            `json:"committed_at" format:"date-time"`
}

// Theatre is one verification run of a template.
type Theatre struct {
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

// Episode is one unit of ground-truth replay input.
type Episode struct {
	ID       string `json:"id"`
	Input    any    `json:"input"`
	Expected any    `json:"expected"`
}

// EpisodeScore is the append-only per-episode scoring record.
type EpisodeScore struct {
	TheatreID string             `json:"theatre_id"`
	EpisodeID string             `json:"episode_id"`
	Scores    map[string]float64 `json:"scores"`
	Composite float64            `json:"composite"`
	CreatedAt string             `json:"created_at" format:"date-time"`
}

// Certificate is the terminal artifact of a resolved theatre. Immutable
// once issued; superseded only by issuing a new one.
type Certificate struct {
	ID                 string             `json:"id"`
	TheatreID          string             `json:"theatre_id"`
	ConstructID        string             `json:"construct_id"`
	ConstructVersion   string             `json:"construct_version"`
	ChainVersions      map[string]string  `json:"chain_versions,omitempty"`
	Criteria           Criteria           `json:"criteria"`
	CriteriaScores     map[string]float64 `json:"criteria_scores"`
	Composite          float64            `json:"composite"`
	Calibration        map[string]float64 `json:"calibration,omitempty"`
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

// Dispute flags a construct whose evidence is contested. Any open
// dispute forces the next issued certificate to UNVERIFIED.
type Dispute struct {
	ID          string `json:"id"`
	ConstructID string `json:"construct_id"`
	Reason      string `json:"reason,omitempty"`
	Status      string `json:"status" enum:"open,closed"`
	OpenedBy    string `json:"opened_by"`
	CreatedAt   string `json:"created_at" format:"date-time"`
	ClosedAt    *string `json:"closed_at,omitempty" format:"date-time"`
}

type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	TheatreID  string `json:"theatre_id,omitempty"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json"`
}

type APIKey struct {
	ID        string `json:"id"`
	ActorID   string `json:"actor_id"`
	Name      string `json:"name,omitempty"`
	KeyHash   string `json:"key_hash"`
	CreatedAt string `json:"created_at" format:"date-time"`
}
