package engine

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"veristage/internal/commit"
	"veristage/internal/config"
	"veristage/internal/construct"
	"veristage/internal/domain"
	"veristage/internal/events"
	"veristage/internal/evidence"
	"veristage/internal/lifecycle"
	"veristage/internal/replay"
	"veristage/internal/repo"
	"veristage/internal/resolution"
	"veristage/internal/scoring"
	"veristage/internal/template"
	"veristage/internal/tier"
)

// maxErrorLen caps the error string stored on a failed theatre.
const maxErrorLen = 512

// EpisodeSource supplies the ordered ground-truth episode set for a
// dataset id. The engine consumes it as a sequence with a computable
// aggregate hash, nothing more.
type EpisodeSource interface {
	Episodes(ctx context.Context, datasetID string) ([]domain.Episode, error)
}

// FileSource reads episodes from <Dir>/<datasetID>.json, a JSON array.
type FileSource struct {
	Dir string
}

func (s FileSource) Episodes(_ context.Context, datasetID string) ([]domain.Episode, error) {
	data, err := os.ReadFile(filepath.Join(s.Dir, datasetID+".json"))
	if err != nil {
		return nil, fmt.Errorf("dataset %s: %w", datasetID, err)
	}
	var eps []domain.Episode
	if err := json.Unmarshal(data, &eps); err != nil {
		return nil, fmt.Errorf("dataset %s: %w", datasetID, err)
	}
	return eps, nil
}

// StaticSource serves fixed episode sets keyed by dataset id.
type StaticSource map[string][]domain.Episode

func (s StaticSource) Episodes(_ context.Context, datasetID string) ([]domain.Episode, error) {
	eps, ok := s[datasetID]
	if !ok {
		return nil, fmt.Errorf("dataset %s: %w", datasetID, repo.ErrNotFound)
	}
	return eps, nil
}

type Engine struct {
	DB           *sql.DB
	Repo         repo.Repo
	Events       events.Writer
	Config       *config.Config
	Now          func() time.Time
	Episodes     EpisodeSource
	Adapters     map[string]construct.Adapter
	Scorer       scoring.Provider
	EvidenceRoot string
	// Done, when set, receives the theatre id after a background run
	// reaches a terminal outcome. Tests use it to wait for completion.
	Done func(theatreID string)
}

func New(db *sql.DB, cfg *config.Config) Engine {
	return Engine{
		DB:     db,
		Repo:   repo.Repo{DB: db},
		Events: events.Writer{DB: db},
		Config: cfg,
		Now:    time.Now,
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

var ErrValidation = errors.New("template validation failed")

func validationError(violations []template.Violation) error {
	msgs := make([]string, 0, len(violations))
	for _, v := range violations {
		msgs = append(msgs, v.Rule+": "+v.Message)
	}
	return fmt.Errorf("%w: %s", ErrValidation, strings.Join(msgs, "; "))
}

// CreateTemplate validates structure and the runtime rules that do not
// need dataset hashes, then stores the template.
func (e Engine) CreateTemplate(ctx context.Context, t domain.Template, actorID string) (domain.Template, error) {
	if t.ID == "" {
		t.ID = uuid.New().String()
	}
	t.CreatedBy = actorID
	t.CreatedAt = e.now().UTC().Format(time.RFC3339)
	if violations := template.Validate(t, nil); len(violations) > 0 {
		return domain.Template{}, validationError(violations)
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Template{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertTemplate(ctx, tx, t); err != nil {
		return domain.Template{}, fmt.Errorf("insert template: %w", err)
	}
	if err := e.Events.Append(ctx, tx, "template.created", "", "template", t.ID, actorID, events.EventPayload{"family": t.Family}); err != nil {
		return domain.Template{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Template{}, err
	}
	return t, nil
}

// CreateTheatre starts a DRAFT theatre for an existing template.
func (e Engine) CreateTheatre(ctx context.Context, templateID, ownerID string) (domain.Theatre, error) {
	if ownerID == "" {
		return domain.Theatre{}, errors.New("owner required")
	}
	if _, err := e.Repo.GetTemplate(ctx, templateID); err != nil {
		return domain.Theatre{}, err
	}
	now := e.now().UTC().Format(time.RFC3339)
	t := domain.Theatre{
		ID:         uuid.New().String(),
		TemplateID: templateID,
		State:      string(lifecycle.Draft),
		OwnerID:    ownerID,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Theatre{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertTheatre(ctx, tx, t); err != nil {
		return domain.Theatre{}, fmt.Errorf("insert theatre: %w", err)
	}
	if err := e.Events.Append(ctx, tx, "theatre.created", t.ID, "theatre", t.ID, ownerID, events.EventPayload{"template_id": templateID}); err != nil {
		return domain.Theatre{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Theatre{}, err
	}
	return t, nil
}

// CommitTheatre freezes the template, pins and dataset hashes behind one
// commitment hash. Nil pins default to the template's pins; nil dataset
// hashes are computed from the episode source. Once committed, none of
// the three inputs is ever written again.
func (e Engine) CommitTheatre(ctx context.Context, theatreID string, pins map[string]string, datasetHashes map[string]string, actorID string) (domain.CommitmentReceipt, error) {
	t, err := e.Repo.GetTheatre(ctx, theatreID)
	if err != nil {
		return domain.CommitmentReceipt{}, err
	}
	if t.OwnerID != actorID {
		return domain.CommitmentReceipt{}, fmt.Errorf("theatre %s not owned by %s", theatreID, actorID)
	}
	if err := lifecycle.Transition(lifecycle.State(t.State), lifecycle.Committed); err != nil {
		return domain.CommitmentReceipt{}, err
	}
	tmpl, err := e.Repo.GetTemplate(ctx, t.TemplateID)
	if err != nil {
		return domain.CommitmentReceipt{}, err
	}
	if pins == nil {
		pins = tmpl.VersionPins
	}
	if datasetHashes == nil {
		datasetHashes, err = e.hashDatasets(ctx, tmpl)
		if err != nil {
			return domain.CommitmentReceipt{}, err
		}
	}
	tmpl.VersionPins = pins
	if violations := template.Validate(tmpl, datasetHashes); len(violations) > 0 {
		return domain.CommitmentReceipt{}, validationError(violations)
	}
	rec, err := commit.NewReceipt(theatreID, tmpl, pins, datasetHashes, e.now())
	if err != nil {
		return domain.CommitmentReceipt{}, err
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.CommitmentReceipt{}, err
	}
	defer tx.Rollback()
	now := e.now().UTC().Format(time.RFC3339)
	if err := e.Repo.TransitionTheatre(ctx, tx, theatreID, string(lifecycle.Draft), string(lifecycle.Committed), now); err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return domain.CommitmentReceipt{}, fmt.Errorf("%w: %s -> %s", lifecycle.ErrInvalidTransition, t.State, lifecycle.Committed)
		}
		return domain.CommitmentReceipt{}, err
	}
	if err := e.Repo.SetTheatreCommitment(ctx, tx, theatreID, rec.Hash, now); err != nil {
		return domain.CommitmentReceipt{}, err
	}
	if err := e.Repo.InsertReceipt(ctx, tx, rec); err != nil {
		return domain.CommitmentReceipt{}, fmt.Errorf("insert receipt: %w", err)
	}
	if err := e.Events.Append(ctx, tx, "theatre.committed", theatreID, "theatre", theatreID, actorID, events.EventPayload{"hash": rec.Hash}); err != nil {
		return domain.CommitmentReceipt{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.CommitmentReceipt{}, err
	}

	b, err := e.bundle(theatreID)
	if err != nil {
		return rec, err
	}
	if err := b.WriteTemplate(tmpl); err != nil {
		return rec, err
	}
	if err := b.WriteReceipt(rec); err != nil {
		return rec, err
	}
	if err := b.AppendAudit("theatre.committed", map[string]any{"theatre_id": theatreID, "hash": rec.Hash}); err != nil {
		return rec, err
	}
	return rec, nil
}

func (e Engine) hashDatasets(ctx context.Context, tmpl domain.Template) (map[string]string, error) {
	if e.Episodes == nil {
		return nil, errors.New("no episode source configured")
	}
	hashes := map[string]string{}
	ids := map[string]bool{}
	for _, d := range tmpl.Datasets {
		ids[d.ID] = true
	}
	if tmpl.ExecutionDataset != "" {
		ids[tmpl.ExecutionDataset] = true
	}
	for id := range ids {
		eps, err := e.Episodes.Episodes(ctx, id)
		if err != nil {
			return nil, err
		}
		h, err := replay.HashEpisodes(eps)
		if err != nil {
			return nil, err
		}
		hashes[id] = h
	}
	return hashes, nil
}

func (e Engine) bundle(theatreID string) (*evidence.Bundle, error) {
	root := e.EvidenceRoot
	if root == "" {
		root = "evidence"
	}
	b, err := evidence.Open(root, theatreID)
	if err != nil {
		return nil, err
	}
	b.Now = e.Now
	return b, nil
}

// RunTheatre moves the theatre to ACTIVE and launches background
// execution. The conditional state update is the exclusivity guard:
// two concurrent calls cannot both win the COMMITTED -> ACTIVE row.
func (e Engine) RunTheatre(ctx context.Context, theatreID, actorID string) (domain.Theatre, error) {
	t, err := e.Repo.GetTheatre(ctx, theatreID)
	if err != nil {
		return domain.Theatre{}, err
	}
	if t.OwnerID != actorID {
		return domain.Theatre{}, fmt.Errorf("theatre %s not owned by %s", theatreID, actorID)
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Theatre{}, err
	}
	defer tx.Rollback()
	now := e.now().UTC().Format(time.RFC3339)
	if err := e.Repo.TransitionTheatre(ctx, tx, theatreID, string(lifecycle.Committed), string(lifecycle.Active), now); err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return domain.Theatre{}, fmt.Errorf("%w: %s -> %s", lifecycle.ErrInvalidTransition, t.State, lifecycle.Active)
		}
		return domain.Theatre{}, err
	}
	if err := e.Events.Append(ctx, tx, "theatre.activated", theatreID, "theatre", theatreID, actorID, nil); err != nil {
		return domain.Theatre{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Theatre{}, err
	}

	go e.execute(theatreID, actorID)
	return e.Repo.GetTheatre(ctx, theatreID)
}

// execute is the background run. It must always drive the theatre to a
// terminal outcome, so the whole body sits behind a recover boundary.
func (e Engine) execute(theatreID, actorID string) {
	ctx := context.Background()
	defer func() {
		if r := recover(); r != nil {
			e.failForward(ctx, theatreID, actorID, fmt.Sprintf("panic: %v", r))
			e.done(theatreID)
		}
	}()

	pending, err := e.runReplayAndResolution(ctx, theatreID, actorID)
	if err != nil {
		e.failForward(ctx, theatreID, actorID, err.Error())
		e.done(theatreID)
		return
	}
	if pending {
		// parked on a human step; ResolveHumanStep continues the run
		return
	}
	if err := e.finalize(ctx, theatreID, actorID); err != nil {
		e.failForward(ctx, theatreID, actorID, err.Error())
	}
	e.done(theatreID)
}

func (e Engine) done(theatreID string) {
	if e.Done != nil {
		e.Done(theatreID)
	}
}

// runState is persisted across a human-review pause.
type runState struct {
	ReplayCount   int                `json:"replay_count"`
	Attempted     int                `json:"attempted"`
	Failed        int                `json:"failed"`
	Refused       int                `json:"refused"`
	FailureRate   float64            `json:"failure_rate"`
	CriteriaMeans map[string]float64 `json:"criteria_means"`
	Composite     float64            `json:"composite"`
	DatasetHash   string             `json:"dataset_hash"`
	Resolution    *resolution.State  `json:"resolution,omitempty"`
}

func (e Engine) runReplayAndResolution(ctx context.Context, theatreID, actorID string) (pending bool, err error) {
	rec, err := e.Repo.GetReceipt(ctx, theatreID)
	if err != nil {
		return false, fmt.Errorf("load receipt: %w", err)
	}
	tmpl := rec.Template
	if e.Episodes == nil {
		return false, errors.New("no episode source configured")
	}
	eps, err := e.Episodes.Episodes(ctx, tmpl.ExecutionDataset)
	if err != nil {
		return false, err
	}
	b, err := e.bundle(theatreID)
	if err != nil {
		return false, err
	}
	if err := b.WriteGroundTruth(eps); err != nil {
		return false, err
	}
	if err := b.AppendAudit("theatre.activated", map[string]any{"episodes": len(eps)}); err != nil {
		return false, err
	}

	inv, err := e.invokerFor(tmpl)
	if err != nil {
		return false, err
	}
	total := len(eps)
	runner := replay.Runner{
		Invoker: inv,
		Scorer:  e.scorer(),
		Bundle:  b,
		Now:     e.Now,
		Progress: func(done, failed, _ int) {
			_ = e.Repo.UpdateTheatreProgress(ctx, theatreID, total, done, failed, e.now().UTC().Format(time.RFC3339))
		},
	}
	res, err := runner.Run(ctx, domain.Theatre{ID: theatreID}, tmpl, rec.DatasetHashes[tmpl.ExecutionDataset], eps, e.invocationMeta())
	if err != nil {
		return false, err
	}
	for _, s := range res.Scores {
		if err := e.Repo.InsertEpisodeScore(ctx, s); err != nil {
			return false, fmt.Errorf("persist score %s: %w", s.EpisodeID, err)
		}
	}

	if err := e.transition(ctx, theatreID, lifecycle.Active, lifecycle.Settling, actorID, nil); err != nil {
		return false, err
	}
	if err := b.AppendAudit("theatre.settling", map[string]any{"failure_rate": res.FailureRate}); err != nil {
		return false, err
	}

	state := runState{
		ReplayCount:   res.Succeeded,
		Attempted:     res.Attempted,
		Failed:        res.Failed,
		Refused:       res.Refused,
		FailureRate:   res.FailureRate,
		CriteriaMeans: res.CriteriaMeans,
		Composite:     res.Composite,
		DatasetHash:   res.DatasetHash,
	}
	if len(tmpl.ResolutionSteps) > 0 {
		state.Resolution = resolution.NewState(theatreID)
		status, err := e.sequencer(theatreID, tmpl, rec.VersionPins, state, inv).Run(ctx, state.Resolution)
		if err != nil {
			e.saveRunState(ctx, theatreID, state)
			return false, err
		}
		if status == resolution.StatusPending {
			if err := e.saveRunState(ctx, theatreID, state); err != nil {
				return false, err
			}
			if err := e.setPending(ctx, theatreID, actorID, state.Resolution.PendingStep); err != nil {
				return false, err
			}
			return true, nil
		}
	}
	return false, e.saveRunState(ctx, theatreID, state)
}

func (e Engine) sequencer(theatreID string, tmpl domain.Template, pins map[string]string, state runState, inv construct.Invoker) resolution.Sequencer {
	meta := e.invocationMeta()
	return resolution.Sequencer{
		Steps: tmpl.ResolutionSteps,
		Pins:  pins,
		Now:   e.Now,
		InvokeConstruct: func(ctx context.Context, constructID, version, stepID string) construct.Response {
			return inv.Invoke(ctx, construct.Request{
				InvocationID:     uuid.New().String(),
				TheatreID:        theatreID,
				EpisodeID:        stepID,
				ConstructID:      constructID,
				ConstructVersion: version,
				Meta:             meta,
			})
		},
		Compute: map[string]resolution.ComputeFunc{
			"composite": func(context.Context, map[string]any) (any, error) {
				return state.Composite, nil
			},
			"failure_rate": func(context.Context, map[string]any) (any, error) {
				return state.FailureRate, nil
			},
		},
		Aggregate: func(outputs map[string]any) (any, error) {
			return map[string]any{"composite": state.Composite, "steps": len(outputs)}, nil
		},
	}
}

func (e Engine) saveRunState(ctx context.Context, theatreID string, state runState) error {
	data, err := json.Marshal(state)
	if err != nil {
		return err
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := e.Repo.SetTheatreResolutionState(ctx, tx, theatreID, string(data), e.now().UTC().Format(time.RFC3339)); err != nil {
		return err
	}
	return tx.Commit()
}

func (e Engine) setPending(ctx context.Context, theatreID, actorID string, stepID *string) error {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	now := e.now().UTC().Format(time.RFC3339)
	if err := e.Repo.SetTheatrePendingStep(ctx, tx, theatreID, stepID, now); err != nil {
		return err
	}
	step := ""
	if stepID != nil {
		step = *stepID
	}
	if err := e.Events.Append(ctx, tx, "theatre.pending_human", theatreID, "theatre", theatreID, actorID, events.EventPayload{"step_id": step}); err != nil {
		return err
	}
	return tx.Commit()
}

// ResolveHumanStep records an external decision for the parked human
// step and continues execution in the background.
func (e Engine) ResolveHumanStep(ctx context.Context, theatreID, stepID string, decision any, actorID string) error {
	t, err := e.Repo.GetTheatre(ctx, theatreID)
	if err != nil {
		return err
	}
	if t.State != string(lifecycle.Settling) || t.PendingStep == nil {
		return fmt.Errorf("%w: %s", resolution.ErrNotPending, stepID)
	}
	raw, err := e.Repo.GetTheatreResolutionState(ctx, theatreID)
	if err != nil {
		return err
	}
	var state runState
	if err := json.Unmarshal([]byte(raw), &state); err != nil {
		return fmt.Errorf("resolution state: %w", err)
	}
	if state.Resolution == nil {
		return fmt.Errorf("%w: %s", resolution.ErrNotPending, stepID)
	}
	rec, err := e.Repo.GetReceipt(ctx, theatreID)
	if err != nil {
		return err
	}
	inv, err := e.invokerFor(rec.Template)
	if err != nil {
		return err
	}
	seq := e.sequencer(theatreID, rec.Template, rec.VersionPins, state, inv)
	if err := seq.ResolveHuman(state.Resolution, stepID, decision); err != nil {
		return err
	}
	if err := e.saveRunState(ctx, theatreID, state); err != nil {
		return err
	}
	if err := e.setPending(ctx, theatreID, actorID, nil); err != nil {
		return err
	}
	b, err := e.bundle(theatreID)
	if err != nil {
		return err
	}
	if err := b.AppendAudit("human.resolved", map[string]any{"step_id": stepID, "actor_id": actorID}); err != nil {
		return err
	}

	go func() {
		bg := context.Background()
		defer func() {
			if r := recover(); r != nil {
				e.failForward(bg, theatreID, actorID, fmt.Sprintf("panic: %v", r))
				e.done(theatreID)
			}
		}()
		status, err := seq.Run(bg, state.Resolution)
		if err != nil {
			e.failForward(bg, theatreID, actorID, err.Error())
			e.done(theatreID)
			return
		}
		if status == resolution.StatusPending {
			_ = e.saveRunState(bg, theatreID, state)
			_ = e.setPending(bg, theatreID, actorID, state.Resolution.PendingStep)
			return
		}
		if err := e.saveRunState(bg, theatreID, state); err != nil {
			e.failForward(bg, theatreID, actorID, err.Error())
			e.done(theatreID)
			return
		}
		if err := e.finalize(bg, theatreID, actorID); err != nil {
			e.failForward(bg, theatreID, actorID, err.Error())
		}
		e.done(theatreID)
	}()
	return nil
}

// finalize assigns the tier, issues the certificate against a complete
// evidence bundle, and resolves the theatre.
func (e Engine) finalize(ctx context.Context, theatreID, actorID string) error {
	rec, err := e.Repo.GetReceipt(ctx, theatreID)
	if err != nil {
		return err
	}
	raw, err := e.Repo.GetTheatreResolutionState(ctx, theatreID)
	if err != nil {
		return err
	}
	var state runState
	if err := json.Unmarshal([]byte(raw), &state); err != nil {
		return fmt.Errorf("resolution state: %w", err)
	}
	tmpl := rec.Template

	disputed, err := e.Repo.HasOpenDisputes(ctx, tmpl.Construct.ID)
	if err != nil {
		return err
	}
	verified, err := commit.VerifyReceipt(rec)
	if err != nil {
		return err
	}
	prior, err := e.Repo.ListCertificates(ctx, repo.CertificateFilters{ConstructID: tmpl.Construct.ID})
	if err != nil {
		return err
	}
	ev := tier.Evidence{
		ReplayCount:        state.ReplayCount,
		HasFullPins:        fullPins(tmpl, rec.VersionPins),
		HasPublishedScores: state.ReplayCount > 0,
		HasVerifiableHash:  verified,
		HasDisputes:        disputed,
		FailureRate:        state.FailureRate,
		History:            monthHistory(prior, e.now().UTC()),
	}
	assigned := tier.Assign(ev)

	b, err := e.bundle(theatreID)
	if err != nil {
		return err
	}
	if err := b.WriteAggregate(map[string]any{
		"composite":      state.Composite,
		"criteria_means": state.CriteriaMeans,
		"replay_count":   state.ReplayCount,
		"failure_rate":   state.FailureRate,
		"refused":        state.Refused,
		"tier":           string(assigned),
	}); err != nil {
		return err
	}
	if err := b.AppendAudit("theatre.resolved", map[string]any{"tier": string(assigned)}); err != nil {
		return err
	}
	if err := b.WriteManifest(theatreID); err != nil {
		return err
	}
	if missing := b.MissingForIssuance(); len(missing) > 0 {
		return fmt.Errorf("evidence bundle incomplete: missing %s", strings.Join(missing, ", "))
	}
	bundleHash, err := b.ComputeBundleHash()
	if err != nil {
		return err
	}

	issued := e.now().UTC()
	cert := domain.Certificate{
		ID:                 uuid.New().String(),
		TheatreID:          theatreID,
		ConstructID:        tmpl.Construct.ID,
		ConstructVersion:   tmpl.Construct.Version,
		ChainVersions:      chainVersions(tmpl, rec.VersionPins),
		Criteria:           tmpl.Criteria,
		CriteriaScores:     state.CriteriaMeans,
		Composite:          state.Composite,
		ReplayCount:        state.ReplayCount,
		FailureRate:        state.FailureRate,
		EvidenceHash:       bundleHash,
		DatasetHash:        state.DatasetHash,
		ScorerVersion:      e.scorer().Version(),
		MethodologyVersion: e.methodologyVersion(),
		Tier:               string(assigned),
		CommitmentHash:     rec.Hash,
		IssuedAt:           issued.Format(time.RFC3339),
	}
	if exp := tier.ExpiresAt(assigned, issued); exp != nil {
		s := exp.UTC().Format(time.RFC3339)
		cert.ExpiresAt = &s
	}
	if err := b.WriteCertificate(cert); err != nil {
		return err
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	now := issued.Format(time.RFC3339)
	if err := e.Repo.InsertCertificate(ctx, tx, cert); err != nil {
		return fmt.Errorf("insert certificate: %w", err)
	}
	if err := e.Repo.TransitionTheatre(ctx, tx, theatreID, string(lifecycle.Settling), string(lifecycle.Resolved), now); err != nil {
		return err
	}
	if err := e.Repo.SetTheatreCertificate(ctx, tx, theatreID, cert.ID, now); err != nil {
		return err
	}
	if err := e.Events.Append(ctx, tx, "certificate.issued", theatreID, "certificate", cert.ID, actorID, events.EventPayload{
		"tier":      cert.Tier,
		"composite": cert.Composite,
	}); err != nil {
		return err
	}
	if err := e.Events.Append(ctx, tx, "theatre.resolved", theatreID, "theatre", theatreID, actorID, nil); err != nil {
		return err
	}
	return tx.Commit()
}

// fullPins reports whether the construct, its invocation chain, and
// every construct step are all covered by version pins.
// historyWindowMonths bounds how far back the qualifying streak looks.
const historyWindowMonths = 12

// monthHistory rebuilds the construct's qualifying-month streak from its
// prior certificates. A month qualifies when it produced at least one
// certificate above UNVERIFIED; the run being finalized counts toward
// the current month.
func monthHistory(prior []domain.Certificate, now time.Time) []tier.MonthRecord {
	qualifying := map[string]bool{}
	for _, c := range prior {
		issued, err := time.Parse(time.RFC3339, c.IssuedAt)
		if err != nil {
			continue
		}
		if tier.Tier(c.Tier) != tier.Unverified {
			qualifying[issued.UTC().Format("2006-01")] = true
		}
	}
	current := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC)
	qualifying[current.Format("2006-01")] = true
	months := make([]tier.MonthRecord, 0, historyWindowMonths)
	for i := historyWindowMonths - 1; i >= 0; i-- {
		key := current.AddDate(0, -i, 0).Format("2006-01")
		months = append(months, tier.MonthRecord{Month: key, Qualifying: qualifying[key]})
	}
	return months
}

func fullPins(tmpl domain.Template, pins map[string]string) bool {
	if _, ok := pins[tmpl.Construct.ID]; !ok {
		return false
	}
	for _, id := range tmpl.InvocationChain {
		if _, ok := pins[id]; !ok {
			return false
		}
	}
	for _, step := range tmpl.ResolutionSteps {
		if step.Kind != "construct" {
			continue
		}
		if _, ok := pins[step.ConstructID]; !ok {
			return false
		}
	}
	return true
}

func chainVersions(tmpl domain.Template, pins map[string]string) map[string]string {
	if len(tmpl.InvocationChain) == 0 {
		return nil
	}
	out := map[string]string{}
	for _, id := range tmpl.InvocationChain {
		if v, ok := pins[id]; ok {
			out[id] = v
		}
	}
	return out
}

// failForward drives a failed theatre forward through the remaining
// states to RESOLVED. The lifecycle has no back-edges, so failure is
// recorded by finishing the walk with an error attached, never by
// reverting.
func (e Engine) failForward(ctx context.Context, theatreID, actorID, errMsg string) {
	if len(errMsg) > maxErrorLen {
		errMsg = errMsg[:maxErrorLen]
	}
	t, err := e.Repo.GetTheatre(ctx, theatreID)
	if err != nil {
		log.Printf("failForward: load theatre %s: %v", theatreID, err)
		return
	}
	cur := lifecycle.State(t.State)
	for cur != lifecycle.Resolved && !lifecycle.IsTerminal(cur) {
		next, ok := lifecycle.Successor(cur)
		if !ok {
			break
		}
		if err := e.transition(ctx, theatreID, cur, next, actorID, events.EventPayload{"error": errMsg}); err != nil {
			log.Printf("failForward: theatre %s %s -> %s: %v", theatreID, cur, next, err)
			return
		}
		cur = next
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		log.Printf("failForward: theatre %s: %v", theatreID, err)
		return
	}
	defer tx.Rollback()
	if err := e.Repo.SetTheatreError(ctx, tx, theatreID, errMsg, e.now().UTC().Format(time.RFC3339)); err != nil {
		log.Printf("failForward: theatre %s: %v", theatreID, err)
		return
	}
	if err := tx.Commit(); err != nil {
		log.Printf("failForward: theatre %s: %v", theatreID, err)
	}
	if b, err := e.bundle(theatreID); err == nil {
		_ = b.AppendAudit("theatre.failed", map[string]any{"error": errMsg})
	}
}

func (e Engine) transition(ctx context.Context, theatreID string, from, to lifecycle.State, actorID string, payload events.EventPayload) error {
	if err := lifecycle.Transition(from, to); err != nil {
		return err
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	now := e.now().UTC().Format(time.RFC3339)
	if err := e.Repo.TransitionTheatre(ctx, tx, theatreID, string(from), string(to), now); err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return fmt.Errorf("%w: %s -> %s", lifecycle.ErrInvalidTransition, from, to)
		}
		return err
	}
	if err := e.Events.Append(ctx, tx, "theatre."+strings.ToLower(string(to)), theatreID, "theatre", theatreID, actorID, payload); err != nil {
		return err
	}
	return tx.Commit()
}

// ArchiveTheatre is the terminal transition. Archived theatres keep
// their certificate reference; the certificate itself outlives them.
func (e Engine) ArchiveTheatre(ctx context.Context, theatreID, actorID string) (domain.Theatre, error) {
	t, err := e.Repo.GetTheatre(ctx, theatreID)
	if err != nil {
		return domain.Theatre{}, err
	}
	if t.OwnerID != actorID {
		return domain.Theatre{}, fmt.Errorf("theatre %s not owned by %s", theatreID, actorID)
	}
	if err := e.transition(ctx, theatreID, lifecycle.State(t.State), lifecycle.Archived, actorID, nil); err != nil {
		return domain.Theatre{}, err
	}
	if b, err := e.bundle(theatreID); err == nil {
		_ = b.AppendAudit("theatre.archived", nil)
	}
	return e.Repo.GetTheatre(ctx, theatreID)
}

func (e Engine) OpenDispute(ctx context.Context, constructID, reason, actorID string) (domain.Dispute, error) {
	if constructID == "" {
		return domain.Dispute{}, errors.New("construct required")
	}
	d := domain.Dispute{
		ID:          uuid.New().String(),
		ConstructID: constructID,
		Reason:      reason,
		Status:      "open",
		OpenedBy:    actorID,
		CreatedAt:   e.now().UTC().Format(time.RFC3339),
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Dispute{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertDispute(ctx, tx, d); err != nil {
		return domain.Dispute{}, err
	}
	if err := e.Events.Append(ctx, tx, "dispute.opened", "", "dispute", d.ID, actorID, events.EventPayload{"construct_id": constructID}); err != nil {
		return domain.Dispute{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Dispute{}, err
	}
	return d, nil
}

func (e Engine) CloseDispute(ctx context.Context, disputeID, actorID string) (domain.Dispute, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Dispute{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.CloseDispute(ctx, tx, disputeID, e.now().UTC().Format(time.RFC3339)); err != nil {
		return domain.Dispute{}, err
	}
	if err := e.Events.Append(ctx, tx, "dispute.closed", "", "dispute", disputeID, actorID, nil); err != nil {
		return domain.Dispute{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Dispute{}, err
	}
	return e.Repo.GetDispute(ctx, disputeID)
}

// MintAPIKey creates a key and returns the plaintext once. Only the
// hash is stored.
func (e Engine) MintAPIKey(ctx context.Context, actorID, name string) (domain.APIKey, string, error) {
	if actorID == "" {
		return domain.APIKey{}, "", errors.New("actor required")
	}
	plaintext := "vsk_" + strings.ReplaceAll(uuid.New().String(), "-", "")
	key := domain.APIKey{
		ID:        uuid.New().String(),
		ActorID:   actorID,
		Name:      name,
		KeyHash:   repo.HashAPIKey(plaintext),
		CreatedAt: e.now().UTC().Format(time.RFC3339),
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.APIKey{}, "", err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertAPIKey(ctx, tx, key); err != nil {
		return domain.APIKey{}, "", err
	}
	if err := e.Events.Append(ctx, tx, "apikey.minted", "", "apikey", key.ID, actorID, nil); err != nil {
		return domain.APIKey{}, "", err
	}
	if err := tx.Commit(); err != nil {
		return domain.APIKey{}, "", err
	}
	return key, plaintext, nil
}

// ReviewLevel applies the constraint yielding gate against the latest
// certificate of a construct.
func (e Engine) ReviewLevel(ctx context.Context, constructID, declared string) (string, error) {
	certs, err := e.Repo.ListCertificates(ctx, repo.CertificateFilters{ConstructID: constructID, Limit: 1})
	if err != nil {
		return "", err
	}
	current := tier.Unverified
	if len(certs) > 0 {
		current = tier.Tier(certs[0].Tier)
	}
	return tier.ResolveReviewLevel(current, declared), nil
}

func (e Engine) invokerFor(tmpl domain.Template) (construct.Invoker, error) {
	if a, ok := e.Adapters[tmpl.Construct.Adapter]; ok {
		return construct.Invoker{Adapter: a}, nil
	}
	switch tmpl.Construct.Adapter {
	case "http":
		return construct.Invoker{Adapter: construct.HTTPAdapter{Endpoint: tmpl.Construct.Endpoint}}, nil
	case "mock":
		return construct.Invoker{Adapter: construct.MockAdapter{Status: construct.StatusSuccess}}, nil
	default:
		return construct.Invoker{}, fmt.Errorf("no adapter registered for kind %q", tmpl.Construct.Adapter)
	}
}

func (e Engine) scorer() scoring.Provider {
	if e.Scorer != nil {
		return e.Scorer
	}
	return scoring.StaticProvider{}
}

func (e Engine) methodologyVersion() string {
	if e.Config != nil && e.Config.Methodology.Version != "" {
		return e.Config.Methodology.Version
	}
	return "1.0.0"
}

func (e Engine) invocationMeta() construct.Meta {
	meta := construct.Meta{TimeoutSeconds: 30, RetryCount: 2, BackoffSeconds: 1, SanitizeInput: true}
	if e.Config == nil {
		return meta
	}
	inv := e.Config.Invocation
	if inv.TimeoutSeconds > 0 {
		meta.TimeoutSeconds = inv.TimeoutSeconds
	}
	meta.RetryCount = inv.RetryCount
	if inv.BackoffSeconds > 0 {
		meta.BackoffSeconds = inv.BackoffSeconds
	}
	meta.SanitizeInput = inv.SanitizeInput
	return meta
}
