// Package replay drives a committed theatre through its ground-truth
// episode set: invoke, record, score, record, sequentially and in
// dataset order. Episodes are intentionally never parallelized; the
// construct under test may be stateful or rate-limited, and sequential
// execution keeps the invocation ordering auditable.
package replay

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"veristage/internal/canon"
	"veristage/internal/construct"
	"veristage/internal/domain"
	"veristage/internal/evidence"
	"veristage/internal/scoring"
)

// ErrDatasetMismatch halts a run before any invocation: the episode set
// on hand is not the one that was committed to.
type ErrDatasetMismatch struct {
	Committed string
	Computed  string
}

func (e ErrDatasetMismatch) Error() string {
	return fmt.Sprintf("dataset hash mismatch: committed %s, computed %s", e.Committed, e.Computed)
}

// Result is the aggregate of one replay run.
type Result struct {
	Scores        []domain.EpisodeScore
	Attempted     int
	Succeeded     int
	Failed        int
	Refused       int
	FailureRate   float64
	CriteriaMeans map[string]float64
	Composite     float64
	DatasetHash   string
}

// Runner executes one replay. Progress, Logf and Now are optional.
type Runner struct {
	Invoker  construct.Invoker
	Scorer   scoring.Provider
	Bundle   *evidence.Bundle
	Progress func(done, failed, total int)
	Logf     func(format string, args ...any)
	Now      func() time.Time
}

func (r Runner) logf(format string, args ...any) {
	if r.Logf != nil {
		r.Logf(format, args...)
		return
	}
	log.Printf(format, args...)
}

func (r Runner) now() time.Time {
	if r.Now != nil {
		return r.Now()
	}
	return time.Now()
}

// HashEpisodes computes the content hash of an episode set for
// commitment and verification.
func HashEpisodes(episodes []domain.Episode) (string, error) {
	return canon.Hash(episodes)
}

// Run verifies the dataset hash, then processes each episode in order.
// Invocation failures are absorbed into the failure rate; only the
// dataset gate and evidence recording can fail the run itself.
func (r Runner) Run(ctx context.Context, theatre domain.Theatre, tmpl domain.Template, committedHash string, episodes []domain.Episode, meta construct.Meta) (Result, error) {
	computed, err := HashEpisodes(episodes)
	if err != nil {
		return Result{}, fmt.Errorf("hash episodes: %w", err)
	}
	if computed != committedHash {
		return Result{}, ErrDatasetMismatch{Committed: committedHash, Computed: computed}
	}

	res := Result{DatasetHash: computed, CriteriaMeans: map[string]float64{}}
	total := len(episodes)
	sums := map[string]float64{}
	compositeSum := 0.0

	for _, ep := range episodes {
		req := construct.Request{
			InvocationID:     uuid.New().String(),
			TheatreID:        theatre.ID,
			EpisodeID:        ep.ID,
			ConstructID:      tmpl.Construct.ID,
			ConstructVersion: tmpl.Construct.Version,
			Input:            ep.Input,
			Meta:             meta,
		}
		resp := r.Invoker.Invoke(ctx, req)
		res.Attempted++
		if err := r.Bundle.RecordInvocation(resp); err != nil {
			return res, fmt.Errorf("record invocation %s: %w", ep.ID, err)
		}

		switch resp.Status {
		case construct.StatusRefused:
			// logged but excluded from scoring entirely
			res.Refused++
			r.logf("episode %s refused by construct %s", ep.ID, tmpl.Construct.ID)
		case construct.StatusTimeout, construct.StatusError:
			res.Failed++
		case construct.StatusSuccess:
			scores := r.scoreEpisode(ctx, ep, resp, tmpl.Criteria)
			composite := scoring.Composite(scores, tmpl.Criteria)
			rec := domain.EpisodeScore{
				TheatreID: theatre.ID,
				EpisodeID: ep.ID,
				Scores:    scoring.Normalize(scores, tmpl.Criteria.IDs),
				Composite: composite,
				CreatedAt: r.now().UTC().Format(time.RFC3339),
			}
			if err := r.Bundle.RecordScore(rec); err != nil {
				return res, fmt.Errorf("record score %s: %w", ep.ID, err)
			}
			res.Scores = append(res.Scores, rec)
			res.Succeeded++
			for id, s := range rec.Scores {
				sums[id] += s
			}
			compositeSum += composite
		}
		if r.Progress != nil {
			r.Progress(res.Attempted, res.Failed, total)
		}
	}

	if res.Attempted > 0 {
		res.FailureRate = float64(res.Failed) / float64(res.Attempted)
	}
	if res.Succeeded > 0 {
		for id, sum := range sums {
			res.CriteriaMeans[id] = sum / float64(res.Succeeded)
		}
		res.Composite = compositeSum / float64(res.Succeeded)
	}
	return res, nil
}

// scoreEpisode treats provider failure as missing scores: the episode
// composes to zero instead of crashing the run.
func (r Runner) scoreEpisode(ctx context.Context, ep domain.Episode, resp construct.Response, c domain.Criteria) map[string]float64 {
	scores, err := r.Scorer.Score(ctx, ep, resp, c.IDs)
	if err != nil {
		r.logf("scoring episode %s failed, counting criteria as 0.0: %v", ep.ID, err)
		return map[string]float64{}
	}
	return scores
}
