// Package retriever turns a query plus a subject into an authorized fragment
// set with provenance.
package retriever

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/infiligence/governed-rag/internal/models"
)

// maxFanOut bounds per-request concurrent policy evaluations.
const maxFanOut = 16

// Corpus is the slice of the store the retriever needs.
type Corpus interface {
	PreFilterFragments(ctx context.Context, tenant string, allowedLabels []models.Label, queryVec []float32, limit int) ([]models.FragmentCandidate, error)
}

// Embedder produces the query vector.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// Evaluator answers per-fragment policy questions. It never errors;
// uncertainty is a DENY decision.
type Evaluator interface {
	Evaluate(ctx context.Context, subject *models.Subject, resource *models.FragmentCandidate, action models.Action) models.Decision
}

// FragmentDecision pairs a candidate with its policy outcome. The gateway
// emits exactly one PDP_DECISION audit record per entry.
type FragmentDecision struct {
	Candidate models.FragmentCandidate
	Decision  models.Decision
}

// Result is the authorized fragment set plus everything the gateway needs to
// audit and shape the response.
type Result struct {
	Fragments            []models.FragmentCandidate
	Decisions            []FragmentDecision
	StepUpRequired       bool
	InsufficientEvidence bool
}

// Retriever runs the two-stage filter-then-authorize pipeline.
type Retriever struct {
	corpus    Corpus
	embedder  Embedder
	evaluator Evaluator
}

// New creates a retriever over the given collaborators.
func New(corpus Corpus, embedder Embedder, evaluator Evaluator) *Retriever {
	return &Retriever{corpus: corpus, embedder: embedder, evaluator: evaluator}
}

// Retrieve executes the pipeline for one query. Per-fragment policy failures
// never surface as errors; they are DENY decisions in the result. Errors are
// reserved for bad input and store/embedding failures.
func (r *Retriever) Retrieve(ctx context.Context, subject *models.Subject, query string, action models.Action, topK, minEvidence int) (*Result, error) {
	if query == "" {
		return nil, fmt.Errorf("empty query: %w", models.ErrInvalidInput)
	}
	if topK < 1 {
		return nil, fmt.Errorf("top_k must be >= 1: %w", models.ErrInvalidInput)
	}
	if minEvidence < 0 {
		minEvidence = 0
	}

	allowedLabels := models.AllowedLabels(subject.Attrs.Clearance)
	if len(allowedLabels) == 0 {
		return nil, fmt.Errorf("unknown clearance %q: %w", subject.Attrs.Clearance, models.ErrInvalidInput)
	}

	queryVec, err := r.embedder.Embed(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("embedding query: %w", err)
	}
	if len(queryVec) == 0 {
		return nil, fmt.Errorf("malformed embedding: %w", models.ErrInvalidInput)
	}

	candidates, err := r.corpus.PreFilterFragments(ctx, subject.Tenant, allowedLabels, queryVec, 2*topK)
	if err != nil {
		return nil, fmt.Errorf("pre-filtering fragments: %w", models.ErrStoreUnavailable)
	}

	candidates = dedupe(candidates)
	if len(candidates) == 0 {
		return &Result{
			Fragments:            []models.FragmentCandidate{},
			Decisions:            []FragmentDecision{},
			InsufficientEvidence: true,
		}, nil
	}

	// Fan out policy evaluations with bounded concurrency. Decisions land at
	// their candidate's index so result ordering is independent of completion
	// order.
	decisions := make([]models.Decision, len(candidates))
	g, evalCtx := errgroup.WithContext(ctx)
	limit := len(candidates)
	if limit > maxFanOut {
		limit = maxFanOut
	}
	g.SetLimit(limit)
	for i := range candidates {
		i := i
		g.Go(func() error {
			if evalCtx.Err() != nil {
				decisions[i] = models.Deny("cancelled")
				return nil
			}
			decisions[i] = r.evaluator.Evaluate(evalCtx, subject, &candidates[i], action)
			return nil
		})
	}
	// Workers never return errors; Wait is a barrier.
	_ = g.Wait()

	result := &Result{
		Fragments: make([]models.FragmentCandidate, 0, topK),
		Decisions: make([]FragmentDecision, 0, len(candidates)),
	}
	allowedCount := 0
	for i, c := range candidates {
		d := decisions[i]
		result.Decisions = append(result.Decisions, FragmentDecision{Candidate: c, Decision: d})
		switch d.Kind {
		case models.DecisionAllow:
			allowedCount++
			if len(result.Fragments) < topK {
				result.Fragments = append(result.Fragments, c)
			}
		case models.DecisionStepUp:
			// Step-up fragments are signalled, never returned.
			result.StepUpRequired = true
		case models.DecisionDeny:
			// Nothing to add; the decision list carries the reason.
		}
	}

	if allowedCount < minEvidence {
		result.InsufficientEvidence = true
	}

	log.Debug().
		Str("subject", subject.ID).
		Int("candidates", len(candidates)).
		Int("allowed", allowedCount).
		Bool("step_up", result.StepUpRequired).
		Bool("insufficient", result.InsufficientEvidence).
		Msg("retrieval pipeline complete")

	return result, nil
}

// dedupe drops repeated fragment ids, keeping the first occurrence so the
// similarity ordering is preserved.
func dedupe(candidates []models.FragmentCandidate) []models.FragmentCandidate {
	seen := make(map[string]struct{}, len(candidates))
	out := candidates[:0]
	for _, c := range candidates {
		if _, dup := seen[c.FragmentID]; dup {
			continue
		}
		seen[c.FragmentID] = struct{}{}
		out = append(out, c)
	}
	return out
}
