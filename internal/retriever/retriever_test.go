package retriever

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/infiligence/governed-rag/internal/models"
	"github.com/infiligence/governed-rag/internal/repository/memory"
)

// scriptedCorpus returns a fixed candidate list.
type scriptedCorpus struct {
	candidates []models.FragmentCandidate
	err        error
	gotLabels  []models.Label
	gotLimit   int
}

func (c *scriptedCorpus) PreFilterFragments(_ context.Context, _ string, labels []models.Label, _ []float32, limit int) ([]models.FragmentCandidate, error) {
	c.gotLabels = labels
	c.gotLimit = limit
	if c.err != nil {
		return nil, c.err
	}
	if limit < len(c.candidates) {
		return c.candidates[:limit], nil
	}
	return c.candidates, nil
}

type fixedEmbedder struct{ vec []float32 }

func (e fixedEmbedder) Embed(context.Context, string) ([]float32, error) { return e.vec, nil }

// clearanceEvaluator mimics the base policy: tenant equality plus clearance
// ordering, with step-up for confidential and regulated when mfa is not
// satisfied.
type clearanceEvaluator struct{}

func (clearanceEvaluator) Evaluate(_ context.Context, s *models.Subject, r *models.FragmentCandidate, _ models.Action) models.Decision {
	if r.Tenant != s.Tenant {
		return models.Deny("tenant-mismatch")
	}
	if !r.Label.AtMost(s.Attrs.Clearance) {
		return models.Deny("clearance-exceeded")
	}
	if r.Label.Rank() >= models.LabelConfidential.Rank() && !s.Attrs.MFASatisfied {
		return models.Decision{Kind: models.DecisionStepUp, Reason: "second-factor-required"}
	}
	return models.Decision{Kind: models.DecisionAllow}
}

// denyAllEvaluator collapses everything, as the adapter does when the policy
// engine is unreachable.
type denyAllEvaluator struct{ reason string }

func (e denyAllEvaluator) Evaluate(context.Context, *models.Subject, *models.FragmentCandidate, models.Action) models.Decision {
	return models.Deny(e.reason)
}

func subject(id string, clearance models.Label, tenant string, mfa bool) *models.Subject {
	return &models.Subject{
		ID:     id,
		Tenant: tenant,
		Attrs:  models.SubjectAttrs{Clearance: clearance, MFASatisfied: mfa},
	}
}

func candidate(id string, label models.Label, tenant string, sim float64) models.FragmentCandidate {
	return models.FragmentCandidate{
		FragmentID: id,
		DocumentID: "doc-" + id,
		Text:       "text " + id,
		Label:      label,
		Source:     "test",
		Tenant:     tenant,
		Similarity: sim,
	}
}

func TestRetrieveFiltersByClearance(t *testing.T) {
	corpus := &scriptedCorpus{candidates: []models.FragmentCandidate{
		candidate("f1", models.LabelPublic, "dash", 0.9),
		candidate("f2", models.LabelInternal, "dash", 0.8),
	}}
	r := New(corpus, fixedEmbedder{vec: []float32{1, 0}}, clearanceEvaluator{})

	result, err := r.Retrieve(context.Background(), subject("alice", models.LabelInternal, "dash", false), "policy", models.ActionRead, 10, 1)
	require.NoError(t, err)

	require.Len(t, result.Fragments, 2)
	assert.Equal(t, "f1", result.Fragments[0].FragmentID)
	assert.Equal(t, "f2", result.Fragments[1].FragmentID)
	assert.False(t, result.InsufficientEvidence)
	assert.False(t, result.StepUpRequired)

	// The pre-filter already narrowed to the clearance prefix.
	assert.Equal(t, []models.Label{models.LabelPublic, models.LabelInternal}, corpus.gotLabels)
	assert.Equal(t, 20, corpus.gotLimit)
}

func TestRetrieveStepUpSignalled(t *testing.T) {
	corpus := &scriptedCorpus{candidates: []models.FragmentCandidate{
		candidate("c1", models.LabelConfidential, "dash", 0.95),
	}}
	r := New(corpus, fixedEmbedder{vec: []float32{1}}, clearanceEvaluator{})

	bob := subject("bob", models.LabelConfidential, "dash", false)
	result, err := r.Retrieve(context.Background(), bob, "policy", models.ActionRead, 10, 1)
	require.NoError(t, err)

	assert.True(t, result.StepUpRequired)
	assert.Empty(t, result.Fragments, "step-up fragments are signalled, never returned")
	require.Len(t, result.Decisions, 1)
	assert.Equal(t, models.DecisionStepUp, result.Decisions[0].Decision.Kind)

	// After step-up the same query returns the fragment.
	bob.Attrs.MFASatisfied = true
	result, err = r.Retrieve(context.Background(), bob, "policy", models.ActionRead, 10, 1)
	require.NoError(t, err)
	assert.False(t, result.StepUpRequired)
	require.Len(t, result.Fragments, 1)
	assert.Equal(t, "c1", result.Fragments[0].FragmentID)
}

func TestRetrieveEvidenceThreshold(t *testing.T) {
	corpus := &scriptedCorpus{candidates: []models.FragmentCandidate{
		candidate("f1", models.LabelPublic, "dash", 0.9),
	}}
	r := New(corpus, fixedEmbedder{vec: []float32{1}}, clearanceEvaluator{})

	result, err := r.Retrieve(context.Background(), subject("alice", models.LabelInternal, "dash", false), "policy", models.ActionRead, 10, 3)
	require.NoError(t, err)

	assert.True(t, result.InsufficientEvidence)
	require.Len(t, result.Fragments, 1, "partial evidence is still returned")
}

func TestRetrieveEmptyCandidates(t *testing.T) {
	r := New(&scriptedCorpus{}, fixedEmbedder{vec: []float32{1}}, clearanceEvaluator{})

	result, err := r.Retrieve(context.Background(), subject("alice", models.LabelInternal, "dash", false), "anything", models.ActionRead, 10, 2)
	require.NoError(t, err)

	assert.True(t, result.InsufficientEvidence)
	assert.Empty(t, result.Fragments)
	assert.Empty(t, result.Decisions)
}

func TestRetrieveDeniesCollapseNotRaise(t *testing.T) {
	corpus := &scriptedCorpus{candidates: []models.FragmentCandidate{
		candidate("f1", models.LabelPublic, "dash", 0.9),
		candidate("f2", models.LabelInternal, "dash", 0.8),
	}}
	r := New(corpus, fixedEmbedder{vec: []float32{1}}, denyAllEvaluator{reason: "policy-unavailable"})

	result, err := r.Retrieve(context.Background(), subject("alice", models.LabelInternal, "dash", false), "policy", models.ActionRead, 10, 1)
	require.NoError(t, err, "per-fragment failures never raise")

	assert.Empty(t, result.Fragments)
	require.Len(t, result.Decisions, 2)
	for _, fd := range result.Decisions {
		assert.Equal(t, models.DecisionDeny, fd.Decision.Kind)
		assert.Equal(t, "policy-unavailable", fd.Decision.Reason)
	}
	assert.True(t, result.InsufficientEvidence)
}

func TestRetrieveDeduplicatesKeepingFirst(t *testing.T) {
	corpus := &scriptedCorpus{candidates: []models.FragmentCandidate{
		candidate("f1", models.LabelPublic, "dash", 0.9),
		candidate("f1", models.LabelPublic, "dash", 0.7),
		candidate("f2", models.LabelPublic, "dash", 0.6),
	}}
	r := New(corpus, fixedEmbedder{vec: []float32{1}}, clearanceEvaluator{})

	result, err := r.Retrieve(context.Background(), subject("alice", models.LabelInternal, "dash", false), "policy", models.ActionRead, 10, 1)
	require.NoError(t, err)

	require.Len(t, result.Fragments, 2)
	assert.Equal(t, "f1", result.Fragments[0].FragmentID)
	assert.InDelta(t, 0.9, result.Fragments[0].Similarity, 1e-9, "first occurrence wins")
	assert.Len(t, result.Decisions, 2, "one decision per de-duplicated candidate")
}

func TestRetrieveTruncatesToTopK(t *testing.T) {
	var cands []models.FragmentCandidate
	for i := 0; i < 8; i++ {
		cands = append(cands, candidate(fmt.Sprintf("f%02d", i), models.LabelPublic, "dash", 1-float64(i)/10))
	}
	r := New(&scriptedCorpus{candidates: cands}, fixedEmbedder{vec: []float32{1}}, clearanceEvaluator{})

	result, err := r.Retrieve(context.Background(), subject("alice", models.LabelPublic, "dash", false), "policy", models.ActionRead, 3, 1)
	require.NoError(t, err)

	require.Len(t, result.Fragments, 3)
	assert.Equal(t, "f00", result.Fragments[0].FragmentID)
	assert.Len(t, result.Decisions, 6, "pre-filter limit is 2*top_k")
}

func TestRetrieveDeterministicOrdering(t *testing.T) {
	var cands []models.FragmentCandidate
	for i := 0; i < 12; i++ {
		cands = append(cands, candidate(fmt.Sprintf("f%02d", i), models.LabelPublic, "dash", 1-float64(i)/100))
	}
	r := New(&scriptedCorpus{candidates: cands}, fixedEmbedder{vec: []float32{1}}, clearanceEvaluator{})
	s := subject("alice", models.LabelPublic, "dash", false)

	first, err := r.Retrieve(context.Background(), s, "policy", models.ActionRead, 10, 1)
	require.NoError(t, err)
	for i := 0; i < 5; i++ {
		again, err := r.Retrieve(context.Background(), s, "policy", models.ActionRead, 10, 1)
		require.NoError(t, err)
		assert.Equal(t, first.Fragments, again.Fragments,
			"ordering must not depend on evaluation completion order")
	}
}

func TestRetrieveInvalidInput(t *testing.T) {
	r := New(&scriptedCorpus{}, fixedEmbedder{vec: []float32{1}}, clearanceEvaluator{})
	s := subject("alice", models.LabelInternal, "dash", false)

	_, err := r.Retrieve(context.Background(), s, "", models.ActionRead, 10, 1)
	assert.ErrorIs(t, err, models.ErrInvalidInput)

	_, err = r.Retrieve(context.Background(), s, "q", models.ActionRead, 0, 1)
	assert.ErrorIs(t, err, models.ErrInvalidInput)

	bad := subject("mallory", models.Label("galactic"), "dash", false)
	_, err = r.Retrieve(context.Background(), bad, "q", models.ActionRead, 10, 1)
	assert.ErrorIs(t, err, models.ErrInvalidInput)

	empty := New(&scriptedCorpus{}, fixedEmbedder{vec: nil}, clearanceEvaluator{})
	_, err = empty.Retrieve(context.Background(), s, "q", models.ActionRead, 10, 1)
	assert.ErrorIs(t, err, models.ErrInvalidInput)
}

// Tenant isolation exercised end to end through the memory store's
// pre-filter: a fragment in another tenant can never appear.
func TestRetrieveTenantIsolation(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	embed := fixedEmbedder{vec: []float32{1, 0, 0}}

	for _, tenant := range []string{"dash", "zenith"} {
		owner := &models.Subject{
			ID: "owner-" + tenant, Email: tenant + "@example.com", Tenant: tenant,
			Attrs: models.SubjectAttrs{Clearance: models.LabelRegulated},
		}
		require.NoError(t, store.CreateSubject(ctx, owner))
		doc := &models.Document{
			ID: "doc-" + tenant, Source: "test", Path: "/" + tenant, Title: tenant,
			Mime: "text/plain", OwnerID: owner.ID, Tenant: tenant,
		}
		require.NoError(t, store.CreateDocument(ctx, doc))
		require.NoError(t, store.CreateFragment(ctx, &models.Fragment{
			ID: "frag-" + tenant, DocumentID: doc.ID, Text: "shared words",
			Embedding: []float32{1, 0, 0}, Label: models.LabelPublic,
		}))
	}

	r := New(store, embed, clearanceEvaluator{})
	result, err := r.Retrieve(ctx, subject("alice", models.LabelRegulated, "dash", true), "shared words", models.ActionRead, 10, 0)
	require.NoError(t, err)

	require.Len(t, result.Fragments, 1)
	assert.Equal(t, "frag-dash", result.Fragments[0].FragmentID)
}

// Clearance monotonicity: a higher-cleared subject sees a superset.
func TestRetrieveClearanceMonotonicity(t *testing.T) {
	cands := []models.FragmentCandidate{
		candidate("f1", models.LabelPublic, "dash", 0.9),
		candidate("f2", models.LabelInternal, "dash", 0.8),
		candidate("f3", models.LabelConfidential, "dash", 0.7),
		candidate("f4", models.LabelRegulated, "dash", 0.6),
	}

	// The pre-filter narrows by clearance prefix, so script it per subject.
	prefilter := func(clearance models.Label) *scriptedCorpus {
		var filtered []models.FragmentCandidate
		for _, c := range cands {
			if c.Label.AtMost(clearance) {
				filtered = append(filtered, c)
			}
		}
		return &scriptedCorpus{candidates: filtered}
	}

	var previous []string
	for _, clearance := range []models.Label{
		models.LabelPublic, models.LabelInternal,
		models.LabelConfidential, models.LabelRegulated,
	} {
		r := New(prefilter(clearance), fixedEmbedder{vec: []float32{1}}, clearanceEvaluator{})
		result, err := r.Retrieve(context.Background(), subject("s", clearance, "dash", true), "q", models.ActionRead, 10, 0)
		require.NoError(t, err)

		var ids []string
		for _, f := range result.Fragments {
			ids = append(ids, f.FragmentID)
		}
		for _, id := range previous {
			assert.Contains(t, ids, id, "clearance %s must include everything below it", clearance)
		}
		previous = ids
	}
	assert.Len(t, previous, 4)
}
