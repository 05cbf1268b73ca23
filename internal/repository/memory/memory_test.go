package memory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/infiligence/governed-rag/internal/models"
)

func seedFragment(t *testing.T, s *Store, tenant, fragID string, label models.Label, embedding []float32) {
	t.Helper()
	ctx := context.Background()
	docID := "doc-" + fragID
	require.NoError(t, s.CreateDocument(ctx, &models.Document{
		ID: docID, Source: "test", Path: "/" + fragID, Title: fragID,
		Mime: "text/plain", OwnerID: "owner", Tenant: tenant,
	}))
	require.NoError(t, s.CreateFragment(ctx, &models.Fragment{
		ID: fragID, DocumentID: docID, Text: "text " + fragID,
		Embedding: embedding, Label: label,
	}))
}

func TestPreFilterOrdersByDistanceThenID(t *testing.T) {
	s := New()
	ctx := context.Background()

	// f-far points away from the query; f-a and f-b tie exactly.
	seedFragment(t, s, "dash", "f-b", models.LabelPublic, []float32{1, 0})
	seedFragment(t, s, "dash", "f-a", models.LabelPublic, []float32{1, 0})
	seedFragment(t, s, "dash", "f-far", models.LabelPublic, []float32{0, 1})

	got, err := s.PreFilterFragments(ctx, "dash", []models.Label{models.LabelPublic}, []float32{1, 0}, 10)
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.Equal(t, "f-a", got[0].FragmentID, "ties break by fragment id")
	assert.Equal(t, "f-b", got[1].FragmentID)
	assert.Equal(t, "f-far", got[2].FragmentID)
	assert.InDelta(t, 1.0, got[0].Similarity, 1e-6)
	assert.InDelta(t, 0.0, got[2].Similarity, 1e-6)
}

func TestPreFilterHonorsLabelTenantAndLimit(t *testing.T) {
	s := New()
	ctx := context.Background()

	seedFragment(t, s, "dash", "f-pub", models.LabelPublic, []float32{1, 0})
	seedFragment(t, s, "dash", "f-reg", models.LabelRegulated, []float32{1, 0})
	seedFragment(t, s, "zenith", "f-other", models.LabelPublic, []float32{1, 0})

	got, err := s.PreFilterFragments(ctx, "dash", []models.Label{models.LabelPublic}, []float32{1, 0}, 10)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "f-pub", got[0].FragmentID)

	got, err = s.PreFilterFragments(ctx, "dash",
		[]models.Label{models.LabelPublic, models.LabelRegulated}, []float32{1, 0}, 1)
	require.NoError(t, err)
	assert.Len(t, got, 1, "limit applies after ordering")

	_, err = s.PreFilterFragments(ctx, "dash", []models.Label{models.LabelPublic}, nil, 10)
	assert.ErrorIs(t, err, models.ErrInvalidInput)
}

func TestPreFilterSkipsMissingEmbeddings(t *testing.T) {
	s := New()
	seedFragment(t, s, "dash", "f-vec", models.LabelPublic, []float32{1, 0})
	seedFragment(t, s, "dash", "f-novec", models.LabelPublic, nil)

	got, err := s.PreFilterFragments(context.Background(), "dash",
		[]models.Label{models.LabelPublic}, []float32{1, 0}, 10)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "f-vec", got[0].FragmentID)
}

func TestCurrentLabelIsMostRecent(t *testing.T) {
	s := New()
	ctx := context.Background()
	require.NoError(t, s.CreateDocument(ctx, &models.Document{
		ID: "d1", Source: "test", Path: "/d1", Title: "d1",
		Mime: "text/plain", OwnerID: "owner", Tenant: "dash",
	}))

	base := time.Now().UTC()
	require.NoError(t, s.AddClassification(ctx, &models.Classification{
		ID: "c1", DocumentID: "d1", Label: models.LabelInternal, Confidence: 0.9, CreatedAt: base,
	}))
	require.NoError(t, s.AddClassification(ctx, &models.Classification{
		ID: "c2", DocumentID: "d1", Label: models.LabelConfidential, Confidence: 0.95, CreatedAt: base.Add(time.Minute),
	}))

	label, err := s.CurrentLabel(ctx, "d1")
	require.NoError(t, err)
	assert.Equal(t, models.LabelConfidential, label)
}

func TestReadAuditByActorNewestFirst(t *testing.T) {
	s := New()
	ctx := context.Background()

	for i, id := range []string{"e1", "e2", "e3"} {
		require.NoError(t, s.AppendAudit(ctx, &models.AuditRecord{
			EventID: id, Actor: "alice", Action: models.AuditQueryIssued,
			ObjectType: "query", Decision: "issued",
			TS: time.Now().UTC().Add(time.Duration(i) * time.Second),
		}))
	}

	got, err := s.ReadAuditByActor(ctx, "alice", 2)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "e3", got[0].EventID)
	assert.Equal(t, "e2", got[1].EventID)
}

func TestAppendAuditRejectsDuplicateEventID(t *testing.T) {
	s := New()
	ctx := context.Background()
	rec := &models.AuditRecord{
		EventID: "e1", Actor: "alice", Action: models.AuditQueryIssued,
		ObjectType: "query", Decision: "issued", TS: time.Now().UTC(),
	}
	require.NoError(t, s.AppendAudit(ctx, rec))
	assert.Error(t, s.AppendAudit(ctx, rec))
}

func TestSeedLoadsScenarioCorpus(t *testing.T) {
	s := New()
	ctx := context.Background()
	embed := func(string) []float32 { return []float32{1, 0, 0} }

	require.NoError(t, Seed(ctx, s, "dash", embed))

	alice, err := s.LoadSubject(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, models.LabelInternal, alice.Attrs.Clearance)

	got, err := s.PreFilterFragments(ctx, "dash",
		[]models.Label{models.LabelPublic, models.LabelInternal, models.LabelConfidential, models.LabelRegulated},
		[]float32{1, 0, 0}, 10)
	require.NoError(t, err)
	assert.Len(t, got, 4, "one fragment per label")

	_, err = s.LoadSubject(ctx, "ghost")
	assert.ErrorIs(t, err, models.ErrNotFound)
}
