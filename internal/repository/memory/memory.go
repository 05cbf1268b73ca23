// Package memory implements the repository interfaces in process memory.
// It backs dev mode when no store_url is configured and doubles as the test
// fixture for the pipeline.
package memory

import (
	"context"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/infiligence/governed-rag/internal/models"
)

// Store is an in-memory implementation of repository.Store.
type Store struct {
	mu              sync.RWMutex
	subjects        map[string]models.Subject
	documents       map[string]models.Document
	classifications map[string][]models.Classification
	fragments       map[string]models.Fragment
	audit           map[string][]models.AuditRecord
	retention       map[string]models.RetentionRule
}

// New creates an empty in-memory store.
func New() *Store {
	return &Store{
		subjects:        make(map[string]models.Subject),
		documents:       make(map[string]models.Document),
		classifications: make(map[string][]models.Classification),
		fragments:       make(map[string]models.Fragment),
		audit:           make(map[string][]models.AuditRecord),
		retention:       make(map[string]models.RetentionRule),
	}
}

// Health always succeeds for the in-memory store.
func (s *Store) Health(context.Context) error { return nil }

// -----------------------------------------------------------------------------
// Subjects
// -----------------------------------------------------------------------------

func (s *Store) LoadSubject(_ context.Context, id string) (*models.Subject, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sub, ok := s.subjects[id]
	if !ok {
		return nil, fmt.Errorf("subject %s: %w", id, models.ErrNotFound)
	}
	cp := sub
	return &cp, nil
}

func (s *Store) CreateSubject(_ context.Context, sub *models.Subject) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.subjects[sub.ID]; exists {
		return fmt.Errorf("subject %s already exists", sub.ID)
	}
	if sub.CreatedAt.IsZero() {
		sub.CreatedAt = time.Now().UTC()
	}
	s.subjects[sub.ID] = *sub
	return nil
}

// -----------------------------------------------------------------------------
// Corpus
// -----------------------------------------------------------------------------

func (s *Store) CreateDocument(_ context.Context, d *models.Document) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.documents[d.ID]; exists {
		return fmt.Errorf("document %s already exists", d.ID)
	}
	if d.CreatedAt.IsZero() {
		d.CreatedAt = time.Now().UTC()
	}
	s.documents[d.ID] = *d
	return nil
}

func (s *Store) GetDocument(_ context.Context, id string) (*models.Document, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	d, ok := s.documents[id]
	if !ok {
		return nil, fmt.Errorf("document %s: %w", id, models.ErrNotFound)
	}
	cp := d
	return &cp, nil
}

func (s *Store) SetLegalHold(_ context.Context, documentID string, hold bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.documents[documentID]
	if !ok {
		return fmt.Errorf("document %s: %w", documentID, models.ErrNotFound)
	}
	d.LegalHold = hold
	s.documents[documentID] = d
	return nil
}

func (s *Store) AddClassification(_ context.Context, c *models.Classification) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.documents[c.DocumentID]; !ok {
		return fmt.Errorf("document %s: %w", c.DocumentID, models.ErrNotFound)
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now().UTC()
	}
	s.classifications[c.DocumentID] = append(s.classifications[c.DocumentID], *c)
	return nil
}

func (s *Store) CurrentLabel(_ context.Context, documentID string) (models.Label, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cls := s.classifications[documentID]
	if len(cls) == 0 {
		return "", fmt.Errorf("document %s has no classification: %w", documentID, models.ErrNotFound)
	}
	latest := cls[0]
	for _, c := range cls[1:] {
		if c.CreatedAt.After(latest.CreatedAt) {
			latest = c
		}
	}
	return latest.Label, nil
}

func (s *Store) CreateFragment(_ context.Context, f *models.Fragment) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.documents[f.DocumentID]; !ok {
		return fmt.Errorf("document %s: %w", f.DocumentID, models.ErrNotFound)
	}
	if _, exists := s.fragments[f.ID]; exists {
		return fmt.Errorf("fragment %s already exists", f.ID)
	}
	if f.CreatedAt.IsZero() {
		f.CreatedAt = time.Now().UTC()
	}
	s.fragments[f.ID] = *f
	return nil
}

func (s *Store) PreFilterFragments(_ context.Context, tenant string, allowedLabels []models.Label, queryVec []float32, limit int) ([]models.FragmentCandidate, error) {
	if len(queryVec) == 0 {
		return nil, fmt.Errorf("empty query vector: %w", models.ErrInvalidInput)
	}
	allowed := make(map[models.Label]bool, len(allowedLabels))
	for _, l := range allowedLabels {
		allowed[l] = true
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	type scored struct {
		cand models.FragmentCandidate
		dist float64
	}
	var hits []scored
	for _, f := range s.fragments {
		if len(f.Embedding) == 0 || !allowed[f.Label] {
			continue
		}
		doc, ok := s.documents[f.DocumentID]
		if !ok || doc.Tenant != tenant {
			continue
		}
		dist := cosineDistance(queryVec, f.Embedding)
		hits = append(hits, scored{
			cand: models.FragmentCandidate{
				FragmentID: f.ID,
				DocumentID: f.DocumentID,
				Text:       f.Text,
				Label:      f.Label,
				Source:     doc.Source,
				OwnerID:    doc.OwnerID,
				Tenant:     doc.Tenant,
				LegalHold:  doc.LegalHold,
				Similarity: clamp01(1 - dist),
			},
			dist: dist,
		})
	}

	sort.Slice(hits, func(i, j int) bool {
		if hits[i].dist != hits[j].dist {
			return hits[i].dist < hits[j].dist
		}
		return hits[i].cand.FragmentID < hits[j].cand.FragmentID
	})

	if limit > 0 && len(hits) > limit {
		hits = hits[:limit]
	}
	out := make([]models.FragmentCandidate, len(hits))
	for i, h := range hits {
		out[i] = h.cand
	}
	return out, nil
}

func cosineDistance(a, b []float32) float64 {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	var dot, na, nb float64
	for i := 0; i < n; i++ {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 1
	}
	return 1 - dot/(math.Sqrt(na)*math.Sqrt(nb))
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

// -----------------------------------------------------------------------------
// Audit
// -----------------------------------------------------------------------------

func (s *Store) AppendAudit(_ context.Context, rec *models.AuditRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.audit[rec.Actor] {
		if existing.EventID == rec.EventID {
			return fmt.Errorf("duplicate audit event id %s", rec.EventID)
		}
	}
	s.audit[rec.Actor] = append(s.audit[rec.Actor], *rec)
	return nil
}

func (s *Store) LatestAuditHash(_ context.Context, actor string) (*string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	recs := s.audit[actor]
	if len(recs) == 0 {
		return nil, nil
	}
	h := recs[len(recs)-1].Hash
	return &h, nil
}

func (s *Store) ReadAuditByActor(_ context.Context, actor string, limit int) ([]models.AuditRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	recs := s.audit[actor]
	out := make([]models.AuditRecord, 0, len(recs))
	for i := len(recs) - 1; i >= 0; i-- {
		out = append(out, recs[i])
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (s *Store) ReadAuditAscending(_ context.Context, actor string) ([]models.AuditRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	recs := s.audit[actor]
	out := make([]models.AuditRecord, len(recs))
	copy(out, recs)
	return out, nil
}

// UnsafeUpdateAudit mutates a stored audit record in place, bypassing the
// append-only guard. Test harness only: it exists so chain verification can
// be exercised against a tampered partition.
func (s *Store) UnsafeUpdateAudit(actor, eventID string, mutate func(*models.AuditRecord)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	recs := s.audit[actor]
	for i := range recs {
		if recs[i].EventID == eventID {
			mutate(&recs[i])
			return nil
		}
	}
	return fmt.Errorf("audit event %s: %w", eventID, models.ErrNotFound)
}

// -----------------------------------------------------------------------------
// Retention
// -----------------------------------------------------------------------------

func retentionKey(label models.Label, source string) string {
	return string(label) + "|" + source
}

func (s *Store) PutRetentionRule(_ context.Context, r *models.RetentionRule) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.retention[retentionKey(r.Label, r.Source)] = *r
	return nil
}

func (s *Store) RetentionRule(_ context.Context, label models.Label, source string) (*models.RetentionRule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.retention[retentionKey(label, source)]
	if !ok {
		return nil, fmt.Errorf("retention rule (%s, %s): %w", label, source, models.ErrNotFound)
	}
	cp := r
	return &cp, nil
}
