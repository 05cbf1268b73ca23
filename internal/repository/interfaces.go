// Package repository defines data access interfaces for the governed
// retrieval gateway.
package repository

import (
	"context"

	"github.com/infiligence/governed-rag/internal/models"
)

// SubjectRepository reads and writes principals. Subjects are created by the
// identity provider; the gateway only reads them at request time.
type SubjectRepository interface {
	LoadSubject(ctx context.Context, id string) (*models.Subject, error)
	CreateSubject(ctx context.Context, s *models.Subject) error
}

// CorpusRepository persists documents, classifications, and fragments, and
// answers the label-aware pre-filter used by the retriever.
type CorpusRepository interface {
	CreateDocument(ctx context.Context, d *models.Document) error
	GetDocument(ctx context.Context, id string) (*models.Document, error)
	SetLegalHold(ctx context.Context, documentID string, hold bool) error

	// AddClassification appends a classification; the document's current
	// label becomes the most recent one.
	AddClassification(ctx context.Context, c *models.Classification) error
	CurrentLabel(ctx context.Context, documentID string) (models.Label, error)

	// CreateFragment stores a fragment whose label was denormalized from the
	// parent document's current classification at production time.
	CreateFragment(ctx context.Context, f *models.Fragment) error

	// PreFilterFragments returns fragments in the tenant whose label is in
	// allowedLabels and whose embedding is non-null, ordered by ascending
	// cosine distance to queryVec, ties broken by fragment id. Each candidate
	// carries similarity = 1 - cosine_distance.
	PreFilterFragments(ctx context.Context, tenant string, allowedLabels []models.Label, queryVec []float32, limit int) ([]models.FragmentCandidate, error)
}

// AuditRepository persists the append-only ledger. AppendAudit must be atomic
// with respect to the caller's hash computation: the record is inserted with
// its hash and prev_hash already set, and the insert either fully commits or
// fully fails.
type AuditRepository interface {
	AppendAudit(ctx context.Context, rec *models.AuditRecord) error

	// LatestAuditHash returns the hash of the most recent record for the
	// actor, or nil if the actor has no records.
	LatestAuditHash(ctx context.Context, actor string) (*string, error)

	// ReadAuditByActor returns records newest-first.
	ReadAuditByActor(ctx context.Context, actor string, limit int) ([]models.AuditRecord, error)

	// ReadAuditAscending returns the actor's full partition oldest-first,
	// for chain verification.
	ReadAuditAscending(ctx context.Context, actor string) ([]models.AuditRecord, error)
}

// RetentionRepository stores retention rules consulted by the external reaper.
type RetentionRepository interface {
	PutRetentionRule(ctx context.Context, r *models.RetentionRule) error
	RetentionRule(ctx context.Context, label models.Label, source string) (*models.RetentionRule, error)
}

// Store aggregates the persistence surface the gateway wires together.
type Store interface {
	SubjectRepository
	CorpusRepository
	AuditRepository
	RetentionRepository

	Health(ctx context.Context) error
}
