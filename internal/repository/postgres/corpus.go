package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/infiligence/governed-rag/internal/models"
)

// CreateDocument inserts a document row.
func (db *DB) CreateDocument(ctx context.Context, d *models.Document) error {
	query := `
		INSERT INTO documents (id, source, path, title, mime, owner_id, tenant, legal_hold, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, NOW())`

	_, err := db.Pool.Exec(ctx, query,
		d.ID, d.Source, d.Path, d.Title, d.Mime, d.OwnerID, d.Tenant, d.LegalHold,
	)
	if err != nil {
		return fmt.Errorf("creating document: %w", err)
	}
	return nil
}

// GetDocument returns a document by ID.
func (db *DB) GetDocument(ctx context.Context, id string) (*models.Document, error) {
	query := `
		SELECT id, source, path, title, mime, owner_id, tenant, legal_hold, created_at
		FROM documents
		WHERE id = $1`

	var d models.Document
	err := db.Pool.QueryRow(ctx, query, id).Scan(
		&d.ID, &d.Source, &d.Path, &d.Title, &d.Mime, &d.OwnerID, &d.Tenant, &d.LegalHold, &d.CreatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("document %s: %w", id, models.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("getting document %s: %w", id, err)
	}
	return &d, nil
}

// SetLegalHold flips the legal-hold flag on a document.
func (db *DB) SetLegalHold(ctx context.Context, documentID string, hold bool) error {
	result, err := db.Pool.Exec(ctx,
		`UPDATE documents SET legal_hold = $2 WHERE id = $1`, documentID, hold)
	if err != nil {
		return fmt.Errorf("setting legal hold: %w", err)
	}
	if result.RowsAffected() == 0 {
		return fmt.Errorf("document %s: %w", documentID, models.ErrNotFound)
	}
	return nil
}

// AddClassification appends a classification for a document.
func (db *DB) AddClassification(ctx context.Context, c *models.Classification) error {
	query := `
		INSERT INTO classifications (id, document_id, label, confidence, reason, created_at)
		VALUES ($1, $2, $3, $4, $5, NOW())`

	_, err := db.Pool.Exec(ctx, query, c.ID, c.DocumentID, c.Label, c.Confidence, c.Reason)
	if err != nil {
		return fmt.Errorf("creating classification: %w", err)
	}
	return nil
}

// CurrentLabel returns the document's most recent classification label.
func (db *DB) CurrentLabel(ctx context.Context, documentID string) (models.Label, error) {
	query := `
		SELECT label
		FROM classifications
		WHERE document_id = $1
		ORDER BY created_at DESC
		LIMIT 1`

	var label models.Label
	err := db.Pool.QueryRow(ctx, query, documentID).Scan(&label)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", fmt.Errorf("document %s has no classification: %w", documentID, models.ErrNotFound)
	}
	if err != nil {
		return "", fmt.Errorf("reading current label for %s: %w", documentID, err)
	}
	return label, nil
}

// CreateFragment inserts a fragment row with its embedding.
func (db *DB) CreateFragment(ctx context.Context, f *models.Fragment) error {
	query := `
		INSERT INTO fragments (id, document_id, ordinal, text, embedding, label, created_at)
		VALUES ($1, $2, $3, $4, $5::vector, $6, NOW())`

	_, err := db.Pool.Exec(ctx, query,
		f.ID, f.DocumentID, f.Ordinal, f.Text, vectorLiteral(f.Embedding), f.Label,
	)
	if err != nil {
		return fmt.Errorf("creating fragment: %w", err)
	}
	return nil
}

// PreFilterFragments answers the label-aware vector pre-filter in a single
// statement so tenant and label predicates apply in the same query as the
// distance ordering. similarity = 1 - cosine_distance, clamped to [0,1].
func (db *DB) PreFilterFragments(ctx context.Context, tenant string, allowedLabels []models.Label, queryVec []float32, limit int) ([]models.FragmentCandidate, error) {
	if len(queryVec) == 0 {
		return nil, fmt.Errorf("empty query vector: %w", models.ErrInvalidInput)
	}
	if len(allowedLabels) == 0 {
		return nil, nil
	}

	labels := make([]string, len(allowedLabels))
	for i, l := range allowedLabels {
		labels[i] = string(l)
	}

	query := `
		SELECT f.id, f.document_id, f.text, f.label, d.source, d.owner_id, d.tenant, d.legal_hold,
		       GREATEST(0, LEAST(1, 1 - (f.embedding <=> $1::vector))) AS similarity
		FROM fragments f
		JOIN documents d ON d.id = f.document_id
		WHERE d.tenant = $2
		  AND f.label = ANY($3)
		  AND f.embedding IS NOT NULL
		ORDER BY f.embedding <=> $1::vector, f.id
		LIMIT $4`

	rows, err := db.Pool.Query(ctx, query, vectorLiteral(queryVec), tenant, labels, limit)
	if err != nil {
		return nil, fmt.Errorf("querying fragments: %w", err)
	}
	defer rows.Close()

	var candidates []models.FragmentCandidate
	for rows.Next() {
		var c models.FragmentCandidate
		if err := rows.Scan(
			&c.FragmentID, &c.DocumentID, &c.Text, &c.Label,
			&c.Source, &c.OwnerID, &c.Tenant, &c.LegalHold, &c.Similarity,
		); err != nil {
			return nil, fmt.Errorf("scanning fragment candidate: %w", err)
		}
		candidates = append(candidates, c)
	}

	return candidates, rows.Err()
}

// PutRetentionRule upserts a retention rule.
func (db *DB) PutRetentionRule(ctx context.Context, r *models.RetentionRule) error {
	query := `
		INSERT INTO retention_rules (label, source, days_to_live, legal_hold)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (label, source)
		DO UPDATE SET days_to_live = EXCLUDED.days_to_live, legal_hold = EXCLUDED.legal_hold`

	_, err := db.Pool.Exec(ctx, query, r.Label, r.Source, r.DaysToLive, r.LegalHold)
	if err != nil {
		return fmt.Errorf("storing retention rule: %w", err)
	}
	return nil
}

// RetentionRule returns the rule for (label, source).
func (db *DB) RetentionRule(ctx context.Context, label models.Label, source string) (*models.RetentionRule, error) {
	query := `
		SELECT label, source, days_to_live, legal_hold
		FROM retention_rules
		WHERE label = $1 AND source = $2`

	var r models.RetentionRule
	err := db.Pool.QueryRow(ctx, query, label, source).Scan(
		&r.Label, &r.Source, &r.DaysToLive, &r.LegalHold,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("retention rule (%s, %s): %w", label, source, models.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("reading retention rule: %w", err)
	}
	return &r, nil
}
