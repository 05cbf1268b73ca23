package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/infiligence/governed-rag/internal/models"
)

// LoadSubject reads one subject row.
func (db *DB) LoadSubject(ctx context.Context, id string) (*models.Subject, error) {
	query := `
		SELECT id, email, groups, assurance_level, attrs, tenant, created_at
		FROM subjects
		WHERE id = $1`

	var s models.Subject
	var groups, attrs []byte
	err := db.Pool.QueryRow(ctx, query, id).Scan(
		&s.ID, &s.Email, &groups, &s.AssuranceLevel, &attrs, &s.Tenant, &s.CreatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("subject %s: %w", id, models.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("loading subject %s: %w", id, err)
	}

	if err := json.Unmarshal(groups, &s.Groups); err != nil {
		s.Groups = nil
	}
	if err := json.Unmarshal(attrs, &s.Attrs); err != nil {
		return nil, fmt.Errorf("decoding attrs for subject %s: %w", id, err)
	}

	return &s, nil
}

// CreateSubject inserts a subject row.
func (db *DB) CreateSubject(ctx context.Context, s *models.Subject) error {
	groups, _ := json.Marshal(s.Groups)
	attrs, _ := json.Marshal(s.Attrs)

	query := `
		INSERT INTO subjects (id, email, groups, assurance_level, attrs, tenant, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, NOW())`

	_, err := db.Pool.Exec(ctx, query, s.ID, s.Email, groups, s.AssuranceLevel, attrs, s.Tenant)
	if err != nil {
		return fmt.Errorf("creating subject: %w", err)
	}
	return nil
}
