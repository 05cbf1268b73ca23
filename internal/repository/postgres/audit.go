package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/infiligence/governed-rag/internal/models"
)

// AppendAudit inserts one ledger row. The caller has already computed hash
// and prev_hash under the actor's serialization; the insert runs in a single
// transaction that locks the actor's chain head and re-checks it, so a stale
// prev_hash from another writer (a second gateway process) fails the append
// instead of forking the chain. UPDATE and DELETE on this table are rejected
// by a trigger installed with the schema.
func (db *DB) AppendAudit(ctx context.Context, rec *models.AuditRecord) error {
	metadata, err := json.Marshal(rec.Metadata)
	if err != nil {
		return fmt.Errorf("encoding audit metadata: %w", err)
	}

	return db.WithTx(ctx, func(ctx context.Context, tx pgx.Tx) error {
		var head *string
		err := tx.QueryRow(ctx, `
			SELECT hash
			FROM audit_records
			WHERE actor = $1
			ORDER BY ts DESC, event_id DESC
			LIMIT 1
			FOR UPDATE`, rec.Actor).Scan(&head)
		if err != nil && !errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("locking chain head for %s: %w", rec.Actor, err)
		}
		if !hashPtrEqual(head, rec.PrevHash) {
			return fmt.Errorf("audit chain head moved for %s", rec.Actor)
		}

		query := `
			INSERT INTO audit_records (event_id, ts, actor, action, object_id, object_type,
			                           decision, reason, metadata, hash, prev_hash)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`

		if _, err := tx.Exec(ctx, query,
			rec.EventID, rec.TS, rec.Actor, rec.Action, nullable(rec.ObjectID), rec.ObjectType,
			rec.Decision, nullable(rec.Reason), metadata, rec.Hash, rec.PrevHash,
		); err != nil {
			return fmt.Errorf("appending audit record: %w", err)
		}
		return nil
	})
}

func hashPtrEqual(a, b *string) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}

// LatestAuditHash returns the hash of the actor's most recent record.
func (db *DB) LatestAuditHash(ctx context.Context, actor string) (*string, error) {
	query := `
		SELECT hash
		FROM audit_records
		WHERE actor = $1
		ORDER BY ts DESC, event_id DESC
		LIMIT 1`

	var hash string
	err := db.Pool.QueryRow(ctx, query, actor).Scan(&hash)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading latest audit hash for %s: %w", actor, err)
	}
	return &hash, nil
}

// ReadAuditByActor returns records newest-first.
func (db *DB) ReadAuditByActor(ctx context.Context, actor string, limit int) ([]models.AuditRecord, error) {
	query := `
		SELECT event_id, ts, actor, action, object_id, object_type, decision, reason, metadata, hash, prev_hash
		FROM audit_records
		WHERE actor = $1
		ORDER BY ts DESC, event_id DESC
		LIMIT $2`

	return db.scanAudit(ctx, query, actor, limit)
}

// ReadAuditAscending returns the actor's full partition oldest-first for
// chain verification.
func (db *DB) ReadAuditAscending(ctx context.Context, actor string) ([]models.AuditRecord, error) {
	query := `
		SELECT event_id, ts, actor, action, object_id, object_type, decision, reason, metadata, hash, prev_hash
		FROM audit_records
		WHERE actor = $1
		ORDER BY ts ASC, event_id ASC`

	return db.scanAudit(ctx, query, actor)
}

func (db *DB) scanAudit(ctx context.Context, query string, args ...any) ([]models.AuditRecord, error) {
	rows, err := db.Pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying audit records: %w", err)
	}
	defer rows.Close()

	var records []models.AuditRecord
	for rows.Next() {
		var rec models.AuditRecord
		var objectID, reason *string
		var metadata []byte
		if err := rows.Scan(
			&rec.EventID, &rec.TS, &rec.Actor, &rec.Action, &objectID, &rec.ObjectType,
			&rec.Decision, &reason, &metadata, &rec.Hash, &rec.PrevHash,
		); err != nil {
			return nil, fmt.Errorf("scanning audit record: %w", err)
		}
		if objectID != nil {
			rec.ObjectID = *objectID
		}
		if reason != nil {
			rec.Reason = *reason
		}
		if err := json.Unmarshal(metadata, &rec.Metadata); err != nil {
			rec.Metadata = map[string]any{}
		}
		records = append(records, rec)
	}

	return records, rows.Err()
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
