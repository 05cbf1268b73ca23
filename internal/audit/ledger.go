// Package audit emits and verifies the append-only, hash-chained ledger of
// authorization-relevant events.
package audit

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/gowebpki/jcs"
	"github.com/rs/zerolog/log"

	"github.com/infiligence/governed-rag/internal/models"
	"github.com/infiligence/governed-rag/internal/repository"
)

// Event is the caller-facing input to Emit.
type Event struct {
	Actor      string
	Action     models.AuditAction
	ObjectID   string
	ObjectType string
	Decision   string
	Reason     string
	Metadata   map[string]any
}

// Receipt identifies a committed ledger record.
type Receipt struct {
	EventID string
	Hash    string
}

// VerifyResult reports the outcome of a chain walk.
type VerifyResult struct {
	Valid        bool     `json:"valid"`
	BrokenLinks  []string `json:"broken_links"`
	FailedHashes []string `json:"failed_hashes"`
}

// Ledger serializes appends per actor so prev_hash always references the most
// recent committed record in that actor's partition. Concurrent requests for
// different actors interleave freely.
type Ledger struct {
	repo repository.AuditRepository

	mu    sync.Mutex
	locks map[string]*sync.Mutex

	now func() time.Time
}

// NewLedger creates a ledger over the given audit repository.
func NewLedger(repo repository.AuditRepository) *Ledger {
	return &Ledger{
		repo:  repo,
		locks: make(map[string]*sync.Mutex),
		now:   time.Now,
	}
}

func (l *Ledger) actorLock(actor string) *sync.Mutex {
	l.mu.Lock()
	defer l.mu.Unlock()
	m, ok := l.locks[actor]
	if !ok {
		m = &sync.Mutex{}
		l.locks[actor] = m
	}
	return m
}

// Emit appends one record to the actor's chain. The per-actor lock is held
// across read-latest, hash, and insert so the chain is totally ordered even
// under concurrent requests from the same subject.
func (l *Ledger) Emit(ctx context.Context, ev Event) (*Receipt, error) {
	if ev.Actor == "" {
		return nil, fmt.Errorf("audit event without actor: %w", models.ErrInvalidInput)
	}
	if ev.Metadata == nil {
		ev.Metadata = map[string]any{}
	}

	lock := l.actorLock(ev.Actor)
	lock.Lock()
	defer lock.Unlock()

	prev, err := l.repo.LatestAuditHash(ctx, ev.Actor)
	if err != nil {
		return nil, fmt.Errorf("reading chain head for %s: %w", ev.Actor, err)
	}

	rec := models.AuditRecord{
		EventID:    models.NewEventID(),
		TS:         l.now().UTC(),
		Actor:      ev.Actor,
		Action:     ev.Action,
		ObjectID:   ev.ObjectID,
		ObjectType: ev.ObjectType,
		Decision:   ev.Decision,
		Reason:     ev.Reason,
		Metadata:   ev.Metadata,
		PrevHash:   prev,
	}

	hash, err := ComputeHash(&rec)
	if err != nil {
		return nil, fmt.Errorf("hashing audit record: %w", err)
	}
	rec.Hash = hash

	if err := l.repo.AppendAudit(ctx, &rec); err != nil {
		return nil, fmt.Errorf("appending audit record: %w", err)
	}

	log.Debug().
		Str("actor", rec.Actor).
		Str("action", string(rec.Action)).
		Str("event_id", rec.EventID).
		Msg("audit record committed")

	return &Receipt{EventID: rec.EventID, Hash: rec.Hash}, nil
}

// Verify walks the actor's partition in chronological order, recomputing
// every hash and checking every prev_hash link.
func (l *Ledger) Verify(ctx context.Context, actor string) (*VerifyResult, error) {
	records, err := l.repo.ReadAuditAscending(ctx, actor)
	if err != nil {
		return nil, fmt.Errorf("reading audit partition for %s: %w", actor, err)
	}

	result := &VerifyResult{Valid: true, BrokenLinks: []string{}, FailedHashes: []string{}}
	var prevHash *string
	for i := range records {
		rec := records[i]

		expected, err := ComputeHash(&rec)
		if err != nil {
			return nil, fmt.Errorf("recomputing hash for %s: %w", rec.EventID, err)
		}
		if expected != rec.Hash {
			result.Valid = false
			result.FailedHashes = append(result.FailedHashes, rec.EventID)
		}

		if !hashPtrEqual(rec.PrevHash, prevHash) {
			result.Valid = false
			result.BrokenLinks = append(result.BrokenLinks, rec.EventID)
		}
		h := rec.Hash
		prevHash = &h
	}

	return result, nil
}

func hashPtrEqual(a, b *string) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}

// ComputeHash derives the record's SHA-256 from the canonical concatenation
// of its fields. Metadata is canonicalized as JCS JSON (sorted keys, UTF-8,
// no insignificant whitespace); ts is RFC3339Nano in UTC; a nil prev_hash
// contributes the empty string.
func ComputeHash(rec *models.AuditRecord) (string, error) {
	canonical, err := CanonicalMetadata(rec.Metadata)
	if err != nil {
		return "", err
	}

	prev := ""
	if rec.PrevHash != nil {
		prev = *rec.PrevHash
	}

	fields := []string{
		rec.EventID,
		rec.TS.UTC().Format(time.RFC3339Nano),
		rec.Actor,
		string(rec.Action),
		rec.ObjectID,
		rec.ObjectType,
		rec.Decision,
		rec.Reason,
		prev,
		canonical,
	}

	sum := sha256.Sum256([]byte(strings.Join(fields, "|")))
	return hex.EncodeToString(sum[:]), nil
}

// CanonicalMetadata renders metadata in JCS canonical form.
func CanonicalMetadata(metadata map[string]any) (string, error) {
	if metadata == nil {
		metadata = map[string]any{}
	}
	raw, err := json.Marshal(metadata)
	if err != nil {
		return "", fmt.Errorf("encoding metadata: %w", err)
	}
	canonical, err := jcs.Transform(raw)
	if err != nil {
		return "", fmt.Errorf("canonicalizing metadata: %w", err)
	}
	return string(canonical), nil
}
