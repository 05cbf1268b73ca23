package audit

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/infiligence/governed-rag/internal/models"
	"github.com/infiligence/governed-rag/internal/repository/memory"
)

func emitN(t *testing.T, l *Ledger, actor string, n int) []*Receipt {
	t.Helper()
	receipts := make([]*Receipt, 0, n)
	for i := 0; i < n; i++ {
		r, err := l.Emit(context.Background(), Event{
			Actor:      actor,
			Action:     models.AuditPDPDecision,
			ObjectID:   fmt.Sprintf("frag-%d", i),
			ObjectType: "fragment",
			Decision:   string(models.DecisionAllow),
			Metadata:   map[string]any{"ordinal": i},
		})
		require.NoError(t, err)
		receipts = append(receipts, r)
	}
	return receipts
}

func TestEmitChainsPerActor(t *testing.T) {
	store := memory.New()
	ledger := NewLedger(store)

	emitN(t, ledger, "alice", 3)

	records, err := store.ReadAuditAscending(context.Background(), "alice")
	require.NoError(t, err)
	require.Len(t, records, 3)

	assert.Nil(t, records[0].PrevHash, "first record has null prev_hash")
	for i := 1; i < len(records); i++ {
		require.NotNil(t, records[i].PrevHash)
		assert.Equal(t, records[i-1].Hash, *records[i].PrevHash,
			"record %d must link to its predecessor", i)
	}

	for _, rec := range records {
		recomputed, err := ComputeHash(&rec)
		require.NoError(t, err)
		assert.Equal(t, rec.Hash, recomputed)
		assert.Len(t, rec.Hash, 64)
	}
}

func TestEmitIndependentActorPartitions(t *testing.T) {
	store := memory.New()
	ledger := NewLedger(store)

	emitN(t, ledger, "alice", 2)
	emitN(t, ledger, "sam", 2)

	for _, actor := range []string{"alice", "sam"} {
		result, err := ledger.Verify(context.Background(), actor)
		require.NoError(t, err)
		assert.True(t, result.Valid, "partition for %s", actor)
	}

	aliceRecords, err := store.ReadAuditAscending(context.Background(), "alice")
	require.NoError(t, err)
	assert.Nil(t, aliceRecords[0].PrevHash, "chains never cross actors")
}

func TestVerifyEmptyPartition(t *testing.T) {
	ledger := NewLedger(memory.New())
	result, err := ledger.Verify(context.Background(), "nobody")
	require.NoError(t, err)
	assert.True(t, result.Valid)
	assert.Empty(t, result.BrokenLinks)
	assert.Empty(t, result.FailedHashes)
}

func TestVerifyDetectsTamperedMetadata(t *testing.T) {
	store := memory.New()
	ledger := NewLedger(store)

	receipts := emitN(t, ledger, "alice", 3)

	// Privileged direct write bypassing the append-only guard.
	err := store.UnsafeUpdateAudit("alice", receipts[1].EventID, func(rec *models.AuditRecord) {
		rec.Metadata["ordinal"] = 99
	})
	require.NoError(t, err)

	result, err := ledger.Verify(context.Background(), "alice")
	require.NoError(t, err)
	assert.False(t, result.Valid)
	assert.Contains(t, result.FailedHashes, receipts[1].EventID)
}

func TestVerifyDetectsBrokenLink(t *testing.T) {
	store := memory.New()
	ledger := NewLedger(store)

	receipts := emitN(t, ledger, "alice", 3)

	err := store.UnsafeUpdateAudit("alice", receipts[2].EventID, func(rec *models.AuditRecord) {
		bogus := "0000000000000000000000000000000000000000000000000000000000000000"
		rec.PrevHash = &bogus
	})
	require.NoError(t, err)

	result, err := ledger.Verify(context.Background(), "alice")
	require.NoError(t, err)
	assert.False(t, result.Valid)
	assert.Contains(t, result.BrokenLinks, receipts[2].EventID)
	// prev_hash feeds the hash, so the stored hash fails too.
	assert.Contains(t, result.FailedHashes, receipts[2].EventID)
}

func TestEmitConcurrentSameActorSerializes(t *testing.T) {
	store := memory.New()
	ledger := NewLedger(store)

	const workers = 16
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := ledger.Emit(context.Background(), Event{
				Actor:      "alice",
				Action:     models.AuditQueryIssued,
				ObjectType: "query",
				Decision:   "issued",
				Metadata:   map[string]any{"worker": i},
			})
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	records, err := store.ReadAuditAscending(context.Background(), "alice")
	require.NoError(t, err)
	require.Len(t, records, workers)

	result, err := ledger.Verify(context.Background(), "alice")
	require.NoError(t, err)
	assert.True(t, result.Valid, "concurrent emits must still form one unbroken chain")
}

func TestEmitRequiresActor(t *testing.T) {
	ledger := NewLedger(memory.New())
	_, err := ledger.Emit(context.Background(), Event{Action: models.AuditQueryIssued})
	require.ErrorIs(t, err, models.ErrInvalidInput)
}

func TestCanonicalMetadataSortsKeys(t *testing.T) {
	a, err := CanonicalMetadata(map[string]any{"b": 1, "a": "x"})
	require.NoError(t, err)
	b, err := CanonicalMetadata(map[string]any{"a": "x", "b": 1})
	require.NoError(t, err)
	assert.Equal(t, a, b)
	assert.Equal(t, `{"a":"x","b":1}`, a)
}

func TestComputeHashCoversReason(t *testing.T) {
	rec := models.AuditRecord{
		EventID:    "e1",
		Actor:      "alice",
		Action:     models.AuditPDPDecision,
		ObjectType: "fragment",
		Decision:   string(models.DecisionDeny),
		Reason:     "clearance-exceeded",
		Metadata:   map[string]any{},
	}
	h1, err := ComputeHash(&rec)
	require.NoError(t, err)

	rec.Reason = "tenant-mismatch"
	h2, err := ComputeHash(&rec)
	require.NoError(t, err)

	assert.NotEqual(t, h1, h2)
}
