package translog

import (
	"io"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/oasisprotocol/shardstore/shard/api"
)

func newTestTranslog(t *testing.T) *Translog {
	tl, err := Open(Config{
		Dir:                      t.TempDir(),
		UUID:                     "test-uuid",
		GenerationThresholdBytes: 1 << 20,
		InitialGeneration:        1,
		InitialPrimaryTerm:       1,
	})
	require.NoError(t, err)
	return tl
}

func TestAppendAndSnapshot(t *testing.T) {
	tl := newTestTranslog(t)
	defer tl.Close()

	ops := []*api.Operation{
		{Kind: api.OpIndex, DocID: "1", SeqNo: 0, PrimaryTerm: 1},
		{Kind: api.OpIndex, DocID: "2", SeqNo: 1, PrimaryTerm: 1},
		{Kind: api.OpDelete, DocID: "1", SeqNo: 2, PrimaryTerm: 1},
	}
	for _, op := range ops {
		loc, err := tl.Append(op)
		require.NoError(t, err)
		require.Equal(t, int64(1), loc.Generation)
	}

	snap, err := tl.Snapshot()
	require.NoError(t, err)
	defer snap.Close()

	var got []*api.Operation
	for {
		op, err := snap.Next()
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		got = append(got, op)
	}
	require.Len(t, got, 3)
	require.Equal(t, "1", got[0].DocID)
	require.Equal(t, "2", got[1].DocID)
	require.Equal(t, api.OpDelete, got[2].Kind)
}

func TestDurabilityEnsureSynced(t *testing.T) {
	tl := newTestTranslog(t)
	defer tl.Close()

	tl.SetDurability(api.DurabilityRequest)
	loc, err := tl.Append(&api.Operation{Kind: api.OpIndex, DocID: "doc-1"})
	require.NoError(t, err)

	synced, err := tl.EnsureSynced(loc)
	require.NoError(t, err)
	require.False(t, synced, "REQUEST-mode write should already be synced")

	tl.SetDurability(api.DurabilityAsync)
	loc2, err := tl.Append(&api.Operation{Kind: api.OpIndex, DocID: "doc-2"})
	require.NoError(t, err)

	synced2, err := tl.EnsureSynced(loc2)
	require.NoError(t, err)
	require.True(t, synced2, "ASYNC-mode write requires an explicit sync")

	// Switching back to REQUEST does not retroactively sync prior ASYNC
	// writes; the next write under REQUEST is synced on its own.
	tl.SetDurability(api.DurabilityRequest)
	loc3, err := tl.Append(&api.Operation{Kind: api.OpIndex, DocID: "doc-3"})
	require.NoError(t, err)
	synced3, err := tl.EnsureSynced(loc3)
	require.NoError(t, err)
	require.False(t, synced3)
}

func TestRollGeneration(t *testing.T) {
	tl := newTestTranslog(t)
	defer tl.Close()

	require.Equal(t, int64(1), tl.CurrentFileGeneration())
	require.NoError(t, tl.RollGeneration(2))
	require.Equal(t, int64(2), tl.CurrentFileGeneration())

	stats := tl.Stats()
	require.Equal(t, int64(2), stats.Generation)
}

func TestShouldRollTranslogGeneration(t *testing.T) {
	tl, err := Open(Config{
		Dir:                      t.TempDir(),
		UUID:                     "uuid",
		GenerationThresholdBytes: 16,
		InitialGeneration:        1,
		InitialPrimaryTerm:       1,
	})
	require.NoError(t, err)
	defer tl.Close()

	require.False(t, tl.ShouldRollTranslogGeneration())
	for i := 0; i < 10; i++ {
		_, err := tl.Append(&api.Operation{Kind: api.OpIndex, DocID: "doc", Source: []byte("0123456789")})
		require.NoError(t, err)
	}
	require.True(t, tl.ShouldRollTranslogGeneration())

	require.NoError(t, tl.RollGeneration(0))
	require.False(t, tl.ShouldRollTranslogGeneration())
}

func TestTrimUnreferencedReaders(t *testing.T) {
	tl := newTestTranslog(t)
	defer tl.Close()

	require.NoError(t, tl.RollGeneration(1))
	require.NoError(t, tl.RollGeneration(1))
	require.NoError(t, tl.RollGeneration(1))

	require.NoError(t, tl.TrimUnreferencedReaders(3))

	snap, err := tl.Snapshot()
	require.NoError(t, err)
	require.Equal(t, []int64{3, 4}, snap.genIDs)
}

func TestStatsUncommittedResetsOnMarkFlushedAndSurvivesTrim(t *testing.T) {
	tl := newTestTranslog(t)
	defer tl.Close()

	_, err := tl.Append(&api.Operation{Kind: api.OpIndex, DocID: "a", Source: []byte("0123456789")})
	require.NoError(t, err)
	require.NoError(t, tl.RollGeneration(1))
	_, err = tl.Append(&api.Operation{Kind: api.OpIndex, DocID: "b", Source: []byte("0123456789")})
	require.NoError(t, err)

	before := tl.Stats()
	require.EqualValues(t, 2, before.UncommittedOps)
	require.Greater(t, before.UncommittedSizeBytes, int64(0))

	tl.MarkFlushed()
	afterFlush := tl.Stats()
	require.Zero(t, afterFlush.UncommittedOps, "flushing should clear the uncommitted watermark")
	require.Zero(t, afterFlush.UncommittedSizeBytes)

	// Trimming the now-unreferenced first generation must not change the
	// uncommitted count: it is driven by flushes, not by retention.
	require.NoError(t, tl.TrimUnreferencedReaders(2))
	afterTrim := tl.Stats()
	require.Zero(t, afterTrim.UncommittedOps)
	require.Zero(t, afterTrim.UncommittedSizeBytes)

	_, err = tl.Append(&api.Operation{Kind: api.OpIndex, DocID: "c", Source: []byte("0123456789")})
	require.NoError(t, err)
	afterNewWrite := tl.Stats()
	require.EqualValues(t, 1, afterNewWrite.UncommittedOps)
	require.Greater(t, afterNewWrite.UncommittedSizeBytes, int64(0))
}

func TestOpenExistingResumesGenerations(t *testing.T) {
	dir := t.TempDir()
	tl, err := Open(Config{Dir: dir, UUID: "u1", InitialGeneration: 1, InitialPrimaryTerm: 1, GenerationThresholdBytes: 1 << 20})
	require.NoError(t, err)

	_, err = tl.Append(&api.Operation{Kind: api.OpIndex, DocID: "a"})
	require.NoError(t, err)
	require.NoError(t, tl.RollGeneration(1))
	_, err = tl.Append(&api.Operation{Kind: api.OpIndex, DocID: "b"})
	require.NoError(t, err)
	require.NoError(t, tl.Close())

	resumed, err := OpenExisting(Config{Dir: dir, UUID: "u1", GenerationThresholdBytes: 1 << 20})
	require.NoError(t, err)
	defer resumed.Close()

	snap, err := resumed.Snapshot()
	require.NoError(t, err)
	defer snap.Close()

	var ids []string
	for {
		op, err := snap.Next()
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		ids = append(ids, op.DocID)
	}
	require.Equal(t, []string{"a", "b"}, ids)
}
