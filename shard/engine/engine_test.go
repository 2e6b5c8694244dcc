package engine

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/oasisprotocol/shardstore/shard/api"
)

func newTestEngine(t *testing.T) *Engine {
	t.Helper()
	e, err := Open("test", Config{MemoryOnly: true, TranslogUUID: "uuid-1"}, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = e.Close() })
	return e
}

func TestApplyIndexAndGet(t *testing.T) {
	e := newTestEngine(t)

	require.NoError(t, e.ApplyIndexOnPrimary(api.Operation{
		Kind: api.OpIndex, DocID: "doc-1", Source: []byte(`{"a":1}`), SeqNo: 0,
	}))

	op, err := e.Get("doc-1")
	require.NoError(t, err)
	require.NotNil(t, op)
	require.Equal(t, []byte(`{"a":1}`), op.Source)
}

func TestApplyIndexOutOfOrderLowerSeqNoDropped(t *testing.T) {
	e := newTestEngine(t)

	require.NoError(t, e.ApplyIndexOnReplica(api.Operation{Kind: api.OpIndex, DocID: "doc-1", Source: []byte("v2"), SeqNo: 5}))
	require.NoError(t, e.ApplyIndexOnReplica(api.Operation{Kind: api.OpIndex, DocID: "doc-1", Source: []byte("v1"), SeqNo: 3}))

	op, err := e.Get("doc-1")
	require.NoError(t, err)
	require.Equal(t, []byte("v2"), op.Source)
}

func TestApplyDeleteTombstones(t *testing.T) {
	e := newTestEngine(t)

	require.NoError(t, e.ApplyIndexOnPrimary(api.Operation{Kind: api.OpIndex, DocID: "doc-1", Source: []byte("v1"), SeqNo: 0}))
	require.NoError(t, e.ApplyDeleteOnPrimary(api.Operation{Kind: api.OpDelete, DocID: "doc-1", SeqNo: 1}))

	op, err := e.Get("doc-1")
	require.NoError(t, err)
	require.Nil(t, op)
}

func TestAcquireSearcherIsPointInTime(t *testing.T) {
	e := newTestEngine(t)
	require.NoError(t, e.ApplyIndexOnPrimary(api.Operation{Kind: api.OpIndex, DocID: "doc-1", Source: []byte("v1"), SeqNo: 0}))

	searcher := e.AcquireSearcher()
	defer searcher.Close()

	require.NoError(t, e.ApplyIndexOnPrimary(api.Operation{Kind: api.OpIndex, DocID: "doc-2", Source: []byte("v1"), SeqNo: 1}))

	op, err := searcher.Get("doc-2")
	require.NoError(t, err)
	require.Nil(t, op, "writes after acquisition must not be visible to an existing searcher")

	fresh := e.AcquireSearcher()
	defer fresh.Close()
	op, err = fresh.Get("doc-2")
	require.NoError(t, err)
	require.NotNil(t, op)
}

func TestFlushRecordsCommitAndAppliesRetention(t *testing.T) {
	e := newTestEngine(t)

	var rolledTo int64 = -1
	e.onRollGeneration = func(minGen int64) error {
		rolledTo = minGen
		return nil
	}

	require.NoError(t, e.ApplyIndexOnPrimary(api.Operation{Kind: api.OpIndex, DocID: "doc-1", Source: []byte("v1"), SeqNo: 0}))

	c1, err := e.Flush("test", map[string]string{
		api.UserDataMaxSeqNo:           "0",
		api.UserDataLocalCheckpoint:    "0",
		api.UserDataTranslogUUID:       "uuid-1",
		api.UserDataTranslogGeneration: "1",
	}, false)
	require.NoError(t, err)
	require.EqualValues(t, 0, c1.ID)

	c2, err := e.Flush("test", map[string]string{
		api.UserDataMaxSeqNo:           "1",
		api.UserDataLocalCheckpoint:    "1",
		api.UserDataTranslogUUID:       "uuid-1",
		api.UserDataTranslogGeneration: "2",
	}, true)
	require.NoError(t, err)
	require.EqualValues(t, 1, c2.ID)

	require.EqualValues(t, 2, e.FlushStats().Total())
	require.EqualValues(t, 1, e.FlushStats().Periodic())
	require.EqualValues(t, 2, rolledTo)

	commits, err := e.ListCommits()
	require.NoError(t, err)
	require.Len(t, commits, 1, "c1 is strictly older than the now-safe c2 and gets retired")
	require.EqualValues(t, 1, commits[0].ID)
}

func TestSearchFindsIndexedDocumentsAndExcludesDeleted(t *testing.T) {
	e := newTestEngine(t)

	require.NoError(t, e.ApplyIndexOnPrimary(api.Operation{
		Kind: api.OpIndex, DocID: "doc-1", Source: []byte(`{"title":"red fox jumps"}`), SeqNo: 0,
	}))
	require.NoError(t, e.ApplyIndexOnPrimary(api.Operation{
		Kind: api.OpIndex, DocID: "doc-2", Source: []byte(`{"title":"lazy brown dog"}`), SeqNo: 1,
	}))

	ids, err := e.Search("fox", 10)
	require.NoError(t, err)
	require.Equal(t, []string{"doc-1"}, ids)

	require.NoError(t, e.ApplyDeleteOnPrimary(api.Operation{Kind: api.OpDelete, DocID: "doc-1", SeqNo: 2}))
	ids, err = e.Search("fox", 10)
	require.NoError(t, err)
	require.Empty(t, ids, "deleting a document must remove it from the search index too")
}

func TestSearchIndexesNonJSONSourceAsOpaqueContent(t *testing.T) {
	e := newTestEngine(t)
	require.NoError(t, e.ApplyIndexOnPrimary(api.Operation{
		Kind: api.OpIndex, DocID: "doc-1", Source: []byte("plain text about elephants"), SeqNo: 0,
	}))

	ids, err := e.Search("elephants", 10)
	require.NoError(t, err)
	require.Equal(t, []string{"doc-1"}, ids)
}

func TestHasUnreferencedCommitsReflectsRetentionWithoutMutating(t *testing.T) {
	e := newTestEngine(t)
	e.onRollGeneration = func(int64) error { return nil }

	require.NoError(t, e.ApplyIndexOnPrimary(api.Operation{Kind: api.OpIndex, DocID: "doc-1", Source: []byte("v1"), SeqNo: 0}))
	_, err := e.Flush("test", map[string]string{
		api.UserDataMaxSeqNo:           "0",
		api.UserDataLocalCheckpoint:    "0",
		api.UserDataTranslogUUID:       "uuid-1",
		api.UserDataTranslogGeneration: "1",
	}, false)
	require.NoError(t, err)

	has, err := e.HasUnreferencedCommits(0)
	require.NoError(t, err)
	require.False(t, has, "the only commit is both safe and latest")

	require.NoError(t, e.ApplyIndexOnPrimary(api.Operation{Kind: api.OpIndex, DocID: "doc-2", Source: []byte("v1"), SeqNo: 1}))
	_, err = e.Flush("test", map[string]string{
		api.UserDataMaxSeqNo:           "1",
		api.UserDataLocalCheckpoint:    "1",
		api.UserDataTranslogUUID:       "uuid-1",
		api.UserDataTranslogGeneration: "2",
	}, false)
	require.NoError(t, err)

	// Flush itself already applies retention and retires c1, so by the time
	// HasUnreferencedCommits runs there is nothing left to report: it only
	// ever sees commits that ListCommits still returns.
	has, err = e.HasUnreferencedCommits(1)
	require.NoError(t, err)
	require.False(t, has, "Flush already retired the superseded commit")
}

// ForceMerge's value-log GC is rejected by Badger in InMemory mode, so these
// tests use an on-disk engine like recovery's tests do.
func newOnDiskTestEngine(t *testing.T) *Engine {
	t.Helper()
	e, err := Open("test", Config{DataPath: t.TempDir(), TranslogUUID: "uuid-1"}, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = e.Close() })
	return e
}

func TestForceMergeFlushesFirstWhenRequested(t *testing.T) {
	e := newOnDiskTestEngine(t)

	require.NoError(t, e.ApplyIndexOnPrimary(api.Operation{Kind: api.OpIndex, DocID: "doc-1", Source: []byte("v1"), SeqNo: 0}))
	require.EqualValues(t, 0, e.FlushStats().Total())

	require.NoError(t, e.ForceMerge(1, true, false))
	require.EqualValues(t, 1, e.FlushStats().Total(), "flush:true must flush before compacting")

	require.NoError(t, e.ForceMerge(1, false, false))
	require.EqualValues(t, 1, e.FlushStats().Total(), "flush:false must not trigger an extra flush")
}

func TestForceMergeOnlyExpungeDeletesSkipsFlatten(t *testing.T) {
	e := newOnDiskTestEngine(t)
	require.NoError(t, e.ApplyIndexOnPrimary(api.Operation{Kind: api.OpIndex, DocID: "doc-1", Source: []byte("v1"), SeqNo: 0}))

	// onlyExpungeDeletes should succeed without requiring a flush and without
	// touching flush stats.
	require.NoError(t, e.ForceMerge(1, false, true))
	require.EqualValues(t, 0, e.FlushStats().Total())
}

func TestClosedEngineRejectsWrites(t *testing.T) {
	e := newTestEngine(t)
	require.NoError(t, e.Close())

	err := e.ApplyIndexOnPrimary(api.Operation{Kind: api.OpIndex, DocID: "doc-1", SeqNo: 0})
	require.ErrorIs(t, err, api.ErrShardClosed)
}
