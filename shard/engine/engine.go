// Package engine implements the shard's IndexEngine: the component that
// actually applies operations to durable storage, independent of the
// translog and recovery machinery layered on top of it. Documents
// themselves live in an embedded Badger key-value store, grounded on the
// teacher's MKVS node database; a bleve inverted index sits alongside it as
// the local Lucene-like index spec.md describes IndexEngine as wrapping,
// giving the engine an actual full-text search path rather than key lookup
// alone.
package engine

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"

	"github.com/blevesearch/bleve"
	"github.com/dgraph-io/badger/v2"
	"github.com/dgraph-io/badger/v2/options"

	cmnbadger "github.com/oasisprotocol/shardstore/common/badger"
	"github.com/oasisprotocol/shardstore/common/cbor"
	"github.com/oasisprotocol/shardstore/common/keyformat"
	"github.com/oasisprotocol/shardstore/common/logging"
	"github.com/oasisprotocol/shardstore/shard/api"
	"github.com/oasisprotocol/shardstore/shard/retention"
	"github.com/oasisprotocol/shardstore/shard/stats"
)

var (
	// docPrefix prefixes the key mapping a document ID to its current
	// (possibly tombstoned) indexed value: docPrefix | docID bytes.
	docPrefix = byte(0x01)

	// seqNoKeyFmt is the key layout for a seqno -> document ID mapping.
	// Nothing in this package currently writes or reads such keys.
	seqNoKeyFmt = keyformat.New(0x02, 1)

	// commitsKeyFmt stores the CBOR-serialized list of known commits under a
	// single fixed key.
	commitsKeyFmt = keyformat.New(0x03, 0)

	// nextCommitIDKeyFmt stores the monotonic commit ID counter.
	nextCommitIDKeyFmt = keyformat.New(0x04, 0)
)

// docValue is what's stored for every live (non-tombstoned) document.
type docValue struct {
	Source      []byte      `cbor:"source"`
	Version     int64       `cbor:"version"`
	VersionType int         `cbor:"version_type"`
	SeqNo       api.SeqNo   `cbor:"seq_no"`
	PrimaryTerm uint64      `cbor:"primary_term"`
	Deleted     bool        `cbor:"deleted"`
}

// Config configures a new Engine.
type Config struct {
	DataPath     string
	MemoryOnly   bool
	NoFsync      bool
	TranslogUUID string
}

// RollGenerationFunc is invoked by the engine whenever a flush completes, so
// the translog can be rolled and trimmed against the new commit's retained
// generation. Supplied by the Shard facade, which owns the translog.
type RollGenerationFunc func(minGenerationForRecovery int64) error

// Engine applies operations to a Badger-backed store and manages the
// resulting commits via a CombinedRetentionPolicy.
type Engine struct {
	mu sync.RWMutex

	shardLabel  string
	db          *badger.DB
	searchIndex bleve.Index
	gc          *cmnbadger.GCWorker
	retention   *retention.Policy

	nextCommitID int64

	flushStats   stats.FlushStats
	refreshStats stats.RefreshStats

	onRollGeneration RollGenerationFunc

	closed int32
}

// Open opens (or creates) the Badger store at cfg.DataPath.
func Open(shardLabel string, cfg Config, onRollGeneration RollGenerationFunc) (*Engine, error) {
	logger := logging.GetLogger("shard/engine").With("shard", shardLabel)

	opts := badger.DefaultOptions(cfg.DataPath)
	opts = opts.WithLogger(cmnbadger.NewLogAdapter(logger))
	opts = opts.WithSyncWrites(!cfg.NoFsync)
	opts = opts.WithTruncate(true)
	opts = opts.WithCompression(options.Snappy)
	opts = opts.WithDetectConflicts(false)
	if cfg.MemoryOnly {
		opts = opts.WithInMemory(true).WithDir("").WithValueDir("")
	}

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("engine: failed to open store: %w", err)
	}

	searchIndex, err := openSearchIndex(cfg)
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("engine: failed to open search index: %w", err)
	}

	e := &Engine{
		shardLabel:       shardLabel,
		db:               db,
		searchIndex:      searchIndex,
		gc:               cmnbadger.NewGCWorker(logger, db),
		retention:        retention.New(cfg.TranslogUUID),
		onRollGeneration: onRollGeneration,
	}

	if err := e.loadCommitState(); err != nil {
		_ = searchIndex.Close()
		_ = db.Close()
		return nil, err
	}

	return e, nil
}

// openSearchIndex opens (or creates) the bleve inverted index backing
// search. A MemoryOnly engine gets a memory-only index to match; an on-disk
// engine keeps its index under a "bleve" subdirectory of DataPath,
// reopening it across restarts the same way Open resumes the Badger store.
func openSearchIndex(cfg Config) (bleve.Index, error) {
	if cfg.MemoryOnly {
		return bleve.NewMemoryOnly(bleve.NewIndexMapping())
	}

	path := filepath.Join(cfg.DataPath, "bleve")
	idx, err := bleve.Open(path)
	if err == bleve.ErrorIndexPathDoesNotExist {
		return bleve.New(path, bleve.NewIndexMapping())
	}
	return idx, err
}

func (e *Engine) loadCommitState() error {
	return e.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(nextCommitIDKeyFmt.Encode())
		switch err {
		case nil:
			return item.Value(func(val []byte) error {
				e.nextCommitID = int64(binary.BigEndian.Uint64(val))
				return nil
			})
		case badger.ErrKeyNotFound:
			return nil
		default:
			return err
		}
	})
}

func docKey(docID string) []byte {
	out := make([]byte, 0, 1+len(docID))
	out = append(out, docPrefix)
	return append(out, docID...)
}

// ApplyIndexOnPrimary assigns seqNo/term from the caller (already generated
// by the shard's SeqNoTracker) and writes the document. op.Version and
// op.VersionType are stored as supplied; the engine does not check them.
func (e *Engine) ApplyIndexOnPrimary(op api.Operation) error {
	return e.applyIndex(op)
}

// ApplyIndexOnReplica writes a document at an already-assigned seqno/term,
// as replayed from the primary's translog stream. Out-of-order delivery is
// resolved the same way as on the primary: the write at the higher seqno
// always wins, but here we additionally must tolerate the replica seeing
// seqnos out of order, so conflicting lower-seqno writes are silently
// dropped rather than erroring.
func (e *Engine) ApplyIndexOnReplica(op api.Operation) error {
	return e.applyIndex(op)
}

func (e *Engine) applyIndex(op api.Operation) error {
	if atomic.LoadInt32(&e.closed) != 0 {
		return api.ErrShardClosed
	}

	wrote := false
	err := e.db.Update(func(txn *badger.Txn) error {
		existing, err := e.getDocLocked(txn, op.DocID)
		if err != nil {
			return err
		}
		if existing != nil && existing.SeqNo >= op.SeqNo {
			// A newer (or equal, duplicate-delivery) write already won.
			return nil
		}

		val := docValue{
			Source:      op.Source,
			Version:     op.Version,
			VersionType: int(op.VersionType),
			SeqNo:       op.SeqNo,
			PrimaryTerm: op.PrimaryTerm,
		}
		if err := e.putDocLocked(txn, op.DocID, val); err != nil {
			return err
		}
		wrote = true
		return nil
	})
	if err != nil || !wrote {
		return err
	}

	if err := e.indexSearchDoc(op.DocID, op.Source); err != nil {
		logger.Warn("search index update failed", "doc_id", op.DocID, "err", err)
	}
	return nil
}

// indexSearchDoc feeds a document's source into the bleve inverted index.
// Source is the document body the caller supplied to applyIndex; it is
// indexed as parsed JSON when possible (giving per-field search the way a
// real document store would), falling back to a single opaque "content"
// field for non-JSON payloads.
func (e *Engine) indexSearchDoc(docID string, source []byte) error {
	var fields interface{}
	if err := json.Unmarshal(source, &fields); err != nil || fields == nil {
		fields = map[string]interface{}{"content": string(source)}
	}
	return e.searchIndex.Index(docID, fields)
}

func (e *Engine) deleteSearchDoc(docID string) error {
	return e.searchIndex.Delete(docID)
}

// ApplyDeleteOnPrimary tombstones a document.
func (e *Engine) ApplyDeleteOnPrimary(op api.Operation) error {
	return e.applyDelete(op)
}

// ApplyDeleteOnReplica tombstones a document as replayed from the primary.
func (e *Engine) ApplyDeleteOnReplica(op api.Operation) error {
	return e.applyDelete(op)
}

func (e *Engine) applyDelete(op api.Operation) error {
	if atomic.LoadInt32(&e.closed) != 0 {
		return api.ErrShardClosed
	}

	wrote := false
	err := e.db.Update(func(txn *badger.Txn) error {
		existing, err := e.getDocLocked(txn, op.DocID)
		if err != nil {
			return err
		}
		if existing != nil && existing.SeqNo >= op.SeqNo {
			return nil
		}

		val := docValue{
			Version:     op.Version,
			VersionType: int(op.VersionType),
			SeqNo:       op.SeqNo,
			PrimaryTerm: op.PrimaryTerm,
			Deleted:     true,
		}
		if err := e.putDocLocked(txn, op.DocID, val); err != nil {
			return err
		}
		wrote = true
		return nil
	})
	if err != nil || !wrote {
		return err
	}

	if err := e.deleteSearchDoc(op.DocID); err != nil {
		logger.Warn("search index delete failed", "doc_id", op.DocID, "err", err)
	}
	return nil
}

// MarkSeqNoAsNoOp records that seqNo was consumed without a corresponding
// document write (e.g. a version conflict on replay, or a gap fill). The
// engine itself has nothing to store for a no-op beyond bookkeeping that
// happens at the SeqNoTracker layer; this exists so callers have a single
// path for "I consumed this seqno" regardless of operation kind.
func (e *Engine) MarkSeqNoAsNoOp(seqNo api.SeqNo, reason string) error {
	if atomic.LoadInt32(&e.closed) != 0 {
		return api.ErrShardClosed
	}
	logger.Debug("marking seqno as no-op", "seq_no", seqNo, "reason", reason)
	return nil
}

func (e *Engine) getDocLocked(txn *badger.Txn, docID string) (*docValue, error) {
	item, err := txn.Get(docKey(docID))
	switch err {
	case nil:
	case badger.ErrKeyNotFound:
		return nil, nil
	default:
		return nil, err
	}
	var v docValue
	if err := item.Value(func(data []byte) error {
		return cbor.UnmarshalTrusted(data, &v)
	}); err != nil {
		return nil, err
	}
	return &v, nil
}

func (e *Engine) putDocLocked(txn *badger.Txn, docID string, v docValue) error {
	data := cbor.Marshal(v)
	return txn.Set(docKey(docID), data)
}

// Get returns the live document for docID, or nil if absent or tombstoned.
// This is the read path a Searcher exposes.
func (e *Engine) Get(docID string) (*api.Operation, error) {
	var out *api.Operation
	err := e.db.View(func(txn *badger.Txn) error {
		v, err := e.getDocLocked(txn, docID)
		if err != nil || v == nil || v.Deleted {
			return err
		}
		out = &api.Operation{
			Kind:        api.OpIndex,
			DocID:       docID,
			Source:      v.Source,
			Version:     v.Version,
			VersionType: api.VersionType(v.VersionType),
			SeqNo:       v.SeqNo,
			PrimaryTerm: v.PrimaryTerm,
		}
		return nil
	})
	return out, err
}

// Searcher is a point-in-time read handle over the engine. Acquired via
// AcquireSearcher and must be released with Close.
type Searcher struct {
	txn *badger.Txn
}

// Get reads docID as of the searcher's snapshot.
func (s *Searcher) Get(docID string) (*api.Operation, error) {
	item, err := s.txn.Get(docKey(docID))
	switch err {
	case nil:
	case badger.ErrKeyNotFound:
		return nil, nil
	default:
		return nil, err
	}
	var v docValue
	if err := item.Value(func(data []byte) error {
		return cbor.UnmarshalTrusted(data, &v)
	}); err != nil {
		return nil, err
	}
	if v.Deleted {
		return nil, nil
	}
	return &api.Operation{
		Kind:        api.OpIndex,
		DocID:       docID,
		Source:      v.Source,
		Version:     v.Version,
		VersionType: api.VersionType(v.VersionType),
		SeqNo:       v.SeqNo,
		PrimaryTerm: v.PrimaryTerm,
	}, nil
}

// Close releases the searcher's underlying snapshot.
func (s *Searcher) Close() {
	s.txn.Discard()
}

// AcquireSearcher returns a point-in-time read snapshot. Badger's MVCC
// transactions already give a consistent view as of acquisition time, so
// refresh has no separate "make visible" step the way a segment-based
// engine would need: every AcquireSearcher call already sees everything
// committed so far. Refresh instead exists to mark scheduling intent (spec
// §4.6.4) and is tracked via RefreshStats for the idle/throttling logic the
// Shard facade implements on top.
func (e *Engine) AcquireSearcher() *Searcher {
	return &Searcher{txn: e.db.NewTransaction(false)}
}

// Refresh makes recent writes visible to new searchers. Because reads are
// always served from a fresh Badger transaction, this is a bookkeeping-only
// operation: it exists so the Shard facade's refresh scheduler has
// something to call and count.
func (e *Engine) Refresh(shardLabel string) {
	e.refreshStats.Inc(shardLabel)
}

// RefreshStats exposes the refresh counter for GetRefreshStats-style callers.
func (e *Engine) RefreshStats() *stats.RefreshStats {
	return &e.refreshStats
}

// FlushStats exposes the flush counters for GetFlushStats-style callers.
func (e *Engine) FlushStats() *stats.FlushStats {
	return &e.flushStats
}

// Flush durably commits all writes so far and records a new Commit snapshot
// with the supplied user-data (MAX_SEQ_NO, LOCAL_CHECKPOINT, TRANSLOG_UUID,
// TRANSLOG_GENERATION, set by the Shard facade, which owns translog state).
// It returns the new commit. Every call records a commit, whether or not
// anything changed since the previous flush; periodic additionally counts
// the flush toward the periodic-flush statistic.
func (e *Engine) Flush(shardLabel string, userData map[string]string, periodic bool) (*api.Commit, error) {
	if atomic.LoadInt32(&e.closed) != 0 {
		return nil, api.ErrShardClosed
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.db.Sync(); err != nil {
		return nil, fmt.Errorf("engine: sync failed: %w", err)
	}

	commit := &api.Commit{ID: e.nextCommitID, UserData: userData}
	e.nextCommitID++

	commits, err := e.loadCommitsLocked()
	if err != nil {
		return nil, err
	}
	commits = append(commits, commit)

	if err := e.saveCommitsLocked(commits); err != nil {
		return nil, err
	}

	e.flushStats.IncTotal(shardLabel)
	if periodic {
		e.flushStats.IncPeriodic(shardLabel)
	}

	retired := make(map[int64]bool)
	if err := e.retention.OnCommit(commits, parseSeqNo(userData[api.UserDataMaxSeqNo]), func(c *api.Commit) error {
		retired[c.ID] = true
		return e.deleteCommitLocked(c)
	}); err != nil {
		return nil, fmt.Errorf("engine: retention pass failed: %w", err)
	}

	if len(retired) > 0 {
		live := commits[:0]
		for _, c := range commits {
			if !retired[c.ID] {
				live = append(live, c)
			}
		}
		if err := e.saveCommitsLocked(live); err != nil {
			return nil, err
		}
	}

	minGen := e.retention.MinTranslogGenerationForRecovery()
	if e.onRollGeneration != nil {
		if err := e.onRollGeneration(minGen); err != nil {
			logger.Warn("roll generation callback failed", "err", err)
		}
	}

	return commit, nil
}

func parseSeqNo(s string) api.SeqNo {
	var n api.SeqNo
	_, _ = fmt.Sscanf(s, "%d", &n)
	return n
}

func (e *Engine) loadCommitsLocked() ([]*api.Commit, error) {
	var commits []*api.Commit
	err := e.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(commitsKeyFmt.Encode())
		switch err {
		case nil:
			return item.Value(func(data []byte) error {
				return cbor.Unmarshal(data, &commits)
			})
		case badger.ErrKeyNotFound:
			return nil
		default:
			return err
		}
	})
	return commits, err
}

func (e *Engine) saveCommitsLocked(commits []*api.Commit) error {
	data := cbor.Marshal(commits)
	idBuf := make([]byte, 8)
	binary.BigEndian.PutUint64(idBuf, uint64(e.nextCommitID))

	return e.db.Update(func(txn *badger.Txn) error {
		if err := txn.Set(commitsKeyFmt.Encode(), data); err != nil {
			return err
		}
		return txn.Set(nextCommitIDKeyFmt.Encode(), idBuf)
	})
}

func (e *Engine) deleteCommitLocked(c *api.Commit) error {
	// Commits share the underlying key space (there is only ever one live
	// set of documents, not one per commit), so deleting a commit means
	// forgetting its retention bookkeeping entry only; the documents
	// themselves are retained until superseded or tombstoned-and-compacted.
	logger.Debug("commit retired", "commit_id", c.ID)
	return nil
}

// SafeCommit returns the commit SelectSafeCommit would choose as of gcp, or
// nil if the engine has never been flushed.
func (e *Engine) SafeCommit(gcp api.SeqNo) (*api.Commit, error) {
	commits, err := e.ListCommits()
	if err != nil {
		return nil, err
	}
	return retention.SelectSafeCommit(commits, gcp), nil
}

// ListCommits returns all commits currently known to the engine.
func (e *Engine) ListCommits() ([]*api.Commit, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.loadCommitsLocked()
}

// AcquireIndexCommit pins a commit for external use (snapshot shipping
// during peer recovery).
func (e *Engine) AcquireIndexCommit(gcp api.SeqNo, safe bool) (*api.Commit, error) {
	commits, err := e.ListCommits()
	if err != nil {
		return nil, err
	}
	return e.retention.AcquireIndexCommit(commits, gcp, safe), nil
}

// ReleaseIndexCommit releases a previously acquired commit.
func (e *Engine) ReleaseIndexCommit(c *api.Commit, gcp api.SeqNo) error {
	commits, err := e.ListCommits()
	if err != nil {
		return err
	}
	e.retention.ReleaseCommit(c, commits, gcp)
	return nil
}

// HasUnreferencedCommits reports whether a retention pass run now (with the
// engine's currently known commits) would delete at least one of them,
// without actually deleting anything. Spec §4.4 rule 6.
func (e *Engine) HasUnreferencedCommits(gcp api.SeqNo) (bool, error) {
	commits, err := e.ListCommits()
	if err != nil {
		return false, err
	}
	return e.retention.HasUnreferencedCommits(commits, gcp), nil
}

// ForceMerge compacts the underlying store, reclaiming space from
// tombstoned and superseded document versions. Badger has no concept of a
// target segment count: maxSegments is passed to Badger's Flatten as its
// worker count (values <= 0 become 1); flush, if true, durably commits a new
// index commit first
// (spec.md's forceMerge(maxSegments, flush, onlyExpungeDeletes)); when
// onlyExpungeDeletes is true, only the value-log GC pass runs (it is the
// part of compaction that actually reclaims tombstoned/superseded document
// versions) and the table-flattening pass is skipped.
func (e *Engine) ForceMerge(maxSegments int, flush bool, onlyExpungeDeletes bool) error {
	if flush {
		if _, err := e.Flush(e.shardLabel, map[string]string{}, false); err != nil {
			return fmt.Errorf("engine: force merge: pre-flush failed: %w", err)
		}
	}

	if err := e.db.RunValueLogGC(0.5); err != nil && err != badger.ErrNoRewrite {
		return fmt.Errorf("engine: force merge failed: %w", err)
	}
	if onlyExpungeDeletes {
		return nil
	}

	level := maxSegments
	if level <= 0 {
		level = 1
	}
	return e.db.Flatten(level)
}

// Search runs a query-string search against the bleve inverted index and
// returns matching document IDs ordered by descending score. Query syntax,
// relevance scoring, and field analysis are entirely bleve's own — this
// engine wires the inverted-index collaborator spec.md describes, it does
// not implement a query DSL or mapping parser of its own (both explicit
// non-goals).
func (e *Engine) Search(queryString string, limit int) ([]string, error) {
	if atomic.LoadInt32(&e.closed) != 0 {
		return nil, api.ErrShardClosed
	}
	if limit <= 0 {
		limit = 10
	}

	req := bleve.NewSearchRequestOptions(bleve.NewQueryStringQuery(queryString), limit, 0, false)
	res, err := e.searchIndex.Search(req)
	if err != nil {
		return nil, fmt.Errorf("engine: search failed: %w", err)
	}

	ids := make([]string, 0, len(res.Hits))
	for _, hit := range res.Hits {
		ids = append(ids, hit.ID)
	}
	return ids, nil
}

// Close flushes and closes the underlying store. The background value-log
// GC worker started by Open is stopped first.
func (e *Engine) Close() error {
	if !atomic.CompareAndSwapInt32(&e.closed, 0, 1) {
		return nil
	}
	e.gc.Close()
	if err := e.searchIndex.Close(); err != nil {
		logger.Warn("failed to close search index", "err", err)
	}
	return e.db.Close()
}

var logger = logging.GetLogger("shard/engine")
