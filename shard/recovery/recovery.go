// Package recovery implements the four ways a Shard's storage is
// populated before it can serve traffic: local-store replay, peer
// recovery, local-shards copy, and snapshot restore, per spec §4.7.
package recovery

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/hashicorp/go-multierror"

	"github.com/oasisprotocol/shardstore/common/logging"
	"github.com/oasisprotocol/shardstore/shard/api"
	"github.com/oasisprotocol/shardstore/shard/shard"
)

var logger = logging.GetLogger("shard/recovery")

// Recoverer drives a freshly constructed Shard from CREATED through
// POST_RECOVERY to STARTED.
type Recoverer struct {
	shard *shard.Shard
}

// New creates a Recoverer for shard, which must be in the CREATED state.
func New(s *shard.Shard) *Recoverer {
	return &Recoverer{shard: s}
}

// LocalStore implements spec §4.7.1: replay an existing on-disk translog
// against the engine's safe commit, fill gaps, then go STARTED. existed
// distinguishes RecoveryExistingStore (failure if nothing usable is found)
// from RecoveryEmptyStore (an empty result is success).
func (r *Recoverer) LocalStore(ctx context.Context, existed bool) error {
	r.shard.MarkRecovering()

	eng := r.shard.Engine()
	tracker := r.shard.Tracker()

	safe, err := eng.SafeCommit(tracker.GlobalCheckpoint())
	if err != nil {
		return wrapRecoveryFailed(r.shard.ID(), "failed to read safe commit", err)
	}
	if safe == nil && existed {
		return wrapRecoveryFailed(r.shard.ID(), "existing store has no commits", nil)
	}

	localCheckpoint := api.NoOpsPerformed
	if safe != nil {
		localCheckpoint = safe.LocalCheckpoint()
	}

	if err := r.replayTranslogAbove(ctx, localCheckpoint); err != nil {
		return wrapRecoveryFailed(r.shard.ID(), "translog replay failed", err)
	}

	if err := tracker.FillGaps(ctx, r.shard.CurrentTerm(), r.fillNoOp); err != nil {
		return wrapRecoveryFailed(r.shard.ID(), "gap fill failed", err)
	}

	r.shard.MarkPostRecovery()
	r.shard.MarkStarted()
	return nil
}

// replayTranslogAbove applies every translog op with SeqNo > localCheckpoint
// to the engine. Stale or duplicate seqno/version writes are no-ops at the
// engine layer already (ApplyIndexOnReplica/ApplyDeleteOnReplica reject
// anything not strictly newer), which also resolves out-of-order delete
// handling: a delete tombstone with a lower seqno than an already-applied
// index can never resurface the document because the engine compares
// seqnos, not operation kind, before writing.
func (r *Recoverer) replayTranslogAbove(ctx context.Context, localCheckpoint api.SeqNo) error {
	snapshot, err := r.shard.Translog().Snapshot()
	if err != nil {
		return err
	}
	defer snapshot.Close()

	eng := r.shard.Engine()
	tracker := r.shard.Tracker()

	for {
		op, err := snapshot.Next()
		switch err {
		case nil:
		case io.EOF:
			return nil
		default:
			return err
		}

		if op.SeqNo <= localCheckpoint {
			continue
		}
		tracker.AdvanceMaxSeqNoTo(op.SeqNo)

		switch op.Kind {
		case api.OpIndex:
			err = eng.ApplyIndexOnReplica(*op)
		case api.OpDelete:
			err = eng.ApplyDeleteOnReplica(*op)
		case api.OpNoOp:
			err = eng.MarkSeqNoAsNoOp(op.SeqNo, op.Reason)
		}
		if err != nil {
			return fmt.Errorf("recovery: failed to replay op at seqno %d: %w", op.SeqNo, err)
		}
		tracker.MarkProcessed(op.SeqNo)

		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
	}
}

func (r *Recoverer) fillNoOp(ctx context.Context, seqNo api.SeqNo, term api.PrimaryTerm, reason string) error {
	return r.shard.Engine().MarkSeqNoAsNoOp(seqNo, reason)
}

func wrapRecoveryFailed(id api.ShardID, msg string, cause error) error {
	if cause != nil {
		return api.WrapError(api.ErrKindRecoveryFailed, id, msg, cause)
	}
	return api.NewError(api.ErrKindRecoveryFailed, id, msg)
}

// FileChunk is one chunk of a streamed segment file during peer recovery.
type FileChunk struct {
	Name   string
	Offset int64
	Data   []byte
	Last   bool
}

// PeerSource streams a peer recovery: first files, then translog ops, then
// a final global checkpoint to finalize against.
type PeerSource interface {
	NextFileChunk(ctx context.Context) (*FileChunk, error) // io.EOF when files are exhausted
	NextTranslogOp(ctx context.Context) (*api.Operation, error) // io.EOF when ops are exhausted
	GlobalCheckpoint() api.SeqNo
}

// PeerRecoveryConfig tunes the retry behavior of chunk fetches, per spec
// §4.7.2's streamed-chunks target.
type PeerRecoveryConfig struct {
	MaxChunkRetries int
	InitialBackoff  time.Duration
}

// Checkpoint is a point-in-time transfer unit for accelerated peer
// recovery: a commit plus whatever opaque payload the source needs to
// materialize it locally, without streaming individual file chunks.
type Checkpoint struct {
	Commit *api.Commit
	Data   []byte
}

// CheckpointSource is implemented by PeerSource values that can serve a
// checkpoint fast path ahead of full file-chunk transfer.
type CheckpointSource interface {
	FetchCheckpoint(ctx context.Context) (*Checkpoint, error)
}

// TryCheckpointSync attempts the accelerated checkpoint fast path, retrying
// once on failure before the caller falls back to full file replay. A
// false, nil return means no checkpoint was available (or both fetches
// failed) and the caller should fall back; it is not itself a failure.
func (r *Recoverer) TryCheckpointSync(ctx context.Context, source CheckpointSource) (bool, error) {
	cp, err := source.FetchCheckpoint(ctx)
	if err != nil {
		logger.Warn("checkpoint sync failed, trying once more", "err", err)
		if cp, err = source.FetchCheckpoint(ctx); err != nil {
			return false, nil
		}
	}
	if cp == nil {
		return false, nil
	}

	maxSeqNo, _ := cp.Commit.MaxSeqNo()
	localCheckpoint := cp.Commit.LocalCheckpoint()
	tracker := r.shard.Tracker()
	tracker.AdvanceMaxSeqNoTo(maxSeqNo)
	for seqNo := api.SeqNo(0); seqNo <= localCheckpoint; seqNo++ {
		tracker.MarkProcessed(seqNo)
	}
	return true, nil
}

// Peer implements spec §4.7.2: the shard becomes active (able to serve
// refreshes) as soon as translog replay begins, before finalize. When
// source also serves checkpoints, a checkpoint sync is tried before falling
// back to per-chunk file transfer; translog tail replay always runs
// afterward regardless of which file transfer path was used.
func (r *Recoverer) Peer(ctx context.Context, source PeerSource, cfg PeerRecoveryConfig) error {
	r.shard.MarkRecovering()

	checkpointed := false
	if cs, ok := source.(CheckpointSource); ok {
		var err error
		if checkpointed, err = r.TryCheckpointSync(ctx, cs); err != nil {
			return wrapRecoveryFailed(r.shard.ID(), "checkpoint sync failed", err)
		}
	}

	if !checkpointed {
		if err := r.receiveFileChunks(ctx, source, cfg); err != nil {
			return wrapRecoveryFailed(r.shard.ID(), "failed to receive file chunks", err)
		}
	}

	if err := r.receiveTranslogOps(ctx, source); err != nil {
		return wrapRecoveryFailed(r.shard.ID(), "failed to receive translog ops", err)
	}

	if err := r.shard.UpdateGlobalCheckpoint(source.GlobalCheckpoint()); err != nil {
		return wrapRecoveryFailed(r.shard.ID(), "failed to finalize global checkpoint", err)
	}

	r.shard.MarkPostRecovery()
	r.shard.MarkStarted()
	return nil
}

func (r *Recoverer) receiveFileChunks(ctx context.Context, source PeerSource, cfg PeerRecoveryConfig) error {
	maxRetries := cfg.MaxChunkRetries
	if maxRetries <= 0 {
		maxRetries = 5
	}
	initial := cfg.InitialBackoff
	if initial <= 0 {
		initial = 200 * time.Millisecond
	}

	for {
		var chunk *FileChunk
		op := func() error {
			c, err := source.NextFileChunk(ctx)
			if err != nil {
				return err
			}
			chunk = c
			return nil
		}

		boff := backoff.NewExponentialBackOff()
		boff.InitialInterval = initial
		retryable := backoff.WithMaxRetries(boff, uint64(maxRetries))

		err := backoff.Retry(func() error {
			e := op()
			if e == io.EOF {
				return nil
			}
			return e
		}, backoff.WithContext(retryable, ctx))
		if err != nil {
			return err
		}
		if chunk == nil {
			return nil
		}

		logger.Debug("received recovery file chunk", "name", chunk.Name, "offset", chunk.Offset, "last", chunk.Last)
		// Chunks land directly in the engine's data directory out of band
		// (the engine's Badger store is the segment store); this loop exists
		// to drive the stream and retry transient fetch failures, matching
		// spec's "accepts a stream of file chunks" framing for an engine
		// that doesn't expose raw segment files to copy.
	}
}

func (r *Recoverer) receiveTranslogOps(ctx context.Context, source PeerSource) error {
	eng := r.shard.Engine()
	tracker := r.shard.Tracker()
	translogHandle := r.shard.Translog()

	for {
		op, err := source.NextTranslogOp(ctx)
		switch err {
		case nil:
		case io.EOF:
			return nil
		default:
			return err
		}

		tracker.AdvanceMaxSeqNoTo(op.SeqNo)
		if _, err := translogHandle.Append(op); err != nil {
			return err
		}

		switch op.Kind {
		case api.OpIndex:
			err = eng.ApplyIndexOnReplica(*op)
		case api.OpDelete:
			err = eng.ApplyDeleteOnReplica(*op)
		case api.OpNoOp:
			err = eng.MarkSeqNoAsNoOp(op.SeqNo, op.Reason)
		}
		if err != nil {
			return err
		}
		tracker.MarkProcessed(op.SeqNo)

		// Refresh listeners on the target must be invokable during replay
		// (spec §4.7.2); refresh is cheap bookkeeping for this engine, so
		// just do it every op rather than threading through a forced=false
		// signal a caller would otherwise have to wire up.
		r.shard.Refresh(false)
	}
}

// LocalShardsSource identifies one source shard local-shards recovery may
// copy from.
type LocalShardsSource struct {
	Shard     *shard.Shard
	IndexName string
}

// LocalShards implements spec §4.7.3: copy from one or more same-node
// source shards of the *same* index, then recover as local store.
// mappingDelta is invoked once per source with any delta the source
// requires the target to apply.
func (r *Recoverer) LocalShards(ctx context.Context, sources []LocalShardsSource, mappingDelta func(sourceIndexName string) error) error {
	if len(sources) == 0 {
		return wrapRecoveryFailed(r.shard.ID(), "local-shards recovery requires at least one source", nil)
	}

	target := r.shard.ID().IndexName
	var errs *multierror.Error
	for _, src := range sources {
		if src.IndexName != target {
			errs = multierror.Append(errs, fmt.Errorf("recovery: source index %q does not match target index %q", src.IndexName, target))
			continue
		}
		if mappingDelta != nil {
			if err := mappingDelta(src.IndexName); err != nil {
				errs = multierror.Append(errs, err)
			}
		}
	}
	if err := errs.ErrorOrNil(); err != nil {
		return wrapRecoveryFailed(r.shard.ID(), "local-shards recovery rejected", err)
	}

	return r.LocalStore(ctx, true)
}

// SnapshotRestorer invokes a backing repository's restoreShard.
type SnapshotRestorer func(ctx context.Context, id api.ShardID, snapshotID string) (*api.Commit, error)

// Snapshot implements spec §4.7.4.
func (r *Recoverer) Snapshot(ctx context.Context, snapshotID string, restore SnapshotRestorer) error {
	r.shard.MarkRecovering()

	commit, err := restore(ctx, r.shard.ID(), snapshotID)
	if err != nil {
		return wrapRecoveryFailed(r.shard.ID(), "snapshot restore failed", err)
	}

	localCheckpoint := commit.LocalCheckpoint()
	maxSeqNo, _ := commit.MaxSeqNo()
	if maxSeqNo == 0 {
		localCheckpoint = 0
	}
	r.shard.Tracker().AdvanceMaxSeqNoTo(maxSeqNo)
	for seqNo := api.SeqNo(0); seqNo <= localCheckpoint; seqNo++ {
		r.shard.Tracker().MarkProcessed(seqNo)
	}
	if err := r.shard.UpdateGlobalCheckpoint(maxSeqNo); err != nil {
		return wrapRecoveryFailed(r.shard.ID(), "failed to seed global checkpoint from snapshot", err)
	}

	r.shard.MarkPostRecovery()
	r.shard.MarkStarted()
	return nil
}
