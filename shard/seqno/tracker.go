// Package seqno implements the per-shard sequence number tracker: seqno
// allocation, local/global checkpoint advancement, and gap-filling.
package seqno

import (
	"container/heap"
	"context"
	"fmt"
	"sync"

	"github.com/oasisprotocol/shardstore/common/logging"
	"github.com/oasisprotocol/shardstore/shard/api"
)

var logger = logging.GetLogger("shard/seqno")

// NoOpFiller applies a no-op at the given seqno under the given term. The
// Shard facade supplies this as a closure over its engine.
type NoOpFiller func(ctx context.Context, seqNo api.SeqNo, term api.PrimaryTerm, reason string) error

// Tracker allocates sequence numbers and tracks the local and global
// checkpoints for a single shard copy.
type Tracker struct {
	mu sync.Mutex

	maxSeqNo        api.SeqNo
	localCheckpoint api.SeqNo
	globalCheckpoint api.SeqNo

	// processed holds seqnos > localCheckpoint that have completed, pending
	// the local checkpoint advancing past any contiguous run of them.
	processed minHeap
}

// New creates a Tracker with both checkpoints at NoOpsPerformed, matching a
// freshly created or freshly recovered-to-empty shard.
func New() *Tracker {
	return &Tracker{
		maxSeqNo:         api.NoOpsPerformed,
		localCheckpoint:  api.NoOpsPerformed,
		globalCheckpoint: api.NoOpsPerformed,
	}
}

// Restore rehydrates a Tracker from a previously persisted local checkpoint
// (e.g. from a commit's LOCAL_CHECKPOINT), used by recovery.
func Restore(localCheckpoint, maxSeqNo, globalCheckpoint api.SeqNo) *Tracker {
	return &Tracker{
		maxSeqNo:         maxSeqNo,
		localCheckpoint:  localCheckpoint,
		globalCheckpoint: globalCheckpoint,
	}
}

// Generate allocates and returns the next sequence number. Strictly
// increasing across all callers.
func (t *Tracker) Generate() api.SeqNo {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.maxSeqNo++
	return t.maxSeqNo
}

// MarkProcessed records that seqNo's operation has completed (successfully
// or as a no-op), advancing the local checkpoint as far as the longest
// contiguous processed prefix allows.
func (t *Tracker) MarkProcessed(seqNo api.SeqNo) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if seqNo <= t.localCheckpoint {
		// Already covered (duplicate completion, e.g. a replayed op).
		return
	}

	heap.Push(&t.processed, seqNo)
	for t.processed.Len() > 0 && t.processed[0] == t.localCheckpoint+1 {
		t.localCheckpoint = heap.Pop(&t.processed).(api.SeqNo)
	}
}

// LocalCheckpoint returns the largest seqno N such that every seqno in
// [0,N] has processed.
func (t *Tracker) LocalCheckpoint() api.SeqNo {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.localCheckpoint
}

// MaxSeqNo returns the largest seqno allocated so far.
func (t *Tracker) MaxSeqNo() api.SeqNo {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.maxSeqNo
}

// GlobalCheckpoint returns the largest seqno known durable on every
// in-sync copy.
func (t *Tracker) GlobalCheckpoint() api.SeqNo {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.globalCheckpoint
}

// UpdateGlobalCheckpointFromPrimary advances the replica-local view of the
// global checkpoint. It refuses to go backwards.
func (t *Tracker) UpdateGlobalCheckpointFromPrimary(ck api.SeqNo) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if ck < t.globalCheckpoint {
		return fmt.Errorf("seqno: global checkpoint cannot go backwards (have %d, got %d)", t.globalCheckpoint, ck)
	}
	t.globalCheckpoint = ck
	return nil
}

// AdvanceMaxSeqNoTo ensures maxSeqNo is at least seqNo, used when a
// replica/recovery observes an op at a higher seqno than any generated
// locally (e.g. replaying translog ops out of generation order).
func (t *Tracker) AdvanceMaxSeqNoTo(seqNo api.SeqNo) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if seqNo > t.maxSeqNo {
		t.maxSeqNo = seqNo
	}
}

// FillGaps enqueues a NoOp under term for every seqno in
// (localCheckpoint, maxSeqNo] that has not yet processed, and waits for all
// of them to complete via fill. It returns once localCheckpoint == maxSeqNo
// or the first filler error.
func (t *Tracker) FillGaps(ctx context.Context, term api.PrimaryTerm, fill NoOpFiller) error {
	for {
		t.mu.Lock()
		if t.localCheckpoint >= t.maxSeqNo {
			t.mu.Unlock()
			return nil
		}
		gap := t.localCheckpoint + 1
		inFlight := t.processedContains(gap)
		t.mu.Unlock()

		if inFlight {
			// Someone already filled/indexed this seqno; MarkProcessed will
			// advance past it on its own. Avoid double-filling by checking
			// again after a notional completion; callers serialize gap
			// filling via the permit block mode so this path is rare.
			continue
		}

		if err := fill(ctx, gap, term, "primary promotion gap fill"); err != nil {
			return fmt.Errorf("seqno: failed to fill gap at %d: %w", gap, err)
		}
		t.MarkProcessed(gap)
		logger.Debug("filled seqno gap with no-op", "seq_no", gap, "term", term)
	}
}

func (t *Tracker) processedContains(seqNo api.SeqNo) bool {
	for _, s := range t.processed {
		if s == seqNo {
			return true
		}
	}
	return false
}

type minHeap []api.SeqNo

func (h minHeap) Len() int            { return len(h) }
func (h minHeap) Less(i, j int) bool  { return h[i] < h[j] }
func (h minHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *minHeap) Push(x interface{}) { *h = append(*h, x.(api.SeqNo)) }
func (h *minHeap) Pop() interface{} {
	old := *h
	n := len(old)
	x := old[n-1]
	*h = old[:n-1]
	return x
}
