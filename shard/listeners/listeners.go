// Package listeners implements the shard's two listener mechanisms: the
// synchronous pre/post indexing hooks run inline with every operation, and
// the asynchronous one-shot global-checkpoint listeners that fire as the
// checkpoint advances.
package listeners

import (
	"container/heap"
	"sync"

	"github.com/oasisprotocol/shardstore/common/logging"
	"github.com/oasisprotocol/shardstore/shard/api"
	"github.com/oasisprotocol/shardstore/shard/stats"
)

var logger = logging.GetLogger("shard/listeners")

// IndexingOperationListener mirrors spec §4.6.2's pre/post indexing hooks.
// An implementation must provide all four methods.
type IndexingOperationListener interface {
	// PreIndex may transform op (e.g. inject metadata) before it reaches the
	// engine. Returning an error aborts the operation before it is applied.
	PreIndex(shard api.ShardID, op api.Operation) (api.Operation, error)
	// PostIndex observes the outcome of an applied index operation. failure
	// is non-nil if the operation failed.
	PostIndex(shard api.ShardID, op api.Operation, failure error)
	// PreDelete may veto a delete before it reaches the engine.
	PreDelete(shard api.ShardID, op api.Operation) (api.Operation, error)
	// PostDelete observes the outcome of an applied delete operation.
	PostDelete(shard api.ShardID, op api.Operation, failure error)
}

// Registry dispatches to a list of IndexingOperationListeners, defensively:
// a panicking listener never aborts the operation pipeline and is counted
// via stats.IncListenerFailure. An error returned by a pre-hook is not
// counted; it stops the chain and is returned to the caller.
type Registry struct {
	mu        sync.RWMutex
	listeners []IndexingOperationListener
	shard     api.ShardID
	label     string
}

// NewRegistry creates an empty listener registry for the given shard.
func NewRegistry(shard api.ShardID, label string) *Registry {
	return &Registry{shard: shard, label: label}
}

// Add registers l to run on every subsequent operation, in registration
// order, for both pre- and post-hooks.
func (r *Registry) Add(l IndexingOperationListener) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.listeners = append(r.listeners, l)
}

func (r *Registry) snapshot() []IndexingOperationListener {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]IndexingOperationListener, len(r.listeners))
	copy(out, r.listeners)
	return out
}

// PreIndex runs every registered PreIndex hook in order, threading the
// (possibly transformed) operation through each. The first hook to return
// an error stops the chain and that error is returned to the caller, who
// must not apply the operation to the engine.
func (r *Registry) PreIndex(op api.Operation) (api.Operation, error) {
	for _, l := range r.snapshot() {
		var err error
		op, err = r.safePreIndex(l, op)
		if err != nil {
			return op, err
		}
	}
	return op, nil
}

func (r *Registry) safePreIndex(l IndexingOperationListener, op api.Operation) (out api.Operation, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			logger.Error("preIndex listener panicked", "panic", rec, "shard", r.shard)
			stats.IncListenerFailure(r.label)
			out, err = op, nil
		}
	}()
	return l.PreIndex(r.shard, op)
}

// PostIndex runs every registered PostIndex hook, independently capturing
// panics or the listeners never participating in op success/failure.
func (r *Registry) PostIndex(op api.Operation, failure error) {
	for _, l := range r.snapshot() {
		r.safePostIndex(l, op, failure)
	}
}

func (r *Registry) safePostIndex(l IndexingOperationListener, op api.Operation, failure error) {
	defer func() {
		if rec := recover(); rec != nil {
			logger.Error("postIndex listener panicked", "panic", rec, "shard", r.shard)
			stats.IncListenerFailure(r.label)
		}
	}()
	l.PostIndex(r.shard, op, failure)
}

// PreDelete runs every registered PreDelete hook in order.
func (r *Registry) PreDelete(op api.Operation) (api.Operation, error) {
	for _, l := range r.snapshot() {
		var err error
		op, err = r.safePreDelete(l, op)
		if err != nil {
			return op, err
		}
	}
	return op, nil
}

func (r *Registry) safePreDelete(l IndexingOperationListener, op api.Operation) (out api.Operation, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			logger.Error("preDelete listener panicked", "panic", rec, "shard", r.shard)
			stats.IncListenerFailure(r.label)
			out, err = op, nil
		}
	}()
	return l.PreDelete(r.shard, op)
}

// PostDelete runs every registered PostDelete hook.
func (r *Registry) PostDelete(op api.Operation, failure error) {
	for _, l := range r.snapshot() {
		r.safePostDelete(l, op, failure)
	}
}

func (r *Registry) safePostDelete(l IndexingOperationListener, op api.Operation, failure error) {
	defer func() {
		if rec := recover(); rec != nil {
			logger.Error("postDelete listener panicked", "panic", rec, "shard", r.shard)
			stats.IncListenerFailure(r.label)
		}
	}()
	l.PostDelete(r.shard, op, failure)
}

// GlobalCheckpointCallback receives the checkpoint the listener was waiting
// for (or UnassignedSeqNo on shard close) and a non-nil error only on close.
type GlobalCheckpointCallback func(gcp api.SeqNo, err error)

type gcpWaiter struct {
	threshold api.SeqNo
	seq       int64 // registration order, used as the heap tie-break
	callback  GlobalCheckpointCallback
}

type gcpHeap []*gcpWaiter

func (h gcpHeap) Len() int { return len(h) }
func (h gcpHeap) Less(i, j int) bool {
	if h[i].threshold != h[j].threshold {
		return h[i].threshold < h[j].threshold
	}
	return h[i].seq < h[j].seq
}
func (h gcpHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }
func (h *gcpHeap) Push(x interface{}) {
	*h = append(*h, x.(*gcpWaiter))
}
func (h *gcpHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}

// GlobalCheckpointListeners implements spec §4.6.7: one-shot callbacks that
// fire, in threshold-crossing order, as the global checkpoint advances, an
// executor function runs every ready callback asynchronously.
type GlobalCheckpointListeners struct {
	mu      sync.Mutex
	waiters gcpHeap
	nextSeq int64
	gcp     api.SeqNo
	closed  bool

	run func(func())
}

// NewGlobalCheckpointListeners creates a registry tracking an initial
// checkpoint. run executes a ready callback; pass nil to run inline
// (primarily for tests), or a goroutine-spawning function in production so
// registration calls never block on listener code (spec: "the call itself
// does not block").
func NewGlobalCheckpointListeners(initial api.SeqNo, run func(func())) *GlobalCheckpointListeners {
	if run == nil {
		run = func(f func()) { f() }
	}
	return &GlobalCheckpointListeners{gcp: initial, run: run}
}

// Add registers callback to fire once the global checkpoint reaches or
// exceeds waitForSeqNo. If already satisfied, it fires immediately
// (asynchronously, per run).
func (g *GlobalCheckpointListeners) Add(waitForSeqNo api.SeqNo, callback GlobalCheckpointCallback) {
	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		g.run(func() { callback(api.UnassignedSeqNo, api.ErrShardClosed) })
		return
	}
	if g.gcp >= waitForSeqNo {
		gcp := g.gcp
		g.mu.Unlock()
		g.run(func() { callback(gcp, nil) })
		return
	}

	w := &gcpWaiter{threshold: waitForSeqNo, seq: g.nextSeq, callback: callback}
	g.nextSeq++
	heap.Push(&g.waiters, w)
	g.mu.Unlock()
}

// Advance updates the tracked checkpoint and fires every waiter whose
// threshold has now been crossed, in threshold order (ties broken by
// registration order, satisfying spec §5's ordering guarantee).
func (g *GlobalCheckpointListeners) Advance(gcp api.SeqNo) {
	g.mu.Lock()
	if gcp <= g.gcp {
		g.mu.Unlock()
		return
	}
	g.gcp = gcp

	var ready []*gcpWaiter
	for g.waiters.Len() > 0 && g.waiters[0].threshold <= gcp {
		ready = append(ready, heap.Pop(&g.waiters).(*gcpWaiter))
	}
	g.mu.Unlock()

	for _, w := range ready {
		cb := w.callback
		g.run(func() { cb(gcp, nil) })
	}
}

// Close fails every still-pending waiter with ShardClosed and refuses all
// future registrations the same way.
func (g *GlobalCheckpointListeners) Close() {
	g.mu.Lock()
	g.closed = true
	pending := []*gcpWaiter(g.waiters)
	g.waiters = nil
	g.mu.Unlock()

	for _, w := range pending {
		cb := w.callback
		g.run(func() { cb(api.UnassignedSeqNo, api.ErrShardClosed) })
	}
}
