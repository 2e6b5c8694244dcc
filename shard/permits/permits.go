// Package permits implements the shard's counted operation-permit scheme:
// normal fast-path acquisition, and a "block new, drain, then resume" mode
// used to serialize role transitions (primary promotion, relocation) against
// in-flight operations.
package permits

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/oasisprotocol/shardstore/shard/api"
	"github.com/oasisprotocol/shardstore/shard/stats"
)

// Permit is a scoped authorization to perform one operation under the term
// it was acquired at. Release is idempotent and must be called on every
// exit path.
type Permit struct {
	term     api.PrimaryTerm
	release  func()
	released bool
	mu       sync.Mutex
}

// Term returns the primary term this permit was acquired under.
func (p *Permit) Term() api.PrimaryTerm { return p.term }

// Release returns the permit. Safe to call more than once.
func (p *Permit) Release() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.released {
		return
	}
	p.released = true
	p.release()
}

type waiter struct {
	ch     chan acquireResult
	cancel <-chan struct{}
}

type acquireResult struct {
	permit *Permit
	err    error
}

// Permits is the per-shard counted permit structure.
type Permits struct {
	mu sync.Mutex

	shardLabel string

	active      int32
	currentTerm api.PrimaryTerm

	blocked bool
	drained chan struct{} // closed when active==0 while blocked
	queue   []*waiter

	closed bool
}

// New creates a Permits tracker starting at initialTerm.
func New(shardLabel string, initialTerm api.PrimaryTerm) *Permits {
	return &Permits{shardLabel: shardLabel, currentTerm: initialTerm}
}

// CurrentTerm returns the term new fast-path acquisitions are admitted
// under.
func (p *Permits) CurrentTerm() api.PrimaryTerm {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.currentTerm
}

// ActiveCount returns the number of currently outstanding permits.
func (p *Permits) ActiveCount() int32 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.active
}

// Acquire acquires a permit under the current term, waiting up to timeout
// if a block is in progress. A zero timeout waits forever; a negative
// timeout never waits.
func (p *Permits) Acquire(ctx context.Context, timeout time.Duration) (*Permit, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, api.ErrShardClosed
	}
	if !p.blocked {
		permit := p.admitLocked(p.currentTerm)
		p.mu.Unlock()
		return permit, nil
	}
	if timeout < 0 {
		p.mu.Unlock()
		return nil, api.ErrPermitTimeout
	}
	w := p.enqueueLocked()
	p.mu.Unlock()

	return p.awaitLocked(ctx, w, timeout)
}

// AcquireReplicaPermit implements spec §4.5's term-aware replica
// acquisition: a stale term fails immediately, a future term drains and
// advances local state via onAdvance before admitting the caller (and
// every other queued acquirer) under the new term, and a matching term is
// a fast path.
//
// onAdvance is invoked exactly once, with the block held, when opTerm is
// strictly greater than the current term; it must perform the promotion
// side effects (advance term, advance GCP, fill gaps, roll translog) and
// return the (clamped) global checkpoint that was actually applied.
func (p *Permits) AcquireReplicaPermit(
	ctx context.Context,
	opTerm api.PrimaryTerm,
	newGlobalCheckpoint api.SeqNo,
	timeout time.Duration,
	onAdvance func(ctx context.Context, newTerm api.PrimaryTerm, newGCP api.SeqNo) error,
) (*Permit, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, api.ErrShardClosed
	}

	if opTerm < p.currentTerm {
		p.mu.Unlock()
		return nil, api.ErrTermTooOld
	}

	if opTerm == p.currentTerm && !p.blocked {
		permit := p.admitLocked(p.currentTerm)
		p.mu.Unlock()
		return permit, nil
	}

	if opTerm == p.currentTerm {
		// Same term but a block (e.g. relocation) is already in progress:
		// queue like a normal acquisition.
		w := p.enqueueLocked()
		p.mu.Unlock()
		return p.awaitLocked(ctx, w, timeout)
	}

	// opTerm > currentTerm: this caller is responsible for driving the term
	// bump, unless another goroutine is already blocking for the same (or a
	// higher) reason.
	if p.blocked {
		w := p.enqueueLocked()
		p.mu.Unlock()
		return p.awaitLocked(ctx, w, timeout)
	}

	p.enterBlockLocked()
	p.mu.Unlock()

	if err := p.awaitDrain(ctx); err != nil {
		p.releaseBlock(nil)
		return nil, err
	}

	if err := onAdvance(ctx, opTerm, newGlobalCheckpoint); err != nil {
		p.releaseBlock(nil)
		return nil, fmt.Errorf("permits: term advance failed: %w", err)
	}

	p.mu.Lock()
	p.currentTerm = opTerm
	p.mu.Unlock()

	permit := p.admit(opTerm)
	p.releaseBlock(nil)

	return permit, nil
}

// AcquirePrimaryPermit acquires a permit for a primary-only operation,
// failing with NotPrimary unless routing is currently in primary mode.
func (p *Permits) AcquirePrimaryPermit(ctx context.Context, routing api.Routing, timeout time.Duration) (*Permit, error) {
	if !routing.IsPrimaryMode() {
		return nil, api.ErrNotPrimary
	}
	return p.Acquire(ctx, timeout)
}

// BlockNewAndDrain enters block mode (refusing new fast-path acquisitions),
// waits for every outstanding permit to release, then invokes onDrained
// while still holding the block. It returns a release function the caller
// must invoke to resume queued acquirers (and all future ones) — always,
// even on error from onDrained, to avoid deadlocking the shard.
func (p *Permits) BlockNewAndDrain(ctx context.Context, onDrained func() error) (release func(), err error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, api.ErrShardClosed
	}
	if p.blocked {
		p.mu.Unlock()
		return nil, fmt.Errorf("permits: a block is already in progress")
	}
	p.enterBlockLocked()
	p.mu.Unlock()

	if err := p.awaitDrain(ctx); err != nil {
		p.releaseBlock(nil)
		return nil, err
	}

	var drainedErr error
	if onDrained != nil {
		drainedErr = onDrained()
	}

	return func() { p.releaseBlock(nil) }, drainedErr
}

func (p *Permits) enterBlockLocked() {
	p.blocked = true
	p.drained = make(chan struct{})
	if p.active == 0 {
		close(p.drained)
	}
}

func (p *Permits) awaitDrain(ctx context.Context) error {
	p.mu.Lock()
	ch := p.drained
	p.mu.Unlock()

	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// releaseBlock ends block mode and admits every queued waiter, in FIFO
// order, under the current term. termOverride, if non-nil, is used instead
// of the Permits' currentTerm (unused currently, reserved for callers that
// need to admit queued waiters under a term different from what they
// observe after the block — not exercised by this engine's call sites).
func (p *Permits) releaseBlock(termOverride *api.PrimaryTerm) {
	p.mu.Lock()
	p.blocked = false
	term := p.currentTerm
	if termOverride != nil {
		term = *termOverride
	}
	queued := p.queue
	p.queue = nil
	p.mu.Unlock()

	for _, w := range queued {
		permit := p.admit(term)
		select {
		case w.ch <- acquireResult{permit: permit}:
		case <-w.cancel:
			permit.Release()
		}
	}
}

func (p *Permits) enqueueLocked() *waiter {
	w := &waiter{ch: make(chan acquireResult, 1)}
	p.queue = append(p.queue, w)
	return w
}

func (p *Permits) awaitLocked(ctx context.Context, w *waiter, timeout time.Duration) (*Permit, error) {
	var timer *time.Timer
	var timeoutCh <-chan time.Time
	if timeout > 0 {
		timer = time.NewTimer(timeout)
		defer timer.Stop()
		timeoutCh = timer.C
	}

	select {
	case res := <-w.ch:
		return res.permit, res.err
	case <-ctx.Done():
		p.removeFromQueue(w)
		return nil, ctx.Err()
	case <-timeoutCh:
		p.removeFromQueue(w)
		return nil, api.ErrPermitTimeout
	}
}

func (p *Permits) removeFromQueue(w *waiter) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i, q := range p.queue {
		if q == w {
			p.queue = append(p.queue[:i], p.queue[i+1:]...)
			return
		}
	}
}

func (p *Permits) admitLocked(term api.PrimaryTerm) *Permit {
	p.active++
	stats.SetActivePermits(p.shardLabel, p.active)
	return p.newPermit(term)
}

func (p *Permits) admit(term api.PrimaryTerm) *Permit {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.admitLocked(term)
}

func (p *Permits) newPermit(term api.PrimaryTerm) *Permit {
	return &Permit{
		term: term,
		release: func() {
			p.mu.Lock()
			p.active--
			stats.SetActivePermits(p.shardLabel, p.active)
			if p.blocked && p.active == 0 {
				close(p.drained)
			}
			p.mu.Unlock()
		},
	}
}

// SetCurrentTerm forcibly sets the term under which future fast-path
// acquisitions are admitted. Callers (the Shard facade's promotion and
// relocation paths) must only call this while holding a block obtained from
// BlockNewAndDrain, so that no permit is concurrently admitted under the
// stale term.
func (p *Permits) SetCurrentTerm(term api.PrimaryTerm) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.currentTerm = term
}

// Close permanently refuses all future acquisitions and fails every queued
// waiter with ErrShardClosed.
func (p *Permits) Close() {
	p.mu.Lock()
	p.closed = true
	queued := p.queue
	p.queue = nil
	p.mu.Unlock()

	for _, w := range queued {
		select {
		case w.ch <- acquireResult{err: api.ErrShardClosed}:
		case <-w.cancel:
		}
	}
}
