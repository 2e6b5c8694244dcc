// Package shard implements the Shard facade: the state machine, indexing
// paths, flush/refresh schedulers, primary promotion, relocation hand-off,
// and close/fail semantics that tie together the engine, translog, seqno
// tracker, operation permits, retention policy and listeners.
package shard

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/eapache/channels"

	"github.com/oasisprotocol/shardstore/common/logging"
	"github.com/oasisprotocol/shardstore/shard/api"
	"github.com/oasisprotocol/shardstore/shard/engine"
	"github.com/oasisprotocol/shardstore/shard/listeners"
	"github.com/oasisprotocol/shardstore/shard/permits"
	"github.com/oasisprotocol/shardstore/shard/seqno"
	"github.com/oasisprotocol/shardstore/shard/stats"
	"github.com/oasisprotocol/shardstore/shard/translog"
)

// Config configures a new Shard instance. Populated from the config
// package's viper-bound flags.
type Config struct {
	ID       api.ShardID
	DataPath string

	Durability               api.Durability
	FlushThresholdSizeBytes  int64
	GenerationThresholdBytes int64
	RefreshInterval          time.Duration // -1 disables scheduled refresh
	SearchIdleAfter          time.Duration
	MemoryOnly               bool
	NoFsync                  bool
}

// Shard is the public facade over one shard copy's storage engine,
// translog, and lifecycle.
type Shard struct {
	id  api.ShardID
	cfg Config

	logger *logging.Logger
	label  string

	mu      sync.RWMutex
	state   api.Lifecycle
	routing api.Routing

	engine   *engine.Engine
	translog *translog.Translog
	tracker  *seqno.Tracker
	permits  *permits.Permits

	listeners    *listeners.Registry
	gcpListeners *listeners.GlobalCheckpointListeners

	flushTrigger *channels.InfiniteChannel
	quitCh       chan struct{}
	doneCh       chan struct{}

	flushInFlight int32 // atomic bool, coalesces concurrent afterWriteOperation triggers

	lastSearcherAccessNano int64 // atomic unix nanos
	idle                   int32 // atomic bool

	refreshTicker *time.Ticker
}

// New creates a Shard with a fresh (empty) engine and translog, at
// CREATED state. The caller must call Recoverer logic (or MarkRecovering,
// MarkPostRecovery and MarkStarted for the trivial empty-store case) before
// indexing.
func New(cfg Config, routing api.Routing) (*Shard, error) {
	label := cfg.ID.String()
	logger := logging.GetLogger("shard/shard").With("shard", label)

	translogUUID := fmt.Sprintf("%s-%d", cfg.ID.IndexUUID, time.Now().Unix())

	s := &Shard{
		id:      cfg.ID,
		cfg:     cfg,
		logger:  logger,
		label:   label,
		state:   api.StateCreated,
		routing: routing,

		tracker: seqno.New(),
		permits: permits.New(label, 0),

		listeners:    listeners.NewRegistry(cfg.ID, label),
		gcpListeners: listeners.NewGlobalCheckpointListeners(api.NoOpsPerformed, func(f func()) { go f() }),

		flushTrigger: channels.NewInfiniteChannel(),
		quitCh:       make(chan struct{}),
		doneCh:       make(chan struct{}),
	}

	tl, err := translog.OpenExisting(translog.Config{
		Dir:                      filepath.Join(cfg.DataPath, "translog"),
		UUID:                     translogUUID,
		GenerationThresholdBytes: cfg.GenerationThresholdBytes,
		InitialGeneration:        1,
		InitialPrimaryTerm:       0,
	})
	if err != nil {
		return nil, fmt.Errorf("shard: failed to open translog: %w", err)
	}
	tl.SetDurability(cfg.Durability)
	s.translog = tl

	eng, err := engine.Open(label, engine.Config{
		DataPath:     filepath.Join(cfg.DataPath, "index"),
		MemoryOnly:   cfg.MemoryOnly,
		NoFsync:      cfg.NoFsync,
		TranslogUUID: tl.UUID(),
	}, s.onRollGeneration)
	if err != nil {
		_ = tl.Close()
		return nil, fmt.Errorf("shard: failed to open engine: %w", err)
	}
	s.engine = eng

	stats.Register()
	go s.backgroundLoop()
	if cfg.RefreshInterval > 0 {
		s.refreshTicker = time.NewTicker(cfg.RefreshInterval)
		go s.scheduledRefreshLoop()
	}

	return s, nil
}

// Engine exposes the underlying engine, primarily for the Recoverer.
func (s *Shard) Engine() *engine.Engine { return s.engine }

// Translog exposes the underlying translog, primarily for the Recoverer.
func (s *Shard) Translog() *translog.Translog { return s.translog }

// Tracker exposes the seqno tracker, primarily for the Recoverer.
func (s *Shard) Tracker() *seqno.Tracker { return s.tracker }

// Listeners exposes the indexing listener registry for registration.
func (s *Shard) Listeners() *listeners.Registry { return s.listeners }

// ID returns the shard's identity.
func (s *Shard) ID() api.ShardID { return s.id }

// State returns the current lifecycle state.
func (s *Shard) State() api.Lifecycle {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// CurrentTerm returns the term new fast-path permit acquisitions are
// admitted under.
func (s *Shard) CurrentTerm() api.PrimaryTerm {
	return s.permits.CurrentTerm()
}

// Routing returns the current routing entry.
func (s *Shard) Routing() api.Routing {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.routing
}

// setState transitions the lifecycle forward. Callers must ensure the
// transition is legal; this only logs and stores.
func (s *Shard) setState(next api.Lifecycle) {
	s.mu.Lock()
	prev := s.state
	s.state = next
	s.mu.Unlock()
	s.logger.Info("shard state transition", "from", prev, "to", next)
}

// MarkPostRecovery transitions CREATED/RECOVERING to POST_RECOVERY. Called
// by the Recoverer once replay completes.
func (s *Shard) MarkPostRecovery() {
	s.setState(api.StatePostRecovery)
}

// MarkStarted transitions POST_RECOVERY to STARTED, enabling indexing.
func (s *Shard) MarkStarted() {
	s.setState(api.StateStarted)
}

// MarkRecovering transitions CREATED to RECOVERING.
func (s *Shard) MarkRecovering() {
	s.setState(api.StateRecovering)
}

func (s *Shard) requireStarted() error {
	if s.State() != api.StateStarted {
		return api.NewError(api.ErrKindShardNotStarted, s.id, "shard is not started")
	}
	return nil
}

// IndexPrimary implements spec §4.6.2's primary indexing path.
func (s *Shard) IndexPrimary(ctx context.Context, docID string, source []byte, version int64, versionType api.VersionType) (api.SeqNo, error) {
	if err := s.requireStarted(); err != nil {
		return api.UnassignedSeqNo, err
	}

	permit, err := s.permits.AcquirePrimaryPermit(ctx, s.Routing(), 0)
	if err != nil {
		return api.UnassignedSeqNo, err
	}
	defer permit.Release()

	op := api.Operation{
		Kind:        api.OpIndex,
		DocID:       docID,
		Source:      source,
		Version:     version,
		VersionType: versionType,
		SeqNo:       s.tracker.Generate(),
		PrimaryTerm: permit.Term(),
	}

	if err := s.applyIndex(&op); err != nil {
		return api.UnassignedSeqNo, err
	}

	s.afterWriteOperation()
	return op.SeqNo, nil
}

// IndexReplica implements spec §4.6.3's replica indexing path: seqno and
// term are supplied by the primary's replicated stream.
func (s *Shard) IndexReplica(ctx context.Context, docID string, source []byte, version int64, versionType api.VersionType, seqNo api.SeqNo, term api.PrimaryTerm, primaryGCP api.SeqNo) error {
	permit, err := s.permits.AcquireReplicaPermit(ctx, term, primaryGCP, 0, s.onTermAdvance)
	if err != nil {
		return err
	}
	defer permit.Release()

	s.tracker.AdvanceMaxSeqNoTo(seqNo)
	op := api.Operation{
		Kind: api.OpIndex, DocID: docID, Source: source, Version: version,
		VersionType: versionType, SeqNo: seqNo, PrimaryTerm: term,
	}
	if err := s.applyIndex(&op); err != nil {
		return err
	}

	s.afterWriteOperation()
	return nil
}

func (s *Shard) applyIndex(op *api.Operation) error {
	transformed, err := s.listeners.PreIndex(*op)
	if err != nil {
		s.listeners.PostIndex(*op, err)
		return err
	}
	*op = transformed

	loc, err := s.translog.Append(op)
	if err != nil {
		s.listeners.PostIndex(*op, err)
		return err
	}
	op.Location = loc

	applyErr := s.engine.ApplyIndexOnPrimary(*op)
	s.tracker.MarkProcessed(op.SeqNo)
	s.listeners.PostIndex(*op, applyErr)
	if applyErr != nil {
		return applyErr
	}

	if s.translog.Durability() == api.DurabilityRequest {
		if _, err := s.translog.EnsureSynced(loc); err != nil {
			return err
		}
	}
	return nil
}

// DeletePrimary implements the primary delete path, the mirror of
// IndexPrimary.
func (s *Shard) DeletePrimary(ctx context.Context, docID string, version int64, versionType api.VersionType) (api.SeqNo, error) {
	if err := s.requireStarted(); err != nil {
		return api.UnassignedSeqNo, err
	}

	permit, err := s.permits.AcquirePrimaryPermit(ctx, s.Routing(), 0)
	if err != nil {
		return api.UnassignedSeqNo, err
	}
	defer permit.Release()

	op := api.Operation{
		Kind: api.OpDelete, DocID: docID, Version: version, VersionType: versionType,
		SeqNo: s.tracker.Generate(), PrimaryTerm: permit.Term(),
	}
	if err := s.applyDelete(&op); err != nil {
		return api.UnassignedSeqNo, err
	}

	s.afterWriteOperation()
	return op.SeqNo, nil
}

// DeleteReplica implements the replica delete path.
func (s *Shard) DeleteReplica(ctx context.Context, docID string, version int64, versionType api.VersionType, seqNo api.SeqNo, term api.PrimaryTerm, primaryGCP api.SeqNo) error {
	permit, err := s.permits.AcquireReplicaPermit(ctx, term, primaryGCP, 0, s.onTermAdvance)
	if err != nil {
		return err
	}
	defer permit.Release()

	s.tracker.AdvanceMaxSeqNoTo(seqNo)
	op := api.Operation{Kind: api.OpDelete, DocID: docID, Version: version, VersionType: versionType, SeqNo: seqNo, PrimaryTerm: term}
	if err := s.applyDelete(&op); err != nil {
		return err
	}

	s.afterWriteOperation()
	return nil
}

func (s *Shard) applyDelete(op *api.Operation) error {
	transformed, err := s.listeners.PreDelete(*op)
	if err != nil {
		s.listeners.PostDelete(*op, err)
		return err
	}
	*op = transformed

	loc, err := s.translog.Append(op)
	if err != nil {
		s.listeners.PostDelete(*op, err)
		return err
	}
	op.Location = loc

	applyErr := s.engine.ApplyDeleteOnPrimary(*op)
	s.tracker.MarkProcessed(op.SeqNo)
	s.listeners.PostDelete(*op, applyErr)
	if applyErr != nil {
		return applyErr
	}

	if s.translog.Durability() == api.DurabilityRequest {
		if _, err := s.translog.EnsureSynced(loc); err != nil {
			return err
		}
	}
	return nil
}

// onTermAdvance is the AcquireReplicaPermit callback driving spec §4.6.4
// steps 3-5 for the replica side of a term bump (the primary-side
// equivalent is UpdateShardState, which also updates routing).
func (s *Shard) onTermAdvance(ctx context.Context, newTerm api.PrimaryTerm, newGCP api.SeqNo) error {
	oldGCP := s.tracker.GlobalCheckpoint()
	clamped := newGCP
	if clamped < oldGCP {
		clamped = oldGCP
	}
	if err := s.tracker.UpdateGlobalCheckpointFromPrimary(clamped); err != nil {
		return err
	}
	s.gcpListeners.Advance(clamped)

	if err := s.tracker.FillGaps(ctx, newTerm, s.fillNoOp); err != nil {
		return err
	}
	return s.translog.RollGeneration(newTerm)
}

func (s *Shard) fillNoOp(ctx context.Context, seqNo api.SeqNo, term api.PrimaryTerm, reason string) error {
	op := &api.Operation{Kind: api.OpNoOp, SeqNo: seqNo, PrimaryTerm: term, Reason: reason}
	if _, err := s.translog.Append(op); err != nil {
		return err
	}
	return s.engine.MarkSeqNoAsNoOp(seqNo, reason)
}

// afterWriteOperation implements spec §4.6.5's coalesced scheduling: a
// concurrent storm of calls produces at most one in-flight flush.
func (s *Shard) afterWriteOperation() {
	if s.translog.ShouldRollTranslogGeneration() {
		if err := s.translog.RollGeneration(0); err != nil {
			s.logger.Warn("failed to roll translog generation", "err", err)
		}
	}
	if s.shouldPeriodicallyFlush() {
		s.flushTrigger.In() <- struct{}{}
	}
}

func (s *Shard) shouldPeriodicallyFlush() bool {
	return s.translog.Stats().UncommittedSizeBytes > s.cfg.FlushThresholdSizeBytes
}

func (s *Shard) backgroundLoop() {
	defer close(s.doneCh)
	for {
		select {
		case <-s.quitCh:
			return
		case <-s.flushTrigger.Out():
			if !s.shouldPeriodicallyFlush() {
				// An earlier flush already cleared the threshold this trigger was for.
				continue
			}
			if !atomic.CompareAndSwapInt32(&s.flushInFlight, 0, 1) {
				continue
			}
			if _, err := s.Flush(true); err != nil {
				s.logger.Warn("periodic flush failed", "err", err)
			}
			atomic.StoreInt32(&s.flushInFlight, 0)
		}
	}
}

func (s *Shard) scheduledRefreshLoop() {
	for {
		select {
		case <-s.quitCh:
			return
		case <-s.refreshTicker.C:
			s.ScheduledRefresh()
		}
	}
}

// Flush implements spec §4.6.5: periodic flushes increment the periodic
// counter (and total); explicit ones increment only total.
func (s *Shard) Flush(periodic bool) (*api.Commit, error) {
	stat := s.translog.Stats()
	userData := map[string]string{
		api.UserDataMaxSeqNo:           fmt.Sprint(s.tracker.MaxSeqNo()),
		api.UserDataLocalCheckpoint:    fmt.Sprint(s.tracker.LocalCheckpoint()),
		api.UserDataTranslogUUID:       s.translog.UUID(),
		api.UserDataTranslogGeneration: fmt.Sprint(stat.Generation),
	}
	commit, err := s.engine.Flush(s.label, userData, periodic)
	if err != nil {
		return nil, err
	}
	s.translog.MarkFlushed()
	return commit, nil
}

// onRollGeneration is the engine's post-flush callback: trim translog
// generations the new commit no longer needs for recovery.
func (s *Shard) onRollGeneration(minGenerationForRecovery int64) error {
	return s.translog.TrimUnreferencedReaders(minGenerationForRecovery)
}

// AcquireSearcher returns a point-in-time read handle, exiting search-idle
// state per spec §4.6.6.
func (s *Shard) AcquireSearcher() *engine.Searcher {
	atomic.StoreInt64(&s.lastSearcherAccessNano, time.Now().UnixNano())
	if atomic.CompareAndSwapInt32(&s.idle, 1, 0) {
		s.Refresh(true)
	}
	return s.engine.AcquireSearcher()
}

// Refresh makes recent writes visible. It always runs: forced is not
// consulted here, and skipping while search-idle is done by
// ScheduledRefresh before it calls Refresh.
func (s *Shard) Refresh(forced bool) {
	s.engine.Refresh(s.label)
}

// ScheduledRefresh implements the interval-driven half of spec §4.6.6: it
// is a no-op while the shard is search-idle.
func (s *Shard) ScheduledRefresh() bool {
	if atomic.LoadInt32(&s.idle) == 1 {
		return false
	}
	if s.cfg.SearchIdleAfter > 0 {
		last := atomic.LoadInt64(&s.lastSearcherAccessNano)
		if last != 0 && time.Since(time.Unix(0, last)) > s.cfg.SearchIdleAfter {
			atomic.StoreInt32(&s.idle, 1)
			return false
		}
	}
	s.Refresh(false)
	return true
}

// CheckIdle re-evaluates search-idle state against the given instant,
// matching spec's checkIdle(0) immediate-reevaluation call shape.
func (s *Shard) CheckIdle(now time.Time) {
	if s.cfg.SearchIdleAfter <= 0 {
		return
	}
	last := atomic.LoadInt64(&s.lastSearcherAccessNano)
	if last == 0 {
		return
	}
	if now.Sub(time.Unix(0, last)) > s.cfg.SearchIdleAfter {
		atomic.StoreInt32(&s.idle, 1)
	} else {
		atomic.CompareAndSwapInt32(&s.idle, 1, 0)
	}
}

// AwaitShardSearchActive implements spec §4.6.6's asynchronous wake-from-idle
// call: callback(refreshed=true) if the shard had to exit idle and refresh,
// callback(refreshed=false) if it was already active.
func (s *Shard) AwaitShardSearchActive(callback func(refreshed bool)) {
	if atomic.CompareAndSwapInt32(&s.idle, 1, 0) {
		s.Refresh(true)
		callback(true)
		return
	}
	callback(false)
}

// AddGlobalCheckpointListener registers a one-shot callback per spec
// §4.6.7.
func (s *Shard) AddGlobalCheckpointListener(waitForSeqNo api.SeqNo, callback listeners.GlobalCheckpointCallback) {
	s.gcpListeners.Add(waitForSeqNo, callback)
}

// UpdateGlobalCheckpoint advances the tracked global checkpoint and fires
// any now-satisfied listeners. Used by the primary's replication tracker
// (outside this engine's scope) or directly by tests/recovery.
func (s *Shard) UpdateGlobalCheckpoint(gcp api.SeqNo) error {
	if err := s.tracker.UpdateGlobalCheckpointFromPrimary(gcp); err != nil {
		return err
	}
	s.gcpListeners.Advance(gcp)
	return nil
}

// UpdateShardState implements spec §4.6.4's primary promotion.
func (s *Shard) UpdateShardState(ctx context.Context, newRouting api.Routing, newTerm api.PrimaryTerm, onPromotion func(api.Routing) error) error {
	if newTerm <= s.permits.CurrentTerm() {
		return api.NewError(api.ErrKindTermTooOld, s.id, "newTerm must exceed the current term")
	}

	release, err := s.permits.BlockNewAndDrain(ctx, func() error {
		if err := s.tracker.FillGaps(ctx, newTerm, s.fillNoOp); err != nil {
			return err
		}
		if err := s.translog.RollGeneration(newTerm); err != nil {
			return err
		}

		s.mu.Lock()
		s.routing = newRouting
		s.mu.Unlock()
		s.permits.SetCurrentTerm(newTerm)
		return nil
	})
	if err != nil {
		return err
	}
	release()

	if onPromotion != nil {
		if err := onPromotion(newRouting); err != nil {
			return fmt.Errorf("shard: onPromotion failed: %w", err)
		}
	}
	return nil
}

// Relocated implements spec §4.6.8's relocation hand-off.
func (s *Shard) Relocated(ctx context.Context, handoff func(api.Routing) error) error {
	routing := s.Routing()
	if !routing.IsPrimaryMode() {
		return api.NewError(api.ErrKindNotPrimary, s.id, "relocated requires an active primary")
	}

	release, err := s.permits.BlockNewAndDrain(ctx, func() error {
		return handoff(routing)
	})
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.routing.Relocated = true
	s.mu.Unlock()
	release()
	return nil
}

// Close implements spec §4.6.9: transitions to CLOSED, releases the engine,
// drains listeners with shard-closed, and stops background schedulers.
func (s *Shard) Close(flushFirst bool) error {
	if s.State() == api.StateClosed {
		return nil
	}

	if flushFirst {
		if _, err := s.Flush(false); err != nil {
			s.logger.Warn("flush before close failed", "err", err)
		}
	}

	close(s.quitCh)
	<-s.doneCh
	if s.refreshTicker != nil {
		s.refreshTicker.Stop()
	}

	s.permits.Close()
	s.gcpListeners.Close()
	s.setState(api.StateClosed)

	var firstErr error
	if err := s.translog.Close(); err != nil {
		firstErr = err
	}
	if err := s.engine.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}

// FailShard implements spec §4.6.9's failure path: same as Close but
// records the failure reason for operator visibility.
func (s *Shard) FailShard(reason string, cause error) error {
	s.logger.Error("shard failed", "reason", reason, "err", cause)
	return s.Close(false)
}
