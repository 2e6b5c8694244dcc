// Package retention implements the combined index-commit and translog
// retention policy: selecting the safe commit, deleting everything older
// (unless pinned), and propagating the result to the translog.
package retention

import (
	"sort"
	"sync"

	"github.com/oasisprotocol/shardstore/common/logging"
	"github.com/oasisprotocol/shardstore/shard/api"
)

var logger = logging.GetLogger("shard/retention")

// Deleter deletes a commit from the underlying engine. Supplied by the
// IndexEngine.
type Deleter func(c *api.Commit) error

// Policy is the CombinedRetentionPolicy described in spec §4.4.
type Policy struct {
	mu sync.Mutex

	translogUUID string
	pins         map[int64]int // commit ID -> pin count

	minTranslogGenerationForRecovery int64
	translogGenerationOfLastCommit   int64
}

// New creates a Policy tracking commits against translogUUID, the current
// translog incarnation's identifier.
func New(translogUUID string) *Policy {
	return &Policy{
		translogUUID: translogUUID,
		pins:         make(map[int64]int),
	}
}

// SetTranslogUUID updates the UUID used to invalidate stale commits, e.g.
// after the translog is recreated during recovery.
func (p *Policy) SetTranslogUUID(uuid string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.translogUUID = uuid
}

// sortedByRecency orders commits oldest-to-newest per spec's tie-break:
// higher MAX_SEQ_NO is newer; equal MAX_SEQ_NO breaks ties toward the
// higher translog generation. Legacy commits (no MAX_SEQ_NO) sort as
// oldest whenever any sequenced commit is present.
func sortedByRecency(commits []*api.Commit) []*api.Commit {
	out := make([]*api.Commit, len(commits))
	copy(out, commits)

	anySequenced := false
	for _, c := range out {
		if _, ok := c.MaxSeqNo(); ok {
			anySequenced = true
			break
		}
	}

	sort.SliceStable(out, func(i, j int) bool {
		si, iok := out[i].MaxSeqNo()
		sj, jok := out[j].MaxSeqNo()

		if anySequenced {
			if iok != jok {
				// Legacy always sorts oldest.
				return iok == false && jok == true
			}
		}
		if !iok && !jok {
			return out[i].ID < out[j].ID
		}
		if si != sj {
			return si < sj
		}
		return out[i].TranslogGeneration() < out[j].TranslogGeneration()
	})
	return out
}

// SelectSafeCommit returns the youngest commit whose MAX_SEQ_NO is <= gcp;
// if none qualifies, the oldest commit is safe (spec §4.4.1), except that a
// legacy commit is skipped in favour of the oldest sequenced one whenever a
// sequenced commit exists.
func SelectSafeCommit(commits []*api.Commit, gcp api.SeqNo) *api.Commit {
	if len(commits) == 0 {
		return nil
	}
	ordered := sortedByRecency(commits)

	var safe *api.Commit
	for _, c := range ordered {
		seq, ok := c.MaxSeqNo()
		if ok && seq <= gcp {
			safe = c
		}
	}
	if safe == nil {
		for _, c := range ordered {
			if _, ok := c.MaxSeqNo(); ok {
				return c
			}
		}
		return ordered[0]
	}
	return safe
}

// AcquireIndexCommit pins either the safe commit (safe=true) or the latest
// commit (safe=false) and returns it, incrementing its pin count.
func (p *Policy) AcquireIndexCommit(commits []*api.Commit, gcp api.SeqNo, safe bool) *api.Commit {
	p.mu.Lock()
	defer p.mu.Unlock()

	if len(commits) == 0 {
		return nil
	}
	ordered := sortedByRecency(commits)

	var target *api.Commit
	if safe {
		target = SelectSafeCommit(commits, gcp)
	} else {
		target = ordered[len(ordered)-1]
	}
	if target == nil {
		return nil
	}
	p.pins[target.ID]++
	return target
}

// ReleaseCommit decrements c's pin count and reports whether doing so made
// it deletable right now, i.e. its pin count reached zero and it is
// neither the safe nor the latest commit among the still-live commits
// passed in (the caller supplies the live set since Policy does not itself
// own commit lifetime).
func (p *Policy) ReleaseCommit(c *api.Commit, liveCommits []*api.Commit, gcp api.SeqNo) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	if n := p.pins[c.ID]; n > 0 {
		p.pins[c.ID] = n - 1
	}
	if p.pins[c.ID] > 0 {
		return false
	}
	delete(p.pins, c.ID)

	if len(liveCommits) == 0 {
		return false
	}
	ordered := sortedByRecency(liveCommits)
	latest := ordered[len(ordered)-1]
	safe := SelectSafeCommit(liveCommits, gcp)

	if safe != nil && c.Equal(safe) {
		return false
	}
	if latest != nil && c.Equal(latest) {
		return false
	}
	return true
}

func (p *Policy) isPinned(c *api.Commit) bool {
	return p.pins[c.ID] > 0
}

// computeDeletions determines which commits the combined retention decision
// would delete, without mutating Policy state. Callers holding p.mu pass
// their own ordered/safe/latest (already computed under the lock); this is
// a pure function of its arguments plus p.translogUUID/p.pins.
func (p *Policy) computeDeletions(ordered []*api.Commit, safe, latest *api.Commit) []*api.Commit {
	var toDelete []*api.Commit
	safeSeen := false
	for _, c := range ordered {
		invalidUUID := c.TranslogUUID() != "" && c.TranslogUUID() != p.translogUUID
		if invalidUUID {
			toDelete = append(toDelete, c)
			continue
		}
		if safe != nil && c.Equal(safe) {
			safeSeen = true
			continue
		}
		if safeSeen || (latest != nil && c.Equal(latest)) {
			// Newer than (or equal to) the safe commit: always retained.
			continue
		}
		if p.isPinned(c) {
			continue
		}
		toDelete = append(toDelete, c)
	}
	return toDelete
}

// OnCommit implements the combined retention decision for the current set
// of known commits, invoking del on every commit that must be deleted. It
// also updates the translog retention targets exposed by
// MinTranslogGenerationForRecovery / TranslogGenerationOfLastCommit.
func (p *Policy) OnCommit(commits []*api.Commit, gcp api.SeqNo, del Deleter) error {
	p.mu.Lock()
	ordered := sortedByRecency(commits)
	if len(ordered) == 0 {
		p.mu.Unlock()
		return nil
	}
	latest := ordered[len(ordered)-1]
	safe := SelectSafeCommit(commits, gcp)

	toDelete := p.computeDeletions(ordered, safe, latest)

	if safe != nil {
		p.minTranslogGenerationForRecovery = safe.TranslogGeneration()
	}
	if latest != nil {
		p.translogGenerationOfLastCommit = latest.TranslogGeneration()
	}
	p.mu.Unlock()

	for _, c := range toDelete {
		if err := del(c); err != nil {
			return err
		}
		logger.Debug("deleted retained-past commit", "commit_id", c.ID)
	}
	return nil
}

// MinTranslogGenerationForRecovery is the translog generation below which
// generations may be trimmed (the safe commit's recorded generation).
func (p *Policy) MinTranslogGenerationForRecovery() int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.minTranslogGenerationForRecovery
}

// TranslogGenerationOfLastCommit is the latest commit's recorded
// generation.
func (p *Policy) TranslogGenerationOfLastCommit() int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.translogGenerationOfLastCommit
}

// HasUnreferencedCommits reports whether invoking OnCommit now would delete
// at least one currently-live commit. It is a pure dry-run: unlike OnCommit,
// it never deletes anything and never updates
// MinTranslogGenerationForRecovery / TranslogGenerationOfLastCommit.
func (p *Policy) HasUnreferencedCommits(commits []*api.Commit, gcp api.SeqNo) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	ordered := sortedByRecency(commits)
	if len(ordered) == 0 {
		return false
	}
	latest := ordered[len(ordered)-1]
	safe := SelectSafeCommit(commits, gcp)

	return len(p.computeDeletions(ordered, safe, latest)) > 0
}
