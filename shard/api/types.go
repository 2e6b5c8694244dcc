// Package api defines the shard engine's shared data model: identities,
// routing, sequence numbers, operations, and persisted metadata.
package api

import (
	"fmt"
)

// ShardID identifies a shard instance stably across its lifetime.
type ShardID struct {
	IndexName string
	IndexUUID string
	ShardNum  int
}

// String renders a human-readable identity, used in log lines and errors.
func (s ShardID) String() string {
	return fmt.Sprintf("[%s/%s][%d]", s.IndexName, s.IndexUUID, s.ShardNum)
}

// RoutingState is the lifecycle state of a shard's allocation.
type RoutingState int

// Routing states, in their only legal forward progression (aside from
// relocation cancellation).
const (
	RoutingUnassigned RoutingState = iota
	RoutingInitializing
	RoutingStarted
	RoutingRelocating
)

func (s RoutingState) String() string {
	switch s {
	case RoutingUnassigned:
		return "UNASSIGNED"
	case RoutingInitializing:
		return "INITIALIZING"
	case RoutingStarted:
		return "STARTED"
	case RoutingRelocating:
		return "RELOCATING"
	default:
		return "UNKNOWN"
	}
}

// RecoverySourceKind distinguishes where a shard's initial content comes
// from.
type RecoverySourceKind int

// Recovery source kinds.
const (
	RecoveryEmptyStore RecoverySourceKind = iota
	RecoveryExistingStore
	RecoveryPeer
	RecoverySnapshot
	RecoveryLocalShards
)

// RecoverySource describes where a shard's initial content comes from.
type RecoverySource struct {
	Kind       RecoverySourceKind
	SnapshotID string // only set when Kind == RecoverySnapshot
}

// Routing is the routing-table tuple describing a single shard allocation.
type Routing struct {
	ShardID              ShardID
	NodeID               string
	RelocatingTargetNode string // empty if not relocating
	Primary              bool
	State                RoutingState
	AllocationID         string
	RecoverySource        RecoverySource
	// Relocated marks a terminal sub-state of STARTED reached via a
	// completed relocation hand-off: once true, this routing can never
	// again serve as a STARTED primary.
	Relocated bool
}

// IsPrimaryMode reports whether this routing entry may currently act as an
// active primary (started, primary, and not relocated away).
func (r Routing) IsPrimaryMode() bool {
	return r.Primary && r.State == RoutingStarted && !r.Relocated
}

// PrimaryTerm is a per-shard, monotonically non-decreasing generation
// number incremented on every primary election.
type PrimaryTerm = uint64

// SeqNo is a per-shard monotonic sequence number.
type SeqNo = int64

// Distinguished sequence number values.
const (
	UnassignedSeqNo  SeqNo = -2
	NoOpsPerformed   SeqNo = -1
)

// OpKind distinguishes the variants of Operation.
type OpKind int

// Operation kinds.
const (
	OpIndex OpKind = iota
	OpDelete
	OpNoOp
)

func (k OpKind) String() string {
	switch k {
	case OpIndex:
		return "index"
	case OpDelete:
		return "delete"
	case OpNoOp:
		return "noop"
	default:
		return "unknown"
	}
}

// VersionType distinguishes how Operation.Version should be interpreted.
type VersionType int

// Supported version types.
const (
	VersionTypeInternal VersionType = iota
	VersionTypeExternal
)

// Operation is a single unit of work applied to the engine: an index,
// delete, or no-op, augmented with its seqno/term/translog location once
// admitted.
type Operation struct {
	Kind OpKind

	DocID       string
	Source      []byte // index only
	Version     int64
	VersionType VersionType
	Reason      string // noop only

	SeqNo        SeqNo
	PrimaryTerm  PrimaryTerm
	Location     TranslogLocation
}

// TranslogLocation identifies a written operation's position: generation
// then byte offset, totally ordered lexicographically by (Generation,
// Offset).
type TranslogLocation struct {
	Generation int64
	Offset     int64
	Size       int32
}

// Less reports whether l sorts before other under the total order spec §3
// defines (generation, then offset).
func (l TranslogLocation) Less(other TranslogLocation) bool {
	if l.Generation != other.Generation {
		return l.Generation < other.Generation
	}
	return l.Offset < other.Offset
}

// Commit user-data keys, stored verbatim as the map keys of Commit.UserData.
const (
	UserDataMaxSeqNo           = "MAX_SEQ_NO"
	UserDataLocalCheckpoint    = "LOCAL_CHECKPOINT"
	UserDataTranslogUUID       = "TRANSLOG_UUID"
	UserDataTranslogGeneration = "TRANSLOG_GENERATION"
)

// Commit is a durable snapshot of the engine, identified by its user-data.
type Commit struct {
	// ID is an engine-local monotonic identifier used only to order commits
	// created at the same time with otherwise-identical user-data; it plays
	// no role in equality.
	ID       int64
	UserData map[string]string
}

// Equal reports whether two commits carry identical user-data, per spec
// §3's "Commits are equal iff user-data is equal."
func (c *Commit) Equal(other *Commit) bool {
	if len(c.UserData) != len(other.UserData) {
		return false
	}
	for k, v := range c.UserData {
		if other.UserData[k] != v {
			return false
		}
	}
	return true
}

// MaxSeqNo extracts MAX_SEQ_NO from user-data, reporting ok=false for
// legacy commits that predate sequence numbers.
func (c *Commit) MaxSeqNo() (SeqNo, bool) {
	v, ok := c.UserData[UserDataMaxSeqNo]
	if !ok {
		return 0, false
	}
	var n SeqNo
	if _, err := fmt.Sscanf(v, "%d", &n); err != nil {
		return 0, false
	}
	return n, true
}

// LocalCheckpoint extracts LOCAL_CHECKPOINT from user-data.
func (c *Commit) LocalCheckpoint() SeqNo {
	v, ok := c.UserData[UserDataLocalCheckpoint]
	if !ok {
		return NoOpsPerformed
	}
	var n SeqNo
	_, _ = fmt.Sscanf(v, "%d", &n)
	return n
}

// TranslogGeneration extracts TRANSLOG_GENERATION from user-data.
func (c *Commit) TranslogGeneration() int64 {
	v, ok := c.UserData[UserDataTranslogGeneration]
	if !ok {
		return 0
	}
	var n int64
	_, _ = fmt.Sscanf(v, "%d", &n)
	return n
}

// TranslogUUID extracts TRANSLOG_UUID from user-data.
func (c *Commit) TranslogUUID() string {
	return c.UserData[UserDataTranslogUUID]
}

// ShardStateMeta is the small persisted record identifying a shard's role
// and allocation across restarts, written atomically via temp-file rename.
type ShardStateMeta struct {
	Primary      bool   `cbor:"primary"`
	IndexUUID    string `cbor:"index_uuid"`
	AllocationID string `cbor:"allocation_id"`
}

// Lifecycle is the Shard's coarse-grained state machine.
type Lifecycle int

// Shard lifecycle states, one-way except via a fresh Shard instance.
const (
	StateCreated Lifecycle = iota
	StateRecovering
	StatePostRecovery
	StateStarted
	StateClosed
)

func (s Lifecycle) String() string {
	switch s {
	case StateCreated:
		return "CREATED"
	case StateRecovering:
		return "RECOVERING"
	case StatePostRecovery:
		return "POST_RECOVERY"
	case StateStarted:
		return "STARTED"
	case StateClosed:
		return "CLOSED"
	default:
		return "UNKNOWN"
	}
}

// Durability selects when the translog is fsynced relative to
// acknowledgement.
type Durability int

// Supported durability modes.
const (
	DurabilityRequest Durability = iota
	DurabilityAsync
)
