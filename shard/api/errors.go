package api

import (
	"errors"
	"fmt"
)

// ErrorKind tags a shard error with the variant a caller should
// pattern-match on (via errors.Is against the Err* sentinels below).
type ErrorKind int

// Error kinds from spec §7.
const (
	ErrKindShardClosed ErrorKind = iota
	ErrKindShardNotStarted
	ErrKindNotPrimary
	ErrKindTermTooOld
	ErrKindPermitTimeout
	ErrKindRelocated
	ErrKindLockObtainFailed
	ErrKindRecoveryFailed
	ErrKindEngineClosed
	ErrKindTranslogCorrupted
	ErrKindShardCorrupt
)

// Sentinel errors, one per ErrorKind, matched with errors.Is.
var (
	ErrShardClosed       = errors.New("shard: closed")
	ErrShardNotStarted   = errors.New("shard: not started")
	ErrNotPrimary        = errors.New("shard: not primary")
	ErrTermTooOld        = errors.New("shard: term too old")
	ErrPermitTimeout     = errors.New("shard: permit acquire timed out")
	ErrRelocated         = errors.New("shard: relocated")
	ErrLockObtainFailed  = errors.New("shard: lock obtain failed")
	ErrRecoveryFailed    = errors.New("shard: recovery failed")
	ErrEngineClosed      = errors.New("shard: engine closed")
	ErrTranslogCorrupted = errors.New("shard: translog corrupted")
	ErrShardCorrupt      = errors.New("shard: corrupt")
)

var kindToSentinel = map[ErrorKind]error{
	ErrKindShardClosed:      ErrShardClosed,
	ErrKindShardNotStarted:  ErrShardNotStarted,
	ErrKindNotPrimary:       ErrNotPrimary,
	ErrKindTermTooOld:       ErrTermTooOld,
	ErrKindPermitTimeout:    ErrPermitTimeout,
	ErrKindRelocated:        ErrRelocated,
	ErrKindLockObtainFailed: ErrLockObtainFailed,
	ErrKindRecoveryFailed:   ErrRecoveryFailed,
	ErrKindEngineClosed:     ErrEngineClosed,
	ErrKindTranslogCorrupted: ErrTranslogCorrupted,
	ErrKindShardCorrupt:     ErrShardCorrupt,
}

// ShardError carries a shard identifier and human message alongside a
// typed, errors.Is-comparable kind.
type ShardError struct {
	Kind    ErrorKind
	Shard   ShardID
	Message string
	Cause   error
}

// Error implements the error interface.
func (e *ShardError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s %s: %s: %v", e.Shard, kindToSentinel[e.Kind], e.Message, e.Cause)
	}
	return fmt.Sprintf("%s %s: %s", e.Shard, kindToSentinel[e.Kind], e.Message)
}

// Unwrap exposes the wrapped cause to errors.Is/errors.As, or the kind's
// sentinel when there is no cause. The sentinel is matched by Is either way.
func (e *ShardError) Unwrap() error {
	if e.Cause != nil {
		return e.Cause
	}
	return kindToSentinel[e.Kind]
}

// Is allows errors.Is(err, ErrShardClosed) (etc.) to match regardless of
// message/cause.
func (e *ShardError) Is(target error) bool {
	return target == kindToSentinel[e.Kind]
}

// NewError constructs a ShardError of the given kind.
func NewError(kind ErrorKind, shard ShardID, message string) *ShardError {
	return &ShardError{Kind: kind, Shard: shard, Message: message}
}

// WrapError constructs a ShardError of the given kind wrapping cause.
func WrapError(kind ErrorKind, shard ShardID, message string, cause error) *ShardError {
	return &ShardError{Kind: kind, Shard: shard, Message: message, Cause: cause}
}
