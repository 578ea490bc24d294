// Package errs defines WarpEngine's structured error taxonomy (spec.md
// §7): every error surfaced across a package boundary carries a Kind, and
// optionally the shard and key it concerns, rather than an opaque string.
//
// © 2025 WarpEngine authors. MIT License.
package errs

import "fmt"

// Kind enumerates the error categories of spec.md §7's table.
type Kind uint8

const (
	KindUnknown Kind = iota
	KindNotFound
	KindBackpressure
	KindCapacityExceeded
	KindShardReadOnly
	KindShardClosed
	KindCorruptRecord
	KindIoError
	KindRecoveryInProgress
	KindInvalidArgument
)

func (k Kind) String() string {
	switch k {
	case KindNotFound:
		return "NotFound"
	case KindBackpressure:
		return "Backpressure"
	case KindCapacityExceeded:
		return "CapacityExceeded"
	case KindShardReadOnly:
		return "ShardReadOnly"
	case KindShardClosed:
		return "ShardClosed"
	case KindCorruptRecord:
		return "CorruptRecord"
	case KindIoError:
		return "IoError"
	case KindRecoveryInProgress:
		return "RecoveryInProgress"
	case KindInvalidArgument:
		return "InvalidArgument"
	default:
		return "Unknown"
	}
}

// Error is the structured value every WarpEngine API surfaces on failure:
// {kind, shard_id?, key?, message} per spec.md §7.
type Error struct {
	Kind    Kind
	ShardID uint32
	HasShard bool
	Key     []byte
	Cause   error
	Message string
}

func (e *Error) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("warpengine: %s: %s", e.Kind, e.Message)
	}
	if e.Cause != nil {
		return fmt.Sprintf("warpengine: %s: %v", e.Kind, e.Cause)
	}
	return fmt.Sprintf("warpengine: %s", e.Kind)
}

func (e *Error) Unwrap() error { return e.Cause }

// Is supports errors.Is(err, &Error{Kind: KindNotFound}) style checks by
// comparing Kind only.
func (e *Error) Is(target error) bool {
	other, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Kind == other.Kind
}

// New builds a bare Error of the given kind with a message.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Wrap builds an Error of the given kind wrapping cause.
func Wrap(kind Kind, cause error) *Error {
	return &Error{Kind: kind, Cause: cause}
}

// WithShard attaches shard context to an Error, returning a copy.
func (e *Error) WithShard(shardID uint32) *Error {
	cp := *e
	cp.ShardID = shardID
	cp.HasShard = true
	return &cp
}

// WithKey attaches key context to an Error, returning a copy.
func (e *Error) WithKey(key []byte) *Error {
	cp := *e
	cp.Key = append([]byte(nil), key...)
	return &cp
}

// Sentinels for errors.Is comparisons against a bare kind, without needing
// to construct an *Error.
var (
	ErrNotFound           = New(KindNotFound, "not found")
	ErrBackpressure       = New(KindBackpressure, "backpressure")
	ErrCapacityExceeded   = New(KindCapacityExceeded, "capacity exceeded")
	ErrShardReadOnly      = New(KindShardReadOnly, "shard is read-only")
	ErrShardClosed        = New(KindShardClosed, "shard closed")
	ErrCorruptRecord      = New(KindCorruptRecord, "corrupt record")
	ErrIoError            = New(KindIoError, "io error")
	ErrRecoveryInProgress = New(KindRecoveryInProgress, "recovery in progress")
	ErrInvalidArgument    = New(KindInvalidArgument, "invalid argument")
)
