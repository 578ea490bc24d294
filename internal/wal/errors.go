package wal

import "errors"

// ErrShardClosed is returned by Append/Flush when the WAL is shutting down
// or already closed (spec.md §4.2).
var ErrShardClosed = errors.New("wal: shard closed")

// ErrBackpressure is returned by Append when the unflushed-bytes buffer
// exceeds WAL_MAX_UNFLUSHED_BYTES (spec.md §4.2).
var ErrBackpressure = errors.New("wal: backpressure, unflushed buffer full")

// ErrIO wraps an underlying I/O failure on the hot path; the caller
// (shardstore) is responsible for transitioning the shard to read-only per
// spec.md §7.
type ErrIO struct{ Err error }

func (e *ErrIO) Error() string { return "wal: io error: " + e.Err.Error() }
func (e *ErrIO) Unwrap() error { return e.Err }
