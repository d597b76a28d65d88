// Package syncutil holds small concurrency-safe primitives shared across
// the driver and the reduce coordinator, in the spirit of
// pkg/mapreduce's own DoneChan: minimal types with one job each.
package syncutil

import "sync/atomic"

// AtomicError is a concurrency-safe error box. The reduce coordinator
// uses it to capture an error (the last one stored wins) while firing off a wave of
// asynchronous reducer invocations without stopping the loop early — a
// single bad invoke must not prevent the rest of the batch from being
// dispatched (SPEC_FULL.md §4.4: reducer failures surface as a missing
// output object, not as a coordinator-fatal error).
type AtomicError struct {
	v atomic.Value
}

type errorWrapper struct {
	err error
}

// Set stores err, overwriting whatever was stored before. Set(nil) is a
// valid way to clear the box.
func (a *AtomicError) Set(err error) {
	a.v.Store(errorWrapper{err: err})
}

// Load returns the currently stored error, or nil if none has been set.
func (a *AtomicError) Load() error {
	v := a.v.Load()
	if v == nil {
		return nil
	}
	return v.(errorWrapper).err
}
