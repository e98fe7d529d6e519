package relay

import "sync/atomic"

// StopFlag is a shared, atomic shutdown signal for one connection pair's
// two relays (and any auxiliary relays spawned after a routing switch).
type StopFlag struct {
	v int32
}

// NewStopFlag returns a cleared flag.
func NewStopFlag() *StopFlag {
	return &StopFlag{}
}

// IsSet reports whether the flag has been raised.
func (f *StopFlag) IsSet() bool {
	return atomic.LoadInt32(&f.v) != 0
}

// Set raises the flag. Idempotent.
func (f *StopFlag) Set() {
	atomic.StoreInt32(&f.v, 1)
}
