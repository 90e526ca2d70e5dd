package proxy

import "sync/atomic"

// Metrics holds the monotone control-plane counters for the proxy.
// All fields are accessed atomically so concurrent connections can
// update them without a shared lock.
type Metrics struct {
	allowed int64
	denied  int64
	errors  int64
}

func (m *Metrics) incAllowed() { atomic.AddInt64(&m.allowed, 1) }
func (m *Metrics) incDenied()  { atomic.AddInt64(&m.denied, 1) }
func (m *Metrics) incErrors()  { atomic.AddInt64(&m.errors, 1) }

// Snapshot returns a point-in-time read of the counters.
func (m *Metrics) Snapshot() (allowed, denied, errors int64) {
	return atomic.LoadInt64(&m.allowed), atomic.LoadInt64(&m.denied), atomic.LoadInt64(&m.errors)
}
