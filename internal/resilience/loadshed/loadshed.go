// Package loadshed implements the second stage of the write pipeline's
// admission chain: refusing requests outright once LOAD_SHED_QUEUE_MAX
// in-flight HTTP requests are already being served, rather than letting
// them pile up behind a saturated bulkhead.
package loadshed

import "sync/atomic"

// Gate tracks the number of requests currently admitted past it.
type Gate struct {
	max     int64
	current atomic.Int64
}

// New builds a Gate that refuses admission once max requests are
// in-flight. max <= 0 disables shedding.
func New(max int) *Gate {
	return &Gate{max: int64(max)}
}

// Admit reserves a slot, returning a release func and true if the caller
// may proceed. When it returns false, the release func is a no-op and
// must not be called.
func (g *Gate) Admit() (release func(), ok bool) {
	if g.max <= 0 {
		return func() {}, true
	}
	for {
		cur := g.current.Load()
		if cur >= g.max {
			return func() {}, false
		}
		if g.current.CompareAndSwap(cur, cur+1) {
			return func() { g.current.Add(-1) }, true
		}
	}
}

// Depth returns the current in-flight count, for /metrics.
func (g *Gate) Depth() int64 { return g.current.Load() }
