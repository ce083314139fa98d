package network

import (
	"sync"
	"time"
)

// realTimer is a one-shot timer over time.AfterFunc. A sequence number
// guards against a callback that fired concurrently with a cancel or re-arm:
// a stale callback checks the sequence and gives up.
type realTimer struct {
	mu  sync.Mutex
	seq uint64
	t   *time.Timer
}

func newRealTimer() *realTimer {
	return &realTimer{}
}

func (rt *realTimer) SetTimeout(d time.Duration, cb func()) {
	rt.mu.Lock()
	rt.seq++
	armed := rt.seq
	if rt.t != nil {
		rt.t.Stop()
	}
	rt.t = time.AfterFunc(d, func() {
		rt.mu.Lock()
		stale := rt.seq != armed
		rt.mu.Unlock()
		if stale {
			return
		}
		cb()
	})
	rt.mu.Unlock()
}

func (rt *realTimer) CancelTimeout() {
	rt.mu.Lock()
	rt.seq++
	if rt.t != nil {
		rt.t.Stop()
		rt.t = nil
	}
	rt.mu.Unlock()
}
