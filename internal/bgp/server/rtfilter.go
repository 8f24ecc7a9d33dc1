package server

import (
	"sync"
	"time"
)

// rtFilterGate tracks one peer's RTarget End-of-RIB deferral, per spec.md
// §4.8: a peer that advertises the RTarget family is assumed not yet ready
// to receive other VPN families until it signals RTarget End-of-RIB, or
// until BGP_RTFILTER_EOR_TIMEOUT elapses, whichever comes first. Calling
// any method on a nil *rtFilterGate (a peer that never configured the
// RTarget family) is a no-op, matching attr.DB.Release's nil-tolerant
// cleanup style.
type rtFilterGate struct {
	mu    sync.Mutex
	ready bool
	timer *time.Timer
}

// newRTFilterGate starts the fallback timer immediately; onReady fires
// exactly once, whichever of the timer or markReady happens first.
func newRTFilterGate(timeout time.Duration, onReady func()) *rtFilterGate {
	g := &rtFilterGate{}
	g.timer = time.AfterFunc(timeout, func() { g.fire(onReady) })
	return g
}

func (g *rtFilterGate) fire(onReady func()) {
	g.mu.Lock()
	if g.ready {
		g.mu.Unlock()
		return
	}
	g.ready = true
	g.mu.Unlock()
	if onReady != nil {
		onReady()
	}
}

// markReady is called when the peer's own RTarget End-of-RIB arrives,
// short-circuiting the fallback timer.
func (g *rtFilterGate) markReady(onReady func()) {
	if g == nil {
		return
	}
	g.mu.Lock()
	if g.timer != nil {
		g.timer.Stop()
	}
	g.mu.Unlock()
	g.fire(onReady)
}

func (g *rtFilterGate) isReady() bool {
	if g == nil {
		return true
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.ready
}

func (g *rtFilterGate) stop() {
	if g == nil {
		return
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.timer != nil {
		g.timer.Stop()
	}
}
