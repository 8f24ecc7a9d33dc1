// Package lifetime provides the two-phase delete protocol long-lived BGP
// entities (peers, instances, tables) use to tear themselves down safely:
// Shutdown releases externally observable resources up front, Destroy frees
// the entity itself but only once every dependent has already gone.
//
// The shape mirrors BgpPeer::DeleteActor and the LifetimeManager it registers
// with in the original implementation: an entity wraps a DeleteActor-like
// Actor, links it to whatever it depends on via DependsOn, and calls Delete
// when its owner decides to remove it. The Manager's single goroutine
// re-evaluates an actor every time RetryDelete fires for it or for one of its
// children, destroying leaves first and propagating the retry upward once a
// child is gone.
package lifetime

import "sync"

// Actor is the delete protocol an entity implements.
type Actor interface {
	// MayDelete reports whether it is safe to Destroy now: the entity's own
	// state must be quiescent and every dependent must already be destroyed.
	MayDelete() bool
	// Shutdown releases externally observable resources (stop accepting
	// connections, close sessions) but does not free the entity itself.
	// Called at most once, the first time Delete is requested.
	Shutdown()
	// Destroy performs the actual teardown. Only called once MayDelete is
	// true.
	Destroy()
}

// Ref is the handle a Manager hands back for a registered Actor. Other refs
// declare a dependency on it with DependsOn; the entity itself calls Delete
// when it wants to be torn down.
type Ref struct {
	m     *Manager
	actor Actor

	mu              sync.Mutex
	deleteRequested bool
	shutdownDone    bool
	destroyed       bool
	parent          *Ref
	children        map[*Ref]struct{}
}

// Manager owns the single re-evaluation loop every Ref is destroyed under,
// the Go analogue of the original's per-process LifetimeManager.
type Manager struct {
	queue chan *Ref
	done  chan struct{}

	closeOnce sync.Once
}

// New creates a Manager. Call Run in its own goroutine before registering
// any actors.
func New() *Manager {
	return &Manager{
		queue: make(chan *Ref, 256),
		done:  make(chan struct{}),
	}
}

// Run drains retry-delete requests until Close is called.
func (m *Manager) Run() {
	for {
		select {
		case r := <-m.queue:
			m.evaluate(r)
		case <-m.done:
			return
		}
	}
}

func (m *Manager) Close() {
	m.closeOnce.Do(func() { close(m.done) })
}

// Register wraps actor in a Ref tied to this Manager.
func (m *Manager) Register(actor Actor) *Ref {
	return &Ref{m: m, actor: actor, children: make(map[*Ref]struct{})}
}

// DependsOn records that r must be destroyed before parent can be: parent's
// MayDelete is never even attempted while r still has a live Ref. Must be
// called once, at construction, before either ref's Delete.
func (r *Ref) DependsOn(parent *Ref) {
	parent.mu.Lock()
	defer parent.mu.Unlock()
	r.mu.Lock()
	r.parent = parent
	r.mu.Unlock()
	parent.children[r] = struct{}{}
}

// Delete requests r's deletion. Safe to call more than once; only the first
// call has any effect beyond re-triggering evaluation.
func (r *Ref) Delete() {
	r.mu.Lock()
	r.deleteRequested = true
	r.mu.Unlock()
	r.m.enqueue(r)
}

// IsDeleted reports whether Destroy has already run for r.
func (r *Ref) IsDeleted() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.destroyed
}

func (m *Manager) enqueue(r *Ref) {
	select {
	case m.queue <- r:
	case <-m.done:
	}
}

// evaluate runs the two-phase protocol for r, then — if r just transitioned
// to destroyed — re-enqueues its parent so the parent's own dependents count
// is re-checked, the edge-triggered propagation the original's RetryDelete
// achieves via the shared LifetimeManager queue.
func (m *Manager) evaluate(r *Ref) {
	r.mu.Lock()
	if r.destroyed || !r.deleteRequested {
		r.mu.Unlock()
		return
	}
	if !r.shutdownDone {
		r.shutdownDone = true
		actor := r.actor
		r.mu.Unlock()
		actor.Shutdown()
		r.mu.Lock()
	}
	if len(r.children) > 0 {
		r.mu.Unlock()
		return
	}
	actor := r.actor
	parent := r.parent
	r.mu.Unlock()

	if !actor.MayDelete() {
		return
	}

	r.mu.Lock()
	r.destroyed = true
	r.mu.Unlock()
	actor.Destroy()

	if parent != nil {
		parent.mu.Lock()
		delete(parent.children, r)
		parent.mu.Unlock()
		m.enqueue(parent)
	}
}
