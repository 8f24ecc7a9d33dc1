// Package membership serializes every peer's join and leave of a routing
// table through a single worker goroutine, mirroring
// PeerRibMembershipManager's reason for existing: running Register/
// Unregister directly from whichever FSM goroutine triggers it would race
// the table walk it starts against that same peer's further state
// transitions, so every request is queued and drained from one place.
package membership

import (
	"sync"
	"sync/atomic"

	"github.com/routeflow/bgpd/internal/bgp/table"
)

// NotifyCompletionFn is called once a Register/Unregister/UnregisterPeer
// request's table walk has finished. tbl is nil for the UnregisterPeer
// form when the peer held no registrations at all.
type NotifyCompletionFn func(peer table.PeerHandle, tbl *table.Table)

type requestKind int

const (
	reqRegister requestKind = iota
	reqUnregister
	reqUnregisterPeer
)

type request struct {
	kind   requestKind
	peer   table.PeerHandle
	table  *table.Table
	match  table.ConditionMatch
	notify NotifyCompletionFn
}

// peerRib is the membership of one peer in one table, the Go analogue of
// IPeerRib minus the RIB-out bookkeeping this speaker doesn't implement
// (export policy lives in the server package instead).
type peerRib struct {
	peer       table.PeerHandle
	table      *table.Table
	match      table.ConditionMatch
	listenerID int
}

type peerTableKey struct {
	peer string
	tbl  *table.Table
}

// Manager owns the global peer<->table membership set and the one
// goroutine that mutates it.
type Manager struct {
	queue chan request
	done  chan struct{}

	closeOnce sync.Once

	mu   sync.Mutex
	regs map[peerTableKey]*peerRib
}

// New creates a Manager. Call Run in its own goroutine before issuing any
// Register/Unregister/UnregisterPeer calls.
func New() *Manager {
	return &Manager{
		queue: make(chan request, 1024),
		done:  make(chan struct{}),
		regs:  make(map[peerTableKey]*peerRib),
	}
}

// Run drains the request queue until Close is called. Register requests are
// batched with any other Register requests already queued for the same
// table, so peers joining together inside one epoch share a single table
// walk (spec.md §4.6) instead of one walk per peer.
func (m *Manager) Run() {
	for {
		select {
		case req := <-m.queue:
			if req.kind == reqRegister {
				m.joinBatch(m.drainSameTableRegisters(req))
			} else {
				m.process(req)
			}
		case <-m.done:
			return
		}
	}
}

// drainSameTableRegisters collects first plus every other already-queued
// Register request for the same table, without blocking for more to
// arrive. Requests of another kind, or for another table, are preserved in
// their relative order and re-enqueued once the drain completes.
func (m *Manager) drainSameTableRegisters(first request) []request {
	batch := []request{first}
	var deferred []request
drain:
	for {
		select {
		case req := <-m.queue:
			if req.kind == reqRegister && req.table == first.table {
				batch = append(batch, req)
			} else {
				deferred = append(deferred, req)
			}
		default:
			break drain
		}
	}
	for _, req := range deferred {
		m.enqueue(req)
	}
	return batch
}

func (m *Manager) Close() {
	m.closeOnce.Do(func() { close(m.done) })
}

// Register enqueues a join: once processed, match starts observing every
// route already in tbl plus every future change, and notify fires when the
// initial walk completes.
func (m *Manager) Register(peer table.PeerHandle, tbl *table.Table, match table.ConditionMatch, notify NotifyCompletionFn) {
	m.enqueue(request{kind: reqRegister, peer: peer, table: tbl, match: match, notify: notify})
}

// Unregister enqueues a leave from a single table.
func (m *Manager) Unregister(peer table.PeerHandle, tbl *table.Table, notify NotifyCompletionFn) {
	m.enqueue(request{kind: reqUnregister, peer: peer, table: tbl, notify: notify})
}

// UnregisterPeer enqueues a leave from every table this peer is currently
// registered in — the bulk teardown a peer falling back to IDLE needs.
func (m *Manager) UnregisterPeer(peer table.PeerHandle, notify NotifyCompletionFn) {
	m.enqueue(request{kind: reqUnregisterPeer, peer: peer, notify: notify})
}

func (m *Manager) enqueue(req request) {
	select {
	case m.queue <- req:
	case <-m.done:
	}
}

// process handles every request kind except reqRegister, which Run batches
// through joinBatch before it ever reaches here.
func (m *Manager) process(req request) {
	switch req.kind {
	case reqRegister:
		m.joinBatch([]request{req})
	case reqUnregister:
		m.leave(req)
	case reqUnregisterPeer:
		m.leaveAll(req)
	}
}

func (m *Manager) key(peer table.PeerHandle, tbl *table.Table) peerTableKey {
	return peerTableKey{peer: peer.Key(), tbl: tbl}
}

// joinBatch processes one epoch's worth of Register requests for the same
// table as a single walk: every request not already registered is added to
// the table's listener in one AddMatches call, so the walker visits each
// route once and invokes every peer's join action for it, rather than
// running one full pass per peer.
func (m *Manager) joinBatch(reqs []request) {
	var fresh []request
	for _, req := range reqs {
		k := m.key(req.peer, req.table)
		m.mu.Lock()
		_, exists := m.regs[k]
		m.mu.Unlock()
		if exists {
			continue
		}
		fresh = append(fresh, req)
	}
	if len(fresh) == 0 {
		return
	}

	tbl := fresh[0].table
	l := tbl.Listener()
	matches := make([]table.ConditionMatch, len(fresh))
	dones := make([]table.DoneFunc, len(fresh))
	for i, req := range fresh {
		req := req
		matches[i] = req.match
		dones[i] = func(t *table.Table, _ table.ConditionMatch) {
			if req.notify != nil {
				req.notify(req.peer, t)
			}
		}
	}
	ids := l.AddMatches(matches, dones)

	m.mu.Lock()
	for i, req := range fresh {
		k := m.key(req.peer, req.table)
		m.regs[k] = &peerRib{peer: req.peer, table: req.table, match: req.match, listenerID: ids[i]}
	}
	m.mu.Unlock()
}

func (m *Manager) leave(req request) {
	k := m.key(req.peer, req.table)
	m.mu.Lock()
	rib, ok := m.regs[k]
	if ok {
		delete(m.regs, k)
	}
	m.mu.Unlock()
	if !ok {
		if req.notify != nil {
			req.notify(req.peer, req.table)
		}
		return
	}

	l := req.table.Listener()
	id := rib.listenerID
	l.RemoveMatch(id, func(t *table.Table, _ table.ConditionMatch) {
		l.UnregisterMatch(id)
		if req.notify != nil {
			req.notify(req.peer, t)
		}
	})
}

func (m *Manager) leaveAll(req request) {
	m.mu.Lock()
	var ribs []*peerRib
	for k, rib := range m.regs {
		if k.peer == req.peer.Key() {
			ribs = append(ribs, rib)
			delete(m.regs, k)
		}
	}
	m.mu.Unlock()

	if len(ribs) == 0 {
		if req.notify != nil {
			req.notify(req.peer, nil)
		}
		return
	}

	var remaining atomic.Int64
	remaining.Store(int64(len(ribs)))
	for _, rib := range ribs {
		l := rib.table.Listener()
		id := rib.listenerID
		tbl := rib.table
		l.RemoveMatch(id, func(t *table.Table, _ table.ConditionMatch) {
			l.UnregisterMatch(id)
			if remaining.Add(-1) == 0 && req.notify != nil {
				req.notify(req.peer, tbl)
			}
		})
	}
}

// Registered reports whether peer currently has a live registration in
// tbl, for introspection/show commands.
func (m *Manager) Registered(peer table.PeerHandle, tbl *table.Table) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.regs[m.key(peer, tbl)]
	return ok
}
