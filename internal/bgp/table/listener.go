package table

import "sync"

// ConditionMatch is the predicate interface applications (service chains,
// static routes, RTarget filtering, route aggregation) register against a
// Table, per spec.md §4.5.
type ConditionMatch interface {
	// Match runs once per matching route, in the table partition's own
	// serialization context. deleted is true during the re-walk
	// RemoveMatch triggers so the application can undo whatever effect
	// the original match produced.
	Match(route *Route, deleted bool) bool
}

// DoneFunc is called exactly once per AddMatch/RemoveMatch request, after
// the walk it triggered has visited every partition.
type DoneFunc func(t *Table, m ConditionMatch)

type registration struct {
	match    ConditionMatch
	deleted  bool // RemoveMatch has been called; walks pass deleted=true until UnregisterMatch discards it
	refcount int
}

// Listener owns the set of ConditionMatch registrations against one Table
// and coalesces concurrent walk requests into a single walk per epoch, per
// spec.md §4.5's "at most one walk runs per table at any time" guarantee.
type Listener struct {
	table *Table

	mu            sync.Mutex
	id            int
	regs          map[int]*registration
	walkInFlight  bool
	pendingDone   []func()
}

func newListener(t *Table) *Listener {
	return &Listener{table: t, regs: make(map[int]*registration)}
}

// AddMatch registers m, walks every existing route through it, installs a
// standing per-route listener for future notifications, and calls done
// once the initial walk completes.
func (l *Listener) AddMatch(m ConditionMatch, done DoneFunc) int {
	l.mu.Lock()
	l.id++
	id := l.id
	l.regs[id] = &registration{match: m, refcount: 1}
	l.mu.Unlock()

	l.walk(func() {
		if done != nil {
			done(l.table, m)
		}
	})
	return id
}

// AddMatches registers every match in one batch, then runs a single walk
// pass over the table for all of them together and fires each match's own
// done callback once that shared pass completes. This is what lets several
// peers joining the same table inside one epoch amortize the walk cost of
// a single pass instead of paying for one pass per peer.
func (l *Listener) AddMatches(matches []ConditionMatch, dones []DoneFunc) []int {
	ids := make([]int, len(matches))

	l.mu.Lock()
	for i, m := range matches {
		l.id++
		ids[i] = l.id
		l.regs[l.id] = &registration{match: m, refcount: 1}
	}
	l.mu.Unlock()

	l.walk(func() {
		for i, m := range matches {
			if dones[i] != nil {
				dones[i](l.table, m)
			}
		}
	})
	return ids
}

// RemoveMatch marks the registration for removal, re-walks so every
// currently matching route observes the predicate with deleted=true, then
// calls done. The registration is only actually discarded by
// UnregisterMatch.
func (l *Listener) RemoveMatch(listenerID int, done DoneFunc) {
	l.mu.Lock()
	reg, ok := l.regs[listenerID]
	if ok {
		reg.deleted = true
	}
	l.mu.Unlock()
	if !ok {
		return
	}

	l.walk(func() {
		if done != nil {
			done(l.table, reg.match)
		}
	})
}

// UnregisterMatch discards a registration once the application has
// confirmed it cleaned up any per-route state under this listener id.
func (l *Listener) UnregisterMatch(listenerID int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.regs, listenerID)
}

// SetState/GetState/CheckState/RemoveState attach opaque per-(route,match)
// state namespaced by listener id, per spec.md §4.5.
func (l *Listener) SetState(route *Route, listenerID int, v any) { route.setState(listenerID, v) }
func (l *Listener) GetState(route *Route, listenerID int) (any, bool) {
	return route.getState(listenerID)
}
func (l *Listener) CheckState(route *Route, listenerID int) bool {
	_, ok := route.getState(listenerID)
	return ok
}
func (l *Listener) RemoveState(route *Route, listenerID int) { route.removeState(listenerID) }

// walk visits every route in every partition, invoking every current
// registration's Match. Concurrent walk requests while one is in flight
// are coalesced: their done callbacks are queued and all fire after the
// single in-flight walk finishes, satisfying "exactly one done_cb per
// requested match" without running redundant passes.
func (l *Listener) walk(done func()) {
	l.mu.Lock()
	if l.walkInFlight {
		l.pendingDone = append(l.pendingDone, done)
		l.mu.Unlock()
		return
	}
	l.walkInFlight = true
	l.mu.Unlock()

	l.runOnePass()

	l.mu.Lock()
	pending := l.pendingDone
	l.pendingDone = nil
	l.walkInFlight = false
	l.mu.Unlock()

	done()
	for _, d := range pending {
		d()
	}
}

func (l *Listener) runOnePass() {
	l.mu.Lock()
	regs := make([]*registration, 0, len(l.regs))
	for _, r := range l.regs {
		regs = append(regs, r)
	}
	l.mu.Unlock()

	l.table.forEachRoute(func(route *Route) {
		for _, reg := range regs {
			reg.match.Match(route, reg.deleted)
		}
	})
}

// notifyRoute is called by Table/Partition for every route mutation,
// running on the owning partition's own serialization, per spec.md §4.5's
// "predicate runs in the table's own serialization context".
func (l *Listener) notifyRoute(route *Route) {
	l.mu.Lock()
	regs := make([]*registration, 0, len(l.regs))
	for _, r := range l.regs {
		regs = append(regs, r)
	}
	l.mu.Unlock()

	for _, reg := range regs {
		reg.match.Match(route, reg.deleted)
	}
}
