package table

import (
	"sync"

	"github.com/cespare/xxhash/v2"
	"github.com/gaissmai/bart"

	"github.com/routeflow/bgpd/internal/bgp/wire"
)

// partition is one hash-bucket's worth of a Table's routes. Plain IPv4/
// IPv6 unicast prefixes are stored in a bart.Table (a longest-prefix-match
// trie, unused here only for its LPM powers — Find uses exact Get —  but
// kept as the one true address-keyed structure so a future LPM-driven
// feature needs no new storage); every other family (VPN, EVPN, ERMVPN,
// RTarget) is keyed by Prefix.Key() because their identity does not fit a
// 128-bit trie key.
type partition struct {
	mu    sync.Mutex
	bart  bart.Table[*Route]
	byKey map[string]*Route
}

func newPartition() *partition {
	return &partition{byKey: make(map[string]*Route)}
}

func (pt *partition) get(p Prefix) (*Route, bool) {
	if np, ok := p.NetPrefix(); ok {
		return pt.bart.Get(np)
	}
	r, ok := pt.byKey[p.Key()]
	return r, ok
}

func (pt *partition) put(p Prefix, r *Route) {
	if np, ok := p.NetPrefix(); ok {
		pt.bart.Insert(np, r)
		return
	}
	pt.byKey[p.Key()] = r
}

func (pt *partition) delete(p Prefix) {
	if np, ok := p.NetPrefix(); ok {
		pt.bart.Delete(np)
		return
	}
	delete(pt.byKey, p.Key())
}

func (pt *partition) forEach(fn func(*Route)) {
	for _, r := range pt.bart.All() {
		fn(r)
	}
	for _, r := range pt.byKey {
		fn(r)
	}
}

// Table is a Prefix→Route store for one address family, partitioned by a
// stable hash of the prefix key so independent prefixes never contend on
// the same lock (spec.md §3's Table/Table Partition split).
type Table struct {
	Family     wire.Family
	partitions []*partition
	listener   *Listener
}

// NewTable creates a Table for fam with nPartitions independent shards.
func NewTable(fam wire.Family, nPartitions int) *Table {
	if nPartitions < 1 {
		nPartitions = 1
	}
	t := &Table{Family: fam, partitions: make([]*partition, nPartitions)}
	for i := range t.partitions {
		t.partitions[i] = newPartition()
	}
	t.listener = newListener(t)
	return t
}

func (t *Table) partitionFor(p Prefix) *partition {
	h := xxhash.Sum64String(p.Key())
	return t.partitions[h%uint64(len(t.partitions))]
}

// Find returns the current Route for prefix, if any.
func (t *Table) Find(prefix Prefix) (*Route, bool) {
	pt := t.partitionFor(prefix)
	pt.mu.Lock()
	defer pt.mu.Unlock()
	return pt.get(prefix)
}

// AddPath inserts or replaces path on the route for prefix, creating the
// route if necessary, and notifies this table's listener registrations.
func (t *Table) AddPath(prefix Prefix, path *Path) *Route {
	pt := t.partitionFor(prefix)
	pt.mu.Lock()
	route, ok := pt.get(prefix)
	if !ok {
		route = NewRoute(prefix)
		pt.put(prefix, route)
	}
	route.InsertPath(path)
	pt.mu.Unlock()

	t.listener.notifyRoute(route)
	return route
}

// DeletePath removes the path sourced by (peer, pathID) from prefix's
// route. If the route becomes empty and carries no listener state, it is
// removed from the partition (spec.md §3's Route-destruction precondition).
func (t *Table) DeletePath(prefix Prefix, peer PeerHandle, pathID uint32) {
	pt := t.partitionFor(prefix)
	pt.mu.Lock()
	route, ok := pt.get(prefix)
	if !ok {
		pt.mu.Unlock()
		return
	}
	route.RemovePath(peer, pathID)
	empty := route.Empty() && !route.hasState()
	if empty {
		pt.delete(prefix)
	}
	pt.mu.Unlock()

	t.listener.notifyRoute(route)
}

// forEachRoute visits every route across every partition; used by
// Listener's walk and by MayDelete's "no routes" check.
func (t *Table) forEachRoute(fn func(*Route)) {
	for _, pt := range t.partitions {
		pt.mu.Lock()
		pt.forEach(fn)
		pt.mu.Unlock()
	}
}

// Len returns the total number of routes across every partition.
func (t *Table) Len() int {
	n := 0
	t.forEachRoute(func(*Route) { n++ })
	return n
}

// ForEach visits every route across every partition, exported for
// read-only consumers outside this package (the introspection endpoint's
// route listing) that have no business reaching into a partition directly.
func (t *Table) ForEach(fn func(*Route)) {
	t.forEachRoute(fn)
}

// Listener returns the table's conditional-match listener, spec.md §4.5's
// application-facing interface.
func (t *Table) Listener() *Listener { return t.listener }

// Empty reports whether the table holds no routes, no listener
// registrations, and no in-flight walk — the Table-destruction
// precondition from spec.md §3.
func (t *Table) Empty() bool {
	if t.Len() > 0 {
		return false
	}
	t.listener.mu.Lock()
	defer t.listener.mu.Unlock()
	return len(t.listener.regs) == 0 && !t.listener.walkInFlight
}
