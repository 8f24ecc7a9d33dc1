// Package attr implements the process-wide attribute interning store
// described in spec.md §3: every distinct BGP path-attribute tuple is
// stored once, reference-counted, and shared by every Path that carries
// it. Two decoded UPDATEs with byte-identical attributes end up pointing
// at the same *Attr, so Table/Partition comparisons and route-refresh
// re-walks operate on pointer identity instead of repeatedly deep-
// comparing attribute sets.
package attr

import (
	"sync"

	"github.com/cespare/xxhash/v2"

	"github.com/routeflow/bgpd/internal/bgp/wire"
)

// Attr is one interned, immutable path-attribute tuple. Callers never
// mutate the embedded wire.Attr in place; ReplaceXAndLocate is the only
// sanctioned way to derive a new attribute set from an existing one.
type Attr struct {
	spec wire.Attr
	key  uint64
	raw  []byte

	mu       sync.Mutex
	refCount int
}

// Spec returns the decoded attribute tuple this entry interns. The
// returned value must not be mutated; copy it before changing any field.
func (a *Attr) Spec() wire.Attr { return a.spec }

// RefCount reports the number of live Locate references, for tests and
// the introspection endpoint.
func (a *Attr) RefCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.refCount
}

// DB is the interning store. The zero value is not usable; call New.
type DB struct {
	mu      sync.Mutex
	entries map[uint64][]*Attr
}

// New returns an empty attribute database.
func New() *DB {
	return &DB{entries: make(map[uint64][]*Attr)}
}

// Locate returns the interned *Attr for spec, incrementing its reference
// count. If no entry for this exact attribute tuple exists yet, one is
// created. The canonical wire encoding of spec (via wire.EncodeAttributes)
// is the dedup key: its hash picks the bucket and a byte comparison picks
// the entry within it.
func (db *DB) Locate(spec wire.Attr) *Attr {
	raw := wire.EncodeAttributes(spec)
	key := xxhash.Sum64(raw)

	db.mu.Lock()
	defer db.mu.Unlock()

	for _, existing := range db.entries[key] {
		if string(existing.raw) == string(raw) {
			existing.mu.Lock()
			existing.refCount++
			existing.mu.Unlock()
			return existing
		}
	}

	entry := &Attr{spec: spec, key: key, raw: raw, refCount: 1}
	db.entries[key] = append(db.entries[key], entry)
	return entry
}

// Release decrements a's reference count and removes it from the store
// once no Path references it anymore. Calling Release on nil is a no-op,
// matching the teacher's nil-receiver-tolerant cleanup style.
func (db *DB) Release(a *Attr) {
	if a == nil {
		return
	}
	a.mu.Lock()
	a.refCount--
	dead := a.refCount <= 0
	a.mu.Unlock()
	if !dead {
		return
	}

	db.mu.Lock()
	defer db.mu.Unlock()
	bucket := db.entries[a.key]
	for i, existing := range bucket {
		if existing == a {
			bucket[i] = bucket[len(bucket)-1]
			db.entries[a.key] = bucket[:len(bucket)-1]
			break
		}
	}
	if len(db.entries[a.key]) == 0 {
		delete(db.entries, a.key)
	}
}

// ReplaceXAndLocate applies mutate to a copy of old's spec and interns the
// result, releasing the caller's reference to old. This is the copy-on-
// write idiom spec.md §3 requires for every attribute-set transformation
// (policy rewrite, next-hop-self, community manipulation): callers never
// get a mutable handle into the store, only a recipe applied to a copy.
func (db *DB) ReplaceXAndLocate(old *Attr, mutate func(wire.Attr) wire.Attr) *Attr {
	spec := old.spec
	spec = mutate(spec)
	next := db.Locate(spec)
	db.Release(old)
	return next
}

// Len reports how many distinct attribute tuples are currently interned,
// for tests and the introspection endpoint.
func (db *DB) Len() int {
	db.mu.Lock()
	defer db.mu.Unlock()
	n := 0
	for _, bucket := range db.entries {
		n += len(bucket)
	}
	return n
}
