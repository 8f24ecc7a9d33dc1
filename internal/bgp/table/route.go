package table

import (
	"fmt"
	"sort"
)

// Route holds every candidate Path known for one Prefix, kept sorted by
// Compare so Paths[0] is always the current best path (spec.md §3's
// invariant: "A Route's best-path index is always 0").
type Route struct {
	Prefix Prefix
	Paths  []*Path
	ECMP   bool

	// state holds opaque per-(listener) objects a conditional match has
	// attached via Listener.SetState, keyed by listener id.
	state map[int]any
}

// NewRoute creates an empty Route for prefix.
func NewRoute(prefix Prefix) *Route {
	return &Route{Prefix: prefix}
}

// Best returns the current best path, or nil if the route has no paths
// (a Route in this state is a deletion candidate; see lifetime.Actor).
func (r *Route) Best() *Path {
	if len(r.Paths) == 0 {
		return nil
	}
	return r.Paths[0]
}

// Empty reports whether the route carries no paths, the first half of
// spec.md §3's Route-destruction precondition (the other half is "no
// listener holds state on it", checked via hasState).
func (r *Route) Empty() bool { return len(r.Paths) == 0 }

// InsertPath adds or replaces a path from the same (Peer, PathID) pair and
// re-sorts. Replacing an existing path is keyed on peer key + path id, not
// pointer identity, so a re-advertisement from the same peer supersedes
// rather than duplicates.
func (r *Route) InsertPath(p *Path) {
	key := pathKey(p)
	for i, existing := range r.Paths {
		if pathKey(existing) == key {
			r.Paths[i] = p
			r.sort()
			return
		}
	}
	r.Paths = append(r.Paths, p)
	r.sort()
}

// RemovePath removes the path matching peer/pathID, if any, and reports
// whether anything was removed.
func (r *Route) RemovePath(peer PeerHandle, pathID uint32) bool {
	key := peerPathKey(peer, pathID)
	for i, existing := range r.Paths {
		if pathKey(existing) == key {
			r.Paths = append(r.Paths[:i], r.Paths[i+1:]...)
			return true
		}
	}
	return false
}

func (r *Route) sort() {
	sort.SliceStable(r.Paths, func(i, j int) bool {
		return Compare(r.Paths[i], r.Paths[j], r.ECMP) < 0
	})
}

func pathKey(p *Path) string { return peerPathKey(p.Peer, p.PathID) }

func peerPathKey(peer PeerHandle, pathID uint32) string {
	if peer == nil {
		return fmt.Sprintf("local:%d", pathID)
	}
	return fmt.Sprintf("%s:%d", peer.Key(), pathID)
}

func (r *Route) setState(listenerID int, v any) {
	if r.state == nil {
		r.state = make(map[int]any)
	}
	r.state[listenerID] = v
}

func (r *Route) getState(listenerID int) (any, bool) {
	v, ok := r.state[listenerID]
	return v, ok
}

func (r *Route) removeState(listenerID int) {
	delete(r.state, listenerID)
}

func (r *Route) hasState() bool { return len(r.state) > 0 }
