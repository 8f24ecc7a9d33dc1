package server

import (
	"log/slog"
	"sync"
	"time"

	"github.com/routeflow/bgpd/internal/bgp/attr"
	"github.com/routeflow/bgpd/internal/bgp/fsm"
	"github.com/routeflow/bgpd/internal/bgp/lifetime"
	"github.com/routeflow/bgpd/internal/bgp/membership"
	"github.com/routeflow/bgpd/internal/bgp/peer"
	"github.com/routeflow/bgpd/internal/bgp/table"
	"github.com/routeflow/bgpd/internal/bgp/wire"
)

// tablePartitions is the per-family partition count table.NewTable shards
// its prefixes across; spec.md §3 leaves this as an implementation detail,
// so a small fixed fan-out is used rather than a per-instance tuning knob.
const tablePartitions = 16

// RoutingInstance is one routing instance's table set and the peers that
// contribute to and consume it. The default/master instance has Name "".
type RoutingInstance struct {
	Name string

	mu     sync.RWMutex
	tables map[wire.Family]*table.Table
	peers  map[string]*peerEntry

	ref *lifetime.Ref
}

func newRoutingInstance(name string) *RoutingInstance {
	return &RoutingInstance{
		Name:   name,
		tables: make(map[wire.Family]*table.Table),
		peers:  make(map[string]*peerEntry),
	}
}

// tableFor returns (creating if necessary) the Table for fam.
func (inst *RoutingInstance) tableFor(fam wire.Family) *table.Table {
	inst.mu.Lock()
	defer inst.mu.Unlock()
	t, ok := inst.tables[fam]
	if !ok {
		t = table.NewTable(fam, tablePartitions)
		inst.tables[fam] = t
	}
	return t
}

// tableIfExists returns fam's Table without creating one, for read-only
// callers like the /routes introspection endpoint that should see an empty
// result rather than conjure a table for a family nothing has used yet.
func (inst *RoutingInstance) tableIfExists(fam wire.Family) (*table.Table, bool) {
	inst.mu.RLock()
	defer inst.mu.RUnlock()
	t, ok := inst.tables[fam]
	return t, ok
}

func (inst *RoutingInstance) addPeer(key string, pe *peerEntry) {
	inst.mu.Lock()
	defer inst.mu.Unlock()
	inst.peers[key] = pe
}

func (inst *RoutingInstance) peer(key string) (*peerEntry, bool) {
	inst.mu.RLock()
	defer inst.mu.RUnlock()
	pe, ok := inst.peers[key]
	return pe, ok
}

func (inst *RoutingInstance) removePeer(key string) {
	inst.mu.Lock()
	defer inst.mu.Unlock()
	delete(inst.peers, key)
}

func (inst *RoutingInstance) peerKeys() []string {
	inst.mu.RLock()
	defer inst.mu.RUnlock()
	keys := make([]string, 0, len(inst.peers))
	for k := range inst.peers {
		keys = append(keys, k)
	}
	return keys
}

// --- lifetime.Actor ---

// MayDelete reports whether this instance has no live peers and no
// non-empty table, the Table/RoutingInstance destruction precondition
// spec.md §3 and §4.7 describe.
func (inst *RoutingInstance) MayDelete() bool {
	inst.mu.RLock()
	defer inst.mu.RUnlock()
	if len(inst.peers) > 0 {
		return false
	}
	for _, t := range inst.tables {
		if !t.Empty() {
			return false
		}
	}
	return true
}

func (inst *RoutingInstance) Shutdown() {}
func (inst *RoutingInstance) Destroy()  {}

// peerEntry wires one configured neighbor to its live peer.Peer, the
// lifetime.Ref governing its two-phase teardown, and the RTarget
// End-of-RIB deferral bookkeeping spec.md §4.8 describes.
type peerEntry struct {
	key        string
	instance   *RoutingInstance
	p          *peer.Peer
	families   []wire.Family
	localASN   uint32
	membership *membership.Manager
	attrDB     *attr.DB
	log        *slog.Logger

	rtFilterTimeout time.Duration

	ref *lifetime.Ref

	mu                sync.Mutex
	pendingMembership int
	closed            bool
	rtFilter          *rtFilterGate
}

func (pe *peerEntry) hasFamily(fam wire.Family) bool {
	for _, f := range pe.families {
		if f == fam {
			return true
		}
	}
	return false
}

// unregisterAll leaves every table this peer joined. andThen runs once the
// leave completes, after the in-flight membership op is no longer counted
// against MayDelete.
func (pe *peerEntry) unregisterAll(andThen func()) {
	pe.mu.Lock()
	pe.pendingMembership++
	pe.mu.Unlock()
	pe.membership.UnregisterPeer(pe.p, func(table.PeerHandle, *table.Table) {
		pe.mu.Lock()
		pe.pendingMembership--
		pe.mu.Unlock()
		if andThen != nil {
			andThen()
		}
	})
}

// onEstablished joins this peer into every configured family's table so
// its export-match observes and forwards future route changes, and arms
// the RTarget End-of-RIB deferral gate when RTarget is one of them.
func (pe *peerEntry) onEstablished(*peer.Peer) {
	for _, fam := range pe.families {
		fam := fam
		tbl := pe.instance.tableFor(fam)
		pe.mu.Lock()
		pe.pendingMembership++
		pe.mu.Unlock()
		pe.membership.Register(pe.p, tbl, &peerExportMatch{pe: pe, fam: fam}, func(table.PeerHandle, *table.Table) {
			pe.mu.Lock()
			pe.pendingMembership--
			pe.mu.Unlock()
		})
	}
	if pe.hasFamily(wire.FamilyRTarget) {
		pe.mu.Lock()
		pe.rtFilter = newRTFilterGate(pe.rtFilterTimeout, nil)
		pe.mu.Unlock()
	}
}

// onIdle withdraws this peer's standing registrations and deletes every
// path the peer contributed to its families' tables.
func (pe *peerEntry) onIdle(*peer.Peer) {
	pe.mu.Lock()
	g := pe.rtFilter
	pe.rtFilter = nil
	pe.mu.Unlock()
	g.stop()
	pe.unregisterAll(nil)
	for _, fam := range pe.families {
		tbl := pe.instance.tableFor(fam)
		var stale []table.Prefix
		tbl.ForEach(func(r *table.Route) {
			for _, p := range r.Paths {
				if p.Peer == table.PeerHandle(pe.p) {
					stale = append(stale, r.Prefix)
				}
			}
		})
		for _, pfx := range stale {
			tbl.DeletePath(pfx, pe.p, 0)
		}
	}
}

func (pe *peerEntry) onRouteUpdate(_ *peer.Peer, msg *wire.UpdateMessage) {
	pe.installUpdate(msg)
}

func (pe *peerEntry) onRouteEndOfRIB(_ *peer.Peer, fam wire.Family) {
	if fam != wire.FamilyRTarget {
		return
	}
	pe.mu.Lock()
	g := pe.rtFilter
	pe.mu.Unlock()
	g.markReady(nil)
}

func (pe *peerEntry) installUpdate(msg *wire.UpdateMessage) {
	hasNLRI := len(msg.NLRI) > 0 || (msg.Attr.MPReach != nil && len(msg.Attr.MPReach.NLRI) > 0)
	if hasNLRI {
		if perr := pe.validateUpdate(msg.Attr); perr != nil {
			pe.log.Warn("rejecting UPDATE", "subcode", perr.Subcode, "reason", perr.Reason)
			pe.p.FailUpdate(perr)
			return
		}
	}
	if len(msg.NLRI) > 0 || len(msg.WithdrawnRoutes) > 0 {
		pe.installFamily(wire.FamilyInet, msg.NLRI, msg.WithdrawnRoutes, msg.Attr)
	}
	if msg.Attr.MPReach != nil {
		pe.installFamily(msg.Attr.MPReach.Family, msg.Attr.MPReach.NLRI, nil, msg.Attr)
	}
	if msg.Attr.MPUnreach != nil {
		pe.installFamily(msg.Attr.MPUnreach.Family, nil, msg.Attr.MPUnreach.NLRI, msg.Attr)
	}
}

// validateUpdate enforces spec.md §4.1's peer-context-aware well-known
// attribute rules against an UPDATE carrying reachable NLRI. Origin and
// AS-path presence are mandatory for every session; IBGP additionally
// requires Local-pref; EBGP additionally requires a non-empty AS-path.
func (pe *peerEntry) validateUpdate(spec wire.Attr) *wire.ParseError {
	if !spec.OriginPresent {
		return &wire.ParseError{TypeName: "UPDATE", Code: wire.ErrCodeUpdateMsg, Subcode: wire.SubMissingWellKnownAttrib, Data: []byte{wire.AttrOrigin}, Reason: "NLRI present without ORIGIN"}
	}
	if !spec.ASPathPresent {
		return &wire.ParseError{TypeName: "UPDATE", Code: wire.ErrCodeUpdateMsg, Subcode: wire.SubMissingWellKnownAttrib, Data: []byte{wire.AttrASPath}, Reason: "NLRI present without AS_PATH"}
	}
	if pe.p.Type() == table.PeerTypeIBGP && !spec.LocalPrefPresent {
		return &wire.ParseError{TypeName: "UPDATE", Code: wire.ErrCodeUpdateMsg, Subcode: wire.SubMissingWellKnownAttrib, Data: []byte{wire.AttrLocalPref}, Reason: "IBGP NLRI present without LOCAL_PREF"}
	}
	if pe.p.Type() == table.PeerTypeEBGP && spec.ASPath.Len() == 0 {
		return &wire.ParseError{TypeName: "UPDATE", Code: wire.ErrCodeUpdateMsg, Subcode: wire.SubMalformedASPath, Reason: "EBGP NLRI present with empty AS_PATH"}
	}
	return nil
}

func (pe *peerEntry) installFamily(fam wire.Family, nlri, withdrawn []wire.Prefix, spec wire.Attr) {
	tbl := pe.instance.tableFor(fam)
	for _, wp := range withdrawn {
		tbl.DeletePath(table.NewPrefix(wp), pe.p, 0)
	}
	if len(nlri) == 0 {
		return
	}
	var flags table.Flags
	if spec.ASPath.Contains(pe.localASN) {
		flags |= table.FlagASPathLooped
	}
	if pe.p.Type() == table.PeerTypeEBGP {
		if leftmost, ok := spec.ASPath.LeftmostAS(); !ok || leftmost != pe.p.ASN() {
			flags |= table.FlagNoNeighborAS
		}
	}
	for _, np := range nlri {
		interned := pe.attrDB.Locate(spec)
		tbl.AddPath(table.NewPrefix(np), &table.Path{
			Peer:   pe.p,
			Source: table.SourceBGP,
			Attr:   interned,
			Flags:  flags,
		})
	}
}

// --- lifetime.Actor ---

func (pe *peerEntry) MayDelete() bool {
	pe.mu.Lock()
	defer pe.mu.Unlock()
	return pe.p.State() == fsm.Idle && pe.pendingMembership == 0
}

func (pe *peerEntry) Shutdown() {
	pe.p.Stop(wire.SubOtherConfigChange)
	pe.unregisterAll(func() { pe.ref.Delete() })
}

func (pe *peerEntry) Destroy() {
	pe.mu.Lock()
	if pe.closed {
		pe.mu.Unlock()
		return
	}
	pe.closed = true
	g := pe.rtFilter
	pe.mu.Unlock()

	g.stop()
	pe.p.Close()
	pe.instance.removePeer(pe.key)
}

// peerExportMatch re-advertises a table's best-path changes to one peer
// for one family, skipping routes the peer itself originated (split
// horizon). It runs inside the table/listener's own serialization context
// (spec.md §4.5), which is safe here because Peer.SendUpdate only appends
// to the session's own unbounded, non-blocking outbound queue.
type peerExportMatch struct {
	pe  *peerEntry
	fam wire.Family
}

func (m *peerExportMatch) Match(route *table.Route, deleted bool) bool {
	best := route.Best()
	if deleted || best == nil {
		m.send(nil, []wire.Prefix{route.Prefix.Prefix}, wire.Attr{})
		return true
	}
	if best.Peer != nil && best.Peer.Key() == m.pe.p.Key() {
		return true
	}
	spec := wire.Attr{}
	if best.Attr != nil {
		spec = best.Attr.Spec()
	}
	m.send([]wire.Prefix{route.Prefix.Prefix}, nil, spec)
	return true
}

func (m *peerExportMatch) send(nlri, withdrawn []wire.Prefix, spec wire.Attr) {
	var msg *wire.UpdateMessage
	if m.fam == wire.FamilyInet {
		msg = &wire.UpdateMessage{NLRI: nlri, WithdrawnRoutes: withdrawn, Attr: spec}
	} else {
		msg = &wire.UpdateMessage{Attr: spec}
		if len(nlri) > 0 {
			msg.Attr.MPReach = &wire.MPReach{Family: m.fam, NLRI: nlri}
		}
		if len(withdrawn) > 0 {
			msg.Attr.MPUnreach = &wire.MPUnreach{Family: m.fam, NLRI: withdrawn}
		}
	}
	if err := m.pe.p.SendUpdate(msg); err != nil {
		m.pe.log.Debug("export update not sent", "peer", m.pe.key, "family", m.fam, "error", err)
	}
}
