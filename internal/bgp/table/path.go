package table

import (
	"net/netip"

	"github.com/routeflow/bgpd/internal/bgp/attr"
)

// RouteSource identifies where a Path originated. The enum ordinal itself
// is load-bearing: Compare's step 8 breaks ties by "lower source value
// wins", so the declaration order below is the BGP < XMPP < ... < Local
// tie-break order, matching the original's enum-ordinal comparison.
type RouteSource int

const (
	SourceBGP RouteSource = iota
	SourceXMPP
	SourceStaticRoute
	SourceServiceChain
	SourceLocal
	SourceNone
)

// PeerType distinguishes EBGP from IBGP sessions; Compare's step 12 prefers
// EBGP (the lower ordinal).
type PeerType int

const (
	PeerTypeEBGP PeerType = iota
	PeerTypeIBGP
)

// Path flag bits (spec.md §3's Path.flags bitfield).
type Flags uint32

const (
	FlagASPathLooped Flags = 1 << iota
	FlagNoNeighborAS
	FlagStale
	FlagNoTunnelEncap
)

// PeerHandle is the narrow view of a peer that table needs: enough to
// break best-path ties and to report a path's origin. Defined here (not
// imported from package peer) because peer depends on table, not the
// other way around — the "weak reference" spec.md describes a Path
// holding on its peer.
type PeerHandle interface {
	ASN() uint32
	Identifier() netip.Addr
	Type() PeerType
	Key() string
}

// Path is one candidate route for a prefix: the BGP speaker's view of
// spec.md §3's Path. Peer is nil exactly when Source is one of
// SourceLocal, SourceStaticRoute, or SourceServiceChain.
type Path struct {
	Peer   PeerHandle
	PathID uint32
	Source RouteSource
	Attr   *attr.Attr
	Flags  Flags
	Label  uint32
}

func (p *Path) hasFlag(f Flags) bool { return p.Flags&f != 0 }

// Feasible reports whether this path is usable for best-path selection at
// all (Compare's step 1): not AS-path-looped and not missing a required
// neighbor AS.
func (p *Path) Feasible() bool {
	if p.hasFlag(FlagASPathLooped) || p.hasFlag(FlagNoNeighborAS) {
		return false
	}
	return true
}
