// Package table implements the per-family routing table: Prefix identity,
// interned-attribute Path candidates, best-path-ordered Route lists, hash-
// partitioned Table storage, and the conditional listener/walker that lets
// other modules watch a table for routes matching a predicate.
package table

import (
	"encoding/binary"
	"fmt"
	"net/netip"

	"github.com/routeflow/bgpd/internal/bgp/wire"
)

// RouteDistinguisher re-exports wire.RD under the table package's public
// surface so callers never need to import wire just to build a VPN Prefix.
type RouteDistinguisher = wire.RD

// Prefix identifies one routing-table entry. It wraps the decoded wire
// representation (which already covers every supported family as a flat
// struct) and adds the two lookup keys Table/Partition need: a
// netip.Prefix for the plain-unicast families that gaissmai/bart can index
// directly, and a canonical byte key for every family whose identity
// includes more than an address and length (route distinguisher, EVPN
// route type, multicast tuple) and so cannot be packed into a 128-bit
// trie key.
type Prefix struct {
	wire.Prefix
}

// NewPrefix wraps a decoded wire.Prefix for table storage.
func NewPrefix(p wire.Prefix) Prefix { return Prefix{Prefix: p} }

// NetPrefix returns the netip.Prefix bart can index directly, for the
// plain IPv4/IPv6 unicast families. ok is false for every other family.
func (p Prefix) NetPrefix() (netip.Prefix, bool) {
	switch p.Family {
	case wire.FamilyInet, wire.FamilyInet6:
		return netip.PrefixFrom(p.Addr, int(p.Length)), true
	default:
		return netip.Prefix{}, false
	}
}

// Key returns a canonical, comparable byte-string identity for any
// supported family, used as the map key inside Partition for every family
// that NetPrefix cannot represent, and as the general-purpose identity for
// logging/tests regardless of family.
func (p Prefix) Key() string {
	switch p.Family {
	case wire.FamilyInet, wire.FamilyInet6:
		return fmt.Sprintf("%s/%d", p.Addr, p.Length)
	case wire.FamilyInetVPN, wire.FamilyInet6VPN:
		return fmt.Sprintf("%s:%s/%d", p.RD, p.Addr, p.Length)
	case wire.FamilyRTarget:
		var b [8]byte
		binary.BigEndian.PutUint32(b[0:4], p.RTargetASN)
		binary.BigEndian.PutUint64(b[0:8], p.RTargetValue)
		return fmt.Sprintf("rt:%d:%x/%d", p.RTargetASN, p.RTargetValue, p.Length)
	case wire.FamilyERMVPN:
		return fmt.Sprintf("ermvpn:%s:g=%s:s=%s:r=%s", p.RD, p.Group, p.Source, p.Router)
	case wire.FamilyEVPN:
		return fmt.Sprintf("evpn:%s:t%d:esi=%x:tag=%d:mac=%x:ip=%s", p.RD, p.EVPNRouteType, p.ESI, p.EthTag, p.MAC, p.IPAddr)
	default:
		return fmt.Sprintf("unknown:%v", p.Prefix)
	}
}

func (p Prefix) String() string { return p.Key() }
