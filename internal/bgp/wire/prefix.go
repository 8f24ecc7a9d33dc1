package wire

import "net/netip"

// EVPNRouteType identifies the typed sub-NLRI carried inside an EVPN NLRI
// (RFC 7432 §7).
type EVPNRouteType byte

const (
	EVPNEthernetAD        EVPNRouteType = 1
	EVPNMACIPAdvertisement EVPNRouteType = 2
	EVPNInclusiveMcast    EVPNRouteType = 3
	EVPNEthernetSegment   EVPNRouteType = 4
	EVPNIPPrefix          EVPNRouteType = 5
)

// Prefix is a union type over every NLRI shape this speaker decodes:
// plain IPv4/IPv6 unicast, labeled L3VPN (with RD), RTarget, ERMVPN
// ingress-replication, and typed EVPN. Only the fields relevant to Family
// are populated; the rest are zero. This mirrors spec.md §3's Prefix union
// and is deliberately flat rather than an interface hierarchy so Prefix
// remains a comparable value usable as a map/trie key.
type Prefix struct {
	Family Family

	// INET / INET6 / INETVPN / INET6VPN
	RD     RD
	Addr   netip.Addr
	Length uint8
	Label  uint32 // 20-bit MPLS label, VPN families only

	// RTarget (RFC 4684): origin AS plus the target community value.
	RTargetASN   uint32
	RTargetValue uint64

	// ERMVPN (original_source ingress-replication tree NLRI): the tree is
	// keyed by RD, multicast group and source address, plus the
	// originating router.
	Group    netip.Addr
	Source   netip.Addr
	Router   netip.Addr

	// EVPN typed fields (RFC 7432 §7). Only those relevant to RouteType
	// are meaningful.
	EVPNRouteType EVPNRouteType
	ESI           [10]byte
	EthTag        uint32
	MAC           [6]byte
	MACLen        uint8
	IPAddr        netip.Addr
	IPLen         uint8
	Label2        uint32
}

type prefixCodec interface {
	decode(buf []byte) ([]Prefix, *ParseError)
	encode(prefixes []Prefix) []byte
}

func prefixCodecFor(fam Family) (prefixCodec, bool) {
	switch fam {
	case FamilyInet:
		return inetCodec{}, true
	case FamilyInet6:
		return inet6Codec{}, true
	case FamilyInetVPN:
		return inetVPNCodec{}, true
	case FamilyInet6VPN:
		return inet6VPNCodec{}, true
	case FamilyRTarget:
		return rtargetCodec{}, true
	case FamilyERMVPN:
		return ermvpnCodec{}, true
	case FamilyEVPN:
		return evpnCodec{}, true
	default:
		return nil, false
	}
}
