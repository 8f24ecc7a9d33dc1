package wire

import (
	"encoding/binary"
	"net/netip"
)

// Path attribute type codes (RFC 4271 §5, RFC 4760, RFC 6514/7432 for EVPN).
const (
	AttrOrigin          byte = 1
	AttrASPath          byte = 2
	AttrNextHop         byte = 3
	AttrMED             byte = 4
	AttrLocalPref       byte = 5
	AttrAtomicAggregate byte = 6
	AttrAggregator      byte = 7
	AttrCommunities     byte = 8
	AttrMPReachNLRI     byte = 14
	AttrMPUnreachNLRI   byte = 15
	AttrExtCommunities  byte = 16
	AttrPMSITunnel      byte = 22
	AttrEdgeDiscovery   byte = 250 // private/internal code used by original_source for multicast edge lists
	AttrEdgeForwarding  byte = 251
)

// Attribute flag bits (RFC 4271 §4.3).
const (
	FlagOptional   byte = 0x80
	FlagTransitive byte = 0x40
	FlagPartial    byte = 0x20
	FlagExtLength  byte = 0x10
)

// Origin values (RFC 4271 §5.1.1).
type Origin byte

const (
	OriginIGP        Origin = 0
	OriginEGP        Origin = 1
	OriginIncomplete Origin = 2
)

// ASPathSegmentType (RFC 4271 §4.3).
type ASPathSegmentType byte

const (
	ASSet      ASPathSegmentType = 1
	ASSequence ASPathSegmentType = 2
)

type ASPathSegment struct {
	Type ASPathSegmentType
	ASNs []uint32
}

type ASPath struct {
	Segments []ASPathSegment
}

// Len returns the AS-path length used for best-path tie-breaking: the sum
// of AS_SEQUENCE entries plus one per non-empty AS_SET (RFC 4271 §9.1.2.2).
func (p ASPath) Len() int {
	n := 0
	for _, seg := range p.Segments {
		switch seg.Type {
		case ASSequence:
			n += len(seg.ASNs)
		case ASSet:
			if len(seg.ASNs) > 0 {
				n++
			}
		}
	}
	return n
}

// LeftmostAS returns the first AS number in the leftmost segment. Used both
// for MED's same-neighbor-AS tie-break and, at the routing-instance layer,
// to check that an EBGP-learned path's AS-path begins with the announcing
// peer's remote-AS (setting the NoNeighborAS path flag when it doesn't).
func (p ASPath) LeftmostAS() (uint32, bool) {
	if len(p.Segments) == 0 || len(p.Segments[0].ASNs) == 0 {
		return 0, false
	}
	return p.Segments[0].ASNs[0], true
}

// Contains reports whether asn appears anywhere in the AS-path.
func (p ASPath) Contains(asn uint32) bool {
	for _, seg := range p.Segments {
		for _, a := range seg.ASNs {
			if a == asn {
				return true
			}
		}
	}
	return false
}

type Aggregator struct {
	ASN     uint32
	Address netip.Addr
}

// PMSITunnel (RFC 6514) describes the replication tunnel used for EVPN/
// ERMVPN multicast.
type PMSITunnel struct {
	TunnelType byte
	Flags      byte
	Label      uint32 // 24 bits used
	Identifier []byte
}

// Edge is one labeled edge in an ERMVPN edge-discovery/edge-forwarding
// attribute (original_source's ERMVPN ingress-replication extension).
type Edge struct {
	Address netip.Addr
	Label   uint32
}

// MPReach carries MP_REACH_NLRI: next-hop plus a typed NLRI list for one
// AFI/SAFI family (RFC 4760 §3).
type MPReach struct {
	Family  Family
	NextHop []byte // raw next-hop bytes, family dependent length
	NLRI    []Prefix
}

// MPUnreach carries MP_UNREACH_NLRI. An empty NLRI list on the RTarget (or
// any) family signals End-of-RIB for that family (spec.md §4.8/GLOSSARY).
type MPUnreach struct {
	Family Family
	NLRI   []Prefix
}

// Attr is the full tuple of BGP path attributes as described in spec.md §3.
// A zero value means "attribute absent"; presence is tracked by the
// accompanying *Present bool fields for attributes with a valid zero value,
// and by nil/empty for pointer- and slice-typed attributes.
type Attr struct {
	OriginPresent        bool
	Origin               Origin
	ASPath               ASPath
	ASPathPresent        bool
	NextHopPresent       bool
	NextHop              netip.Addr
	MED                  uint32
	MEDPresent           bool
	LocalPref            uint32
	LocalPrefPresent     bool
	AtomicAggregate      bool
	Aggregator           *Aggregator
	Communities          []uint32
	ExtCommunities       []uint64
	PMSITunnel           *PMSITunnel
	EdgeDiscovery        []Edge
	EdgeForwarding       []Edge
	MPReach              *MPReach
	MPUnreach            *MPUnreach
}

// decodeAttributes parses the UPDATE message's path-attribute TLV list. The
// per-family NLRI codec for MP_REACH/MP_UNREACH is selected by
// prefixCodecFor from the AFI/SAFI carried inside that attribute.
func decodeAttributes(buf []byte) (Attr, *ParseError) {
	var a Attr
	seen := map[byte]bool{}

	for len(buf) > 0 {
		if len(buf) < 3 {
			return a, newErr("UPDATE", ErrCodeUpdateMsg, SubMalformedAttributeList, "truncated attribute header", nil)
		}
		flags := buf[0]
		code := buf[1]
		var length int
		var headerLen int
		if flags&FlagExtLength != 0 {
			if len(buf) < 4 {
				return a, newErr("UPDATE", ErrCodeUpdateMsg, SubMalformedAttributeList, "truncated extended-length attribute header", nil)
			}
			length = int(binary.BigEndian.Uint16(buf[2:4]))
			headerLen = 4
		} else {
			length = int(buf[2])
			headerLen = 3
		}
		if len(buf) < headerLen+length {
			return a, newErr("UPDATE", ErrCodeUpdateMsg, SubAttribLengthError, "attribute length exceeds message", nil)
		}
		body := buf[headerLen : headerLen+length]

		if seen[code] {
			return a, newErr("UPDATE", ErrCodeUpdateMsg, SubMalformedAttributeList, "duplicate attribute", []byte{code})
		}
		seen[code] = true

		if err := decodeOneAttr(&a, flags, code, body); err != nil {
			return a, err
		}

		buf = buf[headerLen+length:]
	}
	return a, nil
}

func expectFlags(code, flags byte, wellKnown, transitive bool) *ParseError {
	optional := flags&FlagOptional != 0
	trans := flags&FlagTransitive != 0
	if wellKnown && optional {
		return newErr("UPDATE", ErrCodeUpdateMsg, SubAttribFlagsError, "well-known attribute marked optional", []byte{code})
	}
	if wellKnown && !trans {
		return newErr("UPDATE", ErrCodeUpdateMsg, SubAttribFlagsError, "well-known attribute not marked transitive", []byte{code})
	}
	if !wellKnown && transitive && !trans {
		return newErr("UPDATE", ErrCodeUpdateMsg, SubAttribFlagsError, "transitive optional attribute not marked transitive", []byte{code})
	}
	return nil
}

func decodeOneAttr(a *Attr, flags, code byte, body []byte) *ParseError {
	switch code {
	case AttrOrigin:
		if err := expectFlags(code, flags, true, true); err != nil {
			return err
		}
		if len(body) != 1 {
			return newErr("UPDATE", ErrCodeUpdateMsg, SubAttribLengthError, "ORIGIN length", []byte{code})
		}
		if body[0] > 2 {
			return newErr("UPDATE", ErrCodeUpdateMsg, SubInvalidOrigin, "invalid origin value", body)
		}
		a.Origin = Origin(body[0])
		a.OriginPresent = true

	case AttrASPath:
		if err := expectFlags(code, flags, true, true); err != nil {
			return err
		}
		path, err := decodeASPath(body)
		if err != nil {
			return err
		}
		a.ASPath = path
		a.ASPathPresent = true

	case AttrNextHop:
		if err := expectFlags(code, flags, true, true); err != nil {
			return err
		}
		if len(body) != 4 {
			return newErr("UPDATE", ErrCodeUpdateMsg, SubAttribLengthError, "NEXT_HOP length", []byte{code})
		}
		addr := netip.AddrFrom4([4]byte{body[0], body[1], body[2], body[3]})
		if addr == netip.IPv4Unspecified() || !addr.IsValid() {
			return newErr("UPDATE", ErrCodeUpdateMsg, SubInvalidNH, "next-hop is 0", nil)
		}
		a.NextHop = addr
		a.NextHopPresent = true

	case AttrMED:
		if err := expectFlags(code, flags, false, false); err != nil {
			return err
		}
		if len(body) != 4 {
			return newErr("UPDATE", ErrCodeUpdateMsg, SubAttribLengthError, "MED length", []byte{code})
		}
		a.MED = binary.BigEndian.Uint32(body)
		a.MEDPresent = true

	case AttrLocalPref:
		if err := expectFlags(code, flags, true, true); err != nil {
			return err
		}
		if len(body) != 4 {
			return newErr("UPDATE", ErrCodeUpdateMsg, SubAttribLengthError, "LOCAL_PREF length", []byte{code})
		}
		a.LocalPref = binary.BigEndian.Uint32(body)
		a.LocalPrefPresent = true

	case AttrAtomicAggregate:
		if len(body) != 0 {
			return newErr("UPDATE", ErrCodeUpdateMsg, SubAttribLengthError, "ATOMIC_AGGREGATE length", []byte{code})
		}
		a.AtomicAggregate = true

	case AttrAggregator:
		if len(body) != 8 {
			return newErr("UPDATE", ErrCodeUpdateMsg, SubAttribLengthError, "AGGREGATOR length", []byte{code})
		}
		addr := netip.AddrFrom4([4]byte{body[4], body[5], body[6], body[7]})
		a.Aggregator = &Aggregator{ASN: uint32(binary.BigEndian.Uint16(body[0:2])), Address: addr}

	case AttrCommunities:
		if len(body)%4 != 0 {
			return newErr("UPDATE", ErrCodeUpdateMsg, SubAttribLengthError, "COMMUNITIES length", []byte{code})
		}
		for i := 0; i+4 <= len(body); i += 4 {
			a.Communities = append(a.Communities, binary.BigEndian.Uint32(body[i:i+4]))
		}

	case AttrExtCommunities:
		if len(body)%8 != 0 {
			return newErr("UPDATE", ErrCodeUpdateMsg, SubAttribLengthError, "EXTENDED_COMMUNITIES length", []byte{code})
		}
		for i := 0; i+8 <= len(body); i += 8 {
			a.ExtCommunities = append(a.ExtCommunities, binary.BigEndian.Uint64(body[i:i+8]))
		}

	case AttrPMSITunnel:
		if len(body) < 5 {
			return newErr("UPDATE", ErrCodeUpdateMsg, SubAttribLengthError, "PMSI_TUNNEL length", []byte{code})
		}
		label := uint32(body[2])<<16 | uint32(body[3])<<8 | uint32(body[4])
		a.PMSITunnel = &PMSITunnel{
			Flags:      body[0],
			TunnelType: body[1],
			Label:      label >> 4, // bottom 4 bits are reserved/bottom-of-stack
			Identifier: append([]byte(nil), body[5:]...),
		}

	case AttrEdgeDiscovery:
		edges, err := decodeEdgeList(body, code)
		if err != nil {
			return err
		}
		a.EdgeDiscovery = edges

	case AttrEdgeForwarding:
		edges, err := decodeEdgeList(body, code)
		if err != nil {
			return err
		}
		a.EdgeForwarding = edges

	case AttrMPReachNLRI:
		mp, err := decodeMPReach(body)
		if err != nil {
			return err
		}
		a.MPReach = mp

	case AttrMPUnreachNLRI:
		mp, err := decodeMPUnreach(body)
		if err != nil {
			return err
		}
		a.MPUnreach = mp

	default:
		if flags&FlagOptional == 0 {
			return newErr("UPDATE", ErrCodeUpdateMsg, SubUnrecognizedWellKnownAttr, "unrecognized well-known attribute", []byte{code})
		}
		// Unrecognized optional attribute: silently ignored (and would be
		// re-advertised with the Partial bit set by a transit speaker; this
		// core does not re-advertise attributes it does not understand).
	}
	return nil
}

func decodeASPath(body []byte) (ASPath, *ParseError) {
	var path ASPath
	for len(body) > 0 {
		if len(body) < 2 {
			return path, newErr("UPDATE", ErrCodeUpdateMsg, SubMalformedASPath, "truncated AS_PATH segment header", nil)
		}
		segType := ASPathSegmentType(body[0])
		count := int(body[1])
		if segType != ASSet && segType != ASSequence {
			return path, newErr("UPDATE", ErrCodeUpdateMsg, SubMalformedASPath, "invalid AS_PATH segment type", nil)
		}
		need := 2 + count*4
		if len(body) < need {
			return path, newErr("UPDATE", ErrCodeUpdateMsg, SubMalformedASPath, "truncated AS_PATH segment", nil)
		}
		seg := ASPathSegment{Type: segType, ASNs: make([]uint32, count)}
		for i := 0; i < count; i++ {
			off := 2 + i*4
			seg.ASNs[i] = binary.BigEndian.Uint32(body[off : off+4])
		}
		path.Segments = append(path.Segments, seg)
		body = body[need:]
	}
	return path, nil
}

func decodeEdgeList(body []byte, code byte) ([]Edge, *ParseError) {
	var edges []Edge
	for len(body) >= 7 {
		addr := netip.AddrFrom4([4]byte{body[0], body[1], body[2], body[3]})
		label := uint32(body[4])<<16 | uint32(body[5])<<8 | uint32(body[6])
		edges = append(edges, Edge{Address: addr, Label: label})
		body = body[7:]
	}
	if len(body) != 0 {
		return nil, newErr("UPDATE", ErrCodeUpdateMsg, SubAttribLengthError, "truncated edge entry", []byte{code})
	}
	return edges, nil
}

func decodeMPReach(body []byte) (*MPReach, *ParseError) {
	if len(body) < 5 {
		return nil, newErr("UPDATE", ErrCodeUpdateMsg, SubOptionalAttribError, "truncated MP_REACH_NLRI", nil)
	}
	fam := Family{AFI: binary.BigEndian.Uint16(body[0:2]), SAFI: body[2]}
	nhLen := int(body[3])
	if len(body) < 4+nhLen+1 {
		return nil, newErr("UPDATE", ErrCodeUpdateMsg, SubOptionalAttribError, "truncated MP_REACH_NLRI next-hop", nil)
	}
	nh := append([]byte(nil), body[4:4+nhLen]...)
	rest := body[4+nhLen:]
	reserved := int(rest[0]) // SNPA count, always 0 in practice
	rest = rest[1+reserved:]

	codec, ok := prefixCodecFor(fam)
	if !ok {
		return nil, newErr("UPDATE", ErrCodeUpdateMsg, SubOptionalAttribError, "unsupported AFI/SAFI in MP_REACH_NLRI", nil)
	}
	prefixes, err := codec.decode(rest)
	if err != nil {
		return nil, err
	}
	return &MPReach{Family: fam, NextHop: nh, NLRI: prefixes}, nil
}

func decodeMPUnreach(body []byte) (*MPUnreach, *ParseError) {
	if len(body) < 3 {
		return nil, newErr("UPDATE", ErrCodeUpdateMsg, SubOptionalAttribError, "truncated MP_UNREACH_NLRI", nil)
	}
	fam := Family{AFI: binary.BigEndian.Uint16(body[0:2]), SAFI: body[2]}
	codec, ok := prefixCodecFor(fam)
	if !ok {
		return nil, newErr("UPDATE", ErrCodeUpdateMsg, SubOptionalAttribError, "unsupported AFI/SAFI in MP_UNREACH_NLRI", nil)
	}
	prefixes, err := codec.decode(body[3:])
	if err != nil {
		return nil, err
	}
	return &MPUnreach{Family: fam, NLRI: prefixes}, nil
}

// EncodeAttributes renders the attribute list in canonical form: one-byte
// length header unless the body exceeds 255 bytes, attributes written in a
// fixed order (ascending attribute code, except MP_REACH_NLRI and
// MP_UNREACH_NLRI, which come last) so two equal Attr values always produce identical
// bytes (used both on the wire and as attr.DB's interning key).
func EncodeAttributes(a Attr) []byte {
	var out []byte
	put := func(code, flags byte, body []byte) {
		if len(body) > 255 {
			flags |= FlagExtLength
			out = append(out, flags, code, byte(len(body)>>8), byte(len(body)))
		} else {
			out = append(out, flags, code, byte(len(body)))
		}
		out = append(out, body...)
	}

	if a.OriginPresent {
		put(AttrOrigin, FlagTransitive, []byte{byte(a.Origin)})
	}
	{
		body := encodeASPath(a.ASPath)
		put(AttrASPath, FlagTransitive, body)
	}
	if a.NextHopPresent {
		b4 := a.NextHop.As4()
		put(AttrNextHop, FlagTransitive, b4[:])
	}
	if a.MEDPresent {
		var b [4]byte
		binary.BigEndian.PutUint32(b[:], a.MED)
		put(AttrMED, FlagOptional, b[:])
	}
	if a.LocalPrefPresent {
		var b [4]byte
		binary.BigEndian.PutUint32(b[:], a.LocalPref)
		put(AttrLocalPref, FlagTransitive, b[:])
	}
	if a.AtomicAggregate {
		put(AttrAtomicAggregate, FlagTransitive, nil)
	}
	if a.Aggregator != nil {
		b := make([]byte, 8)
		binary.BigEndian.PutUint16(b[0:2], uint16(a.Aggregator.ASN))
		a4 := a.Aggregator.Address.As4()
		copy(b[4:8], a4[:])
		put(AttrAggregator, FlagOptional|FlagTransitive, b)
	}
	if len(a.Communities) > 0 {
		b := make([]byte, 4*len(a.Communities))
		for i, c := range a.Communities {
			binary.BigEndian.PutUint32(b[i*4:i*4+4], c)
		}
		put(AttrCommunities, FlagOptional|FlagTransitive, b)
	}
	if len(a.ExtCommunities) > 0 {
		b := make([]byte, 8*len(a.ExtCommunities))
		for i, c := range a.ExtCommunities {
			binary.BigEndian.PutUint64(b[i*8:i*8+8], c)
		}
		put(AttrExtCommunities, FlagOptional|FlagTransitive, b)
	}
	if a.PMSITunnel != nil {
		t := a.PMSITunnel
		b := make([]byte, 5+len(t.Identifier))
		b[0] = t.Flags
		b[1] = t.TunnelType
		label := t.Label << 4
		b[2] = byte(label >> 16)
		b[3] = byte(label >> 8)
		b[4] = byte(label)
		copy(b[5:], t.Identifier)
		put(AttrPMSITunnel, FlagOptional|FlagTransitive, b)
	}
	if len(a.EdgeDiscovery) > 0 {
		put(AttrEdgeDiscovery, FlagOptional|FlagTransitive, encodeEdgeList(a.EdgeDiscovery))
	}
	if len(a.EdgeForwarding) > 0 {
		put(AttrEdgeForwarding, FlagOptional|FlagTransitive, encodeEdgeList(a.EdgeForwarding))
	}
	if a.MPReach != nil {
		put(AttrMPReachNLRI, FlagOptional, encodeMPReach(*a.MPReach))
	}
	if a.MPUnreach != nil {
		put(AttrMPUnreachNLRI, FlagOptional, encodeMPUnreach(*a.MPUnreach))
	}
	return out
}

func encodeASPath(p ASPath) []byte {
	var out []byte
	for _, seg := range p.Segments {
		out = append(out, byte(seg.Type), byte(len(seg.ASNs)))
		for _, as := range seg.ASNs {
			var b [4]byte
			binary.BigEndian.PutUint32(b[:], as)
			out = append(out, b[:]...)
		}
	}
	return out
}

func encodeEdgeList(edges []Edge) []byte {
	out := make([]byte, 0, 7*len(edges))
	for _, e := range edges {
		a4 := e.Address.As4()
		out = append(out, a4[:]...)
		out = append(out, byte(e.Label>>16), byte(e.Label>>8), byte(e.Label))
	}
	return out
}

func encodeMPReach(mp MPReach) []byte {
	codec, _ := prefixCodecFor(mp.Family)
	nlri := codec.encode(mp.NLRI)
	out := make([]byte, 0, 5+len(mp.NextHop)+len(nlri))
	out = append(out, byte(mp.Family.AFI>>8), byte(mp.Family.AFI), mp.Family.SAFI, byte(len(mp.NextHop)))
	out = append(out, mp.NextHop...)
	out = append(out, 0) // SNPA count
	out = append(out, nlri...)
	return out
}

func encodeMPUnreach(mp MPUnreach) []byte {
	codec, _ := prefixCodecFor(mp.Family)
	nlri := codec.encode(mp.NLRI)
	out := make([]byte, 0, 3+len(nlri))
	out = append(out, byte(mp.Family.AFI>>8), byte(mp.Family.AFI), mp.Family.SAFI)
	out = append(out, nlri...)
	return out
}
