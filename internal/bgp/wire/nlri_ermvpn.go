package wire

import "net/netip"

// ermvpnCodec implements the ingress-replication tree NLRI used by
// multicast VPN ERMVPN routes (original_source's ermvpn_table, simplified
// to the single "tree" route type this speaker originates/imports: RD,
// multicast group, source, and originating router, each fixed-width so no
// length byte is needed beyond the RD).

type ermvpnCodec struct{}

const ermvpnEntryLen = 8 + 4 + 4 + 4 // RD + group + source + router

func (ermvpnCodec) decode(buf []byte) ([]Prefix, *ParseError) {
	var out []Prefix
	for len(buf) > 0 {
		if len(buf) < ermvpnEntryLen {
			return nil, newErr("NLRI", ErrCodeUpdateMsg, SubInvalidNetworkField, "truncated ERMVPN prefix", nil)
		}
		rd, err := DecodeRD(buf[0:8])
		if err != nil {
			return nil, err
		}
		group := netip.AddrFrom4([4]byte(buf[8:12]))
		source := netip.AddrFrom4([4]byte(buf[12:16]))
		router := netip.AddrFrom4([4]byte(buf[16:20]))
		out = append(out, Prefix{Family: FamilyERMVPN, RD: rd, Group: group, Source: source, Router: router})
		buf = buf[ermvpnEntryLen:]
	}
	return out, nil
}

func (ermvpnCodec) encode(prefixes []Prefix) []byte {
	out := make([]byte, 0, ermvpnEntryLen*len(prefixes))
	for _, p := range prefixes {
		out = append(out, EncodeRD(p.RD)...)
		g := p.Group.As4()
		s := p.Source.As4()
		r := p.Router.As4()
		out = append(out, g[:]...)
		out = append(out, s[:]...)
		out = append(out, r[:]...)
	}
	return out
}
