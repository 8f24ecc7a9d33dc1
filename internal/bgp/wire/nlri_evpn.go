package wire

import (
	"encoding/binary"
	"net/netip"
)

// evpnCodec implements RFC 7432 §7's typed EVPN NLRI: a one-byte route type,
// a one-byte length, then a type-specific body. original_source's EVPN
// table only originates/imports MAC/IP Advertisement (type 2), Inclusive
// Multicast (type 3) and IP Prefix (type 5) routes; any other type is
// skipped using its length byte rather than rejected, matching
// original_source's bgp_evpn.cc tolerance for route types it doesn't
// understand yet.

type evpnCodec struct{}

func (evpnCodec) decode(buf []byte) ([]Prefix, *ParseError) {
	var out []Prefix
	for len(buf) > 0 {
		if len(buf) < 2 {
			return nil, newErr("NLRI", ErrCodeUpdateMsg, SubInvalidNetworkField, "truncated EVPN NLRI header", nil)
		}
		routeType := EVPNRouteType(buf[0])
		length := int(buf[1])
		if len(buf) < 2+length {
			return nil, newErr("NLRI", ErrCodeUpdateMsg, SubInvalidNetworkField, "truncated EVPN NLRI body", nil)
		}
		body := buf[2 : 2+length]

		switch routeType {
		case EVPNMACIPAdvertisement:
			p, err := decodeEVPNMACIP(body)
			if err != nil {
				return nil, err
			}
			out = append(out, p)
		case EVPNInclusiveMcast:
			p, err := decodeEVPNIMET(body)
			if err != nil {
				return nil, err
			}
			out = append(out, p)
		case EVPNIPPrefix:
			p, err := decodeEVPNIPPrefix(body)
			if err != nil {
				return nil, err
			}
			out = append(out, p)
		}
		// Unsupported route types (Ethernet AD, Ethernet Segment) are
		// skipped: the length byte alone is enough to resync.

		buf = buf[2+length:]
	}
	return out, nil
}

func decodeEVPNMACIP(body []byte) (Prefix, *ParseError) {
	if len(body) < 8+10+4+1+6+1 {
		return Prefix{}, newErr("NLRI", ErrCodeUpdateMsg, SubInvalidNetworkField, "truncated EVPN MAC/IP route", nil)
	}
	rd, err := DecodeRD(body[0:8])
	if err != nil {
		return Prefix{}, err
	}
	p := Prefix{Family: FamilyEVPN, EVPNRouteType: EVPNMACIPAdvertisement, RD: rd}
	copy(p.ESI[:], body[8:18])
	p.EthTag = binary.BigEndian.Uint32(body[18:22])
	macLen := body[22]
	p.MACLen = macLen
	copy(p.MAC[:], body[23:29])
	off := 29
	ipLen := body[off]
	p.IPLen = ipLen
	off++
	switch ipLen {
	case 0:
	case 32:
		if len(body) < off+4 {
			return Prefix{}, newErr("NLRI", ErrCodeUpdateMsg, SubInvalidNetworkField, "truncated EVPN MAC/IP v4 address", nil)
		}
		p.IPAddr = netip.AddrFrom4([4]byte(body[off : off+4]))
		off += 4
	case 128:
		if len(body) < off+16 {
			return Prefix{}, newErr("NLRI", ErrCodeUpdateMsg, SubInvalidNetworkField, "truncated EVPN MAC/IP v6 address", nil)
		}
		p.IPAddr = netip.AddrFrom16([16]byte(body[off : off+16]))
		off += 16
	default:
		return Prefix{}, newErr("NLRI", ErrCodeUpdateMsg, SubInvalidNetworkField, "invalid EVPN MAC/IP address length", nil)
	}
	if len(body) < off+3 {
		return Prefix{}, newErr("NLRI", ErrCodeUpdateMsg, SubInvalidNetworkField, "truncated EVPN MAC/IP label", nil)
	}
	p.Label = uint32(body[off])<<16 | uint32(body[off+1])<<8 | uint32(body[off+2])
	off += 3
	if len(body) >= off+3 {
		p.Label2 = uint32(body[off])<<16 | uint32(body[off+1])<<8 | uint32(body[off+2])
	}
	return p, nil
}

func decodeEVPNIMET(body []byte) (Prefix, *ParseError) {
	if len(body) < 8+4+1 {
		return Prefix{}, newErr("NLRI", ErrCodeUpdateMsg, SubInvalidNetworkField, "truncated EVPN IMET route", nil)
	}
	rd, err := DecodeRD(body[0:8])
	if err != nil {
		return Prefix{}, err
	}
	p := Prefix{Family: FamilyEVPN, EVPNRouteType: EVPNInclusiveMcast, RD: rd}
	p.EthTag = binary.BigEndian.Uint32(body[8:12])
	ipLen := body[12]
	p.IPLen = ipLen
	switch ipLen {
	case 32:
		if len(body) < 13+4 {
			return Prefix{}, newErr("NLRI", ErrCodeUpdateMsg, SubInvalidNetworkField, "truncated EVPN IMET router address", nil)
		}
		p.Router = netip.AddrFrom4([4]byte(body[13:17]))
	case 128:
		if len(body) < 13+16 {
			return Prefix{}, newErr("NLRI", ErrCodeUpdateMsg, SubInvalidNetworkField, "truncated EVPN IMET router address", nil)
		}
		p.Router = netip.AddrFrom16([16]byte(body[13:29]))
	}
	return p, nil
}

func decodeEVPNIPPrefix(body []byte) (Prefix, *ParseError) {
	if len(body) < 8+10+4+1 {
		return Prefix{}, newErr("NLRI", ErrCodeUpdateMsg, SubInvalidNetworkField, "truncated EVPN IP-prefix route", nil)
	}
	rd, err := DecodeRD(body[0:8])
	if err != nil {
		return Prefix{}, err
	}
	p := Prefix{Family: FamilyEVPN, EVPNRouteType: EVPNIPPrefix, RD: rd}
	copy(p.ESI[:], body[8:18])
	p.EthTag = binary.BigEndian.Uint32(body[18:22])
	ipPrefixLen := body[22]
	p.IPLen = ipPrefixLen
	off := 23
	addrBytes := 4
	if len(body)-off > 4+4+3 {
		addrBytes = 16
	}
	if len(body) < off+addrBytes {
		return Prefix{}, newErr("NLRI", ErrCodeUpdateMsg, SubInvalidNetworkField, "truncated EVPN IP-prefix address", nil)
	}
	if addrBytes == 4 {
		p.IPAddr = netip.AddrFrom4([4]byte(body[off : off+4]))
	} else {
		p.IPAddr = netip.AddrFrom16([16]byte(body[off : off+16]))
	}
	off += addrBytes
	off += addrBytes // skip GW IP address field, unused by this speaker
	if len(body) < off+3 {
		return Prefix{}, newErr("NLRI", ErrCodeUpdateMsg, SubInvalidNetworkField, "truncated EVPN IP-prefix label", nil)
	}
	p.Label = uint32(body[off])<<16 | uint32(body[off+1])<<8 | uint32(body[off+2])
	return p, nil
}

func (evpnCodec) encode(prefixes []Prefix) []byte {
	var out []byte
	for _, p := range prefixes {
		var body []byte
		switch p.EVPNRouteType {
		case EVPNMACIPAdvertisement:
			body = encodeEVPNMACIP(p)
		case EVPNInclusiveMcast:
			body = encodeEVPNIMET(p)
		case EVPNIPPrefix:
			body = encodeEVPNIPPrefixRoute(p)
		default:
			continue
		}
		out = append(out, byte(p.EVPNRouteType), byte(len(body)))
		out = append(out, body...)
	}
	return out
}

func encodeEVPNMACIP(p Prefix) []byte {
	body := make([]byte, 0, 29+19)
	body = append(body, EncodeRD(p.RD)...)
	body = append(body, p.ESI[:]...)
	var tag [4]byte
	binary.BigEndian.PutUint32(tag[:], p.EthTag)
	body = append(body, tag[:]...)
	body = append(body, p.MACLen)
	body = append(body, p.MAC[:]...)
	body = append(body, p.IPLen)
	switch p.IPLen {
	case 32:
		a4 := p.IPAddr.As4()
		body = append(body, a4[:]...)
	case 128:
		a16 := p.IPAddr.As16()
		body = append(body, a16[:]...)
	}
	body = append(body, byte(p.Label>>16), byte(p.Label>>8), byte(p.Label))
	if p.Label2 != 0 {
		body = append(body, byte(p.Label2>>16), byte(p.Label2>>8), byte(p.Label2))
	}
	return body
}

func encodeEVPNIMET(p Prefix) []byte {
	body := make([]byte, 0, 13+16)
	body = append(body, EncodeRD(p.RD)...)
	var tag [4]byte
	binary.BigEndian.PutUint32(tag[:], p.EthTag)
	body = append(body, tag[:]...)
	body = append(body, p.IPLen)
	switch p.IPLen {
	case 32:
		a4 := p.Router.As4()
		body = append(body, a4[:]...)
	case 128:
		a16 := p.Router.As16()
		body = append(body, a16[:]...)
	}
	return body
}

func encodeEVPNIPPrefixRoute(p Prefix) []byte {
	addrBytes := 4
	if p.IPAddr.Is6() {
		addrBytes = 16
	}
	body := make([]byte, 0, 23+2*addrBytes+3)
	body = append(body, EncodeRD(p.RD)...)
	body = append(body, p.ESI[:]...)
	var tag [4]byte
	binary.BigEndian.PutUint32(tag[:], p.EthTag)
	body = append(body, tag[:]...)
	body = append(body, p.IPLen)
	if addrBytes == 4 {
		a4 := p.IPAddr.As4()
		body = append(body, a4[:]...)
		body = append(body, 0, 0, 0, 0) // GW IP address, unused
	} else {
		a16 := p.IPAddr.As16()
		body = append(body, a16[:]...)
		body = append(body, make([]byte, 16)...)
	}
	body = append(body, byte(p.Label>>16), byte(p.Label>>8), byte(p.Label))
	return body
}
