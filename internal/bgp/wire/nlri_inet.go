package wire

import "net/netip"

// inetCodec implements the classic RFC 4271 §4.3 NLRI encoding: a one-byte
// prefix length followed by ceil(length/8) address bytes. inet6Codec below
// is the same shape over 16-byte addresses.

type inetCodec struct{}

func (inetCodec) decode(buf []byte) ([]Prefix, *ParseError) {
	return decodeFixedFamilyPrefixes(buf, FamilyInet, 4)
}

func (inetCodec) encode(prefixes []Prefix) []byte {
	return encodeFixedFamilyPrefixes(prefixes, 4)
}

type inet6Codec struct{}

func (inet6Codec) decode(buf []byte) ([]Prefix, *ParseError) {
	return decodeFixedFamilyPrefixes(buf, FamilyInet6, 16)
}

func (inet6Codec) encode(prefixes []Prefix) []byte {
	return encodeFixedFamilyPrefixes(prefixes, 16)
}

func decodeFixedFamilyPrefixes(buf []byte, fam Family, addrBytes int) ([]Prefix, *ParseError) {
	var out []Prefix
	for len(buf) > 0 {
		p, rest, err := decodePlainPrefix(buf, fam, addrBytes)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
		buf = rest
	}
	return out, nil
}

// decodePlainPrefix decodes one (length, address) NLRI entry and returns the
// remaining buffer. Shared by plain INET/INET6 and (after the RD/label
// prefix has been stripped) by the VPN codecs.
func decodePlainPrefix(buf []byte, fam Family, addrBytes int) (Prefix, []byte, *ParseError) {
	if len(buf) < 1 {
		return Prefix{}, nil, newErr("NLRI", ErrCodeUpdateMsg, SubInvalidNetworkField, "truncated prefix length", nil)
	}
	bitLen := int(buf[0])
	maxBits := addrBytes * 8
	if bitLen > maxBits {
		return Prefix{}, nil, newErr("NLRI", ErrCodeUpdateMsg, SubInvalidNetworkField, "prefix length exceeds address size", nil)
	}
	byteLen := (bitLen + 7) / 8
	if len(buf) < 1+byteLen {
		return Prefix{}, nil, newErr("NLRI", ErrCodeUpdateMsg, SubInvalidNetworkField, "truncated prefix address", nil)
	}
	addrBuf := make([]byte, addrBytes)
	copy(addrBuf, buf[1:1+byteLen])

	var addr netip.Addr
	if addrBytes == 4 {
		addr = netip.AddrFrom4([4]byte(addrBuf))
	} else {
		addr = netip.AddrFrom16([16]byte(addrBuf))
	}
	p := Prefix{Family: fam, Addr: addr, Length: uint8(bitLen)}
	return p, buf[1+byteLen:], nil
}

func encodeFixedFamilyPrefixes(prefixes []Prefix, addrBytes int) []byte {
	var out []byte
	for _, p := range prefixes {
		out = append(out, encodePlainPrefix(p.Addr, p.Length, addrBytes)...)
	}
	return out
}

func encodePlainPrefix(addr netip.Addr, length uint8, addrBytes int) []byte {
	byteLen := (int(length) + 7) / 8
	out := make([]byte, 1+byteLen)
	out[0] = length
	if addrBytes == 4 {
		a4 := addr.As4()
		copy(out[1:], a4[:byteLen])
	} else {
		a16 := addr.As16()
		copy(out[1:], a16[:byteLen])
	}
	return out
}
