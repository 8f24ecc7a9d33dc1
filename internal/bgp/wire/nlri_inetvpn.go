package wire

import "net/netip"

// inetVPNCodec and inet6VPNCodec implement the labeled-VPN NLRI encoding of
// RFC 3107 (MPLS label stack) composed with RFC 4364 §4.3.4 (VPN-IPv4/
// VPN-IPv6 NLRI): one length byte whose bit count covers the label stack,
// the RD, and the prefix address, followed by those three fields in order.

type inetVPNCodec struct{}

func (inetVPNCodec) decode(buf []byte) ([]Prefix, *ParseError) { return decodeVPNPrefixes(buf, FamilyInetVPN, 4) }
func (inetVPNCodec) encode(prefixes []Prefix) []byte           { return encodeVPNPrefixes(prefixes, 4) }

type inet6VPNCodec struct{}

func (inet6VPNCodec) decode(buf []byte) ([]Prefix, *ParseError) { return decodeVPNPrefixes(buf, FamilyInet6VPN, 16) }
func (inet6VPNCodec) encode(prefixes []Prefix) []byte           { return encodeVPNPrefixes(prefixes, 16) }

const (
	labelBits = 24 // one 3-byte label stack entry: 20-bit label, 3 flag bits, 1 bottom-of-stack bit
	rdBits    = 64
)

func decodeVPNPrefixes(buf []byte, fam Family, addrBytes int) ([]Prefix, *ParseError) {
	var out []Prefix
	for len(buf) > 0 {
		if len(buf) < 1 {
			return nil, newErr("NLRI", ErrCodeUpdateMsg, SubInvalidNetworkField, "truncated VPN prefix", nil)
		}
		totalBits := int(buf[0])
		if totalBits < labelBits+rdBits {
			return nil, newErr("NLRI", ErrCodeUpdateMsg, SubInvalidNetworkField, "VPN prefix shorter than label+RD", nil)
		}
		addrBits := totalBits - labelBits - rdBits
		byteLen := (totalBits + 7) / 8
		if len(buf) < 1+byteLen {
			return nil, newErr("NLRI", ErrCodeUpdateMsg, SubInvalidNetworkField, "truncated VPN prefix body", nil)
		}
		body := buf[1 : 1+byteLen]

		label := uint32(body[0])<<16 | uint32(body[1])<<8 | uint32(body[2])
		rd, err := DecodeRD(body[3:11])
		if err != nil {
			return nil, err
		}
		addrByteLen := (addrBits + 7) / 8
		addrBuf := make([]byte, addrBytes)
		copy(addrBuf, body[11:11+addrByteLen])

		var addr netip.Addr
		if addrBytes == 4 {
			addr = netip.AddrFrom4([4]byte(addrBuf))
		} else {
			addr = netip.AddrFrom16([16]byte(addrBuf))
		}
		out = append(out, Prefix{Family: fam, RD: rd, Addr: addr, Length: uint8(addrBits), Label: label >> 4})
		buf = buf[1+byteLen:]
	}
	return out, nil
}

func encodeVPNPrefixes(prefixes []Prefix, addrBytes int) []byte {
	var out []byte
	for _, p := range prefixes {
		addrByteLen := (int(p.Length) + 7) / 8
		totalBits := labelBits + rdBits + int(p.Length)
		body := make([]byte, 11+addrByteLen)
		label := p.Label << 4
		body[0] = byte(label >> 16)
		body[1] = byte(label >> 8)
		body[2] = byte(label)
		copy(body[3:11], EncodeRD(p.RD))
		if addrBytes == 4 {
			a4 := p.Addr.As4()
			copy(body[11:], a4[:addrByteLen])
		} else {
			a16 := p.Addr.As16()
			copy(body[11:], a16[:addrByteLen])
		}
		out = append(out, byte(totalBits))
		out = append(out, body...)
	}
	return out
}
