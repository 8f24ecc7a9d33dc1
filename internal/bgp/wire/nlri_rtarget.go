package wire

import "encoding/binary"

// rtargetCodec implements RFC 4684 Route Target Constrain NLRI: a length
// byte (in bits, 0 meaning "match all RTs from any AS") followed by the
// origin AS (4 bytes) and the 8-byte route-target value, truncated to
// whatever the declared bit length covers.

type rtargetCodec struct{}

func (rtargetCodec) decode(buf []byte) ([]Prefix, *ParseError) {
	var out []Prefix
	for len(buf) > 0 {
		if len(buf) < 1 {
			return nil, newErr("NLRI", ErrCodeUpdateMsg, SubInvalidNetworkField, "truncated RTarget prefix", nil)
		}
		bitLen := int(buf[0])
		byteLen := (bitLen + 7) / 8
		if len(buf) < 1+byteLen {
			return nil, newErr("NLRI", ErrCodeUpdateMsg, SubInvalidNetworkField, "truncated RTarget prefix body", nil)
		}
		full := make([]byte, 12)
		copy(full, buf[1:1+byteLen])
		out = append(out, Prefix{
			Family:       FamilyRTarget,
			Length:       uint8(bitLen),
			RTargetASN:   binary.BigEndian.Uint32(full[0:4]),
			RTargetValue: binary.BigEndian.Uint64(full[4:12]),
		})
		buf = buf[1+byteLen:]
	}
	return out, nil
}

func (rtargetCodec) encode(prefixes []Prefix) []byte {
	var out []byte
	for _, p := range prefixes {
		full := make([]byte, 12)
		binary.BigEndian.PutUint32(full[0:4], p.RTargetASN)
		binary.BigEndian.PutUint64(full[4:12], p.RTargetValue)
		byteLen := (int(p.Length) + 7) / 8
		out = append(out, p.Length)
		out = append(out, full[:byteLen]...)
	}
	return out
}
