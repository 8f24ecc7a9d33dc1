package wire

import (
	"encoding/binary"
	"fmt"
	"net/netip"
)

// RDType distinguishes the three Route Distinguisher encodings of RFC 4364
// §4.
type RDType uint16

const (
	RDTypeASN2     RDType = 0 // 2-byte ASN : 4-byte assigned number
	RDTypeIPv4     RDType = 1 // 4-byte IPv4 address : 2-byte assigned number
	RDTypeASN4     RDType = 2 // 4-byte ASN : 2-byte assigned number
)

// RD is an 8-byte Route Distinguisher. It is a value type so it can be used
// directly as a map key and as part of a Prefix's identity in the table
// package.
type RD struct {
	Type   RDType
	Admin  uint64 // 2-byte ASN, 4-byte IPv4, or 4-byte ASN depending on Type
	Assign uint32 // 4-byte or 2-byte assigned number depending on Type
}

func (rd RD) String() string {
	switch rd.Type {
	case RDTypeASN2:
		return fmt.Sprintf("%d:%d", rd.Admin, rd.Assign)
	case RDTypeIPv4:
		return fmt.Sprintf("%s:%d", netip.AddrFrom4(uint32ToBytes(uint32(rd.Admin))), rd.Assign)
	case RDTypeASN4:
		return fmt.Sprintf("%d:%d", rd.Admin, rd.Assign)
	default:
		return "rd-unknown"
	}
}

func uint32ToBytes(v uint32) [4]byte {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], v)
	return b
}

// DecodeRD parses the 8-byte RD encoding at the start of buf.
func DecodeRD(buf []byte) (RD, *ParseError) {
	if len(buf) < 8 {
		return RD{}, newErr("NLRI", ErrCodeUpdateMsg, SubInvalidNetworkField, "truncated route distinguisher", nil)
	}
	typ := RDType(binary.BigEndian.Uint16(buf[0:2]))
	switch typ {
	case RDTypeASN2:
		return RD{Type: typ, Admin: uint64(binary.BigEndian.Uint16(buf[2:4])), Assign: binary.BigEndian.Uint32(buf[4:8])}, nil
	case RDTypeIPv4:
		return RD{Type: typ, Admin: uint64(binary.BigEndian.Uint32(buf[2:6])), Assign: uint32(binary.BigEndian.Uint16(buf[6:8]))}, nil
	case RDTypeASN4:
		return RD{Type: typ, Admin: uint64(binary.BigEndian.Uint32(buf[2:6])), Assign: uint32(binary.BigEndian.Uint16(buf[6:8]))}, nil
	default:
		return RD{}, newErr("NLRI", ErrCodeUpdateMsg, SubInvalidNetworkField, "unknown route distinguisher type", buf[0:2])
	}
}

// EncodeRD renders rd in its 8-byte wire form.
func EncodeRD(rd RD) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint16(b[0:2], uint16(rd.Type))
	switch rd.Type {
	case RDTypeASN2:
		binary.BigEndian.PutUint16(b[2:4], uint16(rd.Admin))
		binary.BigEndian.PutUint32(b[4:8], rd.Assign)
	case RDTypeIPv4, RDTypeASN4:
		binary.BigEndian.PutUint32(b[2:6], uint32(rd.Admin))
		binary.BigEndian.PutUint16(b[6:8], uint16(rd.Assign))
	}
	return b
}
