package wire

import (
	"encoding/binary"
	"net/netip"
)

// Optional parameter and capability codes (RFC 4271 §4.2, RFC 5492).
const (
	OptParamCapability byte = 2

	CapMultiprotocol   byte = 1
	CapRouteRefresh    byte = 2
	CapFourOctetASN    byte = 65
	CapGracefulRestart byte = 64
)

// Capability is one TLV inside the OPEN message's capability optional
// parameter.
type Capability struct {
	Code  byte
	Value []byte
}

// MPCapability decodes a Multiprotocol Extensions capability (RFC 4760
// §8): AFI, a reserved byte, and SAFI.
func (c Capability) MPCapability() (Family, bool) {
	if c.Code != CapMultiprotocol || len(c.Value) != 4 {
		return Family{}, false
	}
	return Family{AFI: binary.BigEndian.Uint16(c.Value[0:2]), SAFI: c.Value[3]}, true
}

// GracefulRestartCapability decodes RFC 4724's restart-time and
// per-address-family forwarding-state flags.
type GracefulRestartCapability struct {
	RestartFlags byte
	RestartTime  uint16
	Families     []Family
}

func (c Capability) GracefulRestart() (GracefulRestartCapability, bool) {
	if c.Code != CapGracefulRestart || len(c.Value) < 2 {
		return GracefulRestartCapability{}, false
	}
	g := GracefulRestartCapability{
		RestartFlags: c.Value[0] >> 4,
		RestartTime:  binary.BigEndian.Uint16(c.Value[0:2]) & 0x0fff,
	}
	for i := 2; i+4 <= len(c.Value); i += 4 {
		g.Families = append(g.Families, Family{
			AFI:  binary.BigEndian.Uint16(c.Value[i : i+2]),
			SAFI: c.Value[i+2],
		})
	}
	return g, true
}

// OpenMessage is the RFC 4271 §4.2 session-open negotiation message.
type OpenMessage struct {
	Version       byte
	MyAS          uint32 // full 4-octet ASN; the 2-octet wire field is AS_TRANS (23456) when a 4-octet capability is present
	HoldTime      uint16
	BGPIdentifier netip.Addr
	Capabilities  []Capability
}

func (*OpenMessage) Type() byte { return MsgOpen }

// FourOctetASN returns the four-octet ASN carried in a CapFourOctetASN
// capability, if present.
func (o *OpenMessage) FourOctetASN() (uint32, bool) {
	for _, c := range o.Capabilities {
		if c.Code == CapFourOctetASN && len(c.Value) == 4 {
			return binary.BigEndian.Uint32(c.Value), true
		}
	}
	return 0, false
}

// MPFamilies returns every family advertised via Multiprotocol Extensions
// capabilities.
func (o *OpenMessage) MPFamilies() []Family {
	var fams []Family
	for _, c := range o.Capabilities {
		if fam, ok := c.MPCapability(); ok {
			fams = append(fams, fam)
		}
	}
	return fams
}

const asTrans = 23456

func decodeOpen(buf []byte) (*OpenMessage, *ParseError) {
	if len(buf) < 10 {
		return nil, newErr("OPEN", ErrCodeOpenMsg, SubUnsupportedVersion, "truncated OPEN body", nil)
	}
	version := buf[0]
	if version != 4 {
		return nil, newErr("OPEN", ErrCodeOpenMsg, SubUnsupportedVersion, "unsupported BGP version", []byte{version})
	}
	as2 := binary.BigEndian.Uint16(buf[1:3])
	holdTime := binary.BigEndian.Uint16(buf[3:5])
	id := netip.AddrFrom4([4]byte(buf[5:9]))
	if !id.IsValid() || id.IsUnspecified() {
		return nil, newErr("OPEN", ErrCodeOpenMsg, SubBadBgpId, "invalid BGP identifier", nil)
	}
	paramsLen := int(buf[9])
	if len(buf) < 10+paramsLen {
		return nil, newErr("OPEN", ErrCodeOpenMsg, SubUnsupportedOptionalParam, "truncated optional parameters", nil)
	}
	params := buf[10 : 10+paramsLen]

	open := &OpenMessage{Version: version, MyAS: uint32(as2), HoldTime: holdTime, BGPIdentifier: id}
	for len(params) > 0 {
		if len(params) < 2 {
			return nil, newErr("OPEN", ErrCodeOpenMsg, SubUnsupportedOptionalParam, "truncated optional parameter header", nil)
		}
		paramType := params[0]
		paramLen := int(params[1])
		if len(params) < 2+paramLen {
			return nil, newErr("OPEN", ErrCodeOpenMsg, SubUnsupportedOptionalParam, "truncated optional parameter body", nil)
		}
		body := params[2 : 2+paramLen]
		if paramType == OptParamCapability {
			caps, err := decodeCapabilities(body)
			if err != nil {
				return nil, err
			}
			open.Capabilities = append(open.Capabilities, caps...)
		}
		params = params[2+paramLen:]
	}

	if as4, ok := open.FourOctetASN(); ok {
		open.MyAS = as4
	}
	return open, nil
}

func decodeCapabilities(buf []byte) ([]Capability, *ParseError) {
	var caps []Capability
	for len(buf) > 0 {
		if len(buf) < 2 {
			return nil, newErr("OPEN", ErrCodeOpenMsg, SubUnsupportedCapability, "truncated capability header", nil)
		}
		code := buf[0]
		length := int(buf[1])
		if len(buf) < 2+length {
			return nil, newErr("OPEN", ErrCodeOpenMsg, SubUnsupportedCapability, "truncated capability body", nil)
		}
		caps = append(caps, Capability{Code: code, Value: append([]byte(nil), buf[2:2+length]...)})
		buf = buf[2+length:]
	}
	return caps, nil
}

func encodeOpen(o OpenMessage) []byte {
	as2 := uint16(o.MyAS)
	needs4Octet := o.MyAS > 0xffff
	if needs4Octet {
		as2 = asTrans
	}

	body := make([]byte, 10)
	body[0] = 4
	binary.BigEndian.PutUint16(body[1:3], as2)
	binary.BigEndian.PutUint16(body[3:5], o.HoldTime)
	id4 := o.BGPIdentifier.As4()
	copy(body[5:9], id4[:])

	var params []byte
	var capBytes []byte
	for _, c := range o.Capabilities {
		capBytes = append(capBytes, c.Code, byte(len(c.Value)))
		capBytes = append(capBytes, c.Value...)
	}
	if needs4Octet {
		var as4 [4]byte
		binary.BigEndian.PutUint32(as4[:], o.MyAS)
		capBytes = append(capBytes, CapFourOctetASN, 4)
		capBytes = append(capBytes, as4[:]...)
	}
	if len(capBytes) > 0 {
		params = append(params, OptParamCapability, byte(len(capBytes)))
		params = append(params, capBytes...)
	}

	body[9] = byte(len(params))
	body = append(body, params...)
	return body
}
