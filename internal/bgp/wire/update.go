package wire

import "encoding/binary"

// UpdateMessage is the RFC 4271 §4.3 UPDATE message: a list of withdrawn
// IPv4 unicast prefixes, the path attribute set, and a list of advertised
// IPv4 unicast prefixes. Multiprotocol reachability/unreachability for
// every other family travels inside Attr.MPReach / Attr.MPUnreach instead
// of these two lists, per RFC 4760 §4.
type UpdateMessage struct {
	WithdrawnRoutes []Prefix
	Attr            Attr
	NLRI            []Prefix
}

func (*UpdateMessage) Type() byte { return MsgUpdate }

// IsEndOfRIB reports whether this UPDATE is an End-of-RIB marker: an
// otherwise-empty UPDATE (RFC 4724 §2) or an MP_UNREACH_NLRI with zero
// withdrawn prefixes for its family (RFC 4724 §4 for non-IPv4-unicast
// families).
func (u *UpdateMessage) IsEndOfRIB() (Family, bool) {
	if len(u.WithdrawnRoutes) == 0 && len(u.NLRI) == 0 && u.Attr.MPReach == nil {
		if u.Attr.MPUnreach != nil && len(u.Attr.MPUnreach.NLRI) == 0 {
			return u.Attr.MPUnreach.Family, true
		}
		if u.Attr.MPUnreach == nil {
			return FamilyInet, true
		}
	}
	return Family{}, false
}

func decodeUpdate(buf []byte) (*UpdateMessage, *ParseError) {
	if len(buf) < 2 {
		return nil, newErr("UPDATE", ErrCodeUpdateMsg, SubMalformedAttributeList, "truncated withdrawn routes length", nil)
	}
	withdrawnLen := int(binary.BigEndian.Uint16(buf[0:2]))
	if len(buf) < 2+withdrawnLen {
		return nil, newErr("UPDATE", ErrCodeUpdateMsg, SubInvalidNetworkField, "truncated withdrawn routes", nil)
	}
	withdrawnBuf := buf[2 : 2+withdrawnLen]
	rest := buf[2+withdrawnLen:]

	var withdrawn []Prefix
	for len(withdrawnBuf) > 0 {
		p, next, err := decodePlainPrefix(withdrawnBuf, FamilyInet, 4)
		if err != nil {
			return nil, err
		}
		withdrawn = append(withdrawn, p)
		withdrawnBuf = next
	}

	if len(rest) < 2 {
		return nil, newErr("UPDATE", ErrCodeUpdateMsg, SubMalformedAttributeList, "truncated path attribute length", nil)
	}
	attrLen := int(binary.BigEndian.Uint16(rest[0:2]))
	if len(rest) < 2+attrLen {
		return nil, newErr("UPDATE", ErrCodeUpdateMsg, SubMalformedAttributeList, "truncated path attributes", nil)
	}
	attrBuf := rest[2 : 2+attrLen]
	nlriBuf := rest[2+attrLen:]

	attr, perr := decodeAttributes(attrBuf)
	if perr != nil {
		return nil, perr
	}

	var nlri []Prefix
	for len(nlriBuf) > 0 {
		p, next, err := decodePlainPrefix(nlriBuf, FamilyInet, 4)
		if err != nil {
			return nil, err
		}
		nlri = append(nlri, p)
		nlriBuf = next
	}
	if len(nlri) > 0 && !attr.NextHopPresent {
		return nil, newErr("UPDATE", ErrCodeUpdateMsg, SubMissingWellKnownAttrib, "NLRI present without NEXT_HOP", []byte{AttrNextHop})
	}

	return &UpdateMessage{WithdrawnRoutes: withdrawn, Attr: attr, NLRI: nlri}, nil
}

func encodeUpdate(u UpdateMessage) []byte {
	withdrawnBytes := encodeFixedFamilyPrefixes(u.WithdrawnRoutes, 4)
	attrBytes := EncodeAttributes(u.Attr)
	nlriBytes := encodeFixedFamilyPrefixes(u.NLRI, 4)

	out := make([]byte, 0, 4+len(withdrawnBytes)+len(attrBytes)+len(nlriBytes))
	out = binary.BigEndian.AppendUint16(out, uint16(len(withdrawnBytes)))
	out = append(out, withdrawnBytes...)
	out = binary.BigEndian.AppendUint16(out, uint16(len(attrBytes)))
	out = append(out, attrBytes...)
	out = append(out, nlriBytes...)
	return out
}
