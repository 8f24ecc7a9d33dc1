package wire

import "encoding/binary"

// allOnesMarker is the all-ones 16-byte value every BGP message header carries;
// BGP never negotiated authentication that would make the marker anything
// else, so Decode treats a non-all-ones marker as a sync error.
var allOnesMarker = func() [MarkerLen]byte {
	var m [MarkerLen]byte
	for i := range m {
		m[i] = 0xff
	}
	return m
}()

// Decode parses one complete BGP message (header + body) from buf, which
// must hold exactly PeekLength(buf) bytes. It dispatches on the header's
// message type to the OPEN/UPDATE/NOTIFICATION/KEEPALIVE body decoders.
func Decode(buf []byte) (Message, *ParseError) {
	if len(buf) < HeaderLen {
		return nil, newErr("header", ErrCodeMsgHdr, SubBadMsgLength, "message shorter than header", nil)
	}
	var marker [MarkerLen]byte
	copy(marker[:], buf[:MarkerLen])
	if marker != allOnesMarker {
		return nil, newErr("header", ErrCodeMsgHdr, SubConnNotSync, "marker is not all-ones", nil)
	}
	length := int(binary.BigEndian.Uint16(buf[MarkerLen : MarkerLen+2]))
	if length < MinMsgLen || length > MaxMsgLen || length != len(buf) {
		return nil, newErr("header", ErrCodeMsgHdr, SubBadMsgLength, "inconsistent message length", nil)
	}
	msgType := buf[MarkerLen+2]
	body := buf[HeaderLen:]

	switch msgType {
	case MsgOpen:
		return decodeOpen(body)
	case MsgUpdate:
		return decodeUpdate(body)
	case MsgNotification:
		return decodeNotification(body)
	case MsgKeepalive:
		if len(body) != 0 {
			return nil, newErr("header", ErrCodeMsgHdr, SubBadMsgLength, "KEEPALIVE body must be empty", nil)
		}
		return Keepalive{}, nil
	default:
		return nil, newErr("header", ErrCodeMsgHdr, SubBadMsgType, "unknown message type", []byte{msgType})
	}
}

// Encode renders msg into buf (which must have enough capacity) and
// returns the number of bytes written, including the 19-byte header.
func Encode(msg Message, buf []byte) (int, error) {
	var body []byte
	switch m := msg.(type) {
	case *OpenMessage:
		body = encodeOpen(*m)
	case *UpdateMessage:
		body = encodeUpdate(*m)
	case *NotificationMessage:
		body = encodeNotification(*m)
	case Keepalive:
		body = nil
	}
	total := HeaderLen + len(body)
	if cap(buf) < total {
		buf = make([]byte, total)
	}
	buf = buf[:total]
	for i := 0; i < MarkerLen; i++ {
		buf[i] = 0xff
	}
	binary.BigEndian.PutUint16(buf[MarkerLen:MarkerLen+2], uint16(total))
	buf[MarkerLen+2] = msg.Type()
	copy(buf[HeaderLen:], body)
	return total, nil
}

// Keepalive is the empty-bodied KEEPALIVE message (RFC 4271 §4.4).
type Keepalive struct{}

func (Keepalive) Type() byte { return MsgKeepalive }
