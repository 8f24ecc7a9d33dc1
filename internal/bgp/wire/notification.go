package wire

// NotificationMessage is the RFC 4271 §4.5 session-teardown message: every
// NOTIFICATION this speaker sends or receives carries the offending data
// in Data, even when empty.
type NotificationMessage struct {
	Code    byte
	Subcode byte
	Data    []byte
}

func (*NotificationMessage) Type() byte { return MsgNotification }

func decodeNotification(buf []byte) (*NotificationMessage, *ParseError) {
	if len(buf) < 2 {
		return nil, newErr("NOTIFICATION", ErrCodeMsgHdr, SubBadMsgLength, "truncated NOTIFICATION body", nil)
	}
	return &NotificationMessage{
		Code:    buf[0],
		Subcode: buf[1],
		Data:    append([]byte(nil), buf[2:]...),
	}, nil
}

func encodeNotification(n NotificationMessage) []byte {
	out := make([]byte, 2+len(n.Data))
	out[0] = n.Code
	out[1] = n.Subcode
	copy(out[2:], n.Data)
	return out
}

// FromParseError converts a decode-time ParseError into the NOTIFICATION
// that must be sent back to the peer (RFC 4271 §6.1's "a BGP speaker
// reports the error and terminates the session" rule).
func FromParseError(e *ParseError) NotificationMessage {
	return NotificationMessage{Code: e.Code, Subcode: e.Subcode, Data: e.Data}
}
