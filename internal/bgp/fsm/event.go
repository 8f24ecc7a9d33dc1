package fsm

import "github.com/routeflow/bgpd/internal/bgp/wire"

// Event is any input the state machine can process. Concrete event types
// are plain structs; Machine.handle switches on the concrete type rather
// than a method, keeping events simple data instead of behavior-carrying
// objects (unlike the boost::statechart events this is modeled on, Go has
// no cheap double-dispatch, so a type switch is the idiomatic substitute).
type Event interface {
	eventName() string
}

type baseEvent struct{ name string }

func (b baseEvent) eventName() string { return b.name }

// Administrative events.
type EvStart struct{ baseEvent }
type EvStop struct {
	baseEvent
	Subcode byte
}

// Timer events.
type EvConnectRetryExpired struct{ baseEvent }
type EvHoldTimerExpired struct{ baseEvent }
type EvOpenDelayExpired struct{ baseEvent }
type EvIdleHoldExpired struct{ baseEvent }
type EvKeepaliveTimerExpired struct{ baseEvent }

// Transport events.
type EvTcpConnected struct {
	baseEvent
	Session SessionHandle
}
type EvTcpConnectFailed struct {
	baseEvent
	Session SessionHandle
}
type EvTcpPassiveOpen struct {
	baseEvent
	Session SessionHandle
}
type EvTcpClose struct {
	baseEvent
	Session SessionHandle
}
type EvTcpDeleteSession struct {
	baseEvent
	Session SessionHandle
}

// Message events.
type EvBgpOpen struct {
	baseEvent
	Session SessionHandle
	Msg     *wire.OpenMessage
}
type EvBgpKeepalive struct {
	baseEvent
	Session SessionHandle
}
type EvBgpUpdate struct {
	baseEvent
	Session SessionHandle
	Msg     *wire.UpdateMessage
}
type EvBgpNotification struct {
	baseEvent
	Session SessionHandle
	Msg     *wire.NotificationMessage
}
type EvBgpHeaderError struct {
	baseEvent
	Session SessionHandle
	Err     *wire.ParseError
}
type EvBgpOpenError struct {
	baseEvent
	Session SessionHandle
	Err     *wire.ParseError
}
type EvBgpUpdateError struct {
	baseEvent
	Session SessionHandle
	Err     *wire.ParseError
}

func NewStart() EvStart                          { return EvStart{baseEvent{"Start"}} }
func NewStop(subcode byte) EvStop                 { return EvStop{baseEvent{"Stop"}, subcode} }
func NewConnectRetryExpired() EvConnectRetryExpired { return EvConnectRetryExpired{baseEvent{"ConnectRetryExpired"}} }
func NewHoldTimerExpired() EvHoldTimerExpired     { return EvHoldTimerExpired{baseEvent{"HoldTimerExpired"}} }
func NewOpenDelayExpired() EvOpenDelayExpired     { return EvOpenDelayExpired{baseEvent{"OpenDelayExpired"}} }
func NewIdleHoldExpired() EvIdleHoldExpired       { return EvIdleHoldExpired{baseEvent{"IdleHoldExpired"}} }
func NewKeepaliveTimerExpired() EvKeepaliveTimerExpired {
	return EvKeepaliveTimerExpired{baseEvent{"KeepaliveTimerExpired"}}
}
func NewTcpConnected(s SessionHandle) EvTcpConnected { return EvTcpConnected{baseEvent{"TcpConnected"}, s} }
func NewTcpConnectFailed(s SessionHandle) EvTcpConnectFailed {
	return EvTcpConnectFailed{baseEvent{"TcpConnectFailed"}, s}
}
func NewTcpPassiveOpen(s SessionHandle) EvTcpPassiveOpen {
	return EvTcpPassiveOpen{baseEvent{"TcpPassiveOpen"}, s}
}
func NewTcpClose(s SessionHandle) EvTcpClose { return EvTcpClose{baseEvent{"TcpClose"}, s} }
func NewTcpDeleteSession(s SessionHandle) EvTcpDeleteSession {
	return EvTcpDeleteSession{baseEvent{"TcpDeleteSession"}, s}
}
func NewBgpOpen(s SessionHandle, m *wire.OpenMessage) EvBgpOpen {
	return EvBgpOpen{baseEvent{"BgpOpen"}, s, m}
}
func NewBgpKeepalive(s SessionHandle) EvBgpKeepalive { return EvBgpKeepalive{baseEvent{"BgpKeepalive"}, s} }
func NewBgpUpdate(s SessionHandle, m *wire.UpdateMessage) EvBgpUpdate {
	return EvBgpUpdate{baseEvent{"BgpUpdate"}, s, m}
}
func NewBgpNotification(s SessionHandle, m *wire.NotificationMessage) EvBgpNotification {
	return EvBgpNotification{baseEvent{"BgpNotification"}, s, m}
}
func NewBgpHeaderError(s SessionHandle, e *wire.ParseError) EvBgpHeaderError {
	return EvBgpHeaderError{baseEvent{"BgpHeaderError"}, s, e}
}
func NewBgpOpenError(s SessionHandle, e *wire.ParseError) EvBgpOpenError {
	return EvBgpOpenError{baseEvent{"BgpOpenError"}, s, e}
}
func NewBgpUpdateError(s SessionHandle, e *wire.ParseError) EvBgpUpdateError {
	return EvBgpUpdateError{baseEvent{"BgpUpdateError"}, s, e}
}
