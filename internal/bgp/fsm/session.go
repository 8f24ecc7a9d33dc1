package fsm

import (
	"time"

	"github.com/routeflow/bgpd/internal/bgp/wire"
)

// SessionHandle is the machine's view of a live or pending TCP transport.
// package peer implements this over its Session type; fsm stays decoupled
// from socket handling so it can be driven by a fake in tests.
type SessionHandle interface {
	SendOpen(*wire.OpenMessage) error
	SendKeepalive() error
	SendUpdate(*wire.UpdateMessage) error
	SendNotification(*wire.NotificationMessage) error
	Close() error
	Passive() bool
	RemoteIdentifier() (netipAddrString string, ok bool)
}

// Callbacks is how the machine asks its owning peer to perform actions
// that reach outside the FSM proper: dialing a new active connection,
// building the OPEN message body, and observing lifecycle transitions for
// counters/logging.
type Callbacks interface {
	// Dial initiates an active TCP connection and returns a SessionHandle
	// once the transport is up, or an error if the attempt fails.
	Dial() (SessionHandle, error)

	// BuildOpen constructs this speaker's OPEN message, stamped with the
	// hold time the machine intends to offer.
	BuildOpen(holdTime int) *wire.OpenMessage

	// LocalIdentifier is this speaker's BGP identifier, used to resolve
	// connection collisions against the remote's OPEN identifier.
	LocalIdentifier() uint32

	// ConfiguredHoldTime is the locally configured hold time in seconds
	// before negotiation (0 disables the hold timer entirely).
	ConfiguredHoldTime() int

	// KeepaliveInterval overrides the keepalive cadence on an established
	// session (BGP_KEEPALIVE_SECONDS); zero means "use the RFC 4271 §4.4
	// default of negotiatedHold/3".
	KeepaliveInterval() time.Duration

	// Passive reports whether this peer is configured never to initiate
	// an active TCP connection, waiting only for the remote side to
	// connect in.
	Passive() bool

	// OnStateChange is called after every state transition, after
	// Machine's own bookkeeping (flap counters, session cleanup) is done.
	OnStateChange(old, new State)

	// OnNotificationSent is called whenever this speaker sends a
	// NOTIFICATION, so the peer can log/count it before the session
	// closes.
	OnNotificationSent(code, subcode byte, data []byte)

	// OnNotificationReceived is called when the remote sends a
	// NOTIFICATION, just before the machine falls back to IDLE.
	OnNotificationReceived(code, subcode byte, data []byte)

	// OnUpdate is called with every UPDATE received on an Established
	// session, so the peer can install/withdraw its NLRI into the right
	// routing tables. Not called for an End-of-RIB marker (IsEndOfRIB);
	// that is reported through OnEndOfRIB instead.
	OnUpdate(msg *wire.UpdateMessage)

	// OnEndOfRIB is called when an End-of-RIB marker arrives for family,
	// so RTarget-deferred joins and graceful-restart bookkeeping can
	// react to it.
	OnEndOfRIB(family wire.Family)
}
