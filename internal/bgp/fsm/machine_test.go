package fsm

import (
	"errors"
	"net/netip"
	"sync"
	"testing"
	"time"

	"github.com/routeflow/bgpd/internal/bgp/wire"
)

var errDialRefused = errors.New("dial refused")

func addrFromUint32(v uint32) netip.Addr {
	return netip.AddrFrom4([4]byte{byte(v >> 24), byte(v >> 16), byte(v >> 8), byte(v)})
}

type fakeSession struct {
	mu            sync.Mutex
	passive       bool
	closed        bool
	opens         []*wire.OpenMessage
	keepalives    int
	notifications []wire.NotificationMessage
	updates       []*wire.UpdateMessage
}

func newFakeSession(passive bool) *fakeSession { return &fakeSession{passive: passive} }

func (s *fakeSession) SendOpen(o *wire.OpenMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.opens = append(s.opens, o)
	return nil
}

func (s *fakeSession) SendKeepalive() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.keepalives++
	return nil
}

func (s *fakeSession) SendUpdate(u *wire.UpdateMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.updates = append(s.updates, u)
	return nil
}

func (s *fakeSession) sentUpdates() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.updates)
}

func (s *fakeSession) SendNotification(n *wire.NotificationMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.notifications = append(s.notifications, *n)
	return nil
}

func (s *fakeSession) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *fakeSession) Passive() bool                       { return s.passive }
func (s *fakeSession) RemoteIdentifier() (string, bool)    { return "", false }

func (s *fakeSession) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *fakeSession) lastNotification() (wire.NotificationMessage, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.notifications) == 0 {
		return wire.NotificationMessage{}, false
	}
	return s.notifications[len(s.notifications)-1], true
}

type fakeCallbacks struct {
	mu                sync.Mutex
	localID           uint32
	configuredHold    int
	dialSession       SessionHandle
	dialErr           error
	stateCh           chan State
	keepaliveOverride time.Duration
}

func newFakeCallbacks(localID uint32) *fakeCallbacks {
	return &fakeCallbacks{
		localID:        localID,
		configuredHold: 90,
		stateCh:        make(chan State, 32),
	}
}

func (c *fakeCallbacks) Dial() (SessionHandle, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.dialErr != nil {
		return nil, c.dialErr
	}
	return c.dialSession, nil
}

func (c *fakeCallbacks) BuildOpen(holdTime int) *wire.OpenMessage {
	return &wire.OpenMessage{
		Version:       4,
		MyAS:          65000,
		HoldTime:      uint16(holdTime),
		BGPIdentifier: addrFromUint32(c.localID),
	}
}

func (c *fakeCallbacks) LocalIdentifier() uint32       { return c.localID }
func (c *fakeCallbacks) ConfiguredHoldTime() int       { return c.configuredHold }
func (c *fakeCallbacks) Passive() bool                 { return false }
func (c *fakeCallbacks) KeepaliveInterval() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.keepaliveOverride
}

func (c *fakeCallbacks) OnStateChange(old, new State) {
	select {
	case c.stateCh <- new:
	default:
	}
}

func (c *fakeCallbacks) OnNotificationSent(code, subcode byte, data []byte)     {}
func (c *fakeCallbacks) OnNotificationReceived(code, subcode byte, data []byte) {}
func (c *fakeCallbacks) OnUpdate(msg *wire.UpdateMessage)                  {}
func (c *fakeCallbacks) OnEndOfRIB(family wire.Family)                     {}

func waitForState(t *testing.T, ch <-chan State, want State) {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case s := <-ch:
			if s == want {
				return
			}
		case <-deadline:
			t.Fatalf("timed out waiting for state %s", want)
		}
	}
}

// establish drives a fresh Machine through Start -> Active -> Connect ->
// OpenSent -> OpenConfirm -> Established against a single active session,
// bypassing real timers by posting their expiry events directly.
func establish(t *testing.T, localID, remoteID uint32) (*Machine, *fakeCallbacks, *fakeSession) {
	t.Helper()
	cb := newFakeCallbacks(localID)
	session := newFakeSession(false)
	cb.dialSession = session

	m := New(cb, nil)
	go m.Run()
	t.Cleanup(m.Close)

	m.Post(NewStart())
	waitForState(t, cb.stateCh, Active)

	m.Post(NewConnectRetryExpired())
	waitForState(t, cb.stateCh, Connect)
	waitForState(t, cb.stateCh, OpenSent)

	m.Post(NewBgpOpen(session, &wire.OpenMessage{
		BGPIdentifier: addrFromUint32(remoteID),
		HoldTime:      90,
	}))
	waitForState(t, cb.stateCh, OpenConfirm)

	m.Post(NewBgpKeepalive(session))
	waitForState(t, cb.stateCh, Established)

	return m, cb, session
}

func TestHappyPathReachesEstablished(t *testing.T) {
	m, _, session := establish(t, 0x01010101, 0x02020202)
	if m.State() != Established {
		t.Fatalf("state = %s, want Established", m.State())
	}
	session.mu.Lock()
	opens := len(session.opens)
	keepalives := session.keepalives
	session.mu.Unlock()
	if opens == 0 {
		t.Error("expected at least one OPEN sent on the session")
	}
	if keepalives == 0 {
		t.Error("expected a KEEPALIVE sent entering OPENCONFIRM")
	}
}

func TestSendUpdateReachesEstablishedSessionAndFailsBeforeIt(t *testing.T) {
	cb := newFakeCallbacks(0x01010101)
	m := New(cb, nil)
	go m.Run()
	t.Cleanup(m.Close)

	if err := m.SendUpdate(&wire.UpdateMessage{}); err == nil {
		t.Error("expected an error sending UPDATE from IDLE")
	}

	m2, _, session := establish(t, 0x01010101, 0x02020202)
	if err := m2.SendUpdate(&wire.UpdateMessage{NLRI: []wire.Prefix{{Family: wire.FamilyInet, Addr: addrFromUint32(0x0a000000), Length: 24}}}); err != nil {
		t.Fatalf("SendUpdate: %v", err)
	}
	if n := session.sentUpdates(); n != 1 {
		t.Errorf("sentUpdates = %d, want 1", n)
	}
}

func TestKeepaliveIntervalOverrideIsHonored(t *testing.T) {
	cb := newFakeCallbacks(0x01010101)
	cb.keepaliveOverride = 20 * time.Millisecond
	session := newFakeSession(false)
	cb.dialSession = session

	m := New(cb, nil)
	go m.Run()
	t.Cleanup(m.Close)

	m.Post(NewStart())
	waitForState(t, cb.stateCh, Active)
	m.Post(NewConnectRetryExpired())
	waitForState(t, cb.stateCh, OpenSent)
	m.Post(NewBgpOpen(session, &wire.OpenMessage{BGPIdentifier: addrFromUint32(0x02020202), HoldTime: 90}))
	waitForState(t, cb.stateCh, OpenConfirm)
	m.Post(NewBgpKeepalive(session))
	waitForState(t, cb.stateCh, Established)

	time.Sleep(150 * time.Millisecond)
	session.mu.Lock()
	n := session.keepalives
	session.mu.Unlock()
	if n < 3 {
		t.Errorf("keepalives sent = %d in 150ms at a 20ms override interval, want several", n)
	}
}

func TestHoldTimerExpiryTearsDownToIdle(t *testing.T) {
	m, cb, session := establish(t, 0x01010101, 0x02020202)

	m.Post(NewHoldTimerExpired())
	waitForState(t, cb.stateCh, Idle)

	if !session.isClosed() {
		t.Error("expected session to be closed on hold timer expiry")
	}
	n, ok := session.lastNotification()
	if !ok || n.Code != wire.ErrCodeHoldTimer {
		t.Errorf("expected a HoldTimerExpired notification, got %+v (ok=%v)", n, ok)
	}
}

func TestStopEventSendsCeaseAndReturnsToIdle(t *testing.T) {
	m, cb, session := establish(t, 0x01010101, 0x02020202)

	m.Post(NewStop(wire.SubOtherConfigChange))
	waitForState(t, cb.stateCh, Idle)

	n, ok := session.lastNotification()
	if !ok || n.Code != wire.ErrCodeCease || n.Subcode != wire.SubOtherConfigChange {
		t.Errorf("expected a Cease/OtherConfigChange notification, got %+v (ok=%v)", n, ok)
	}
}

func TestCollisionResolutionHigherIdentifierWins(t *testing.T) {
	cb := newFakeCallbacks(0x01010101) // 1.1.1.1
	m := New(cb, nil)

	active := newFakeSession(false)
	passive := newFakeSession(true)
	m.activeSession = active
	m.passiveSession = passive
	m.state = OpenSent

	// Remote identifier 2.2.2.2 > local 1.1.1.1, so the passive session
	// (the one carrying the higher-identified remote's OPEN) survives.
	m.handle(NewBgpOpen(passive, &wire.OpenMessage{
		BGPIdentifier: addrFromUint32(0x02020202),
		HoldTime:      90,
	}))

	if !active.isClosed() {
		t.Error("expected the losing active session to be closed")
	}
	n, ok := active.lastNotification()
	if !ok || n.Code != wire.ErrCodeCease || n.Subcode != wire.SubConnectionCollision {
		t.Errorf("expected Cease/ConnectionCollision on the loser, got %+v (ok=%v)", n, ok)
	}
	if m.State() != OpenConfirm {
		t.Fatalf("state = %s, want OpenConfirm", m.State())
	}
	if m.passiveSession != passive {
		t.Error("expected the passive session to survive collision resolution")
	}
}

func TestCollisionResolutionLowerIdentifierLoses(t *testing.T) {
	cb := newFakeCallbacks(0x02020202) // 2.2.2.2, higher than remote
	m := New(cb, nil)

	active := newFakeSession(false)
	passive := newFakeSession(true)
	m.activeSession = active
	m.passiveSession = passive
	m.state = OpenSent

	m.handle(NewBgpOpen(passive, &wire.OpenMessage{
		BGPIdentifier: addrFromUint32(0x01010101), // 1.1.1.1 < local
		HoldTime:      90,
	}))

	if !passive.isClosed() {
		t.Error("expected the losing passive session to be closed")
	}
	n, ok := passive.lastNotification()
	if !ok || n.Code != wire.ErrCodeCease || n.Subcode != wire.SubConnectionCollision {
		t.Errorf("expected Cease/ConnectionCollision on the loser, got %+v (ok=%v)", n, ok)
	}
	if m.State() != OpenSent {
		t.Fatalf("state = %s, want OpenSent (active session never sent its own OPEN in this test)", m.State())
	}
	if m.activeSession != active {
		t.Error("expected the active session to survive collision resolution")
	}
}

func TestActiveBgpOpenNegotiatesHoldTimeBeforeOpenConfirm(t *testing.T) {
	cb := newFakeCallbacks(0x01010101)
	m := New(cb, nil)

	passive := newFakeSession(true)
	m.passiveSession = passive
	m.state = Active

	m.handle(NewBgpOpen(passive, &wire.OpenMessage{
		BGPIdentifier: addrFromUint32(0x02020202),
		HoldTime:      90,
	}))

	if m.State() != OpenConfirm {
		t.Fatalf("state = %s, want OpenConfirm", m.State())
	}
	if m.negotiatedHold <= 0 {
		t.Error("expected negotiateHoldTime to have set a positive negotiatedHold before transitioning")
	}
}

func TestConnectBgpOpenOnPassiveSessionAbandonsActiveSession(t *testing.T) {
	cb := newFakeCallbacks(0x01010101)
	m := New(cb, nil)

	active := newFakeSession(false)
	passive := newFakeSession(true)
	m.activeSession = active
	m.passiveSession = passive
	m.state = Connect

	m.handle(NewBgpOpen(passive, &wire.OpenMessage{
		BGPIdentifier: addrFromUint32(0x02020202),
		HoldTime:      90,
	}))

	if m.State() != OpenConfirm {
		t.Fatalf("state = %s, want OpenConfirm", m.State())
	}
	if m.activeSession != nil {
		t.Error("expected the active-session connect attempt to be abandoned")
	}
	if m.negotiatedHold <= 0 {
		t.Error("expected negotiateHoldTime to have set a positive negotiatedHold before transitioning")
	}
	passive.mu.Lock()
	opens := len(passive.opens)
	passive.mu.Unlock()
	if opens == 0 {
		t.Error("expected our OPEN to be sent on the passive session")
	}
}

func TestDialFailureReturnsToActiveAndRetries(t *testing.T) {
	cb := newFakeCallbacks(0x01010101)
	cb.dialErr = errDialRefused

	m := New(cb, nil)
	go m.Run()
	t.Cleanup(m.Close)

	m.Post(NewStart())
	waitForState(t, cb.stateCh, Active)

	m.Post(NewConnectRetryExpired())
	waitForState(t, cb.stateCh, Connect)
	waitForState(t, cb.stateCh, Active)

	if m.State() != Active {
		t.Fatalf("state = %s, want Active after a failed dial", m.State())
	}
}
