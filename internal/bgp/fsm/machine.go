package fsm

import (
	"errors"
	"log/slog"
	"net/netip"
	"sync"
	"sync/atomic"
	"time"

	"github.com/routeflow/bgpd/internal/bgp/wire"
)

type queuedEvent struct {
	event    Event
	validate func() bool
}

type timerSlot struct {
	timer *time.Timer
	gen   atomic.Uint64
}

// Machine is one peer's BGP session state machine. All state transitions
// happen on the single goroutine started by Run, so the struct's fields
// below the queue are only ever touched from that goroutine — the
// "per-peer FIFO work queue processed on a single task" model.
type Machine struct {
	cb     Callbacks
	log    *slog.Logger
	queue  chan queuedEvent

	mu        sync.RWMutex // guards state/lastState/establishedSession only
	state     State
	lastState State
	// establishedSession is the winning session once State() == Established,
	// so SendUpdate can reach it without crossing onto the FSM's own
	// goroutine. nil at every other state.
	establishedSession SessionHandle

	activeSession  SessionHandle
	passiveSession SessionHandle

	connectAttempts int
	idleHoldDur     time.Duration
	negotiatedHold  time.Duration
	flapCount       atomic.Uint64

	connectRetryTimer timerSlot
	openTimer         timerSlot
	holdTimer         timerSlot
	idleHoldTimer     timerSlot
	keepaliveTimer    timerSlot

	closeOnce sync.Once
	done      chan struct{}
}

// New creates a Machine in the IDLE state. Call Run to start its event
// loop and Post(NewStart()) to begin session establishment.
func New(cb Callbacks, log *slog.Logger) *Machine {
	if log == nil {
		log = slog.Default()
	}
	return &Machine{
		cb:    cb,
		log:   log,
		queue: make(chan queuedEvent, 256),
		done:  make(chan struct{}),
	}
}

// State returns the current state. Safe to call from any goroutine.
func (m *Machine) State() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

// FlapCount reports how many times this session has transitioned out of
// Established back to Idle, for introspection/metrics surfaces.
func (m *Machine) FlapCount() uint64 { return m.flapCount.Load() }

var errNotEstablished = errors.New("fsm: session is not established")

// SendUpdate writes msg on the current Established session. Safe to call
// from any goroutine — it reaches the session directly rather than going
// through the event queue, since sending an UPDATE mutates no FSM state.
func (m *Machine) SendUpdate(msg *wire.UpdateMessage) error {
	m.mu.RLock()
	s := m.establishedSession
	m.mu.RUnlock()
	if s == nil {
		return errNotEstablished
	}
	return s.SendUpdate(msg)
}

// Post enqueues event with no validator: it always runs when dequeued.
func (m *Machine) Post(event Event) {
	select {
	case m.queue <- queuedEvent{event: event}:
	case <-m.done:
	}
}

// postValidated enqueues event with a predicate rechecked at dequeue time;
// if validate returns false the event is silently discarded. This is how
// a cancelled timer that already fired, or an event referencing a session
// that has since been superseded, is absorbed without explicit locking in
// the transition logic itself.
func (m *Machine) postValidated(event Event, validate func() bool) {
	select {
	case m.queue <- queuedEvent{event: event, validate: validate}:
	case <-m.done:
	}
}

// Run processes events until Close is called; call it in its own
// goroutine. Close signals done rather than closing the queue itself, so
// a concurrent Post racing with shutdown finds done already closed and
// drops the event instead of sending on (and panicking against) a closed
// channel.
func (m *Machine) Run() {
	for {
		select {
		case qe := <-m.queue:
			if qe.validate != nil && !qe.validate() {
				continue
			}
			m.handle(qe.event)
		case <-m.done:
			return
		}
	}
}

// Close stops the event loop. It does not close live sessions; callers
// should Post a Stop event first to tear down gracefully. Safe to call
// more than once.
func (m *Machine) Close() {
	m.closeOnce.Do(func() { close(m.done) })
}

func (m *Machine) setState(next State) {
	m.mu.Lock()
	prev := m.state
	m.lastState = prev
	m.state = next
	if next == Established {
		if m.activeSession != nil {
			m.establishedSession = m.activeSession
		} else {
			m.establishedSession = m.passiveSession
		}
	} else {
		m.establishedSession = nil
	}
	m.mu.Unlock()

	if next == Idle {
		m.cancelAllTimers()
		m.closeSession(&m.activeSession)
		m.closeSession(&m.passiveSession)
		if prev == Established {
			m.flapCount.Add(1)
		}
	}
	m.log.Debug("bgp fsm transition", "from", prev, "to", next)
	m.cb.OnStateChange(prev, next)
}

func (m *Machine) closeSession(slot *SessionHandle) {
	s := *slot
	if s == nil {
		return
	}
	s.Close()
	captured := s
	m.postValidated(NewTcpDeleteSession(captured), func() bool { return true })
}

func (m *Machine) handle(event Event) {
	switch m.State() {
	case Idle:
		m.handleIdle(event)
	case Active:
		m.handleActive(event)
	case Connect:
		m.handleConnect(event)
	case OpenSent:
		m.handleOpenSent(event)
	case OpenConfirm:
		m.handleOpenConfirm(event)
	case Established:
		m.handleEstablished(event)
	}

	// Global transitions that apply from any non-Idle state, checked
	// after the per-state handler so state-specific logic (e.g.
	// collision resolution consuming a BgpNotification itself) can
	// short-circuit by returning before this point via a handled flag —
	// simpler here: these events are handled identically at every state
	// and per-state handlers never also match them, so no double
	// dispatch occurs.
	switch ev := event.(type) {
	case EvStop:
		if m.State() != Idle {
			m.sendNotification(wire.ErrCodeCease, ev.Subcode, nil)
			m.setState(Idle)
		}
	case EvBgpNotification:
		if m.State() != Idle {
			m.cb.OnNotificationReceived(ev.Msg.Code, ev.Msg.Subcode, ev.Msg.Data)
			m.setState(Idle)
		}
	case EvBgpHeaderError:
		m.failWithParseError(ev.Err)
	case EvBgpOpenError:
		m.failWithParseError(ev.Err)
	case EvBgpUpdateError:
		m.failWithParseError(ev.Err)
	case EvTcpDeleteSession:
		if m.activeSession == ev.Session {
			m.activeSession = nil
		}
		if m.passiveSession == ev.Session {
			m.passiveSession = nil
		}
	}
}

func (m *Machine) failWithParseError(e *wire.ParseError) {
	if m.State() == Idle {
		return
	}
	m.sendNotification(e.Code, e.Subcode, e.Data)
	m.setState(Idle)
}

func (m *Machine) sendNotification(code, subcode byte, data []byte) {
	msg := wire.FromParseError(&wire.ParseError{Code: code, Subcode: subcode, Data: data})
	for _, s := range []SessionHandle{m.activeSession, m.passiveSession} {
		if s != nil {
			s.SendNotification(&msg)
		}
	}
	m.cb.OnNotificationSent(code, subcode, data)
}

// --- IDLE ---

func (m *Machine) handleIdle(event Event) {
	switch ev := event.(type) {
	case EvStart:
		m.connectAttempts = 0
		if m.idleHoldDur <= 0 {
			m.setState(Active)
			m.enterActive()
			return
		}
		m.armIdleHoldTimer()
	case EvIdleHoldExpired:
		m.setState(Active)
		m.enterActive()
	case EvTcpPassiveOpen:
		ev.Session.Close()
	}
}

// --- ACTIVE ---

func (m *Machine) enterActive() {
	if m.passiveSession == nil && !m.cb.Passive() {
		m.armConnectRetryTimer()
	}
}

func (m *Machine) handleActive(event Event) {
	switch ev := event.(type) {
	case EvConnectRetryExpired:
		m.setState(Connect)
		m.enterConnect()
	case EvTcpPassiveOpen:
		m.passiveSession = ev.Session
		m.cancel(&m.connectRetryTimer)
		m.armOpenTimer()
	case EvOpenDelayExpired:
		if m.passiveSession != nil {
			m.sendOpenOn(m.passiveSession)
			m.setState(OpenSent)
			m.enterOpenSent()
		}
	case EvBgpOpen:
		if ev.Session == m.passiveSession {
			if !m.negotiateHoldTime(ev.Msg) {
				return
			}
			m.sendOpenOn(m.passiveSession)
			m.setState(OpenConfirm)
			m.enterOpenConfirm()
		}
	}
}

// --- CONNECT ---

func (m *Machine) enterConnect() {
	m.connectAttempts++
	// Dial runs off the machine's own goroutine: connecting out is
	// genuinely blocking I/O, which the single-goroutine event loop must
	// never perform directly. The result comes back as an ordinary
	// posted event, guarded so a Dial that completes after the machine
	// has already left Connect (e.g. the peer was stopped) is discarded.
	go func() {
		session, err := m.cb.Dial()
		valid := func() bool { return m.State() == Connect }
		if err != nil {
			m.postValidated(NewTcpConnectFailed(nil), valid)
			return
		}
		m.postValidated(NewTcpConnected(session), valid)
	}()
}

func (m *Machine) handleConnect(event Event) {
	switch ev := event.(type) {
	case EvTcpConnected:
		m.activeSession = ev.Session
		m.sendOpenOn(m.activeSession)
		m.setState(OpenSent)
		m.enterOpenSent()
	case EvTcpConnectFailed:
		m.activeSession = nil
		m.setState(Active)
		m.enterActive()
	case EvTcpPassiveOpen:
		m.passiveSession = ev.Session
		m.armOpenTimer()
	case EvOpenDelayExpired:
		if m.passiveSession != nil {
			m.activeSession = nil
			m.sendOpenOn(m.passiveSession)
			m.setState(OpenSent)
			m.enterOpenSent()
		}
	case EvBgpOpen:
		if ev.Session == m.passiveSession {
			m.activeSession = nil
			if !m.negotiateHoldTime(ev.Msg) {
				return
			}
			m.sendOpenOn(m.passiveSession)
			m.setState(OpenConfirm)
			m.enterOpenConfirm()
		}
	}
}

// --- OPENSENT ---

func (m *Machine) handleOpenSent(event Event) {
	switch ev := event.(type) {
	case EvBgpOpen:
		m.onOpenSentBgpOpen(ev)
	case EvHoldTimerExpired:
		m.sendNotification(wire.ErrCodeHoldTimer, 0, nil)
		m.setState(Idle)
	}
}

func (m *Machine) onOpenSentBgpOpen(ev EvBgpOpen) {
	if m.activeSession != nil && m.passiveSession != nil && ev.Session != nil {
		m.resolveCollision(ev)
		return
	}
	if !m.negotiateHoldTime(ev.Msg) {
		return
	}
	if ev.Session != nil {
		m.sendOpenOn(ev.Session)
	}
	m.setState(OpenConfirm)
	m.enterOpenConfirm()
}

// resolveCollision implements RFC 4271 §6.8 collision resolution: the
// session whose remote BGP identifier is numerically higher survives.
func (m *Machine) resolveCollision(ev EvBgpOpen) {
	remoteID := ev.Msg.BGPIdentifier
	localID := m.cb.LocalIdentifier()
	passiveWins := uint32FromAddr(remoteID) > localID

	if passiveWins {
		if m.activeSession != nil {
			m.activeSession.SendNotification(&wire.NotificationMessage{Code: wire.ErrCodeCease, Subcode: wire.SubConnectionCollision})
			m.activeSession.Close()
			m.activeSession = nil
		}
		if ev.Session == m.passiveSession {
			if !m.negotiateHoldTime(ev.Msg) {
				return
			}
			m.sendOpenOn(m.passiveSession)
			m.setState(OpenConfirm)
			m.enterOpenConfirm()
		}
		return
	}

	if m.passiveSession != nil {
		m.passiveSession.SendNotification(&wire.NotificationMessage{Code: wire.ErrCodeCease, Subcode: wire.SubConnectionCollision})
		m.passiveSession.Close()
		m.passiveSession = nil
	}
	if ev.Session == m.activeSession {
		if !m.negotiateHoldTime(ev.Msg) {
			return
		}
		m.sendOpenOn(m.activeSession)
		m.setState(OpenConfirm)
		m.enterOpenConfirm()
	}
}

func (m *Machine) negotiateHoldTime(open *wire.OpenMessage) bool {
	received := time.Duration(open.HoldTime) * time.Second
	if open.HoldTime != 0 && open.HoldTime < 3 {
		m.sendNotification(wire.ErrCodeOpenMsg, wire.SubUnacceptableHoldTime, nil)
		m.setState(Idle)
		return false
	}
	configured := time.Duration(m.cb.ConfiguredHoldTime()) * time.Second
	m.negotiatedHold = negotiatedHoldTime(configured, received)
	return true
}

// --- OPENCONFIRM ---

func (m *Machine) enterOpenConfirm() {
	m.sendKeepaliveOnEstablishedSessions()
	m.armKeepaliveTimer()
	m.armHoldTimer()
}

func (m *Machine) handleOpenConfirm(event Event) {
	switch event.(type) {
	case EvBgpKeepalive:
		m.setState(Established)
		m.armHoldTimer()
	case EvKeepaliveTimerExpired:
		m.sendKeepaliveOnEstablishedSessions()
		m.armKeepaliveTimer()
	case EvHoldTimerExpired:
		m.sendNotification(wire.ErrCodeHoldTimer, 0, nil)
		m.setState(Idle)
	case EvTcpPassiveOpen:
		m.rejectExtraSession(event.(EvTcpPassiveOpen).Session)
	}
}

// --- ESTABLISHED ---

func (m *Machine) handleEstablished(event Event) {
	switch ev := event.(type) {
	case EvBgpUpdate:
		m.armHoldTimer()
		if fam, isEOR := ev.Msg.IsEndOfRIB(); isEOR {
			m.cb.OnEndOfRIB(fam)
		} else {
			m.cb.OnUpdate(ev.Msg)
		}
	case EvBgpKeepalive:
		m.armHoldTimer()
	case EvKeepaliveTimerExpired:
		m.sendKeepaliveOnEstablishedSessions()
		m.armKeepaliveTimer()
	case EvHoldTimerExpired:
		m.sendNotification(wire.ErrCodeHoldTimer, 0, nil)
		m.setState(Idle)
	case EvTcpPassiveOpen:
		m.rejectExtraSession(ev.Session)
	}
}

func (m *Machine) rejectExtraSession(s SessionHandle) {
	s.SendNotification(&wire.NotificationMessage{Code: wire.ErrCodeCease, Subcode: wire.SubConnectionRejected})
	s.Close()
}

// --- shared helpers ---

func (m *Machine) sendOpenOn(s SessionHandle) {
	open := m.cb.BuildOpen(m.cb.ConfiguredHoldTime())
	s.SendOpen(open)
}

func (m *Machine) sendKeepaliveOnEstablishedSessions() {
	for _, s := range []SessionHandle{m.activeSession, m.passiveSession} {
		if s != nil {
			s.SendKeepalive()
		}
	}
}

func uint32FromAddr(a netip.Addr) uint32 {
	b := a.As4()
	return uint32(b[0])<<24 | uint32(b[1])<<16 | uint32(b[2])<<8 | uint32(b[3])
}
