package fsm

import "time"

// arm (re)starts slot to fire after d, posting the event mk() produces.
// The slot's generation counter is bumped first so a timer that was
// already in flight when arm is called again fires into a stale
// validator check and is discarded rather than acted on twice.
func (m *Machine) arm(slot *timerSlot, d time.Duration, mk func() Event) {
	gen := slot.gen.Add(1)
	if slot.timer != nil {
		slot.timer.Stop()
	}
	slot.timer = time.AfterFunc(d, func() {
		m.postValidated(mk(), func() bool { return slot.gen.Load() == gen })
	})
}

func (m *Machine) cancel(slot *timerSlot) {
	slot.gen.Add(1)
	if slot.timer != nil {
		slot.timer.Stop()
		slot.timer = nil
	}
}

func (m *Machine) cancelAllTimers() {
	m.cancel(&m.connectRetryTimer)
	m.cancel(&m.openTimer)
	m.cancel(&m.holdTimer)
	m.cancel(&m.idleHoldTimer)
	m.cancel(&m.keepaliveTimer)
}

func (m *Machine) armIdleHoldTimer() {
	m.idleHoldDur = nextIdleHoldTime(m.idleHoldDur)
	m.arm(&m.idleHoldTimer, m.idleHoldDur, func() Event { return NewIdleHoldExpired() })
}

func (m *Machine) armConnectRetryTimer() {
	m.arm(&m.connectRetryTimer, connectRetryBackoff(m.connectAttempts), func() Event { return NewConnectRetryExpired() })
}

func (m *Machine) armOpenTimer() {
	m.arm(&m.openTimer, openTime, func() Event { return NewOpenDelayExpired() })
}

func (m *Machine) enterOpenSent() {
	m.arm(&m.holdTimer, openSentHoldTime, func() Event { return NewHoldTimerExpired() })
}

func (m *Machine) armHoldTimer() {
	hold := m.negotiatedHold
	if hold <= 0 {
		m.cancel(&m.holdTimer)
		return
	}
	m.arm(&m.holdTimer, hold, func() Event { return NewHoldTimerExpired() })
}

func (m *Machine) armKeepaliveTimer() {
	if m.negotiatedHold <= 0 {
		return
	}
	interval := m.cb.KeepaliveInterval()
	if interval <= 0 {
		interval = m.negotiatedHold / 3
	}
	m.arm(&m.keepaliveTimer, interval, func() Event { return NewKeepaliveTimerExpired() })
}
