package fsm

import (
	"math/rand"
	"time"
)

// Timer defaults (RFC 4271 §8 + original_source/src/bgp/state_machine.h).
const (
	openTime         = 15 * time.Second
	connectInterval  = 30 * time.Second
	defaultHoldTime  = 90 * time.Second
	openSentHoldTime = 240 * time.Second
	idleHoldTime     = 5 * time.Second
	maxIdleHoldTime  = 100 * time.Second
	jitterPercent    = 10
	maxConnectDoublings = 6
)

// jitter returns d adjusted by up to ±jitterPercent%, damping synchronized
// reconnection storms across many peers after a shared failure.
func jitter(d time.Duration) time.Duration {
	if d <= 0 {
		return d
	}
	spread := int64(d) * jitterPercent / 100
	if spread <= 0 {
		return d
	}
	delta := rand.Int63n(2*spread+1) - spread
	return d + time.Duration(delta)
}

// connectRetryBackoff doubles the base ConnectRetry interval once per
// failed attempt, up to maxConnectDoublings, then holds steady.
func connectRetryBackoff(attempts int) time.Duration {
	if attempts > maxConnectDoublings {
		attempts = maxConnectDoublings
	}
	d := connectInterval
	for i := 0; i < attempts; i++ {
		d *= 2
	}
	return jitter(d)
}

// nextIdleHoldTime doubles the previous idle-hold duration on repeated
// flaps, capped at maxIdleHoldTime, so a flapping peer backs off instead
// of retrying at a fixed 5s cadence forever.
func nextIdleHoldTime(prev time.Duration) time.Duration {
	if prev <= 0 {
		return idleHoldTime
	}
	next := prev * 2
	if next > maxIdleHoldTime {
		return maxIdleHoldTime
	}
	return next
}

// negotiatedHoldTime applies RFC 4271 §4.2's min(configured, received)
// rule; a value below 3 (and nonzero) is invalid and must be rejected by
// the caller with UnacceptableHoldTime before calling this.
func negotiatedHoldTime(configured, received time.Duration) time.Duration {
	if configured < received {
		return configured
	}
	return received
}
