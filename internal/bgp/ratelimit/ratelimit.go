// Package ratelimit throttles inbound TCP connection attempts per source
// address, so a misbehaving or hostile neighbor repeatedly dialing the
// passive listener cannot spin up an unbounded number of sessions.
package ratelimit

import (
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Limiter implements per-IP rate limiting with automatic cleanup of stale
// entries, so the tracked-client map does not grow without bound across a
// long-running process.
type Limiter struct {
	mu              sync.Mutex
	clients         map[string]*clientEntry
	rate            rate.Limit
	burst           int
	cleanupInterval time.Duration
	staleAfter      time.Duration
	done            chan struct{}
}

type clientEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// New creates a per-source-IP connection-attempt limiter: attemptsPerInterval
// attempts are allowed per interval, with a token bucket of the same burst
// size. cleanupInterval/staleAfter govern how often inactive entries are
// evicted from the tracked-client map.
func New(attemptsPerInterval int, interval, cleanupInterval, staleAfter time.Duration) (*Limiter, error) {
	if attemptsPerInterval <= 0 {
		return nil, fmt.Errorf("ratelimit: attempts_per_interval must be positive")
	}
	if interval <= 0 {
		return nil, fmt.Errorf("ratelimit: interval must be positive")
	}
	if cleanupInterval <= 0 {
		return nil, fmt.Errorf("ratelimit: cleanup_interval must be positive")
	}
	if staleAfter <= 0 {
		return nil, fmt.Errorf("ratelimit: stale_after must be positive")
	}

	l := &Limiter{
		clients:         make(map[string]*clientEntry),
		rate:            rate.Limit(float64(attemptsPerInterval) / interval.Seconds()),
		burst:           attemptsPerInterval,
		cleanupInterval: cleanupInterval,
		staleAfter:      staleAfter,
		done:            make(chan struct{}),
	}

	go l.cleanupLoop()
	return l, nil
}

func (l *Limiter) getClient(ip string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()

	entry, exists := l.clients[ip]
	if !exists {
		limiter := rate.NewLimiter(l.rate, l.burst)
		l.clients[ip] = &clientEntry{limiter: limiter, lastSeen: time.Now()}
		return limiter
	}
	entry.lastSeen = time.Now()
	return entry.limiter
}

// Allow reports whether a new connection attempt from ip should proceed.
func (l *Limiter) Allow(ip string) bool {
	return l.getClient(ip).Allow()
}

func (l *Limiter) cleanupLoop() {
	ticker := time.NewTicker(l.cleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			l.cleanup()
		case <-l.done:
			return
		}
	}
}

func (l *Limiter) cleanup() {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := time.Now()
	for ip, entry := range l.clients {
		if now.Sub(entry.lastSeen) > l.staleAfter {
			delete(l.clients, ip)
		}
	}
}

// Close stops the cleanup goroutine.
func (l *Limiter) Close() {
	close(l.done)
}
