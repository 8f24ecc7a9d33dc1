package ratelimit

import (
	"testing"
	"time"
)

func TestNewRejectsInvalidParams(t *testing.T) {
	cases := []struct {
		name                string
		attemptsPerInterval int
		interval            time.Duration
		cleanupInterval     time.Duration
		staleAfter          time.Duration
	}{
		{"zero attempts", 0, time.Second, time.Minute, time.Minute},
		{"zero interval", 5, 0, time.Minute, time.Minute},
		{"zero cleanup interval", 5, time.Second, 0, time.Minute},
		{"zero stale after", 5, time.Second, time.Minute, 0},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := New(tc.attemptsPerInterval, tc.interval, tc.cleanupInterval, tc.staleAfter); err == nil {
				t.Fatal("expected error, got nil")
			}
		})
	}
}

func TestAllowEnforcesBurst(t *testing.T) {
	l, err := New(2, time.Second, time.Minute, time.Minute)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer l.Close()

	ip := "192.0.2.1"
	if !l.Allow(ip) {
		t.Fatal("expected first attempt to be allowed")
	}
	if !l.Allow(ip) {
		t.Fatal("expected second attempt (within burst) to be allowed")
	}
	if l.Allow(ip) {
		t.Fatal("expected third attempt to exceed the burst and be denied")
	}
}

func TestAllowTracksClientsIndependently(t *testing.T) {
	l, err := New(1, time.Second, time.Minute, time.Minute)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer l.Close()

	if !l.Allow("192.0.2.1") {
		t.Fatal("expected first peer's attempt to be allowed")
	}
	if l.Allow("192.0.2.1") {
		t.Fatal("expected first peer's second attempt to be denied")
	}
	if !l.Allow("192.0.2.2") {
		t.Fatal("expected a different peer's attempt to be allowed independently")
	}
}

func TestCleanupEvictsStaleClients(t *testing.T) {
	l, err := New(1, time.Second, 20*time.Millisecond, 10*time.Millisecond)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer l.Close()

	l.Allow("192.0.2.1")

	deadline := time.Now().Add(500 * time.Millisecond)
	for time.Now().Before(deadline) {
		l.mu.Lock()
		n := len(l.clients)
		l.mu.Unlock()
		if n == 0 {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("expected stale client entry to be evicted")
}
