package proxycap

import (
	"sync"
	"time"
)

// activityMonitor tracks how many exchanges currently hold a connection, so
// callers can wait for the proxy to go quiet before reading the HAR or
// shutting down.
type activityMonitor struct {
	mu        sync.Mutex
	active    int
	idleSince time.Time
}

func newActivityMonitor() *activityMonitor {
	return &activityMonitor{idleSince: time.Now()}
}

func (m *activityMonitor) begin() {
	m.mu.Lock()
	m.active++
	m.mu.Unlock()
}

func (m *activityMonitor) end() {
	m.mu.Lock()
	m.active--
	if m.active == 0 {
		m.idleSince = time.Now()
	}
	m.mu.Unlock()
}

// quietFor reports how long the proxy has been continuously idle; ok is
// false while any exchange is in flight.
func (m *activityMonitor) quietFor() (time.Duration, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.active > 0 {
		return 0, false
	}
	return time.Since(m.idleSince), true
}

// WaitForQuiescence blocks until the proxy has had no in-flight exchange
// for at least quietPeriod, returning false once timeout elapses first.
func (m *activityMonitor) WaitForQuiescence(quietPeriod, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	ticker := time.NewTicker(5 * time.Millisecond)
	defer ticker.Stop()
	for {
		if quiet, ok := m.quietFor(); ok && quiet >= quietPeriod {
			return true
		}
		if time.Now().After(deadline) {
			return false
		}
		<-ticker.C
	}
}
