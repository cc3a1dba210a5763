package proxycap

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestQuiescenceWhenIdle(t *testing.T) {
	m := newActivityMonitor()
	assert.True(t, m.WaitForQuiescence(10*time.Millisecond, time.Second))
}

func TestQuiescenceTimesOutWhileActive(t *testing.T) {
	m := newActivityMonitor()
	m.begin()
	defer m.end()
	assert.False(t, m.WaitForQuiescence(10*time.Millisecond, 100*time.Millisecond))
}

func TestQuiescenceAfterActivityEnds(t *testing.T) {
	m := newActivityMonitor()
	m.begin()
	go func() {
		time.Sleep(50 * time.Millisecond)
		m.end()
	}()
	assert.True(t, m.WaitForQuiescence(20*time.Millisecond, time.Second))
}

func TestQuiescenceWaitsOutQuietPeriod(t *testing.T) {
	m := newActivityMonitor()
	m.begin()
	m.end()

	start := time.Now()
	assert.True(t, m.WaitForQuiescence(100*time.Millisecond, time.Second))
	assert.GreaterOrEqual(t, time.Since(start), 80*time.Millisecond)
}

func TestQuiescenceOverlappingActivity(t *testing.T) {
	m := newActivityMonitor()
	m.begin()
	m.begin()
	m.end()

	// One exchange still in flight.
	assert.False(t, m.WaitForQuiescence(5*time.Millisecond, 50*time.Millisecond))
	m.end()
	assert.True(t, m.WaitForQuiescence(5*time.Millisecond, time.Second))
}
