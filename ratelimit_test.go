package proxycap

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestShaperUnlimitedByDefault(t *testing.T) {
	s := NewShaper()
	start := time.Now()
	require.NoError(t, s.waitRead(context.Background(), 10<<20))
	require.NoError(t, s.waitWrite(context.Background(), 10<<20))
	require.NoError(t, s.consumeRead(10<<20))
	require.NoError(t, s.consumeWrite(10<<20))
	assert.Less(t, time.Since(start), 100*time.Millisecond)
}

func TestBandwidthLimitPacesReads(t *testing.T) {
	s := NewShaper()
	s.SetReadBandwidthLimit(5000)

	// The first second's worth of tokens is free (the burst); the next
	// 1000 bytes must wait roughly 200ms.
	start := time.Now()
	require.NoError(t, s.waitRead(context.Background(), 5000))
	require.NoError(t, s.waitRead(context.Background(), 1000))
	assert.GreaterOrEqual(t, time.Since(start), 150*time.Millisecond)
}

func TestBandwidthLimitChunksOversizedWaits(t *testing.T) {
	s := NewShaper()
	s.SetWriteBandwidthLimit(1 << 20)

	// A single wait larger than the burst must not panic or error; it is
	// satisfied in burst-sized chunks.
	require.NoError(t, s.waitWrite(context.Background(), 3<<20))
}

func TestBandwidthLimitRemovable(t *testing.T) {
	s := NewShaper()
	s.SetReadBandwidthLimit(10)
	s.SetReadBandwidthLimit(0)

	start := time.Now()
	require.NoError(t, s.waitRead(context.Background(), 1<<20))
	assert.Less(t, time.Since(start), 100*time.Millisecond)
}

func TestBandwidthWaitHonorsContext(t *testing.T) {
	s := NewShaper()
	s.SetReadBandwidthLimit(10)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err := s.waitRead(ctx, 1000)
	assert.Error(t, err)
}

func TestDataLimitFailsClosed(t *testing.T) {
	s := NewShaper()
	s.SetReadDataLimit(100)

	require.NoError(t, s.consumeRead(60))
	require.NoError(t, s.consumeRead(40))
	assert.ErrorIs(t, s.consumeRead(1), ErrDataLimitExceeded)

	// The write direction has its own budget.
	require.NoError(t, s.consumeWrite(1000))
}

func TestDataLimitPartialChunkRejected(t *testing.T) {
	s := NewShaper()
	s.SetWriteDataLimit(10)
	assert.ErrorIs(t, s.consumeWrite(11), ErrDataLimitExceeded)
	// The failed consume must not have debited the budget.
	require.NoError(t, s.consumeWrite(10))
}

func TestLatencySleeps(t *testing.T) {
	s := NewShaper()
	s.SetLatency(100 * time.Millisecond)

	start := time.Now()
	require.NoError(t, s.sleepLatency(context.Background()))
	assert.GreaterOrEqual(t, time.Since(start), 100*time.Millisecond)
}

func TestLatencyCancelable(t *testing.T) {
	s := NewShaper()
	s.SetLatency(5 * time.Second)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	start := time.Now()
	assert.Error(t, s.sleepLatency(ctx))
	assert.Less(t, time.Since(start), time.Second)
}

func TestZeroLatencyNoDelay(t *testing.T) {
	s := NewShaper()
	start := time.Now()
	require.NoError(t, s.sleepLatency(context.Background()))
	assert.Less(t, time.Since(start), 50*time.Millisecond)
}
