package proxycap

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"
)

// ErrDataLimitExceeded terminates a transfer whose direction has exhausted
// its lifetime data budget.
var ErrDataLimitExceeded = errors.New("proxycap: data limit exceeded")

// Shaper applies bandwidth caps, lifetime data budgets and artificial
// latency to upstream transfers. A single Shaper is shared by every
// connection of a proxy, so the caps are global rather than per-connection.
//
// Directions follow the proxy's view of the origin server: "read" is bytes
// received from the server, "write" is bytes sent to it.
type Shaper struct {
	mu      sync.Mutex
	read    *rate.Limiter
	write   *rate.Limiter
	latency time.Duration

	// Remaining byte budgets; negative means unlimited.
	readBudget  atomic.Int64
	writeBudget atomic.Int64
}

func NewShaper() *Shaper {
	s := &Shaper{}
	s.readBudget.Store(-1)
	s.writeBudget.Store(-1)
	return s
}

// SetReadBandwidthLimit caps server-to-proxy throughput at bytesPerSecond.
// Zero or negative removes the cap. Takes effect on in-flight transfers.
func (s *Shaper) SetReadBandwidthLimit(bytesPerSecond int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.read = newLimiter(bytesPerSecond)
}

// SetWriteBandwidthLimit caps proxy-to-server throughput at bytesPerSecond.
func (s *Shaper) SetWriteBandwidthLimit(bytesPerSecond int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.write = newLimiter(bytesPerSecond)
}

func newLimiter(bytesPerSecond int64) *rate.Limiter {
	if bytesPerSecond <= 0 {
		return nil
	}
	// Burst of one second's worth of tokens keeps WaitN legal for any
	// chunk up to the full rate.
	return rate.NewLimiter(rate.Limit(bytesPerSecond), int(bytesPerSecond))
}

// SetReadDataLimit sets the cumulative number of bytes that may still be
// read from servers. Once exhausted, reads fail with ErrDataLimitExceeded.
func (s *Shaper) SetReadDataLimit(bytes int64) {
	s.readBudget.Store(bytes)
}

// SetWriteDataLimit sets the cumulative number of bytes that may still be
// written to servers.
func (s *Shaper) SetWriteDataLimit(bytes int64) {
	s.writeBudget.Store(bytes)
}

// SetLatency adds an artificial delay before the first byte of every
// exchange sent upstream.
func (s *Shaper) SetLatency(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.latency = d
}

func (s *Shaper) Latency() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.latency
}

func (s *Shaper) readLimiter() *rate.Limiter {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.read
}

func (s *Shaper) writeLimiter() *rate.Limiter {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.write
}

// waitRead blocks until n bytes of read bandwidth are available.
func (s *Shaper) waitRead(ctx context.Context, n int) error {
	return waitTokens(ctx, s.readLimiter(), n)
}

// waitWrite blocks until n bytes of write bandwidth are available.
func (s *Shaper) waitWrite(ctx context.Context, n int) error {
	return waitTokens(ctx, s.writeLimiter(), n)
}

// consumeRead debits the read data budget, failing closed once exhausted.
func (s *Shaper) consumeRead(n int) error {
	return consumeBudget(&s.readBudget, n)
}

// consumeWrite debits the write data budget.
func (s *Shaper) consumeWrite(n int) error {
	return consumeBudget(&s.writeBudget, n)
}

func waitTokens(ctx context.Context, l *rate.Limiter, n int) error {
	if l == nil {
		return nil
	}
	for n > 0 {
		chunk := n
		if burst := l.Burst(); chunk > burst {
			chunk = burst
		}
		if err := l.WaitN(ctx, chunk); err != nil {
			return err
		}
		n -= chunk
	}
	return nil
}

func consumeBudget(budget *atomic.Int64, n int) error {
	for {
		cur := budget.Load()
		if cur < 0 {
			return nil
		}
		if cur < int64(n) {
			return ErrDataLimitExceeded
		}
		if budget.CompareAndSwap(cur, cur-int64(n)) {
			return nil
		}
	}
}

// sleepLatency waits out the configured latency, bounded by ctx.
func (s *Shaper) sleepLatency(ctx context.Context) error {
	d := s.Latency()
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
