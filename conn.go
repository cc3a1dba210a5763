package proxycap

import (
	"context"
	"net"
	"sync"
	"time"

	"github.com/oxtoacart/bpool"
)

const copyBufferSize = 32 * 1024

// copyBufPool recycles the buffers used when relaying bodies and tunneled
// streams.
var copyBufPool = bpool.NewBytePool(64, copyBufferSize)

// shapedConn wraps an upstream connection so every transferred byte passes
// through the Shaper and respects the per-operation read/write deadline.
// Read is the server-to-proxy direction, Write the proxy-to-server one.
// Wrapping the conn itself means no pipeline stage can bypass shaping.
type shapedConn struct {
	net.Conn
	shaper  *Shaper
	metrics *metrics
	ctx     context.Context
	timeout time.Duration

	latencyOnce sync.Once
	latencyErr  error
}

func newShapedConn(ctx context.Context, conn net.Conn, shaper *Shaper, m *metrics, timeout time.Duration) *shapedConn {
	return &shapedConn{Conn: conn, shaper: shaper, metrics: m, ctx: ctx, timeout: timeout}
}

// deadline combines the per-operation timeout with the exchange context's
// deadline, whichever lands first. Zero means no bound.
func (c *shapedConn) deadline() time.Time {
	var d time.Time
	if c.timeout > 0 {
		d = time.Now().Add(c.timeout)
	}
	if ctxDeadline, ok := c.ctx.Deadline(); ok && (d.IsZero() || ctxDeadline.Before(d)) {
		d = ctxDeadline
	}
	return d
}

func (c *shapedConn) Read(b []byte) (int, error) {
	if d := c.deadline(); !d.IsZero() {
		c.Conn.SetReadDeadline(d)
	}
	n, err := c.Conn.Read(b)
	if n > 0 {
		c.metrics.bytesRead.Add(float64(n))
		if berr := c.shaper.consumeRead(n); berr != nil {
			return n, berr
		}
		if werr := c.shaper.waitRead(c.ctx, n); werr != nil {
			return n, werr
		}
	}
	if err != nil {
		return n, err
	}
	c.Conn.SetReadDeadline(time.Time{})
	return n, nil
}

func (c *shapedConn) Write(b []byte) (int, error) {
	// Injected latency lands before the first byte of the exchange.
	c.latencyOnce.Do(func() {
		c.latencyErr = c.shaper.sleepLatency(c.ctx)
	})
	if c.latencyErr != nil {
		return 0, c.latencyErr
	}
	if err := c.shaper.consumeWrite(len(b)); err != nil {
		return 0, err
	}
	if err := c.shaper.waitWrite(c.ctx, len(b)); err != nil {
		return 0, err
	}
	if d := c.deadline(); !d.IsZero() {
		c.Conn.SetWriteDeadline(d)
	}
	n, err := c.Conn.Write(b)
	if n > 0 {
		c.metrics.bytesWritten.Add(float64(n))
	}
	if err != nil {
		return n, err
	}
	c.Conn.SetWriteDeadline(time.Time{})
	return n, nil
}
