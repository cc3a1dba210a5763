package proxycap

import (
	"bufio"
	"crypto/tls"
	"errors"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/proxycap/proxycap/har"
)

// handleWebsocketUpgrade hijacks a plain-HTTP websocket upgrade request
// and relays the connection.
func (p *Proxy) handleWebsocketUpgrade(w http.ResponseWriter, r *http.Request, tlsTarget bool) {
	hj, ok := w.(http.Hijacker)
	if !ok {
		http.Error(w, "websocket upgrade not supported", http.StatusInternalServerError)
		return
	}
	clientConn, _, err := hj.Hijack()
	if err != nil {
		p.opt.Warnf(0, "hijack for websocket failed: %v", err)
		return
	}
	p.relayWebsocket(clientConn, r, tlsTarget)
}

// relayWebsocket performs the upgrade handshake against the target and
// then shuttles frames in both directions through the shaped connection.
// The handshake itself is recorded as a capture entry.
func (p *Proxy) relayWebsocket(clientConn net.Conn, req *http.Request, tlsTarget bool) {
	defer clientConn.Close()

	p.activity.begin()
	defer p.activity.end()
	p.metrics.inflight.Inc()
	defer p.metrics.inflight.Dec()

	sessionID := p.sess.Add(1)
	snap := p.policy.Snapshot()
	ctx := req.Context()

	exch := &exchange{
		id:      sessionID,
		start:   time.Now(),
		timings: har.Timings{DNS: -1, Connect: -1, SSL: -1},
	}

	targetAddr := req.URL.Host
	if _, _, err := net.SplitHostPort(targetAddr); err != nil {
		if tlsTarget {
			targetAddr = net.JoinHostPort(targetAddr, "443")
		} else {
			targetAddr = net.JoinHostPort(targetAddr, "80")
		}
	}

	conn, err := p.dialRetry(ctx, exch, snap, targetAddr, true)
	if err != nil {
		p.opt.Warnf(sessionID, "websocket dial to %s failed: %v", targetAddr, err)
		return
	}
	defer conn.Close()

	var targetConn net.Conn = newShapedConn(ctx, conn, p.shaper, p.metrics, snap.ReadTimeout)
	if tlsTarget {
		tlsConf := tlsClientSkipVerify.Clone()
		tlsConf.ServerName = req.URL.Hostname()
		tlsConn := tls.Client(targetConn, tlsConf)
		if err := tlsConn.HandshakeContext(ctx); err != nil {
			p.opt.Warnf(sessionID, "websocket TLS handshake with %s failed: %v", targetAddr, err)
			return
		}
		targetConn = tlsConn
	}

	for name, value := range snap.Headers {
		req.Header.Set(name, value)
	}

	if err := req.Write(targetConn); err != nil {
		p.opt.Warnf(sessionID, "writing websocket upgrade request: %v", err)
		return
	}

	br := bufio.NewReader(targetConn)
	resp, err := http.ReadResponse(br, req)
	if err != nil {
		p.opt.Warnf(sessionID, "reading websocket handshake response: %v", err)
		return
	}
	exch.waitEnd = time.Now()

	if err := resp.Write(clientConn); err != nil {
		p.opt.Warnf(sessionID, "writing websocket handshake to client: %v", err)
		return
	}

	if p.capture.Active() && p.capture.CaptureTypes().Has(CaptureWebsocketMessages) {
		p.record(exch, req, resp, nil)
	}

	if resp.StatusCode != http.StatusSwitchingProtocols {
		return
	}

	p.opt.Infof(sessionID, "relaying websocket connection to %s", req.URL.Host)
	relayStreams(targetConn, clientConn)
}

// relayStreams copies both directions until either side fails or closes.
func relayStreams(dst, src io.ReadWriter) {
	errCh := make(chan error, 2)
	cp := func(w io.Writer, r io.Reader) {
		buf := copyBufPool.Get()
		defer copyBufPool.Put(buf)
		_, err := io.CopyBuffer(w, r, buf)
		errCh <- err
	}
	go cp(dst, src)
	go cp(src, dst)
	if err := <-errCh; err != nil && !errors.Is(err, net.ErrClosed) && !errors.Is(err, io.EOF) {
		// One side dropped; the deferred closes tear down the other.
		_ = err
	}
}
