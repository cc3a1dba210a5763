package proxycap

import (
	"bufio"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"os"
	"time"

	"github.com/valyala/bytebufferpool"

	"github.com/proxycap/proxycap/har"
)

// Hop-by-hop headers, removed before a request is sent upstream.
// http://www.w3.org/Protocols/rfc2616/rfc2616-sec13.html
var hopHeaders = []string{
	"Connection",
	"Keep-Alive",
	"Proxy-Connection",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

func removeHopHeaders(h http.Header) {
	for _, name := range hopHeaders {
		h.Del(name)
	}
}

// exchange carries the per-request state the pipeline accumulates while an
// intercepted request travels through its stages.
type exchange struct {
	id       int64
	start    time.Time
	timings  har.Timings
	serverIP string
	waitEnd  time.Time
	reqBody  *bytebufferpool.ByteBuffer
}

// intercept runs one request through the full pipeline and returns the
// response to deliver to the client. It never returns nil; connectivity
// failures become synthetic gateway responses.
func (p *Proxy) intercept(r *http.Request) *http.Response {
	p.activity.begin()
	p.metrics.inflight.Inc()
	done := func() {
		p.metrics.inflight.Dec()
		p.activity.end()
	}

	snap := p.policy.Snapshot()
	ctx := r.Context()
	cancel := func() {}
	if snap.RequestTimeout > 0 {
		ctx, cancel = context.WithTimeout(ctx, snap.RequestTimeout)
	}

	exch := &exchange{
		id:      p.sess.Add(1),
		start:   time.Now(),
		timings: har.Timings{DNS: -1, Connect: -1, SSL: -1},
	}

	requestURL := r.URL.String()

	if entry, ok := snap.MatchBlacklist(requestURL, r.Method); ok {
		p.opt.Infof(exch.id, "blacklisted %s %s -> %d", r.Method, requestURL, entry.StatusCode)
		resp := NewResponse(r, entry.StatusCode, "", "")
		p.recordShortCircuit(exch, r, resp)
		p.metrics.exchanges.WithLabelValues(outcomeBlacklisted).Inc()
		cancel()
		done()
		return resp
	}

	if snap.Whitelist.Enabled && !snap.Whitelist.Allows(requestURL) {
		p.opt.Infof(exch.id, "not whitelisted %s -> %d", requestURL, snap.Whitelist.StatusCode)
		resp := NewResponse(r, snap.Whitelist.StatusCode, "", "")
		p.recordShortCircuit(exch, r, resp)
		p.metrics.exchanges.WithLabelValues(outcomeWhitelisted).Inc()
		cancel()
		done()
		return resp
	}

	if rewritten := snap.RewriteURL(requestURL); rewritten != requestURL {
		if u, err := url.Parse(rewritten); err == nil {
			p.opt.Debugf(exch.id, "rewrote %s -> %s", requestURL, rewritten)
			r.URL = u
			r.Host = u.Host
		} else {
			p.opt.Warnf(exch.id, "rewrite produced unparsable URL %q: %v", rewritten, err)
		}
	}

	for name, value := range snap.Headers {
		r.Header.Set(name, value)
	}

	if cred, ok := snap.CredentialsFor(r.URL.Host); ok {
		r.Header.Set("Authorization", cred.HeaderValue())
	}

	types := p.capture.CaptureTypes()
	capturing := p.capture.Active()
	if capturing && types.Has(CaptureRequestContent) && r.Body != nil {
		exch.reqBody = bytebufferpool.Get()
		r.Body = teeBody(r.Body, exch.reqBody)
	}

	removeHopHeaders(r.Header)

	resp, err := p.roundTrip(ctx, exch, r, snap)
	if err != nil {
		status := http.StatusBadGateway
		if isTimeout(err) {
			status = http.StatusGatewayTimeout
		}
		p.opt.Warnf(exch.id, "request to %s failed: %v", r.URL.Host, err)
		resp = NewResponse(r, status, "text/plain", fmt.Sprintf("proxycap: error during request to remote server: %v", err))
		p.recordFailure(exch, r, resp)
		p.metrics.exchanges.WithLabelValues(outcomeFailed).Inc()
		cancel()
		done()
		return resp
	}

	removeHopHeaders(resp.Header)

	// The upstream conn is torn down by bodyCloser regardless, so the
	// client side may keep its session alive whenever the body is
	// self-delimiting. Unknown-length bodies still need the close to mark
	// their end.
	if resp.ContentLength >= 0 || len(resp.TransferEncoding) > 0 {
		resp.Close = false
	}

	// The entry is recorded when the relayed body has drained, so the
	// receive timing covers the full transfer.
	resp.Body = &recordingBody{
		inner: resp.Body,
		proxy: p,
		exch:  exch,
		req:   r,
		resp:  resp,
		body:  contentBuffer(capturing, types),
		done: func() {
			cancel()
			done()
		},
	}
	return resp
}

func contentBuffer(capturing bool, types CaptureType) *bytebufferpool.ByteBuffer {
	if capturing && types.Has(CaptureResponseContent) {
		return bytebufferpool.Get()
	}
	return nil
}

func isTimeout(err error) bool {
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	return errors.Is(err, context.DeadlineExceeded) || errors.Is(err, os.ErrDeadlineExceeded)
}

// roundTrip resolves the target, establishes the (possibly TLS) upstream
// connection with retries, sends the request through the shaped conn and
// reads the response, timing every stage.
func (p *Proxy) roundTrip(ctx context.Context, exch *exchange, req *http.Request, snap *PolicySnapshot) (*http.Response, error) {
	useTLS := req.URL.Scheme == "https"
	targetAddr := req.URL.Host
	if _, _, err := net.SplitHostPort(targetAddr); err != nil {
		if useTLS {
			targetAddr = net.JoinHostPort(targetAddr, "443")
		} else {
			targetAddr = net.JoinHostPort(targetAddr, "80")
		}
	}

	chained := snap.ChainedProxy != ""
	dialAddr := targetAddr
	if chained {
		// The upstream proxy performs its own resolution.
		dialAddr = snap.ChainedProxy
	}

	conn, err := p.dialRetry(ctx, exch, snap, dialAddr, !chained)
	if err != nil {
		return nil, err
	}

	shaped := newShapedConn(ctx, conn, p.shaper, p.metrics, snap.ReadTimeout)
	var upstream net.Conn = shaped

	if chained && useTLS {
		if err := connectThroughProxy(shaped, targetAddr); err != nil {
			conn.Close()
			return nil, err
		}
	}

	if useTLS {
		sslStart := time.Now()
		tlsConf := tlsClientSkipVerify.Clone()
		tlsConf.ServerName = req.URL.Hostname()
		tlsConn := tls.Client(shaped, tlsConf)
		if err := tlsConn.HandshakeContext(ctx); err != nil {
			conn.Close()
			return nil, fmt.Errorf("TLS handshake with %s: %w", targetAddr, err)
		}
		exch.timings.SSL = msSince(sslStart)
		upstream = tlsConn
	}

	// One upstream connection per exchange; ask the server to close so
	// the body is cleanly terminated either way.
	req.Header.Set("Connection", "close")

	sendStart := time.Now()
	if chained && !useTLS {
		err = req.WriteProxy(upstream)
	} else {
		err = req.Write(upstream)
	}
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("writing request to %s: %w", targetAddr, err)
	}
	exch.timings.Send = msSince(sendStart)

	waitStart := time.Now()
	br := bufio.NewReader(upstream)
	resp, err := http.ReadResponse(br, req)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("reading response from %s: %w", targetAddr, err)
	}
	exch.timings.Wait = msSince(waitStart)
	exch.waitEnd = time.Now()

	resp.Body = &bodyCloser{ReadCloser: resp.Body, conn: conn}
	return resp, nil
}

// connectThroughProxy issues a CONNECT for the final target on an already
// dialed connection to the chained proxy.
func connectThroughProxy(conn net.Conn, targetAddr string) error {
	connectReq := &http.Request{
		Method: http.MethodConnect,
		URL:    &url.URL{Opaque: targetAddr},
		Host:   targetAddr,
		Header: make(http.Header),
	}
	if err := connectReq.Write(conn); err != nil {
		return fmt.Errorf("writing CONNECT to chained proxy: %w", err)
	}
	// Okay to use and discard a buffered reader here, because the TLS
	// server will not speak until spoken to.
	br := bufio.NewReader(conn)
	resp, err := http.ReadResponse(br, connectReq)
	if err != nil {
		return fmt.Errorf("reading CONNECT response from chained proxy: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 500))
		return fmt.Errorf("chained proxy refused connection: %s %s", resp.Status, body)
	}
	return nil
}

// dialRetry attempts resolution and connection up to 1+RetryCount times.
// DNS failures count as connection failures for retry purposes.
func (p *Proxy) dialRetry(ctx context.Context, exch *exchange, snap *PolicySnapshot, addr string, resolve bool) (net.Conn, error) {
	attempts := snap.RetryCount + 1
	var lastErr error
	for i := 0; i < attempts; i++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		conn, err := p.dialOnce(ctx, exch, snap, addr, resolve)
		if err == nil {
			return conn, nil
		}
		lastErr = err
		p.opt.Debugf(exch.id, "connect attempt %d/%d to %s failed: %v", i+1, attempts, addr, err)
	}
	return nil, lastErr
}

func (p *Proxy) dialOnce(ctx context.Context, exch *exchange, snap *PolicySnapshot, addr string, resolve bool) (net.Conn, error) {
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return nil, fmt.Errorf("invalid target address %q: %w", addr, err)
	}

	dialAddr := addr
	if resolve {
		dnsStart := time.Now()
		ips, err := p.HostResolver().Resolve(ctx, host)
		exch.timings.DNS = msSince(dnsStart)
		if err != nil {
			return nil, err
		}
		if len(ips) == 0 {
			return nil, ErrResolutionFailed
		}
		exch.serverIP = ips[0].String()
		dialAddr = net.JoinHostPort(ips[0].String(), port)
	}

	connectStart := time.Now()
	dialer := net.Dialer{Timeout: snap.ConnectTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", dialAddr)
	exch.timings.Connect = msSince(connectStart)
	if err != nil {
		return nil, err
	}
	return conn, nil
}

func msSince(t time.Time) int64 {
	return time.Since(t).Milliseconds()
}

// bodyCloser ties the upstream connection's lifetime to the response body.
type bodyCloser struct {
	io.ReadCloser
	conn net.Conn
}

func (b *bodyCloser) Close() error {
	err := b.ReadCloser.Close()
	b.conn.Close()
	return err
}

// teeBody copies everything read from a request body into buf so the
// capture engine can record it after the upstream write consumed it.
func teeBody(rc io.ReadCloser, buf *bytebufferpool.ByteBuffer) io.ReadCloser {
	return &teeReadCloser{rc: rc, tee: io.TeeReader(rc, buf)}
}

type teeReadCloser struct {
	rc  io.ReadCloser
	tee io.Reader
}

func (t *teeReadCloser) Read(b []byte) (int, error) { return t.tee.Read(b) }
func (t *teeReadCloser) Close() error               { return t.rc.Close() }

// recordingBody finalizes the HAR entry once the relayed response body has
// drained (or the client went away), so receive timing and captured
// content cover exactly what was transferred.
type recordingBody struct {
	inner io.ReadCloser
	proxy *Proxy
	exch  *exchange
	req   *http.Request
	resp  *http.Response
	body  *bytebufferpool.ByteBuffer
	done  func()

	finished bool
}

func (rb *recordingBody) Read(b []byte) (int, error) {
	n, err := rb.inner.Read(b)
	if n > 0 && rb.body != nil {
		rb.body.Write(b[:n])
	}
	if err == io.EOF {
		rb.finish()
	}
	return n, err
}

func (rb *recordingBody) Close() error {
	err := rb.inner.Close()
	rb.finish()
	return err
}

func (rb *recordingBody) finish() {
	if rb.finished {
		return
	}
	rb.finished = true

	exch := rb.exch
	if !exch.waitEnd.IsZero() {
		exch.timings.Receive = msSince(exch.waitEnd)
	}

	var respBody []byte
	if rb.body != nil {
		respBody = rb.body.B
	}
	rb.proxy.record(exch, rb.req, rb.resp, respBody)
	if rb.body != nil {
		bytebufferpool.Put(rb.body)
		rb.body = nil
	}
	rb.proxy.metrics.exchanges.WithLabelValues(outcomeCompleted).Inc()
	rb.done()
}

// record builds and appends the HAR entry for a completed exchange.
func (p *Proxy) record(exch *exchange, req *http.Request, resp *http.Response, respBody []byte) {
	if !p.capture.Active() {
		releaseReqBody(exch)
		return
	}
	types := p.capture.CaptureTypes()

	harReq := har.ParseRequest(req, types.requestOptions())
	if exch.reqBody != nil && harReq != nil {
		harReq.SetPostData(exch.reqBody.B, req.Header.Get("Content-Type"), types.Has(CaptureRequestBinaryContent))
	}
	releaseReqBody(exch)

	harResp := har.ParseResponse(resp, types.responseOptions())
	if respBody != nil && harResp != nil {
		harResp.SetContent(respBody, resp.Header.Get("Content-Type"), types.Has(CaptureResponseBinaryContent))
	}

	p.capture.append(har.Entry{
		StartedDateTime: exch.start,
		Time:            msSince(exch.start),
		Request:         harReq,
		Response:        harResp,
		Timings:         exch.timings,
		ServerIPAddress: exch.serverIP,
	})
}

func releaseReqBody(exch *exchange) {
	if exch.reqBody != nil {
		bytebufferpool.Put(exch.reqBody)
		exch.reqBody = nil
	}
}

// recordShortCircuit captures a blacklist/whitelist terminal state. No
// upstream connection was made, so all network timings stay unset.
func (p *Proxy) recordShortCircuit(exch *exchange, req *http.Request, resp *http.Response) {
	p.record(exch, req, resp, nil)
}

// recordFailure captures a connectivity failure as a failed entry.
func (p *Proxy) recordFailure(exch *exchange, req *http.Request, resp *http.Response) {
	p.record(exch, req, resp, nil)
}
