package proxycap

import (
	"bufio"
	"crypto/tls"
	"errors"
	"io"
	"net"
	"net/http"
	"net/url"

	"github.com/gorilla/websocket"
)

// handleConnect intercepts a CONNECT tunnel. The client side is terminated
// with a certificate signed by the MITM CA, and every request read from
// the decrypted stream runs through the regular pipeline.
func (p *Proxy) handleConnect(w http.ResponseWriter, r *http.Request) {
	sessionID := p.sess.Add(1)

	hj, ok := w.(http.Hijacker)
	if !ok {
		p.opt.Errorf(sessionID, "http server does not support hijacking")
		http.Error(w, "CONNECT not supported", http.StatusInternalServerError)
		return
	}
	clientConn, _, err := hj.Hijack()
	if err != nil {
		p.opt.Errorf(sessionID, "cannot hijack CONNECT: %v", err)
		return
	}

	host := r.URL.Host
	p.opt.Infof(sessionID, "intercepting CONNECT to %s", host)

	tlsConfig, err := p.signer.tlsConfigForHost(host)
	if err != nil {
		p.opt.Warnf(sessionID, "cannot sign certificate for %s: %v", host, err)
		io.WriteString(clientConn, "HTTP/1.1 502 Bad Gateway\r\n\r\n")
		clientConn.Close()
		return
	}

	clientConn.Write([]byte("HTTP/1.0 200 Connection established\r\n\r\n"))

	// Serving the tunnel happens on its own goroutine so the net/http
	// server is released from this handler immediately.
	go p.serveTunnel(sessionID, clientConn, r.Host, tlsConfig)
}

func (p *Proxy) serveTunnel(sessionID int64, clientConn net.Conn, connectHost string, tlsConfig *tls.Config) {
	p.tunnels.Store(clientConn, struct{}{})
	defer p.tunnels.Delete(clientConn)

	tlsConn := tls.Server(clientConn, tlsConfig)
	if err := tlsConn.Handshake(); err != nil {
		p.opt.Warnf(sessionID, "cannot handshake MITM client for %s: %v", connectHost, err)
		clientConn.Close()
		return
	}
	defer tlsConn.Close()

	reader := bufio.NewReader(tlsConn)
	for {
		req, err := http.ReadRequest(reader)
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
				p.opt.Debugf(sessionID, "cannot read tunneled request from %s: %v", connectHost, err)
			}
			return
		}

		if !req.URL.IsAbs() {
			req.URL, err = url.Parse("https://" + connectHost + req.URL.String())
			if err != nil {
				p.opt.Warnf(sessionID, "cannot absolutize tunneled URL for %s: %v", connectHost, err)
				return
			}
		}
		req.RemoteAddr = clientConn.RemoteAddr().String()
		req.RequestURI = ""

		if websocket.IsWebSocketUpgrade(req) {
			p.relayWebsocket(tlsConn, req, true)
			return
		}

		if !p.serveTunneledRequest(tlsConn, req) {
			return
		}
	}
}

// serveTunneledRequest runs one decrypted request through the pipeline and
// writes the response back onto the tunnel. It reports whether the tunnel
// may serve another request.
func (p *Proxy) serveTunneledRequest(conn net.Conn, req *http.Request) bool {
	resp := p.intercept(req)
	defer resp.Body.Close()

	if err := resp.Write(conn); err != nil {
		p.opt.Debugf(0, "writing tunneled response: %v", err)
		return false
	}
	return !resp.Close
}
