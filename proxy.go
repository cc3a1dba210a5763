package proxycap

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

// ErrAlreadyStarted is returned by Start when the proxy is listening.
var ErrAlreadyStarted = errors.New("proxycap: proxy already started")

// Proxy is an intercepting HTTP/HTTPS proxy. It implements http.Handler;
// Start serves it on its own listener.
type Proxy struct {
	opt      Options
	policy   *PolicyStore
	shaper   *Shaper
	capture  *Capture
	activity *activityMonitor
	metrics  *metrics
	signer   *cachingSigner
	sess     atomic.Int64
	resolver atomic.Value // HostResolver

	mu       sync.Mutex
	srv      *http.Server
	listener net.Listener
	started  bool

	// Hijacked MITM tunnels are invisible to http.Server.Close, so we
	// track them for Abort.
	tunnels sync.Map // net.Conn -> struct{}
}

func New(opt Options) *Proxy {
	ca := defaultCA
	if opt.MITMCertificate != nil {
		ca = *opt.MITMCertificate
	}
	p := &Proxy{
		opt:      opt,
		policy:   NewPolicyStore(),
		shaper:   NewShaper(),
		capture:  newCapture(opt.DefaultCaptureTypes),
		activity: newActivityMonitor(),
		metrics:  newMetrics(),
		signer:   newCachingSigner(ca),
	}
	resolver := opt.HostResolver
	if resolver == nil {
		resolver = NewChainResolver(NewRemapResolver(), NewNativeResolver())
	}
	p.resolver.Store(resolver)
	return p
}

// Start listens on addr ("" or ":0" pick an ephemeral port) and serves the
// proxy in the background.
func (p *Proxy) Start(addr string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.started {
		return ErrAlreadyStarted
	}
	if addr == "" {
		addr = ":0"
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	p.listener = ln
	p.srv = &http.Server{Handler: p}
	p.started = true

	srv := p.srv
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			p.opt.Errorf(0, "proxy server stopped: %v", err)
		}
	}()
	return nil
}

// IsStarted reports whether the proxy is accepting connections.
func (p *Proxy) IsStarted() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.started
}

// Port returns the local port the proxy is listening on, or 0 when it is
// not started.
func (p *Proxy) Port() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.listener == nil {
		return 0
	}
	if addr, ok := p.listener.Addr().(*net.TCPAddr); ok {
		return addr.Port
	}
	return 0
}

// Stop stops accepting new connections and lets in-flight exchanges drain,
// bounded by Options.ShutdownTimeout. A no-op when not started.
func (p *Proxy) Stop() error {
	p.mu.Lock()
	srv := p.srv
	p.srv = nil
	p.listener = nil
	p.started = false
	p.mu.Unlock()
	if srv == nil {
		return nil
	}

	ctx := context.Background()
	if p.opt.ShutdownTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.opt.ShutdownTimeout)
		defer cancel()
	}
	err := srv.Shutdown(ctx)
	// MITM tunnels are hijacked and not covered by Shutdown.
	p.activity.WaitForQuiescence(0, p.opt.ShutdownTimeout)
	p.closeTunnels()
	return err
}

// Abort forcibly terminates the listener and every in-flight exchange.
// A no-op when not started.
func (p *Proxy) Abort() error {
	p.mu.Lock()
	srv := p.srv
	p.srv = nil
	p.listener = nil
	p.started = false
	p.mu.Unlock()
	p.closeTunnels()
	if srv == nil {
		return nil
	}
	return srv.Close()
}

func (p *Proxy) closeTunnels() {
	p.tunnels.Range(func(key, _ any) bool {
		key.(net.Conn).Close()
		p.tunnels.Delete(key)
		return true
	})
}

// WaitForQuiescence blocks until no exchange has been in flight for
// quietPeriod, or returns false when timeout elapses first.
func (p *Proxy) WaitForQuiescence(quietPeriod, timeout time.Duration) bool {
	return p.activity.WaitForQuiescence(quietPeriod, timeout)
}

// ServeHTTP is the standard net/http entry point; http.Serve will use it.
func (p *Proxy) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodConnect {
		p.handleConnect(w, r)
		return
	}
	if !r.URL.IsAbs() {
		p.opt.NonProxyHandler.ServeHTTP(w, r)
		return
	}
	r.RequestURI = ""
	if websocket.IsWebSocketUpgrade(r) {
		p.handleWebsocketUpgrade(w, r, false)
		return
	}
	resp := p.intercept(r)
	p.writeResponse(w, resp)
}

// writeResponse copies an intercepted response to a standard
// http.ResponseWriter.
func (p *Proxy) writeResponse(w http.ResponseWriter, resp *http.Response) {
	defer resp.Body.Close()

	header := w.Header()
	for k := range header {
		header.Del(k)
	}
	for k, values := range resp.Header {
		for _, v := range values {
			header.Add(k, v)
		}
	}
	w.WriteHeader(resp.StatusCode)

	buf := copyBufPool.Get()
	defer copyBufPool.Put(buf)
	if _, err := io.CopyBuffer(w, resp.Body, buf); err != nil {
		p.opt.Debugf(0, "copying response to client: %v", err)
	}
}
