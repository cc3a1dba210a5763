package proxycap

import (
	"crypto/tls"
	"net/http"
	"time"
)

// Options are the construction-time parameters of a Proxy. Runtime policy
// (blacklist, rewrite rules, limits, ...) lives in the PolicyStore and is
// configured through the Proxy's setters instead.
type Options struct {
	Logger Logger
	// NonProxyHandler serves plain requests that were not addressed to
	// the proxy (no absolute URL).
	NonProxyHandler http.Handler
	// MITMCertificate is the CA used to sign per-host interception
	// certificates. When nil, a built-in untrusted CA is used.
	MITMCertificate *tls.Certificate
	// DefaultCaptureTypes is the capture bitmask in effect before any
	// SetHarCaptureTypes call.
	DefaultCaptureTypes CaptureType
	// HostResolver overrides the default remap+system resolver chain.
	HostResolver HostResolver
	// ShutdownTimeout bounds how long Stop waits for in-flight
	// exchanges to drain.
	ShutdownTimeout time.Duration
}

// DefaultOptions returns the recommended initial options. Callers can
// freely edit them before passing them to New.
func DefaultOptions() Options {
	return Options{
		Logger: NewDefaultLogger(WARNING),
		NonProxyHandler: http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "This is a proxy server. Does not respond to non-proxy requests.", http.StatusInternalServerError)
		}),
		DefaultCaptureTypes: CaptureHeaders | CaptureCookies | CaptureContent,
		ShutdownTimeout:     30 * time.Second,
	}
}
