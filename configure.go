package proxycap

import (
	"net"
	"time"

	"github.com/proxycap/proxycap/har"
)

// This file is the runtime configuration surface of Proxy. Every method is
// safe to call while the proxy is serving traffic; an in-flight exchange
// keeps the policy snapshot it started with.

// HAR capture ---------------------------------------------------------------

// NewHar starts (or restarts) HAR capture with an initial page and returns
// the previously collected archive, or nil if capture was off. An optional
// pageRef names the first page; otherwise pages are titled "Page 1",
// "Page 2", ...
func (p *Proxy) NewHar(pageRef ...string) *har.Har {
	return p.capture.NewHar(pageRef...)
}

// NewPage closes the current page and opens a new one, returning the archive
// as of the page boundary. Returns ErrHarNotStarted when capture is off.
func (p *Proxy) NewPage(pageRef ...string) (*har.Har, error) {
	return p.capture.NewPage(pageRef...)
}

// EndHar stops capture and returns the detached archive, or nil if capture
// was never started.
func (p *Proxy) EndHar() *har.Har {
	return p.capture.EndHar()
}

// Har returns a copy of the archive collected so far without stopping
// capture, or nil when capture is off.
func (p *Proxy) Har() *har.Har {
	return p.capture.Har()
}

// SetHarCaptureTypes replaces the capture bitmask.
func (p *Proxy) SetHarCaptureTypes(types CaptureType) {
	p.capture.SetCaptureTypes(types)
}

// EnableHarCaptureTypes turns the given capture bits on.
func (p *Proxy) EnableHarCaptureTypes(types CaptureType) {
	p.capture.EnableCaptureTypes(types)
}

// DisableHarCaptureTypes turns the given capture bits off.
func (p *Proxy) DisableHarCaptureTypes(types CaptureType) {
	p.capture.DisableCaptureTypes(types)
}

// HarCaptureTypes returns the current capture bitmask.
func (p *Proxy) HarCaptureTypes() CaptureType {
	return p.capture.CaptureTypes()
}

// Blacklist -----------------------------------------------------------------

// BlacklistRequests adds a blacklist entry: requests whose full URL matches
// urlPattern (and method matches methodPattern, when non-empty) are answered
// locally with statusCode.
func (p *Proxy) BlacklistRequests(urlPattern string, statusCode int, methodPattern string) error {
	return p.policy.AddBlacklistEntry(urlPattern, statusCode, methodPattern)
}

// SetBlacklist replaces the blacklist wholesale.
func (p *Proxy) SetBlacklist(entries []BlacklistEntry) error {
	return p.policy.SetBlacklist(entries)
}

// Blacklist returns the current blacklist entries in evaluation order.
func (p *Proxy) Blacklist() []BlacklistEntry {
	snap := p.policy.Snapshot()
	return append([]BlacklistEntry(nil), snap.Blacklist...)
}

// ClearBlacklist removes every blacklist entry.
func (p *Proxy) ClearBlacklist() {
	p.policy.ClearBlacklist()
}

// Whitelist -----------------------------------------------------------------

// WhitelistRequests enables the whitelist: only requests matching one of the
// URL patterns pass; everything else is answered with statusCode. Replaces
// any previous whitelist.
func (p *Proxy) WhitelistRequests(patterns []string, statusCode int) error {
	return p.policy.EnableWhitelist(patterns, statusCode)
}

// EnableEmptyWhitelist enables a whitelist with no patterns, which blocks
// every request with statusCode.
func (p *Proxy) EnableEmptyWhitelist(statusCode int) {
	p.policy.EnableWhitelist(nil, statusCode)
}

// AddWhitelistPattern adds one pattern to an already enabled whitelist.
// Returns ErrWhitelistDisabled otherwise.
func (p *Proxy) AddWhitelistPattern(pattern string) error {
	return p.policy.AddWhitelistPattern(pattern)
}

// DisableWhitelist turns the whitelist off.
func (p *Proxy) DisableWhitelist() {
	p.policy.DisableWhitelist()
}

// WhitelistURLs returns the whitelist patterns, empty when disabled.
func (p *Proxy) WhitelistURLs() []string {
	snap := p.policy.Snapshot()
	return append([]string(nil), snap.Whitelist.Patterns...)
}

// WhitelistStatusCode returns the status code sent for non-whitelisted
// requests, or -1 when the whitelist is disabled.
func (p *Proxy) WhitelistStatusCode() int {
	return p.policy.Snapshot().Whitelist.StatusCode
}

// IsWhitelistEnabled reports whether the whitelist is in effect.
func (p *Proxy) IsWhitelistEnabled() bool {
	return p.policy.Snapshot().Whitelist.Enabled
}

// URL rewriting -------------------------------------------------------------

// RewriteURL adds a rewrite rule. Re-adding an existing pattern replaces its
// replacement in place.
func (p *Proxy) RewriteURL(pattern, replacement string) error {
	return p.policy.AddRewriteRule(pattern, replacement)
}

// SetRewriteRules replaces all rewrite rules, preserving order.
func (p *Proxy) SetRewriteRules(rules []RewriteRule) error {
	return p.policy.SetRewriteRules(rules)
}

// RewriteRules returns the rules in application order.
func (p *Proxy) RewriteRules() []RewriteRule {
	snap := p.policy.Snapshot()
	return append([]RewriteRule(nil), snap.RewriteRules...)
}

// RemoveRewriteRule removes the rule registered for pattern, if any.
func (p *Proxy) RemoveRewriteRule(pattern string) {
	p.policy.RemoveRewriteRule(pattern)
}

// ClearRewriteRules removes every rewrite rule.
func (p *Proxy) ClearRewriteRules() {
	p.policy.ClearRewriteRules()
}

// Headers -------------------------------------------------------------------

// AddHeader sets a header on every proxied request, replacing any value the
// client sent for it.
func (p *Proxy) AddHeader(name, value string) {
	p.policy.SetHeader(name, value)
}

// AddHeaders sets several override headers at once.
func (p *Proxy) AddHeaders(headers map[string]string) {
	for name, value := range headers {
		p.policy.SetHeader(name, value)
	}
}

// RemoveHeader stops overriding the named header.
func (p *Proxy) RemoveHeader(name string) {
	p.policy.RemoveHeader(name)
}

// RemoveAllHeaders clears every header override.
func (p *Proxy) RemoveAllHeaders() {
	p.policy.ClearHeaders()
}

// AllHeaders returns the current header overrides.
func (p *Proxy) AllHeaders() map[string]string {
	snap := p.policy.Snapshot()
	out := make(map[string]string, len(snap.Headers))
	for k, v := range snap.Headers {
		out[k] = v
	}
	return out
}

// Auto-authorization --------------------------------------------------------

// AutoAuthorization injects an Authorization header on every request to
// domain. Only AuthBasic is supported.
func (p *Proxy) AutoAuthorization(domain, username, password string, authType AuthType) {
	p.policy.SetCredentials(domain, Credentials{Username: username, Password: password, Type: authType})
}

// StopAutoAuthorization removes the credentials registered for domain.
func (p *Proxy) StopAutoAuthorization(domain string) {
	p.policy.RemoveCredentials(domain)
}

// Upstream chain and connectivity -------------------------------------------

// SetChainedProxy routes all upstream traffic through another HTTP proxy at
// addr ("host:port"). An empty addr restores direct connections.
func (p *Proxy) SetChainedProxy(addr string) {
	p.policy.SetChainedProxy(addr)
}

// ChainedProxy returns the configured upstream proxy address, or "".
func (p *Proxy) ChainedProxy() string {
	return p.policy.Snapshot().ChainedProxy
}

// SetRetryCount sets how many times a failed connection attempt (including
// resolution failures) is retried before giving up.
func (p *Proxy) SetRetryCount(count int) {
	p.policy.SetRetryCount(count)
}

// RetryCount returns the configured retry count.
func (p *Proxy) RetryCount() int {
	return p.policy.Snapshot().RetryCount
}

// SetConnectionTimeout bounds the TCP connect to the origin server.
func (p *Proxy) SetConnectionTimeout(d time.Duration) {
	p.policy.SetConnectTimeout(d)
}

// SetSocketOperationTimeout bounds each individual read or write on the
// upstream connection.
func (p *Proxy) SetSocketOperationTimeout(d time.Duration) {
	p.policy.SetReadTimeout(d)
}

// SetRequestTimeout bounds a whole exchange from interception to the last
// body byte. Zero disables the bound.
func (p *Proxy) SetRequestTimeout(d time.Duration) {
	p.policy.SetRequestTimeout(d)
}

// Traffic shaping -----------------------------------------------------------

// SetReadBandwidthLimit caps downstream (server-to-proxy) throughput in
// bytes per second. Zero or negative removes the cap.
func (p *Proxy) SetReadBandwidthLimit(bytesPerSecond int64) {
	p.shaper.SetReadBandwidthLimit(bytesPerSecond)
}

// SetWriteBandwidthLimit caps upstream (proxy-to-server) throughput in
// bytes per second.
func (p *Proxy) SetWriteBandwidthLimit(bytesPerSecond int64) {
	p.shaper.SetWriteBandwidthLimit(bytesPerSecond)
}

// SetReadDataLimit caps the total number of bytes that may still be received
// from servers; once exhausted, transfers fail with ErrDataLimitExceeded.
func (p *Proxy) SetReadDataLimit(bytes int64) {
	p.shaper.SetReadDataLimit(bytes)
}

// SetWriteDataLimit caps the total number of bytes that may still be sent
// to servers.
func (p *Proxy) SetWriteDataLimit(bytes int64) {
	p.shaper.SetWriteDataLimit(bytes)
}

// SetLatency adds an artificial delay before the first upstream byte of
// every exchange.
func (p *Proxy) SetLatency(d time.Duration) {
	p.shaper.SetLatency(d)
}

// Resolution ----------------------------------------------------------------

// HostResolver returns the resolver currently used for upstream hostnames.
func (p *Proxy) HostResolver() HostResolver {
	return p.resolver.Load().(HostResolver)
}

// SetHostResolver replaces the resolver. Takes effect for subsequent
// exchanges.
func (p *Proxy) SetHostResolver(r HostResolver) {
	if r == nil {
		r = NewNativeResolver()
	}
	p.resolver.Store(r)
}

// RemapHost overrides resolution of host to the given addresses, when the
// current resolver (or a member of its chain) supports remapping.
func (p *Proxy) RemapHost(host string, addrs ...string) bool {
	remapper, ok := findCapability[Remapper](p.HostResolver())
	if !ok {
		return false
	}
	ips := make([]net.IP, 0, len(addrs))
	for _, a := range addrs {
		if ip := net.ParseIP(a); ip != nil {
			ips = append(ips, ip)
		}
	}
	remapper.AddRemap(host, ips...)
	return true
}

// ClearDNSCache clears the resolver cache, when the current resolver (or a
// member of its chain) supports cache manipulation.
func (p *Proxy) ClearDNSCache() bool {
	manip, ok := findCapability[CacheManipulator](p.HostResolver())
	if !ok {
		return false
	}
	manip.ClearCache()
	return true
}

// findCapability walks a resolver (descending into ChainResolver members)
// looking for one that implements capability T.
func findCapability[T any](r HostResolver) (T, bool) {
	if c, ok := r.(T); ok {
		return c, true
	}
	if chain, ok := r.(*ChainResolver); ok {
		for _, member := range chain.Resolvers() {
			if found, ok := findCapability[T](member); ok {
				return found, true
			}
		}
	}
	var zero T
	return zero, false
}
