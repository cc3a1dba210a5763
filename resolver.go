package proxycap

import (
	"context"
	"errors"
	"net"
	"sync"
	"time"

	"github.com/miekg/dns"
)

// ErrResolutionFailed is returned when no resolver in the chain produced an
// address for a hostname.
var ErrResolutionFailed = errors.New("proxycap: hostname resolution failed")

// HostResolver resolves a hostname to the addresses the proxy should dial.
// Returning an empty address list (with or without an error) makes a chain
// fall through to the next resolver.
type HostResolver interface {
	Resolve(ctx context.Context, host string) ([]net.IP, error)
}

// HostResolverFunc adapts a function to the HostResolver interface.
type HostResolverFunc func(ctx context.Context, host string) ([]net.IP, error)

func (f HostResolverFunc) Resolve(ctx context.Context, host string) ([]net.IP, error) {
	return f(ctx, host)
}

// Remapper is implemented by resolvers supporting static host overrides.
type Remapper interface {
	AddRemap(host string, addrs ...net.IP)
	RemoveRemap(host string)
	Remaps() map[string][]net.IP
}

// CacheManipulator is implemented by resolvers whose cache can be inspected
// and primed from the outside.
type CacheManipulator interface {
	ClearCache()
	AddCacheEntry(host string, addrs []net.IP, ttl time.Duration)
}

// ChainResolver tries its resolvers in order; the first non-empty answer
// wins. If every resolver comes back empty, resolution fails.
type ChainResolver struct {
	mu        sync.RWMutex
	resolvers []HostResolver
}

func NewChainResolver(resolvers ...HostResolver) *ChainResolver {
	return &ChainResolver{resolvers: resolvers}
}

func (c *ChainResolver) Resolve(ctx context.Context, host string) ([]net.IP, error) {
	c.mu.RLock()
	resolvers := c.resolvers
	c.mu.RUnlock()

	var lastErr error
	for _, r := range resolvers {
		addrs, err := r.Resolve(ctx, host)
		if len(addrs) > 0 {
			return addrs, nil
		}
		if err != nil {
			lastErr = err
		}
	}
	if lastErr != nil {
		return nil, lastErr
	}
	return nil, ErrResolutionFailed
}

// Resolvers returns the chain members in evaluation order.
func (c *ChainResolver) Resolvers() []HostResolver {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]HostResolver(nil), c.resolvers...)
}

// RemapResolver answers from a static host-to-address table and stays
// silent for everything else, letting the chain fall through. Chained
// first, it lets tests point real hostnames at local servers.
type RemapResolver struct {
	mu    sync.RWMutex
	table map[string][]net.IP
}

func NewRemapResolver() *RemapResolver {
	return &RemapResolver{table: map[string][]net.IP{}}
}

func (r *RemapResolver) Resolve(_ context.Context, host string) ([]net.IP, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.table[host], nil
}

func (r *RemapResolver) AddRemap(host string, addrs ...net.IP) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.table[host] = append([]net.IP(nil), addrs...)
}

func (r *RemapResolver) RemoveRemap(host string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.table, host)
}

func (r *RemapResolver) Remaps() map[string][]net.IP {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string][]net.IP, len(r.table))
	for k, v := range r.table {
		out[k] = append([]net.IP(nil), v...)
	}
	return out
}

// NativeResolver resolves through the operating system resolver.
type NativeResolver struct {
	r *net.Resolver
}

func NewNativeResolver() *NativeResolver {
	return &NativeResolver{r: net.DefaultResolver}
}

func (n *NativeResolver) Resolve(ctx context.Context, host string) ([]net.IP, error) {
	if ip := net.ParseIP(host); ip != nil {
		return []net.IP{ip}, nil
	}
	addrs, err := n.r.LookupIPAddr(ctx, host)
	if err != nil {
		return nil, err
	}
	ips := make([]net.IP, 0, len(addrs))
	for _, a := range addrs {
		ips = append(ips, a.IP)
	}
	return ips, nil
}

// DNSResolver queries the machine's configured nameservers directly,
// bypassing the OS resolver and its caches.
type DNSResolver struct {
	client  *dns.Client
	servers []string
}

// NewDNSResolver reads the nameserver list from /etc/resolv.conf.
func NewDNSResolver() (*DNSResolver, error) {
	conf, err := dns.ClientConfigFromFile("/etc/resolv.conf")
	if err != nil {
		return nil, err
	}
	servers := make([]string, 0, len(conf.Servers))
	for _, s := range conf.Servers {
		servers = append(servers, net.JoinHostPort(s, conf.Port))
	}
	return &DNSResolver{client: &dns.Client{}, servers: servers}, nil
}

// NewDNSResolverWithServers queries the given "host:port" nameservers.
func NewDNSResolverWithServers(servers ...string) *DNSResolver {
	return &DNSResolver{client: &dns.Client{}, servers: servers}
}

func (d *DNSResolver) Resolve(ctx context.Context, host string) ([]net.IP, error) {
	if ip := net.ParseIP(host); ip != nil {
		return []net.IP{ip}, nil
	}
	ips, err := d.query(ctx, host, dns.TypeA)
	if len(ips) == 0 {
		if v6, v6err := d.query(ctx, host, dns.TypeAAAA); len(v6) > 0 {
			return v6, nil
		} else if err == nil {
			err = v6err
		}
	}
	if len(ips) == 0 && err == nil {
		err = ErrResolutionFailed
	}
	return ips, err
}

func (d *DNSResolver) query(ctx context.Context, host string, qtype uint16) ([]net.IP, error) {
	msg := dns.Msg{}
	msg.SetQuestion(dns.Fqdn(host), qtype)

	var lastErr error
	for _, server := range d.servers {
		resp, _, err := d.client.ExchangeContext(ctx, &msg, server)
		if err != nil {
			lastErr = err
			continue
		}
		var ips []net.IP
		for _, answer := range resp.Answer {
			switch rr := answer.(type) {
			case *dns.A:
				ips = append(ips, rr.A)
			case *dns.AAAA:
				ips = append(ips, rr.AAAA)
			}
		}
		if len(ips) > 0 {
			return ips, nil
		}
	}
	return nil, lastErr
}

// CacheResolver memoizes another resolver's answers for TTL and lets
// callers clear or prime the cache.
type CacheResolver struct {
	next HostResolver
	ttl  time.Duration

	mu    sync.Mutex
	cache map[string]cachedAddrs
}

type cachedAddrs struct {
	addrs   []net.IP
	expires time.Time
}

func NewCacheResolver(next HostResolver, ttl time.Duration) *CacheResolver {
	if ttl <= 0 {
		ttl = time.Minute
	}
	return &CacheResolver{next: next, ttl: ttl, cache: map[string]cachedAddrs{}}
}

func (c *CacheResolver) Resolve(ctx context.Context, host string) ([]net.IP, error) {
	c.mu.Lock()
	if e, ok := c.cache[host]; ok && time.Now().Before(e.expires) {
		addrs := e.addrs
		c.mu.Unlock()
		return addrs, nil
	}
	c.mu.Unlock()

	addrs, err := c.next.Resolve(ctx, host)
	if err != nil || len(addrs) == 0 {
		return addrs, err
	}
	c.mu.Lock()
	c.cache[host] = cachedAddrs{addrs: addrs, expires: time.Now().Add(c.ttl)}
	c.mu.Unlock()
	return addrs, nil
}

func (c *CacheResolver) ClearCache() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cache = map[string]cachedAddrs{}
}

func (c *CacheResolver) AddCacheEntry(host string, addrs []net.IP, ttl time.Duration) {
	if ttl <= 0 {
		ttl = c.ttl
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cache[host] = cachedAddrs{addrs: append([]net.IP(nil), addrs...), expires: time.Now().Add(ttl)}
}
