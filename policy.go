package proxycap

import (
	"encoding/base64"
	"errors"
	"fmt"
	"net"
	"regexp"
	"sync"
	"sync/atomic"
	"time"
)

// ErrWhitelistDisabled is returned when a pattern is added to a whitelist
// that has not been enabled.
var ErrWhitelistDisabled = errors.New("proxycap: whitelist is not enabled")

// AuthType selects the scheme used for automatically injected
// authorization headers.
type AuthType int

const (
	AuthBasic AuthType = iota
)

// RewriteRule rewrites a request URL. Pattern is matched anywhere in the
// URL; Replacement may refer to capture groups with $1, $2, ...
type RewriteRule struct {
	Pattern     string
	Replacement string

	re *regexp.Regexp
}

// NewRewriteRule compiles a rewrite rule, reporting invalid patterns to the
// caller before they can reach the request path.
func NewRewriteRule(pattern, replacement string) (RewriteRule, error) {
	re, err := regexp.Compile(pattern)
	if err != nil {
		return RewriteRule{}, fmt.Errorf("proxycap: invalid rewrite pattern %q: %w", pattern, err)
	}
	return RewriteRule{Pattern: pattern, Replacement: replacement, re: re}, nil
}

// BlacklistEntry short-circuits matching requests with StatusCode.
// URLPattern must match the entire absolute URL; an empty MethodPattern
// matches every HTTP method.
type BlacklistEntry struct {
	URLPattern    string
	StatusCode    int
	MethodPattern string

	urlRe    *regexp.Regexp
	methodRe *regexp.Regexp
}

func NewBlacklistEntry(urlPattern string, statusCode int, methodPattern string) (BlacklistEntry, error) {
	urlRe, err := compileFull(urlPattern)
	if err != nil {
		return BlacklistEntry{}, fmt.Errorf("proxycap: invalid blacklist pattern %q: %w", urlPattern, err)
	}
	e := BlacklistEntry{URLPattern: urlPattern, StatusCode: statusCode, MethodPattern: methodPattern, urlRe: urlRe}
	if methodPattern != "" {
		e.methodRe, err = compileFull(methodPattern)
		if err != nil {
			return BlacklistEntry{}, fmt.Errorf("proxycap: invalid method pattern %q: %w", methodPattern, err)
		}
	}
	return e, nil
}

// Matches reports whether the entry applies to the given absolute URL and method.
func (e *BlacklistEntry) Matches(url, method string) bool {
	if e.methodRe != nil && !e.methodRe.MatchString(method) {
		return false
	}
	return e.urlRe.MatchString(url)
}

// Whitelist allows only requests whose URL matches one of the patterns.
// An enabled whitelist with no patterns blocks everything.
type Whitelist struct {
	Enabled    bool
	StatusCode int
	Patterns   []string

	res []*regexp.Regexp
}

// Allows reports whether the URL matches any whitelist pattern.
func (w *Whitelist) Allows(url string) bool {
	for _, re := range w.res {
		if re.MatchString(url) {
			return true
		}
	}
	return false
}

// Credentials hold a username/password pair injected on every request to
// the registered domain.
type Credentials struct {
	Username string
	Password string
	Type     AuthType
}

// HeaderValue renders the credentials as an Authorization header value.
func (c Credentials) HeaderValue() string {
	// Only Basic is supported; the zero AuthType deliberately maps to it.
	return "Basic " + base64.StdEncoding.EncodeToString([]byte(c.Username+":"+c.Password))
}

// PolicySnapshot is an immutable view of the proxy policy. A pipeline takes
// one snapshot per exchange, so a concurrent configuration change can never
// tear a half-applied policy into an in-flight request.
type PolicySnapshot struct {
	RewriteRules []RewriteRule
	Blacklist    []BlacklistEntry
	Whitelist    Whitelist
	Headers      map[string]string
	Credentials  map[string]Credentials
	ChainedProxy string

	RetryCount     int
	ConnectTimeout time.Duration
	ReadTimeout    time.Duration
	RequestTimeout time.Duration
}

// MatchBlacklist returns the first blacklist entry matching the URL and
// method, in insertion order.
func (s *PolicySnapshot) MatchBlacklist(url, method string) (BlacklistEntry, bool) {
	for i := range s.Blacklist {
		if s.Blacklist[i].Matches(url, method) {
			return s.Blacklist[i], true
		}
	}
	return BlacklistEntry{}, false
}

// RewriteURL applies every rewrite rule in insertion order, each rule
// seeing the previous rule's output.
func (s *PolicySnapshot) RewriteURL(url string) string {
	for i := range s.RewriteRules {
		url = s.RewriteRules[i].re.ReplaceAllString(url, s.RewriteRules[i].Replacement)
	}
	return url
}

// CredentialsFor looks up auto-authorization credentials for a host
// (with or without port).
func (s *PolicySnapshot) CredentialsFor(host string) (Credentials, bool) {
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	c, ok := s.Credentials[host]
	return c, ok
}

// PolicyStore holds the mutable proxy policy. Readers get a consistent
// snapshot with Snapshot(); every mutation validates its input, builds a
// fresh snapshot and swaps it in atomically.
type PolicyStore struct {
	mu   sync.Mutex
	snap atomic.Pointer[PolicySnapshot]
}

func NewPolicyStore() *PolicyStore {
	s := &PolicyStore{}
	s.snap.Store(&PolicySnapshot{
		Headers:        map[string]string{},
		Credentials:    map[string]Credentials{},
		Whitelist:      Whitelist{StatusCode: -1},
		ConnectTimeout: 30 * time.Second,
		ReadTimeout:    60 * time.Second,
	})
	return s
}

// Snapshot returns the current policy. The returned value must be treated
// as read-only.
func (s *PolicyStore) Snapshot() *PolicySnapshot {
	return s.snap.Load()
}

// update clones the current snapshot, applies f to the clone and publishes it.
func (s *PolicyStore) update(f func(*PolicySnapshot)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	next := s.snap.Load().clone()
	f(next)
	s.snap.Store(next)
}

func (s *PolicySnapshot) clone() *PolicySnapshot {
	next := *s
	next.RewriteRules = append([]RewriteRule(nil), s.RewriteRules...)
	next.Blacklist = append([]BlacklistEntry(nil), s.Blacklist...)
	next.Whitelist.Patterns = append([]string(nil), s.Whitelist.Patterns...)
	next.Whitelist.res = append([]*regexp.Regexp(nil), s.Whitelist.res...)
	next.Headers = make(map[string]string, len(s.Headers))
	for k, v := range s.Headers {
		next.Headers[k] = v
	}
	next.Credentials = make(map[string]Credentials, len(s.Credentials))
	for k, v := range s.Credentials {
		next.Credentials[k] = v
	}
	return &next
}

func (s *PolicyStore) AddRewriteRule(pattern, replacement string) error {
	rule, err := NewRewriteRule(pattern, replacement)
	if err != nil {
		return err
	}
	s.update(func(p *PolicySnapshot) {
		// Re-adding a pattern replaces the old rule in place.
		for i := range p.RewriteRules {
			if p.RewriteRules[i].Pattern == pattern {
				p.RewriteRules[i] = rule
				return
			}
		}
		p.RewriteRules = append(p.RewriteRules, rule)
	})
	return nil
}

// SetRewriteRules replaces all rewrite rules, preserving the order given.
func (s *PolicyStore) SetRewriteRules(rules []RewriteRule) error {
	compiled := make([]RewriteRule, 0, len(rules))
	for _, r := range rules {
		rule, err := NewRewriteRule(r.Pattern, r.Replacement)
		if err != nil {
			return err
		}
		compiled = append(compiled, rule)
	}
	s.update(func(p *PolicySnapshot) { p.RewriteRules = compiled })
	return nil
}

func (s *PolicyStore) RemoveRewriteRule(pattern string) {
	s.update(func(p *PolicySnapshot) {
		kept := p.RewriteRules[:0:0]
		for _, r := range p.RewriteRules {
			if r.Pattern != pattern {
				kept = append(kept, r)
			}
		}
		p.RewriteRules = kept
	})
}

func (s *PolicyStore) ClearRewriteRules() {
	s.update(func(p *PolicySnapshot) { p.RewriteRules = nil })
}

func (s *PolicyStore) AddBlacklistEntry(urlPattern string, statusCode int, methodPattern string) error {
	entry, err := NewBlacklistEntry(urlPattern, statusCode, methodPattern)
	if err != nil {
		return err
	}
	s.update(func(p *PolicySnapshot) { p.Blacklist = append(p.Blacklist, entry) })
	return nil
}

// SetBlacklist replaces the blacklist. Entries are recompiled so callers
// may pass plain literals.
func (s *PolicyStore) SetBlacklist(entries []BlacklistEntry) error {
	compiled := make([]BlacklistEntry, 0, len(entries))
	for _, e := range entries {
		entry, err := NewBlacklistEntry(e.URLPattern, e.StatusCode, e.MethodPattern)
		if err != nil {
			return err
		}
		compiled = append(compiled, entry)
	}
	s.update(func(p *PolicySnapshot) { p.Blacklist = compiled })
	return nil
}

func (s *PolicyStore) ClearBlacklist() {
	s.update(func(p *PolicySnapshot) { p.Blacklist = nil })
}

// EnableWhitelist replaces the whitelist with the given patterns and
// response status code.
func (s *PolicyStore) EnableWhitelist(patterns []string, statusCode int) error {
	res := make([]*regexp.Regexp, 0, len(patterns))
	for _, pat := range patterns {
		re, err := compileFull(pat)
		if err != nil {
			return fmt.Errorf("proxycap: invalid whitelist pattern %q: %w", pat, err)
		}
		res = append(res, re)
	}
	s.update(func(p *PolicySnapshot) {
		p.Whitelist = Whitelist{
			Enabled:    true,
			StatusCode: statusCode,
			Patterns:   append([]string(nil), patterns...),
			res:        res,
		}
	})
	return nil
}

func (s *PolicyStore) AddWhitelistPattern(pattern string) error {
	re, err := compileFull(pattern)
	if err != nil {
		return fmt.Errorf("proxycap: invalid whitelist pattern %q: %w", pattern, err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	cur := s.snap.Load()
	if !cur.Whitelist.Enabled {
		return ErrWhitelistDisabled
	}
	next := cur.clone()
	next.Whitelist.Patterns = append(next.Whitelist.Patterns, pattern)
	next.Whitelist.res = append(next.Whitelist.res, re)
	s.snap.Store(next)
	return nil
}

func (s *PolicyStore) DisableWhitelist() {
	s.update(func(p *PolicySnapshot) { p.Whitelist = Whitelist{StatusCode: -1} })
}

func (s *PolicyStore) SetHeader(name, value string) {
	s.update(func(p *PolicySnapshot) { p.Headers[name] = value })
}

func (s *PolicyStore) RemoveHeader(name string) {
	s.update(func(p *PolicySnapshot) { delete(p.Headers, name) })
}

func (s *PolicyStore) ClearHeaders() {
	s.update(func(p *PolicySnapshot) { p.Headers = map[string]string{} })
}

func (s *PolicyStore) SetCredentials(domain string, c Credentials) {
	s.update(func(p *PolicySnapshot) { p.Credentials[domain] = c })
}

func (s *PolicyStore) RemoveCredentials(domain string) {
	s.update(func(p *PolicySnapshot) { delete(p.Credentials, domain) })
}

func (s *PolicyStore) SetChainedProxy(addr string) {
	s.update(func(p *PolicySnapshot) { p.ChainedProxy = addr })
}

func (s *PolicyStore) SetRetryCount(count int) {
	if count < 0 {
		count = 0
	}
	s.update(func(p *PolicySnapshot) { p.RetryCount = count })
}

func (s *PolicyStore) SetConnectTimeout(d time.Duration) {
	s.update(func(p *PolicySnapshot) { p.ConnectTimeout = d })
}

func (s *PolicyStore) SetReadTimeout(d time.Duration) {
	s.update(func(p *PolicySnapshot) { p.ReadTimeout = d })
}

func (s *PolicyStore) SetRequestTimeout(d time.Duration) {
	s.update(func(p *PolicySnapshot) { p.RequestTimeout = d })
}

// compileFull anchors a pattern so it must match the whole input, the
// matching semantics blacklist and whitelist patterns are documented with.
func compileFull(pattern string) (*regexp.Regexp, error) {
	return regexp.Compile(`\A(?:` + pattern + `)\z`)
}
