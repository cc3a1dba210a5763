package proxycap

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func staticResolver(addrs ...string) HostResolverFunc {
	ips := make([]net.IP, 0, len(addrs))
	for _, a := range addrs {
		ips = append(ips, net.ParseIP(a))
	}
	return func(context.Context, string) ([]net.IP, error) {
		return ips, nil
	}
}

func TestChainFirstNonEmptyWins(t *testing.T) {
	chain := NewChainResolver(
		staticResolver(),
		staticResolver("10.0.0.1"),
		staticResolver("10.0.0.2"),
	)
	ips, err := chain.Resolve(context.Background(), "example.com")
	require.NoError(t, err)
	require.Len(t, ips, 1)
	assert.Equal(t, "10.0.0.1", ips[0].String())
}

func TestChainFallsThroughErrors(t *testing.T) {
	failing := HostResolverFunc(func(context.Context, string) ([]net.IP, error) {
		return nil, errors.New("upstream broken")
	})
	chain := NewChainResolver(failing, staticResolver("10.0.0.9"))

	ips, err := chain.Resolve(context.Background(), "example.com")
	require.NoError(t, err)
	assert.Equal(t, "10.0.0.9", ips[0].String())
}

func TestChainAllEmptyFails(t *testing.T) {
	chain := NewChainResolver(staticResolver(), staticResolver())
	_, err := chain.Resolve(context.Background(), "example.com")
	assert.ErrorIs(t, err, ErrResolutionFailed)
}

func TestChainReportsLastError(t *testing.T) {
	boom := errors.New("boom")
	failing := HostResolverFunc(func(context.Context, string) ([]net.IP, error) {
		return nil, boom
	})
	chain := NewChainResolver(staticResolver(), failing)
	_, err := chain.Resolve(context.Background(), "example.com")
	assert.ErrorIs(t, err, boom)
}

func TestRemapResolverPrecedence(t *testing.T) {
	remap := NewRemapResolver()
	remap.AddRemap("pinned.example", net.ParseIP("127.0.0.1"))
	chain := NewChainResolver(remap, staticResolver("10.1.1.1"))

	ips, err := chain.Resolve(context.Background(), "pinned.example")
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1", ips[0].String())

	// Unmapped hosts fall through to the next resolver.
	ips, err = chain.Resolve(context.Background(), "other.example")
	require.NoError(t, err)
	assert.Equal(t, "10.1.1.1", ips[0].String())
}

func TestRemapResolverRemove(t *testing.T) {
	remap := NewRemapResolver()
	remap.AddRemap("x.example", net.ParseIP("127.0.0.1"))
	remap.RemoveRemap("x.example")

	ips, err := remap.Resolve(context.Background(), "x.example")
	require.NoError(t, err)
	assert.Empty(t, ips)
	assert.Empty(t, remap.Remaps())
}

func TestNativeResolverIPLiteral(t *testing.T) {
	n := NewNativeResolver()
	ips, err := n.Resolve(context.Background(), "192.0.2.7")
	require.NoError(t, err)
	require.Len(t, ips, 1)
	assert.Equal(t, "192.0.2.7", ips[0].String())
}

func TestCacheResolverMemoizes(t *testing.T) {
	calls := 0
	backing := HostResolverFunc(func(context.Context, string) ([]net.IP, error) {
		calls++
		return []net.IP{net.ParseIP("10.2.2.2")}, nil
	})
	c := NewCacheResolver(backing, time.Minute)

	for i := 0; i < 3; i++ {
		ips, err := c.Resolve(context.Background(), "cached.example")
		require.NoError(t, err)
		assert.Equal(t, "10.2.2.2", ips[0].String())
	}
	assert.Equal(t, 1, calls)
}

func TestCacheResolverClearCache(t *testing.T) {
	calls := 0
	backing := HostResolverFunc(func(context.Context, string) ([]net.IP, error) {
		calls++
		return []net.IP{net.ParseIP("10.3.3.3")}, nil
	})
	c := NewCacheResolver(backing, time.Minute)

	c.Resolve(context.Background(), "h.example")
	c.ClearCache()
	c.Resolve(context.Background(), "h.example")
	assert.Equal(t, 2, calls)
}

func TestCacheResolverPrimedEntry(t *testing.T) {
	backing := HostResolverFunc(func(context.Context, string) ([]net.IP, error) {
		t.Fatal("backing resolver must not be consulted for a primed host")
		return nil, nil
	})
	c := NewCacheResolver(backing, time.Minute)
	c.AddCacheEntry("primed.example", []net.IP{net.ParseIP("10.4.4.4")}, time.Minute)

	ips, err := c.Resolve(context.Background(), "primed.example")
	require.NoError(t, err)
	assert.Equal(t, "10.4.4.4", ips[0].String())
}

func TestCacheResolverExpiry(t *testing.T) {
	calls := 0
	backing := HostResolverFunc(func(context.Context, string) ([]net.IP, error) {
		calls++
		return []net.IP{net.ParseIP("10.5.5.5")}, nil
	})
	c := NewCacheResolver(backing, time.Minute)
	c.AddCacheEntry("stale.example", []net.IP{net.ParseIP("10.5.5.5")}, time.Nanosecond)

	time.Sleep(time.Millisecond)
	_, err := c.Resolve(context.Background(), "stale.example")
	require.NoError(t, err)
	assert.Equal(t, 1, calls)
}

func TestFindCapabilityDescendsChains(t *testing.T) {
	remap := NewRemapResolver()
	inner := NewChainResolver(staticResolver(), remap)
	outer := NewChainResolver(staticResolver(), inner)

	found, ok := findCapability[Remapper](outer)
	require.True(t, ok)
	assert.Same(t, remap, found)

	_, ok = findCapability[CacheManipulator](outer)
	assert.False(t, ok)
}
