/*
Package proxycap provides an intercepting HTTP/HTTPS proxy that can shape,
rewrite and record the traffic passing through it.

Every request is run through a policy pipeline: blacklist and whitelist
checks, URL rewriting, header injection, automatic authorization, host
resolution (optionally through an upstream chained proxy), bandwidth and
latency shaping, and finally HAR capture. All policy is mutable at runtime
and safe to change while requests are in flight.

The proxy itself is an `net/http` handler, so it can be served by any
http.Server, but the usual entry point is Start:

	proxy := proxycap.New(proxycap.DefaultOptions())
	if err := proxy.Start("127.0.0.1:0"); err != nil {
		log.Fatal(err)
	}
	proxy.NewHar()
	// ... drive traffic through proxy.Port() ...
	har := proxy.EndHar()
*/
package proxycap
