package fetch

import (
	"crypto/tls"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// trustRouter sends requests for the configured hosts through a transport
// that skips certificate verification; every other host is verified.
type trustRouter struct {
	strict   http.RoundTripper
	relaxed  http.RoundTripper
	insecure []string
}

func newTrustRouter(proxyURL *url.URL, insecureHosts []string) *trustRouter {
	hosts := make([]string, 0, len(insecureHosts))
	for _, h := range insecureHosts {
		if h = strings.ToLower(strings.TrimSpace(h)); h != "" {
			hosts = append(hosts, h)
		}
	}
	relaxed := newHTTPTransport(proxyURL)
	relaxed.TLSClientConfig = &tls.Config{InsecureSkipVerify: true} //nolint:gosec // scoped to configured hosts
	return &trustRouter{
		strict:   newHTTPTransport(proxyURL),
		relaxed:  relaxed,
		insecure: hosts,
	}
}

func (t *trustRouter) RoundTrip(req *http.Request) (*http.Response, error) {
	if t.skipVerify(req.URL.Hostname()) {
		return t.relaxed.RoundTrip(req)
	}
	return t.strict.RoundTrip(req)
}

func (t *trustRouter) skipVerify(host string) bool {
	host = strings.ToLower(host)
	for _, h := range t.insecure {
		if host == h || strings.HasSuffix(host, "."+h) {
			return true
		}
	}
	return false
}

func (t *trustRouter) CloseIdleConnections() {
	for _, rt := range []http.RoundTripper{t.strict, t.relaxed} {
		if c, ok := rt.(interface{ CloseIdleConnections() }); ok {
			c.CloseIdleConnections()
		}
	}
}

func newHTTPTransport(proxyURL *url.URL) *http.Transport {
	proxy := http.ProxyFromEnvironment
	if proxyURL != nil {
		proxy = http.ProxyURL(proxyURL)
	}
	return &http.Transport{
		Proxy: proxy,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   15 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		MaxIdleConns:          16,
		IdleConnTimeout:       90 * time.Second,
	}
}
