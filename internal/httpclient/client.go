// Package httpclient builds the outbound *http.Client used by reqctx.Ctx,
// wrapping it with the same SSRF-aware redirect and dial policy the rest of
// the codebase uses for arbitrary-URL outbound calls.
package httpclient

import (
	"context"
	"net"
	"net/http"
	"net/url"
	"time"

	"github.com/teranos/xpool/internal/errors"
)

// Options configures one account's transport client.
type Options struct {
	Timeout time.Duration
	// ProxyURL, if set, routes all requests through this HTTP(S) proxy —
	// the account's assigned egress point.
	ProxyURL string
	// BlockPrivateIP guards against the target resolving to a private or
	// loopback address. DefaultOptions turns it on; callers running against
	// a local test fixture must leave it off. New ignores it whenever
	// ProxyURL is set.
	BlockPrivateIP bool
	MaxRedirects   int
}

// DefaultOptions returns the baseline transport policy: 30s timeout, SSRF
// guard enabled, 10 redirects.
func DefaultOptions() Options {
	return Options{
		Timeout:        30 * time.Second,
		BlockPrivateIP: true,
		MaxRedirects:   10,
	}
}

// New builds an *http.Client per opts. A non-empty ProxyURL disables the
// private-IP guard automatically, since many proxy egress points live on
// RFC1918 addresses by design; blocking them would make proxying
// unusable rather than safer.
func New(opts Options) (*http.Client, error) {
	if opts.Timeout == 0 {
		opts.Timeout = 30 * time.Second
	}
	if opts.MaxRedirects == 0 {
		opts.MaxRedirects = 10
	}

	blockPrivateIP := opts.BlockPrivateIP && opts.ProxyURL == ""

	transport := &http.Transport{
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}

	if opts.ProxyURL != "" {
		proxyURL, err := url.Parse(opts.ProxyURL)
		if err != nil {
			return nil, errors.Wrapf(err, "parse proxy url %s", opts.ProxyURL)
		}
		transport.Proxy = http.ProxyURL(proxyURL)
	}

	dialer := &net.Dialer{Timeout: 30 * time.Second, KeepAlive: 30 * time.Second}

	if blockPrivateIP {
		transport.DialContext = func(ctx context.Context, network, addr string) (net.Conn, error) {
			host, _, err := net.SplitHostPort(addr)
			if err != nil {
				return nil, errors.Wrap(err, "invalid address")
			}

			ips, err := net.DefaultResolver.LookupIP(ctx, "ip", host)
			if err != nil {
				return nil, errors.Wrapf(err, "resolve host %q", host)
			}
			for _, ip := range ips {
				if isPrivateIP(ip) {
					return nil, errors.Newf("private IP address blocked: %s", ip)
				}
			}
			return dialer.DialContext(ctx, network, addr)
		}
	} else {
		transport.DialContext = dialer.DialContext
	}

	client := &http.Client{
		Timeout:   opts.Timeout,
		Transport: transport,
	}
	client.CheckRedirect = func(req *http.Request, via []*http.Request) error {
		if len(via) >= opts.MaxRedirects {
			return errors.Newf("stopped after %d redirects", opts.MaxRedirects)
		}
		if req.URL.Scheme != "http" && req.URL.Scheme != "https" {
			return errors.Newf("redirect blocked: scheme %s not allowed", req.URL.Scheme)
		}
		return nil
	}

	return client, nil
}

func isPrivateIP(ip net.IP) bool {
	if ip.IsLoopback() || ip.IsLinkLocalUnicast() || ip.IsLinkLocalMulticast() {
		return true
	}
	for _, cidr := range privateCIDRs {
		if cidr.Contains(ip) {
			return true
		}
	}
	return false
}

var privateCIDRs = mustParseCIDRs(
	"10.0.0.0/8",
	"172.16.0.0/12",
	"192.168.0.0/16",
	"100.64.0.0/10", // carrier-grade NAT
	"fc00::/7",
)

func mustParseCIDRs(cidrs ...string) []*net.IPNet {
	nets := make([]*net.IPNet, 0, len(cidrs))
	for _, c := range cidrs {
		_, n, err := net.ParseCIDR(c)
		if err != nil {
			panic(err)
		}
		nets = append(nets, n)
	}
	return nets
}
