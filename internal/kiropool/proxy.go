package kiropool

import (
	"fmt"
	"net"
	"net/http"
	"net/url"
	"time"

	utls "github.com/refraction-networking/utls"
	"golang.org/x/net/proxy"
)

// httpTimeout is the total request timeout for both refresh flows and the
// usage-limits call (spec §4.1: "Network timeout: 60 s total").
const httpTimeout = 60 * time.Second

// ProxySettings names the three passthrough fields a credential or the
// global config may carry (spec §3: proxy_url/proxy_username/
// proxy_password).
type ProxySettings struct {
	URL      string
	Username string
	Password string
}

// BuildHTTPClient constructs an *http.Client honoring the given proxy
// settings and TLS backend. tlsBackend == "utls" selects a fingerprinted
// ClientHello via refraction-networking/utls instead of net/http's
// default stdlib TLS stack; any other value (including "") uses the
// stdlib default.
func BuildHTTPClient(settings ProxySettings, tlsBackend string) (*http.Client, error) {
	transport := &http.Transport{}

	if settings.URL != "" {
		dialer, err := buildDialer(settings)
		if err != nil {
			return nil, fmt.Errorf("proxy dialer: %w", err)
		}
		transport.Dial = dialer.Dial
	}

	if tlsBackend == "utls" {
		transport.DialTLS = utlsDialer()
	}

	return &http.Client{Transport: transport, Timeout: httpTimeout}, nil
}

func buildDialer(settings ProxySettings) (proxy.Dialer, error) {
	u, err := url.Parse(settings.URL)
	if err != nil {
		return nil, fmt.Errorf("invalid proxy url: %w", err)
	}
	if settings.Username != "" {
		u.User = url.UserPassword(settings.Username, settings.Password)
	}
	return proxy.FromURL(u, proxy.Direct)
}

// utlsDialer returns a DialTLS func that performs a uTLS handshake with a
// Chrome-like ClientHello fingerprint, for upstreams that fingerprint
// TLS at the edge.
func utlsDialer() func(network, addr string) (net.Conn, error) {
	return func(network, addr string) (net.Conn, error) {
		rawConn, err := net.Dial(network, addr)
		if err != nil {
			return nil, err
		}
		host, _, err := net.SplitHostPort(addr)
		if err != nil {
			host = addr
		}
		uconn := utls.UClient(rawConn, &utls.Config{ServerName: host}, utls.HelloChrome_Auto)
		if err := uconn.Handshake(); err != nil {
			_ = rawConn.Close()
			return nil, fmt.Errorf("utls handshake: %w", err)
		}
		return uconn, nil
	}
}
