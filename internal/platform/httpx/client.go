// Package httpx builds the hardened HTTP clients shared by the daemon's
// outbound callers.
package httpx

import (
	"net"
	"net/http"
	"time"
)

const (
	defaultTimeout        = 10 * time.Second
	maxDialTimeout        = 10 * time.Second
	maxHeaderTimeout      = 15 * time.Second
	idleConnTimeout       = 90 * time.Second
	expectContinueTimeout = 1 * time.Second
	maxIdleConns          = 32
	maxIdleConnsPerHost   = 8
)

// NewClient returns an HTTP client whose overall timeout covers the whole
// exchange including the body. Dial and header timeouts are capped separately
// so a stalled connect still fails fast under a generous overall budget, as
// with multi-minute video downloads.
func NewClient(timeout time.Duration) *http.Client {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	dial := timeout
	if dial > maxDialTimeout {
		dial = maxDialTimeout
	}
	header := timeout
	if header > maxHeaderTimeout {
		header = maxHeaderTimeout
	}

	return &http.Client{
		Timeout: timeout,
		Transport: &http.Transport{
			Proxy:                 http.ProxyFromEnvironment,
			DialContext:           (&net.Dialer{Timeout: dial, KeepAlive: 30 * time.Second}).DialContext,
			ForceAttemptHTTP2:     true,
			MaxIdleConns:          maxIdleConns,
			MaxIdleConnsPerHost:   maxIdleConnsPerHost,
			IdleConnTimeout:       idleConnTimeout,
			TLSHandshakeTimeout:   dial,
			ResponseHeaderTimeout: header,
			ExpectContinueTimeout: expectContinueTimeout,
		},
	}
}
