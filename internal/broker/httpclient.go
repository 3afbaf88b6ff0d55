package broker

import (
	"net"
	"net/http"
	"time"
)

// newHTTPClient returns a pooled client. A zero timeout leaves the overall
// request unbounded (used for the long-lived stream), relying on headerTimeout
// and context cancellation instead.
func newHTTPClient(timeout, headerTimeout time.Duration) *http.Client {
	if headerTimeout <= 0 {
		headerTimeout = timeout
	}
	transport := &http.Transport{
		Proxy:               http.ProxyFromEnvironment,
		MaxIdleConns:        20,
		MaxIdleConnsPerHost: 10,
		IdleConnTimeout:     90 * time.Second,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   10 * time.Second,
		ResponseHeaderTimeout: headerTimeout,
		ExpectContinueTimeout: 1 * time.Second,
	}
	return &http.Client{
		Timeout:   timeout,
		Transport: transport,
	}
}
