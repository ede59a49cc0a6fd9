// Package netutil holds the control plane's shared outbound HTTP
// client pool and retry policy, adapted directly from the teacher's
// tools/si/internal/httpx and tools/si/internal/netpolicy packages:
// one *http.Transport shared by every client SharedClient hands out
// (today only the PIP HTTP fetcher; Git remotes go through go-git and
// notifications through their own *http.Client), keyed client pool per
// timeout class, and exponential backoff with jitter honoring
// Retry-After.
package netutil

import (
	"net"
	"net/http"
	"sync"
	"time"
)

var (
	transportOnce sync.Once
	transport     *http.Transport
	clientsMu     sync.Mutex
	clients       = map[time.Duration]*http.Client{}
)

// SharedClient returns a *http.Client with the given timeout, backed
// by a single pooled transport. Calling this repeatedly with the same
// timeout returns the same client instance.
func SharedClient(timeout time.Duration) *http.Client {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	clientsMu.Lock()
	defer clientsMu.Unlock()
	if client, ok := clients[timeout]; ok {
		return client
	}
	client := &http.Client{
		Timeout:   timeout,
		Transport: sharedTransport(),
	}
	clients[timeout] = client
	return client
}

func sharedTransport() *http.Transport {
	transportOnce.Do(func() {
		transport = &http.Transport{
			Proxy:                 http.ProxyFromEnvironment,
			DialContext:           (&net.Dialer{Timeout: 10 * time.Second, KeepAlive: 30 * time.Second}).DialContext,
			ForceAttemptHTTP2:     true,
			MaxIdleConns:          256,
			MaxIdleConnsPerHost:   64,
			IdleConnTimeout:       90 * time.Second,
			TLSHandshakeTimeout:   10 * time.Second,
			ExpectContinueTimeout: 1 * time.Second,
		}
	})
	return transport
}
