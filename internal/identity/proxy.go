package identity

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"sync"
)

// ProxyPool is a Provider whose endpoints are HTTP(S) proxy URLs. The active
// proxy is read by the transport through ProxyFunc on every request.
type ProxyPool struct {
	mu     sync.RWMutex
	active *url.URL
}

// NewProxyPool returns an empty ProxyPool; requests go direct until the
// first Establish.
func NewProxyPool() *ProxyPool {
	return &ProxyPool{}
}

// Teardown clears the active proxy.
func (p *ProxyPool) Teardown(context.Context) error {
	p.mu.Lock()
	p.active = nil
	p.mu.Unlock()
	return nil
}

// Establish activates the proxy at endpoint.
func (p *ProxyPool) Establish(_ context.Context, endpoint string) error {
	u, err := url.Parse(endpoint)
	if err != nil {
		return fmt.Errorf("parse proxy %q: %w", endpoint, err)
	}
	if u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("proxy %q must be an absolute URL", endpoint)
	}
	p.mu.Lock()
	p.active = u
	p.mu.Unlock()
	return nil
}

// Active returns the proxy in use, or nil.
func (p *ProxyPool) Active() *url.URL {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.active == nil {
		return nil
	}
	cp := *p.active
	return &cp
}

// ProxyFunc matches http.Transport.Proxy.
func (p *ProxyPool) ProxyFunc(_ *http.Request) (*url.URL, error) {
	return p.Active(), nil
}
