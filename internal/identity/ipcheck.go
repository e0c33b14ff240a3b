package identity

import (
	"context"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
)

const unknownIP = "unknown"

// IPChecker asks an IP echo service for the visible address.
type IPChecker struct {
	client *resty.Client
	url    string
}

// NewIPChecker builds an IPChecker against echoURL.
func NewIPChecker(echoURL string, timeout time.Duration) *IPChecker {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &IPChecker{
		client: resty.New().SetTimeout(timeout),
		url:    echoURL,
	}
}

// CurrentIP returns the trimmed response body, or "unknown" on any failure.
func (c *IPChecker) CurrentIP(ctx context.Context) string {
	if c == nil || c.url == "" {
		return unknownIP
	}
	resp, err := c.client.R().SetContext(ctx).Get(c.url)
	if err != nil || !resp.IsSuccess() {
		return unknownIP
	}
	ip := strings.TrimSpace(resp.String())
	if ip == "" {
		return unknownIP
	}
	return ip
}
