// Package httpclient builds the HTTP clients used for verification traffic.
// Every client shares the same pool tuning; what varies is the egress path,
// supplied by the identity layer as a dial function or proxy.
package httpclient

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"os"
	"time"
)

type ClientConfig struct {
	Timeout         time.Duration
	FollowRedirects bool
	MaxRedirects    int

	// Proxy routes requests through an HTTP proxy. Nil means direct.
	Proxy func(*http.Request) (*url.URL, error)

	// DialContext overrides the raw connection path (SOCKS5, Tor). Nil
	// falls back to a plain dialer.
	DialContext func(ctx context.Context, network, addr string) (net.Conn, error)

	// Jar carries the identity-scoped session cookies.
	Jar http.CookieJar

	// InsecureSkipVerify is for engagements against endpoints with
	// self-signed certificates. Off unless explicitly configured.
	InsecureSkipVerify bool
}

func DefaultConfig() ClientConfig {
	return ClientConfig{
		Timeout:         30 * time.Second,
		FollowRedirects: true,
		MaxRedirects:    10,
	}
}

// NewClient builds a client over the given egress path with shared pool
// settings. The per-request deadline comes from the caller's context; the
// client timeout is a backstop.
func NewClient(config ClientConfig) *http.Client {
	dial := config.DialContext
	if dial == nil {
		dialer := &net.Dialer{Timeout: 10 * time.Second, KeepAlive: 30 * time.Second}
		dial = dialer.DialContext
	}

	transport := &http.Transport{
		Proxy:       config.Proxy,
		DialContext: dial,

		MaxIdleConns:        100,
		MaxIdleConnsPerHost: 10,
		IdleConnTimeout:     90 * time.Second,

		TLSHandshakeTimeout:   10 * time.Second,
		ResponseHeaderTimeout: 10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}

	if config.InsecureSkipVerify {
		transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}
	}

	client := &http.Client{
		Timeout:   config.Timeout,
		Transport: transport,
		Jar:       config.Jar,
	}

	if !config.FollowRedirects {
		client.CheckRedirect = func(req *http.Request, via []*http.Request) error {
			return http.ErrUseLastResponse
		}
	} else if config.MaxRedirects > 0 {
		client.CheckRedirect = func(req *http.Request, via []*http.Request) error {
			if len(via) >= config.MaxRedirects {
				return fmt.Errorf("stopped after %d redirects", config.MaxRedirects)
			}
			return nil
		}
	}

	return client
}

// NewProbeClient is tuned for identity pre-flight probes: short timeout and
// no redirect chasing.
func NewProbeClient(timeout time.Duration, proxy func(*http.Request) (*url.URL, error), dial func(ctx context.Context, network, addr string) (net.Conn, error)) *http.Client {
	return NewClient(ClientConfig{
		Timeout:         timeout,
		FollowRedirects: false,
		Proxy:           proxy,
		DialContext:     dial,
	})
}

// DoWithContext performs an HTTP request with context enforcement.
func DoWithContext(ctx context.Context, client *http.Client, req *http.Request) (*http.Response, error) {
	req = req.WithContext(ctx)

	resp, err := client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("request cancelled: %w", ctx.Err())
		}
		return nil, err
	}

	return resp, nil
}

// CloseBody drains and closes a response body. HTTP/1.1 connections are
// only reused if the body is fully read.
func CloseBody(resp *http.Response) {
	if resp == nil || resp.Body == nil {
		return
	}

	_, _ = io.Copy(io.Discard, resp.Body)

	if err := resp.Body.Close(); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: failed to close HTTP response body: %v\n", err)
	}
}
