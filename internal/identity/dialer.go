package identity

import (
	"bufio"
	"context"
	"encoding/base64"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"time"

	"golang.org/x/net/proxy"

	"github.com/AshfordSecurity/carousel/pkg/types"
)

// proxyFunc feeds http.Transport.Proxy; dialFunc feeds both
// http.Transport.DialContext and raw protocol verifiers.
type proxyFunc func(*http.Request) (*url.URL, error)
type dialFunc func(ctx context.Context, network, addr string) (net.Conn, error)

// buildTransport turns an identity spec into the transport hooks for that
// egress. Direct identities return (nil, nil) so the default transport
// applies. HTTP proxies set Proxy for HTTP traffic and tunnel raw
// connections with CONNECT. SOCKS5 and Tor route everything through the
// SOCKS dialer.
func buildTransport(spec types.IdentitySpec, torSocksAddr string) (proxyFunc, dialFunc, error) {
	switch spec.Kind {
	case types.IdentityKindDirect:
		return nil, nil, nil

	case types.IdentityKindHTTPProxy:
		u, err := url.Parse(spec.Endpoint)
		if err != nil {
			return nil, nil, fmt.Errorf("invalid proxy endpoint %q: %w", spec.Endpoint, err)
		}
		if u.Host == "" {
			return nil, nil, fmt.Errorf("proxy endpoint %q has no host", spec.Endpoint)
		}
		if spec.Username != "" {
			u.User = url.UserPassword(spec.Username, spec.Password)
		}
		return http.ProxyURL(u), connectDialer(u), nil

	case types.IdentityKindSOCKS5:
		return socksTransport(spec.Endpoint, spec.Username, spec.Password)

	case types.IdentityKindTorCircuit:
		addr := spec.Endpoint
		if addr == "" {
			addr = torSocksAddr
		}
		return socksTransport(addr, "", "")

	default:
		return nil, nil, fmt.Errorf("unknown identity kind %q", spec.Kind)
	}
}

func socksTransport(endpoint, username, password string) (proxyFunc, dialFunc, error) {
	host := endpoint
	if u, err := url.Parse(endpoint); err == nil && u.Host != "" {
		host = u.Host
		if u.User != nil && username == "" {
			username = u.User.Username()
			password, _ = u.User.Password()
		}
	}

	var auth *proxy.Auth
	if username != "" {
		auth = &proxy.Auth{User: username, Password: password}
	}

	dialer, err := proxy.SOCKS5("tcp", host, auth, proxy.Direct)
	if err != nil {
		return nil, nil, fmt.Errorf("socks5 dialer for %q: %w", host, err)
	}
	ctxDialer, ok := dialer.(proxy.ContextDialer)
	if !ok {
		return nil, nil, fmt.Errorf("socks5 dialer for %q does not support contexts", host)
	}
	// HTTP traffic rides the SOCKS dialer too, so Proxy stays nil.
	return nil, ctxDialer.DialContext, nil
}

// connectDialer opens raw TCP connections through an HTTP proxy with
// CONNECT, for verifiers that speak something other than HTTP. x/net/proxy
// only covers SOCKS, so the tunnel handshake lives here.
func connectDialer(proxyURL *url.URL) dialFunc {
	return func(ctx context.Context, network, addr string) (net.Conn, error) {
		if network != "tcp" {
			return nil, fmt.Errorf("http proxy tunnel supports tcp only, got %q", network)
		}

		d := &net.Dialer{Timeout: 30 * time.Second}
		conn, err := d.DialContext(ctx, "tcp", proxyHostPort(proxyURL))
		if err != nil {
			return nil, fmt.Errorf("dial proxy %s: %w", proxyURL.Host, err)
		}

		if deadline, ok := ctx.Deadline(); ok {
			conn.SetDeadline(deadline)
		}

		req := fmt.Sprintf("CONNECT %s HTTP/1.1\r\nHost: %s\r\n", addr, addr)
		if proxyURL.User != nil {
			pass, _ := proxyURL.User.Password()
			cred := base64.StdEncoding.EncodeToString([]byte(proxyURL.User.Username() + ":" + pass))
			req += "Proxy-Authorization: Basic " + cred + "\r\n"
		}
		req += "\r\n"

		if _, err := conn.Write([]byte(req)); err != nil {
			conn.Close()
			return nil, fmt.Errorf("write CONNECT to %s: %w", proxyURL.Host, err)
		}

		br := bufio.NewReader(conn)
		resp, err := http.ReadResponse(br, &http.Request{Method: http.MethodConnect})
		if err != nil {
			conn.Close()
			return nil, fmt.Errorf("read CONNECT response from %s: %w", proxyURL.Host, err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			conn.Close()
			return nil, fmt.Errorf("proxy %s refused tunnel to %s: %s", proxyURL.Host, addr, resp.Status)
		}

		conn.SetDeadline(time.Time{})
		// The target may speak first (ssh banners); anything the reader
		// buffered past the response belongs to the tunnel.
		if br.Buffered() > 0 {
			return &bufferedConn{Conn: conn, r: br}, nil
		}
		return conn, nil
	}
}

type bufferedConn struct {
	net.Conn
	r *bufio.Reader
}

func (c *bufferedConn) Read(p []byte) (int, error) {
	return c.r.Read(p)
}

func proxyHostPort(u *url.URL) string {
	if u.Port() != "" {
		return u.Host
	}
	if u.Scheme == "https" {
		return net.JoinHostPort(u.Hostname(), "443")
	}
	return net.JoinHostPort(u.Hostname(), "80")
}
