package httpclient

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestNewClientDefaults(t *testing.T) {
	client := NewClient(DefaultConfig())
	if client == nil {
		t.Fatal("expected client")
	}
	if client.Timeout != 30*time.Second {
		t.Errorf("expected 30s timeout, got %v", client.Timeout)
	}

	transport, ok := client.Transport.(*http.Transport)
	if !ok {
		t.Fatal("expected *http.Transport")
	}
	if transport.MaxIdleConnsPerHost != 10 {
		t.Errorf("expected 10 idle conns per host, got %d", transport.MaxIdleConnsPerHost)
	}
}

func TestRedirectPolicy(t *testing.T) {
	var hops int
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hops++
		http.Redirect(w, r, "/next", http.StatusFound)
	}))
	defer server.Close()

	// No-follow client sees only the first response.
	hops = 0
	client := NewClient(ClientConfig{Timeout: 5 * time.Second, FollowRedirects: false})
	resp, err := client.Get(server.URL)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	CloseBody(resp)
	if resp.StatusCode != http.StatusFound {
		t.Errorf("expected 302 with redirects disabled, got %d", resp.StatusCode)
	}
	if hops != 1 {
		t.Errorf("expected a single hop, got %d", hops)
	}

	// Bounded client stops after the limit.
	hops = 0
	client = NewClient(ClientConfig{Timeout: 5 * time.Second, FollowRedirects: true, MaxRedirects: 3})
	resp, err = client.Get(server.URL)
	if err == nil {
		CloseBody(resp)
		t.Fatal("expected redirect limit error")
	}
	if hops > 5 {
		t.Errorf("redirect limit not enforced, %d hops", hops)
	}
}

func TestDoWithContextCancellation(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(2 * time.Second)
	}))
	defer server.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	req, err := http.NewRequest(http.MethodGet, server.URL, nil)
	if err != nil {
		t.Fatalf("failed to build request: %v", err)
	}

	client := NewClient(ClientConfig{Timeout: 10 * time.Second})
	start := time.Now()
	_, err = DoWithContext(ctx, client, req)
	if err == nil {
		t.Fatal("expected cancellation error")
	}
	if elapsed := time.Since(start); elapsed > 1*time.Second {
		t.Errorf("cancelled request should fail fast, took %v", elapsed)
	}
}

func TestCloseBodyNilSafe(t *testing.T) {
	CloseBody(nil)
	CloseBody(&http.Response{})
}
