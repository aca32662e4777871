package httputil

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/rs/zerolog"
)

func TestParseCIDRs(t *testing.T) {
	nets, err := ParseCIDRs([]string{"10.0.0.0/8", "192.0.2.7", "2001:db8::1"})
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if len(nets) != 3 {
		t.Fatalf("parsed %d nets", len(nets))
	}
	// Bare addresses become single-host networks.
	if ones, bits := nets[1].Mask.Size(); ones != 32 || bits != 32 {
		t.Errorf("bare ipv4 mask = /%d", ones)
	}
	if ones, bits := nets[2].Mask.Size(); ones != 128 || bits != 128 {
		t.Errorf("bare ipv6 mask = /%d", ones)
	}

	if _, err := ParseCIDRs([]string{"not-a-network"}); err == nil {
		t.Fatal("garbage cidr accepted")
	}
}

func TestClientIPTrustedProxies(t *testing.T) {
	trusted, err := ParseCIDRs([]string{"10.0.0.0/8"})
	if err != nil {
		t.Fatal(err)
	}

	newReq := func(remoteAddr, xff string) *http.Request {
		r := httptest.NewRequest(http.MethodGet, "/", nil)
		r.RemoteAddr = remoteAddr
		if xff != "" {
			r.Header.Set("X-Forwarded-For", xff)
		}
		return r
	}

	// Trusted peer: leftmost forwarded address wins.
	got := ClientIPFromHeadersWithTrustedProxies(newReq("10.1.2.3:443", "203.0.113.9, 10.1.2.3"), trusted)
	if got != "203.0.113.9" {
		t.Errorf("trusted peer: got %q", got)
	}

	// Untrusted peer: the spoofable header is ignored.
	got = ClientIPFromHeadersWithTrustedProxies(newReq("198.51.100.4:443", "203.0.113.9"), trusted)
	if got != "198.51.100.4" {
		t.Errorf("untrusted peer: got %q", got)
	}

	// No proxies configured: dev behavior, header trusted blindly.
	got = ClientIPFromHeadersWithTrustedProxies(newReq("198.51.100.4:443", "203.0.113.9"), nil)
	if got != "203.0.113.9" {
		t.Errorf("no proxy config: got %q", got)
	}

	// Garbage in the header falls back to the peer address.
	got = ClientIPFromHeadersWithTrustedProxies(newReq("10.1.2.3:443", "not-an-ip"), trusted)
	if got != "10.1.2.3" {
		t.Errorf("garbage header: got %q", got)
	}
}

func TestRequestIDMiddleware(t *testing.T) {
	var seenID string
	var loggerInstalled bool
	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seenID = GetRequestID(r.Context())
		loggerInstalled = GetLogger(r.Context()) != nil
	})

	mw := RequestIDMiddleware(zerolog.Nop(), nil)

	// Inbound ID is propagated.
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.Header.Set("X-Request-ID", "req-123")
	w := httptest.NewRecorder()
	mw(inner).ServeHTTP(w, r)
	if seenID != "req-123" {
		t.Errorf("request id = %q", seenID)
	}
	if got := w.Header().Get("X-Request-ID"); got != "req-123" {
		t.Errorf("echoed id = %q", got)
	}
	if !loggerInstalled {
		t.Error("request-scoped logger missing")
	}

	// Absent ID is generated.
	r = httptest.NewRequest(http.MethodGet, "/", nil)
	w = httptest.NewRecorder()
	mw(inner).ServeHTTP(w, r)
	if seenID == "" || seenID == "req-123" {
		t.Errorf("generated id = %q", seenID)
	}
	if w.Header().Get("X-Request-ID") != seenID {
		t.Error("generated id not echoed")
	}
}
