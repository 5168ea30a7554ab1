package origin

import (
	"net/http/httptest"
	"strings"
	"testing"
)

func TestNormalizeHeader(t *testing.T) {
	cases := []struct {
		raw        string
		normalized string
		host       string
		ok         bool
	}{
		{raw: "HTTPS://Example.COM:443", normalized: "https://example.com", host: "example.com", ok: true},
		{raw: "http://example.com:80", normalized: "http://example.com", host: "example.com", ok: true},
		{raw: "https://example.com:80", normalized: "https://example.com:80", host: "example.com:80", ok: true},
		{raw: "http://localhost:5173/", normalized: "http://localhost:5173", host: "localhost:5173", ok: true},
		{raw: "http://[::1]:8080", normalized: "http://[::1]:8080", host: "[::1]:8080", ok: true},
		{raw: "  null ", normalized: "null", host: "", ok: true},
		{raw: ""},
		{raw: "ftp://example.com"},
		{raw: "https://example.com/path"},
		{raw: "https://example.com/?q=1"},
		{raw: "https://example.com?"},
		{raw: "https://user@example.com"},
		{raw: "https://example.com/#frag"},
		{raw: "https://example.com:0"},
		{raw: "https://example.com:99999"},
		{raw: "https://example.com:"},
		{raw: "https://example.com,https://evil.example.com"},
	}
	for _, tc := range cases {
		normalized, host, ok := NormalizeHeader(tc.raw)
		if ok != tc.ok || normalized != tc.normalized || host != tc.host {
			t.Errorf("NormalizeHeader(%q) = (%q, %q, %v), want (%q, %q, %v)",
				tc.raw, normalized, host, ok, tc.normalized, tc.host, tc.ok)
		}
	}
}

func TestPolicy_Allows(t *testing.T) {
	t.Run("default is same host:port only", func(t *testing.T) {
		p := NewPolicy(nil)
		normalized, host, _ := NormalizeHeader("https://app.example.com")
		if !p.Allows(normalized, host, "app.example.com") {
			t.Fatalf("expected same host to be allowed")
		}
		if !p.Allows(normalized, host, "APP.example.com:443") {
			t.Fatalf("expected default port to be equivalent")
		}
		if p.Allows(normalized, host, "app.example.com:8443") {
			t.Fatalf("expected different port to be rejected")
		}
		if p.Allows("null", "", "app.example.com") {
			t.Fatalf("expected null origin to be rejected by default")
		}
	})

	t.Run("wildcard", func(t *testing.T) {
		p := NewPolicy([]string{"*"})
		if !p.AllowsAny() {
			t.Fatalf("AllowsAny=false")
		}
		normalized, host, _ := NormalizeHeader("https://app.example.com")
		if !p.Allows(normalized, host, "whatever:1234") {
			t.Fatalf("expected * to allow any origin")
		}
	})

	t.Run("explicit origins are normalized", func(t *testing.T) {
		p := NewPolicy([]string{" HTTPS://App.Example.com:443 ", ""})
		if p.AllowsAny() {
			t.Fatalf("AllowsAny=true")
		}
		normalized, host, _ := NormalizeHeader("https://app.example.com")
		if !p.Allows(normalized, host, "relay.example.com") {
			t.Fatalf("expected explicit origin to be allowed")
		}
		other, otherHost, _ := NormalizeHeader("https://other.example.com")
		if p.Allows(other, otherHost, "relay.example.com") {
			t.Fatalf("expected non-matching origin to be rejected")
		}
	})

	t.Run("null origin when configured", func(t *testing.T) {
		p := NewPolicy([]string{"null"})
		if !p.Allows("null", "", "relay.example.com") {
			t.Fatalf("expected null origin to be allowed")
		}
	})
}

func TestPolicy_CheckRequest(t *testing.T) {
	p := NewPolicy(nil)

	r := httptest.NewRequest("GET", "http://relay.example.com/signal", nil)
	if o, ok := p.CheckRequest(r); !ok || o != "" {
		t.Fatalf("no Origin: got (%q, %v), want (\"\", true)", o, ok)
	}

	r.Header.Set("Origin", "http://relay.example.com")
	if o, ok := p.CheckRequest(r); !ok || o != "http://relay.example.com" {
		t.Fatalf("same host: got (%q, %v)", o, ok)
	}

	r.Header.Set("Origin", "http://evil.example.com")
	if _, ok := p.CheckRequest(r); ok {
		t.Fatalf("cross origin allowed")
	}

	r.Header.Set("Origin", "http://relay.example.com")
	r.Header.Add("Origin", "http://relay.example.com")
	if _, ok := p.CheckRequest(r); ok {
		t.Fatalf("multiple Origin headers allowed")
	}

	r.Header.Del("Origin")
	r.Header.Set("Origin", "not a url")
	if _, ok := p.CheckRequest(r); ok {
		t.Fatalf("malformed Origin allowed")
	}
}

func FuzzNormalizeHeader(f *testing.F) {
	f.Add("HTTPS://Example.COM:443")
	f.Add("http://[::FFFF:192.0.2.1]")
	f.Add("null")
	f.Add("")
	f.Add("https://example.com/path")
	f.Add("https://example.com,https://evil.example.com")

	f.Fuzz(func(t *testing.T, raw string) {
		normalized, host, ok := NormalizeHeader(raw)
		n2, h2, ok2 := NormalizeHeader(raw)
		if ok != ok2 || normalized != n2 || host != h2 {
			t.Fatalf("non-deterministic result for %q", raw)
		}
		if !ok || normalized == "null" {
			return
		}
		if host == "" {
			t.Fatalf("non-null origin %q has empty host", normalized)
		}
		if !strings.HasSuffix(normalized, "://"+host) {
			t.Fatalf("normalized origin %q does not end with host %q", normalized, host)
		}
	})
}
