package internal

import (
	"net/url"
	"strings"
	"testing"
)

func TestSanitizeReferer(t *testing.T) {
	base, _ := url.Parse("https://dash.example.com")

	cases := []struct {
		in, want string
	}{
		{"", "/"},
		{"/dashboard", "/dashboard"},
		{"/devices?page=2", "/devices?page=2"},
		{"/a#frag", "/a#frag"},
		{"https://dash.example.com/reports", "https://dash.example.com/reports"},
		{"https://evil.example.com/", "/"},
		{"http://dash.example.com/", "/"},
		{"//evil.example.com/x", "/"},
		{"/\\evil.example.com", "/"},
		{"javascript:alert(1)", "/"},
		{"relative/path", "/"},
		{"https://user@dash.example.com/", "/"},
		{"/line\nbreak", "/"},
	}
	for _, tc := range cases {
		if got := SanitizeReferer(base, tc.in); got != tc.want {
			t.Errorf("SanitizeReferer(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}

	if got := SanitizeReferer(nil, "https://dash.example.com/x"); got != "/" {
		t.Fatalf("nil base admitted absolute url: %q", got)
	}
}

func TestHashClientIP(t *testing.T) {
	if HashClientIP("") != "" {
		t.Fatal("empty ip should hash to empty key")
	}
	a := HashClientIP("10.0.0.1")
	if a != HashClientIP("10.0.0.1") || len(a) != 32 {
		t.Fatalf("unexpected hash %q", a)
	}
	if a == HashClientIP("10.0.0.2") {
		t.Fatal("distinct ips collided")
	}
}

func TestNewPKCE(t *testing.T) {
	v1, c1 := NewPKCE()
	v2, c2 := NewPKCE()
	if v1 == v2 || c1 == c2 {
		t.Fatal("pkce material repeated")
	}
	if len(v1) < 43 || len(c1) != 43 {
		t.Fatalf("unexpected lengths verifier=%d challenge=%d", len(v1), len(c1))
	}
}

// FuzzSanitizeReferer exercises referer sanitization with arbitrary strings.
// Goal: no panics; output is always "/" or stays on the configured origin.
func FuzzSanitizeReferer(f *testing.F) {
	base, _ := url.Parse("https://dash.example.com")

	f.Add("")
	f.Add("/dashboard")
	f.Add("https://dash.example.com/x?y=1")
	f.Add("//evil.example.com")
	f.Add("https://evil.example.com@dash.example.com")
	f.Add("/%2F%2Fevil")
	f.Add("\\\\evil")

	f.Fuzz(func(t *testing.T, input string) {
		out := SanitizeReferer(base, input)
		if out == "/" {
			return
		}
		if strings.HasPrefix(out, "//") {
			t.Fatalf("protocol-relative output %q for %q", out, input)
		}
		u, err := url.Parse(out)
		if err != nil {
			t.Fatalf("unparseable output %q for %q: %v", out, input, err)
		}
		if u.Host != "" && !strings.EqualFold(u.Host, base.Host) {
			t.Fatalf("output %q left origin for input %q", out, input)
		}
	})
}
