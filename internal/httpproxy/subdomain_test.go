package httpproxy

import "testing"

func TestExtractSubdomainWithLocalhost(t *testing.T) {
	cases := []struct {
		host string
		want string
		ok   bool
	}{
		{"test.localhost:8080", "test", true},
		{"tunnel-abc123.localhost:8080", "tunnel-abc123", true},
		{"myapp.localhost", "myapp", true},
		{"localhost:8080", "", false},
		{"localhost", "", false},
	}
	for _, c := range cases {
		got, ok := extractSubdomainWithBase(c.host, "localhost")
		if ok != c.ok || got != c.want {
			t.Errorf("extractSubdomainWithBase(%q, localhost) = (%q, %v), want (%q, %v)", c.host, got, ok, c.want, c.ok)
		}
	}
}

func TestExtractSubdomainWithDomain(t *testing.T) {
	cases := []struct {
		host string
		want string
		ok   bool
	}{
		{"test.example.com", "test", true},
		{"tunnel-xyz.example.com:8080", "tunnel-xyz", true},
		{"example.com", "", false},
		{"example.com:8080", "", false},
		{"test.other.com", "", false},
	}
	for _, c := range cases {
		got, ok := extractSubdomainWithBase(c.host, "example.com")
		if ok != c.ok || got != c.want {
			t.Errorf("extractSubdomainWithBase(%q, example.com) = (%q, %v), want (%q, %v)", c.host, got, ok, c.want, c.ok)
		}
	}
}

func TestExtractSubdomainRejectsNested(t *testing.T) {
	if _, ok := extractSubdomainWithBase("a.b.localhost", "localhost"); ok {
		t.Error("nested subdomain a.b.localhost should be rejected")
	}
	if _, ok := extractSubdomainWithBase("sub.test.example.com", "example.com"); ok {
		t.Error("nested subdomain sub.test.example.com should be rejected")
	}
}

func TestExtractSubdomainIgnoresHostPort(t *testing.T) {
	cases := []struct {
		host, base, want string
		ok               bool
	}{
		{"myapp.localhost:8080", "localhost", "myapp", true},
		{"myapp.localhost:9000", "localhost", "myapp", true},
		{"myapp.localhost", "localhost", "myapp", true},
		{"localhost:8080", "localhost", "", false},
		{"myapp.tunnel.example.com:8080", "tunnel.example.com", "myapp", true},
		{"tunnel.example.com:8080", "tunnel.example.com", "", false},
	}
	for _, c := range cases {
		got, ok := extractSubdomainWithBase(c.host, c.base)
		if ok != c.ok || got != c.want {
			t.Errorf("extractSubdomainWithBase(%q, %q) = (%q, %v), want (%q, %v)", c.host, c.base, got, ok, c.want, c.ok)
		}
	}
}

func TestExtractSubdomainRejectsOverlongLabel(t *testing.T) {
	long := make([]byte, 64)
	for i := range long {
		long[i] = 'a'
	}
	host := string(long) + ".localhost"
	if _, ok := extractSubdomainWithBase(host, "localhost"); ok {
		t.Error("64-char label should be rejected")
	}
}

func TestExtractSubdomainRejectsLeadingTrailingHyphen(t *testing.T) {
	if _, ok := extractSubdomainWithBase("-bad.localhost", "localhost"); ok {
		t.Error("leading hyphen should be rejected")
	}
	if _, ok := extractSubdomainWithBase("bad-.localhost", "localhost"); ok {
		t.Error("trailing hyphen should be rejected")
	}
}

func TestExtractSubdomainLowercases(t *testing.T) {
	got, ok := extractSubdomainWithBase("MyApp.localhost", "localhost")
	if !ok || got != "myapp" {
		t.Errorf("got (%q, %v), want (myapp, true)", got, ok)
	}
}

func TestExtractHostFromRaw(t *testing.T) {
	req := []byte("GET / HTTP/1.1\r\nHost: tunnel-abc.localhost:8080\r\nUser-Agent: curl\r\n\r\n")
	host, ok := extractHostFromRaw(req)
	if !ok || host != "tunnel-abc.localhost:8080" {
		t.Errorf("got (%q, %v), want (tunnel-abc.localhost:8080, true)", host, ok)
	}

	reqLower := []byte("GET / HTTP/1.1\r\nhost: tunnel-xyz.example.com\r\n\r\n")
	host, ok = extractHostFromRaw(reqLower)
	if !ok || host != "tunnel-xyz.example.com" {
		t.Errorf("got (%q, %v), want (tunnel-xyz.example.com, true)", host, ok)
	}

	noHost := []byte("GET / HTTP/1.1\r\nUser-Agent: curl\r\n\r\n")
	if _, ok := extractHostFromRaw(noHost); ok {
		t.Error("expected no Host header to be found")
	}
}

func TestBaseDomainOfStripsPort(t *testing.T) {
	if got := baseDomainOf("localhost:8080"); got != "localhost" {
		t.Errorf("baseDomainOf(localhost:8080) = %q, want localhost", got)
	}
	if got := baseDomainOf("example.com"); got != "example.com" {
		t.Errorf("baseDomainOf(example.com) = %q, want example.com", got)
	}
}
