package broker

import "testing"

func TestIsLoopbackAddr(t *testing.T) {
	cases := map[string]bool{
		"127.0.0.1:54321": true,
		"[::1]:9000":      true,
		"203.0.113.5:443": false,
		"not-an-addr":     false,
	}
	for addr, want := range cases {
		if got := isLoopbackAddr(addr); got != want {
			t.Errorf("isLoopbackAddr(%q) = %v, want %v", addr, got, want)
		}
	}
}

func TestIsLoopbackHost(t *testing.T) {
	cases := map[string]bool{
		"":           true,
		"localhost":  true,
		"127.0.0.1":  true,
		"0.0.0.0":    false,
		"10.0.0.5":   false,
	}
	for host, want := range cases {
		if got := isLoopbackHost(host); got != want {
			t.Errorf("isLoopbackHost(%q) = %v, want %v", host, got, want)
		}
	}
}

func TestIsPrivateNetworkOrigin(t *testing.T) {
	cases := map[string]bool{
		"http://10.0.0.5:8080":     true,
		"https://192.168.1.2":      true,
		"http://127.0.0.1:3000":    true,
		"https://example.com":      false,
		"http://203.0.113.9":       false,
	}
	for origin, want := range cases {
		if got := isPrivateNetworkOrigin(origin); got != want {
			t.Errorf("isPrivateNetworkOrigin(%q) = %v, want %v", origin, got, want)
		}
	}
}

func TestNewRejectsInsecureNonLoopbackWithoutTLS(t *testing.T) {
	cfg := Default()
	cfg.Host = "0.0.0.0"
	if _, err := New(cfg); err == nil {
		t.Fatal("expected New to reject a non-loopback plaintext listener")
	}
}

func TestNewAllowsLoopbackWithoutTLS(t *testing.T) {
	cfg := Default()
	cfg.Host = "127.0.0.1"
	if _, err := New(cfg); err != nil {
		t.Fatalf("New should allow loopback without TLS, got %v", err)
	}
}

func TestNewRejectsAllowInsecureWithTLS(t *testing.T) {
	cfg := Default()
	cfg.Host = "127.0.0.1"
	cfg.AllowInsecure = true
	cfg.TLSCertPath = "/tmp/cert.pem"
	cfg.TLSKeyPath = "/tmp/key.pem"
	if _, err := New(cfg); err == nil {
		t.Fatal("expected New to reject allow_insecure combined with TLS paths")
	}
}
