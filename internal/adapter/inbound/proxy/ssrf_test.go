package proxy

import (
	"context"
	"net"
	"testing"
)

func newTestValidator(t *testing.T, resolved map[string][]string) *Validator {
	t.Helper()
	v, err := NewValidator(nil, nil)
	if err != nil {
		t.Fatalf("NewValidator: %v", err)
	}
	v.lookup = func(_ context.Context, host string) ([]net.IPAddr, error) {
		var addrs []net.IPAddr
		for _, ip := range resolved[host] {
			addrs = append(addrs, net.IPAddr{IP: net.ParseIP(ip)})
		}
		return addrs, nil
	}
	return v
}

func TestValidator_DeniedAddresses(t *testing.T) {
	v := newTestValidator(t, nil)

	denied := []string{
		"http://127.0.0.1:8080",
		"http://10.1.2.3",
		"http://172.16.0.9",
		"http://192.168.1.1:9000",
		"http://169.254.169.254",
		"http://0.0.0.1",
		"http://224.0.0.5",
		"http://[::1]:8080",
		"http://[fe80::1]",
		"http://[fc00::1]",
	}
	for _, target := range denied {
		if _, err := v.Validate(context.Background(), target); err == nil {
			t.Errorf("%s accepted, want rejection", target)
		}
	}
}

func TestValidator_AcceptsPublicAddresses(t *testing.T) {
	v := newTestValidator(t, nil)

	for _, target := range []string{"http://93.184.216.34", "https://8.8.8.8:443"} {
		ips, err := v.Validate(context.Background(), target)
		if err != nil {
			t.Errorf("%s rejected: %v", target, err)
		}
		if len(ips) != 1 {
			t.Errorf("%s: got %d addresses, want 1", target, len(ips))
		}
	}
}

func TestValidator_BlockedHostnames(t *testing.T) {
	v := newTestValidator(t, map[string][]string{})

	for _, target := range []string{
		"http://localhost:8080",
		"http://LOCALHOST",
		"http://metadata.google.internal/computeMetadata",
	} {
		if _, err := v.Validate(context.Background(), target); err == nil {
			t.Errorf("%s accepted, want rejection", target)
		}
	}
}

func TestValidator_RejectsWhenAnyResolvedAddressDenied(t *testing.T) {
	v := newTestValidator(t, map[string][]string{
		"mixed.example":  {"93.184.216.34", "10.0.0.5"},
		"public.example": {"93.184.216.34", "93.184.216.35"},
	})

	if _, err := v.Validate(context.Background(), "http://mixed.example"); err == nil {
		t.Error("host with one private address accepted")
	}

	ips, err := v.Validate(context.Background(), "http://public.example")
	if err != nil {
		t.Fatalf("public host rejected: %v", err)
	}
	if len(ips) != 2 {
		t.Fatalf("got %d addresses, want 2", len(ips))
	}
}

func TestValidator_RejectsBadSchemes(t *testing.T) {
	v := newTestValidator(t, nil)

	for _, target := range []string{"ftp://example.com", "file:///etc/passwd", "gopher://example.com"} {
		if _, err := v.Validate(context.Background(), target); err == nil {
			t.Errorf("%s accepted, want rejection", target)
		}
	}
}

func TestValidator_CustomDenyList(t *testing.T) {
	v, err := NewValidator([]string{"203.0.113.0/24"}, []string{"internal.corp"})
	if err != nil {
		t.Fatalf("NewValidator: %v", err)
	}

	if _, err := v.Validate(context.Background(), "http://203.0.113.7"); err == nil {
		t.Error("address in custom deny CIDR accepted")
	}
	if _, err := v.Validate(context.Background(), "http://internal.corp"); err == nil {
		t.Error("custom denied hostname accepted")
	}
	// Custom list replaces the defaults entirely.
	if _, err := v.Validate(context.Background(), "http://127.0.0.1"); err != nil {
		t.Errorf("loopback rejected despite custom deny list: %v", err)
	}
}

func TestValidator_RejectsInvalidCIDR(t *testing.T) {
	if _, err := NewValidator([]string{"not-a-cidr"}, nil); err == nil {
		t.Fatal("invalid CIDR accepted")
	}
}

func TestSafeDialContext_BlocksRebindingHost(t *testing.T) {
	v := newTestValidator(t, map[string][]string{
		"rebind.example": {"127.0.0.1"},
	})

	dial := v.SafeDialContext(0)
	if _, err := dial(context.Background(), "tcp", "rebind.example:80"); err == nil {
		t.Fatal("dial to host resolving to loopback succeeded")
	}
	if _, err := dial(context.Background(), "tcp", "10.0.0.1:80"); err == nil {
		t.Fatal("dial to private literal succeeded")
	}
}
