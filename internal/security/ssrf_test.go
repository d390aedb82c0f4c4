package security

import (
	"context"
	"errors"
	"net/http"
	"net/netip"
	"testing"

	"monadic-chat/internal/domain"
)

func TestIsPrivateIP(t *testing.T) {
	tests := []struct {
		ip   string
		want bool
	}{
		{"10.0.0.1", true},
		{"172.31.255.255", true},
		{"192.168.1.1", true},
		{"127.0.0.1", true},
		{"169.254.169.254", true},
		{"100.64.0.1", true},
		{"0.0.0.0", true},
		{"::1", true},
		{"fd00::1", true},
		{"::ffff:127.0.0.1", true},
		{"8.8.8.8", false},
		{"1.1.1.1", false},
		{"2607:f8b0:4004:800::200e", false},
	}
	for _, tt := range tests {
		t.Run(tt.ip, func(t *testing.T) {
			if got := IsPrivateIP(netip.MustParseAddr(tt.ip)); got != tt.want {
				t.Errorf("IsPrivateIP(%s) = %v, want %v", tt.ip, got, tt.want)
			}
		})
	}
}

func TestValidateURLBlocked(t *testing.T) {
	urls := []string{
		"http://127.0.0.1/secrets",
		"http://10.0.0.1:8080/admin",
		"http://[::1]/",
		"http://169.254.169.254/latest/meta-data",
		"file:///etc/passwd",
		"gopher://example.com",
		"example.com/no-scheme",
		"http:///empty-host",
		"http://localhost/",
	}
	for _, u := range urls {
		t.Run(u, func(t *testing.T) {
			err := ValidateURL(context.Background(), u)
			if !errors.Is(err, domain.ErrSSRFBlocked) {
				t.Errorf("ValidateURL(%q) = %v, want ErrSSRFBlocked", u, err)
			}
		})
	}
}

func TestValidateURLPublicIP(t *testing.T) {
	if err := ValidateURL(context.Background(), "https://8.8.8.8/dns-query"); err != nil {
		t.Errorf("public IP rejected: %v", err)
	}
}

func TestSSRFSafeTransportBlocksLoopback(t *testing.T) {
	client := &http.Client{Transport: NewSSRFSafeTransport()}
	req, err := http.NewRequestWithContext(context.Background(), http.MethodGet, "http://127.0.0.1:1/", nil)
	if err != nil {
		t.Fatal(err)
	}
	_, err = client.Do(req)
	if !errors.Is(err, domain.ErrSSRFBlocked) {
		t.Errorf("expected ErrSSRFBlocked, got %v", err)
	}
}
