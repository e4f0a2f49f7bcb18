package policy

import (
	"context"
	"errors"
	"net"
	"testing"

	"github.com/munlucky/moonbot/pkg/protocol"
)

func TestIsPrivateIP(t *testing.T) {
	tests := []struct {
		addr    string
		private bool
	}{
		{"127.0.0.1", true},
		{"127.255.255.254", true},
		{"10.0.0.1", true},
		{"172.16.0.1", true},
		{"172.31.255.255", true},
		{"172.32.0.1", false},
		{"192.168.1.1", true},
		{"169.254.169.254", true},
		{"100.64.0.1", true},
		{"100.127.255.255", true},
		{"100.128.0.1", false},
		{"0.0.0.0", true},
		{"8.8.8.8", false},
		{"1.1.1.1", false},
		{"::1", true},
		{"::", true},
		{"fe80::1", true},
		{"fd00::1", true},
		{"fc00::1", true},
		{"2001:4860:4860::8888", false},
		{"::ffff:192.168.1.1", true},
		{"::ffff:8.8.8.8", false},
	}

	for _, tt := range tests {
		t.Run(tt.addr, func(t *testing.T) {
			ip := net.ParseIP(tt.addr)
			if ip == nil {
				t.Fatalf("cannot parse %q", tt.addr)
			}
			if got := IsPrivateIP(ip); got != tt.private {
				t.Errorf("IsPrivateIP(%s) = %v, want %v", tt.addr, got, tt.private)
			}
		})
	}
}

func TestCheckURL_Schemes(t *testing.T) {
	ctx := context.Background()
	tests := []struct {
		url  string
		code string
	}{
		{"ftp://example.com/file", protocol.CodeProtocolNotAllowed},
		{"file:///etc/passwd", protocol.CodeProtocolNotAllowed},
		{"gopher://example.com", protocol.CodeProtocolNotAllowed},
		{"http://127.0.0.1/admin", protocol.CodeSSRFBlocked},
		{"http://169.254.169.254/latest/meta-data/", protocol.CodeSSRFBlocked},
		{"http://[::1]:8080/", protocol.CodeSSRFBlocked},
		{"http://10.1.2.3/", protocol.CodeSSRFBlocked},
		{"http://localhost/", protocol.CodeSSRFBlocked},
		{"http://metadata.google.internal/", protocol.CodeSSRFBlocked},
		{"http://0.0.0.0/", protocol.CodeSSRFBlocked},
	}

	for _, tt := range tests {
		t.Run(tt.url, func(t *testing.T) {
			err := CheckURL(ctx, tt.url)
			if err == nil {
				t.Fatalf("CheckURL(%q) = nil, want %s", tt.url, tt.code)
			}
			var v *Violation
			if !errors.As(err, &v) {
				t.Fatalf("error = %v, want Violation", err)
			}
			if v.Code != tt.code {
				t.Errorf("code = %s, want %s", v.Code, tt.code)
			}
		})
	}
}

func TestNormalizeHostname(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{" Example.COM. ", "example.com"},
		{"[::1]", "::1"},
		{"localhost", "localhost"},
	}
	for _, tt := range tests {
		if got := normalizeHostname(tt.in); got != tt.want {
			t.Errorf("normalizeHostname(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
