package policy

import (
	"context"
	"net"
	"net/url"
	"strings"

	"github.com/munlucky/moonbot/pkg/protocol"
)

// blockedHostnames are rejected without resolving.
var blockedHostnames = map[string]bool{
	"localhost":                true,
	"metadata.google.internal": true,
}

// privateIPv6Prefixes identify private/link-local IPv6 addresses.
var privateIPv6Prefixes = []string{"fe80:", "fec0:", "fc", "fd"}

// CheckURL validates a destination URL against the SSRF policy: only http
// and https schemes, and no address resolving into loopback, link-local,
// private, unspecified, or otherwise reserved ranges. Called again on every
// redirect hop by the HTTP client.
func CheckURL(ctx context.Context, rawURL string) error {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return violation(protocol.CodeInvalidInput, "invalid URL")
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return violation(protocol.CodeProtocolNotAllowed, "only http and https URLs are allowed")
	}
	host := normalizeHostname(parsed.Hostname())
	if host == "" {
		return violation(protocol.CodeInvalidInput, "missing hostname in URL")
	}
	if blockedHostnames[host] {
		return violation(protocol.CodeSSRFBlocked, "destination host is not allowed")
	}

	// Literal IP: classify without touching the network.
	if ip := net.ParseIP(host); ip != nil {
		if IsPrivateIP(ip) {
			return violation(protocol.CodeSSRFBlocked, "destination address is not allowed")
		}
		return nil
	}

	// Hostname: every resolved address must pass.
	addrs, err := net.DefaultResolver.LookupIPAddr(ctx, host)
	if err != nil {
		return violation(protocol.CodeSSRFBlocked, "destination hostname did not resolve")
	}
	for _, addr := range addrs {
		if IsPrivateIP(addr.IP) {
			return violation(protocol.CodeSSRFBlocked, "destination resolves to a private address")
		}
	}
	return nil
}

// IsPrivateIP reports whether the address falls in a range that must never
// be fetched: loopback, link-local, RFC1918, carrier-grade NAT, unspecified,
// multicast, or private IPv6.
func IsPrivateIP(ip net.IP) bool {
	if ip == nil {
		return true
	}
	if ip.IsLoopback() || ip.IsUnspecified() || ip.IsMulticast() {
		return true
	}
	if ip.IsLinkLocalUnicast() || ip.IsLinkLocalMulticast() {
		return true
	}

	if v4 := ip.To4(); v4 != nil {
		return isPrivateIPv4([4]byte{v4[0], v4[1], v4[2], v4[3]})
	}

	s := strings.ToLower(ip.String())
	for _, prefix := range privateIPv6Prefixes {
		if strings.HasPrefix(s, prefix) {
			return true
		}
	}
	return false
}

// isPrivateIPv4 classifies an IPv4 address by octet:
//   - 0.0.0.0/8 current network
//   - 10.0.0.0/8 private
//   - 127.0.0.0/8 loopback
//   - 169.254.0.0/16 link-local (cloud metadata lives here)
//   - 172.16.0.0/12 private
//   - 192.168.0.0/16 private
//   - 100.64.0.0/10 carrier-grade NAT
func isPrivateIPv4(parts [4]byte) bool {
	octet1 := parts[0]
	octet2 := parts[1]

	if octet1 == 0 {
		return true
	}
	if octet1 == 10 {
		return true
	}
	if octet1 == 127 {
		return true
	}
	if octet1 == 169 && octet2 == 254 {
		return true
	}
	if octet1 == 172 && octet2 >= 16 && octet2 <= 31 {
		return true
	}
	if octet1 == 192 && octet2 == 168 {
		return true
	}
	if octet1 == 100 && octet2 >= 64 && octet2 <= 127 {
		return true
	}
	return false
}

// normalizeHostname trims whitespace, lowercases, removes trailing dots,
// and unwraps IPv6 brackets.
func normalizeHostname(hostname string) string {
	normalized := strings.TrimSpace(hostname)
	normalized = strings.ToLower(normalized)
	normalized = strings.TrimSuffix(normalized, ".")

	if strings.HasPrefix(normalized, "[") && strings.HasSuffix(normalized, "]") {
		normalized = normalized[1 : len(normalized)-1]
	}
	return normalized
}
