package security

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"net/netip"
	"net/url"
	"strings"
	"time"

	"monadic-chat/internal/domain"
)

// blockedPrefixes lists private, loopback, link-local and otherwise
// non-routable ranges that fetches must never reach.
var blockedPrefixes = []netip.Prefix{
	netip.MustParsePrefix("0.0.0.0/8"),
	netip.MustParsePrefix("10.0.0.0/8"),
	netip.MustParsePrefix("100.64.0.0/10"),
	netip.MustParsePrefix("127.0.0.0/8"),
	netip.MustParsePrefix("169.254.0.0/16"),
	netip.MustParsePrefix("172.16.0.0/12"),
	netip.MustParsePrefix("192.168.0.0/16"),
	netip.MustParsePrefix("224.0.0.0/4"),
	netip.MustParsePrefix("240.0.0.0/4"),
	netip.MustParsePrefix("::/128"),
	netip.MustParsePrefix("::1/128"),
	netip.MustParsePrefix("fc00::/7"),
	netip.MustParsePrefix("fe80::/10"),
	netip.MustParsePrefix("ff00::/8"),
}

// IsPrivateIP reports whether addr falls within a blocked range.
// IPv4-mapped IPv6 addresses are checked as IPv4.
func IsPrivateIP(addr netip.Addr) bool {
	addr = addr.Unmap()
	for _, p := range blockedPrefixes {
		if p.Contains(addr) {
			return true
		}
	}
	return false
}

// ValidateURL checks the scheme and host of rawURL and that every address
// it resolves to is public.
func ValidateURL(ctx context.Context, rawURL string) error {
	u, err := url.Parse(rawURL)
	if err != nil {
		return domain.NewDomainError("ValidateURL", domain.ErrSSRFBlocked, fmt.Sprintf("invalid URL: %v", err))
	}

	switch strings.ToLower(u.Scheme) {
	case "http", "https":
	case "":
		return domain.NewDomainError("ValidateURL", domain.ErrSSRFBlocked, "missing URL scheme, only http/https allowed")
	default:
		return domain.NewDomainError("ValidateURL", domain.ErrSSRFBlocked,
			fmt.Sprintf("scheme %q not allowed, only http/https", u.Scheme))
	}

	host := u.Hostname()
	if host == "" {
		return domain.NewDomainError("ValidateURL", domain.ErrSSRFBlocked, "empty hostname")
	}

	if addr, err := netip.ParseAddr(host); err == nil {
		if IsPrivateIP(addr) {
			return domain.NewDomainError("ValidateURL", domain.ErrSSRFBlocked,
				fmt.Sprintf("IP %s is private/reserved", addr))
		}
		return nil
	}

	_, err = resolvePublic(ctx, host)
	return err
}

// resolvePublic resolves host once and fails if any address is blocked.
func resolvePublic(ctx context.Context, host string) ([]netip.Addr, error) {
	addrs, err := net.DefaultResolver.LookupNetIP(ctx, "ip", host)
	if err != nil {
		return nil, domain.NewDomainError("ValidateURL", domain.ErrSSRFBlocked,
			fmt.Sprintf("DNS lookup failed: %v", err))
	}
	if len(addrs) == 0 {
		return nil, domain.NewDomainError("ValidateURL", domain.ErrSSRFBlocked,
			fmt.Sprintf("no addresses for %s", host))
	}
	for _, addr := range addrs {
		if IsPrivateIP(addr) {
			return nil, domain.NewDomainError("ValidateURL", domain.ErrSSRFBlocked,
				fmt.Sprintf("host %s resolves to private IP %s", host, addr))
		}
	}
	return addrs, nil
}

// NewSSRFSafeTransport returns a transport that resolves and checks the
// target at dial time and connects to the checked address, so a DNS answer
// cannot change between validation and connection.
func NewSSRFSafeTransport() *http.Transport {
	dialer := &net.Dialer{
		Timeout:   10 * time.Second,
		KeepAlive: 30 * time.Second,
	}
	return &http.Transport{
		DialContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
			host, port, err := net.SplitHostPort(addr)
			if err != nil {
				return nil, fmt.Errorf("invalid address: %w", err)
			}

			var target netip.Addr
			if ip, err := netip.ParseAddr(host); err == nil {
				if IsPrivateIP(ip) {
					return nil, domain.NewDomainError("SSRFSafeTransport.Dial", domain.ErrSSRFBlocked,
						fmt.Sprintf("IP %s is private/reserved", ip))
				}
				target = ip
			} else {
				addrs, err := resolvePublic(ctx, host)
				if err != nil {
					return nil, err
				}
				target = addrs[0]
			}

			return dialer.DialContext(ctx, network, net.JoinHostPort(target.Unmap().String(), port))
		},
		TLSHandshakeTimeout:   10 * time.Second,
		ResponseHeaderTimeout: 10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}
}
