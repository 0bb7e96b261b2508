package ingest

import (
	"fmt"
	"net"
	"net/url"
)

const maxURLLength = 2048

// ValidateURL guards fetches of provider-supplied URLs. The scheme must be
// http or https, credentials are rejected, and the hostname must resolve to
// public addresses only.
func ValidateURL(rawURL string) error {
	if len(rawURL) > maxURLLength {
		return fmt.Errorf("url exceeds %d characters", maxURLLength)
	}

	u, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("parse url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("scheme %q not allowed", u.Scheme)
	}
	if u.User != nil {
		return fmt.Errorf("url carries credentials")
	}

	host := u.Hostname()
	if host == "" {
		return fmt.Errorf("url has no hostname")
	}

	ips, err := net.LookupIP(host)
	if err != nil {
		return fmt.Errorf("resolve %q: %w", host, err)
	}
	if len(ips) == 0 {
		return fmt.Errorf("no addresses for %q", host)
	}
	for _, ip := range ips {
		if isPrivateIP(ip) {
			return fmt.Errorf("%q resolves to non-public address %s", host, ip)
		}
	}
	return nil
}

// isPrivateIP reports whether the address is unreachable from or unsafe to
// reach on the public internet: loopback, RFC 1918/4193 private ranges, link
// local, and the unspecified address.
func isPrivateIP(ip net.IP) bool {
	return ip.IsLoopback() ||
		ip.IsPrivate() ||
		ip.IsLinkLocalUnicast() ||
		ip.IsLinkLocalMulticast() ||
		ip.IsUnspecified()
}
