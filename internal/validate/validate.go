// Package validate holds input validation shared by the installer and the
// plugin registry.
package validate

import (
	"fmt"
	"net"
	"net/url"
	"regexp"
	"strings"
)

// identRe matches plugin and device identifiers: alphanumeric start,
// then alphanumerics, dots, hyphens or underscores.
var identRe = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9._-]*$`)

// MaxIdentLen is the maximum accepted identifier length.
const MaxIdentLen = 128

// Ident validates plugin names and device identifiers.
func Ident(s string) bool {
	return len(s) > 0 && len(s) <= MaxIdentLen && identRe.MatchString(s)
}

// HTTPURL ensures the URL uses http or https and carries a host. Blocks
// file://, ftp:// and other schemes that would let an install payload reach
// local resources.
func HTTPURL(rawURL string) error {
	u, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("invalid URL: %w", err)
	}
	switch u.Scheme {
	case "http", "https":
	case "":
		return fmt.Errorf("URL missing scheme: %s", rawURL)
	default:
		return fmt.Errorf("URL scheme %q not allowed (only http/https)", u.Scheme)
	}
	if u.Host == "" {
		return fmt.Errorf("URL missing host: %s", rawURL)
	}
	return nil
}

// RejectPrivateURL rejects URLs whose host is a loopback, link-local,
// RFC-1918 or unspecified address, or the "localhost" hostname. This blocks
// the common SSRF targets such as cloud metadata endpoints.
//
// Only literal IPs and "localhost" are inspected; DNS-resolved addresses
// need transport-level protection.
func RejectPrivateURL(rawURL string) error {
	u, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("invalid URL: %w", err)
	}
	host := u.Hostname()
	if host == "" {
		return nil // HTTPURL reports empty hosts
	}
	if strings.EqualFold(host, "localhost") {
		return fmt.Errorf("URL host %q is a private/internal address", host)
	}
	ip := net.ParseIP(host)
	if ip == nil {
		return nil
	}
	if ip.IsLoopback() || ip.IsPrivate() || ip.IsLinkLocalUnicast() ||
		ip.IsLinkLocalMulticast() || ip.IsUnspecified() {
		return fmt.Errorf("URL host %q is a private/internal address", host)
	}
	return nil
}
