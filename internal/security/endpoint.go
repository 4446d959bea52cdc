package security

import (
	"context"
	"fmt"
	"net"
	"net/url"
	"strings"
	"time"

	"github.com/mbd888/escrowd/internal/apperr"
)

// lookupTimeout bounds the DNS check of an endpoint host.
const lookupTimeout = 3 * time.Second

var blockedHosts = map[string]bool{
	"localhost":                true,
	"metadata":                 true,
	"metadata.google.internal": true,
}

// resolve is swapped in tests.
var resolve = func(ctx context.Context, host string) ([]net.IPAddr, error) {
	return net.DefaultResolver.LookupIPAddr(ctx, host)
}

// ValidateEndpointURL rejects URLs the server must not call: non-http(s)
// schemes, embedded credentials, and hosts that are or resolve to loopback,
// private, link-local, multicast or unspecified addresses. With requireHTTPS
// plain http is refused too. Errors wrap apperr.ErrValidation.
func ValidateEndpointURL(rawURL string, requireHTTPS bool) error {
	u, err := url.Parse(rawURL)
	if err != nil {
		return invalid("malformed URL")
	}
	switch {
	case u.Scheme == "https":
	case u.Scheme == "http" && !requireHTTPS:
	case u.Scheme == "http":
		return invalid("https is required")
	default:
		return invalid("scheme must be http or https")
	}
	if u.User != nil {
		return invalid("credentials in the URL are not allowed")
	}

	host := strings.TrimSuffix(strings.ToLower(u.Hostname()), ".")
	if host == "" {
		return invalid("host is required")
	}
	if blockedHosts[host] || strings.HasSuffix(host, ".localhost") {
		return invalid(fmt.Sprintf("host %q is not allowed", host))
	}

	if ip := net.ParseIP(host); ip != nil {
		return checkIP(host, ip)
	}

	ctx, cancel := context.WithTimeout(context.Background(), lookupTimeout)
	defer cancel()
	addrs, err := resolve(ctx, host)
	if err != nil || len(addrs) == 0 {
		return invalid(fmt.Sprintf("cannot resolve host %q", host))
	}
	for _, a := range addrs {
		if err := checkIP(host, a.IP); err != nil {
			return err
		}
	}
	return nil
}

func checkIP(host string, ip net.IP) error {
	var kind string
	switch {
	case ip.IsLoopback():
		kind = "loopback"
	case ip.IsPrivate():
		kind = "private"
	case ip.IsLinkLocalUnicast(), ip.IsLinkLocalMulticast():
		kind = "link-local"
	case ip.IsMulticast():
		kind = "multicast"
	case ip.IsUnspecified():
		kind = "unspecified"
	default:
		return nil
	}
	return invalid(fmt.Sprintf("host %q is a %s address", host, kind))
}

func invalid(msg string) error {
	return fmt.Errorf("endpoint URL: %s: %w", msg, apperr.ErrValidation)
}
