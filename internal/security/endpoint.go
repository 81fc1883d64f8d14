package security

import (
	"context"
	"fmt"
	"net"
	"net/url"
	"strings"

	"github.com/rentvault/rentvault/internal/failure"
)

// Resolver looks up a host's addresses. *net.Resolver satisfies it.
type Resolver interface {
	LookupHost(ctx context.Context, host string) ([]string, error)
}

var blockedHosts = []string{"localhost", "metadata.google.internal", "metadata.google"}

// ValidateEndpointURL checks a configured remote endpoint (ledger gateway,
// anchor) before the service starts calling it. It must be https and must
// not point at a loopback, private, link-local or unspecified address,
// either literally or after resolution. Failures are of kind Configuration.
func ValidateEndpointURL(ctx context.Context, name, rawURL string, r Resolver) error {
	if r == nil {
		r = net.DefaultResolver
	}
	u, err := url.Parse(rawURL)
	if err != nil || u.Host == "" {
		return endpointErr(name, "is not an absolute URL")
	}
	if u.Scheme != "https" {
		return endpointErr(name, "must use https")
	}
	host := u.Hostname()
	for _, b := range blockedHosts {
		if strings.EqualFold(host, b) {
			return endpointErr(name, fmt.Sprintf("host %q is not allowed", host))
		}
	}

	if ip := net.ParseIP(host); ip != nil {
		return checkIP(name, ip)
	}
	addrs, err := r.LookupHost(ctx, host)
	if err != nil {
		return failure.Wrap(failure.KindConfiguration, fmt.Sprintf("security: %s: cannot resolve %s", name, host), err)
	}
	for _, a := range addrs {
		if ip := net.ParseIP(a); ip != nil {
			if err := checkIP(name, ip); err != nil {
				return err
			}
		}
	}
	return nil
}

func checkIP(name string, ip net.IP) error {
	switch {
	case ip.IsLoopback():
		return endpointErr(name, "resolves to a loopback address")
	case ip.IsPrivate():
		return endpointErr(name, "resolves to a private address")
	case ip.IsLinkLocalUnicast(), ip.IsLinkLocalMulticast():
		return endpointErr(name, "resolves to a link-local address")
	case ip.IsUnspecified():
		return endpointErr(name, "resolves to an unspecified address")
	}
	return nil
}

func endpointErr(name, msg string) error {
	return failure.New(failure.KindConfiguration, "security: "+name+" "+msg)
}
