package handlers

import (
	"context"
	"fmt"
	"net"
)

// DNSResolver is the narrow surface this package needs from net.Resolver,
// so tests can substitute a fake without touching the network.
type DNSResolver interface {
	LookupHost(ctx context.Context, host string) ([]string, error)
}

// LookupHost resolves host to its set of IP address strings, mirroring the
// guest's "v1/dns_lookup_host" capability.
func LookupHost(ctx context.Context, resolver DNSResolver, host string) ([]string, error) {
	addrs, err := resolver.LookupHost(ctx, host)
	if err != nil {
		return nil, fmt.Errorf("dns lookup of %q failed: %w", host, err)
	}
	return addrs, nil
}

// DefaultResolver adapts the stdlib's zero-value *net.Resolver.
var DefaultResolver DNSResolver = &net.Resolver{}
