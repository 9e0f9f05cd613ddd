// Package resolver resolves an Authority to one or more socket addresses,
// honoring caller-supplied static overrides, an IP family preference, and
// a DNS deadline.
package resolver

import (
	"context"
	"net"
	"strings"
	"time"

	"github.com/mardiros/cabot/pkg/errors"
	"github.com/mardiros/cabot/pkg/trace"
	"github.com/mardiros/cabot/pkg/urlx"
)

// Family constrains which address families a resolve may return.
type Family int

const (
	Any Family = iota
	IPv4Only
	IPv6Only
)

// Resolver resolves authorities to socket addresses, consulting an
// override map before ever touching the network.
type Resolver struct {
	net       *net.Resolver
	overrides map[urlx.Authority][]string
	family    Family
}

// New returns a Resolver with no overrides and no family preference.
// Resolution is split out from dialing so the transport can try every
// candidate address in turn.
func New() *Resolver {
	return &Resolver{net: net.DefaultResolver, overrides: map[urlx.Authority][]string{}}
}

// WithFamily returns a copy of r constrained to the given address family.
func (r *Resolver) WithFamily(f Family) *Resolver {
	cp := *r
	cp.family = f
	return &cp
}

// AddAuthority registers a static override: authority resolves to addrs
// without any DNS traffic.
func (r *Resolver) AddAuthority(host string, port int, addrs []string) {
	r.overrides[urlx.Authority{Host: host, Port: port}] = append([]string(nil), addrs...)
}

// Resolve returns every address for authority, in override or
// OS-returned order. cause-classified errors: DnsError or
// TimeoutError(DnsTimeout).
func (r *Resolver) Resolve(ctx context.Context, authority urlx.Authority, deadline time.Duration, run *trace.Run) ([]string, error) {
	if addrs, ok := r.overrides[authority]; ok {
		if run != nil {
			run.Emit(trace.KindResolved, "Authority "+authority.String()+" has been resolved to "+strings.Join(addrs, ", "))
		}
		return addrs, nil
	}

	lookupCtx := ctx
	var cancel context.CancelFunc
	if deadline > 0 {
		lookupCtx, cancel = context.WithTimeout(ctx, deadline)
		defer cancel()
	}

	start := time.Now()
	ipAddrs, err := r.net.LookupIPAddr(lookupCtx, authority.Host)
	if err != nil {
		if ctxErr := lookupCtx.Err(); ctxErr == context.DeadlineExceeded {
			return nil, errors.NewTimeoutError(errors.DNSTimeout)
		}
		return nil, errors.NewDNSError(authority.Host, err)
	}
	run.Phase("dns", time.Since(start))

	filtered := make([]string, 0, len(ipAddrs))
	for _, ip := range ipAddrs {
		is4 := ip.IP.To4() != nil
		switch r.family {
		case IPv4Only:
			if !is4 {
				continue
			}
		case IPv6Only:
			if is4 {
				continue
			}
		}
		filtered = append(filtered, ip.IP.String())
	}

	if len(filtered) == 0 {
		return nil, errors.NewDNSError(authority.Host, errors.NewValidationError("no addresses matched the configured IP family preference"))
	}

	if run != nil {
		run.Emit(trace.KindResolved, "Authority "+authority.String()+" has been resolved to "+strings.Join(filtered, ", "))
	}
	return filtered, nil
}
