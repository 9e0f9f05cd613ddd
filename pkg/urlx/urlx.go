// Package urlx parses the absolute HTTP URLs cabot accepts, without the
// percent-encoding normalization net/url applies — the wire path+query
// must survive a parse/render round trip byte for byte.
package urlx

import (
	"strconv"
	"strings"

	"github.com/mardiros/cabot/pkg/errors"
	"golang.org/x/net/idna"
)

// Scheme is one of the two schemes cabot understands.
type Scheme string

const (
	HTTP  Scheme = "http"
	HTTPS Scheme = "https"
)

func (s Scheme) defaultPort() int {
	if s == HTTPS {
		return 443
	}
	return 80
}

// URL is an absolute HTTP URL: scheme, host, an always-explicit port, and
// a verbatim path-and-query.
type URL struct {
	Scheme       Scheme
	Host         string // DNS name or IP literal, never bracketed
	Port         int
	PathAndQuery string
}

// Authority is the (host, port) pair used as a resolver override key and
// as the default Host header value.
type Authority struct {
	Host string
	Port int
}

// String renders "host:port".
func (a Authority) String() string {
	return a.Host + ":" + strconv.Itoa(a.Port)
}

// Authority returns the URL's resolver/Host-header key.
func (u URL) Authority() Authority {
	return Authority{Host: u.Host, Port: u.Port}
}

// HostHeader returns the default Host header value: bare host, or
// "host:port" when the port is non-default for the scheme.
func (u URL) HostHeader() string {
	if u.Port == u.Scheme.defaultPort() {
		return hostForHeader(u.Host)
	}
	return hostForHeader(u.Host) + ":" + strconv.Itoa(u.Port)
}

func hostForHeader(host string) string {
	if strings.Contains(host, ":") { // IPv6 literal
		return "[" + host + "]"
	}
	return host
}

// RequestTarget returns the path+query used as the request-target of the
// request line, defaulting to "/".
func (u URL) RequestTarget() string {
	if u.PathAndQuery == "" {
		return "/"
	}
	return u.PathAndQuery
}

// String renders the URL back to its wire form (scheme://host[:port]path).
func (u URL) String() string {
	var b strings.Builder
	b.WriteString(string(u.Scheme))
	b.WriteString("://")
	b.WriteString(hostForHeader(u.Host))
	if u.Port != u.Scheme.defaultPort() {
		b.WriteByte(':')
		b.WriteString(strconv.Itoa(u.Port))
	}
	b.WriteString(u.RequestTarget())
	return b.String()
}

// Parse parses an absolute "scheme://host[:port][path[?query]]" URL.
// The scheme must be http or https, the host must be non-empty, and the
// port (if present) must be a decimal integer in [1, 65535].
func Parse(raw string) (URL, error) {
	schemeSep := strings.Index(raw, "://")
	if schemeSep < 0 {
		return URL{}, errors.NewInvalidURL("missing scheme", nil)
	}
	scheme := strings.ToLower(raw[:schemeSep])
	rest := raw[schemeSep+3:]

	var s Scheme
	switch scheme {
	case "http":
		s = HTTP
	case "https":
		s = HTTPS
	default:
		return URL{}, errors.NewInvalidURL("scheme must be http or https, got "+scheme, nil)
	}

	authorityEnd := strings.IndexAny(rest, "/?")
	var authority, pathAndQuery string
	if authorityEnd < 0 {
		authority = rest
	} else {
		authority = rest[:authorityEnd]
		pathAndQuery = rest[authorityEnd:]
	}
	if authority == "" {
		return URL{}, errors.NewInvalidURL("empty host", nil)
	}

	host, portStr, hasPort := splitAuthority(authority)
	if host == "" {
		return URL{}, errors.NewInvalidURL("empty host", nil)
	}

	normalizedHost, err := normalizeHost(host)
	if err != nil {
		return URL{}, errors.NewInvalidURL("invalid host "+host, err)
	}

	port := s.defaultPort()
	if hasPort {
		p, err := strconv.Atoi(portStr)
		if err != nil || p < 1 || p > 65535 {
			return URL{}, errors.NewInvalidURL("port must be a decimal integer in [1, 65535], got "+portStr, nil)
		}
		port = p
	}

	return URL{Scheme: s, Host: normalizedHost, Port: port, PathAndQuery: pathAndQuery}, nil
}

// splitAuthority splits "host:port" or "[ipv6]:port" into host and port.
func splitAuthority(authority string) (host, port string, hasPort bool) {
	if strings.HasPrefix(authority, "[") {
		end := strings.IndexByte(authority, ']')
		if end < 0 {
			return authority, "", false
		}
		host = authority[1:end]
		remainder := authority[end+1:]
		if strings.HasPrefix(remainder, ":") {
			return host, remainder[1:], true
		}
		return host, "", false
	}

	idx := strings.LastIndexByte(authority, ':')
	if idx < 0 {
		return authority, "", false
	}
	// Bare IPv6 literal without brackets and without a port looks like
	// "::1" — more than one colon and no brackets means "no port".
	if strings.Count(authority, ":") > 1 {
		return authority, "", false
	}
	return authority[:idx], authority[idx+1:], true
}

// normalizeHost lowercases DNS names and converts non-ASCII labels to
// their A-label (punycode) form so the resolver and SNI both see the
// wire-safe ASCII hostname. IP literals pass through untouched.
func normalizeHost(host string) (string, error) {
	if isIPLiteral(host) {
		return host, nil
	}
	ascii, err := idna.Lookup.ToASCII(strings.ToLower(host))
	if err != nil {
		// Not every accepted hostname is valid under strict IDNA lookup
		// (e.g. single-label local names); fall back to a lowercase copy
		// rather than rejecting otherwise well-formed requests.
		return strings.ToLower(host), nil
	}
	return ascii, nil
}

func isIPLiteral(host string) bool {
	if strings.Contains(host, ":") {
		return true // IPv6
	}
	for _, r := range host {
		if (r < '0' || r > '9') && r != '.' {
			return false
		}
	}
	return host != ""
}
