// Package tlsconfig provides helpers for the minimum TLS version floor
// and cipher suite selection the transport applies. cabot never
// negotiates below TLS 1.2.
package tlsconfig

import "crypto/tls"

// SSL/TLS protocol version identifiers, re-exported for ClientConfig
// callers who would otherwise need to import crypto/tls directly.
const (
	VersionTLS12 uint16 = tls.VersionTLS12
	VersionTLS13 uint16 = tls.VersionTLS13
)

// VersionProfile names a pre-configured min/max version range.
type VersionProfile struct {
	Min         uint16
	Max         uint16
	Description string
}

var (
	// ProfileModern restricts the handshake to TLS 1.3 only.
	ProfileModern = VersionProfile{
		Min:         VersionTLS13,
		Max:         VersionTLS13,
		Description: "TLS 1.3 only - maximum security, modern servers only",
	}

	// ProfileSecure is cabot's default: TLS 1.2 and 1.3.
	ProfileSecure = VersionProfile{
		Min:         VersionTLS12,
		Max:         VersionTLS13,
		Description: "TLS 1.2+ - secure and widely compatible",
	}
)

// GetVersionName returns the human-readable name for a TLS version
// constant.
func GetVersionName(version uint16) string {
	switch version {
	case tls.VersionTLS12:
		return "TLS 1.2"
	case tls.VersionTLS13:
		return "TLS 1.3"
	default:
		return "Unknown"
	}
}

// CipherSuitesSecure are ECDHE/AEAD suites for TLS 1.2; TLS 1.3's own
// cipher suites are negotiated automatically by crypto/tls and are never
// set explicitly.
var CipherSuitesSecure = []uint16{
	tls.TLS_ECDHE_RSA_WITH_AES_128_GCM_SHA256,
	tls.TLS_ECDHE_RSA_WITH_AES_256_GCM_SHA384,
	tls.TLS_ECDHE_ECDSA_WITH_AES_128_GCM_SHA256,
	tls.TLS_ECDHE_ECDSA_WITH_AES_256_GCM_SHA384,
	tls.TLS_ECDHE_RSA_WITH_CHACHA20_POLY1305_SHA256,
	tls.TLS_ECDHE_ECDSA_WITH_CHACHA20_POLY1305_SHA256,
}

// ApplyVersionProfile sets config's min/max version from profile.
func ApplyVersionProfile(config *tls.Config, profile VersionProfile) {
	config.MinVersion = profile.Min
	config.MaxVersion = profile.Max
}
