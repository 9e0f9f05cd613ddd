// Package transport implements a single TCP connection, optionally
// upgraded to TLS with SNI keyed on the original hostname, exposing a
// deadline-aware read/write byte interface. No pooling, no proxy dialing:
// every attempt opens and closes its own connection.
package transport

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"io"
	"net"
	"strconv"
	"time"

	"github.com/mardiros/cabot/pkg/errors"
	"github.com/mardiros/cabot/pkg/tlsconfig"
	"github.com/mardiros/cabot/pkg/trace"
	"golang.org/x/crypto/x509roots/fallback"
)

// Config configures a single connection attempt.
type Config struct {
	Host   string
	Port   int
	Scheme string // "http" or "https"

	// MinTLSVersion floors the negotiated TLS version. Zero selects
	// tlsconfig.ProfileSecure (TLS 1.2+).
	MinTLSVersion uint16

	// CustomCACerts are additional PEM-encoded root CAs trusted in
	// addition to the platform/bundled store.
	CustomCACerts [][]byte

	// ClientCertPEM/ClientKeyPEM configure a client certificate for
	// mutual TLS.
	ClientCertPEM []byte
	ClientKeyPEM  []byte
}

// Conn is cabot's uniform read/write byte interface over the connection.
// Every Read is bounded by an explicit, recomputed deadline.
type Conn struct {
	net.Conn
}

// Read reads into buf, honoring deadline. deadline.IsZero() means no
// bound. Returns (0, nil) only on orderly EOF.
func (c *Conn) Read(buf []byte, deadline time.Time) (int, error) {
	if err := c.Conn.SetReadDeadline(deadline); err != nil {
		return 0, errors.NewIOError("set read deadline", err)
	}
	n, err := c.Conn.Read(buf)
	if err != nil {
		if n > 0 {
			// Partial read alongside an error (e.g. EOF) — hand the
			// bytes to the caller, the framer decides what EOF means.
			return n, nil
		}
		if err == io.EOF {
			return 0, nil
		}
		if ne, ok := err.(net.Error); ok && ne.Timeout() {
			return 0, errors.NewTimeoutError(errors.ReadTimeout)
		}
		return 0, errors.NewIOError("read", err)
	}
	return n, nil
}

// WriteAll writes every byte of p, looping over partial writes, bounded
// by deadline.
func (c *Conn) WriteAll(p []byte, deadline time.Time) error {
	if err := c.Conn.SetWriteDeadline(deadline); err != nil {
		return errors.NewIOError("set write deadline", err)
	}
	written := 0
	for written < len(p) {
		n, err := c.Conn.Write(p[written:])
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				return errors.NewTimeoutError(errors.ReadTimeout)
			}
			return errors.NewIOError("write", err)
		}
		written += n
	}
	return nil
}

// Dial opens a TCP connection to the first of addrs that accepts within
// deadline, optionally upgrading to TLS for scheme "https" with SNI set
// to host (never the resolved IP). One attempt per address, no pooling,
// no proxy hop.
func Dial(ctx context.Context, addrs []string, cfg Config, deadline time.Time, run *trace.Run) (*Conn, error) {
	if len(addrs) == 0 {
		return nil, errors.NewConnectError(cfg.Host, cfg.Port, errors.NewValidationError("no addresses to dial"))
	}

	var lastErr error
	var raw net.Conn
	dialer := &net.Dialer{}
	for _, addr := range addrs {
		dialCtx := ctx
		if !deadline.IsZero() {
			var cancel context.CancelFunc
			dialCtx, cancel = context.WithDeadline(ctx, deadline)
			defer cancel()
		}
		target := net.JoinHostPort(addr, strconv.Itoa(cfg.Port))
		start := time.Now()
		conn, err := dialer.DialContext(dialCtx, "tcp", target)
		if err != nil {
			lastErr = err
			continue
		}
		run.Phase("tcp_connect", time.Since(start))
		raw = conn
		break
	}

	if raw == nil {
		if dctx := ctx.Err(); dctx == context.DeadlineExceeded {
			return nil, errors.NewTimeoutError(errors.ConnectTimeout)
		}
		return nil, errors.NewConnectError(cfg.Host, cfg.Port, lastErr)
	}

	if cfg.Scheme != "https" {
		return &Conn{Conn: raw}, nil
	}

	tlsStart := time.Now()
	tlsConn, err := upgradeTLS(ctx, raw, cfg, deadline)
	if err != nil {
		raw.Close()
		return nil, errors.NewTLSError(cfg.Host, cfg.Port, err)
	}
	run.Phase("tls_handshake", time.Since(tlsStart))

	return &Conn{Conn: tlsConn}, nil
}

func upgradeTLS(ctx context.Context, conn net.Conn, cfg Config, deadline time.Time) (net.Conn, error) {
	handshakeCtx := ctx
	if !deadline.IsZero() {
		var cancel context.CancelFunc
		handshakeCtx, cancel = context.WithDeadline(ctx, deadline)
		defer cancel()
	}

	tlsConfig := &tls.Config{
		ServerName: cfg.Host, // SNI: the original hostname, never the resolved IP
		NextProtos: []string{"http/1.1"},
	}
	profile := tlsconfig.ProfileSecure
	if cfg.MinTLSVersion != 0 {
		profile.Min = cfg.MinTLSVersion
	}
	tlsconfig.ApplyVersionProfile(tlsConfig, profile)
	tlsConfig.CipherSuites = tlsconfig.CipherSuitesSecure

	roots, err := rootPool(cfg.CustomCACerts)
	if err != nil {
		return nil, err
	}
	tlsConfig.RootCAs = roots

	if len(cfg.ClientCertPEM) > 0 {
		cert, err := tls.X509KeyPair(cfg.ClientCertPEM, cfg.ClientKeyPEM)
		if err != nil {
			return nil, err
		}
		tlsConfig.Certificates = []tls.Certificate{cert}
	}

	tlsConn := tls.Client(conn, tlsConfig)
	if err := tlsConn.HandshakeContext(handshakeCtx); err != nil {
		return nil, err
	}
	return tlsConn, nil
}

// rootPool builds the trust store: the platform's store when available,
// falling back to the bundled golang.org/x/crypto/x509roots set, plus any
// custom CAs.
func rootPool(customCACerts [][]byte) (*x509.CertPool, error) {
	pool, err := x509.SystemCertPool()
	if err != nil || pool == nil {
		pool = fallback.Roots.Clone()
	}
	for i, pem := range customCACerts {
		if ok := pool.AppendCertsFromPEM(pem); !ok {
			return nil, errors.NewValidationError("failed to parse custom CA certificate at index " + strconv.Itoa(i))
		}
	}
	return pool, nil
}
