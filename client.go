// Package cabot is a minimal, dependency-light HTTP/1.1 client library:
// one TCP/TLS connection per request, explicit three-clock timeouts, true
// streaming response bodies, and classified trace events instead of log
// lines.
//
// Client is a builder-configured facade wrapping the redirect driver, the
// request engine, the transport and the resolver into one entry point.
package cabot

import (
	"context"
	"io"
	"time"

	"github.com/mardiros/cabot/pkg/engine"
	"github.com/mardiros/cabot/pkg/errors"
	"github.com/mardiros/cabot/pkg/header"
	"github.com/mardiros/cabot/pkg/redirect"
	"github.com/mardiros/cabot/pkg/request"
	"github.com/mardiros/cabot/pkg/resolver"
	"github.com/mardiros/cabot/pkg/trace"
	"github.com/mardiros/cabot/pkg/urlx"
)

const (
	defaultMaxRedirects = 16
	defaultUserAgent    = "cabot/1.0"
)

// ClientConfig configures a Client. Zero value is a usable default: no
// timeouts, IPv4/IPv6 either, 16 redirects, TLS verification always on.
type ClientConfig struct {
	UserAgent string

	DNSTimeout     time.Duration
	ConnectTimeout time.Duration
	ReadTimeout    time.Duration
	RequestTimeout time.Duration

	Family       resolver.Family
	MaxRedirects int

	// Resolve registers static Authority overrides, equivalent to curl's
	// --resolve (host:port -> addrs), bypassing DNS entirely for matches.
	Resolve map[urlx.Authority][]string

	MinTLSVersion uint16
	CustomCACerts [][]byte
	ClientCertPEM []byte
	ClientKeyPEM  []byte

	// FailOnHTTPError opts into an HttpError on a terminal 4xx/5xx
	// response. Off by default: the response is returned to the caller
	// as-is.
	FailOnHTTPError bool
}

// Client runs requests per its ClientConfig. A Client is safe for
// concurrent use; each Run call is an independent attempt chain with no
// shared mutable state beyond the resolver's override map.
type Client struct {
	cfg      ClientConfig
	resolver *resolver.Resolver
}

// New returns a Client configured by cfg, applying cabot's defaults for
// any zero-valued field that needs one.
func New(cfg ClientConfig) *Client {
	if cfg.UserAgent == "" {
		cfg.UserAgent = defaultUserAgent
	}
	if cfg.MaxRedirects == 0 {
		cfg.MaxRedirects = defaultMaxRedirects
	}

	res := resolver.New()
	for authority, addrs := range cfg.Resolve {
		res.AddAuthority(authority.Host, authority.Port, addrs)
	}

	return &Client{cfg: cfg, resolver: res}
}

// Response is the terminal response of a Run call: the parsed status and
// headers, plus a Drain method the caller must call to stream the body.
type Response struct {
	StatusCode int
	Reason     string
	Proto      string
	Headers    *header.List
	URL        urlx.URL
	drain      func(sink io.Writer) error
}

// Drain streams the response body to sink, releasing the connection it
// was read from.
func (r *Response) Drain(sink io.Writer) error {
	return r.drain(sink)
}

// Run sends req and follows any redirect chain to completion, or until
// the configured redirect cap is exceeded. recorder, if non-nil, receives
// every trace event emitted across every attempt in the chain, all
// sharing one trace.Run correlation id.
func (c *Client) Run(ctx context.Context, req *request.Request, recorder trace.Recorder) (*Response, error) {
	eng := engine.New(c.resolver, engine.Config{
		UserAgent: c.cfg.UserAgent,
		Timeouts: engine.Timeouts{
			DNS:     c.cfg.DNSTimeout,
			Connect: c.cfg.ConnectTimeout,
			Read:    c.cfg.ReadTimeout,
		},
		Family:        c.cfg.Family,
		MinTLSVersion: c.cfg.MinTLSVersion,
		CustomCACerts: c.cfg.CustomCACerts,
		ClientCertPEM: c.cfg.ClientCertPEM,
		ClientKeyPEM:  c.cfg.ClientKeyPEM,
	})

	run := trace.NewRun(recorder)
	outcome, err := redirect.Run(ctx, eng, req, c.cfg.MaxRedirects, c.cfg.RequestTimeout, run)
	if err != nil {
		return nil, err
	}

	resp := outcome.Result.Response
	if c.cfg.FailOnHTTPError && resp.StatusCode >= 400 {
		_ = outcome.Result.Drain(io.Discard)
		return nil, errors.NewHTTPError(resp.StatusCode)
	}

	return &Response{
		StatusCode: resp.StatusCode,
		Reason:     resp.Reason,
		Proto:      resp.Proto,
		Headers:    resp.Headers,
		URL:        outcome.FinalURL,
		drain:      outcome.Result.Drain,
	}, nil
}
