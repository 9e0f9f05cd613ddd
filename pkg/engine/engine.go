// Package engine drives a single attempt that resolves, connects, sends,
// parses, and streams one request/response pair under a combined timeout
// budget, emitting trace events as it goes.
package engine

import (
	"context"
	"io"
	"strconv"
	"time"

	"github.com/mardiros/cabot/pkg/errors"
	"github.com/mardiros/cabot/pkg/request"
	"github.com/mardiros/cabot/pkg/resolver"
	"github.com/mardiros/cabot/pkg/response"
	"github.com/mardiros/cabot/pkg/trace"
	"github.com/mardiros/cabot/pkg/transport"
)

// Timeouts bundles the per-attempt clocks: DNS, connect and read. A zero
// duration means unlimited. The overall request deadline is not part of
// this struct — it is computed once by the caller orchestrating a
// (possibly multi-hop) chain and passed explicitly to every Run call.
type Timeouts struct {
	DNS     time.Duration
	Connect time.Duration
	Read    time.Duration
}

// Config bundles everything one engine attempt needs beyond the Request
// itself.
type Config struct {
	UserAgent     string
	Timeouts      Timeouts
	Family        resolver.Family
	MinTLSVersion uint16
	CustomCACerts [][]byte
	ClientCertPEM []byte
	ClientKeyPEM  []byte
}

// Engine runs attempts. One Engine may serve every hop of a redirect
// chain; each Run call opens its own transport and owns it exclusively
// for that attempt's duration.
type Engine struct {
	resolver *resolver.Resolver
	cfg      Config
}

// New returns an Engine backed by res, configured per cfg.
func New(res *resolver.Resolver, cfg Config) *Engine {
	return &Engine{resolver: res.WithFamily(cfg.Family), cfg: cfg}
}

// Result is a single attempt's outcome: the parsed status/headers, and a
// Drain function the caller must call to stream the body to a sink and
// release the connection.
type Result struct {
	Response *response.Response
	drain    func(sink io.Writer) error
	close    func() error
}

// Drain streams the body to sink and closes the connection, in that
// order: the Response borrows the transport until its body stream is
// drained. Safe to call with an io.Discard sink to skip the body without
// keeping the connection open past EOF/close/error.
func (r *Result) Drain(sink io.Writer) error {
	defer r.close()
	return r.drain(sink)
}

// Run executes one attempt of req, bounded by requestDeadline (the zero
// value means unbounded). requestDeadline is an absolute instant computed
// once by the caller, not re-derived here: a caller following a redirect
// chain passes the same deadline to every attempt so the chain shares one
// overall budget instead of restarting the clock on each hop.
func (e *Engine) Run(ctx context.Context, req *request.Request, requestDeadline time.Time, run *trace.Run) (*Result, error) {
	start := time.Now()
	if readDeadlineOverridden(e.cfg.Timeouts.Read, requestDeadline) {
		emitReadDeadlineOverride(run, requestDeadline)
	}

	readDeadlineFor := func() time.Time {
		return effectiveReadDeadline(e.cfg.Timeouts.Read, requestDeadline)
	}

	authority := req.URL.Authority()
	dnsDeadline := smallerDuration(e.cfg.Timeouts.DNS, remaining(requestDeadline))
	addrs, err := e.resolver.Resolve(ctx, authority, dnsDeadline, run)
	if err != nil {
		return nil, TimeoutAsError(err, requestDeadline)
	}

	connectDeadline := earliest(requestDeadline, deadlineFromNow(e.cfg.Timeouts.Connect))
	conn, err := transport.Dial(ctx, addrs, transport.Config{
		Host:          req.URL.Host,
		Port:          req.URL.Port,
		Scheme:        string(req.URL.Scheme),
		MinTLSVersion: e.cfg.MinTLSVersion,
		CustomCACerts: e.cfg.CustomCACerts,
		ClientCertPEM: e.cfg.ClientCertPEM,
		ClientKeyPEM:  e.cfg.ClientKeyPEM,
	}, connectDeadline, run)
	if err != nil {
		return nil, TimeoutAsError(err, requestDeadline)
	}

	wire, err := request.Encode(req, e.cfg.UserAgent)
	if err != nil {
		conn.Close()
		return nil, err
	}
	emitRequestTrace(run, req, wire)

	writeDeadline := earliest(requestDeadline, readDeadlineFor())
	if err := conn.WriteAll(wire, writeDeadline); err != nil {
		conn.Close()
		return nil, TimeoutAsError(err, requestDeadline)
	}

	parser := response.New(conn)
	resp, err := parser.ReadStatusAndHeaders(func() time.Time { return readDeadlineFor() })
	if err != nil {
		conn.Close()
		return nil, TimeoutAsError(err, requestDeadline)
	}
	run.Phase("ttfb", time.Since(start))
	emitResponseTrace(run, resp)

	method := req.Method
	result := &Result{
		Response: resp,
		drain: func(sink io.Writer) error {
			err := parser.StreamBody(resp, method, sink, func() time.Time { return readDeadlineFor() })
			run.Phase("total", time.Since(start))
			return TimeoutAsError(err, requestDeadline)
		},
		close: conn.Close,
	}
	return result, nil
}

// effectiveReadDeadline computes min(now+readTimeout, requestDeadline).
// Pure: callers wanting the one-time override trace call
// readDeadlineOverridden/emitReadDeadlineOverride separately, once per
// attempt, not on every read.
func effectiveReadDeadline(readTimeout time.Duration, requestDeadline time.Time) time.Time {
	var readDeadline time.Time
	if readTimeout > 0 {
		readDeadline = time.Now().Add(readTimeout)
	}
	if requestDeadline.IsZero() {
		return readDeadline
	}
	if readDeadline.IsZero() || requestDeadline.Before(readDeadline) {
		return requestDeadline
	}
	return readDeadline
}

// readDeadlineOverridden reports whether requestDeadline is the binding
// clock for this attempt even though a finite read timeout was also
// configured.
func readDeadlineOverridden(readTimeout time.Duration, requestDeadline time.Time) bool {
	if readTimeout <= 0 || requestDeadline.IsZero() {
		return false
	}
	return requestDeadline.Before(time.Now().Add(readTimeout))
}

func emitReadDeadlineOverride(run *trace.Run, requestDeadline time.Time) {
	ms := time.Until(requestDeadline).Milliseconds()
	run.Emit(trace.KindReadDeadlineOverridden,
		"Read timeout is greater than request timeout, overridden ("+strconv.FormatInt(ms, 10)+"ms)")
}

func deadlineFromNow(d time.Duration) time.Time {
	if d <= 0 {
		return time.Time{}
	}
	return time.Now().Add(d)
}

func earliest(a, b time.Time) time.Time {
	if a.IsZero() {
		return b
	}
	if b.IsZero() {
		return a
	}
	if a.Before(b) {
		return a
	}
	return b
}

func remaining(deadline time.Time) time.Duration {
	if deadline.IsZero() {
		return 0
	}
	return time.Until(deadline)
}

func smallerDuration(d time.Duration, bound time.Duration) time.Duration {
	if d <= 0 {
		return bound
	}
	if bound <= 0 {
		return d
	}
	if d < bound {
		return d
	}
	return bound
}

func emitRequestTrace(run *trace.Run, req *request.Request, wire []byte) {
	if run == nil {
		return
	}
	method := req.Method
	if method == "" {
		method = "GET"
	}
	run.Emit(trace.KindRequestLine, method+" "+req.URL.RequestTarget()+" HTTP/1.1")
	for _, f := range req.Headers.Lines() {
		run.Emit(trace.KindRequestHeader, f.Name+": "+f.Value)
	}
	run.Emit(trace.KindRequestHeadersDone, "")
}

func emitResponseTrace(run *trace.Run, resp *response.Response) {
	if run == nil {
		return
	}
	run.Emit(trace.KindStatusLine, resp.Proto+" "+strconv.Itoa(resp.StatusCode)+" "+resp.Reason)
	for _, f := range resp.Headers.Lines() {
		run.Emit(trace.KindResponseHeader, f.Name+": "+f.Value)
	}
}

// TimeoutAsError reclassifies an engine-internal timeout, tagging it as
// RequestTimeout when the request budget (not a finer-grained clock) is
// what actually expired.
func TimeoutAsError(err error, requestDeadline time.Time) error {
	if errors.GetKind(err) != errors.KindTimeout {
		return err
	}
	if !requestDeadline.IsZero() && !time.Now().Before(requestDeadline) {
		return errors.NewTimeoutError(errors.RequestTimeout)
	}
	return err
}
