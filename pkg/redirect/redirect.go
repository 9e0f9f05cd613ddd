// Package redirect loops the request engine across 3xx responses up to a
// configured cap, rewriting the request's method and body per response
// status as it follows each Location.
package redirect

import (
	"context"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/mardiros/cabot/pkg/engine"
	"github.com/mardiros/cabot/pkg/errors"
	"github.com/mardiros/cabot/pkg/request"
	"github.com/mardiros/cabot/pkg/trace"
	"github.com/mardiros/cabot/pkg/urlx"
)

// hopByHop headers are dropped when a request is rebuilt for a redirect
// target, since they describe the previous hop's connection, not the
// next one.
var hopByHop = []string{"Connection", "Content-Length", "Host"}

// Outcome is the terminal (non-redirected) engine result plus the final
// request URL it was obtained from.
type Outcome struct {
	Result   *engine.Result
	FinalURL urlx.URL
	Attempts int
}

// Run loops eng across 3xx responses starting from req, up to maxRedirects
// additional attempts after the first. requestTimeout, if positive, bounds
// the whole chain: the absolute deadline is computed once, here, and
// passed unchanged to every attempt, so following redirects never resets
// the clock. Returns RedirectError{attempted} once the cap would be
// exceeded: exactly cap+1 requests are issued before the error surfaces.
func Run(ctx context.Context, eng *engine.Engine, req *request.Request, maxRedirects int, requestTimeout time.Duration, run *trace.Run) (*Outcome, error) {
	var requestDeadline time.Time
	if requestTimeout > 0 {
		requestDeadline = time.Now().Add(requestTimeout)
	}

	current := req
	for attempt := 0; ; attempt++ {
		if attempt > maxRedirects {
			run.Emit(trace.KindMaxRedirects, "Maximum redirects followed ("+strconv.Itoa(maxRedirects)+")")
			return nil, errors.NewRedirectError(maxRedirects)
		}

		result, err := eng.Run(ctx, current, requestDeadline, run)
		if err != nil {
			return nil, err
		}

		if !isRedirect(result.Response.StatusCode) {
			return &Outcome{Result: result, FinalURL: current.URL, Attempts: attempt + 1}, nil
		}

		location, ok := result.Response.Headers.Get("Location")
		if !ok {
			return &Outcome{Result: result, FinalURL: current.URL, Attempts: attempt + 1}, nil
		}

		// The body of a redirect response is not meaningful to the
		// caller; drain and discard it before reusing the connection
		// slot for the next attempt. The connection itself is always
		// closed once its body is drained.
		_ = result.Drain(io.Discard)

		nextURL, err := resolveLocation(current.URL, location)
		if err != nil {
			return nil, err
		}

		current = rebuild(current, nextURL, result.Response.StatusCode)
	}
}

func isRedirect(status int) bool {
	switch status {
	case 301, 302, 303, 307, 308:
		return true
	}
	return false
}

// resolveLocation resolves Location against base if it is relative.
func resolveLocation(base urlx.URL, location string) (urlx.URL, error) {
	if u, err := urlx.Parse(location); err == nil {
		return u, nil
	}
	// Relative reference: same scheme/host/port, new path+query.
	next := base
	if location == "" {
		next.PathAndQuery = "/"
	} else if location[0] == '/' {
		next.PathAndQuery = location
	} else {
		dir := base.PathAndQuery
		if idx := lastSlash(dir); idx >= 0 {
			dir = dir[:idx+1]
		} else {
			dir = "/"
		}
		next.PathAndQuery = dir + location
	}
	return next, nil
}

func lastSlash(s string) int {
	for i := len(s) - 1; i >= 0; i-- {
		if s[i] == '/' {
			return i
		}
	}
	return -1
}

// rebuild derives the next request per the redirect method-mutation
// policy: 303 and 301/302 switch to GET and drop the body (curl-parity);
// 307/308 preserve method and body. Hop-by-hop headers are dropped; user
// headers and User-Agent survive.
func rebuild(prev *request.Request, next urlx.URL, status int) *request.Request {
	req := request.New(next)
	req.Method = prev.Method

	switch status {
	case 301, 302, 303:
		req.Method = "GET"
	case 307, 308:
		req.Body = prev.Body
	}

	for _, f := range prev.Headers.Lines() {
		if isHopByHop(f.Name) {
			continue
		}
		req.Headers.Add(f.Name, f.Value)
	}
	return req
}

func isHopByHop(name string) bool {
	for _, h := range hopByHop {
		if strings.EqualFold(name, h) {
			return true
		}
	}
	return false
}
