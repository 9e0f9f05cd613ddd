// Package request models an HTTP request and encodes it to wire bytes:
// request line, headers, and an optional body, produced as a single
// byte buffer. Writing that buffer to the connection is left to the
// caller.
package request

import (
	"strconv"
	"strings"

	"github.com/mardiros/cabot/pkg/errors"
	"github.com/mardiros/cabot/pkg/header"
	"github.com/mardiros/cabot/pkg/urlx"
	"golang.org/x/net/http/httpguts"
)

// Request is one HTTP/1.1 request: method, target URL, headers and an
// optional body.
type Request struct {
	Method  string
	URL     urlx.URL
	Headers *header.List
	Body    []byte
}

// New returns a GET request to u with an empty header list.
func New(u urlx.URL) *Request {
	return &Request{Method: "GET", URL: u, Headers: header.New()}
}

// applyDefaults injects Host/User-Agent/Connection/Content-Length when
// absent.
func (r *Request) applyDefaults(userAgent string) {
	if !r.Headers.Has("Host") {
		r.Headers.Set("Host", r.URL.HostHeader())
	}
	if !r.Headers.Has("User-Agent") {
		r.Headers.Set("User-Agent", userAgent)
	}
	if !r.Headers.Has("Connection") {
		r.Headers.Set("Connection", "close")
	}
	if len(r.Body) > 0 && !r.Headers.Has("Content-Length") {
		r.Headers.Set("Content-Length", strconv.Itoa(len(r.Body)))
	}
}

// Encode serializes r to wire bytes: the request line, each header as
// "Name: Value\r\n" in submission order, a terminating blank line, and
// the body if present. Header values containing embedded CR/LF are
// rejected as InvalidHeader.
func Encode(r *Request, userAgent string) ([]byte, error) {
	method := r.Method
	if method == "" {
		method = "GET"
	}
	r.Method = strings.ToUpper(method)
	r.applyDefaults(userAgent)

	var b strings.Builder
	b.WriteString(r.Method)
	b.WriteByte(' ')
	b.WriteString(r.URL.RequestTarget())
	b.WriteString(" HTTP/1.1\r\n")

	for _, f := range r.Headers.Lines() {
		if !httpguts.ValidHeaderFieldValue(f.Value) {
			return nil, errors.NewInvalidHeader("header " + f.Name + " has an invalid value")
		}
		b.WriteString(f.Name)
		b.WriteString(": ")
		b.WriteString(f.Value)
		b.WriteString("\r\n")
	}
	b.WriteString("\r\n")

	out := make([]byte, 0, b.Len()+len(r.Body))
	out = append(out, b.String()...)
	out = append(out, r.Body...)
	return out, nil
}
