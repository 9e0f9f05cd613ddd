package engine

import (
	"bytes"
	"context"
	"net"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/mardiros/cabot/pkg/request"
	"github.com/mardiros/cabot/pkg/resolver"
	"github.com/mardiros/cabot/pkg/trace"
	"github.com/mardiros/cabot/pkg/urlx"
)

// serveOnce accepts a single connection on ln and writes response verbatim
// once it has read a request terminated by the header block's blank line.
func serveOnce(t *testing.T, ln net.Listener, response string) {
	t.Helper()
	go func() {
		c, err := ln.Accept()
		if err != nil {
			return
		}
		defer c.Close()
		buf := make([]byte, 4096)
		total := 0
		for {
			n, err := c.Read(buf[total:])
			total += n
			if err != nil || bytes.Contains(buf[:total], []byte("\r\n\r\n")) {
				break
			}
		}
		c.Write([]byte(response))
	}()
}

func newLoopbackEngine(t *testing.T, ln net.Listener) (*Engine, urlx.URL) {
	t.Helper()
	host, portStr, _ := net.SplitHostPort(ln.Addr().String())
	port, _ := strconv.Atoi(portStr)

	res := resolver.New()
	res.AddAuthority("loopback.test", port, []string{host})

	eng := New(res, Config{
		UserAgent: "cabot-test/1.0",
		Timeouts:  Timeouts{Connect: 2 * time.Second, Read: 2 * time.Second},
	})
	u := urlx.URL{Scheme: urlx.HTTP, Host: "loopback.test", Port: port, PathAndQuery: "/"}
	return eng, u
}

func TestEngineRunFixedLengthBody(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	defer ln.Close()
	serveOnce(t, ln, "HTTP/1.1 200 OK\r\nContent-Length: 5\r\n\r\nhello")

	eng, u := newLoopbackEngine(t, ln)
	req := request.New(u)

	result, err := eng.Run(context.Background(), req, time.Time{}, trace.NewRun(nil))
	if err != nil {
		t.Fatalf("Run error: %v", err)
	}
	if result.Response.StatusCode != 200 {
		t.Errorf("StatusCode = %d, want 200", result.Response.StatusCode)
	}

	var body bytes.Buffer
	if err := result.Drain(&body); err != nil {
		t.Fatalf("Drain error: %v", err)
	}
	if body.String() != "hello" {
		t.Errorf("body = %q, want %q", body.String(), "hello")
	}
}

func TestEngineRunEmitsTrace(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	defer ln.Close()
	serveOnce(t, ln, "HTTP/1.1 204 No Content\r\n\r\n")

	eng, u := newLoopbackEngine(t, ln)
	req := request.New(u)

	var events []trace.Event
	run := trace.NewRun(trace.RecorderFunc(func(e trace.Event) { events = append(events, e) }))

	result, err := eng.Run(context.Background(), req, time.Time{}, run)
	if err != nil {
		t.Fatalf("Run error: %v", err)
	}
	if err := result.Drain(&bytes.Buffer{}); err != nil {
		t.Fatalf("Drain error: %v", err)
	}

	var kinds []trace.Kind
	for _, e := range events {
		kinds = append(kinds, e.Kind)
	}
	joined := func(ks []trace.Kind) string {
		var sb strings.Builder
		for _, k := range ks {
			sb.WriteString(string(k))
			sb.WriteByte(',')
		}
		return sb.String()
	}(kinds)

	for _, want := range []trace.Kind{trace.KindResolved, trace.KindRequestLine, trace.KindStatusLine} {
		if !strings.Contains(joined, string(want)) {
			t.Errorf("expected trace kind %v among %v", want, kinds)
		}
	}
}

// serveInPieces accepts one connection on ln and writes each of pieces
// with a short pause in between, so the client sees the response spread
// across several reads instead of landing in one syscall.
func serveInPieces(t *testing.T, ln net.Listener, pieces []string) {
	t.Helper()
	go func() {
		c, err := ln.Accept()
		if err != nil {
			return
		}
		defer c.Close()
		buf := make([]byte, 4096)
		total := 0
		for {
			n, err := c.Read(buf[total:])
			total += n
			if err != nil || bytes.Contains(buf[:total], []byte("\r\n\r\n")) {
				break
			}
		}
		for _, p := range pieces {
			c.Write([]byte(p))
			time.Sleep(5 * time.Millisecond)
		}
	}()
}

// TestEngineRunEmitsReadDeadlineOverrideOnce drives a real attempt whose
// response spans several header lines and several body reads, all under a
// read timeout longer than the request timeout, and checks the override
// trace fires exactly once for the whole attempt rather than once per
// read call.
func TestEngineRunEmitsReadDeadlineOverrideOnce(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	defer ln.Close()
	serveInPieces(t, ln, []string{
		"HTTP/1.1 200 OK\r\nX-A: 1\r\n",
		"X-B: 2\r\nTransfer-Encoding: chunked\r\n\r\n",
		"3\r\nfoo\r\n",
		"3\r\nbar\r\n",
		"0\r\n\r\n",
	})

	host, portStr, _ := net.SplitHostPort(ln.Addr().String())
	port, _ := strconv.Atoi(portStr)
	res := resolver.New()
	res.AddAuthority("loopback.test", port, []string{host})
	eng := New(res, Config{Timeouts: Timeouts{Connect: 2 * time.Second, Read: time.Hour}})
	u := urlx.URL{Scheme: urlx.HTTP, Host: "loopback.test", Port: port, PathAndQuery: "/"}

	var events []trace.Event
	run := trace.NewRun(trace.RecorderFunc(func(e trace.Event) { events = append(events, e) }))

	requestDeadline := time.Now().Add(time.Second)
	result, err := eng.Run(context.Background(), request.New(u), requestDeadline, run)
	if err != nil {
		t.Fatalf("Run error: %v", err)
	}
	var body bytes.Buffer
	if err := result.Drain(&body); err != nil {
		t.Fatalf("Drain error: %v", err)
	}
	if body.String() != "foobar" {
		t.Errorf("body = %q, want %q", body.String(), "foobar")
	}

	overrides := 0
	for _, e := range events {
		if e.Kind == trace.KindReadDeadlineOverridden {
			overrides++
		}
	}
	if overrides != 1 {
		t.Errorf("override events = %d, want exactly 1 (one per attempt, not one per read)", overrides)
	}
}

func TestEngineRunConnectErrorOnClosedPort(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	host, portStr, _ := net.SplitHostPort(ln.Addr().String())
	port, _ := strconv.Atoi(portStr)
	ln.Close()

	res := resolver.New()
	res.AddAuthority("loopback.test", port, []string{host})
	eng := New(res, Config{Timeouts: Timeouts{Connect: time.Second}})

	u := urlx.URL{Scheme: urlx.HTTP, Host: "loopback.test", Port: port, PathAndQuery: "/"}
	_, err = eng.Run(context.Background(), request.New(u), time.Time{}, trace.NewRun(nil))
	if err == nil {
		t.Fatal("expected a connect error")
	}
}
