package request

import (
	"strings"
	"testing"

	"github.com/mardiros/cabot/pkg/urlx"
)

func mustParse(t *testing.T, raw string) urlx.URL {
	t.Helper()
	u, err := urlx.Parse(raw)
	if err != nil {
		t.Fatalf("urlx.Parse(%q): %v", raw, err)
	}
	return u
}

func TestEncodeAppliesDefaults(t *testing.T) {
	req := New(mustParse(t, "http://example.com/path?q=1"))
	wire, err := Encode(req, "cabot/1.0")
	if err != nil {
		t.Fatalf("Encode error: %v", err)
	}
	lines := strings.Split(string(wire), "\r\n")

	if lines[0] != "GET /path?q=1 HTTP/1.1" {
		t.Errorf("request line = %q", lines[0])
	}
	joined := strings.Join(lines, "\n")
	for _, want := range []string{"Host: example.com", "User-Agent: cabot/1.0", "Connection: close"} {
		if !strings.Contains(joined, want) {
			t.Errorf("expected default header %q in:\n%s", want, joined)
		}
	}
}

func TestEncodeSetsContentLengthForBody(t *testing.T) {
	req := New(mustParse(t, "http://example.com/"))
	req.Method = "POST"
	req.Body = []byte("hello")

	wire, err := Encode(req, "cabot/1.0")
	if err != nil {
		t.Fatalf("Encode error: %v", err)
	}
	if !strings.Contains(string(wire), "Content-Length: 5") {
		t.Errorf("expected Content-Length: 5 in:\n%s", wire)
	}
	if !strings.HasSuffix(string(wire), "hello") {
		t.Errorf("expected body appended verbatim, got:\n%s", wire)
	}
}

func TestEncodeRejectsInvalidHeaderValue(t *testing.T) {
	req := New(mustParse(t, "http://example.com/"))
	req.Headers.Add("X-Bad", "line1\r\nline2")

	if _, err := Encode(req, "cabot/1.0"); err == nil {
		t.Error("expected an error for a header value with embedded CRLF")
	}
}

func TestEncodeUppercasesMethod(t *testing.T) {
	req := New(mustParse(t, "http://example.com/"))
	req.Method = "post"

	wire, err := Encode(req, "cabot/1.0")
	if err != nil {
		t.Fatalf("Encode error: %v", err)
	}
	if !strings.HasPrefix(string(wire), "POST ") {
		t.Errorf("expected method to be uppercased, got:\n%s", wire)
	}
}

func TestEncodeLeavesExplicitHostUntouched(t *testing.T) {
	req := New(mustParse(t, "http://example.com/"))
	req.Headers.Set("Host", "override.example")

	wire, err := Encode(req, "cabot/1.0")
	if err != nil {
		t.Fatalf("Encode error: %v", err)
	}
	if !strings.Contains(string(wire), "Host: override.example") {
		t.Errorf("expected caller-supplied Host to survive, got:\n%s", wire)
	}
}
