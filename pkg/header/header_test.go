package header

import (
	"reflect"
	"testing"
)

func TestAddIsCaseInsensitiveOnLookup(t *testing.T) {
	l := New()
	l.Add("Content-Type", "text/plain")
	l.Add("content-type", "text/html")

	if !l.Has("CONTENT-TYPE") {
		t.Error("expected Has to fold case")
	}
	if got := l.Values("Content-Type"); !reflect.DeepEqual(got, []string{"text/plain", "text/html"}) {
		t.Errorf("Values = %v", got)
	}
}

func TestSetReplacesAllValues(t *testing.T) {
	l := New()
	l.Add("X-Test", "a")
	l.Add("X-Test", "b")
	l.Set("X-Test", "c")

	if got := l.Values("X-Test"); !reflect.DeepEqual(got, []string{"c"}) {
		t.Errorf("Values after Set = %v, want [c]", got)
	}
}

func TestDelRemovesAllValues(t *testing.T) {
	l := New()
	l.Add("X-Test", "a")
	l.Add("X-Test", "b")
	l.Del("x-test")

	if l.Has("X-Test") {
		t.Error("expected Has to be false after Del")
	}
}

func TestLinesPreservesSubmissionOrderAndCasing(t *testing.T) {
	l := New()
	l.Add("Host", "example.com")
	l.Add("X-A", "1")
	l.Add("x-b", "2")

	lines := l.Lines()
	want := []struct{ Name, Value string }{
		{"Host", "example.com"},
		{"X-A", "1"},
		{"x-b", "2"},
	}
	if !reflect.DeepEqual(lines, want) {
		t.Errorf("Lines() = %+v, want %+v", lines, want)
	}
}

func TestJoined(t *testing.T) {
	l := New()
	l.Add("Accept", "text/html")
	l.Add("Accept", "application/json")

	joined, ok := l.Joined("Accept")
	if !ok || joined != "text/html, application/json" {
		t.Errorf("Joined = %q, %v", joined, ok)
	}

	if _, ok := l.Joined("Missing"); ok {
		t.Error("expected ok=false for a missing header")
	}
}

func TestGetReturnsFirstValue(t *testing.T) {
	l := New()
	l.Add("X-Multi", "first")
	l.Add("X-Multi", "second")

	v, ok := l.Get("X-Multi")
	if !ok || v != "first" {
		t.Errorf("Get = %q, %v, want %q, true", v, ok, "first")
	}
}
