// Package header implements the case-insensitive, order-preserving,
// multi-value header list cabot uses on both the request and response
// side: lookups fold case, but the wire and submission order of distinct
// values is preserved.
package header

import (
	"net/textproto"
	"strings"
)

// field is one name/value pair in submission order. Name retains the
// casing it was supplied with; Key is its canonical lookup form.
type field struct {
	Name  string
	Key   string
	Value string
}

// List is an ordered, case-insensitive multi-value header collection.
type List struct {
	fields []field
}

// New returns an empty header list.
func New() *List {
	return &List{}
}

// Add appends a value for name, preserving submission order. Multiple
// Add calls for the same name (case-insensitively) keep every value.
func (l *List) Add(name, value string) {
	l.fields = append(l.fields, field{Name: name, Key: canonical(name), Value: value})
}

// Set replaces all existing values for name with a single value.
func (l *List) Set(name, value string) {
	l.Del(name)
	l.Add(name, value)
}

// Del removes every value for name.
func (l *List) Del(name string) {
	key := canonical(name)
	kept := l.fields[:0]
	for _, f := range l.fields {
		if f.Key != key {
			kept = append(kept, f)
		}
	}
	l.fields = kept
}

// Has reports whether name has at least one value.
func (l *List) Has(name string) bool {
	key := canonical(name)
	for _, f := range l.fields {
		if f.Key == key {
			return true
		}
	}
	return false
}

// Get returns the first value for name, and whether it was present.
func (l *List) Get(name string) (string, bool) {
	key := canonical(name)
	for _, f := range l.fields {
		if f.Key == key {
			return f.Value, true
		}
	}
	return "", false
}

// Values returns every value for name in submission order.
func (l *List) Values(name string) []string {
	key := canonical(name)
	var out []string
	for _, f := range l.fields {
		if f.Key == key {
			out = append(out, f.Value)
		}
	}
	return out
}

// Joined returns every value for name comma-concatenated.
func (l *List) Joined(name string) (string, bool) {
	vals := l.Values(name)
	if len(vals) == 0 {
		return "", false
	}
	return strings.Join(vals, ", "), true
}

// Lines returns every (name, value) pair in wire/submission order, one
// per header line.
func (l *List) Lines() []struct{ Name, Value string } {
	out := make([]struct{ Name, Value string }, len(l.fields))
	for i, f := range l.fields {
		out[i] = struct{ Name, Value string }{f.Name, f.Value}
	}
	return out
}

// Len returns the number of header lines (not distinct names).
func (l *List) Len() int { return len(l.fields) }

// canonical folds a header name to its canonical lookup form.
func canonical(name string) string {
	return textproto.CanonicalMIMEHeaderKey(name)
}
