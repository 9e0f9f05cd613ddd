// Package trace defines the classified, caller-delivered trace events the
// request engine emits. The core never formats these to a stream: it
// hands Event values to a Recorder callback, leaving rendering to an
// external collaborator such as cmd/cabot.
package trace

import (
	"time"

	"github.com/google/uuid"
)

// Kind classifies a trace event. Each kind maps to a stable message
// prefix a Recorder implementation formats per Kind.
type Kind string

const (
	// KindResolved: "Authority <a> has been resolved to <addrs>"
	KindResolved Kind = "resolved"
	// KindRequestLine: "> <request line>"
	KindRequestLine Kind = "request_line"
	// KindRequestHeader: "> <header>"
	KindRequestHeader Kind = "request_header"
	// KindRequestHeadersDone: ">" (blank line ending the request header block)
	KindRequestHeadersDone Kind = "request_headers_done"
	// KindStatusLine: "< <status line>"
	KindStatusLine Kind = "status_line"
	// KindResponseHeader: "< <header>"
	KindResponseHeader Kind = "response_header"
	// KindReadDeadlineOverridden: "Read timeout is greater than request
	// timeout, overridden (<ms>ms)"
	KindReadDeadlineOverridden Kind = "read_deadline_overridden"
	// KindMaxRedirects: "Maximum redirects followed (<n>)"
	KindMaxRedirects Kind = "max_redirects"
	// KindPhase carries a timing measurement for one connection-setup
	// phase (dns/connect/tls/ttfb/total), in place of a separate metrics
	// struct.
	KindPhase Kind = "phase"
)

// Event is one classified trace record.
type Event struct {
	Kind      Kind
	Message   string
	RequestID string
	Timestamp time.Time
}

// Recorder receives trace events as an attempt progresses. A nil Recorder
// is valid and simply discards events.
type Recorder interface {
	Record(Event)
}

// RecorderFunc adapts a function to a Recorder.
type RecorderFunc func(Event)

func (f RecorderFunc) Record(e Event) { f(e) }

// Run ties a sequence of trace events together: every event emitted
// through it shares a RequestID. Client.Run uses one Run for a whole
// redirect chain, so every attempt in the chain carries the same id.
type Run struct {
	id       string
	recorder Recorder
}

// NewRun starts a new correlated trace run. recorder may be nil.
func NewRun(recorder Recorder) *Run {
	return &Run{id: uuid.NewString(), recorder: recorder}
}

// ID returns the run's correlation id.
func (r *Run) ID() string { return r.id }

// Emit records message under kind, tagged with this run's id. A nil Run
// (no engine attempt wants tracing) is a safe no-op.
func (r *Run) Emit(kind Kind, message string) {
	if r == nil || r.recorder == nil {
		return
	}
	r.recorder.Record(Event{Kind: kind, Message: message, RequestID: r.id, Timestamp: time.Now()})
}

// Phase records a named timing measurement.
func (r *Run) Phase(name string, d time.Duration) {
	r.Emit(KindPhase, name+": "+d.String())
}
