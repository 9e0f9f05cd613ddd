// Package response implements a pull parser over a byte stream: it reads
// the status line and header block, then streams the body to a
// caller-supplied sink according to the framing rules (fixed length,
// chunked, or read-until-close), one arrived slice at a time with no
// intermediate accumulation.
package response

import (
	"bytes"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/mardiros/cabot/pkg/errors"
	"github.com/mardiros/cabot/pkg/header"
)

const (
	minBufSize = 4 * 1024
	maxBufSize = 64 * 1024
)

// Source is the deadline-aware byte source the parser reads from —
// satisfied by *transport.Conn.
type Source interface {
	Read(buf []byte, deadline time.Time) (int, error)
}

// DeadlineFunc returns the deadline to apply to the next Source.Read,
// recomputed on every call so the overall request deadline remains an
// upper bound on every individual read.
type DeadlineFunc func() time.Time

// Response carries the parsed status line and headers. The body is
// streamed separately via StreamBody once the caller has inspected them.
type Response struct {
	Proto      string // "HTTP/1.0" or "HTTP/1.1"
	StatusCode int
	Reason     string
	Headers    *header.List
}

// Parser is a pull parser over one Source: ReadStatusAndHeaders, then
// StreamBody, in that order, matching one HTTP/1.1 response.
type Parser struct {
	src  Source
	buf  []byte
	pos  int // first unconsumed byte
	end  int // one past last valid byte
}

// New returns a Parser reading from src.
func New(src Source) *Parser {
	return &Parser{src: src, buf: make([]byte, minBufSize)}
}

// fill reads more bytes from src, growing buf up to maxBufSize if it is
// already full. Returns errors.HeadersTooLarge if buf is at maxBufSize
// and still has no room.
func (p *Parser) fill(deadline time.Time) error {
	if p.pos > 0 && p.pos == p.end {
		p.pos, p.end = 0, 0
	}
	if p.end == len(p.buf) {
		if p.pos > 0 {
			copy(p.buf, p.buf[p.pos:p.end])
			p.end -= p.pos
			p.pos = 0
		} else if len(p.buf) < maxBufSize {
			grown := make([]byte, min(len(p.buf)*2, maxBufSize))
			copy(grown, p.buf[p.pos:p.end])
			p.buf = grown
		} else {
			return errors.NewProtocolError(errors.HeadersTooLarge, "header block exceeds 64KiB", nil)
		}
	}

	n, err := p.src.Read(p.buf[p.end:], deadline)
	if n > 0 {
		p.end += n
	}
	if err != nil {
		return err
	}
	if n == 0 {
		return io.ErrUnexpectedEOF
	}
	return nil
}

// readLine returns the next CRLF-terminated line (without the CRLF).
// A bare LF with no preceding CR is rejected.
func (p *Parser) readLine(deadline time.Time, badLineKind errors.ProtocolKind) ([]byte, error) {
	for {
		if idx := bytes.IndexByte(p.buf[p.pos:p.end], '\n'); idx >= 0 {
			lineEnd := p.pos + idx
			if lineEnd == p.pos || p.buf[lineEnd-1] != '\r' {
				return nil, errors.NewProtocolError(badLineKind, "bare LF without preceding CR", nil)
			}
			line := p.buf[p.pos : lineEnd-1]
			p.pos = lineEnd + 1
			return line, nil
		}
		if err := p.fill(deadline); err != nil {
			if err == io.ErrUnexpectedEOF {
				return nil, errors.NewProtocolError(badLineKind, "connection closed mid-line", nil)
			}
			return nil, err
		}
	}
}

// ReadStatusAndHeaders parses the status line and header block.
func (p *Parser) ReadStatusAndHeaders(deadlineFn DeadlineFunc) (*Response, error) {
	statusLine, err := p.readLine(deadlineFn(), errors.BadStatusLine)
	if err != nil {
		return nil, err
	}

	resp, err := parseStatusLine(string(statusLine))
	if err != nil {
		return nil, err
	}

	headers := header.New()
	for {
		line, err := p.readLine(deadlineFn(), errors.BadHeader)
		if err != nil {
			return nil, err
		}
		if len(line) == 0 {
			break
		}
		name, value, ok := splitHeaderLine(string(line))
		if !ok {
			return nil, errors.NewProtocolError(errors.BadHeader, "malformed header line: "+string(line), nil)
		}
		headers.Add(name, value)
	}
	resp.Headers = headers
	return resp, nil
}

func parseStatusLine(line string) (*Response, error) {
	parts := strings.SplitN(line, " ", 3)
	if len(parts) < 2 {
		return nil, errors.NewProtocolError(errors.BadStatusLine, "malformed status line: "+line, nil)
	}
	if parts[0] != "HTTP/1.0" && parts[0] != "HTTP/1.1" {
		return nil, errors.NewProtocolError(errors.BadStatusLine, "unsupported HTTP version: "+parts[0], nil)
	}
	if len(parts[1]) != 3 {
		return nil, errors.NewProtocolError(errors.BadStatusLine, "status code must be 3 digits: "+parts[1], nil)
	}
	code, err := strconv.Atoi(parts[1])
	if err != nil || code < 100 || code > 599 {
		return nil, errors.NewProtocolError(errors.BadStatusLine, "invalid status code: "+parts[1], err)
	}
	reason := ""
	if len(parts) == 3 {
		reason = parts[2]
	}
	return &Response{Proto: parts[0], StatusCode: code, Reason: reason}, nil
}

func splitHeaderLine(line string) (name, value string, ok bool) {
	idx := strings.IndexByte(line, ':')
	if idx <= 0 {
		return "", "", false
	}
	return line[:idx], strings.TrimSpace(line[idx+1:]), true
}

// HasBody reports whether a response with this status/method carries a
// body. 1xx, 204, 304 and responses to HEAD never do.
func HasBody(status int, method string) bool {
	if method == "HEAD" {
		return false
	}
	if status >= 100 && status < 200 {
		return false
	}
	return status != 204 && status != 304
}

// StreamBody writes the response body to sink, selecting the framing
// strategy from resp's headers, and returns once the body is fully
// consumed. Every write to sink happens as soon as the bytes are
// decoded — no full-body buffering.
func (p *Parser) StreamBody(resp *Response, method string, sink io.Writer, deadlineFn DeadlineFunc) error {
	if !HasBody(resp.StatusCode, method) {
		return nil
	}

	if te, ok := resp.Headers.Joined("Transfer-Encoding"); ok && strings.Contains(strings.ToLower(te), "chunked") {
		return p.streamChunked(sink, deadlineFn)
	}
	if cl, ok := resp.Headers.Get("Content-Length"); ok {
		length, err := strconv.ParseInt(strings.TrimSpace(cl), 10, 64)
		if err != nil || length < 0 {
			return errors.NewProtocolError(errors.BadHeader, "invalid Content-Length: "+cl, err)
		}
		return p.streamFixed(length, sink, deadlineFn)
	}
	return p.streamUntilClose(sink, deadlineFn)
}

// streamFixed streams exactly length bytes, first draining whatever the
// header-phase read already buffered.
func (p *Parser) streamFixed(length int64, sink io.Writer, deadlineFn DeadlineFunc) error {
	remaining := length
	for remaining > 0 {
		if p.pos < p.end {
			n := int64(p.end - p.pos)
			if n > remaining {
				n = remaining
			}
			if _, err := sink.Write(p.buf[p.pos : p.pos+int(n)]); err != nil {
				return errors.NewIOError("write to sink", err)
			}
			p.pos += int(n)
			remaining -= n
			continue
		}

		chunk := make([]byte, readChunkSize(remaining))
		n, err := p.src.Read(chunk, deadlineFn())
		if n > 0 {
			if _, werr := sink.Write(chunk[:n]); werr != nil {
				return errors.NewIOError("write to sink", werr)
			}
			remaining -= int64(n)
		}
		if err != nil {
			return err
		}
		if n == 0 {
			return errors.NewIOError("reading fixed body", io.ErrUnexpectedEOF)
		}
	}
	return nil
}

// streamUntilClose streams until the source reports orderly EOF. This is
// the connection-close framing strategy: no length is known in advance.
func (p *Parser) streamUntilClose(sink io.Writer, deadlineFn DeadlineFunc) error {
	if p.pos < p.end {
		if _, err := sink.Write(p.buf[p.pos:p.end]); err != nil {
			return errors.NewIOError("write to sink", err)
		}
		p.pos = p.end
	}
	chunk := make([]byte, 32*1024)
	for {
		n, err := p.src.Read(chunk, deadlineFn())
		if n > 0 {
			if werr := writeAll(sink, chunk[:n]); werr != nil {
				return errors.NewIOError("write to sink", werr)
			}
		}
		if err != nil {
			return err
		}
		if n == 0 {
			return nil // orderly EOF ends the body
		}
	}
}

// streamChunked decodes "<hex-size>[;ext]\r\n<data>\r\n" chunks until the
// zero-size terminator, discarding any trailer lines.
// Chunks may be split across reads or larger than the internal buffer —
// streamFixedNoEOF is used per-chunk so neither case requires buffering a
// whole chunk in memory.
func (p *Parser) streamChunked(sink io.Writer, deadlineFn DeadlineFunc) error {
	for {
		line, err := p.readLine(deadlineFn(), errors.BadChunk)
		if err != nil {
			return err
		}
		sizeField := line
		if idx := bytes.IndexByte(line, ';'); idx >= 0 {
			sizeField = line[:idx]
		}
		size, err := strconv.ParseInt(strings.TrimSpace(string(sizeField)), 16, 64)
		if err != nil || size < 0 {
			return errors.NewProtocolError(errors.BadChunk, "invalid chunk size: "+string(line), err)
		}

		if size == 0 {
			break
		}

		if err := p.streamFixedNoEOF(size, sink, deadlineFn); err != nil {
			return err
		}

		trailer, err := p.readLine(deadlineFn(), errors.BadChunk)
		if err != nil {
			return err
		}
		if len(trailer) != 0 {
			return errors.NewProtocolError(errors.BadChunk, "missing CRLF after chunk data", nil)
		}
	}

	for {
		line, err := p.readLine(deadlineFn(), errors.BadChunk)
		if err != nil {
			return err
		}
		if len(line) == 0 {
			break
		}
	}
	return nil
}

// streamFixedNoEOF is streamFixed but classifies a short read as BadChunk
// (truncated chunk stream) instead of the generic IoError streamFixed
// uses for a truncated Content-Length body.
func (p *Parser) streamFixedNoEOF(length int64, sink io.Writer, deadlineFn DeadlineFunc) error {
	remaining := length
	for remaining > 0 {
		if p.pos < p.end {
			n := int64(p.end - p.pos)
			if n > remaining {
				n = remaining
			}
			if _, err := sink.Write(p.buf[p.pos : p.pos+int(n)]); err != nil {
				return errors.NewIOError("write to sink", err)
			}
			p.pos += int(n)
			remaining -= n
			continue
		}

		chunk := make([]byte, readChunkSize(remaining))
		n, err := p.src.Read(chunk, deadlineFn())
		if n > 0 {
			if werr := writeAll(sink, chunk[:n]); werr != nil {
				return errors.NewIOError("write to sink", werr)
			}
			remaining -= int64(n)
		}
		if err != nil {
			return err
		}
		if n == 0 {
			return errors.NewProtocolError(errors.BadChunk, "connection closed mid-chunk", io.ErrUnexpectedEOF)
		}
	}
	return nil
}

func readChunkSize(remaining int64) int64 {
	const max = 32 * 1024
	if remaining > max {
		return max
	}
	return remaining
}

func writeAll(w io.Writer, p []byte) error {
	_, err := w.Write(p)
	return err
}
