// Package stream reassembles server-sent event bodies into one aggregated payload.
package stream

import (
	"bytes"
	"encoding/json"
	"io"
	"sync"
)

const (
	dataPrefix = "data:"
	doneMarker = "[DONE]"
)

// Payload is the aggregate of every parsed record in one stream.
type Payload struct {
	Streaming bool              `json:"streaming"`
	Records   []json.RawMessage `json:"chunks"`
}

// Reconstructor consumes an event-stream body chunk by chunk. It is an
// io.Writer so it can sit behind an io.TeeReader. Write never fails.
type Reconstructor struct {
	mu      sync.Mutex
	buf     []byte
	records []json.RawMessage
	dropped int
	failed  error
}

// New creates an empty Reconstructor.
func New() *Reconstructor {
	return &Reconstructor{}
}

// Write appends a chunk and parses every complete line in the buffer.
// The trailing partial line stays buffered until the next chunk.
func (r *Reconstructor) Write(p []byte) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.failed != nil {
		return len(p), nil
	}

	r.buf = append(r.buf, p...)
	for {
		i := bytes.IndexByte(r.buf, '\n')
		if i < 0 {
			break
		}
		r.line(r.buf[:i])
		r.buf = r.buf[i+1:]
	}
	// Reallocate once the consumed prefix dwarfs the remainder.
	if len(r.buf) == 0 {
		r.buf = nil
	} else if cap(r.buf) > 4*len(r.buf)+4096 {
		r.buf = append([]byte(nil), r.buf...)
	}
	return len(p), nil
}

func (r *Reconstructor) line(line []byte) {
	line = bytes.TrimRight(line, "\r")
	if !bytes.HasPrefix(line, []byte(dataPrefix)) {
		return
	}
	data := bytes.TrimPrefix(line[len(dataPrefix):], []byte(" "))
	if string(data) == doneMarker {
		return
	}
	if !json.Valid(data) {
		r.dropped++
		return
	}
	r.records = append(r.records, append(json.RawMessage(nil), data...))
}

// Fail aborts reconstruction. Finish then reports no payload.
func (r *Reconstructor) Fail(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.failed == nil {
		r.failed = err
	}
	r.buf = nil
	r.records = nil
}

// Err returns the error passed to Fail, if any.
func (r *Reconstructor) Err() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.failed
}

// Dropped returns how many data records failed to parse.
func (r *Reconstructor) Dropped() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.dropped
}

// Finish ends the stream. An unterminated final line is parsed as if it
// ended with a newline. ok is false when no record parsed or the stream failed.
func (r *Reconstructor) Finish() (*Payload, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.failed != nil {
		return nil, false
	}
	if len(r.buf) > 0 {
		r.line(r.buf)
		r.buf = nil
	}
	if len(r.records) == 0 {
		return nil, false
	}
	return &Payload{Streaming: true, Records: r.records}, true
}

// Reconstruct reads body to EOF and returns the aggregated payload.
// A read error aborts reconstruction and is returned.
func Reconstruct(body io.Reader) (*Payload, bool, error) {
	r := New()
	if _, err := io.Copy(r, body); err != nil {
		r.Fail(err)
		return nil, false, err
	}
	p, ok := r.Finish()
	return p, ok, nil
}
