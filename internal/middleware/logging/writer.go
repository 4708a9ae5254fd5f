package logging

import (
	"bytes"
	"net/http"
)

// ResponseWriter captures everything a handler writes so it can be logged before it
// is sent. Header changes reach the underlying writer immediately; the status and
// body are held until Commit.
//
// It intentionally implements neither http.Flusher nor Unwrap: flushing the real
// writer mid-handler would put bytes on the wire ahead of the buffered ones.
type ResponseWriter struct {
	http.ResponseWriter
	status      int
	wroteHeader bool
	buf         bytes.Buffer
	done        bool
}

// NewResponseWriter creates a new ResponseWriter
func NewResponseWriter(w http.ResponseWriter) *ResponseWriter {
	return &ResponseWriter{
		ResponseWriter: w,
		status:         http.StatusOK, // Default to 200 OK
	}
}

// WriteHeader records the first final status code. Informational (1xx) codes are
// forwarded straight away since they carry no body.
func (w *ResponseWriter) WriteHeader(status int) {
	if status >= 100 && status < 200 && status != http.StatusSwitchingProtocols {
		w.ResponseWriter.WriteHeader(status)
		return
	}
	if w.wroteHeader {
		return
	}
	w.status = status
	w.wroteHeader = true
}

// Write appends b to the in-memory buffer
func (w *ResponseWriter) Write(b []byte) (int, error) {
	if !w.wroteHeader {
		w.WriteHeader(http.StatusOK)
	}
	return w.buf.Write(b)
}

// StatusCode returns the captured status code
func (w *ResponseWriter) StatusCode() int {
	return w.status
}

// Body returns the captured bytes. It is only valid until Commit or Discard.
func (w *ResponseWriter) Body() []byte {
	return w.buf.Bytes()
}

// Size returns the number of captured bytes
func (w *ResponseWriter) Size() int {
	return w.buf.Len()
}

// Commit sends the captured status and body to the underlying writer. Only the first
// call writes; the buffer is released afterwards.
func (w *ResponseWriter) Commit() (int64, error) {
	if w.done {
		return 0, nil
	}
	w.done = true

	w.ResponseWriter.WriteHeader(w.status)
	n, err := w.ResponseWriter.Write(w.buf.Bytes())
	w.buf = bytes.Buffer{}
	return int64(n), err
}

// Discard releases the captured body without sending anything.
func (w *ResponseWriter) Discard() {
	w.done = true
	w.buf = bytes.Buffer{}
}
