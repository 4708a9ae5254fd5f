package logging

import (
	"bytes"
	"io"
	"math"
	"net/http"

	"github.com/mcncl/http-audit/internal/errors"
)

// BufferedBody is a body captured once and replayable any number of times.
type BufferedBody struct {
	data    []byte
	charset string
}

// NewBufferedBody wraps data; the slice must not be modified afterwards.
func NewBufferedBody(data []byte, charset string) *BufferedBody {
	return &BufferedBody{data: data, charset: charset}
}

// Reader returns a fresh reader positioned at the start of the body.
func (b *BufferedBody) Reader() io.ReadCloser {
	if len(b.data) == 0 {
		return http.NoBody
	}
	return io.NopCloser(bytes.NewReader(b.data))
}

// Bytes returns the captured bytes. Callers must not modify them.
func (b *BufferedBody) Bytes() []byte { return b.data }

// Len returns the number of captured bytes.
func (b *BufferedBody) Len() int { return len(b.data) }

// Charset returns the declared character encoding, "" when none was declared.
func (b *BufferedBody) Charset() string { return b.charset }

// Text returns the body decoded for logging.
func (b *BufferedBody) Text() string { return DecodeText(b.data, b.charset) }

// ReadBody reads all of body, failing rather than truncating when it holds more
// than maxBytes.
func ReadBody(body io.Reader, maxBytes int64) ([]byte, error) {
	if body == nil {
		return nil, nil
	}
	// one extra byte tells an exact fit from an overflow
	limit := maxBytes
	if limit < math.MaxInt64 {
		limit++
	}
	data, err := io.ReadAll(io.LimitReader(body, limit))
	if err != nil {
		return nil, errors.Wrap(err, "failed to read body")
	}
	if int64(len(data)) > maxBytes {
		return nil, errors.NewBodyTooLargeError(maxBytes)
	}
	return data, nil
}

// BufferRequest captures the request body and returns a shallow copy of r whose
// Body, and every body produced by GetBody, replays the captured bytes from offset 0.
// Method, URL and headers are shared with r unchanged.
func BufferRequest(r *http.Request, maxBytes int64) (*http.Request, *BufferedBody, error) {
	var data []byte
	if r.Body != nil && r.Body != http.NoBody {
		var err error
		data, err = ReadBody(r.Body, maxBytes)
		_ = r.Body.Close()
		if err != nil {
			return nil, nil, err
		}
	}

	body := NewBufferedBody(data, CharsetFromContentType(r.Header.Get("Content-Type")))

	wrapped := r.WithContext(r.Context())
	wrapped.Body = body.Reader()
	wrapped.GetBody = func() (io.ReadCloser, error) {
		return body.Reader(), nil
	}
	wrapped.ContentLength = int64(body.Len())

	return wrapped, body, nil
}
