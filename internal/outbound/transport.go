// Package outbound carries the trace headers of the request being served onto
// HTTP calls made while serving it.
package outbound

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/hashicorp/go-retryablehttp"

	"github.com/mcncl/http-audit/internal/metrics"
	"github.com/mcncl/http-audit/internal/middleware/request"
)

// Transport is an http.RoundTripper that stamps X-Request-ID and X-Correlation-ID
// from the request context onto every outbound request.
type Transport struct {
	// Base performs the request; http.DefaultTransport when nil
	Base http.RoundTripper
}

func (t *Transport) base() http.RoundTripper {
	if t.Base != nil {
		return t.Base
	}
	return http.DefaultTransport
}

// RoundTrip implements http.RoundTripper. Requests without a trace identity in their
// context are sent untouched; the others are cloned before the headers are set, so
// the caller's request is never modified.
func (t *Transport) RoundTrip(req *http.Request) (*http.Response, error) {
	rc, ok := request.FromContext(req.Context())
	if !ok {
		metrics.RecordOutboundRequest("untraced")
		return t.base().RoundTrip(req)
	}

	out := req.Clone(req.Context())
	rc.SetHeaders(out.Header)

	resp, err := t.base().RoundTrip(out)
	if err != nil {
		metrics.RecordOutboundRequest("error")
		return nil, err
	}
	metrics.RecordOutboundRequest("propagated")
	return resp, nil
}

// NewClient returns an http.Client that propagates trace headers
func NewClient(timeout time.Duration) *http.Client {
	return &http.Client{
		Timeout:   timeout,
		Transport: &Transport{},
	}
}

// NewRetryableClient returns a retrying client whose every attempt carries the trace
// headers. logger may be nil to silence retry logging.
func NewRetryableClient(logger *slog.Logger, retryMax int) *retryablehttp.Client {
	client := retryablehttp.NewClient()
	client.RetryMax = retryMax
	client.RetryWaitMin = 100 * time.Millisecond
	client.RetryWaitMax = 2 * time.Second
	client.HTTPClient.Transport = &Transport{Base: client.HTTPClient.Transport}

	client.Logger = nil
	if logger != nil {
		client.Logger = logger
	}

	client.RequestLogHook = func(_ retryablehttp.Logger, _ *http.Request, attempt int) {
		if attempt > 0 {
			metrics.RecordOutboundRetry()
		}
	}

	return client
}
