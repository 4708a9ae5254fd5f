package request

import (
	"context"
	"net/http"

	"github.com/google/uuid"
)

const (
	// RequestIDHeader identifies a single hop
	RequestIDHeader = "X-Request-ID"
	// CorrelationIDHeader is shared by every hop of one logical transaction
	CorrelationIDHeader = "X-Correlation-ID"

	maxCorrelationIDLen = 128
)

// RequestContext is the trace identity of one inbound request.
type RequestContext struct {
	RequestID     string
	CorrelationID string
	// OperationName is the symbolic handler name, empty when it could not be resolved
	OperationName string
}

// Generator derives a RequestContext from inbound headers.
type Generator struct {
	newID func() string
}

// NewGenerator returns a Generator producing random UUIDs.
func NewGenerator() *Generator {
	return &Generator{newID: func() string { return uuid.New().String() }}
}

// Generate always creates a fresh request id and reuses a well-formed inbound
// correlation id verbatim, generating one otherwise.
func (g *Generator) Generate(h http.Header) RequestContext {
	newID := g.newID
	if newID == nil {
		newID = func() string { return uuid.New().String() }
	}

	correlationID := h.Get(CorrelationIDHeader)
	if !ValidCorrelationID(correlationID) {
		correlationID = newID()
	}

	return RequestContext{
		RequestID:     newID(),
		CorrelationID: correlationID,
	}
}

// ValidCorrelationID reports whether an inbound correlation id is safe to propagate:
// non-empty, at most 128 bytes, and limited to letters, digits and ". _ : -".
func ValidCorrelationID(id string) bool {
	if id == "" || len(id) > maxCorrelationIDLen {
		return false
	}
	for i := 0; i < len(id); i++ {
		ch := id[i]
		if (ch >= 'a' && ch <= 'z') ||
			(ch >= 'A' && ch <= 'Z') ||
			(ch >= '0' && ch <= '9') ||
			ch == '-' || ch == '_' || ch == '.' || ch == ':' {
			continue
		}
		return false
	}
	return true
}

type contextKey struct{}

// NewContext returns a copy of ctx carrying rc.
func NewContext(ctx context.Context, rc RequestContext) context.Context {
	return context.WithValue(ctx, contextKey{}, rc)
}

// FromContext returns the RequestContext stored in ctx, if any.
func FromContext(ctx context.Context) (RequestContext, bool) {
	if ctx == nil {
		return RequestContext{}, false
	}
	rc, ok := ctx.Value(contextKey{}).(RequestContext)
	return rc, ok
}

// RequestIDFromContext returns the request id from ctx, or "" when absent.
func RequestIDFromContext(ctx context.Context) string {
	rc, _ := FromContext(ctx)
	return rc.RequestID
}

// CorrelationIDFromContext returns the correlation id from ctx, or "" when absent.
func CorrelationIDFromContext(ctx context.Context) string {
	rc, _ := FromContext(ctx)
	return rc.CorrelationID
}

// SetHeaders writes both trace headers onto h, overwriting existing values.
func (rc RequestContext) SetHeaders(h http.Header) {
	h.Set(RequestIDHeader, rc.RequestID)
	h.Set(CorrelationIDHeader, rc.CorrelationID)
}
