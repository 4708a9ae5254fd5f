package logging

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/mcncl/http-audit/internal/errors"
	"github.com/mcncl/http-audit/internal/logging"
	"github.com/mcncl/http-audit/internal/metrics"
	"github.com/mcncl/http-audit/internal/middleware/request"
)

// DefaultMaxBodySize bounds request buffering when Options.MaxBodySize is unset.
const DefaultMaxBodySize int64 = 1 << 20

// OperationResolver names the handler that will serve a request.
type OperationResolver interface {
	ResolveOperationName(method, path string) (string, error)
}

// Options configures WithAudit.
type Options struct {
	// IgnorePattern bypasses tracing for paths it matches. Use an anchored pattern
	// (see config.CompileIgnorePattern) for full-match semantics.
	IgnorePattern *regexp.Regexp
	LogHeaders    bool
	MaxBodySize   int64
	Resolver      OperationResolver
	Generator     *request.Generator
}

type auditor struct {
	logger *slog.Logger
	opts   Options
}

// WithAudit traces each request: it assigns request and correlation ids, logs the
// request and response bodies as audit records and stamps the ids onto the response.
func WithAudit(logger *slog.Logger, opts Options) func(http.Handler) http.Handler {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.Generator == nil {
		opts.Generator = request.NewGenerator()
	}
	if opts.MaxBodySize <= 0 {
		opts.MaxBodySize = DefaultMaxBodySize
	}
	a := &auditor{logger: logger, opts: opts}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if opts.IgnorePattern != nil && opts.IgnorePattern.MatchString(r.URL.Path) {
				metrics.RecordBypass()
				next.ServeHTTP(w, r)
				return
			}
			a.serve(w, r, next)
		})
	}
}

func (a *auditor) serve(w http.ResponseWriter, r *http.Request, next http.Handler) {
	rc := a.opts.Generator.Generate(r.Header)

	if a.opts.Resolver != nil {
		name, err := a.opts.Resolver.ResolveOperationName(r.Method, r.URL.Path)
		if err != nil {
			metrics.RecordResolveFailure()
			a.logger.Debug("Cannot resolve operation name",
				"method", r.Method,
				"path", r.URL.Path,
				"error", err,
			)
		} else {
			rc.OperationName = name
		}
	}

	logger := a.logger.With(
		logging.FieldRequestID, rc.RequestID,
		logging.FieldCorrelationID, rc.CorrelationID,
	)
	if rc.OperationName != "" {
		logger = logger.With(logging.FieldOperation, rc.OperationName)
	}

	ctx := request.NewContext(r.Context(), rc)
	ctx = logging.NewContext(ctx, logger)
	r = r.WithContext(ctx)

	start := time.Now()

	buffered, body, err := BufferRequest(r, a.opts.MaxBodySize)
	if err != nil {
		a.reject(ctx, w, rc, logger, start, err)
		return
	}

	attrs := []any{
		logging.FieldEvent, "request",
		"method", r.Method,
		"uri", r.URL.Path,
		"payload", body.Text(),
	}
	if a.opts.LogHeaders {
		attrs = append(attrs, "headers", flattenHeaders(r.Header))
	}
	attrs = append(attrs, logging.FieldAudit, true)
	logger.InfoContext(ctx, "Request", attrs...)
	metrics.RecordAuditRecord("request", body.Len())

	rw := NewResponseWriter(w)
	rc.SetHeaders(rw.Header())
	// headers as they stood before the handler ran, restored if it panics
	preHandler := w.Header().Clone()

	completed := false
	defer func() {
		if completed {
			return
		}
		// A nil recover means runtime.Goexit; log the failure and let it unwind.
		rec := recover()
		cause := errors.NewInternalError("handler aborted")
		if rec != nil {
			cause = errors.NewInternalError(fmt.Sprintf("panic: %v", rec))
		}
		a.logResponse(ctx, logger, start, rw, http.StatusInternalServerError, cause)

		// The platform's error response must not inherit the handler's headers.
		h := w.Header()
		clear(h)
		for k, v := range preHandler {
			h[k] = v
		}
		rc.SetHeaders(h)
		rw.Discard()
		if rec != nil {
			panic(rec)
		}
	}()

	next.ServeHTTP(rw, buffered)
	completed = true

	status := rw.StatusCode()
	var cause error
	if err := ctx.Err(); err != nil {
		status = http.StatusInternalServerError
		cause = err
	}

	a.logResponse(ctx, logger, start, rw, status, cause)
	rc.SetHeaders(rw.Header())
	if _, err := rw.Commit(); err != nil {
		logger.Debug("Failed to write response", "error", err)
	}
}

// reject answers a request whose body could not be buffered without calling the handler.
func (a *auditor) reject(ctx context.Context, w http.ResponseWriter, rc request.RequestContext, logger *slog.Logger, start time.Time, err error) {
	status := http.StatusBadRequest
	if errors.IsBodyTooLarge(err) {
		status = http.StatusRequestEntityTooLarge
		metrics.RecordError("body_too_large")
	} else {
		metrics.RecordError("body_read_error")
	}
	logger.Warn("Failed to buffer request body", "error", err)

	rc.SetHeaders(w.Header())
	a.logResponse(ctx, logger, start, nil, status, err)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if encErr := json.NewEncoder(w).Encode(errors.ToErrorResponse(err)); encErr != nil {
		logger.Debug("Failed to write error response", "error", encErr)
	}
}

// logResponse emits the response record. A nil rw logs an empty payload.
func (a *auditor) logResponse(ctx context.Context, logger *slog.Logger, start time.Time, rw *ResponseWriter, status int, cause error) {
	duration := time.Since(start)

	var payload string
	var size int
	if rw != nil {
		payload = DecodeText(rw.Body(), CharsetFromContentType(rw.Header().Get("Content-Type")))
		size = rw.Size()
	}

	attrs := []any{
		logging.FieldEvent, "response",
		"durationMs", duration.Milliseconds(),
		"status", status,
		"payload", payload,
	}
	if a.opts.LogHeaders && rw != nil {
		attrs = append(attrs, "headers", flattenHeaders(rw.Header()))
	}
	if cause != nil {
		attrs = append(attrs, "error", cause.Error())
	}
	attrs = append(attrs, logging.FieldAudit, true)

	logger.InfoContext(ctx, "Response", attrs...)
	metrics.RecordAuditRecord("response", size)
	metrics.ObserveRequest(status, duration)
}

func flattenHeaders(h http.Header) map[string]string {
	out := make(map[string]string, len(h))
	for k, v := range h {
		out[k] = strings.Join(v, ", ")
	}
	return out
}
