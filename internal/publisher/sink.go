package publisher

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mcncl/http-audit/internal/errors"
	"github.com/mcncl/http-audit/internal/logging"
	"github.com/mcncl/http-audit/internal/metrics"
)

// SinkOptions configures a Sink
type SinkOptions struct {
	QueueSize      int
	PublishTimeout time.Duration
	// ErrorLog reports publish failures. It must not write to this sink.
	ErrorLog *slog.Logger
}

// Sink publishes audit records (those logged with audit=true) to a Publisher.
// Logging never blocks on the publisher: records are queued and published by a
// single goroutine, and dropped when the queue is full.
type Sink struct {
	pub     Publisher
	opts    SinkOptions
	records chan []byte
	handler slog.Handler

	done      chan struct{}
	closed    atomic.Bool
	closeOnce sync.Once
	wg        sync.WaitGroup

	published atomic.Int64
	failed    atomic.Int64
	dropped   atomic.Int64
}

// NewSink starts publishing to pub. Close stops the sink and closes pub.
func NewSink(pub Publisher, opts SinkOptions) *Sink {
	if opts.QueueSize <= 0 {
		opts.QueueSize = 1024
	}
	if opts.PublishTimeout <= 0 {
		opts.PublishTimeout = 10 * time.Second
	}
	if opts.ErrorLog == nil {
		opts.ErrorLog = slog.New(slog.NewTextHandler(os.Stderr, nil))
	}

	s := &Sink{
		pub:     pub,
		opts:    opts,
		records: make(chan []byte, opts.QueueSize),
		done:    make(chan struct{}),
	}
	s.handler = &auditFilter{inner: slog.NewJSONHandler(sinkWriter{s}, nil)}

	s.wg.Add(1)
	go s.run()

	return s
}

// Handler returns a slog.Handler that forwards audit records to the sink
func (s *Sink) Handler() slog.Handler {
	return s.handler
}

// SinkStats counts what happened to audit records
type SinkStats struct {
	Published int64
	Failed    int64
	Dropped   int64
}

// Stats returns a snapshot of the sink's counters
func (s *Sink) Stats() SinkStats {
	return SinkStats{
		Published: s.published.Load(),
		Failed:    s.failed.Load(),
		Dropped:   s.dropped.Load(),
	}
}

// Close publishes what is queued, then closes the publisher.
func (s *Sink) Close() error {
	var err error
	s.closeOnce.Do(func() {
		s.closed.Store(true)
		close(s.done)
		s.wg.Wait()
		err = s.pub.Close()
	})
	return err
}

type sinkWriter struct {
	s *Sink
}

func (w sinkWriter) Write(p []byte) (int, error) {
	if w.s.closed.Load() {
		w.s.dropped.Add(1)
		return len(p), nil
	}

	rec := bytes.Clone(bytes.TrimSpace(p))

	select {
	case w.s.records <- rec:
	default:
		w.s.dropped.Add(1)
		metrics.RecordError("audit_sink_dropped")
	}
	return len(p), nil
}

func (s *Sink) run() {
	defer s.wg.Done()

	for {
		select {
		case rec := <-s.records:
			s.publish(rec)
		case <-s.done:
			for {
				select {
				case rec := <-s.records:
					s.publish(rec)
				default:
					return
				}
			}
		}
	}
}

func (s *Sink) publish(rec []byte) {
	ctx, cancel := context.WithTimeout(context.Background(), s.opts.PublishTimeout)
	defer cancel()

	start := time.Now()
	_, err := s.pub.Publish(ctx, json.RawMessage(rec), recordAttributes(rec))
	if err != nil {
		s.failed.Add(1)
		metrics.RecordPubsubPublish("error", len(rec), time.Since(start))
		s.opts.ErrorLog.Warn("Failed to publish audit record",
			"error", err,
			"retryable", errors.IsRetryable(err),
		)
		return
	}

	s.published.Add(1)
	metrics.RecordPubsubPublish("success", len(rec), time.Since(start))
}

// recordAttributes lifts the trace identity of a record into message attributes
// so subscribers can filter without decoding the payload.
func recordAttributes(rec []byte) map[string]string {
	var ids struct {
		RequestID     string `json:"request_id"`
		CorrelationID string `json:"correlation_id"`
		Operation     string `json:"operation"`
		Event         string `json:"event"`
	}
	if err := json.Unmarshal(rec, &ids); err != nil {
		return nil
	}

	attrs := make(map[string]string, 4)
	for k, v := range map[string]string{
		logging.FieldRequestID:     ids.RequestID,
		logging.FieldCorrelationID: ids.CorrelationID,
		logging.FieldOperation:     ids.Operation,
		logging.FieldEvent:         ids.Event,
	} {
		if v != "" {
			attrs[k] = v
		}
	}
	return attrs
}

// auditFilter passes only records carrying audit=true to inner.
type auditFilter struct {
	inner slog.Handler
}

func (f *auditFilter) Enabled(ctx context.Context, level slog.Level) bool {
	return f.inner.Enabled(ctx, level)
}

func (f *auditFilter) Handle(ctx context.Context, r slog.Record) error {
	audit := false
	r.Attrs(func(a slog.Attr) bool {
		if a.Key == logging.FieldAudit && a.Value.Kind() == slog.KindBool && a.Value.Bool() {
			audit = true
			return false
		}
		return true
	})
	if !audit {
		return nil
	}
	return f.inner.Handle(ctx, r)
}

func (f *auditFilter) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &auditFilter{inner: f.inner.WithAttrs(attrs)}
}

func (f *auditFilter) WithGroup(name string) slog.Handler {
	return &auditFilter{inner: f.inner.WithGroup(name)}
}
