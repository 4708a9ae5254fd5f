// Package collector ships log records to a remote collector as newline-delimited
// JSON over TCP, optionally over TLS.
package collector

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"log/slog"
	"net"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/mcncl/http-audit/internal/errors"
	"github.com/mcncl/http-audit/internal/metrics"
)

const (
	defaultQueueSize = 1024
	dialTimeout      = 5 * time.Second
	writeTimeout     = 5 * time.Second
)

// Options configures a Client
type Options struct {
	// Address is the collector's host:port
	Address string
	// TLSConfig enables TLS when set
	TLSConfig *tls.Config
	// AppName is attached to every record as "appname"
	AppName string
	// ReconnectsPerMinute throttles dial attempts; zero means unthrottled
	ReconnectsPerMinute int
	QueueSize           int
	Level               slog.Leveler
	// ErrorLog reports connection problems. It must not write to this collector.
	ErrorLog *slog.Logger
}

// Stats counts what happened to records handed to the client
type Stats struct {
	Sent    int64
	Dropped int64
	Dials   int64
}

// Client owns the connection to the collector. Records are queued and written by a
// single goroutine; when the queue is full or the collector is unreachable they are
// dropped and counted.
type Client struct {
	opts    Options
	records chan []byte
	limiter *rate.Limiter
	handler slog.Handler

	done      chan struct{}
	closed    atomic.Bool
	closeOnce sync.Once
	wg        sync.WaitGroup

	sent    atomic.Int64
	dropped atomic.Int64
	dials   atomic.Int64
}

// New starts a client for opts.Address. It does not dial until the first record.
func New(opts Options) (*Client, error) {
	if opts.Address == "" {
		return nil, errors.NewValidationError("collector address is required")
	}
	if _, _, err := net.SplitHostPort(opts.Address); err != nil {
		return nil, errors.WithDetails(
			errors.NewValidationError("collector address must be host:port"),
			map[string]interface{}{"address": opts.Address},
		)
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = defaultQueueSize
	}
	if opts.Level == nil {
		opts.Level = slog.LevelInfo
	}
	if opts.ErrorLog == nil {
		opts.ErrorLog = slog.New(slog.NewTextHandler(os.Stderr, nil))
	}

	limit := rate.Inf
	if opts.ReconnectsPerMinute > 0 {
		limit = rate.Every(time.Minute / time.Duration(opts.ReconnectsPerMinute))
	}

	c := &Client{
		opts:    opts,
		records: make(chan []byte, opts.QueueSize),
		limiter: rate.NewLimiter(limit, 1),
		done:    make(chan struct{}),
	}

	var h slog.Handler = slog.NewJSONHandler(queueWriter{c}, &slog.HandlerOptions{Level: opts.Level})
	if opts.AppName != "" {
		h = h.WithAttrs([]slog.Attr{slog.String("appname", opts.AppName)})
	}
	c.handler = h

	c.wg.Add(1)
	go c.run()

	return c, nil
}

// Handler returns a slog.Handler writing to the collector
func (c *Client) Handler() slog.Handler {
	return c.handler
}

// Stats returns a snapshot of the client's counters
func (c *Client) Stats() Stats {
	return Stats{
		Sent:    c.sent.Load(),
		Dropped: c.dropped.Load(),
		Dials:   c.dials.Load(),
	}
}

// Close flushes queued records on a best-effort basis and closes the connection.
func (c *Client) Close() error {
	c.closeOnce.Do(func() {
		c.closed.Store(true)
		close(c.done)
	})
	c.wg.Wait()
	return nil
}

type queueWriter struct {
	c *Client
}

// Write never blocks the logging goroutine and never fails it.
func (q queueWriter) Write(p []byte) (int, error) {
	if q.c.closed.Load() {
		q.c.drop()
		return len(p), nil
	}

	rec := make([]byte, len(p))
	copy(rec, p)

	select {
	case q.c.records <- rec:
	default:
		q.c.drop()
	}
	return len(p), nil
}

func (c *Client) drop() {
	c.dropped.Add(1)
	metrics.RecordCollectorRecord("dropped")
}

func (c *Client) run() {
	defer c.wg.Done()

	var conn net.Conn
	defer func() {
		if conn != nil {
			conn.Close()
		}
	}()

	for {
		select {
		case rec := <-c.records:
			conn = c.send(conn, rec)
		case <-c.done:
			for {
				select {
				case rec := <-c.records:
					conn = c.send(conn, rec)
				default:
					return
				}
			}
		}
	}
}

// send writes rec, reconnecting once if the current connection is broken. It
// returns the connection to use next, nil when there is none.
func (c *Client) send(conn net.Conn, rec []byte) net.Conn {
	for attempt := 0; attempt < 2; attempt++ {
		if conn == nil {
			conn = c.connect()
			if conn == nil {
				break
			}
		}

		_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
		if _, err := conn.Write(rec); err != nil {
			c.opts.ErrorLog.Warn("Collector write failed", "address", c.opts.Address, "error", err)
			conn.Close()
			conn = nil
			continue
		}

		c.sent.Add(1)
		metrics.RecordCollectorRecord("sent")
		return conn
	}

	c.drop()
	return conn
}

func (c *Client) connect() net.Conn {
	if !c.limiter.Allow() {
		metrics.RecordCollectorReconnect("throttled")
		return nil
	}
	c.dials.Add(1)

	ctx, cancel := context.WithTimeout(context.Background(), dialTimeout)
	defer cancel()

	var conn net.Conn
	var err error
	if c.opts.TLSConfig != nil {
		d := &tls.Dialer{Config: c.opts.TLSConfig}
		conn, err = d.DialContext(ctx, "tcp", c.opts.Address)
	} else {
		var d net.Dialer
		conn, err = d.DialContext(ctx, "tcp", c.opts.Address)
	}
	if err != nil {
		metrics.RecordCollectorReconnect("error")
		c.opts.ErrorLog.Warn("Collector connection failed",
			"address", c.opts.Address,
			"error", errors.NewConnectionError(err.Error()),
		)
		return nil
	}

	metrics.RecordCollectorReconnect("success")
	return conn
}

// LoadTrustStore builds a TLS config trusting the PEM certificates in path.
func LoadTrustStore(path string) (*tls.Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "failed to read trust store")
	}

	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(data) {
		return nil, errors.WithDetails(
			errors.NewValidationError("trust store contains no PEM certificates"),
			map[string]interface{}{"path": path},
		)
	}

	return &tls.Config{
		RootCAs:    pool,
		MinVersion: tls.VersionTLS12,
	}, nil
}
