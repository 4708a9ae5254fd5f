package main

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/mcncl/http-audit/internal/config"
	"github.com/mcncl/http-audit/internal/logging"
	"github.com/mcncl/http-audit/internal/metrics"
	"github.com/mcncl/http-audit/internal/middleware/request"
)

func TestMiddlewareChaining(t *testing.T) {
	executionOrder := []string{}

	middleware1 := func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			executionOrder = append(executionOrder, "middleware1_before")
			next.ServeHTTP(w, r)
			executionOrder = append(executionOrder, "middleware1_after")
		})
	}

	middleware2 := func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			executionOrder = append(executionOrder, "middleware2_before")
			next.ServeHTTP(w, r)
			executionOrder = append(executionOrder, "middleware2_after")
		})
	}

	finalHandler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		executionOrder = append(executionOrder, "handler")
	})

	handler := chainMiddleware(finalHandler, middleware1, middleware2)

	req := httptest.NewRequest(http.MethodGet, "/test", nil)
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	// Check execution order
	expected := []string{
		"middleware1_before",
		"middleware2_before",
		"handler",
		"middleware2_after",
		"middleware1_after",
	}

	if !reflect.DeepEqual(executionOrder, expected) {
		t.Errorf("middleware execution order = %v, want %v", executionOrder, expected)
	}
}

func newTestApp(t *testing.T, cfg *config.Config) (http.Handler, *bytes.Buffer) {
	t.Helper()

	reg := prometheus.NewRegistry()
	if err := metrics.InitMetrics(reg); err != nil {
		t.Fatalf("InitMetrics() error = %v", err)
	}

	var logs bytes.Buffer
	logger := logging.NewLoggerWithWriter(&logs, "info", "json")

	app, hc, err := newApp(cfg, logger, http.DefaultClient, reg)
	if err != nil {
		t.Fatalf("newApp() error = %v", err)
	}
	hc.SetReady(true)
	return app, &logs
}

func TestNewApp(t *testing.T) {
	tests := []struct {
		name       string
		method     string
		path       string
		body       string
		wantStatus int
		wantTraced bool
	}{
		{
			name:       "traced get",
			method:     http.MethodGet,
			path:       "/get",
			wantStatus: http.StatusOK,
			wantTraced: true,
		},
		{
			name:       "traced post",
			method:     http.MethodPost,
			path:       "/post",
			body:       `{"order":42}`,
			wantStatus: http.StatusOK,
			wantTraced: true,
		},
		{
			name:       "unknown route is still traced",
			method:     http.MethodGet,
			path:       "/missing",
			wantStatus: http.StatusNotFound,
			wantTraced: true,
		},
		{
			name:       "health is ignored",
			method:     http.MethodGet,
			path:       "/health",
			wantStatus: http.StatusOK,
		},
		{
			name:       "metrics are ignored",
			method:     http.MethodGet,
			path:       "/metrics",
			wantStatus: http.StatusOK,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			app, logs := newTestApp(t, config.DefaultConfig())

			req := httptest.NewRequest(tt.method, tt.path, strings.NewReader(tt.body))
			w := httptest.NewRecorder()
			app.ServeHTTP(w, req)

			if w.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d", w.Code, tt.wantStatus)
			}
			if got := w.Header().Get("X-Content-Type-Options"); got != "nosniff" {
				t.Errorf("security headers missing: X-Content-Type-Options = %q", got)
			}

			traced := w.Header().Get(request.RequestIDHeader) != ""
			if traced != tt.wantTraced {
				t.Errorf("traced = %v, want %v (headers %v)", traced, tt.wantTraced, w.Header())
			}
			if audited := strings.Contains(logs.String(), `"audit":true`); audited != tt.wantTraced {
				t.Errorf("audit records written = %v, want %v", audited, tt.wantTraced)
			}
			if tt.body != "" {
				// the payload is logged as a JSON string
				quoted, _ := json.Marshal(tt.body)
				if !strings.Contains(logs.String(), `"payload":`+string(quoted)) {
					t.Errorf("request payload missing from audit log: %s", logs.String())
				}
			}
		})
	}
}

func TestNewAppRequestDeadline(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(5 * time.Second):
		}
	}))
	defer upstream.Close()

	cfg := config.DefaultConfig()
	cfg.Server.RequestTimeout = 50 * time.Millisecond
	cfg.Client.UpstreamURL = upstream.URL
	app, logs := newTestApp(t, cfg)

	w := httptest.NewRecorder()
	app.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/relay", nil))

	var response map[string]interface{}
	for _, line := range strings.Split(strings.TrimSpace(logs.String()), "\n") {
		var entry map[string]interface{}
		if err := json.Unmarshal([]byte(line), &entry); err != nil {
			t.Fatalf("Failed to parse log line %q: %v", line, err)
		}
		if entry[logging.FieldEvent] == "response" {
			response = entry
		}
	}
	if response == nil {
		t.Fatalf("no response record logged: %s", logs.String())
	}
	if response["status"] != float64(http.StatusInternalServerError) {
		t.Errorf("logged status = %v, want 500", response["status"])
	}
	if response["error"] != context.DeadlineExceeded.Error() {
		t.Errorf("logged error = %v, want %q", response["error"], context.DeadlineExceeded.Error())
	}
}

func TestNewAppInvalidIgnorePattern(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Audit.IgnorePatterns = "("

	if _, _, err := newApp(cfg, slog.Default(), http.DefaultClient, prometheus.NewRegistry()); err == nil {
		t.Error("newApp() with malformed ignore pattern should fail")
	}
}

func TestBuildLogHandler(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()

	lines := make(chan string, 1)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		if line, err := bufio.NewReader(conn).ReadString('\n'); err == nil {
			lines <- line
		}
	}()

	cfg := config.DefaultConfig()
	cfg.Audit.ServiceName = "orders"
	cfg.Collector.Enabled = true
	cfg.Collector.URL = ln.Addr().String()

	var local bytes.Buffer
	errLog := slog.New(slog.NewTextHandler(io.Discard, nil))

	h, closeSinks, err := buildLogHandler(context.Background(), cfg, logging.NewHandler(&local, "info", "json"), errLog)
	if err != nil {
		t.Fatalf("buildLogHandler() error = %v", err)
	}

	slog.New(h).Info("Request", logging.FieldAudit, true)
	closeSinks()

	if !strings.Contains(local.String(), `"msg":"Request"`) {
		t.Errorf("local handler missed the record: %q", local.String())
	}

	select {
	case line := <-lines:
		if !strings.Contains(line, `"appname":"orders"`) || !strings.Contains(line, `"msg":"Request"`) {
			t.Errorf("collector line = %q", line)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("collector never received the record")
	}
}

func TestBuildLogHandlerErrors(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(c *config.Config)
	}{
		{
			name: "missing trust store",
			mutate: func(c *config.Config) {
				c.Collector.Enabled = true
				c.Collector.TrustStoreLocation = filepath.Join(t.TempDir(), "missing.pem")
			},
		},
		{
			name: "collector address without port",
			mutate: func(c *config.Config) {
				c.Collector.Enabled = true
				c.Collector.URL = "logstash"
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := config.DefaultConfig()
			tt.mutate(cfg)

			_, _, err := buildLogHandler(context.Background(), cfg, slog.Default().Handler(), slog.Default())
			if err == nil {
				t.Error("buildLogHandler() error = nil, want an error")
			}
		})
	}
}
