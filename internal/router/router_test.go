package router

import (
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
)

func newTestRouter() *Router {
	rt := New()
	rt.HandleFunc(http.MethodGet, "/get", "DemoHandler.Get", func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, "get")
	})
	rt.HandleFunc(http.MethodPost, "/post", "DemoHandler.Post", func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, "post")
	})
	rt.HandleFunc(http.MethodGet, "/items/{id}", "ItemHandler.Get", func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, "item")
	})
	rt.HandleFunc(http.MethodGet, "/unnamed", "", func(w http.ResponseWriter, r *http.Request) {})
	return rt
}

func TestResolveOperationName(t *testing.T) {
	rt := newTestRouter()

	tests := []struct {
		name    string
		method  string
		path    string
		want    string
		wantErr bool
	}{
		{name: "static GET", method: http.MethodGet, path: "/get", want: "DemoHandler.Get"},
		{name: "static POST", method: http.MethodPost, path: "/post", want: "DemoHandler.Post"},
		{name: "path parameter", method: http.MethodGet, path: "/items/42", want: "ItemHandler.Get"},
		{name: "unknown path", method: http.MethodGet, path: "/nope", wantErr: true},
		{name: "wrong method", method: http.MethodDelete, path: "/get", wantErr: true},
		{name: "route without name", method: http.MethodGet, path: "/unnamed", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := rt.ResolveOperationName(tt.method, tt.path)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ResolveOperationName() error = %v, wantErr %v", err, tt.wantErr)
			}
			if tt.wantErr && !errors.Is(err, ErrNoRoute) {
				t.Errorf("error = %v, want ErrNoRoute", err)
			}
			if got != tt.want {
				t.Errorf("ResolveOperationName() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestRouterServesRoutes(t *testing.T) {
	rt := newTestRouter()
	rt.NotFound(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	})

	tests := []struct {
		method     string
		path       string
		wantStatus int
		wantBody   string
	}{
		{http.MethodGet, "/get", http.StatusOK, "get"},
		{http.MethodPost, "/post", http.StatusOK, "post"},
		{http.MethodGet, "/items/7", http.StatusOK, "item"},
		{http.MethodGet, "/missing", http.StatusTeapot, ""},
		{http.MethodPut, "/post", http.StatusMethodNotAllowed, ""},
	}

	for _, tt := range tests {
		rec := httptest.NewRecorder()
		rt.ServeHTTP(rec, httptest.NewRequest(tt.method, tt.path, nil))

		if rec.Code != tt.wantStatus {
			t.Errorf("%s %s status = %d, want %d", tt.method, tt.path, rec.Code, tt.wantStatus)
		}
		if tt.wantBody != "" && rec.Body.String() != tt.wantBody {
			t.Errorf("%s %s body = %q, want %q", tt.method, tt.path, rec.Body.String(), tt.wantBody)
		}
	}
}
