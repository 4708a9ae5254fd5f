// Package router wraps chi with named routes so the audit middleware can report
// which handler operation serves a request before the handler runs.
package router

import (
	stderrors "errors"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"
)

// ErrNoRoute is returned when no named route matches a method and path
var ErrNoRoute = stderrors.New("no matching route")

// Router is a chi.Mux that remembers an operation name per route
type Router struct {
	mux   *chi.Mux
	names map[string]string
}

// New creates an empty Router
func New() *Router {
	return &Router{
		mux:   chi.NewRouter(),
		names: make(map[string]string),
	}
}

func routeKey(method, pattern string) string {
	return method + " " + pattern
}

// Handle registers h for method and pattern under the operation name, e.g. "DemoHandler.Post".
// Routes must be registered before the router serves requests.
func (rt *Router) Handle(method, pattern, name string, h http.Handler) {
	rt.mux.Method(method, pattern, h)
	if name != "" {
		rt.names[routeKey(method, pattern)] = name
	}
}

// HandleFunc is Handle for plain functions
func (rt *Router) HandleFunc(method, pattern, name string, h http.HandlerFunc) {
	rt.Handle(method, pattern, name, h)
}

// NotFound sets the handler for unmatched paths
func (rt *Router) NotFound(h http.HandlerFunc) {
	rt.mux.NotFound(h)
}

// MethodNotAllowed sets the handler for paths matched with the wrong method
func (rt *Router) MethodNotAllowed(h http.HandlerFunc) {
	rt.mux.MethodNotAllowed(h)
}

// ResolveOperationName returns the name of the route that would serve method and path.
func (rt *Router) ResolveOperationName(method, path string) (string, error) {
	pattern := rt.mux.Find(chi.NewRouteContext(), method, path)
	if pattern == "" {
		return "", fmt.Errorf("%w: %s %s", ErrNoRoute, method, path)
	}

	name, ok := rt.names[routeKey(method, pattern)]
	if !ok {
		return "", fmt.Errorf("%w: %s %s has no operation name", ErrNoRoute, method, pattern)
	}
	return name, nil
}

func (rt *Router) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	rt.mux.ServeHTTP(w, r)
}
