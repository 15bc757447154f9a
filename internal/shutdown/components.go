package shutdown

import (
	"context"
	"io"
	"net/http"
)

// HTTPServerComponent stops an http.Server, letting in-flight requests finish.
type HTTPServerComponent struct {
	name   string
	server *http.Server
}

// NewHTTPServerComponent wraps server.
func NewHTTPServerComponent(name string, server *http.Server) *HTTPServerComponent {
	return &HTTPServerComponent{name: name, server: server}
}

// Name returns the component name.
func (c *HTTPServerComponent) Name() string {
	return c.name
}

// Shutdown stops accepting connections and waits for in-flight requests.
func (c *HTTPServerComponent) Shutdown(ctx context.Context) error {
	return c.server.Shutdown(ctx)
}

// CloserComponent closes an io.Closer such as the badger persister.
type CloserComponent struct {
	name   string
	closer io.Closer
}

// NewCloserComponent wraps closer.
func NewCloserComponent(name string, closer io.Closer) *CloserComponent {
	return &CloserComponent{name: name, closer: closer}
}

// Name returns the component name.
func (c *CloserComponent) Name() string {
	return c.name
}

// Shutdown closes the underlying resource.
func (c *CloserComponent) Shutdown(context.Context) error {
	return c.closer.Close()
}

// FuncComponent wraps a shutdown function.
type FuncComponent struct {
	name string
	fn   func(ctx context.Context) error
}

// NewFuncComponent wraps fn.
func NewFuncComponent(name string, fn func(ctx context.Context) error) *FuncComponent {
	return &FuncComponent{name: name, fn: fn}
}

// Name returns the component name.
func (c *FuncComponent) Name() string {
	return c.name
}

// Shutdown calls the wrapped function.
func (c *FuncComponent) Shutdown(ctx context.Context) error {
	return c.fn(ctx)
}
