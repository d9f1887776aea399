// Package handler maps remote method names to invocable functions.
//
// Method dispatch is an explicit table, not reflection: a handler declares
// its remotely invocable methods as a name to function map at construction
// time. Names starting with the internal marker "_" are reserved for private
// members and are rejected both at registration and at resolution, so such a
// name is never remotely invocable no matter what a handler defines.
//
// One handler instance serves exactly one connection. It is constructed with
// the peer address (or none for pipe transports), may keep state between
// calls on that connection, and gets torn down when the connection ends.
package handler

import (
	"fmt"
	"net"
	"strings"

	"go.uber.org/zap"
)

// InternalPrefix marks methods that are never remotely invocable.
const InternalPrefix = "_"

// Func is the shape of every remotely invocable method: positional arguments
// in call order plus named arguments, returning a codec-encodable result or
// an error.
type Func func(args []any, kwargs map[string]any) (any, error)

// Handler exposes methods to remote callers for the lifetime of one
// connection.
type Handler interface {
	// Lookup returns the named method, or a *MethodError when the handler
	// does not define it. Lookup may be arbitrarily expensive; the
	// Registry caches its results per connection.
	Lookup(name string) (Func, error)

	// Teardown runs per-connection cleanup. Called exactly once, when the
	// connection's dispatch loop exits for any reason.
	Teardown()
}

// Factory builds one Handler per accepted connection. addr is the peer
// address, or nil for pipe and other local transports.
type Factory func(addr net.Addr) Handler

// MethodError reports that a name does not resolve to an invocable public
// method: it is missing, or private.
type MethodError struct {
	Name string
}

func (e *MethodError) Error() string {
	return fmt.Sprintf("no such method: %s", e.Name)
}

// Map is the standard Handler: an explicit method table built at
// construction. NewMap rejects private names up front, which turns the
// privacy-by-prefix convention into an allow-list check at registration time
// instead of at call time.
type Map struct {
	methods  map[string]Func
	teardown func()
}

// NewMap builds a Map from the given method table. Registering a name with
// the internal marker prefix is a programming error and is reported
// immediately.
func NewMap(methods map[string]Func) (*Map, error) {
	for name := range methods {
		if strings.HasPrefix(name, InternalPrefix) {
			return nil, fmt.Errorf("cannot register non-public method: %s", name)
		}
	}
	m := &Map{methods: make(map[string]Func, len(methods))}
	for name, fn := range methods {
		m.methods[name] = fn
	}
	return m, nil
}

// OnTeardown sets a cleanup hook invoked when the owning connection ends.
func (m *Map) OnTeardown(fn func()) {
	m.teardown = fn
}

func (m *Map) Lookup(name string) (Func, error) {
	fn, ok := m.methods[name]
	if !ok {
		return nil, &MethodError{Name: name}
	}
	return fn, nil
}

func (m *Map) Teardown() {
	if m.teardown != nil {
		m.teardown()
	}
}

// Registry wraps one Handler for the lifetime of one connection and caches
// name resolution, so repeated calls to the same method skip the handler's
// Lookup after the first hit. A Registry is owned by a single dispatch loop
// and needs no locking.
type Registry struct {
	handler  Handler
	cache    map[string]Func
	torndown bool
}

func NewRegistry(h Handler) *Registry {
	return &Registry{
		handler: h,
		cache:   make(map[string]Func),
	}
}

// Resolve returns the callable for name. Private names are rejected before
// the handler is ever consulted, so a handler cannot leak an internal member
// by defining it.
func (r *Registry) Resolve(name string) (Func, error) {
	if fn, ok := r.cache[name]; ok {
		return fn, nil
	}

	if strings.HasPrefix(name, InternalPrefix) {
		zap.L().Warn("attempt to resolve non-public method", zap.String("method", name))
		return nil, &MethodError{Name: name}
	}

	fn, err := r.handler.Lookup(name)
	if err != nil {
		return nil, err
	}

	r.cache[name] = fn
	return fn, nil
}

// Teardown clears the resolution cache and runs the handler's cleanup hook.
// Safe to call more than once; only the first call has any effect.
func (r *Registry) Teardown() {
	if r.torndown {
		return
	}
	r.torndown = true
	r.cache = nil
	r.handler.Teardown()
}
