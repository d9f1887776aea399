// Package server implements the connection-serving side: an accept loop, a
// bounded pool of per-connection dispatch loops, a middleware chain around
// method invocation, and graceful shutdown.
//
// Request processing pipeline:
//
//	Accept conn → acquire gate slot → serveConn goroutine (owns the conn)
//	  → for each frame: Codec.Decode → Middleware Chain → Registry.Resolve
//	    → method call → Codec.Encode → write response (Call only)
//
// One dispatch loop owns its connection and handler instance exclusively for
// the whole connection lifetime. The loop is strictly sequential: the Nth
// call's response is written before the N+1th frame is read, which is what
// gives the client its FIFO call/response pairing.
package server

import (
	"context"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/ytrstu/rfoo/codec"
	"github.com/ytrstu/rfoo/handler"
	"github.com/ytrstu/rfoo/message"
	"github.com/ytrstu/rfoo/middleware"
	"github.com/ytrstu/rfoo/protocol"
	"github.com/ytrstu/rfoo/registry"
)

const (
	// Loopback restricts a default server to local requests.
	Loopback = "127.0.0.1"
	// DefaultPort is the conventional rfoo port.
	DefaultPort = 52431
	// DefaultMaxConns bounds simultaneously serviced connections. Accepted
	// connections beyond the bound wait at the OS accept backlog.
	DefaultMaxConns = 128
)

// Server accepts connections and services each one with its own dispatch
// loop and its own handler instance. Beyond the concurrency gate's counter it
// keeps no state across connections.
type Server struct {
	factory   handler.Factory
	codecType codec.Type
	gate      *semaphore.Weighted

	listener net.Listener
	wg       sync.WaitGroup // tracks live dispatch loops for graceful shutdown
	shutdown atomic.Bool    // suppresses the Accept error caused by Shutdown

	middlewares []middleware.Middleware
	chain       middleware.Middleware
	chainOnce   sync.Once

	registry      registry.Registry
	serviceName   string
	advertiseAddr string
}

// Option configures a Server.
type Option func(*Server)

// WithCodec selects the wire codec. Both peers must agree; the default is
// the binary codec.
func WithCodec(t codec.Type) Option {
	return func(s *Server) { s.codecType = t }
}

// WithMaxConns sets the concurrency gate capacity.
func WithMaxConns(n int64) Option {
	return func(s *Server) { s.gate = semaphore.NewWeighted(n) }
}

// WithRegistry makes the server advertise advertiseAddr under serviceName
// while serving. advertiseAddr differs from the listen address because a
// bind address like ":52431" is not routable for clients.
func WithRegistry(reg registry.Registry, serviceName, advertiseAddr string) Option {
	return func(s *Server) {
		s.registry = reg
		s.serviceName = serviceName
		s.advertiseAddr = advertiseAddr
	}
}

// NewServer creates a server that builds one handler per connection using
// factory.
func NewServer(factory handler.Factory, opts ...Option) *Server {
	s := &Server{
		factory:   factory,
		codecType: codec.TypeBinary,
		gate:      semaphore.NewWeighted(DefaultMaxConns),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Use registers a middleware. Middlewares apply in the order they are added,
// wrapping every method invocation on every connection. Must be called
// before serving.
func (s *Server) Use(mw middleware.Middleware) {
	s.middlewares = append(s.middlewares, mw)
}

// Serve listens on the given address and runs the accept loop until Shutdown
// or a listener error. network is "tcp" for host:port addresses or "unix"
// for filesystem paths.
//
// Each accepted connection costs one gate slot, held from before the
// dispatch loop starts until it exits; when the gate is saturated the accept
// loop blocks, and further connections queue at the OS accept backlog.
func (s *Server) Serve(network, address string) error {
	listener, err := net.Listen(network, address)
	if err != nil {
		return err
	}
	s.listener = listener
	s.buildChain()

	zap.L().Info("server listening",
		zap.String("network", network),
		zap.Stringer("addr", listener.Addr()))

	if s.registry != nil {
		if err := s.registry.Register(s.serviceName, registry.ServiceInstance{
			Addr: s.advertiseAddr,
		}, 10); err != nil { // TTL 10s, renewed by KeepAlive
			listener.Close()
			return err
		}
	}

	for {
		conn, err := listener.Accept()
		if err != nil {
			// Shutdown closes the listener, which surfaces here as an
			// Accept error. The flag tells intentional close apart
			// from a real failure.
			if s.shutdown.Load() {
				return nil
			}
			return err
		}

		if err := s.gate.Acquire(context.Background(), 1); err != nil {
			conn.Close()
			return err
		}
		s.wg.Add(1)
		go s.serveConn(protocol.NewConn(conn), conn.RemoteAddr())
	}
}

// ServeDefault serves TCP on the conventional loopback address, which
// restricts the server to local requests.
func (s *Server) ServeDefault() error {
	return s.Serve("tcp", fmt.Sprintf("%s:%d", Loopback, DefaultPort))
}

// ServePipe services one pre-established pipe pair, reading requests from r
// and writing responses to w. It blocks until the peer closes its end,
// holding one gate slot like any other connection. The handler is
// constructed with no peer address.
func (s *Server) ServePipe(r io.ReadCloser, w io.WriteCloser) error {
	s.buildChain()
	if err := s.gate.Acquire(context.Background(), 1); err != nil {
		return err
	}
	s.wg.Add(1)
	s.serveConn(protocol.NewConn(protocol.NewPipe(r, w)), nil)
	return nil
}

// Addr returns the listen address, or nil before Serve.
func (s *Server) Addr() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

func (s *Server) buildChain() {
	s.chainOnce.Do(func() {
		s.chain = middleware.Chain(s.middlewares...)
	})
}

// serveConn is the per-connection dispatch loop. It owns conn and the
// handler instance exclusively and releases everything on any exit path:
// connection closed first, then handler teardown, then the gate slot.
func (s *Server) serveConn(conn *protocol.Conn, addr net.Addr) {
	defer s.wg.Done()
	defer s.gate.Release(1)

	zap.L().Info("connection accepted", zap.Any("addr", addr))

	h := s.factory(addr)
	reg := handler.NewRegistry(h)
	defer reg.Teardown()
	defer conn.Close()

	cdc := codec.Get(s.codecType)
	invoke := s.chain(invokeHandler(reg))

	for {
		if err := s.dispatch(conn, cdc, invoke); err != nil {
			if err == protocol.ErrEOF {
				zap.L().Debug("connection closed by peer", zap.Any("addr", addr))
			} else {
				zap.L().Warn("connection aborted", zap.Any("addr", addr), zap.Error(err))
			}
			return
		}
	}
}

// dispatch services one frame: read, decode, invoke, and for Call requests
// write the response back. A returned error is fatal to the connection;
// method-level failures never reach here, they are already folded into the
// response by invokeHandler.
func (s *Server) dispatch(conn *protocol.Conn, cdc codec.Codec, invoke middleware.HandlerFunc) error {
	frame, err := conn.Read()
	if err != nil {
		return err
	}

	req := &message.Request{}
	if err := cdc.Decode(frame, req); err != nil {
		// Undecodable frame: the stream is presumed corrupt, nothing
		// can be sent to the peer.
		return fmt.Errorf("decode request: %w", err)
	}

	resp := invoke(context.Background(), req)

	if req.Kind == message.Notify {
		// Fire-and-forget: outcomes are observable only here, never by
		// the peer.
		if resp.Error != "" {
			zap.L().Warn("notify handler failed",
				zap.String("method", req.Method),
				zap.String("error", resp.Error))
		}
		return nil
	}

	out, err := cdc.Encode(resp)
	if err != nil {
		// The result cannot be serialized. Still answer, otherwise the
		// caller would hang waiting for its response.
		zap.L().Warn("failed to encode result",
			zap.String("method", req.Method), zap.Error(err))
		out, err = cdc.Encode(&message.Response{
			Error: fmt.Sprintf("unserializable result: %v", err),
		})
		if err != nil {
			return fmt.Errorf("encode response: %w", err)
		}
	}

	return conn.Write(out)
}

// invokeHandler is the innermost HandlerFunc: resolve the method against the
// connection's registry, call it, and fold any failure into the response.
// This is the single recovery boundary for application-level errors; nothing
// raised by a method or by resolution propagates past it.
func invokeHandler(reg *handler.Registry) middleware.HandlerFunc {
	return func(ctx context.Context, req *message.Request) *message.Response {
		fn, err := reg.Resolve(req.Method)
		if err != nil {
			zap.L().Warn("method resolution failed",
				zap.String("method", req.Method), zap.Error(err))
			return &message.Response{Error: err.Error()}
		}

		result, err := safeCall(fn, req.Args, req.Kwargs)
		if err != nil {
			zap.L().Warn("method raised",
				zap.String("method", req.Method), zap.Error(err))
			return &message.Response{Error: err.Error()}
		}

		return &message.Response{Result: result}
	}
}

// safeCall invokes fn, converting a panic into an ordinary error so a
// misbehaving handler cannot take down its dispatch loop.
func safeCall(fn handler.Func, args []any, kwargs map[string]any) (result any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic in handler: %v", r)
		}
	}()
	return fn(args, kwargs)
}

// Shutdown performs graceful shutdown:
//  1. Deregister from the registry, so clients stop routing here
//  2. Set the shutdown flag, then close the listener (stops accepting)
//  3. Wait up to timeout for in-flight dispatch loops to drain
//
// Live connections are not forcibly severed; a loop still running when the
// timeout expires keeps running, and Shutdown reports the timeout.
func (s *Server) Shutdown(timeout time.Duration) error {
	if s.registry != nil {
		if err := s.registry.Deregister(s.serviceName, s.advertiseAddr); err != nil {
			zap.L().Warn("deregister failed",
				zap.String("service", s.serviceName),
				zap.String("addr", s.advertiseAddr),
				zap.Error(err))
		}
	}

	// Flag first: closing first would surface the Accept error before the
	// flag is set and Serve would report a spurious failure.
	s.shutdown.Store(true)
	if s.listener != nil {
		s.listener.Close()
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-time.After(timeout):
		return fmt.Errorf("timeout waiting for connections to drain")
	}
}
