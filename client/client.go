// Package client provides the call surfaces for invoking methods on a
// remote handler: Proxy for blocking calls and Notifier for fire-and-forget
// notifications.
//
// Method names are passed explicitly to Call and Notify; there is no dynamic
// attribute magic. A typed facade is one thin struct away:
//
//	type Calculator struct{ p *client.Proxy }
//
//	func (c *Calculator) Add(x, y int) (any, error) {
//		return c.p.Call("add", x, y)
//	}
package client

import (
	"fmt"
	"io"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/ytrstu/rfoo/codec"
	"github.com/ytrstu/rfoo/message"
	"github.com/ytrstu/rfoo/protocol"
	"github.com/ytrstu/rfoo/registry"
)

const (
	Loopback    = "127.0.0.1"
	DefaultPort = 52431
)

// RemoteError carries the server-supplied description of a failed call. The
// description is human-readable text; callers must not assume further
// structure.
type RemoteError struct {
	Description string
}

func (e *RemoteError) Error() string {
	return "remote error: " + e.Description
}

type options struct {
	codecType codec.Type
	timeout   time.Duration
}

// Option configures a Proxy at dial time.
type Option func(*options)

// WithCodec selects the wire codec. Must match the server's; the default is
// the binary codec.
func WithCodec(t codec.Type) Option {
	return func(o *options) { o.codecType = t }
}

// WithTimeout bounds each individual call or notification with an I/O
// deadline on the underlying channel. Zero, the default, blocks forever,
// which is the base protocol contract. Only channels with deadline support
// honor it (sockets do; io.Pipe pairs do not).
func WithTimeout(d time.Duration) Option {
	return func(o *options) { o.timeout = d }
}

// deadliner is the optional per-call deadline capability of a raw channel.
type deadliner interface {
	SetDeadline(t time.Time) error
}

// Proxy is bound to one connection for its lifetime. Calls on it are
// strictly serialized: each Call writes one request and blocks for exactly
// one response before the next may start, so call/response pairing is FIFO
// with no pipelining even when goroutines share the Proxy.
type Proxy struct {
	conn    *protocol.Conn
	cdc     codec.Codec
	timeout time.Duration
	dl      deadliner // nil when the channel has no deadline support
	mu      sync.Mutex
}

func newProxy(rwc io.ReadWriteCloser, o options) *Proxy {
	p := &Proxy{
		conn:    protocol.NewConn(rwc),
		cdc:     codec.Get(o.codecType),
		timeout: o.timeout,
	}
	if dl, ok := rwc.(deadliner); ok {
		p.dl = dl
	}
	return p
}

func applyOptions(opts []Option) options {
	o := options{codecType: codec.TypeBinary}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// Dial connects to a TCP server.
func Dial(host string, port int, opts ...Option) (*Proxy, error) {
	conn, err := net.Dial("tcp", net.JoinHostPort(host, strconv.Itoa(port)))
	if err != nil {
		return nil, errors.Wrap(err, "dial tcp")
	}
	return newProxy(conn, applyOptions(opts)), nil
}

// DialAddr connects to a TCP server by a pre-joined host:port address.
func DialAddr(addr string, opts ...Option) (*Proxy, error) {
	conn, err := net.Dial("tcp", addr)
	if err != nil {
		return nil, errors.Wrap(err, "dial tcp")
	}
	return newProxy(conn, applyOptions(opts)), nil
}

// DialUnix connects to a Unix domain socket server by filesystem path.
func DialUnix(path string, opts ...Option) (*Proxy, error) {
	conn, err := net.Dial("unix", path)
	if err != nil {
		return nil, errors.Wrap(err, "dial unix")
	}
	return newProxy(conn, applyOptions(opts)), nil
}

// NewPipeProxy binds a Proxy to a pre-established pipe pair, reading
// responses from r and writing requests to w.
func NewPipeProxy(r io.ReadCloser, w io.WriteCloser, opts ...Option) *Proxy {
	return newProxy(protocol.NewPipe(r, w), applyOptions(opts))
}

// dialCounter spreads successive DialService calls round-robin across the
// discovered instances.
var dialCounter atomic.Int64

// DialService discovers instances of serviceName through reg and connects to
// the next one in round-robin order.
func DialService(reg registry.Registry, serviceName string, opts ...Option) (*Proxy, error) {
	instances, err := reg.Discover(serviceName)
	if err != nil {
		return nil, errors.Wrap(err, "discover "+serviceName)
	}
	if len(instances) == 0 {
		return nil, fmt.Errorf("no instances registered for service %s", serviceName)
	}
	index := dialCounter.Add(1) % int64(len(instances))
	return DialAddr(instances[index].Addr, opts...)
}

// Call invokes method with positional arguments and blocks for its response.
// It returns the result, a *RemoteError when the server reports a failure,
// or the local transport error (protocol.ErrEOF included) when the
// connection died before or during the call.
func (p *Proxy) Call(method string, args ...any) (any, error) {
	return p.CallKw(method, args, nil)
}

// CallKw is Call with named arguments alongside the positional ones.
func (p *Proxy) CallKw(method string, args []any, kwargs map[string]any) (any, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if err := p.send(message.Call, method, args, kwargs); err != nil {
		return nil, err
	}

	frame, err := p.conn.Read()
	if err != nil {
		return nil, err
	}

	resp := &message.Response{}
	if err := p.cdc.Decode(frame, resp); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}

	if resp.Error != "" {
		zap.L().Warn("error returned by peer",
			zap.String("method", method),
			zap.String("error", resp.Error))
		return nil, &RemoteError{Description: resp.Error}
	}

	return resp.Result, nil
}

// send writes one request, applying the configured deadline around the
// exchange when the channel supports one. The caller holds p.mu.
func (p *Proxy) send(kind message.Kind, method string, args []any, kwargs map[string]any) error {
	req := &message.Request{
		Kind:   kind,
		Method: method,
		Args:   args,
		Kwargs: kwargs,
	}
	data, err := p.cdc.Encode(req)
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}

	if p.timeout > 0 && p.dl != nil {
		p.dl.SetDeadline(time.Now().Add(p.timeout))
	}

	return p.conn.Write(data)
}

// Close releases the connection. Idempotent.
func (p *Proxy) Close() error {
	return p.conn.Close()
}

// Notifier shares the Proxy's connection and serialization but sends Notify
// requests: fire-and-forget, no response, no observable outcome.
type Notifier struct {
	p *Proxy
}

// Notifier returns the fire-and-forget surface over the same connection.
// Notifications and calls on the same connection stay mutually ordered.
func (p *Proxy) Notifier() *Notifier {
	return &Notifier{p: p}
}

// Notify invokes method with positional arguments and returns as soon as the
// request is written. Neither the result nor a handler failure is ever
// reported back.
func (n *Notifier) Notify(method string, args ...any) error {
	return n.NotifyKw(method, args, nil)
}

// NotifyKw is Notify with named arguments alongside the positional ones.
func (n *Notifier) NotifyKw(method string, args []any, kwargs map[string]any) error {
	n.p.mu.Lock()
	defer n.p.mu.Unlock()
	return n.p.send(message.Notify, method, args, kwargs)
}
