// Pool lends out exclusive Proxy connections for callers that want
// client-side concurrency: each borrowed Proxy carries one in-flight call at
// a time as the protocol requires, and concurrency comes from borrowing
// several.
//
// Pool design: a buffered channel as a natural FIFO queue. Buffered channels
// are concurrency-safe and blocking on empty is built in.
package client

import (
	"errors"
	"fmt"
	"sync"
)

// ErrPoolClosed reports a Get or a blocked borrow racing with Close.
var ErrPoolClosed = errors.New("pool is closed")

// Pool manages up to maxSize Proxy connections to one server. Connections
// are created lazily through the dial function and reused across borrows.
type Pool struct {
	mu      sync.Mutex
	proxies chan *Proxy // buffered channel as pool
	maxSize int
	cur     int // proxies created so far (may be < maxSize)
	closed  bool
	dial    func() (*Proxy, error)
}

// NewPool creates a pool that dials new connections on demand, up to
// maxSize. The pool starts empty and grows as borrows outpace returns.
func NewPool(maxSize int, dial func() (*Proxy, error)) *Pool {
	return &Pool{
		proxies: make(chan *Proxy, maxSize),
		maxSize: maxSize,
		dial:    dial,
	}
}

// Get borrows a Proxy.
// Strategy:
//  1. Reuse an idle one when available (non-blocking receive)
//  2. Dial a new one while under the limit
//  3. At the limit, block until a borrow is returned
//
// Returns ErrPoolClosed once Close has run, including for borrows already
// blocked at the limit.
func (p *Pool) Get() (*Proxy, error) {
	select {
	case proxy := <-p.proxies:
		if proxy == nil { // channel closed
			return nil, ErrPoolClosed
		}
		return proxy, nil
	default:
		p.mu.Lock()
		if p.closed {
			p.mu.Unlock()
			return nil, ErrPoolClosed
		}
		if p.cur < p.maxSize {
			p.cur++
			p.mu.Unlock()
			proxy, err := p.dial()
			if err != nil {
				p.mu.Lock()
				p.cur--
				p.mu.Unlock()
				return nil, err
			}
			return proxy, nil
		}
		p.mu.Unlock()
		proxy := <-p.proxies
		if proxy == nil {
			return nil, ErrPoolClosed
		}
		return proxy, nil
	}
}

// Put returns a healthy Proxy to the pool for reuse. After Close it closes
// the connection instead: late returns must not linger or panic.
func (p *Pool) Put(proxy *Proxy) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		proxy.Close()
		p.cur--
		return
	}
	// The send cannot block: at most cur proxies exist and the channel
	// holds maxSize. Guarded by mu so it never races the close in Close.
	p.proxies <- proxy
}

// Discard closes a Proxy whose connection misbehaved instead of returning
// it, freeing its slot for a fresh dial.
func (p *Pool) Discard(proxy *Proxy) {
	proxy.Close()
	p.mu.Lock()
	p.cur--
	p.mu.Unlock()
}

// Close shuts the pool down and closes every idle connection. Blocked Gets
// observe ErrPoolClosed; proxies still borrowed are closed as they come back
// through Put. Idempotent.
func (p *Pool) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true
	close(p.proxies)
	for proxy := range p.proxies {
		proxy.Close()
		p.cur--
	}
	if p.cur > 0 {
		return fmt.Errorf("%d connections still borrowed", p.cur)
	}
	return nil
}
