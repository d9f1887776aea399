package protocol

import (
	"io"
	"sync"
)

// Pipe joins one read end and one write end of two unidirectional pipes into
// a single bidirectional channel with the same read/write/close contract as a
// socket. It is the binding used for same-host parent/child IPC where no
// socket exists.
type Pipe struct {
	r io.ReadCloser
	w io.WriteCloser

	wOnce sync.Once
	wErr  error
	rOnce sync.Once
	rErr  error
}

// NewPipe builds a Pipe reading from r and writing to w. The two halves
// belong to different pipes: the peer holds the opposite ends.
func NewPipe(r io.ReadCloser, w io.WriteCloser) *Pipe {
	return &Pipe{r: r, w: w}
}

func (p *Pipe) Read(b []byte) (int, error) {
	return p.r.Read(b)
}

func (p *Pipe) Write(b []byte) (int, error) {
	return p.w.Write(b)
}

// CloseWrite closes only the write end, signaling end of stream to the peer
// while reads stay open. This is the pipe equivalent of a socket half-close.
// Idempotent.
func (p *Pipe) CloseWrite() error {
	p.wOnce.Do(func() { p.wErr = p.w.Close() })
	return p.wErr
}

// Close releases both ends. The write end goes first so the peer observes a
// clean end of stream. Idempotent; returns the write-end error when both
// fail.
func (p *Pipe) Close() error {
	werr := p.CloseWrite()
	p.rOnce.Do(func() { p.rErr = p.r.Close() })
	if werr != nil {
		return werr
	}
	return p.rErr
}
