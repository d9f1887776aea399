// Package protocol implements length-prefixed framing over a raw byte channel.
//
// A byte stream has no message boundaries: one send on the peer side may
// arrive split across many reads, and several sends may arrive glued into
// one. Conn hides that behind a framing contract. Each frame is an 8-digit
// lowercase hexadecimal length prefix immediately followed by that many
// payload bytes:
//
//	0        8
//	┌────────┬────────────────┐
//	│ %08x   │ payload ...    │
//	│ length │ length bytes   │
//	└────────┴────────────────┘
//
// The framing logic is transport-agnostic: it is parameterized only by "read
// up to K bytes" and "write all bytes" on an io.ReadWriteCloser, so the same
// Conn runs over TCP sockets, Unix domain sockets, and pipe pairs.
package protocol

import (
	"errors"
	"fmt"
	"io"
	"strconv"
	"sync"
)

const (
	// prefixSize is the fixed width of the hexadecimal length prefix.
	prefixSize = 8
	// bufferSize is how many bytes one underlying read asks for.
	bufferSize = 4096
	// MaxFrameSize is the largest payload the 8-digit prefix can express.
	MaxFrameSize = 0xffffffff
)

// ErrEOF reports that the peer closed the connection. It is the expected
// terminal condition of every dispatch loop and is distinguishable from
// transport failures: callers log it at debug severity, not as an error.
var ErrEOF = errors.New("connection closed by peer")

// Conn wraps a raw byte channel with buffered reads and length-prefixed
// frames. A Conn is owned by exactly one goroutine at a time for reads; Close
// may be called from any goroutine and is idempotent.
type Conn struct {
	rwc     io.ReadWriteCloser
	buffer  []byte // bytes received but not yet consumed as a complete frame
	scratch []byte

	closeOnce sync.Once
	closeErr  error
}

// NewConn wraps rwc. The channel is used as-is: for sockets pass the
// net.Conn, for pipe pairs pass a Pipe.
func NewConn(rwc io.ReadWriteCloser) *Conn {
	return &Conn{
		rwc:     rwc,
		scratch: make([]byte, bufferSize),
	}
}

// Write sends one length-prefixed frame. It loops until every byte has been
// submitted to the channel, so a partial underlying write never truncates a
// frame, and surfaces any channel failure unmasked.
func (c *Conn) Write(payload []byte) error {
	if len(payload) > MaxFrameSize {
		return fmt.Errorf("frame too large: %d bytes", len(payload))
	}

	frame := make([]byte, prefixSize+len(payload))
	copy(frame, fmt.Sprintf("%08x", len(payload)))
	copy(frame[prefixSize:], payload)

	for len(frame) > 0 {
		n, err := c.rwc.Write(frame)
		if err != nil {
			return err
		}
		frame = frame[n:]
	}
	return nil
}

// Read blocks until one complete frame is available and returns its payload,
// stripped of framing. Bytes of a next frame that arrive early are retained
// in the buffer for the following Read.
//
// Returns ErrEOF when the peer closed the connection, a framing error when
// the length prefix is not valid hexadecimal, or the channel error otherwise.
func (c *Conn) Read() ([]byte, error) {
	if err := c.fill(prefixSize); err != nil {
		return nil, err
	}

	length, err := strconv.ParseUint(string(c.buffer[:prefixSize]), 16, 32)
	if err != nil {
		return nil, fmt.Errorf("malformed length prefix %q", c.buffer[:prefixSize])
	}
	total := prefixSize + int(length)

	if err := c.fill(total); err != nil {
		return nil, err
	}

	payload := make([]byte, length)
	copy(payload, c.buffer[prefixSize:total])

	// Trim the consumed frame from the front, keeping any early bytes of
	// the next frame.
	c.buffer = c.buffer[:copy(c.buffer, c.buffer[total:])]

	return payload, nil
}

// fill reads from the channel until the buffer holds at least n bytes.
// End of stream before that is ErrEOF: the peer closed mid-frame or between
// frames, and either way no complete frame can ever arrive.
func (c *Conn) fill(n int) error {
	for len(c.buffer) < n {
		k, err := c.rwc.Read(c.scratch)
		if k > 0 {
			c.buffer = append(c.buffer, c.scratch[:k]...)
			continue
		}
		if err != nil {
			if err == io.EOF {
				return ErrEOF
			}
			return err
		}
	}
	return nil
}

// Close shuts the connection down and releases the channel. It attempts a
// half-close first when the channel supports one (TCP/Unix CloseWrite),
// signaling end of stream to the peer before the resource goes away. Close
// is idempotent and never fails on an already-dead resource: repeated calls
// return the first result.
func (c *Conn) Close() error {
	c.closeOnce.Do(func() {
		if hc, ok := c.rwc.(interface{ CloseWrite() error }); ok {
			hc.CloseWrite() // best effort
		}
		c.closeErr = c.rwc.Close()
	})
	return c.closeErr
}
