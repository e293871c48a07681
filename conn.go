package proxywrap

import (
	"net"
	"time"

	"github.com/pkg/errors"
)

var errHalfClose = errors.New("proxywrap: underlying connection cannot be half closed")

// Conn is the connection handed to the downstream server once detection is
// over. Reads first return the bytes the detector consumed past the PROXY
// header (or every byte it consumed, for a plain connection), then go straight
// to the underlying connection.
//
// When the connection carried a PROXY header, RemoteAddr returns the original
// client address from that header. Every other method is delegated.
type Conn struct {
	conn   net.Conn    // underlying connection
	rbuf   []byte      // leftover from detection, not yet returned by Read
	r      net.Addr    // remote address, possibly from the header
	header *HeaderInfo // nil for plain connections
}

func newConn(c net.Conn, leftover []byte, h *HeaderInfo) *Conn {
	cw := &Conn{conn: c, r: c.RemoteAddr(), header: h}
	if len(leftover) > 0 {
		// own a copy, the detector buffer is not ours
		cw.rbuf = append([]byte(nil), leftover...)
	}
	if h != nil && h.Proxied() {
		cw.r = h.Source
	}
	return cw
}

// isUsed reports whether c carries anything over the underlying connection:
// bytes to replay or a header.
func (c *Conn) isUsed() bool {
	if len(c.rbuf) != 0 {
		return true
	}
	return c.header != nil
}

// Read reads data into b. Leftover bytes from detection are returned first.
func (c *Conn) Read(b []byte) (int, error) {
	if ln := len(c.rbuf); ln > 0 {
		n := copy(b, c.rbuf)
		if n == ln {
			c.rbuf = nil
		} else {
			// rbuf did not fit, keep the rest for the next call
			c.rbuf = c.rbuf[n:]
		}
		return n, nil
	}
	return c.conn.Read(b)
}

// Buffered returns how many leftover bytes have not been read yet.
func (c *Conn) Buffered() int {
	return len(c.rbuf)
}

// Header returns the decoded PROXY header, or nil if there was none.
func (c *Conn) Header() *HeaderInfo {
	return c.header
}

// Write writes data to the underlying connection.
func (c *Conn) Write(b []byte) (int, error) {
	return c.conn.Write(b)
}

// Close closes the underlying connection.
func (c *Conn) Close() error {
	return c.conn.Close()
}

// LocalAddr returns the local address of the underlying connection.
func (c *Conn) LocalAddr() net.Addr {
	return c.conn.LocalAddr()
}

// RemoteAddr returns the client address from the PROXY header if there was
// one, the transport peer address otherwise.
func (c *Conn) RemoteAddr() net.Addr {
	return c.r
}

// SetDeadline sets the read and write deadlines of the underlying connection.
func (c *Conn) SetDeadline(t time.Time) error {
	return c.conn.SetDeadline(t)
}

// SetReadDeadline sets the read deadline of the underlying connection. Leftover
// bytes are returned regardless of it.
func (c *Conn) SetReadDeadline(t time.Time) error {
	return c.conn.SetReadDeadline(t)
}

// SetWriteDeadline sets the write deadline of the underlying connection.
func (c *Conn) SetWriteDeadline(t time.Time) error {
	return c.conn.SetWriteDeadline(t)
}

// CloseRead shuts down the reading side, if the underlying connection
// supports it.
func (c *Conn) CloseRead() error {
	if hc, ok := c.conn.(interface{ CloseRead() error }); ok {
		return hc.CloseRead()
	}
	return errHalfClose
}

// CloseWrite shuts down the writing side, if the underlying connection
// supports it.
func (c *Conn) CloseWrite() error {
	if hc, ok := c.conn.(interface{ CloseWrite() error }); ok {
		return hc.CloseWrite()
	}
	return errHalfClose
}

// Unwrap returns the underlying net.Conn once all leftover bytes have been
// read, or nil while some are still pending.
func (c *Conn) Unwrap() net.Conn {
	if c.rbuf != nil {
		// can't unwrap yet at this point
		return nil
	}
	return c.conn
}

// NetConn returns the underlying tcp connection. Read or write to this connection will
// likely corrupt it.
func (c *Conn) NetConn() net.Conn {
	res := c.conn

	for {
		if c2, ok := res.(interface{ NetConn() net.Conn }); ok {
			res = c2.NetConn()
		} else {
			// no more levels
			return res
		}
	}
}

// HeaderOf returns the PROXY header of a connection accepted from a Listener,
// looking through wrappers such as *tls.Conn. It returns nil when there was no
// header or c does not come from a Listener.
func HeaderOf(c net.Conn) *HeaderInfo {
	for {
		switch cv := c.(type) {
		case *Conn:
			return cv.header
		case interface{ NetConn() net.Conn }:
			c = cv.NetConn()
		default:
			return nil
		}
	}
}
