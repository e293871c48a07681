// Package forward relays connections to a fixed TCP backend. It is the bare
// TCP downstream server used by the proxywrap command.
package forward

import (
	"context"
	"io"
	"net"
	"time"

	"github.com/pires/go-proxyproto"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// Forwarder accepts connections from a listener and copies data both ways
// between each of them and a new connection to Backend.
type Forwarder struct {
	Backend     string
	DialTimeout time.Duration

	// SendProxyHeader makes the Forwarder announce the client address to the
	// backend with a PROXY v2 header, so the backend sees the same client the
	// Forwarder saw.
	SendProxyHeader bool

	Logger logrus.FieldLogger
}

// Serve accepts connections from l until it fails, relaying each of them in
// its own goroutine. Relays already running are not interrupted when Serve
// returns.
func (f *Forwarder) Serve(l net.Listener) error {
	if f == nil || f.Backend == "" {
		return errors.New("forward: no backend configured")
	}

	for {
		c, err := l.Accept()
		if err != nil {
			return err
		}
		go f.handle(c)
	}
}

// IsNil reports whether f is a nil *Forwarder, so it can be refused upfront
// by proxywrap.New.
func (f *Forwarder) IsNil() bool {
	return f == nil
}

func (f *Forwarder) log() logrus.FieldLogger {
	if f.Logger == nil {
		return logrus.StandardLogger()
	}
	return f.Logger
}

func (f *Forwarder) handle(c net.Conn) {
	defer c.Close()
	log := f.log().WithFields(logrus.Fields{
		"remote":  c.RemoteAddr(),
		"backend": f.Backend,
	})

	b, err := f.dial(c)
	if err != nil {
		log.WithError(err).Warn("forward: backend unavailable")
		return
	}
	defer b.Close()

	log.Debug("forward: relaying")
	start := time.Now()
	up, down, err := Relay(c, b)
	entry := log.WithFields(logrus.Fields{
		"up":       up,
		"down":     down,
		"duration": time.Since(start),
	})
	if err != nil {
		entry.WithError(err).Debug("forward: relay ended with error")
		return
	}
	entry.Debug("forward: relay done")
}

func (f *Forwarder) dial(c net.Conn) (net.Conn, error) {
	d := net.Dialer{Timeout: f.DialTimeout}
	b, err := d.DialContext(context.Background(), "tcp", f.Backend)
	if err != nil {
		return nil, errors.Wrapf(err, "forward: dialing %s", f.Backend)
	}
	if !f.SendProxyHeader {
		return b, nil
	}

	hdr := proxyproto.HeaderProxyFromAddrs(2, c.RemoteAddr(), c.LocalAddr())
	if _, err := hdr.WriteTo(b); err != nil {
		b.Close()
		return nil, errors.Wrap(err, "forward: writing PROXY header")
	}
	return b, nil
}

type closeWriter interface {
	CloseWrite() error
}

// Relay copies a to b and b to a until both directions are done. When one
// side is done sending, the other side's write half is closed if possible so
// half-closed streams keep working. It returns the byte counts of each
// direction and the first error other than a close.
func Relay(a, b net.Conn) (up, down int64, err error) {
	var g errgroup.Group
	g.Go(func() error {
		var err error
		up, err = pipe(b, a)
		return err
	})
	g.Go(func() error {
		var err error
		down, err = pipe(a, b)
		return err
	})
	err = g.Wait()
	return up, down, err
}

func pipe(dst, src net.Conn) (int64, error) {
	n, err := io.Copy(dst, src)
	if cw, ok := dst.(closeWriter); !ok || cw.CloseWrite() != nil {
		// no half close, tear the whole thing down
		dst.Close()
		src.Close()
	}
	if err != nil && !errors.Is(err, net.ErrClosed) && !errors.Is(err, io.ErrClosedPipe) {
		return n, err
	}
	return n, nil
}
