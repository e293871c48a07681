package proxywrap

import (
	"io"
	"net"
	"os"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/semaphore"
)

// readSize is how much is read at once while detecting. Anything read past
// the header is replayed to the downstream server.
const readSize = 4096

type queuePoint struct {
	c net.Conn
	e error
}

// Listener is a net.Listener handing out connections with their PROXY v2
// header removed. Each accepted connection runs detection in its own
// goroutine and is queued for Accept once resolved, so a slow client never
// holds up the others.
type Listener struct {
	srv   *Server
	ln    net.Listener
	queue chan queuePoint
	sem   *semaphore.Weighted

	done      chan struct{}
	closeOnce sync.Once
	err       error // why Accept fails, valid once done is closed

	pending   map[net.Conn]struct{}
	pendingLk sync.Mutex
	closed    bool
	wg        sync.WaitGroup
}

func newListener(s *Server, ln net.Listener) *Listener {
	l := &Listener{
		srv:     s,
		ln:      ln,
		queue:   make(chan queuePoint, 8),
		done:    make(chan struct{}),
		pending: make(map[net.Conn]struct{}),
	}
	if s.MaxPending > 0 {
		l.sem = semaphore.NewWeighted(s.MaxPending)
	}
	return l
}

// Accept blocks until a connection is available, then return said connection
// or an error if the listener was closed.
func (l *Listener) Accept() (net.Conn, error) {
	select {
	case <-l.done:
		return nil, l.err
	default:
	}

	select {
	case p := <-l.queue:
		return p.c, p.e
	case <-l.done:
		return nil, l.err
	}
}

// Close stops accepting connections and closes every connection that has not
// been handed off yet, whether still in detection or waiting for Accept.
func (l *Listener) Close() error {
	err := l.closeWithError(net.ErrClosed)
	l.wg.Wait()

	for {
		select {
		case p := <-l.queue:
			if p.c != nil {
				p.c.Close()
			}
		default:
			return err
		}
	}
}

func (l *Listener) closeWithError(reason error) error {
	var err error
	l.closeOnce.Do(func() {
		l.err = reason
		close(l.done)
		err = l.ln.Close()

		l.pendingLk.Lock()
		l.closed = true
		conns := l.pending
		l.pending = nil
		l.pendingLk.Unlock()

		for c := range conns {
			c.Close()
		}
		l.srv.forget(l)
	})
	return err
}

// Addr returns the address the socket is listening on.
func (l *Listener) Addr() net.Addr {
	return l.ln.Addr()
}

// Pending returns the number of connections currently in detection.
func (l *Listener) Pending() int {
	l.pendingLk.Lock()
	defer l.pendingLk.Unlock()

	return len(l.pending)
}

func (l *Listener) listenLoop() {
	defer l.wg.Done()

	var tempDelay time.Duration // how long to sleep on accept failure
	for {
		c, err := l.ln.Accept()
		if err != nil {
			select {
			case <-l.done:
				return
			default:
			}

			// check for temporary error
			if ne, ok := err.(net.Error); ok && ne.Temporary() {
				if tempDelay == 0 {
					tempDelay = 5 * time.Millisecond
				} else {
					tempDelay *= 2
				}
				if max := 1 * time.Second; tempDelay > max {
					tempDelay = max
				}
				l.srv.log().WithError(err).Warnf("proxywrap: accept error, retrying in %s", tempDelay)
				time.Sleep(tempDelay)
				continue
			}

			l.srv.log().WithError(err).Error("proxywrap: accept failed")
			l.closeWithError(err)
			return
		}
		tempDelay = 0

		if err := tune(c, l.srv.SetNoDelay); err != nil {
			l.srv.log().WithError(err).Warn("proxywrap: could not tune socket")
		}
		l.HandleConn(c)
	}
}

// HandleConn runs detection on a connection obtained elsewhere, as if it had
// just been accepted. Once resolved it is returned by Accept.
func (l *Listener) HandleConn(c net.Conn) {
	if l.sem != nil && !l.sem.TryAcquire(1) {
		// out of luck
		c.Close()
		l.srv.Metrics.connection("dropped")
		l.srv.log().WithField("remote", c.RemoteAddr()).Warn(ErrTooManyPending)
		return
	}

	l.pendingLk.Lock()
	if l.closed {
		l.pendingLk.Unlock()
		c.Close()
		l.release()
		return
	}
	l.pending[c] = struct{}{}
	l.wg.Add(1)
	l.pendingLk.Unlock()

	l.srv.Metrics.pending(1)
	go l.processConn(c)
}

func (l *Listener) release() {
	if l.sem != nil {
		l.sem.Release(1)
	}
}

// untrack removes c from the pending set. It returns false if the listener
// was closed meanwhile, in which case c was closed already.
func (l *Listener) untrack(c net.Conn) bool {
	l.pendingLk.Lock()
	defer l.pendingLk.Unlock()

	if l.closed {
		return false
	}
	delete(l.pending, c)
	return true
}

// processConn is run in a goroutine for each connection and hands it off once
// detection completes.
func (l *Listener) processConn(c net.Conn) {
	defer l.wg.Done()
	defer l.release()
	defer l.srv.Metrics.pending(-1)

	final, err := l.detect(c)
	if !l.untrack(c) {
		// listener is gone, and so is c
		return
	}
	if err != nil {
		c.Close()
		l.srv.Metrics.connection("failed")
		source := "detect"
		var decErr *DecodeError
		if errors.As(err, &decErr) {
			source = "decode"
		}
		l.srv.handleError(err, source, c)
		return
	}

	l.srv.log().WithFields(logrus.Fields{
		"remote":  final.RemoteAddr(),
		"peer":    c.RemoteAddr(),
		"proxied": HeaderOf(final) != nil,
	}).Debug("proxywrap: handing off connection")

	select {
	case l.queue <- queuePoint{c: final}:
	case <-l.done:
		final.Close()
	}
}

// detect reads from c until the Detector resolves, then returns the
// connection to hand off.
func (l *Listener) detect(c net.Conn) (net.Conn, error) {
	s := l.srv
	if !trusted(c.RemoteAddr(), s.TrustedProxies) {
		s.Metrics.connection("untrusted")
		return c, nil
	}

	if s.HeaderTimeout > 0 {
		if err := c.SetReadDeadline(time.Now().Add(s.HeaderTimeout)); err != nil {
			return nil, err
		}
	}

	d := NewDetector()
	buf := make([]byte, readSize)
	for d.State() != Resolved {
		n, err := c.Read(buf)
		if n > 0 && d.Feed(buf[:n]) == Resolved {
			break
		}
		if err == nil {
			continue
		}
		if errors.Is(err, io.EOF) && d.Buffered() > 0 {
			if ferr := d.Finish(); ferr != nil {
				return nil, errors.Wrap(ferr, "proxywrap: connection closed inside PROXY header")
			}
			break
		}
		if errors.Is(err, os.ErrDeadlineExceeded) {
			return nil, ErrHeaderTimeout
		}
		return nil, err
	}

	if s.HeaderTimeout > 0 {
		if err := c.SetReadDeadline(time.Time{}); err != nil {
			return nil, err
		}
	}

	if !d.IsProxy() {
		s.Metrics.connection("plain")
		return newConn(c, d.Leftover(), nil), nil
	}

	h, err := s.decoder()(d.Header())
	if err != nil {
		var decErr *DecodeError
		if !errors.As(err, &decErr) {
			err = &DecodeError{Err: err}
		}
		return nil, err
	}
	s.Metrics.header(d.HeaderLen())
	if h != nil && h.Proxied() {
		s.Metrics.connection("proxy")
	} else {
		s.Metrics.connection("local")
	}

	cw := newConn(c, d.Leftover(), h)
	if !cw.isUsed() {
		// nothing to replay nor report, hand off c as is
		return c, nil
	}
	return cw, nil
}

func (l *Listener) String() string {
	return l.ln.Addr().String()
}
