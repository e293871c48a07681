package proxywrap

import (
	"log"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// Downstream is the server that ends up processing connections once the
// PROXY header, if any, has been removed. *http.Server satisfies it.
type Downstream interface {
	Serve(l net.Listener) error
}

// Server wraps a Downstream so the connections it serves have their PROXY v2
// header detected and stripped first.
//
// Fields may be modified after New, but not once a listener was created.
type Server struct {
	// OnError receives errors that were not suppressed. When nil, such an
	// error is fatal: every listener of this Server closes and Serve returns
	// the error.
	OnError ErrorHandler

	// HandleCommonErrors suppresses resets, broken pipes, framing errors,
	// TLS handshake failures and header timeouts. Defaults to true.
	HandleCommonErrors bool

	// SetNoDelay sets TCP_NODELAY on accepted connections. Keepalive is
	// always enabled.
	SetNoDelay bool

	// HeaderTimeout bounds the time a client has to send enough bytes for
	// detection to complete. Zero disables the timeout.
	HeaderTimeout time.Duration

	// MaxPending caps the number of connections in detection at once, per
	// listener. Extra connections are closed. Zero means no limit.
	MaxPending int64

	// TrustedProxies restricts which peers may send a PROXY header. Other
	// peers are handed off untouched. Empty means every peer is trusted.
	TrustedProxies []*net.IPNet

	Decoder Decoder
	Logger  logrus.FieldLogger
	Metrics *Metrics

	srv       Downstream
	lk        sync.Mutex
	listeners map[*Listener]struct{}
	err       error
}

// New returns a Server wrapping srv with default settings. When srv is an
// *http.Server without an ErrorLog, its connection errors get routed through
// the Server's classifier.
//
// A nil srv, or a nil *http.Server, is refused with ErrNoDownstream. Other
// types can report being nil by implementing IsNil() bool.
func New(srv Downstream) (*Server, error) {
	if srv == nil {
		return nil, ErrNoDownstream
	}
	switch v := srv.(type) {
	case *http.Server:
		if v == nil {
			return nil, ErrNoDownstream
		}
	case interface{ IsNil() bool }:
		if v.IsNil() {
			return nil, ErrNoDownstream
		}
	}

	s := &Server{
		HandleCommonErrors: true,
		HeaderTimeout:      10 * time.Second,
		MaxPending:         1024,
		Decoder:            DecodeHeader,
		Logger:             logrus.StandardLogger(),
		srv:                srv,
		listeners:          make(map[*Listener]struct{}),
	}

	if hs, ok := srv.(*http.Server); ok && hs.ErrorLog == nil {
		hs.ErrorLog = s.ErrorLog()
	}
	return s, nil
}

// ErrorLog returns a logger for use as http.Server.ErrorLog. Lines reporting
// a failed connection go through the error classifier, other lines are
// logged as warnings.
func (s *Server) ErrorLog() *log.Logger {
	return log.New(errorLogWriter{s: s}, "", 0)
}

// Listen binds a new listener on the given address. Connections accepted on
// it must then be served, typically with srv.Serve(l).
func (s *Server) Listen(network, laddr string) (*Listener, error) {
	ln, err := net.Listen(network, laddr)
	if err != nil {
		return nil, err
	}
	return s.Wrap(ln), nil
}

// Wrap returns a Listener detecting PROXY headers on connections accepted
// from ln. The Listener owns ln from now on.
func (s *Server) Wrap(ln net.Listener) *Listener {
	l := newListener(s, ln)

	s.lk.Lock()
	s.listeners[l] = struct{}{}
	s.lk.Unlock()

	l.wg.Add(1)
	go l.listenLoop()
	return l
}

// Serve runs the downstream server on ln, wrapping it first unless it is
// already one of this Server's listeners. It returns the fatal error if the
// Server failed, whatever the downstream returned otherwise.
func (s *Server) Serve(ln net.Listener) error {
	l, ok := ln.(*Listener)
	if !ok || l.srv != s {
		l = s.Wrap(ln)
	}
	return s.serve(l)
}

// ListenAndServe listens on the given address and runs the downstream server.
func (s *Server) ListenAndServe(network, laddr string) error {
	l, err := s.Listen(network, laddr)
	if err != nil {
		return err
	}
	return s.serve(l)
}

func (s *Server) serve(l *Listener) error {
	err := s.srv.Serve(l)
	if ferr := s.Err(); ferr != nil {
		return ferr
	}
	return err
}

// Migrate takes over the address of a listener the downstream server is
// already using: ln is closed and a new Listener is bound to the same
// address. This is not atomic, a client connecting in between is refused.
// For strict atomicity, call Serve with a listener the downstream server
// never used.
func (s *Server) Migrate(ln net.Listener) (*Listener, error) {
	if ln == nil {
		return nil, errors.New("proxywrap: no listener to migrate")
	}
	addr := ln.Addr()
	if err := ln.Close(); err != nil {
		return nil, errors.Wrap(err, "proxywrap: closing original listener")
	}

	l, err := s.Listen(addr.Network(), addr.String())
	if err != nil {
		return nil, errors.Wrapf(err, "proxywrap: binding %s", addr)
	}
	s.log().WithField("addr", l.Addr()).Info("proxywrap: PROXY protocol parser took over listening port")
	return l, nil
}

// Err returns the error that made the Server fail, if any.
func (s *Server) Err() error {
	s.lk.Lock()
	defer s.lk.Unlock()

	return s.err
}

// Close closes every listener of the Server. Connections already handed off
// are left to the downstream server.
func (s *Server) Close() error {
	s.lk.Lock()
	ls := make([]*Listener, 0, len(s.listeners))
	for l := range s.listeners {
		ls = append(ls, l)
	}
	s.lk.Unlock()

	var first error
	for _, l := range ls {
		if err := l.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}

func (s *Server) forget(l *Listener) {
	s.lk.Lock()
	defer s.lk.Unlock()

	delete(s.listeners, l)
}

// fail records err as fatal and shuts all listeners down.
func (s *Server) fail(err error) {
	s.lk.Lock()
	if s.err == nil {
		s.err = err
	}
	ls := make([]*Listener, 0, len(s.listeners))
	for l := range s.listeners {
		ls = append(ls, l)
	}
	s.lk.Unlock()

	for _, l := range ls {
		l.closeWithError(err)
		// wait & drain in the background, we may be running on one of l's
		// goroutines
		go l.Close()
	}
}

func (s *Server) log() logrus.FieldLogger {
	if s.Logger == nil {
		return logrus.StandardLogger()
	}
	return s.Logger
}

func (s *Server) decoder() Decoder {
	if s.Decoder == nil {
		return DecodeHeader
	}
	return s.Decoder
}

// handleError runs err through the classifier. c is the connection the error
// happened on, if it never reached the downstream server.
func (s *Server) handleError(err error, source string, c net.Conn) {
	if c != nil {
		if r, ok := s.srv.(ConnErrorReporter); ok {
			r.ReportConnError(c, err)
		}
	}

	k := Classify(err)
	entry := s.log().WithFields(logrus.Fields{
		"source": source,
		"kind":   k.String(),
	})
	if c != nil {
		entry = entry.WithField("remote", c.RemoteAddr())
	}

	if s.HandleCommonErrors && k.Common() {
		s.Metrics.error(k, true)
		entry.WithError(err).Debug("proxywrap: ignoring common error")
		return
	}
	s.Metrics.error(k, false)

	if s.OnError != nil {
		entry.WithError(err).Warn("proxywrap: connection error")
		s.OnError(err, source)
		return
	}

	entry.WithError(err).Error("proxywrap: unhandled error, shutting down")
	s.fail(err)
}
