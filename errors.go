package proxywrap

import (
	"crypto/tls"
	"io"
	"net"
	"os"
	"strings"
	"syscall"

	"github.com/pkg/errors"
)

var (
	// ErrNoDownstream is returned by New when no downstream server is given.
	ErrNoDownstream = errors.New("proxywrap: missing downstream server (http.Server, tls server, tcp server...)")

	// ErrHeaderTimeout is the error a connection is closed with when its
	// PROXY header did not arrive within Server.HeaderTimeout.
	ErrHeaderTimeout = errors.Wrap(os.ErrDeadlineExceeded, "proxywrap: timeout waiting for PROXY header")

	// ErrTooManyPending is reported when a connection is dropped because
	// MaxPending detections are already running.
	ErrTooManyPending = errors.New("proxywrap: too many connections pending detection")
)

// Kind is the category an error falls into.
type Kind int

const (
	KindUnknown          Kind = iota
	KindConfiguration         // setup mistakes, never seen by the classifier
	KindDecode                // bytes matched the v2 signature but did not decode
	KindTransportReset        // peer went away: reset, abort, EOF, broken pipe
	KindProtocolFraming       // malformed framing, typically a scanner or a misdetection
	KindHandshakeFailure      // TLS handshake failed on a handed-off connection
	KindTimeout               // header detection deadline
)

func (k Kind) String() string {
	switch k {
	case KindConfiguration:
		return "configuration"
	case KindDecode:
		return "decode"
	case KindTransportReset:
		return "transport-reset"
	case KindProtocolFraming:
		return "protocol-framing"
	case KindHandshakeFailure:
		return "handshake-failure"
	case KindTimeout:
		return "timeout"
	default:
		return "unknown"
	}
}

// Common reports whether errors of this kind are part of the allow-list that
// HandleCommonErrors suppresses.
func (k Kind) Common() bool {
	switch k {
	case KindTransportReset, KindProtocolFraming, KindHandshakeFailure, KindTimeout:
		return true
	}
	return false
}

// substrings found in errors that only reach us as text, mostly through
// http.Server.ErrorLog. Checked in order.
var textKinds = []struct {
	s string
	k Kind
}{
	{"connection reset by peer", KindTransportReset},
	{"broken pipe", KindTransportReset},
	{"software caused connection abort", KindTransportReset},
	{"first record does not look like a TLS handshake", KindProtocolFraming},
	{"oversized record received", KindProtocolFraming},
	{"request header too large", KindProtocolFraming},
	{"malformed HTTP", KindProtocolFraming},
	{"error reading preface", KindProtocolFraming},
	{"bad record MAC", KindHandshakeFailure},
	{"no cipher suite supported", KindHandshakeFailure},
	{"no mutual cipher", KindHandshakeFailure},
	{"client didn't provide a certificate", KindHandshakeFailure},
	{"unsupported versions", KindHandshakeFailure},
	{"inappropriate protocol fallback", KindHandshakeFailure},
	{"protocol version not supported", KindHandshakeFailure},
	{"i/o timeout", KindTimeout},
	{": EOF", KindTransportReset},
	{"TLS handshake error", KindHandshakeFailure},
}

// Classify returns the Kind of err.
func Classify(err error) Kind {
	if err == nil {
		return KindUnknown
	}
	if errors.Is(err, ErrNoDownstream) {
		return KindConfiguration
	}

	var decErr *DecodeError
	if errors.As(err, &decErr) {
		return KindDecode
	}

	if errors.Is(err, os.ErrDeadlineExceeded) {
		return KindTimeout
	}
	if errors.Is(err, io.ErrUnexpectedEOF) {
		// stream ended in the middle of something framed
		return KindProtocolFraming
	}
	if errors.Is(err, io.EOF) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.ECONNABORTED) ||
		errors.Is(err, syscall.EPIPE) {
		return KindTransportReset
	}

	var recErr tls.RecordHeaderError
	if errors.As(err, &recErr) {
		return KindProtocolFraming
	}
	var alertErr tls.AlertError
	if errors.As(err, &alertErr) {
		return KindHandshakeFailure
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return KindTimeout
	}

	msg := err.Error()
	for _, tk := range textKinds {
		if strings.Contains(msg, tk.s) {
			return tk.k
		}
	}
	if strings.HasSuffix(msg, "EOF") {
		return KindTransportReset
	}
	return KindUnknown
}

// ErrorHandler receives errors the classifier did not suppress, along with a
// short label of where they happened ("accept", "detect", "decode", "server"...).
type ErrorHandler func(err error, source string)

// ConnErrorReporter can be implemented by a downstream server that wants to
// hear about errors on connections that failed before being handed to it.
type ConnErrorReporter interface {
	ReportConnError(c net.Conn, err error)
}

// lines net/http logs about a client connection failing, or the listener
// failing. Anything else it logs (handler misuse, panics...) is not a
// connection error.
var connErrorLines = []string{
	"http: TLS handshake error",
	"http2: server: error reading preface",
	"http2: server connection error",
	"http: Accept error",
}

func isConnErrorLine(msg string) bool {
	for _, l := range connErrorLines {
		if strings.Contains(msg, l) {
			return true
		}
	}
	return false
}

// errorLogWriter feeds connection errors written to a *log.Logger into the
// classifier, and logs the other lines as warnings.
type errorLogWriter struct {
	s *Server
}

func (w errorLogWriter) Write(p []byte) (int, error) {
	msg := strings.TrimRight(string(p), "\n")
	if !isConnErrorLine(msg) {
		w.s.log().WithField("source", "server").Warn(msg)
		return len(p), nil
	}
	w.s.handleError(errors.New(msg), "server", nil)
	return len(p), nil
}
