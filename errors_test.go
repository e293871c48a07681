package proxywrap

import (
	"crypto/tls"
	"io"
	"net"
	"os"
	"syscall"
	"testing"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func opErr(errno syscall.Errno) error {
	return &net.OpError{Op: "read", Net: "tcp", Err: os.NewSyscallError("read", errno)}
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		kind Kind
	}{
		{"nil", nil, KindUnknown},
		{"config", ErrNoDownstream, KindConfiguration},
		{"decode", &DecodeError{Err: errors.New("bad")}, KindDecode},
		{"wrapped decode", errors.Wrap(&DecodeError{Err: errors.New("bad")}, "ctx"), KindDecode},
		{"eof", io.EOF, KindTransportReset},
		{"reset", opErr(syscall.ECONNRESET), KindTransportReset},
		{"abort", opErr(syscall.ECONNABORTED), KindTransportReset},
		{"broken pipe", opErr(syscall.EPIPE), KindTransportReset},
		{"truncated", errors.Wrap(io.ErrUnexpectedEOF, "ctx"), KindProtocolFraming},
		{"header timeout", ErrHeaderTimeout, KindTimeout},
		{"deadline", &net.OpError{Op: "read", Err: os.ErrDeadlineExceeded}, KindTimeout},
		{"record header", tls.RecordHeaderError{Msg: "first record does not look like a TLS handshake"}, KindProtocolFraming},
		{"alert", tls.AlertError(40), KindHandshakeFailure},
		{"log reset", errors.New("http: TLS handshake error from 1.2.3.4:5: read tcp 1.2.3.4:5: connection reset by peer"), KindTransportReset},
		{"log eof", errors.New("http: TLS handshake error from 1.2.3.4:5: EOF"), KindTransportReset},
		{"log cipher", errors.New("http: TLS handshake error from 1.2.3.4:5: tls: no cipher suite supported by both client and server"), KindHandshakeFailure},
		{"log client cert", errors.New("http: TLS handshake error from 1.2.3.4:5: tls: client didn't provide a certificate"), KindHandshakeFailure},
		{"log downgrade", errors.New("http: TLS handshake error from 1.2.3.4:5: tls: client offered only unsupported versions: [301]"), KindHandshakeFailure},
		{"log bad record", errors.New("http: TLS handshake error from 1.2.3.4:5: local error: tls: bad record MAC"), KindHandshakeFailure},
		{"log framing", errors.New("http2: server: error reading preface from client 1.2.3.4:5: bogus greeting"), KindProtocolFraming},
		{"unknown", errors.New("boom"), KindUnknown},
		{"panic log", errors.New("http: panic serving 1.2.3.4:5: runtime error"), KindUnknown},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			assert.Equal(t, test.kind, Classify(test.err))
		})
	}
}

func TestKindCommon(t *testing.T) {
	common := map[Kind]bool{
		KindUnknown:          false,
		KindConfiguration:    false,
		KindDecode:           false,
		KindTransportReset:   true,
		KindProtocolFraming:  true,
		KindHandshakeFailure: true,
		KindTimeout:          true,
	}
	for k, exp := range common {
		assert.Equal(t, exp, k.Common(), k.String())
	}
}

type reportingServer struct {
	chanServer
	conns []net.Conn
}

func (rs *reportingServer) ReportConnError(c net.Conn, err error) {
	rs.conns = append(rs.conns, c)
}

func TestHandleError(t *testing.T) {
	rs := &reportingServer{}
	s, err := New(rs)
	require.NoError(t, err)
	s.Logger = logrus.New()

	type call struct {
		err    error
		source string
	}
	var calls []call
	s.OnError = func(err error, source string) { calls = append(calls, call{err, source}) }

	c1, c2 := net.Pipe()
	defer c1.Close()
	defer c2.Close()

	s.handleError(io.EOF, "detect", c1)
	assert.Empty(t, calls)
	assert.Equal(t, []net.Conn{c1}, rs.conns)

	boom := errors.New("boom")
	s.handleError(boom, "detect", nil)
	require.Len(t, calls, 1)
	assert.Equal(t, boom, calls[0].err)
	assert.Equal(t, "detect", calls[0].source)

	s.HandleCommonErrors = false
	s.handleError(io.EOF, "detect", nil)
	require.Len(t, calls, 2)
	assert.Equal(t, io.EOF, calls[1].err)

	assert.NoError(t, s.Err())
}

func TestHandleErrorEscalates(t *testing.T) {
	s, err := New(newChanServer())
	require.NoError(t, err)
	s.Logger = logrus.New()

	l, err := s.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer l.Close()

	boom := errors.New("boom")
	s.handleError(boom, "detect", nil)
	assert.Equal(t, boom, s.Err())

	_, err = l.Accept()
	assert.Equal(t, boom, err)
}

func TestErrorLog(t *testing.T) {
	s, err := New(newChanServer())
	require.NoError(t, err)
	s.Logger = logrus.New()

	var got []error
	var sources []string
	s.OnError = func(err error, source string) {
		got = append(got, err)
		sources = append(sources, source)
	}

	el := s.ErrorLog()
	el.Printf("http: TLS handshake error from 1.2.3.4:5: EOF")
	assert.Empty(t, got)

	// not about a connection, only logged
	el.Printf("http: panic serving 1.2.3.4:5: oops")
	el.Printf("http: superfluous response.WriteHeader call from main.handler (main.go:12)")
	assert.Empty(t, got)

	el.Printf("http: Accept error: boom; retrying in 5ms")
	require.Len(t, got, 1)
	assert.Equal(t, "http: Accept error: boom; retrying in 5ms", got[0].Error())
	assert.Equal(t, "server", sources[0])
}

func TestErrorLogWarningNotFatal(t *testing.T) {
	s, err := New(newChanServer())
	require.NoError(t, err)
	s.Logger = logrus.New()

	l, err := s.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer l.Close()

	s.ErrorLog().Printf("http: superfluous response.WriteHeader call from main.handler (main.go:12)")
	assert.NoError(t, s.Err())

	// handshake errors with an unknown cause still go through the classifier
	s.ErrorLog().Printf("http: TLS handshake error from 1.2.3.4:5: something new")
	assert.NoError(t, s.Err())
}
