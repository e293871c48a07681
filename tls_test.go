package proxywrap

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"io"
	"math/big"
	"net"
	"net/http"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	testP = x509.NewCertPool()
	pk, _ = ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	ca    *x509.Certificate
)

func init() {
	// initialize some basic stuff for testing
	catpl := &x509.Certificate{
		SerialNumber:          big.NewInt(1),
		Issuer:                pkix.Name{CommonName: "localhost"},
		Subject:               pkix.Name{CommonName: "localhost"},
		DNSNames:              []string{"localhost"},
		IPAddresses:           []net.IP{net.IPv4(127, 0, 0, 1)},
		BasicConstraintsValid: true,
		IsCA:                  true,
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(24 * time.Hour),
	}

	caBin, err := x509.CreateCertificate(rand.Reader, catpl, catpl, pk.Public(), pk)
	if err != nil {
		panic(err)
	}
	ca, err = x509.ParseCertificate(caBin)
	if err != nil {
		panic(err)
	}

	testP.AddCert(ca)
}

// startHTTPS serves an https server answering "OK" behind proxywrap.
func startHTTPS(t *testing.T, configure func(*Server)) (*Server, string, chan string) {
	t.Helper()

	remotes := make(chan string, 4)
	hs := &http.Server{
		Handler: http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			remotes <- r.RemoteAddr
			io.WriteString(w, "OK")
		}),
		TLSConfig: &tls.Config{
			Certificates: []tls.Certificate{
				{
					Certificate: [][]byte{ca.Raw},
					PrivateKey:  pk,
					Leaf:        ca,
				},
			},
		},
	}
	t.Cleanup(func() { hs.Close() })

	s, err := New(hs)
	require.NoError(t, err)
	s.Logger = logrus.New()
	if configure != nil {
		configure(s)
	}

	l, err := s.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	go hs.ServeTLS(l, "", "")

	return s, l.Addr().String(), remotes
}

func TestHTTPSPlain(t *testing.T) {
	_, addr, remotes := startHTTPS(t, nil)

	client := &http.Client{Transport: &http.Transport{
		DisableKeepAlives: true,
		TLSClientConfig:   &tls.Config{RootCAs: testP, ServerName: "localhost"},
	}}
	assert.Equal(t, "OK", get(t, client, "https://"+addr+"/"))

	host, _, err := net.SplitHostPort(<-remotes)
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1", host)
}

func TestHTTPSProxied(t *testing.T) {
	_, addr, remotes := startHTTPS(t, nil)

	tr := proxiedTransport(t, "35.153.225.202:12345")
	tr.TLSClientConfig = &tls.Config{RootCAs: testP, ServerName: "localhost"}
	client := &http.Client{Transport: tr}
	assert.Equal(t, "OK", get(t, client, "https://"+addr+"/"))

	assert.Equal(t, "35.153.225.202:12345", <-remotes)
}

func TestHTTPSProxiedRawTLS(t *testing.T) {
	_, addr, remotes := startHTTPS(t, nil)

	c, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	defer c.Close()

	// header and ClientHello may well end up in the same segment
	_, err = c.Write(v2Header(t, "35.153.225.202:12345", addr))
	require.NoError(t, err)

	tc := tls.Client(c, &tls.Config{RootCAs: testP, ServerName: "localhost"})
	require.NoError(t, tc.SetDeadline(time.Now().Add(5*time.Second)))
	_, err = io.WriteString(tc, "GET / HTTP/1.1\r\nHost: localhost\r\nConnection: close\r\n\r\n")
	require.NoError(t, err)

	res, err := io.ReadAll(tc)
	require.NoError(t, err)
	assert.Contains(t, string(res), "200 OK")
	assert.Equal(t, "35.153.225.202:12345", <-remotes)
}

func sendGarbage(t *testing.T, addr string) {
	t.Helper()

	c, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	defer c.Close()

	_, err = c.Write([]byte{0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff})
	require.NoError(t, err)
	require.NoError(t, c.SetReadDeadline(time.Now().Add(5*time.Second)))
	io.Copy(io.Discard, c)
}

func TestHandshakeErrorSuppressed(t *testing.T) {
	s, addr, remotes := startHTTPS(t, nil)

	sendGarbage(t, addr)

	// an unsuppressed error would have been fatal
	client := &http.Client{Transport: &http.Transport{
		DisableKeepAlives: true,
		TLSClientConfig:   &tls.Config{RootCAs: testP, ServerName: "localhost"},
	}}
	assert.Equal(t, "OK", get(t, client, "https://"+addr+"/"))
	<-remotes
	assert.NoError(t, s.Err())
}

func TestHandshakeErrorReported(t *testing.T) {
	errs := make(chan error, 4)
	sources := make(chan string, 4)
	_, addr, _ := startHTTPS(t, func(s *Server) {
		s.HandleCommonErrors = false
		s.OnError = func(err error, source string) {
			errs <- err
			sources <- source
		}
	})

	sendGarbage(t, addr)

	select {
	case err := <-errs:
		assert.Contains(t, err.Error(), "TLS handshake error")
		assert.Equal(t, KindProtocolFraming, Classify(err))
		assert.Equal(t, "server", <-sources)
	case <-time.After(5 * time.Second):
		t.Fatal("OnError was not called")
	}
}
