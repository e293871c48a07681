package main

import (
	"bufio"
	"io"
	"net"
	"net/http"
	"testing"
	"time"

	"github.com/pires/go-proxyproto"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func startEcho(t *testing.T) string {
	t.Helper()

	log := logrus.New()
	hs := newEchoServer(log)
	t.Cleanup(func() { hs.Close() })

	s, err := defaultConfig().server(hs, log, nil)
	require.NoError(t, err)
	l, err := s.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	go s.Serve(l)

	return l.Addr().String()
}

func echoRequest(t *testing.T, addr string, preamble []byte) string {
	t.Helper()

	c, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	defer c.Close()
	require.NoError(t, c.SetDeadline(time.Now().Add(5*time.Second)))

	_, err = c.Write(append(preamble, "GET / HTTP/1.1\r\nHost: test\r\nConnection: close\r\n\r\n"...))
	require.NoError(t, err)

	res, err := http.ReadResponse(bufio.NewReader(c), nil)
	require.NoError(t, err)
	defer res.Body.Close()
	body, err := io.ReadAll(res.Body)
	require.NoError(t, err)
	return string(body)
}

func TestEchoPlain(t *testing.T) {
	addr := startEcho(t)

	body := echoRequest(t, addr, nil)
	assert.Contains(t, body, "remote: 127.0.0.1:")
	assert.Contains(t, body, "proxy: none")
}

func TestEchoProxied(t *testing.T) {
	addr := startEcho(t)

	src := &net.TCPAddr{IP: net.ParseIP("35.153.225.202"), Port: 12345}
	dst := &net.TCPAddr{IP: net.ParseIP("10.0.0.1"), Port: 443}
	hdr, err := proxyproto.HeaderProxyFromAddrs(2, src, dst).Format()
	require.NoError(t, err)

	body := echoRequest(t, addr, hdr)
	assert.Equal(t, "remote: 35.153.225.202:12345\nproxy: v2\nsource: 35.153.225.202:12345\ndestination: 10.0.0.1:443\n", body)
}

func TestEchoLocal(t *testing.T) {
	addr := startEcho(t)

	hdr, err := (&proxyproto.Header{Version: 2, Command: proxyproto.LOCAL}).Format()
	require.NoError(t, err)

	body := echoRequest(t, addr, hdr)
	assert.Contains(t, body, "remote: 127.0.0.1:")
	assert.Contains(t, body, "proxy: local")
}
