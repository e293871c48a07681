// Package proxywrap puts a PROXY protocol v2 detector in front of an existing
// server.
//
// Load balancers such as AWS NLB or HAProxy can prepend a binary PROXY header
// to every TCP connection they forward, carrying the address of the real
// client. proxywrap recognizes that header when present, strips it, and hands
// the rest of the stream to the wrapped server with RemoteAddr reporting the
// original client. Connections without a header pass through untouched, so
// the same port serves both.
//
// # Basic Usage
//
//	srv := &http.Server{Handler: handler}
//	w, err := proxywrap.New(srv)
//	if err != nil {
//		log.Fatal(err)
//	}
//	log.Fatal(w.ListenAndServe("tcp", ":8080"))
//
// HTTPS works the same way, the header is removed before the TLS handshake
// starts:
//
//	l, _ := w.Listen("tcp", ":8443")
//	log.Fatal(srv.ServeTLS(l, "cert.pem", "key.pem"))
//
// # Detection
//
// Detection waits until at least 16 bytes were received, then compares the
// first 12 with the v2 signature. Protocols where the server speaks first
// (SMTP, IMAP...) will therefore stall until HeaderTimeout. The text (v1)
// variant of the protocol is not supported.
//
// # Errors
//
// Resets, broken pipes, framing errors, TLS handshake failures and header
// timeouts are ignored by default (see HandleCommonErrors). Other errors go to
// OnError, and when it is not set they are fatal: the listeners close and
// Serve returns the error.
package proxywrap
