package main

import (
	"context"
	"fmt"
	"net"
	"net/http"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/KarpelesLab/proxywrap"
)

var echoCmd = &cobra.Command{
	Use:   `echo`,
	Short: "Answer HTTP requests with the client address",
	Long: `
Start an HTTP server answering every request with the client address it sees,
which is the one from the PROXY header when there was one. Handy to check a
load balancer setup.

Start an echo server: proxywrap echo --listen=:8080
`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := configFromFlags(cmd)
		if err != nil {
			return err
		}
		log, err := c.logger()
		if err != nil {
			return err
		}

		return run(cmd.Context(), c, newEchoServer(log), log)
	},
}

func newEchoServer(log logrus.FieldLogger) *http.Server {
	return &http.Server{
		Handler: echoHandler(log),
		ConnContext: func(ctx context.Context, c net.Conn) context.Context {
			return context.WithValue(ctx, connKey{}, proxywrap.HeaderOf(c))
		},
	}
}

// echoHandler writes the remote address of the request, and the addresses
// of the PROXY header that came with the connection if any.
func echoHandler(log logrus.FieldLogger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		log.WithFields(logrus.Fields{
			"remote": r.RemoteAddr,
			"path":   r.URL.Path,
		}).Debug("echo: request")

		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		fmt.Fprintf(w, "remote: %s\n", r.RemoteAddr)

		h := headerOf(r)
		if h == nil {
			fmt.Fprintln(w, "proxy: none")
			return
		}
		if !h.Proxied() {
			fmt.Fprintln(w, "proxy: local")
			return
		}
		fmt.Fprintf(w, "proxy: v%d\nsource: %s\ndestination: %s\n", h.Version, h.Source, h.Destination)
	})
}

type connKey struct{}

func headerOf(r *http.Request) *proxywrap.HeaderInfo {
	if h, ok := r.Context().Value(connKey{}).(*proxywrap.HeaderInfo); ok {
		return h
	}
	return nil
}
