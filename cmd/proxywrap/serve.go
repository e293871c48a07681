package main

import (
	"context"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/KarpelesLab/proxywrap"
)

// run serves srv behind a proxywrap listener set up after c, until srv stops,
// the Server fails or ctx is done.
func run(ctx context.Context, c *Config, srv proxywrap.Downstream, log *logrus.Logger) error {
	var reg *prometheus.Registry
	if c.MetricsListen != "" {
		reg = prometheus.NewRegistry()
		reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
		ms := &http.Server{Addr: c.MetricsListen, Handler: mux}
		defer ms.Close()
		go func() {
			if err := ms.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.WithError(err).Error("metrics server failed")
			}
		}()
	}

	var r prometheus.Registerer
	if reg != nil {
		r = reg
	}
	s, err := c.server(srv, log, r)
	if err != nil {
		return err
	}

	l, err := s.Listen("tcp", c.Listen)
	if err != nil {
		return errors.Wrapf(err, "listening on %s", c.Listen)
	}
	log.WithFields(logrus.Fields{
		"addr":           l.Addr(),
		"header_timeout": s.HeaderTimeout,
		"max_pending":    s.MaxPending,
	}).Info("proxywrap: listening")

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	done := make(chan error, 1)
	go func() { done <- s.Serve(l) }()

	select {
	case err = <-done:
	case <-ctx.Done():
		log.Info("proxywrap: shutting down")
		s.Close()
		if hs, ok := srv.(*http.Server); ok {
			hs.Shutdown(context.Background())
		}
		err = <-done
	}

	if s.Err() == nil && (errors.Is(err, net.ErrClosed) || errors.Is(err, http.ErrServerClosed)) {
		return nil
	}
	return err
}
