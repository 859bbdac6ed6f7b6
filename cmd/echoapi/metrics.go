package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	api "github.com/braviap/js-sdk"
)

// metricsServer exposes the transport metrics on /metrics.
type metricsServer struct {
	server *http.Server
	addr   string
}

func serveMetrics(addr string) (*metricsServer, error) {
	registry := prometheus.NewRegistry()
	if err := api.RegisterMetrics(registry); err != nil {
		return nil, fmt.Errorf("failed to register metrics: %w", err)
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))

	l, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	m := &metricsServer{
		server: &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second},
		addr:   l.Addr().String(),
	}
	go func() {
		if err := m.server.Serve(l); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Printf(api.LogWarning, "metrics", "metrics server stopped: %s", err)
		}
	}()
	logger.Printf(api.LogInfo, "metrics", "serving metrics on http://%s/metrics", m.addr)
	return m, nil
}

func (m *metricsServer) Close() {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_ = m.server.Shutdown(ctx)
}
