package server

import (
	"context"
	"fmt"
	"net"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/sync/errgroup"

	"github.com/1ureka/wsrelay/internal/config"
	"github.com/1ureka/wsrelay/internal/metrics"
	"github.com/1ureka/wsrelay/internal/util"
)

// Run serves tunnels as configured by cfg until ctx is cancelled. The
// metrics endpoint and the stats reporter run alongside when enabled; the
// first of them to fail stops the rest.
func Run(ctx context.Context, cfg *config.Config) error {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.New(reg)

	opts := Options{
		Session:   cfg.SessionConfig(),
		Transport: cfg.TransportOptions(),
		Recorder:  m,
	}
	if cfg.WebRTC.Enabled {
		opts.WebRTC = &WebRTCOptions{
			WebRTCOptions: cfg.WebRTCOptions(),
			SignalTimeout: cfg.WebRTC.SignalTimeout,
		}
	}
	srv := New(opts)

	var mln net.Listener
	if cfg.MetricsListen != "" {
		var err error
		if mln, err = net.Listen("tcp", cfg.MetricsListen); err != nil {
			return fmt.Errorf("failed to listen on %s: %w", cfg.MetricsListen, err)
		}
	}
	ln, err := net.Listen("tcp", cfg.Listen)
	if err != nil {
		if mln != nil {
			mln.Close()
		}
		return fmt.Errorf("failed to listen on %s: %w", cfg.Listen, err)
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return srv.Serve(ctx, ln)
	})

	if mln != nil {
		util.LogInfo("serving metrics on http://%s/metrics", mln.Addr())
		g.Go(func() error {
			return serveHTTP(ctx, mln, metricsMux(reg))
		})
	}

	if cfg.StatsInterval > 0 {
		g.Go(func() error {
			return metrics.Report(ctx, &m.Counters, cfg.StatsInterval)
		})
	}

	return g.Wait()
}

func metricsMux(reg *prometheus.Registry) *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler(reg))
	return mux
}
