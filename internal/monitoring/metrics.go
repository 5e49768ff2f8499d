// Package monitoring exports the relay's Prometheus metrics.
package monitoring

import (
	"context"
	"log"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics bundles every collector the relay maintains.
type Metrics struct {
	registry *prometheus.Registry

	OnlineWorkers   prometheus.Gauge
	JobsForwarded   *prometheus.CounterVec
	SharesSubmitted *prometheus.CounterVec
	SharesAccepted  *prometheus.CounterVec
	SharesRejected  *prometheus.CounterVec
	UnknownJobs     prometheus.Counter
	TransportErrors prometheus.Counter
}

// New creates and registers all collectors on a private registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		OnlineWorkers: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "relay_online_workers",
			Help: "Workers currently connected",
		}),
		JobsForwarded: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_jobs_forwarded_total",
			Help: "Jobs forwarded to workers by originating upstream",
		}, []string{"source"}),
		SharesSubmitted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_shares_submitted_total",
			Help: "Shares routed upstream by destination",
		}, []string{"source"}),
		SharesAccepted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_shares_accepted_total",
			Help: "Share accept verdicts by upstream",
		}, []string{"source"}),
		SharesRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_shares_rejected_total",
			Help: "Share reject verdicts by upstream",
		}, []string{"source"}),
		UnknownJobs: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "relay_unknown_jobs_total",
			Help: "Submissions dropped because no tracker knew the job id",
		}),
		TransportErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "relay_transport_errors_total",
			Help: "Framing, Base64 and decryption failures",
		}),
	}
	reg.MustRegister(
		m.OnlineWorkers, m.JobsForwarded, m.SharesSubmitted,
		m.SharesAccepted, m.SharesRejected, m.UnknownJobs, m.TransportErrors,
	)
	return m
}

// Handler exposes the registry for scraping.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Serve runs a /metrics endpoint on addr until ctx is done.
func (m *Metrics) Serve(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	srv := &http.Server{Addr: addr, Handler: mux}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	log.Printf("metrics listening on %s", addr)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}
