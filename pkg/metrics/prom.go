// Package metrics exposes Prometheus counters/histograms for the tailer and
// reactive query runner, plus a small HTTP server to host them.
package metrics

import (
	"cmp"
	"context"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	PollsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pgreactive_polls_total",
			Help: "Total number of slot polls attempted, by outcome",
		},
		[]string{"slot", "outcome"}, // outcome: ok, skipped_overlap, error
	)

	PollDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "pgreactive_poll_duration_seconds",
			Help:    "Duration of a single slot poll: pg_logical_slot_get_changes (with any slot-recovery retry), decode, and publish",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"slot"},
	)

	EventsDecoded = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pgreactive_events_decoded_total",
			Help: "Total number of change events decoded, by table and kind",
		},
		[]string{"slot", "table", "kind"},
	)

	DecodeErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pgreactive_decode_errors_total",
			Help: "Total number of payloads that failed to decode",
		},
		[]string{"slot"},
	)

	SlotRecoveries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pgreactive_slot_recoveries_total",
			Help: "Total number of times a missing slot was recreated",
		},
		[]string{"slot"},
	)

	RunnerInvalidations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pgreactive_runner_invalidations_total",
			Help: "Total number of changes accepted as invalidations by a reactive query runner",
		},
		[]string{"runner"},
	)

	RunnerQueries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pgreactive_runner_queries_total",
			Help: "Total number of query() executions by a reactive query runner",
		},
		[]string{"runner"},
	)

	RunnerQueryDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "pgreactive_runner_query_duration_seconds",
			Help:    "Duration of a reactive query runner's query() call",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"runner"},
	)
)

// ServerOpts configures the metrics HTTP server.
type ServerOpts struct {
	Addr              string
	Path              string        // defaults to "/metrics"
	ShutdownTimeout   time.Duration // defaults to 5 seconds
	ReadHeaderTimeout time.Duration // defaults to 3 seconds
}

func defaultServerOpts() ServerOpts {
	return ServerOpts{
		Addr:              ":9100",
		Path:              "/metrics",
		ShutdownTimeout:   5 * time.Second,
		ReadHeaderTimeout: 3 * time.Second,
	}
}

// StartServer starts a Prometheus metrics server and shuts it down when ctx
// is canceled, signaling wg when fully stopped.
func StartServer(ctx context.Context, wg *sync.WaitGroup, opts *ServerOpts) {
	effective := defaultServerOpts()
	if opts != nil {
		effective.Addr = cmp.Or(opts.Addr, effective.Addr)
		effective.Path = cmp.Or(opts.Path, effective.Path)
		effective.ShutdownTimeout = cmp.Or(opts.ShutdownTimeout, effective.ShutdownTimeout)
		effective.ReadHeaderTimeout = cmp.Or(opts.ReadHeaderTimeout, effective.ReadHeaderTimeout)
	}

	mux := http.NewServeMux()
	mux.Handle(effective.Path, promhttp.Handler())
	server := &http.Server{
		Addr:              effective.Addr,
		Handler:           mux,
		ReadHeaderTimeout: effective.ReadHeaderTimeout,
	}

	serverClosed := make(chan struct{})

	wg.Add(1)
	go func() {
		defer wg.Done()
		log.Printf("Starting Prometheus metrics server on %s", effective.Addr)
		if err := server.ListenAndServe(); err != http.ErrServerClosed {
			log.Printf("Metrics server error: %v", err)
		}
		close(serverClosed)
	}()

	go func() {
		<-ctx.Done()

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), effective.ShutdownTimeout)
		defer shutdownCancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Printf("Error shutting down metrics server: %v", err)
		}

		select {
		case <-serverClosed:
			log.Println("Metrics server shutdown complete")
		case <-shutdownCtx.Done():
			log.Println("Metrics server shutdown timed out")
		}
	}()
}
