package telemetry

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// Metrics counts export progress. It satisfies export.Observer.
type Metrics struct {
	partitions *prometheus.CounterVec
	rows       *prometheus.CounterVec
	skipped    *prometheus.CounterVec
	duration   *prometheus.HistogramVec
}

// NewMetrics registers the export metrics with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		partitions: f.NewCounterVec(prometheus.CounterOpts{
			Name: "rapidflat_partitions_total",
			Help: "Partitions processed, by dataset and outcome",
		}, []string{"dataset", "status"}),
		rows: f.NewCounterVec(prometheus.CounterOpts{
			Name: "rapidflat_rows_written_total",
			Help: "Flattened rows written to the sink",
		}, []string{"dataset"}),
		skipped: f.NewCounterVec(prometheus.CounterOpts{
			Name: "rapidflat_runs_skipped_total",
			Help: "Runs skipped because they lacked path or values",
		}, []string{"dataset"}),
		duration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "rapidflat_partition_duration_seconds",
			Help:    "Time spent fetching and writing one partition, retries included",
			Buckets: prometheus.ExponentialBuckets(0.5, 2, 10),
		}, []string{"dataset"}),
	}
}

func (m *Metrics) PartitionDone(dataset string, _ int, rows int, elapsed time.Duration, err error) {
	status := "ok"
	if err != nil {
		status = "failed"
	}
	m.partitions.WithLabelValues(dataset, status).Inc()
	m.rows.WithLabelValues(dataset).Add(float64(rows))
	m.duration.WithLabelValues(dataset).Observe(elapsed.Seconds())
}

func (m *Metrics) RunsSkipped(dataset string, n int) {
	m.skipped.WithLabelValues(dataset).Add(float64(n))
}

// Handler serves /metrics from gatherer and a /healthz probe.
func Handler(gatherer prometheus.Gatherer) http.Handler {
	started := time.Now()
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		fmt.Fprintf(w, "ok %s", time.Since(started).Truncate(time.Second))
	})
	mux.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	return mux
}

// Serve listens on addr until ctx ends. It returns once the listener is bound;
// the returned function stops the server.
func Serve(ctx context.Context, addr string, gatherer prometheus.Gatherer, logger *zap.Logger) (func(), error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on %s: %w", addr, err)
	}

	srv := &http.Server{Handler: Handler(gatherer), ReadHeaderTimeout: 5 * time.Second}
	go func() {
		logger.Info("Metrics listening", zap.String("addr", ln.Addr().String()))
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("Metrics server error", zap.Error(err))
		}
	}()

	stop := func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}
	go func() {
		<-ctx.Done()
		stop()
	}()
	return stop, nil
}
