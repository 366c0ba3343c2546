// Registers the feed counters:
//
//	seqfeed_records_streamed_total
//	seqfeed_stream_truncations_total
//	seqfeed_duplicates_dropped_total
//	seqfeed_gaps_detected_total
//	seqfeed_recovery_attempts_total{outcome}
//	seqfeed_records_recovered_total
//	seqfeed_exchange_duration_seconds
//	seqfeed_records_written_total{sink}
//
// and optionally exposes them, with go_* and process_* collectors, over HTTP.
package metrics

import (
	"context"
	"errors"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"seqfeed/logger"
)

// Attempt outcomes.
const (
	OutcomeSuccess   = "success"
	OutcomeMalformed = "malformed"
	OutcomeConnect   = "connection"
	OutcomeMismatch  = "mismatch"
)

// Feed groups the counters of one process. The atomic mirrors back the
// runtime report without scraping the registry.
type Feed struct {
	registry *prometheus.Registry

	streamed    prometheus.Counter
	truncations prometheus.Counter
	duplicates  prometheus.Counter
	gaps        prometheus.Counter
	attempts    *prometheus.CounterVec
	recovered   prometheus.Counter
	exchange    prometheus.Histogram
	written     *prometheus.CounterVec

	nStreamed    atomic.Int64
	nTruncations atomic.Int64
	nDuplicates  atomic.Int64
	nGaps        atomic.Int64
	nRetries     atomic.Int64
	nRecovered   atomic.Int64
	nWritten     atomic.Int64
}

func NewFeed() *Feed {
	f := &Feed{
		registry: prometheus.NewRegistry(),
		streamed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "seqfeed_records_streamed_total",
			Help: "Records decoded from the bulk stream",
		}),
		truncations: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "seqfeed_stream_truncations_total",
			Help: "Bulk streams that ended with a partial record",
		}),
		duplicates: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "seqfeed_duplicates_dropped_total",
			Help: "Streamed records dropped because their sequence was already seen",
		}),
		gaps: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "seqfeed_gaps_detected_total",
			Help: "Sequences missing from the bulk stream",
		}),
		attempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "seqfeed_recovery_attempts_total",
			Help: "Single-record exchanges by outcome",
		}, []string{"outcome"}),
		recovered: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "seqfeed_records_recovered_total",
			Help: "Records obtained through single-record exchanges",
		}),
		exchange: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "seqfeed_exchange_duration_seconds",
			Help:    "Latency of single-record exchanges",
			Buckets: prometheus.ExponentialBuckets(0.0005, 2, 14),
		}),
		written: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "seqfeed_records_written_total",
			Help: "Records handed to each sink",
		}, []string{"sink"}),
	}
	f.registry.MustRegister(
		f.streamed, f.truncations, f.duplicates, f.gaps,
		f.attempts, f.recovered, f.exchange, f.written,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return f
}

func (f *Feed) Registry() *prometheus.Registry { return f.registry }

func (f *Feed) RecordStreamed() {
	f.streamed.Inc()
	f.nStreamed.Add(1)
}

func (f *Feed) StreamTruncated() {
	f.truncations.Inc()
	f.nTruncations.Add(1)
}

func (f *Feed) DuplicateDropped() {
	f.duplicates.Inc()
	f.nDuplicates.Add(1)
}

func (f *Feed) GapsDetected(n int) {
	f.gaps.Add(float64(n))
	f.nGaps.Add(int64(n))
}

// Attempt records one single-record exchange.
func (f *Feed) Attempt(outcome string, took time.Duration) {
	f.attempts.WithLabelValues(outcome).Inc()
	f.exchange.Observe(took.Seconds())
	if outcome == OutcomeSuccess {
		f.recovered.Inc()
		f.nRecovered.Add(1)
	}
}

func (f *Feed) Retry() {
	f.nRetries.Add(1)
}

func (f *Feed) Written(sink string, n int) {
	f.written.WithLabelValues(sink).Add(float64(n))
	f.nWritten.Add(int64(n))
}

// Snapshot returns the current counter values keyed for log fields.
func (f *Feed) Snapshot() logger.Fields {
	return logger.Fields{
		"records_streamed":   f.nStreamed.Load(),
		"stream_truncations": f.nTruncations.Load(),
		"duplicates_dropped": f.nDuplicates.Load(),
		"gaps_detected":      f.nGaps.Load(),
		"recovery_retries":   f.nRetries.Load(),
		"records_recovered":  f.nRecovered.Load(),
		"records_written":    f.nWritten.Load(),
	}
}

// Publish logs every counter through LogMetric, which forwards to
// CloudWatch when configured.
func (f *Feed) Publish(log *logger.Log, fields logger.Fields) {
	for name, value := range f.Snapshot() {
		extra := logger.Fields{}
		for k, v := range fields {
			extra[k] = v
		}
		log.LogMetric("seqfeed", name, value, "counter", extra)
	}
}

// Serve exposes the registry on addr until ctx is done.
func (f *Feed) Serve(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(f.registry, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}
