// Package pipeline runs one reconstruction: collect the stream, recover the
// gaps, order and verify the series, then hand it to every sink.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"seqfeed/config"
	"seqfeed/internal/metrics"
	"seqfeed/logger"
	"seqfeed/models"
	"seqfeed/processor"
	"seqfeed/reader"
	"seqfeed/writer"
)

// Result summarises a run. Records is the verified series.
type Result struct {
	RunID       string
	Collected   int
	Duplicates  int
	Truncations int
	MaxSeq      int32
	Gaps        []int32
	Recovered   int
	Records     []models.Record
	Phases      map[string]time.Duration
}

type Reconstructor struct {
	config    *config.Config
	dialer    reader.Dialer
	collector *reader.Collector
	recoverer *processor.Recoverer
	sinks     []writer.Sink
	metrics   *metrics.Feed
	log       *logger.Log
}

// New wires a Reconstructor. The caller keeps ownership of the sinks.
func New(cfg *config.Config, dialer reader.Dialer, sinks []writer.Sink, feed *metrics.Feed) (*Reconstructor, error) {
	if feed == nil {
		feed = metrics.NewFeed()
	}
	collector, err := reader.NewCollector(cfg, feed)
	if err != nil {
		return nil, fmt.Errorf("create collector: %w", err)
	}
	recoverer, err := processor.NewRecoverer(cfg, dialer, feed)
	if err != nil {
		return nil, fmt.Errorf("create recoverer: %w", err)
	}
	return &Reconstructor{
		config:    cfg,
		dialer:    dialer,
		collector: collector,
		recoverer: recoverer,
		sinks:     sinks,
		metrics:   feed,
		log:       logger.GetLogger(),
	}, nil
}

// Run performs one reconstruction. Sinks are only written once the series
// has verified as contiguous; on error the returned Result carries whatever
// was learned before the failure.
func (r *Reconstructor) Run(ctx context.Context) (*Result, error) {
	start := time.Now()
	res := &Result{MaxSeq: models.NoSequence, Phases: make(map[string]time.Duration)}
	log := r.log.WithComponent("pipeline").WithFields(logger.Fields{"endpoint": r.dialer.Endpoint()})

	phase := time.Now()
	session, err := r.collector.Run(ctx, r.dialer)
	if err != nil {
		return res, fmt.Errorf("collect stream: %w", err)
	}
	res.Phases["collect"] = time.Since(phase)
	res.RunID = session.RunID
	res.Collected = len(session.Records)
	res.Duplicates = session.Duplicates
	res.Truncations = session.Truncations
	res.MaxSeq = session.MaxSeq

	log = log.WithFields(logger.Fields{"run_id": session.RunID})
	logger.LogDataFlowEntry(log, "source", "collector", res.Collected, "record")

	if err := processor.CheckGapBudget(session.MaxSeq, session.Received, r.config.Recovery.MaxGaps); err != nil {
		log.WithError(err).Error("gap span exceeds recovery budget")
		return res, err
	}
	res.Gaps = processor.Gaps(session.MaxSeq, session.Received)
	if len(res.Gaps) > 0 {
		log.WithFields(logger.Fields{
			"gaps":    len(res.Gaps),
			"max_seq": session.MaxSeq,
		}).Info("gaps detected in stream")
	}

	phase = time.Now()
	recovered, err := r.recoverer.Recover(ctx, session.MaxSeq, session.Received)
	res.Phases["recover"] = time.Since(phase)
	res.Recovered = len(recovered)
	if err != nil {
		return res, fmt.Errorf("recover gaps: %w", err)
	}
	logger.LogDataFlowEntry(log, "recoverer", "sequencer", res.Recovered, "record")

	phase = time.Now()
	series := processor.Assemble(session.Records, recovered)
	if err := processor.VerifyContiguous(series, session.MaxSeq); err != nil {
		log.WithError(err).Error("assembled series failed verification")
		return res, err
	}
	res.Phases["assemble"] = time.Since(phase)
	res.Records = series

	batch := models.Batch{
		BatchID:     uuid.NewString(),
		RunID:       session.RunID,
		Source:      r.dialer.Endpoint(),
		Records:     series,
		RecordCount: len(series),
		MaxSequence: session.MaxSeq,
		Recovered:   len(recovered),
		Timestamp:   time.Now().UTC(),
	}

	phase = time.Now()
	if err := r.write(ctx, batch, log); err != nil {
		return res, err
	}
	res.Phases["write"] = time.Since(phase)

	logger.LogPerformanceEntry(log, "pipeline", "reconstruct", time.Since(start), logger.Fields{
		"collected": res.Collected,
		"gaps":      len(res.Gaps),
		"recovered": res.Recovered,
		"records":   len(series),
	})
	return res, nil
}

func (r *Reconstructor) write(ctx context.Context, batch models.Batch, log *logger.Entry) error {
	var errs []error
	for _, sink := range r.sinks {
		if err := sink.Write(ctx, batch); err != nil {
			log.WithError(err).WithFields(logger.Fields{"sink": sink.Name()}).Error("sink write failed")
			errs = append(errs, fmt.Errorf("sink %s: %w", sink.Name(), err))
			continue
		}
		r.metrics.Written(sink.Name(), batch.RecordCount)
		logger.LogDataFlowEntry(log, "sequencer", sink.Name(), batch.RecordCount, "record")
	}
	return errors.Join(errs...)
}
