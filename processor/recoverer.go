package processor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/jpillora/backoff"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"seqfeed/config"
	"seqfeed/internal/metrics"
	"seqfeed/logger"
	"seqfeed/models"
	"seqfeed/protocol"
	"seqfeed/reader"
)

// ErrSequenceMismatch means the source answered a single-record request with
// a different sequence. In narrow frame mode this is what a sequence above
// 255 produces.
var ErrSequenceMismatch = errors.New("sequence mismatch")

// GapFailure is one gap that could not be recovered.
type GapFailure struct {
	Sequence int32
	Attempts int
	Err      error
}

// RecoveryError lists every gap that stayed unrecovered.
type RecoveryError struct {
	Failures []GapFailure
}

func (e *RecoveryError) Error() string {
	parts := make([]string, 0, len(e.Failures))
	for _, f := range e.Failures {
		parts = append(parts, fmt.Sprintf("seq %d after %d attempt(s): %v", f.Sequence, f.Attempts, f.Err))
	}
	return fmt.Sprintf("recovery failed for %d gap(s): %s", len(e.Failures), strings.Join(parts, "; "))
}

// Unwrap exposes the per-gap causes to errors.Is and errors.As.
func (e *RecoveryError) Unwrap() []error {
	errs := make([]error, 0, len(e.Failures))
	for _, f := range e.Failures {
		errs = append(errs, f.Err)
	}
	return errs
}

// Sequences returns the failed sequences in ascending order.
func (e *RecoveryError) Sequences() []int32 {
	out := make([]int32, 0, len(e.Failures))
	for _, f := range e.Failures {
		out = append(out, f.Sequence)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Recoverer fetches missing records one exchange at a time on a bounded pool.
type Recoverer struct {
	config  *config.Config
	dialer  reader.Dialer
	framer  protocol.Framer
	limiter *rate.Limiter
	metrics *metrics.Feed
	log     *logger.Log
}

func NewRecoverer(cfg *config.Config, dialer reader.Dialer, feed *metrics.Feed) (*Recoverer, error) {
	mode, err := protocol.ParseFrameMode(cfg.Source.FrameMode)
	if err != nil {
		return nil, err
	}
	if feed == nil {
		feed = metrics.NewFeed()
	}

	var limiter *rate.Limiter
	if rl := cfg.Recovery.RateLimit; rl.RequestsPerSecond > 0 {
		burst := rl.BurstSize
		if burst < 1 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(rl.RequestsPerSecond), burst)
	}

	r := &Recoverer{
		config:  cfg,
		dialer:  dialer,
		framer:  protocol.Framer{Mode: mode},
		limiter: limiter,
		metrics: feed,
		log:     logger.GetLogger(),
	}

	r.log.WithComponent("recoverer").WithFields(logger.Fields{
		"endpoint":    dialer.Endpoint(),
		"max_workers": cfg.Recovery.MaxWorkers,
		"frame_mode":  mode.String(),
		"fail_fast":   cfg.Recovery.FailFast,
	}).Info("recoverer initialized")
	return r, nil
}

type fetchResult struct {
	record  models.Record
	failure *GapFailure
}

// Recover fetches every gap in 1..maxSeq not in received. With fail_fast the
// first unrecoverable gap cancels the rest and only the error is returned.
// Otherwise all gaps are attempted and the recovered records come back
// together with a *RecoveryError naming the failures.
func (r *Recoverer) Recover(ctx context.Context, maxSeq int32, received map[int32]struct{}) ([]models.Record, error) {
	if err := CheckGapBudget(maxSeq, received, r.config.Recovery.MaxGaps); err != nil {
		r.log.WithComponent("recoverer").WithError(err).Error("refusing to recover gaps")
		return nil, err
	}
	gaps := Gaps(maxSeq, received)
	r.metrics.GapsDetected(len(gaps))
	if len(gaps) == 0 {
		return nil, nil
	}

	start := time.Now()
	log := r.log.WithComponent("recoverer").WithFields(logger.Fields{
		"gaps":    len(gaps),
		"max_seq": maxSeq,
	})
	log.Info("recovering gaps")

	failFast := r.config.Recovery.FailFast
	results := make(chan fetchResult, len(gaps))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.workers())

	for _, seq := range gaps {
		seq := seq
		if gctx.Err() != nil {
			break
		}
		g.Go(func() error {
			rec, attempts, err := r.fetchWithRetry(gctx, seq)
			if err != nil {
				results <- fetchResult{failure: &GapFailure{Sequence: seq, Attempts: attempts, Err: err}}
				if failFast {
					return &RecoveryError{Failures: []GapFailure{{Sequence: seq, Attempts: attempts, Err: err}}}
				}
				return nil
			}
			results <- fetchResult{record: rec}
			return nil
		})
	}

	waitErr := g.Wait()
	close(results)

	recovered := make([]models.Record, 0, len(gaps))
	var failures []GapFailure
	for res := range results {
		if res.failure != nil {
			failures = append(failures, *res.failure)
			continue
		}
		recovered = append(recovered, res.record)
	}

	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	if waitErr != nil {
		log.WithError(waitErr).Error("gap recovery aborted")
		return nil, waitErr
	}

	logger.LogPerformanceEntry(log, "recoverer", "recover", time.Since(start), logger.Fields{
		"recovered": len(recovered),
		"failed":    len(failures),
		"workers":   r.workers(),
	})

	if len(failures) > 0 {
		sort.Slice(failures, func(i, j int) bool { return failures[i].Sequence < failures[j].Sequence })
		err := &RecoveryError{Failures: failures}
		log.WithError(err).Error("some gaps could not be recovered")
		return recovered, err
	}
	return recovered, nil
}

func (r *Recoverer) workers() int {
	if r.config.Recovery.MaxWorkers < 1 {
		return 1
	}
	return r.config.Recovery.MaxWorkers
}

func (r *Recoverer) fetchWithRetry(ctx context.Context, seq int32) (models.Record, int, error) {
	retry := r.config.Recovery.Retry
	maxAttempts := retry.MaxAttempts
	if maxAttempts < 2 {
		maxAttempts = 2
	}
	b := &backoff.Backoff{
		Min:    retry.BaseDelay,
		Max:    retry.MaxDelay,
		Factor: float64(retry.BackoffMultiplier),
	}

	log := r.log.WithComponent("recoverer").WithFields(logger.Fields{"sequence": seq})

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if r.limiter != nil {
			if err := r.limiter.Wait(ctx); err != nil {
				return models.Record{}, attempt - 1, err
			}
		}

		rec, err := r.Fetch(ctx, seq)
		if err == nil {
			if attempt > 1 {
				log.WithFields(logger.Fields{"attempt": attempt}).Info("gap recovered after retry")
			}
			return rec, attempt, nil
		}
		lastErr = err

		if ctx.Err() != nil {
			return models.Record{}, attempt, ctx.Err()
		}
		if !retryable(err) || attempt == maxAttempts {
			return models.Record{}, attempt, err
		}

		delay := b.Duration()
		r.metrics.Retry()
		log.WithError(err).WithFields(logger.Fields{
			"attempt": attempt,
			"backoff": delay,
		}).Warn("gap fetch failed, retrying")

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return models.Record{}, attempt, ctx.Err()
		case <-timer.C:
		}
	}
	return models.Record{}, maxAttempts, lastErr
}

// Fetch performs one single-record exchange on a fresh connection.
func (r *Recoverer) Fetch(ctx context.Context, seq int32) (models.Record, error) {
	start := time.Now()
	if timeout := r.config.Recovery.ExchangeTimeout; timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	rec, err := r.exchange(ctx, seq)
	r.metrics.Attempt(outcome(err), time.Since(start))
	return rec, err
}

func (r *Recoverer) exchange(ctx context.Context, seq int32) (models.Record, error) {
	conn, err := r.dialer.Dial(ctx)
	if err != nil {
		return models.Record{}, err
	}
	defer conn.Close()

	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}
	stop := context.AfterFunc(ctx, func() {
		_ = conn.SetDeadline(time.Now())
	})
	defer stop()

	if err := protocol.WriteFrame(conn, r.framer.SingleRecord(seq)); err != nil {
		return models.Record{}, fmt.Errorf("%w: seq %d: %v", reader.ErrConnectionFailure, seq, err)
	}

	buf := make([]byte, protocol.RecordSize)
	n, err := io.ReadFull(conn, buf)
	if err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			_, decodeErr := protocol.DecodeRecord(buf[:n])
			return models.Record{}, fmt.Errorf("seq %d: %w", seq, decodeErr)
		}
		return models.Record{}, fmt.Errorf("%w: seq %d: read: %v", reader.ErrConnectionFailure, seq, err)
	}

	rec, err := protocol.DecodeRecord(buf)
	if err != nil {
		return models.Record{}, err
	}
	if rec.Sequence != seq {
		return models.Record{}, fmt.Errorf("%w: requested %d, got %d (frame mode %s)", ErrSequenceMismatch, seq, rec.Sequence, r.framer.Mode)
	}
	return rec, nil
}

func retryable(err error) bool {
	return errors.Is(err, reader.ErrConnectionFailure) || errors.Is(err, protocol.ErrMalformedRecord)
}

func outcome(err error) string {
	switch {
	case err == nil:
		return metrics.OutcomeSuccess
	case errors.Is(err, protocol.ErrMalformedRecord):
		return metrics.OutcomeMalformed
	case errors.Is(err, ErrSequenceMismatch):
		return metrics.OutcomeMismatch
	default:
		return metrics.OutcomeConnect
	}
}
