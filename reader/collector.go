package reader

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"time"

	"seqfeed/config"
	"seqfeed/internal/metrics"
	"seqfeed/logger"
	"seqfeed/models"
	"seqfeed/protocol"
)

// Collector drains the initial full stream from the feed.
type Collector struct {
	config  *config.Config
	framer  protocol.Framer
	metrics *metrics.Feed
	log     *logger.Log
}

// NewCollector creates a Collector for the configured source.
func NewCollector(cfg *config.Config, feed *metrics.Feed) (*Collector, error) {
	mode, err := protocol.ParseFrameMode(cfg.Source.FrameMode)
	if err != nil {
		return nil, err
	}
	if feed == nil {
		feed = metrics.NewFeed()
	}
	return &Collector{
		config:  cfg,
		framer:  protocol.Framer{Mode: mode},
		metrics: feed,
		log:     logger.GetLogger(),
	}, nil
}

// Run opens a connection, asks for the full stream and collects it.
func (c *Collector) Run(ctx context.Context, dialer Dialer) (*models.Session, error) {
	log := c.log.WithComponent("collector").WithFields(logger.Fields{
		"endpoint":  dialer.Endpoint(),
		"operation": "run",
	})

	conn, err := dialer.Dial(ctx)
	if err != nil {
		log.WithError(err).Error("failed to open stream connection")
		return nil, err
	}
	defer conn.Close()

	if err := protocol.WriteFrame(conn, c.framer.FullStream()); err != nil {
		log.WithError(err).Error("failed to send full stream request")
		return nil, fmt.Errorf("%w: send full stream request: %v", ErrConnectionFailure, err)
	}

	return c.Collect(ctx, conn)
}

// Collect reads fixed-size records from conn until the peer closes it.
// A trailing partial record is dropped. A stream that stays silent past the
// idle timeout fails with ErrConnectionFailure. Other read errors, such as a
// reset, end collection with what was read so far.
func (c *Collector) Collect(ctx context.Context, conn net.Conn) (*models.Session, error) {
	start := time.Now()
	session := models.NewSession()
	log := c.log.WithComponent("collector").WithFields(logger.Fields{"run_id": session.RunID})

	stop := context.AfterFunc(ctx, func() {
		_ = conn.SetReadDeadline(time.Now())
	})
	defer stop()

	idle := c.config.Source.IdleTimeout
	buf := make([]byte, protocol.RecordSize)

	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if idle > 0 {
			if err := conn.SetReadDeadline(time.Now().Add(idle)); err != nil {
				log.WithError(err).Warn("failed to set read deadline")
			}
		}

		_, err := io.ReadFull(conn, buf)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				log.WithFields(logger.Fields{"collected": len(session.Records)}).Info("collection cancelled")
				return nil, ctxErr
			}
			if isTimeout(err) {
				log.WithError(err).WithFields(logger.Fields{
					"collected": len(session.Records),
					"idle":      idle.String(),
				}).Error("stream went idle")
				return nil, fmt.Errorf("%w: stream idle for %s: %v", ErrConnectionFailure, idle, err)
			}
			switch {
			case errors.Is(err, io.EOF):
			case errors.Is(err, io.ErrUnexpectedEOF):
				session.Truncations++
				c.metrics.StreamTruncated()
				log.WithError(protocol.ErrStreamTruncated).WithFields(logger.Fields{
					"collected": len(session.Records),
				}).Warn("partial trailing record dropped")
			default:
				log.WithError(err).WithFields(logger.Fields{
					"collected": len(session.Records),
				}).Warn("stream read failed, continuing with collected records")
			}
			break
		}

		record, err := protocol.DecodeRecord(buf)
		if err != nil {
			return nil, err
		}
		c.metrics.RecordStreamed()
		if !session.Observe(record) {
			c.metrics.DuplicateDropped()
			log.WithFields(logger.Fields{"sequence": record.Sequence}).Warn("duplicate sequence in stream dropped")
		}
	}

	logger.LogPerformanceEntry(log, "collector", "collect", time.Since(start), logger.Fields{
		"collected":   len(session.Records),
		"max_seq":     session.MaxSeq,
		"duplicates":  session.Duplicates,
		"truncations": session.Truncations,
	})
	return session, nil
}

func isTimeout(err error) bool {
	if errors.Is(err, os.ErrDeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
