package writer

import (
	"context"
	"fmt"

	appconfig "seqfeed/config"
	"seqfeed/logger"
	"seqfeed/models"
)

// Sink persists one reconstructed series.
type Sink interface {
	Name() string
	Write(ctx context.Context, batch models.Batch) error
	Close() error
}

// NewSinks builds every sink enabled under storage. Sinks already created are
// closed if a later one fails.
func NewSinks(ctx context.Context, cfg *appconfig.Config) ([]Sink, error) {
	var sinks []Sink
	fail := func(err error) ([]Sink, error) {
		CloseAll(sinks)
		return nil, err
	}

	st := cfg.Storage
	if st.JSON.Enabled {
		sinks = append(sinks, NewJSONFileSink(st.JSON.Path, st.JSON.Indent))
	}
	if st.Parquet.Enabled {
		sinks = append(sinks, NewParquetFileSink(st.Parquet.Path, st.Parquet.Compression))
	}
	if st.S3.Enabled {
		s, err := NewS3Sink(ctx, cfg)
		if err != nil {
			return fail(fmt.Errorf("create s3 sink: %w", err))
		}
		sinks = append(sinks, s)
	}
	if st.Kafka.Enabled {
		k, err := NewKafkaSink(cfg)
		if err != nil {
			return fail(fmt.Errorf("create kafka sink: %w", err))
		}
		sinks = append(sinks, k)
	}
	if len(sinks) == 0 {
		return nil, fmt.Errorf("no storage sink enabled")
	}

	names := make([]string, 0, len(sinks))
	for _, s := range sinks {
		names = append(names, s.Name())
	}
	logger.GetLogger().WithComponent("writer").WithFields(logger.Fields{"sinks": names}).Info("sinks initialized")
	return sinks, nil
}

// CloseAll closes every sink, logging failures.
func CloseAll(sinks []Sink) {
	for _, s := range sinks {
		if err := s.Close(); err != nil {
			logger.GetLogger().WithComponent("writer").WithError(err).WithFields(logger.Fields{"sink": s.Name()}).Warn("failed to close sink")
		}
	}
}
