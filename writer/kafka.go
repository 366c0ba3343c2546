package writer

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"

	kafka "github.com/segmentio/kafka-go"

	appconfig "seqfeed/config"
	"seqfeed/logger"
	"seqfeed/models"
)

// KafkaSink publishes one message per record. Messages are keyed by run id,
// so the hash balancer puts a whole run on one partition in series order.
// The record's sequence travels in a header.
type KafkaSink struct {
	writer *kafka.Writer
	log    *logger.Log
}

func NewKafkaSink(cfg *appconfig.Config) (*KafkaSink, error) {
	kcfg := cfg.Storage.Kafka
	if len(kcfg.Brokers) == 0 {
		return nil, fmt.Errorf("kafka brokers not configured")
	}
	ks := &KafkaSink{
		writer: &kafka.Writer{
			Addr:         kafka.TCP(kcfg.Brokers...),
			Topic:        kcfg.Topic,
			Balancer:     &kafka.Hash{},
			BatchSize:    kcfg.BatchSize,
			WriteTimeout: kcfg.WriteTimeout,
			RequiredAcks: kafka.RequireAll,
		},
		log: logger.GetLogger(),
	}
	ks.log.WithComponent("kafka_sink").WithFields(logger.Fields{
		"brokers": kcfg.Brokers,
		"topic":   kcfg.Topic,
	}).Debug("kafka sink initialized")
	return ks, nil
}

func (s *KafkaSink) Name() string { return "kafka" }

func (s *KafkaSink) Write(ctx context.Context, batch models.Batch) error {
	msgs, err := recordMessages(batch)
	if err != nil {
		return err
	}
	if len(msgs) == 0 {
		return nil
	}
	if err := s.writer.WriteMessages(ctx, msgs...); err != nil {
		return fmt.Errorf("write %d messages to %s: %w", len(msgs), s.writer.Topic, err)
	}
	s.log.WithComponent("kafka_sink").WithFields(logger.Fields{
		"batch_id": batch.BatchID,
		"records":  len(msgs),
	}).Info("series published")
	return nil
}

func recordMessages(batch models.Batch) ([]kafka.Message, error) {
	msgs := make([]kafka.Message, 0, len(batch.Records))
	for _, r := range batch.Records {
		value, err := json.Marshal(r)
		if err != nil {
			return nil, fmt.Errorf("marshal record %d: %w", r.Sequence, err)
		}
		msgs = append(msgs, kafka.Message{
			Key:   []byte(batch.RunID),
			Value: value,
			Headers: []kafka.Header{
				{Key: "run_id", Value: []byte(batch.RunID)},
				{Key: "sequence", Value: []byte(strconv.FormatInt(int64(r.Sequence), 10))},
				{Key: "batch_id", Value: []byte(batch.BatchID)},
			},
		})
	}
	return msgs, nil
}

func (s *KafkaSink) Close() error {
	return s.writer.Close()
}
