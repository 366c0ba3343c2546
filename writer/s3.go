package writer

import (
	"bytes"
	"context"
	"fmt"
	"path"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	appconfig "seqfeed/config"
	"seqfeed/logger"
	"seqfeed/models"
)

type objectPutter interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// S3Sink uploads the series as one parquet object per run.
type S3Sink struct {
	bucket      string
	prefix      string
	compression string
	client      objectPutter
	log         *logger.Log
}

func NewS3Sink(ctx context.Context, cfg *appconfig.Config) (*S3Sink, error) {
	s3cfg := cfg.Storage.S3
	loadOpts := []func(*config.LoadOptions) error{config.WithRegion(s3cfg.Region)}
	if s3cfg.AccessKeyID != "" && s3cfg.SecretAccessKey != "" {
		loadOpts = append(loadOpts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(s3cfg.AccessKeyID, s3cfg.SecretAccessKey, ""),
		))
	}
	awsCfg, err := config.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if s3cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(s3cfg.Endpoint)
		}
		o.UsePathStyle = s3cfg.PathStyle
	})

	sink := newS3Sink(client, s3cfg.Bucket, s3cfg.Prefix, cfg.Storage.Parquet.Compression)
	sink.log.WithComponent("s3_sink").WithFields(logger.Fields{
		"bucket":   s3cfg.Bucket,
		"region":   s3cfg.Region,
		"endpoint": s3cfg.Endpoint,
	}).Info("s3 sink initialized")
	return sink, nil
}

func newS3Sink(client objectPutter, bucket, prefix, compression string) *S3Sink {
	return &S3Sink{
		bucket:      bucket,
		prefix:      strings.Trim(prefix, "/"),
		compression: compression,
		client:      client,
		log:         logger.GetLogger(),
	}
}

func (s *S3Sink) Name() string { return "s3" }

func (s *S3Sink) Write(ctx context.Context, batch models.Batch) error {
	data, err := encodeParquet(batch, s.compression)
	if err != nil {
		return fmt.Errorf("create parquet: %w", err)
	}

	key := s.objectKey(batch)
	_, err = s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String("application/vnd.apache.parquet"),
		Metadata: map[string]string{
			"run-id":       batch.RunID,
			"max-sequence": fmt.Sprintf("%d", batch.MaxSequence),
		},
	})
	if err != nil {
		return fmt.Errorf("upload s3://%s/%s: %w", s.bucket, key, err)
	}

	s.log.WithComponent("s3_sink").WithFields(logger.Fields{
		"s3_key":  key,
		"records": batch.RecordCount,
		"bytes":   len(data),
	}).Info("series uploaded")
	return nil
}

func (s *S3Sink) objectKey(batch models.Batch) string {
	ts := batch.Timestamp.UTC()
	source := batch.Source
	if source == "" {
		source = "unknown"
	}
	source = strings.NewReplacer(":", "_", "/", "_").Replace(source)

	parts := []string{
		fmt.Sprintf("source=%s", source),
		fmt.Sprintf("year=%04d", ts.Year()),
		fmt.Sprintf("month=%02d", int(ts.Month())),
		fmt.Sprintf("day=%02d", ts.Day()),
		fmt.Sprintf("run_%s.parquet", batch.RunID),
	}
	if s.prefix != "" {
		parts = append([]string{s.prefix}, parts...)
	}
	return path.Join(parts...)
}

func (s *S3Sink) Close() error { return nil }
