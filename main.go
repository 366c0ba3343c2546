package main

import (
	"context"
	"errors"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"seqfeed/config"
	"seqfeed/internal/metrics"
	"seqfeed/internal/pipeline"
	"seqfeed/logger"
	"seqfeed/processor"
	"seqfeed/reader"
	"seqfeed/writer"
)

func main() {
	os.Exit(run())
}

func run() int {
	log := logger.GetLogger()

	// Load environment variables from .env if present
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.WithError(err).Warn("Error loading .env file")
	}

	configPath := flag.String("config", "config/config.yml", "Path to configuration file")
	outputPath := flag.String("output", "", "Override the JSON output path")
	flag.Parse()

	cfg, err := config.LoadConfig(config.ResolvePath(*configPath))
	if err != nil {
		log.WithError(err).Error("Failed to load configuration")
		return 1
	}
	if *outputPath != "" {
		cfg.Storage.JSON.Enabled = true
		cfg.Storage.JSON.Path = *outputPath
	}

	if err := log.Configure(cfg.Logging.Level, cfg.Logging.Format, cfg.Logging.Output, cfg.Logging.MaxAge); err != nil {
		log.WithError(err).Error("Failed to configure logger")
		return 1
	}

	log.WithEnv("APP_ENV").WithFields(logger.Fields{
		"service":   cfg.Seqfeed.Name,
		"version":   cfg.Seqfeed.Version,
		"transport": cfg.Source.Transport,
	}).Info("starting seqfeed")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if cfg.Logging.CloudWatch.Enabled {
		logger.InitCloudWatch(ctx, cfg.Logging.CloudWatch.Region, cfg.Logging.CloudWatch.Namespace)
	}

	feed := metrics.NewFeed()
	if logger.IsReportLevel(cfg.Logging.Level) || logger.IsReportLevel(os.Getenv("LOG_LEVEL")) {
		logger.StartReport(ctx, log, 30*time.Second, feed.Snapshot)
	}
	if cfg.Metrics.Prometheus.Enabled {
		go func() {
			if err := feed.Serve(ctx, cfg.Metrics.Prometheus.Listen); err != nil {
				log.WithComponent("metrics").WithError(err).Warn("prometheus endpoint stopped")
			}
		}()
	}

	dialer, err := reader.NewDialer(cfg.Source)
	if err != nil {
		log.WithError(err).Error("Failed to create dialer")
		return 1
	}

	sinks, err := writer.NewSinks(ctx, cfg)
	if err != nil {
		log.WithError(err).Error("Failed to create sinks")
		return 1
	}
	defer writer.CloseAll(sinks)

	rc, err := pipeline.New(cfg, dialer, sinks, feed)
	if err != nil {
		log.WithError(err).Error("Failed to create pipeline")
		return 1
	}

	res, err := rc.Run(ctx)
	feed.Publish(log, logger.Fields{"run_id": res.RunID})
	if err != nil {
		entry := log.WithError(err).WithFields(logger.Fields{
			"run_id":    res.RunID,
			"collected": res.Collected,
			"gaps":      len(res.Gaps),
		})
		var recErr *processor.RecoveryError
		if errors.As(err, &recErr) {
			entry = entry.WithFields(logger.Fields{"failed_sequences": recErr.Sequences()})
		}
		entry.Error("reconstruction failed")
		return 1
	}

	log.WithFields(logger.Fields{
		"run_id":    res.RunID,
		"records":   len(res.Records),
		"gaps":      len(res.Gaps),
		"recovered": res.Recovered,
	}).Info("reconstruction complete")
	return 0
}
