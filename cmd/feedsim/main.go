package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"seqfeed/feedsim"
	"seqfeed/logger"
	"seqfeed/protocol"
)

func main() {
	log := logger.GetLogger()

	tcpAddr := flag.String("addr", "127.0.0.1:3000", "TCP listen address (empty to disable)")
	wsAddr := flag.String("ws-addr", "", "WebSocket listen address (empty to disable)")
	count := flag.Int("count", 100, "Number of records in the backlog")
	drop := flag.String("drop", "", "Comma separated sequences left out of the stream")
	truncate := flag.Bool("truncate", false, "End the stream with a partial record")
	mode := flag.String("frame-mode", "narrow", "Single-record frame mode: narrow or wide")
	level := flag.String("log-level", "info", "Log level")
	flag.Parse()

	if err := log.Configure(*level, "text", "stdout", 0); err != nil {
		log.WithError(err).Error("Failed to configure logger")
		os.Exit(1)
	}

	frameMode, err := protocol.ParseFrameMode(*mode)
	if err != nil {
		log.WithError(err).Error("Invalid frame mode")
		os.Exit(1)
	}
	dropped, err := parseSequences(*drop)
	if err != nil {
		log.WithError(err).Error("Invalid drop list")
		os.Exit(1)
	}

	sim := feedsim.New(feedsim.Options{
		Records:      feedsim.Series(*count),
		Drop:         dropped,
		TruncateTail: *truncate,
		Mode:         frameMode,
	})

	if *tcpAddr != "" {
		if _, err := sim.ListenTCP(*tcpAddr); err != nil {
			log.WithError(err).Error("Failed to start TCP listener")
			os.Exit(1)
		}
	}
	if *wsAddr != "" {
		if _, err := sim.ListenWS(*wsAddr); err != nil {
			log.WithError(err).Error("Failed to start WebSocket listener")
			os.Exit(1)
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	<-ctx.Done()

	log.WithFields(logger.Fields{
		"dials":   sim.Dials(),
		"fetches": sim.Fetches(),
	}).Info("shutdown signal received")
	sim.Stop()
}

func parseSequences(list string) ([]int32, error) {
	var out []int32
	for _, part := range strings.Split(list, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		n, err := strconv.ParseInt(part, 10, 32)
		if err != nil {
			return nil, err
		}
		out = append(out, int32(n))
	}
	return out, nil
}
