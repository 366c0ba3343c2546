package pipeline_test

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"os"
	"path/filepath"
	"testing"
	"time"

	"seqfeed/config"
	"seqfeed/feedsim"
	"seqfeed/internal/metrics"
	"seqfeed/internal/pipeline"
	"seqfeed/models"
	"seqfeed/processor"
	"seqfeed/protocol"
	"seqfeed/reader"
	"seqfeed/writer"
)

type captureSink struct {
	batches []models.Batch
}

func (c *captureSink) Name() string { return "capture" }
func (c *captureSink) Write(_ context.Context, b models.Batch) error {
	c.batches = append(c.batches, b)
	return nil
}
func (c *captureSink) Close() error { return nil }

func testConfig() *config.Config {
	cfg := config.Default()
	cfg.Source.IdleTimeout = 2 * time.Second
	cfg.Recovery.Retry.BaseDelay = time.Millisecond
	cfg.Recovery.Retry.MaxDelay = 5 * time.Millisecond
	return &cfg
}

func run(t *testing.T, cfg *config.Config, opts feedsim.Options, sinks ...writer.Sink) (*pipeline.Result, *feedsim.Server, error) {
	t.Helper()
	sim := feedsim.New(opts)
	addr, err := sim.ListenTCP("127.0.0.1:0")
	if err != nil {
		t.Fatalf("ListenTCP: %v", err)
	}
	t.Cleanup(sim.Stop)

	rc, err := pipeline.New(cfg, &reader.TCPDialer{Address: addr, Timeout: time.Second}, sinks, metrics.NewFeed())
	if err != nil {
		t.Fatalf("pipeline.New: %v", err)
	}
	res, err := rc.Run(context.Background())
	return res, sim, err
}

func TestRunReconstructsSeries(t *testing.T) {
	out := filepath.Join(t.TempDir(), "output.json")
	capture := &captureSink{}
	res, sim, err := run(t, testConfig(), feedsim.Options{
		Records:      feedsim.Series(10),
		Drop:         []int32{3, 7},
		TruncateTail: true,
	}, writer.NewJSONFileSink(out, 4), capture)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	if res.Collected != 8 || res.Recovered != 2 || res.Truncations != 1 {
		t.Fatalf("unexpected result %+v", res)
	}
	if len(res.Gaps) != 2 || res.Gaps[0] != 3 || res.Gaps[1] != 7 {
		t.Errorf("expected gaps [3 7], got %v", res.Gaps)
	}
	if sim.Fetches() != 2 {
		t.Errorf("expected 2 fetches, got %d", sim.Fetches())
	}

	data, err := os.ReadFile(out)
	if err != nil {
		t.Fatalf("read output: %v", err)
	}
	var written []models.Record
	if err := json.Unmarshal(data, &written); err != nil {
		t.Fatalf("unmarshal output: %v", err)
	}
	if len(written) != 10 {
		t.Fatalf("expected 10 records, got %d", len(written))
	}
	for i, r := range written {
		if r.Sequence != int32(i+1) {
			t.Fatalf("record %d has sequence %d", i, r.Sequence)
		}
	}

	if len(capture.batches) != 1 || capture.batches[0].RunID != res.RunID || capture.batches[0].Recovered != 2 {
		t.Errorf("unexpected captured batch %+v", capture.batches)
	}
}

func TestRunEmptySource(t *testing.T) {
	out := filepath.Join(t.TempDir(), "output.json")
	res, sim, err := run(t, testConfig(), feedsim.Options{}, writer.NewJSONFileSink(out, 4))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(res.Records) != 0 || res.MaxSeq != models.NoSequence {
		t.Fatalf("expected empty series, got %+v", res)
	}
	if sim.Dials() != 1 {
		t.Errorf("expected only the stream connection, got %d dials", sim.Dials())
	}
	data, err := os.ReadFile(out)
	if err != nil {
		t.Fatalf("read output: %v", err)
	}
	if string(data) != "[]\n" {
		t.Errorf("expected empty array, got %q", data)
	}
}

func TestRunRecoveryFailureSkipsSinks(t *testing.T) {
	cfg := testConfig()
	cfg.Recovery.Retry.MaxAttempts = 2
	capture := &captureSink{}
	_, _, err := run(t, cfg, feedsim.Options{
		Records:      feedsim.Series(4),
		Drop:         []int32{2},
		ShortReplies: map[int32]int{2: 5},
	}, capture)
	if !errors.Is(err, protocol.ErrMalformedRecord) {
		t.Fatalf("expected ErrMalformedRecord, got %v", err)
	}
	var recErr *processor.RecoveryError
	if !errors.As(err, &recErr) {
		t.Fatalf("expected *RecoveryError, got %T", err)
	}
	if len(capture.batches) != 0 {
		t.Fatal("sinks must not see a partial series")
	}
}

func TestRunCorruptSequenceExceedsGapBudget(t *testing.T) {
	records := append(feedsim.Series(2), models.NewRecord("AAPL", 'B', 1, 1, math.MaxInt32))
	capture := &captureSink{}
	res, sim, err := run(t, testConfig(), feedsim.Options{Records: records}, capture)
	if !errors.Is(err, processor.ErrTooManyGaps) {
		t.Fatalf("expected ErrTooManyGaps, got %v", err)
	}
	if res.MaxSeq != math.MaxInt32 {
		t.Errorf("expected max seq %d, got %d", int32(math.MaxInt32), res.MaxSeq)
	}
	if sim.Fetches() != 0 || len(capture.batches) != 0 {
		t.Errorf("expected no fetches and no output, got %d fetches %d batches", sim.Fetches(), len(capture.batches))
	}
}

func TestRunOverWebSocket(t *testing.T) {
	sim := feedsim.New(feedsim.Options{Records: feedsim.Series(5), Drop: []int32{1, 5}})
	url, err := sim.ListenWS("127.0.0.1:0")
	if err != nil {
		t.Fatalf("ListenWS: %v", err)
	}
	defer sim.Stop()

	cfg := testConfig()
	cfg.Source.Transport = "ws"
	cfg.Source.URL = url
	dialer, err := reader.NewDialer(cfg.Source)
	if err != nil {
		t.Fatalf("NewDialer: %v", err)
	}

	capture := &captureSink{}
	rc, err := pipeline.New(cfg, dialer, []writer.Sink{capture}, nil)
	if err != nil {
		t.Fatalf("pipeline.New: %v", err)
	}
	res, err := rc.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	// The highest sequence was dropped, so the series ends at 4.
	if res.MaxSeq != 4 || len(res.Records) != 4 || res.Recovered != 1 {
		t.Fatalf("unexpected result %+v", res)
	}
}
