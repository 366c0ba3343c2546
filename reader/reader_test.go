package reader_test

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net"
	"syscall"
	"testing"
	"time"

	"seqfeed/config"
	"seqfeed/feedsim"
	"seqfeed/internal/metrics"
	"seqfeed/models"
	"seqfeed/protocol"
	"seqfeed/reader"
)

func testConfig() *config.Config {
	cfg := config.Default()
	cfg.Source.IdleTimeout = 2 * time.Second
	return &cfg
}

func newCollector(t *testing.T, cfg *config.Config) (*reader.Collector, *metrics.Feed) {
	t.Helper()
	feed := metrics.NewFeed()
	c, err := reader.NewCollector(cfg, feed)
	if err != nil {
		t.Fatalf("NewCollector: %v", err)
	}
	return c, feed
}

func sequences(records []models.Record) []int32 {
	out := make([]int32, len(records))
	for i, r := range records {
		out[i] = r.Sequence
	}
	return out
}

func equalSeqs(a, b []int32) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func TestCollectArrivalOrder(t *testing.T) {
	client, server := net.Pipe()
	go func() {
		var buf []byte
		for _, seq := range []int32{2, 1, 4} {
			buf = protocol.AppendRecord(buf, models.NewRecord("AAPL", 'B', 1, 1, seq))
		}
		_, _ = server.Write(buf)
		server.Close()
	}()

	c, feed := newCollector(t, testConfig())
	session, err := c.Collect(context.Background(), client)
	if err != nil {
		t.Fatalf("Collect: %v", err)
	}
	if got := sequences(session.Records); !equalSeqs(got, []int32{2, 1, 4}) {
		t.Fatalf("expected arrival order [2 1 4], got %v", got)
	}
	if session.MaxSeq != 4 {
		t.Errorf("expected max seq 4, got %d", session.MaxSeq)
	}
	if feed.Snapshot()["records_streamed"].(int64) != 3 {
		t.Errorf("expected 3 streamed records, got %v", feed.Snapshot()["records_streamed"])
	}
}

func TestCollectEmptyStream(t *testing.T) {
	client, server := net.Pipe()
	server.Close()

	c, _ := newCollector(t, testConfig())
	session, err := c.Collect(context.Background(), client)
	if err != nil {
		t.Fatalf("Collect: %v", err)
	}
	if len(session.Records) != 0 || session.MaxSeq != models.NoSequence {
		t.Fatalf("expected empty session, got %d records max %d", len(session.Records), session.MaxSeq)
	}
}

func TestCollectDropsPartialTail(t *testing.T) {
	client, server := net.Pipe()
	go func() {
		buf := protocol.EncodeRecord(models.NewRecord("MSFT", 'S', 5, 7, 1))
		buf = append(buf, protocol.EncodeRecord(models.NewRecord("MSFT", 'S', 5, 7, 2))[:9]...)
		_, _ = server.Write(buf)
		server.Close()
	}()

	c, feed := newCollector(t, testConfig())
	session, err := c.Collect(context.Background(), client)
	if err != nil {
		t.Fatalf("Collect: %v", err)
	}
	if len(session.Records) != 1 || session.Records[0].Sequence != 1 {
		t.Fatalf("expected only sequence 1, got %v", sequences(session.Records))
	}
	if session.Truncations != 1 {
		t.Errorf("expected 1 truncation, got %d", session.Truncations)
	}
	if feed.Snapshot()["stream_truncations"].(int64) != 1 {
		t.Errorf("truncation not counted in metrics")
	}
}

func TestCollectDropsDuplicates(t *testing.T) {
	client, server := net.Pipe()
	go func() {
		var buf []byte
		for _, seq := range []int32{1, 2, 2, 3} {
			buf = protocol.AppendRecord(buf, models.NewRecord("AMZN", 'B', 1, 1, seq))
		}
		_, _ = server.Write(buf)
		server.Close()
	}()

	c, _ := newCollector(t, testConfig())
	session, err := c.Collect(context.Background(), client)
	if err != nil {
		t.Fatalf("Collect: %v", err)
	}
	if got := sequences(session.Records); !equalSeqs(got, []int32{1, 2, 3}) {
		t.Fatalf("expected [1 2 3], got %v", got)
	}
	if session.Duplicates != 1 {
		t.Errorf("expected 1 duplicate, got %d", session.Duplicates)
	}
}

func TestCollectIdleTimeoutFails(t *testing.T) {
	client, server := net.Pipe()
	defer server.Close()
	go func() {
		_, _ = server.Write(protocol.EncodeRecord(models.NewRecord("META", 'B', 1, 1, 1)))
	}()

	cfg := testConfig()
	cfg.Source.IdleTimeout = 50 * time.Millisecond
	c, _ := newCollector(t, cfg)
	session, err := c.Collect(context.Background(), client)
	if !errors.Is(err, reader.ErrConnectionFailure) {
		t.Fatalf("expected ErrConnectionFailure, got %v", err)
	}
	if session != nil {
		t.Fatalf("expected no session after idle timeout, got %d records", len(session.Records))
	}
}

type resetConn struct {
	net.Conn
	r io.Reader
}

func (c *resetConn) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	if errors.Is(err, io.EOF) {
		return n, &net.OpError{Op: "read", Net: "tcp", Err: syscall.ECONNRESET}
	}
	return n, err
}

func TestCollectResetKeepsRecords(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()
	conn := &resetConn{Conn: client, r: bytes.NewReader(protocol.EncodeRecord(models.NewRecord("META", 'B', 1, 1, 1)))}

	c, _ := newCollector(t, testConfig())
	session, err := c.Collect(context.Background(), conn)
	if err != nil {
		t.Fatalf("Collect: %v", err)
	}
	if len(session.Records) != 1 {
		t.Fatalf("expected 1 record before reset, got %d", len(session.Records))
	}
}

func TestCollectCancelled(t *testing.T) {
	client, server := net.Pipe()
	defer server.Close()

	cfg := testConfig()
	cfg.Source.IdleTimeout = 0
	c, _ := newCollector(t, cfg)

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(20*time.Millisecond, cancel)
	if _, err := c.Collect(ctx, client); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestRunOverTCP(t *testing.T) {
	sim := feedsim.New(feedsim.Options{Records: feedsim.Series(6), Drop: []int32{3, 5}})
	addr, err := sim.ListenTCP("127.0.0.1:0")
	if err != nil {
		t.Fatalf("ListenTCP: %v", err)
	}
	defer sim.Stop()

	c, _ := newCollector(t, testConfig())
	session, err := c.Run(context.Background(), &reader.TCPDialer{Address: addr, Timeout: time.Second})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if got := sequences(session.Records); !equalSeqs(got, []int32{1, 2, 4, 6}) {
		t.Fatalf("expected [1 2 4 6], got %v", got)
	}
}

func TestRunOverWebSocket(t *testing.T) {
	sim := feedsim.New(feedsim.Options{Records: feedsim.Series(4), Drop: []int32{2}, TruncateTail: true})
	url, err := sim.ListenWS("127.0.0.1:0")
	if err != nil {
		t.Fatalf("ListenWS: %v", err)
	}
	defer sim.Stop()

	c, _ := newCollector(t, testConfig())
	session, err := c.Run(context.Background(), &reader.WSDialer{URL: url, Timeout: time.Second})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if got := sequences(session.Records); !equalSeqs(got, []int32{1, 3, 4}) {
		t.Fatalf("expected [1 3 4], got %v", got)
	}
	if session.Truncations != 1 {
		t.Errorf("expected truncated tail to be counted, got %d", session.Truncations)
	}
}

func TestRunDialFailure(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	addr := ln.Addr().String()
	ln.Close()

	c, _ := newCollector(t, testConfig())
	_, err = c.Run(context.Background(), &reader.TCPDialer{Address: addr, Timeout: time.Second})
	if !errors.Is(err, reader.ErrConnectionFailure) {
		t.Fatalf("expected ErrConnectionFailure, got %v", err)
	}
}

func TestNewDialer(t *testing.T) {
	cfg := config.Default()
	d, err := reader.NewDialer(cfg.Source)
	if err != nil {
		t.Fatalf("NewDialer: %v", err)
	}
	if _, ok := d.(*reader.TCPDialer); !ok {
		t.Fatalf("expected TCPDialer, got %T", d)
	}

	cfg.Source.Transport = "ws"
	cfg.Source.URL = "ws://localhost:1/feed"
	d, err = reader.NewDialer(cfg.Source)
	if err != nil {
		t.Fatalf("NewDialer ws: %v", err)
	}
	if d.Endpoint() != cfg.Source.URL {
		t.Errorf("expected endpoint %s, got %s", cfg.Source.URL, d.Endpoint())
	}

	cfg.Source.Transport = "udp"
	if _, err := reader.NewDialer(cfg.Source); err == nil {
		t.Fatal("expected error for unknown transport")
	}
}
